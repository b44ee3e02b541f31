//go:build !linux && !windows

package procsup

import (
	"bufio"
	"bytes"
	"context"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

const sampleTimeout = 5 * time.Second

// SampleResidentMemoryKB asks ps for the resident set size of pid.
// It returns -1 when the value is unavailable.
func SampleResidentMemoryKB(pid int) int64 {
	if pid <= 0 {
		return -1
	}
	ctx, cancel := context.WithTimeout(context.Background(), sampleTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, "ps", "-o", "rss=", "-p", strconv.Itoa(pid)).Output()
	if err != nil {
		return -1
	}
	n, err := strconv.ParseInt(strings.TrimSpace(string(out)), 10, 64)
	if err != nil {
		return -1
	}
	return n
}

// SampleOpenHandles counts the descriptors lsof reports for pid.
// It returns -1 when lsof is unavailable or fails.
func SampleOpenHandles(pid int) int64 {
	if pid <= 0 {
		return -1
	}
	ctx, cancel := context.WithTimeout(context.Background(), sampleTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, "lsof", "-p", strconv.Itoa(pid)).Output()
	if err != nil {
		return -1
	}
	var n int64
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		n++
	}
	// first line is the column header
	if n == 0 {
		return -1
	}
	return n - 1
}
