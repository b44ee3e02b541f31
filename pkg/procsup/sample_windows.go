//go:build windows

package procsup

import (
	"context"
	"encoding/csv"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// SampleResidentMemoryKB reads the working set reported by tasklist.
// It returns -1 when the value is unavailable.
func SampleResidentMemoryKB(pid int) int64 {
	if pid <= 0 {
		return -1
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, "tasklist", "/FI", "PID eq "+strconv.Itoa(pid), "/FO", "CSV", "/NH").Output()
	if err != nil {
		return -1
	}
	rec, err := csv.NewReader(strings.NewReader(string(out))).Read()
	if err != nil || len(rec) < 5 {
		return -1
	}
	mem := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(rec[4]), "K"))
	mem = strings.NewReplacer(",", "", ".", "", " ", "").Replace(mem)
	n, err := strconv.ParseInt(mem, 10, 64)
	if err != nil {
		return -1
	}
	return n
}

// SampleOpenHandles is not available on Windows.
func SampleOpenHandles(pid int) int64 {
	return -1
}
