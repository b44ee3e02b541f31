//go:build !windows

package procsup

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/creack/pty"
)

// startTTY starts cmd on a new pseudo-terminal. pty makes the child a
// session leader, so its pid doubles as its process group id.
func startTTY(cmd *exec.Cmd) (*os.File, error) {
	master, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: 50, Cols: 200})
	if err != nil {
		return nil, fmt.Errorf("start on pty: %w", err)
	}
	return master, nil
}
