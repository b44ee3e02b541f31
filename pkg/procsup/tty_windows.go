//go:build windows

package procsup

import (
	"errors"
	"os"
	"os/exec"
)

func startTTY(cmd *exec.Cmd) (*os.File, error) {
	return nil, errors.New("pseudo-terminal sessions are not supported on windows")
}
