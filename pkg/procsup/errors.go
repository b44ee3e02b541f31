package procsup

import (
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// LaunchError reports a process that could not be started.
type LaunchError struct {
	Args []string
	Dir  string
	Err  error
}

func (e *LaunchError) Error() string {
	cmd := strings.Join(e.Args, " ")
	if e.Dir != "" {
		return fmt.Sprintf("launch %q in %s: %v", cmd, e.Dir, e.Err)
	}
	return fmt.Sprintf("launch %q: %v", cmd, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// IsNotFound reports whether err means the executable could not be found.
func IsNotFound(err error) bool {
	if errors.Is(err, exec.ErrNotFound) {
		return true
	}
	var execErr *exec.Error
	return errors.As(err, &execErr)
}
