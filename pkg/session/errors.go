package session

import (
	"errors"
	"fmt"
)

var (
	// ErrNoScript is returned by Registry.Lookup when no script covers the
	// scenario and version.
	ErrNoScript = errors.New("no session script")

	// ErrNotStarted is returned when steps run before Start or Attach.
	ErrNotStarted = errors.New("session not started")
)

// ScriptMismatch records a step whose expected pattern never appeared.
// Actual holds what the step observed: the buffer window for commands, the
// response body for probes.
type ScriptMismatch struct {
	ScriptID string
	Step     int
	Input    string
	Pattern  string
	Actual   string
	Err      error // underlying failure such as a write or request error
}

func (e *ScriptMismatch) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("script %s step %d (%q): %v", e.ScriptID, e.Step, e.Input, e.Err)
	}
	return fmt.Sprintf("script %s step %d (%q): pattern %q not found in output %q",
		e.ScriptID, e.Step, e.Input, e.Pattern, truncate(e.Actual, 2000))
}

func (e *ScriptMismatch) Unwrap() error { return e.Err }

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
