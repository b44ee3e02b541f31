package testing

import (
	"github.com/ormasoftchile/tollgate/pkg/assertions"
	"github.com/ormasoftchile/tollgate/pkg/metrics"
)

// Scenario statuses.
const (
	StatusPassed  = "passed"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
	StatusError   = "error"
)

// Measured keys recorded by the runner.
const (
	MeasuredBuildMs     = "build_ms"
	MeasuredReadyMs     = "time_to_ready_ms"
	MeasuredRSSKB       = "rss_kb"
	MeasuredOpenHandles = "open_handles"
	MeasuredSessionMs   = "session_ms"
)

// TestResult captures the outcome of running one scenario.
type TestResult struct {
	ScenarioName string               `json:"scenario_name"`
	ScenarioDir  string               `json:"scenario_dir"`
	RunID        string               `json:"run_id"`
	Status       string               `json:"status"` // passed, failed, skipped, error
	DurationMs   int64                `json:"duration_ms"`
	Measured     map[string]float64   `json:"measured,omitempty"`
	Metrics      metrics.Record       `json:"metrics,omitempty"`
	Thresholds   map[string]int64     `json:"thresholds,omitempty"`
	Offending    []string             `json:"offending,omitempty"`
	Session      *SessionSummary      `json:"session,omitempty"`
	Assertions   []*assertions.Result `json:"assertions"`
	Warnings     []string             `json:"warnings,omitempty"`
	Error        string               `json:"error,omitempty"`
}

// Failed reports whether the scenario failed or errored.
func (r *TestResult) Failed() bool {
	return r.Status == StatusFailed || r.Status == StatusError
}

// SessionSummary describes the scripted session of a scenario.
type SessionSummary struct {
	ScriptID   string `json:"script_id"`
	Steps      int    `json:"steps"`
	Mismatches int    `json:"mismatches"`
	Transcript string `json:"transcript,omitempty"` // path of the transcript file
}

// TestSummary aggregates results across scenarios.
type TestSummary struct {
	Total   int `json:"total"`
	Passed  int `json:"passed"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
	Errors  int `json:"errors"`
}

// Add counts one result.
func (s *TestSummary) Add(r *TestResult) {
	s.Total++
	switch r.Status {
	case StatusPassed:
		s.Passed++
	case StatusFailed:
		s.Failed++
	case StatusSkipped:
		s.Skipped++
	case StatusError:
		s.Errors++
	}
}

// OK reports whether nothing failed or errored.
func (s TestSummary) OK() bool { return s.Failed == 0 && s.Errors == 0 }

// TestOutput is the top-level JSON structure for tollgate run --json.
type TestOutput struct {
	Root      string        `json:"root"`
	RunID     string        `json:"run_id"`
	Builder   string        `json:"builder,omitempty"`
	JDK       string        `json:"jdk,omitempty"`
	Scenarios []*TestResult `json:"scenarios"`
	Summary   TestSummary   `json:"summary"`
}
