package report

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/ormasoftchile/tollgate/pkg/assertions"
	"github.com/ormasoftchile/tollgate/pkg/metrics"
	runtest "github.com/ormasoftchile/tollgate/pkg/testing"
)

func sampleOutput() *runtest.TestOutput {
	out := &runtest.TestOutput{
		Root:    "suite",
		RunID:   "run-1",
		Builder: "23.1.2",
		JDK:     "21.0.2",
		Scenarios: []*runtest.TestResult{
			{
				ScenarioName: "hello",
				RunID:        "run-1",
				Status:       runtest.StatusPassed,
				DurationMs:   1500,
				Measured:     map[string]float64{"rss_kb": 80000, "open_handles": -1},
				Metrics:      metrics.Record{"image_total_mb": "28.73", "builder_name": "graal"},
				Thresholds:   map[string]int64{"max_rss_kb": 90000},
				Assertions: []*assertions.Result{
					{Type: "limit", Name: "rss_kb <= max_rss_kb", Passed: true, Message: "rss_kb 80000 <= 90000"},
				},
			},
			{
				ScenarioName: "noisy|app",
				RunID:        "run-1",
				Status:       runtest.StatusFailed,
				DurationMs:   700,
				Offending:    []string{"run.log: ERROR: boom"},
				Assertions: []*assertions.Result{
					{Type: "log", Name: "run log", Message: "run log has 1 unexpected line(s), first: ERROR: boom"},
				},
			},
			{
				ScenarioName: "later",
				Status:       runtest.StatusSkipped,
				Error:        "not started",
			},
		},
	}
	for _, s := range out.Scenarios {
		out.Summary.Add(s)
	}
	return out
}

func TestText(t *testing.T) {
	var buf bytes.Buffer
	if err := Text(&buf, sampleOutput(), TextOptions{}); err != nil {
		t.Fatal(err)
	}
	got := buf.String()
	for _, want := range []string{
		"builder 23.1.2, jdk 21.0.2",
		GlyphPassed + " hello",
		"rss_kb=80000",
		GlyphFailed + " noisy|app",
		"log: run log has 1 unexpected line(s)",
		"not started",
		"3 scenarios",
		"1 passed",
		"1 failed",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("text output missing %q:\n%s", want, got)
		}
	}
	if strings.Contains(got, "open_handles") {
		t.Error("unavailable samples should not be printed")
	}
	if strings.Contains(got, "rss_kb 80000 <= 90000") {
		t.Error("passing checks should be hidden without Verbose")
	}

	buf.Reset()
	if err := Text(&buf, sampleOutput(), TextOptions{Verbose: true}); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "rss_kb 80000 <= 90000") {
		t.Error("Verbose should list passing checks")
	}
}

func TestMarkdown(t *testing.T) {
	md := Markdown(sampleOutput())
	for _, want := range []string{
		"# tollgate run `run-1`",
		"| hello | passed | 1500ms | rss_kb=80000 |",
		`| noisy\|app | failed |`,
		"## noisy|app",
		"run.log: ERROR: boom",
	} {
		if !strings.Contains(md, want) {
			t.Errorf("markdown missing %q:\n%s", want, md)
		}
	}
	if strings.Contains(md, "## hello") {
		t.Error("passed scenarios get no detail section")
	}
	if got := RenderMarkdown(md, 80); strings.TrimSpace(got) == "" {
		t.Error("rendered markdown is empty")
	}
	if got := RenderMarkdown("  ", 80); got != "  " {
		t.Errorf("blank input should pass through, got %q", got)
	}
}

func TestJSON(t *testing.T) {
	var buf bytes.Buffer
	if err := JSON(&buf, sampleOutput()); err != nil {
		t.Fatal(err)
	}
	var back runtest.TestOutput
	if err := json.Unmarshal(buf.Bytes(), &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.Summary.Total != 3 || back.Scenarios[0].Metrics["image_total_mb"] != "28.73" {
		t.Errorf("unexpected round trip: %+v", back.Summary)
	}
}

func TestWriteTextfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tollgate.prom")
	if err := WriteTextfile(path, sampleOutput()); err != nil {
		t.Fatalf("WriteTextfile: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	got := string(data)
	for _, want := range []string{
		`tollgate_measured{key="rss_kb",scenario="hello"} 80000`,
		`tollgate_build_metric{key="image_total_mb",scenario="hello"} 28.73`,
		`tollgate_threshold{key="max_rss_kb",scenario="hello"} 90000`,
		`tollgate_scenario_passed{scenario="hello",status="passed"} 1`,
		`tollgate_scenario_passed{scenario="noisy|app",status="failed"} 0`,
		`tollgate_scenario_duration_seconds{scenario="hello"} 1.5`,
	} {
		if !strings.Contains(got, want) {
			t.Errorf("textfile missing %q:\n%s", want, got)
		}
	}
	if strings.Contains(got, "open_handles") || strings.Contains(got, "builder_name") {
		t.Errorf("unavailable or non-numeric values exported:\n%s", got)
	}
}

func TestUpload(t *testing.T) {
	var (
		mu     sync.Mutex
		bodies []Stats
		keys   []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		var st Stats
		if err := json.Unmarshal(data, &st); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		mu.Lock()
		bodies = append(bodies, st)
		keys = append(keys, r.Header.Get(APIKeyHeader))
		mu.Unlock()
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	u := &Uploader{URL: srv.URL, APIKey: "secret"}
	if err := u.Upload(context.Background(), sampleOutput()); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if len(bodies) != 1 {
		t.Fatalf("got %d uploads, want 1 (only scenarios with metrics)", len(bodies))
	}
	if keys[0] != "secret" {
		t.Errorf("api key header = %q, want %q", keys[0], "secret")
	}
	st := bodies[0]
	if st.Scenario != "hello" || st.Builder != "23.1.2" {
		t.Errorf("unexpected stats: %+v", st)
	}
	if got := string(st.Metrics); got != `{"builder_name":"graal","image_total_mb":28.73}` {
		t.Errorf("metrics = %s", got)
	}
	if _, ok := st.Measured["open_handles"]; ok {
		t.Error("unavailable samples should not be uploaded")
	}
}

func TestUploadRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad key", http.StatusUnauthorized)
	}))
	defer srv.Close()

	err := (&Uploader{URL: srv.URL}).Upload(context.Background(), sampleOutput())
	if err == nil || !strings.Contains(err.Error(), "401") || !strings.Contains(err.Error(), "bad key") {
		t.Errorf("want 401 error, got %v", err)
	}
	if err := (&Uploader{}).Upload(context.Background(), sampleOutput()); err == nil {
		t.Error("missing URL should fail")
	}
}
