// Package testing discovers scenario directories and runs them: build the
// artifact, launch it, drive its session, verify its logs and score what was
// measured against the scenario's thresholds.
package testing

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ormasoftchile/tollgate/pkg/logcheck"
	"github.com/ormasoftchile/tollgate/pkg/logging"
	"github.com/ormasoftchile/tollgate/pkg/probe"
	"github.com/ormasoftchile/tollgate/pkg/procsup"
	"github.com/ormasoftchile/tollgate/pkg/schema"
	"github.com/ormasoftchile/tollgate/pkg/session"
	"github.com/ormasoftchile/tollgate/pkg/thresholds"
	"github.com/ormasoftchile/tollgate/pkg/version"
)

// File names looked up by convention.
const (
	ScenarioFile      = "scenario.yaml"
	ScriptsFile       = "scripts.yaml"
	WhitelistFile     = "whitelist.yaml"
	ThresholdFile     = "threshold.conf"
	DefaultBuildLog   = "build.log"
	DefaultRunLog     = "run.log"
	DefaultTranscript = "session.log"
)

// Lifecycle defaults.
const (
	DefaultBuildTimeout  = 30 * time.Minute
	DefaultReadyTimeout  = time.Minute
	DefaultReadyInterval = 100 * time.Millisecond
	DefaultPortTimeout   = 30 * time.Second
	DefaultHost          = "127.0.0.1"
)

// EnvInContainer forces container detection on or off.
const EnvInContainer = "TOLLGATE_IN_CONTAINER"

// ScenarioInfo describes a discovered scenario directory.
type ScenarioInfo struct {
	Name string // directory name
	Dir  string // path to the scenario directory
	Path string // path to scenario.yaml
}

// DiscoverScenarios finds all scenario directories by convention:
// {root}/*/scenario.yaml, in name order.
func DiscoverScenarios(root string) ([]ScenarioInfo, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("read scenario root: %w", err)
	}

	var scenarios []ScenarioInfo
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(root, entry.Name())
		path := filepath.Join(dir, ScenarioFile)
		if _, err := os.Stat(path); err != nil {
			continue // no scenario.yaml, skip
		}
		scenarios = append(scenarios, ScenarioInfo{Name: entry.Name(), Dir: dir, Path: path})
	}
	return scenarios, nil
}

// DetectContainer reports whether tollgate runs inside a container.
// TOLLGATE_IN_CONTAINER overrides the marker-file check.
func DetectContainer() bool {
	if v, ok := os.LookupEnv(EnvInContainer); ok {
		b, err := strconv.ParseBool(v)
		return err == nil && b
	}
	for _, marker := range []string{"/.dockerenv", "/run/.containerenv"} {
		if _, err := os.Stat(marker); err == nil {
			return true
		}
	}
	return false
}

// Runner discovers and executes scenarios under a root directory.
type Runner struct {
	Supervisor *procsup.Supervisor
	HTTPClient *http.Client
	Logger     *slog.Logger

	// Scripts defaults to {root}/scripts.yaml, or an empty registry.
	Scripts *session.Registry
	// Global defaults to {root}/whitelist.yaml, or logcheck.DefaultGlobal.
	Global logcheck.Whitelist
	// Sources supply threshold overrides; nil means the environment only.
	Sources []thresholds.Source

	Framework   version.Version // framework version guards are checked against
	InContainer bool
	Tags        []string // run only scenarios carrying one of these tags
	Names       []string // run only these scenario directories; empty means all

	Parallel int           // scenarios run at once; <= 0 means 1
	FailFast bool          // start no new scenario after a failure
	Timeout  time.Duration // per scenario; 0 means none

	Trace *session.TraceWriter

	loadOnce sync.Once
	loadErr  error
}

func (r *Runner) logger() *slog.Logger { return logging.OrDiscard(r.Logger) }

func (r *Runner) supervisor() *procsup.Supervisor {
	if r.Supervisor == nil {
		r.Supervisor = procsup.New(r.Logger)
	}
	return r.Supervisor
}

func (r *Runner) httpClient() *http.Client {
	if r.HTTPClient == nil {
		return probe.DefaultClient
	}
	return r.HTTPClient
}

// load fills the registry and global whitelist from the root on first use.
func (r *Runner) load(root string) error {
	r.loadOnce.Do(func() {
		r.supervisor()
		if r.Scripts == nil {
			path := filepath.Join(root, ScriptsFile)
			reg, err := session.LoadRegistry(path)
			switch {
			case err == nil:
				r.Scripts = reg
				r.logger().Debug("loaded session scripts", "path", path, "count", reg.Len())
			case errors.Is(err, fs.ErrNotExist):
				r.Scripts = session.NewRegistry()
			default:
				r.loadErr = fmt.Errorf("load scripts: %w", err)
				return
			}
		}
		if r.Global == nil {
			path := filepath.Join(root, WhitelistFile)
			wl, err := logcheck.LoadGlobal(path)
			switch {
			case err == nil:
				r.Global = wl
			case errors.Is(err, fs.ErrNotExist):
				r.Global = logcheck.DefaultGlobal()
			default:
				r.loadErr = fmt.Errorf("load whitelist: %w", err)
			}
		}
	})
	return r.loadErr
}

// builder resolves the builder version. An unresolvable builder is logged
// and treated as unknown.
func (r *Runner) builder() version.Info {
	info, err := version.Builder()
	if err != nil {
		r.logger().Warn("builder version unknown", "error", err)
		return version.Info{}
	}
	return info
}

// RunAll executes every scenario under root.
func (r *Runner) RunAll(ctx context.Context, root string) (*TestOutput, error) {
	scenarios, err := DiscoverScenarios(root)
	if err != nil {
		return nil, err
	}
	if len(r.Names) > 0 {
		for _, n := range r.Names {
			if !slices.ContainsFunc(scenarios, func(s ScenarioInfo) bool { return s.Name == n }) {
				return nil, fmt.Errorf("scenario %q not found", n)
			}
		}
		scenarios = slices.DeleteFunc(scenarios, func(s ScenarioInfo) bool {
			return !slices.Contains(r.Names, s.Name)
		})
	}
	if err := r.load(root); err != nil {
		return nil, err
	}

	info := r.builder()
	output := &TestOutput{Root: root, RunID: uuid.NewString()}
	if !info.Builder.IsZero() {
		output.Builder = info.Builder.String()
	}
	if !info.JDK.IsZero() {
		output.JDK = info.JDK.String()
	}

	limit := r.Parallel
	if limit <= 0 {
		limit = 1
	}
	results := make([]*TestResult, len(scenarios))
	var stop atomic.Bool

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, sc := range scenarios {
		g.Go(func() error {
			if stop.Load() || gctx.Err() != nil {
				results[i] = skipped(sc, output.RunID, "not started")
				return nil
			}
			res := r.runScenario(gctx, output.RunID, info, sc)
			results[i] = res
			if r.FailFast && res.Failed() {
				stop.Store(true)
			}
			return nil
		})
	}
	_ = g.Wait()

	output.Scenarios = results
	for _, res := range results {
		output.Summary.Add(res)
	}
	return output, ctx.Err()
}

// RunScenario executes a single named scenario under root.
func (r *Runner) RunScenario(ctx context.Context, root, name string) (*TestResult, error) {
	scenarios, err := DiscoverScenarios(root)
	if err != nil {
		return nil, err
	}
	if err := r.load(root); err != nil {
		return nil, err
	}
	for _, s := range scenarios {
		if s.Name == name {
			return r.runScenario(ctx, uuid.NewString(), r.builder(), s), nil
		}
	}
	return nil, fmt.Errorf("scenario %q not found", name)
}

func skipped(sc ScenarioInfo, runID, reason string) *TestResult {
	return &TestResult{
		ScenarioName: sc.Name,
		ScenarioDir:  sc.Dir,
		RunID:        runID,
		Status:       StatusSkipped,
		Error:        reason,
	}
}

func (r *Runner) selected(sc *schema.Scenario) bool {
	if len(r.Tags) == 0 {
		return true
	}
	for _, t := range sc.Tags {
		if slices.Contains(r.Tags, t) {
			return true
		}
	}
	return false
}

func (r *Runner) runScenario(ctx context.Context, runID string, info version.Info, sc ScenarioInfo) *TestResult {
	start := time.Now()
	res := &TestResult{
		ScenarioName: sc.Name,
		ScenarioDir:  sc.Dir,
		RunID:        runID,
		Measured:     make(map[string]float64),
	}
	defer func() { res.DurationMs = time.Since(start).Milliseconds() }()

	spec, errs := schema.ValidateFile(sc.Path)
	for _, e := range errs {
		if e.Severity == "warning" {
			res.Warnings = append(res.Warnings, e.Error())
		}
	}
	if schema.HasErrors(errs) {
		res.Status = StatusError
		res.Error = fmt.Sprintf("scenario validation failed: %s", firstError(errs))
		return res
	}
	if !r.selected(spec) {
		res.Status = StatusSkipped
		res.Error = "tags not selected"
		return res
	}

	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	log := r.logger().With("scenario", sc.Name, "run_id", runID)
	log.Info("scenario started")

	run := &scenarioRun{runner: r, info: sc, spec: spec, builder: info, res: res, log: log}
	if err := run.execute(ctx); err != nil {
		res.Status = StatusError
		res.Error = err.Error()
		log.Error("scenario error", "error", err)
		return res
	}

	res.Status = StatusPassed
	for _, a := range res.Assertions {
		if !a.Passed {
			res.Status = StatusFailed
			break
		}
	}
	log.Info("scenario finished", "status", res.Status, "duration", time.Since(start))
	return res
}

// firstError returns the first non-warning error.
func firstError(errs []*schema.ValidationError) string {
	for _, e := range errs {
		if e.Severity != "warning" {
			return e.Error()
		}
	}
	return ""
}
