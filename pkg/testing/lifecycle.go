package testing

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"github.com/ormasoftchile/tollgate/pkg/assertions"
	"github.com/ormasoftchile/tollgate/pkg/logcheck"
	"github.com/ormasoftchile/tollgate/pkg/metrics"
	"github.com/ormasoftchile/tollgate/pkg/probe"
	"github.com/ormasoftchile/tollgate/pkg/procsup"
	"github.com/ormasoftchile/tollgate/pkg/schema"
	"github.com/ormasoftchile/tollgate/pkg/session"
	"github.com/ormasoftchile/tollgate/pkg/thresholds"
	"github.com/ormasoftchile/tollgate/pkg/version"
)

// MeasuredExitCode is recorded when the run process exits on its own.
const MeasuredExitCode = "exit_code"

// errHalt ends a scenario early; its status comes from the assertions
// recorded so far.
var errHalt = errors.New("halt")

// scenarioRun carries one scenario through build, run, session and
// evaluation.
type scenarioRun struct {
	runner  *Runner
	info    ScenarioInfo
	spec    *schema.Scenario
	builder version.Info
	res     *TestResult
	log     *slog.Logger

	whitelist logcheck.Whitelist
}

func (s *scenarioRun) execute(ctx context.Context) error {
	wl, err := logcheck.Compile(s.spec.Whitelist, logcheck.Scenario)
	if err != nil {
		return fmt.Errorf("scenario whitelist: %w", err)
	}
	s.whitelist = wl

	for _, stage := range []func(context.Context) error{s.build, s.run} {
		if err := stage(ctx); err != nil {
			if errors.Is(err, errHalt) {
				return nil
			}
			return err
		}
	}
	return s.evaluate()
}

// path resolves p against the scenario directory.
func (s *scenarioRun) path(p, def string) string {
	if p == "" {
		p = def
	}
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(s.info.Dir, p)
}

func (s *scenarioRun) workDir() string { return s.path(s.spec.Dir, ".") }

func (s *scenarioRun) add(r *assertions.Result) {
	s.res.Assertions = append(s.res.Assertions, r)
	if !r.Passed {
		s.log.Warn("check failed", "type", r.Type, "name", r.Name, "message", r.Message)
	}
}

// freshSink truncates any log left by a previous run and opens it for
// appending.
func freshSink(path string) (*os.File, error) {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("reset %s: %w", path, err)
	}
	return procsup.AppendSink(path)
}

func (s *scenarioRun) build(ctx context.Context) error {
	b := s.spec.Build
	if b == nil {
		return nil
	}
	logPath := s.path(b.Log, DefaultBuildLog)
	timeout, err := schema.Duration(b.Timeout, DefaultBuildTimeout)
	if err != nil {
		return fmt.Errorf("build timeout: %w", err)
	}
	sink, err := freshSink(logPath)
	if err != nil {
		return fmt.Errorf("build: %w", err)
	}
	defer sink.Close()

	s.log.Info("building", "argv", b.Argv, "log", logPath)
	start := time.Now()
	code, err := s.runner.supervisor().Run(ctx, procsup.Spec{
		Args:   b.Argv,
		Dir:    s.workDir(),
		Env:    s.spec.Env,
		Output: sink,
	}, timeout)
	s.res.Measured[MeasuredBuildMs] = float64(time.Since(start).Milliseconds())

	if errors.Is(err, procsup.ErrTimeout) {
		s.add(&assertions.Result{
			Type:     "build",
			Name:     "build finished",
			Expected: timeout.String(),
			Message:  fmt.Sprintf("build did not finish within %s", timeout),
		})
		return errHalt
	}
	if err != nil {
		return fmt.Errorf("build: %w", err)
	}
	s.add(&assertions.Result{
		Type:     "build",
		Name:     "build exit code",
		Expected: "0",
		Actual:   strconv.Itoa(code),
		Passed:   code == 0,
		Message:  fmt.Sprintf("build exited with code %d", code),
	})
	if code != 0 {
		return errHalt
	}

	if schema.Enabled(b.Metrics, true) {
		rec, err := metrics.ExtractFile(logPath)
		if err != nil {
			return fmt.Errorf("build metrics: %w", err)
		}
		s.res.Metrics = rec
	}
	if schema.Enabled(b.Verify, true) {
		if err := s.verifyLog("build log", logPath); err != nil {
			return err
		}
	}
	return nil
}

func (s *scenarioRun) verifyLog(name, path string) error {
	lines, err := logcheck.CheckFile(path, s.runner.Global, s.whitelist)
	if err != nil {
		return fmt.Errorf("verify %s: %w", name, err)
	}
	r := &assertions.Result{
		Type:     "log",
		Name:     name,
		Expected: "0",
		Actual:   strconv.Itoa(len(lines)),
		Passed:   len(lines) == 0,
		Message:  fmt.Sprintf("%s is clean", name),
	}
	if len(lines) > 0 {
		r.Message = fmt.Sprintf("%s has %d unexpected line(s), first: %s", name, len(lines), lines[0])
		for _, l := range lines {
			s.res.Offending = append(s.res.Offending, filepath.Base(path)+": "+l)
		}
	}
	s.add(r)
	return nil
}

func (s *scenarioRun) run(ctx context.Context) error {
	rn := s.spec.Run
	if rn == nil {
		if s.spec.Session != nil {
			return s.session(ctx)
		}
		return nil
	}
	sup := s.runner.supervisor()
	logPath := s.path(rn.Log, DefaultRunLog)
	sink, err := freshSink(logPath)
	if err != nil {
		return fmt.Errorf("run: %w", err)
	}
	defer sink.Close()

	s.log.Info("launching", "argv", rn.Argv, "log", logPath)
	proc, err := sup.Start(ctx, procsup.Spec{
		Args:   rn.Argv,
		Dir:    s.workDir(),
		Env:    s.spec.Env,
		Output: sink,
	})
	if err != nil {
		return fmt.Errorf("run: %w", err)
	}
	stopped := false
	defer func() {
		if !stopped {
			_ = sup.Stop(context.Background(), proc, true)
		}
	}()

	switch {
	case rn.Ready != nil:
		if err := s.awaitReady(ctx, rn.Ready); err != nil {
			return err
		}
	case rn.Expect != "":
		s.awaitLog(ctx, proc, logPath, rn.Expect)
	}

	if s.spec.Session != nil {
		if err := s.session(ctx); err != nil {
			return err
		}
	}

	d, err := schema.Duration(rn.Duration, 0)
	if err != nil {
		return fmt.Errorf("run duration: %w", err)
	}
	if d > 0 {
		select {
		case <-time.After(d):
		case <-proc.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if proc.Running() {
		s.res.Measured[MeasuredRSSKB] = float64(procsup.SampleResidentMemoryKB(proc.PID()))
		s.res.Measured[MeasuredOpenHandles] = float64(procsup.SampleOpenHandles(proc.PID()))
	} else {
		s.res.Measured[MeasuredRSSKB] = -1
		s.res.Measured[MeasuredOpenHandles] = -1
		s.res.Measured[MeasuredExitCode] = float64(proc.ExitCode())
	}

	grace, err := schema.Duration(rn.StopGrace, sup.StopGrace)
	if err != nil {
		return fmt.Errorf("stop grace: %w", err)
	}
	stopper := *sup
	stopper.StopGrace = grace
	if err := stopper.Stop(ctx, proc, false); err != nil {
		s.log.Warn("stop", "pid", proc.PID(), "error", err)
	}
	stopped = true

	if rn.Port > 0 {
		host := rn.Host
		if host == "" {
			host = DefaultHost
		}
		released := sup.AwaitPortReleased(ctx, host, rn.Port, DefaultPortTimeout)
		s.add(&assertions.Result{
			Type:     "port",
			Name:     fmt.Sprintf("port %d released", rn.Port),
			Expected: "released",
			Actual:   map[bool]string{true: "released", false: "in use"}[released],
			Passed:   released,
			Message:  fmt.Sprintf("%s:%d released=%v after stop", host, rn.Port, released),
		})
	}

	if rn.Expect != "" {
		data, err := os.ReadFile(logPath)
		if err != nil {
			return fmt.Errorf("read run log: %w", err)
		}
		r := assertions.EvalMatches(string(data), rn.Expect)
		r.Name = "run output"
		s.add(r)
	}
	if schema.Enabled(rn.Verify, true) {
		return s.verifyLog("run log", logPath)
	}
	return nil
}

func (s *scenarioRun) awaitReady(ctx context.Context, rd *schema.Ready) error {
	var expect *regexp.Regexp
	if rd.Expect != "" {
		re, err := regexp.Compile(rd.Expect)
		if err != nil {
			return fmt.Errorf("ready expect: %w", err)
		}
		expect = re
	}
	timeout, err := schema.Duration(rd.Timeout, DefaultReadyTimeout)
	if err != nil {
		return fmt.Errorf("ready timeout: %w", err)
	}
	interval, err := schema.Duration(rd.Interval, DefaultReadyInterval)
	if err != nil {
		return fmt.Errorf("ready interval: %w", err)
	}

	elapsed, err := probe.WaitReady(ctx, s.runner.httpClient(), rd.URL, expect, timeout, interval)
	r := &assertions.Result{Type: "ready", Name: "ready " + rd.URL, Expected: rd.Expect}
	if err != nil {
		s.res.Measured[MeasuredReadyMs] = -1
		r.Message = err.Error()
	} else {
		s.res.Measured[MeasuredReadyMs] = float64(elapsed.Milliseconds())
		r.Passed = true
		r.Actual = elapsed.String()
		r.Message = fmt.Sprintf("ready after %s", elapsed)
	}
	s.add(r)
	return nil
}

// awaitLog polls the run log for pattern and records the time to the first
// match. A miss is not a failure here; the final expect check reports it.
func (s *scenarioRun) awaitLog(ctx context.Context, proc *procsup.Process, path, pattern string) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return
	}
	start := time.Now()
	deadline := time.NewTimer(DefaultReadyTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(DefaultReadyInterval)
	defer ticker.Stop()

	s.res.Measured[MeasuredReadyMs] = -1
	for {
		if data, err := os.ReadFile(path); err == nil && re.Match(data) {
			s.res.Measured[MeasuredReadyMs] = float64(time.Since(start).Milliseconds())
			return
		}
		select {
		case <-ticker.C:
		case <-proc.Done():
			if data, err := os.ReadFile(path); err == nil && re.Match(data) {
				s.res.Measured[MeasuredReadyMs] = float64(time.Since(start).Milliseconds())
			}
			return
		case <-deadline.C:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *scenarioRun) session(ctx context.Context) error {
	ss := s.spec.Session
	key := ss.Script
	if key == "" {
		key = s.spec.Name
	}
	script, err := s.runner.Scripts.Lookup(key, s.builder.Builder)
	if err != nil {
		return fmt.Errorf("session: %w", err)
	}

	d, err := NewSessionDriver(ss, s.log)
	if err != nil {
		return err
	}
	d.HTTPClient = s.runner.httpClient()
	d.Trace = s.runner.Trace
	d.RunID = s.res.RunID

	transcript := s.path(ss.Transcript, DefaultTranscript)
	tf, err := freshSink(transcript)
	if err != nil {
		return fmt.Errorf("session transcript: %w", err)
	}
	defer tf.Close()
	d.Transcript = tf

	sup := s.runner.supervisor()
	proc, err := sup.Start(ctx, procsup.Spec{
		Args:        ss.Argv,
		Dir:         s.workDir(),
		Env:         s.spec.Env,
		Interactive: true,
		TTY:         ss.TTY,
	})
	if err != nil {
		return fmt.Errorf("session: %w", err)
	}
	if err := d.Attach(sup, proc); err != nil {
		_ = sup.Stop(ctx, proc, true)
		return fmt.Errorf("session: %w", err)
	}

	s.log.Info("session started", "script", script.ID(), "pid", proc.PID())
	start := time.Now()
	result, err := d.Run(ctx, script)
	if cerr := d.Close(ctx); cerr != nil {
		s.log.Warn("session close", "error", cerr)
	}
	s.res.Measured[MeasuredSessionMs] = float64(time.Since(start).Milliseconds())
	if err != nil {
		return fmt.Errorf("session: %w", err)
	}

	s.res.Session = &SessionSummary{
		ScriptID:   result.ScriptID,
		Steps:      len(result.Steps),
		Mismatches: len(result.Mismatches),
		Transcript: transcript,
	}
	for _, st := range result.Steps {
		r := &assertions.Result{
			Type:     "session",
			Name:     fmt.Sprintf("%s step %d (%s %s)", result.ScriptID, st.Index, st.Kind, st.Input),
			Expected: st.Pattern,
			Actual:   st.Output,
			Passed:   st.Matched,
			Message:  "matched",
		}
		if !st.Matched {
			r.Message = st.Error
		}
		s.add(r)
	}
	return nil
}

func (s *scenarioRun) evaluate() error {
	path := s.path(s.spec.Thresholds, ThresholdFile)
	sources := s.runner.Sources
	if sources == nil {
		sources = []thresholds.Source{thresholds.EnvSource{}}
	}
	resolver := &thresholds.Resolver{
		Context: thresholds.Context{
			Builder:     s.builder.Builder,
			JDK:         s.builder.JDK,
			Framework:   s.runner.Framework,
			InContainer: s.runner.InContainer,
		},
		Logger: s.log,
	}

	table, err := resolver.Load(path, sources...)
	switch {
	case err == nil:
	case errors.Is(err, fs.ErrNotExist) && s.spec.Thresholds == "":
		table = &thresholds.Table{Values: map[string]int64{}}
	default:
		return fmt.Errorf("thresholds: %w", err)
	}
	for _, w := range table.Warnings {
		s.res.Warnings = append(s.res.Warnings, fmt.Sprintf("%s: %s", filepath.Base(path), w))
	}
	s.res.Thresholds = table.Values

	checks, err := assertions.CompileChecks(s.spec.Checks)
	if err != nil {
		return err
	}
	env := assertions.Env{
		Measured:   s.res.Measured,
		Metrics:    s.res.Metrics,
		Thresholds: table.Values,
	}
	for _, r := range assertions.Evaluate(checks, s.spec.Limits, env) {
		s.add(r)
	}
	return nil
}

// NewSessionDriver returns a driver configured from a scenario's session
// block.
func NewSessionDriver(ss *schema.Session, logger *slog.Logger) (*session.Driver, error) {
	var err error
	d := session.NewDriver(logger)
	if d.PollInterval, err = schema.Duration(ss.PollInterval, session.DefaultPollInterval); err != nil {
		return nil, fmt.Errorf("session poll interval: %w", err)
	}
	if d.DefaultTimeout, err = schema.Duration(ss.Timeout, session.DefaultStepTimeout); err != nil {
		return nil, fmt.Errorf("session timeout: %w", err)
	}
	if d.QuitGrace, err = schema.Duration(ss.QuitGrace, session.DefaultQuitGrace); err != nil {
		return nil, fmt.Errorf("session quit grace: %w", err)
	}
	if ss.QuitCommand != "" {
		d.QuitCommand = ss.QuitCommand
	}
	return d, nil
}
