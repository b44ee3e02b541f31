// Package session drives interactive child processes through scripted
// steps, expect-style.
//
// A Driver owns one Buffer fed by a single reader goroutine. Command steps
// clear the buffer, write a line to the child and poll for the expected
// pattern until the step timeout. Probe steps issue an HTTP GET alongside
// the session. Failed steps are collected as ScriptMismatch values and the
// script keeps going.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"regexp"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ormasoftchile/tollgate/pkg/logging"
	"github.com/ormasoftchile/tollgate/pkg/probe"
	"github.com/ormasoftchile/tollgate/pkg/procsup"
)

// Defaults for Driver fields left at zero.
const (
	DefaultPollInterval = 500 * time.Millisecond
	DefaultStepTimeout  = 10 * time.Second
	DefaultQuitGrace    = 5 * time.Second
	DefaultQuitCommand  = "quit"
)

// State is the driver's position in a script.
type State int

const (
	Idle State = iota
	Started
	StepPending
	StepMatched
	StepTimedOut
	Finished
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Started:
		return "started"
	case StepPending:
		return "step_pending"
	case StepMatched:
		return "step_matched"
	case StepTimedOut:
		return "step_timed_out"
	case Finished:
		return "finished"
	default:
		return "unknown"
	}
}

// StepResult is the outcome of one step.
type StepResult struct {
	Index    int             `json:"index"`
	Kind     StepKind        `json:"kind"`
	Input    string          `json:"input"`
	Pattern  string          `json:"pattern,omitempty"`
	Matched  bool            `json:"matched"`
	Elapsed  time.Duration   `json:"elapsed_ns"`
	Output   string          `json:"output,omitempty"`
	Error    string          `json:"error,omitempty"`
	Mismatch *ScriptMismatch `json:"-"`
}

// Result collects every step outcome of a script run.
type Result struct {
	ScriptID   string
	Steps      []StepResult
	Mismatches []*ScriptMismatch
	Transcript string
}

// Passed reports whether every step matched.
func (r *Result) Passed() bool { return len(r.Mismatches) == 0 }

// Err joins all mismatches, nil when the script passed.
func (r *Result) Err() error {
	if r.Passed() {
		return nil
	}
	errs := make([]error, len(r.Mismatches))
	for i, m := range r.Mismatches {
		errs[i] = m
	}
	return errors.Join(errs...)
}

// Driver runs scripts against one interactive child.
type Driver struct {
	PollInterval   time.Duration
	DefaultTimeout time.Duration
	QuitGrace      time.Duration
	QuitCommand    string
	HTTPClient     *http.Client
	Logger         *slog.Logger

	Transcript io.Writer    // optional copy of everything the child prints
	Trace      *TraceWriter // optional JSONL step log
	RunID      string

	buf Buffer

	mu         sync.Mutex
	state      State
	in         io.Writer
	readerDone chan struct{}
	sup        *procsup.Supervisor
	proc       *procsup.Process
}

// NewDriver returns a Driver with default timings.
func NewDriver(logger *slog.Logger) *Driver {
	return &Driver{
		PollInterval:   DefaultPollInterval,
		DefaultTimeout: DefaultStepTimeout,
		QuitGrace:      DefaultQuitGrace,
		QuitCommand:    DefaultQuitCommand,
		Logger:         logging.OrDiscard(logger),
	}
}

func (d *Driver) logger() *slog.Logger { return logging.OrDiscard(d.Logger) }

// Buffer exposes the driver's output buffer.
func (d *Driver) Buffer() *Buffer { return &d.buf }

// State returns the current state.
func (d *Driver) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Driver) setState(s State) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
}

// Start begins draining out into the buffer; commands are written to in.
func (d *Driver) Start(out io.Reader, in io.Writer) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != Idle {
		return fmt.Errorf("session already %s", d.state)
	}
	d.in = in
	d.readerDone = make(chan struct{})
	d.state = Started
	go d.read(out)
	return nil
}

// Attach starts the driver on an interactive process. Close then stops the
// process through sup.
func (d *Driver) Attach(sup *procsup.Supervisor, proc *procsup.Process) error {
	if proc.Stdin() == nil || proc.Output() == nil {
		return fmt.Errorf("process %d was not started interactively", proc.PID())
	}
	if err := d.Start(proc.Output(), proc.Stdin()); err != nil {
		return err
	}
	d.mu.Lock()
	d.sup, d.proc = sup, proc
	d.mu.Unlock()
	return nil
}

// read is the only writer to the buffer.
func (d *Driver) read(out io.Reader) {
	defer close(d.readerDone)
	chunk := make([]byte, 4096)
	for {
		n, err := out.Read(chunk)
		if n > 0 {
			d.buf.Write(chunk[:n])
			if d.Transcript != nil {
				_, _ = d.Transcript.Write(chunk[:n])
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				d.logger().Debug("session output closed", "error", err)
			}
			return
		}
	}
}

func (d *Driver) started() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state != Idle && d.state != Finished
}

// Run executes script, followed by a quit command unless the script already
// ends with one. Probes run concurrently with later steps and are joined
// before Run returns. Mismatches are reported in step order.
func (d *Driver) Run(ctx context.Context, script *Script) (*Result, error) {
	if !d.started() {
		return nil, ErrNotStarted
	}
	steps := d.Plan(script)
	res := &Result{ScriptID: script.ID(), Steps: make([]StepResult, len(steps))}
	log := d.logger().With("script", script.ID())
	log.Debug("running script", "steps", len(steps))

	var probes errgroup.Group
	for i, st := range steps {
		if st.Kind == ProbeStep {
			probes.Go(func() error {
				res.Steps[i] = d.probe(ctx, script.ID(), i, st)
				return nil
			})
			continue
		}
		res.Steps[i] = d.command(ctx, script.ID(), i, st)
	}
	_ = probes.Wait()

	for i := range res.Steps {
		sr := &res.Steps[i]
		if sr.Mismatch != nil {
			res.Mismatches = append(res.Mismatches, sr.Mismatch)
			log.Warn("step mismatch", "step", i, "input", sr.Input, "pattern", sr.Pattern)
		}
		d.trace(script.ID(), sr)
	}
	res.Transcript = d.buf.Transcript()
	d.setState(Finished)
	return res, nil
}

// Plan returns the steps Run executes for script, including the trailing
// quit command.
func (d *Driver) Plan(script *Script) []Step {
	return script.withQuit(d.quitCommand())
}

// Exec runs a single step synchronously. The debugger uses it to walk a
// script one step at a time.
func (d *Driver) Exec(ctx context.Context, scriptID string, index int, st Step) (StepResult, error) {
	if !d.started() {
		return StepResult{}, ErrNotStarted
	}
	if st.Expect != "" && st.pattern == nil {
		if err := st.compile(); err != nil {
			return StepResult{}, err
		}
	}
	var sr StepResult
	if st.Kind == ProbeStep {
		sr = d.probe(ctx, scriptID, index, st)
	} else {
		sr = d.command(ctx, scriptID, index, st)
	}
	d.trace(scriptID, &sr)
	return sr, nil
}

func (d *Driver) trace(scriptID string, sr *StepResult) {
	if d.Trace == nil {
		return
	}
	if err := d.Trace.Write(d.RunID, scriptID, sr); err != nil {
		d.logger().Warn("write session trace", "error", err)
	}
}

func (d *Driver) command(ctx context.Context, scriptID string, index int, st Step) StepResult {
	d.setState(StepPending)
	sr := StepResult{Index: index, Kind: CommandStep, Input: st.Text, Pattern: st.Expect}
	timeout := st.Timeout
	if timeout <= 0 {
		timeout = d.defaultTimeout()
	}
	d.logger().Debug("send command", "step", index, "input", st.Text, "timeout", timeout)

	d.buf.Reset()
	start := time.Now()
	if _, err := io.WriteString(d.in, st.Text+"\n"); err != nil {
		sr.Elapsed = time.Since(start)
		sr.Output = d.buf.Snapshot()
		sr.Mismatch = &ScriptMismatch{
			ScriptID: scriptID, Step: index, Input: st.Text, Pattern: st.Expect,
			Actual: sr.Output, Err: fmt.Errorf("write command: %w", err),
		}
		sr.Error = sr.Mismatch.Error()
		d.setState(StepTimedOut)
		return sr
	}
	if f, ok := d.in.(interface{ Flush() error }); ok {
		_ = f.Flush()
	}

	sr.Matched = d.await(ctx, st.Pattern(), timeout)
	sr.Elapsed = time.Since(start)
	sr.Output = d.buf.Snapshot()
	if sr.Matched {
		d.setState(StepMatched)
		return sr
	}

	sr.Mismatch = &ScriptMismatch{
		ScriptID: scriptID, Step: index, Input: st.Text, Pattern: st.Expect, Actual: sr.Output,
	}
	if err := ctx.Err(); err != nil {
		sr.Mismatch.Err = err
	}
	sr.Error = sr.Mismatch.Error()
	d.setState(StepTimedOut)
	return sr
}

// await polls the buffer until re matches, timeout elapses or ctx ends.
func (d *Driver) await(ctx context.Context, re *regexp.Regexp, timeout time.Duration) bool {
	interval := d.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	deadline := time.Now().Add(timeout)
	for {
		if d.buf.Match(re) {
			return true
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		wait := interval
		if wait > remaining {
			wait = remaining
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return d.buf.Match(re)
		case <-timer.C:
		}
	}
}

func (d *Driver) probe(ctx context.Context, scriptID string, index int, st Step) StepResult {
	sr := StepResult{Index: index, Kind: ProbeStep, Input: st.URL, Pattern: st.Expect}
	timeout := st.Timeout
	if timeout <= 0 {
		timeout = d.defaultTimeout()
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	resp, err := probe.Get(reqCtx, d.HTTPClient, st.URL)
	sr.Elapsed = time.Since(start)
	if err != nil {
		sr.Mismatch = &ScriptMismatch{ScriptID: scriptID, Step: index, Input: st.URL, Pattern: st.Expect, Err: err}
		sr.Error = sr.Mismatch.Error()
		return sr
	}
	sr.Output = resp.Body
	if re := st.Pattern(); re == nil || re.MatchString(resp.Body) {
		sr.Matched = true
		return sr
	}
	sr.Mismatch = &ScriptMismatch{ScriptID: scriptID, Step: index, Input: st.URL, Pattern: st.Expect, Actual: resp.Body}
	sr.Error = sr.Mismatch.Error()
	return sr
}

// Close ends the session. An attached process gets QuitGrace to exit on its
// own and is then stopped unconditionally. Close waits a bounded time for
// the reader goroutine.
func (d *Driver) Close(ctx context.Context) error {
	d.mu.Lock()
	sup, proc, in, done := d.sup, d.proc, d.in, d.readerDone
	d.state = Finished
	d.mu.Unlock()

	grace := d.QuitGrace
	if grace <= 0 {
		grace = DefaultQuitGrace
	}

	var err error
	if proc != nil {
		timer := time.NewTimer(grace)
		select {
		case <-proc.Done():
		case <-timer.C:
			d.logger().Info("session process did not exit after quit", "pid", proc.PID(), "grace", grace)
		case <-ctx.Done():
		}
		timer.Stop()
		if sup == nil {
			sup = procsup.New(d.Logger)
		}
		err = sup.Stop(ctx, proc, true)
		if cerr := ignoreClosed(proc.Close()); err == nil {
			err = cerr
		}
	} else if c, ok := in.(io.Closer); ok {
		err = ignoreClosed(c.Close())
	}

	if done != nil {
		select {
		case <-done:
		case <-time.After(grace):
			d.logger().Debug("session reader still running after close")
		}
	}
	return err
}

func ignoreClosed(err error) error {
	if err == nil || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, os.ErrClosed) {
		return nil
	}
	return err
}

func (d *Driver) quitCommand() string {
	if d.QuitCommand == "" {
		return DefaultQuitCommand
	}
	return d.QuitCommand
}

func (d *Driver) defaultTimeout() time.Duration {
	if d.DefaultTimeout <= 0 {
		return DefaultStepTimeout
	}
	return d.DefaultTimeout
}
