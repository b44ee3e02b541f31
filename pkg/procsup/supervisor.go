// Package procsup starts, stops and measures external processes.
//
// A Supervisor launches children with a working directory and an environment
// overlay, appends their combined output to a sink, and terminates them in
// two phases: a cooperative signal with a bounded wait, then an unconditional
// kill of the whole process group. Metric sampling is best effort and reports
// -1 when a value cannot be read.
package procsup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ormasoftchile/tollgate/pkg/logging"
)

// Defaults for Supervisor fields left at zero.
const (
	DefaultStopGrace    = 2 * time.Minute
	DefaultPollInterval = time.Second
	killWait            = 10 * time.Second
)

// ErrTimeout is returned by Run when the command outlives its deadline.
var ErrTimeout = errors.New("process timed out")

// State is the lifecycle state of a managed process.
type State int

const (
	Running State = iota
	Terminated
	Killed
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Terminated:
		return "terminated"
	case Killed:
		return "killed"
	default:
		return "unknown"
	}
}

// Spec describes a process to launch.
type Spec struct {
	Args []string          // argv; Args[0] is resolved against the merged PATH
	Dir  string            // working directory; empty means the caller's
	Env  map[string]string // overlay merged onto the inherited environment

	// Output receives combined stdout and stderr for non-interactive
	// processes. Nil discards output.
	Output io.Writer

	// Interactive exposes a stdin writer and a combined output reader
	// instead of writing to Output.
	Interactive bool

	// TTY attaches the child to a pseudo-terminal. Implies Interactive.
	TTY bool
}

// Supervisor owns the processes it starts.
type Supervisor struct {
	StopGrace    time.Duration // cooperative wait before escalating to kill
	PollInterval time.Duration // port release polling interval
	Logger       *slog.Logger
}

// New returns a Supervisor with default timings.
func New(logger *slog.Logger) *Supervisor {
	return &Supervisor{
		StopGrace:    DefaultStopGrace,
		PollInterval: DefaultPollInterval,
		Logger:       logging.OrDiscard(logger),
	}
}

func (s *Supervisor) logger() *slog.Logger {
	return logging.OrDiscard(s.Logger)
}

// Process is a child started by a Supervisor.
type Process struct {
	cmd  *exec.Cmd
	pid  int
	args []string
	dir  string

	stdin  io.WriteCloser
	output io.ReadCloser
	tty    *os.File

	done chan struct{} // closed once Wait has returned

	mu       sync.Mutex
	state    State
	killed   bool
	waitErr  error
	exitCode int

	stopMu sync.Mutex
}

// PID returns the operating system process id.
func (p *Process) PID() int { return p.pid }

// Args returns the argv the process was launched with.
func (p *Process) Args() []string { return p.args }

// Dir returns the working directory of the process.
func (p *Process) Dir() string { return p.dir }

// Stdin returns the input writer of an interactive process, or nil.
func (p *Process) Stdin() io.WriteCloser { return p.stdin }

// Output returns the combined output reader of an interactive process, or nil.
func (p *Process) Output() io.ReadCloser { return p.output }

// Done is closed when the process has exited and been reaped.
func (p *Process) Done() <-chan struct{} { return p.done }

// State returns the current lifecycle state.
func (p *Process) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Running reports whether the process has not yet exited.
func (p *Process) Running() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// ExitCode returns the exit code once the process has exited, -1 before that
// or when it was ended by a signal.
func (p *Process) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

// Close releases the interactive pipes or pseudo-terminal, if any.
func (p *Process) Close() error {
	if p.tty != nil {
		return p.tty.Close()
	}
	var errs []error
	if p.stdin != nil {
		errs = append(errs, p.stdin.Close())
	}
	if p.output != nil {
		errs = append(errs, p.output.Close())
	}
	return errors.Join(errs...)
}

// Wait blocks until the process exits or ctx is done.
func (p *Process) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.waitErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start launches spec. Failures to resolve the executable or the working
// directory, and any error from the operating system, are reported as
// *LaunchError.
func (s *Supervisor) Start(ctx context.Context, spec Spec) (*Process, error) {
	if len(spec.Args) == 0 {
		return nil, &LaunchError{Err: errors.New("empty command")}
	}
	if err := ctx.Err(); err != nil {
		return nil, &LaunchError{Args: spec.Args, Dir: spec.Dir, Err: err}
	}
	if spec.Dir != "" {
		st, err := os.Stat(spec.Dir)
		if err != nil {
			return nil, &LaunchError{Args: spec.Args, Dir: spec.Dir, Err: fmt.Errorf("working directory: %w", err)}
		}
		if !st.IsDir() {
			return nil, &LaunchError{Args: spec.Args, Dir: spec.Dir, Err: fmt.Errorf("working directory %q is not a directory", spec.Dir)}
		}
	}

	env := MergeEnv(os.Environ(), spec.Env)
	path, err := resolveExecutable(spec.Args[0], spec.Dir, env)
	if err != nil {
		return nil, &LaunchError{Args: spec.Args, Dir: spec.Dir, Err: err}
	}

	cmd := exec.Command(path, spec.Args[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = env

	p := &Process{
		cmd:      cmd,
		args:     append([]string(nil), spec.Args...),
		dir:      spec.Dir,
		done:     make(chan struct{}),
		exitCode: -1,
	}

	switch {
	case spec.TTY:
		master, err := startTTY(cmd)
		if err != nil {
			return nil, &LaunchError{Args: spec.Args, Dir: spec.Dir, Err: err}
		}
		p.tty = master
		p.stdin = master
		p.output = master
	case spec.Interactive:
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, &LaunchError{Args: spec.Args, Dir: spec.Dir, Err: fmt.Errorf("create stdin pipe: %w", err)}
		}
		pr, pw, err := os.Pipe()
		if err != nil {
			return nil, &LaunchError{Args: spec.Args, Dir: spec.Dir, Err: fmt.Errorf("create output pipe: %w", err)}
		}
		cmd.Stdout = pw
		cmd.Stderr = pw
		configureProcessGroup(cmd)
		if err := cmd.Start(); err != nil {
			pr.Close()
			pw.Close()
			return nil, &LaunchError{Args: spec.Args, Dir: spec.Dir, Err: err}
		}
		// The child holds its own copy of the write end.
		pw.Close()
		p.stdin = stdin
		p.output = pr
	default:
		out := spec.Output
		if out == nil {
			out = io.Discard
		}
		cmd.Stdout = out
		cmd.Stderr = out
		configureProcessGroup(cmd)
		if err := cmd.Start(); err != nil {
			return nil, &LaunchError{Args: spec.Args, Dir: spec.Dir, Err: err}
		}
	}

	p.pid = cmd.Process.Pid
	go p.reap()

	s.logger().Debug("process started", "pid", p.pid, "args", strings.Join(spec.Args, " "), "dir", spec.Dir)
	return p, nil
}

func (p *Process) reap() {
	err := p.cmd.Wait()
	p.mu.Lock()
	p.waitErr = err
	if p.cmd.ProcessState != nil {
		p.exitCode = p.cmd.ProcessState.ExitCode()
	}
	if p.killed {
		p.state = Killed
	} else {
		p.state = Terminated
	}
	p.mu.Unlock()
	close(p.done)
}

// Stop ends p. Unless force is set, direct children and then the process
// receive a termination signal and get StopGrace to exit before the process
// group is killed. Stopping a process that already exited is a no-op.
func (s *Supervisor) Stop(ctx context.Context, p *Process, force bool) error {
	if p == nil {
		return nil
	}
	p.stopMu.Lock()
	defer p.stopMu.Unlock()

	if !p.Running() {
		return nil
	}
	log := s.logger().With("pid", p.pid)

	if !force {
		for _, child := range childPIDs(p.pid) {
			if err := terminate(child); err != nil {
				log.Debug("terminate child", "child", child, "error", err)
			}
		}
		if err := terminate(p.pid); err != nil {
			log.Debug("terminate process", "error", err)
		}

		grace := s.StopGrace
		if grace <= 0 {
			grace = DefaultStopGrace
		}
		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-p.done:
			log.Debug("process exited after termination signal")
			return nil
		case <-timer.C:
			log.Warn("process ignored termination signal, killing", "grace", grace)
		case <-ctx.Done():
			log.Warn("stop cancelled, killing", "error", ctx.Err())
		}
	}

	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
	killGroup(p.cmd)

	select {
	case <-p.done:
		return nil
	case <-time.After(killWait):
		return fmt.Errorf("process %d still running %s after kill", p.pid, killWait)
	}
}

// Run starts spec, waits up to timeout for it to exit, and returns its exit
// code. On timeout the process is stopped and ErrTimeout returned.
func (s *Supervisor) Run(ctx context.Context, spec Spec, timeout time.Duration) (int, error) {
	p, err := s.Start(ctx, spec)
	if err != nil {
		return -1, err
	}
	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := p.Wait(waitCtx); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return p.ExitCode(), nil
		}
		stopErr := s.Stop(context.Background(), p, false)
		if errors.Is(err, context.DeadlineExceeded) {
			err = ErrTimeout
		}
		return -1, errors.Join(fmt.Errorf("run %s: %w", spec.Args[0], err), stopErr)
	}
	return p.ExitCode(), nil
}

// AppendSink opens path for appending, creating parent directories.
func AppendSink(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sink directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open sink: %w", err)
	}
	return f, nil
}

// MergeEnv overlays vars onto base (KEY=VALUE entries). Existing keys are
// replaced in place; new keys are appended in sorted order.
func MergeEnv(base []string, vars map[string]string) []string {
	out := make([]string, 0, len(base)+len(vars))
	seen := make(map[string]bool, len(vars))
	for _, kv := range base {
		k, _, _ := strings.Cut(kv, "=")
		if v, ok := lookupEnvKey(vars, k); ok {
			if seen[envKey(k)] {
				continue
			}
			out = append(out, k+"="+v)
			seen[envKey(k)] = true
			continue
		}
		out = append(out, kv)
	}
	keys := make([]string, 0, len(vars))
	for k := range vars {
		if !seen[envKey(k)] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+vars[k])
	}
	return out
}

func envKey(k string) string {
	if runtime.GOOS == "windows" {
		return strings.ToUpper(k)
	}
	return k
}

func lookupEnvKey(vars map[string]string, k string) (string, bool) {
	if v, ok := vars[k]; ok {
		return v, true
	}
	if runtime.GOOS == "windows" {
		for vk, v := range vars {
			if strings.EqualFold(vk, k) {
				return v, true
			}
		}
	}
	return "", false
}

func envValue(env []string, key string) string {
	for i := len(env) - 1; i >= 0; i-- {
		k, v, _ := strings.Cut(env[i], "=")
		if envKey(k) == envKey(key) {
			return v
		}
	}
	return ""
}

// resolveExecutable finds name using the PATH of the merged environment,
// which may differ from the caller's own PATH.
func resolveExecutable(name, dir string, env []string) (string, error) {
	if strings.ContainsRune(name, '/') || strings.ContainsRune(name, filepath.Separator) {
		path := name
		if !filepath.IsAbs(path) && dir != "" {
			path = filepath.Join(dir, path)
		}
		if _, err := os.Stat(path); err != nil {
			return "", fmt.Errorf("executable %q: %w", name, err)
		}
		// exec resolves a relative Path against cmd.Dir a second time.
		return filepath.Abs(path)
	}
	if runtime.GOOS == "windows" {
		path, err := exec.LookPath(name)
		if err != nil {
			return "", err
		}
		return path, nil
	}
	for _, d := range filepath.SplitList(envValue(env, "PATH")) {
		if d == "" {
			d = "."
		}
		candidate := filepath.Join(d, name)
		st, err := os.Stat(candidate)
		if err != nil || st.IsDir() || st.Mode()&0o111 == 0 {
			continue
		}
		return filepath.Abs(candidate)
	}
	return "", &exec.Error{Name: name, Err: exec.ErrNotFound}
}
