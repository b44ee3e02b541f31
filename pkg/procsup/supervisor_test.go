//go:build !windows

package procsup

import (
	"bytes"
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// syncBuffer is a bytes.Buffer safe for the writer goroutine exec starts.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestSupervisor() *Supervisor {
	s := New(nil)
	s.StopGrace = 5 * time.Second
	s.PollInterval = 100 * time.Millisecond
	return s
}

func TestStart_EnvOverlayAndOutput(t *testing.T) {
	s := newTestSupervisor()
	var out syncBuffer

	p, err := s.Start(context.Background(), Spec{
		Args:   []string{"sh", "-c", `echo "foo=$TOLLGATE_FOO"; echo err >&2`},
		Env:    map[string]string{"TOLLGATE_FOO": "bar"},
		Output: &out,
	})
	require.NoError(t, err)
	require.NoError(t, p.Wait(context.Background()))

	assert.Contains(t, out.String(), "foo=bar")
	assert.Contains(t, out.String(), "err")
	assert.Equal(t, 0, p.ExitCode())
	assert.Equal(t, Terminated, p.State())
}

func TestStart_InheritsPath(t *testing.T) {
	s := newTestSupervisor()
	var out syncBuffer
	// PATH is inherited even though only an unrelated key is overlaid.
	p, err := s.Start(context.Background(), Spec{
		Args:   []string{"sh", "-c", "echo $PATH"},
		Env:    map[string]string{"UNRELATED": "1"},
		Output: &out,
	})
	require.NoError(t, err)
	require.NoError(t, p.Wait(context.Background()))
	assert.Equal(t, os.Getenv("PATH"), strings.TrimSpace(out.String()))
}

func TestStart_LaunchErrors(t *testing.T) {
	s := newTestSupervisor()

	_, err := s.Start(context.Background(), Spec{Args: []string{"tollgate-no-such-binary-12345"}})
	var le *LaunchError
	require.True(t, errors.As(err, &le), "want LaunchError, got %v", err)
	assert.True(t, IsNotFound(err))

	_, err = s.Start(context.Background(), Spec{Args: []string{"sh", "-c", "true"}, Dir: filepath.Join(t.TempDir(), "missing")})
	require.True(t, errors.As(err, &le), "want LaunchError, got %v", err)

	file := filepath.Join(t.TempDir(), "plain")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))
	_, err = s.Start(context.Background(), Spec{Args: []string{"sh", "-c", "true"}, Dir: file})
	require.True(t, errors.As(err, &le), "want LaunchError, got %v", err)

	_, err = s.Start(context.Background(), Spec{})
	require.True(t, errors.As(err, &le))
}

func TestStart_RelativeExecutableAndDir(t *testing.T) {
	root := t.TempDir()
	t.Chdir(root)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "scen"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "scen", "app.sh"), []byte("#!/bin/sh\necho launched from $(pwd)\n"), 0o755))

	s := newTestSupervisor()
	var out syncBuffer
	code, err := s.Run(context.Background(), Spec{Args: []string{"./app.sh"}, Dir: "scen", Output: &out}, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Contains(t, out.String(), "launched from")
	assert.Contains(t, out.String(), "scen")
}

func TestStop_GracefulAndIdempotent(t *testing.T) {
	s := newTestSupervisor()
	p, err := s.Start(context.Background(), Spec{Args: []string{"sleep", "30"}})
	require.NoError(t, err)
	assert.Equal(t, Running, p.State())

	start := time.Now()
	require.NoError(t, s.Stop(context.Background(), p, false))
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.False(t, p.Running())
	assert.Equal(t, Terminated, p.State())

	// Stopping again is a no-op.
	require.NoError(t, s.Stop(context.Background(), p, false))
	require.NoError(t, s.Stop(context.Background(), p, true))
}

func TestStop_EscalatesToKill(t *testing.T) {
	s := newTestSupervisor()
	s.StopGrace = 300 * time.Millisecond

	p, err := s.Start(context.Background(), Spec{Args: []string{"sh", "-c", `trap "" TERM; while true; do sleep 1; done`}})
	require.NoError(t, err)
	// let the shell install its trap
	time.Sleep(200 * time.Millisecond)

	require.NoError(t, s.Stop(context.Background(), p, false))
	assert.False(t, p.Running())
	assert.Equal(t, Killed, p.State())
}

func TestStop_Force(t *testing.T) {
	s := newTestSupervisor()
	s.StopGrace = time.Hour

	p, err := s.Start(context.Background(), Spec{Args: []string{"sleep", "30"}})
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, s.Stop(context.Background(), p, true))
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, Killed, p.State())
}

func TestRun_Timeout(t *testing.T) {
	s := newTestSupervisor()
	code, err := s.Run(context.Background(), Spec{Args: []string{"sh", "-c", "exit 3"}}, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 3, code)

	_, err = s.Run(context.Background(), Spec{Args: []string{"sleep", "30"}}, 200*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestInteractive(t *testing.T) {
	s := newTestSupervisor()
	p, err := s.Start(context.Background(), Spec{Args: []string{"cat"}, Interactive: true})
	require.NoError(t, err)
	defer s.Stop(context.Background(), p, true)

	_, err = p.Stdin().Write([]byte("ping\n"))
	require.NoError(t, err)
	buf := make([]byte, 16)
	n, err := p.Output().Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "ping\n", string(buf[:n]))
}

func TestSampling(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("exact sampling assertions rely on /proc")
	}
	s := newTestSupervisor()
	p, err := s.Start(context.Background(), Spec{Args: []string{"sleep", "30"}})
	require.NoError(t, err)

	assert.Greater(t, SampleResidentMemoryKB(p.PID()), int64(0))
	assert.Greater(t, SampleOpenHandles(p.PID()), int64(0))

	require.NoError(t, s.Stop(context.Background(), p, false))
	assert.Equal(t, int64(-1), SampleResidentMemoryKB(p.PID()))
	assert.Equal(t, int64(-1), SampleOpenHandles(p.PID()))
}

func TestSampling_InvalidPID(t *testing.T) {
	assert.Equal(t, int64(-1), SampleResidentMemoryKB(0))
	assert.Equal(t, int64(-1), SampleOpenHandles(-5))
}

func TestAwaitPortReleased(t *testing.T) {
	s := newTestSupervisor()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port

	t.Run("still bound", func(t *testing.T) {
		start := time.Now()
		released := s.AwaitPortReleased(context.Background(), "127.0.0.1", port, 700*time.Millisecond)
		assert.False(t, released)
		assert.GreaterOrEqual(t, time.Since(start), 700*time.Millisecond)
		assert.Less(t, time.Since(start), 3*time.Second)
	})

	t.Run("released after close", func(t *testing.T) {
		go func() {
			time.Sleep(300 * time.Millisecond)
			ln.Close()
		}()
		start := time.Now()
		released := s.AwaitPortReleased(context.Background(), "127.0.0.1", port, 5*time.Second)
		assert.True(t, released)
		assert.Less(t, time.Since(start), 5*time.Second)
	})
}

func TestMergeEnv(t *testing.T) {
	base := []string{"A=1", "PATH=/bin", "B=2"}
	got := MergeEnv(base, map[string]string{"B": "20", "C": "3", "AA": "x"})
	assert.Equal(t, []string{"A=1", "PATH=/bin", "B=20", "AA=x", "C=3"}, got)
}

func TestParsePIDs(t *testing.T) {
	assert.Equal(t, []int{12, 34}, parsePIDs("12 34\n"))
	assert.Empty(t, parsePIDs(""))
}
