//go:build !windows

package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ormasoftchile/tollgate/pkg/procsup"
	"github.com/ormasoftchile/tollgate/pkg/version"
)

const echoScript = `while IFS= read -r line; do
  [ "$line" = quit ] && exit 0
  echo "Done: $line"
done`

func TestEndToEnd_EchoProcess(t *testing.T) {
	sup := procsup.New(nil)
	sup.StopGrace = 2 * time.Second

	proc, err := sup.Start(context.Background(), procsup.Spec{
		Args:        []string{"sh", "-c", echoScript},
		Interactive: true,
	})
	require.NoError(t, err)
	pid := proc.PID()

	d := NewDriver(nil)
	d.PollInterval = 50 * time.Millisecond
	d.QuitGrace = 2 * time.Second
	require.NoError(t, d.Attach(sup, proc))

	script := MustScript("echo", "echo", version.Range{}, Command("work", "Done", 5*time.Second))
	res, err := d.Run(context.Background(), script)
	require.NoError(t, err)
	require.NoError(t, d.Close(context.Background()))

	assert.True(t, res.Steps[0].Matched)
	assert.True(t, res.Passed(), "mismatches: %v", res.Err())
	assert.Contains(t, res.Transcript, "Done")

	assert.False(t, proc.Running())
	assert.Equal(t, int64(-1), procsup.SampleResidentMemoryKB(pid))
}

func TestAttach_RequiresInteractive(t *testing.T) {
	sup := procsup.New(nil)
	proc, err := sup.Start(context.Background(), procsup.Spec{Args: []string{"sh", "-c", "true"}})
	require.NoError(t, err)
	defer sup.Stop(context.Background(), proc, true)

	err = NewDriver(nil).Attach(sup, proc)
	assert.Error(t, err)
}

func TestEndToEnd_TTYProcess(t *testing.T) {
	sup := procsup.New(nil)
	sup.StopGrace = 2 * time.Second

	proc, err := sup.Start(context.Background(), procsup.Spec{
		Args: []string{"sh", "-c", echoScript},
		TTY:  true,
	})
	require.NoError(t, err)

	d := NewDriver(nil)
	d.PollInterval = 50 * time.Millisecond
	d.QuitGrace = 2 * time.Second
	require.NoError(t, d.Attach(sup, proc))

	script := MustScript("tty", "tty", version.Range{},
		Command("ping", "Done: ping", 5*time.Second),
		Command("ask", "no such reply", 300*time.Millisecond),
	)
	start := time.Now()
	res, err := d.Run(context.Background(), script)
	require.NoError(t, err)
	require.NoError(t, d.Close(context.Background()))

	require.GreaterOrEqual(t, len(res.Steps), 2)
	assert.True(t, res.Steps[0].Matched, "output: %q", res.Steps[0].Output)
	assert.False(t, res.Steps[1].Matched)
	require.Len(t, res.Mismatches, 1)
	assert.Equal(t, 1, res.Mismatches[0].Step)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.False(t, proc.Running())
}
