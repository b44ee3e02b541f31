package session

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ormasoftchile/tollgate/pkg/schema"
	"github.com/ormasoftchile/tollgate/pkg/version"
)

// echoChild emulates a line-oriented REPL: every line is echoed back with a
// prefix until "quit" arrives.
func echoChild() (io.Reader, io.WriteCloser) {
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	go func() {
		defer outW.Close()
		sc := bufio.NewScanner(inR)
		for sc.Scan() {
			line := sc.Text()
			if line == "quit" {
				fmt.Fprintln(outW, "bye")
				return
			}
			fmt.Fprintf(outW, "echo: %s\n", line)
		}
	}()
	return outR, inW
}

func newTestDriver(t *testing.T) *Driver {
	t.Helper()
	d := NewDriver(nil)
	d.PollInterval = 20 * time.Millisecond
	d.DefaultTimeout = 2 * time.Second
	d.QuitGrace = time.Second
	out, in := echoChild()
	require.NoError(t, d.Start(out, in))
	t.Cleanup(func() { _ = d.Close(context.Background()) })
	return d
}

func TestBufferResetKeepsTranscript(t *testing.T) {
	var b Buffer
	b.Write([]byte("first\n"))
	b.Reset()
	b.Write([]byte("second\n"))

	assert.Equal(t, "second\n", b.Snapshot())
	assert.Equal(t, "first\nsecond\n", b.Transcript())
	assert.Equal(t, 7, b.Len())
	assert.True(t, b.Match(regexp.MustCompile("sec")))
	assert.False(t, b.Match(regexp.MustCompile("first")))
	assert.True(t, b.Match(nil))
}

func TestBufferPreservesWriteOrder(t *testing.T) {
	var b Buffer
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			fmt.Fprintf(&b, "%d\n", i)
		}
	}()
	for i := 0; i < 100; i++ {
		_ = b.Snapshot()
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSpace(b.Transcript()), "\n")
	require.Len(t, lines, 1000)
	for i, l := range lines {
		require.Equal(t, fmt.Sprint(i), l)
	}
}

func TestRun_Matches(t *testing.T) {
	d := newTestDriver(t)
	script := MustScript("s", "hello", version.Range{},
		Command("hello", `echo: hello`, 0),
		Command("world", `echo: w.rld`, 0),
	)

	res, err := d.Run(context.Background(), script)
	require.NoError(t, err)
	assert.True(t, res.Passed(), "mismatches: %v", res.Err())
	require.Len(t, res.Steps, 3, "quit step appended")
	assert.Equal(t, "quit", res.Steps[2].Input)
	assert.Contains(t, res.Transcript, "echo: hello")
	assert.Equal(t, Finished, d.State())
}

func TestRun_ImpossiblePatternTimesOutWithinBound(t *testing.T) {
	d := newTestDriver(t)
	declared := 200 * time.Millisecond
	script := MustScript("s", "hello", version.Range{},
		Command("hello", "this text never appears", declared),
	)

	start := time.Now()
	res, err := d.Run(context.Background(), script)
	require.NoError(t, err)
	elapsed := time.Since(start)

	require.Len(t, res.Mismatches, 1)
	m := res.Mismatches[0]
	assert.Equal(t, 0, m.Step)
	assert.Equal(t, "this text never appears", m.Pattern)
	assert.Contains(t, m.Actual, "echo: hello")
	assert.GreaterOrEqual(t, res.Steps[0].Elapsed, declared)
	assert.Less(t, elapsed, 5*declared)
}

func TestRun_CollectsInsteadOfFailingFast(t *testing.T) {
	d := newTestDriver(t)
	script := MustScript("s", "hello", version.Range{},
		Command("a", "nope", 100*time.Millisecond),
		Command("b", "echo: b", 0),
		Command("c", "nope either", 100*time.Millisecond),
	)

	res, err := d.Run(context.Background(), script)
	require.NoError(t, err)
	require.Len(t, res.Mismatches, 2)
	assert.Equal(t, 0, res.Mismatches[0].Step)
	assert.Equal(t, 2, res.Mismatches[1].Step)
	assert.True(t, res.Steps[1].Matched)

	var sm *ScriptMismatch
	require.True(t, errors.As(res.Err(), &sm))
}

func TestRun_StaleOutputDoesNotLeakForward(t *testing.T) {
	d := newTestDriver(t)
	script := MustScript("s", "hello", version.Range{},
		Command("marker", "echo: marker", 0),
		Command("next", "marker", 150*time.Millisecond),
	)

	res, err := d.Run(context.Background(), script)
	require.NoError(t, err)
	require.Len(t, res.Mismatches, 1)
	assert.Equal(t, 1, res.Mismatches[0].Step)
}

func TestRun_Probe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(100 * time.Millisecond)
		fmt.Fprint(w, "Hello from app")
	}))
	defer srv.Close()

	d := newTestDriver(t)
	script := MustScript("s", "hello", version.Range{},
		Probe(srv.URL, "Hello from app"),
		Probe(srv.URL, "Goodbye"),
		Command("after", "echo: after", 0),
	)

	res, err := d.Run(context.Background(), script)
	require.NoError(t, err)
	assert.True(t, res.Steps[0].Matched)
	assert.False(t, res.Steps[1].Matched)
	assert.True(t, res.Steps[2].Matched)
	require.Len(t, res.Mismatches, 1)
	assert.Equal(t, 1, res.Mismatches[0].Step)
	assert.Equal(t, "Hello from app", res.Mismatches[0].Actual)
}

func TestRun_NotStarted(t *testing.T) {
	d := NewDriver(nil)
	_, err := d.Run(context.Background(), MustScript("s", "x", version.Range{}))
	assert.ErrorIs(t, err, ErrNotStarted)
}

func TestExec_Trace(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.jsonl")
	tw, err := NewTraceWriter(path)
	require.NoError(t, err)

	d := newTestDriver(t)
	d.Trace = tw
	d.RunID = "run-1"

	sr, err := d.Exec(context.Background(), "adhoc", 0, Command("ping", "echo: ping", 0))
	require.NoError(t, err)
	assert.True(t, sr.Matched)
	require.NoError(t, tw.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var ev TraceEvent
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(string(data))), &ev))
	assert.Equal(t, "step_result", ev.Type)
	assert.Equal(t, "run-1", ev.RunID)
	assert.Equal(t, "adhoc", ev.ScriptID)
	assert.True(t, ev.Result.Matched)
}

func TestRegistryLookup(t *testing.T) {
	old := MustScript("old", "hello", version.Range{Max: version.MustParse("22.3.99")}, Command("run", "A", 0))
	cur := MustScript("new", "hello", version.Range{Min: version.MustParse("23.0")}, Command("run", "B", 0))
	other := MustScript("any", "other", version.Range{}, Command("run", "C", 0))
	r := NewRegistry(old, cur, other)

	tests := []struct {
		scenario string
		v        string
		want     string
	}{
		{"hello", "22.3.1", "old"},
		{"hello", "23.1.0", "new"},
		{"other", "1.0", "any"},
	}
	for _, tt := range tests {
		t.Run(tt.scenario+"@"+tt.v, func(t *testing.T) {
			s, err := r.Lookup(tt.scenario, version.MustParse(tt.v))
			require.NoError(t, err)
			assert.Equal(t, tt.want, s.ID())
		})
	}

	_, err := r.Lookup("missing", version.MustParse("23.0"))
	assert.ErrorIs(t, err, ErrNoScript)
	_, err = r.Lookup("hello", version.Version{})
	assert.ErrorIs(t, err, ErrNoScript, "unknown version never matches a bounded range")
}

func TestFromSchema(t *testing.T) {
	sf := &schema.ScriptsFile{
		APIVersion: schema.ScriptsAPIVersion,
		Scripts: []schema.ScriptDef{{
			ID: "hello-gdb", Scenario: "hello", Min: "23.0",
			Steps: []schema.StepDef{
				{Command: "break main", Expect: "Breakpoint 1", Timeout: "60s"},
				{Probe: "http://localhost:8080/", Expect: "Hello"},
			},
		}},
	}
	r, err := FromSchema(sf)
	require.NoError(t, err)
	s, err := r.Lookup("hello", version.MustParse("23.1.2"))
	require.NoError(t, err)

	steps := s.Steps()
	require.Len(t, steps, 2)
	assert.Equal(t, CommandStep, steps[0].Kind)
	assert.Equal(t, 60*time.Second, steps[0].Timeout)
	assert.NotNil(t, steps[0].Pattern())
	assert.Equal(t, ProbeStep, steps[1].Kind)
	assert.Equal(t, "http://localhost:8080/", steps[1].Input())

	sf.Scripts[0].Steps[0].Expect = "(unclosed"
	_, err = FromSchema(sf)
	assert.Error(t, err)
}

func TestWithQuit(t *testing.T) {
	s := MustScript("s", "x", version.Range{}, Command("run", "", 0), Command("quit", "", 0))
	assert.Len(t, s.withQuit("quit"), 2)
	assert.Len(t, s.withQuit("exit"), 3)
}
