package debugger

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/ormasoftchile/tollgate/pkg/session"
	"github.com/ormasoftchile/tollgate/pkg/version"
)

// echoChild emulates a line-oriented REPL that echoes every line.
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

func newTestDebugger(t *testing.T, steps ...session.Step) (*Debugger, *bytes.Buffer) {
	t.Helper()
	drv := session.NewDriver(nil)
	drv.PollInterval = 10 * time.Millisecond
	drv.DefaultTimeout = 300 * time.Millisecond
	drv.QuitGrace = 200 * time.Millisecond
	out, in := echoChild()
	if err := drv.Start(out, in); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = drv.Close(context.Background()) })

	script := session.MustScript("demo", "demo", version.Range{}, steps...)
	d := New(script, drv)
	var buf bytes.Buffer
	d.SetOutput(&buf)
	return d, &buf
}

// TestDebuggerCommandHelp verifies help output lists all commands.
func TestDebuggerCommandHelp(t *testing.T) {
	var buf bytes.Buffer
	d := &Debugger{output: &buf}
	d.handleHelp()
	out := buf.String()
	for _, cmd := range []string{"next", "continue", "send", "buffer", "transcript", "list", "history", "help", "quit"} {
		if !strings.Contains(out, cmd) {
			t.Errorf("help output missing command %q", cmd)
		}
	}
}

func TestDebuggerPromptFormat(t *testing.T) {
	d := &Debugger{steps: []session.Step{
		session.Command("break Main.main", "", 0),
		session.Command("quit", "", 0),
	}}
	if prompt := d.buildPrompt(); !strings.Contains(prompt, "1/2") || !strings.Contains(prompt, "break Main.main") {
		t.Errorf("prompt format unexpected: %q", prompt)
	}
	d.index = 2
	if prompt := d.buildPrompt(); prompt != "tollgate[done]> " {
		t.Errorf("prompt = %q", prompt)
	}
}

func TestDebuggerNextAndHistory(t *testing.T) {
	d, buf := newTestDebugger(t,
		session.Command("one", "echo: one", 0),
		session.Command("two", "echo: two", 0),
	)
	if len(d.steps) != 3 {
		t.Fatalf("plan has %d steps, want 3 (with quit)", len(d.steps))
	}

	ctx := context.Background()
	d.dispatch(ctx, "next")
	d.dispatch(ctx, "n")
	if d.index != 2 {
		t.Fatalf("index = %d, want 2", d.index)
	}
	if got := strings.Count(buf.String(), "✓ matched"); got != 2 {
		t.Errorf("matched lines = %d, want 2:\n%s", got, buf.String())
	}

	buf.Reset()
	d.dispatch(ctx, "history")
	if !strings.Contains(buf.String(), "[1] command one") || !strings.Contains(buf.String(), "[2] command two") {
		t.Errorf("history output: %s", buf.String())
	}

	buf.Reset()
	d.dispatch(ctx, "buffer")
	if !strings.Contains(buf.String(), "echo: two") || strings.Contains(buf.String(), "echo: one") {
		t.Errorf("buffer should hold only the last reply: %s", buf.String())
	}

	buf.Reset()
	d.dispatch(ctx, "transcript")
	if !strings.Contains(buf.String(), "echo: one") || !strings.Contains(buf.String(), "echo: two") {
		t.Errorf("transcript output: %s", buf.String())
	}
}

func TestDebuggerContinueHaltsOnMismatch(t *testing.T) {
	d, buf := newTestDebugger(t,
		session.Command("one", "echo: one", 0),
		session.Command("two", "never printed", 0),
		session.Command("three", "echo: three", 0),
	)
	d.dispatch(context.Background(), "continue")
	if d.index != 2 {
		t.Errorf("index = %d, want 2 (halted after the mismatch)", d.index)
	}
	if !strings.Contains(buf.String(), "Halted on mismatch.") {
		t.Errorf("output: %s", buf.String())
	}
	if h := d.History(); len(h) != 2 || h[1].Matched {
		t.Errorf("history = %+v", h)
	}
}

func TestDebuggerSend(t *testing.T) {
	d, buf := newTestDebugger(t, session.Command("one", "echo: one", 0))
	d.dispatch(context.Background(), "send print x")
	if !strings.Contains(buf.String(), "| echo: print x") {
		t.Errorf("send output: %s", buf.String())
	}
	if d.index != 0 {
		t.Error("send must not advance the script")
	}

	buf.Reset()
	d.dispatch(context.Background(), "send")
	if !strings.Contains(buf.String(), "Usage: send") {
		t.Errorf("expected usage, got %s", buf.String())
	}
}

func TestDebuggerListAndUnknown(t *testing.T) {
	d, buf := newTestDebugger(t, session.Command("one", "echo: one", 0))
	d.dispatch(context.Background(), "list")
	if !strings.Contains(buf.String(), "▸ [1] command") || !strings.Contains(buf.String(), "quit") {
		t.Errorf("list output: %s", buf.String())
	}

	buf.Reset()
	d.dispatch(context.Background(), "frobnicate")
	if !strings.Contains(buf.String(), `Unknown command: "frobnicate"`) {
		t.Errorf("output: %s", buf.String())
	}
	if !d.dispatch(context.Background(), "quit") {
		t.Error("quit should end the loop")
	}
}

func TestDebuggerScriptedInput(t *testing.T) {
	d, buf := newTestDebugger(t, session.Command("ping", `echo: ping`, 0))
	d.SetInput(strings.NewReader("next\nhistory\nquit\nnext\n"))

	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"tollgate[1/2 | ping]> next", "✓ matched", "Exiting debugger."} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if got := len(d.History()); got != 1 {
		t.Errorf("history = %d steps, want 1 (input after quit is ignored)", got)
	}
}
