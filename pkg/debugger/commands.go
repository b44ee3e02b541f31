package debugger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ormasoftchile/tollgate/pkg/session"
)

// anyOutput waits for the child to print something.
const anyOutput = `\S`

// handleNext executes the next step and advances.
func (d *Debugger) handleNext(ctx context.Context) error {
	if d.index >= len(d.steps) {
		fmt.Fprintf(d.output, "All steps completed.\n")
		return nil
	}

	step := d.steps[d.index]
	fmt.Fprintf(d.output, "Executing step %d: %s %s\n", d.index+1, step.Kind, step.Input())

	result, err := d.driver.Exec(ctx, d.script.ID(), d.index, step)
	if err != nil {
		return err
	}
	d.history = append(d.history, result)
	d.index++

	if result.Matched {
		fmt.Fprintf(d.output, "  ✓ matched %q in %s\n", result.Pattern, result.Elapsed.Round(time.Millisecond))
	} else {
		fmt.Fprintf(d.output, "  ✗ %s\n", result.Error)
	}
	return nil
}

// handleContinue executes all remaining steps, halting on a mismatch.
func (d *Debugger) handleContinue(ctx context.Context) error {
	for d.index < len(d.steps) {
		if err := d.handleNext(ctx); err != nil {
			return err
		}
		if last := d.history[len(d.history)-1]; !last.Matched {
			fmt.Fprintf(d.output, "Halted on mismatch.\n")
			return nil
		}
	}
	fmt.Fprintf(d.output, "All steps completed.\n")
	return nil
}

// handleSend writes an ad-hoc command outside the script and shows the reply.
func (d *Debugger) handleSend(ctx context.Context, text string) error {
	if text == "" {
		fmt.Fprintf(d.output, "Usage: send <text>\n")
		return nil
	}
	result, err := d.driver.Exec(ctx, d.script.ID(), -1, session.Command(text, anyOutput, 0))
	if err != nil {
		return err
	}
	if !result.Matched {
		fmt.Fprintf(d.output, "  (no output)\n")
		return nil
	}
	fmt.Fprintln(d.output, indent(result.Output))
	return nil
}

// handleBuffer shows what the child printed since the last command.
func (d *Debugger) handleBuffer() {
	snap := d.driver.Buffer().Snapshot()
	if snap == "" {
		fmt.Fprintf(d.output, "Buffer is empty.\n")
		return
	}
	fmt.Fprintln(d.output, indent(snap))
}

// handleTranscript shows everything the child printed.
func (d *Debugger) handleTranscript() {
	tr := d.driver.Buffer().Transcript()
	if tr == "" {
		fmt.Fprintf(d.output, "Transcript is empty.\n")
		return
	}
	fmt.Fprintln(d.output, indent(tr))
}

// handleList shows the plan with a marker on the next step.
func (d *Debugger) handleList() {
	for i, st := range d.steps {
		marker := " "
		switch {
		case i == d.index:
			marker = "▸"
		case i < d.index:
			marker = "·"
		}
		expect := st.Expect
		if expect == "" {
			expect = "(any)"
		}
		fmt.Fprintf(d.output, "  %s [%d] %-7s %-30s expect %s\n", marker, i+1, st.Kind, st.Input(), expect)
	}
}

// handleHistory shows completed step results.
func (d *Debugger) handleHistory() {
	if len(d.history) == 0 {
		fmt.Fprintf(d.output, "No steps executed yet.\n")
		return
	}
	for _, r := range d.history {
		status := "✓"
		if !r.Matched {
			status = "✗"
		}
		fmt.Fprintf(d.output, "  %s [%d] %s %s (%s)\n", status, r.Index+1, r.Kind, r.Input, r.Elapsed.Round(time.Millisecond))
		if r.Error != "" {
			fmt.Fprintf(d.output, "       error: %s\n", r.Error)
		}
	}
}

// handleHelp displays available commands.
func (d *Debugger) handleHelp() {
	fmt.Fprintln(d.output, "Available commands:")
	fmt.Fprintln(d.output, "  next (n)         Execute the next step")
	fmt.Fprintln(d.output, "  continue (c)     Execute remaining steps, halting on a mismatch")
	fmt.Fprintln(d.output, "  send (s) <text>  Send text outside the script and show the reply")
	fmt.Fprintln(d.output, "  buffer (b)       Show output since the last command")
	fmt.Fprintln(d.output, "  transcript (t)   Show all output of the session")
	fmt.Fprintln(d.output, "  list (l)         Show the script steps")
	fmt.Fprintln(d.output, "  history (h)      Show executed step results")
	fmt.Fprintln(d.output, "  help (?)         Show this help")
	fmt.Fprintln(d.output, "  quit (q)         Exit debugger")
}

func indent(s string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i, l := range lines {
		lines[i] = "  | " + l
	}
	return strings.Join(lines, "\n")
}
