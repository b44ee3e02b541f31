// Package debugger implements an interactive stepper over a session script.
package debugger

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/chzyer/readline"

	"github.com/ormasoftchile/tollgate/pkg/session"
)

// Debugger walks a session script one step at a time against a live child.
type Debugger struct {
	script  *session.Script
	driver  *session.Driver
	steps   []session.Step
	index   int
	history []session.StepResult
	output  io.Writer
	input   io.Reader
	rl      *readline.Instance
}

// New creates a debugger for script. The driver must already be attached to
// the child.
func New(script *session.Script, driver *session.Driver) *Debugger {
	return &Debugger{
		script: script,
		driver: driver,
		steps:  driver.Plan(script),
		output: os.Stdout,
	}
}

// SetOutput redirects debugger messages.
func (d *Debugger) SetOutput(w io.Writer) { d.output = w }

// SetInput reads commands from r, one per line, instead of the terminal.
func (d *Debugger) SetInput(r io.Reader) { d.input = r }

// History returns the results of the steps executed so far.
func (d *Debugger) History() []session.StepResult {
	return append([]session.StepResult(nil), d.history...)
}

// Run starts the interactive REPL loop.
func (d *Debugger) Run(ctx context.Context) error {
	if d.input != nil {
		return d.runScripted(ctx)
	}
	commands := []string{"next", "continue", "send", "buffer", "transcript",
		"list", "history", "help", "quit"}

	var completer = readline.NewPrefixCompleter()
	for _, cmd := range commands {
		completer.Children = append(completer.Children,
			readline.PcItem(cmd))
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          d.buildPrompt(),
		AutoComplete:    completer,
		InterruptPrompt: "^C",
		EOFPrompt:       "quit",
	})
	if err != nil {
		return fmt.Errorf("init readline: %w", err)
	}
	d.rl = rl
	defer rl.Close()

	fmt.Fprintf(d.output, "tollgate debugger: script %s, %d steps\n", d.script.ID(), len(d.steps))
	fmt.Fprintf(d.output, "Type 'help' for available commands, 'next' to execute next step.\n\n")

	for {
		rl.SetPrompt(d.buildPrompt())
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if d.dispatch(ctx, line) {
			return nil
		}
	}
}

// runScripted executes commands from the input reader until quit or EOF,
// echoing each prompt and command.
func (d *Debugger) runScripted(ctx context.Context) error {
	fmt.Fprintf(d.output, "tollgate debugger: script %s, %d steps\n", d.script.ID(), len(d.steps))
	sc := bufio.NewScanner(d.input)
	for sc.Scan() {
		fmt.Fprintf(d.output, "%s%s\n", d.buildPrompt(), sc.Text())
		if d.dispatch(ctx, sc.Text()) {
			return nil
		}
	}
	return sc.Err()
}

// dispatch runs one command line and reports whether the user quit.
func (d *Debugger) dispatch(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	parts := strings.Fields(line)

	switch parts[0] {
	case "next", "n":
		if err := d.handleNext(ctx); err != nil {
			fmt.Fprintf(d.output, "Error: %v\n", err)
		}
	case "continue", "c":
		if err := d.handleContinue(ctx); err != nil {
			fmt.Fprintf(d.output, "Error: %v\n", err)
		}
	case "send", "s":
		if err := d.handleSend(ctx, strings.TrimSpace(strings.TrimPrefix(line, parts[0]))); err != nil {
			fmt.Fprintf(d.output, "Error: %v\n", err)
		}
	case "buffer", "b":
		d.handleBuffer()
	case "transcript", "t":
		d.handleTranscript()
	case "list", "l":
		d.handleList()
	case "history", "h":
		d.handleHistory()
	case "help", "?":
		d.handleHelp()
	case "quit", "q":
		fmt.Fprintf(d.output, "Exiting debugger.\n")
		return true
	default:
		fmt.Fprintf(d.output, "Unknown command: %q. Type 'help' for available commands.\n", parts[0])
	}
	return false
}

// buildPrompt creates the prompt string: tollgate[step N/total | input]>
func (d *Debugger) buildPrompt() string {
	total := len(d.steps)
	if d.index >= total {
		return "tollgate[done]> "
	}
	return fmt.Sprintf("tollgate[%d/%d | %s]> ", d.index+1, total, truncate(d.steps[d.index].Input(), 24))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
