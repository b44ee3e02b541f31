package report

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/mattn/go-runewidth"

	runtest "github.com/ormasoftchile/tollgate/pkg/testing"
)

// maxNameWidth caps the scenario column.
const maxNameWidth = 40

// TextOptions controls Text.
type TextOptions struct {
	Verbose bool // list every check, not only failures
}

// Text writes a terminal summary of output.
func Text(w io.Writer, output *runtest.TestOutput, opts TextOptions) error {
	var b strings.Builder

	title := "tollgate " + output.Root
	if output.Builder != "" {
		title += fmt.Sprintf("  (builder %s", output.Builder)
		if output.JDK != "" {
			title += ", jdk " + output.JDK
		}
		title += ")"
	}
	fmt.Fprintf(&b, "\n  %s\n", headerStyle.Render(title))

	width := 0
	for _, s := range output.Scenarios {
		if n := runewidth.StringWidth(s.ScenarioName); n > width {
			width = n
		}
	}
	width = min(width, maxNameWidth)

	for _, s := range output.Scenarios {
		name := runewidth.FillRight(runewidth.Truncate(s.ScenarioName, width, "…"), width)
		switch s.Status {
		case runtest.StatusPassed:
			fmt.Fprintf(&b, "    %s %s  %s  %s\n", passedStyle.Render(GlyphPassed), name,
				dimStyle.Render(fmt.Sprintf("%dms", s.DurationMs)), measuredLine(s.Measured))
		case runtest.StatusFailed:
			fmt.Fprintf(&b, "    %s %s  %s  %s\n", failedStyle.Render(GlyphFailed), name,
				dimStyle.Render(fmt.Sprintf("%dms", s.DurationMs)), measuredLine(s.Measured))
		case runtest.StatusSkipped:
			fmt.Fprintf(&b, "    %s %s  %s\n", skippedStyle.Render(GlyphSkipped), skippedStyle.Render(name),
				skippedStyle.Render(s.Error))
		case runtest.StatusError:
			fmt.Fprintf(&b, "    %s %s  %s\n", errorStyle.Render(GlyphError), name,
				errorStyle.Render("ERROR: "+s.Error))
		}
		for _, a := range s.Assertions {
			if a.Passed && !opts.Verbose {
				continue
			}
			glyph := passedStyle.Render(GlyphPassed)
			if !a.Passed {
				glyph = failedStyle.Render(GlyphFailed)
			} else if a.Skipped {
				glyph = skippedStyle.Render(GlyphSkipped)
			}
			fmt.Fprintf(&b, "        %s %s: %s\n", glyph, a.Type, a.Message)
		}
		if opts.Verbose {
			for _, warn := range s.Warnings {
				fmt.Fprintf(&b, "        %s\n", warnStyle.Render("warning: "+warn))
			}
		}
	}

	sum := output.Summary
	fmt.Fprintf(&b, "\n  %d scenarios, %s, %s, %s\n", sum.Total,
		passedStyle.Render(fmt.Sprintf("%d passed", sum.Passed)),
		failedStyle.Render(fmt.Sprintf("%d failed", sum.Failed)),
		skippedStyle.Render(fmt.Sprintf("%d skipped", sum.Skipped)))
	if sum.Errors > 0 {
		fmt.Fprintf(&b, "  %s\n", errorStyle.Render(fmt.Sprintf("%d errors", sum.Errors)))
	}
	b.WriteString("\n")

	_, err := io.WriteString(w, b.String())
	return err
}

// measuredLine renders measured values as key=value in key order, skipping
// unavailable samples.
func measuredLine(m map[string]float64) string {
	keys := make([]string, 0, len(m))
	for k, v := range m {
		if v >= 0 {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + strconv.FormatFloat(m[k], 'f', -1, 64)
	}
	return dimStyle.Render(strings.Join(parts, " "))
}
