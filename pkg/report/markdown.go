package report

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/glamour"

	runtest "github.com/ormasoftchile/tollgate/pkg/testing"
)

// Markdown renders output as a markdown document: one summary table, then
// the failed checks and offending log lines of each scenario.
func Markdown(output *runtest.TestOutput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# tollgate run `%s`\n\n", output.RunID)
	if output.Builder != "" {
		fmt.Fprintf(&b, "Builder **%s**", output.Builder)
		if output.JDK != "" {
			fmt.Fprintf(&b, ", JDK **%s**", output.JDK)
		}
		b.WriteString("\n\n")
	}

	b.WriteString("| Scenario | Status | Duration | Measured |\n")
	b.WriteString("|---|---|---|---|\n")
	for _, s := range output.Scenarios {
		fmt.Fprintf(&b, "| %s | %s | %dms | %s |\n",
			escapeCell(s.ScenarioName), s.Status, s.DurationMs, escapeCell(measuredPairs(s.Measured)))
	}

	sum := output.Summary
	fmt.Fprintf(&b, "\n%d scenarios, %d passed, %d failed, %d skipped, %d errors\n",
		sum.Total, sum.Passed, sum.Failed, sum.Skipped, sum.Errors)

	for _, s := range output.Scenarios {
		if !s.Failed() {
			continue
		}
		fmt.Fprintf(&b, "\n## %s\n\n", s.ScenarioName)
		if s.Error != "" {
			fmt.Fprintf(&b, "**Error:** %s\n\n", s.Error)
		}
		for _, a := range s.Assertions {
			if !a.Passed {
				fmt.Fprintf(&b, "- `%s` %s\n", a.Type, a.Message)
			}
		}
		if len(s.Offending) > 0 {
			b.WriteString("\nOffending log lines:\n\n```\n")
			for _, l := range s.Offending {
				b.WriteString(l + "\n")
			}
			b.WriteString("```\n")
		}
	}
	return b.String()
}

// RenderMarkdown styles md for the terminal at the given width; 0 disables
// wrapping. It falls back to md when rendering fails.
func RenderMarkdown(md string, width int) string {
	if strings.TrimSpace(md) == "" {
		return md
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return md
	}
	out, err := r.Render(md)
	if err != nil {
		return md
	}
	return strings.TrimRight(out, "\n") + "\n"
}

func measuredPairs(m map[string]float64) string {
	keys := make([]string, 0, len(m))
	for k, v := range m {
		if v >= 0 {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%g", k, m[k])
	}
	return strings.Join(parts, " ")
}

func escapeCell(s string) string {
	return strings.ReplaceAll(s, "|", `\|`)
}
