// Package thresholds parses per-scenario threshold files.
//
// A threshold file holds "key = integer" assignments and two kinds of
// version guard:
//
//	@IfBuilderVersion(min = "23.0", max = "23.1.99", minJDK = "17", maxJDK = "21", inContainer = true)
//	@IfFrameworkVersion(min = "3.2.0", max = "3.99.99")
//
// A guard sets the admit flag that decides whether following assignments are
// stored. A guard directly followed by a guard of the other kind is combined
// with it by logical AND and both lines are consumed together. The admit
// flag stays in effect until the next guard.
package thresholds

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/ormasoftchile/tollgate/pkg/logging"
	"github.com/ormasoftchile/tollgate/pkg/version"
)

// Unguarded is the provenance of keys admitted before any guard.
const Unguarded = "unguarded"

// Context is the environment guards are evaluated against. A zero version
// is unknown and fails any bounded range.
type Context struct {
	Builder     version.Version
	JDK         version.Version
	Framework   version.Version
	InContainer bool
}

// Table is the resolved threshold set.
type Table struct {
	Values     map[string]int64
	Provenance map[string]string
	Warnings   []*ConfigFormatError
}

func newTable() *Table {
	return &Table{Values: make(map[string]int64), Provenance: make(map[string]string)}
}

// Get returns the value for key.
func (t *Table) Get(key string) (int64, bool) {
	if t == nil {
		return 0, false
	}
	v, ok := t.Values[key]
	return v, ok
}

// ConfigFormatError is a threshold-file line that could not be understood.
// It is recorded and the line skipped.
type ConfigFormatError struct {
	Line   int
	Text   string
	Reason string
}

func (e *ConfigFormatError) Error() string {
	return fmt.Sprintf("line %d %q: %s", e.Line, e.Text, e.Reason)
}

type guardKind int

const (
	builderGuard guardKind = iota
	frameworkGuard
)

type guard struct {
	kind        guardKind
	text        string
	versions    version.Range
	jdk         version.Range
	inContainer *bool
}

func (g guard) admits(ctx Context) bool {
	switch g.kind {
	case frameworkGuard:
		return g.versions.Contains(ctx.Framework)
	default:
		if !g.versions.Contains(ctx.Builder) || !g.jdk.Contains(ctx.JDK) {
			return false
		}
		return g.inContainer == nil || *g.inContainer == ctx.InContainer
	}
}

var (
	guardLine  = regexp.MustCompile(`^@(IfBuilderVersion|IfFrameworkVersion)\s*\((.*)\)\s*$`)
	guardArg   = regexp.MustCompile(`^(\w+)\s*=\s*(?:"([^"]*)"|(true|false))$`)
	assignLine = regexp.MustCompile(`^([A-Za-z0-9_.\-]+)\s*=\s*(.*)$`)
)

// parseGuard reports whether line is a guard and parses it. A line that
// starts with @ but is malformed returns an error.
func parseGuard(line string) (guard, bool, error) {
	if !strings.HasPrefix(line, "@") {
		return guard{}, false, nil
	}
	m := guardLine.FindStringSubmatch(line)
	if m == nil {
		return guard{}, true, fmt.Errorf("unrecognized directive")
	}
	g := guard{kind: builderGuard, text: line}
	if m[1] == "IfFrameworkVersion" {
		g.kind = frameworkGuard
	}

	var min, max, minJDK, maxJDK string
	if args := strings.TrimSpace(m[2]); args != "" {
		for _, raw := range strings.Split(args, ",") {
			a := guardArg.FindStringSubmatch(strings.TrimSpace(raw))
			if a == nil {
				return guard{}, true, fmt.Errorf("malformed argument %q", strings.TrimSpace(raw))
			}
			name, str, boolean := a[1], a[2], a[3]
			switch {
			case name == "min" && boolean == "":
				min = str
			case name == "max" && boolean == "":
				max = str
			case name == "minJDK" && boolean == "" && g.kind == builderGuard:
				minJDK = str
			case name == "maxJDK" && boolean == "" && g.kind == builderGuard:
				maxJDK = str
			case name == "inContainer" && boolean != "" && g.kind == builderGuard:
				b := boolean == "true"
				g.inContainer = &b
			default:
				return guard{}, true, fmt.Errorf("unsupported argument %q for @%s", name, m[1])
			}
		}
	}

	var err error
	if g.versions, err = version.ParseRange(min, max); err != nil {
		return guard{}, true, err
	}
	if g.jdk, err = version.ParseRange(minJDK, maxJDK); err != nil {
		return guard{}, true, fmt.Errorf("jdk %w", err)
	}
	return g, true, nil
}

// Resolver parses threshold files against a Context.
type Resolver struct {
	Context Context
	Logger  *slog.Logger
}

// Parse evaluates text line by line. Lines that are neither comments,
// assignments nor guards become ConfigFormatError warnings on the table.
func (r *Resolver) Parse(text string) *Table {
	log := logging.OrDiscard(r.Logger)
	t := newTable()
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")

	warn := func(i int, line, reason string) {
		e := &ConfigFormatError{Line: i + 1, Text: line, Reason: reason}
		t.Warnings = append(t.Warnings, e)
		log.Warn("skipping threshold line", "line", e.Line, "text", line, "reason", reason)
	}

	admit := true
	admittedBy := Unguarded
	for i := 0; i < len(lines); i++ {
		line := strings.TrimSpace(lines[i])
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		g, isGuard, err := parseGuard(line)
		if err != nil {
			warn(i, line, err.Error())
			continue
		}
		if isGuard {
			ok := g.admits(r.Context)
			by := g.text
			if i+1 < len(lines) {
				next := strings.TrimSpace(lines[i+1])
				if g2, isGuard2, err2 := parseGuard(next); isGuard2 && err2 == nil && g2.kind != g.kind {
					ok = ok && g2.admits(r.Context)
					by += " && " + g2.text
					i++
				}
			}
			admit, admittedBy = ok, by
			continue
		}

		m := assignLine.FindStringSubmatch(line)
		if m == nil {
			warn(i, line, "not an assignment or guard")
			continue
		}
		v, err := strconv.ParseInt(strings.TrimSpace(m[2]), 10, 64)
		if err != nil {
			warn(i, line, fmt.Sprintf("value %q is not an integer", strings.TrimSpace(m[2])))
			continue
		}
		if admit {
			t.Values[m[1]] = v
			t.Provenance[m[1]] = admittedBy
		}
	}
	return t
}

// Load reads the file at path, parses it and applies overrides from
// sources under the file's namespace.
func (r *Resolver) Load(path string, sources ...Source) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read thresholds: %w", err)
	}
	t := r.Parse(string(data))
	if err := ApplyOverrides(t, Namespace(path), sources...); err != nil {
		return nil, err
	}
	return t, nil
}

// Parse evaluates text against ctx without logging.
func Parse(text string, ctx Context) *Table {
	return (&Resolver{Context: ctx}).Parse(text)
}

// Load reads, parses and overrides the file at path.
func Load(path string, ctx Context, sources ...Source) (*Table, error) {
	return (&Resolver{Context: ctx}).Load(path, sources...)
}
