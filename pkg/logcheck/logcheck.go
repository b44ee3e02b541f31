// Package logcheck flags warning- and error-like log lines that no whitelist
// entry accounts for.
package logcheck

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"

	"github.com/ormasoftchile/tollgate/pkg/schema"
)

// Suspicious is the severity heuristic. Any line mentioning one of these
// tokens, in any case, needs a whitelist entry.
var Suspicious = regexp.MustCompile(`(?i)(error|warn|No such file|Not found|unknown)`)

// Provenance says where a whitelist entry came from.
type Provenance string

const (
	Global   Provenance = "global"
	Scenario Provenance = "scenario"
)

// Entry is a compiled whitelist pattern.
type Entry struct {
	Pattern    *regexp.Regexp
	Provenance Provenance
}

// Whitelist is an immutable list of entries.
type Whitelist []Entry

// Compile compiles patterns into a whitelist with the given provenance.
func Compile(patterns []string, provenance Provenance) (Whitelist, error) {
	wl := make(Whitelist, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compile %s whitelist pattern %q: %w", provenance, p, err)
		}
		wl = append(wl, Entry{Pattern: re, Provenance: provenance})
	}
	return wl, nil
}

// MustCompile is Compile for package-level tables; it panics on error.
func MustCompile(patterns []string, provenance Provenance) Whitelist {
	wl, err := Compile(patterns, provenance)
	if err != nil {
		panic(err)
	}
	return wl
}

// Allows reports whether any entry matches line.
func (w Whitelist) Allows(line string) bool {
	for _, e := range w {
		if e.Pattern.MatchString(line) {
			return true
		}
	}
	return false
}

var defaultGlobal = MustCompile([]string{
	`^\s*$`,
	`(?i)warning: using incubator modules`,
	`(?i)0 errors?`,
	`(?i)errors?: 0\b`,
	`(?i)-XX:\+UnlockExperimentalVMOptions`,
	`(?i)error-prone`,
}, Global)

// DefaultGlobal returns the built-in global whitelist used when no
// whitelist.yaml is present.
func DefaultGlobal() Whitelist {
	return defaultGlobal
}

// LoadGlobal reads a whitelist.yaml document.
func LoadGlobal(path string) (Whitelist, error) {
	wf, err := schema.LoadWhitelistFile(path)
	if err != nil {
		return nil, err
	}
	return Compile(wf.Patterns, Global)
}

// Check returns the suspicious lines matched by neither whitelist, sorted
// and without duplicates. An empty result means the log is clean.
func Check(lines []string, global, scenario Whitelist) []string {
	seen := make(map[string]struct{})
	for _, line := range lines {
		if offending(line, global, scenario) {
			seen[line] = struct{}{}
		}
	}
	return sortedKeys(seen)
}

// CheckReader is Check over the lines of r.
func CheckReader(r io.Reader, global, scenario Whitelist) ([]string, error) {
	seen := make(map[string]struct{})
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if offending(line, global, scenario) {
			seen[line] = struct{}{}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	return sortedKeys(seen), nil
}

// CheckFile is Check over the lines of the file at path.
func CheckFile(path string, global, scenario Whitelist) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open log: %w", err)
	}
	defer f.Close()
	return CheckReader(f, global, scenario)
}

func offending(line string, global, scenario Whitelist) bool {
	if !Suspicious.MatchString(line) {
		return false
	}
	return !global.Allows(line) && !scenario.Allows(line)
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
