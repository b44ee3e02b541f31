package session

import (
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/ormasoftchile/tollgate/pkg/schema"
	"github.com/ormasoftchile/tollgate/pkg/version"
)

// StepKind distinguishes steps written to the child from HTTP probes.
type StepKind int

const (
	CommandStep StepKind = iota
	ProbeStep
)

func (k StepKind) String() string {
	if k == ProbeStep {
		return "probe"
	}
	return "command"
}

// MarshalText renders the kind for JSON traces.
func (k StepKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// Step is one scripted interaction. A zero Timeout means the driver default.
// Patterns are matched with find semantics and dot matching newlines.
type Step struct {
	Kind    StepKind
	Text    string // command text; a newline is appended when written
	URL     string // probe target
	Expect  string
	Timeout time.Duration

	pattern *regexp.Regexp
}

// Command builds a command step.
func Command(text, expect string, timeout time.Duration) Step {
	return Step{Kind: CommandStep, Text: text, Expect: expect, Timeout: timeout}
}

// Probe builds a probe step.
func Probe(url, expect string) Step {
	return Step{Kind: ProbeStep, URL: url, Expect: expect}
}

// Input is what the step sends: command text or probe URL.
func (s Step) Input() string {
	if s.Kind == ProbeStep {
		return s.URL
	}
	return s.Text
}

// Pattern returns the compiled expectation, nil when Expect is empty.
func (s Step) Pattern() *regexp.Regexp { return s.pattern }

func (s *Step) compile() error {
	if s.Expect == "" {
		s.pattern = nil
		return nil
	}
	re, err := regexp.Compile("(?s)" + s.Expect)
	if err != nil {
		return fmt.Errorf("compile pattern %q: %w", s.Expect, err)
	}
	s.pattern = re
	return nil
}

// Script is an immutable ordered list of steps for one scenario and a
// range of tool versions.
type Script struct {
	id       string
	scenario string
	versions version.Range
	steps    []Step
}

// NewScript compiles every step pattern and returns the script.
func NewScript(id, scenario string, versions version.Range, steps ...Step) (*Script, error) {
	s := &Script{id: id, scenario: scenario, versions: versions, steps: make([]Step, len(steps))}
	for i, st := range steps {
		if err := st.compile(); err != nil {
			return nil, fmt.Errorf("script %s step %d: %w", id, i, err)
		}
		s.steps[i] = st
	}
	return s, nil
}

// MustScript is NewScript for tests and literals; it panics on error.
func MustScript(id, scenario string, versions version.Range, steps ...Step) *Script {
	s, err := NewScript(id, scenario, versions, steps...)
	if err != nil {
		panic(err)
	}
	return s
}

func (s *Script) ID() string              { return s.id }
func (s *Script) Scenario() string        { return s.scenario }
func (s *Script) Versions() version.Range { return s.versions }
func (s *Script) Len() int                { return len(s.steps) }

// Steps returns a copy of the steps.
func (s *Script) Steps() []Step {
	out := make([]Step, len(s.steps))
	copy(out, s.steps)
	return out
}

// withQuit returns the steps, ending in a quit command. A script whose last
// step already sends quit is returned as is.
func (s *Script) withQuit(quit string) []Step {
	steps := s.Steps()
	if n := len(steps); n > 0 && steps[n-1].Kind == CommandStep && steps[n-1].Text == quit {
		return steps
	}
	return append(steps, Command(quit, "", 0))
}

// Registry holds scripts and selects one by scenario and version.
type Registry struct {
	mu      sync.RWMutex
	scripts []*Script
}

// NewRegistry returns a registry containing scripts in order.
func NewRegistry(scripts ...*Script) *Registry {
	return &Registry{scripts: scripts}
}

// Add appends s. Earlier scripts take precedence in Lookup.
func (r *Registry) Add(s *Script) {
	r.mu.Lock()
	r.scripts = append(r.scripts, s)
	r.mu.Unlock()
}

// Len is the number of registered scripts.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.scripts)
}

// Lookup returns the first script registered for scenario whose version
// range contains v.
func (r *Registry) Lookup(scenario string, v version.Version) (*Script, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.scripts {
		if s.scenario == scenario && s.versions.Contains(v) {
			return s, nil
		}
	}
	return nil, fmt.Errorf("%w for scenario %q at version %s", ErrNoScript, scenario, v)
}

// FromSchema converts a decoded scripts document into a Registry.
func FromSchema(sf *schema.ScriptsFile) (*Registry, error) {
	r := NewRegistry()
	for _, sd := range sf.Scripts {
		versions, err := version.ParseRange(sd.Min, sd.Max)
		if err != nil {
			return nil, fmt.Errorf("script %s: %w", sd.ID, err)
		}
		steps := make([]Step, 0, len(sd.Steps))
		for i, st := range sd.Steps {
			if st.Probe != "" {
				steps = append(steps, Probe(st.Probe, st.Expect))
				continue
			}
			timeout, err := schema.Duration(st.Timeout, 0)
			if err != nil {
				return nil, fmt.Errorf("script %s step %d: %w", sd.ID, i, err)
			}
			steps = append(steps, Command(st.Command, st.Expect, timeout))
		}
		s, err := NewScript(sd.ID, sd.Scenario, versions, steps...)
		if err != nil {
			return nil, err
		}
		r.Add(s)
	}
	return r, nil
}

// LoadRegistry reads a scripts.yaml file into a Registry.
func LoadRegistry(path string) (*Registry, error) {
	sf, err := schema.LoadScriptsFile(path)
	if err != nil {
		return nil, err
	}
	return FromSchema(sf)
}
