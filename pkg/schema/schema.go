// Package schema defines the Go struct types for the scenario, scripts and
// whitelist YAML documents and provides strict YAML parsing.
package schema

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// API versions accepted by the loaders.
const (
	ScenarioAPIVersion  = "scenario/v1"
	ScriptsAPIVersion   = "scripts/v1"
	WhitelistAPIVersion = "whitelist/v1"
)

// Scenario is one build + run (+ optional session) validation unit. It lives
// at <root>/<name>/scenario.yaml.
type Scenario struct {
	APIVersion  string            `yaml:"apiVersion"            json:"apiVersion"            jsonschema:"required,enum=scenario/v1"`
	Name        string            `yaml:"name"                  json:"name"                  jsonschema:"required"`
	Description string            `yaml:"description,omitempty" json:"description,omitempty"`
	Tags        []string          `yaml:"tags,omitempty"        json:"tags,omitempty"`
	Dir         string            `yaml:"dir,omitempty"         json:"dir,omitempty"`
	Env         map[string]string `yaml:"env,omitempty"         json:"env,omitempty"`
	Build       *Build            `yaml:"build,omitempty"       json:"build,omitempty"`
	Run         *Run              `yaml:"run,omitempty"         json:"run,omitempty"`
	Session     *Session          `yaml:"session,omitempty"     json:"session,omitempty"`
	Whitelist   []string          `yaml:"whitelist,omitempty"   json:"whitelist,omitempty"`
	Thresholds  string            `yaml:"thresholds,omitempty"  json:"thresholds,omitempty"`
	Limits      map[string]string `yaml:"limits,omitempty"      json:"limits,omitempty"`
	Checks      []Check           `yaml:"checks,omitempty"      json:"checks,omitempty"`
}

// Build runs the command that produces the artifact under test. Its combined
// output is written to Log, scanned for metrics and verified.
type Build struct {
	Argv    []string `yaml:"argv"              json:"argv"              jsonschema:"required,minItems=1"`
	Timeout string   `yaml:"timeout,omitempty" json:"timeout,omitempty" jsonschema:"pattern=^[0-9]+(ms|s|m|h)$"`
	Log     string   `yaml:"log,omitempty"     json:"log,omitempty"`
	Metrics *bool    `yaml:"metrics,omitempty" json:"metrics,omitempty"`
	Verify  *bool    `yaml:"verify,omitempty"  json:"verify,omitempty"`
}

// Run launches the built artifact and measures it.
type Run struct {
	Argv      []string `yaml:"argv"                 json:"argv"                 jsonschema:"required,minItems=1"`
	Log       string   `yaml:"log,omitempty"        json:"log,omitempty"`
	Host      string   `yaml:"host,omitempty"       json:"host,omitempty"`
	Port      int      `yaml:"port,omitempty"       json:"port,omitempty"       jsonschema:"minimum=0,maximum=65535"`
	Ready     *Ready   `yaml:"ready,omitempty"      json:"ready,omitempty"`
	Expect    string   `yaml:"expect,omitempty"     json:"expect,omitempty"`
	Duration  string   `yaml:"duration,omitempty"   json:"duration,omitempty"   jsonschema:"pattern=^[0-9]+(ms|s|m|h)$"`
	StopGrace string   `yaml:"stop_grace,omitempty" json:"stop_grace,omitempty" jsonschema:"pattern=^[0-9]+(ms|s|m|h)$"`
	Verify    *bool    `yaml:"verify,omitempty"     json:"verify,omitempty"`
}

// Ready polls an HTTP endpoint after launch; the time to the first matching
// response is recorded as time_to_ready_ms.
type Ready struct {
	URL      string `yaml:"url"                json:"url"                jsonschema:"required"`
	Expect   string `yaml:"expect,omitempty"   json:"expect,omitempty"`
	Timeout  string `yaml:"timeout,omitempty"  json:"timeout,omitempty"  jsonschema:"pattern=^[0-9]+(ms|s|m|h)$"`
	Interval string `yaml:"interval,omitempty" json:"interval,omitempty" jsonschema:"pattern=^[0-9]+(ms|s|m|h)$"`
}

// Session drives an interactive child, typically a debugger attached to the
// artifact, through the script registered for this scenario.
type Session struct {
	Argv         []string `yaml:"argv"                    json:"argv"                    jsonschema:"required,minItems=1"`
	TTY          bool     `yaml:"tty,omitempty"           json:"tty,omitempty"`
	Script       string   `yaml:"script,omitempty"        json:"script,omitempty"`
	QuitCommand  string   `yaml:"quit,omitempty"          json:"quit,omitempty"`
	QuitGrace    string   `yaml:"quit_grace,omitempty"    json:"quit_grace,omitempty"    jsonschema:"pattern=^[0-9]+(ms|s|m|h)$"`
	PollInterval string   `yaml:"poll_interval,omitempty" json:"poll_interval,omitempty" jsonschema:"pattern=^[0-9]+(ms|s|m|h)$"`
	Timeout      string   `yaml:"timeout,omitempty"       json:"timeout,omitempty"       jsonschema:"pattern=^[0-9]+(ms|s|m|h)$"`
	Transcript   string   `yaml:"transcript,omitempty"    json:"transcript,omitempty"`
}

// Check is a boolean expression evaluated after the scenario ran.
type Check struct {
	Name string `yaml:"name" json:"name" jsonschema:"required"`
	Expr string `yaml:"expr" json:"expr" jsonschema:"required"`
}

// ScriptsFile is the registry of session scripts, usually scripts.yaml at
// the scenario root.
type ScriptsFile struct {
	APIVersion string      `yaml:"apiVersion" json:"apiVersion" jsonschema:"required,enum=scripts/v1"`
	Scripts    []ScriptDef `yaml:"scripts"    json:"scripts"    jsonschema:"required"`
}

// ScriptDef is one version-specific script for a scenario. Min and Max form
// an inclusive range; either may be empty.
type ScriptDef struct {
	ID       string    `yaml:"id"            json:"id"            jsonschema:"required"`
	Scenario string    `yaml:"scenario"      json:"scenario"      jsonschema:"required"`
	Min      string    `yaml:"min,omitempty" json:"min,omitempty"`
	Max      string    `yaml:"max,omitempty" json:"max,omitempty"`
	Steps    []StepDef `yaml:"steps"         json:"steps"         jsonschema:"required,minItems=1"`
}

// StepDef is a command written to the child or, when Probe is set, an HTTP
// GET issued alongside the session.
type StepDef struct {
	Command string `yaml:"command,omitempty" json:"command,omitempty"`
	Probe   string `yaml:"probe,omitempty"   json:"probe,omitempty"`
	Expect  string `yaml:"expect,omitempty"  json:"expect,omitempty"`
	Timeout string `yaml:"timeout,omitempty" json:"timeout,omitempty" jsonschema:"pattern=^[0-9]+(ms|s|m|h)$"`
}

// WhitelistFile is the global whitelist, usually whitelist.yaml at the
// scenario root.
type WhitelistFile struct {
	APIVersion string   `yaml:"apiVersion" json:"apiVersion" jsonschema:"required,enum=whitelist/v1"`
	Patterns   []string `yaml:"patterns"   json:"patterns,omitempty"`
}

// LoadFile reads and parses a scenario YAML file with strict unknown-field
// rejection (yaml.v3 KnownFields).
func LoadFile(path string) (*Scenario, error) {
	var sc Scenario
	if err := decodeFile(path, "scenario", &sc); err != nil {
		return nil, err
	}
	return &sc, nil
}

// Load parses a scenario from an io.Reader with strict unknown-field rejection.
func Load(r io.Reader) (*Scenario, error) {
	var sc Scenario
	if err := decode(r, "scenario", &sc); err != nil {
		return nil, err
	}
	return &sc, nil
}

// LoadScriptsFile reads a scripts registry document.
func LoadScriptsFile(path string) (*ScriptsFile, error) {
	var sf ScriptsFile
	if err := decodeFile(path, "scripts", &sf); err != nil {
		return nil, err
	}
	return &sf, nil
}

// LoadScripts parses a scripts registry document from r.
func LoadScripts(r io.Reader) (*ScriptsFile, error) {
	var sf ScriptsFile
	if err := decode(r, "scripts", &sf); err != nil {
		return nil, err
	}
	return &sf, nil
}

// LoadWhitelistFile reads a global whitelist document.
func LoadWhitelistFile(path string) (*WhitelistFile, error) {
	var wf WhitelistFile
	if err := decodeFile(path, "whitelist", &wf); err != nil {
		return nil, err
	}
	return &wf, nil
}

func decodeFile(path, kind string, v any) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", kind, err)
	}
	defer f.Close()
	return decode(f, kind, v)
}

func decode(r io.Reader, kind string, v any) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode %s: %w", kind, err)
	}
	return nil
}

// Enabled reports whether an optional flag is on; nil means def.
func Enabled(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}
