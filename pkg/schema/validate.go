package schema

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	sjsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/ormasoftchile/tollgate/pkg/version"
)

// ValidationError represents a single validation error with location context.
type ValidationError struct {
	Phase    string `json:"phase"` // structural, semantic, domain
	Path     string `json:"path"`  // JSON-path-like location (e.g., "run.ready.url")
	Message  string `json:"message"`
	Severity string `json:"severity"` // error, warning
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Phase, e.Path, e.Message)
}

// HasErrors reports whether any entry has error severity.
func HasErrors(errs []*ValidationError) bool {
	for _, e := range errs {
		if e.Severity == "error" {
			return true
		}
	}
	return false
}

// ValidateFile performs the full 3-phase validation pipeline on a scenario file.
// Phase 1: Structural (strict YAML decode)
// Phase 2: Semantic (JSON Schema validation)
// Phase 3: Domain (custom Go rules)
func ValidateFile(path string) (*Scenario, []*ValidationError) {
	sc, err := LoadFile(path)
	if err != nil {
		return nil, []*ValidationError{structural(err)}
	}

	var allErrors []*ValidationError
	allErrors = append(allErrors, validateSemantic(sc, GenerateJSONSchema, "scenario-v1.json")...)
	allErrors = append(allErrors, ValidateDomain(sc, filepath.Base(filepath.Dir(path)))...)
	if len(allErrors) > 0 {
		return sc, allErrors
	}
	return sc, nil
}

// ValidateScriptsFile runs the same pipeline over a scripts registry.
func ValidateScriptsFile(path string) (*ScriptsFile, []*ValidationError) {
	sf, err := LoadScriptsFile(path)
	if err != nil {
		return nil, []*ValidationError{structural(err)}
	}

	var allErrors []*ValidationError
	allErrors = append(allErrors, validateSemantic(sf, GenerateScriptsJSONSchema, "scripts-v1.json")...)
	allErrors = append(allErrors, ValidateScriptsDomain(sf)...)
	if len(allErrors) > 0 {
		return sf, allErrors
	}
	return sf, nil
}

// ValidateWhitelistFile runs the same pipeline over a global whitelist.
func ValidateWhitelistFile(path string) (*WhitelistFile, []*ValidationError) {
	wf, err := LoadWhitelistFile(path)
	if err != nil {
		return nil, []*ValidationError{structural(err)}
	}

	var allErrors []*ValidationError
	allErrors = append(allErrors, validateSemantic(wf, GenerateWhitelistJSONSchema, "whitelist-v1.json")...)
	for i, p := range wf.Patterns {
		if _, err := regexp.Compile(p); err != nil {
			allErrors = append(allErrors, domainErr(fmt.Sprintf("patterns[%d]", i), "invalid regex pattern %q: %v", p, err))
		}
	}
	if len(allErrors) > 0 {
		return wf, allErrors
	}
	return wf, nil
}

func structural(err error) *ValidationError {
	return &ValidationError{Phase: "structural", Message: err.Error(), Severity: "error"}
}

func semanticErr(format string, args ...any) []*ValidationError {
	return []*ValidationError{{
		Phase:    "semantic",
		Message:  fmt.Sprintf(format, args...),
		Severity: "error",
	}}
}

func domainErr(path, format string, args ...any) *ValidationError {
	return &ValidationError{
		Phase:    "domain",
		Path:     path,
		Message:  fmt.Sprintf(format, args...),
		Severity: "error",
	}
}

func domainWarn(path, format string, args ...any) *ValidationError {
	e := domainErr(path, format, args...)
	e.Severity = "warning"
	return e
}

// validateSemantic validates a document against its generated JSON Schema.
func validateSemantic(v any, generate func() ([]byte, error), name string) []*ValidationError {
	data, err := json.Marshal(v)
	if err != nil {
		return semanticErr("marshal for schema validation: %v", err)
	}

	schemaJSON, err := generate()
	if err != nil {
		return semanticErr("generate schema: %v", err)
	}

	var schemaDoc interface{}
	if err := json.Unmarshal(schemaJSON, &schemaDoc); err != nil {
		return semanticErr("unmarshal schema: %v", err)
	}

	c := sjsonschema.NewCompiler()
	if err := c.AddResource(name, schemaDoc); err != nil {
		return semanticErr("add schema resource: %v", err)
	}
	sch, err := c.Compile(name)
	if err != nil {
		return semanticErr("compile schema: %v", err)
	}

	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return semanticErr("unmarshal document: %v", err)
	}

	if err := sch.Validate(doc); err != nil {
		ve, ok := err.(*sjsonschema.ValidationError)
		if !ok {
			return semanticErr("%s", err.Error())
		}
		var errs []*ValidationError
		for _, cause := range flattenValidationErrors(ve) {
			errs = append(errs, &ValidationError{
				Phase:    "semantic",
				Path:     strings.Join(cause.InstanceLocation, "/"),
				Message:  fmt.Sprintf("%v", cause.ErrorKind),
				Severity: "error",
			})
		}
		return errs
	}
	return nil
}

// flattenValidationErrors recursively collects all leaf validation errors.
func flattenValidationErrors(ve *sjsonschema.ValidationError) []*sjsonschema.ValidationError {
	if len(ve.Causes) == 0 {
		return []*sjsonschema.ValidationError{ve}
	}
	var flat []*sjsonschema.ValidationError
	for _, cause := range ve.Causes {
		flat = append(flat, flattenValidationErrors(cause)...)
	}
	return flat
}

// ValidateDomain performs Phase 3 domain-level validation of a scenario.
// dirName is the name of the directory holding scenario.yaml; a mismatch
// with Name is reported as a warning.
func ValidateDomain(sc *Scenario, dirName string) []*ValidationError {
	var errs []*ValidationError

	if sc.APIVersion != ScenarioAPIVersion {
		errs = append(errs, domainErr("apiVersion", "unrecognized apiVersion %q, expected %q", sc.APIVersion, ScenarioAPIVersion))
	}
	if strings.TrimSpace(sc.Name) == "" {
		errs = append(errs, domainErr("name", "scenario requires a name"))
	} else if dirName != "" && dirName != "." && dirName != sc.Name {
		errs = append(errs, domainWarn("name", "scenario name %q differs from its directory %q", sc.Name, dirName))
	}
	if sc.Run == nil && sc.Session == nil {
		errs = append(errs, domainErr("run", "scenario must define run:, session:, or both"))
	}

	if sc.Build != nil {
		if len(sc.Build.Argv) == 0 {
			errs = append(errs, domainErr("build.argv", "build requires non-empty argv"))
		}
		errs = append(errs, checkDuration("build.timeout", sc.Build.Timeout)...)
	}

	if r := sc.Run; r != nil {
		if len(r.Argv) == 0 {
			errs = append(errs, domainErr("run.argv", "run requires non-empty argv"))
		}
		errs = append(errs, checkDuration("run.duration", r.Duration)...)
		errs = append(errs, checkDuration("run.stop_grace", r.StopGrace)...)
		errs = append(errs, checkRegex("run.expect", r.Expect)...)
		if r.Port < 0 || r.Port > 65535 {
			errs = append(errs, domainErr("run.port", "port %d out of range", r.Port))
		}
		if rd := r.Ready; rd != nil {
			errs = append(errs, checkURL("run.ready.url", rd.URL)...)
			errs = append(errs, checkRegex("run.ready.expect", rd.Expect)...)
			errs = append(errs, checkDuration("run.ready.timeout", rd.Timeout)...)
			errs = append(errs, checkDuration("run.ready.interval", rd.Interval)...)
		}
	}

	if s := sc.Session; s != nil {
		if len(s.Argv) == 0 {
			errs = append(errs, domainErr("session.argv", "session requires non-empty argv"))
		}
		errs = append(errs, checkDuration("session.quit_grace", s.QuitGrace)...)
		errs = append(errs, checkDuration("session.poll_interval", s.PollInterval)...)
		errs = append(errs, checkDuration("session.timeout", s.Timeout)...)
	}

	for i, p := range sc.Whitelist {
		errs = append(errs, checkRegex(fmt.Sprintf("whitelist[%d]", i), p)...)
	}

	for k, v := range sc.Limits {
		if strings.TrimSpace(k) == "" || strings.TrimSpace(v) == "" {
			errs = append(errs, domainErr("limits", "limit %q -> %q must name both a measured key and a threshold key", k, v))
		}
	}

	seen := make(map[string]int)
	for i, c := range sc.Checks {
		path := fmt.Sprintf("checks[%d]", i)
		if prev, ok := seen[c.Name]; ok {
			errs = append(errs, domainErr(path+".name", "duplicate check name %q (first at checks[%d])", c.Name, prev))
		}
		seen[c.Name] = i
		if strings.TrimSpace(c.Expr) == "" {
			errs = append(errs, domainErr(path+".expr", "check %q requires an expression", c.Name))
		}
	}
	return errs
}

// ValidateScriptsDomain checks ids, version ranges, step kinds and patterns.
func ValidateScriptsDomain(sf *ScriptsFile) []*ValidationError {
	var errs []*ValidationError

	if sf.APIVersion != ScriptsAPIVersion {
		errs = append(errs, domainErr("apiVersion", "unrecognized apiVersion %q, expected %q", sf.APIVersion, ScriptsAPIVersion))
	}

	seen := make(map[string]int)
	for i, sd := range sf.Scripts {
		path := fmt.Sprintf("scripts[%d]", i)
		if prev, ok := seen[sd.ID]; ok {
			errs = append(errs, domainErr(path+".id", "duplicate script ID %q (first at scripts[%d])", sd.ID, prev))
		}
		seen[sd.ID] = i

		r, err := version.ParseRange(sd.Min, sd.Max)
		if err != nil {
			errs = append(errs, domainErr(path, "invalid version range: %v", err))
		} else if !r.Min.IsZero() && !r.Max.IsZero() && r.Min.Compare(r.Max) > 0 {
			errs = append(errs, domainErr(path, "min %s is greater than max %s", r.Min, r.Max))
		}

		if len(sd.Steps) == 0 {
			errs = append(errs, domainErr(path+".steps", "script %q has no steps", sd.ID))
		}
		for j, st := range sd.Steps {
			spath := fmt.Sprintf("%s.steps[%d]", path, j)
			if st.Command != "" && st.Probe != "" {
				errs = append(errs, domainErr(spath, "step sets both command and probe"))
			}
			if st.Probe != "" {
				errs = append(errs, checkURL(spath+".probe", st.Probe)...)
				if st.Timeout != "" {
					errs = append(errs, domainWarn(spath+".timeout", "timeout is ignored for probe steps"))
				}
			}
			errs = append(errs, checkRegex(spath+".expect", st.Expect)...)
			errs = append(errs, checkDuration(spath+".timeout", st.Timeout)...)
		}
	}
	return errs
}

func checkDuration(path, s string) []*ValidationError {
	if s == "" {
		return nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return []*ValidationError{domainErr(path, "invalid duration %q: %v", s, err)}
	}
	if d < 0 {
		return []*ValidationError{domainErr(path, "negative duration %q", s)}
	}
	return nil
}

func checkRegex(path, s string) []*ValidationError {
	if s == "" {
		return nil
	}
	if _, err := regexp.Compile(s); err != nil {
		return []*ValidationError{domainErr(path, "invalid regex pattern %q: %v", s, err)}
	}
	return nil
}

func checkURL(path, s string) []*ValidationError {
	if !strings.HasPrefix(s, "http://") && !strings.HasPrefix(s, "https://") {
		return []*ValidationError{domainErr(path, "URL %q must use http or https", s)}
	}
	return nil
}

// Duration parses an optional duration field, returning def when s is empty.
func Duration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	return d, nil
}
