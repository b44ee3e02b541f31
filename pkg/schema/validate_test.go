package schema

import (
	"strings"
	"testing"
)

func hasError(errs []*ValidationError, path, substr string) bool {
	for _, e := range errs {
		if e.Path == path && strings.Contains(e.Message, substr) {
			return true
		}
	}
	return false
}

func TestValidateFileValid(t *testing.T) {
	path := writeFile(t, t.TempDir(), "hello/scenario.yaml", validScenario)
	sc, errs := ValidateFile(path)
	if HasErrors(errs) {
		t.Fatalf("expected valid scenario, got %v", errs)
	}
	if sc == nil || sc.Name != "hello" {
		t.Fatalf("scenario not returned: %+v", sc)
	}
}

func TestValidateFileStructural(t *testing.T) {
	path := writeFile(t, t.TempDir(), "bad/scenario.yaml", "apiVersion: scenario/v1\nname: [oops\n")
	_, errs := ValidateFile(path)
	if len(errs) != 1 || errs[0].Phase != "structural" {
		t.Fatalf("want one structural error, got %v", errs)
	}
}

func TestValidateFileSemantic(t *testing.T) {
	doc := "apiVersion: scenario/v9\nname: x\nrun:\n  argv: [a]\n"
	path := writeFile(t, t.TempDir(), "x/scenario.yaml", doc)
	_, errs := ValidateFile(path)
	var semantic bool
	for _, e := range errs {
		if e.Phase == "semantic" {
			semantic = true
		}
	}
	if !semantic {
		t.Errorf("want a semantic error for the enum violation, got %v", errs)
	}
}

func TestValidateDomain(t *testing.T) {
	tests := []struct {
		name string
		sc   *Scenario
		path string
		want string
	}{
		{
			name: "no run or session",
			sc:   &Scenario{APIVersion: ScenarioAPIVersion, Name: "x"},
			path: "run",
			want: "must define",
		},
		{
			name: "bad ready url",
			sc: &Scenario{APIVersion: ScenarioAPIVersion, Name: "x", Run: &Run{
				Argv: []string{"a"}, Ready: &Ready{URL: "localhost:8080"},
			}},
			path: "run.ready.url",
			want: "http",
		},
		{
			name: "bad duration",
			sc: &Scenario{APIVersion: ScenarioAPIVersion, Name: "x", Run: &Run{
				Argv: []string{"a"}, Duration: "soon",
			}},
			path: "run.duration",
			want: "invalid duration",
		},
		{
			name: "bad whitelist regex",
			sc: &Scenario{APIVersion: ScenarioAPIVersion, Name: "x", Run: &Run{Argv: []string{"a"}},
				Whitelist: []string{"(unclosed"}},
			path: "whitelist[0]",
			want: "invalid regex",
		},
		{
			name: "duplicate check",
			sc: &Scenario{APIVersion: ScenarioAPIVersion, Name: "x", Run: &Run{Argv: []string{"a"}},
				Checks: []Check{{Name: "c", Expr: "true"}, {Name: "c", Expr: "true"}}},
			path: "checks[1].name",
			want: "duplicate",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := ValidateDomain(tt.sc, "")
			if !hasError(errs, tt.path, tt.want) {
				t.Errorf("want error at %q containing %q, got %v", tt.path, tt.want, errs)
			}
		})
	}
}

func TestValidateDomainNameMismatchIsWarning(t *testing.T) {
	sc := &Scenario{APIVersion: ScenarioAPIVersion, Name: "hello", Run: &Run{Argv: []string{"a"}}}
	errs := ValidateDomain(sc, "other")
	if HasErrors(errs) {
		t.Fatalf("name mismatch should only warn, got %v", errs)
	}
	if len(errs) != 1 || errs[0].Severity != "warning" {
		t.Errorf("want one warning, got %v", errs)
	}
}

func TestValidateScriptsDomain(t *testing.T) {
	sf := &ScriptsFile{
		APIVersion: ScriptsAPIVersion,
		Scripts: []ScriptDef{
			{ID: "a", Scenario: "hello", Min: "23.1", Max: "22.0", Steps: []StepDef{{Command: "run"}}},
			{ID: "a", Scenario: "hello", Steps: []StepDef{{Command: "run", Probe: "http://x/"}}},
			{ID: "b", Scenario: "hello", Steps: []StepDef{{Command: "p", Expect: "[bad"}}},
		},
	}
	errs := ValidateScriptsDomain(sf)
	checks := []struct{ path, want string }{
		{"scripts[0]", "greater than max"},
		{"scripts[1].id", "duplicate"},
		{"scripts[1].steps[0]", "both command and probe"},
		{"scripts[2].steps[0].expect", "invalid regex"},
	}
	for _, c := range checks {
		if !hasError(errs, c.path, c.want) {
			t.Errorf("want error at %q containing %q, got %v", c.path, c.want, errs)
		}
	}
}

func TestValidateWhitelistFile(t *testing.T) {
	path := writeFile(t, t.TempDir(), "whitelist.yaml", "apiVersion: whitelist/v1\npatterns:\n  - \"ok\"\n  - \"(bad\"\n")
	_, errs := ValidateWhitelistFile(path)
	if !hasError(errs, "patterns[1]", "invalid regex") {
		t.Errorf("want regex error for patterns[1], got %v", errs)
	}
}
