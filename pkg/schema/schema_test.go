package schema

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const validScenario = `apiVersion: scenario/v1
name: hello
description: prints a greeting and serves it over HTTP
env:
  GREETING: hi
build:
  argv: [make, hello]
  timeout: 5m
run:
  argv: [./hello]
  port: 8080
  ready:
    url: http://localhost:8080/
    expect: Hello
    timeout: 30s
  expect: "Started in"
session:
  argv: [gdb, ./hello]
  quit: quit
  poll_interval: 500ms
whitelist:
  - "WARN: deprecated flag"
limits:
  rss_kb: max_rss_kb
checks:
  - name: fast startup
    expr: measured.time_to_ready_ms < 2000
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadScenario(t *testing.T) {
	sc, err := Load(strings.NewReader(validScenario))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if sc.Name != "hello" {
		t.Errorf("name = %q, want %q", sc.Name, "hello")
	}
	if got := sc.Run.Ready.URL; got != "http://localhost:8080/" {
		t.Errorf("ready url = %q", got)
	}
	if sc.Env["GREETING"] != "hi" {
		t.Errorf("env GREETING = %q, want %q", sc.Env["GREETING"], "hi")
	}
	if len(sc.Checks) != 1 || sc.Checks[0].Name != "fast startup" {
		t.Errorf("checks = %+v", sc.Checks)
	}
	if !Enabled(sc.Build.Metrics, true) {
		t.Error("build.metrics should default to enabled")
	}
}

// TestLoadRejectsUnknownFields verifies that strict mode rejects unknown YAML keys.
func TestLoadRejectsUnknownFields(t *testing.T) {
	_, err := Load(strings.NewReader("apiVersion: scenario/v1\nname: x\nrunn:\n  argv: [a]\n"))
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
	if !strings.Contains(err.Error(), "runn") {
		t.Errorf("error %q does not name the unknown field", err)
	}
}

func TestLoadScripts(t *testing.T) {
	doc := `apiVersion: scripts/v1
scripts:
  - id: hello-gdb-14
    scenario: hello
    min: "14.0"
    steps:
      - command: break main
        expect: Breakpoint 1
        timeout: 60s
      - probe: http://localhost:8080/
        expect: Hello
      - command: quit
`
	sf, err := LoadScripts(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("LoadScripts: %v", err)
	}
	if len(sf.Scripts) != 1 || len(sf.Scripts[0].Steps) != 3 {
		t.Fatalf("unexpected scripts: %+v", sf.Scripts)
	}
	if sf.Scripts[0].Steps[1].Probe == "" {
		t.Error("second step should be a probe")
	}
}

func TestGenerateJSONSchema(t *testing.T) {
	gens := map[string]func() ([]byte, error){
		"scenario":  GenerateJSONSchema,
		"scripts":   GenerateScriptsJSONSchema,
		"whitelist": GenerateWhitelistJSONSchema,
	}
	for name, gen := range gens {
		t.Run(name, func(t *testing.T) {
			data, err := gen()
			if err != nil {
				t.Fatalf("generate: %v", err)
			}
			var doc map[string]any
			if err := json.Unmarshal(data, &doc); err != nil {
				t.Fatalf("schema is not JSON: %v", err)
			}
			if !strings.Contains(doc["$id"].(string), name) {
				t.Errorf("$id = %v, want it to mention %q", doc["$id"], name)
			}
		})
	}
}
