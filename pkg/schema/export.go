package schema

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// GenerateJSONSchema produces a JSON Schema Draft 2020-12 document from
// the Go Scenario struct using invopop/jsonschema.
func GenerateJSONSchema() ([]byte, error) {
	return reflectSchema(&Scenario{}, "scenario-v1.json",
		"Tollgate Scenario v1", "Schema for tollgate scenario.yaml documents (Draft 2020-12)")
}

// GenerateScriptsJSONSchema produces the schema for scripts.yaml documents.
func GenerateScriptsJSONSchema() ([]byte, error) {
	return reflectSchema(&ScriptsFile{}, "scripts-v1.json",
		"Tollgate Session Scripts v1", "Schema for tollgate scripts.yaml documents")
}

// GenerateWhitelistJSONSchema produces the schema for whitelist.yaml documents.
func GenerateWhitelistJSONSchema() ([]byte, error) {
	return reflectSchema(&WhitelistFile{}, "whitelist-v1.json",
		"Tollgate Whitelist v1", "Schema for tollgate whitelist.yaml documents")
}

func reflectSchema(v any, name, title, desc string) ([]byte, error) {
	r := new(jsonschema.Reflector)
	r.DoNotReference = false

	s := r.Reflect(v)
	s.ID = jsonschema.ID("https://github.com/ormasoftchile/tollgate/schemas/" + name)
	s.Title = title
	s.Description = desc

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	return data, nil
}
