//go:build ignore

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/ormasoftchile/tollgate/pkg/schema"
)

func main() {
	out := "schemas"
	if len(os.Args) > 1 {
		out = os.Args[1]
	}
	if err := os.MkdirAll(out, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "mkdir: %v\n", err)
		os.Exit(1)
	}

	for _, s := range []struct {
		file     string
		generate func() ([]byte, error)
	}{
		{"scenario-v1.json", schema.GenerateJSONSchema},
		{"scripts-v1.json", schema.GenerateScriptsJSONSchema},
		{"whitelist-v1.json", schema.GenerateWhitelistJSONSchema},
	} {
		data, err := s.generate()
		if err != nil {
			fmt.Fprintf(os.Stderr, "generate %s: %v\n", s.file, err)
			os.Exit(1)
		}
		path := filepath.Join(out, s.file)
		if err := os.WriteFile(path, data, 0o644); err != nil {
			fmt.Fprintf(os.Stderr, "write: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("wrote", path)
	}
}
