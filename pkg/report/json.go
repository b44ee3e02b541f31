package report

import (
	"encoding/json"
	"io"

	runtest "github.com/ormasoftchile/tollgate/pkg/testing"
)

// JSON writes output as indented JSON.
func JSON(w io.Writer, output *runtest.TestOutput) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(output)
}
