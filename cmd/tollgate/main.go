package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ormasoftchile/tollgate/pkg/assertions"
	"github.com/ormasoftchile/tollgate/pkg/logging"
	"github.com/ormasoftchile/tollgate/pkg/schema"
)

// Version is set at build time via ldflags.
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	loadDotEnv(".env") // load .env file if present (gitignored)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadDotEnv reads a .env file and sets any variables that aren't already
// set in the environment. Lines are KEY=VALUE (or KEY="VALUE"). Comments (#)
// and blanks are skipped.
func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return // no .env file, that's fine
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		// Don't overwrite existing env vars
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

// --- logging ---

var (
	logLevel string
	logJSON  bool
	logFile  string

	logger *logging.Logger
)

// log returns the logger configured by the persistent flags.
func log() *slog.Logger {
	if logger == nil {
		return logging.Discard()
	}
	return logger.Logger
}

var rootCmd = &cobra.Command{
	Use:   "tollgate",
	Short: "Build, launch and score native executables against recorded thresholds",
	Long: `tollgate builds an artifact, launches it (or a debugger session attached to
it), checks its output against expected patterns and scores memory,
time-to-ready and open-file counts against per-version thresholds.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		l, err := logging.New(logging.Config{
			Level:   logLevel,
			JSON:    logJSON,
			LogFile: logFile,
			Service: "tollgate",
		})
		if err != nil {
			return err
		}
		logger = l
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if logger != nil {
			return logger.Close()
		}
		return nil
	},
}

// --- validate ---

var validateCmd = &cobra.Command{
	Use:   "validate [scenario.yaml | scripts.yaml | whitelist.yaml | root-dir]",
	Short: "Validate scenario, scripts and whitelist documents",
	Long: `Validate one document, or every document under a scenario root.

A directory is treated as a scenario root: {root}/*/scenario.yaml,
{root}/scripts.yaml and {root}/whitelist.yaml are validated, and every
check expression is compiled.`,
	Args: cobra.ExactArgs(1),
	RunE: runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	info, err := os.Stat(args[0])
	if err != nil {
		return err
	}

	var files []string
	if info.IsDir() {
		for _, name := range []string{"scripts.yaml", "whitelist.yaml"} {
			if p := filepath.Join(args[0], name); fileExists(p) {
				files = append(files, p)
			}
		}
		matches, err := filepath.Glob(filepath.Join(args[0], "*", "scenario.yaml"))
		if err != nil {
			return err
		}
		files = append(files, matches...)
	} else {
		files = []string{args[0]}
	}
	if len(files) == 0 {
		return fmt.Errorf("no documents found under %s", args[0])
	}

	failed := 0
	for _, f := range files {
		errs := validateDocument(f)
		printValidationWarnings(cmd.ErrOrStderr(), errs)
		if !schema.HasErrors(errs) {
			fmt.Fprintf(out, "✓ %s is valid\n", f)
			continue
		}
		failed++
		fmt.Fprintf(cmd.ErrOrStderr(), "✗ %s: %d error(s)\n", f, countValidationErrors(errs))
		i := 0
		for _, e := range errs {
			if e.Severity == "warning" {
				continue
			}
			i++
			fmt.Fprintf(cmd.ErrOrStderr(), "  %d. [%s] %s\n", i, e.Phase, e.Message)
			if e.Path != "" {
				fmt.Fprintf(cmd.ErrOrStderr(), "     at: %s\n", e.Path)
			}
		}
	}
	if failed > 0 {
		return fmt.Errorf("validation failed for %d document(s)", failed)
	}
	return nil
}

// validateDocument picks the validator from the file name.
func validateDocument(path string) []*schema.ValidationError {
	switch filepath.Base(path) {
	case "scripts.yaml", "scripts.yml":
		_, errs := schema.ValidateScriptsFile(path)
		return errs
	case "whitelist.yaml", "whitelist.yml":
		_, errs := schema.ValidateWhitelistFile(path)
		return errs
	}
	sc, errs := schema.ValidateFile(path)
	if sc != nil && !schema.HasErrors(errs) {
		if _, err := assertions.CompileChecks(sc.Checks); err != nil {
			errs = append(errs, &schema.ValidationError{
				Phase: "domain", Path: "checks", Message: err.Error(), Severity: "error",
			})
		}
	}
	return errs
}

// countValidationErrors counts non-warning errors.
func countValidationErrors(errs []*schema.ValidationError) int {
	n := 0
	for _, e := range errs {
		if e.Severity != "warning" {
			n++
		}
	}
	return n
}

// printValidationWarnings prints any warnings.
func printValidationWarnings(w io.Writer, errs []*schema.ValidationError) {
	for _, e := range errs {
		if e.Severity == "warning" {
			fmt.Fprintf(w, "  ⚠ [%s] %s\n", e.Phase, e.Message)
		}
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// --- schema export ---

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Schema operations",
}

var schemaExportCmd = &cobra.Command{
	Use:       "export [scenario|scripts|whitelist]",
	Short:     "Export JSON Schema to stdout",
	Args:      cobra.MaximumNArgs(1),
	ValidArgs: []string{"scenario", "scripts", "whitelist"},
	RunE:      runSchemaExport,
}

func runSchemaExport(cmd *cobra.Command, args []string) error {
	kind := "scenario"
	if len(args) == 1 {
		kind = args[0]
	}
	var generate func() ([]byte, error)
	switch kind {
	case "scenario":
		generate = schema.GenerateJSONSchema
	case "scripts":
		generate = schema.GenerateScriptsJSONSchema
	case "whitelist":
		generate = schema.GenerateWhitelistJSONSchema
	default:
		return fmt.Errorf("unknown schema %q (want scenario, scripts or whitelist)", kind)
	}

	data, err := generate()
	if err != nil {
		return fmt.Errorf("generate schema: %w", err)
	}
	// Pretty-print the JSON
	formatted, err := json.MarshalIndent(json.RawMessage(data), "", "  ")
	if err != nil {
		// fallback to raw
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return nil
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(formatted))
	return nil
}

// --- version ---

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "tollgate %s (build: %s)\n", version, commit)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn or error")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Log as JSON to stderr")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "Also append JSON logs to this file")

	// schema subcommands
	schemaCmd.AddCommand(schemaExportCmd)

	// root subcommands
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(debugCmd)
	rootCmd.AddCommand(verifyLogCmd)
	rootCmd.AddCommand(metricsCmd)
	rootCmd.AddCommand(thresholdsCmd)
	rootCmd.AddCommand(schemaCmd)
	rootCmd.AddCommand(versionCmd)
}
