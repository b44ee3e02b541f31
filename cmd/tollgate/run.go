package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ormasoftchile/tollgate/pkg/logcheck"
	"github.com/ormasoftchile/tollgate/pkg/report"
	"github.com/ormasoftchile/tollgate/pkg/session"
	runtest "github.com/ormasoftchile/tollgate/pkg/testing"
	"github.com/ormasoftchile/tollgate/pkg/thresholds"
	tgversion "github.com/ormasoftchile/tollgate/pkg/version"
)

// EnvFrameworkVersion supplies the framework version when --framework is
// not given.
const EnvFrameworkVersion = "TOLLGATE_FRAMEWORK_VERSION"

var (
	runParallel    int
	runFailFast    bool
	runTimeout     time.Duration
	runScripts     string
	runWhitelist   string
	runSet         []string
	runFramework   string
	runTags        []string
	runInContainer string
	runJSON        bool
	runMarkdown    bool
	runPretty      bool
	runTextfile    string
	runUpload      bool
	runTrace       string
	runVerbose     bool
)

var runCmd = &cobra.Command{
	Use:   "run <root> [scenario...]",
	Short: "Run scenarios under a root directory",
	Long: `Run every scenario directory under root ({root}/*/scenario.yaml), or only
the named ones. Each scenario is built, launched, driven through its session
script, checked for unexpected log lines and scored against its thresholds.

Threshold overrides are read from the environment ({NAMESPACE}_{KEY}) and from
--set namespace.key=value, which wins.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := args[0]
	runner, cleanup, err := newRunner(root)
	if err != nil {
		return err
	}
	defer cleanup()
	runner.Names = args[1:]

	output, err := runner.RunAll(ctx, root)
	if output == nil {
		return err
	}
	if err != nil {
		log().Warn("run interrupted", "error", err)
	}

	if rerr := writeReports(cmd, output); rerr != nil {
		return rerr
	}
	if runUpload {
		up := &report.Uploader{
			URL:    os.Getenv(report.EnvStatsURL),
			APIKey: os.Getenv(report.EnvStatsAPIKey),
			Logger: log(),
		}
		if uerr := up.Upload(ctx, output); uerr != nil {
			return uerr
		}
	}

	if err != nil {
		return err
	}
	if !output.Summary.OK() {
		return fmt.Errorf("%d failed, %d errors", output.Summary.Failed, output.Summary.Errors)
	}
	return nil
}

// newRunner builds a Runner from the run flags. cleanup closes the trace file.
func newRunner(root string) (*runtest.Runner, func(), error) {
	props, err := thresholds.ParseProperties(runSet)
	if err != nil {
		return nil, nil, err
	}

	runner := &runtest.Runner{
		Logger:      log(),
		Sources:     []thresholds.Source{thresholds.EnvSource{}, props},
		InContainer: runtest.DetectContainer(),
		Tags:        runTags,
		Parallel:    runParallel,
		FailFast:    runFailFast,
		Timeout:     runTimeout,
	}
	if runInContainer != "" {
		runner.InContainer = runInContainer == "true"
	}

	fw := runFramework
	if fw == "" {
		fw = os.Getenv(EnvFrameworkVersion)
	}
	if fw != "" {
		if runner.Framework, err = tgversion.Parse(fw); err != nil {
			return nil, nil, fmt.Errorf("framework version: %w", err)
		}
	}

	if runScripts != "" {
		if runner.Scripts, err = session.LoadRegistry(runScripts); err != nil {
			return nil, nil, fmt.Errorf("load scripts: %w", err)
		}
	}
	if runWhitelist != "" {
		if runner.Global, err = logcheck.LoadGlobal(runWhitelist); err != nil {
			return nil, nil, fmt.Errorf("load whitelist: %w", err)
		}
	}

	cleanup := func() {}
	if runTrace != "" {
		tw, err := session.NewTraceWriter(runTrace)
		if err != nil {
			return nil, nil, err
		}
		runner.Trace = tw
		cleanup = func() {
			if err := tw.Close(); err != nil {
				log().Warn("close trace", "error", err)
			}
		}
	}

	log().Debug("runner configured", "root", root, "framework", runner.Framework.String(),
		"in_container", runner.InContainer, "parallel", runParallel)
	return runner, cleanup, nil
}

// writeReports renders output in the selected format and writes the
// textfile when asked.
func writeReports(cmd *cobra.Command, output *runtest.TestOutput) error {
	out := cmd.OutOrStdout()
	switch {
	case runJSON:
		if err := report.JSON(out, output); err != nil {
			return err
		}
	case runPretty:
		fmt.Fprint(out, report.RenderMarkdown(report.Markdown(output), 100))
	case runMarkdown:
		fmt.Fprint(out, report.Markdown(output))
	default:
		if err := report.Text(out, output, report.TextOptions{Verbose: runVerbose}); err != nil {
			return err
		}
	}
	if runTextfile != "" {
		if err := os.MkdirAll(filepath.Dir(runTextfile), 0o755); err != nil {
			return err
		}
		if err := report.WriteTextfile(runTextfile, output); err != nil {
			return fmt.Errorf("write textfile: %w", err)
		}
		log().Info("wrote metrics textfile", "path", runTextfile)
	}
	return nil
}

func init() {
	runCmd.Flags().IntVarP(&runParallel, "parallel", "p", 1, "Number of scenarios to run at once")
	runCmd.Flags().BoolVar(&runFailFast, "fail-fast", false, "Start no new scenario after a failure")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "Per-scenario timeout (0 means none)")
	runCmd.Flags().StringVar(&runScripts, "scripts", "", "Session scripts file (default {root}/scripts.yaml)")
	runCmd.Flags().StringVar(&runWhitelist, "whitelist", "", "Global whitelist file (default {root}/whitelist.yaml)")
	runCmd.Flags().StringArrayVar(&runSet, "set", nil, "Threshold override namespace.key=value (repeatable)")
	runCmd.Flags().StringVar(&runFramework, "framework", "", "Framework version for @IfFrameworkVersion guards (or "+EnvFrameworkVersion+")")
	runCmd.Flags().StringSliceVar(&runTags, "tags", nil, "Run only scenarios carrying one of these tags")
	runCmd.Flags().StringVar(&runInContainer, "in-container", "", "Override container detection (true or false)")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "Output results as JSON")
	runCmd.Flags().BoolVar(&runMarkdown, "markdown", false, "Output results as a Markdown table")
	runCmd.Flags().BoolVar(&runPretty, "pretty", false, "Render the Markdown table for the terminal")
	runCmd.Flags().StringVar(&runTextfile, "textfile", "", "Write Prometheus textfile metrics to this path")
	runCmd.Flags().BoolVar(&runUpload, "upload", false, "Post build metrics to $"+report.EnvStatsURL)
	runCmd.Flags().StringVar(&runTrace, "trace", "", "Append session step events (JSONL) to this file")
	runCmd.Flags().BoolVarP(&runVerbose, "verbose", "v", false, "List every check, not only failures")
}
