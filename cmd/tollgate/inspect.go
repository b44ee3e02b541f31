package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"github.com/ormasoftchile/tollgate/pkg/logcheck"
	"github.com/ormasoftchile/tollgate/pkg/metrics"
	"github.com/ormasoftchile/tollgate/pkg/schema"
	runtest "github.com/ormasoftchile/tollgate/pkg/testing"
	"github.com/ormasoftchile/tollgate/pkg/thresholds"
	tgversion "github.com/ormasoftchile/tollgate/pkg/version"
)

// --- verify-log ---

var (
	verifyScenario  string
	verifyWhitelist string
)

var verifyLogCmd = &cobra.Command{
	Use:   "verify-log <log-file>",
	Short: "List log lines that look like errors or warnings and are not whitelisted",
	Args:  cobra.ExactArgs(1),
	RunE:  runVerifyLog,
}

func runVerifyLog(cmd *cobra.Command, args []string) error {
	global := logcheck.DefaultGlobal()
	if verifyWhitelist != "" {
		wl, err := logcheck.LoadGlobal(verifyWhitelist)
		if err != nil {
			return fmt.Errorf("load whitelist: %w", err)
		}
		global = wl
	}

	var scenario logcheck.Whitelist
	if verifyScenario != "" {
		sc, err := schema.LoadFile(verifyScenario)
		if err != nil {
			return err
		}
		if scenario, err = logcheck.Compile(sc.Whitelist, logcheck.Scenario); err != nil {
			return err
		}
	}

	offending, err := logcheck.CheckFile(args[0], global, scenario)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(offending) == 0 {
		fmt.Fprintf(out, "✓ %s is clean\n", args[0])
		return nil
	}
	fmt.Fprintf(out, "✗ %s: %d offending line(s)\n", args[0], len(offending))
	for _, line := range offending {
		fmt.Fprintf(out, "  %s\n", line)
	}
	return fmt.Errorf("%d offending line(s)", len(offending))
}

// --- metrics ---

var metricsJSON bool

var metricsCmd = &cobra.Command{
	Use:   "metrics <build-log>",
	Short: "Extract build metrics from native image builder output",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rec, err := metrics.ExtractFile(args[0])
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if metricsJSON {
			fmt.Fprintln(out, metrics.ToJSON(rec))
			return nil
		}
		keys := rec.Keys()
		width := 0
		for _, k := range keys {
			width = max(width, len(k))
		}
		for _, k := range keys {
			fmt.Fprintf(out, "%-*s  %s\n", width, k, rec[k])
		}
		return nil
	},
}

// --- thresholds ---

var (
	thresholdsBuilder     string
	thresholdsJDK         string
	thresholdsFramework   string
	thresholdsInContainer bool
	thresholdsSet         []string
)

var thresholdsCmd = &cobra.Command{
	Use:   "thresholds <threshold.conf>",
	Short: "Resolve a threshold file for a builder, JDK and framework version",
	Long: `Resolve a threshold file the way a run would and print each admitted key
with the guard (or override) that admitted it.

Versions not given as flags are resolved as in a run: the builder and JDK
from the builder binary (or TOLLGATE_BUILDER_VERSION / TOLLGATE_JDK_VERSION),
the framework from ` + EnvFrameworkVersion + `.`,
	Args: cobra.ExactArgs(1),
	RunE: runThresholds,
}

func runThresholds(cmd *cobra.Command, args []string) error {
	ctx := thresholds.Context{InContainer: thresholdsInContainer}
	if !cmd.Flags().Changed("in-container") {
		ctx.InContainer = runtest.DetectContainer()
	}

	if thresholdsBuilder == "" || thresholdsJDK == "" {
		info, err := tgversion.Builder()
		if err != nil {
			log().Warn("builder version unknown", "error", err)
		}
		ctx.Builder, ctx.JDK = info.Builder, info.JDK
	}
	for _, v := range []struct {
		flag   string
		target *tgversion.Version
	}{
		{thresholdsBuilder, &ctx.Builder},
		{thresholdsJDK, &ctx.JDK},
		{firstNonEmpty(thresholdsFramework, os.Getenv(EnvFrameworkVersion)), &ctx.Framework},
	} {
		if v.flag == "" {
			continue
		}
		parsed, err := tgversion.Parse(v.flag)
		if err != nil {
			return err
		}
		*v.target = parsed
	}

	props, err := thresholds.ParseProperties(thresholdsSet)
	if err != nil {
		return err
	}
	r := &thresholds.Resolver{Context: ctx, Logger: log()}
	tab, err := r.Load(args[0], thresholds.EnvSource{}, props)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s (namespace %s, builder %s, jdk %s, framework %s, container %v)\n",
		filepath.Base(args[0]), thresholds.Namespace(args[0]),
		orUnknown(ctx.Builder), orUnknown(ctx.JDK), orUnknown(ctx.Framework), ctx.InContainer)

	keys := make([]string, 0, len(tab.Values))
	width := 0
	for k := range tab.Values {
		keys = append(keys, k)
		width = max(width, len(k))
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(out, "  %-*s = %-10d  # %s\n", width, k, tab.Values[k], tab.Provenance[k])
	}
	for _, w := range tab.Warnings {
		fmt.Fprintf(cmd.ErrOrStderr(), "  ⚠ %v\n", w)
	}
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func orUnknown(v tgversion.Version) string {
	if v.IsZero() {
		return "unknown"
	}
	return v.String()
}

func init() {
	verifyLogCmd.Flags().StringVar(&verifyScenario, "scenario", "", "scenario.yaml whose whitelist also applies")
	verifyLogCmd.Flags().StringVar(&verifyWhitelist, "whitelist", "", "Global whitelist file (default built-in)")

	metricsCmd.Flags().BoolVar(&metricsJSON, "json", false, "Output the record as compact JSON")

	thresholdsCmd.Flags().StringVar(&thresholdsBuilder, "builder", "", "Builder version")
	thresholdsCmd.Flags().StringVar(&thresholdsJDK, "jdk", "", "JDK version")
	thresholdsCmd.Flags().StringVar(&thresholdsFramework, "framework", "", "Framework version")
	thresholdsCmd.Flags().BoolVar(&thresholdsInContainer, "in-container", false, "Evaluate inContainer guards as inside a container")
	thresholdsCmd.Flags().StringArrayVar(&thresholdsSet, "set", nil, "Override namespace.key=value (repeatable)")
}
