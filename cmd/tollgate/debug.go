package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ormasoftchile/tollgate/pkg/debugger"
	"github.com/ormasoftchile/tollgate/pkg/procsup"
	"github.com/ormasoftchile/tollgate/pkg/schema"
	"github.com/ormasoftchile/tollgate/pkg/session"
	runtest "github.com/ormasoftchile/tollgate/pkg/testing"
	tgversion "github.com/ormasoftchile/tollgate/pkg/version"
)

var (
	debugScripts    string
	debugScript     string
	debugBuilder    string
	debugWithRun    bool
	debugTranscript string
)

var debugCmd = &cobra.Command{
	Use:   "debug <root> <scenario>",
	Short: "Step through a scenario's session script interactively",
	Long: `Start the scenario's session child and step through its script one step at
a time. With --with-run the run command is launched first and stopped when the
debugger exits.

Commands: next, continue, send <text>, buffer, transcript, list, history, help, quit`,
	Args: cobra.ExactArgs(2),
	RunE: runDebug,
}

func runDebug(cmd *cobra.Command, args []string) error {
	root, name := args[0], args[1]
	dir := filepath.Join(root, name)
	sc, errs := schema.ValidateFile(filepath.Join(dir, runtest.ScenarioFile))
	if schema.HasErrors(errs) {
		printValidationWarnings(cmd.ErrOrStderr(), errs)
		return fmt.Errorf("%s: %d validation error(s)", name, countValidationErrors(errs))
	}
	if sc.Session == nil {
		return fmt.Errorf("scenario %q has no session", name)
	}

	script, err := debugLookup(root, name, sc)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "script %s (%d steps, versions %s)\n",
		script.ID(), script.Len(), script.Versions())

	workDir := dir
	if sc.Dir != "" {
		workDir = sc.Dir
		if !filepath.IsAbs(workDir) {
			workDir = filepath.Join(dir, workDir)
		}
	}

	ctx := cmd.Context()
	sup := procsup.New(log())

	if debugWithRun && sc.Run != nil {
		runLog := sc.Run.Log
		if runLog == "" {
			runLog = runtest.DefaultRunLog
		}
		if !filepath.IsAbs(runLog) {
			runLog = filepath.Join(dir, runLog)
		}
		sink, err := procsup.AppendSink(runLog)
		if err != nil {
			return err
		}
		defer sink.Close()
		proc, err := sup.Start(ctx, procsup.Spec{Args: sc.Run.Argv, Dir: workDir, Env: sc.Env, Output: sink})
		if err != nil {
			return fmt.Errorf("run: %w", err)
		}
		defer func() { _ = sup.Stop(context.WithoutCancel(ctx), proc, false) }()
		fmt.Fprintf(cmd.OutOrStdout(), "run pid %d, output in %s\n", proc.PID(), runLog)
	}

	d, err := runtest.NewSessionDriver(sc.Session, log())
	if err != nil {
		return err
	}
	if debugTranscript != "" {
		tf, err := procsup.AppendSink(debugTranscript)
		if err != nil {
			return err
		}
		defer tf.Close()
		d.Transcript = tf
	}

	proc, err := sup.Start(ctx, procsup.Spec{
		Args:        sc.Session.Argv,
		Dir:         workDir,
		Env:         sc.Env,
		Interactive: true,
		TTY:         sc.Session.TTY,
	})
	if err != nil {
		return fmt.Errorf("session: %w", err)
	}
	if err := d.Attach(sup, proc); err != nil {
		_ = sup.Stop(ctx, proc, true)
		return fmt.Errorf("session: %w", err)
	}
	defer func() {
		if err := d.Close(context.WithoutCancel(ctx)); err != nil {
			log().Warn("session close", "error", err)
		}
	}()

	dbg := debugger.New(script, d)
	dbg.SetOutput(cmd.OutOrStdout())
	if in := cmd.InOrStdin(); in != os.Stdin {
		dbg.SetInput(in)
	}
	return dbg.Run(ctx)
}

// debugLookup loads the registry and picks the script for the scenario.
func debugLookup(root, name string, sc *schema.Scenario) (*session.Script, error) {
	path := debugScripts
	if path == "" {
		path = filepath.Join(root, runtest.ScriptsFile)
	}
	reg, err := session.LoadRegistry(path)
	if err != nil {
		return nil, fmt.Errorf("load scripts: %w", err)
	}

	var builder tgversion.Version
	if debugBuilder != "" {
		if builder, err = tgversion.Parse(debugBuilder); err != nil {
			return nil, err
		}
	} else if info, err := tgversion.Builder(); err == nil {
		builder = info.Builder
	} else {
		log().Warn("builder version unknown", "error", err)
	}

	key := debugScript
	if key == "" {
		key = sc.Session.Script
	}
	if key == "" {
		key = name
	}
	return reg.Lookup(key, builder)
}

func init() {
	debugCmd.Flags().StringVar(&debugScripts, "scripts", "", "Session scripts file (default {root}/scripts.yaml)")
	debugCmd.Flags().StringVar(&debugScript, "script", "", "Scenario key to look the script up under (default session.script or the scenario name)")
	debugCmd.Flags().StringVar(&debugBuilder, "builder", "", "Builder version to select the script for (default resolved)")
	debugCmd.Flags().BoolVar(&debugWithRun, "with-run", false, "Launch the run command before the session")
	debugCmd.Flags().StringVar(&debugTranscript, "transcript", "", "Append the session transcript to this file")
}
