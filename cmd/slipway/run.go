// run.go exposes 'slipway run': the full pipeline ending in a launched foreground process whose exit code passes through.
package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/slipway/internal/config"
	"github.com/example/slipway/internal/ui"
	"github.com/example/slipway/pkg/pipeline"
)

func newRunCommand(runner pipeline.Runner, logLevel *string) *cobra.Command {
	cfg := config.NewOptions()
	var logFile string
	var quiet bool
	cmd := &cobra.Command{
		Use:   "run [CONTEXT]",
		Short: "Build an environment and launch its entry point on the fixed port",
		Long:  "run drives the full pipeline: install pinned dependencies, stage source, launch the single foreground process, and block until it exits. With --env it launches an already promoted environment instead of building. The child's exit code becomes slipway's exit code.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			switch {
			case len(args) == 0 && cfg.EnvID == "":
				return errors.New("'slipway run' needs a CONTEXT argument or --env ID")
			case len(args) > 0 && cfg.EnvID != "":
				return errors.New("cannot combine a CONTEXT argument with --env")
			}
			if len(args) > 0 {
				cfg.ContextDir = args[0]
			}
			return runRunCommand(cmd, runner, cfg, *logLevel, logFile, quiet)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cfg.BindBuildFlags(cmd.Flags())
	cfg.BindLaunchFlags(cmd.Flags())
	cmd.Flags().StringVar(&logFile, "logfile", "", "Log to file instead of stderr")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Suppress phase output; only the child's streams appear")
	decorateCommandHelp(cmd, "Run Flags")
	return cmd
}

func runRunCommand(cmd *cobra.Command, runner pipeline.Runner, cfg *config.Options, logLevel, logFile string, quiet bool) error {
	if cfg.ContextDir != "" {
		project, err := config.LoadProject(cfg.ContextDir)
		if err != nil {
			return err
		}
		cfg.ApplyProject(project, cmd.Flags().Changed)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	ui.ApplyColorMode(cfg.ColorMode)

	logger, flush, err := buildLogger(logLevel, logFile)
	if err != nil {
		return err
	}
	defer flush()

	errOut := cmd.ErrOrStderr()
	_, isTTY := ui.TerminalWidth(errOut)
	var console *ui.PhaseConsole
	var emitter pipeline.PhaseEmitter
	if !quiet {
		console = ui.NewPhaseConsole(errOut, ui.PhaseConsoleOptions{Animate: isTTY})
		emitter = console
	}

	start := time.Now()
	res, runErr := runner.Run(cmd.Context(), pipeline.RunOptions{
		BuildOptions: pipeline.BuildOptions{
			ContextDir:        cfg.ContextDir,
			ManifestPath:      cfg.ManifestPath,
			PythonBin:         cfg.PythonBin,
			InstallTimeout:    cfg.InstallTimeout,
			DisableLayerCache: cfg.NoLayerCache,
			EnvRoot:           cfg.EnvRoot,
			LayerCacheDir:     cfg.LayerCacheDir,
			Logger:            logger,
			PhaseEmitter:      emitter,
		},
		EnvID:        cfg.EnvID,
		Port:         cfg.Port,
		Entrypoint:   cfg.Entrypoint,
		ExtraEnv:     cfg.EnvVars,
		Stdout:       cmd.OutOrStdout(),
		Stderr:       cmd.ErrOrStderr(),
		WaitReady:    cfg.WaitReady,
		ReadyTimeout: cfg.ReadyTimeout,
	})
	console.Done(runErr == nil)

	var buildRes *pipeline.BuildResult
	if res != nil {
		buildRes = res.Build
	}
	recordAttempt(cmd.Context(), logger, cfg.ContextDir, buildRes, res, runErr, start)
	if runErr != nil {
		return runErr
	}
	if res.ExitCode != 0 {
		// Pass the child's code through without re-reporting its failure.
		return &exitStatusError{code: res.ExitCode}
	}
	if !quiet {
		fmt.Fprintf(cmd.ErrOrStderr(), "%s exited cleanly after %s\n",
			res.Build.EnvID, time.Since(start).Round(10*time.Millisecond))
	}
	return nil
}
