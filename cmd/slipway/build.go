// build.go exposes 'slipway build': install pinned dependencies into a fresh environment, then stage the source tree on top.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	"github.com/example/slipway/internal/config"
	"github.com/example/slipway/internal/history"
	"github.com/example/slipway/internal/logging"
	"github.com/example/slipway/internal/telemetry"
	"github.com/example/slipway/internal/ui"
	"github.com/example/slipway/pkg/pipeline"
)

func newBuildCommand(runner pipeline.Runner, logLevel *string) *cobra.Command {
	cfg := config.NewOptions()
	var logFile string
	var quiet bool
	cmd := &cobra.Command{
		Use:   "build CONTEXT",
		Short: "Install pinned dependencies and stage source into a new environment",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireContextArg(args); err != nil {
				if errors.Is(err, errMissingContext) {
					_ = cmd.Help()
					return nil
				}
				return err
			}
			cfg.ContextDir = args[0]
			return runBuildCommand(cmd, runner, cfg, *logLevel, logFile, quiet)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cfg.BindBuildFlags(cmd.Flags())
	cmd.Flags().StringVar(&logFile, "logfile", "", "Log to file instead of stderr")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Only print the promoted environment ID")
	decorateCommandHelp(cmd, "Build Flags")
	return cmd
}

var errMissingContext = errors.New("'slipway build' requires 1 argument (CONTEXT). Try '.' for the current directory")

func requireContextArg(args []string) error {
	switch {
	case len(args) == 0:
		return errMissingContext
	case len(args) > 1:
		return fmt.Errorf("accepts exactly one context argument, received %d", len(args))
	default:
		return nil
	}
}

func runBuildCommand(cmd *cobra.Command, runner pipeline.Runner, cfg *config.Options, logLevel, logFile string, quiet bool) error {
	project, err := config.LoadProject(cfg.ContextDir)
	if err != nil {
		return err
	}
	cfg.ApplyProject(project, cmd.Flags().Changed)
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
	res, buildErr := runner.Build(cmd.Context(), pipeline.BuildOptions{
		ContextDir:        cfg.ContextDir,
		ManifestPath:      cfg.ManifestPath,
		PythonBin:         cfg.PythonBin,
		InstallTimeout:    cfg.InstallTimeout,
		DisableLayerCache: cfg.NoLayerCache,
		EnvRoot:           cfg.EnvRoot,
		LayerCacheDir:     cfg.LayerCacheDir,
		Logger:            logger,
		PhaseEmitter:      emitter,
	})
	console.Done(buildErr == nil)
	recordAttempt(cmd.Context(), logger, cfg.ContextDir, res, nil, buildErr, start)
	if buildErr != nil {
		return buildErr
	}
	printBuildResult(cmd.OutOrStdout(), res, quiet, time.Since(start))
	return nil
}

func printBuildResult(out io.Writer, res *pipeline.BuildResult, quiet bool, elapsed time.Duration) {
	if quiet {
		fmt.Fprintln(out, res.EnvID)
		return
	}
	fmt.Fprintf(out, "Environment: %s\n", res.EnvID)
	fmt.Fprintf(out, "Manifest:    %s\n", res.ManifestDigest)
	fmt.Fprintf(out, "Source:      %s\n", res.SourceDigest)
	fmt.Fprintf(out, "Interpreter: %s\n", res.InterpreterVersion)
	disposition := "miss"
	if res.LayerCacheHit {
		disposition = "hit"
	}
	fmt.Fprintf(out, "Layer cache: %s\n", disposition)
	summary := telemetry.Summary{
		Total:  elapsed,
		Phases: phaseDurationMap(res),
	}
	if res.LayerCacheHit {
		summary.CacheHits = 1
	} else {
		summary.CacheMisses = 1
	}
	if line := summary.Line(); line != "" {
		fmt.Fprintln(out, line)
	}
}

func phaseDurationMap(res *pipeline.BuildResult) map[string]time.Duration {
	if res == nil || len(res.PhaseDurations) == 0 {
		return nil
	}
	out := make(map[string]time.Duration, len(res.PhaseDurations))
	for state, d := range res.PhaseDurations {
		out[string(state)] = d
	}
	return out
}

func buildLogger(level, logFile string) (logr.Logger, func(), error) {
	if logFile != "" {
		return logging.NewFile(level, config.ExpandUser(logFile))
	}
	logger, err := logging.New(level)
	if err != nil {
		return logr.Logger{}, nil, err
	}
	return logger, func() {}, nil
}

// recordAttempt journals the finished attempt. The journal is advisory;
// failures to write it never fail the command.
func recordAttempt(ctx context.Context, logger logr.Logger, contextDir string, res *pipeline.BuildResult, runRes *pipeline.RunResult, attemptErr error, start time.Time) {
	store, err := history.Open(history.DefaultPath())
	if err != nil {
		logger.V(1).Info("history unavailable", "error", err.Error())
		return
	}
	defer store.Close()

	entry := history.Entry{
		ContextDir: contextDir,
		StartedAt:  start,
	}
	if res != nil {
		entry.BuildID = res.BuildID
		entry.EnvID = res.EnvID
		if contextDir != "" {
			entry.Name = pipeline.SanitizeEnvName(contextDir)
		}
		entry.ManifestDigest = res.ManifestDigest.String()
		entry.SourceDigest = res.SourceDigest.String()
		entry.Interpreter = res.InterpreterVersion
		entry.FinalState = string(res.State)
		entry.LayerCacheHit = res.LayerCacheHit
		entry.InstallDuration = res.PhaseDurations[pipeline.StateInstalling]
		entry.StageDuration = res.PhaseDurations[pipeline.StateStaging]
		entry.RunDuration = res.PhaseDurations[pipeline.StateRunning]
	}
	if runRes != nil {
		entry.FinalState = string(runRes.State)
		if attemptErr == nil {
			code := runRes.ExitCode
			entry.ExitCode = &code
		}
	}
	if attemptErr != nil {
		entry.Failure = attemptErr.Error()
	}
	// The attempt is journaled even when the pipeline was canceled.
	if err := store.Append(context.WithoutCancel(ctx), entry); err != nil {
		logger.V(1).Info("history append failed", "error", err.Error())
	}
}
