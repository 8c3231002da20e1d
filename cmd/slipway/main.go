// main.go bootstraps slipway: it builds the root Cobra command and executes with a signal-aware context.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/example/slipway/internal/config"
	"github.com/example/slipway/pkg/pipeline"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rootCmd := newRootCommand()
	err := rootCmd.ExecuteContext(ctx)
	handleError(err)
	if err != nil {
		os.Exit(exitCodeFor(err))
	}
}

func newRootCommand() *cobra.Command {
	logLevel := "info"
	runner := pipeline.NewRunner()
	cmd := &cobra.Command{
		Use:           "slipway",
		Short:         "Deterministic build-and-launch pipeline for pinned Python web services",
		Long:          "slipway installs exactly pinned dependencies into an isolated environment, stages the application source on top, and launches the single foreground process on its fixed port.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", logLevel, "Log level for slipway output (debug, info, warn, error)")

	buildCmd := newBuildCommand(runner, &logLevel)
	runCmd := newRunCommand(runner, &logLevel)
	manifestCmd := newManifestCommand()
	envsCmd := newEnvsCommand()
	historyCmd := newHistoryCommand()
	envCmd := newEnvCommand()
	cmd.AddCommand(
		buildCmd,
		runCmd,
		manifestCmd,
		envsCmd,
		historyCmd,
		envCmd,
		newVersionCommand(),
	)
	cmd.Example = `  # Build an environment from the current directory
  slipway build .

  # Build and launch, blocking until the app accepts on port 5000
  slipway run . --wait-ready

  # Relaunch a promoted environment without rebuilding
  slipway run --env demo-1a2b3c4d --entrypoint "gunicorn app:app"`
	decorateCommandHelp(cmd, "Global Flags")
	bindViper(cmd, buildCmd, runCmd, manifestCmd, envsCmd, historyCmd, envCmd)
	return cmd
}

func bindViper(commands ...*cobra.Command) {
	if len(commands) == 0 {
		return
	}
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.SetEnvPrefix("SLIPWAY")
	v.AutomaticEnv()
	configFile := config.ExpandUser(os.Getenv("SLIPWAY_CONFIG"))
	configureConfigFile(v, configFile)

	cobra.OnInitialize(func() {
		for _, cmd := range commands {
			if err := v.BindPFlags(cmd.Flags()); err != nil {
				cobra.CheckErr(err)
			}
			if err := v.BindPFlags(cmd.PersistentFlags()); err != nil {
				cobra.CheckErr(err)
			}
		}
		if err := readConfigFile(v, configFile != ""); err != nil {
			cobra.CheckErr(err)
		}
		for _, cmd := range commands {
			flagSets := []*pflag.FlagSet{cmd.Flags(), cmd.PersistentFlags()}
			for _, fs := range flagSets {
				fs.VisitAll(func(f *pflag.Flag) {
					if f.Changed {
						return
					}
					if !v.IsSet(f.Name) {
						return
					}
					val := fmt.Sprintf("%v", v.Get(f.Name))
					if val != "" {
						_ = f.Value.Set(val)
					}
				})
			}
		}
	})
}

func configureConfigFile(v *viper.Viper, explicitPath string) {
	if explicitPath != "" {
		v.SetConfigFile(explicitPath)
		return
	}
	v.SetConfigName("config")
	for _, dir := range configSearchDirs() {
		v.AddConfigPath(dir)
	}
}

func readConfigFile(v *viper.Viper, strict bool) error {
	if err := v.ReadInConfig(); err != nil {
		var cfgErr viper.ConfigFileNotFoundError
		if errors.As(err, &cfgErr) && !strict {
			return nil
		}
		return err
	}
	return nil
}

func configSearchDirs() []string {
	added := make(map[string]struct{})
	var dirs []string
	add := func(path string) {
		if path == "" {
			return
		}
		if _, ok := added[path]; ok {
			return
		}
		added[path] = struct{}{}
		dirs = append(dirs, path)
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		add(filepath.Join(xdg, "slipway"))
	}
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		add(filepath.Join(home, ".config", "slipway"))
		add(filepath.Join(home, ".slipway"))
	}
	return dirs
}

// exitStatusError carries a launched child's exit code through Cobra so the
// process can pass it through unmodified.
type exitStatusError struct {
	code int
}

func (e *exitStatusError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

func exitCodeFor(err error) int {
	var exitErr *exitStatusError
	if errors.As(err, &exitErr) {
		return exitErr.code
	}
	return 1
}

func handleError(err error) {
	if err == nil || errors.Is(err, pflag.ErrHelp) {
		return
	}
	var exitErr *exitStatusError
	if errors.As(err, &exitErr) {
		// The child's own output already reported the failure.
		return
	}
	message := err.Error()
	var resErr *pipeline.ResolutionError
	var stageErr *pipeline.StagingError
	var launchErr *pipeline.LaunchError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		message = fmt.Sprintf("%s\nHint: raise --install-timeout or --ready-timeout.", err)
	case errors.As(err, &resErr):
		message = fmt.Sprintf("%s\nHint: every manifest entry must be an exact name==version pin and the interpreter must be on PATH.", err)
	case errors.As(err, &stageErr):
		message = fmt.Sprintf("%s\nHint: check the context path and any .slipwayignore patterns.", err)
	case errors.As(err, &launchErr):
		message = fmt.Sprintf("%s\nHint: check the entry point command; 'slipway envs inspect ID' shows what was staged.", err)
	}
	fmt.Fprintf(os.Stderr, "Error: %s\n", message)
}
