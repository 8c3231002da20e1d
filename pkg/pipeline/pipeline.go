// File: pkg/pipeline/pipeline.go
// Brief: The build-and-launch pipeline: install, stage, launch, wait.

// Package pipeline turns a build context and a pinned manifest into a
// promoted runtime environment, and launches the environment's single
// foreground process. Stages run strictly in order, every failure maps to
// one of three unrecoverable error classes, and a failed or canceled build
// never promotes a half-built environment.
package pipeline

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	digest "github.com/opencontainers/go-digest"

	"github.com/example/slipway/internal/envstore"
	"github.com/example/slipway/internal/gitinfo"
	"github.com/example/slipway/internal/installer"
	"github.com/example/slipway/internal/launcher"
	"github.com/example/slipway/internal/stager"
	"github.com/example/slipway/pkg/manifest"
)

type defaultRunner struct{}

// NewRunner returns the default pipeline implementation used by the CLI.
func NewRunner() Runner {
	return defaultRunner{}
}

func (defaultRunner) Build(ctx context.Context, opts BuildOptions) (*BuildResult, error) {
	return Build(ctx, opts)
}

func (defaultRunner) Run(ctx context.Context, opts RunOptions) (*RunResult, error) {
	return Run(ctx, opts)
}

// Build runs Installing and Staging and promotes the environment.
func Build(ctx context.Context, opts BuildOptions) (*BuildResult, error) {
	m := NewMachine()
	res, err := build(ctx, &opts, m)
	if err != nil {
		return res, err
	}
	return res, nil
}

// Run builds (or loads) an environment and launches its entry point,
// blocking until the child exits. The child's exit code passes through in
// the result.
func Run(ctx context.Context, opts RunOptions) (*RunResult, error) {
	applyRunDefaults(&opts)
	m := NewMachine()

	var buildRes *BuildResult
	var rec envstore.Record
	store := envstore.New(opts.EnvRoot)

	if opts.EnvID != "" {
		loaded, err := store.Load(opts.EnvID)
		if err != nil {
			return nil, &LaunchError{Detail: "load environment", Err: err}
		}
		rec = loaded
		// The machine still walks Installing and Staging so the lifecycle
		// stays single-shaped; both are no-ops for a promoted environment.
		if err := m.Advance(StateInstalling); err != nil {
			return nil, err
		}
		if err := m.Advance(StateStaging); err != nil {
			return nil, err
		}
		buildRes = &BuildResult{
			EnvID:              rec.ID,
			EnvDir:             store.EnvDir(rec.ID),
			ManifestDigest:     digest.Digest(rec.ManifestDigest),
			SourceDigest:       digest.Digest(rec.SourceDigest),
			InterpreterVersion: rec.InterpreterVersion,
			State:              m.Current(),
			PhaseDurations:     map[State]time.Duration{},
		}
	} else {
		built, err := build(ctx, &opts.BuildOptions, m)
		if err != nil {
			return &RunResult{Build: built, ExitCode: -1, State: m.Current()}, err
		}
		buildRes = built
	}

	entrypoint := opts.Entrypoint
	if len(entrypoint) == 0 {
		entrypoint = DefaultEntrypoint()
	}
	port := opts.Port

	emit := emitter(opts.PhaseEmitter)
	if err := m.Advance(StateLaunching); err != nil {
		return nil, err
	}
	emit(StateLaunching, "starting "+entrypoint[0])

	launchStart := time.Now()
	proc, err := launcher.Start(ctx, launcher.Options{
		Entrypoint: entrypoint,
		WorkDir:    filepath.Join(buildRes.EnvDir, envstore.AppDirName),
		VenvDir:    filepath.Join(buildRes.EnvDir, envstore.VenvDirName),
		Port:       port,
		EnvID:      buildRes.EnvID,
		ExtraEnv:   opts.ExtraEnv,
		Stdout:     opts.Stdout,
		Stderr:     opts.Stderr,
		Logger:     opts.Logger,
	})
	if err != nil {
		crash(m, emit, err)
		buildRes.PhaseDurations[StateLaunching] = time.Since(launchStart)
		return &RunResult{Build: buildRes, ExitCode: -1, State: m.Current()},
			&LaunchError{Detail: "start entry point", Err: err}
	}

	if opts.WaitReady {
		addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
		if err := proc.WaitReady(ctx, addr, opts.ReadyTimeout); err != nil {
			_ = proc.Stop(context.WithoutCancel(ctx))
			crash(m, emit, err)
			buildRes.PhaseDurations[StateLaunching] = time.Since(launchStart)
			return &RunResult{Build: buildRes, ExitCode: -1, State: m.Current()},
				&LaunchError{Detail: "readiness probe", Err: err}
		}
	}
	buildRes.PhaseDurations[StateLaunching] = time.Since(launchStart)

	if err := m.Advance(StateRunning); err != nil {
		return nil, err
	}
	emit(StateRunning, fmt.Sprintf("pid %d serving on port %d", proc.Pid(), port))

	runStart := time.Now()
	code, waitErr := proc.Wait()
	buildRes.PhaseDurations[StateRunning] = time.Since(runStart)
	if waitErr != nil {
		crash(m, emit, waitErr)
		return &RunResult{Build: buildRes, ExitCode: -1, State: m.Current()},
			&LaunchError{Detail: "wait for entry point", Err: waitErr}
	}

	final := StateExited
	if code != 0 {
		final = StateCrashed
	}
	if err := m.Advance(final); err != nil {
		return nil, err
	}
	emit(final, fmt.Sprintf("exit status %d", code))
	buildRes.State = m.Current()
	return &RunResult{Build: buildRes, ExitCode: code, State: m.Current()}, nil
}

// build drives Installing and Staging on the caller's machine so Run can
// continue the same lifecycle into Launching.
func build(ctx context.Context, opts *BuildOptions, m *Machine) (*BuildResult, error) {
	applyBuildDefaults(opts)
	emit := emitter(opts.PhaseEmitter)
	store := envstore.New(opts.EnvRoot)

	envID := fmt.Sprintf("%s-%s", SanitizeEnvName(opts.ContextDir), uuid.NewString()[:8])
	res := &BuildResult{
		BuildID:        uuid.NewString(),
		EnvID:          envID,
		EnvDir:         store.EnvDir(envID),
		State:          m.Current(),
		PhaseDurations: map[State]time.Duration{},
	}

	if err := m.Advance(StateInstalling); err != nil {
		return res, err
	}
	emit(StateInstalling, "resolving pinned dependencies")
	installStart := time.Now()

	fail := func(err error) (*BuildResult, error) {
		_ = store.Discard(envID)
		crash(m, emit, err)
		res.State = m.Current()
		return res, err
	}

	man, err := manifest.Load(opts.ManifestPath)
	if err != nil {
		return fail(&ResolutionError{Detail: "parse manifest", Err: err})
	}
	res.ManifestDigest = man.Digest()

	stageDir, err := store.Begin(envID)
	if err != nil {
		return fail(&ResolutionError{Detail: "prepare environment", Err: err})
	}

	installRes, err := installer.Install(ctx, installer.Options{
		PythonBin:    opts.PythonBin,
		Manifest:     man,
		VenvDir:      filepath.Join(stageDir, envstore.VenvDirName),
		CacheDir:     opts.LayerCacheDir,
		DisableCache: opts.DisableLayerCache,
		Timeout:      opts.InstallTimeout,
		Output:       opts.InstallOutput,
		Logger:       opts.Logger,
	})
	if err != nil {
		return fail(&ResolutionError{Detail: "install pinned dependencies", Err: err})
	}
	res.InterpreterVersion = installRes.InterpreterVersion
	res.LayerCacheHit = installRes.CacheHit
	res.PhaseDurations[StateInstalling] = time.Since(installStart)

	if err := m.Advance(StateStaging); err != nil {
		return res, err
	}
	emit(StateStaging, "staging source tree")
	stageStart := time.Now()

	stageRes, err := stager.Stage(ctx, stager.Options{
		ContextDir: opts.ContextDir,
		DestDir:    filepath.Join(stageDir, envstore.AppDirName),
	})
	if err != nil {
		return fail(&StagingError{Detail: "copy source tree", Err: err})
	}
	res.SourceDigest = stageRes.Digest
	res.PhaseDurations[StateStaging] = time.Since(stageStart)

	rec := envstore.Record{
		Name:               SanitizeEnvName(opts.ContextDir),
		ContextDir:         absOrSame(opts.ContextDir),
		ManifestDigest:     res.ManifestDigest.String(),
		SourceDigest:       res.SourceDigest.String(),
		InterpreterVersion: res.InterpreterVersion,
		State:              "Ready",
		LayerCacheHit:      res.LayerCacheHit,
		CreatedAt:          time.Now().UTC(),
	}
	stampGitProvenance(ctx, &rec, opts.ContextDir)
	if err := store.Promote(envID, rec); err != nil {
		return fail(&StagingError{Detail: "promote environment", Err: err})
	}

	res.State = m.Current()
	opts.Logger.Info("environment promoted", "env", envID,
		"manifest", res.ManifestDigest.String(), "source", res.SourceDigest.String(),
		"layerCacheHit", res.LayerCacheHit)
	return res, nil
}

func applyBuildDefaults(opts *BuildOptions) {
	if opts.ContextDir == "" {
		opts.ContextDir = "."
	}
	if opts.ManifestPath == "" {
		opts.ManifestPath = DefaultManifestPath(opts.ContextDir)
	}
	if opts.PythonBin == "" {
		opts.PythonBin = DefaultPythonBin()
	}
	if opts.InstallTimeout == 0 {
		opts.InstallTimeout = DefaultInstallTimeout
	}
	if opts.EnvRoot == "" {
		opts.EnvRoot = DefaultEnvRoot()
	}
	if opts.LayerCacheDir == "" {
		opts.LayerCacheDir = DefaultLayerCacheDir()
	}
	if opts.Logger.GetSink() == nil {
		opts.Logger = logr.Discard()
	}
}

func applyRunDefaults(opts *RunOptions) {
	applyBuildDefaults(&opts.BuildOptions)
	if opts.Port == 0 {
		opts.Port = DefaultPort
	}
	if opts.ReadyTimeout == 0 {
		opts.ReadyTimeout = DefaultReadyTimeout
	}
}

func emitter(pe PhaseEmitter) func(State, string) {
	return func(state State, message string) {
		if pe == nil {
			return
		}
		pe.EmitPhase(state, message)
	}
}

func crash(m *Machine, emit func(State, string), cause error) {
	if m.Current().Terminal() {
		return
	}
	if err := m.Advance(StateCrashed); err == nil {
		emit(StateCrashed, cause.Error())
	}
}

func absOrSame(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return path
}

// stampGitProvenance records the context's commit when it lives in a git
// repository. Best effort: a missing git binary or a plain directory leaves
// the record unstamped.
func stampGitProvenance(ctx context.Context, rec *envstore.Record, contextDir string) {
	gitCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	commit, dirty, err := gitinfo.Head(gitCtx, contextDir)
	if err != nil {
		return
	}
	rec.GitCommit = commit
	rec.GitDirty = dirty
}
