// File: cmd/slipway/build_flags_test.go
// Brief: CLI command wiring and implementation for 'build flags'.

package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/example/slipway/pkg/pipeline"
)

type recordingRunner struct {
	buildCalls int
	runCalls   int
	lastBuild  pipeline.BuildOptions
	lastRun    pipeline.RunOptions
	buildRes   *pipeline.BuildResult
	runRes     *pipeline.RunResult
	buildErr   error
	runErr     error
}

func (r *recordingRunner) Build(_ context.Context, opts pipeline.BuildOptions) (*pipeline.BuildResult, error) {
	r.buildCalls++
	r.lastBuild = opts
	if r.buildErr != nil {
		return nil, r.buildErr
	}
	if r.buildRes != nil {
		return r.buildRes, nil
	}
	return promotedResult(), nil
}

func (r *recordingRunner) Run(_ context.Context, opts pipeline.RunOptions) (*pipeline.RunResult, error) {
	r.runCalls++
	r.lastRun = opts
	if r.runErr != nil {
		return &pipeline.RunResult{Build: promotedResult(), ExitCode: -1, State: pipeline.StateCrashed}, r.runErr
	}
	if r.runRes != nil {
		return r.runRes, nil
	}
	return &pipeline.RunResult{Build: promotedResult(), ExitCode: 0, State: pipeline.StateExited}, nil
}

func promotedResult() *pipeline.BuildResult {
	return &pipeline.BuildResult{
		BuildID:            "bld-0001",
		EnvID:              "demo-1a2b3c4d",
		EnvDir:             "/tmp/envs/demo-1a2b3c4d",
		ManifestDigest:     digest.FromString("manifest"),
		SourceDigest:       digest.FromString("source"),
		InterpreterVersion: "Python 3.12.1",
		LayerCacheHit:      true,
		State:              pipeline.StateStaging,
		PhaseDurations: map[pipeline.State]time.Duration{
			pipeline.StateInstalling: 1500 * time.Millisecond,
			pipeline.StateStaging:    200 * time.Millisecond,
		},
	}
}

func TestBuildCommandFlagPropagation(t *testing.T) {
	t.Setenv("SLIPWAY_HOME", t.TempDir())
	ctxDir := t.TempDir()
	envRoot := t.TempDir()
	cacheDir := t.TempDir()

	rec := &recordingRunner{}
	logLevel := "info"
	cmd := newBuildCommand(rec, &logLevel)
	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.SetArgs([]string{
		"--manifest", "pins.txt",
		"--python", "python3.12",
		"--install-timeout", "90s",
		"--no-layer-cache",
		"--env-root", envRoot,
		"--layer-cache-dir", cacheDir,
		"--color", "never",
		"--quiet",
		ctxDir,
	})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("command returned error: %v", err)
	}

	opts := rec.lastBuild
	if opts.ContextDir != ctxDir {
		t.Fatalf("context dir mismatch: %s", opts.ContextDir)
	}
	if opts.ManifestPath != "pins.txt" {
		t.Fatalf("manifest not propagated: %s", opts.ManifestPath)
	}
	if opts.PythonBin != "python3.12" {
		t.Fatalf("python not propagated: %s", opts.PythonBin)
	}
	if opts.InstallTimeout != 90*time.Second {
		t.Fatalf("install timeout not parsed: %s", opts.InstallTimeout)
	}
	if !opts.DisableLayerCache {
		t.Fatalf("no-layer-cache not propagated")
	}
	if opts.EnvRoot != envRoot || opts.LayerCacheDir != cacheDir {
		t.Fatalf("directories not propagated: %s %s", opts.EnvRoot, opts.LayerCacheDir)
	}
	if opts.PhaseEmitter != nil {
		t.Fatalf("quiet build should not attach a phase emitter")
	}
	if got := stdout.String(); got != "demo-1a2b3c4d\n" {
		t.Fatalf("quiet output should be just the env ID, got %q", got)
	}
}

func TestBuildCommandMissingContextShowsHelp(t *testing.T) {
	t.Setenv("SLIPWAY_HOME", t.TempDir())
	rec := &recordingRunner{}
	logLevel := "info"
	cmd := newBuildCommand(rec, &logLevel)
	stdout := &bytes.Buffer{}
	cmd.SetOut(stdout)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(nil)

	if err := cmd.Execute(); err != nil {
		t.Fatalf("missing context should print help, not fail: %v", err)
	}
	if rec.buildCalls != 0 {
		t.Fatalf("pipeline must not run without a context")
	}
	if !strings.Contains(stdout.String(), "Usage:") {
		t.Fatalf("expected help output, got %q", stdout.String())
	}
}

func TestBuildCommandRejectsExtraArgs(t *testing.T) {
	t.Setenv("SLIPWAY_HOME", t.TempDir())
	rec := &recordingRunner{}
	logLevel := "info"
	cmd := newBuildCommand(rec, &logLevel)
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"a", "b"})

	err := cmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "exactly one context") {
		t.Fatalf("expected arg-count error, got %v", err)
	}
	if rec.buildCalls != 0 {
		t.Fatalf("pipeline must not run on bad arguments")
	}
}

func TestBuildCommandProjectFileLayersUnderFlags(t *testing.T) {
	t.Setenv("SLIPWAY_HOME", t.TempDir())
	ctxDir := t.TempDir()
	project := "manifest: pins/base.txt\npython: python3.11\n"
	if err := os.WriteFile(filepath.Join(ctxDir, "slipway.yaml"), []byte(project), 0o644); err != nil {
		t.Fatalf("write project: %v", err)
	}

	rec := &recordingRunner{}
	logLevel := "info"
	cmd := newBuildCommand(rec, &logLevel)
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--python", "python3.12", "--quiet", ctxDir})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("command returned error: %v", err)
	}
	if want := filepath.Join(ctxDir, "pins/base.txt"); rec.lastBuild.ManifestPath != want {
		t.Fatalf("project manifest not applied: got %s, want %s", rec.lastBuild.ManifestPath, want)
	}
	if rec.lastBuild.PythonBin != "python3.12" {
		t.Fatalf("flag should win over project file: %s", rec.lastBuild.PythonBin)
	}
}

func TestBuildCommandPrintsSummary(t *testing.T) {
	t.Setenv("SLIPWAY_HOME", t.TempDir())
	ctxDir := t.TempDir()
	rec := &recordingRunner{}
	logLevel := "info"
	cmd := newBuildCommand(rec, &logLevel)
	stdout := &bytes.Buffer{}
	cmd.SetOut(stdout)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--color", "never", ctxDir})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("command returned error: %v", err)
	}
	out := stdout.String()
	for _, want := range []string{"Environment: demo-1a2b3c4d", "Interpreter: Python 3.12.1", "Layer cache: hit", "Telemetry:"} {
		if !strings.Contains(out, want) {
			t.Fatalf("summary missing %q in:\n%s", want, out)
		}
	}
}

func TestBuildCommandJournalsAttempt(t *testing.T) {
	home := t.TempDir()
	t.Setenv("SLIPWAY_HOME", home)
	ctxDir := t.TempDir()
	rec := &recordingRunner{}
	logLevel := "info"
	cmd := newBuildCommand(rec, &logLevel)
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--quiet", ctxDir})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("command returned error: %v", err)
	}
	if _, err := os.Stat(filepath.Join(home, "history.db")); err != nil {
		t.Fatalf("expected attempt journal at SLIPWAY_HOME: %v", err)
	}
}
