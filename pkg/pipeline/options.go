package pipeline

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-logr/logr"
	digest "github.com/opencontainers/go-digest"
)

// DefaultPort is the single TCP port the launched process serves on.
const DefaultPort = 5000

// DefaultInstallTimeout bounds a cold dependency install.
const DefaultInstallTimeout = 15 * time.Minute

// DefaultReadyTimeout bounds the optional readiness probe.
const DefaultReadyTimeout = 60 * time.Second

// BuildOptions configures one build attempt: install pinned dependencies
// into a fresh environment, then stage the source tree into it.
type BuildOptions struct {
	ContextDir        string
	ManifestPath      string
	PythonBin         string
	InstallTimeout    time.Duration
	DisableLayerCache bool
	EnvRoot           string
	LayerCacheDir     string
	InstallOutput     io.Writer
	Logger            logr.Logger
	PhaseEmitter      PhaseEmitter
}

// RunOptions configures a full build-and-launch: BuildOptions plus the
// launch contract for the single foreground process.
type RunOptions struct {
	BuildOptions

	// EnvID launches an already promoted environment instead of building.
	EnvID string

	Port         int
	Entrypoint   []string
	ExtraEnv     []string
	Stdout       io.Writer
	Stderr       io.Writer
	WaitReady    bool
	ReadyTimeout time.Duration
}

// BuildResult describes a finished build attempt.
type BuildResult struct {
	BuildID            string
	EnvID              string
	EnvDir             string
	ManifestDigest     digest.Digest
	SourceDigest       digest.Digest
	InterpreterVersion string
	LayerCacheHit      bool
	State              State
	PhaseDurations     map[State]time.Duration
}

// RunResult describes a finished launch. ExitCode is the child's own exit
// status, passed through unmodified.
type RunResult struct {
	Build    *BuildResult
	ExitCode int
	State    State
}

// PhaseEmitter records lifecycle transitions for a build attempt.
// Implementations should be fast and non-blocking.
type PhaseEmitter interface {
	EmitPhase(state State, message string)
}

type PhaseEmitterFunc func(state State, message string)

func (f PhaseEmitterFunc) EmitPhase(state State, message string) {
	if f == nil {
		return
	}
	f(state, message)
}

// Runner defines the programmable contract for driving the pipeline.
type Runner interface {
	Build(ctx context.Context, opts BuildOptions) (*BuildResult, error)
	Run(ctx context.Context, opts RunOptions) (*RunResult, error)
}

// DefaultEnvRoot returns where promoted environments live.
func DefaultEnvRoot() string {
	if v := os.Getenv("SLIPWAY_HOME"); v != "" {
		return filepath.Join(v, "envs")
	}
	if cacheDir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(cacheDir, "slipway", "envs")
	}
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		return filepath.Join(home, ".cache", "slipway", "envs")
	}
	return filepath.Join(os.TempDir(), "slipway-envs")
}

// DefaultLayerCacheDir returns where sealed dependency layers live.
func DefaultLayerCacheDir() string {
	if v := os.Getenv("SLIPWAY_LAYER_CACHE"); v != "" {
		return v
	}
	if v := os.Getenv("SLIPWAY_HOME"); v != "" {
		return filepath.Join(v, "layers")
	}
	if cacheDir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(cacheDir, "slipway", "layers")
	}
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		return filepath.Join(home, ".cache", "slipway", "layers")
	}
	return filepath.Join(os.TempDir(), "slipway-layers")
}

// DefaultPythonBin returns the interpreter used for venv creation and
// installs, preferring an explicit override.
func DefaultPythonBin() string {
	if v := os.Getenv("SLIPWAY_PYTHON"); v != "" {
		return v
	}
	return "python3"
}

// DefaultManifestPath resolves the conventional manifest location inside a
// build context.
func DefaultManifestPath(contextDir string) string {
	return filepath.Join(contextDir, "requirements.txt")
}

// DefaultEntrypoint is the launch command when the project declares none.
func DefaultEntrypoint() []string {
	return []string{"python", "app.py"}
}

// SanitizeEnvName derives a readable environment name prefix from the
// context path.
func SanitizeEnvName(contextDir string) string {
	base := filepath.Base(contextDir)
	if base == "." || base == string(filepath.Separator) {
		base = "workspace"
	}
	sanitized := strings.ToLower(base)
	sanitized = strings.ReplaceAll(sanitized, " ", "-")
	sanitized = strings.ReplaceAll(sanitized, "_", "-")
	sanitized = strings.Trim(sanitized, "-.")
	if sanitized == "" {
		sanitized = "workspace"
	}
	return sanitized
}
