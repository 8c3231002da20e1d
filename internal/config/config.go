// File: internal/config/config.go
// Brief: Internal config package implementation for 'config'.

// Package config defines the flag plumbing and runtime options shared by
// slipway's build and run commands, translating Cobra/Viper flag values and
// the optional slipway.yaml project file into a strongly typed struct that
// the pipeline consumes.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/mattn/go-shellwords"
	"github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// ProjectFileName is the per-context declarative config, resolved against
// the build context root.
const ProjectFileName = "slipway.yaml"

// Options holds all CLI configuration used by the build and run commands.
type Options struct {
	ContextDir        string
	ManifestPath      string
	PythonBin         string
	InstallTimeoutRaw string
	InstallTimeout    time.Duration
	NoLayerCache      bool
	EnvRoot           string
	LayerCacheDir     string

	EnvID           string
	Port            int
	EntrypointRaw   string
	Entrypoint      []string
	EnvVars         []string
	WaitReady       bool
	ReadyTimeoutRaw string
	ReadyTimeout    time.Duration

	ColorMode string
}

// NewOptions returns Options with defaults applied.
func NewOptions() *Options {
	return &Options{
		InstallTimeoutRaw: "15m",
		Port:              5000,
		ReadyTimeoutRaw:   "60s",
		ColorMode:         "auto",
	}
}

// AddBuildFlags binds the build-stage flags to the provided Cobra command.
func (o *Options) AddBuildFlags(cmd *cobra.Command) {
	o.BindBuildFlags(cmd.Flags())
}

// BindBuildFlags attaches build-stage flags to an arbitrary FlagSet and
// returns the flag names for further customization.
func (o *Options) BindBuildFlags(fs *pflag.FlagSet) []string {
	var names []string
	fs.StringVarP(&o.ManifestPath, "manifest", "m", "", "Path to the pinned dependency manifest (defaults to requirements.txt in the context)")
	names = append(names, "manifest")
	fs.StringVar(&o.PythonBin, "python", "", "Interpreter used for environment creation and installs (defaults to python3 on PATH)")
	names = append(names, "python")
	fs.StringVar(&o.InstallTimeoutRaw, "install-timeout", o.InstallTimeoutRaw, "Upper bound for the dependency install, e.g. 90s, 10m")
	names = append(names, "install-timeout")
	fs.BoolVar(&o.NoLayerCache, "no-layer-cache", false, "Resolve dependencies from the index even when a sealed layer exists")
	names = append(names, "no-layer-cache")
	fs.StringVar(&o.EnvRoot, "env-root", "", "Directory holding promoted environments (defaults under the user cache dir)")
	names = append(names, "env-root")
	fs.StringVar(&o.LayerCacheDir, "layer-cache-dir", "", "Directory holding sealed dependency layers (defaults under the user cache dir)")
	names = append(names, "layer-cache-dir")
	fs.StringVar(&o.ColorMode, "color", o.ColorMode, "Force set color output. 'auto': colorize if tty attached, 'always': always colorize, 'never': never colorize")
	names = append(names, "color")
	return names
}

// BindLaunchFlags attaches the launch-stage flags used only by run.
func (o *Options) BindLaunchFlags(fs *pflag.FlagSet) []string {
	var names []string
	fs.StringVar(&o.EnvID, "env", "", "Launch a previously promoted environment by ID instead of building")
	names = append(names, "env")
	fs.IntVarP(&o.Port, "port", "p", o.Port, "TCP port the launched process serves on")
	names = append(names, "port")
	fs.StringVar(&o.EntrypointRaw, "entrypoint", "", "Launch command, shell-quoted (defaults to \"python app.py\")")
	names = append(names, "entrypoint")
	fs.StringArrayVarP(&o.EnvVars, "env-var", "e", nil, "Extra KEY=VALUE environment for the launched process; repeat for multiple")
	names = append(names, "env-var")
	fs.BoolVar(&o.WaitReady, "wait-ready", false, "Block until the process accepts a TCP connection on the port")
	names = append(names, "wait-ready")
	fs.StringVar(&o.ReadyTimeoutRaw, "ready-timeout", o.ReadyTimeoutRaw, "Upper bound for --wait-ready, e.g. 30s, 2m")
	names = append(names, "ready-timeout")
	return names
}

// Validate ensures provided options are coherent and parses raw values.
func (o *Options) Validate() error {
	if o.InstallTimeoutRaw != "" {
		dur, err := time.ParseDuration(o.InstallTimeoutRaw)
		if err != nil {
			return fmt.Errorf("invalid --install-timeout value %q: %w", o.InstallTimeoutRaw, err)
		}
		if dur <= 0 {
			return fmt.Errorf("--install-timeout must be positive, got %q", o.InstallTimeoutRaw)
		}
		o.InstallTimeout = dur
	}
	if o.ReadyTimeoutRaw != "" {
		dur, err := time.ParseDuration(o.ReadyTimeoutRaw)
		if err != nil {
			return fmt.Errorf("invalid --ready-timeout value %q: %w", o.ReadyTimeoutRaw, err)
		}
		if dur <= 0 {
			return fmt.Errorf("--ready-timeout must be positive, got %q", o.ReadyTimeoutRaw)
		}
		o.ReadyTimeout = dur
	}
	if o.Port < 1 || o.Port > 65535 {
		return fmt.Errorf("invalid --port value %d (must be between 1 and 65535)", o.Port)
	}
	if strings.TrimSpace(o.EntrypointRaw) != "" {
		args, err := shellwords.Parse(o.EntrypointRaw)
		if err != nil {
			return fmt.Errorf("parse --entrypoint: %w", err)
		}
		if len(args) == 0 {
			return fmt.Errorf("--entrypoint must contain at least one argument")
		}
		o.Entrypoint = args
	}
	for _, kv := range o.EnvVars {
		idx := strings.Index(kv, "=")
		if idx <= 0 {
			return fmt.Errorf("invalid --env-var value %q (expected KEY=VALUE)", kv)
		}
	}
	switch strings.ToLower(o.ColorMode) {
	case "", "auto":
		o.ColorMode = "auto"
	case "always":
		o.ColorMode = "always"
	case "never":
		o.ColorMode = "never"
	default:
		return fmt.Errorf("invalid --color value %q (allowed: auto, always, never)", o.ColorMode)
	}
	o.ManifestPath = ExpandUser(strings.TrimSpace(o.ManifestPath))
	o.EnvRoot = ExpandUser(o.EnvRoot)
	o.LayerCacheDir = ExpandUser(o.LayerCacheDir)
	o.EnvID = strings.TrimSpace(o.EnvID)
	return nil
}

// ExpandUser resolves a leading ~ in user-entered paths. On expansion
// failure the input passes through so the problem surfaces as a path error.
func ExpandUser(path string) string {
	if path == "" {
		return path
	}
	if expanded, err := homedir.Expand(path); err == nil {
		return expanded
	}
	return path
}

// Project is the declarative per-context configuration read from
// slipway.yaml. Flags override everything declared here.
type Project struct {
	Manifest     string            `yaml:"manifest"`
	Python       string            `yaml:"python"`
	Entrypoint   string            `yaml:"entrypoint"`
	Port         int               `yaml:"port"`
	Env          map[string]string `yaml:"env"`
	WaitReady    *bool             `yaml:"wait_ready"`
	ReadyTimeout string            `yaml:"ready_timeout"`
}

// LoadProject reads slipway.yaml from the context root. A missing file is
// not an error; the zero configuration applies.
func LoadProject(contextDir string) (*Project, error) {
	path := filepath.Join(contextDir, ProjectFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var p Project
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if p.Port != 0 && (p.Port < 1 || p.Port > 65535) {
		return nil, fmt.Errorf("%s: port %d out of range", path, p.Port)
	}
	return &p, nil
}

// ApplyProject layers project-file values under flag values: a field only
// takes the project's value when its flag was not set on the command line.
// Project env entries precede --env-var entries so flags win downstream.
func (o *Options) ApplyProject(p *Project, changed func(name string) bool) {
	if p == nil {
		return
	}
	if changed == nil {
		changed = func(string) bool { return false }
	}
	if !changed("manifest") && p.Manifest != "" {
		if filepath.IsAbs(p.Manifest) {
			o.ManifestPath = p.Manifest
		} else {
			o.ManifestPath = filepath.Join(o.ContextDir, p.Manifest)
		}
	}
	if !changed("python") && p.Python != "" {
		o.PythonBin = p.Python
	}
	if !changed("port") && p.Port != 0 {
		o.Port = p.Port
	}
	if !changed("entrypoint") && p.Entrypoint != "" {
		o.EntrypointRaw = p.Entrypoint
	}
	if !changed("wait-ready") && p.WaitReady != nil {
		o.WaitReady = *p.WaitReady
	}
	if !changed("ready-timeout") && p.ReadyTimeout != "" {
		o.ReadyTimeoutRaw = p.ReadyTimeout
	}
	if len(p.Env) > 0 {
		keys := make([]string, 0, len(p.Env))
		for k := range p.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+p.Env[k])
		}
		o.EnvVars = append(pairs, o.EnvVars...)
	}
}
