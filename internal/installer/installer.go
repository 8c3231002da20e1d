// File: internal/installer/installer.go
// Brief: Pinned dependency installation into an isolated interpreter env.

// Package installer creates the isolated interpreter environment for a build
// and installs the manifest's pinned packages into it. First resolution of a
// manifest downloads the dependency closure into a sealed layer keyed by
// (manifest digest, interpreter version); later builds with the same key
// install offline from that layer, so the installed set cannot drift with
// the package index.
package installer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	digest "github.com/opencontainers/go-digest"

	"github.com/example/slipway/pkg/manifest"
)

// Options configures one install pass.
type Options struct {
	PythonBin    string
	Manifest     *manifest.Manifest
	VenvDir      string
	CacheDir     string
	DisableCache bool
	Timeout      time.Duration
	Output       io.Writer
	Logger       logr.Logger
}

// Result summarizes a finished install.
type Result struct {
	InterpreterVersion string
	LayerDigest        digest.Digest
	CacheHit           bool
	Duration           time.Duration
}

const layerMetaFile = "layer.json"

// Install runs the full install pass: interpreter probe, venv creation,
// layer resolution, and the offline install. Any failure leaves no sealed
// cache entry behind.
func Install(ctx context.Context, opts Options) (*Result, error) {
	start := time.Now()
	if opts.Manifest == nil {
		return nil, errors.New("manifest is required")
	}
	if opts.Output == nil {
		opts.Output = io.Discard
	}
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	pythonPath, err := exec.LookPath(opts.PythonBin)
	if err != nil {
		return nil, fmt.Errorf("interpreter %q not found on PATH: %w", opts.PythonBin, err)
	}
	version, err := interpreterVersion(ctx, pythonPath)
	if err != nil {
		return nil, err
	}
	opts.Logger.V(1).Info("interpreter resolved", "path", pythonPath, "version", version)

	if err := createVenv(ctx, pythonPath, opts.VenvDir, opts); err != nil {
		return nil, err
	}

	res := &Result{
		InterpreterVersion: version,
		LayerDigest:        LayerDigest(opts.Manifest, version),
	}

	if len(opts.Manifest.Pins) == 0 {
		res.Duration = time.Since(start)
		return res, nil
	}

	if opts.DisableCache || opts.CacheDir == "" {
		if err := pipInstall(ctx, opts, nil); err != nil {
			return nil, err
		}
		res.Duration = time.Since(start)
		return res, nil
	}

	layerDir := filepath.Join(opts.CacheDir, res.LayerDigest.Algorithm().String(), res.LayerDigest.Encoded())
	if _, err := os.Stat(layerDir); err == nil {
		res.CacheHit = true
		opts.Logger.V(1).Info("dependency layer cache hit", "layer", res.LayerDigest.String())
	} else {
		if err := resolveLayer(ctx, opts, layerDir); err != nil {
			return nil, err
		}
	}
	if err := pipInstall(ctx, opts, []string{"--no-index", "--find-links", layerDir}); err != nil {
		return nil, err
	}
	res.Duration = time.Since(start)
	return res, nil
}

// LayerDigest keys the dependency layer cache on the normalized manifest and
// the interpreter that will import the result.
func LayerDigest(m *manifest.Manifest, interpreterVersion string) digest.Digest {
	d := digest.Canonical.Digester()
	h := d.Hash()
	write := func(s string) {
		_, _ = h.Write([]byte(s))
		_, _ = h.Write([]byte{0})
	}
	write("slipway.dep-layer.v1")
	write(m.Digest().String())
	write(interpreterVersion)
	return d.Digest()
}

func interpreterVersion(ctx context.Context, pythonPath string) (string, error) {
	cmd := exec.CommandContext(ctx, pythonPath, "--version")
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("probe interpreter version: %w (%s)", err, strings.TrimSpace(string(out)))
	}
	version := strings.TrimSpace(string(out))
	if version == "" {
		return "", fmt.Errorf("interpreter %s reported no version", pythonPath)
	}
	return version, nil
}

func createVenv(ctx context.Context, pythonPath, venvDir string, opts Options) error {
	if err := os.MkdirAll(filepath.Dir(venvDir), 0o755); err != nil {
		return err
	}
	cmd := exec.CommandContext(ctx, pythonPath, "-m", "venv", venvDir)
	tail := newTailBuffer(8 * 1024)
	cmd.Stdout = io.MultiWriter(opts.Output, tail)
	cmd.Stderr = cmd.Stdout
	if err := cmd.Run(); err != nil {
		return commandFailure(ctx, "create virtual environment", err, tail)
	}
	return nil
}

// resolveLayer downloads the manifest's dependency closure into a fresh
// layer and seals it with a rename, so a canceled download never publishes
// a partial layer.
func resolveLayer(ctx context.Context, opts Options, layerDir string) error {
	parent := filepath.Dir(layerDir)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return err
	}
	tmp := filepath.Join(parent, ".tmp-"+uuid.NewString())
	if err := os.MkdirAll(tmp, 0o755); err != nil {
		return err
	}
	defer os.RemoveAll(tmp)

	args := []string{"download", "--no-input", "--disable-pip-version-check", "--no-cache-dir", "--dest", tmp}
	args = append(args, opts.Manifest.Specs()...)
	if err := runPip(ctx, opts, "resolve dependency layer", args); err != nil {
		return err
	}

	meta := fmt.Sprintf("{\n  \"manifestDigest\": %q,\n  \"pins\": %d,\n  \"createdAt\": %q\n}\n",
		opts.Manifest.Digest().String(), len(opts.Manifest.Pins), time.Now().UTC().Format(time.RFC3339))
	if err := os.WriteFile(filepath.Join(tmp, layerMetaFile), []byte(meta), 0o644); err != nil {
		return err
	}

	if err := os.Rename(tmp, layerDir); err != nil {
		// A concurrent build may have sealed the same layer first.
		if _, statErr := os.Stat(layerDir); statErr == nil {
			return nil
		}
		return fmt.Errorf("seal dependency layer: %w", err)
	}
	return nil
}

func pipInstall(ctx context.Context, opts Options, extraArgs []string) error {
	args := []string{"install", "--no-input", "--disable-pip-version-check", "--no-cache-dir", "--require-virtualenv"}
	args = append(args, extraArgs...)
	args = append(args, opts.Manifest.Specs()...)
	return runPip(ctx, opts, "install pinned dependencies", args)
}

func runPip(ctx context.Context, opts Options, action string, args []string) error {
	pip := VenvTool(opts.VenvDir, "pip")
	if _, err := os.Stat(pip); err != nil {
		return fmt.Errorf("virtual environment has no pip at %s: %w", pip, err)
	}
	cmd := exec.CommandContext(ctx, pip, args...)
	cmd.Env = VenvEnviron(opts.VenvDir, os.Environ())
	tail := newTailBuffer(8 * 1024)
	cmd.Stdout = io.MultiWriter(opts.Output, tail)
	cmd.Stderr = cmd.Stdout
	opts.Logger.V(1).Info("running installer", "action", action, "args", strings.Join(args, " "))
	if err := cmd.Run(); err != nil {
		return commandFailure(ctx, action, err, tail)
	}
	return nil
}

func commandFailure(ctx context.Context, action string, err error, tail *tailBuffer) error {
	if ctx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("%s timed out", action)
	}
	if ctx.Err() != nil {
		return fmt.Errorf("%s canceled: %w", action, ctx.Err())
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		detail := tail.Tail()
		if detail != "" {
			return fmt.Errorf("%s exited with status %d:\n%s", action, exitErr.ExitCode(), detail)
		}
		return fmt.Errorf("%s exited with status %d", action, exitErr.ExitCode())
	}
	return fmt.Errorf("%s: %w", action, err)
}

// VenvTool returns the path of a tool inside a virtual environment.
func VenvTool(venvDir, tool string) string {
	if runtime.GOOS == "windows" {
		return filepath.Join(venvDir, "Scripts", tool+".exe")
	}
	return filepath.Join(venvDir, "bin", tool)
}

// VenvEnviron layers venv activation over base: VIRTUAL_ENV set and the
// venv's bin directory first on PATH, the same shape `activate` produces.
func VenvEnviron(venvDir string, base []string) []string {
	binDir := filepath.Dir(VenvTool(venvDir, "python"))
	out := make([]string, 0, len(base)+2)
	sawPath := false
	for _, kv := range base {
		switch {
		case strings.HasPrefix(kv, "PATH="):
			out = append(out, "PATH="+binDir+string(os.PathListSeparator)+strings.TrimPrefix(kv, "PATH="))
			sawPath = true
		case strings.HasPrefix(kv, "VIRTUAL_ENV="):
			// replaced below
		default:
			out = append(out, kv)
		}
	}
	if !sawPath {
		out = append(out, "PATH="+binDir)
	}
	out = append(out, "VIRTUAL_ENV="+venvDir)
	return out
}

// tailBuffer keeps the last cap bytes written, for error diagnostics from
// streamed installer output.
type tailBuffer struct {
	cap int
	buf bytes.Buffer
}

func newTailBuffer(capacity int) *tailBuffer {
	return &tailBuffer{cap: capacity}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if n >= t.cap {
		t.buf.Reset()
		t.buf.Write(p[n-t.cap:])
		return n, nil
	}
	if t.buf.Len()+n > t.cap {
		trimmed := t.buf.Bytes()[t.buf.Len()+n-t.cap:]
		rest := make([]byte, len(trimmed))
		copy(rest, trimmed)
		t.buf.Reset()
		t.buf.Write(rest)
	}
	t.buf.Write(p)
	return n, nil
}

func (t *tailBuffer) Tail() string {
	return strings.TrimSpace(t.buf.String())
}
