// File: internal/launcher/launcher.go
// Brief: Foreground launch of the environment's single listening process.

// Package launcher starts the staged application as the environment's one
// foreground process. Output streams through to the caller, termination
// signals forward to the child's process group, and the child's exit code
// passes through unmodified. Nothing here restarts or supervises.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"

	"github.com/example/slipway/internal/installer"
)

// Options configures one launch.
type Options struct {
	Entrypoint []string
	WorkDir    string
	VenvDir    string
	Port       int
	EnvID      string
	ExtraEnv   []string
	Stdout     io.Writer
	Stderr     io.Writer
	Logger     logr.Logger

	// GracePeriod bounds how long a canceled child may linger before it is
	// killed outright.
	GracePeriod time.Duration
}

// Process is a started entry point. Exactly one Wait observes its exit.
type Process struct {
	cmd   *exec.Cmd
	pumps *errgroup.Group

	done     chan struct{}
	waitOnce sync.Once
	waitErr  error

	stderrTail *lineTail
}

// Start validates and launches the entry point. A missing executable or a
// missing script file fails here, before any process exists.
func Start(ctx context.Context, opts Options) (*Process, error) {
	if len(opts.Entrypoint) == 0 {
		return nil, errors.New("entrypoint is required")
	}
	if opts.Stdout == nil {
		opts.Stdout = io.Discard
	}
	if opts.Stderr == nil {
		opts.Stderr = io.Discard
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = 5 * time.Second
	}

	env := installer.VenvEnviron(opts.VenvDir, os.Environ())
	env = append(env, "PORT="+strconv.Itoa(opts.Port))
	if opts.EnvID != "" {
		env = append(env, "SLIPWAY_ENV_ID="+opts.EnvID)
	}
	env = append(env, opts.ExtraEnv...)

	binPath, err := resolveEntrypoint(opts.Entrypoint[0], opts.WorkDir, pathValue(env))
	if err != nil {
		return nil, err
	}
	if err := checkEntryScripts(opts.Entrypoint[1:], opts.WorkDir); err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, binPath, opts.Entrypoint[1:]...)
	cmd.Args = append([]string{opts.Entrypoint[0]}, opts.Entrypoint[1:]...)
	cmd.Dir = opts.WorkDir
	cmd.Env = env
	configureProcAttr(cmd)
	cmd.Cancel = func() error { return terminate(cmd) }
	cmd.WaitDelay = opts.GracePeriod

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdout.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdout.Close()
		stderr.Close()
		return nil, fmt.Errorf("start %s: %w", opts.Entrypoint[0], err)
	}
	opts.Logger.V(1).Info("process started", "pid", cmd.Process.Pid, "entrypoint", strings.Join(opts.Entrypoint, " "), "port", opts.Port)

	p := &Process{
		cmd:        cmd,
		done:       make(chan struct{}),
		stderrTail: newLineTail(32),
	}
	pumps := &errgroup.Group{}
	pumps.Go(func() error {
		_, err := io.Copy(opts.Stdout, stdout)
		return err
	})
	pumps.Go(func() error {
		_, err := io.Copy(io.MultiWriter(opts.Stderr, p.stderrTail), stderr)
		return err
	})
	p.pumps = pumps

	go p.reap()
	return p, nil
}

// reap waits for the child exactly once and publishes the outcome.
func (p *Process) reap() {
	p.waitOnce.Do(func() {
		_ = p.pumps.Wait()
		p.waitErr = p.cmd.Wait()
		close(p.done)
	})
}

// Pid returns the child's process ID.
func (p *Process) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Done is closed once the child has exited and its output is drained.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the child exits and returns its exit code. A non-zero
// exit is a result, not an error; signal deaths map to the shell convention
// of 128 plus the signal number.
func (p *Process) Wait() (int, error) {
	<-p.done
	if p.waitErr == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(p.waitErr, &exitErr) {
		return exitCode(exitErr), nil
	}
	return -1, p.waitErr
}

// Stop asks the child to terminate, escalating to a kill when the grace
// period or ctx runs out first.
func (p *Process) Stop(ctx context.Context) error {
	if p.cmd.Process == nil {
		return nil
	}
	if err := terminate(p.cmd); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("terminate: %w", err)
	}
	grace := p.cmd.WaitDelay
	if grace <= 0 {
		grace = 5 * time.Second
	}
	select {
	case <-p.done:
		return nil
	case <-time.After(grace):
	case <-ctx.Done():
	}
	if err := kill(p.cmd); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill: %w", err)
	}
	<-p.done
	return ctx.Err()
}

// WaitReady polls for a TCP accept on addr until the deadline. A child that
// exits first fails the probe with its exit detail.
func (p *Process) WaitReady(ctx context.Context, addr string, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(250 * time.Millisecond)
	defer tick.Stop()

	for {
		conn, err := net.DialTimeout("tcp", addr, 250*time.Millisecond)
		if err == nil {
			conn.Close()
			return nil
		}
		select {
		case <-p.done:
			code, _ := p.Wait()
			detail := p.StderrExcerpt()
			if detail != "" {
				return fmt.Errorf("process exited with status %d before accepting connections on %s:\n%s", code, addr, detail)
			}
			return fmt.Errorf("process exited with status %d before accepting connections on %s", code, addr)
		case <-deadline.C:
			return fmt.Errorf("no TCP accept on %s within %s", addr, timeout)
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
}

// StderrExcerpt returns the child's most recent stderr lines.
func (p *Process) StderrExcerpt() string {
	return p.stderrTail.String()
}

func pathValue(env []string) string {
	for _, kv := range env {
		if strings.HasPrefix(kv, "PATH=") {
			return strings.TrimPrefix(kv, "PATH=")
		}
	}
	return ""
}

// resolveEntrypoint finds the executable for argv0. Names with a separator
// resolve against the staged tree; bare names search the launch PATH, which
// has the venv bin directory first.
func resolveEntrypoint(argv0, workDir, path string) (string, error) {
	if strings.ContainsRune(argv0, os.PathSeparator) || strings.ContainsRune(argv0, '/') {
		candidate := argv0
		if !filepath.IsAbs(candidate) {
			candidate = filepath.Join(workDir, candidate)
		}
		if err := checkExecutable(candidate); err != nil {
			return "", fmt.Errorf("entry point %s: %w", argv0, err)
		}
		return candidate, nil
	}
	for _, dir := range filepath.SplitList(path) {
		if dir == "" {
			continue
		}
		candidate := filepath.Join(dir, argv0)
		if err := checkExecutable(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("entry point %q not found in the environment or on PATH", argv0)
}

func checkExecutable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}
	if info.Mode()&0o111 == 0 {
		return fmt.Errorf("%s is not executable", path)
	}
	return nil
}

// checkEntryScripts rejects launches whose script argument never got staged,
// so the failure surfaces before a process starts instead of as an
// interpreter usage error afterwards.
func checkEntryScripts(args []string, workDir string) error {
	for _, arg := range args {
		if strings.HasPrefix(arg, "-") || !strings.HasSuffix(arg, ".py") {
			continue
		}
		candidate := arg
		if !filepath.IsAbs(candidate) {
			candidate = filepath.Join(workDir, candidate)
		}
		if _, err := os.Stat(candidate); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("entry point script %s not found in staged source", arg)
			}
			return fmt.Errorf("entry point script %s: %w", arg, err)
		}
	}
	return nil
}

func exitCode(exitErr *exec.ExitError) int {
	if code := exitErr.ExitCode(); code >= 0 {
		return code
	}
	if sig, ok := signalOf(exitErr); ok {
		return 128 + sig
	}
	return 1
}

// lineTail keeps the last max lines written through it.
type lineTail struct {
	mu      sync.Mutex
	max     int
	lines   []string
	partial strings.Builder
}

func newLineTail(max int) *lineTail {
	return &lineTail{max: max}
}

func (l *lineTail) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, b := range p {
		if b == '\n' {
			l.push(l.partial.String())
			l.partial.Reset()
			continue
		}
		l.partial.WriteByte(b)
	}
	return len(p), nil
}

func (l *lineTail) push(line string) {
	l.lines = append(l.lines, line)
	if len(l.lines) > l.max {
		l.lines = l.lines[len(l.lines)-l.max:]
	}
}

func (l *lineTail) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := strings.Join(l.lines, "\n")
	if l.partial.Len() > 0 {
		if out != "" {
			out += "\n"
		}
		out += l.partial.String()
	}
	return strings.TrimSpace(out)
}
