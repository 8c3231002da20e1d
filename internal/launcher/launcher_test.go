// File: internal/launcher/launcher_test.go
// Brief: Foreground launch of the environment's single listening process.

// launcher_test.go drives launches against scripted children: exit code
// passthrough, output streaming, env wiring, stop escalation, and the
// readiness probe.
package launcher

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/go-logr/logr"
)

func requirePosix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("scripted children need a POSIX shell")
	}
}

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("write script %s: %v", name, err)
	}
	return path
}

func freeAddr(t *testing.T) (string, net.Listener) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	return ln.Addr().String(), ln
}

func TestStartMissingEntrypoint(t *testing.T) {
	requirePosix(t)
	_, err := Start(context.Background(), Options{
		Entrypoint: []string{"slipway-test-no-such-binary"},
		WorkDir:    t.TempDir(),
		VenvDir:    t.TempDir(),
		Logger:     logr.Discard(),
	})
	if err == nil {
		t.Fatalf("expected missing entrypoint error")
	}
	if !strings.Contains(err.Error(), "not found") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestStartMissingScriptFailsBeforeLaunch(t *testing.T) {
	requirePosix(t)
	venv := t.TempDir()
	if err := os.MkdirAll(filepath.Join(venv, "bin"), 0o755); err != nil {
		t.Fatalf("mkdir venv bin: %v", err)
	}
	writeScript(t, filepath.Join(venv, "bin"), "python", "exit 0\n")

	_, err := Start(context.Background(), Options{
		Entrypoint: []string{"python", "app.py"},
		WorkDir:    t.TempDir(),
		VenvDir:    venv,
		Logger:     logr.Discard(),
	})
	if err == nil {
		t.Fatalf("expected missing script error")
	}
	if !strings.Contains(err.Error(), "not found in staged source") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestExitCodePassesThrough(t *testing.T) {
	requirePosix(t)
	workDir := t.TempDir()
	writeScript(t, workDir, "entry.sh", "exit 7\n")

	p, err := Start(context.Background(), Options{
		Entrypoint: []string{"./entry.sh"},
		WorkDir:    workDir,
		VenvDir:    t.TempDir(),
		Logger:     logr.Discard(),
	})
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	code, err := p.Wait()
	if err != nil {
		t.Fatalf("wait failed: %v", err)
	}
	if code != 7 {
		t.Fatalf("exit code not passed through, got %d", code)
	}
}

func TestOutputStreamsThrough(t *testing.T) {
	requirePosix(t)
	workDir := t.TempDir()
	writeScript(t, workDir, "entry.sh", "echo out-line\necho err-line 1>&2\nexit 0\n")

	var stdout, stderr bytes.Buffer
	p, err := Start(context.Background(), Options{
		Entrypoint: []string{"./entry.sh"},
		WorkDir:    workDir,
		VenvDir:    t.TempDir(),
		Stdout:     &stdout,
		Stderr:     &stderr,
		Logger:     logr.Discard(),
	})
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if _, err := p.Wait(); err != nil {
		t.Fatalf("wait failed: %v", err)
	}
	if !strings.Contains(stdout.String(), "out-line") {
		t.Fatalf("stdout not streamed: %q", stdout.String())
	}
	if !strings.Contains(stderr.String(), "err-line") {
		t.Fatalf("stderr not streamed: %q", stderr.String())
	}
	if !strings.Contains(p.StderrExcerpt(), "err-line") {
		t.Fatalf("stderr excerpt missing: %q", p.StderrExcerpt())
	}
}

func TestLaunchEnvWiring(t *testing.T) {
	requirePosix(t)
	workDir := t.TempDir()
	outFile := filepath.Join(t.TempDir(), "env.txt")
	writeScript(t, workDir, "entry.sh", "echo \"PORT=$PORT\" > \"$OUT\"\necho \"VIRTUAL_ENV=$VIRTUAL_ENV\" >> \"$OUT\"\necho \"SLIPWAY_ENV_ID=$SLIPWAY_ENV_ID\" >> \"$OUT\"\nexit 0\n")

	venv := t.TempDir()
	p, err := Start(context.Background(), Options{
		Entrypoint: []string{"./entry.sh"},
		WorkDir:    workDir,
		VenvDir:    venv,
		Port:       5000,
		EnvID:      "demo-12345678",
		ExtraEnv:   []string{"OUT=" + outFile},
		Logger:     logr.Discard(),
	})
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if code, err := p.Wait(); err != nil || code != 0 {
		t.Fatalf("wait: code=%d err=%v", code, err)
	}
	data, err := os.ReadFile(outFile)
	if err != nil {
		t.Fatalf("read env dump: %v", err)
	}
	dump := string(data)
	for _, want := range []string{"PORT=5000", "VIRTUAL_ENV=" + venv, "SLIPWAY_ENV_ID=demo-12345678"} {
		if !strings.Contains(dump, want) {
			t.Fatalf("missing %q in child env dump:\n%s", want, dump)
		}
	}
}

func TestStopTerminatesChild(t *testing.T) {
	requirePosix(t)
	workDir := t.TempDir()
	writeScript(t, workDir, "entry.sh", "exec sleep 30\n")

	p, err := Start(context.Background(), Options{
		Entrypoint:  []string{"./entry.sh"},
		WorkDir:     workDir,
		VenvDir:     t.TempDir(),
		GracePeriod: 2 * time.Second,
		Logger:      logr.Discard(),
	})
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	start := time.Now()
	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	if time.Since(start) > 10*time.Second {
		t.Fatalf("stop took too long")
	}
	code, err := p.Wait()
	if err != nil {
		t.Fatalf("wait failed: %v", err)
	}
	if code != 128+15 {
		t.Fatalf("expected SIGTERM exit convention, got %d", code)
	}
}

func TestWaitReadySucceedsWhenPortAccepts(t *testing.T) {
	requirePosix(t)
	addr, ln := freeAddr(t)
	defer ln.Close()

	workDir := t.TempDir()
	writeScript(t, workDir, "entry.sh", "exec sleep 30\n")
	p, err := Start(context.Background(), Options{
		Entrypoint: []string{"./entry.sh"},
		WorkDir:    workDir,
		VenvDir:    t.TempDir(),
		Logger:     logr.Discard(),
	})
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer func() { _ = p.Stop(context.Background()) }()

	if err := p.WaitReady(context.Background(), addr, 5*time.Second); err != nil {
		t.Fatalf("ready probe failed: %v", err)
	}
}

func TestWaitReadyFailsWhenChildExits(t *testing.T) {
	requirePosix(t)
	addr, ln := freeAddr(t)
	ln.Close()

	workDir := t.TempDir()
	writeScript(t, workDir, "entry.sh", "echo boom 1>&2\nexit 3\n")
	p, err := Start(context.Background(), Options{
		Entrypoint: []string{"./entry.sh"},
		WorkDir:    workDir,
		VenvDir:    t.TempDir(),
		Logger:     logr.Discard(),
	})
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	err = p.WaitReady(context.Background(), addr, 5*time.Second)
	if err == nil {
		t.Fatalf("expected probe failure for exited child")
	}
	if !strings.Contains(err.Error(), "status 3") || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("probe error should carry exit detail, got: %v", err)
	}
}

func TestWaitReadyTimesOut(t *testing.T) {
	requirePosix(t)
	addr, ln := freeAddr(t)
	ln.Close()

	workDir := t.TempDir()
	writeScript(t, workDir, "entry.sh", "exec sleep 30\n")
	p, err := Start(context.Background(), Options{
		Entrypoint: []string{"./entry.sh"},
		WorkDir:    workDir,
		VenvDir:    t.TempDir(),
		Logger:     logr.Discard(),
	})
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer func() { _ = p.Stop(context.Background()) }()

	err = p.WaitReady(context.Background(), addr, 700*time.Millisecond)
	if err == nil {
		t.Fatalf("expected probe timeout")
	}
	if !strings.Contains(err.Error(), "no TCP accept") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestContextCancelTerminatesChild(t *testing.T) {
	requirePosix(t)
	workDir := t.TempDir()
	writeScript(t, workDir, "entry.sh", "exec sleep 30\n")

	ctx, cancel := context.WithCancel(context.Background())
	p, err := Start(ctx, Options{
		Entrypoint:  []string{"./entry.sh"},
		WorkDir:     workDir,
		VenvDir:     t.TempDir(),
		GracePeriod: 2 * time.Second,
		Logger:      logr.Discard(),
	})
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()
	select {
	case <-p.Done():
	case <-time.After(10 * time.Second):
		t.Fatalf("cancel did not terminate the child")
	}
}

func TestResolveEntrypointPrefersVenv(t *testing.T) {
	requirePosix(t)
	venvBinDir := filepath.Join(t.TempDir(), "bin")
	if err := os.MkdirAll(venvBinDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	hostBinDir := t.TempDir()
	writeScript(t, venvBinDir, "python", "exit 0\n")
	writeScript(t, hostBinDir, "python", "exit 0\n")

	path := venvBinDir + string(os.PathListSeparator) + hostBinDir
	resolved, err := resolveEntrypoint("python", t.TempDir(), path)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if resolved != filepath.Join(venvBinDir, "python") {
		t.Fatalf("expected venv python to win, got %s", resolved)
	}
}

func TestLineTail(t *testing.T) {
	lt := newLineTail(2)
	fmt.Fprint(lt, "one\ntwo\nthree\npartial")
	got := lt.String()
	if !strings.Contains(got, "three") || !strings.Contains(got, "partial") {
		t.Fatalf("tail missing recent lines: %q", got)
	}
	if strings.Contains(got, "one") {
		t.Fatalf("tail kept too much: %q", got)
	}
}
