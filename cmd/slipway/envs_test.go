// File: cmd/slipway/envs_test.go
// Brief: CLI command wiring and implementation for 'envs'.

package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/example/slipway/internal/envstore"
)

// promoteTestEnv seeds one promoted environment with a staged app tree.
func promoteTestEnv(t *testing.T, root, id, appFile, contents string) {
	t.Helper()
	store := envstore.New(root)
	stage, err := store.Begin(id)
	if err != nil {
		t.Fatalf("begin %s: %v", id, err)
	}
	appDir := filepath.Join(stage, envstore.AppDirName)
	if err := os.MkdirAll(appDir, 0o755); err != nil {
		t.Fatalf("mkdir app: %v", err)
	}
	if err := os.WriteFile(filepath.Join(appDir, appFile), []byte(contents), 0o644); err != nil {
		t.Fatalf("write app file: %v", err)
	}
	rec := envstore.Record{
		Name:           "demo",
		ContextDir:     "/src/demo",
		ManifestDigest: "sha256:1111111111111111",
		SourceDigest:   "sha256:2222222222222222",
		State:          "Ready",
		CreatedAt:      time.Now().UTC(),
	}
	if err := store.Promote(id, rec); err != nil {
		t.Fatalf("promote %s: %v", id, err)
	}
}

func TestEnvsListTable(t *testing.T) {
	root := t.TempDir()
	promoteTestEnv(t, root, "demo-aaaa0001", "app.py", "print('a')\n")
	promoteTestEnv(t, root, "demo-bbbb0002", "app.py", "print('b')\n")

	cmd := newEnvsCommand()
	stdout := &bytes.Buffer{}
	cmd.SetOut(stdout)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"list", "--env-root", root})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("list failed: %v", err)
	}
	out := stdout.String()
	for _, want := range []string{"ID", "STATE", "demo-aaaa0001", "demo-bbbb0002", "Ready", "111111111111"} {
		if !strings.Contains(out, want) {
			t.Fatalf("table missing %q in:\n%s", want, out)
		}
	}
}

func TestEnvsListJSON(t *testing.T) {
	root := t.TempDir()
	promoteTestEnv(t, root, "demo-aaaa0001", "app.py", "print('a')\n")

	cmd := newEnvsCommand()
	stdout := &bytes.Buffer{}
	cmd.SetOut(stdout)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"list", "--env-root", root, "--json"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("list failed: %v", err)
	}
	var records []envstore.Record
	if err := json.Unmarshal(stdout.Bytes(), &records); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if len(records) != 1 || records[0].ID != "demo-aaaa0001" {
		t.Fatalf("unexpected records: %+v", records)
	}
}

func TestEnvsInspect(t *testing.T) {
	root := t.TempDir()
	promoteTestEnv(t, root, "demo-aaaa0001", "app.py", "print('a')\n")

	cmd := newEnvsCommand()
	stdout := &bytes.Buffer{}
	cmd.SetOut(stdout)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"inspect", "demo-aaaa0001", "--env-root", root})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("inspect failed: %v", err)
	}
	var rec envstore.Record
	if err := json.Unmarshal(stdout.Bytes(), &rec); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if rec.ID != "demo-aaaa0001" || rec.State != "Ready" {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestEnvsInspectUnknownID(t *testing.T) {
	cmd := newEnvsCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"inspect", "demo-ffff9999", "--env-root", t.TempDir()})

	err := cmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "no environment") {
		t.Fatalf("expected missing-environment error, got %v", err)
	}
}

func TestEnvsDiffFindsChangedFile(t *testing.T) {
	root := t.TempDir()
	promoteTestEnv(t, root, "demo-aaaa0001", "app.py", "print('a')\n")
	promoteTestEnv(t, root, "demo-bbbb0002", "app.py", "print('b')\n")

	cmd := newEnvsCommand()
	stdout := &bytes.Buffer{}
	cmd.SetOut(stdout)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"diff", "demo-aaaa0001", "demo-bbbb0002", "--env-root", root})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("diff failed: %v", err)
	}
	out := stdout.String()
	if !strings.Contains(out, "app.py") {
		t.Fatalf("diff should mention the changed file:\n%s", out)
	}
	if !strings.Contains(out, "print('a')") || !strings.Contains(out, "print('b')") {
		t.Fatalf("diff should show both sides:\n%s", out)
	}
}

func TestEnvsDiffIdenticalTrees(t *testing.T) {
	root := t.TempDir()
	promoteTestEnv(t, root, "demo-aaaa0001", "app.py", "print('a')\n")
	promoteTestEnv(t, root, "demo-bbbb0002", "app.py", "print('a')\n")

	cmd := newEnvsCommand()
	stdout := &bytes.Buffer{}
	cmd.SetOut(stdout)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"diff", "demo-aaaa0001", "demo-bbbb0002", "--env-root", root})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("diff failed: %v", err)
	}
	if !strings.Contains(stdout.String(), "no differences found") {
		t.Fatalf("expected no-differences note, got:\n%s", stdout.String())
	}
}

func TestEnvsPruneKeepsNewest(t *testing.T) {
	root := t.TempDir()
	promoteTestEnv(t, root, "demo-aaaa0001", "app.py", "print('a')\n")
	time.Sleep(10 * time.Millisecond)
	promoteTestEnv(t, root, "demo-bbbb0002", "app.py", "print('b')\n")

	cmd := newEnvsCommand()
	stdout := &bytes.Buffer{}
	cmd.SetOut(stdout)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"prune", "--keep", "1", "--env-root", root})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("prune failed: %v", err)
	}
	if !strings.Contains(stdout.String(), "demo-aaaa0001") {
		t.Fatalf("expected oldest env pruned, got:\n%s", stdout.String())
	}
	records, err := envstore.New(root).List()
	if err != nil {
		t.Fatalf("list after prune: %v", err)
	}
	if len(records) != 1 || records[0].ID != "demo-bbbb0002" {
		t.Fatalf("expected only newest env kept: %+v", records)
	}
}

func TestEnvsPruneDefaultTouchesOnlyPartials(t *testing.T) {
	root := t.TempDir()
	promoteTestEnv(t, root, "demo-aaaa0001", "app.py", "print('a')\n")
	if _, err := envstore.New(root).Begin("demo-dead0003"); err != nil {
		t.Fatalf("begin partial: %v", err)
	}

	cmd := newEnvsCommand()
	stdout := &bytes.Buffer{}
	cmd.SetOut(stdout)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"prune", "--env-root", root})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("prune failed: %v", err)
	}
	if !strings.Contains(stdout.String(), ".partial-demo-dead0003") {
		t.Fatalf("expected partial removed, got:\n%s", stdout.String())
	}
	records, err := envstore.New(root).List()
	if err != nil {
		t.Fatalf("list after prune: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("promoted env must survive the default prune: %+v", records)
	}
}

func TestEnvsPruneRejectsKeepWithAll(t *testing.T) {
	cmd := newEnvsCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"prune", "--keep", "1", "--all", "--env-root", t.TempDir()})

	err := cmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "mutually exclusive") {
		t.Fatalf("expected conflict error, got %v", err)
	}
}

func TestEnvsPruneEmptyRoot(t *testing.T) {
	cmd := newEnvsCommand()
	stdout := &bytes.Buffer{}
	cmd.SetOut(stdout)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"prune", "--env-root", t.TempDir()})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("prune failed: %v", err)
	}
	if !strings.Contains(stdout.String(), "nothing to prune") {
		t.Fatalf("expected empty note, got:\n%s", stdout.String())
	}
}
