// File: cmd/slipway/history_test.go
// Brief: CLI command wiring and implementation for 'history'.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/example/slipway/internal/history"
)

func seedHistory(t *testing.T, entries ...history.Entry) {
	t.Helper()
	store, err := history.Open(history.DefaultPath())
	if err != nil {
		t.Fatalf("open history: %v", err)
	}
	defer store.Close()
	for _, e := range entries {
		if err := store.Append(context.Background(), e); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
}

func TestHistoryCommandListsAttempts(t *testing.T) {
	t.Setenv("SLIPWAY_HOME", t.TempDir())
	exit := 0
	seedHistory(t,
		history.Entry{
			BuildID: "bld-0001", EnvID: "demo-aaaa0001", Name: "demo",
			FinalState: "Ready", LayerCacheHit: true,
			InstallDuration: 2 * time.Second, StageDuration: 300 * time.Millisecond,
			StartedAt: time.Now().Add(-2 * time.Minute),
		},
		history.Entry{
			BuildID: "bld-0002", EnvID: "demo-bbbb0002", Name: "demo",
			FinalState: "Exited", ExitCode: &exit,
			StartedAt: time.Now().Add(-time.Minute),
		},
	)

	cmd := newHistoryCommand()
	stdout := &bytes.Buffer{}
	cmd.SetOut(stdout)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(nil)

	if err := cmd.Execute(); err != nil {
		t.Fatalf("history failed: %v", err)
	}
	out := stdout.String()
	for _, want := range []string{"WHEN", "demo-aaaa0001", "demo-bbbb0002", "Ready", "Exited", "hit"} {
		if !strings.Contains(out, want) {
			t.Fatalf("table missing %q in:\n%s", want, out)
		}
	}
	if strings.Index(out, "demo-bbbb0002") > strings.Index(out, "demo-aaaa0001") {
		t.Fatalf("attempts should list newest first:\n%s", out)
	}
}

func TestHistoryCommandLimit(t *testing.T) {
	t.Setenv("SLIPWAY_HOME", t.TempDir())
	seedHistory(t,
		history.Entry{EnvID: "demo-aaaa0001", FinalState: "Ready"},
		history.Entry{EnvID: "demo-bbbb0002", FinalState: "Ready"},
	)

	cmd := newHistoryCommand()
	stdout := &bytes.Buffer{}
	cmd.SetOut(stdout)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--limit", "1"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("history failed: %v", err)
	}
	out := stdout.String()
	if strings.Contains(out, "demo-aaaa0001") {
		t.Fatalf("limit should drop the oldest attempt:\n%s", out)
	}
	if !strings.Contains(out, "demo-bbbb0002") {
		t.Fatalf("limit should keep the newest attempt:\n%s", out)
	}
}

func TestHistoryCommandJSON(t *testing.T) {
	t.Setenv("SLIPWAY_HOME", t.TempDir())
	exit := 7
	seedHistory(t, history.Entry{
		EnvID: "demo-aaaa0001", FinalState: "Crashed", ExitCode: &exit, Failure: "exit status 7",
	})

	cmd := newHistoryCommand()
	stdout := &bytes.Buffer{}
	cmd.SetOut(stdout)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--json"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("history failed: %v", err)
	}
	var entries []history.Entry
	if err := json.Unmarshal(stdout.Bytes(), &entries); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if len(entries) != 1 || entries[0].EnvID != "demo-aaaa0001" {
		t.Fatalf("unexpected entries: %+v", entries)
	}
	if entries[0].ExitCode == nil || *entries[0].ExitCode != 7 {
		t.Fatalf("exit code lost in JSON round trip: %+v", entries[0])
	}
}

func TestHistoryCommandEmptyJournal(t *testing.T) {
	t.Setenv("SLIPWAY_HOME", t.TempDir())

	cmd := newHistoryCommand()
	stdout := &bytes.Buffer{}
	cmd.SetOut(stdout)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(nil)

	if err := cmd.Execute(); err != nil {
		t.Fatalf("history failed: %v", err)
	}
	if !strings.Contains(stdout.String(), "WHEN") {
		t.Fatalf("expected header even when empty, got:\n%s", stdout.String())
	}
}
