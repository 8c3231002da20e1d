// File: internal/history/history.go
// Brief: On-disk SQLite journal of build and run attempts.

// Package history records finished pipeline attempts in a local SQLite
// database so past builds stay inspectable after their environments are
// pruned. One row per attempt, append only.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const (
	createTableStmt = `
CREATE TABLE IF NOT EXISTS attempts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    build_id TEXT NOT NULL,
    env_id TEXT NOT NULL,
    env_name TEXT,
    context_dir TEXT,
    manifest_digest TEXT,
    source_digest TEXT,
    interpreter TEXT,
    final_state TEXT NOT NULL,
    exit_code INTEGER,
    layer_cache_hit INTEGER NOT NULL DEFAULT 0,
    install_ms INTEGER,
    stage_ms INTEGER,
    run_ms INTEGER,
    failure TEXT,
    started_at TEXT NOT NULL
);`
	createIndexesStmt = `
CREATE INDEX IF NOT EXISTS idx_attempts_started_at ON attempts(started_at);
CREATE INDEX IF NOT EXISTS idx_attempts_env_id ON attempts(env_id);`
	insertStmt = `INSERT INTO attempts(build_id, env_id, env_name, context_dir, manifest_digest, source_digest, interpreter, final_state, exit_code, layer_cache_hit, install_ms, stage_ms, run_ms, failure, started_at) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	selectStmt = `SELECT build_id, env_id, env_name, context_dir, manifest_digest, source_digest, interpreter, final_state, exit_code, layer_cache_hit, install_ms, stage_ms, run_ms, failure, started_at FROM attempts ORDER BY id DESC`
)

// Entry is one recorded pipeline attempt.
type Entry struct {
	BuildID        string
	EnvID          string
	Name           string
	ContextDir     string
	ManifestDigest string
	SourceDigest   string
	Interpreter    string
	FinalState     string
	// ExitCode is nil for attempts that never reached a running child.
	ExitCode        *int
	LayerCacheHit   bool
	InstallDuration time.Duration
	StageDuration   time.Duration
	RunDuration     time.Duration
	Failure         string
	StartedAt       time.Time
}

// Store persists attempts into a SQLite database.
type Store struct {
	db     *sql.DB
	insert *sql.Stmt
}

// Open initializes a Store backed by the given on-disk SQLite file,
// creating the schema when missing.
func Open(path string) (*Store, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("history path cannot be empty")
	}
	dir := filepath.Dir(p)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create history directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, createTableStmt); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure attempts table: %w", err)
	}
	if _, err := db.ExecContext(ctx, createIndexesStmt); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure attempt indexes: %w", err)
	}
	stmt, err := db.PrepareContext(ctx, insertStmt)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("prepare insert statement: %w", err)
	}
	return &Store{
		db:     db,
		insert: stmt,
	}, nil
}

// Close releases database resources.
func (s *Store) Close() error {
	var err error
	if s.insert != nil {
		err = errors.Join(err, s.insert.Close())
	}
	if s.db != nil {
		err = errors.Join(err, s.db.Close())
	}
	return err
}

// Append stores the provided attempt using the prepared insert statement.
func (s *Store) Append(ctx context.Context, entry Entry) error {
	if s == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	started := entry.StartedAt
	if started.IsZero() {
		started = time.Now()
	}
	var exitCode sql.NullInt64
	if entry.ExitCode != nil {
		exitCode = sql.NullInt64{Int64: int64(*entry.ExitCode), Valid: true}
	}
	_, err := s.insert.ExecContext(
		ctx,
		entry.BuildID,
		entry.EnvID,
		entry.Name,
		entry.ContextDir,
		entry.ManifestDigest,
		entry.SourceDigest,
		entry.Interpreter,
		entry.FinalState,
		exitCode,
		boolInt(entry.LayerCacheHit),
		entry.InstallDuration.Milliseconds(),
		entry.StageDuration.Milliseconds(),
		entry.RunDuration.Milliseconds(),
		entry.Failure,
		started.UTC().Format(time.RFC3339Nano),
	)
	return err
}

// Recent returns the newest attempts, most recent first. A limit of zero or
// less returns every attempt.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if s == nil {
		return nil, errors.New("history store is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	query := selectStmt
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e         Entry
			exitCode  sql.NullInt64
			cacheHit  int
			installMs sql.NullInt64
			stageMs   sql.NullInt64
			runMs     sql.NullInt64
			failure   sql.NullString
			startedAt string
		)
		if err := rows.Scan(
			&e.BuildID, &e.EnvID, &e.Name, &e.ContextDir,
			&e.ManifestDigest, &e.SourceDigest, &e.Interpreter, &e.FinalState,
			&exitCode, &cacheHit, &installMs, &stageMs, &runMs,
			&failure, &startedAt,
		); err != nil {
			return nil, err
		}
		if exitCode.Valid {
			code := int(exitCode.Int64)
			e.ExitCode = &code
		}
		e.LayerCacheHit = cacheHit != 0
		e.InstallDuration = time.Duration(installMs.Int64) * time.Millisecond
		e.StageDuration = time.Duration(stageMs.Int64) * time.Millisecond
		e.RunDuration = time.Duration(runMs.Int64) * time.Millisecond
		e.Failure = failure.String
		if ts, err := time.Parse(time.RFC3339Nano, startedAt); err == nil {
			e.StartedAt = ts
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// DefaultPath returns where the attempts database lives.
func DefaultPath() string {
	if v := os.Getenv("SLIPWAY_HOME"); v != "" {
		return filepath.Join(v, "history.db")
	}
	if cacheDir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(cacheDir, "slipway", "history.db")
	}
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		return filepath.Join(home, ".cache", "slipway", "history.db")
	}
	return filepath.Join(os.TempDir(), "slipway-history.db")
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
