// File: internal/envstore/store.go
// Brief: On-disk catalog of runtime environments with atomic promotion.

// Package envstore manages the directory of runtime environments. A build
// assembles its environment in a hidden .partial directory and the store
// renames it into place only once every stage has succeeded, so a crashed or
// canceled build can never be mistaken for a promoted environment.
package envstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	recordFile    = "env.json"
	partialPrefix = ".partial-"

	// AppDirName and VenvDirName are the fixed layout inside an environment.
	AppDirName  = "app"
	VenvDirName = "venv"
)

// Record is the metadata persisted alongside every promoted environment.
type Record struct {
	ID                 string    `json:"id"`
	Name               string    `json:"name"`
	ContextDir         string    `json:"contextDir"`
	ManifestDigest     string    `json:"manifestDigest"`
	SourceDigest       string    `json:"sourceDigest"`
	InterpreterVersion string    `json:"interpreterVersion,omitempty"`
	GitCommit          string    `json:"gitCommit,omitempty"`
	GitDirty           bool      `json:"gitDirty,omitempty"`
	State              string    `json:"state"`
	LayerCacheHit      bool      `json:"layerCacheHit"`
	CreatedAt          time.Time `json:"createdAt"`
	PromotedAt         time.Time `json:"promotedAt"`
}

// Store is an environment directory rooted at a single path.
type Store struct {
	root string
}

// New returns a store rooted at root. The directory is created lazily.
func New(root string) *Store {
	return &Store{root: root}
}

// Root returns the store's base directory.
func (s *Store) Root() string { return s.root }

// EnvDir returns the directory a promoted environment lives in.
func (s *Store) EnvDir(id string) string {
	return filepath.Join(s.root, id)
}

// StageDir returns the hidden assembly directory for an in-flight build.
func (s *Store) StageDir(id string) string {
	return filepath.Join(s.root, partialPrefix+id)
}

// AppDir returns the staged source directory of a promoted environment.
func (s *Store) AppDir(id string) string {
	return filepath.Join(s.EnvDir(id), AppDirName)
}

// VenvDir returns the interpreter environment of a promoted environment.
func (s *Store) VenvDir(id string) string {
	return filepath.Join(s.EnvDir(id), VenvDirName)
}

// Begin creates the assembly directory for id and returns its path.
func (s *Store) Begin(id string) (string, error) {
	if err := validateID(id); err != nil {
		return "", err
	}
	dir := s.StageDir(id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create stage dir: %w", err)
	}
	return dir, nil
}

// Promote seals rec into the assembly directory and renames it to its final
// name. The rename is the promotion point; everything before it is invisible
// to readers of the store.
func (s *Store) Promote(id string, rec Record) error {
	if err := validateID(id); err != nil {
		return err
	}
	stage := s.StageDir(id)
	if _, err := os.Stat(stage); err != nil {
		return fmt.Errorf("no staged environment for %s: %w", id, err)
	}
	rec.ID = id
	rec.PromotedAt = time.Now().UTC()
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	tmp := filepath.Join(stage, recordFile+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, filepath.Join(stage, recordFile)); err != nil {
		return err
	}
	return os.Rename(stage, s.EnvDir(id))
}

// Discard removes the assembly directory for id, if any.
func (s *Store) Discard(id string) error {
	if err := validateID(id); err != nil {
		return err
	}
	return os.RemoveAll(s.StageDir(id))
}

// Load reads the record of a promoted environment and checks its layout.
func (s *Store) Load(id string) (Record, error) {
	if err := validateID(id); err != nil {
		return Record{}, err
	}
	data, err := os.ReadFile(filepath.Join(s.EnvDir(id), recordFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Record{}, fmt.Errorf("no environment %s; run slipway build first", id)
		}
		return Record{}, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("environment record for %s is invalid: %w", id, err)
	}
	if _, err := os.Stat(s.AppDir(id)); err != nil {
		return Record{}, fmt.Errorf("environment %s has no staged source: %w", id, err)
	}
	return rec, nil
}

// List returns every promoted environment, newest first. Partial directories
// are skipped; unreadable records are ignored rather than failing the walk.
func (s *Store) List() ([]Record, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]Record, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		rec, err := s.Load(entry.Name())
		if err != nil {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PromotedAt.Equal(out[j].PromotedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].PromotedAt.After(out[j].PromotedAt)
	})
	return out, nil
}

// Remove deletes a promoted environment.
func (s *Store) Remove(id string) error {
	if err := validateID(id); err != nil {
		return err
	}
	dir := s.EnvDir(id)
	if _, err := os.Stat(dir); err != nil {
		return fmt.Errorf("no environment %s", id)
	}
	return os.RemoveAll(dir)
}

// Prune removes orphaned partial directories, plus promoted environments
// beyond the keep newest. keep < 0 keeps everything promoted; keep == 0
// removes all promoted environments. Returns the removed names.
func (s *Store) Prune(keep int) ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var removed []string
	for _, entry := range entries {
		if entry.IsDir() && strings.HasPrefix(entry.Name(), partialPrefix) {
			if err := os.RemoveAll(filepath.Join(s.root, entry.Name())); err != nil {
				return removed, err
			}
			removed = append(removed, entry.Name())
		}
	}
	if keep < 0 {
		return removed, nil
	}
	recs, err := s.List()
	if err != nil {
		return removed, err
	}
	for i, rec := range recs {
		if i < keep {
			continue
		}
		if err := os.RemoveAll(s.EnvDir(rec.ID)); err != nil {
			return removed, err
		}
		removed = append(removed, rec.ID)
	}
	return removed, nil
}

// validateID guards against path escapes in user-supplied environment IDs.
func validateID(id string) error {
	if id == "" {
		return errors.New("environment id is required")
	}
	if strings.ContainsAny(id, "/\\") || id == "." || id == ".." || strings.HasPrefix(id, ".") {
		return fmt.Errorf("invalid environment id %q", id)
	}
	return nil
}
