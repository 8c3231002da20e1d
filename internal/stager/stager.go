// File: internal/stager/stager.go
// Brief: Deterministic copy of the build context into an environment.

// Package stager copies an application source tree into a runtime
// environment. The walk is lexical and filtered through an ignore file, the
// copy preserves bytes and modes, and the resulting tree digests identically
// for identical input trees, so the source layer can be cached and compared.
package stager

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/moby/patternmatcher"
	"github.com/moby/patternmatcher/ignorefile"
	digest "github.com/opencontainers/go-digest"
	"github.com/pmezard/go-difflib/difflib"
)

// IgnoreFileName filters the context walk, dockerignore syntax.
const IgnoreFileName = ".slipwayignore"

// Options configures one staging pass.
type Options struct {
	ContextDir string
	DestDir    string
	// IgnoreFile overrides ContextDir/.slipwayignore when set.
	IgnoreFile string
}

// Result summarizes a finished staging pass.
type Result struct {
	Files  int
	Bytes  int64
	Digest digest.Digest
}

type entryVisitor func(rel string, info fs.FileInfo, path string) error

// Stage copies the context tree into DestDir. DestDir is created fresh; a
// prior tree at the same path is replaced so repeated stages of an unchanged
// context are byte-identical.
func Stage(ctx context.Context, opts Options) (*Result, error) {
	contextAbs, err := filepath.Abs(opts.ContextDir)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(contextAbs)
	if err != nil {
		return nil, fmt.Errorf("context %s: %w", opts.ContextDir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("context %s is not a directory", opts.ContextDir)
	}
	destAbs, err := filepath.Abs(opts.DestDir)
	if err != nil {
		return nil, err
	}
	if destAbs == contextAbs || strings.HasPrefix(destAbs, contextAbs+string(filepath.Separator)) {
		return nil, fmt.Errorf("stage target %s is inside the build context", opts.DestDir)
	}
	if err := os.RemoveAll(opts.DestDir); err != nil {
		return nil, fmt.Errorf("clear stage target: %w", err)
	}
	if err := os.MkdirAll(opts.DestDir, 0o755); err != nil {
		return nil, fmt.Errorf("create stage target: %w", err)
	}

	res := &Result{}
	hasher := newTreeHasher()
	err = walkContext(ctx, contextAbs, opts.ignorePath(contextAbs), func(rel string, info fs.FileInfo, path string) error {
		target := filepath.Join(opts.DestDir, filepath.FromSlash(rel))
		switch {
		case info.IsDir():
			if err := os.MkdirAll(target, info.Mode().Perm()|0o700); err != nil {
				return err
			}
			hasher.addDir(rel)
		case info.Mode()&fs.ModeSymlink != 0:
			dest, err := os.Readlink(path)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			if err := os.Symlink(dest, target); err != nil {
				return err
			}
			hasher.addSymlink(rel, dest)
		case info.Mode().IsRegular():
			if err := copyFile(path, target, info.Mode().Perm()); err != nil {
				return err
			}
			sum, err := sha256File(path)
			if err != nil {
				return err
			}
			hasher.addFile(rel, info.Mode().Perm(), sum)
			res.Files++
			res.Bytes += info.Size()
		default:
			return fmt.Errorf("unsupported file type for %s", rel)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	res.Digest = hasher.digest()
	return res, nil
}

// TreeDigest computes the digest Stage would produce, without copying.
func TreeDigest(ctx context.Context, contextDir, ignoreFile string) (digest.Digest, error) {
	contextAbs, err := filepath.Abs(contextDir)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(contextAbs); err != nil {
		return "", fmt.Errorf("context %s: %w", contextDir, err)
	}
	opts := Options{ContextDir: contextDir, IgnoreFile: ignoreFile}
	hasher := newTreeHasher()
	err = walkContext(ctx, contextAbs, opts.ignorePath(contextAbs), func(rel string, info fs.FileInfo, path string) error {
		switch {
		case info.IsDir():
			hasher.addDir(rel)
		case info.Mode()&fs.ModeSymlink != 0:
			dest, err := os.Readlink(path)
			if err != nil {
				return err
			}
			hasher.addSymlink(rel, dest)
		case info.Mode().IsRegular():
			sum, err := sha256File(path)
			if err != nil {
				return err
			}
			hasher.addFile(rel, info.Mode().Perm(), sum)
		default:
			return fmt.Errorf("unsupported file type for %s", rel)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return hasher.digest(), nil
}

func (o Options) ignorePath(contextAbs string) string {
	if o.IgnoreFile != "" {
		return o.IgnoreFile
	}
	return filepath.Join(contextAbs, IgnoreFileName)
}

// walkContext visits every staged entry in lexical order. The .git directory
// and the ignore file itself never stage; other entries filter through the
// ignore patterns.
func walkContext(ctx context.Context, contextAbs, ignoreFilePath string, visit entryVisitor) error {
	patterns := []string{}
	if raw, err := os.ReadFile(ignoreFilePath); err == nil {
		if p, err := ignorefile.ReadAll(strings.NewReader(string(raw))); err == nil {
			patterns = p
		}
	}
	matcher, err := patternmatcher.New(patterns)
	if err != nil {
		return err
	}
	ignoreRel := ""
	if rel, err := filepath.Rel(contextAbs, ignoreFilePath); err == nil && !strings.HasPrefix(rel, "..") {
		ignoreRel = filepath.ToSlash(rel)
	}

	return filepath.WalkDir(contextAbs, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rel, err := filepath.Rel(contextAbs, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == "." {
			return nil
		}
		if d.IsDir() && d.Name() == ".git" {
			return filepath.SkipDir
		}
		if rel == ignoreRel {
			return nil
		}
		ignored, err := matcher.MatchesOrParentMatches(rel)
		if err != nil {
			return err
		}
		if ignored {
			// Descend anyway: a later !pattern may re-include children.
			if d.IsDir() && !matcher.Exclusions() {
				return filepath.SkipDir
			}
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		return visit(rel, info, p)
	})
}

func copyFile(src, dst string, perm fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copy %s: %w", src, err)
	}
	if err := out.Close(); err != nil {
		return err
	}
	// The umask may have stripped bits at create time.
	return os.Chmod(dst, perm)
}

func sha256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// treeHasher folds walk entries into one content digest. Entries arrive in
// lexical walk order, which is already deterministic.
type treeHasher struct {
	d digest.Digester
}

func newTreeHasher() *treeHasher {
	th := &treeHasher{d: digest.Canonical.Digester()}
	th.write("slipway.source-tree.v1")
	return th
}

func (t *treeHasher) write(s string) {
	h := t.d.Hash()
	_, _ = h.Write([]byte(s))
	_, _ = h.Write([]byte{0})
}

func (t *treeHasher) addDir(rel string) {
	t.write("d " + rel)
}

func (t *treeHasher) addSymlink(rel, target string) {
	t.write("l " + rel)
	t.write(target)
}

func (t *treeHasher) addFile(rel string, perm fs.FileMode, sum string) {
	t.write(fmt.Sprintf("f %s %04o", rel, perm))
	t.write(sum)
}

func (t *treeHasher) digest() digest.Digest {
	return t.d.Digest()
}

// DiffTrees renders a unified diff between two staged trees, one hunk per
// differing file, with adds and removals shown against an empty side.
func DiffTrees(ctx context.Context, aDir, bDir string) (string, error) {
	aFiles, err := collectFiles(ctx, aDir)
	if err != nil {
		return "", err
	}
	bFiles, err := collectFiles(ctx, bDir)
	if err != nil {
		return "", err
	}
	keys := make(map[string]struct{}, len(aFiles)+len(bFiles))
	for k := range aFiles {
		keys[k] = struct{}{}
	}
	for k := range bFiles {
		keys[k] = struct{}{}
	}
	list := make([]string, 0, len(keys))
	for k := range keys {
		list = append(list, k)
	}
	sort.Strings(list)

	var b strings.Builder
	for _, key := range list {
		a := string(aFiles[key])
		c := string(bFiles[key])
		if a == c {
			continue
		}
		ud := difflib.UnifiedDiff{
			A:        difflib.SplitLines(a),
			B:        difflib.SplitLines(c),
			FromFile: fmt.Sprintf("%s:%s", aDir, key),
			ToFile:   fmt.Sprintf("%s:%s", bDir, key),
			Context:  3,
		}
		diff, _ := difflib.GetUnifiedDiffString(ud)
		if diff == "" {
			continue
		}
		b.WriteString(diff)
		if !strings.HasSuffix(diff, "\n") {
			b.WriteString("\n")
		}
	}
	if b.Len() == 0 {
		return "no differences found\n", nil
	}
	return b.String(), nil
}

func collectFiles(ctx context.Context, root string) (map[string][]byte, error) {
	out := make(map[string][]byte)
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		out[filepath.ToSlash(rel)] = data
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
