// File: pkg/manifest/manifest.go
// Brief: Pinned dependency manifest parsing and digesting.

// Package manifest reads requirements-style dependency manifests restricted to
// exact pins. Every entry must name one package at one concrete version; any
// range, URL, editable install, or installer option fails parsing so a build
// can never depend on resolution-time state.
package manifest

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	digest "github.com/opencontainers/go-digest"
)

// Pin is one manifest entry: a package name pinned to an exact version.
type Pin struct {
	Name    string   // name as written
	Version string   // exact version, no wildcards
	Extras  []string // optional extras, e.g. flask[async]
	Raw     string   // original line, trimmed
	Line    int      // 1-based line number in the manifest
}

// Spec renders the pin in installer argument form.
func (p Pin) Spec() string {
	if len(p.Extras) > 0 {
		return fmt.Sprintf("%s[%s]==%s", p.Name, strings.Join(p.Extras, ","), p.Version)
	}
	return p.Name + "==" + p.Version
}

// Manifest is a parsed dependency manifest. Entries keep file order; the
// digest is order-insensitive so cosmetic edits do not bust the layer cache.
type Manifest struct {
	Path string
	Pins []Pin
}

var (
	nameRe    = regexp.MustCompile(`^[A-Za-z0-9](?:[A-Za-z0-9._-]*[A-Za-z0-9])?$`)
	extraRe   = regexp.MustCompile(`^[A-Za-z0-9](?:[A-Za-z0-9._-]*[A-Za-z0-9])?$`)
	versionRe = regexp.MustCompile(`^(?:[0-9]+!)?[0-9]+(?:\.[0-9]+)*(?:(?:a|b|rc|c)[0-9]+)?(?:\.post[0-9]+)?(?:\.dev[0-9]+)?(?:\+[A-Za-z0-9]+(?:[._-][A-Za-z0-9]+)*)?$`)

	rangeOperators = []string{"===", "~=", ">=", "<=", "!=", ">", "<"}
)

// Load reads and parses the manifest at path.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", path, err)
	}
	return Parse(data, path)
}

// Parse parses manifest bytes. The path is used for error messages only.
func Parse(data []byte, path string) (*Manifest, error) {
	m := &Manifest{Path: path}
	seen := make(map[string]int)

	data = bytes.TrimPrefix(data, []byte{0xEF, 0xBB, 0xBF})
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		startLine := lineNo
		line := scanner.Text()
		// Installer manifests allow trailing-backslash continuations.
		for strings.HasSuffix(line, `\`) && scanner.Scan() {
			lineNo++
			line = strings.TrimSuffix(line, `\`) + scanner.Text()
		}

		entry := stripComment(line)
		if entry == "" {
			continue
		}

		pin, err := parseEntry(entry, startLine, path)
		if err != nil {
			return nil, err
		}
		key := NormalizeName(pin.Name)
		if prev, ok := seen[key]; ok {
			return nil, fmt.Errorf("%s:%d: duplicate pin for %q (first pinned on line %d)", path, startLine, pin.Name, prev)
		}
		seen[key] = startLine
		m.Pins = append(m.Pins, pin)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", path, err)
	}
	return m, nil
}

func stripComment(line string) string {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || strings.HasPrefix(trimmed, "#") {
		return ""
	}
	// Inline comments require leading whitespace, matching installer behavior.
	if idx := strings.Index(trimmed, " #"); idx >= 0 {
		trimmed = strings.TrimSpace(trimmed[:idx])
	} else if idx := strings.Index(trimmed, "\t#"); idx >= 0 {
		trimmed = strings.TrimSpace(trimmed[:idx])
	}
	return trimmed
}

func parseEntry(entry string, line int, path string) (Pin, error) {
	fail := func(reason string) (Pin, error) {
		return Pin{}, fmt.Errorf("%s:%d: %s in %q", path, line, reason, entry)
	}

	if strings.HasPrefix(entry, "-") {
		return fail("installer options are not allowed")
	}
	if strings.Contains(entry, "://") || strings.HasPrefix(entry, "git+") {
		return fail("URL requirements are not allowed")
	}
	if strings.Contains(entry, "@") {
		return fail("direct references are not allowed")
	}
	if strings.Contains(entry, ";") {
		return fail("environment markers are not allowed")
	}
	for _, op := range rangeOperators {
		if strings.Contains(entry, op) {
			return fail(fmt.Sprintf("version constraint %q is not an exact pin", op))
		}
	}

	idx := strings.Index(entry, "==")
	if idx < 0 {
		return fail("missing exact version pin (expected name==version)")
	}
	namePart := strings.TrimSpace(entry[:idx])
	version := strings.TrimSpace(entry[idx+2:])

	name := namePart
	var extras []string
	if open := strings.Index(namePart, "["); open >= 0 {
		if !strings.HasSuffix(namePart, "]") {
			return fail("malformed extras")
		}
		name = strings.TrimSpace(namePart[:open])
		for _, e := range strings.Split(namePart[open+1:len(namePart)-1], ",") {
			e = strings.TrimSpace(e)
			if e == "" || !extraRe.MatchString(e) {
				return fail("malformed extras")
			}
			extras = append(extras, e)
		}
	}

	if name == "" || !nameRe.MatchString(name) {
		return fail("invalid package name")
	}
	if version == "" {
		return fail("empty version pin")
	}
	if strings.Contains(version, "*") {
		return fail("wildcard versions are not exact pins")
	}
	if !versionRe.MatchString(version) {
		return fail("invalid version")
	}

	return Pin{Name: name, Version: version, Extras: extras, Raw: entry, Line: line}, nil
}

// NormalizeName lowercases a package name and collapses separator runs, so
// Flask, flask, and FLASK pin the same package.
func NormalizeName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	prevSep := false
	for _, r := range strings.ToLower(name) {
		if r == '-' || r == '_' || r == '.' {
			if !prevSep {
				b.WriteByte('-')
			}
			prevSep = true
			continue
		}
		prevSep = false
		b.WriteRune(r)
	}
	return b.String()
}

// Specs returns installer arguments for every pin, in file order.
func (m *Manifest) Specs() []string {
	out := make([]string, 0, len(m.Pins))
	for _, p := range m.Pins {
		out = append(out, p.Spec())
	}
	return out
}

// Digest returns a content digest over the normalized, sorted pin set.
// Comments, blank lines, and reordering do not change it; any change to a
// name, version, or extra does.
func (m *Manifest) Digest() digest.Digest {
	entries := make([]string, 0, len(m.Pins))
	for _, p := range m.Pins {
		extras := append([]string(nil), p.Extras...)
		for i := range extras {
			extras[i] = strings.ToLower(extras[i])
		}
		sort.Strings(extras)
		entries = append(entries, NormalizeName(p.Name)+"["+strings.Join(extras, ",")+"]=="+p.Version)
	}
	sort.Strings(entries)

	d := digest.Canonical.Digester()
	h := d.Hash()
	write := func(s string) {
		_, _ = h.Write([]byte(s))
		_, _ = h.Write([]byte{0})
	}
	write("slipway.manifest.v1")
	for _, e := range entries {
		write(e)
	}
	return d.Digest()
}
