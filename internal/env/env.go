// Package env composes the environment handed to the server runtime.
package env

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Env layers variables in order: the supervisor's own environment (when
// enabled), env files, then explicit KEY=VALUE entries.
type Env struct {
	vars map[string]string
}

// New returns an Env seeded from os.Environ when useOS is true.
func New(useOS bool) *Env {
	e := &Env{vars: make(map[string]string)}
	if useOS {
		e.apply(os.Environ())
	}
	return e
}

// Set overrides a single variable. Empty keys are ignored.
func (e *Env) Set(k, v string) {
	if k == "" {
		return
	}
	e.vars[k] = v
}

// Apply overrides variables from KEY=VALUE entries; malformed entries are skipped.
func (e *Env) Apply(kvs []string) { e.apply(kvs) }

func (e *Env) apply(kvs []string) {
	for _, kv := range kvs {
		if i := strings.IndexByte(kv, '='); i > 0 {
			e.vars[kv[:i]] = kv[i+1:]
		}
	}
}

// LoadFile applies a .env style file: KEY=VALUE per line, '#' comments,
// optional "export " prefix and matching surrounding quotes.
func (e *Env) LoadFile(path string) error {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("read env file: %w", err)
	}
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		k = strings.TrimSpace(k)
		v = unquote(strings.TrimSpace(v))
		e.Set(k, v)
	}
	return nil
}

// Merge returns the sorted KEY=VALUE list with extra applied last.
// ${VAR} references are expanded once against the merged set.
func (e *Env) Merge(extra []string) []string {
	m := make(map[string]string, len(e.vars)+len(extra))
	for k, v := range e.vars {
		m[k] = v
	}
	for _, kv := range extra {
		if i := strings.IndexByte(kv, '='); i > 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+expand(m[k], m))
	}
	return out
}

func expand(s string, m map[string]string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return os.Expand(s, func(k string) string { return m[k] })
}

func unquote(v string) string {
	if n := len(v); n >= 2 {
		if (v[0] == '"' && v[n-1] == '"') || (v[0] == '\'' && v[n-1] == '\'') {
			return v[1 : n-1]
		}
	}
	return v
}
