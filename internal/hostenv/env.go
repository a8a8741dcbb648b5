// Package hostenv builds the deterministic host environment handed to the
// sandbox driver when spawning agent backends.
package hostenv

import (
	"os"
	"path/filepath"
	"strings"
)

// BuildHostEnv returns the environment for spawned backend processes.
// It starts from the inherited environment, then replaces PATH with the
// deduplicated, tilde-expanded entries list (explicit mode, no inheritance)
// and merges extra variables on top.
func BuildHostEnv(pathEntries []string, extra map[string]string) []string {
	env := os.Environ()

	out := make([]string, 0, len(env)+len(extra))
	for _, kv := range env {
		if strings.HasPrefix(kv, "PATH=") {
			continue
		}
		out = append(out, kv)
	}
	out = append(out, "PATH="+BuildPath(pathEntries))

	for k, v := range extra {
		out = setEnv(out, k, ExpandTilde(v))
	}
	return out
}

// BuildPath joins pathEntries into a PATH string, expanding tildes and
// dropping duplicates while preserving first-seen order. The result is
// stable: BuildPath(strings.Split(BuildPath(e), ":")) == BuildPath(e).
func BuildPath(entries []string) string {
	seen := make(map[string]struct{}, len(entries))
	var parts []string
	for _, e := range entries {
		if e == "" {
			continue
		}
		expanded := ExpandTilde(e)
		if _, dup := seen[expanded]; dup {
			continue
		}
		seen[expanded] = struct{}{}
		parts = append(parts, expanded)
	}
	return strings.Join(parts, ":")
}

// ExpandTilde expands a leading ~ or ~/ to the current user's home directory
func ExpandTilde(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil || home == "" {
			return p
		}
		if p == "~" {
			return home
		}
		return filepath.Join(home, p[2:])
	}
	return p
}

// ResolveExecutableOnPath walks the colon-separated path and returns the
// first existing, executable absolute path for exe, or "" if none is found.
// When path is empty, the process's own PATH is used.
func ResolveExecutableOnPath(exe, path string) string {
	if exe == "" {
		return ""
	}
	if path == "" {
		path = os.Getenv("PATH")
	}
	for _, dir := range strings.Split(path, ":") {
		if dir == "" {
			continue
		}
		candidate := filepath.Join(ExpandTilde(dir), exe)
		info, err := os.Stat(candidate)
		if err != nil || info.IsDir() {
			continue
		}
		if info.Mode().Perm()&0o111 == 0 {
			continue
		}
		if !filepath.IsAbs(candidate) {
			abs, err := filepath.Abs(candidate)
			if err != nil {
				continue
			}
			candidate = abs
		}
		return candidate
	}
	return ""
}

// setEnv replaces or appends KEY=value in an environment slice
func setEnv(env []string, key, value string) []string {
	prefix := key + "="
	for i, kv := range env {
		if strings.HasPrefix(kv, prefix) {
			env[i] = prefix + value
			return env
		}
	}
	return append(env, prefix+value)
}
