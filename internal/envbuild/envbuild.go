// Package envbuild implements C10: deterministic PATH and host-environment
// construction for the sandbox driver, grounded on the teacher's getEnv*
// family and workspace/container path derivation helpers in config.go,
// generalized from config parsing to PATH/env construction.
package envbuild

import (
	"os"
	"os/user"
	"path/filepath"
	"strings"
)

// BuildPath constructs a deduplicated, tilde-expanded PATH string from
// entries, in explicit mode (no inherited PATH is merged in): spec.md §6
// "Environment construction". Idempotent under re-splitting:
// BuildPath(strings.Split(BuildPath(entries), ":")) == BuildPath(entries).
func BuildPath(entries []string) string {
	seen := make(map[string]bool, len(entries))
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		expanded := expandTilde(e)
		if expanded == "" || seen[expanded] {
			continue
		}
		seen[expanded] = true
		out = append(out, expanded)
	}
	return strings.Join(out, ":")
}

// BuildHostEnv builds the environment slice (KEY=VALUE entries) handed to
// the sandbox driver: spec.md §6 "Environment construction" — start from
// the inherited environment, replace PATH entirely with
// BuildPath(pathEntries) (explicit mode — PATH itself is never inherited),
// then merge runtimeEnv after tilde expansion of its values.
func BuildHostEnv(pathEntries []string, runtimeEnv map[string]string) []string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}

	env["PATH"] = BuildPath(pathEntries)
	for k, v := range runtimeEnv {
		env[k] = expandTilde(v)
	}

	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

// ResolveExecutableOnPath walks path's colon-separated entries and returns
// the first absolute path where exe exists and is executable, or "" if
// none qualifies.
func ResolveExecutableOnPath(exe, path string) string {
	if exe == "" {
		return ""
	}
	if filepath.IsAbs(exe) {
		if isExecutableFile(exe) {
			return exe
		}
		return ""
	}
	for _, dir := range strings.Split(path, ":") {
		if dir == "" {
			continue
		}
		candidate := filepath.Join(expandTilde(dir), exe)
		if isExecutableFile(candidate) {
			return candidate
		}
	}
	return ""
}

func isExecutableFile(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode()&0o111 != 0
}

// expandTilde expands a leading "~" or "~/..." to the current user's home
// directory. Any other form of the string is returned unchanged.
func expandTilde(p string) string {
	if p == "" || p[0] != '~' {
		return p
	}
	home := homeDir()
	if home == "" {
		return p
	}
	if p == "~" {
		return home
	}
	if strings.HasPrefix(p, "~/") {
		return filepath.Join(home, p[2:])
	}
	return p
}

func homeDir() string {
	if home := os.Getenv("HOME"); home != "" {
		return home
	}
	if u, err := user.Current(); err == nil {
		return u.HomeDir
	}
	return ""
}
