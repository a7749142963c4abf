package config

import (
	"os"
	"path/filepath"
	"strings"
)

// baseDir anchors relative runtime paths. It is the directory of the resolved
// executable, or the working directory under "go run" and tests where the
// binary lives in a temp dir.
func baseDir() string {
	if exe, err := os.Executable(); err == nil {
		if resolved, err := filepath.EvalSymlinks(exe); err == nil {
			exe = resolved
		}
		dir := filepath.Dir(exe)
		if !strings.HasPrefix(dir, os.TempDir()) {
			return dir
		}
	}
	if wd, err := os.Getwd(); err == nil {
		return wd
	}
	return "."
}

// ResolveRuntimePath expands environment variables and a leading "~/" in raw,
// falls back to fallback when raw is blank, and anchors relative results at
// baseDir.
func ResolveRuntimePath(raw, fallback string) string {
	p := strings.TrimSpace(os.ExpandEnv(raw))
	if p == "" {
		p = fallback
	}
	if rest, ok := strings.CutPrefix(p, "~/"); ok {
		if home, err := os.UserHomeDir(); err == nil {
			p = filepath.Join(home, rest)
		}
	}
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(baseDir(), p)
}
