// Package executil provides helpers for running external commands with a
// sanitized PATH.
package executil

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

var defaultSafeDirs = []string{
	"/usr/local/bin",
	"/usr/bin",
	"/bin",
	"/opt/homebrew/bin",
}

// Command builds an exec.Cmd using a sanitized PATH and a resolved executable.
func Command(name string, args ...string) (*exec.Cmd, error) {
	path, env, err := resolve(name)
	if err != nil {
		return nil, err
	}
	cmd := exec.Command(path, args...)
	cmd.Env = env
	return cmd, nil
}

// CommandContext is Command with a context attached to the process.
func CommandContext(ctx context.Context, name string, args ...string) (*exec.Cmd, error) {
	path, env, err := resolve(name)
	if err != nil {
		return nil, err
	}
	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Env = env
	return cmd, nil
}

func resolve(name string) (string, []string, error) {
	dirs := safePathDirs()
	path, err := findExecutable(name, dirs)
	if err != nil {
		return "", nil, err
	}
	return path, envWithPath(strings.Join(dirs, string(os.PathListSeparator))), nil
}

// safePathDirs merges the default safe directories with any world-unwritable
// absolute directories already on PATH, preserving order without duplicates.
func safePathDirs() []string {
	seen := make(map[string]struct{})
	var dirs []string

	add := func(dir string) {
		dir = filepath.Clean(dir)
		if dir == "" || !filepath.IsAbs(dir) {
			return
		}
		if _, ok := seen[dir]; ok {
			return
		}
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() || info.Mode().Perm()&0o022 != 0 {
			return
		}
		seen[dir] = struct{}{}
		dirs = append(dirs, dir)
	}

	for _, dir := range defaultSafeDirs {
		add(dir)
	}
	for _, dir := range filepath.SplitList(os.Getenv("PATH")) {
		add(dir)
	}
	return dirs
}

func findExecutable(name string, dirs []string) (string, error) {
	if filepath.IsAbs(name) {
		if isExecutable(name) {
			return name, nil
		}
		return "", fmt.Errorf("executable not found: %s", name)
	}
	for _, dir := range dirs {
		candidate := filepath.Join(dir, name)
		if isExecutable(candidate) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("executable not found in safe PATH: %s", name)
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir() && info.Mode().Perm()&0o111 != 0
}

func envWithPath(value string) []string {
	env := os.Environ()
	out := make([]string, 0, len(env)+1)
	for _, entry := range env {
		if strings.HasPrefix(entry, "PATH=") {
			continue
		}
		out = append(out, entry)
	}
	return append(out, "PATH="+value)
}
