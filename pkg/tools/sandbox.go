package tools

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Resolve maps a tool-supplied path to an absolute path confined to the
// project root. The result is checked after symlink resolution, so a link
// pointing outside the root is rejected even though its own path looks
// clean. Targets that do not exist yet resolve through their nearest
// existing ancestor, which lets create-style tools pass the same check.
func (e *Env) Resolve(path string) (string, error) {
	if e == nil || e.Root == "" {
		return "", fmt.Errorf("no project root is set for this request (use project_path=...)")
	}

	candidate := path
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(e.Root, candidate)
	}
	candidate = filepath.Clean(candidate)

	realRoot, err := filepath.EvalSymlinks(e.Root)
	if err != nil {
		return "", fmt.Errorf("project root %s is not accessible: %w", e.Root, err)
	}

	real, err := resolveExistingPrefix(candidate)
	if err != nil {
		return "", fmt.Errorf("cannot resolve %s: %w", path, err)
	}

	if !pathWithin(real, realRoot) {
		return "", fmt.Errorf("permission denied: %s is outside the project root", path)
	}
	if len(e.AllowedRoots) > 0 && !withinAny(real, e.AllowedRoots) {
		return "", fmt.Errorf("permission denied: %s is outside the allowed paths", path)
	}
	return real, nil
}

// ResolveExisting is Resolve plus an existence check.
func (e *Env) ResolveExisting(path string) (string, error) {
	resolved, err := e.Resolve(path)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(resolved); err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("no such file or directory: %s", path)
		}
		return "", err
	}
	return resolved, nil
}

// CheckRoot validates a directory as a project root: it must exist, be a
// directory, and fall under the allow-list when one is configured. Returns
// the symlink-resolved root.
func CheckRoot(root string, allowed []string) (string, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("invalid project root %s: %w", root, err)
	}
	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", fmt.Errorf("project root %s is not accessible: %w", root, err)
	}
	info, err := os.Stat(real)
	if err != nil {
		return "", fmt.Errorf("project root %s is not accessible: %w", root, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("project root %s is not a directory", root)
	}
	if len(allowed) > 0 && !withinAny(real, allowed) {
		return "", fmt.Errorf("permission denied: %s is not under any allowed path", root)
	}
	return real, nil
}

// ResolveAllowed maps a request-supplied path to a symlink-resolved
// absolute path constrained only by the allow-list, for callers that run
// before any project root exists. Relative paths join against baseDir, or
// the process working directory when baseDir is empty. The target must
// exist.
func ResolveAllowed(path, baseDir string, allowed []string) (string, error) {
	candidate := path
	if !filepath.IsAbs(candidate) {
		if baseDir != "" {
			candidate = filepath.Join(baseDir, candidate)
		} else if abs, err := filepath.Abs(candidate); err == nil {
			candidate = abs
		}
	}
	real, err := filepath.EvalSymlinks(filepath.Clean(candidate))
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("no such file or directory: %s", path)
		}
		return "", err
	}
	if len(allowed) > 0 && !withinAny(real, allowed) {
		return "", fmt.Errorf("permission denied: %s is outside the allowed paths", path)
	}
	return real, nil
}

// resolveExistingPrefix resolves symlinks through the deepest existing
// ancestor of the path and re-joins the non-existing remainder.
func resolveExistingPrefix(path string) (string, error) {
	if real, err := filepath.EvalSymlinks(path); err == nil {
		return real, nil
	} else if !os.IsNotExist(err) {
		return "", err
	}

	dir, base := filepath.Split(filepath.Clean(path))
	dir = filepath.Clean(dir)
	if dir == path {
		// Hit the filesystem root without finding anything.
		return path, nil
	}
	realDir, err := resolveExistingPrefix(dir)
	if err != nil {
		return "", err
	}
	return filepath.Join(realDir, base), nil
}

func pathWithin(path, base string) bool {
	if path == base {
		return true
	}
	return strings.HasPrefix(path, base+string(filepath.Separator))
}

func withinAny(path string, bases []string) bool {
	for _, base := range bases {
		real, err := filepath.EvalSymlinks(base)
		if err != nil {
			real = base
		}
		if pathWithin(path, real) {
			return true
		}
	}
	return false
}
