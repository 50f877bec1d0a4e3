package tools

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// treeFileCap bounds list_files output; huge monorepos get truncated, not
// walked to completion.
const treeFileCap = 500

// IgnoreFileName is the project-local ignore list honored by the
// navigation, search, and code-injection walks.
const IgnoreFileName = ".geminiignore"

// defaultIgnoreDirs are skipped entirely during directory walks.
var defaultIgnoreDirs = map[string]bool{
	".git":         true,
	".svn":         true,
	".hg":          true,
	"node_modules": true,
	"vendor":       true,
	"__pycache__":  true,
	".venv":        true,
	"venv":         true,
	".idea":        true,
	".vscode":      true,
	"dist":         true,
	"build":        true,
	"target":       true,
	".opengemini":  true,
}

// defaultIgnoreExts are file extensions with no useful text content.
var defaultIgnoreExts = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".bmp": true,
	".ico": true, ".webp": true, ".exe": true, ".dll": true, ".so": true,
	".dylib": true, ".bin": true, ".zip": true, ".tar": true, ".gz": true,
	".bz2": true, ".xz": true, ".7z": true, ".jar": true, ".class": true,
	".pyc": true, ".o": true, ".a": true, ".wasm": true, ".db": true,
	".sqlite": true, ".woff": true, ".woff2": true, ".ttf": true, ".eot": true,
}

// IgnoreSet decides which walk entries to skip: the built-in defaults plus
// any project-local ignore file plus per-call additions.
type IgnoreSet struct {
	dirs     map[string]bool
	exts     map[string]bool
	files    map[string]bool
	patterns []string
}

// NewIgnoreSet builds the default set, augmented by <root>/.geminiignore
// when present.
func NewIgnoreSet(root string) *IgnoreSet {
	s := &IgnoreSet{
		dirs:  make(map[string]bool, len(defaultIgnoreDirs)),
		exts:  make(map[string]bool, len(defaultIgnoreExts)),
		files: make(map[string]bool),
	}
	for d := range defaultIgnoreDirs {
		s.dirs[d] = true
	}
	for e := range defaultIgnoreExts {
		s.exts[e] = true
	}
	if root != "" {
		s.loadIgnoreFile(filepath.Join(root, IgnoreFileName))
	}
	return s
}

// AddTypes ignores additional file extensions ("log" and ".log" both work).
func (s *IgnoreSet) AddTypes(exts ...string) {
	for _, e := range exts {
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		s.exts[strings.ToLower(e)] = true
	}
}

// AddDirs ignores additional directory names.
func (s *IgnoreSet) AddDirs(names ...string) {
	for _, n := range names {
		if n != "" {
			s.dirs[n] = true
		}
	}
}

// AddFiles ignores additional file names or glob patterns.
func (s *IgnoreSet) AddFiles(names ...string) {
	for _, n := range names {
		if n == "" {
			continue
		}
		if strings.ContainsAny(n, "*?[") {
			s.patterns = append(s.patterns, n)
		} else {
			s.files[n] = true
		}
	}
}

func (s *IgnoreSet) loadIgnoreFile(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasSuffix(line, "/") {
			s.AddDirs(strings.TrimSuffix(line, "/"))
		} else {
			s.AddFiles(line)
		}
	}
}

// SkipDir reports whether a directory entry should be pruned.
func (s *IgnoreSet) SkipDir(name string) bool {
	return s.dirs[name]
}

// SkipFile reports whether a file entry should be skipped.
func (s *IgnoreSet) SkipFile(name string) bool {
	if s.files[name] {
		return true
	}
	if s.exts[strings.ToLower(filepath.Ext(name))] {
		return true
	}
	for _, p := range s.patterns {
		if ok, _ := filepath.Match(p, name); ok {
			return true
		}
	}
	return false
}

// listFiles renders the target directory as an ASCII tree, capped at
// treeFileCap entries.
func listFiles(ctx context.Context, env *Env, args map[string]interface{}) string {
	target := stringArg(args, "path")
	if target == "" {
		target = "."
	}
	maxDepth := intArg(args, "max_depth", 0)

	resolved, err := env.ResolveExisting(target)
	if err != nil {
		return errorf("%v", err)
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return errorf("cannot stat %s: %v", target, err)
	}
	if !info.IsDir() {
		return errorf("%s is not a directory", target)
	}

	ignore := NewIgnoreSet(env.Root)

	var b strings.Builder
	b.WriteString(filepath.Base(resolved) + "/\n")
	count := 0
	truncated := renderTree(ctx, resolved, "", 1, maxDepth, ignore, &b, &count)

	b.WriteString(fmt.Sprintf("\n%d entries", count))
	if truncated {
		b.WriteString(fmt.Sprintf(" (truncated at %d files)", treeFileCap))
	}
	return b.String()
}

// renderTree walks one directory level. Returns true once the cap is hit.
func renderTree(ctx context.Context, dir, prefix string, depth, maxDepth int, ignore *IgnoreSet, b *strings.Builder, count *int) bool {
	if ctx.Err() != nil {
		return true
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		b.WriteString(prefix + "[unreadable]\n")
		return false
	}

	kept := entries[:0]
	for _, e := range entries {
		if e.IsDir() {
			if !ignore.SkipDir(e.Name()) {
				kept = append(kept, e)
			}
		} else if !ignore.SkipFile(e.Name()) {
			kept = append(kept, e)
		}
	}
	sort.Slice(kept, func(i, j int) bool {
		if kept[i].IsDir() != kept[j].IsDir() {
			return kept[i].IsDir()
		}
		return kept[i].Name() < kept[j].Name()
	})

	for i, e := range kept {
		if *count >= treeFileCap {
			return true
		}
		connector, childPrefix := "├── ", prefix+"│   "
		if i == len(kept)-1 {
			connector, childPrefix = "└── ", prefix+"    "
		}

		if e.IsDir() {
			b.WriteString(prefix + connector + e.Name() + "/\n")
			*count++
			if maxDepth == 0 || depth < maxDepth {
				if renderTree(ctx, filepath.Join(dir, e.Name()), childPrefix, depth+1, maxDepth, ignore, b, count) {
					return true
				}
			}
		} else {
			b.WriteString(prefix + connector + e.Name() + "\n")
			*count++
		}
	}
	return false
}
