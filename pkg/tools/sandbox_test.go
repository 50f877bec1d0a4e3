package tools

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

func testEnv(t *testing.T) (*Env, string) {
	t.Helper()
	root := t.TempDir()
	// TempDir may sit under a symlink (macOS /var); resolve so prefix
	// comparisons see the same form the sandbox produces.
	real, err := filepath.EvalSymlinks(root)
	if err != nil {
		t.Fatalf("EvalSymlinks(%s): %v", root, err)
	}
	return &Env{Root: real}, real
}

func TestResolveInsideRoot(t *testing.T) {
	env, root := testEnv(t)
	mustWrite(t, filepath.Join(root, "src", "main.go"), "package main\n")

	got, err := env.Resolve("src/main.go")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if got != filepath.Join(root, "src", "main.go") {
		t.Errorf("unexpected resolution: %s", got)
	}
}

func TestResolveRejectsTraversal(t *testing.T) {
	env, _ := testEnv(t)

	for _, path := range []string{"../../etc/passwd", "src/../../outside", "/etc/passwd"} {
		if _, err := env.Resolve(path); err == nil {
			t.Errorf("expected %q to be rejected", path)
		}
	}
}

func TestResolveRejectsSymlinkEscape(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks")
	}
	env, root := testEnv(t)

	outside := t.TempDir()
	mustWrite(t, filepath.Join(outside, "secret.txt"), "secret")
	if err := os.Symlink(outside, filepath.Join(root, "link")); err != nil {
		t.Fatalf("symlink: %v", err)
	}

	if _, err := env.Resolve("link/secret.txt"); err == nil {
		t.Error("expected symlink escape to be rejected")
	}
	if !strings.Contains(errString(env.Resolve("link/secret.txt")), "outside the project root") {
		t.Error("expected a permission message naming the project root")
	}
}

func TestResolveNonexistentTarget(t *testing.T) {
	env, root := testEnv(t)

	got, err := env.Resolve("new/dir/file.txt")
	if err != nil {
		t.Fatalf("Resolve of a new path failed: %v", err)
	}
	if got != filepath.Join(root, "new", "dir", "file.txt") {
		t.Errorf("unexpected resolution: %s", got)
	}
}

func TestResolveNoRoot(t *testing.T) {
	env := &Env{}
	if _, err := env.Resolve("anything"); err == nil {
		t.Fatal("expected an error without a project root")
	}
}

func TestResolveAllowedRoots(t *testing.T) {
	env, root := testEnv(t)
	mustWrite(t, filepath.Join(root, "a.txt"), "a")

	env.AllowedRoots = []string{root}
	if _, err := env.Resolve("a.txt"); err != nil {
		t.Errorf("path under the allowed root rejected: %v", err)
	}

	env.AllowedRoots = []string{filepath.Join(root, "elsewhere")}
	if _, err := env.Resolve("a.txt"); err == nil {
		t.Error("expected rejection when no allowed root covers the path")
	}
}

func TestCheckRoot(t *testing.T) {
	root := t.TempDir()
	real, _ := filepath.EvalSymlinks(root)

	if _, err := CheckRoot(root, nil); err != nil {
		t.Errorf("plain root rejected: %v", err)
	}
	if _, err := CheckRoot(root, []string{real}); err != nil {
		t.Errorf("allowed root rejected: %v", err)
	}
	if _, err := CheckRoot(root, []string{filepath.Join(real, "sub")}); err == nil {
		t.Error("expected rejection outside the allow-list")
	}
	if _, err := CheckRoot(filepath.Join(root, "missing"), nil); err == nil {
		t.Error("expected rejection of a missing root")
	}

	file := filepath.Join(root, "f.txt")
	mustWrite(t, file, "x")
	if _, err := CheckRoot(file, nil); err == nil {
		t.Error("expected rejection of a non-directory root")
	}
}

func mustWrite(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func errString(_ string, err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
