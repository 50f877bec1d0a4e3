package tools

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// maxWriteSize caps create_file and write_file content.
const maxWriteSize = 1 << 20

// createFile writes a new file. The target must not exist; overwriting
// goes through write_file so the model states its intent.
func createFile(ctx context.Context, env *Env, args map[string]interface{}) string {
	path := stringArg(args, "path")
	if path == "" {
		return errorf("path is required")
	}
	content, ok := args["content"].(string)
	if !ok {
		return errorf("content is required")
	}
	if len(content) > maxWriteSize {
		return errorf("content too large: %d bytes (limit %d)", len(content), maxWriteSize)
	}

	resolved, err := env.Resolve(path)
	if err != nil {
		return errorf("%v", err)
	}
	if _, err := os.Stat(resolved); err == nil {
		return errorf("%s already exists, use write_file to overwrite", path)
	} else if !os.IsNotExist(err) {
		return errorf("cannot stat %s: %v", path, err)
	}

	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return errorf("cannot create parent directory for %s: %v", path, err)
	}
	if err := os.WriteFile(resolved, []byte(content), 0o644); err != nil {
		return errorf("cannot write %s: %v", path, err)
	}
	return fmt.Sprintf("Created %s (%d bytes)", path, len(content))
}

// writeFile overwrites an existing file in full.
func writeFile(ctx context.Context, env *Env, args map[string]interface{}) string {
	path := stringArg(args, "path")
	if path == "" {
		return errorf("path is required")
	}
	content, ok := args["content"].(string)
	if !ok {
		return errorf("content is required")
	}
	if len(content) > maxWriteSize {
		return errorf("content too large: %d bytes (limit %d)", len(content), maxWriteSize)
	}

	resolved, err := env.ResolveExisting(path)
	if err != nil {
		return errorf("%v", err)
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return errorf("cannot stat %s: %v", path, err)
	}
	if info.IsDir() {
		return errorf("%s is a directory", path)
	}

	if err := os.WriteFile(resolved, []byte(content), info.Mode().Perm()); err != nil {
		return errorf("cannot write %s: %v", path, err)
	}
	return fmt.Sprintf("Wrote %s (%d bytes)", path, len(content))
}

// applyPatch applies a unified diff from the project root with the system
// patch tool at -p1. Markdown fences around the diff are stripped first,
// and any .orig backups patch leaves behind are scrubbed.
func applyPatch(ctx context.Context, env *Env, args map[string]interface{}) string {
	patch := stringArg(args, "patch")
	if patch == "" {
		return errorf("patch is required")
	}
	root, err := env.Resolve(".")
	if err != nil {
		return errorf("%v", err)
	}

	patch = stripFences(patch)
	if !strings.HasSuffix(patch, "\n") {
		patch += "\n"
	}

	tmp, err := os.CreateTemp("", "opengemini-patch-*.diff")
	if err != nil {
		return errorf("cannot create temp file: %v", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.WriteString(patch); err != nil {
		tmp.Close()
		return errorf("cannot write temp file: %v", err)
	}
	tmp.Close()

	cmd := exec.CommandContext(ctx, "patch", "-p1", "--no-backup-if-mismatch", "-i", tmp.Name())
	cmd.Dir = root
	out, err := cmd.CombinedOutput()

	scrubbed := scrubOrigFiles(root)

	if err != nil {
		return errorf("patch failed: %s", truncateForError(string(out)))
	}

	result := strings.TrimSpace(string(out))
	if result == "" {
		result = "patch applied"
	}
	if scrubbed > 0 {
		result += fmt.Sprintf("\n(removed %d leftover .orig files)", scrubbed)
	}
	return result
}

// stripFences removes a markdown code fence wrapping the patch body, with
// or without a language tag.
func stripFences(s string) string {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "```") {
		return s
	}

	lines := strings.Split(trimmed, "\n")
	if len(lines) < 2 {
		return s
	}
	lines = lines[1:]
	for len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "```" {
		lines = lines[:len(lines)-1]
	}
	return strings.Join(lines, "\n")
}

// scrubOrigFiles removes patch's .orig backups under the root.
func scrubOrigFiles(root string) int {
	removed := 0
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if defaultIgnoreDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasSuffix(d.Name(), ".orig") {
			if os.Remove(path) == nil {
				removed++
			}
		}
		return nil
	})
	return removed
}

// executeCommand runs a shell command from the project root with a timeout.
// Non-zero exits report the code alongside the captured output.
func executeCommand(ctx context.Context, env *Env, args map[string]interface{}) string {
	command := stringArg(args, "command")
	if command == "" {
		return errorf("command is required")
	}
	root, err := env.Resolve(".")
	if err != nil {
		return errorf("%v", err)
	}

	ctx, cancel := context.WithTimeout(ctx, env.commandTimeout())
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = root
	start := time.Now()
	out, err := cmd.CombinedOutput()

	if ctx.Err() == context.DeadlineExceeded {
		return errorf("command timed out after %s", env.commandTimeout())
	}

	result := strings.TrimRight(string(out), "\n")
	if err != nil {
		exitCode := -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
		if result == "" {
			result = err.Error()
		}
		return fmt.Sprintf("%s\n[exit code %d after %s]", result, exitCode, time.Since(start).Round(time.Millisecond))
	}
	if result == "" {
		return "(no output)"
	}
	return result
}
