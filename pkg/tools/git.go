package tools

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// gitOutputCap bounds raw git output before the optimizer sees it.
const gitOutputCap = 128 * 1024

// gitOutput executes git against the project root and returns its trimmed
// output. Callers pass fixed subcommands and flags; anything model-supplied
// goes through revArg or pathspec first.
func gitOutput(ctx context.Context, env *Env, args ...string) (string, error) {
	if env == nil || env.Root == "" {
		return "", fmt.Errorf("no project root is set for this request (use project_path=...)")
	}

	full := append([]string{"-C", env.Root}, args...)
	cmd := exec.CommandContext(ctx, "git", full...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("git %s failed: %s", args[0], truncateForError(msg))
	}

	result := strings.TrimRight(string(out), "\n")
	if len(result) > gitOutputCap {
		result = result[:gitOutputCap] + "\n[... truncated ...]"
	}
	return result, nil
}

// runGit is gitOutput shaped as a tool result string.
func runGit(ctx context.Context, env *Env, args ...string) string {
	out, err := gitOutput(ctx, env, args...)
	if err != nil {
		return errorf("%v", err)
	}
	if out == "" {
		return fmt.Sprintf("git %s: no output", args[0])
	}
	return out
}

// revArg sanitizes a model-supplied revision: it must not look like a flag
// and must stay shell-metacharacter free.
func revArg(rev string) (string, error) {
	rev = strings.TrimSpace(rev)
	if rev == "" {
		return "", fmt.Errorf("empty revision")
	}
	if strings.HasPrefix(rev, "-") {
		return "", fmt.Errorf("revision %q must not start with a dash", rev)
	}
	if strings.ContainsAny(rev, " \t\n;|&$`") {
		return "", fmt.Errorf("revision %q contains invalid characters", rev)
	}
	return rev, nil
}

// pathspec confines a model-supplied path argument to the project root and
// returns it root-relative for use after a "--" separator.
func pathspec(env *Env, path string) (string, error) {
	resolved, err := env.Resolve(path)
	if err != nil {
		return "", err
	}
	root, err := env.Resolve(".")
	if err != nil {
		return "", err
	}
	rel := strings.TrimPrefix(resolved, root)
	rel = strings.TrimPrefix(rel, "/")
	if rel == "" {
		rel = "."
	}
	return rel, nil
}

func gitStatus(ctx context.Context, env *Env, args map[string]interface{}) string {
	return runGit(ctx, env, "status", "--short", "--branch")
}

func gitLog(ctx context.Context, env *Env, args map[string]interface{}) string {
	maxCount := clampCount(intArg(args, "max_count", 20))

	gitArgs := []string{"log", "--oneline", "--decorate", "-n", fmt.Sprintf("%d", maxCount)}
	if path := stringArg(args, "path"); path != "" {
		rel, err := pathspec(env, path)
		if err != nil {
			return errorf("%v", err)
		}
		gitArgs = append(gitArgs, "--", rel)
	}
	return runGit(ctx, env, gitArgs...)
}

func gitDiff(ctx context.Context, env *Env, args map[string]interface{}) string {
	gitArgs := []string{"diff"}
	if rev := stringArg(args, "revision"); rev != "" {
		clean, err := revArg(rev)
		if err != nil {
			return errorf("%v", err)
		}
		gitArgs = append(gitArgs, clean)
	}
	if path := stringArg(args, "path"); path != "" {
		rel, err := pathspec(env, path)
		if err != nil {
			return errorf("%v", err)
		}
		gitArgs = append(gitArgs, "--", rel)
	}
	return runGit(ctx, env, gitArgs...)
}

func gitShow(ctx context.Context, env *Env, args map[string]interface{}) string {
	clean, err := revArg(stringArg(args, "ref"))
	if err != nil {
		return errorf("%v", err)
	}

	gitArgs := []string{"show", clean}
	if path := stringArg(args, "path"); path != "" {
		rel, perr := pathspec(env, path)
		if perr != nil {
			return errorf("%v", perr)
		}
		gitArgs = append(gitArgs, "--", rel)
	}
	return runGit(ctx, env, gitArgs...)
}

func gitBlame(ctx context.Context, env *Env, args map[string]interface{}) string {
	path := stringArg(args, "path")
	if path == "" {
		return errorf("path is required")
	}
	rel, err := pathspec(env, path)
	if err != nil {
		return errorf("%v", err)
	}

	gitArgs := []string{"blame"}
	startLine := intArg(args, "start_line", 0)
	endLine := intArg(args, "end_line", 0)
	if startLine > 0 {
		if endLine < startLine {
			endLine = startLine
		}
		gitArgs = append(gitArgs, "-L", fmt.Sprintf("%d,%d", startLine, endLine))
	}
	gitArgs = append(gitArgs, "--", rel)
	return runGit(ctx, env, gitArgs...)
}

func gitRecentFiles(ctx context.Context, env *Env, args map[string]interface{}) string {
	maxCount := clampCount(intArg(args, "max_count", 20))

	// Over-fetch commits, then keep the first appearance of each file.
	raw, err := gitOutput(ctx, env, "log", "--name-only", "--pretty=format:", "-n", "50")
	if err != nil {
		return errorf("%v", err)
	}

	seen := make(map[string]bool)
	var files []string
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || seen[line] {
			continue
		}
		seen[line] = true
		files = append(files, line)
		if len(files) >= maxCount {
			break
		}
	}
	if len(files) == 0 {
		return "no recently changed files"
	}
	return strings.Join(files, "\n")
}

func clampCount(n int) int {
	if n < 1 {
		return 20
	}
	if n > 100 {
		return 100
	}
	return n
}
