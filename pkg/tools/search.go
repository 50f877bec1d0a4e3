package tools

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// searchResultCap bounds search_code output lines.
const searchResultCap = 100

// searchCode runs the system line search over the project: ripgrep when
// installed, recursive grep otherwise. Output is capped at searchResultCap
// matching lines.
func searchCode(ctx context.Context, env *Env, args map[string]interface{}) string {
	pattern := stringArg(args, "pattern")
	if pattern == "" {
		return errorf("pattern is required")
	}

	target := stringArg(args, "path")
	if target == "" {
		target = "."
	}
	resolved, err := env.ResolveExisting(target)
	if err != nil {
		return errorf("%v", err)
	}

	cmd := searchCommand(ctx, pattern, resolved)
	cmd.Dir = env.Root
	out, err := cmd.CombinedOutput()
	if err != nil {
		// Exit status 1 is "no matches" for both grep and rg.
		if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
			return fmt.Sprintf("No matches for %q", pattern)
		}
		return errorf("search failed: %v: %s", err, truncateForError(string(out)))
	}

	lines := strings.Split(strings.TrimRight(string(out), "\n"), "\n")
	if len(lines) > searchResultCap {
		kept := lines[:searchResultCap]
		return strings.Join(kept, "\n") +
			fmt.Sprintf("\n[... %d more matching lines, refine the pattern ...]", len(lines)-searchResultCap)
	}
	return strings.Join(lines, "\n")
}

// searchCommand prefers rg and falls back to grep. The pattern rides after
// "--" so it can never be read as a flag.
func searchCommand(ctx context.Context, pattern, path string) *exec.Cmd {
	if rg, err := exec.LookPath("rg"); err == nil {
		return exec.CommandContext(ctx, rg,
			"--line-number", "--no-heading", "--max-count", "20", "--", pattern, path)
	}
	return exec.CommandContext(ctx, "grep",
		"-rn", "--binary-files=without-match", "--exclude-dir=.git", "--exclude-dir=node_modules",
		"--exclude-dir=vendor", "--", pattern, path)
}

func truncateForError(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 300 {
		return s[:300] + "..."
	}
	return s
}
