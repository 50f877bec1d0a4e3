package tools

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/zyr3x/opengemini/pkg/utils"
)

// maxReadSize caps read_file and read_file_lines input.
const maxReadSize = 256 * 1024

// binaryProbeSize is how much of a file the null-byte heuristic inspects.
const binaryProbeSize = 8 * 1024

// readFile returns a file's text content. Binary files are refused via the
// null-byte heuristic; PDF, DOCX, and XLSX files fall back to text
// extraction instead.
func readFile(ctx context.Context, env *Env, args map[string]interface{}) string {
	path := stringArg(args, "path")
	if path == "" {
		return errorf("path is required")
	}

	resolved, err := env.ResolveExisting(path)
	if err != nil {
		return errorf("%v", err)
	}

	if utils.IsDocumentFile(resolved) {
		text, err := utils.ExtractDocumentText(resolved)
		if err != nil {
			return errorf("cannot extract text from %s: %v", path, err)
		}
		if len(text) > maxReadSize {
			text = text[:maxReadSize] + "\n[... truncated ...]"
		}
		return text
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return errorf("cannot stat %s: %v", path, err)
	}
	if info.IsDir() {
		return errorf("%s is a directory, use list_files", path)
	}
	if info.Size() > maxReadSize {
		return errorf("%s is too large: %d bytes (limit %d)", path, info.Size(), maxReadSize)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return errorf("cannot read %s: %v", path, err)
	}
	if IsBinaryData(data) {
		return errorf("%s looks like a binary file", path)
	}
	return string(data)
}

// readFileLines returns an inclusive 1-indexed line range with line-number
// gutters.
func readFileLines(ctx context.Context, env *Env, args map[string]interface{}) string {
	path := stringArg(args, "path")
	if path == "" {
		return errorf("path is required")
	}
	startLine := intArg(args, "start_line", 0)
	endLine := intArg(args, "end_line", 0)
	if startLine < 1 || endLine < startLine {
		return errorf("invalid line range %d-%d", startLine, endLine)
	}

	resolved, err := env.ResolveExisting(path)
	if err != nil {
		return errorf("%v", err)
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return errorf("cannot stat %s: %v", path, err)
	}
	if info.Size() > maxReadSize {
		return errorf("%s is too large: %d bytes (limit %d)", path, info.Size(), maxReadSize)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return errorf("cannot read %s: %v", path, err)
	}
	if IsBinaryData(data) {
		return errorf("%s looks like a binary file", path)
	}

	lines := strings.Split(string(data), "\n")
	if startLine > len(lines) {
		return errorf("start_line %d is past the end of %s (%d lines)", startLine, path, len(lines))
	}
	if endLine > len(lines) {
		endLine = len(lines)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s lines %d-%d of %d\n", path, startLine, endLine, len(lines))
	for i := startLine; i <= endLine; i++ {
		fmt.Fprintf(&b, "%6d| %s\n", i, lines[i-1])
	}
	return strings.TrimSuffix(b.String(), "\n")
}

// diffFiles shells out to the system diff for a unified comparison. Exit
// status 1 just means the files differ.
func diffFiles(ctx context.Context, env *Env, args map[string]interface{}) string {
	pathA := stringArg(args, "path_a")
	pathB := stringArg(args, "path_b")
	if pathA == "" || pathB == "" {
		return errorf("path_a and path_b are required")
	}

	resolvedA, err := env.ResolveExisting(pathA)
	if err != nil {
		return errorf("%v", err)
	}
	resolvedB, err := env.ResolveExisting(pathB)
	if err != nil {
		return errorf("%v", err)
	}

	cmd := exec.CommandContext(ctx, "diff", "-u", resolvedA, resolvedB)
	out, err := cmd.CombinedOutput()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); !ok || exitErr.ExitCode() != 1 {
			return errorf("diff failed: %v: %s", err, strings.TrimSpace(string(out)))
		}
	}
	if len(bytes.TrimSpace(out)) == 0 {
		return fmt.Sprintf("%s and %s are identical", pathA, pathB)
	}
	return string(out)
}

// IsBinaryData reports whether the probe window contains a null byte.
func IsBinaryData(data []byte) bool {
	probe := data
	if len(probe) > binaryProbeSize {
		probe = probe[:binaryProbeSize]
	}
	return bytes.IndexByte(probe, 0) >= 0
}
