package tools

import (
	"fmt"
	"strings"

	"github.com/zyr3x/opengemini/pkg/utils"
)

const (
	// optimizeTokenThreshold is where shrinking kicks in, measured with
	// the dense estimator.
	optimizeTokenThreshold = 1000
	// optimizeCharBudget is the character budget the shrunken output
	// targets, the threshold at 3.5 chars per token.
	optimizeCharBudget = 3500

	fenceHeadLines = 40
	fenceTailLines = 15
	listHeadLines  = 60
)

// Optimize shrinks an oversized tool result while keeping its most useful
// structure: diffs keep their change lines, fenced code keeps its head and
// tail, list-like output keeps its head. Small results pass through.
func Optimize(toolName, content string) string {
	if utils.EstimateTokensDense(content) <= optimizeTokenThreshold {
		return content
	}

	lines := strings.Split(content, "\n")
	switch {
	case looksLikeDiff(lines):
		return shrinkDiff(lines)
	case strings.Contains(content, "```"):
		return shrinkFenced(lines)
	case looksLikeList(lines):
		return shrinkList(lines)
	default:
		return content[:optimizeCharBudget] + "\n[... truncated ...]"
	}
}

// looksLikeDiff wants real diff structure, not just a stray "+" line.
func looksLikeDiff(lines []string) bool {
	markers := 0
	for _, line := range lines {
		if strings.HasPrefix(line, "@@") ||
			strings.HasPrefix(line, "diff ") ||
			strings.HasPrefix(line, "+++ ") ||
			strings.HasPrefix(line, "--- ") {
			markers++
			if markers >= 2 {
				return true
			}
		}
	}
	return false
}

// shrinkDiff keeps headers and change lines and drops context lines.
func shrinkDiff(lines []string) string {
	var kept []string
	dropped := 0
	for _, line := range lines {
		switch {
		case strings.HasPrefix(line, "+"),
			strings.HasPrefix(line, "-"),
			strings.HasPrefix(line, "@@"),
			strings.HasPrefix(line, "diff "),
			strings.HasPrefix(line, "index "):
			kept = append(kept, line)
		default:
			dropped++
		}
	}
	out := strings.Join(kept, "\n")
	if dropped > 0 {
		out += fmt.Sprintf("\n[... %d context lines omitted ...]", dropped)
	}
	if len(out) > optimizeCharBudget*2 {
		out = out[:optimizeCharBudget*2] + "\n[... truncated ...]"
	}
	return out
}

// shrinkFenced keeps a head and tail window around the fenced content.
func shrinkFenced(lines []string) string {
	if len(lines) <= fenceHeadLines+fenceTailLines {
		return strings.Join(lines, "\n")
	}
	hidden := len(lines) - fenceHeadLines - fenceTailLines
	out := make([]string, 0, fenceHeadLines+fenceTailLines+1)
	out = append(out, lines[:fenceHeadLines]...)
	out = append(out, fmt.Sprintf("[... %d lines truncated ...]", hidden))
	out = append(out, lines[len(lines)-fenceTailLines:]...)
	return strings.Join(out, "\n")
}

// looksLikeList is many short lines: file lists, match lists, log output.
func looksLikeList(lines []string) bool {
	if len(lines) < 30 {
		return false
	}
	short := 0
	for _, line := range lines {
		if len(line) <= 120 {
			short++
		}
	}
	return short*10 >= len(lines)*8
}

// shrinkList keeps the head with a count marker.
func shrinkList(lines []string) string {
	if len(lines) <= listHeadLines {
		return strings.Join(lines, "\n")
	}
	rest := len(lines) - listHeadLines
	return strings.Join(lines[:listHeadLines], "\n") +
		fmt.Sprintf("\n[... %d more lines ...]", rest)
}
