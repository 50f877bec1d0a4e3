package shaping

import (
	"encoding/json"
	"regexp"
	"sort"
	"strings"

	"github.com/zyr3x/opengemini/pkg/upstream"
	"github.com/zyr3x/opengemini/pkg/utils"
)

// WindowPolicy configures how an over-budget conversation is cut down.
type WindowPolicy struct {
	// SelectiveEnabled turns on the keyword-relevance stage.
	SelectiveEnabled bool
	// MinScore is the relevance floor below which a middle message is
	// never kept by the selective stage.
	MinScore float64
	// KeepRecent is how many trailing messages are always kept.
	KeepRecent int
	// StopWords overrides the default stop-word set when non-nil.
	StopWords map[string]bool
}

const (
	// selectiveTargetPercent is the share of the budget the selective
	// stage fills, leaving headroom for the reply.
	selectiveTargetPercent = 80

	maxQueryKeywords  = 20
	summaryKeepRecent = 5
	summaryMaxWords   = 15
)

var defaultStopWords = map[string]bool{
	"the": true, "and": true, "for": true, "that": true, "this": true,
	"with": true, "you": true, "are": true, "was": true, "were": true,
	"have": true, "has": true, "had": true, "not": true, "but": true,
	"can": true, "will": true, "would": true, "could": true, "should": true,
	"what": true, "when": true, "where": true, "which": true, "how": true,
	"why": true, "who": true, "your": true, "from": true, "into": true,
	"about": true, "there": true, "their": true, "they": true, "them": true,
	"then": true, "than": true, "also": true, "just": true, "some": true,
	"please": true, "need": true, "want": true, "like": true, "make": true,
	"use": true, "using": true, "get": true, "all": true, "any": true,
}

var wordPattern = regexp.MustCompile(`\w+`)

// FitBudget applies the windowing stages in order until the conversation
// fits the token budget: selective keyword keep, then summary of the
// middle, then dropping middle messages outright. Conversations already
// within budget pass through untouched.
func FitBudget(contents []upstream.Content, currentQuery string, budget int, policy WindowPolicy) []upstream.Content {
	if budget <= 0 || TotalTokens(contents) <= budget {
		return contents
	}
	if policy.KeepRecent <= 0 {
		policy.KeepRecent = 4
	}

	if policy.SelectiveEnabled {
		contents = selectiveKeep(contents, currentQuery, budget, policy)
		if TotalTokens(contents) <= budget {
			return contents
		}
	}

	contents = smartSummary(contents)
	if TotalTokens(contents) <= budget {
		return contents
	}

	return naiveDrop(contents, budget, policy.KeepRecent)
}

// TotalTokens estimates the token footprint of a conversation.
func TotalTokens(contents []upstream.Content) int {
	total := 0
	for _, c := range contents {
		total += ContentTokens(c)
	}
	return total
}

// ContentTokens estimates one message, counting text, inline data, and
// tool traffic.
func ContentTokens(c upstream.Content) int {
	total := 0
	for _, p := range c.Parts {
		switch {
		case p.InlineData != nil:
			total += utils.EstimateTokens(p.InlineData.Data)
		case p.FunctionCall != nil:
			total += utils.EstimateTokens(p.FunctionCall.Name)
			total += utils.EstimateTokens(string(p.FunctionCall.Args))
		case p.FunctionResponse != nil:
			data, _ := json.Marshal(p.FunctionResponse.Response)
			total += utils.EstimateTokens(p.FunctionResponse.Name)
			total += utils.EstimateTokens(string(data))
		default:
			total += utils.EstimateTokens(p.Text)
		}
	}
	return total
}

// QueryKeywords extracts scoring keywords from the current query: case
// folded, stop words and numeric tokens removed, at most the 20 most
// frequent tokens of length 3 or more.
func QueryKeywords(query string, stopWords map[string]bool) []string {
	if stopWords == nil {
		stopWords = defaultStopWords
	}

	counts := map[string]int{}
	for _, tok := range wordPattern.FindAllString(strings.ToLower(query), -1) {
		if len(tok) < 3 || stopWords[tok] || isNumeric(tok) {
			continue
		}
		counts[tok]++
	}

	words := make([]string, 0, len(counts))
	for word := range counts {
		words = append(words, word)
	}
	sort.Slice(words, func(i, j int) bool {
		if counts[words[i]] != counts[words[j]] {
			return counts[words[i]] > counts[words[j]]
		}
		return words[i] < words[j]
	})
	if len(words) > maxQueryKeywords {
		words = words[:maxQueryKeywords]
	}
	return words
}

func isNumeric(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}

// selectiveKeep keeps the first message, the recent tail, and the most
// query-relevant middle messages that fit 80% of the budget, restored to
// chronological order.
func selectiveKeep(contents []upstream.Content, query string, budget int, policy WindowPolicy) []upstream.Content {
	keep := policy.KeepRecent
	if len(contents) <= keep+1 {
		return contents
	}

	keywords := QueryKeywords(query, policy.StopWords)
	if len(keywords) == 0 {
		return contents
	}

	target := budget * selectiveTargetPercent / 100
	recentStart := len(contents) - keep

	used := ContentTokens(contents[0])
	for _, c := range contents[recentStart:] {
		used += ContentTokens(c)
	}

	type scored struct {
		idx    int
		score  float64
		tokens int
	}
	var candidates []scored
	for i := 1; i < recentStart; i++ {
		score := relevanceScore(messageText(contents[i]), keywords)
		if score < policy.MinScore {
			continue
		}
		candidates = append(candidates, scored{idx: i, score: score, tokens: ContentTokens(contents[i])})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		// Equal relevance: prefer the newer message.
		return candidates[i].idx > candidates[j].idx
	})

	keepIdx := make(map[int]bool, len(candidates))
	for _, cand := range candidates {
		if used+cand.tokens > target {
			continue
		}
		used += cand.tokens
		keepIdx[cand.idx] = true
	}

	out := make([]upstream.Content, 0, keep+1+len(keepIdx))
	out = append(out, contents[0])
	for i := 1; i < recentStart; i++ {
		if keepIdx[i] {
			out = append(out, contents[i])
		}
	}
	out = append(out, contents[recentStart:]...)
	return out
}

// relevanceScore weighs keyword coverage at 0.7 and occurrence frequency,
// saturating at 5 hits, at 0.3.
func relevanceScore(text string, keywords []string) float64 {
	if len(keywords) == 0 {
		return 0
	}
	lower := strings.ToLower(text)

	matched := 0
	occurrences := 0
	for _, kw := range keywords {
		n := strings.Count(lower, kw)
		if n > 0 {
			matched++
			occurrences += n
		}
	}

	coverage := float64(matched) / float64(len(keywords))
	frequency := float64(occurrences) / 5
	if frequency > 1 {
		frequency = 1
	}
	return 0.7*coverage + 0.3*frequency
}

// smartSummary replaces the middle of the conversation with one synthetic
// user message holding a per-message one-line summary.
func smartSummary(contents []upstream.Content) []upstream.Content {
	if len(contents) <= summaryKeepRecent+1 {
		return contents
	}
	recentStart := len(contents) - summaryKeepRecent

	lines := make([]string, 0, recentStart-1)
	for _, c := range contents[1:recentStart] {
		lines = append(lines, summarizeMessage(c))
	}
	synthetic := upstream.NewTextContent(upstream.RoleUser,
		"Earlier conversation, summarized:\n"+strings.Join(lines, "\n"))

	out := make([]upstream.Content, 0, summaryKeepRecent+2)
	out = append(out, contents[0], synthetic)
	out = append(out, contents[recentStart:]...)
	return out
}

// summarizeMessage renders a role tag plus the first 15 words.
func summarizeMessage(c upstream.Content) string {
	words := strings.Fields(messageText(c))
	text := strings.Join(words, " ")
	if len(words) > summaryMaxWords {
		text = strings.Join(words[:summaryMaxWords], " ") + " ..."
	}
	if text == "" {
		text = "(non-text content)"
	}
	return c.Role + ": " + text
}

// naiveDrop removes middle messages oldest first until the conversation
// fits. The first message and the recent tail survive even when the
// result still exceeds the budget.
func naiveDrop(contents []upstream.Content, budget, keepRecent int) []upstream.Content {
	out := append([]upstream.Content(nil), contents...)
	for TotalTokens(out) > budget && len(out) > keepRecent+1 {
		out = append(out[:1], out[2:]...)
	}
	return out
}

// messageText flattens a message for scoring and summarizing, including
// tool call names and response payloads.
func messageText(c upstream.Content) string {
	var sb strings.Builder
	for _, p := range c.Parts {
		switch {
		case p.FunctionCall != nil:
			sb.WriteString(p.FunctionCall.Name)
			sb.WriteByte(' ')
			sb.Write(p.FunctionCall.Args)
		case p.FunctionResponse != nil:
			sb.WriteString(p.FunctionResponse.Name)
			if content, ok := p.FunctionResponse.Response["content"].(string); ok {
				sb.WriteByte(' ')
				sb.WriteString(content)
			}
		case p.IsText():
			sb.WriteString(p.Text)
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}
