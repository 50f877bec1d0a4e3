// Package shaping prepares a client request for the upstream call: prompt
// profiles, path directives, wire translation, and context windowing.
package shaping

import (
	"strings"

	"github.com/zyr3x/opengemini/pkg/config"
	"github.com/zyr3x/opengemini/pkg/openai"
	"github.com/zyr3x/opengemini/pkg/upstream"
)

// Shaper applies the request-shaping pipeline. One Shaper serves all
// requests; per-request state lives in the expander.
type Shaper struct {
	cfg           *config.Config
	profiles      *config.ProfileTable
	systemPrompts map[string]string
	agentPrompts  map[string]string
}

func NewShaper(cfg *config.Config, profiles *config.ProfileTable, systemPrompts, agentPrompts map[string]string) *Shaper {
	return &Shaper{
		cfg:           cfg,
		profiles:      profiles,
		systemPrompts: systemPrompts,
		agentPrompts:  agentPrompts,
	}
}

// Result is a shaped request, ready for budgeting and the upstream call.
type Result struct {
	Contents          []upstream.Content
	SystemInstruction *upstream.Content

	// CurrentQuery is the final user message text after shaping; the
	// windowing stage scores relevance against it.
	CurrentQuery string

	// ProjectRoot is set when a project_path directive validated one.
	ProjectRoot string

	ProfileName       string
	SelectedTools     []string
	DisableTools      bool
	EnableNativeTools bool
}

// Shape runs profiles, directive expansion, and translation over the
// client messages. Directive failures surface as inline marker text, not
// errors; the request always proceeds.
func (s *Shaper) Shape(messages []openai.ChatMessage) *Result {
	profile := matchProfile(s.profiles, messages)
	messages = applyOverrides(profile, messages)

	exp := newExpander(s.cfg, s.systemPrompts, s.agentPrompts)
	messages = exp.expandMessages(messages)

	contents, system := Translate(messages)
	system = PrependSystemTexts(system, exp.systemTexts)

	res := &Result{
		Contents:          contents,
		SystemInstruction: system,
		CurrentQuery:      lastUserText(messages),
		ProjectRoot:       exp.projectRoot,
	}
	if profile != nil {
		res.ProfileName = profile.Name
		res.SelectedTools = normalizeSelection(profile.Profile.SelectedTools)
		res.DisableTools = profile.Profile.DisableTools
		res.EnableNativeTools = profile.Profile.EnableNativeTools
	}
	return res
}

// WindowPolicy derives the windowing knobs from configuration.
func (s *Shaper) WindowPolicy() WindowPolicy {
	return WindowPolicy{
		SelectiveEnabled: s.cfg.SelectiveContextEnabled,
		MinScore:         s.cfg.ContextMinRelevanceScore,
		KeepRecent:       s.cfg.ContextAlwaysKeepRecent,
	}
}

// normalizeSelection maps the "*" wildcard to nil, meaning no narrowing.
func normalizeSelection(selected []string) []string {
	if len(selected) == 1 && selected[0] == "*" {
		return nil
	}
	return selected
}

func lastUserText(messages []openai.ChatMessage) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == openai.RoleUser {
			return strings.TrimSpace(messages[i].Content.PlainText())
		}
	}
	return ""
}
