package shaping

import (
	"log/slog"
	"strings"

	"github.com/zyr3x/opengemini/pkg/config"
	"github.com/zyr3x/opengemini/pkg/openai"
)

// matchProfile returns the first profile in table order with a trigger
// that is a substring of the concatenated user text. At most one profile
// is active per request.
func matchProfile(table *config.ProfileTable, messages []openai.ChatMessage) *config.NamedProfile {
	if table == nil || len(table.Profiles) == 0 {
		return nil
	}

	var sb strings.Builder
	for _, msg := range messages {
		if msg.Role != openai.RoleUser {
			continue
		}
		sb.WriteString(msg.Content.PlainText())
		sb.WriteByte('\n')
	}
	haystack := sb.String()

	for i := range table.Profiles {
		for _, trigger := range table.Profiles[i].Profile.Triggers {
			if trigger != "" && strings.Contains(haystack, trigger) {
				return &table.Profiles[i]
			}
		}
	}
	return nil
}

// applyOverrides performs the profile's literal find/replace on user text.
// Only string-form content is rewritten; array-form parts stay untouched.
func applyOverrides(profile *config.NamedProfile, messages []openai.ChatMessage) []openai.ChatMessage {
	if profile == nil || len(profile.Profile.TextOverrides) == 0 {
		return messages
	}

	out := make([]openai.ChatMessage, len(messages))
	copy(out, messages)
	for i := range out {
		if out[i].Role != openai.RoleUser || !out[i].Content.IsString() {
			continue
		}
		text := out[i].Content.Text
		for find, replace := range profile.Profile.TextOverrides {
			text = strings.ReplaceAll(text, find, replace)
		}
		out[i].Content = openai.MessageContent{Text: text}
	}

	slog.Debug("Prompt profile active",
		"profile", profile.Name, "overrides", len(profile.Profile.TextOverrides))
	return out
}
