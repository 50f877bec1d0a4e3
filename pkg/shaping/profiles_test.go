package shaping

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zyr3x/opengemini/pkg/config"
	"github.com/zyr3x/opengemini/pkg/openai"
)

func profileTable(t *testing.T, raw string) *config.ProfileTable {
	t.Helper()
	var table config.ProfileTable
	require.NoError(t, json.Unmarshal([]byte(raw), &table))
	return &table
}

func TestMatchProfileFirstWins(t *testing.T) {
	table := profileTable(t, `{
		"careful": {"triggers": ["review"]},
		"eager":   {"triggers": ["review carefully"]}
	}`)

	got := matchProfile(table, userMessage("please review carefully"))
	require.NotNil(t, got)
	assert.Equal(t, "careful", got.Name)
}

func TestMatchProfileUserTextOnly(t *testing.T) {
	table := profileTable(t, `{"p": {"triggers": ["secret phrase"]}}`)

	msgs := []openai.ChatMessage{
		{Role: openai.RoleSystem, Content: openai.MessageContent{Text: "secret phrase"}},
		{Role: openai.RoleAssistant, Content: openai.MessageContent{Text: "secret phrase"}},
		{Role: openai.RoleUser, Content: openai.MessageContent{Text: "plain question"}},
	}
	assert.Nil(t, matchProfile(table, msgs))

	msgs = append(msgs, openai.ChatMessage{
		Role: openai.RoleUser, Content: openai.MessageContent{Text: "the secret phrase appears"},
	})
	assert.NotNil(t, matchProfile(table, msgs))
}

func TestMatchProfileSpansMessages(t *testing.T) {
	table := profileTable(t, `{"p": {"triggers": ["needle"]}}`)

	msgs := append(userMessage("hay"), userMessage("more hay and a needle")...)
	got := matchProfile(table, msgs)
	require.NotNil(t, got)
}

func TestApplyOverridesStringContentOnly(t *testing.T) {
	table := profileTable(t, `{"p": {
		"triggers": ["go"],
		"text_overrides": {"colour": "color"}
	}}`)
	profile := &table.Profiles[0]

	msgs := []openai.ChatMessage{
		{Role: openai.RoleUser, Content: openai.MessageContent{Text: "go fix the colour names"}},
		{Role: openai.RoleUser, Content: openai.MessageContent{Parts: []openai.ContentPart{
			{Type: openai.ContentPartText, Text: "colour in a part"},
		}}},
		{Role: openai.RoleAssistant, Content: openai.MessageContent{Text: "colour stays"}},
	}

	got := applyOverrides(profile, msgs)
	assert.Equal(t, "go fix the color names", got[0].Content.Text)
	assert.Equal(t, "colour in a part", got[1].Content.Parts[0].Text, "array form must not be rewritten")
	assert.Equal(t, "colour stays", got[2].Content.Text, "assistant text must not be rewritten")

	// Input untouched.
	assert.Equal(t, "go fix the colour names", msgs[0].Content.Text)
}

func TestApplyOverridesNilProfile(t *testing.T) {
	msgs := userMessage("unchanged")
	assert.Equal(t, msgs, applyOverrides(nil, msgs))
}
