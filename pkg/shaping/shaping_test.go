package shaping

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zyr3x/opengemini/pkg/config"
	"github.com/zyr3x/opengemini/pkg/openai"
	"github.com/zyr3x/opengemini/pkg/upstream"
)

func TestShapeEndToEnd(t *testing.T) {
	dir := t.TempDir()
	root := filepath.Join(dir, "app")
	require.NoError(t, os.MkdirAll(root, 0o755))

	cfg := &config.Config{
		AllowedCodePaths:       []string{dir},
		MaxCodeInjectionSizeKB: 256,
	}
	profiles := profileTable(t, `{
		"pirate": {
			"triggers": ["talk like a pirate"],
			"text_overrides": {"hello": "ahoy"},
			"selected_tools": ["read_file", "list_files"]
		}
	}`)
	shaper := NewShaper(cfg, profiles, nil, map[string]string{"default": "You work on this project."})

	res := shaper.Shape([]openai.ChatMessage{
		{Role: openai.RoleSystem, Content: openai.MessageContent{Text: "Be brief."}},
		{Role: openai.RoleUser, Content: openai.MessageContent{
			Text: "talk like a pirate and say hello project_path=" + root,
		}},
	})

	assert.Equal(t, "pirate", res.ProfileName)
	assert.Equal(t, []string{"read_file", "list_files"}, res.SelectedTools)
	assert.False(t, res.DisableTools)

	require.Len(t, res.Contents, 1)
	assert.Equal(t, upstream.RoleUser, res.Contents[0].Role)
	text := res.Contents[0].JoinedText()
	assert.Contains(t, text, "say ahoy")
	assert.NotContains(t, text, "project_path=")

	resolved, err := filepath.EvalSymlinks(root)
	require.NoError(t, err)
	assert.Equal(t, resolved, res.ProjectRoot)

	// Synthesized project prompt ahead of the client system text.
	require.NotNil(t, res.SystemInstruction)
	require.Len(t, res.SystemInstruction.Parts, 2)
	assert.Equal(t, "You work on this project.", res.SystemInstruction.Parts[0].Text)
	assert.Equal(t, "Be brief.", res.SystemInstruction.Parts[1].Text)

	assert.Contains(t, res.CurrentQuery, "say ahoy")
}

func TestShapeNoProfileNoDirectives(t *testing.T) {
	shaper := NewShaper(&config.Config{}, nil, nil, nil)

	res := shaper.Shape(userMessage("just a question"))
	assert.Empty(t, res.ProfileName)
	assert.Nil(t, res.SelectedTools)
	assert.Empty(t, res.ProjectRoot)
	assert.Nil(t, res.SystemInstruction)
	assert.Equal(t, "just a question", res.CurrentQuery)
	require.Len(t, res.Contents, 1)
}

func TestShapeWildcardSelection(t *testing.T) {
	profiles := profileTable(t, `{"all": {"triggers": ["everything"], "selected_tools": "*"}}`)
	shaper := NewShaper(&config.Config{}, profiles, nil, nil)

	res := shaper.Shape(userMessage("use everything you have"))
	assert.Equal(t, "all", res.ProfileName)
	assert.Nil(t, res.SelectedTools, "wildcard means no narrowing")
}

func TestShapeDisableTools(t *testing.T) {
	profiles := profileTable(t, `{"plain": {"triggers": ["no tools"], "disable_tools": true}}`)
	shaper := NewShaper(&config.Config{}, profiles, nil, nil)

	res := shaper.Shape(userMessage("answer with no tools please"))
	assert.True(t, res.DisableTools)
}

func TestWindowPolicyFromConfig(t *testing.T) {
	cfg := &config.Config{
		SelectiveContextEnabled:  true,
		ContextMinRelevanceScore: 0.4,
		ContextAlwaysKeepRecent:  6,
	}
	policy := NewShaper(cfg, nil, nil, nil).WindowPolicy()
	assert.True(t, policy.SelectiveEnabled)
	assert.Equal(t, 0.4, policy.MinScore)
	assert.Equal(t, 6, policy.KeepRecent)
}

func TestShapeCurrentQueryFollowsExpansion(t *testing.T) {
	shaper := NewShaper(&config.Config{}, nil, map[string]string{"tester": "Run the tests."}, nil)

	res := shaper.Shape(userMessage("system_prompt_path=tester what changed?"))
	assert.Equal(t, "what changed?", res.CurrentQuery)
	require.NotNil(t, res.SystemInstruction)
	assert.Equal(t, "Run the tests.", res.SystemInstruction.Parts[0].Text)
}
