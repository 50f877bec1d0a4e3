package shaping

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zyr3x/opengemini/pkg/config"
	"github.com/zyr3x/opengemini/pkg/openai"
)

func TestScanDirectives(t *testing.T) {
	text := `look at image_path="my pic.png" then code_path=src ignore_type=log|tmp ignore_dir=vendor ` +
		`and project_path=/w/app project_mode=go project_feature=auth ` +
		`system_prompt_path=reviewer pdf_path=doc.pdf pdf_mode=text`

	dirs := scanDirectives(text)
	require.Len(t, dirs, 5)

	assert.Equal(t, "image", dirs[0].kind)
	assert.Equal(t, "my pic.png", dirs[0].value)
	assert.Empty(t, dirs[0].params)

	assert.Equal(t, "code", dirs[1].kind)
	assert.Equal(t, "src", dirs[1].value)
	assert.Equal(t, "log|tmp", dirs[1].params["ignore_type"])
	assert.Equal(t, "vendor", dirs[1].params["ignore_dir"])

	assert.Equal(t, "project", dirs[2].kind)
	assert.Equal(t, "/w/app", dirs[2].value)
	assert.Equal(t, "go", dirs[2].params["project_mode"])
	assert.Equal(t, "auth", dirs[2].params["project_feature"])

	assert.Equal(t, "system_prompt", dirs[3].kind)
	assert.Equal(t, "reviewer", dirs[3].value)

	assert.Equal(t, "pdf", dirs[4].kind)
	assert.Equal(t, "text", dirs[4].params["pdf_mode"])
}

func TestScanDirectivesWordBoundary(t *testing.T) {
	assert.Empty(t, scanDirectives("the unicode_path=x variable"))
	assert.Len(t, scanDirectives("code_path=x"), 1)
	assert.Len(t, scanDirectives("(code_path=x)"), 1)
}

func TestScanDirectivesSingleQuotes(t *testing.T) {
	dirs := scanDirectives(`image_path='a b.png' trailing`)
	require.Len(t, dirs, 1)
	assert.Equal(t, "a b.png", dirs[0].value)
	assert.Equal(t, len("image_path='a b.png'"), dirs[0].end)
}

func TestScanDirectivesUnterminatedQuote(t *testing.T) {
	dirs := scanDirectives(`image_path="never closed`)
	require.Len(t, dirs, 1)
	assert.Equal(t, "never closed", dirs[0].value)
}

func expanderFor(t *testing.T, allowedDir string, kb int) *expander {
	t.Helper()
	cfg := &config.Config{MaxCodeInjectionSizeKB: kb}
	if allowedDir != "" {
		cfg.AllowedCodePaths = []string{allowedDir}
	}
	return newExpander(cfg, nil, nil)
}

func userMessage(text string) []openai.ChatMessage {
	return []openai.ChatMessage{{Role: openai.RoleUser, Content: openai.MessageContent{Text: text}}}
}

func TestExpandImageDirective(t *testing.T) {
	dir := t.TempDir()
	payload := []byte("\x89PNG\r\n\x1a\nfakeimagedata")
	imgPath := filepath.Join(dir, "pic.png")
	require.NoError(t, os.WriteFile(imgPath, payload, 0o644))

	exp := expanderFor(t, dir, 256)
	out := exp.expandMessages(userMessage("see image_path=" + imgPath + " please"))

	parts := out[0].Content.Parts
	require.Len(t, parts, 3)
	assert.Equal(t, "see ", parts[0].Text)
	assert.Equal(t, " please", parts[2].Text)

	require.Equal(t, openai.ContentPartInlineData, parts[1].Type)
	require.NotNil(t, parts[1].Source)
	assert.Equal(t, "image/png", parts[1].Source.MediaType)
	decoded, err := base64.StdEncoding.DecodeString(parts[1].Source.Data)
	require.NoError(t, err)
	assert.Equal(t, payload, decoded)
}

func TestExpandDeduplicatesByRealpath(t *testing.T) {
	dir := t.TempDir()
	imgPath := filepath.Join(dir, "pic.png")
	require.NoError(t, os.WriteFile(imgPath, []byte("data"), 0o644))

	exp := expanderFor(t, dir, 256)
	out := exp.expandMessages(userMessage(
		"image_path=" + imgPath + " and again image_path=" + imgPath))

	blobs := 0
	for _, p := range out[0].Content.Parts {
		if p.Type == openai.ContentPartInlineData {
			blobs++
		}
	}
	assert.Equal(t, 1, blobs)
}

func TestExpandRejectsPathOutsideAllowList(t *testing.T) {
	sandbox := t.TempDir()
	outside := t.TempDir()
	outsideFile := filepath.Join(outside, "secret.png")
	require.NoError(t, os.WriteFile(outsideFile, []byte("secret"), 0o644))

	exp := expanderFor(t, sandbox, 256)
	out := exp.expandMessages(userMessage("image_path=" + outsideFile))

	// The marker is plain text, so the message collapses back to string
	// form; not one byte of the target was read.
	require.True(t, out[0].Content.IsString())
	assert.Contains(t, out[0].Content.Text, "[image_path error:")
	assert.Contains(t, out[0].Content.Text, "outside the allowed paths")
}

func TestExpandRejectsOversizeMedia(t *testing.T) {
	dir := t.TempDir()
	big := filepath.Join(dir, "big.png")
	require.NoError(t, os.WriteFile(big, make([]byte, maxMediaBytes+1), 0o644))

	exp := expanderFor(t, dir, 256)
	out := exp.expandMessages(userMessage("image_path=" + big))

	require.True(t, out[0].Content.IsString())
	assert.Contains(t, out[0].Content.Text, "too large")
}

func TestExpandCodeDirectory(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	require.NoError(t, os.MkdirAll(filepath.Join(src, "vendor"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "main.go"), []byte("package main\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "util.py"), []byte("x = 1\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "app.log"), []byte("noise\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "data.bin"), []byte("a\x00b"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "vendor", "dep.go"), []byte("package dep\n"), 0o644))

	exp := expanderFor(t, dir, 256)
	out := exp.expandMessages(userMessage("code_path=" + src + " ignore_type=log"))

	parts := out[0].Content.Parts
	var text string
	if parts == nil {
		text = out[0].Content.Text
	} else {
		for _, p := range parts {
			text += p.Text
		}
	}
	assert.Contains(t, text, "### main.go")
	assert.Contains(t, text, "```go\npackage main")
	assert.Contains(t, text, "### util.py")
	assert.NotContains(t, text, "app.log")
	assert.NotContains(t, text, "dep.go")
	assert.NotContains(t, text, "data.bin")
}

func TestExpandCodeBudget(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	require.NoError(t, os.MkdirAll(src, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "a.go"), []byte(strings.Repeat("x", 900)+"\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "b.go"), []byte(strings.Repeat("y", 900)+"\n"), 0o644))

	exp := expanderFor(t, dir, 1)
	out := exp.expandMessages(userMessage("code_path=" + src))

	text := out[0].Content.Text
	assert.Contains(t, text, "### a.go")
	assert.Contains(t, text, "[... code injection budget reached ...]")
	assert.Less(t, len(text), 2200)
}

func TestExpandProjectDirective(t *testing.T) {
	dir := t.TempDir()
	root := filepath.Join(dir, "app")
	docsDir := filepath.Join(root, ".opengemini", "go", "auth")
	require.NoError(t, os.MkdirAll(docsDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(docsDir, "01-intro.md"), []byte("Auth flows use JWT."), 0o644))

	cfg := &config.Config{AllowedCodePaths: []string{dir}, MaxCodeInjectionSizeKB: 256}
	exp := newExpander(cfg, nil, map[string]string{"go": "You are a Go expert."})

	out := exp.expandMessages(userMessage(
		"project_path=" + root + " project_mode=go project_feature=auth review this"))

	resolved, err := filepath.EvalSymlinks(root)
	require.NoError(t, err)
	assert.Equal(t, resolved, exp.projectRoot)

	require.Len(t, exp.systemTexts, 2)
	assert.Equal(t, "You are a Go expert.", exp.systemTexts[0])
	assert.Contains(t, exp.systemTexts[1], "Auth flows use JWT.")

	// The directive span is gone, the surrounding text stays.
	assert.Equal(t, "review this", strings.TrimSpace(out[0].Content.Text))
}

func TestExpandProjectOutsideAllowList(t *testing.T) {
	sandbox := t.TempDir()
	outside := t.TempDir()

	exp := expanderFor(t, sandbox, 256)
	out := exp.expandMessages(userMessage("project_path=" + outside))

	assert.Empty(t, exp.projectRoot)
	assert.Contains(t, out[0].Content.Text, "[project_path error:")
}

func TestExpandSystemPromptPreset(t *testing.T) {
	exp := newExpander(&config.Config{}, map[string]string{"reviewer": "Be a harsh reviewer."}, nil)

	out := exp.expandMessages(userMessage("system_prompt_path=reviewer check the diff"))
	assert.Equal(t, []string{"Be a harsh reviewer."}, exp.systemTexts)
	assert.Equal(t, "check the diff", strings.TrimSpace(out[0].Content.Text))

	out = exp.expandMessages(userMessage("system_prompt_path=missing hello"))
	assert.Contains(t, out[0].Content.Text, "unknown system prompt preset")
}

func TestExpandPDFDefaultsToBlob(t *testing.T) {
	dir := t.TempDir()
	doc := filepath.Join(dir, "doc.pdf")
	require.NoError(t, os.WriteFile(doc, []byte("%PDF-1.4 stub"), 0o644))

	exp := expanderFor(t, dir, 256)
	out := exp.expandMessages(userMessage("pdf_path=" + doc))

	parts := out[0].Content.Parts
	require.Len(t, parts, 1)
	require.Equal(t, openai.ContentPartInlineData, parts[0].Type)
	assert.Equal(t, "application/pdf", parts[0].Source.MediaType)
}

func TestExpandPDFTextModeUnsupportedFile(t *testing.T) {
	dir := t.TempDir()
	notes := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(notes, []byte("plain notes"), 0o644))

	exp := expanderFor(t, dir, 256)
	out := exp.expandMessages(userMessage("pdf_path=" + notes + " pdf_mode=text"))

	// Extraction only understands document formats; the failure surfaces
	// as a marker, not a dropped request.
	assert.Contains(t, out[0].Content.Text, "[pdf_path error:")
}

func TestExpandLeavesPlainTextAlone(t *testing.T) {
	exp := expanderFor(t, "", 256)
	msgs := userMessage("no directives here")
	out := exp.expandMessages(msgs)
	assert.True(t, out[0].Content.IsString())
	assert.Equal(t, "no directives here", out[0].Content.Text)
}
