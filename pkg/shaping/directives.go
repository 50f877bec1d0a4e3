package shaping

import (
	"encoding/base64"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/zyr3x/opengemini/pkg/config"
	"github.com/zyr3x/opengemini/pkg/openai"
	"github.com/zyr3x/opengemini/pkg/tools"
	"github.com/zyr3x/opengemini/pkg/utils"
)

// maxMediaBytes caps a single image/pdf/audio inline attachment.
const maxMediaBytes = 12 << 20

// directiveKinds are the recognized <kind>_path= prefixes.
var directiveKinds = []string{"image", "pdf", "audio", "code", "project", "system_prompt"}

// directiveParams are the optional parameters a directive may be followed
// by.
var directiveParams = []string{
	"ignore_type", "ignore_file", "ignore_dir",
	"project_mode", "project_feature", "pdf_mode",
}

// directive is one lexed <kind>_path=value occurrence with its trailing
// parameters and the byte span it occupies in the source text.
type directive struct {
	kind   string
	value  string
	params map[string]string
	start  int
	end    int
}

// scanDirectives lexes every directive out of a text block. Values are
// bare tokens (up to whitespace) or quoted with ' or ".
func scanDirectives(text string) []directive {
	var out []directive
	i := 0
	for i < len(text) {
		d, ok := matchDirectiveAt(text, i)
		if !ok {
			i++
			continue
		}
		out = append(out, d)
		i = d.end
	}
	return out
}

func matchDirectiveAt(text string, i int) (directive, bool) {
	if i > 0 && isWordByte(text[i-1]) {
		return directive{}, false
	}
	for _, kind := range directiveKinds {
		prefix := kind + "_path="
		if !strings.HasPrefix(text[i:], prefix) {
			continue
		}
		value, j := scanValue(text, i+len(prefix))
		d := directive{kind: kind, value: value, params: map[string]string{}, start: i, end: j}

		// Trailing parameters, each name=value, whitespace separated.
	params:
		for {
			k := j
			for k < len(text) && isSpaceByte(text[k]) {
				k++
			}
			for _, param := range directiveParams {
				if strings.HasPrefix(text[k:], param+"=") {
					value, next := scanValue(text, k+len(param)+1)
					d.params[param] = value
					j = next
					d.end = next
					continue params
				}
			}
			break
		}
		return d, true
	}
	return directive{}, false
}

// scanValue reads a quoted or bare token starting at j and returns it with
// the index one past its end. An unterminated quote runs to the end of the
// text.
func scanValue(text string, j int) (string, int) {
	if j < len(text) && (text[j] == '"' || text[j] == '\'') {
		quote := text[j]
		k := j + 1
		for k < len(text) && text[k] != quote {
			k++
		}
		value := text[j+1 : k]
		if k < len(text) {
			k++
		}
		return value, k
	}
	k := j
	for k < len(text) && !isSpaceByte(text[k]) {
		k++
	}
	return text[j:k], k
}

func isWordByte(b byte) bool {
	return b == '_' || (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}

func isSpaceByte(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}

// expander processes one request's directives. It carries the accumulated
// side effects: the project root, synthesized system instructions, and the
// realpath dedup set.
type expander struct {
	cfg           *config.Config
	systemPrompts map[string]string
	agentPrompts  map[string]string

	allowed     []string
	seen        map[string]bool
	projectRoot string
	systemTexts []string
}

func newExpander(cfg *config.Config, systemPrompts, agentPrompts map[string]string) *expander {
	return &expander{
		cfg:           cfg,
		systemPrompts: systemPrompts,
		agentPrompts:  agentPrompts,
		allowed:       cfg.AllowedRoots(),
		seen:          map[string]bool{},
	}
}

// expandMessages rewrites user messages in place of their directives.
// String content that expands to pure text stays in string form so later
// stages keep seeing strings.
func (e *expander) expandMessages(messages []openai.ChatMessage) []openai.ChatMessage {
	out := make([]openai.ChatMessage, len(messages))
	copy(out, messages)

	for i := range out {
		if out[i].Role != openai.RoleUser {
			continue
		}
		if out[i].Content.IsString() {
			parts, changed := e.expandText(out[i].Content.Text)
			if changed {
				out[i].Content = contentFromParts(parts)
			}
			continue
		}

		var newParts []openai.ContentPart
		changed := false
		for _, part := range out[i].Content.Parts {
			if part.Type == openai.ContentPartText {
				if sub, ch := e.expandText(part.Text); ch {
					changed = true
					newParts = append(newParts, sub...)
					continue
				}
			}
			newParts = append(newParts, part)
		}
		if changed {
			out[i].Content = openai.MessageContent{Parts: newParts}
		}
	}
	return out
}

// expandText replaces every directive span in the text with its expansion
// parts. Returns changed=false when the text holds no directives.
func (e *expander) expandText(text string) ([]openai.ContentPart, bool) {
	dirs := scanDirectives(text)
	if len(dirs) == 0 {
		return nil, false
	}

	var parts []openai.ContentPart
	last := 0
	for _, d := range dirs {
		if seg := text[last:d.start]; seg != "" {
			parts = append(parts, textPart(seg))
		}
		parts = append(parts, e.expandDirective(d)...)
		last = d.end
	}
	if seg := text[last:]; seg != "" {
		parts = append(parts, textPart(seg))
	}
	return parts, true
}

func (e *expander) expandDirective(d directive) []openai.ContentPart {
	switch d.kind {
	case "image", "audio":
		return e.mediaParts(d, false)
	case "pdf":
		return e.mediaParts(d, d.params["pdf_mode"] == "text")
	case "code":
		return e.codeParts(d)
	case "project":
		return e.applyProject(d)
	case "system_prompt":
		return e.applySystemPreset(d)
	}
	return nil
}

// mediaParts turns a media directive into an inline blob part, or into
// extracted text for pdf_mode=text.
func (e *expander) mediaParts(d directive, asText bool) []openai.ContentPart {
	resolved, err := tools.ResolveAllowed(d.value, e.projectRoot, e.allowed)
	if err != nil {
		return markerPart(d, err)
	}
	if e.seen[resolved] {
		return nil
	}
	e.seen[resolved] = true

	info, err := os.Stat(resolved)
	if err != nil {
		return markerPart(d, err)
	}
	if info.IsDir() {
		return markerPart(d, fmt.Errorf("%s is a directory", d.value))
	}
	if info.Size() > maxMediaBytes {
		return markerPart(d, fmt.Errorf("%s is too large: %d bytes (limit %d)", d.value, info.Size(), maxMediaBytes))
	}

	if asText {
		text, err := utils.ExtractDocumentText(resolved)
		if err != nil {
			return markerPart(d, err)
		}
		if budget := e.codeBudget(); len(text) > budget {
			text = text[:budget] + "\n[... truncated ...]"
		}
		return []openai.ContentPart{textPart(fmt.Sprintf("Content of %s:\n%s", d.value, text))}
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return markerPart(d, err)
	}
	return []openai.ContentPart{{
		Type: openai.ContentPartInlineData,
		Source: &openai.InlineSource{
			MediaType: detectMime(resolved, data),
			Data:      base64.StdEncoding.EncodeToString(data),
		},
	}}
}

// codeParts walks a file or directory and injects its text content as one
// part with per-file fenced blocks.
func (e *expander) codeParts(d directive) []openai.ContentPart {
	resolved, err := tools.ResolveAllowed(d.value, e.projectRoot, e.allowed)
	if err != nil {
		return markerPart(d, err)
	}
	if e.seen[resolved] {
		return nil
	}
	e.seen[resolved] = true

	text, err := e.collectCode(resolved, d)
	if err != nil {
		return markerPart(d, err)
	}
	if text == "" {
		return markerPart(d, fmt.Errorf("no text files under %s", d.value))
	}
	return []openai.ContentPart{textPart(text)}
}

func (e *expander) codeBudget() int {
	kb := e.cfg.MaxCodeInjectionSizeKB
	if kb <= 0 {
		kb = 256
	}
	return kb * 1024
}

func (e *expander) collectCode(resolved string, d directive) (string, error) {
	budget := e.codeBudget()

	info, err := os.Stat(resolved)
	if err != nil {
		return "", err
	}
	if !info.IsDir() {
		data, err := os.ReadFile(resolved)
		if err != nil {
			return "", err
		}
		if tools.IsBinaryData(data) {
			return "", fmt.Errorf("%s is a binary file", d.value)
		}
		if len(data) > budget {
			data = data[:budget]
		}
		return fencedFile(filepath.Base(resolved), data), nil
	}

	ignores := tools.NewIgnoreSet(resolved)
	ignores.AddTypes(splitList(d.params["ignore_type"])...)
	ignores.AddFiles(splitList(d.params["ignore_file"])...)
	ignores.AddDirs(splitList(d.params["ignore_dir"])...)

	var sb strings.Builder
	truncated := false
	err = filepath.WalkDir(resolved, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if entry.IsDir() {
			if path != resolved && ignores.SkipDir(entry.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if ignores.SkipFile(entry.Name()) {
			return nil
		}
		if sb.Len() >= budget {
			truncated = true
			return filepath.SkipAll
		}

		data, err := os.ReadFile(path)
		if err != nil || tools.IsBinaryData(data) {
			return nil
		}
		rel, relErr := filepath.Rel(resolved, path)
		if relErr != nil {
			rel = entry.Name()
		}
		if remaining := budget - sb.Len(); len(data) > remaining {
			data = data[:remaining]
			truncated = true
		}
		sb.WriteString(fencedFile(rel, data))
		return nil
	})
	if err != nil {
		return "", err
	}

	out := sb.String()
	if truncated {
		out += "\n[... code injection budget reached ...]"
	}
	return out, nil
}

// applyProject sets the request's project root and synthesizes the
// project-mode system instruction. No content part is produced on success.
func (e *expander) applyProject(d directive) []openai.ContentPart {
	root, err := tools.CheckRoot(e.joinBase(d.value), e.allowed)
	if err != nil {
		return markerPart(d, err)
	}
	if e.seen["project:"+root] {
		return nil
	}
	e.seen["project:"+root] = true
	e.projectRoot = root

	mode := d.params["project_mode"]
	if mode == "" {
		mode = "default"
	}
	if prompt, ok := e.agentPrompts[mode]; ok && prompt != "" {
		e.systemTexts = append(e.systemTexts, prompt)
	} else if mode != "default" {
		slog.Warn("Unknown project mode, no agent prompt injected", "mode", mode)
	}

	if docs := loadProjectDocs(root, mode, d.params["project_feature"], e.codeBudget()); docs != "" {
		e.systemTexts = append(e.systemTexts, docs)
	}
	return nil
}

// applySystemPreset resolves a named system-prompt preset. The directive
// value is the preset name, not a filesystem path.
func (e *expander) applySystemPreset(d directive) []openai.ContentPart {
	if e.seen["preset:"+d.value] {
		return nil
	}
	e.seen["preset:"+d.value] = true

	preset, ok := e.systemPrompts[d.value]
	if !ok || preset == "" {
		return markerPart(d, fmt.Errorf("unknown system prompt preset %q", d.value))
	}
	e.systemTexts = append(e.systemTexts, preset)
	return nil
}

func (e *expander) joinBase(value string) string {
	if filepath.IsAbs(value) || e.projectRoot == "" {
		return value
	}
	return filepath.Join(e.projectRoot, value)
}

// loadProjectDocs reads the persisted *.md documentation for a mode (and
// optional feature) under the project's state directory.
func loadProjectDocs(root, mode, feature string, budget int) string {
	dir := filepath.Join(root, utils.StateDirName, mode)
	if feature != "" {
		dir = filepath.Join(dir, feature)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".md") {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	var sb strings.Builder
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		sb.Write(data)
		if sb.Len() >= budget {
			return sb.String()[:budget]
		}
	}
	return sb.String()
}

func markerPart(d directive, err error) []openai.ContentPart {
	slog.Warn("Path directive failed", "kind", d.kind, "value", d.value, "error", err)
	return []openai.ContentPart{textPart(fmt.Sprintf("[%s_path error: %v]", d.kind, err))}
}

func textPart(text string) openai.ContentPart {
	return openai.ContentPart{Type: openai.ContentPartText, Text: text}
}

// contentFromParts collapses an all-text part list back to string form.
func contentFromParts(parts []openai.ContentPart) openai.MessageContent {
	allText := true
	for _, p := range parts {
		if p.Type != openai.ContentPartText {
			allText = false
			break
		}
	}
	if !allText {
		return openai.MessageContent{Parts: parts}
	}
	var sb strings.Builder
	for _, p := range parts {
		sb.WriteString(p.Text)
	}
	return openai.MessageContent{Text: sb.String()}
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	fields := strings.Split(s, "|")
	out := fields[:0]
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

var mimeByExt = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".webp": "image/webp",
	".bmp":  "image/bmp",
	".pdf":  "application/pdf",
	".mp3":  "audio/mpeg",
	".wav":  "audio/wav",
	".ogg":  "audio/ogg",
	".flac": "audio/flac",
	".m4a":  "audio/mp4",
	".aac":  "audio/aac",
}

func detectMime(path string, data []byte) string {
	if mime, ok := mimeByExt[strings.ToLower(filepath.Ext(path))]; ok {
		return mime
	}
	return http.DetectContentType(data)
}

// fenceLangs maps extensions to fence language tags; unknown extensions
// get a bare fence.
var fenceLangs = map[string]string{
	".go": "go", ".py": "python", ".js": "javascript", ".ts": "typescript",
	".jsx": "jsx", ".tsx": "tsx", ".rs": "rust", ".java": "java",
	".c": "c", ".h": "c", ".cpp": "cpp", ".cc": "cpp", ".hpp": "cpp",
	".sh": "bash", ".rb": "ruby", ".php": "php", ".cs": "csharp",
	".kt": "kotlin", ".swift": "swift", ".sql": "sql", ".html": "html",
	".css": "css", ".json": "json", ".yaml": "yaml", ".yml": "yaml",
	".toml": "toml", ".md": "markdown", ".proto": "proto",
}

func fencedFile(name string, data []byte) string {
	lang := fenceLangs[strings.ToLower(filepath.Ext(name))]
	content := strings.TrimRight(string(data), "\n")
	return fmt.Sprintf("### %s\n```%s\n%s\n```\n\n", name, lang, content)
}
