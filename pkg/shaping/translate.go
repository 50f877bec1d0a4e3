package shaping

import (
	"strings"

	"github.com/zyr3x/opengemini/pkg/openai"
	"github.com/zyr3x/opengemini/pkg/upstream"
)

// Translate converts client messages to upstream contents plus the system
// instruction. System messages are lifted out of the turn sequence and
// concatenated; assistant becomes model; adjacent same-role turns merge.
func Translate(messages []openai.ChatMessage) ([]upstream.Content, *upstream.Content) {
	var contents []upstream.Content
	var systemTexts []string

	for _, msg := range messages {
		if msg.Role == openai.RoleSystem {
			if text := msg.Content.PlainText(); text != "" {
				systemTexts = append(systemTexts, text)
			}
			continue
		}
		contents = append(contents, upstream.Content{
			Role:  translateRole(msg.Role),
			Parts: translateParts(msg.Content),
		})
	}

	contents = upstream.MergeContents(contents)

	var system *upstream.Content
	if len(systemTexts) > 0 {
		system = &upstream.Content{
			Parts: []upstream.Part{upstream.TextPart(strings.Join(systemTexts, "\n\n"))},
		}
	}
	return contents, system
}

func translateRole(role string) string {
	switch role {
	case openai.RoleAssistant:
		return upstream.RoleModel
	case openai.RoleTool:
		return upstream.RoleTool
	default:
		return upstream.RoleUser
	}
}

func translateParts(content openai.MessageContent) []upstream.Part {
	if content.IsString() {
		return []upstream.Part{upstream.TextPart(content.Text)}
	}

	parts := make([]upstream.Part, 0, len(content.Parts))
	for _, p := range content.Parts {
		switch p.Type {
		case openai.ContentPartText:
			parts = append(parts, upstream.TextPart(p.Text))
		case openai.ContentPartInlineData:
			if p.Source != nil {
				parts = append(parts, upstream.BlobPart(p.Source.MediaType, p.Source.Data))
			}
		case openai.ContentPartImageURL:
			if p.ImageURL != nil {
				parts = append(parts, translateImageURL(p.ImageURL.URL))
			}
		}
	}
	if len(parts) == 0 {
		parts = []upstream.Part{upstream.TextPart("")}
	}
	return parts
}

// translateImageURL accepts data URLs only; remote fetching is not this
// proxy's business.
func translateImageURL(url string) upstream.Part {
	rest, ok := strings.CutPrefix(url, "data:")
	if !ok {
		return upstream.TextPart("[image_url error: only data: URLs are supported]")
	}
	meta, data, ok := strings.Cut(rest, ",")
	if !ok {
		return upstream.TextPart("[image_url error: malformed data URL]")
	}
	mime := strings.TrimSuffix(meta, ";base64")
	if mime == "" {
		mime = "image/png"
	}
	return upstream.BlobPart(mime, data)
}

// PrependSystemTexts puts synthesized instructions ahead of any client
// system text.
func PrependSystemTexts(system *upstream.Content, texts []string) *upstream.Content {
	if len(texts) == 0 {
		return system
	}
	joined := strings.Join(texts, "\n\n")
	if system == nil {
		return &upstream.Content{Parts: []upstream.Part{upstream.TextPart(joined)}}
	}
	parts := append([]upstream.Part{upstream.TextPart(joined)}, system.Parts...)
	return &upstream.Content{Role: system.Role, Parts: parts}
}
