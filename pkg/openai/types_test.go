package openai

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageContentUnmarshalString(t *testing.T) {
	var msg ChatMessage
	err := json.Unmarshal([]byte(`{"role":"user","content":"hello there"}`), &msg)
	require.NoError(t, err)

	assert.True(t, msg.Content.IsString())
	assert.Equal(t, "hello there", msg.Content.Text)
	assert.Equal(t, "hello there", msg.Content.PlainText())
}

func TestMessageContentUnmarshalParts(t *testing.T) {
	payload := `{
		"role": "user",
		"content": [
			{"type": "text", "text": "look at this"},
			{"type": "image_url", "image_url": {"url": "data:image/png;base64,iVBOR"}},
			{"type": "inline_data", "source": {"media_type": "application/pdf", "data": "JVBERi0"}},
			{"type": "text", "text": "what is it?"}
		]
	}`

	var msg ChatMessage
	err := json.Unmarshal([]byte(payload), &msg)
	require.NoError(t, err)

	require.Len(t, msg.Content.Parts, 4)
	assert.False(t, msg.Content.IsString())

	assert.Equal(t, ContentPartText, msg.Content.Parts[0].Type)
	assert.Equal(t, "look at this", msg.Content.Parts[0].Text)

	require.NotNil(t, msg.Content.Parts[1].ImageURL)
	assert.Equal(t, "data:image/png;base64,iVBOR", msg.Content.Parts[1].ImageURL.URL)

	require.NotNil(t, msg.Content.Parts[2].Source)
	assert.Equal(t, "application/pdf", msg.Content.Parts[2].Source.MediaType)
	assert.Equal(t, "JVBERi0", msg.Content.Parts[2].Source.Data)

	assert.Equal(t, "look at this\nwhat is it?", msg.Content.PlainText())
}

func TestMessageContentUnmarshalNull(t *testing.T) {
	var msg ChatMessage
	err := json.Unmarshal([]byte(`{"role":"assistant","content":null}`), &msg)
	require.NoError(t, err)

	assert.True(t, msg.Content.IsString())
	assert.Empty(t, msg.Content.Text)
}

func TestMessageContentUnmarshalRejectsOtherShapes(t *testing.T) {
	var msg ChatMessage
	err := json.Unmarshal([]byte(`{"role":"user","content":42}`), &msg)
	assert.Error(t, err)
}

func TestMessageContentMarshalPreservesForm(t *testing.T) {
	str := MessageContent{Text: "plain"}
	data, err := json.Marshal(str)
	require.NoError(t, err)
	assert.Equal(t, `"plain"`, string(data))

	parts := MessageContent{Parts: []ContentPart{{Type: ContentPartText, Text: "a"}}}
	data, err = json.Marshal(parts)
	require.NoError(t, err)
	assert.Equal(t, `[{"type":"text","text":"a"}]`, string(data))
}

func TestChatCompletionRequestDecode(t *testing.T) {
	payload := `{
		"model": "gemini-2.5-pro",
		"stream": true,
		"temperature": 0.2,
		"messages": [
			{"role": "system", "content": "be brief"},
			{"role": "user", "content": "hi"}
		]
	}`

	var req ChatCompletionRequest
	err := json.Unmarshal([]byte(payload), &req)
	require.NoError(t, err)

	assert.Equal(t, "gemini-2.5-pro", req.Model)
	assert.True(t, req.Stream)
	require.Len(t, req.Messages, 2)
	assert.Equal(t, "system", req.Messages[0].Role)
	assert.Equal(t, "be brief", req.Messages[0].Content.Text)
}
