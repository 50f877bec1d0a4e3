package openai

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeFrames(t *testing.T, body string) []ChunkResponse {
	t.Helper()

	var chunks []ChunkResponse
	for _, frame := range strings.Split(strings.TrimSpace(body), "\n\n") {
		payload := strings.TrimPrefix(frame, "data: ")
		if payload == "[DONE]" {
			continue
		}
		var chunk ChunkResponse
		require.NoError(t, json.Unmarshal([]byte(payload), &chunk), "frame %q", frame)
		chunks = append(chunks, chunk)
	}
	return chunks
}

func TestStreamWriterFrames(t *testing.T) {
	rec := httptest.NewRecorder()
	sw, err := NewStreamWriter(rec, "gemini-2.5-pro")
	require.NoError(t, err)

	require.NoError(t, sw.WriteContent("hel"))
	require.NoError(t, sw.WriteContent("lo"))
	require.NoError(t, sw.WriteStop())
	require.NoError(t, sw.Done())

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))

	body := rec.Body.String()
	assert.True(t, strings.HasSuffix(body, "data: [DONE]\n\n"), "stream must end with [DONE]")
	assert.Equal(t, 1, strings.Count(body, "[DONE]"))

	chunks := decodeFrames(t, body)
	require.Len(t, chunks, 3)

	for _, chunk := range chunks {
		assert.True(t, strings.HasPrefix(chunk.ID, "chatcmpl-"))
		assert.Equal(t, "chat.completion.chunk", chunk.Object)
		assert.Equal(t, "gemini-2.5-pro", chunk.Model)
		require.Len(t, chunk.Choices, 1)
		assert.Equal(t, 0, chunk.Choices[0].Index)
	}

	assert.Equal(t, "assistant", chunks[0].Choices[0].Delta.Role)
	assert.Equal(t, "hel", chunks[0].Choices[0].Delta.Content)
	assert.Nil(t, chunks[0].Choices[0].FinishReason)

	assert.Empty(t, chunks[1].Choices[0].Delta.Role)
	assert.Equal(t, "lo", chunks[1].Choices[0].Delta.Content)

	require.NotNil(t, chunks[2].Choices[0].FinishReason)
	assert.Equal(t, "stop", *chunks[2].Choices[0].FinishReason)
	assert.Empty(t, chunks[2].Choices[0].Delta.Content)
}

func TestStreamWriterSharesChunkID(t *testing.T) {
	rec := httptest.NewRecorder()
	sw, err := NewStreamWriter(rec, "m")
	require.NoError(t, err)

	require.NoError(t, sw.WriteContent("a"))
	require.NoError(t, sw.WriteStop())
	require.NoError(t, sw.Done())

	chunks := decodeFrames(t, rec.Body.String())
	require.Len(t, chunks, 2)
	assert.Equal(t, chunks[0].ID, chunks[1].ID)
	assert.Equal(t, sw.ID(), chunks[0].ID)
}

func TestStreamWriterInlineError(t *testing.T) {
	rec := httptest.NewRecorder()
	sw, err := NewStreamWriter(rec, "m")
	require.NoError(t, err)

	require.NoError(t, sw.WriteError("upstream unavailable"))
	require.NoError(t, sw.Done())

	chunks := decodeFrames(t, rec.Body.String())
	require.Len(t, chunks, 1)
	assert.Equal(t, "upstream unavailable", chunks[0].Choices[0].Delta.Content)
	require.NotNil(t, chunks[0].Choices[0].FinishReason)
	assert.Equal(t, "stop", *chunks[0].Choices[0].FinishReason)
	assert.Equal(t, 1, strings.Count(rec.Body.String(), "[DONE]"))
}

func TestStreamWriterNothingAfterDone(t *testing.T) {
	rec := httptest.NewRecorder()
	sw, err := NewStreamWriter(rec, "m")
	require.NoError(t, err)

	require.NoError(t, sw.WriteContent("x"))
	require.NoError(t, sw.WriteStop())
	require.NoError(t, sw.Done())

	before := rec.Body.String()

	require.NoError(t, sw.WriteContent("late"))
	require.NoError(t, sw.WriteError("late error"))
	require.NoError(t, sw.WriteStop())
	require.NoError(t, sw.Done())

	assert.Equal(t, before, rec.Body.String())
	assert.Equal(t, 1, strings.Count(rec.Body.String(), "[DONE]"))
}

func TestStreamWriterSkipsEmptyContent(t *testing.T) {
	rec := httptest.NewRecorder()
	sw, err := NewStreamWriter(rec, "m")
	require.NoError(t, err)

	require.NoError(t, sw.WriteContent(""))
	require.NoError(t, sw.WriteStop())
	require.NoError(t, sw.Done())

	chunks := decodeFrames(t, rec.Body.String())
	require.Len(t, chunks, 1)
	assert.Equal(t, "stop", *chunks[0].Choices[0].FinishReason)
}

func TestCollectorAggregates(t *testing.T) {
	c := NewCollector()
	require.NoError(t, c.WriteContent("hello "))
	require.NoError(t, c.WriteContent("world"))
	require.NoError(t, c.WriteStop())
	require.NoError(t, c.Done())

	resp := c.Response("m", &Usage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5})
	assert.Equal(t, "chat.completion", resp.Object)
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "hello world", resp.Choices[0].Message.Content)
	assert.Equal(t, "assistant", resp.Choices[0].Message.Role)
	assert.Equal(t, "stop", resp.Choices[0].FinishReason)
	require.NotNil(t, resp.Usage)
	assert.Equal(t, 5, resp.Usage.TotalTokens)
}

func TestCollectorError(t *testing.T) {
	c := NewCollector()
	require.NoError(t, c.WriteContent("partial"))
	require.NoError(t, c.WriteError("Error: upstream failed"))
	require.NoError(t, c.Done())

	resp := c.Response("m", nil)
	assert.Equal(t, "partial\nError: upstream failed", resp.Choices[0].Message.Content)
}
