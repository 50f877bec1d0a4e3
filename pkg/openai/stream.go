package openai

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Sink receives the assistant turn as it is produced. StreamWriter feeds a
// live SSE response; Collector aggregates for stream:false clients.
type Sink interface {
	WriteContent(text string) error
	WriteStop() error
	WriteError(message string) error
	Done() error
}

var finishStop = "stop"

// StreamWriter emits OpenAI chat-completion chunks over SSE. Every frame is
// a complete JSON object; after Done nothing more is written, so the
// terminal [DONE] line appears exactly once.
type StreamWriter struct {
	w         http.ResponseWriter
	flusher   http.Flusher
	id        string
	model     string
	created   int64
	roleDone  bool
	finished  bool
	completed bool
}

// NewStreamWriter prepares the SSE response. The writer must support
// flushing; buffering middlewares break streaming.
func NewStreamWriter(w http.ResponseWriter, model string) (*StreamWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support streaming")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	return &StreamWriter{
		w:       w,
		flusher: flusher,
		id:      "chatcmpl-" + uuid.New().String(),
		model:   model,
		created: time.Now().Unix(),
	}, nil
}

// ID returns the chatcmpl identifier shared by every chunk of this stream.
func (s *StreamWriter) ID() string {
	return s.id
}

// WriteContent emits one delta chunk. The first chunk of the stream also
// carries the assistant role.
func (s *StreamWriter) WriteContent(text string) error {
	if s.finished || text == "" {
		return nil
	}
	return s.writeChunk(Delta{Role: s.role(), Content: text}, nil)
}

// WriteStop emits the finishing chunk with finish_reason "stop".
func (s *StreamWriter) WriteStop() error {
	if s.finished {
		return nil
	}
	s.finished = true
	return s.writeChunk(Delta{Role: s.role()}, &finishStop)
}

// WriteError surfaces an error inline: a final content chunk carrying the
// message together with finish_reason "stop". The stream still closes
// cleanly from the client's point of view.
func (s *StreamWriter) WriteError(message string) error {
	if s.finished {
		return nil
	}
	s.finished = true
	return s.writeChunk(Delta{Role: s.role(), Content: message}, &finishStop)
}

// Done writes the terminal [DONE] line. Safe to call more than once; only
// the first call emits.
func (s *StreamWriter) Done() error {
	if s.completed {
		return nil
	}
	s.completed = true
	s.finished = true

	if _, err := fmt.Fprint(s.w, "data: [DONE]\n\n"); err != nil {
		return fmt.Errorf("failed to write stream terminator: %w", err)
	}
	s.flusher.Flush()
	return nil
}

func (s *StreamWriter) role() string {
	if s.roleDone {
		return ""
	}
	s.roleDone = true
	return "assistant"
}

func (s *StreamWriter) writeChunk(delta Delta, finishReason *string) error {
	chunk := ChunkResponse{
		ID:      s.id,
		Object:  "chat.completion.chunk",
		Created: s.created,
		Model:   s.model,
		Choices: []ChunkChoice{{Index: 0, Delta: delta, FinishReason: finishReason}},
	}

	data, err := json.Marshal(chunk)
	if err != nil {
		return fmt.Errorf("failed to marshal chunk: %w", err)
	}

	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("failed to write chunk: %w", err)
	}
	s.flusher.Flush()
	return nil
}

// Collector implements Sink by accumulating the turn in memory, for
// clients that asked for a non-streaming response.
type Collector struct {
	id       string
	content  []byte
	errMsg   string
	finished bool
}

func NewCollector() *Collector {
	return &Collector{id: "chatcmpl-" + uuid.New().String()}
}

func (c *Collector) WriteContent(text string) error {
	if c.finished {
		return nil
	}
	c.content = append(c.content, text...)
	return nil
}

func (c *Collector) WriteStop() error {
	c.finished = true
	return nil
}

func (c *Collector) WriteError(message string) error {
	if c.finished {
		return nil
	}
	c.errMsg = message
	c.finished = true
	return nil
}

func (c *Collector) Done() error {
	c.finished = true
	return nil
}

// Response assembles the aggregate completion for the collected turn.
// Inline errors become the message content, mirroring the stream behavior.
func (c *Collector) Response(model string, usage *Usage) CompletionResponse {
	content := string(c.content)
	if c.errMsg != "" {
		if content != "" {
			content += "\n"
		}
		content += c.errMsg
	}

	return CompletionResponse{
		ID:      c.id,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []CompletionChoice{{
			Index:        0,
			Message:      CompletionMessage{Role: "assistant", Content: content},
			FinishReason: "stop",
		}},
		Usage: usage,
	}
}
