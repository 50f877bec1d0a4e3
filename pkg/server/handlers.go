package server

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/zyr3x/opengemini"
	"github.com/zyr3x/opengemini/pkg/observability"
	"github.com/zyr3x/opengemini/pkg/openai"
)

// handleChatCompletions serves POST /v1/chat/completions. Streaming requests
// get SSE chunks; stream:false requests get one aggregated completion built
// from the same pipeline. A missing credential is the one failure reported
// over plain HTTP; everything later arrives inline in the stream.
func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read request body", "invalid_request_error")
		return
	}
	defer r.Body.Close()

	if s.cfg.DebugClientLogging {
		slog.Debug("Client request", "body", string(body))
	}

	var req openai.ChatCompletionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error(), "invalid_request_error")
		return
	}
	if req.Model == "" {
		s.writeError(w, http.StatusBadRequest, "model is required", "invalid_request_error")
		return
	}

	apiKey, err := s.keys.ActiveKey()
	if err != nil {
		s.writeError(w, http.StatusUnauthorized,
			"no active API key configured; add one via POST /v1/admin/keys", "authentication_error")
		observability.Global().RecordRequest(r.Context(), routeChat, http.StatusUnauthorized, time.Since(start))
		return
	}

	chain := s.currentChain()

	if !req.Stream {
		s.completeAggregate(w, r, chain, apiKey, &req, start)
		return
	}

	sw, err := openai.NewStreamWriter(w, req.Model)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error(), "api_error")
		return
	}

	var sink openai.Sink = sw
	if s.cfg.DebugClientLogging {
		sink = &debugSink{next: sw}
	}

	if _, err := chain.orch.Run(r.Context(), apiKey, &req, sink); err != nil {
		// The sink could not be written; the client is gone and there is
		// nothing left to send.
		slog.Warn("Stream aborted", "id", sw.ID(), "error", err)
	}
	observability.Global().RecordRequest(r.Context(), routeChat, http.StatusOK, time.Since(start))
}

// completeAggregate runs the request against a Collector and responds with
// the single chat.completion object. Inline errors keep the stream
// semantics: they land in the message content with finish_reason "stop".
func (s *Server) completeAggregate(w http.ResponseWriter, r *http.Request, chain *toolchain,
	apiKey string, req *openai.ChatCompletionRequest, start time.Time) {
	collector := openai.NewCollector()
	usage, err := chain.orch.Run(r.Context(), apiKey, req, collector)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error(), "api_error")
		observability.Global().RecordRequest(r.Context(), routeChat, http.StatusInternalServerError, time.Since(start))
		return
	}

	s.writeJSON(w, http.StatusOK, collector.Response(req.Model, usage))
	observability.Global().RecordRequest(r.Context(), routeChat, http.StatusOK, time.Since(start))
}

// handleListModels serves GET /v1/models from the upstream model catalog,
// reshaped to the OpenAI list format.
func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	apiKey, err := s.keys.ActiveKey()
	if err != nil {
		s.writeError(w, http.StatusUnauthorized,
			"no active API key configured; add one via POST /v1/admin/keys", "authentication_error")
		return
	}

	models, err := s.upstream.ListModels(r.Context(), apiKey)
	if err != nil {
		s.writeError(w, http.StatusBadGateway, "failed to list upstream models: "+err.Error(), "api_error")
		observability.Global().RecordRequest(r.Context(), routeModels, http.StatusBadGateway, time.Since(start))
		return
	}

	created := time.Now().Unix()
	list := openai.ModelList{Object: "list", Data: make([]openai.Model, 0, len(models))}
	for _, m := range models {
		list.Data = append(list.Data, openai.Model{
			ID:      m.ID(),
			Object:  "model",
			Created: created,
			OwnedBy: "google",
		})
	}

	s.writeJSON(w, http.StatusOK, list)
	observability.Global().RecordRequest(r.Context(), routeModels, http.StatusOK, time.Since(start))
}

// handleHealth returns server health and version.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status":  "ok",
		"version": opengemini.Version,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message, errType string) {
	s.writeJSON(w, status, openai.ErrorResponse{Error: openai.APIError{Message: message, Type: errType}})
}

// debugSink logs every frame on its way to the wrapped sink.
type debugSink struct {
	next openai.Sink
}

func (d *debugSink) WriteContent(text string) error {
	slog.Debug("Stream content", "text", text)
	return d.next.WriteContent(text)
}

func (d *debugSink) WriteStop() error {
	slog.Debug("Stream stop")
	return d.next.WriteStop()
}

func (d *debugSink) WriteError(message string) error {
	slog.Debug("Stream error", "message", message)
	return d.next.WriteError(message)
}

func (d *debugSink) Done() error {
	slog.Debug("Stream done")
	return d.next.Done()
}
