package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// keyEntry is one stored credential as listed over the admin surface.
// Secrets never leave the store.
type keyEntry struct {
	ID     string `json:"id"`
	Active bool   `json:"active"`
}

type keyListResponse struct {
	Keys        []keyEntry `json:"keys"`
	ActiveKeyID string     `json:"active_key_id,omitempty"`
}

// handleListKeys serves GET /v1/admin/keys.
func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	active := s.keys.ActiveKeyID()
	ids := s.keys.KeyIDs()

	resp := keyListResponse{Keys: make([]keyEntry, 0, len(ids)), ActiveKeyID: active}
	for _, id := range ids {
		resp.Keys = append(resp.Keys, keyEntry{ID: id, Active: id == active})
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleSetKey serves POST /v1/admin/keys: add or replace a named key. The
// first key stored becomes active.
func (s *Server) handleSetKey(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID  string `json:"id"`
		Key string `json:"key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error(), "invalid_request_error")
		return
	}
	if req.ID == "" || req.Key == "" {
		s.writeError(w, http.StatusBadRequest, "id and key are required", "invalid_request_error")
		return
	}

	if err := s.keys.SetKey(req.ID, req.Key); err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to store key: "+err.Error(), "api_error")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status":        "ok",
		"active_key_id": s.keys.ActiveKeyID(),
	})
}

// handleDeleteKey serves DELETE /v1/admin/keys/{id}. Removing the active key
// clears the selection, and chat requests fail 401 until a new one is set.
func (s *Server) handleDeleteKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.keys.DeleteKey(id); err != nil {
		s.writeError(w, http.StatusNotFound, err.Error(), "invalid_request_error")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleSetActiveKey serves PUT /v1/admin/keys/active.
func (s *Server) handleSetActiveKey(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error(), "invalid_request_error")
		return
	}
	if req.ID == "" {
		s.writeError(w, http.StatusBadRequest, "id is required", "invalid_request_error")
		return
	}

	if err := s.keys.SetActive(req.ID); err != nil {
		s.writeError(w, http.StatusNotFound, err.Error(), "invalid_request_error")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "active_key_id": req.ID})
}
