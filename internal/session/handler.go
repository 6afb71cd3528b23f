package session

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Handler exposes the ingest service's local view of its sessions.
type Handler struct {
	m   *Manager
	log *slog.Logger
}

// NewHandler constructs a Handler over the manager's sessions.
func NewHandler(m *Manager, log *slog.Logger) *Handler {
	return &Handler{m: m, log: log}
}

type listResponse struct {
	Streams []Info `json:"streams"`
	Count   int    `json:"count"`
}

// ListStreams handles GET /api/streams.
func (h *Handler) ListStreams(w http.ResponseWriter, r *http.Request) {
	streams := h.m.List()
	h.writeJSON(w, http.StatusOK, listResponse{Streams: streams, Count: len(streams)})
}

// GetStream handles GET /api/streams/{stream_key}.
func (h *Handler) GetStream(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "stream_key")
	if key == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	info, ok := h.m.Get(key)
	if !ok {
		h.writeJSON(w, http.StatusNotFound, map[string]string{"error": "Stream not found"})
		return
	}
	h.writeJSON(w, http.StatusOK, info)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Debug("write response failed", slog.String("error", err.Error()))
	}
}
