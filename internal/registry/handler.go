package registry

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"live-ingest/internal/platform/health"

	"github.com/go-chi/chi/v5"
)

// Handler exposes the query API using go-chi.
type Handler struct {
	svc     *Service
	log     *slog.Logger
	healthy func() bool
}

// NewHandler returns a Handler over svc. healthy reports the event bus state
// for /health and may be nil.
func NewHandler(svc *Service, log *slog.Logger, healthy func() bool) *Handler {
	return &Handler{svc: svc, log: log, healthy: healthy}
}

// Routes mounts the API on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/health", h.Health)
	r.Get("/api/stats", h.Stats)
	r.Route("/api/streams", func(r chi.Router) {
		r.Get("/", h.ListStreams)
		r.Post("/create", h.CreateStream)
		r.Route("/{stream_key}", func(r chi.Router) {
			r.Get("/", h.GetStream)
			r.Get("/watch", h.WatchStream)
			r.Post("/leave", h.LeaveStream)
			r.Get("/files", h.ListFiles)
		})
	})
}

type listResponse struct {
	Streams []Stream `json:"streams"`
	Count   int      `json:"count"`
}

// ListStreams handles GET /api/streams.
func (h *Handler) ListStreams(w http.ResponseWriter, r *http.Request) {
	streams := h.svc.List()
	h.writeJSON(w, http.StatusOK, listResponse{Streams: streams, Count: len(streams)})
}

// GetStream handles GET /api/streams/{stream_key}.
func (h *Handler) GetStream(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "stream_key")
	st, err := h.svc.Get(key)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, st)
}

// WatchStream handles GET /api/streams/{stream_key}/watch.
func (h *Handler) WatchStream(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "stream_key")
	info, err := h.svc.Watch(key)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.log.Debug("viewer joined", slog.String("stream_key", key), slog.Int("viewers", info.Viewers))
	h.writeJSON(w, http.StatusOK, info)
}

// LeaveStream handles POST /api/streams/{stream_key}/leave.
func (h *Handler) LeaveStream(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "stream_key")
	viewers, err := h.svc.Leave(key)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "viewers": viewers})
}

// CreateStream handles POST /api/streams/create.
func (h *Handler) CreateStream(w http.ResponseWriter, r *http.Request) {
	created := h.svc.Create()
	h.log.Info("stream key created", slog.String("stream_key", created.StreamKey))
	h.writeJSON(w, http.StatusCreated, created)
}

// ListFiles handles GET /api/streams/{stream_key}/files.
func (h *Handler) ListFiles(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "stream_key")
	files, err := h.svc.Files(r.Context(), key)
	if err != nil {
		h.log.Error("list stream files failed", slog.String("stream_key", key), slog.String("error", err.Error()))
		h.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to list files"})
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"streamKey": key, "files": files})
}

// Stats handles GET /api/stats.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.svc.Stats())
}

// Health handles GET /health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	health.Handler(h.healthy)(w, r)
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrNotFound) {
		h.writeJSON(w, http.StatusNotFound, map[string]string{"error": "Stream not found"})
		return
	}
	h.log.Error("request failed", slog.String("error", err.Error()))
	h.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Debug("write response failed", slog.String("error", err.Error()))
	}
}
