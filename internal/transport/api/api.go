// Package api serves the JSON session and timeline endpoints:
//
//	GET    /v1/sessions                  list live sessions
//	GET    /v1/sessions/{id}             one session's metadata
//	DELETE /v1/sessions/{id}             close a session
//	POST   /v1/sessions/{id}/control     apply a control message
//	GET    /v1/sessions/{id}/timeline    stored predictions, oldest first
//	GET    /v1/sessions/{id}/summary     stored label counts
//	POST   /v1/similar                   nearest stored moments to a vector
//
// The timeline endpoints answer 404 when no store is configured.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/MrWong99/voxmood/internal/observe"
	"github.com/MrWong99/voxmood/internal/session"
	"github.com/MrWong99/voxmood/internal/store/postgres"
	"github.com/MrWong99/voxmood/pkg/emotion"
	"github.com/MrWong99/voxmood/pkg/protocol"
)

// maxBody bounds request bodies.
const maxBody = 64 << 10

// Timeline reads stored predictions. [postgres.Store] implements it.
type Timeline interface {
	Timeline(ctx context.Context, f postgres.Filter, limit int) ([]postgres.Moment, error)
	SessionSummary(ctx context.Context, sessionID string) (postgres.Summary, error)
	Similar(ctx context.Context, v emotion.Vector, k int, f postgres.Filter) ([]postgres.Moment, error)
}

var _ Timeline = (*postgres.Store)(nil)

// Handler serves the API. A nil timeline disables the store endpoints.
type Handler struct {
	mgr      *session.Manager
	timeline Timeline
}

// New creates a Handler.
func New(mgr *session.Manager, timeline Timeline) *Handler {
	return &Handler{mgr: mgr, timeline: timeline}
}

// Register mounts the endpoints on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/sessions", h.handleList)
	mux.HandleFunc("GET /v1/sessions/{id}", h.handleGet)
	mux.HandleFunc("DELETE /v1/sessions/{id}", h.handleClose)
	mux.HandleFunc("POST /v1/sessions/{id}/control", h.handleControl)
	mux.HandleFunc("GET /v1/sessions/{id}/timeline", h.handleTimeline)
	mux.HandleFunc("GET /v1/sessions/{id}/summary", h.handleSummary)
	mux.HandleFunc("POST /v1/similar", h.handleSimilar)
}

func (h *Handler) handleList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.mgr.List())
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	s, ok := h.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.Info())
}

func (h *Handler) handleClose(w http.ResponseWriter, r *http.Request) {
	err := h.mgr.Close(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, err)
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (h *Handler) handleControl(w http.ResponseWriter, r *http.Request) {
	s, ok := h.lookup(w, r)
	if !ok {
		return
	}
	body, err := readBody(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	c, err := protocol.DecodeControl(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if c.Type == protocol.TypeConfigure {
		writeError(w, http.StatusBadRequest, errors.New("api: a session's format cannot be changed"))
		return
	}
	if err := s.Control(r.Context(), c); err != nil {
		observe.Logger(r.Context()).Debug("api: control rejected", "session_id", s.ID(), "type", string(c.Type), "err", err)
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, s.Info())
}

func (h *Handler) handleTimeline(w http.ResponseWriter, r *http.Request) {
	if !h.requireStore(w) {
		return
	}
	q := r.URL.Query()
	f := postgres.Filter{
		SessionID:      r.PathValue("id"),
		ExcludeSilence: q.Get("voiced") == "true",
	}
	var err error
	if f.After, err = parseTime(q.Get("after")); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if f.Before, err = parseTime(q.Get("before")); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	moments, err := h.timeline.Timeline(r.Context(), f, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, moments)
}

func (h *Handler) handleSummary(w http.ResponseWriter, r *http.Request) {
	if !h.requireStore(w) {
		return
	}
	sum, err := h.timeline.SessionSummary(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// similarRequest is the JSON body for /v1/similar.
type similarRequest struct {
	Vector         emotion.Vector `json:"vector"`
	K              int            `json:"k"`
	SessionID      string         `json:"sessionId"`
	ExcludeSilence bool           `json:"excludeSilence"`
}

func (h *Handler) handleSimilar(w http.ResponseWriter, r *http.Request) {
	if !h.requireStore(w) {
		return
	}
	body, err := readBody(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var req similarRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Vector.Sum() == 0 {
		writeError(w, http.StatusBadRequest, errors.New("api: vector must not be all zero"))
		return
	}
	moments, err := h.timeline.Similar(r.Context(), req.Vector, req.K, postgres.Filter{
		SessionID:      req.SessionID,
		ExcludeSilence: req.ExcludeSilence,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, moments)
}

func (h *Handler) lookup(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	s, err := h.mgr.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return nil, false
	}
	return s, true
}

func (h *Handler) requireStore(w http.ResponseWriter) bool {
	if h.timeline == nil {
		writeError(w, http.StatusNotFound, errors.New("api: timeline store not configured"))
		return false
	}
	return true
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	b, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		return nil, errors.New("api: invalid request body")
	}
	return b, nil
}

// parseLimit accepts an empty string (no limit) or a non-negative integer.
func parseLimit(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("api: limit %q must be a non-negative integer", s)
	}
	return n, nil
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, errors.New("api: timestamps must be RFC 3339")
	}
	return t, nil
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
