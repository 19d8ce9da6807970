package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/catwiki/catchat/internal/chat"
	"github.com/catwiki/catchat/internal/log"
	"github.com/catwiki/catchat/internal/session"
)

// SessionDirectory is the listing slice of the session store.
type SessionDirectory interface {
	List(ctx context.Context, opts session.ListOptions) ([]*session.Session, error)
	Get(ctx context.Context, sessionID string) (*session.Session, error)
	Delete(ctx context.Context, sessionID string) error
}

// Historian reconstructs visible transcripts.
type Historian interface {
	History(ctx context.Context, sessionID string) ([]chat.Message, error)
}

type sessionHandler struct {
	directory SessionDirectory
	historian Historian
	logger    log.Logger
}

// list implements GET /api/v1/sessions.
func (h *sessionHandler) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := session.ListOptions{
		SiteID:   queryInt64(q.Get("site_id")),
		MemberID: queryInt64(q.Get("member_id")),
		Keyword:  q.Get("q"),
		Limit:    int(queryInt64(q.Get("limit"))),
		Offset:   int(queryInt64(q.Get("offset"))),
	}

	sessions, err := h.directory.List(r.Context(), opts)
	if err != nil {
		h.logger.Error("listing sessions", "error", err)
		writeError(w, http.StatusInternalServerError, "list_failed", "failed to list sessions", h.logger)
		return
	}
	if sessions == nil {
		sessions = []*session.Session{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions}, h.logger)
}

// get implements GET /api/v1/sessions/{id}.
func (h *sessionHandler) get(w http.ResponseWriter, r *http.Request) {
	sess, err := h.directory.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.notFoundOr500(w, err, "getting session")
		return
	}
	writeJSON(w, http.StatusOK, sess, h.logger)
}

// messages implements GET /api/v1/sessions/{id}/messages.
func (h *sessionHandler) messages(w http.ResponseWriter, r *http.Request) {
	msgs, err := h.historian.History(r.Context(), r.PathValue("id"))
	if err != nil {
		h.notFoundOr500(w, err, "loading transcript")
		return
	}
	if msgs == nil {
		msgs = []chat.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs}, h.logger)
}

// remove implements DELETE /api/v1/sessions/{id}.
func (h *sessionHandler) remove(w http.ResponseWriter, r *http.Request) {
	if err := h.directory.Delete(r.Context(), r.PathValue("id")); err != nil {
		h.notFoundOr500(w, err, "deleting session")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *sessionHandler) notFoundOr500(w http.ResponseWriter, err error, action string) {
	if errors.Is(err, session.ErrNotFound) || errors.Is(err, session.ErrEmptySessionID) {
		writeError(w, http.StatusNotFound, "session_not_found", "session not found", h.logger)
		return
	}
	h.logger.Error(action, "error", err)
	writeError(w, http.StatusInternalServerError, "internal_error", "internal server error", h.logger)
}

func queryInt64(raw string) int64 {
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
