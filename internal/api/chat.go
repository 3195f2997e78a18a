package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/cx-router/internal/domain"
	"github.com/ashureev/cx-router/internal/engine"
	"github.com/ashureev/cx-router/internal/identity"
)

type chatRequest struct {
	SessionID string `json:"session_id,omitempty"`
	Message   string `json:"message"`
	Tone      string `json:"tone,omitempty"`
}

type chatResponse struct {
	SessionID string `json:"session_id"`
	// Forwarded is set when a human agent serves the session and the
	// message went to them instead of the pipeline.
	Forwarded bool `json:"forwarded,omitempty"`
	*engine.Response
}

type linkUserRequest struct {
	UserID int64 `json:"user_id"`
}

// Chat runs one customer message through the pipeline.
func (h *Handler) Chat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if !h.decode(w, r, &req) {
		return
	}

	sessionID := identity.SessionIDFromContext(r.Context())
	if req.SessionID != "" {
		if !identity.ValidSessionID(req.SessionID) {
			Error(w, http.StatusBadRequest, "invalid session_id")
			return
		}
		sessionID = req.SessionID
	}
	if sessionID == "" {
		sessionID = identity.NewSessionID()
	}

	if !h.limiter.Allow(sessionID) {
		Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	ex, err := h.converse(r.Context(), engine.State{
		SessionID: sessionID,
		Message:   req.Message,
		Tone:      req.Tone,
		Role:      identity.RoleFromContext(r.Context()),
	})
	if err != nil {
		h.writeEngineError(w, sessionID, err)
		return
	}

	w.Header().Set(identity.SessionHeaderName, sessionID)
	JSON(w, http.StatusOK, chatResponse{SessionID: sessionID, Forwarded: ex.forwarded, Response: ex.resp})
}

// History returns the stored transcript of a session.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := sessionParam(w, r)
	if !ok {
		return
	}

	msgs, err := h.repo.ListMessages(r.Context(), sessionID)
	if err != nil {
		slog.Error("Failed to load session history", "session_id", sessionID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load history")
		return
	}
	if msgs == nil {
		msgs = []domain.Message{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"session_id": sessionID,
		"messages":   msgs,
	})
}

// CloseSession runs session-close analytics and drops the live session.
func (h *Handler) CloseSession(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := sessionParam(w, r)
	if !ok {
		return
	}

	insight, err := h.EndSession(r.Context(), sessionID)
	if err != nil {
		h.writeEngineError(w, sessionID, err)
		return
	}
	if insight == nil {
		Error(w, http.StatusNotFound, "session has no conversation")
		return
	}
	JSON(w, http.StatusOK, insight)
}

// LinkUser associates a session with a known customer.
func (h *Handler) LinkUser(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := sessionParam(w, r)
	if !ok {
		return
	}
	var req linkUserRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.UserID <= 0 {
		Error(w, http.StatusBadRequest, "user_id must be positive")
		return
	}

	if err := h.conv.LinkUser(r.Context(), sessionID, req.UserID); err != nil {
		h.writeEngineError(w, sessionID, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"session_id": sessionID,
		"user_id":    req.UserID,
		"linked":     true,
	})
}

// Profile returns a customer's derived profile.
func (h *Handler) Profile(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || userID <= 0 {
		Error(w, http.StatusBadRequest, "invalid customer id")
		return
	}

	profile, err := h.repo.GetCustomerProfile(r.Context(), userID)
	if err != nil {
		slog.Error("Failed to load customer profile", "user_id", userID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load profile")
		return
	}
	if profile == nil {
		Error(w, http.StatusNotFound, "profile not found")
		return
	}
	JSON(w, http.StatusOK, profile)
}

// Health reports whether the store is reachable.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.repo.Ping(r.Context()); err != nil {
		slog.Error("Health check failed", "error", err)
		JSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func sessionParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "id")
	if !identity.ValidSessionID(id) {
		Error(w, http.StatusBadRequest, "invalid session id")
		return "", false
	}
	return id, true
}

func (h *Handler) writeEngineError(w http.ResponseWriter, sessionID string, err error) {
	switch {
	case errors.Is(err, engine.ErrEmptyMessage), errors.Is(err, engine.ErrMissingSession):
		Error(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, engine.ErrUnknownUser):
		Error(w, http.StatusNotFound, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		Error(w, http.StatusServiceUnavailable, "session busy, try again")
	default:
		slog.Error("Conversation request failed", "session_id", sessionID, "error", err)
		Error(w, http.StatusInternalServerError, "internal error")
	}
}
