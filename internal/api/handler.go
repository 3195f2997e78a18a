// Package api provides HTTP and WebSocket handlers for the cx-router API.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/cx-router/internal/analytics"
	"github.com/ashureev/cx-router/internal/domain"
	"github.com/ashureev/cx-router/internal/engine"
	"github.com/ashureev/cx-router/internal/handoff"
	"github.com/ashureev/cx-router/internal/store"
)

// Conversations is the orchestration surface the handlers drive.
type Conversations interface {
	HandleMessage(ctx context.Context, st engine.State) (*engine.Response, error)
	CloseSession(ctx context.Context, sessionID string) (*domain.SessionInsights, error)
	LinkUser(ctx context.Context, sessionID string, userID int64) error
	RecordHumanTurn(ctx context.Context, sessionID, role, content string) error
	CustomerContext(ctx context.Context, sessionID string) (*domain.CustomerContext, error)
}

// Assistant supports human agents serving a handed-off session.
type Assistant interface {
	Sentiment(ctx context.Context, turns []domain.Message) analytics.Sentiment
	Suggest(ctx context.Context, turns []domain.Message, mood analytics.Sentiment, cc *domain.CustomerContext) []analytics.Suggestion
}

// Options tunes request handling.
type Options struct {
	MaxBodyBytes int64
	RateLimitRPS float64
	RateBurst    int
}

// Handler serves the chat and agent APIs.
type Handler struct {
	conv     Conversations
	repo     store.Repository
	assist   Assistant
	handoffs *handoff.Queue
	limiter  *sessionLimiter
	conns    *Connections
	agents   *Connections
	maxBody  int64
}

// NewHandler creates a new Handler.
func NewHandler(conv Conversations, repo store.Repository, assist Assistant, opts Options) *Handler {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 64 << 10
	}
	return &Handler{
		conv:     conv,
		repo:     repo,
		assist:   assist,
		handoffs: handoff.NewQueue(),
		limiter:  newSessionLimiter(opts.RateLimitRPS, opts.RateBurst),
		conns:    NewConnections("customer"),
		agents:   NewConnections("agent"),
		maxBody:  opts.MaxBodyBytes,
	}
}

// RegisterRoutes registers the API and WebSocket routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.Health)
		r.Post("/chat", h.Chat)
		r.Route("/sessions/{id}", func(r chi.Router) {
			r.Get("/history", h.History)
			r.Post("/close", h.CloseSession)
			r.Post("/link-user", h.LinkUser)
		})
		r.Get("/customers/{id}/profile", h.Profile)
		r.Get("/handoffs", h.ListHandoffs)
		r.Route("/handoffs/{id}", func(r chi.Router) {
			r.Post("/accept", h.AcceptHandoff)
			r.Post("/message", h.AgentMessage)
			r.Get("/messages", h.History)
			r.Get("/context", h.HandoffContext)
			r.Get("/sentiment", h.HandoffSentiment)
			r.Get("/smart-suggestions", h.SmartSuggestions)
			r.Get("/copilot", h.Copilot)
		})
	})
	r.Get("/ws/customer/{id}", h.CustomerWebSocket)
	r.Get("/ws/agent/{id}", h.AgentWebSocket)
}

// Shutdown closes every open customer and agent WebSocket.
func (h *Handler) Shutdown() {
	h.conns.CloseAll()
	h.agents.CloseAll()
}

// EndSession closes a session everywhere: analytics and live memory, the
// customer socket, rate limiting and any handoff. Agents are told when a
// handoff ends this way. The insight is nil for a session without turns.
func (h *Handler) EndSession(ctx context.Context, sessionID string) (*domain.SessionInsights, error) {
	insight, err := h.conv.CloseSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("close session %s: %w", sessionID, err)
	}
	h.conns.Close(sessionID)
	h.limiter.Forget(sessionID)
	if req, ok := h.handoffs.Get(sessionID); ok && h.handoffs.Resolve(sessionID) {
		h.notifyAgents(ctx, req, agentFrame{Type: "session_closed", SessionID: sessionID})
	}
	return insight, nil
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}
