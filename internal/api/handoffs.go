package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/ashureev/cx-router/internal/analytics"
	"github.com/ashureev/cx-router/internal/domain"
	"github.com/ashureev/cx-router/internal/engine"
	"github.com/ashureev/cx-router/internal/handoff"
	"github.com/ashureev/cx-router/internal/identity"
)

const (
	agentJoinedMessage = "A human agent has joined the conversation."
	agentWriteTimeout  = 5 * time.Second
)

var errNotOwner = errors.New("handoff is served by another agent")

// agentFrame is a server frame on an agent socket.
type agentFrame struct {
	Type      string               `json:"type"`
	SessionID string               `json:"session_id,omitempty"`
	Message   string               `json:"message,omitempty"`
	Reason    domain.HandoffReason `json:"reason,omitempty"`
	Agent     string               `json:"agent,omitempty"`
	Handoffs  []handoff.Request    `json:"handoffs,omitempty"`
	Error     string               `json:"error,omitempty"`
}

type acceptRequest struct {
	Agent string `json:"agent"`
}

type agentMessageRequest struct {
	Agent   string `json:"agent"`
	Message string `json:"message"`
}

// exchange is the outcome of one customer message.
type exchange struct {
	resp      *engine.Response
	forwarded bool
}

// converse delivers a customer message. Sessions in the handoff queue go to
// the agents; everything else runs through the pipeline, and a pipeline
// handoff queues the session.
func (h *Handler) converse(ctx context.Context, st engine.State) (exchange, error) {
	if req, ok := h.handoffs.Get(st.SessionID); ok {
		if err := h.conv.RecordHumanTurn(ctx, st.SessionID, domain.RoleUser, st.Message); err != nil {
			return exchange{}, err
		}
		h.notifyAgents(ctx, req, agentFrame{Type: "customer_message", SessionID: st.SessionID, Message: st.Message})
		return exchange{forwarded: true}, nil
	}

	resp, err := h.conv.HandleMessage(ctx, st)
	if err != nil {
		return exchange{}, err
	}
	if resp.Handoff {
		if req, opened := h.handoffs.Open(st.SessionID, resp.HandoffReason, st.Message); opened {
			h.notifyAgents(ctx, req, agentFrame{
				Type:      "handoff_request",
				SessionID: st.SessionID,
				Reason:    resp.HandoffReason,
				Message:   st.Message,
			})
		}
	}
	return exchange{resp: resp}, nil
}

// notifyAgents sends frame to the agent serving req, or to every connected
// agent while req is unclaimed.
func (h *Handler) notifyAgents(ctx context.Context, req handoff.Request, frame agentFrame) {
	if req.AcceptedBy != "" {
		if ws := h.agents.Get(req.AcceptedBy); ws != nil {
			h.writeAgentFrame(ctx, ws, frame)
		}
		return
	}
	h.broadcastAgents(ctx, frame)
}

func (h *Handler) broadcastAgents(ctx context.Context, frame agentFrame) {
	for _, ws := range h.agents.Snapshot() {
		h.writeAgentFrame(ctx, ws, frame)
	}
}

func (h *Handler) writeAgentFrame(ctx context.Context, ws *websocket.Conn, frame agentFrame) bool {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), agentWriteTimeout)
	defer cancel()
	return h.writeFrame(ctx, ws, frame)
}

// accept assigns a queued session to agent and tells the customer.
func (h *Handler) accept(ctx context.Context, sessionID, agent string) (handoff.Request, error) {
	prev, _ := h.handoffs.Get(sessionID)
	req, err := h.handoffs.Accept(sessionID, agent)
	if err != nil {
		return req, err
	}
	if prev.AcceptedBy == "" {
		if ws := h.conns.Get(sessionID); ws != nil {
			h.writeFrame(ctx, ws, wsOutbound{Type: "agent_joined", Message: agentJoinedMessage, Agent: agent})
		}
		h.broadcastAgents(ctx, agentFrame{Type: "handoff_accepted", SessionID: sessionID, Agent: agent})
	}
	return req, nil
}

// sendAgentMessage records an agent reply and forwards it to the customer.
// It reports whether the customer was connected.
func (h *Handler) sendAgentMessage(ctx context.Context, sessionID, agent, message string) (bool, error) {
	owner, err := h.handoffs.Owner(sessionID)
	if err != nil {
		return false, err
	}
	if owner != agent {
		return false, errNotOwner
	}
	if err := h.conv.RecordHumanTurn(ctx, sessionID, domain.RoleAgent, message); err != nil {
		return false, err
	}

	ws := h.conns.Get(sessionID)
	if ws == nil {
		return false, nil
	}
	return h.writeFrame(ctx, ws, wsOutbound{Type: "agent_message", Message: message, Agent: agent}), nil
}

// ListHandoffs returns the queue, newest first.
func (h *Handler) ListHandoffs(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]interface{}{"handoffs": h.handoffs.List()})
}

// AcceptHandoff claims a queued session for an agent.
func (h *Handler) AcceptHandoff(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := sessionParam(w, r)
	if !ok {
		return
	}
	var body acceptRequest
	if !h.decode(w, r, &body) {
		return
	}
	if !identity.ValidSessionID(body.Agent) {
		Error(w, http.StatusBadRequest, "invalid agent")
		return
	}

	req, err := h.accept(r.Context(), sessionID, body.Agent)
	if err != nil {
		h.writeHandoffError(w, sessionID, err)
		return
	}
	JSON(w, http.StatusOK, req)
}

// AgentMessage sends an agent reply to the customer of an accepted session.
func (h *Handler) AgentMessage(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := sessionParam(w, r)
	if !ok {
		return
	}
	var body agentMessageRequest
	if !h.decode(w, r, &body) {
		return
	}
	if !identity.ValidSessionID(body.Agent) {
		Error(w, http.StatusBadRequest, "invalid agent")
		return
	}

	delivered, err := h.sendAgentMessage(r.Context(), sessionID, body.Agent, body.Message)
	if err != nil {
		h.writeHandoffError(w, sessionID, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"session_id": sessionID,
		"delivered":  delivered,
	})
}

// HandoffContext returns the handoff and the linked customer's account.
func (h *Handler) HandoffContext(w http.ResponseWriter, r *http.Request) {
	sessionID, req, ok := h.queued(w, r)
	if !ok {
		return
	}
	cc, err := h.conv.CustomerContext(r.Context(), sessionID)
	if err != nil {
		h.writeEngineError(w, sessionID, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"session_id": sessionID,
		"handoff":    req,
		"customer":   cc,
	})
}

// HandoffSentiment scores the customer's recent messages.
func (h *Handler) HandoffSentiment(w http.ResponseWriter, r *http.Request) {
	sessionID, _, ok := h.queued(w, r)
	if !ok {
		return
	}
	turns, ok := h.transcript(w, r, sessionID)
	if !ok {
		return
	}
	JSON(w, http.StatusOK, h.assist.Sentiment(r.Context(), turns))
}

// SmartSuggestions drafts up to three replies for the agent.
func (h *Handler) SmartSuggestions(w http.ResponseWriter, r *http.Request) {
	sessionID, mood, suggestions, ok := h.suggest(w, r)
	if !ok {
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"session_id":  sessionID,
		"sentiment":   mood,
		"suggestions": suggestions,
	})
}

// Copilot returns the single best reply draft, or null.
func (h *Handler) Copilot(w http.ResponseWriter, r *http.Request) {
	sessionID, mood, suggestions, ok := h.suggest(w, r)
	if !ok {
		return
	}
	var top *analytics.Suggestion
	if len(suggestions) > 0 {
		top = &suggestions[0]
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"session_id": sessionID,
		"sentiment":  mood,
		"suggestion": top,
	})
}

func (h *Handler) suggest(w http.ResponseWriter, r *http.Request) (string, analytics.Sentiment, []analytics.Suggestion, bool) {
	sessionID, _, ok := h.queued(w, r)
	if !ok {
		return "", analytics.Sentiment{}, nil, false
	}
	turns, ok := h.transcript(w, r, sessionID)
	if !ok {
		return "", analytics.Sentiment{}, nil, false
	}
	cc, err := h.conv.CustomerContext(r.Context(), sessionID)
	if err != nil {
		h.writeEngineError(w, sessionID, err)
		return "", analytics.Sentiment{}, nil, false
	}

	mood := h.assist.Sentiment(r.Context(), turns)
	return sessionID, mood, h.assist.Suggest(r.Context(), turns, mood, cc), true
}

func (h *Handler) queued(w http.ResponseWriter, r *http.Request) (string, handoff.Request, bool) {
	sessionID, ok := sessionParam(w, r)
	if !ok {
		return "", handoff.Request{}, false
	}
	req, ok := h.handoffs.Get(sessionID)
	if !ok {
		Error(w, http.StatusNotFound, handoff.ErrNotFound.Error())
		return "", handoff.Request{}, false
	}
	return sessionID, req, true
}

func (h *Handler) transcript(w http.ResponseWriter, r *http.Request, sessionID string) ([]domain.Message, bool) {
	turns, err := h.repo.ListMessages(r.Context(), sessionID)
	if err != nil {
		slog.Error("Failed to load session history", "session_id", sessionID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load history")
		return nil, false
	}
	return turns, true
}

func (h *Handler) writeHandoffError(w http.ResponseWriter, sessionID string, err error) {
	switch {
	case errors.Is(err, handoff.ErrNotFound):
		Error(w, http.StatusNotFound, err.Error())
	case errors.Is(err, handoff.ErrAlreadyAccepted), errors.Is(err, handoff.ErrNotAccepted), errors.Is(err, errNotOwner):
		Error(w, http.StatusConflict, err.Error())
	default:
		h.writeEngineError(w, sessionID, err)
	}
}
