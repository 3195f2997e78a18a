package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/ashureev/cx-router/internal/domain"
	"github.com/ashureev/cx-router/internal/engine"
	"github.com/ashureev/cx-router/internal/identity"
)

const closeOnDisconnectTimeout = 30 * time.Second

// wsInbound is a customer frame.
type wsInbound struct {
	Type    string `json:"type,omitempty"`
	Message string `json:"message"`
	Tone    string `json:"tone,omitempty"`
}

// wsOutbound is a server frame.
type wsOutbound struct {
	Type          string               `json:"type"`
	Message       string               `json:"message,omitempty"`
	Handoff       bool                 `json:"handoff,omitempty"`
	HandoffReason domain.HandoffReason `json:"handoff_reason,omitempty"`
	ToolCalls     []string             `json:"tool_calls,omitempty"`
	Agent         string               `json:"agent,omitempty"`
	Error         string               `json:"error,omitempty"`
}

// agentInbound is an agent frame.
type agentInbound struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Message   string `json:"message,omitempty"`
}

// CustomerWebSocket serves a customer chat over a WebSocket. Closing the
// socket closes the session.
func (h *Handler) CustomerWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := sessionParam(w, r)
	if !ok {
		return
	}
	role := identity.RoleFromContext(r.Context())
	slog.Info("Customer WebSocket connection request", "session_id", sessionID, "ip", identity.IPFromRequest(r))

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "session_id", sessionID)
		return
	}
	ws.SetReadLimit(h.maxBody)

	h.conns.Register(sessionID, ws)
	defer func() {
		if !h.conns.Unregister(sessionID, ws) {
			// Replaced by a newer connection or closed through the API.
			return
		}
		_ = ws.Close(websocket.StatusNormalClosure, "session ended")
		h.closeOnDisconnect(sessionID)
	}()

	ctx := r.Context()
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled) {
				slog.Debug("Customer disconnected", "session_id", sessionID)
			} else {
				slog.Warn("WebSocket read error", "error", err, "session_id", sessionID)
			}
			return
		}

		var in wsInbound
		if err := json.Unmarshal(data, &in); err != nil {
			h.writeFrame(ctx, ws, wsOutbound{Type: "error", Error: "invalid message"})
			continue
		}
		if in.Type == "ping" {
			h.writeFrame(ctx, ws, wsOutbound{Type: "pong"})
			continue
		}

		if !h.limiter.Allow(sessionID) {
			h.writeFrame(ctx, ws, wsOutbound{Type: "error", Error: "rate limit exceeded"})
			continue
		}

		ex, err := h.converse(ctx, engine.State{
			SessionID: sessionID,
			Message:   in.Message,
			Tone:      in.Tone,
			Role:      role,
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			h.writeFrame(ctx, ws, wsOutbound{Type: "error", Error: err.Error()})
			continue
		}
		if ex.forwarded {
			if !h.writeFrame(ctx, ws, wsOutbound{Type: "forwarded_to_agent"}) {
				return
			}
			continue
		}

		resp := ex.resp
		if !h.writeFrame(ctx, ws, wsOutbound{
			Type:          "ai_response",
			Message:       resp.Response,
			Handoff:       resp.Handoff,
			HandoffReason: resp.HandoffReason,
			ToolCalls:     resp.ToolCalls,
		}) {
			return
		}
	}
}

func (h *Handler) closeOnDisconnect(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), closeOnDisconnectTimeout)
	defer cancel()

	if _, err := h.EndSession(ctx, sessionID); err != nil {
		slog.Error("Failed to close session after disconnect", "session_id", sessionID, "error", err)
	}
}

// AgentWebSocket serves a human agent. The agent receives handoff requests
// and the customer messages of sessions they accept, and answers over the
// same socket.
func (h *Handler) AgentWebSocket(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "id")
	if !identity.ValidSessionID(agentID) {
		Error(w, http.StatusBadRequest, "invalid agent id")
		return
	}
	slog.Info("Agent WebSocket connection request", "agent", agentID, "ip", identity.IPFromRequest(r))

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "agent", agentID)
		return
	}
	ws.SetReadLimit(h.maxBody)

	h.agents.Register(agentID, ws)
	defer func() {
		if h.agents.Unregister(agentID, ws) {
			_ = ws.Close(websocket.StatusNormalClosure, "agent disconnected")
		}
	}()

	ctx := r.Context()
	if !h.writeFrame(ctx, ws, agentFrame{Type: "queue", Handoffs: h.handoffs.List()}) {
		return
	}

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled) {
				slog.Debug("Agent disconnected", "agent", agentID)
			} else {
				slog.Warn("WebSocket read error", "error", err, "agent", agentID)
			}
			return
		}

		var in agentInbound
		if err := json.Unmarshal(data, &in); err != nil {
			h.writeFrame(ctx, ws, agentFrame{Type: "error", Error: "invalid message"})
			continue
		}

		var reply agentFrame
		switch in.Type {
		case "ping":
			reply = agentFrame{Type: "pong"}
		case "accept_handoff":
			if _, err := h.accept(ctx, in.SessionID, agentID); err != nil {
				reply = agentFrame{Type: "error", SessionID: in.SessionID, Error: err.Error()}
			} else {
				// The handoff_accepted broadcast already reached this agent.
				continue
			}
		case "agent_message":
			if _, err := h.sendAgentMessage(ctx, in.SessionID, agentID, in.Message); err != nil {
				reply = agentFrame{Type: "error", SessionID: in.SessionID, Error: err.Error()}
			} else {
				reply = agentFrame{Type: "message_sent", SessionID: in.SessionID}
			}
		default:
			reply = agentFrame{Type: "error", Error: "unknown message type"}
		}
		if !h.writeFrame(ctx, ws, reply) {
			return
		}
	}
}

func (h *Handler) writeFrame(ctx context.Context, ws *websocket.Conn, frame any) bool {
	data, err := json.Marshal(frame)
	if err != nil {
		slog.Error("Failed to encode WebSocket frame", "error", err)
		return false
	}
	if err := ws.Write(ctx, websocket.MessageText, data); err != nil {
		slog.Debug("WebSocket write error", "error", err)
		return false
	}
	return true
}
