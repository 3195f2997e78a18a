package handoff

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ashureev/cx-router/internal/domain"
)

var (
	// ErrNotFound is returned for a session with no open handoff.
	ErrNotFound = errors.New("handoff not found")
	// ErrAlreadyAccepted is returned when another agent owns the handoff.
	ErrAlreadyAccepted = errors.New("handoff already accepted")
	// ErrNotAccepted is returned when an agent writes before accepting.
	ErrNotAccepted = errors.New("handoff not accepted")
)

// Request is a session waiting for, or being served by, a human agent.
type Request struct {
	SessionID       string               `json:"session_id"`
	Reason          domain.HandoffReason `json:"reason,omitempty"`
	CustomerMessage string               `json:"customer_message"`
	RequestedAt     time.Time            `json:"requested_at"`
	AcceptedBy      string               `json:"accepted_by,omitempty"`
	AcceptedAt      *time.Time           `json:"accepted_at,omitempty"`
}

// Queue tracks sessions handed to humans. While a session is in the queue
// its customer messages go to agents instead of the automated pipeline.
type Queue struct {
	now func() time.Time

	mu       sync.RWMutex
	requests map[string]*Request
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{now: time.Now, requests: make(map[string]*Request)}
}

// Open queues a session. It reports false when the session is already
// queued, in which case the existing request is returned unchanged.
func (q *Queue) Open(sessionID string, reason domain.HandoffReason, customerMessage string) (Request, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if r, ok := q.requests[sessionID]; ok {
		return *r, false
	}
	r := &Request{
		SessionID:       sessionID,
		Reason:          reason,
		CustomerMessage: customerMessage,
		RequestedAt:     q.now().UTC(),
	}
	q.requests[sessionID] = r
	slog.Info("Handoff requested", "session_id", sessionID, "reason", reason)
	return *r, true
}

// Accept assigns the session to agent. Accepting twice by the same agent is
// a no-op.
func (q *Queue) Accept(sessionID, agent string) (Request, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	r, ok := q.requests[sessionID]
	if !ok {
		return Request{}, ErrNotFound
	}
	if r.AcceptedBy != "" && r.AcceptedBy != agent {
		return *r, ErrAlreadyAccepted
	}
	if r.AcceptedBy == "" {
		at := q.now().UTC()
		r.AcceptedBy = agent
		r.AcceptedAt = &at
		slog.Info("Handoff accepted", "session_id", sessionID, "agent", agent)
	}
	return *r, nil
}

// Owner returns the agent serving the session. It fails with ErrNotFound or
// ErrNotAccepted.
func (q *Queue) Owner(sessionID string) (string, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	r, ok := q.requests[sessionID]
	if !ok {
		return "", ErrNotFound
	}
	if r.AcceptedBy == "" {
		return "", ErrNotAccepted
	}
	return r.AcceptedBy, nil
}

// Get returns the session's request.
func (q *Queue) Get(sessionID string) (Request, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	r, ok := q.requests[sessionID]
	if !ok {
		return Request{}, false
	}
	return *r, true
}

// List returns every request, newest first.
func (q *Queue) List() []Request {
	q.mu.RLock()
	out := make([]Request, 0, len(q.requests))
	for _, r := range q.requests {
		out = append(out, *r)
	}
	q.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].RequestedAt.Equal(out[j].RequestedAt) {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].RequestedAt.After(out[j].RequestedAt)
	})
	return out
}

// Resolve removes the session from the queue and reports whether it was there.
func (q *Queue) Resolve(sessionID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.requests[sessionID]; !ok {
		return false
	}
	delete(q.requests, sessionID)
	return true
}
