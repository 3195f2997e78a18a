// Package engine runs the conversation pipeline: classify the message, route
// it, run the chosen node, persist the turn context, and close sessions into
// analytics.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"

	"github.com/ashureev/cx-router/internal/analytics"
	"github.com/ashureev/cx-router/internal/classifier"
	"github.com/ashureev/cx-router/internal/domain"
	"github.com/ashureev/cx-router/internal/handoff"
	"github.com/ashureev/cx-router/internal/memory"
	"github.com/ashureev/cx-router/internal/prompts"
	"github.com/ashureev/cx-router/internal/router"
	"github.com/ashureev/cx-router/internal/specialist"
	"github.com/ashureev/cx-router/internal/store"
)

var (
	// ErrEmptyMessage is returned for a blank customer message.
	ErrEmptyMessage = errors.New("message must not be empty")
	// ErrMissingSession is returned when no session id is given.
	ErrMissingSession = errors.New("session id must not be empty")
	// ErrUnknownUser is returned when linking a session to a missing customer.
	ErrUnknownUser = errors.New("user not found")
	// ErrInvalidRole is returned when a human turn is not a customer or agent turn.
	ErrInvalidRole = errors.New("role must be user or agent")
)

// Classifier labels a customer message. It never fails.
type Classifier interface {
	Classify(ctx context.Context, message string) classifier.Result
}

// State is one inbound customer message.
type State struct {
	SessionID string
	Message   string
	Tone      string // optional; inferred when empty or unknown
	Role      string // acting role; defaults to customer_ai
}

// Response is the pipeline's answer to one message.
type Response struct {
	Response      string               `json:"response"`
	Handoff       bool                 `json:"handoff"`
	HandoffReason domain.HandoffReason `json:"handoff_reason,omitempty"`
	ToolCalls     []string             `json:"tool_calls"`
	Intent        domain.Intent        `json:"intent"`
	Confidence    float64              `json:"confidence"`
	Specialist    router.Route         `json:"assigned_specialist"`
	Tone          string               `json:"tone"`
}

// Deps are the collaborators of an Engine.
type Deps struct {
	Store      store.Repository
	Registry   *memory.Registry
	Classifier Classifier
	Dispatcher *specialist.Dispatcher
	Prompts    *prompts.Catalogue
	Closer     *analytics.Closer
}

// Engine is the conversation orchestrator. It is safe for concurrent use;
// messages and closes for one session are serialised through the registry.
type Engine struct {
	store      store.Repository
	registry   *memory.Registry
	classifier Classifier
	dispatcher *specialist.Dispatcher
	prompts    *prompts.Catalogue
	closer     *analytics.Closer

	nodes map[router.Route]node
}

// New creates an engine.
func New(deps Deps) *Engine {
	e := &Engine{
		store:      deps.Store,
		registry:   deps.Registry,
		classifier: deps.Classifier,
		dispatcher: deps.Dispatcher,
		prompts:    deps.Prompts,
		closer:     deps.Closer,
	}
	e.nodes = transitions(e)
	return e
}

// HandleMessage runs one customer message through the pipeline. Failures
// inside the pipeline become an internal_error handoff; the returned error
// is limited to invalid input and ctx ending before the session is free.
func (e *Engine) HandleMessage(ctx context.Context, st State) (*Response, error) {
	if st.SessionID == "" {
		return nil, ErrMissingSession
	}
	if strings.TrimSpace(st.Message) == "" {
		return nil, ErrEmptyMessage
	}
	if st.Role == "" {
		st.Role = domain.ActingRoleCustomerAI
	}

	lease, err := e.registry.Acquire(ctx, st.SessionID)
	if err != nil {
		return nil, fmt.Errorf("acquire session %s: %w", st.SessionID, err)
	}
	defer lease.Release()

	resp := e.run(ctx, lease.Memory(), st)
	e.persistTurn(ctx, lease.Memory(), resp)
	return resp, nil
}

func (e *Engine) run(ctx context.Context, mem *memory.Memory, st State) (resp *Response) {
	before := mem.MessageCount()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("[engine] Pipeline panic",
				"session_id", st.SessionID, "panic", r, "stack", string(debug.Stack()))
			resp = e.internalError(ctx, mem, st, before, resp)
		}
	}()

	cc, profile := e.customerContext(ctx, mem.UserID())
	tone := st.Tone
	if !e.prompts.HasTone(tone) {
		tone = analytics.InferTone(profile, st.Message, e.prompts.DefaultTone)
	}

	verdict := e.classifier.Classify(ctx, st.Message)
	route := router.Decide(verdict.Intent, verdict.Confidence)

	mem.SetTone(tone)
	mem.SetPrimaryIntent(string(verdict.Intent))
	mem.SetSpecialist(string(route), verdict.Confidence)

	resp = &Response{
		Intent:     verdict.Intent,
		Confidence: verdict.Confidence,
		Specialist: route,
		Tone:       tone,
		ToolCalls:  []string{},
	}

	next, ok := e.nodes[route]
	if !ok {
		next = e.nodes[router.General]
	}
	result, err := next(ctx, mem, turn{state: st, tone: tone, context: cc})
	if err != nil {
		slog.Error("[engine] Node failed", "session_id", st.SessionID, "route", route, "error", err)
		return e.internalError(ctx, mem, st, before, resp)
	}

	resp.Response = result.Response
	resp.Handoff = result.Handoff
	resp.HandoffReason = result.HandoffReason
	if result.ToolCalls != nil {
		resp.ToolCalls = result.ToolCalls
	}
	return resp
}

// internalError turns an unexpected failure into a generic handoff. The user
// turn is recorded if the failing node had not recorded it yet.
func (e *Engine) internalError(ctx context.Context, mem *memory.Memory, st State, before int, resp *Response) *Response {
	if resp == nil {
		resp = &Response{Intent: domain.IntentGeneral, Specialist: router.General}
	}
	if mem.MessageCount() == before {
		mem.AddMessage(ctx, domain.RoleUser, st.Message)
	}
	mem.AddMessage(ctx, domain.RoleAssistant, handoff.MessageDefault)
	mem.MarkHandoff(domain.HandoffInternalError)

	resp.Response = handoff.MessageDefault
	resp.Handoff = true
	resp.HandoffReason = domain.HandoffInternalError
	if resp.ToolCalls == nil {
		resp.ToolCalls = []string{}
	}
	return resp
}

// persistTurn writes the routing decision and handoff to conversation meta.
// Failures are logged; the customer already has their answer.
func (e *Engine) persistTurn(ctx context.Context, mem *memory.Memory, resp *Response) {
	if e.store == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	id := mem.SessionID()

	if err := e.store.RecordSpecialist(ctx, id, string(resp.Specialist), resp.Confidence); err != nil {
		slog.Error("Failed to save specialist info", "session_id", id, "error", err)
	}
	if err := e.store.RecordTurnContext(ctx, id, resp.Tone, mem.PrimaryIntent()); err != nil {
		slog.Error("Failed to save turn context", "session_id", id, "error", err)
	}
	if resp.Handoff {
		if err := e.store.RecordHandoff(ctx, id, resp.HandoffReason); err != nil {
			slog.Error("Failed to save handoff", "session_id", id, "error", err)
		}
	}
}

// RecordHumanTurn appends a customer or agent turn to a session served by a
// human. The turn bypasses classification and routing.
func (e *Engine) RecordHumanTurn(ctx context.Context, sessionID, role, content string) error {
	if sessionID == "" {
		return ErrMissingSession
	}
	if role != domain.RoleUser && role != domain.RoleAgent {
		return ErrInvalidRole
	}
	if strings.TrimSpace(content) == "" {
		return ErrEmptyMessage
	}

	lease, err := e.registry.Acquire(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("acquire session %s: %w", sessionID, err)
	}
	defer lease.Release()

	mem := lease.Memory()
	if role == domain.RoleUser {
		mem.AddIntent(content)
	}
	mem.AddMessage(ctx, role, content)
	return nil
}

// CustomerContext returns the snapshot of the customer linked to a session.
// It is nil when the session is not linked.
func (e *Engine) CustomerContext(ctx context.Context, sessionID string) (*domain.CustomerContext, error) {
	if sessionID == "" {
		return nil, ErrMissingSession
	}
	mem, err := e.registry.Get(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	cc, _ := e.customerContext(ctx, mem.UserID())
	return cc, nil
}

// customerContext snapshots a linked customer for the prompt. It returns
// nil when the session is not linked or the customer is gone.
func (e *Engine) customerContext(ctx context.Context, userID *int64) (*domain.CustomerContext, *domain.CustomerProfile) {
	if userID == nil || e.store == nil {
		return nil, nil
	}
	id := *userID

	user, err := e.store.GetUser(ctx, id)
	if err != nil || user == nil {
		if err != nil {
			slog.Warn("Failed to load customer for context", "user_id", id, "error", err)
		}
		return nil, nil
	}

	cc := &domain.CustomerContext{
		User:    &domain.ContextUser{Name: user.Name, Email: user.Email},
		Orders:  []domain.ContextOrder{},
		Tickets: []domain.ContextTicket{},
	}

	orders, err := e.store.ListOrders(ctx, id)
	if err != nil {
		slog.Warn("Failed to load orders for context", "user_id", id, "error", err)
	}
	for _, o := range orders {
		cc.Orders = append(cc.Orders, domain.ContextOrder{ID: o.ID, Product: o.Product, Amount: o.Amount, Status: o.Status})
	}

	tickets, err := e.store.ListTickets(ctx, id)
	if err != nil {
		slog.Warn("Failed to load tickets for context", "user_id", id, "error", err)
	}
	for _, t := range tickets {
		cc.Tickets = append(cc.Tickets, domain.ContextTicket{ID: t.ID, Subject: t.Subject, Status: t.Status, Priority: t.Priority})
	}

	profile, err := e.store.GetCustomerProfile(ctx, id)
	if err != nil {
		slog.Warn("Failed to load customer profile", "user_id", id, "error", err)
	}
	if profile != nil {
		cc.Profile = &domain.ContextProfile{
			LoyaltyTier:   profile.LoyaltyTier,
			RiskFlag:      profile.RiskFlag,
			PreferredTone: profile.PreferredTone,
		}
	}
	return cc, profile
}

// CloseSession computes the session's insights, recomputes the linked
// customer's profile and evicts the live memory. It waits for any in-flight
// message of the same session to finish first. A session that never had a
// turn is evicted without insights and yields a nil insight.
func (e *Engine) CloseSession(ctx context.Context, sessionID string) (*domain.SessionInsights, error) {
	if sessionID == "" {
		return nil, ErrMissingSession
	}

	lease, err := e.registry.Acquire(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("acquire session %s: %w", sessionID, err)
	}
	defer lease.Release()

	insight := e.closer.Close(ctx, sessionID, lease.Memory())
	lease.Evict()
	return insight, nil
}

// GetOrCreateMemory returns the live memory of a session, loading it from
// the store when it is not in process.
func (e *Engine) GetOrCreateMemory(ctx context.Context, sessionID string) (*memory.Memory, error) {
	if sessionID == "" {
		return nil, ErrMissingSession
	}
	return e.registry.Get(ctx, sessionID)
}

// LinkUser associates a session with a known customer, both durably and in
// the live memory.
func (e *Engine) LinkUser(ctx context.Context, sessionID string, userID int64) error {
	if sessionID == "" {
		return ErrMissingSession
	}
	user, err := e.store.GetUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("get user: %w", err)
	}
	if user == nil {
		return ErrUnknownUser
	}

	lease, err := e.registry.Acquire(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("acquire session %s: %w", sessionID, err)
	}
	defer lease.Release()

	if err := e.store.LinkSessionUser(ctx, sessionID, userID); err != nil {
		return fmt.Errorf("link session user: %w", err)
	}
	lease.Memory().LinkUser(userID)
	return nil
}
