// Package memory holds per-session conversation memory and the registry that
// guarantees one live instance and one writer per session.
package memory

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/cx-router/internal/domain"
)

// RepeatThreshold is the word-overlap ratio at which two intents count as the same.
const RepeatThreshold = 0.85

// MessageAppender durably stores conversation turns.
type MessageAppender interface {
	AppendMessage(ctx context.Context, msg *domain.Message) error
}

// Turn is one role-tagged entry of the transcript.
type Turn struct {
	Role     string
	Content  string
	ToolName string
	At       time.Time
}

// ToolResult is a tool invocation outcome with its decoded payload.
type ToolResult struct {
	Tool    string
	Payload any
}

// Memory is the session-scoped conversation memory. It is append-only and
// safe for concurrent readers; writers are serialised by the Registry.
type Memory struct {
	sessionID string
	appender  MessageAppender

	mu          sync.RWMutex
	turns       []Turn
	intents     []string
	toolResults []ToolResult
	toolNames   []string
	seenTools   map[string]struct{}

	userID               *int64
	handoff              bool
	handoffReason        domain.HandoffReason
	tone                 string
	primaryIntent        string
	specialist           string
	specialistConfidence float64
}

// New creates an empty memory. appender may be nil for a memory that is
// never persisted.
func New(sessionID string, appender MessageAppender) *Memory {
	return &Memory{
		sessionID: sessionID,
		appender:  appender,
		seenTools: make(map[string]struct{}),
	}
}

// SessionID returns the session this memory belongs to.
func (m *Memory) SessionID() string {
	return m.sessionID
}

// AddMessage appends a user or assistant turn and stores it durably.
func (m *Memory) AddMessage(ctx context.Context, role, content string) {
	m.append(ctx, Turn{Role: role, Content: content, At: time.Now().UTC()})
}

// AddIntent records the normalised text of a customer request.
func (m *Memory) AddIntent(text string) {
	m.mu.Lock()
	m.intents = append(m.intents, normaliseIntent(text))
	m.mu.Unlock()
}

// AddToolResult records a tool outcome. raw is the JSON string returned by
// the tool; it is stored as a tool turn and decoded for data-gap checks.
// Readers see the result and its turn together or not at all.
func (m *Memory) AddToolResult(ctx context.Context, tool, raw string) {
	turn := Turn{Role: domain.RoleTool, Content: raw, ToolName: tool, At: time.Now().UTC()}
	m.mu.Lock()
	m.recordToolLocked(tool, raw)
	m.turns = append(m.turns, turn)
	m.mu.Unlock()
	m.persist(ctx, turn)
}

func (m *Memory) recordToolLocked(tool, raw string) {
	var payload any
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		payload = raw
	}
	m.toolResults = append(m.toolResults, ToolResult{Tool: tool, Payload: payload})
	if _, ok := m.seenTools[tool]; !ok {
		m.seenTools[tool] = struct{}{}
		m.toolNames = append(m.toolNames, tool)
	}
}

func (m *Memory) append(ctx context.Context, turn Turn) {
	m.mu.Lock()
	m.turns = append(m.turns, turn)
	m.mu.Unlock()
	m.persist(ctx, turn)
}

func (m *Memory) persist(ctx context.Context, turn Turn) {
	if m.appender == nil {
		return
	}
	msg := &domain.Message{
		SessionID: m.sessionID,
		Role:      turn.Role,
		Content:   turn.Content,
		ToolName:  turn.ToolName,
		CreatedAt: turn.At,
	}
	// Persist even when the request context is already done.
	if err := m.appender.AppendMessage(context.WithoutCancel(ctx), msg); err != nil {
		slog.Error("Failed to persist conversation turn",
			"session_id", m.sessionID, "role", turn.Role, "error", err)
	}
}

// Messages returns a copy of the transcript.
func (m *Memory) Messages() []Turn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Turn, len(m.turns))
	copy(out, m.turns)
	return out
}

// MessageCount returns the number of turns in the transcript.
func (m *Memory) MessageCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.turns)
}

// Intents returns a copy of the recorded intents.
func (m *Memory) Intents() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, len(m.intents))
	copy(out, m.intents)
	return out
}

// ToolNames returns the distinct tool names used, in first-use order.
func (m *Memory) ToolNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, len(m.toolNames))
	copy(out, m.toolNames)
	return out
}

// HasRepeatedIntent reports whether text overlaps a previously recorded
// intent by at least RepeatThreshold.
func (m *Memory) HasRepeatedIntent(text string) bool {
	current := wordSet(normaliseIntent(text))
	if len(current) == 0 {
		return false
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, past := range m.intents {
		if Similarity(current, wordSet(past)) >= RepeatThreshold {
			return true
		}
	}
	return false
}

// LastToolReturnedEmpty reports whether the latest tool payload is an
// object whose "result" is null, an empty list or an empty object.
func (m *Memory) LastToolReturnedEmpty() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.toolResults) == 0 {
		return false
	}
	obj, ok := m.toolResults[len(m.toolResults)-1].Payload.(map[string]any)
	if !ok {
		return false
	}
	result, present := obj["result"]
	if !present {
		return false
	}
	switch v := result.(type) {
	case nil:
		return true
	case []any:
		return len(v) == 0
	case map[string]any:
		return len(v) == 0
	}
	return false
}

// MarkHandoff flags the session as handed off. The first reason is kept.
func (m *Memory) MarkHandoff(reason domain.HandoffReason) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.handoff {
		m.handoffReason = reason
	}
	m.handoff = true
}

// Handoff reports whether the session was handed off and why.
func (m *Memory) Handoff() (bool, domain.HandoffReason) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.handoff, m.handoffReason
}

// LinkUser associates the session with a customer.
func (m *Memory) LinkUser(userID int64) {
	m.mu.Lock()
	m.userID = &userID
	m.mu.Unlock()
}

// UserID returns the linked customer, if any.
func (m *Memory) UserID() *int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.userID == nil {
		return nil
	}
	id := *m.userID
	return &id
}

// SetTone records the tone used for the latest turn.
func (m *Memory) SetTone(tone string) {
	m.mu.Lock()
	m.tone = tone
	m.mu.Unlock()
}

// Tone returns the tone used for the latest turn.
func (m *Memory) Tone() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tone
}

// SetPrimaryIntent records intent unless one is already set.
func (m *Memory) SetPrimaryIntent(intent string) {
	m.mu.Lock()
	if m.primaryIntent == "" {
		m.primaryIntent = intent
	}
	m.mu.Unlock()
}

// PrimaryIntent returns the first classified intent of the session.
func (m *Memory) PrimaryIntent() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.primaryIntent
}

// SetSpecialist records the route taken for the latest turn.
func (m *Memory) SetSpecialist(name string, confidence float64) {
	m.mu.Lock()
	m.specialist = name
	m.specialistConfidence = confidence
	m.mu.Unlock()
}

// Specialist returns the route taken for the latest turn.
func (m *Memory) Specialist() (string, float64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.specialist, m.specialistConfidence
}

// restore rebuilds memory from durable turns and metadata without
// persisting anything. User turns are replayed as intents.
func (m *Memory) restore(msgs []domain.Message, meta *domain.ConversationMeta) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, msg := range msgs {
		m.turns = append(m.turns, Turn{Role: msg.Role, Content: msg.Content, ToolName: msg.ToolName, At: msg.CreatedAt})
		switch msg.Role {
		case domain.RoleUser:
			m.intents = append(m.intents, normaliseIntent(msg.Content))
		case domain.RoleTool:
			m.recordToolLocked(msg.ToolName, msg.Content)
		}
	}

	if meta == nil {
		return
	}
	if meta.UserID != nil {
		id := *meta.UserID
		m.userID = &id
	}
	m.handoff = meta.HandoffOccurred
	m.handoffReason = meta.HandoffReason
	m.tone = meta.ToneUsed
	m.primaryIntent = meta.PrimaryIntent
	m.specialist = meta.AssignedSpecialist
	m.specialistConfidence = meta.SpecialistConfidence
}

func normaliseIntent(text string) string {
	return strings.ToLower(strings.TrimSpace(text))
}

func wordSet(text string) map[string]struct{} {
	fields := strings.Fields(strings.ToLower(text))
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return set
}

// Similarity is |a∩b| / max(|a|,|b|). Two empty sets have similarity 0.
func Similarity(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	overlap := 0
	for w := range a {
		if _, ok := b[w]; ok {
			overlap++
		}
	}
	return float64(overlap) / float64(max(len(a), len(b)))
}

// WordSimilarity compares two texts by whitespace-separated lowercase words.
func WordSimilarity(a, b string) float64 {
	return Similarity(wordSet(a), wordSet(b))
}
