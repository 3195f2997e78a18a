package analytics

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/cx-router/internal/domain"
)

var closingPhrases = []string{
	"glad i could help",
	"is there anything else",
	"anything else i can help",
	"ticket updated",
	"has been updated",
	"replacement",
	"refund has been",
	"successfully",
	"have a great day",
	"resolved",
}

// Store is the durable storage the close pipeline reads and writes.
type Store interface {
	FirstMessageByRole(ctx context.Context, sessionID, role string) (*domain.Message, error)
	LastMessageByRole(ctx context.Context, sessionID, role string) (*domain.Message, error)
	CountMessages(ctx context.Context, sessionID string) (int, error)
	GetConversationMeta(ctx context.Context, sessionID string) (*domain.ConversationMeta, error)
	UpsertSessionInsights(ctx context.Context, insight *domain.SessionInsights) error
	ListSessionInsightsByUser(ctx context.Context, userID int64) ([]domain.SessionInsights, error)
	LifetimeSpend(ctx context.Context, userID int64) (float64, error)
	UpsertCustomerProfile(ctx context.Context, profile *domain.CustomerProfile) error
}

// Session is the live session state folded into the insight.
type Session interface {
	Handoff() (bool, domain.HandoffReason)
	ToolNames() []string
	PrimaryIntent() string
	Tone() string
	UserID() *int64
	Specialist() (string, float64)
}

// Closer computes and persists session insights.
type Closer struct {
	store  Store
	scorer Scorer
	now    func() time.Time
}

// NewCloser creates a closer.
func NewCloser(store Store, scorer Scorer) *Closer {
	return &Closer{store: store, scorer: scorer, now: func() time.Time { return time.Now().UTC() }}
}

// Close folds a finished session into a SessionInsights row and, when the
// session is linked to a customer, recomputes that customer's profile.
// Storage failures are logged; the computed insight is returned regardless
// and Persisted reports whether it reached the store. A session with no
// stored turns and no metadata has nothing to fold and yields nil.
func (c *Closer) Close(ctx context.Context, sessionID string, sess Session) *domain.SessionInsights {
	count, countErr := c.store.CountMessages(ctx, sessionID)
	if countErr != nil {
		slog.Error("Failed to count session messages", "session_id", sessionID, "error", countErr)
	}
	meta, metaErr := c.store.GetConversationMeta(ctx, sessionID)
	if metaErr != nil {
		slog.Error("Failed to load conversation meta", "session_id", sessionID, "error", metaErr)
	}
	if countErr == nil && metaErr == nil && count == 0 && meta == nil {
		slog.Debug("Skipping close of empty session", "session_id", sessionID)
		return nil
	}

	firstUser := c.message(ctx, sessionID, domain.RoleUser, c.store.FirstMessageByRole)
	lastUser := c.message(ctx, sessionID, domain.RoleUser, c.store.LastMessageByRole)
	lastAssistant := c.message(ctx, sessionID, domain.RoleAssistant, c.store.LastMessageByRole)

	start := c.score(ctx, firstUser)
	end := c.score(ctx, lastUser)
	drift := end - start

	handoff, reason := sess.Handoff()
	status := domain.ResolutionUnresolved
	switch {
	case handoff:
		status = domain.ResolutionEscalated
	case lastAssistant != nil && containsClosingPhrase(lastAssistant.Content):
		status = domain.ResolutionResolved
	}

	specialist, confidence := sess.Specialist()
	userID := sess.UserID()
	if meta != nil {
		if meta.AssignedSpecialist != "" {
			specialist, confidence = meta.AssignedSpecialist, meta.SpecialistConfidence
		}
		if meta.UserID != nil {
			userID = meta.UserID
		}
	}

	now := c.now()
	insight := &domain.SessionInsights{
		SessionID:            sessionID,
		UserID:               userID,
		SentimentScore:       end,
		SentimentLabel:       Label(end),
		SentimentStart:       start,
		SentimentEnd:         end,
		SentimentDrift:       &drift,
		AssignedSpecialist:   specialist,
		SpecialistConfidence: confidence,
		PrimaryIntent:        sess.PrimaryIntent(),
		HandoffOccurred:      handoff,
		HandoffReason:        reason,
		ResolutionStatus:     status,
		MessageCount:         count,
		ToolCalls:            sess.ToolNames(),
		ToneUsed:             sess.Tone(),
		ClosedAt:             now,
		UpdatedAt:            now,
	}
	if insight.ToolCalls == nil {
		insight.ToolCalls = []string{}
	}

	if err := c.store.UpsertSessionInsights(ctx, insight); err != nil {
		slog.Error("Failed to persist session insights", "session_id", sessionID, "error", err)
		return insight
	}
	insight.Persisted = true

	if userID != nil {
		if _, err := c.RecomputeProfile(ctx, *userID); err != nil {
			slog.Error("Failed to update customer profile", "session_id", sessionID, "user_id", *userID, "error", err)
		}
	}

	slog.Info("Session closed",
		"session_id", sessionID,
		"resolution_status", status,
		"sentiment_label", insight.SentimentLabel,
		"message_count", count)
	return insight
}

// RecomputeProfile rebuilds and stores a customer's profile from every
// SessionInsights row they have.
func (c *Closer) RecomputeProfile(ctx context.Context, userID int64) (*domain.CustomerProfile, error) {
	insights, err := c.store.ListSessionInsightsByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list session insights: %w", err)
	}
	spend, err := c.store.LifetimeSpend(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get lifetime spend: %w", err)
	}

	profile := Aggregate(userID, insights, spend)
	profile.UpdatedAt = c.now()
	if err := c.store.UpsertCustomerProfile(ctx, &profile); err != nil {
		return nil, fmt.Errorf("upsert customer profile: %w", err)
	}
	return &profile, nil
}

type messageLookup func(ctx context.Context, sessionID, role string) (*domain.Message, error)

func (c *Closer) message(ctx context.Context, sessionID, role string, lookup messageLookup) *domain.Message {
	msg, err := lookup(ctx, sessionID, role)
	if err != nil {
		slog.Error("Failed to read session message", "session_id", sessionID, "role", role, "error", err)
		return nil
	}
	return msg
}

func (c *Closer) score(ctx context.Context, msg *domain.Message) float64 {
	if msg == nil {
		return 0.0
	}
	return c.scorer.Score(ctx, msg.Content)
}

func containsClosingPhrase(text string) bool {
	lower := strings.ToLower(text)
	for _, phrase := range closingPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}
