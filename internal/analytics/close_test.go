package analytics

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/ashureev/cx-router/internal/domain"
	"github.com/ashureev/cx-router/internal/store"
)

type mapScorer map[string]float64

func (m mapScorer) Score(_ context.Context, text string) float64 {
	return m[text]
}

type fakeSession struct {
	handoff    bool
	reason     domain.HandoffReason
	tools      []string
	intent     string
	tone       string
	userID     *int64
	specialist string
}

func (f fakeSession) Handoff() (bool, domain.HandoffReason) { return f.handoff, f.reason }
func (f fakeSession) ToolNames() []string                   { return f.tools }
func (f fakeSession) PrimaryIntent() string                 { return f.intent }
func (f fakeSession) Tone() string                          { return f.tone }
func (f fakeSession) UserID() *int64                        { return f.userID }
func (f fakeSession) Specialist() (string, float64)         { return f.specialist, 0.9 }

func newStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "analytics.db"))
	if err != nil {
		t.Fatalf("NewSQLite() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if _, err := s.SeedDemoData(context.Background()); err != nil {
		t.Fatalf("SeedDemoData() error = %v", err)
	}
	return s
}

func appendTurns(t *testing.T, s *store.SQLiteStore, sessionID string, turns ...[2]string) {
	t.Helper()
	at := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	for i, turn := range turns {
		msg := &domain.Message{SessionID: sessionID, Role: turn[0], Content: turn[1], CreatedAt: at.Add(time.Duration(i) * time.Second)}
		if err := s.AppendMessage(context.Background(), msg); err != nil {
			t.Fatalf("AppendMessage() error = %v", err)
		}
	}
}

func TestCloseResolvedByClosingPhrase(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	ctx := context.Background()
	appendTurns(t, s, "s1",
		[2]string{domain.RoleUser, "my ticket is stuck and I'm annoyed"},
		[2]string{domain.RoleAssistant, "Let me look."},
		[2]string{domain.RoleUser, "thanks"},
		[2]string{domain.RoleAssistant, "Your ticket Has Been Updated to resolved."},
	)
	if err := s.LinkSessionUser(ctx, "s1", 1); err != nil {
		t.Fatalf("LinkSessionUser() error = %v", err)
	}

	scorer := mapScorer{"my ticket is stuck and I'm annoyed": -0.5, "thanks": 0.6}
	closer := NewCloser(s, scorer)
	insight := closer.Close(ctx, "s1", fakeSession{
		tools:      []string{"get_tickets", "update_ticket"},
		intent:     "technical",
		tone:       "friendly",
		specialist: "technical_specialist",
	})

	if !insight.Persisted {
		t.Fatal("insight not persisted")
	}
	if insight.ResolutionStatus != domain.ResolutionResolved {
		t.Fatalf("ResolutionStatus = %q, want resolved", insight.ResolutionStatus)
	}
	if insight.SentimentLabel != "positive" || !approx(*insight.SentimentDrift, 1.1) {
		t.Fatalf("label = %q, drift = %v", insight.SentimentLabel, *insight.SentimentDrift)
	}
	if insight.MessageCount != 4 || insight.UserID == nil || *insight.UserID != 1 {
		t.Fatalf("count = %d, user = %v", insight.MessageCount, insight.UserID)
	}

	profile, err := s.GetCustomerProfile(ctx, 1)
	if err != nil || profile == nil {
		t.Fatalf("GetCustomerProfile() = %v, %v", profile, err)
	}
	if profile.TotalSessions != 1 || profile.ResolutionRate != 1 || profile.PreferredTone != "friendly" {
		t.Fatalf("profile = %+v", profile)
	}
	if profile.TotalSpend != 99.98 || profile.LoyaltyTier != domain.TierStandard {
		t.Fatalf("spend = %v, tier = %q", profile.TotalSpend, profile.LoyaltyTier)
	}
	if diff := cmp.Diff(map[string]int{"technical": 1}, profile.TopicFrequency); diff != "" {
		t.Fatalf("TopicFrequency mismatch (-want +got):\n%s", diff)
	}
}

func TestCloseHandoffIsEscalated(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	appendTurns(t, s, "s2",
		[2]string{domain.RoleUser, "refund please"},
		[2]string{domain.RoleAssistant, "Your refund has been issued."},
	)

	insight := NewCloser(s, mapScorer{}).Close(context.Background(), "s2", fakeSession{
		handoff: true, reason: domain.HandoffRepeatedIntent,
	})
	if insight.ResolutionStatus != domain.ResolutionEscalated || insight.HandoffReason != domain.HandoffRepeatedIntent {
		t.Fatalf("insight = %+v", insight)
	}
	if insight.UserID != nil {
		t.Fatalf("UserID = %v for an unlinked session", *insight.UserID)
	}
}

func TestCloseWithoutCustomerTurns(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	appendTurns(t, s, "greeted", [2]string{domain.RoleAssistant, "Hi! How can I help?"})

	insight := NewCloser(s, mapScorer{"": 0.9}).Close(context.Background(), "greeted", fakeSession{})
	if insight.SentimentStart != 0 || insight.SentimentEnd != 0 || insight.SentimentLabel != "neutral" {
		t.Fatalf("insight = %+v", insight)
	}
	if insight.ResolutionStatus != domain.ResolutionUnresolved {
		t.Fatalf("ResolutionStatus = %q, want unresolved", insight.ResolutionStatus)
	}
	if insight.ToolCalls == nil {
		t.Fatal("ToolCalls is nil, want empty list")
	}
}

func TestCloseSkipsSessionWithoutTurns(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	ctx := context.Background()

	rec := &recordingInsights{SQLiteStore: s}

	if insight := NewCloser(rec, mapScorer{}).Close(ctx, "ghost", fakeSession{}); insight != nil {
		t.Fatalf("Close() = %+v, want nil for a session that never had a turn", insight)
	}
	if rec.upserts != 0 {
		t.Fatalf("UpsertSessionInsights called %d times, want 0", rec.upserts)
	}
}

type recordingInsights struct {
	*store.SQLiteStore
	upserts int
}

func (r *recordingInsights) UpsertSessionInsights(ctx context.Context, in *domain.SessionInsights) error {
	r.upserts++
	return r.SQLiteStore.UpsertSessionInsights(ctx, in)
}

type failingInsights struct {
	*store.SQLiteStore
}

func (failingInsights) UpsertSessionInsights(context.Context, *domain.SessionInsights) error {
	return errors.New("disk full")
}

func TestClosePersistenceFailureStillReturnsInsight(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	ctx := context.Background()
	appendTurns(t, s, "s3", [2]string{domain.RoleAssistant, "Glad I could help!"})
	uid := int64(2)

	insight := NewCloser(failingInsights{s}, mapScorer{}).Close(ctx, "s3", fakeSession{userID: &uid})
	if insight == nil || insight.Persisted {
		t.Fatalf("insight = %+v, want unpersisted result", insight)
	}
	if insight.ResolutionStatus != domain.ResolutionResolved {
		t.Fatalf("ResolutionStatus = %q", insight.ResolutionStatus)
	}
	if p, _ := s.GetCustomerProfile(ctx, uid); p != nil {
		t.Fatalf("profile written after failed insight upsert: %+v", p)
	}
}

func TestRecomputeProfileUsesAllSessions(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	ctx := context.Background()
	closer := NewCloser(s, mapScorer{"a": 0.5, "b": -0.5})
	uid := int64(3)

	appendTurns(t, s, "old", [2]string{domain.RoleUser, "a"}, [2]string{domain.RoleAssistant, "Ticket updated."})
	appendTurns(t, s, "new", [2]string{domain.RoleUser, "b"})

	closer.now = func() time.Time { return time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC) }
	closer.Close(ctx, "old", fakeSession{userID: &uid, tone: "playful"})
	closer.now = func() time.Time { return time.Date(2025, 3, 2, 0, 0, 0, 0, time.UTC) }
	closer.Close(ctx, "new", fakeSession{userID: &uid})

	p, err := s.GetCustomerProfile(ctx, uid)
	if err != nil || p == nil {
		t.Fatalf("GetCustomerProfile() = %v, %v", p, err)
	}
	want := round((0.7*0.5+1.0*-0.5)/1.7, 3)
	if p.TotalSessions != 2 || p.WeightedSentiment != want {
		t.Fatalf("sessions = %d, weighted = %v, want 2 and %v", p.TotalSessions, p.WeightedSentiment, want)
	}
	if p.LastResolutionStatus != string(domain.ResolutionUnresolved) || p.PreferredTone != "playful" {
		t.Fatalf("last status = %q, tone = %q", p.LastResolutionStatus, p.PreferredTone)
	}
}
