package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/ashureev/cx-router/internal/analytics"
	"github.com/ashureev/cx-router/internal/classifier"
	"github.com/ashureev/cx-router/internal/domain"
	"github.com/ashureev/cx-router/internal/handoff"
	"github.com/ashureev/cx-router/internal/llm"
	"github.com/ashureev/cx-router/internal/memory"
	"github.com/ashureev/cx-router/internal/prompts"
	"github.com/ashureev/cx-router/internal/router"
	"github.com/ashureev/cx-router/internal/specialist"
	"github.com/ashureev/cx-router/internal/store"
	"github.com/ashureev/cx-router/internal/tools"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fixedClassifier struct {
	intent     domain.Intent
	confidence float64
}

func (f fixedClassifier) Classify(context.Context, string) classifier.Result {
	return classifier.Result{Intent: f.intent, Confidence: f.confidence}
}

// funcCompleter answers every completion with fn and records the requests.
type funcCompleter struct {
	mu       sync.Mutex
	fn       func(req llm.Request) (*llm.Completion, error)
	requests []llm.Request
}

func (f *funcCompleter) Complete(_ context.Context, req llm.Request) (*llm.Completion, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	return f.fn(req)
}

func (f *funcCompleter) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func answer(text string) *funcCompleter {
	return &funcCompleter{fn: func(llm.Request) (*llm.Completion, error) {
		return &llm.Completion{Content: text}, nil
	}}
}

type zeroScorer struct{}

func (zeroScorer) Score(context.Context, string) float64 { return 0 }

func newTestEngine(t *testing.T, cls Classifier, completer llm.Completer) (*Engine, *store.SQLiteStore) {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "engine.db"))
	if err != nil {
		t.Fatalf("NewSQLite() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if _, err := s.SeedDemoData(context.Background()); err != nil {
		t.Fatalf("SeedDemoData() error = %v", err)
	}

	catalogue, err := prompts.Load("", "")
	if err != nil {
		t.Fatalf("prompts.Load() error = %v", err)
	}

	e := New(Deps{
		Store:      s,
		Registry:   memory.NewRegistry(s),
		Classifier: cls,
		Dispatcher: specialist.NewDispatcher(completer, tools.NewLocal(s)),
		Prompts:    catalogue,
		Closer:     analytics.NewCloser(s, zeroScorer{}),
	})
	return e, s
}

func TestRepeatedRefundHandsOff(t *testing.T) {
	t.Parallel()
	completer := answer("I'm sorry to hear that. Which order would you like refunded?")
	e, s := newTestEngine(t, fixedClassifier{domain.IntentRefund, 0.9}, completer)
	ctx := context.Background()

	first, err := e.HandleMessage(ctx, State{SessionID: "refund-1", Message: "I want a refund"})
	if err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}
	if first.Handoff || first.Specialist != router.Refund {
		t.Fatalf("first response = %+v", first)
	}

	second, err := e.HandleMessage(ctx, State{SessionID: "refund-1", Message: "I want a refund"})
	if err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}
	if !second.Handoff || second.HandoffReason != domain.HandoffRepeatedIntent {
		t.Fatalf("second response = %+v, want repeated_intent handoff", second)
	}
	if second.Response != handoff.MessageRepeatedIntent {
		t.Fatalf("Response = %q", second.Response)
	}
	if completer.calls() != 1 {
		t.Fatalf("completion calls = %d, want 1", completer.calls())
	}

	meta, err := s.GetConversationMeta(ctx, "refund-1")
	if err != nil || meta == nil {
		t.Fatalf("GetConversationMeta() = %v, %v", meta, err)
	}
	if !meta.HandoffOccurred || meta.HandoffReason != domain.HandoffRepeatedIntent {
		t.Fatalf("meta handoff = %v, %q", meta.HandoffOccurred, meta.HandoffReason)
	}
	if meta.AssignedSpecialist != string(router.Refund) || meta.PrimaryIntent != string(domain.IntentRefund) {
		t.Fatalf("meta = %+v", meta)
	}
}

func TestCloseResolvedByClosingPhrase(t *testing.T) {
	t.Parallel()
	e, s := newTestEngine(t, fixedClassifier{domain.IntentGeneral, 0.9}, answer("Your email has been updated."))
	ctx := context.Background()

	if _, err := e.HandleMessage(ctx, State{SessionID: "close-1", Message: "please change my email"}); err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}

	insight, err := e.CloseSession(ctx, "close-1")
	if err != nil {
		t.Fatalf("CloseSession() error = %v", err)
	}
	if insight.ResolutionStatus != domain.ResolutionResolved || insight.HandoffOccurred {
		t.Fatalf("insight = %+v, want resolved", insight)
	}
	if !insight.Persisted || insight.MessageCount != 2 || insight.PrimaryIntent != "general" {
		t.Fatalf("insight = %+v", insight)
	}
	if n := e.registry.Len(); n != 0 {
		t.Fatalf("registry holds %d sessions after close, want 0", n)
	}

	// The next message reloads the session from the store.
	mem, err := e.GetOrCreateMemory(ctx, "close-1")
	if err != nil {
		t.Fatalf("GetOrCreateMemory() error = %v", err)
	}
	if mem.MessageCount() != 2 {
		t.Fatalf("reloaded MessageCount() = %d, want 2", mem.MessageCount())
	}
	msgs, _ := s.ListMessages(ctx, "close-1")
	if len(msgs) != 2 {
		t.Fatalf("stored messages = %d, want 2", len(msgs))
	}
}

func TestSweepingUntouchedSessionWritesNoInsight(t *testing.T) {
	t.Parallel()
	e, _ := newTestEngine(t, fixedClassifier{domain.IntentGeneral, 0.9}, answer("unused"))
	ctx := context.Background()

	if _, err := e.GetOrCreateMemory(ctx, "ghost"); err != nil {
		t.Fatalf("GetOrCreateMemory() error = %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	var closed []*domain.SessionInsights
	sw := memory.NewSweeper(e.registry, 0, time.Hour, func(ctx context.Context, id string) error {
		insight, err := e.CloseSession(ctx, id)
		closed = append(closed, insight)
		return err
	})
	if n := sw.Sweep(ctx); n != 1 {
		t.Fatalf("Sweep() = %d, want 1", n)
	}
	if len(closed) != 1 || closed[0] != nil {
		t.Fatalf("CloseSession() insights = %+v, want a single nil", closed)
	}
	if n := e.registry.Len(); n != 0 {
		t.Fatalf("registry holds %d sessions after sweep, want 0", n)
	}
}

func TestEscalateSkipsModel(t *testing.T) {
	t.Parallel()
	completer := answer("unused")
	e, _ := newTestEngine(t, fixedClassifier{domain.IntentEscalate, 0.95}, completer)

	resp, err := e.HandleMessage(context.Background(), State{SessionID: "esc-1", Message: "get me your manager"})
	if err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}
	if !resp.Handoff || resp.HandoffReason != domain.HandoffCustomerEscalation || resp.Response != handoff.MessageEscalation {
		t.Fatalf("response = %+v", resp)
	}
	if completer.calls() != 0 {
		t.Fatalf("completion calls = %d, want 0", completer.calls())
	}
	// Negative wording selects the professional tone.
	if resp.Tone != domain.ToneProfessional {
		t.Fatalf("Tone = %q, want professional", resp.Tone)
	}
}

func TestLowConfidenceEscalateGoesGeneral(t *testing.T) {
	t.Parallel()
	e, _ := newTestEngine(t, fixedClassifier{domain.IntentEscalate, 0.59}, answer("How can I help?"))

	resp, err := e.HandleMessage(context.Background(), State{SessionID: "low-1", Message: "hmm"})
	if err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}
	if resp.Specialist != router.General || resp.Handoff {
		t.Fatalf("response = %+v, want general without handoff", resp)
	}
}

func TestCompletionErrorBecomesInternalHandoff(t *testing.T) {
	t.Parallel()
	failing := &funcCompleter{fn: func(llm.Request) (*llm.Completion, error) {
		return nil, errors.New("deadline exceeded")
	}}
	e, s := newTestEngine(t, fixedClassifier{domain.IntentTechnical, 0.8}, failing)
	ctx := context.Background()

	resp, err := e.HandleMessage(ctx, State{SessionID: "err-1", Message: "my router keeps rebooting"})
	if err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}
	if !resp.Handoff || resp.HandoffReason != domain.HandoffInternalError || resp.Response != handoff.MessageDefault {
		t.Fatalf("response = %+v", resp)
	}
	msgs, _ := s.ListMessages(ctx, "err-1")
	if len(msgs) != 2 || msgs[0].Role != domain.RoleUser || msgs[1].Content != handoff.MessageDefault {
		t.Fatalf("stored messages = %+v", msgs)
	}
}

func TestPanicIsContainedToSession(t *testing.T) {
	t.Parallel()
	completer := &funcCompleter{fn: func(req llm.Request) (*llm.Completion, error) {
		last := req.Messages[len(req.Messages)-1]
		if strings.Contains(last.Content, "explode") {
			panic("provider bug")
		}
		return &llm.Completion{Content: "All good."}, nil
	}}
	e, s := newTestEngine(t, fixedClassifier{domain.IntentGeneral, 0.9}, completer)
	ctx := context.Background()

	resp, err := e.HandleMessage(ctx, State{SessionID: "panic-1", Message: "please explode"})
	if err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}
	if resp.HandoffReason != domain.HandoffInternalError {
		t.Fatalf("response = %+v, want internal_error", resp)
	}
	msgs, _ := s.ListMessages(ctx, "panic-1")
	if len(msgs) != 2 {
		t.Fatalf("stored messages = %d, want user turn and handoff message", len(msgs))
	}

	other, err := e.HandleMessage(ctx, State{SessionID: "panic-2", Message: "hello there"})
	if err != nil || other.Handoff || other.Response != "All good." {
		t.Fatalf("other session = %+v, %v", other, err)
	}
}

func TestLinkedCustomerContextReachesPrompt(t *testing.T) {
	t.Parallel()
	completer := answer("Hi Alice!")
	e, _ := newTestEngine(t, fixedClassifier{domain.IntentGeneral, 0.9}, completer)
	ctx := context.Background()

	if err := e.LinkUser(ctx, "ctx-1", 999); !errors.Is(err, ErrUnknownUser) {
		t.Fatalf("LinkUser(999) error = %v, want ErrUnknownUser", err)
	}
	if err := e.LinkUser(ctx, "ctx-1", 1); err != nil {
		t.Fatalf("LinkUser() error = %v", err)
	}
	if _, err := e.HandleMessage(ctx, State{SessionID: "ctx-1", Message: "what did I order", Tone: "playful"}); err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}

	msgs := completer.requests[0].Messages
	if len(msgs) < 2 || !strings.HasPrefix(msgs[1].Content, "Customer context: ") {
		t.Fatalf("prompt = %+v, want a customer context message", msgs)
	}
	if !strings.Contains(msgs[1].Content, "alice@example.com") || !strings.Contains(msgs[1].Content, `"orders":[{`) {
		t.Fatalf("context = %s", msgs[1].Content)
	}
}

func TestRequestedToneIsKept(t *testing.T) {
	t.Parallel()
	e, s := newTestEngine(t, fixedClassifier{domain.IntentGeneral, 0.9}, answer("Sure thing!"))
	ctx := context.Background()

	resp, err := e.HandleMessage(ctx, State{SessionID: "tone-1", Message: "hi", Tone: "playful"})
	if err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}
	if resp.Tone != "playful" {
		t.Fatalf("Tone = %q, want playful", resp.Tone)
	}
	meta, _ := s.GetConversationMeta(ctx, "tone-1")
	if meta == nil || meta.ToneUsed != "playful" {
		t.Fatalf("meta = %+v", meta)
	}
}

func TestConcurrentMessagesOnOneSession(t *testing.T) {
	t.Parallel()
	e, s := newTestEngine(t, fixedClassifier{domain.IntentGeneral, 0.9}, answer("Noted."))
	ctx := context.Background()

	const n = 8
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.HandleMessage(ctx, State{SessionID: "busy", Message: fmt.Sprintf("question about item %d", i)})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("HandleMessage() error = %v", err)
		}
	}

	msgs, _ := s.ListMessages(ctx, "busy")
	if len(msgs) != 2*n {
		t.Fatalf("stored messages = %d, want %d", len(msgs), 2*n)
	}
	for i := 0; i < len(msgs); i += 2 {
		if msgs[i].Role != domain.RoleUser || msgs[i+1].Role != domain.RoleAssistant {
			t.Fatalf("turns interleaved at %d: %s then %s", i, msgs[i].Role, msgs[i+1].Role)
		}
	}
}

func TestHandleMessageValidatesInput(t *testing.T) {
	t.Parallel()
	e, _ := newTestEngine(t, fixedClassifier{domain.IntentGeneral, 0.9}, answer("x"))
	ctx := context.Background()

	if _, err := e.HandleMessage(ctx, State{SessionID: "v", Message: "   "}); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("blank message error = %v", err)
	}
	if _, err := e.HandleMessage(ctx, State{Message: "hi"}); !errors.Is(err, ErrMissingSession) {
		t.Fatalf("missing session error = %v", err)
	}
}

func TestRecordHumanTurnSkipsPipeline(t *testing.T) {
	t.Parallel()
	completer := answer("unused")
	e, s := newTestEngine(t, fixedClassifier{domain.IntentGeneral, 0.9}, completer)
	ctx := context.Background()

	if err := e.RecordHumanTurn(ctx, "human-1", domain.RoleUser, "is anyone there?"); err != nil {
		t.Fatalf("RecordHumanTurn(user) error = %v", err)
	}
	if err := e.RecordHumanTurn(ctx, "human-1", domain.RoleAgent, "Hi, this is Ana."); err != nil {
		t.Fatalf("RecordHumanTurn(agent) error = %v", err)
	}
	if completer.calls() != 0 {
		t.Fatalf("model called %d times for human turns", completer.calls())
	}

	msgs, err := s.ListMessages(ctx, "human-1")
	if err != nil {
		t.Fatalf("ListMessages() error = %v", err)
	}
	if len(msgs) != 2 || msgs[0].Role != domain.RoleUser || msgs[1].Role != domain.RoleAgent {
		t.Fatalf("messages = %+v", msgs)
	}

	tests := []struct {
		name    string
		session string
		role    string
		content string
		want    error
	}{
		{"missing session", "", domain.RoleAgent, "hi", ErrMissingSession},
		{"assistant role", "human-1", domain.RoleAssistant, "hi", ErrInvalidRole},
		{"blank content", "human-1", domain.RoleAgent, "  ", ErrEmptyMessage},
	}
	for _, tt := range tests {
		if err := e.RecordHumanTurn(ctx, tt.session, tt.role, tt.content); !errors.Is(err, tt.want) {
			t.Errorf("%s: error = %v, want %v", tt.name, err, tt.want)
		}
	}
}

func TestCustomerContextOfSession(t *testing.T) {
	t.Parallel()
	e, _ := newTestEngine(t, fixedClassifier{domain.IntentGeneral, 0.9}, answer("unused"))
	ctx := context.Background()

	cc, err := e.CustomerContext(ctx, "anon-1")
	if err != nil || cc != nil {
		t.Fatalf("CustomerContext(unlinked) = %+v, %v, want nil", cc, err)
	}

	if err := e.LinkUser(ctx, "linked-1", 1); err != nil {
		t.Fatalf("LinkUser() error = %v", err)
	}
	cc, err = e.CustomerContext(ctx, "linked-1")
	if err != nil {
		t.Fatalf("CustomerContext() error = %v", err)
	}
	if cc == nil || cc.User == nil || cc.User.Email != "alice@example.com" || len(cc.Orders) == 0 {
		t.Fatalf("CustomerContext() = %+v", cc)
	}
}
