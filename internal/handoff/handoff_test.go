package handoff

import (
	"context"
	"testing"

	"github.com/ashureev/cx-router/internal/domain"
	"github.com/ashureev/cx-router/internal/memory"
)

func TestCheckRepeatedIntentBeatsDataGap(t *testing.T) {
	t.Parallel()
	mem := memory.New("s", nil)
	mem.AddIntent("where is my order")
	mem.AddToolResult(context.Background(), "get_orders", `{"result": [], "message": "No orders found."}`)

	if got := Check(mem, "Where is my order"); got != domain.HandoffRepeatedIntent {
		t.Fatalf("Check() = %q, want repeated_intent", got)
	}
	if got := Check(mem, "can you update my email"); got != domain.HandoffDataGap {
		t.Fatalf("Check() = %q, want data_gap", got)
	}
}

func TestCheckNoHandoff(t *testing.T) {
	t.Parallel()
	mem := memory.New("s", nil)
	if got := Check(mem, "hello"); got != "" {
		t.Fatalf("Check(fresh) = %q, want empty", got)
	}

	mem.AddToolResult(context.Background(), "update_ticket", `{"error": "Permission denied."}`)
	if got := Check(mem, "hello"); got != "" {
		t.Fatalf("Check(error payload) = %q, want empty", got)
	}
}

func TestMessageCoversEveryReason(t *testing.T) {
	t.Parallel()
	cases := map[domain.HandoffReason]string{
		domain.HandoffRepeatedIntent:     MessageRepeatedIntent,
		domain.HandoffDataGap:            MessageDataGap,
		domain.HandoffHallucinationRisk:  MessageHallucinationRisk,
		domain.HandoffMaxIterations:      MessageMaxIterations,
		domain.HandoffCustomerEscalation: MessageEscalation,
		domain.HandoffInternalError:      MessageDefault,
		"":                               MessageDefault,
	}
	for reason, want := range cases {
		if got := Message(reason); got != want {
			t.Errorf("Message(%q) = %q, want %q", reason, got, want)
		}
	}
}
