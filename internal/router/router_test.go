package router

import (
	"testing"

	"github.com/ashureev/cx-router/internal/domain"
)

func TestDecideGrid(t *testing.T) {
	t.Parallel()
	intents := []domain.Intent{
		domain.IntentRefund, domain.IntentTechnical, domain.IntentEscalate, domain.IntentGeneral, "unknown",
	}
	above := map[domain.Intent]Route{
		domain.IntentRefund:    Refund,
		domain.IntentTechnical: Technical,
		domain.IntentEscalate:  Escalate,
		domain.IntentGeneral:   General,
		"unknown":              General,
	}

	for _, intent := range intents {
		for _, conf := range []float64{0, 0.3, 0.59, 0.5999} {
			if got := Decide(intent, conf); got != General {
				t.Errorf("Decide(%q, %v) = %q, want general", intent, conf, got)
			}
		}
		for _, conf := range []float64{0.6, 0.61, 0.9, 1} {
			if got := Decide(intent, conf); got != above[intent] {
				t.Errorf("Decide(%q, %v) = %q, want %q", intent, conf, got, above[intent])
			}
		}
	}
}
