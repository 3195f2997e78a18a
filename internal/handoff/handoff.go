// Package handoff decides when a conversation must be passed to a human and
// what the customer is told when it is.
package handoff

import (
	"log/slog"

	"github.com/ashureev/cx-router/internal/domain"
)

// Customer-facing transition messages.
const (
	MessageRepeatedIntent    = "I notice I haven't been able to fully resolve your concern. Let me connect you with a human agent who can help further."
	MessageDataGap           = "I wasn't able to find the information needed to help you. I'm transferring you to a human agent who can look into this."
	MessageHallucinationRisk = "I want to make sure you get accurate information. Let me connect you with a human agent for this request."
	MessageDefault           = "Connecting you with a human agent."
	MessageMaxIterations     = "I'm having trouble processing your request. Let me connect you with a human agent."
	MessageEscalation        = "I understand you'd like to speak with a supervisor. I'm connecting you with a human agent right away."
)

// Signals is the view of conversation memory the detector needs.
type Signals interface {
	HasRepeatedIntent(text string) bool
	LastToolReturnedEmpty() bool
}

// Check applies the handoff rules in order: a repeated request first, then
// an empty result from the most recent tool call. It returns "" when the
// conversation can continue. hallucination_risk is never raised here.
func Check(mem Signals, message string) domain.HandoffReason {
	if mem.HasRepeatedIntent(message) {
		slog.Info("Handoff triggered: repeated intent detected")
		return domain.HandoffRepeatedIntent
	}
	if mem.LastToolReturnedEmpty() {
		slog.Info("Handoff triggered: data gap detected")
		return domain.HandoffDataGap
	}
	return ""
}

// Message returns the canned transition message for reason.
func Message(reason domain.HandoffReason) string {
	switch reason {
	case domain.HandoffRepeatedIntent:
		return MessageRepeatedIntent
	case domain.HandoffDataGap:
		return MessageDataGap
	case domain.HandoffHallucinationRisk:
		return MessageHallucinationRisk
	case domain.HandoffMaxIterations:
		return MessageMaxIterations
	case domain.HandoffCustomerEscalation:
		return MessageEscalation
	default:
		return MessageDefault
	}
}
