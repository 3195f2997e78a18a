package domain

import (
	"time"
)

// Turn roles stored in memory and in the messages table.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
	RoleAgent     = "agent"
)

// Acting roles. They select the tool permission set.
const (
	ActingRoleCustomerAI  = "customer_ai"
	ActingRoleAgentAssist = "agent_assist"
)

// Intent is the classified category of a customer message.
type Intent string

// Known intents.
const (
	IntentRefund    Intent = "refund"
	IntentTechnical Intent = "technical"
	IntentEscalate  Intent = "escalate"
	IntentGeneral   Intent = "general"
)

// Valid reports whether i is one of the closed intent set.
func (i Intent) Valid() bool {
	switch i {
	case IntentRefund, IntentTechnical, IntentEscalate, IntentGeneral:
		return true
	}
	return false
}

// HandoffReason explains why a conversation was handed to a human.
type HandoffReason string

// Handoff reasons.
const (
	HandoffRepeatedIntent     HandoffReason = "repeated_intent"
	HandoffDataGap            HandoffReason = "data_gap"
	HandoffHallucinationRisk  HandoffReason = "hallucination_risk"
	HandoffMaxIterations      HandoffReason = "max_iterations_exceeded"
	HandoffCustomerEscalation HandoffReason = "customer_requested_escalation"
	HandoffInternalError      HandoffReason = "internal_error"
)

// Message is a persisted conversation turn.
type Message struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	ToolName  string    `json:"tool_name,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ConversationMeta holds durable per-session bookkeeping that outlives the
// in-process memory.
type ConversationMeta struct {
	SessionID            string
	UserID               *int64
	AssignedSpecialist   string
	SpecialistConfidence float64
	HandoffOccurred      bool
	HandoffReason        HandoffReason
	ToneUsed             string
	PrimaryIntent        string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}
