package domain

import (
	"time"
)

// ResolutionStatus is the outcome of a closed session.
type ResolutionStatus string

// Resolution statuses.
const (
	ResolutionResolved   ResolutionStatus = "resolved"
	ResolutionEscalated  ResolutionStatus = "escalated"
	ResolutionUnresolved ResolutionStatus = "unresolved"
)

// SessionInsights is the analytics row written once per closed session.
type SessionInsights struct {
	SessionID            string           `json:"session_id"`
	UserID               *int64           `json:"user_id"`
	SentimentScore       float64          `json:"sentiment_score"`
	SentimentLabel       string           `json:"sentiment_label"`
	SentimentStart       float64          `json:"sentiment_start"`
	SentimentEnd         float64          `json:"sentiment_end"`
	SentimentDrift       *float64         `json:"sentiment_drift"`
	AssignedSpecialist   string           `json:"assigned_specialist,omitempty"`
	SpecialistConfidence float64          `json:"specialist_confidence,omitempty"`
	PrimaryIntent        string           `json:"intent_primary,omitempty"`
	HandoffOccurred      bool             `json:"handoff_occurred"`
	HandoffReason        HandoffReason    `json:"handoff_reason,omitempty"`
	ResolutionStatus     ResolutionStatus `json:"resolution_status"`
	MessageCount         int              `json:"message_count"`
	ToolCalls            []string         `json:"tool_calls"`
	ToneUsed             string           `json:"tone_used,omitempty"`
	ClosedAt             time.Time        `json:"closed_at"`
	UpdatedAt            time.Time        `json:"updated_at"`
	Persisted            bool             `json:"persisted"`
}

// Loyalty tiers.
const (
	TierPlatinum = "platinum"
	TierGold     = "gold"
	TierSilver   = "silver"
	TierStandard = "standard"
)

// Tones.
const (
	ToneFriendly     = "friendly"
	ToneProfessional = "professional"
	TonePlayful      = "playful"
)

// CustomerProfile is derived from every SessionInsights row of a customer.
type CustomerProfile struct {
	UserID               int64          `json:"user_id"`
	TotalSessions        int            `json:"total_sessions"`
	TotalEscalations     int            `json:"total_escalations"`
	ResolutionRate       float64        `json:"resolution_rate"`
	WeightedSentiment    float64        `json:"weighted_sentiment"`
	AvgSentimentDrift    float64        `json:"avg_sentiment_drift"`
	TopicFrequency       map[string]int `json:"topic_frequency"`
	LoyaltyTier          string         `json:"loyalty_tier"`
	TotalSpend           float64        `json:"total_spend"`
	RiskFlag             bool           `json:"risk_flag"`
	RiskReasons          []string       `json:"risk_reasons"`
	PreferredTone        string         `json:"preferred_tone"`
	FirstContact         *time.Time     `json:"first_contact,omitempty"`
	LastContact          *time.Time     `json:"last_contact,omitempty"`
	LastResolutionStatus string         `json:"last_resolution_status,omitempty"`
	UpdatedAt            time.Time      `json:"updated_at"`
}
