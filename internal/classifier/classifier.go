// Package classifier assigns an intent to a customer message.
package classifier

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"

	"github.com/ashureev/cx-router/internal/domain"
	"github.com/ashureev/cx-router/internal/llm"
)

const prompt = `You are an intent classifier for a customer service system.

Classify the customer message into exactly ONE of these intents:
- "refund": Customer wants a refund, return, money back, or compensation for a purchase.
- "technical": Customer has a technical issue, needs troubleshooting, setup help, or how-to guidance.
- "escalate": Customer explicitly asks for a manager, supervisor, or to escalate their issue.
- "general": Any other customer service inquiry (order status, account changes, general questions).

Consider the overall tone and keywords. Respond in JSON only:
{"intent": "<intent>", "confidence": <0.0-1.0>, "reasoning": "<brief explanation>"}`

// Fallback reasons.
const (
	ReasonCallFailed   = "Classification failed, falling back to general."
	ReasonUnparseable  = "Classifier returned malformed output, falling back to general."
	ReasonUnknownLabel = "Classifier returned an unknown intent, falling back to general."
)

const defaultConfidence = 0.5

// Result is the classifier's verdict.
type Result struct {
	Intent     domain.Intent
	Confidence float64
	Reasoning  string
}

// Classifier labels messages with one completion call at temperature 0.
type Classifier struct {
	llm llm.Completer
}

// New creates a classifier using completer.
func New(completer llm.Completer) *Classifier {
	return &Classifier{llm: completer}
}

type verdict struct {
	Intent     string `json:"intent"`
	Confidence any    `json:"confidence"`
	Reasoning  string `json:"reasoning"`
}

// Classify never fails: any problem yields the general intent.
func (c *Classifier) Classify(ctx context.Context, message string) Result {
	resp, err := c.llm.Complete(ctx, llm.Request{
		Messages:    []llm.Message{llm.System(prompt), llm.User(message)},
		Temperature: llm.Temp(0),
	})
	if err != nil {
		slog.Error("[router] Intent classification failed, defaulting to general", "error", err)
		return Result{Intent: domain.IntentGeneral, Confidence: 0, Reasoning: ReasonCallFailed}
	}

	raw := llm.StripFences(resp.Content)
	var v verdict
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		slog.Warn("[router] Classifier output is not valid JSON", "error", err, "raw", truncate(raw, 200))
		return Result{Intent: domain.IntentGeneral, Confidence: defaultConfidence, Reasoning: ReasonUnparseable}
	}

	intent := domain.Intent(v.Intent)
	if !intent.Valid() {
		slog.Warn("[router] Classifier returned unknown intent", "intent", v.Intent)
		return Result{Intent: domain.IntentGeneral, Confidence: defaultConfidence, Reasoning: ReasonUnknownLabel}
	}

	confidence, ok := parseConfidence(v.Confidence)
	if !ok {
		slog.Warn("[router] Classifier returned unusable confidence", "confidence", v.Confidence)
		return Result{Intent: domain.IntentGeneral, Confidence: defaultConfidence, Reasoning: ReasonUnparseable}
	}

	slog.Info("[router] Intent classified",
		"intent", intent,
		"confidence", confidence,
		"message", truncate(message, 80))

	return Result{Intent: intent, Confidence: confidence, Reasoning: v.Reasoning}
}

// parseConfidence accepts a JSON number or a numeric string. A missing value
// is the default confidence.
func parseConfidence(raw any) (float64, bool) {
	switch v := raw.(type) {
	case nil:
		return defaultConfidence, true
	case float64:
		return clamp(v), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, false
		}
		return clamp(f), true
	}
	return 0, false
}

func clamp(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
