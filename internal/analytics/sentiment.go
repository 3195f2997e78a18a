// Package analytics scores customer sentiment, folds a closed session into a
// SessionInsights row and derives the customer profile from those rows.
package analytics

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"github.com/ashureev/cx-router/internal/llm"
)

const sentimentPrompt = `You are a sentiment analysis expert. Analyze the customer's sentiment in the conversation.

Respond with a JSON object containing:
- score: A number from -1.0 (very negative) to 1.0 (very positive)
- label: One of "negative", "neutral", or "positive"
- confidence: A number from 0.0 to 1.0 indicating your confidence

Consider tone, word choice, punctuation (e.g., caps, exclamation marks), and overall context.

Respond ONLY with the JSON object, no additional text.`

// Scorer rates the sentiment of a customer message in [-1, 1].
type Scorer interface {
	Score(ctx context.Context, text string) float64
}

// LLMScorer scores sentiment with a completion call.
type LLMScorer struct {
	llm llm.Completer
}

// NewLLMScorer creates a scorer backed by completer.
func NewLLMScorer(completer llm.Completer) *LLMScorer {
	return &LLMScorer{llm: completer}
}

// Score returns 0.0 for empty text and whenever the model call or its JSON fails.
func (s *LLMScorer) Score(ctx context.Context, text string) float64 {
	if strings.TrimSpace(text) == "" {
		return 0.0
	}

	resp, err := s.llm.Complete(ctx, llm.Request{
		Messages: []llm.Message{
			llm.System(sentimentPrompt),
			llm.User("Analyze the sentiment of these customer messages:\n\n" + text),
		},
		Temperature: llm.Temp(0.3),
		MaxTokens:   100,
	})
	if err != nil {
		slog.Error("Sentiment analysis error", "error", err)
		return 0.0
	}

	score, ok := parseScore(resp.Content)
	if !ok {
		slog.Warn("Failed to parse sentiment JSON response", "raw", resp.Content)
		return 0.0
	}
	return score
}

func parseScore(raw string) (float64, bool) {
	cleaned := llm.StripFences(raw)

	var out struct {
		Score *float64 `json:"score"`
	}
	if err := json.Unmarshal([]byte(cleaned), &out); err != nil {
		repaired, rerr := jsonrepair.JSONRepair(cleaned)
		if rerr != nil {
			return 0, false
		}
		if err := json.Unmarshal([]byte(repaired), &out); err != nil {
			return 0, false
		}
	}
	if out.Score == nil {
		return 0, true
	}
	return clampScore(*out.Score), true
}

func clampScore(f float64) float64 {
	switch {
	case f < -1:
		return -1
	case f > 1:
		return 1
	}
	return f
}

// Label buckets a score: above 0.2 positive, below -0.2 negative.
func Label(score float64) string {
	switch {
	case score > 0.2:
		return "positive"
	case score < -0.2:
		return "negative"
	}
	return "neutral"
}
