package analytics

import (
	"context"
	"errors"
	"testing"

	"github.com/ashureev/cx-router/internal/llm"
)

type cannedCompleter struct {
	content string
	err     error
	calls   int
	last    llm.Request
}

func (c *cannedCompleter) Complete(_ context.Context, req llm.Request) (*llm.Completion, error) {
	c.calls++
	c.last = req
	if c.err != nil {
		return nil, c.err
	}
	return &llm.Completion{Content: c.content}, nil
}

func TestLLMScorer(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		content string
		err     error
		want    float64
	}{
		{"plain", `{"score": -0.7, "label": "negative", "confidence": 0.9}`, nil, -0.7},
		{"fenced", "```json\n{\"score\": 0.4}\n```", nil, 0.4},
		{"trailing comma repaired", `{"score": 0.25, "label": "positive",}`, nil, 0.25},
		{"clamped", `{"score": 3}`, nil, 1},
		{"missing score", `{"label": "neutral"}`, nil, 0},
		{"completion error", "", errors.New("timeout"), 0},
	}
	for _, tc := range cases {
		c := &cannedCompleter{content: tc.content, err: tc.err}
		got := NewLLMScorer(c).Score(context.Background(), "I am so frustrated")
		if !approx(got, tc.want) {
			t.Errorf("%s: Score() = %v, want %v", tc.name, got, tc.want)
		}
		if c.last.Temperature == nil || *c.last.Temperature != 0.3 || c.last.MaxTokens != 100 {
			t.Errorf("%s: request temperature = %v, max tokens = %d", tc.name, c.last.Temperature, c.last.MaxTokens)
		}
	}
}

func TestLLMScorerSkipsEmptyText(t *testing.T) {
	t.Parallel()
	c := &cannedCompleter{content: `{"score": 1}`}
	if got := NewLLMScorer(c).Score(context.Background(), "   "); got != 0 {
		t.Fatalf("Score() = %v, want 0", got)
	}
	if c.calls != 0 {
		t.Fatalf("completion called %d times for empty text", c.calls)
	}
}

func TestLabel(t *testing.T) {
	t.Parallel()
	cases := map[float64]string{0.21: "positive", 0.2: "neutral", -0.2: "neutral", -0.21: "negative"}
	for score, want := range cases {
		if got := Label(score); got != want {
			t.Errorf("Label(%v) = %q, want %q", score, got, want)
		}
	}
}
