package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"github.com/ashureev/cx-router/internal/domain"
	"github.com/ashureev/cx-router/internal/llm"
)

const coachPrompt = "You are an expert customer service coach helping agents craft helpful, empathetic responses."

const (
	sentimentWindow  = 5
	suggestionWindow = 10
	maxSuggestions   = 3
)

// Sentiment is the mood of the customer side of a conversation.
type Sentiment struct {
	Score float64 `json:"score"`
	Label string  `json:"label"`
}

// Suggestion is a reply an agent could send.
type Suggestion struct {
	Suggestion string  `json:"suggestion"`
	Confidence float64 `json:"confidence"`
	Rationale  string  `json:"rationale"`
}

// Assistant helps human agents serving a handed-off session.
type Assistant struct {
	llm    llm.Completer
	scorer Scorer
}

// NewAssistant creates an assistant. completer drafts suggestions and
// scorer rates sentiment.
func NewAssistant(completer llm.Completer, scorer Scorer) *Assistant {
	return &Assistant{llm: completer, scorer: scorer}
}

// Sentiment scores the latest customer turns together.
func (a *Assistant) Sentiment(ctx context.Context, turns []domain.Message) Sentiment {
	var customer []string
	for _, t := range turns {
		if t.Role == domain.RoleUser {
			customer = append(customer, t.Content)
		}
	}
	if len(customer) == 0 {
		return Sentiment{Score: 0, Label: Label(0)}
	}
	if len(customer) > sentimentWindow {
		customer = customer[len(customer)-sentimentWindow:]
	}
	score := a.scorer.Score(ctx, strings.Join(customer, "\n"))
	return Sentiment{Score: score, Label: Label(score)}
}

// Suggest drafts up to three replies for the agent from the latest turns,
// the customer's mood and their account. Failures yield no suggestions.
func (a *Assistant) Suggest(ctx context.Context, turns []domain.Message, mood Sentiment, cc *domain.CustomerContext) []Suggestion {
	prompt, ok := suggestionPrompt(turns, mood, cc)
	if !ok {
		return []Suggestion{}
	}

	resp, err := a.llm.Complete(ctx, llm.Request{
		Messages:    []llm.Message{llm.System(coachPrompt), llm.User(prompt)},
		Temperature: llm.Temp(0.7),
		MaxTokens:   500,
	})
	if err != nil {
		slog.Error("Smart suggestions error", "error", err)
		return []Suggestion{}
	}

	out, err := parseSuggestions(resp.Content)
	if err != nil {
		slog.Warn("Failed to parse suggestions JSON response", "error", err)
		return []Suggestion{}
	}
	return out
}

func suggestionPrompt(turns []domain.Message, mood Sentiment, cc *domain.CustomerContext) (string, bool) {
	var convo []string
	for _, t := range turns {
		speaker, ok := speakers[t.Role]
		if !ok {
			continue
		}
		convo = append(convo, speaker+": "+t.Content)
	}
	if len(convo) == 0 {
		return "", false
	}
	if len(convo) > suggestionWindow {
		convo = convo[len(convo)-suggestionWindow:]
	}

	var b strings.Builder
	b.WriteString("Based on this customer service conversation, generate 3 different response suggestions for the human agent.\n\nConversation:\n")
	b.WriteString(strings.Join(convo, "\n"))
	b.WriteString(customerInfo(cc))
	fmt.Fprintf(&b, "\n\nCustomer Sentiment: %s (score: %.2f)", strings.ToUpper(mood.Label), mood.Score)
	b.WriteString(`

Consider the customer's sentiment when crafting responses. If negative, be more empathetic. If positive, maintain the good rapport.

Respond with a JSON array of 3 objects, each containing:
- suggestion: The suggested response text (2-3 sentences)
- confidence: Your confidence this is the best response (0.0 to 1.0)
- rationale: Brief explanation of why this suggestion fits (1 sentence)

Order by confidence (highest first). Respond ONLY with the JSON array, no additional text.`)
	return b.String(), true
}

var speakers = map[string]string{
	domain.RoleUser:      "Customer",
	domain.RoleAssistant: "AI",
	domain.RoleAgent:     "Agent",
}

func customerInfo(cc *domain.CustomerContext) string {
	if cc == nil {
		return ""
	}
	var b strings.Builder
	if cc.User != nil {
		fmt.Fprintf(&b, "\n\nCustomer Profile:\n- Name: %s\n- Email: %s", cc.User.Name, cc.User.Email)
	}
	if len(cc.Orders) > 0 {
		b.WriteString("\n\nRecent Orders:")
		for i, o := range cc.Orders {
			if i == maxSuggestions {
				break
			}
			fmt.Fprintf(&b, "\n- %s ($%.2f) - Status: %s", o.Product, o.Amount, o.Status)
		}
	}
	var open []domain.ContextTicket
	for _, t := range cc.Tickets {
		if t.Status == "open" || t.Status == "in_progress" {
			open = append(open, t)
		}
	}
	if len(open) > 0 {
		b.WriteString("\n\nOpen Tickets:")
		for i, t := range open {
			if i == maxSuggestions {
				break
			}
			fmt.Fprintf(&b, "\n- %s (Priority: %s)", t.Subject, t.Priority)
		}
	}
	return b.String()
}

type rawSuggestion struct {
	Suggestion string `json:"suggestion"`
	Confidence any    `json:"confidence"`
	Rationale  string `json:"rationale"`
}

func parseSuggestions(raw string) ([]Suggestion, error) {
	cleaned := llm.StripFences(raw)

	var items []rawSuggestion
	if err := json.Unmarshal([]byte(cleaned), &items); err != nil {
		repaired, rerr := jsonrepair.JSONRepair(cleaned)
		if rerr != nil {
			return nil, fmt.Errorf("repair suggestions: %w", rerr)
		}
		if err := json.Unmarshal([]byte(repaired), &items); err != nil {
			return nil, fmt.Errorf("decode suggestions: %w", err)
		}
	}

	out := make([]Suggestion, 0, maxSuggestions)
	for _, it := range items {
		if len(out) == maxSuggestions {
			break
		}
		if strings.TrimSpace(it.Suggestion) == "" {
			continue
		}
		out = append(out, Suggestion{
			Suggestion: it.Suggestion,
			Confidence: confidenceOf(it.Confidence),
			Rationale:  it.Rationale,
		})
	}
	return out, nil
}

// confidenceOf reads a number or numeric string in [0, 1]; anything else is 0.5.
func confidenceOf(v any) float64 {
	var f float64
	switch x := v.(type) {
	case float64:
		f = x
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0.5
		}
		f = parsed
	default:
		return 0.5
	}
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}
