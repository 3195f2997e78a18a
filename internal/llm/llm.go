// Package llm provides the completion service used by the classifier, the
// specialists and the sentiment scorer.
package llm

import (
	"context"
	"errors"
	"strings"
)

// ErrEmptyResponse is returned when the provider answers without any choice.
var ErrEmptyResponse = errors.New("empty completion response")

// Role tags a message in a completion request.
type Role string

// Message roles.
const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry of a completion request.
type Message struct {
	Role    Role
	Content string

	// ToolCalls is set on assistant messages that requested tools.
	ToolCalls []ToolCall

	// ToolCallID and Name are set on tool messages answering a call.
	ToolCallID string
	Name       string
}

// ToolCall is a tool invocation requested by the model. Arguments is a JSON object.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// Tool describes a callable tool. Parameters is a JSON schema object.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Request is a single completion call.
type Request struct {
	Messages  []Message
	Tools     []Tool
	MaxTokens int

	// Temperature is left to the provider default when nil.
	Temperature *float64
}

// Completion is the model's answer: either text or tool calls.
type Completion struct {
	Content   string
	ToolCalls []ToolCall
}

// Completer issues completion calls.
type Completer interface {
	Complete(ctx context.Context, req Request) (*Completion, error)
}

// Temp returns a temperature setting for Request.Temperature.
func Temp(v float64) *float64 { return &v }

// System builds a system message.
func System(content string) Message { return Message{Role: RoleSystem, Content: content} }

// User builds a user message.
func User(content string) Message { return Message{Role: RoleUser, Content: content} }

// Assistant builds an assistant message.
func Assistant(content string) Message { return Message{Role: RoleAssistant, Content: content} }

// StripFences removes a leading and trailing markdown code fence, if present.
func StripFences(raw string) string {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	} else {
		s = strings.TrimPrefix(s, "```")
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
