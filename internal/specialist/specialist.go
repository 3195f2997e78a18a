// Package specialist runs the bounded tool-calling loop shared by the
// general agent and the refund and technical specialists.
package specialist

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/ashureev/cx-router/internal/domain"
	"github.com/ashureev/cx-router/internal/handoff"
	"github.com/ashureev/cx-router/internal/llm"
	"github.com/ashureev/cx-router/internal/memory"
	"github.com/ashureev/cx-router/internal/tools"
)

// MaxRounds caps the completion calls made for a single customer message.
const MaxRounds = 5

// Request is one customer message handed to a specialist.
type Request struct {
	Name        string // route name, used in logs
	Instruction string
	Role        string // acting role for tool permissions
	Message     string
	Context     *domain.CustomerContext
}

// Result is the specialist's outcome.
type Result struct {
	Response      string
	Handoff       bool
	HandoffReason domain.HandoffReason
	ToolCalls     []string
}

// Dispatcher runs specialist loops.
type Dispatcher struct {
	llm   llm.Completer
	tools tools.Executor
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(completer llm.Completer, executor tools.Executor) *Dispatcher {
	return &Dispatcher{llm: completer, tools: executor}
}

// Run handles req against the session memory mem. The caller must hold the
// session's lease. A returned error means a completion call failed; every
// turn recorded up to that point stays recorded.
func (d *Dispatcher) Run(ctx context.Context, mem *memory.Memory, req Request) (Result, error) {
	if reason := handoff.Check(mem, req.Message); reason != "" {
		msg := handoff.Message(reason)
		mem.AddMessage(ctx, domain.RoleUser, req.Message)
		mem.AddMessage(ctx, domain.RoleAssistant, msg)
		mem.MarkHandoff(reason)
		return Result{Response: msg, Handoff: true, HandoffReason: reason, ToolCalls: []string{}}, nil
	}

	messages, err := d.buildPrompt(mem, req)
	if err != nil {
		return Result{}, err
	}

	mem.AddIntent(req.Message)
	mem.AddMessage(ctx, domain.RoleUser, req.Message)

	toolCalls := []string{}
	for round := 0; round < MaxRounds; round++ {
		resp, err := d.llm.Complete(ctx, llm.Request{
			Messages: messages,
			Tools:    tools.Definitions,
		})
		if err != nil {
			return Result{ToolCalls: toolCalls}, fmt.Errorf("%s completion round %d: %w", req.Name, round+1, err)
		}

		if len(resp.ToolCalls) == 0 {
			return d.finish(ctx, mem, resp.Content, toolCalls), nil
		}

		messages = append(messages, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		for _, tc := range resp.ToolCalls {
			slog.Info("["+req.Name+"] Tool call", "session_id", mem.SessionID(), "tool", tc.Name, "arguments", tc.Arguments)

			payload := d.tools.Execute(ctx, tools.Call{
				SessionID: mem.SessionID(),
				Role:      req.Role,
				Name:      tc.Name,
				Arguments: tc.Arguments,
			})
			toolCalls = append(toolCalls, tc.Name)
			mem.AddToolResult(ctx, tc.Name, payload)
			if userID, ok := tools.LinkedUserID(tc.Name, payload); ok {
				mem.LinkUser(userID)
			}

			messages = append(messages, llm.Message{
				Role:       llm.RoleTool,
				ToolCallID: tc.ID,
				Name:       tc.Name,
				Content:    payload,
			})
		}
	}

	slog.Warn("["+req.Name+"] Max iterations reached", "session_id", mem.SessionID(), "tool_calls", len(toolCalls))
	mem.AddMessage(ctx, domain.RoleAssistant, handoff.MessageMaxIterations)
	mem.MarkHandoff(domain.HandoffMaxIterations)
	return Result{
		Response:      handoff.MessageMaxIterations,
		Handoff:       true,
		HandoffReason: domain.HandoffMaxIterations,
		ToolCalls:     toolCalls,
	}, nil
}

func (d *Dispatcher) finish(ctx context.Context, mem *memory.Memory, answer string, toolCalls []string) Result {
	mem.AddMessage(ctx, domain.RoleAssistant, answer)

	if !mem.LastToolReturnedEmpty() {
		return Result{Response: answer, ToolCalls: toolCalls}
	}

	msg := handoff.Message(domain.HandoffDataGap)
	mem.AddMessage(ctx, domain.RoleAssistant, msg)
	mem.MarkHandoff(domain.HandoffDataGap)
	return Result{
		Response:      answer + "\n\n" + msg,
		Handoff:       true,
		HandoffReason: domain.HandoffDataGap,
		ToolCalls:     toolCalls,
	}
}

// buildPrompt assembles the instruction, customer context, prior transcript
// and the new message. Tool turns are left out of the transcript.
func (d *Dispatcher) buildPrompt(mem *memory.Memory, req Request) ([]llm.Message, error) {
	messages := []llm.Message{llm.System(req.Instruction)}

	if req.Context != nil {
		b, err := json.Marshal(req.Context)
		if err != nil {
			return nil, fmt.Errorf("encode customer context: %w", err)
		}
		messages = append(messages, llm.System("Customer context: "+string(b)))
	}

	for _, turn := range mem.Messages() {
		switch turn.Role {
		case domain.RoleUser:
			messages = append(messages, llm.User(turn.Content))
		case domain.RoleAssistant:
			messages = append(messages, llm.Assistant(turn.Content))
		}
	}

	return append(messages, llm.User(req.Message)), nil
}
