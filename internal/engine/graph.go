package engine

import (
	"context"

	"github.com/ashureev/cx-router/internal/domain"
	"github.com/ashureev/cx-router/internal/handoff"
	"github.com/ashureev/cx-router/internal/memory"
	"github.com/ashureev/cx-router/internal/prompts"
	"github.com/ashureev/cx-router/internal/router"
	"github.com/ashureev/cx-router/internal/specialist"
)

// turn carries what a node needs besides the session memory.
type turn struct {
	state   State
	tone    string
	context *domain.CustomerContext
}

// node handles a routed message and ends the turn.
type node func(ctx context.Context, mem *memory.Memory, t turn) (specialist.Result, error)

// transitions is the routing table: every route leads to exactly one node,
// and every node ends the turn.
func transitions(e *Engine) map[router.Route]node {
	return map[router.Route]node{
		router.General: e.specialistNode(router.General, func(t turn) string {
			return e.prompts.SystemPrompt(t.tone)
		}),
		router.Refund: e.specialistNode(router.Refund, func(turn) string {
			return e.prompts.Specialist(prompts.SpecialistRefund)
		}),
		router.Technical: e.specialistNode(router.Technical, func(turn) string {
			return e.prompts.Specialist(prompts.SpecialistTechnical)
		}),
		router.Escalate: escalate,
	}
}

func (e *Engine) specialistNode(route router.Route, instruction func(turn) string) node {
	return func(ctx context.Context, mem *memory.Memory, t turn) (specialist.Result, error) {
		return e.dispatcher.Run(ctx, mem, specialist.Request{
			Name:        string(route),
			Instruction: instruction(t),
			Role:        t.state.Role,
			Message:     t.state.Message,
			Context:     t.context,
		})
	}
}

// escalate hands the conversation to a human without a model call.
func escalate(ctx context.Context, mem *memory.Memory, t turn) (specialist.Result, error) {
	mem.AddMessage(ctx, domain.RoleUser, t.state.Message)
	mem.AddMessage(ctx, domain.RoleAssistant, handoff.MessageEscalation)
	mem.MarkHandoff(domain.HandoffCustomerEscalation)
	return specialist.Result{
		Response:      handoff.MessageEscalation,
		Handoff:       true,
		HandoffReason: domain.HandoffCustomerEscalation,
		ToolCalls:     []string{},
	}, nil
}
