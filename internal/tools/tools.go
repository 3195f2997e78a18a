// Package tools defines the customer-record tools available to specialists
// and the executors that run them, in-process or over gRPC.
package tools

import (
	"context"
	"encoding/json"

	"github.com/ashureev/cx-router/internal/domain"
	"github.com/ashureev/cx-router/internal/llm"
)

// Tool names.
const (
	LookupUser      = "lookup_user"
	GetOrders       = "get_orders"
	GetTickets      = "get_tickets"
	UpdateTicket    = "update_ticket"
	UpdateUserEmail = "update_user_email"
	FlagRefund      = "flag_refund"
)

// Call is one tool invocation made on behalf of a session.
type Call struct {
	SessionID string
	Role      string // acting role, selects the permission set
	Name      string
	Arguments string // JSON object
}

// Executor runs tool calls. The returned string is always a JSON object:
// failures are reported as {"error": "..."} payloads, never as Go errors.
type Executor interface {
	Execute(ctx context.Context, call Call) string
}

func integer(description string) map[string]any {
	return map[string]any{"type": "integer", "description": description}
}

func str(description string) map[string]any {
	return map[string]any{"type": "string", "description": description}
}

func object(required []string, props map[string]any) map[string]any {
	if required == nil {
		required = []string{}
	}
	return map[string]any{"type": "object", "properties": props, "required": required}
}

// Definitions is the tool catalogue offered to the model.
var Definitions = []llm.Tool{
	{
		Name:        LookupUser,
		Description: "Look up a customer by email or user ID.",
		Parameters: object(nil, map[string]any{
			"email":   str("Customer email address"),
			"user_id": integer("Customer user ID"),
		}),
	},
	{
		Name:        GetOrders,
		Description: "Get orders for a specific customer by user ID.",
		Parameters: object([]string{"user_id"}, map[string]any{
			"user_id": integer("Customer user ID"),
		}),
	},
	{
		Name:        GetTickets,
		Description: "Get support tickets for a specific customer by user ID.",
		Parameters: object([]string{"user_id"}, map[string]any{
			"user_id": integer("Customer user ID"),
		}),
	},
	{
		Name:        UpdateTicket,
		Description: "Update the status of a support ticket.",
		Parameters: object([]string{"ticket_id", "status"}, map[string]any{
			"ticket_id": integer("Ticket ID to update"),
			"status": map[string]any{
				"type":        "string",
				"enum":        domain.TicketStatuses,
				"description": "New status for the ticket",
			},
		}),
	},
	{
		Name:        UpdateUserEmail,
		Description: "Update a customer's email address.",
		Parameters: object([]string{"user_id", "new_email"}, map[string]any{
			"user_id":   integer("Customer user ID"),
			"new_email": str("New email address"),
		}),
	},
	{
		Name:        FlagRefund,
		Description: "Flag an order for refund review by updating its status to 'refunded'.",
		Parameters: object([]string{"order_id"}, map[string]any{
			"order_id": integer("Order ID to flag for refund"),
		}),
	},
}

// errorPayload renders {"error": msg}.
func errorPayload(msg string) string {
	return encode(map[string]any{"error": msg})
}

func encode(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return `{"error": "An internal error occurred."}`
	}
	return string(b)
}

// LinkedUserID returns the customer id found by a successful lookup_user payload.
func LinkedUserID(name, payload string) (int64, bool) {
	if name != LookupUser {
		return 0, false
	}
	var out struct {
		Result *struct {
			ID int64 `json:"id"`
		} `json:"result"`
	}
	if err := json.Unmarshal([]byte(payload), &out); err != nil || out.Result == nil || out.Result.ID == 0 {
		return 0, false
	}
	return out.Result.ID, true
}
