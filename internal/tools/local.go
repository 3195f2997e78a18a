package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/cx-router/internal/domain"
)

// Payload messages returned to the model.
const (
	msgPermissionDenied = "Permission denied."
	msgInternalError    = "An internal error occurred."
	msgDangerousInput   = "Input contains potentially dangerous SQL patterns."
)

// errArgument marks a bad tool argument; its text is returned to the model.
var errArgument = errors.New("invalid argument")

// Records is the slice of the store the tools operate on.
type Records interface {
	GetUser(ctx context.Context, userID int64) (*domain.User, error)
	GetUserByEmail(ctx context.Context, email string) (*domain.User, error)
	UpdateUserEmail(ctx context.Context, userID int64, email string) (bool, error)
	ListOrders(ctx context.Context, userID int64) ([]domain.Order, error)
	UpdateOrderStatus(ctx context.Context, orderID int64, status string) (bool, error)
	ListTickets(ctx context.Context, userID int64) ([]domain.Ticket, error)
	UpdateTicketStatus(ctx context.Context, ticketID int64, status string) (bool, error)
	LinkSessionUser(ctx context.Context, sessionID string, userID int64) error
}

// Local executes tools against the store in-process.
type Local struct {
	records Records
}

// NewLocal creates an in-process executor.
func NewLocal(records Records) *Local {
	return &Local{records: records}
}

type handlerFunc func(l *Local, ctx context.Context, call Call, a args) (string, error)

var handlers = map[string]handlerFunc{
	LookupUser:      (*Local).lookupUser,
	GetOrders:       (*Local).getOrders,
	GetTickets:      (*Local).getTickets,
	UpdateTicket:    (*Local).updateTicket,
	UpdateUserEmail: (*Local).updateUserEmail,
	FlagRefund:      (*Local).flagRefund,
}

// Execute runs call and returns its JSON payload.
func (l *Local) Execute(ctx context.Context, call Call) (payload string) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Tool execution panicked", "tool", call.Name, "panic", r)
			payload = errorPayload(msgInternalError)
		}
	}()

	handler, ok := handlers[call.Name]
	if !ok {
		return errorPayload("Unknown tool: " + call.Name)
	}

	a, err := parseArgs(call.Arguments)
	if err == nil {
		var out string
		if out, err = handler(l, ctx, call, a); err == nil {
			return out
		}
	}
	return failurePayload(call, err)
}

func failurePayload(call Call, err error) string {
	switch {
	case errors.Is(err, ErrDangerousInput):
		return errorPayload(msgDangerousInput)
	case errors.Is(err, errArgument):
		return errorPayload(strings.TrimPrefix(err.Error(), errArgument.Error()+": "))
	default:
		slog.Error("Tool execution error", "tool", call.Name, "session_id", call.SessionID, "error", err)
		return errorPayload(msgInternalError)
	}
}

func (l *Local) lookupUser(ctx context.Context, call Call, a args) (string, error) {
	if !CanRead(call.Role, "users") {
		return errorPayload(msgPermissionDenied), nil
	}

	var user *domain.User
	email, err := a.optString("email")
	if err != nil {
		return "", err
	}
	userID, hasID, err := a.optInt("user_id")
	if err != nil {
		return "", err
	}

	switch {
	case email != "":
		if email, err = Sanitize(email); err != nil {
			return "", err
		}
		if user, err = l.records.GetUserByEmail(ctx, email); err != nil {
			return "", fmt.Errorf("lookup user by email: %w", err)
		}
	case hasID:
		if user, err = l.records.GetUser(ctx, userID); err != nil {
			return "", fmt.Errorf("lookup user by id: %w", err)
		}
	}

	if user == nil {
		return encode(map[string]any{"result": nil, "message": "User not found."}), nil
	}

	if call.SessionID != "" {
		if err := l.records.LinkSessionUser(ctx, call.SessionID, user.ID); err != nil {
			slog.Warn("Failed to link user to session", "session_id", call.SessionID, "user_id", user.ID, "error", err)
		} else {
			slog.Info("Auto-linked user to session", "session_id", call.SessionID, "user_id", user.ID)
		}
	}

	return encode(map[string]any{"result": map[string]any{
		"id":         user.ID,
		"name":       user.Name,
		"email":      user.Email,
		"phone":      user.Phone,
		"created_at": user.CreatedAt.Format(time.RFC3339),
	}}), nil
}

func (l *Local) getOrders(ctx context.Context, call Call, a args) (string, error) {
	if !CanRead(call.Role, "orders") {
		return errorPayload(msgPermissionDenied), nil
	}
	userID, err := a.requireInt("user_id")
	if err != nil {
		return "", err
	}
	orders, err := l.records.ListOrders(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("list orders: %w", err)
	}
	if len(orders) == 0 {
		return encode(map[string]any{"result": []any{}, "message": "No orders found for this user."}), nil
	}

	result := make([]map[string]any, 0, len(orders))
	for _, o := range orders {
		result = append(result, map[string]any{
			"id":         o.ID,
			"product":    o.Product,
			"amount":     o.Amount,
			"status":     o.Status,
			"created_at": o.CreatedAt.Format(time.RFC3339),
		})
	}
	return encode(map[string]any{"result": result}), nil
}

func (l *Local) getTickets(ctx context.Context, call Call, a args) (string, error) {
	if !CanRead(call.Role, "tickets") {
		return errorPayload(msgPermissionDenied), nil
	}
	userID, err := a.requireInt("user_id")
	if err != nil {
		return "", err
	}
	tickets, err := l.records.ListTickets(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("list tickets: %w", err)
	}
	if len(tickets) == 0 {
		return encode(map[string]any{"result": []any{}, "message": "No tickets found for this user."}), nil
	}

	result := make([]map[string]any, 0, len(tickets))
	for _, t := range tickets {
		result = append(result, map[string]any{
			"id":          t.ID,
			"subject":     t.Subject,
			"description": t.Description,
			"status":      t.Status,
			"priority":    t.Priority,
			"assigned_to": t.AssignedTo,
			"created_at":  t.CreatedAt.Format(time.RFC3339),
		})
	}
	return encode(map[string]any{"result": result}), nil
}

func (l *Local) updateTicket(ctx context.Context, call Call, a args) (string, error) {
	if !CanWrite(call.Role, "tickets", "status") {
		return errorPayload("Permission denied: cannot update ticket status."), nil
	}
	ticketID, err := a.requireInt("ticket_id")
	if err != nil {
		return "", err
	}
	status, err := a.requireString("status")
	if err != nil {
		return "", err
	}
	if !domain.IsValidTicketStatus(status) {
		return "", fmt.Errorf("%w: Invalid ticket status: %s", errArgument, status)
	}

	ok, err := l.records.UpdateTicketStatus(ctx, ticketID, status)
	if err != nil {
		return "", fmt.Errorf("update ticket status: %w", err)
	}
	if !ok {
		return errorPayload("Ticket not found."), nil
	}
	slog.Info("Ticket status updated", "ticket_id", ticketID, "status", status)
	return encode(map[string]any{"result": "Ticket updated.", "new_status": status}), nil
}

func (l *Local) updateUserEmail(ctx context.Context, call Call, a args) (string, error) {
	if !CanWrite(call.Role, "users", "email") {
		return errorPayload("Permission denied: cannot update user email."), nil
	}
	userID, err := a.requireInt("user_id")
	if err != nil {
		return "", err
	}
	email, err := a.requireString("new_email")
	if err != nil {
		return "", err
	}
	if email, err = Sanitize(email); err != nil {
		return "", err
	}

	ok, err := l.records.UpdateUserEmail(ctx, userID, email)
	if err != nil {
		return "", fmt.Errorf("update user email: %w", err)
	}
	if !ok {
		return errorPayload("User not found."), nil
	}
	slog.Info("User email updated", "user_id", userID)
	return encode(map[string]any{"result": "Email updated.", "new_email": email}), nil
}

func (l *Local) flagRefund(ctx context.Context, call Call, a args) (string, error) {
	if !CanWrite(call.Role, "orders", "status") {
		return errorPayload("Permission denied: cannot flag refund."), nil
	}
	orderID, err := a.requireInt("order_id")
	if err != nil {
		return "", err
	}

	ok, err := l.records.UpdateOrderStatus(ctx, orderID, "refunded")
	if err != nil {
		return "", fmt.Errorf("flag refund: %w", err)
	}
	if !ok {
		return errorPayload("Order not found."), nil
	}
	slog.Info("Order flagged for refund", "order_id", orderID)
	return encode(map[string]any{"result": "Order flagged for refund.", "order_id": orderID}), nil
}

type args map[string]any

func parseArgs(raw string) (args, error) {
	a := args{}
	if strings.TrimSpace(raw) == "" {
		return a, nil
	}
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&a); err != nil {
		return nil, fmt.Errorf("%w: Invalid tool arguments", errArgument)
	}
	return a, nil
}

func (a args) optInt(key string) (int64, bool, error) {
	v, ok := a[key]
	if !ok || v == nil {
		return 0, false, nil
	}
	switch n := v.(type) {
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false, fmt.Errorf("%w: %s must be an integer", errArgument, key)
		}
		return i, true, nil
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		if err != nil {
			return 0, false, fmt.Errorf("%w: %s must be an integer", errArgument, key)
		}
		return i, true, nil
	}
	return 0, false, fmt.Errorf("%w: %s must be an integer", errArgument, key)
}

func (a args) requireInt(key string) (int64, error) {
	i, ok, err := a.optInt(key)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("%w: Missing required argument: %s", errArgument, key)
	}
	return i, nil
}

func (a args) optString(key string) (string, error) {
	v, ok := a[key]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%w: %s must be a string", errArgument, key)
	}
	return s, nil
}

func (a args) requireString(key string) (string, error) {
	s, err := a.optString(key)
	if err != nil {
		return "", err
	}
	if s == "" {
		return "", fmt.Errorf("%w: Missing required argument: %s", errArgument, key)
	}
	return s, nil
}
