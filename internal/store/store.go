// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"

	"github.com/ashureev/cx-router/internal/domain"
)

// Repository defines the interface for persisting conversations, customer
// records and analytics.
type Repository interface {
	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error

	// GetUser retrieves a customer by ID. Returns nil, nil when absent.
	GetUser(ctx context.Context, userID int64) (*domain.User, error)

	// GetUserByEmail retrieves a customer by email. Returns nil, nil when absent.
	GetUserByEmail(ctx context.Context, email string) (*domain.User, error)

	// UpdateUserEmail changes a customer's email. Reports false if the user does not exist.
	UpdateUserEmail(ctx context.Context, userID int64, email string) (bool, error)

	// ListOrders returns all orders of a customer, newest first.
	ListOrders(ctx context.Context, userID int64) ([]domain.Order, error)

	// UpdateOrderStatus changes an order's status. Reports false if the order does not exist.
	UpdateOrderStatus(ctx context.Context, orderID int64, status string) (bool, error)

	// LifetimeSpend sums the amount of every order placed by a customer.
	LifetimeSpend(ctx context.Context, userID int64) (float64, error)

	// ListTickets returns all tickets of a customer, newest first.
	ListTickets(ctx context.Context, userID int64) ([]domain.Ticket, error)

	// UpdateTicketStatus changes a ticket's status. Reports false if the ticket does not exist.
	UpdateTicketStatus(ctx context.Context, ticketID int64, status string) (bool, error)

	// AppendMessage stores one conversation turn and fills in its ID.
	AppendMessage(ctx context.Context, msg *domain.Message) error

	// ListMessages returns every turn of a session ordered by time.
	ListMessages(ctx context.Context, sessionID string) ([]domain.Message, error)

	// FirstMessageByRole returns the earliest turn of the given role, or nil.
	FirstMessageByRole(ctx context.Context, sessionID, role string) (*domain.Message, error)

	// LastMessageByRole returns the latest turn of the given role, or nil.
	LastMessageByRole(ctx context.Context, sessionID, role string) (*domain.Message, error)

	// CountMessages returns the number of stored turns of a session.
	CountMessages(ctx context.Context, sessionID string) (int, error)

	// GetConversationMeta retrieves per-session bookkeeping. Returns nil, nil when absent.
	GetConversationMeta(ctx context.Context, sessionID string) (*domain.ConversationMeta, error)

	// LinkSessionUser associates a session with a known customer.
	LinkSessionUser(ctx context.Context, sessionID string, userID int64) error

	// RecordSpecialist stores the specialist the router picked for the latest turn.
	RecordSpecialist(ctx context.Context, sessionID, specialist string, confidence float64) error

	// RecordHandoff marks the session as handed off. The first reason wins.
	RecordHandoff(ctx context.Context, sessionID string, reason domain.HandoffReason) error

	// RecordTurnContext stores the tone used and, if none is stored yet, the primary intent.
	RecordTurnContext(ctx context.Context, sessionID, tone, intent string) error

	// UpsertSessionInsights writes the analytics row of a closed session in a transaction.
	UpsertSessionInsights(ctx context.Context, insight *domain.SessionInsights) error

	// ListSessionInsightsByUser returns a customer's insights ordered oldest to newest.
	ListSessionInsightsByUser(ctx context.Context, userID int64) ([]domain.SessionInsights, error)

	// UpsertCustomerProfile creates or replaces a customer's derived profile.
	UpsertCustomerProfile(ctx context.Context, profile *domain.CustomerProfile) error

	// GetCustomerProfile retrieves a customer's derived profile. Returns nil, nil when absent.
	GetCustomerProfile(ctx context.Context, userID int64) (*domain.CustomerProfile, error)

	// SeedDemoData inserts sample customers, orders and tickets when the users table is empty.
	SeedDemoData(ctx context.Context) (bool, error)
}
