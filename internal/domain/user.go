// Package domain contains core domain types for the cx-router application.
package domain

import (
	"time"
)

// User is a customer record.
type User struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Phone     string    `json:"phone,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Order is a purchase made by a customer.
type Order struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	Product   string    `json:"product"`
	Amount    float64   `json:"amount"`
	Status    string    `json:"status"` // pending/shipped/delivered/refunded
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Ticket is a support ticket raised by a customer.
type Ticket struct {
	ID          int64     `json:"id"`
	UserID      int64     `json:"user_id"`
	Subject     string    `json:"subject"`
	Description string    `json:"description,omitempty"`
	Status      string    `json:"status"`   // open/in_progress/resolved/escalated
	Priority    string    `json:"priority"` // low/medium/high/critical
	AssignedTo  string    `json:"assigned_to,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Valid ticket statuses.
var TicketStatuses = []string{"open", "in_progress", "resolved", "escalated"}

// IsValidTicketStatus reports whether status is one of TicketStatuses.
func IsValidTicketStatus(status string) bool {
	for _, s := range TicketStatuses {
		if s == status {
			return true
		}
	}
	return false
}

// CustomerContext is the snapshot of a linked customer handed to specialists.
type CustomerContext struct {
	User    *ContextUser    `json:"user"`
	Orders  []ContextOrder  `json:"orders"`
	Tickets []ContextTicket `json:"tickets"`
	Profile *ContextProfile `json:"profile,omitempty"`
}

// ContextUser is the user part of a CustomerContext.
type ContextUser struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// ContextOrder is the order part of a CustomerContext.
type ContextOrder struct {
	ID      int64   `json:"id"`
	Product string  `json:"product"`
	Amount  float64 `json:"amount"`
	Status  string  `json:"status"`
}

// ContextTicket is the ticket part of a CustomerContext.
type ContextTicket struct {
	ID       int64  `json:"id"`
	Subject  string `json:"subject"`
	Status   string `json:"status"`
	Priority string `json:"priority"`
}

// ContextProfile carries the derived profile fields that shape the prompt.
type ContextProfile struct {
	LoyaltyTier   string `json:"loyalty_tier"`
	RiskFlag      bool   `json:"risk_flag"`
	PreferredTone string `json:"preferred_tone,omitempty"`
}
