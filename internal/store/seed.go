package store

import (
	"context"
	"fmt"
	"time"
)

type seedUser struct {
	name, email, phone string
}

type seedOrder struct {
	user    int
	product string
	amount  float64
	status  string
	age     time.Duration
}

type seedTicket struct {
	user                                   int
	subject, description, status, priority string
	assignedTo                             string
}

var demoUsers = []seedUser{
	{"Alice Johnson", "alice@example.com", "+1-555-0101"},
	{"Bob Smith", "bob@example.com", "+1-555-0102"},
	{"Carol Williams", "carol@example.com", "+1-555-0103"},
}

var demoOrders = []seedOrder{
	{0, "Wireless Headphones", 79.99, "delivered", 10 * 24 * time.Hour},
	{0, "Phone Case", 19.99, "shipped", 2 * 24 * time.Hour},
	{1, "Laptop Stand", 49.99, "pending", 24 * time.Hour},
	{1, "USB-C Hub", 34.99, "delivered", 15 * 24 * time.Hour},
	{2, "Mechanical Keyboard", 129.99, "shipped", 3 * 24 * time.Hour},
}

var demoTickets = []seedTicket{
	{0, "Headphones not charging", "My wireless headphones stopped charging after a week of use.", "open", "high", ""},
	{1, "Order not received", "It's been over a week and I haven't received my laptop stand.", "in_progress", "medium", "Support Team"},
	{2, "Wrong item received", "I ordered a mechanical keyboard but received a regular one.", "open", "high", ""},
}

// SeedDemoData inserts sample customers, orders and tickets when the users
// table is empty. It reports whether anything was inserted.
func (s *SQLiteStore) SeedDemoData(ctx context.Context) (bool, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&count); err != nil {
		return false, fmt.Errorf("count users: %w", err)
	}
	if count > 0 {
		return false, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin seed tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	ids := make([]int64, len(demoUsers))
	for i, u := range demoUsers {
		result, err := tx.ExecContext(ctx, `
			INSERT INTO users (name, email, phone, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?)`,
			u.name, u.email, u.phone, toMillis(now), toMillis(now))
		if err != nil {
			return false, fmt.Errorf("insert user %s: %w", u.email, err)
		}
		if ids[i], err = result.LastInsertId(); err != nil {
			return false, fmt.Errorf("user id: %w", err)
		}
	}

	for _, o := range demoOrders {
		created := toMillis(now.Add(-o.age))
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO orders (user_id, product, amount, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			ids[o.user], o.product, o.amount, o.status, created, created); err != nil {
			return false, fmt.Errorf("insert order %s: %w", o.product, err)
		}
	}

	for _, t := range demoTickets {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tickets (user_id, subject, description, status, priority, assigned_to, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			ids[t.user], t.subject, t.description, t.status, t.priority, nullString(t.assignedTo),
			toMillis(now), toMillis(now)); err != nil {
			return false, fmt.Errorf("insert ticket %s: %w", t.subject, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit seed tx: %w", err)
	}
	return true, nil
}
