package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/cx-router/internal/domain"
	"github.com/ashureev/cx-router/internal/shared"
	_ "modernc.org/sqlite"
)

const (
	maxRetries     = 3
	retryBaseDelay = 50 * time.Millisecond
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		email TEXT NOT NULL UNIQUE,
		phone TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS orders (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL REFERENCES users(id),
		product TEXT NOT NULL,
		amount REAL NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_orders_user ON orders(user_id);

	CREATE TABLE IF NOT EXISTS tickets (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL REFERENCES users(id),
		subject TEXT NOT NULL,
		description TEXT,
		status TEXT NOT NULL DEFAULT 'open',
		priority TEXT NOT NULL DEFAULT 'medium',
		assigned_to TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tickets_user ON tickets(user_id);

	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		tool_name TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, created_at, id);

	CREATE TABLE IF NOT EXISTS conversation_meta (
		session_id TEXT PRIMARY KEY,
		user_id INTEGER,
		assigned_specialist TEXT,
		specialist_confidence REAL,
		handoff_occurred INTEGER NOT NULL DEFAULT 0,
		handoff_reason TEXT,
		tone_used TEXT,
		primary_intent TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS session_insights (
		session_id TEXT PRIMARY KEY,
		user_id INTEGER,
		sentiment_score REAL,
		sentiment_label TEXT,
		sentiment_start REAL,
		sentiment_end REAL,
		sentiment_drift REAL,
		assigned_specialist TEXT,
		specialist_confidence REAL,
		intent_primary TEXT,
		handoff_occurred INTEGER NOT NULL DEFAULT 0,
		handoff_reason TEXT,
		resolution_status TEXT NOT NULL,
		message_count INTEGER NOT NULL DEFAULT 0,
		tool_calls_json TEXT NOT NULL DEFAULT '[]',
		tone_used TEXT,
		closed_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_session_insights_user ON session_insights(user_id, closed_at);

	CREATE TABLE IF NOT EXISTS customer_profiles (
		user_id INTEGER PRIMARY KEY,
		total_sessions INTEGER NOT NULL DEFAULT 0,
		total_escalations INTEGER NOT NULL DEFAULT 0,
		resolution_rate REAL NOT NULL DEFAULT 0,
		weighted_sentiment REAL NOT NULL DEFAULT 0,
		avg_sentiment_drift REAL NOT NULL DEFAULT 0,
		topic_frequency_json TEXT NOT NULL DEFAULT '{}',
		loyalty_tier TEXT NOT NULL DEFAULT 'standard',
		total_spend REAL NOT NULL DEFAULT 0,
		risk_flag INTEGER NOT NULL DEFAULT 0,
		risk_reasons_json TEXT NOT NULL DEFAULT '[]',
		preferred_tone TEXT,
		first_contact INTEGER,
		last_contact INTEGER,
		last_resolution_status TEXT,
		updated_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// withRetry runs fn, retrying SQLite busy/locked failures with exponential backoff.
func withRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for i := 0; i < maxRetries; i++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !shared.IsSQLiteConflictError(err) || i == maxRetries-1 {
			break
		}
		delay := retryBaseDelay * time.Duration(1<<i) // 50ms, 100ms, 200ms
		slog.Debug("Database locked, retrying", "op", op, "attempt", i+1, "delay", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullInt64(v *int64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func nullString(v string) interface{} {
	if v == "" {
		return nil
	}
	return v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// GetUser retrieves a customer by ID.
func (s *SQLiteStore) GetUser(ctx context.Context, userID int64) (*domain.User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, `
		SELECT id, name, email, phone, created_at, updated_at
		FROM users WHERE id = ?`, userID))
}

// GetUserByEmail retrieves a customer by email.
func (s *SQLiteStore) GetUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, `
		SELECT id, name, email, phone, created_at, updated_at
		FROM users WHERE email = ?`, email))
}

func (s *SQLiteStore) scanUser(row *sql.Row) (*domain.User, error) {
	var user domain.User
	var phone sql.NullString
	var createdAt, updatedAt int64

	err := row.Scan(&user.ID, &user.Name, &user.Email, &phone, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}

	user.Phone = phone.String
	user.CreatedAt = fromMillis(createdAt)
	user.UpdatedAt = fromMillis(updatedAt)
	return &user, nil
}

// UpdateUserEmail changes a customer's email.
func (s *SQLiteStore) UpdateUserEmail(ctx context.Context, userID int64, email string) (bool, error) {
	return s.execAffecting(ctx, "update user email",
		`UPDATE users SET email = ?, updated_at = ? WHERE id = ?`,
		email, toMillis(time.Now()), userID)
}

// UpdateOrderStatus changes an order's status.
func (s *SQLiteStore) UpdateOrderStatus(ctx context.Context, orderID int64, status string) (bool, error) {
	return s.execAffecting(ctx, "update order status",
		`UPDATE orders SET status = ?, updated_at = ? WHERE id = ?`,
		status, toMillis(time.Now()), orderID)
}

// UpdateTicketStatus changes a ticket's status.
func (s *SQLiteStore) UpdateTicketStatus(ctx context.Context, ticketID int64, status string) (bool, error) {
	return s.execAffecting(ctx, "update ticket status",
		`UPDATE tickets SET status = ?, updated_at = ? WHERE id = ?`,
		status, toMillis(time.Now()), ticketID)
}

func (s *SQLiteStore) execAffecting(ctx context.Context, op, query string, args ...interface{}) (bool, error) {
	var rows int64
	err := withRetry(ctx, op, func() error {
		result, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		rows, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return rows > 0, nil
}

// ListOrders returns all orders of a customer, newest first.
func (s *SQLiteStore) ListOrders(ctx context.Context, userID int64) ([]domain.Order, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, product, amount, status, created_at, updated_at
		FROM orders WHERE user_id = ? ORDER BY created_at DESC, id DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer closeRows(rows, "orders")

	var orders []domain.Order
	for rows.Next() {
		var o domain.Order
		var createdAt, updatedAt int64
		if err := rows.Scan(&o.ID, &o.UserID, &o.Product, &o.Amount, &o.Status, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan order row: %w", err)
		}
		o.CreatedAt = fromMillis(createdAt)
		o.UpdatedAt = fromMillis(updatedAt)
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate orders: %w", err)
	}
	return orders, nil
}

// LifetimeSpend sums the amount of every order placed by a customer.
func (s *SQLiteStore) LifetimeSpend(ctx context.Context, userID int64) (float64, error) {
	var total sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `SELECT SUM(amount) FROM orders WHERE user_id = ?`, userID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum order amounts: %w", err)
	}
	return total.Float64, nil
}

// ListTickets returns all tickets of a customer, newest first.
func (s *SQLiteStore) ListTickets(ctx context.Context, userID int64) ([]domain.Ticket, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, subject, description, status, priority, assigned_to, created_at, updated_at
		FROM tickets WHERE user_id = ? ORDER BY created_at DESC, id DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("query tickets: %w", err)
	}
	defer closeRows(rows, "tickets")

	var tickets []domain.Ticket
	for rows.Next() {
		var t domain.Ticket
		var description, assignedTo sql.NullString
		var createdAt, updatedAt int64
		if err := rows.Scan(&t.ID, &t.UserID, &t.Subject, &description, &t.Status, &t.Priority, &assignedTo, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan ticket row: %w", err)
		}
		t.Description = description.String
		t.AssignedTo = assignedTo.String
		t.CreatedAt = fromMillis(createdAt)
		t.UpdatedAt = fromMillis(updatedAt)
		tickets = append(tickets, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tickets: %w", err)
	}
	return tickets, nil
}

// AppendMessage stores one conversation turn.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *domain.Message) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	return withRetry(ctx, "append message", func() error {
		result, err := s.db.ExecContext(ctx, `
			INSERT INTO messages (session_id, role, content, tool_name, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			msg.SessionID, msg.Role, msg.Content, nullString(msg.ToolName), toMillis(msg.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		id, err := result.LastInsertId()
		if err != nil {
			return fmt.Errorf("message id: %w", err)
		}
		msg.ID = id
		return nil
	})
}

const messageColumns = `id, session_id, role, content, tool_name, created_at`

func scanMessage(scanner interface{ Scan(...interface{}) error }) (*domain.Message, error) {
	var m domain.Message
	var toolName sql.NullString
	var createdAt int64
	if err := scanner.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &toolName, &createdAt); err != nil {
		return nil, err
	}
	m.ToolName = toolName.String
	m.CreatedAt = fromMillis(createdAt)
	return &m, nil
}

// ListMessages returns every turn of a session ordered by time.
func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID string) ([]domain.Message, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+messageColumns+`
		FROM messages WHERE session_id = ? ORDER BY created_at ASC, id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer closeRows(rows, "messages")

	var messages []domain.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		messages = append(messages, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return messages, nil
}

// FirstMessageByRole returns the earliest turn of the given role.
func (s *SQLiteStore) FirstMessageByRole(ctx context.Context, sessionID, role string) (*domain.Message, error) {
	return s.messageByRole(ctx, sessionID, role, "ASC")
}

// LastMessageByRole returns the latest turn of the given role.
func (s *SQLiteStore) LastMessageByRole(ctx context.Context, sessionID, role string) (*domain.Message, error) {
	return s.messageByRole(ctx, sessionID, role, "DESC")
}

func (s *SQLiteStore) messageByRole(ctx context.Context, sessionID, role, direction string) (*domain.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages
		WHERE session_id = ? AND role = ?
		ORDER BY created_at ` + direction + `, id ` + direction + ` LIMIT 1`
	m, err := scanMessage(s.db.QueryRowContext(ctx, query, sessionID, role))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan %s message: %w", role, err)
	}
	return m, nil
}

// CountMessages returns the number of stored turns of a session.
func (s *SQLiteStore) CountMessages(ctx context.Context, sessionID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE session_id = ?`, sessionID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

// GetConversationMeta retrieves per-session bookkeeping.
func (s *SQLiteStore) GetConversationMeta(ctx context.Context, sessionID string) (*domain.ConversationMeta, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, user_id, assigned_specialist, specialist_confidence,
		       handoff_occurred, handoff_reason, tone_used, primary_intent,
		       created_at, updated_at
		FROM conversation_meta WHERE session_id = ?`, sessionID)

	var meta domain.ConversationMeta
	var userID sql.NullInt64
	var specialist, handoffReason, tone, intent sql.NullString
	var confidence sql.NullFloat64
	var createdAt, updatedAt int64

	err := row.Scan(&meta.SessionID, &userID, &specialist, &confidence,
		&meta.HandoffOccurred, &handoffReason, &tone, &intent,
		&createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan conversation meta: %w", err)
	}

	if userID.Valid {
		id := userID.Int64
		meta.UserID = &id
	}
	meta.AssignedSpecialist = specialist.String
	meta.SpecialistConfidence = confidence.Float64
	meta.HandoffReason = domain.HandoffReason(handoffReason.String)
	meta.ToneUsed = tone.String
	meta.PrimaryIntent = intent.String
	meta.CreatedAt = fromMillis(createdAt)
	meta.UpdatedAt = fromMillis(updatedAt)
	return &meta, nil
}

// upsertMeta inserts a conversation_meta row for sessionID if missing and
// then applies the given SET clause.
func (s *SQLiteStore) upsertMeta(ctx context.Context, op, sessionID, set string, args ...interface{}) error {
	now := toMillis(time.Now())
	update := `UPDATE conversation_meta SET ` + set + `, updated_at = ? WHERE session_id = ?`
	updateArgs := append(append([]interface{}{}, args...), now, sessionID)

	err := withRetry(ctx, op, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO conversation_meta (session_id, created_at, updated_at)
			VALUES (?, ?, ?)
			ON CONFLICT(session_id) DO NOTHING`, sessionID, now, now); err != nil {
			_ = tx.Rollback()
			return err
		}
		if _, err := tx.ExecContext(ctx, update, updateArgs...); err != nil {
			_ = tx.Rollback()
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// LinkSessionUser associates a session with a known customer.
func (s *SQLiteStore) LinkSessionUser(ctx context.Context, sessionID string, userID int64) error {
	return s.upsertMeta(ctx, "link session user", sessionID, `user_id = ?`, userID)
}

// RecordSpecialist stores the specialist the router picked for the latest turn.
func (s *SQLiteStore) RecordSpecialist(ctx context.Context, sessionID, specialist string, confidence float64) error {
	return s.upsertMeta(ctx, "record specialist", sessionID,
		`assigned_specialist = ?, specialist_confidence = ?`, specialist, confidence)
}

// RecordHandoff marks the session as handed off. The first reason wins.
func (s *SQLiteStore) RecordHandoff(ctx context.Context, sessionID string, reason domain.HandoffReason) error {
	return s.upsertMeta(ctx, "record handoff", sessionID,
		`handoff_occurred = 1, handoff_reason = COALESCE(handoff_reason, ?)`, string(reason))
}

// RecordTurnContext stores the tone used and, if none is stored yet, the primary intent.
func (s *SQLiteStore) RecordTurnContext(ctx context.Context, sessionID, tone, intent string) error {
	return s.upsertMeta(ctx, "record turn context", sessionID,
		`tone_used = COALESCE(?, tone_used), primary_intent = COALESCE(NULLIF(primary_intent, ''), ?)`,
		nullString(tone), nullString(intent))
}

// UpsertSessionInsights writes the analytics row of a closed session.
// The write runs in a transaction that is rolled back on failure.
func (s *SQLiteStore) UpsertSessionInsights(ctx context.Context, insight *domain.SessionInsights) error {
	toolCalls := insight.ToolCalls
	if toolCalls == nil {
		toolCalls = []string{}
	}
	toolCallsJSON, err := json.Marshal(toolCalls)
	if err != nil {
		return fmt.Errorf("marshal tool calls: %w", err)
	}

	var drift interface{}
	if insight.SentimentDrift != nil {
		drift = *insight.SentimentDrift
	}

	query := `
		INSERT INTO session_insights (
			session_id, user_id, sentiment_score, sentiment_label,
			sentiment_start, sentiment_end, sentiment_drift,
			assigned_specialist, specialist_confidence, intent_primary,
			handoff_occurred, handoff_reason, resolution_status, message_count,
			tool_calls_json, tone_used, closed_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			user_id = excluded.user_id,
			sentiment_score = excluded.sentiment_score,
			sentiment_label = excluded.sentiment_label,
			sentiment_start = excluded.sentiment_start,
			sentiment_end = excluded.sentiment_end,
			sentiment_drift = excluded.sentiment_drift,
			assigned_specialist = excluded.assigned_specialist,
			specialist_confidence = excluded.specialist_confidence,
			intent_primary = excluded.intent_primary,
			handoff_occurred = excluded.handoff_occurred,
			handoff_reason = excluded.handoff_reason,
			resolution_status = excluded.resolution_status,
			message_count = excluded.message_count,
			tool_calls_json = excluded.tool_calls_json,
			tone_used = excluded.tone_used,
			closed_at = excluded.closed_at,
			updated_at = excluded.updated_at`

	return withRetry(ctx, "upsert session insights", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin session insights tx: %w", err)
		}
		_, err = tx.ExecContext(ctx, query,
			insight.SessionID, nullInt64(insight.UserID), insight.SentimentScore, insight.SentimentLabel,
			insight.SentimentStart, insight.SentimentEnd, drift,
			nullString(insight.AssignedSpecialist), insight.SpecialistConfidence, nullString(insight.PrimaryIntent),
			boolToInt(insight.HandoffOccurred), nullString(string(insight.HandoffReason)),
			string(insight.ResolutionStatus), insight.MessageCount,
			string(toolCallsJSON), nullString(insight.ToneUsed),
			toMillis(insight.ClosedAt), toMillis(insight.UpdatedAt),
		)
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				slog.Warn("failed to roll back session insights", "session_id", insight.SessionID, "error", rbErr)
			}
			return fmt.Errorf("upsert session insights: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit session insights: %w", err)
		}
		return nil
	})
}

// ListSessionInsightsByUser returns a customer's insights ordered oldest to newest.
func (s *SQLiteStore) ListSessionInsightsByUser(ctx context.Context, userID int64) ([]domain.SessionInsights, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, user_id, sentiment_score, sentiment_label,
		       sentiment_start, sentiment_end, sentiment_drift,
		       assigned_specialist, specialist_confidence, intent_primary,
		       handoff_occurred, handoff_reason, resolution_status, message_count,
		       tool_calls_json, tone_used, closed_at, updated_at
		FROM session_insights WHERE user_id = ?
		ORDER BY closed_at ASC, session_id ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("query session insights: %w", err)
	}
	defer closeRows(rows, "session insights")

	var out []domain.SessionInsights
	for rows.Next() {
		var in domain.SessionInsights
		var uid sql.NullInt64
		var score, start, end, drift, confidence sql.NullFloat64
		var label, specialist, intent, reason, tone sql.NullString
		var handoff int
		var status, toolCallsJSON string
		var closedAt, updatedAt int64

		if err := rows.Scan(&in.SessionID, &uid, &score, &label,
			&start, &end, &drift,
			&specialist, &confidence, &intent,
			&handoff, &reason, &status, &in.MessageCount,
			&toolCallsJSON, &tone, &closedAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan session insights row: %w", err)
		}

		if uid.Valid {
			id := uid.Int64
			in.UserID = &id
		}
		in.SentimentScore = score.Float64
		in.SentimentLabel = label.String
		in.SentimentStart = start.Float64
		in.SentimentEnd = end.Float64
		if drift.Valid {
			d := drift.Float64
			in.SentimentDrift = &d
		}
		in.AssignedSpecialist = specialist.String
		in.SpecialistConfidence = confidence.Float64
		in.PrimaryIntent = intent.String
		in.HandoffOccurred = handoff != 0
		in.HandoffReason = domain.HandoffReason(reason.String)
		in.ResolutionStatus = domain.ResolutionStatus(status)
		in.ToneUsed = tone.String
		in.ClosedAt = fromMillis(closedAt)
		in.UpdatedAt = fromMillis(updatedAt)
		in.Persisted = true
		if err := json.Unmarshal([]byte(toolCallsJSON), &in.ToolCalls); err != nil {
			slog.Warn("invalid tool_calls_json in session insights", "session_id", in.SessionID, "error", err)
		}
		out = append(out, in)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session insights: %w", err)
	}
	return out, nil
}

// UpsertCustomerProfile creates or replaces a customer's derived profile.
func (s *SQLiteStore) UpsertCustomerProfile(ctx context.Context, p *domain.CustomerProfile) error {
	topics := p.TopicFrequency
	if topics == nil {
		topics = map[string]int{}
	}
	topicsJSON, err := json.Marshal(topics)
	if err != nil {
		return fmt.Errorf("marshal topic frequency: %w", err)
	}
	reasons := p.RiskReasons
	if reasons == nil {
		reasons = []string{}
	}
	reasonsJSON, err := json.Marshal(reasons)
	if err != nil {
		return fmt.Errorf("marshal risk reasons: %w", err)
	}

	var firstContact, lastContact interface{}
	if p.FirstContact != nil {
		firstContact = toMillis(*p.FirstContact)
	}
	if p.LastContact != nil {
		lastContact = toMillis(*p.LastContact)
	}

	query := `
		INSERT INTO customer_profiles (
			user_id, total_sessions, total_escalations, resolution_rate,
			weighted_sentiment, avg_sentiment_drift, topic_frequency_json,
			loyalty_tier, total_spend, risk_flag, risk_reasons_json,
			preferred_tone, first_contact, last_contact, last_resolution_status,
			updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			total_sessions = excluded.total_sessions,
			total_escalations = excluded.total_escalations,
			resolution_rate = excluded.resolution_rate,
			weighted_sentiment = excluded.weighted_sentiment,
			avg_sentiment_drift = excluded.avg_sentiment_drift,
			topic_frequency_json = excluded.topic_frequency_json,
			loyalty_tier = excluded.loyalty_tier,
			total_spend = excluded.total_spend,
			risk_flag = excluded.risk_flag,
			risk_reasons_json = excluded.risk_reasons_json,
			preferred_tone = excluded.preferred_tone,
			first_contact = excluded.first_contact,
			last_contact = excluded.last_contact,
			last_resolution_status = excluded.last_resolution_status,
			updated_at = excluded.updated_at`

	err = withRetry(ctx, "upsert customer profile", func() error {
		_, err := s.db.ExecContext(ctx, query,
			p.UserID, p.TotalSessions, p.TotalEscalations, p.ResolutionRate,
			p.WeightedSentiment, p.AvgSentimentDrift, string(topicsJSON),
			p.LoyaltyTier, p.TotalSpend, boolToInt(p.RiskFlag), string(reasonsJSON),
			nullString(p.PreferredTone), firstContact, lastContact, nullString(p.LastResolutionStatus),
			toMillis(p.UpdatedAt),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("upsert customer profile: %w", err)
	}
	return nil
}

// GetCustomerProfile retrieves a customer's derived profile.
func (s *SQLiteStore) GetCustomerProfile(ctx context.Context, userID int64) (*domain.CustomerProfile, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT user_id, total_sessions, total_escalations, resolution_rate,
		       weighted_sentiment, avg_sentiment_drift, topic_frequency_json,
		       loyalty_tier, total_spend, risk_flag, risk_reasons_json,
		       preferred_tone, first_contact, last_contact, last_resolution_status,
		       updated_at
		FROM customer_profiles WHERE user_id = ?`, userID)

	var p domain.CustomerProfile
	var topicsJSON, reasonsJSON string
	var riskFlag int
	var tone, lastStatus sql.NullString
	var firstContact, lastContact sql.NullInt64
	var updatedAt int64

	err := row.Scan(&p.UserID, &p.TotalSessions, &p.TotalEscalations, &p.ResolutionRate,
		&p.WeightedSentiment, &p.AvgSentimentDrift, &topicsJSON,
		&p.LoyaltyTier, &p.TotalSpend, &riskFlag, &reasonsJSON,
		&tone, &firstContact, &lastContact, &lastStatus, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan customer profile: %w", err)
	}

	if err := json.Unmarshal([]byte(topicsJSON), &p.TopicFrequency); err != nil {
		return nil, fmt.Errorf("decode topic frequency: %w", err)
	}
	if err := json.Unmarshal([]byte(reasonsJSON), &p.RiskReasons); err != nil {
		return nil, fmt.Errorf("decode risk reasons: %w", err)
	}
	p.RiskFlag = riskFlag != 0
	p.PreferredTone = tone.String
	p.LastResolutionStatus = lastStatus.String
	if firstContact.Valid {
		t := fromMillis(firstContact.Int64)
		p.FirstContact = &t
	}
	if lastContact.Valid {
		t := fromMillis(lastContact.Int64)
		p.LastContact = &t
	}
	p.UpdatedAt = fromMillis(updatedAt)
	return &p, nil
}

func closeRows(rows *sql.Rows, what string) {
	if err := rows.Close(); err != nil {
		slog.Warn("failed to close rows", "table", what, "error", err)
	}
}
