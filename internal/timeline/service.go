package timeline

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("timeline: not found")
	// ErrDuplicate is returned when an insert collides with an idempotency key.
	ErrDuplicate = errors.New("timeline: duplicate key")
)

type TimelineService struct {
	db  *sql.DB
	now func() time.Time
}

func NewTimelineService(dbPath string) (*TimelineService, error) {
	db, err := sql.Open("sqlite", "file:"+dbPath+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open timeline db: %w", err)
	}

	// Apply schema
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	// Best-effort migrations for dbs created before delivery tracking.
	_, _ = db.Exec(`ALTER TABLE messages ADD COLUMN delivery_error TEXT`)
	_, _ = db.Exec(`ALTER TABLE messages ADD COLUMN external_ref TEXT`)

	return &TimelineService{db: db, now: time.Now}, nil
}

// DB exposes the underlying handle so co-located stores can share the file.
func (s *TimelineService) DB() *sql.DB { return s.db }

func (s *TimelineService) Close() error {
	return s.db.Close()
}

// IsUniqueViolation reports whether err is a SQLite unique-constraint failure.
func IsUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func newID(prefix string) string {
	var b [12]byte
	if _, err := rand.Read(b[:]); err == nil {
		return prefix + hex.EncodeToString(b[:])
	}
	return fmt.Sprintf("%s%d", prefix, time.Now().UnixNano())
}

func ms(t time.Time) int64 { return t.UnixMilli() }

func fromMS(v int64) time.Time { return time.UnixMilli(v) }

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// ---------------------------------------------------------------------------
// Conversations
// ---------------------------------------------------------------------------

// EnsureConversation returns the conversation for (channel, address),
// creating it if needed. Concurrent callers converge on one row.
func (s *TimelineService) EnsureConversation(ctx context.Context, channel, address string) (*Conversation, error) {
	now := ms(s.now())
	_, err := s.db.ExecContext(ctx, `INSERT INTO conversations (id, channel, external_address, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(channel, external_address) DO NOTHING`,
		newID("conv-"), channel, address, ConversationOpen, now, now)
	if err != nil {
		return nil, fmt.Errorf("ensure conversation: %w", err)
	}
	row := s.db.QueryRowContext(ctx, conversationSelect+` WHERE channel = ? AND external_address = ?`, channel, address)
	return scanConversation(row)
}

const conversationSelect = `SELECT id, channel, external_address, COALESCE(customer_id,''), status, created_at, updated_at FROM conversations`

// GetConversation returns a conversation by id.
func (s *TimelineService) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, conversationSelect+` WHERE id = ?`, id)
	return scanConversation(row)
}

func scanConversation(row *sql.Row) (*Conversation, error) {
	var c Conversation
	var created, updated int64
	err := row.Scan(&c.ID, &c.Channel, &c.ExternalAddress, &c.CustomerID, &c.Status, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan conversation: %w", err)
	}
	c.CreatedAt = fromMS(created)
	c.UpdatedAt = fromMS(updated)
	return &c, nil
}

// SetConversationCustomer binds the canonical customer id to a conversation.
func (s *TimelineService) SetConversationCustomer(ctx context.Context, id, customerID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE conversations SET customer_id = ?, updated_at = ? WHERE id = ?`,
		customerID, ms(s.now()), id)
	if err != nil {
		return fmt.Errorf("set conversation customer: %w", err)
	}
	return nil
}

// UpdateConversationStatus records the disposition of the latest turn.
func (s *TimelineService) UpdateConversationStatus(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE conversations SET status = ?, updated_at = ? WHERE id = ?`,
		status, ms(s.now()), id)
	if err != nil {
		return fmt.Errorf("update conversation status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ---------------------------------------------------------------------------
// Messages
// ---------------------------------------------------------------------------

const messageSelect = `SELECT id, message_id, conversation_id, direction, provider, provider_message_id,
	COALESCE(from_address,''), COALESCE(to_address,''), COALESCE(body_text,''), COALESCE(body_json,''),
	COALESCE(delivery_status,''), delivery_attempts, delivery_next_at, COALESCE(delivery_error,''),
	COALESCE(external_ref,''), created_at
	FROM messages`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*Message, error) {
	var m Message
	var nextAt sql.NullInt64
	var created int64
	err := row.Scan(&m.ID, &m.MessageID, &m.ConversationID, &m.Direction, &m.Provider, &m.ProviderMessageID,
		&m.FromAddress, &m.ToAddress, &m.BodyText, &m.BodyJSON,
		&m.DeliveryStatus, &m.DeliveryAttempts, &nextAt, &m.DeliveryError,
		&m.ExternalRef, &created)
	if err != nil {
		return nil, err
	}
	if nextAt.Valid {
		t := fromMS(nextAt.Int64)
		m.DeliveryNextAt = &t
	}
	m.CreatedAt = fromMS(created)
	return &m, nil
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	defer rows.Close()
	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

func (s *TimelineService) insertMessage(ctx context.Context, m *Message) error {
	if m.MessageID == "" {
		m.MessageID = newID("msg-")
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now()
	}
	var nextAt any
	if m.DeliveryNextAt != nil {
		nextAt = ms(*m.DeliveryNextAt)
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO messages (message_id, conversation_id, direction, provider,
		provider_message_id, from_address, to_address, body_text, body_json, delivery_status,
		delivery_attempts, delivery_next_at, external_ref, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.MessageID, m.ConversationID, m.Direction, m.Provider, m.ProviderMessageID,
		m.FromAddress, m.ToAddress, m.BodyText, nullable(m.BodyJSON), nullable(m.DeliveryStatus),
		m.DeliveryAttempts, nextAt, nullable(m.ExternalRef), ms(m.CreatedAt))
	if err != nil {
		if IsUniqueViolation(err) {
			return ErrDuplicate
		}
		return err
	}
	m.ID, _ = res.LastInsertId()
	return nil
}

// RecordInbound stores an inbound message. A retry with the same
// (provider, providerMessageID) returns the existing row and created=false.
func (s *TimelineService) RecordInbound(ctx context.Context, m *Message) (*Message, bool, error) {
	m.Direction = DirectionInbound
	if m.ProviderMessageID == "" {
		m.ProviderMessageID = newID("in-")
	}
	err := s.insertMessage(ctx, m)
	if errors.Is(err, ErrDuplicate) {
		existing, gerr := s.GetMessageByKey(ctx, m.Provider, m.ProviderMessageID)
		if gerr != nil {
			return nil, false, fmt.Errorf("record inbound: %w", gerr)
		}
		if existing == nil {
			return nil, false, fmt.Errorf("record inbound: %w", err)
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("record inbound: %w", err)
	}
	return m, true, nil
}

// InsertOutbound stores an outbound reply keyed by (provider,
// providerMessageID). Returns ErrDuplicate if the key already exists.
func (s *TimelineService) InsertOutbound(ctx context.Context, m *Message) (*Message, error) {
	m.Direction = DirectionOutbound
	if m.DeliveryStatus == "" {
		m.DeliveryStatus = DeliveryPending
	}
	if err := s.insertMessage(ctx, m); err != nil {
		if errors.Is(err, ErrDuplicate) {
			return nil, ErrDuplicate
		}
		return nil, fmt.Errorf("insert outbound: %w", err)
	}
	return m, nil
}

// GetMessage returns a message by its message id.
func (s *TimelineService) GetMessage(ctx context.Context, messageID string) (*Message, error) {
	m, err := scanMessage(s.db.QueryRowContext(ctx, messageSelect+` WHERE message_id = ?`, messageID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	return m, nil
}

// GetMessageByKey returns the message stored under an idempotency key.
// Returns (nil, nil) if not found.
func (s *TimelineService) GetMessageByKey(ctx context.Context, provider, providerMessageID string) (*Message, error) {
	if providerMessageID == "" {
		return nil, nil
	}
	m, err := scanMessage(s.db.QueryRowContext(ctx, messageSelect+` WHERE provider = ? AND provider_message_id = ?`,
		provider, providerMessageID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get message by key: %w", err)
	}
	return m, nil
}

// ListRecentMessages returns up to limit messages before the given row id,
// oldest first. A zero beforeID lists the newest messages.
func (s *TimelineService) ListRecentMessages(ctx context.Context, conversationID string, beforeID int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 10
	}
	query := messageSelect + ` WHERE conversation_id = ?`
	args := []any{conversationID}
	if beforeID > 0 {
		query += ` AND id < ?`
		args = append(args, beforeID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list recent messages: %w", err)
	}
	out, err := scanMessages(rows)
	if err != nil {
		return nil, fmt.Errorf("list recent messages: %w", err)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// LastOutbound returns the most recent outbound message of a conversation.
// Returns (nil, nil) if there is none.
func (s *TimelineService) LastOutbound(ctx context.Context, conversationID string) (*Message, error) {
	m, err := scanMessage(s.db.QueryRowContext(ctx, messageSelect+`
		WHERE conversation_id = ? AND direction = 'outbound' ORDER BY id DESC LIMIT 1`, conversationID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("last outbound: %w", err)
	}
	return m, nil
}

// MarkOutboundDelivery records a delivery attempt outcome and increments
// the attempt counter.
func (s *TimelineService) MarkOutboundDelivery(ctx context.Context, messageID, status, externalRef, errText string, nextAt *time.Time) error {
	var next any
	if nextAt != nil {
		next = ms(*nextAt)
	}
	_, err := s.db.ExecContext(ctx, `UPDATE messages SET delivery_status = ?, delivery_attempts = delivery_attempts + 1,
		delivery_next_at = ?, delivery_error = ?, external_ref = COALESCE(?, external_ref)
		WHERE message_id = ?`,
		status, next, nullable(errText), nullable(externalRef), messageID)
	if err != nil {
		return fmt.Errorf("mark outbound delivery: %w", err)
	}
	return nil
}

// UpdateOutboundBody replaces the JSON body of a stored outbound message.
// The text that was sent is left alone.
func (s *TimelineService) UpdateOutboundBody(ctx context.Context, messageID, bodyJSON string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE messages SET body_json = ?
		WHERE message_id = ? AND direction = 'outbound'`, bodyJSON, messageID)
	if err != nil {
		return fmt.Errorf("update outbound body: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListPendingOutbound returns outbound messages that still need delivery.
func (s *TimelineService) ListPendingOutbound(ctx context.Context, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, messageSelect+`
		WHERE direction = 'outbound' AND delivery_status IN ('pending', 'failed')
			AND (delivery_next_at IS NULL OR delivery_next_at <= ?)
		ORDER BY id ASC LIMIT ?`, ms(s.now()), limit)
	if err != nil {
		return nil, fmt.Errorf("list pending outbound: %w", err)
	}
	out, err := scanMessages(rows)
	if err != nil {
		return nil, fmt.Errorf("list pending outbound: %w", err)
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Customers and identity links
// ---------------------------------------------------------------------------

// UpsertCustomer inserts or replaces a customer.
func (s *TimelineService) UpsertCustomer(ctx context.Context, c *Customer) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO customers (id, full_name, phone, email, kba_question, kba_answer_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET full_name = excluded.full_name, phone = excluded.phone,
			email = excluded.email, kba_question = excluded.kba_question, kba_answer_hash = excluded.kba_answer_hash`,
		c.ID, c.FullName, nullable(c.Phone), nullable(c.Email), nullable(c.KBAQuestion), nullable(c.KBAAnswerHash), ms(c.CreatedAt))
	if err != nil {
		return fmt.Errorf("upsert customer: %w", err)
	}
	return nil
}

const customerSelect = `SELECT id, full_name, COALESCE(phone,''), COALESCE(email,''),
	COALESCE(kba_question,''), COALESCE(kba_answer_hash,''), created_at FROM customers`

func scanCustomer(row rowScanner) (*Customer, error) {
	var c Customer
	var created int64
	if err := row.Scan(&c.ID, &c.FullName, &c.Phone, &c.Email, &c.KBAQuestion, &c.KBAAnswerHash, &created); err != nil {
		return nil, err
	}
	c.CreatedAt = fromMS(created)
	return &c, nil
}

// GetCustomer returns a customer by id.
func (s *TimelineService) GetCustomer(ctx context.Context, id string) (*Customer, error) {
	c, err := scanCustomer(s.db.QueryRowContext(ctx, customerSelect+` WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get customer: %w", err)
	}
	return c, nil
}

// FindCustomersByAddress returns customers whose contact details match a
// normalized channel address. Email channels match on email; everything
// else matches on phone.
func (s *TimelineService) FindCustomersByAddress(ctx context.Context, channel, address string) ([]Customer, error) {
	column := "phone"
	if channel == "email" {
		column = "email"
	}
	rows, err := s.db.QueryContext(ctx, customerSelect+` WHERE `+column+` = ? ORDER BY id`, address)
	if err != nil {
		return nil, fmt.Errorf("find customers: %w", err)
	}
	defer rows.Close()
	var out []Customer
	for rows.Next() {
		c, err := scanCustomer(rows)
		if err != nil {
			return nil, fmt.Errorf("find customers: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// GetIdentityLink returns the link for a channel address. Returns (nil, nil)
// if not found.
func (s *TimelineService) GetIdentityLink(ctx context.Context, channel, address string) (*IdentityLink, error) {
	var l IdentityLink
	var updated int64
	err := s.db.QueryRowContext(ctx, `SELECT channel, address, customer_id, verified, updated_at
		FROM identity_links WHERE channel = ? AND address = ?`, channel, address).
		Scan(&l.Channel, &l.Address, &l.CustomerID, &l.Verified, &updated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get identity link: %w", err)
	}
	l.UpdatedAt = fromMS(updated)
	return &l, nil
}

// BindIdentityLink upserts a link. Safe to call from concurrent runs.
func (s *TimelineService) BindIdentityLink(ctx context.Context, l *IdentityLink) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO identity_links (channel, address, customer_id, verified, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(channel, address) DO UPDATE SET customer_id = excluded.customer_id,
			verified = excluded.verified, updated_at = excluded.updated_at`,
		l.Channel, l.Address, l.CustomerID, l.Verified, ms(s.now()))
	if err != nil {
		return fmt.Errorf("bind identity link: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Audit and policy log
// ---------------------------------------------------------------------------

// AppendAudit stores an already-redacted audit event.
func (s *TimelineService) AppendAudit(ctx context.Context, rec *AuditRecord) error {
	if rec.EventID == "" {
		rec.EventID = newID("evt-")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	if rec.Version == 0 {
		rec.Version = 1
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO audit_events (event_id, conversation_id, message_id, actor_type,
		event_type, version, input_redacted, output_redacted, success, error_code, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.EventID, rec.ConversationID, nullable(rec.MessageID), rec.ActorType, rec.EventType, rec.Version,
		nullable(rec.InputRedacted), nullable(rec.OutputRedacted), rec.Success, nullable(rec.ErrorCode), ms(rec.CreatedAt))
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

// ListAudit returns all audit events of a conversation in append order.
func (s *TimelineService) ListAudit(ctx context.Context, conversationID string) ([]AuditRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, event_id, conversation_id, COALESCE(message_id,''), actor_type,
		event_type, version, COALESCE(input_redacted,''), COALESCE(output_redacted,''), success,
		COALESCE(error_code,''), created_at
		FROM audit_events WHERE conversation_id = ? ORDER BY id ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()
	var out []AuditRecord
	for rows.Next() {
		var r AuditRecord
		var created int64
		if err := rows.Scan(&r.ID, &r.EventID, &r.ConversationID, &r.MessageID, &r.ActorType,
			&r.EventType, &r.Version, &r.InputRedacted, &r.OutputRedacted, &r.Success,
			&r.ErrorCode, &created); err != nil {
			return nil, fmt.Errorf("list audit: %w", err)
		}
		r.CreatedAt = fromMS(created)
		out = append(out, r)
	}
	return out, rows.Err()
}

// LogPolicyDecision records a tool-permission evaluation.
func (s *TimelineService) LogPolicyDecision(ctx context.Context, rec *PolicyDecisionRecord) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO policy_decisions (conversation_id, message_id, tool, tier,
		customer_id, channel, auth_level, allowed, code, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ConversationID, rec.MessageID, rec.Tool, rec.Tier, rec.CustomerID, rec.Channel,
		rec.AuthLevel, rec.Allowed, rec.Code, rec.Reason, ms(s.now()))
	return err
}

// ListPolicyDecisions returns policy decisions for a conversation.
func (s *TimelineService) ListPolicyDecisions(ctx context.Context, conversationID string) ([]PolicyDecisionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, COALESCE(conversation_id,''), COALESCE(message_id,''), tool, tier,
		COALESCE(customer_id,''), COALESCE(channel,''), COALESCE(auth_level,''), allowed,
		COALESCE(code,''), COALESCE(reason,''), created_at
		FROM policy_decisions WHERE conversation_id = ? ORDER BY id ASC`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []PolicyDecisionRecord
	for rows.Next() {
		var r PolicyDecisionRecord
		var created int64
		if err := rows.Scan(&r.ID, &r.ConversationID, &r.MessageID, &r.Tool, &r.Tier,
			&r.CustomerID, &r.Channel, &r.AuthLevel, &r.Allowed, &r.Code, &r.Reason, &created); err != nil {
			return nil, err
		}
		r.CreatedAt = fromMS(created)
		out = append(out, r)
	}
	return out, rows.Err()
}
