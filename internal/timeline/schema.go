package timeline

import (
	"time"
)

// Conversation is one thread with a customer on one channel address.
type Conversation struct {
	ID              string    `json:"id"`
	Channel         string    `json:"channel"`
	ExternalAddress string    `json:"external_address"`
	CustomerID      string    `json:"customer_id,omitempty"`
	Status          string    `json:"status"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Message is one inbound or outbound record in a conversation.
type Message struct {
	ID                int64      `json:"id"`
	MessageID         string     `json:"message_id"`
	ConversationID    string     `json:"conversation_id"`
	Direction         string     `json:"direction"`           // inbound, outbound
	Provider          string     `json:"provider"`            // e.g. whatsapp, voice, email
	ProviderMessageID string     `json:"provider_message_id"` // outbound: "OUT-" + inbound message id
	FromAddress       string     `json:"from_address"`
	ToAddress         string     `json:"to_address"`
	BodyText          string     `json:"body_text"`
	BodyJSON          string     `json:"body_json,omitempty"`
	DeliveryStatus    string     `json:"delivery_status,omitempty"`
	DeliveryAttempts  int        `json:"delivery_attempts"`
	DeliveryNextAt    *time.Time `json:"delivery_next_at,omitempty"`
	DeliveryError     string     `json:"delivery_error,omitempty"`
	ExternalRef       string     `json:"external_ref,omitempty"` // gateway message id
	CreatedAt         time.Time  `json:"created_at"`
}

// Customer is a bank customer known to the assistant.
type Customer struct {
	ID            string    `json:"id"`
	FullName      string    `json:"full_name"`
	Phone         string    `json:"phone,omitempty"`
	Email         string    `json:"email,omitempty"`
	KBAQuestion   string    `json:"kba_question,omitempty"`
	KBAAnswerHash string    `json:"-"`
	CreatedAt     time.Time `json:"created_at"`
}

// IdentityLink binds a channel address to a customer.
type IdentityLink struct {
	Channel    string    `json:"channel"`
	Address    string    `json:"address"`
	CustomerID string    `json:"customer_id"`
	Verified   bool      `json:"verified"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// AuditRecord is a stored, already-redacted audit event.
type AuditRecord struct {
	ID             int64     `json:"id"`
	EventID        string    `json:"event_id"`
	ConversationID string    `json:"conversation_id"`
	MessageID      string    `json:"message_id,omitempty"`
	ActorType      string    `json:"actor_type"`
	EventType      string    `json:"event_type"`
	Version        int       `json:"version"`
	InputRedacted  string    `json:"input_redacted,omitempty"`
	OutputRedacted string    `json:"output_redacted,omitempty"`
	Success        bool      `json:"success"`
	ErrorCode      string    `json:"error_code,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// PolicyDecisionRecord is a logged tool-permission evaluation.
type PolicyDecisionRecord struct {
	ID             int64     `json:"id"`
	ConversationID string    `json:"conversation_id"`
	MessageID      string    `json:"message_id"`
	Tool           string    `json:"tool"`
	Tier           int       `json:"tier"`
	CustomerID     string    `json:"customer_id"`
	Channel        string    `json:"channel"`
	AuthLevel      string    `json:"auth_level"`
	Allowed        bool      `json:"allowed"`
	Code           string    `json:"code"`
	Reason         string    `json:"reason"`
	CreatedAt      time.Time `json:"created_at"`
}

const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"

	DeliveryPending = "pending"
	DeliverySent    = "sent"
	DeliveryFailed  = "failed"
	// DeliveryAbandoned is terminal: the retry worker gave up.
	DeliveryAbandoned = "abandoned"

	ConversationOpen                = "open"
	ConversationPendingVerification = "pending_verification"
	ConversationEscalated           = "escalated"
)

// Schema creates the record-store tables. Timestamps are unix milliseconds.
const Schema = `
CREATE TABLE IF NOT EXISTS customers (
	id TEXT PRIMARY KEY,
	full_name TEXT NOT NULL DEFAULT '',
	phone TEXT,
	email TEXT,
	kba_question TEXT,
	kba_answer_hash TEXT,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_customers_phone ON customers(phone);
CREATE INDEX IF NOT EXISTS idx_customers_email ON customers(email);

CREATE TABLE IF NOT EXISTS identity_links (
	channel TEXT NOT NULL,
	address TEXT NOT NULL,
	customer_id TEXT NOT NULL,
	verified BOOLEAN NOT NULL DEFAULT 0,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (channel, address)
);

CREATE TABLE IF NOT EXISTS conversations (
	id TEXT PRIMARY KEY,
	channel TEXT NOT NULL,
	external_address TEXT NOT NULL,
	customer_id TEXT,
	status TEXT NOT NULL DEFAULT 'open',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	UNIQUE (channel, external_address)
);

CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	message_id TEXT UNIQUE NOT NULL,
	conversation_id TEXT NOT NULL REFERENCES conversations(id),
	direction TEXT NOT NULL,
	provider TEXT NOT NULL,
	provider_message_id TEXT NOT NULL,
	from_address TEXT,
	to_address TEXT,
	body_text TEXT,
	body_json TEXT,
	delivery_status TEXT,
	delivery_attempts INTEGER NOT NULL DEFAULT 0,
	delivery_next_at INTEGER,
	delivery_error TEXT,
	external_ref TEXT,
	created_at INTEGER NOT NULL,
	UNIQUE (provider, provider_message_id)
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, id);
CREATE INDEX IF NOT EXISTS idx_messages_delivery ON messages(direction, delivery_status, delivery_next_at);

CREATE TABLE IF NOT EXISTS audit_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_id TEXT UNIQUE NOT NULL,
	conversation_id TEXT NOT NULL,
	message_id TEXT,
	actor_type TEXT NOT NULL,
	event_type TEXT NOT NULL,
	version INTEGER NOT NULL DEFAULT 1,
	input_redacted TEXT,
	output_redacted TEXT,
	success BOOLEAN NOT NULL,
	error_code TEXT,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_conversation ON audit_events(conversation_id, id);

CREATE TABLE IF NOT EXISTS policy_decisions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	conversation_id TEXT,
	message_id TEXT,
	tool TEXT NOT NULL,
	tier INTEGER NOT NULL,
	customer_id TEXT,
	channel TEXT,
	auth_level TEXT,
	allowed BOOLEAN NOT NULL,
	code TEXT,
	reason TEXT,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_policy_conversation ON policy_decisions(conversation_id);
`
