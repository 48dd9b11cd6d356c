// Package authsession stores conversation-scoped step-up authentication
// sessions. A conversation's auth level comes only from a verified,
// unexpired session held here.
package authsession

import (
	"context"
	"errors"
	"time"
)

// Level is the authentication level of a conversation.
type Level string

const (
	LevelNone Level = "none"
	LevelOTP  Level = "otp"
	LevelKBA  Level = "kba"
)

// Rank orders levels: none < otp < kba.
func (l Level) Rank() int {
	switch l {
	case LevelOTP:
		return 1
	case LevelKBA:
		return 2
	default:
		return 0
	}
}

// AtLeast reports whether l satisfies the required level.
func (l Level) AtLeast(required Level) bool { return l.Rank() >= required.Rank() }

// Max returns the higher of two levels.
func Max(a, b Level) Level {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// ParseLevel maps a string to a Level, defaulting to LevelNone.
func ParseLevel(s string) Level {
	switch Level(s) {
	case LevelOTP, LevelKBA:
		return Level(s)
	default:
		return LevelNone
	}
}

// Status is the lifecycle state of a session.
type Status string

const (
	StatusPending  Status = "pending"
	StatusVerified Status = "verified"
	StatusLocked   Status = "locked"
	StatusExpired  Status = "expired"
)

var (
	// ErrNotFound is returned when a conversation has no session.
	ErrNotFound = errors.New("authsession: not found")
	// ErrAlreadyExists is returned by Create when a pending challenge exists.
	ErrAlreadyExists = errors.New("authsession: pending session already exists")
)

// Session is one challenge/response attempt for a conversation.
type Session struct {
	ID              string     `json:"id"`
	ConversationID  string     `json:"conversationId"`
	CustomerID      string     `json:"customerId"`
	Method          Level      `json:"method"`
	Status          Status     `json:"status"`
	SecretHash      string     `json:"secretHash"`
	Attempts        int        `json:"attempts"`
	MaxAttempts     int        `json:"maxAttempts"`
	PendingQuestion string     `json:"pendingQuestion,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	VerifiedAt      *time.Time `json:"verifiedAt,omitempty"`
	// ExpiresAt is the code deadline while pending and the end of the
	// elevated level once verified.
	ExpiresAt time.Time `json:"expiresAt"`
}

// PendingAt reports whether the session still accepts answers.
func (s *Session) PendingAt(now time.Time) bool {
	return s.Status == StatusPending && now.Before(s.ExpiresAt)
}

// LevelAt returns the level this session grants at the given time.
func (s *Session) LevelAt(now time.Time) Level {
	if s.Status != StatusVerified || !now.Before(s.ExpiresAt) {
		return LevelNone
	}
	return s.Method
}

// RemainingAttempts returns how many answers are still accepted.
func (s *Session) RemainingAttempts() int {
	if r := s.MaxAttempts - s.Attempts; r > 0 {
		return r
	}
	return 0
}

// Store persists sessions keyed by conversation id.
type Store interface {
	// Latest returns the most recently created session of a conversation.
	Latest(ctx context.Context, conversationID string) (*Session, error)
	// CurrentLevel returns the highest level among verified sessions that
	// have not expired at now.
	CurrentLevel(ctx context.Context, conversationID string, now time.Time) (Level, error)
	// Create inserts a pending session. Returns ErrAlreadyExists if the
	// conversation already has a pending one.
	Create(ctx context.Context, s *Session) error
	// Save persists a status/attempt change of an existing session.
	Save(ctx context.Context, s *Session) error
	// RevokeVerified ends every verified session of a conversation.
	RevokeVerified(ctx context.Context, conversationID string, now time.Time) error
}
