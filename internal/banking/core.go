// Package banking reads and mutates core-banking records and projects them
// into the permission-filtered summary handed to policy agents.
package banking

import (
	"context"
	"errors"
	"time"
)

var (
	ErrCardNotFound  = errors.New("banking: card not found")
	ErrCardNotActive = errors.New("banking: card not active")
)

// Card statuses.
const (
	CardActive = "active"
	CardFrozen = "frozen"
	CardClosed = "closed"
)

// Account is a deposit account. Money is in minor units.
type Account struct {
	ID             string
	CustomerID     string
	Kind           string
	Number         string
	Currency       string
	BalanceMinor   int64
	AvailableMinor int64
}

// Card is a payment card. Only the last four digits are ever stored.
type Card struct {
	ID         string
	CustomerID string
	AccountID  string
	Brand      string
	Last4      string
	Status     string
	FrozenAt   *time.Time
}

// Transaction is a posted account movement.
type Transaction struct {
	ID          string
	AccountID   string
	PostedAt    time.Time
	Description string
	AmountMinor int64
	Currency    string
}

// FraudCase is a customer-reported fraud investigation.
type FraudCase struct {
	ID              string
	CustomerID      string
	SourceMessageID string
	Description     string
	AmountMinor     *int64
	Currency        string
	Priority        string
	Status          string
	CreatedAt       time.Time
}

// Core is the core-banking backend.
type Core interface {
	Accounts(ctx context.Context, customerID string) ([]Account, error)
	Cards(ctx context.Context, customerID string) ([]Card, error)
	Transactions(ctx context.Context, customerID string, limit int) ([]Transaction, error)
	// FreezeCard freezes an active card owned by the customer.
	FreezeCard(ctx context.Context, customerID, cardID, reason string) (*Card, error)
	// OpenFraudCase is idempotent on SourceMessageID: a retry returns the
	// existing case and created=false.
	OpenFraudCase(ctx context.Context, fc *FraudCase) (*FraudCase, bool, error)
}
