package banking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresCore is a core-banking backend on Postgres.
type PostgresCore struct {
	pool *pgxpool.Pool
}

// NewPostgresCore connects and ensures the banking schema exists.
func NewPostgresCore(ctx context.Context, databaseURL string) (*PostgresCore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initBankingSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresCore{pool: pool}, nil
}

func initBankingSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS bank_accounts (
			id TEXT PRIMARY KEY,
			customer_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			number TEXT NOT NULL,
			currency TEXT NOT NULL,
			balance_minor BIGINT NOT NULL DEFAULT 0,
			available_minor BIGINT NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS idx_bank_accounts_customer ON bank_accounts (customer_id);`,
		`CREATE TABLE IF NOT EXISTS bank_cards (
			id TEXT PRIMARY KEY,
			customer_id TEXT NOT NULL,
			account_id TEXT NOT NULL REFERENCES bank_accounts(id),
			brand TEXT NOT NULL,
			last4 TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'active',
			frozen_reason TEXT NULL,
			frozen_at TIMESTAMPTZ NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_bank_cards_customer ON bank_cards (customer_id);`,
		`CREATE TABLE IF NOT EXISTS bank_transactions (
			id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL REFERENCES bank_accounts(id),
			posted_at TIMESTAMPTZ NOT NULL,
			description TEXT NOT NULL,
			amount_minor BIGINT NOT NULL,
			currency TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_bank_transactions_account ON bank_transactions (account_id, posted_at DESC);`,
		`CREATE TABLE IF NOT EXISTS fraud_cases (
			id TEXT PRIMARY KEY,
			customer_id TEXT NOT NULL,
			source_message_id TEXT UNIQUE,
			description TEXT NOT NULL,
			amount_minor BIGINT NULL,
			currency TEXT NULL,
			priority TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init banking schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

// Close releases the pool.
func (c *PostgresCore) Close() { c.pool.Close() }

func (c *PostgresCore) Accounts(ctx context.Context, customerID string) ([]Account, error) {
	rows, err := c.pool.Query(ctx, `SELECT id, customer_id, kind, number, currency, balance_minor, available_minor
		FROM bank_accounts WHERE customer_id = $1 ORDER BY id`, customerID)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()
	var out []Account
	for rows.Next() {
		var a Account
		if err := rows.Scan(&a.ID, &a.CustomerID, &a.Kind, &a.Number, &a.Currency, &a.BalanceMinor, &a.AvailableMinor); err != nil {
			return nil, fmt.Errorf("list accounts: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (c *PostgresCore) Cards(ctx context.Context, customerID string) ([]Card, error) {
	rows, err := c.pool.Query(ctx, `SELECT id, customer_id, account_id, brand, last4, status, frozen_at
		FROM bank_cards WHERE customer_id = $1 ORDER BY id`, customerID)
	if err != nil {
		return nil, fmt.Errorf("list cards: %w", err)
	}
	defer rows.Close()
	var out []Card
	for rows.Next() {
		var card Card
		if err := rows.Scan(&card.ID, &card.CustomerID, &card.AccountID, &card.Brand, &card.Last4, &card.Status, &card.FrozenAt); err != nil {
			return nil, fmt.Errorf("list cards: %w", err)
		}
		out = append(out, card)
	}
	return out, rows.Err()
}

func (c *PostgresCore) Transactions(ctx context.Context, customerID string, limit int) ([]Transaction, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := c.pool.Query(ctx, `SELECT t.id, t.account_id, t.posted_at, t.description, t.amount_minor, t.currency
		FROM bank_transactions t JOIN bank_accounts a ON a.id = t.account_id
		WHERE a.customer_id = $1 ORDER BY t.posted_at DESC LIMIT $2`, customerID, limit)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()
	var out []Transaction
	for rows.Next() {
		var t Transaction
		if err := rows.Scan(&t.ID, &t.AccountID, &t.PostedAt, &t.Description, &t.AmountMinor, &t.Currency); err != nil {
			return nil, fmt.Errorf("list transactions: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (c *PostgresCore) FreezeCard(ctx context.Context, customerID, cardID, reason string) (*Card, error) {
	var card Card
	err := c.pool.QueryRow(ctx, `UPDATE bank_cards SET status = 'frozen', frozen_reason = $3, frozen_at = NOW()
		WHERE id = $1 AND customer_id = $2 AND status = 'active'
		RETURNING id, customer_id, account_id, brand, last4, status, frozen_at`,
		cardID, customerID, reason).
		Scan(&card.ID, &card.CustomerID, &card.AccountID, &card.Brand, &card.Last4, &card.Status, &card.FrozenAt)
	if errors.Is(err, pgx.ErrNoRows) {
		var status string
		lookupErr := c.pool.QueryRow(ctx, `SELECT status FROM bank_cards WHERE id = $1 AND customer_id = $2`,
			cardID, customerID).Scan(&status)
		if errors.Is(lookupErr, pgx.ErrNoRows) {
			return nil, ErrCardNotFound
		}
		if lookupErr != nil {
			return nil, fmt.Errorf("freeze card: %w", lookupErr)
		}
		return nil, ErrCardNotActive
	}
	if err != nil {
		return nil, fmt.Errorf("freeze card: %w", err)
	}
	return &card, nil
}

func (c *PostgresCore) OpenFraudCase(ctx context.Context, fc *FraudCase) (*FraudCase, bool, error) {
	out := *fc
	out.ID = "FC-" + strings.ToUpper(uuid.NewString()[:8])
	out.CreatedAt = time.Now().UTC()
	if out.Status == "" {
		out.Status = "open"
	}
	if out.Priority == "" {
		out.Priority = "high"
	}
	var source *string
	if out.SourceMessageID != "" {
		source = &out.SourceMessageID
	}
	var currency *string
	if out.Currency != "" {
		currency = &out.Currency
	}

	tag, err := c.pool.Exec(ctx, `INSERT INTO fraud_cases (id, customer_id, source_message_id, description,
		amount_minor, currency, priority, status, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (source_message_id) DO NOTHING`,
		out.ID, out.CustomerID, source, out.Description, out.AmountMinor, currency, out.Priority, out.Status, out.CreatedAt)
	if err != nil {
		return nil, false, fmt.Errorf("open fraud case: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return &out, true, nil
	}

	var existing FraudCase
	var existingCurrency *string
	err = c.pool.QueryRow(ctx, `SELECT id, customer_id, source_message_id, description, amount_minor, currency,
		priority, status, created_at FROM fraud_cases WHERE source_message_id = $1`, out.SourceMessageID).
		Scan(&existing.ID, &existing.CustomerID, &existing.SourceMessageID, &existing.Description,
			&existing.AmountMinor, &existingCurrency, &existing.Priority, &existing.Status, &existing.CreatedAt)
	if err != nil {
		return nil, false, fmt.Errorf("load existing fraud case: %w", err)
	}
	if existingCurrency != nil {
		existing.Currency = *existingCurrency
	}
	return &existing, false, nil
}
