package banking

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const sqlSchema = `
CREATE TABLE IF NOT EXISTS bank_accounts (
	id TEXT PRIMARY KEY,
	customer_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	number TEXT NOT NULL,
	currency TEXT NOT NULL,
	balance_minor INTEGER NOT NULL DEFAULT 0,
	available_minor INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_bank_accounts_customer ON bank_accounts(customer_id);

CREATE TABLE IF NOT EXISTS bank_cards (
	id TEXT PRIMARY KEY,
	customer_id TEXT NOT NULL,
	account_id TEXT NOT NULL,
	brand TEXT NOT NULL,
	last4 TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'active',
	frozen_reason TEXT,
	frozen_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_bank_cards_customer ON bank_cards(customer_id);

CREATE TABLE IF NOT EXISTS bank_transactions (
	id TEXT PRIMARY KEY,
	account_id TEXT NOT NULL,
	posted_at INTEGER NOT NULL,
	description TEXT NOT NULL,
	amount_minor INTEGER NOT NULL,
	currency TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_bank_transactions_account ON bank_transactions(account_id, posted_at);

CREATE TABLE IF NOT EXISTS fraud_cases (
	id TEXT PRIMARY KEY,
	customer_id TEXT NOT NULL,
	source_message_id TEXT UNIQUE,
	description TEXT NOT NULL,
	amount_minor INTEGER,
	currency TEXT,
	priority TEXT NOT NULL,
	status TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
`

// SQLCore is a core-banking backend on a SQL database. It shares the
// timeline file in development deployments.
type SQLCore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLCore applies the banking schema and returns a backend.
func NewSQLCore(db *sql.DB) (*SQLCore, error) {
	if _, err := db.Exec(sqlSchema); err != nil {
		return nil, fmt.Errorf("apply banking schema: %w", err)
	}
	return &SQLCore{db: db, now: time.Now}, nil
}

func (c *SQLCore) Accounts(ctx context.Context, customerID string) ([]Account, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT id, customer_id, kind, number, currency, balance_minor, available_minor
		FROM bank_accounts WHERE customer_id = ? ORDER BY id`, customerID)
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

func (c *SQLCore) Cards(ctx context.Context, customerID string) ([]Card, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT id, customer_id, account_id, brand, last4, status, frozen_at
		FROM bank_cards WHERE customer_id = ? ORDER BY id`, customerID)
	if err != nil {
		return nil, fmt.Errorf("list cards: %w", err)
	}
	defer rows.Close()
	var out []Card
	for rows.Next() {
		card, err := scanCard(rows)
		if err != nil {
			return nil, fmt.Errorf("list cards: %w", err)
		}
		out = append(out, *card)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCard(row scanner) (*Card, error) {
	var card Card
	var frozen sql.NullInt64
	if err := row.Scan(&card.ID, &card.CustomerID, &card.AccountID, &card.Brand, &card.Last4, &card.Status, &frozen); err != nil {
		return nil, err
	}
	if frozen.Valid {
		t := time.UnixMilli(frozen.Int64)
		card.FrozenAt = &t
	}
	return &card, nil
}

func (c *SQLCore) Transactions(ctx context.Context, customerID string, limit int) ([]Transaction, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := c.db.QueryContext(ctx, `SELECT t.id, t.account_id, t.posted_at, t.description, t.amount_minor, t.currency
		FROM bank_transactions t JOIN bank_accounts a ON a.id = t.account_id
		WHERE a.customer_id = ? ORDER BY t.posted_at DESC LIMIT ?`, customerID, limit)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()
	var out []Transaction
	for rows.Next() {
		var t Transaction
		var posted int64
		if err := rows.Scan(&t.ID, &t.AccountID, &posted, &t.Description, &t.AmountMinor, &t.Currency); err != nil {
			return nil, fmt.Errorf("list transactions: %w", err)
		}
		t.PostedAt = time.UnixMilli(posted)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (c *SQLCore) FreezeCard(ctx context.Context, customerID, cardID, reason string) (*Card, error) {
	card, err := scanCard(c.db.QueryRowContext(ctx, `SELECT id, customer_id, account_id, brand, last4, status, frozen_at
		FROM bank_cards WHERE id = ? AND customer_id = ?`, cardID, customerID))
	if err == sql.ErrNoRows {
		return nil, ErrCardNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("freeze card: %w", err)
	}
	if card.Status != CardActive {
		return nil, ErrCardNotActive
	}
	now := c.now()
	res, err := c.db.ExecContext(ctx, `UPDATE bank_cards SET status = ?, frozen_reason = ?, frozen_at = ?
		WHERE id = ? AND status = ?`, CardFrozen, reason, now.UnixMilli(), cardID, CardActive)
	if err != nil {
		return nil, fmt.Errorf("freeze card: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrCardNotActive
	}
	card.Status = CardFrozen
	card.FrozenAt = &now
	return card, nil
}

func (c *SQLCore) OpenFraudCase(ctx context.Context, fc *FraudCase) (*FraudCase, bool, error) {
	if fc.SourceMessageID != "" {
		if existing, err := c.fraudCaseBySource(ctx, fc.SourceMessageID); err != nil {
			return nil, false, err
		} else if existing != nil {
			return existing, false, nil
		}
	}
	out := *fc
	out.ID = "FC-" + strings.ToUpper(uuid.NewString()[:8])
	out.CreatedAt = c.now()
	if out.Status == "" {
		out.Status = "open"
	}
	if out.Priority == "" {
		out.Priority = "high"
	}
	var source any
	if out.SourceMessageID != "" {
		source = out.SourceMessageID
	}
	var amount any
	if out.AmountMinor != nil {
		amount = *out.AmountMinor
	}
	_, err := c.db.ExecContext(ctx, `INSERT INTO fraud_cases (id, customer_id, source_message_id, description,
		amount_minor, currency, priority, status, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		out.ID, out.CustomerID, source, out.Description, amount, out.Currency, out.Priority, out.Status, out.CreatedAt.UnixMilli())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") && out.SourceMessageID != "" {
			existing, gerr := c.fraudCaseBySource(ctx, out.SourceMessageID)
			if gerr == nil && existing != nil {
				return existing, false, nil
			}
		}
		return nil, false, fmt.Errorf("open fraud case: %w", err)
	}
	return &out, true, nil
}

func (c *SQLCore) fraudCaseBySource(ctx context.Context, source string) (*FraudCase, error) {
	var fc FraudCase
	var amount sql.NullInt64
	var currency sql.NullString
	var created int64
	err := c.db.QueryRowContext(ctx, `SELECT id, customer_id, source_message_id, description, amount_minor,
		currency, priority, status, created_at FROM fraud_cases WHERE source_message_id = ?`, source).
		Scan(&fc.ID, &fc.CustomerID, &fc.SourceMessageID, &fc.Description, &amount, &currency, &fc.Priority, &fc.Status, &created)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get fraud case: %w", err)
	}
	if amount.Valid {
		v := amount.Int64
		fc.AmountMinor = &v
	}
	fc.Currency = currency.String
	fc.CreatedAt = time.UnixMilli(created)
	return &fc, nil
}

// SeedDemo inserts a demo customer book if the tables are empty.
func (c *SQLCore) SeedDemo(ctx context.Context, customerID string) error {
	var n int
	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM bank_accounts WHERE customer_id = ?`, customerID).Scan(&n); err != nil {
		return fmt.Errorf("seed banking: %w", err)
	}
	if n > 0 {
		return nil
	}
	now := c.now()
	stmts := []struct {
		q    string
		args []any
	}{
		{`INSERT INTO bank_accounts VALUES (?, ?, 'checking', ?, 'USD', ?, ?)`,
			[]any{customerID + "-chk", customerID, "000123456789", int64(254312), int64(249000)}},
		{`INSERT INTO bank_accounts VALUES (?, ?, 'savings', ?, 'USD', ?, ?)`,
			[]any{customerID + "-sav", customerID, "000987654321", int64(1250000), int64(1250000)}},
		{`INSERT INTO bank_cards (id, customer_id, account_id, brand, last4, status) VALUES (?, ?, ?, 'Visa', '4242', 'active')`,
			[]any{customerID + "-card-1", customerID, customerID + "-chk"}},
		{`INSERT INTO bank_cards (id, customer_id, account_id, brand, last4, status) VALUES (?, ?, ?, 'Mastercard', '5454', 'closed')`,
			[]any{customerID + "-card-2", customerID, customerID + "-chk"}},
		{`INSERT INTO bank_transactions VALUES (?, ?, ?, 'Coffee Roasters', -650, 'USD')`,
			[]any{customerID + "-tx-1", customerID + "-chk", now.Add(-2 * time.Hour).UnixMilli()}},
		{`INSERT INTO bank_transactions VALUES (?, ?, ?, 'Payroll', 320000, 'USD')`,
			[]any{customerID + "-tx-2", customerID + "-chk", now.Add(-48 * time.Hour).UnixMilli()}},
	}
	for _, s := range stmts {
		if _, err := c.db.ExecContext(ctx, s.q, s.args...); err != nil {
			return fmt.Errorf("seed banking: %w", err)
		}
	}
	return nil
}
