package banking

import (
	"context"
	"fmt"

	"github.com/scalytics/tellerline/internal/policy"
)

// Permissions is the permission set of the current turn.
type Permissions interface {
	Has(name string) bool
}

// Sections that may be withheld from a summary.
const (
	SectionBalances     = "balances"
	SectionTransactions = "transactions"
	SectionCards        = "cards"
)

// AccountView is an account as shown to an agent.
type AccountView struct {
	Kind      string `json:"kind"`
	Last4     string `json:"last4"`
	Currency  string `json:"currency"`
	Balance   string `json:"balance,omitempty"`
	Available string `json:"available,omitempty"`
}

// CardView is a card as shown to an agent.
type CardView struct {
	ID     string `json:"id"`
	Brand  string `json:"brand"`
	Last4  string `json:"last4"`
	Status string `json:"status"`
}

// TransactionView is a transaction as shown to an agent.
type TransactionView struct {
	Date        string `json:"date"`
	Description string `json:"description"`
	Amount      string `json:"amount"`
}

// Summary is the policy-filtered banking view of one customer. Sections the
// turn may not see are left empty and named in Withheld.
type Summary struct {
	CustomerID   string            `json:"customerId"`
	Accounts     []AccountView     `json:"accounts,omitempty"`
	Cards        []CardView        `json:"cards,omitempty"`
	Transactions []TransactionView `json:"transactions,omitempty"`
	Withheld     []string          `json:"withheld,omitempty"`
}

// IsWithheld reports whether a section was removed by policy.
func (s *Summary) IsWithheld(section string) bool {
	for _, w := range s.Withheld {
		if w == section {
			return true
		}
	}
	return false
}

// ActiveCards returns the cards that can still be frozen.
func (s *Summary) ActiveCards() []CardView {
	var out []CardView
	for _, c := range s.Cards {
		if c.Status == CardActive {
			out = append(out, c)
		}
	}
	return out
}

// Projector builds summaries from a core-banking backend.
type Projector struct {
	core     Core
	txWindow int
}

// NewProjector creates a projector showing up to five recent transactions.
func NewProjector(core Core) *Projector {
	return &Projector{core: core, txWindow: 5}
}

// Project returns the summary the given permissions allow. Full account
// and card numbers never leave this function.
func (p *Projector) Project(ctx context.Context, customerID string, perms Permissions) (*Summary, error) {
	s := &Summary{CustomerID: customerID}

	accounts, err := p.core.Accounts(ctx, customerID)
	if err != nil {
		return nil, fmt.Errorf("project accounts: %w", err)
	}
	showBalances := perms.Has(policy.PermReadBalance)
	for _, a := range accounts {
		v := AccountView{Kind: a.Kind, Last4: last4(a.Number), Currency: a.Currency}
		if showBalances {
			v.Balance = FormatMoney(a.BalanceMinor, a.Currency)
			v.Available = FormatMoney(a.AvailableMinor, a.Currency)
		}
		s.Accounts = append(s.Accounts, v)
	}
	if !showBalances {
		s.Withheld = append(s.Withheld, SectionBalances)
	}

	if perms.Has(policy.PermReadTransactions) {
		txs, err := p.core.Transactions(ctx, customerID, p.txWindow)
		if err != nil {
			return nil, fmt.Errorf("project transactions: %w", err)
		}
		for _, t := range txs {
			s.Transactions = append(s.Transactions, TransactionView{
				Date:        t.PostedAt.Format("Jan 2"),
				Description: t.Description,
				Amount:      FormatMoney(t.AmountMinor, t.Currency),
			})
		}
	} else {
		s.Withheld = append(s.Withheld, SectionTransactions)
	}

	if perms.Has(policy.PermReadCards) {
		cards, err := p.core.Cards(ctx, customerID)
		if err != nil {
			return nil, fmt.Errorf("project cards: %w", err)
		}
		for _, c := range cards {
			s.Cards = append(s.Cards, CardView{ID: c.ID, Brand: c.Brand, Last4: last4(c.Last4), Status: c.Status})
		}
	} else {
		s.Withheld = append(s.Withheld, SectionCards)
	}
	return s, nil
}

func last4(s string) string {
	digits := make([]rune, 0, len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			digits = append(digits, r)
		}
	}
	if len(digits) <= 4 {
		return string(digits)
	}
	return string(digits[len(digits)-4:])
}
