package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/scalytics/tellerline/internal/banking"
)

func backendError(tool string, err error) error {
	switch {
	case errors.Is(err, banking.ErrCardNotFound):
		return &Error{Code: CodeCardNotFound, Tool: tool, Err: err}
	case errors.Is(err, banking.ErrCardNotActive):
		return &Error{Code: CodeCardNotActive, Tool: tool, Err: err}
	default:
		return &Error{Code: CodeBackendUnavailable, Tool: tool, Err: err}
	}
}

func requireCustomer(tool string, call Call) error {
	if strings.TrimSpace(call.CustomerID) == "" {
		return &Error{Code: CodeInvalidParams, Tool: tool, Err: errors.New("customer id is required")}
	}
	return nil
}

// CardList is the list_cards result.
type CardList struct {
	Cards []banking.CardView
}

func (c *CardList) Summary() string { return fmt.Sprintf("%d cards", len(c.Cards)) }

// Lines renders one line per card, last four digits only.
func (c *CardList) Lines() string {
	if len(c.Cards) == 0 {
		return "You don't have any cards with us."
	}
	var b strings.Builder
	for i, card := range c.Cards {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "- %s ending in %s (%s)", card.Brand, card.Last4, card.Status)
	}
	return b.String()
}

// ListCardsTool lists a customer's cards.
type ListCardsTool struct {
	core banking.Core
}

func NewListCardsTool(core banking.Core) *ListCardsTool { return &ListCardsTool{core: core} }

func (t *ListCardsTool) Name() string { return NameListCards }
func (t *ListCardsTool) Tier() int    { return TierReadOnly }

func (t *ListCardsTool) Execute(ctx context.Context, call Call) (Output, error) {
	if err := requireCustomer(t.Name(), call); err != nil {
		return nil, err
	}
	cards, err := t.core.Cards(ctx, call.CustomerID)
	if err != nil {
		return nil, backendError(t.Name(), err)
	}
	out := &CardList{}
	for _, c := range cards {
		out.Cards = append(out.Cards, banking.CardView{ID: c.ID, Brand: c.Brand, Last4: c.Last4, Status: c.Status})
	}
	return out, nil
}

// FrozenCard is the freeze_card result.
type FrozenCard struct {
	CardID string
	Brand  string
	Last4  string
	Status string
}

func (f *FrozenCard) Summary() string { return "card " + f.CardID + " " + f.Status }

// FreezeCardTool freezes an active card.
type FreezeCardTool struct {
	core banking.Core
}

func NewFreezeCardTool(core banking.Core) *FreezeCardTool { return &FreezeCardTool{core: core} }

func (t *FreezeCardTool) Name() string { return NameFreezeCard }
func (t *FreezeCardTool) Tier() int    { return TierHighRisk }

func (t *FreezeCardTool) Execute(ctx context.Context, call Call) (Output, error) {
	if err := requireCustomer(t.Name(), call); err != nil {
		return nil, err
	}
	cardID := strings.TrimSpace(GetString(call.Params, "cardId", ""))
	if cardID == "" {
		return nil, &Error{Code: CodeInvalidParams, Tool: t.Name(), Err: errors.New("cardId is required")}
	}
	reason := GetString(call.Params, "reason", "customer_request")
	card, err := t.core.FreezeCard(ctx, call.CustomerID, cardID, reason)
	if err != nil {
		return nil, backendError(t.Name(), err)
	}
	return &FrozenCard{CardID: card.ID, Brand: card.Brand, Last4: card.Last4, Status: card.Status}, nil
}

// FraudCaseOpened is the create_fraud_case result.
type FraudCaseOpened struct {
	CaseID  string
	Status  string
	Created bool
}

func (f *FraudCaseOpened) Summary() string {
	if f.Created {
		return "opened " + f.CaseID
	}
	return "existing " + f.CaseID
}

// CreateFraudCaseTool opens a fraud case. Retries for the same inbound
// message return the case opened the first time.
type CreateFraudCaseTool struct {
	core banking.Core
}

func NewCreateFraudCaseTool(core banking.Core) *CreateFraudCaseTool {
	return &CreateFraudCaseTool{core: core}
}

func (t *CreateFraudCaseTool) Name() string { return NameCreateFraudCase }
func (t *CreateFraudCaseTool) Tier() int    { return TierWrite }

func (t *CreateFraudCaseTool) Execute(ctx context.Context, call Call) (Output, error) {
	if err := requireCustomer(t.Name(), call); err != nil {
		return nil, err
	}
	desc := strings.TrimSpace(GetString(call.Params, "description", ""))
	if desc == "" {
		return nil, &Error{Code: CodeInvalidParams, Tool: t.Name(), Err: errors.New("description is required")}
	}
	fc := &banking.FraudCase{
		CustomerID:      call.CustomerID,
		SourceMessageID: call.Audit.MessageID,
		Description:     desc,
		Currency:        GetString(call.Params, "currency", ""),
		Priority:        GetString(call.Params, "priority", "high"),
	}
	if amount, ok := GetInt64(call.Params, "amountMinor"); ok {
		if amount < 0 {
			return nil, &Error{Code: CodeInvalidParams, Tool: t.Name(), Err: errors.New("amount must not be negative")}
		}
		fc.AmountMinor = &amount
	}
	opened, created, err := t.core.OpenFraudCase(ctx, fc)
	if err != nil {
		return nil, backendError(t.Name(), err)
	}
	return &FraudCaseOpened{CaseID: opened.ID, Status: opened.Status, Created: created}, nil
}

// NewBankingRegistry registers the three banking tools.
func NewBankingRegistry(core banking.Core) *Registry {
	r := NewRegistry()
	r.Register(NewListCardsTool(core))
	r.Register(NewFreezeCardTool(core))
	r.Register(NewCreateFraudCaseTool(core))
	return r
}
