package agent

import "github.com/scalytics/tellerline/internal/authsession"

// Action is a step proposed by a policy agent. The set of variants is
// closed: only types in this package implement it.
type Action interface {
	// Kind is the stable wire name of the action.
	Kind() string
	// SideEffecting reports whether the action must go through the executor.
	SideEffecting() bool
	isAction()
}

// AnswerFAQ answers a general question from the knowledge base.
type AnswerFAQ struct {
	Topic string `json:"topic"`
}

// RequestVerification asks the customer to step up to Level.
type RequestVerification struct {
	Level  authsession.Level `json:"level"`
	Reason string            `json:"reason"`
}

// HandoffSuggest points the customer to a human.
type HandoffSuggest struct {
	Reason string `json:"reason"`
}

// AskClarifyingQuestion asks the customer for more detail.
type AskClarifyingQuestion struct {
	Question string `json:"question"`
}

// ListCards lists the customer's cards.
type ListCards struct {
	CustomerID string `json:"customerId"`
}

// FreezeCard freezes one card.
type FreezeCard struct {
	CustomerID string `json:"customerId"`
	CardID     string `json:"cardId"`
	Reason     string `json:"reason"`
}

// CreateFraudCase opens a fraud investigation.
type CreateFraudCase struct {
	CustomerID  string `json:"customerId"`
	Description string `json:"description"`
	AmountMinor *int64 `json:"amountMinor,omitempty"`
	Currency    string `json:"currency,omitempty"`
	Priority    string `json:"priority,omitempty"`
}

func (AnswerFAQ) Kind() string             { return "answer_faq" }
func (RequestVerification) Kind() string   { return "request_verification" }
func (HandoffSuggest) Kind() string        { return "handoff_suggest" }
func (AskClarifyingQuestion) Kind() string { return "ask_clarifying_question" }
func (ListCards) Kind() string             { return "list_cards" }
func (FreezeCard) Kind() string            { return "freeze_card" }
func (CreateFraudCase) Kind() string       { return "create_fraud_case" }

func (AnswerFAQ) SideEffecting() bool             { return false }
func (RequestVerification) SideEffecting() bool   { return false }
func (HandoffSuggest) SideEffecting() bool        { return false }
func (AskClarifyingQuestion) SideEffecting() bool { return false }
func (ListCards) SideEffecting() bool             { return true }
func (FreezeCard) SideEffecting() bool            { return true }
func (CreateFraudCase) SideEffecting() bool       { return true }

func (AnswerFAQ) isAction()             {}
func (RequestVerification) isAction()   {}
func (HandoffSuggest) isAction()        {}
func (AskClarifyingQuestion) isAction() {}
func (ListCards) isAction()             {}
func (FreezeCard) isAction()            {}
func (CreateFraudCase) isAction()       {}

// SideEffects returns the actions that need the executor, in order.
func SideEffects(actions []Action) []Action {
	var out []Action
	for _, a := range actions {
		if a.SideEffecting() {
			out = append(out, a)
		}
	}
	return out
}

// Has reports whether any action has the given kind.
func Has(actions []Action, kind string) bool {
	for _, a := range actions {
		if a.Kind() == kind {
			return true
		}
	}
	return false
}

// Describe returns a JSON-friendly projection of actions for audit.
func Describe(actions []Action) []map[string]any {
	out := make([]map[string]any, 0, len(actions))
	for _, a := range actions {
		out = append(out, map[string]any{"kind": a.Kind(), "action": a})
	}
	return out
}
