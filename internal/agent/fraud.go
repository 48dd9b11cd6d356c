package agent

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/scalytics/tellerline/internal/authsession"
	"github.com/scalytics/tellerline/internal/banking"
	"github.com/scalytics/tellerline/internal/policy"
)

// Fraud handles fraud reports and card freezes, including the yes/no
// confirmation of a freeze offered on the previous turn.
type Fraud struct{}

func (Fraud) Name() string { return NameFraud }

var amountRe = regexp.MustCompile(`\$\s?(\d{1,3}(?:,\d{3})+|\d+)(?:\.(\d{2}))?`)

func (f Fraud) Decide(c Context) (Result, error) {
	if c.FollowUp != nil {
		if !OfferedFreeze(c.LastOutboundText) {
			q := "Sorry, I'm not sure what you're answering. What would you like me to help with?"
			return Result{
				AgentName:   f.Name(),
				Intent:      IntentUnknown,
				Actions:     []Action{AskClarifyingQuestion{Question: q}},
				ReplyDraft:  q,
				SafetyNotes: []string{"stray_confirmation"},
				Pending:     PendingClear,
			}, nil
		}
		if c.FollowUp.Answer == AnswerNo {
			return Result{
				AgentName:  f.Name(),
				Intent:     IntentFreezeDeclined,
				ReplyDraft: "No problem, I'll leave your card as it is. If anything else looks wrong, just let me know.",
				Pending:    PendingClear,
			}, nil
		}
		return f.freeze(c, IntentFreezeConfirm, c.FollowUp.CardLast4)
	}

	switch Classify(c.LatestMessage).Intent {
	case IntentCardFreeze:
		return f.freeze(c, IntentCardFreeze, "")
	case IntentFraudReport:
		return f.report(c)
	default:
		q := "Are you reporting a transaction you don't recognise, or would you like to freeze a card?"
		return Result{
			AgentName:  f.Name(),
			Intent:     IntentUnknown,
			Actions:    []Action{AskClarifyingQuestion{Question: q}},
			ReplyDraft: q,
		}, nil
	}
}

func (f Fraud) freeze(c Context, intent Intent, last4 string) (Result, error) {
	if !c.Identity.AuthLevel.AtLeast(authsession.LevelKBA) {
		return verificationResult(f.Name(), c, intent, authsession.LevelKBA), nil
	}
	if c.Identity.CustomerID == "" {
		return handoffResult(f.Name(), c, intent, "missing_customer"), nil
	}
	if !c.Permissions.Has(policy.PermFreezeCard) {
		return handoffResult(f.Name(), c, intent, "freeze_not_available_on_channel"), nil
	}
	if c.Summary == nil {
		return Result{}, ErrSummaryUnavailable
	}

	active := c.Summary.ActiveCards()
	var target *banking.CardView
	switch {
	case last4 != "":
		for i := range active {
			if active[i].Last4 == last4 {
				target = &active[i]
			}
		}
	case len(active) == 1:
		target = &active[0]
	}

	if target == nil {
		if len(active) == 0 {
			return Result{
				AgentName:  f.Name(),
				Intent:     intent,
				ReplyDraft: "I couldn't find an active card to freeze. If a card is missing, please call us so we can help.",
				Pending:    PendingClear,
			}, nil
		}
		endings := make([]string, 0, len(active))
		for _, card := range active {
			endings = append(endings, card.Last4)
		}
		q := fmt.Sprintf("Which card would you like me to freeze? Reply with the last four digits: %s.", strings.Join(endings, " or "))
		return Result{
			AgentName:  f.Name(),
			Intent:     intent,
			Actions:    []Action{AskClarifyingQuestion{Question: q}},
			ReplyDraft: q,
			Pending:    PendingPromptFreeze,
		}, nil
	}

	return Result{
		AgentName: f.Name(),
		Intent:    intent,
		Actions: []Action{FreezeCard{
			CustomerID: c.Identity.CustomerID,
			CardID:     target.ID,
			Reason:     "customer_request",
		}},
		ReplyDraft: fmt.Sprintf("Done. Your %s card ending in %s is now frozen, so no new purchases will be approved on it.", target.Brand, target.Last4),
		Pending:    PendingClear,
	}, nil
}

func (f Fraud) report(c Context) (Result, error) {
	if !c.Identity.AuthLevel.AtLeast(authsession.LevelOTP) {
		return verificationResult(f.Name(), c, IntentFraudReport, authsession.LevelOTP), nil
	}
	if c.Identity.CustomerID == "" {
		return handoffResult(f.Name(), c, IntentFraudReport, "missing_customer"), nil
	}
	if !c.Permissions.Has(policy.PermCreateFraudCase) {
		return handoffResult(f.Name(), c, IntentFraudReport, "fraud_case_not_available_on_channel"), nil
	}

	fc := CreateFraudCase{
		CustomerID:  c.Identity.CustomerID,
		Description: strings.TrimSpace(c.LatestMessage),
		Priority:    "high",
	}
	if amount, ok := ParseAmount(c.LatestMessage); ok {
		fc.AmountMinor = &amount
		fc.Currency = "USD"
	}

	res := Result{
		AgentName:  f.Name(),
		Intent:     IntentFraudReport,
		Actions:    []Action{fc},
		ReplyDraft: "I'm sorry this happened. I've opened fraud case " + CaseIDPlaceholder + " and our fraud team will review it as a priority.",
		Pending:    PendingClear,
	}

	var active []banking.CardView
	if c.Summary != nil {
		active = c.Summary.ActiveCards()
	}
	switch {
	case len(active) == 0 || !c.Permissions.Has(policy.PermFreezeCard):
		res.ReplyDraft += " If you still have a card you're worried about, you can freeze it in the app."
	case len(active) == 1:
		res.ReplyDraft += fmt.Sprintf(" Would you like me to freeze your card ending in %s so no new charges go through?", active[0].Last4)
		res.Pending = PendingPromptFreeze
	default:
		res.ReplyDraft += " Would you like me to freeze one of your cards so no new charges go through?"
		res.Pending = PendingPromptFreeze
	}
	return res, nil
}

// ParseAmount extracts the first dollar amount in text as minor units.
func ParseAmount(text string) (int64, bool) {
	m := amountRe.FindStringSubmatch(text)
	if m == nil {
		return 0, false
	}
	whole, err := strconv.ParseInt(strings.ReplaceAll(m[1], ",", ""), 10, 64)
	if err != nil {
		return 0, false
	}
	var cents int64
	if m[2] != "" {
		cents, _ = strconv.ParseInt(m[2], 10, 64)
	}
	return whole*100 + cents, true
}
