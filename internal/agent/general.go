package agent

import (
	"errors"
	"fmt"
	"strings"

	"github.com/scalytics/tellerline/internal/banking"
	"github.com/scalytics/tellerline/internal/policy"
)

// ErrSummaryUnavailable is returned when a verified turn has no banking
// summary to answer from.
var ErrSummaryUnavailable = errors.New("agent: banking summary unavailable")

// GeneralInfo answers account reads and general questions.
type GeneralInfo struct{}

func (GeneralInfo) Name() string { return NameGeneralInfo }

func (g GeneralInfo) Decide(c Context) (Result, error) {
	cls := Classify(c.LatestMessage)
	intent := cls.Intent

	if req := RequiredLevel(intent); req.Rank() > 0 && !c.Identity.AuthLevel.AtLeast(req) {
		return verificationResult(g.Name(), c, intent, req), nil
	}

	switch intent {
	case IntentBalance, IntentTransactions, IntentCardList:
		if c.Summary == nil {
			return Result{}, ErrSummaryUnavailable
		}
		return g.answerFromSummary(c, intent), nil
	case IntentFAQ:
		return g.answerFAQ(c, cls.Topic), nil
	case IntentHumanHandoff:
		return handoffResult(g.Name(), c, intent, "customer_requested"), nil
	case IntentGreeting:
		return Result{AgentName: g.Name(), Intent: intent, ReplyDraft: "Hi! " + capabilityMenu}, nil
	default:
		q := "Could you tell me a little more about what you need?"
		return Result{
			AgentName:  g.Name(),
			Intent:     IntentUnknown,
			Actions:    []Action{AskClarifyingQuestion{Question: q}},
			ReplyDraft: q + " " + capabilityMenu,
		}, nil
	}
}

func withheldReply(what string) string {
	return fmt.Sprintf("I'm not able to share your %s in this conversation; that information is withheld by policy. "+
		"You can see it in the app or by calling us.", what)
}

func (g GeneralInfo) answerFromSummary(c Context, intent Intent) Result {
	s := c.Summary
	res := Result{AgentName: g.Name(), Intent: intent}
	switch intent {
	case IntentBalance:
		if s.IsWithheld(banking.SectionBalances) {
			res.ReplyDraft = withheldReply("balance")
			res.SafetyNotes = []string{"withheld:" + banking.SectionBalances}
			return res
		}
		if len(s.Accounts) == 0 {
			res.ReplyDraft = "I can't find any open accounts in your name."
			return res
		}
		var b strings.Builder
		for i, a := range s.Accounts {
			if i > 0 {
				b.WriteString("\n")
			}
			fmt.Fprintf(&b, "Your %s account ending in %s has a balance of %s (%s available).", a.Kind, a.Last4, a.Balance, a.Available)
		}
		res.ReplyDraft = b.String()
	case IntentTransactions:
		if s.IsWithheld(banking.SectionTransactions) {
			res.ReplyDraft = withheldReply("transactions")
			res.SafetyNotes = []string{"withheld:" + banking.SectionTransactions}
			return res
		}
		if len(s.Transactions) == 0 {
			res.ReplyDraft = "I don't see any recent transactions."
			return res
		}
		var b strings.Builder
		b.WriteString("Here are your most recent transactions:")
		for _, t := range s.Transactions {
			fmt.Fprintf(&b, "\n- %s %s %s", t.Date, t.Description, t.Amount)
		}
		res.ReplyDraft = b.String()
	case IntentCardList:
		if s.IsWithheld(banking.SectionCards) || !c.Permissions.Has(policy.PermReadCards) {
			res.ReplyDraft = withheldReply("card details")
			res.SafetyNotes = []string{"withheld:" + banking.SectionCards}
			return res
		}
		res.Actions = []Action{ListCards{CustomerID: c.Identity.CustomerID}}
		res.ReplyDraft = "Here are your cards:\n" + CardsPlaceholder
	}
	return res
}

func (g GeneralInfo) answerFAQ(c Context, topic string) Result {
	res := Result{AgentName: g.Name(), Intent: IntentFAQ, Topic: topic}
	if !c.Permissions.Has(policy.PermKBSearch) || len(c.Knowledge) == 0 {
		res.ReplyDraft = capabilityMenu
		res.SafetyNotes = []string{"knowledge_unavailable"}
		return res
	}
	hit := c.Knowledge[0]
	for _, h := range c.Knowledge {
		if h.Topic == topic {
			hit = h
			break
		}
	}
	res.Topic = hit.Topic
	res.Actions = []Action{AnswerFAQ{Topic: hit.Topic}}
	res.ReplyDraft = hit.Body
	return res
}
