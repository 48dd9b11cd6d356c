// Package agent holds the policy agents. An agent is a pure decision
// function from a turn's Context to a Result: it picks an intent, drafts a
// reply and proposes actions, but never performs I/O.
package agent

import (
	"github.com/scalytics/tellerline/internal/authsession"
	"github.com/scalytics/tellerline/internal/banking"
	"github.com/scalytics/tellerline/internal/identity"
	"github.com/scalytics/tellerline/internal/knowledge"
	"github.com/scalytics/tellerline/internal/policy"
)

// Agent names.
const (
	NameGeneralInfo = "general_info"
	NameFraud       = "fraud"
)

// Pending action markers stored with a reply.
const (
	// PendingFreezePrompted marks that the last reply offered to freeze a card.
	PendingFreezePrompted = "freeze_card_prompted"
	// PendingSecurityAnswer marks that the last reply asked the security
	// question, so the next message may be its answer.
	PendingSecurityAnswer = "security_answer_prompted"
)

// RedactedSecurityAnswer replaces a security answer wherever a message is
// recorded or replayed.
const RedactedSecurityAnswer = "[REDACTED:KBA_ANSWER]"

// CaseIDPlaceholder and CardsPlaceholder are filled in from executor output.
const (
	CaseIDPlaceholder = "{{case_id}}"
	CardsPlaceholder  = "{{cards}}"
)

// Identity is the identity state of the turn.
type Identity struct {
	Status     identity.Status
	CustomerID string
	AuthLevel  authsession.Level
}

// Verified reports whether the turn carries any step-up level.
func (i Identity) Verified() bool { return i.AuthLevel != authsession.LevelNone && i.AuthLevel != "" }

// Turn is one prior message in the window.
type Turn struct {
	Direction string
	Text      string
}

// Context is the input of a policy agent. It is built fresh per turn and
// not modified by agents.
type Context struct {
	ConversationID string
	MessageID      string
	Channel        string
	Identity       Identity
	LatestMessage  string
	Recent         []Turn
	Permissions    policy.PermissionSet
	Summary        *banking.Summary
	Knowledge      []knowledge.Hit

	// PendingAction and LastOutboundText carry the previous turn's offer.
	PendingAction    string
	LastOutboundText string
	// FollowUp is set by the router when the message answers a pending offer.
	FollowUp *FollowUp

	HumanLine string
}

// PendingUpdate says what happens to the durable pending action.
type PendingUpdate int

const (
	PendingKeep PendingUpdate = iota
	PendingClear
	// PendingPromptFreeze is applied only if every side effect succeeded.
	PendingPromptFreeze
)

// Result is the decision of one agent for one turn.
type Result struct {
	AgentName   string
	Intent      Intent
	Topic       string
	Actions     []Action
	ReplyDraft  string
	SafetyNotes []string
	Pending     PendingUpdate
}

// Agent decides a turn.
type Agent interface {
	Name() string
	Decide(c Context) (Result, error)
}
