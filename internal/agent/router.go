package agent

import (
	"regexp"
	"strings"
)

// Answer is a bare yes or no.
type Answer int

const (
	AnswerNone Answer = iota
	AnswerYes
	AnswerNo
)

// FollowUp is a reply to a confirmation the previous turn asked for.
type FollowUp struct {
	Answer Answer
	// CardLast4 is set when the customer named a card instead of saying yes.
	CardLast4 string
}

var (
	yesRe   = regexp.MustCompile(`(?i)^\s*(yes|yeah|yep|yup|y|sure|ok|okay|please( do)?|do it|go ahead|yes please|please freeze( it)?|freeze it)\s*[.!]*\s*$`)
	noRe    = regexp.MustCompile(`(?i)^\s*(no|nope|nah|n|no thanks|no thank you|not now|don'?t|do not|leave it)\s*[.!]*\s*$`)
	last4Re = regexp.MustCompile(`^\D*?(\d{4})\D*$`)

	freezeOfferRe = regexp.MustCompile(`(?i)(would you like|do you want|shall i|should i)( me)? to freeze`)
)

// DetectAnswer recognises a bare yes or no reply.
func DetectAnswer(text string) Answer {
	switch {
	case yesRe.MatchString(text):
		return AnswerYes
	case noRe.MatchString(text):
		return AnswerNo
	default:
		return AnswerNone
	}
}

// OfferedFreeze reports whether an outbound text offered a card freeze.
func OfferedFreeze(lastOutbound string) bool {
	return freezeOfferRe.MatchString(lastOutbound)
}

// Route is the router decision.
type Route struct {
	Agent    string
	Reason   string
	Intent   Intent
	FollowUp *FollowUp
}

// SelectAgent picks the policy agent for a message. A yes/no answer to a
// freeze offer goes to the fraud agent before any keyword classification;
// the offer must be visible in both the durable pending flag and the
// previous outbound text.
func SelectAgent(latest, pendingAction, lastOutbound string) Route {
	if pendingAction == PendingFreezePrompted && OfferedFreeze(lastOutbound) {
		if ans := DetectAnswer(latest); ans != AnswerNone {
			intent := IntentFreezeConfirm
			if ans == AnswerNo {
				intent = IntentFreezeDeclined
			}
			return Route{Agent: NameFraud, Reason: "follow_up_confirmation", Intent: intent,
				FollowUp: &FollowUp{Answer: ans}}
		}
		if m := last4Re.FindStringSubmatch(strings.TrimSpace(latest)); m != nil {
			return Route{Agent: NameFraud, Reason: "follow_up_card_choice", Intent: IntentFreezeConfirm,
				FollowUp: &FollowUp{Answer: AnswerYes, CardLast4: m[1]}}
		}
	}
	c := Classify(latest)
	switch c.Intent {
	case IntentFraudReport, IntentCardFreeze:
		return Route{Agent: NameFraud, Reason: "keyword_" + string(c.Intent), Intent: c.Intent}
	default:
		return Route{Agent: NameGeneralInfo, Reason: "keyword_" + string(c.Intent), Intent: c.Intent}
	}
}
