package agent

import (
	"fmt"
	"strings"

	"github.com/scalytics/tellerline/internal/authsession"
)

const capabilityMenu = "I can help with your balance, recent transactions, your cards, freezing a card or reporting fraud. " +
	"I can also answer general questions such as branch hours, fees or our routing number."

// VerificationPrompt asks the customer to step up to level on channel.
func VerificationPrompt(channel string, level authsession.Level) string {
	verb := "Reply"
	if channel == "voice" {
		verb = "Say"
	}
	if level == authsession.LevelKBA {
		return fmt.Sprintf("For your security I need to confirm it's you with your security question first. %s VERIFY KBA to continue.", verb)
	}
	return fmt.Sprintf("I can help with that once I've confirmed it's you. %s VERIFY and I'll send a one-time code to the contact details we have on file.", verb)
}

// HandoffReply points the customer to the human line.
func HandoffReply(humanLine string) string {
	if strings.TrimSpace(humanLine) == "" {
		return "Please contact our support team and a member of staff will help you."
	}
	return fmt.Sprintf("Please call our team on %s and a member of staff will help you.", humanLine)
}

func verificationResult(name string, c Context, intent Intent, required authsession.Level) Result {
	reason := fmt.Sprintf("%s requires %s", intent, required)
	if c.Identity.Verified() {
		reason = fmt.Sprintf("%s requires %s, session has %s", intent, required, c.Identity.AuthLevel)
	}
	prompt := VerificationPrompt(c.Channel, required)
	return Result{
		AgentName: name,
		Intent:    intent,
		Actions: []Action{
			RequestVerification{Level: required, Reason: reason},
			AskClarifyingQuestion{Question: prompt},
		},
		ReplyDraft:  prompt,
		SafetyNotes: []string{"verification_required"},
		Pending:     PendingKeep,
	}
}

func handoffResult(name string, c Context, intent Intent, reason string) Result {
	return Result{
		AgentName:   name,
		Intent:      intent,
		Actions:     []Action{HandoffSuggest{Reason: reason}},
		ReplyDraft:  HandoffReply(c.HumanLine),
		SafetyNotes: []string{reason},
	}
}
