package agent

import (
	"regexp"
	"strings"

	"github.com/scalytics/tellerline/internal/authsession"
)

// Intent is the classified purpose of a message.
type Intent string

const (
	IntentBalance        Intent = "account_balance"
	IntentTransactions   Intent = "transactions"
	IntentCardList       Intent = "card_list"
	IntentCardFreeze     Intent = "card_freeze"
	IntentFraudReport    Intent = "fraud_report"
	IntentFreezeConfirm  Intent = "freeze_confirmation"
	IntentFreezeDeclined Intent = "freeze_declined"
	IntentFAQ            Intent = "faq"
	IntentGreeting       Intent = "greeting"
	IntentHumanHandoff   Intent = "human_handoff"
	IntentVerification   Intent = "verification"
	IntentUnknown        Intent = "unknown"
)

// RequiredLevel is the auth level needed before the intent may disclose
// customer data or act. LevelNone means not sensitive.
func RequiredLevel(i Intent) authsession.Level {
	switch i {
	case IntentBalance, IntentTransactions, IntentCardList, IntentFraudReport:
		return authsession.LevelOTP
	case IntentCardFreeze, IntentFreezeConfirm:
		return authsession.LevelKBA
	default:
		return authsession.LevelNone
	}
}

// Sensitive reports whether the intent touches customer data.
func Sensitive(i Intent) bool { return RequiredLevel(i) != authsession.LevelNone }

// Classification is the keyword classifier output.
type Classification struct {
	Intent Intent
	Topic  string
}

type intentRule struct {
	intent   Intent
	patterns []*regexp.Regexp
}

func words(ps ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(ps))
	for _, p := range ps {
		out = append(out, regexp.MustCompile(`(?i)\b`+p+`\b`))
	}
	return out
}

// Order matters: fraud wording beats freeze wording, which beats reads.
var intentRules = []intentRule{
	{IntentFraudReport, words(`fraud\w*`, `scam\w*`, `unauthori[sz]ed`, `didn'?t (make|authori[sz]e)`, `did not (make|authori[sz]e)`,
		`(don'?t|do not) recogni[sz]e`, `suspicious`, `hacked`, `stolen`, `someone used my card`)},
	{IntentCardFreeze, words(`freez\w*`, `froze`, `(block|lock|cancel) (my )?(\w+ )?card`, `lost (my )?(\w+ )?card`, `misplaced (my )?card`)},
	{IntentBalance, words(`balances?`, `how much (money )?(do i have|is in|is left)`, `available funds`, `funds available`)},
	{IntentTransactions, words(`transactions?`, `recent (charges|payments|purchases|activity)`, `statement`, `what did i (spend|buy)`, `last (few )?(payments|purchases)`, `spending`)},
	{IntentCardList, words(`(my|which|list( my)?) cards`, `card status`, `cards do i have`)},
	{IntentHumanHandoff, words(`human`, `representative`, `real person`, `speak to (someone|a person|an agent)`, `talk to (someone|a person|an agent)`, `operator`)},
}

var faqRules = []struct {
	topic    string
	patterns []*regexp.Regexp
}{
	{"branch_hours", words(`hours`, `opening`, `open (on|today|tomorrow)`, `closing`, `branch`)},
	{"routing_number", words(`routing`, `aba`, `swift`, `bic`)},
	{"fees", words(`fees?`, `overdraft`)},
	{"transfers", words(`transfer\w*`, `wire`, `zelle`, `send money`)},
	{"online_banking", words(`password`, `log ?in`, `sign ?in`, `online banking`, `mobile app`, `app`)},
	{"open_account", words(`open (an|a new) account`, `new account`)},
	{"contact", words(`contact`, `phone number`, `call you`)},
}

var greetingRe = regexp.MustCompile(`(?i)^\s*(hi|hello|hey|good (morning|afternoon|evening)|hola)\b[\s!.,]*(there)?[\s!.]*$`)

// Classify maps a message to an intent by keyword.
func Classify(text string) Classification {
	t := strings.TrimSpace(text)
	if t == "" {
		return Classification{Intent: IntentUnknown}
	}
	for _, r := range intentRules {
		for _, p := range r.patterns {
			if p.MatchString(t) {
				return Classification{Intent: r.intent}
			}
		}
	}
	for _, r := range faqRules {
		for _, p := range r.patterns {
			if p.MatchString(t) {
				return Classification{Intent: IntentFAQ, Topic: r.topic}
			}
		}
	}
	if greetingRe.MatchString(t) {
		return Classification{Intent: IntentGreeting}
	}
	return Classification{Intent: IntentUnknown}
}
