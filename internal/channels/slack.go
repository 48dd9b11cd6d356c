package channels

import (
	"context"
	"fmt"
	"strings"

	"github.com/scalytics/tellerline/internal/config"
	"github.com/slack-go/slack"
)

// Escalation is the redacted summary of a turn handed to a human team.
type Escalation struct {
	ConversationID string
	Channel        string
	CustomerID     string
	Reason         string
	Intent         string
	ErrorCode      string
}

// Escalator notifies humans about escalated conversations.
type Escalator interface {
	Escalate(ctx context.Context, e Escalation) error
}

// slackPoster is the part of *slack.Client used here.
type slackPoster interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// SlackEscalator posts escalations to a Slack channel.
type SlackEscalator struct {
	api     slackPoster
	channel string
}

// NewSlackEscalator creates an escalator from config. Extra client options
// (e.g. slack.OptionAPIURL) are passed through.
func NewSlackEscalator(cfg config.EscalationConfig, opts ...slack.Option) *SlackEscalator {
	return &SlackEscalator{
		api:     slack.New(cfg.SlackToken, opts...),
		channel: cfg.SlackChannel,
	}
}

// Escalate posts one message per escalated turn.
func (s *SlackEscalator) Escalate(ctx context.Context, e Escalation) error {
	if strings.TrimSpace(s.channel) == "" {
		return fmt.Errorf("slack escalation channel not configured")
	}
	_, _, err := s.api.PostMessageContext(ctx, s.channel, slack.MsgOptionText(formatEscalation(e), false))
	if err != nil {
		return fmt.Errorf("post slack escalation: %w", err)
	}
	return nil
}

func formatEscalation(e Escalation) string {
	var b strings.Builder
	fmt.Fprintf(&b, ":rotating_light: Conversation `%s` escalated on %s", e.ConversationID, e.Channel)
	if e.CustomerID != "" {
		fmt.Fprintf(&b, " (customer `%s`)", e.CustomerID)
	}
	b.WriteString("\n")
	if e.Reason != "" {
		fmt.Fprintf(&b, "Reason: %s\n", e.Reason)
	}
	if e.Intent != "" {
		fmt.Fprintf(&b, "Intent: %s\n", e.Intent)
	}
	if e.ErrorCode != "" {
		fmt.Fprintf(&b, "Error: %s\n", e.ErrorCode)
	}
	return strings.TrimRight(b.String(), "\n")
}
