package channels

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/scalytics/tellerline/internal/bus"
	"github.com/scalytics/tellerline/internal/config"
	"github.com/scalytics/tellerline/internal/stepup"
	"gopkg.in/gomail.v2"
)

// mailSender is the part of gomail.Dialer used here.
type mailSender interface {
	DialAndSend(m ...*gomail.Message) error
}

const defaultReplySubject = "Re: your message"

// EmailChannel delivers replies over SMTP.
type EmailChannel struct {
	dialer mailSender
	from   string
}

// NewEmailChannel creates the email gateway.
func NewEmailChannel(cfg config.EmailConfig) *EmailChannel {
	return &EmailChannel{
		dialer: gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
		from:   cfg.From,
	}
}

func (c *EmailChannel) Name() string { return "email" }

// Send mails msg as plain text. The Message-ID header carries the outbound
// message id so SMTP retries can be matched downstream.
func (c *EmailChannel) Send(ctx context.Context, msg *bus.OutboundMessage) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	subject := msg.Ref(bus.RefEmailSubject)
	if subject == "" {
		subject = defaultReplySubject
	} else if !strings.HasPrefix(strings.ToLower(subject), "re:") {
		subject = "Re: " + subject
	}
	ref := "<" + msg.MessageID + "@tellerline>"

	m := gomail.NewMessage()
	m.SetHeader("From", c.from)
	m.SetHeader("To", msg.To)
	m.SetHeader("Subject", subject)
	m.SetHeader("Message-ID", ref)
	m.SetBody("text/plain", msg.Text)

	if err := c.dialer.DialAndSend(m); err != nil {
		return "", fmt.Errorf("send email: %w", err)
	}
	return ref, nil
}

// EmailCodeSender mails one-time verification codes to the customer's
// address on file.
type EmailCodeSender struct {
	dialer mailSender
	from   string
}

// NewEmailCodeSender creates a code sender over SMTP.
func NewEmailCodeSender(cfg config.EmailConfig) *EmailCodeSender {
	return &EmailCodeSender{
		dialer: gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
		from:   cfg.From,
	}
}

// SendCode implements stepup.CodeSender.
func (s *EmailCodeSender) SendCode(ctx context.Context, d stepup.Delivery) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d.Email == "" {
		return fmt.Errorf("customer %s has no email on file", d.CustomerID)
	}
	name := d.Name
	if name == "" {
		name = "there"
	}
	body := fmt.Sprintf("Hi %s,\n\nYour verification code is %s.\nIt expires at %s.\n\nIf you didn't request this, please call us.\n",
		name, d.Code, d.ExpiresAt.UTC().Format(time.Kitchen+" MST"))

	m := gomail.NewMessage()
	m.SetHeader("From", s.from)
	m.SetHeader("To", d.Email)
	m.SetHeader("Subject", "Your verification code")
	m.SetBody("text/plain", body)

	if err := s.dialer.DialAndSend(m); err != nil {
		return fmt.Errorf("send verification email: %w", err)
	}
	return nil
}
