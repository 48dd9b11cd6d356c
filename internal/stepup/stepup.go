// Package stepup runs the OTP and security-question challenge that raises
// a conversation's auth level.
package stepup

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/scalytics/tellerline/internal/authsession"
	"github.com/scalytics/tellerline/internal/config"
	"github.com/scalytics/tellerline/internal/timeline"
)

// Outcome is the result of handling one message.
type Outcome string

const (
	// OutcomeNone means the message was not a step-up message.
	OutcomeNone            Outcome = ""
	OutcomeStarted         Outcome = "started"
	OutcomeReminded        Outcome = "reminded"
	OutcomeAlreadyVerified Outcome = "already_verified"
	OutcomeVerified        Outcome = "verified"
	OutcomeInvalid         Outcome = "invalid"
	OutcomeLocked          Outcome = "locked"
	OutcomeExpired         Outcome = "expired"
	OutcomeNoChallenge     Outcome = "no_challenge"
	OutcomeNoCustomer      Outcome = "no_customer"
)

// Error codes.
const (
	CodeOTPStartFailed = "OTP_START_FAILED"
	CodeOTPInvalid     = "OTP_INVALID"
	CodeOTPMaxAttempts = "OTP_MAX_ATTEMPTS"
)

// Error is a failure to run the challenge.
type Error struct {
	Code string
	Err  error
}

func (e *Error) Error() string { return e.Code + ": " + e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

// Directory is the record-store surface the handler needs.
type Directory interface {
	GetCustomer(ctx context.Context, id string) (*timeline.Customer, error)
	BindIdentityLink(ctx context.Context, l *timeline.IdentityLink) error
	SetConversationCustomer(ctx context.Context, id, customerID string) error
}

// Delivery is a code to hand to a customer.
type Delivery struct {
	CustomerID string
	Name       string
	Email      string
	Phone      string
	Code       string
	ExpiresAt  time.Time
}

// CodeSender delivers one-time codes out of band.
type CodeSender interface {
	SendCode(ctx context.Context, d Delivery) error
}

// LogCodeSender writes codes to a writer. For local development only.
type LogCodeSender struct {
	W io.Writer
}

func (s LogCodeSender) SendCode(_ context.Context, d Delivery) error {
	_, err := fmt.Fprintf(s.W, "verification code for %s: %s (expires %s)\n", d.CustomerID, d.Code, d.ExpiresAt.Format(time.Kitchen))
	return err
}

// Request is one inbound message as seen by the handler.
type Request struct {
	ConversationID string
	Channel        string
	Address        string
	// CustomerID is the candidate from identity resolution.
	CustomerID string
	Text       string
	// PendingQuestion is the question to resume after verification.
	PendingQuestion string
	// AwaitingAnswer is set when the previous reply asked the security
	// question and Text reads as an answer to it.
	AwaitingAnswer bool
}

// Result is what the handler did.
type Result struct {
	Outcome         Outcome
	Method          authsession.Level
	Level           authsession.Level
	Remaining       int
	Reply           string
	PendingQuestion string
	CustomerID      string
	ErrorCode       string
}

// Handled reports whether the message was consumed by the challenge.
func (r Result) Handled() bool { return r.Outcome != OutcomeNone }

var (
	verifyRe    = regexp.MustCompile(`(?i)^\s*verify\s*[.!]?\s*$`)
	verifyKBARe = regexp.MustCompile(`(?i)^\s*verify\s+kba\s*[.!]?\s*$`)
	codeRe      = regexp.MustCompile(`^\s*(\d{6})\s*[.!]?\s*$`)
	digitRunRe  = regexp.MustCompile(`\d+`)
)

// maxCodeSentence bounds the messages searched for an embedded code.
const maxCodeSentence = 80

// Command classifies a message: the method a VERIFY command starts, and
// whether it is a bare six-digit code.
func Command(text string) (start authsession.Level, code string) {
	switch {
	case verifyKBARe.MatchString(text):
		return authsession.LevelKBA, ""
	case verifyRe.MatchString(text):
		return authsession.LevelOTP, ""
	}
	if m := codeRe.FindStringSubmatch(text); m != nil {
		return authsession.LevelNone, m[1]
	}
	return authsession.LevelNone, ""
}

// EmbeddedCode returns the six-digit code of a short message such as
// "my code is 123456". Messages with any other digit run are ignored.
func EmbeddedCode(text string) string {
	if len(text) > maxCodeSentence {
		return ""
	}
	runs := digitRunRe.FindAllString(text, -1)
	if len(runs) != 1 || len(runs[0]) != 6 {
		return ""
	}
	return runs[0]
}

// Handler runs the challenge protocol.
type Handler struct {
	store     authsession.Store
	directory Directory
	sender    CodeSender
	cfg       config.AuthConfig
	humanLine string
	onBind    func(channel, address string)
	now       func() time.Time
	random    io.Reader
}

// NewHandler creates a handler. onBind, if set, is called after an
// identity link is bound.
func NewHandler(store authsession.Store, dir Directory, sender CodeSender, cfg config.AuthConfig, humanLine string, onBind func(channel, address string)) *Handler {
	return &Handler{
		store:     store,
		directory: dir,
		sender:    sender,
		cfg:       cfg,
		humanLine: humanLine,
		onBind:    onBind,
		now:       time.Now,
		random:    rand.Reader,
	}
}

// Handle processes a message. It returns OutcomeNone for messages that are
// not part of the challenge.
func (h *Handler) Handle(ctx context.Context, req Request) (Result, error) {
	start, code := Command(req.Text)
	if start != authsession.LevelNone {
		return h.start(ctx, req, start)
	}

	latest, err := h.store.Latest(ctx, req.ConversationID)
	if err != nil && !errors.Is(err, authsession.ErrNotFound) {
		return Result{}, fmt.Errorf("load auth session: %w", err)
	}

	kbaPending := latest != nil && latest.Method == authsession.LevelKBA && latest.Status == authsession.StatusPending
	if kbaPending && req.AwaitingAnswer {
		return h.answer(ctx, req, latest, req.Text)
	}
	if code == "" && latest != nil && latest.Method == authsession.LevelOTP && latest.Status == authsession.StatusPending {
		code = EmbeddedCode(req.Text)
	}
	if code != "" {
		if latest == nil || latest.Method != authsession.LevelOTP {
			return Result{Outcome: OutcomeNoChallenge, Method: authsession.LevelOTP,
				Reply: "I don't have an active verification for this conversation. Reply VERIFY to get a new code."}, nil
		}
		return h.answer(ctx, req, latest, code)
	}
	return Result{}, nil
}

func (h *Handler) start(ctx context.Context, req Request, method authsession.Level) (Result, error) {
	now := h.now()
	res := Result{Method: method}
	if req.CustomerID == "" {
		res.Outcome = OutcomeNoCustomer
		res.Reply = "I couldn't match this conversation to a customer profile, so I can't verify you here. " + h.callUs()
		return res, nil
	}

	latest, err := h.store.Latest(ctx, req.ConversationID)
	if err != nil && !errors.Is(err, authsession.ErrNotFound) {
		return res, &Error{Code: CodeOTPStartFailed, Err: err}
	}
	if latest != nil && latest.Status == authsession.StatusPending {
		if latest.PendingAt(now) {
			return h.remind(latest), nil
		}
		latest.Status = authsession.StatusExpired
		if err := h.store.Save(ctx, latest); err != nil {
			return res, &Error{Code: CodeOTPStartFailed, Err: err}
		}
	}

	level, err := h.store.CurrentLevel(ctx, req.ConversationID, now)
	if err != nil {
		return res, &Error{Code: CodeOTPStartFailed, Err: err}
	}
	if level.AtLeast(method) {
		res.Outcome = OutcomeAlreadyVerified
		res.Level = level
		res.Reply = "You're already verified for this conversation. What can I help you with?"
		return res, nil
	}

	customer, err := h.directory.GetCustomer(ctx, req.CustomerID)
	if err != nil {
		return res, &Error{Code: CodeOTPStartFailed, Err: fmt.Errorf("load customer: %w", err)}
	}

	s := &authsession.Session{
		ID:              uuid.NewString(),
		ConversationID:  req.ConversationID,
		CustomerID:      customer.ID,
		Method:          method,
		Status:          authsession.StatusPending,
		PendingQuestion: req.PendingQuestion,
		CreatedAt:       now,
		ExpiresAt:       now.Add(h.cfg.CodeTTL()),
	}

	var otp string
	switch method {
	case authsession.LevelKBA:
		if customer.KBAQuestion == "" || customer.KBAAnswerHash == "" {
			res.Outcome = OutcomeNoChallenge
			res.Reply = "There's no security question set up on your profile, so I can't complete this check here. " + h.callUs()
			return res, nil
		}
		s.SecretHash = customer.KBAAnswerHash
		s.MaxAttempts = h.cfg.MaxKBAAttempts
	default:
		otp, err = h.newCode()
		if err != nil {
			return res, &Error{Code: CodeOTPStartFailed, Err: err}
		}
		s.SecretHash = HashCode(s.ID, otp)
		s.MaxAttempts = h.cfg.MaxOTPAttempts
	}

	if err := h.store.Create(ctx, s); err != nil {
		if errors.Is(err, authsession.ErrAlreadyExists) {
			// A concurrent run created the challenge first.
			if latest, lerr := h.store.Latest(ctx, req.ConversationID); lerr == nil {
				return h.remind(latest), nil
			}
			return Result{Outcome: OutcomeReminded, Method: method, Reply: reminderText(method)}, nil
		}
		return res, &Error{Code: CodeOTPStartFailed, Err: err}
	}

	res.Outcome = OutcomeStarted
	res.Remaining = s.MaxAttempts
	if method == authsession.LevelKBA {
		res.Reply = "Please answer your security question: " + customer.KBAQuestion
		slog.Info("Security question issued", "conversation_id", req.ConversationID, "session_id", s.ID)
		return res, nil
	}

	err = h.sender.SendCode(ctx, Delivery{
		CustomerID: customer.ID,
		Name:       customer.FullName,
		Email:      customer.Email,
		Phone:      customer.Phone,
		Code:       otp,
		ExpiresAt:  s.ExpiresAt,
	})
	if err != nil {
		s.Status = authsession.StatusExpired
		if serr := h.store.Save(ctx, s); serr != nil {
			slog.Warn("Cancel unsent challenge failed", "session_id", s.ID, "error", serr)
		}
		return Result{Method: method}, &Error{Code: CodeOTPStartFailed, Err: fmt.Errorf("send code: %w", err)}
	}
	slog.Info("Verification code issued", "conversation_id", req.ConversationID, "session_id", s.ID)
	res.Reply = fmt.Sprintf("I've sent a 6-digit code to the contact details we have on file. Reply with the code to continue; it expires in %d minutes.",
		int(h.cfg.CodeTTL().Minutes()))
	return res, nil
}

func (h *Handler) remind(s *authsession.Session) Result {
	return Result{
		Outcome:   OutcomeReminded,
		Method:    s.Method,
		Remaining: s.RemainingAttempts(),
		Reply:     reminderText(s.Method),
	}
}

func reminderText(method authsession.Level) string {
	if method == authsession.LevelKBA {
		return "I'm still waiting for the answer to your security question."
	}
	return "I've already sent you a code. Please reply with the 6-digit code, or wait for it to expire to request a new one."
}

func (h *Handler) answer(ctx context.Context, req Request, s *authsession.Session, answer string) (Result, error) {
	now := h.now()
	res := Result{Method: s.Method}

	switch {
	case s.Status == authsession.StatusLocked:
		res.Outcome = OutcomeLocked
		res.ErrorCode = CodeOTPMaxAttempts
		res.Reply = "Verification is locked after too many attempts. Reply VERIFY to start again."
		return res, nil
	case s.Status != authsession.StatusPending:
		res.Outcome = OutcomeNoChallenge
		res.Reply = "I don't have an active verification for this conversation. Reply VERIFY to get a new code."
		return res, nil
	case !s.PendingAt(now):
		s.Status = authsession.StatusExpired
		if err := h.store.Save(ctx, s); err != nil {
			return res, fmt.Errorf("expire auth session: %w", err)
		}
		res.Outcome = OutcomeExpired
		res.Reply = "That code has expired. Reply VERIFY and I'll send a new one."
		if s.Method == authsession.LevelKBA {
			res.Reply = "The security check timed out. Reply VERIFY KBA to try again."
		}
		return res, nil
	}

	var expected string
	if s.Method == authsession.LevelKBA {
		expected = HashAnswer(answer)
	} else {
		expected = HashCode(s.ID, strings.TrimSpace(answer))
	}
	if subtle.ConstantTimeCompare([]byte(expected), []byte(s.SecretHash)) != 1 {
		return h.reject(ctx, s, now)
	}

	verifiedAt := now
	s.Status = authsession.StatusVerified
	s.VerifiedAt = &verifiedAt
	s.ExpiresAt = now.Add(h.cfg.SessionTTL())
	if err := h.store.Save(ctx, s); err != nil {
		return res, fmt.Errorf("save verified session: %w", err)
	}

	if req.Address != "" {
		err := h.directory.BindIdentityLink(ctx, &timeline.IdentityLink{
			Channel:    req.Channel,
			Address:    req.Address,
			CustomerID: s.CustomerID,
			Verified:   true,
		})
		if err != nil {
			slog.Warn("Bind identity link failed", "conversation_id", req.ConversationID, "error", err)
		} else if h.onBind != nil {
			h.onBind(req.Channel, req.Address)
		}
	}
	if err := h.directory.SetConversationCustomer(ctx, req.ConversationID, s.CustomerID); err != nil {
		slog.Warn("Set conversation customer failed", "conversation_id", req.ConversationID, "error", err)
	}

	level, err := h.store.CurrentLevel(ctx, req.ConversationID, now)
	if err != nil {
		level = s.Method
	}
	slog.Info("Step-up verified", "conversation_id", req.ConversationID, "method", s.Method)
	res.Outcome = OutcomeVerified
	res.Level = level
	res.CustomerID = s.CustomerID
	res.PendingQuestion = s.PendingQuestion
	res.Reply = "Thanks, you're verified."
	return res, nil
}

func (h *Handler) reject(ctx context.Context, s *authsession.Session, now time.Time) (Result, error) {
	res := Result{Method: s.Method}
	s.Attempts++
	if s.Attempts >= s.MaxAttempts {
		s.Status = authsession.StatusLocked
		if err := h.store.Save(ctx, s); err != nil {
			return res, fmt.Errorf("lock auth session: %w", err)
		}
		if err := h.store.RevokeVerified(ctx, s.ConversationID, now); err != nil {
			return res, fmt.Errorf("revoke verified sessions: %w", err)
		}
		slog.Warn("Step-up locked", "conversation_id", s.ConversationID, "method", s.Method, "attempts", s.Attempts)
		res.Outcome = OutcomeLocked
		res.ErrorCode = CodeOTPMaxAttempts
		res.Reply = "That didn't match and verification is now locked. Reply VERIFY to start again. " + h.callUs()
		return res, nil
	}
	if err := h.store.Save(ctx, s); err != nil {
		return res, fmt.Errorf("save auth session: %w", err)
	}
	res.Outcome = OutcomeInvalid
	res.ErrorCode = CodeOTPInvalid
	res.Remaining = s.RemainingAttempts()
	left := fmt.Sprintf("You have %d attempts left.", res.Remaining)
	if res.Remaining == 1 {
		left = "You have 1 attempt left."
	}
	if s.Method == authsession.LevelKBA {
		res.Reply = "That answer didn't match. " + left
	} else {
		res.Reply = "That code didn't match. " + left
	}
	return res, nil
}

func (h *Handler) callUs() string {
	if h.humanLine == "" {
		return "Please contact our support team."
	}
	return "Please call us on " + h.humanLine + "."
}

func (h *Handler) newCode() (string, error) {
	n, err := rand.Int(h.random, big.NewInt(1000000))
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

// HashCode returns the stored form of a one-time code, salted with the
// session id.
func HashCode(sessionID, code string) string {
	sum := sha256.Sum256([]byte(sessionID + ":" + code))
	return hex.EncodeToString(sum[:])
}

// HashAnswer returns the stored form of a security answer. Case, spacing
// and punctuation are ignored.
func HashAnswer(answer string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(answer) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
