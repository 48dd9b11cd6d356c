package stepup

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/scalytics/tellerline/internal/authsession"
	"github.com/scalytics/tellerline/internal/config"
	"github.com/scalytics/tellerline/internal/timeline"
)

type fakeDirectory struct {
	customers map[string]*timeline.Customer
	links     []timeline.IdentityLink
	convCust  map[string]string
}

func (d *fakeDirectory) GetCustomer(_ context.Context, id string) (*timeline.Customer, error) {
	c, ok := d.customers[id]
	if !ok {
		return nil, timeline.ErrNotFound
	}
	return c, nil
}

func (d *fakeDirectory) BindIdentityLink(_ context.Context, l *timeline.IdentityLink) error {
	d.links = append(d.links, *l)
	return nil
}

func (d *fakeDirectory) SetConversationCustomer(_ context.Context, id, customerID string) error {
	d.convCust[id] = customerID
	return nil
}

type captureSender struct {
	codes []string
	err   error
}

func (s *captureSender) SendCode(_ context.Context, d Delivery) error {
	if s.err != nil {
		return s.err
	}
	s.codes = append(s.codes, d.Code)
	return nil
}

func (s *captureSender) last() string { return s.codes[len(s.codes)-1] }

type fixture struct {
	h      *Handler
	store  *authsession.SQLStore
	dir    *fakeDirectory
	sender *captureSender
	now    time.Time
	bound  []string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	store, err := authsession.NewSQLStore(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	f := &fixture{
		store: store,
		dir: &fakeDirectory{
			customers: map[string]*timeline.Customer{
				"cust-1": {ID: "cust-1", FullName: "Ada", Email: "ada@example.com",
					KBAQuestion: "What was the name of your first pet?", KBAAnswerHash: HashAnswer("Biscuit")},
			},
			convCust: map[string]string{},
		},
		sender: &captureSender{},
		now:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.h = NewHandler(store, f.dir, f.sender, config.DefaultConfig().Auth, "1-800-555-0100", func(ch, addr string) {
		f.bound = append(f.bound, ch+"|"+addr)
	})
	f.h.now = func() time.Time { return f.now }
	return f
}

func (f *fixture) send(t *testing.T, text string) Result {
	t.Helper()
	return f.handle(t, text, false)
}

// answer sends text as the reply to a security question prompt.
func (f *fixture) answer(t *testing.T, text string) Result {
	t.Helper()
	return f.handle(t, text, true)
}

func (f *fixture) handle(t *testing.T, text string, awaiting bool) Result {
	t.Helper()
	res, err := f.h.Handle(context.Background(), Request{
		ConversationID:  "conv-1",
		Channel:         "whatsapp",
		Address:         "+15550001111",
		CustomerID:      "cust-1",
		Text:            text,
		PendingQuestion: "what's my balance?",
		AwaitingAnswer:  awaiting,
	})
	if err != nil {
		t.Fatalf("handle %q: %v", text, err)
	}
	return res
}

func (f *fixture) level(t *testing.T) authsession.Level {
	t.Helper()
	l, err := f.store.CurrentLevel(context.Background(), "conv-1", f.now)
	if err != nil {
		t.Fatalf("current level: %v", err)
	}
	return l
}

func wrongCode(code string) string {
	if code == "000000" {
		return "111111"
	}
	return "000000"
}

func TestCommand(t *testing.T) {
	tests := []struct {
		in    string
		start authsession.Level
		code  string
	}{
		{"VERIFY", authsession.LevelOTP, ""},
		{" verify! ", authsession.LevelOTP, ""},
		{"verify kba", authsession.LevelKBA, ""},
		{"123456", authsession.LevelNone, "123456"},
		{"my code is 123456", authsession.LevelNone, ""},
		{"12345", authsession.LevelNone, ""},
	}
	for _, tc := range tests {
		start, code := Command(tc.in)
		if start != tc.start || code != tc.code {
			t.Errorf("Command(%q) = %s,%q want %s,%q", tc.in, start, code, tc.start, tc.code)
		}
	}
}

func TestEmbeddedCode(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"my code is 123456", "123456"},
		{"Here it is: 654321.", "654321"},
		{"code 123456 thanks", "123456"},
		{"1234567", ""},
		{"my code is 12345", ""},
		{"send 100 to account 123456", ""},
		{"123456 or 654321", ""},
		{strings.Repeat("a very long message ", 5) + "123456", ""},
	}
	for _, tc := range tests {
		if got := EmbeddedCode(tc.in); got != tc.want {
			t.Errorf("EmbeddedCode(%q) = %q want %q", tc.in, got, tc.want)
		}
	}
}

func TestOTPCodeInsideSentence(t *testing.T) {
	f := newFixture(t)

	// Without a pending challenge a sentence with digits is ordinary text.
	if res := f.send(t, "my code is 123456"); res.Handled() {
		t.Fatalf("expected unhandled without a challenge, got %+v", res)
	}

	f.send(t, "VERIFY")
	res := f.send(t, "my code is "+wrongCode(f.sender.last()))
	if res.Outcome != OutcomeInvalid {
		t.Fatalf("expected a wrong embedded code to count, got %+v", res)
	}
	res = f.send(t, "my code is "+f.sender.last())
	if res.Outcome != OutcomeVerified || res.Level != authsession.LevelOTP {
		t.Fatalf("expected verification from a sentence, got %+v", res)
	}
}

func TestOTPFlowVerifiesAndResumes(t *testing.T) {
	f := newFixture(t)

	res := f.send(t, "VERIFY")
	if res.Outcome != OutcomeStarted || len(f.sender.codes) != 1 {
		t.Fatalf("expected started with one code, got %+v", res)
	}
	if strings.Contains(res.Reply, f.sender.last()) {
		t.Fatal("reply must not contain the code")
	}

	// A repeated VERIFY reminds without resending.
	res = f.send(t, "verify")
	if res.Outcome != OutcomeReminded || len(f.sender.codes) != 1 {
		t.Fatalf("expected reminder without resend, got %+v (%d codes)", res, len(f.sender.codes))
	}
	if f.level(t) != authsession.LevelNone {
		t.Fatal("pending session must not grant a level")
	}

	res = f.send(t, f.sender.last())
	if res.Outcome != OutcomeVerified || res.Level != authsession.LevelOTP || res.PendingQuestion != "what's my balance?" {
		t.Fatalf("unexpected verify result: %+v", res)
	}
	if f.level(t) != authsession.LevelOTP {
		t.Fatalf("expected otp level, got %s", f.level(t))
	}
	if len(f.dir.links) != 1 || !f.dir.links[0].Verified || f.dir.convCust["conv-1"] != "cust-1" {
		t.Fatalf("expected identity link and conversation customer, got %+v %+v", f.dir.links, f.dir.convCust)
	}
	if len(f.bound) != 1 {
		t.Fatal("expected resolver invalidation callback")
	}

	res = f.send(t, "VERIFY")
	if res.Outcome != OutcomeAlreadyVerified {
		t.Fatalf("expected already verified, got %+v", res)
	}

	// The level decays after the session TTL.
	f.now = f.now.Add(31 * time.Minute)
	if f.level(t) != authsession.LevelNone {
		t.Fatal("expected level to decay after TTL")
	}
}

func TestLockoutRejectsCorrectCodeUntilNewVerify(t *testing.T) {
	f := newFixture(t)
	f.send(t, "VERIFY")
	code := f.sender.last()
	maxAttempts := config.DefaultConfig().Auth.MaxOTPAttempts

	for i := 1; i < maxAttempts; i++ {
		res := f.send(t, wrongCode(code))
		if res.Outcome != OutcomeInvalid || res.Remaining != maxAttempts-i || res.ErrorCode != CodeOTPInvalid {
			t.Fatalf("attempt %d: unexpected %+v", i, res)
		}
		switch res.Remaining {
		case 1:
			if !strings.HasSuffix(res.Reply, "You have 1 attempt left.") {
				t.Fatalf("expected singular wording, got %q", res.Reply)
			}
		default:
			if !strings.HasSuffix(res.Reply, fmt.Sprintf("You have %d attempts left.", res.Remaining)) {
				t.Fatalf("expected plural wording, got %q", res.Reply)
			}
		}
	}
	res := f.send(t, wrongCode(code))
	if res.Outcome != OutcomeLocked || res.ErrorCode != CodeOTPMaxAttempts {
		t.Fatalf("expected lock on attempt %d, got %+v", maxAttempts, res)
	}

	for i := 0; i < 2; i++ {
		if res := f.send(t, code); res.Outcome != OutcomeLocked {
			t.Fatalf("correct code after lockout must be rejected, got %+v", res)
		}
	}
	if f.level(t) != authsession.LevelNone {
		t.Fatal("locked conversation must have no level")
	}

	res = f.send(t, "VERIFY")
	if res.Outcome != OutcomeStarted || len(f.sender.codes) != 2 {
		t.Fatalf("expected a fresh challenge, got %+v", res)
	}
	if res := f.send(t, f.sender.last()); res.Outcome != OutcomeVerified {
		t.Fatalf("expected verification on fresh session, got %+v", res)
	}
}

func TestLockoutRevokesEarlierVerification(t *testing.T) {
	f := newFixture(t)
	f.send(t, "VERIFY")
	f.send(t, f.sender.last())
	if f.level(t) != authsession.LevelOTP {
		t.Fatal("expected otp")
	}
	res := f.send(t, "VERIFY KBA")
	if res.Outcome != OutcomeStarted || !strings.Contains(res.Reply, "first pet") {
		t.Fatalf("expected kba question, got %+v", res)
	}
	for i := 0; i < config.DefaultConfig().Auth.MaxKBAAttempts; i++ {
		res = f.answer(t, "Rex")
	}
	if res.Outcome != OutcomeLocked {
		t.Fatalf("expected kba lock, got %+v", res)
	}
	if f.level(t) != authsession.LevelNone {
		t.Fatalf("lockout must revoke the earlier otp level, got %s", f.level(t))
	}
}

func TestKBAVerifiesWithNormalizedAnswer(t *testing.T) {
	f := newFixture(t)
	f.send(t, "VERIFY KBA")
	res := f.answer(t, "  biscuit! ")
	if res.Outcome != OutcomeVerified || res.Level != authsession.LevelKBA {
		t.Fatalf("expected kba verification, got %+v", res)
	}
}

func TestExpiredCode(t *testing.T) {
	f := newFixture(t)
	f.send(t, "VERIFY")
	code := f.sender.last()
	f.now = f.now.Add(11 * time.Minute)
	if res := f.send(t, code); res.Outcome != OutcomeExpired {
		t.Fatalf("expected expired, got %+v", res)
	}
	if res := f.send(t, "VERIFY"); res.Outcome != OutcomeStarted {
		t.Fatalf("expected new challenge after expiry, got %+v", res)
	}
}

func TestNoChallengeAndNoCustomer(t *testing.T) {
	f := newFixture(t)
	if res := f.send(t, "123456"); res.Outcome != OutcomeNoChallenge {
		t.Fatalf("expected no challenge, got %+v", res)
	}
	if res := f.send(t, "what's my balance?"); res.Handled() {
		t.Fatalf("ordinary text must not be handled, got %+v", res)
	}
	res, err := f.h.Handle(context.Background(), Request{ConversationID: "conv-2", Text: "VERIFY"})
	if err != nil || res.Outcome != OutcomeNoCustomer {
		t.Fatalf("expected no customer, got %+v %v", res, err)
	}
}

func TestSendFailureIsStartFailed(t *testing.T) {
	f := newFixture(t)
	f.sender.err = errors.New("smtp down")
	_, err := f.h.Handle(context.Background(), Request{ConversationID: "conv-1", CustomerID: "cust-1", Text: "VERIFY"})
	var se *Error
	if !errors.As(err, &se) || se.Code != CodeOTPStartFailed {
		t.Fatalf("expected OTP_START_FAILED, got %v", err)
	}
	// The unsent challenge does not block a retry.
	f.sender.err = nil
	if res := f.send(t, "VERIFY"); res.Outcome != OutcomeStarted {
		t.Fatalf("expected retry to start, got %+v", res)
	}
}

func TestKBAIgnoresMessagesThatAreNotAnswers(t *testing.T) {
	f := newFixture(t)
	f.send(t, "VERIFY")
	f.send(t, f.sender.last())
	f.send(t, "VERIFY KBA")

	for _, text := range []string{"what are your branch hours?", "hello", "what's my balance?", "Rex"} {
		if res := f.send(t, text); res.Handled() {
			t.Fatalf("%q must not be taken as an answer, got %+v", text, res)
		}
	}
	if f.level(t) != authsession.LevelOTP {
		t.Fatalf("otp level must survive, got %s", f.level(t))
	}
	latest, err := f.store.Latest(context.Background(), "conv-1")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest.Status != authsession.StatusPending || latest.Attempts != 0 {
		t.Fatalf("challenge must be untouched, got %+v", latest)
	}
	if res := f.answer(t, "Biscuit"); res.Outcome != OutcomeVerified || res.Level != authsession.LevelKBA {
		t.Fatalf("expected kba verification, got %+v", res)
	}
}

// racingStore creates a competing challenge right before Create runs, the
// way a concurrent pipeline run would.
type racingStore struct {
	*authsession.SQLStore
	armed bool
}

func (s *racingStore) Create(ctx context.Context, sess *authsession.Session) error {
	if s.armed {
		s.armed = false
		rival := *sess
		rival.ID = "rival-session"
		if err := s.SQLStore.Create(ctx, &rival); err != nil {
			return err
		}
	}
	return s.SQLStore.Create(ctx, sess)
}

func TestConcurrentStartReminds(t *testing.T) {
	f := newFixture(t)
	f.h.store = &racingStore{SQLStore: f.store, armed: true}

	res := f.send(t, "VERIFY")
	if res.Outcome != OutcomeReminded || res.Method != authsession.LevelOTP {
		t.Fatalf("expected a reminder for the rival challenge, got %+v", res)
	}
	if res.Remaining != config.DefaultConfig().Auth.MaxOTPAttempts {
		t.Fatalf("expected full attempts on the rival challenge, got %d", res.Remaining)
	}
	if len(f.sender.codes) != 0 {
		t.Fatal("losing run must not send a code")
	}
	latest, err := f.store.Latest(context.Background(), "conv-1")
	if err != nil || latest.ID != "rival-session" {
		t.Fatalf("expected the rival session to stand, got %+v %v", latest, err)
	}
}
