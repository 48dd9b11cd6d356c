package supervisor

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/scalytics/tellerline/internal/agent"
	"github.com/scalytics/tellerline/internal/audit"
	"github.com/scalytics/tellerline/internal/authsession"
	"github.com/scalytics/tellerline/internal/banking"
	"github.com/scalytics/tellerline/internal/bus"
	"github.com/scalytics/tellerline/internal/channels"
	"github.com/scalytics/tellerline/internal/config"
	"github.com/scalytics/tellerline/internal/executor"
	"github.com/scalytics/tellerline/internal/identity"
	"github.com/scalytics/tellerline/internal/knowledge"
	"github.com/scalytics/tellerline/internal/policy"
	"github.com/scalytics/tellerline/internal/stepup"
	"github.com/scalytics/tellerline/internal/timeline"
	"github.com/scalytics/tellerline/internal/tools"
)

const (
	customerPhone = "+15550001111"
	customerID    = "cust-1"
)

type fakeGateway struct {
	mu   sync.Mutex
	name string
	sent []*bus.OutboundMessage
	fail error
}

func (g *fakeGateway) Name() string {
	if g.name == "" {
		return "whatsapp"
	}
	return g.name
}

func (g *fakeGateway) Send(_ context.Context, msg *bus.OutboundMessage) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.fail != nil {
		return "", g.fail
	}
	g.sent = append(g.sent, msg)
	return "wa-" + msg.MessageID, nil
}

func (g *fakeGateway) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sent)
}

type captureSender struct {
	mu    sync.Mutex
	codes []string
}

func (s *captureSender) SendCode(_ context.Context, d stepup.Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes = append(s.codes, d.Code)
	return nil
}

func (s *captureSender) last() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.codes[len(s.codes)-1]
}

type captureEscalator struct {
	mu   sync.Mutex
	sent []channels.Escalation
}

func (e *captureEscalator) Escalate(_ context.Context, esc channels.Escalation) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sent = append(e.sent, esc)
	return nil
}

// flakyStore fails CurrentLevel on demand.
type flakyStore struct {
	*authsession.SQLStore
	failLevel bool
}

func (s *flakyStore) CurrentLevel(ctx context.Context, conversationID string, now time.Time) (authsession.Level, error) {
	if s.failLevel {
		return authsession.LevelNone, errors.New("session store unavailable")
	}
	return s.SQLStore.CurrentLevel(ctx, conversationID, now)
}

type harness struct {
	sup       *Supervisor
	tl        *timeline.TimelineService
	core      *banking.SQLCore
	sessions  *flakyStore
	gw        *fakeGateway
	codes     *captureSender
	escalator *captureEscalator
	seq       int
}

func newHarness(t *testing.T, mutate func(*config.Config, *Deps)) *harness {
	t.Helper()
	ctx := context.Background()
	tl, err := timeline.NewTimelineService(filepath.Join(t.TempDir(), "timeline.db"))
	if err != nil {
		t.Fatalf("open timeline: %v", err)
	}
	t.Cleanup(func() { _ = tl.Close() })

	store, err := authsession.NewSQLStore(tl.DB())
	if err != nil {
		t.Fatalf("new session store: %v", err)
	}
	core, err := banking.NewSQLCore(tl.DB())
	if err != nil {
		t.Fatalf("new core: %v", err)
	}
	if err := core.SeedDemo(ctx, customerID); err != nil {
		t.Fatalf("seed banking: %v", err)
	}
	kb, err := knowledge.NewBase(tl.DB())
	if err != nil {
		t.Fatalf("new knowledge base: %v", err)
	}
	if err := kb.SeedDefaults(ctx); err != nil {
		t.Fatalf("seed knowledge: %v", err)
	}
	if err := tl.UpsertCustomer(ctx, &timeline.Customer{
		ID:            customerID,
		FullName:      "Ada Lovelace",
		Phone:         customerPhone,
		Email:         "ada@example.com",
		KBAQuestion:   "What was the name of your first pet?",
		KBAAnswerHash: stepup.HashAnswer("Biscuit"),
	}); err != nil {
		t.Fatalf("upsert customer: %v", err)
	}

	cfg := config.DefaultConfig()
	h := &harness{
		tl:        tl,
		core:      core,
		sessions:  &flakyStore{SQLStore: store},
		gw:        &fakeGateway{},
		codes:     &captureSender{},
		escalator: &captureEscalator{},
	}
	recorder := audit.NewRecorder(audit.NewTimelineSink(tl))
	resolver := identity.NewResolver(tl, time.Minute)
	deps := Deps{
		Config:    cfg,
		Timeline:  tl,
		Sessions:  h.sessions,
		Resolver:  resolver,
		Grants:    policy.NewGrants(cfg.Permissions),
		Projector: banking.NewProjector(core),
		Knowledge: kb,
		Executor:  executor.New(tools.NewBankingRegistry(core), policy.NewDefaultEngine(), recorder),
		Gateways:  channels.NewGateways(h.gw),
		Escalator: h.escalator,
		Recorder:  recorder,
	}
	if mutate != nil {
		mutate(cfg, &deps)
	}
	deps.StepUp = stepup.NewHandler(h.sessions, tl, h.codes, cfg.Auth, cfg.Support.HumanLine, resolver.Invalidate)
	sup, err := New(deps)
	if err != nil {
		t.Fatalf("new supervisor: %v", err)
	}
	h.sup = sup
	return h
}

func (h *harness) send(t *testing.T, text string) Result {
	t.Helper()
	return h.sendOn(t, "whatsapp", text)
}

func (h *harness) sendOn(t *testing.T, channel, text string) Result {
	t.Helper()
	h.seq++
	provider := channel
	if channel == "whatsapp" {
		provider = channels.ProviderWhatsApp
	}
	res, err := h.sup.Intake(context.Background(), &bus.InboundMessage{
		Channel:           channel,
		FromAddress:       customerPhone,
		ToAddress:         "+15559990000",
		Provider:          provider,
		ProviderMessageID: fmt.Sprintf("wamid-%d", h.seq),
		Text:              text,
	})
	if err != nil {
		t.Fatalf("intake %q: %v", text, err)
	}
	return res
}

func (h *harness) verifyOTP(t *testing.T) {
	t.Helper()
	h.send(t, "VERIFY")
	res := h.send(t, h.codes.last())
	if !strings.HasPrefix(res.Reply, "Thanks, you're verified.") {
		t.Fatalf("otp verification reply = %q", res.Reply)
	}
}

func (h *harness) verifyKBA(t *testing.T) {
	t.Helper()
	h.send(t, "VERIFY KBA")
	res := h.send(t, "Biscuit")
	if !strings.HasPrefix(res.Reply, "Thanks, you're verified.") {
		t.Fatalf("kba verification reply = %q", res.Reply)
	}
}

func (h *harness) cardStatus(t *testing.T, id string) string {
	t.Helper()
	cards, err := h.core.Cards(context.Background(), customerID)
	if err != nil {
		t.Fatalf("cards: %v", err)
	}
	for _, c := range cards {
		if c.ID == id {
			return c.Status
		}
	}
	t.Fatalf("card %s not found", id)
	return ""
}

func (h *harness) auditText(t *testing.T, conversationID string) string {
	t.Helper()
	recs, err := h.tl.ListAudit(context.Background(), conversationID)
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	var b strings.Builder
	for _, r := range recs {
		b.WriteString(r.InputRedacted)
		b.WriteString(r.OutputRedacted)
	}
	return b.String()
}

func (h *harness) outboundCount(t *testing.T, conversationID string) int {
	t.Helper()
	msgs, err := h.tl.ListRecentMessages(context.Background(), conversationID, 0, 100)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	n := 0
	for _, m := range msgs {
		if m.Direction == timeline.DirectionOutbound {
			n++
		}
	}
	return n
}

func TestStageOrder(t *testing.T) {
	h := newHarness(t, nil)
	want := []string{"load_context", "resolve_identity", "handle_step_up", "route_agent", "agent_execute",
		"execute_actions", "auth_gate", "format_response", "persist_and_send", "wrap_up"}
	got := h.sup.StageNames()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("stages = %v", got)
	}
}

func TestUnverifiedBalanceRequestsVerification(t *testing.T) {
	h := newHarness(t, nil)
	res := h.send(t, "what's my balance?")

	if res.Disposition != DispositionVerificationRequested {
		t.Fatalf("disposition = %s", res.Disposition)
	}
	if !res.RequiresAuth {
		t.Fatal("expected requires auth")
	}
	if !strings.Contains(res.Reply, "VERIFY") {
		t.Fatalf("reply = %q", res.Reply)
	}
	if !res.Delivered || h.gw.count() != 1 {
		t.Fatalf("delivered=%v sends=%d", res.Delivered, h.gw.count())
	}
	for _, leaked := range []string{"$", "543.12", "2,543"} {
		if strings.Contains(res.Reply, leaked) {
			t.Fatalf("reply leaks %q: %q", leaked, res.Reply)
		}
		if strings.Contains(h.auditText(t, res.ConversationID), leaked) {
			t.Fatalf("audit leaks %q", leaked)
		}
	}
}

func TestVerifyResumesPendingBalanceQuestion(t *testing.T) {
	h := newHarness(t, nil)
	h.send(t, "what's my balance?")
	started := h.send(t, "VERIFY")
	if started.Disposition != DispositionVerificationRequested {
		t.Fatalf("VERIFY disposition = %s", started.Disposition)
	}
	if len(h.codes.codes) != 1 {
		t.Fatalf("codes sent = %d", len(h.codes.codes))
	}

	res := h.send(t, h.codes.last())
	if !strings.HasPrefix(res.Reply, "Thanks, you're verified.") {
		t.Fatalf("reply = %q", res.Reply)
	}
	if !strings.Contains(res.Reply, "balance of") || !strings.Contains(res.Reply, "6789") {
		t.Fatalf("reply does not answer the balance question: %q", res.Reply)
	}
	if res.RequiresAuth || res.Disposition != DispositionInProgress {
		t.Fatalf("requiresAuth=%v disposition=%s", res.RequiresAuth, res.Disposition)
	}
	if strings.Count(res.Reply, "Thanks, you're verified.") != 1 {
		t.Fatalf("confirmation repeated: %q", res.Reply)
	}
	// The next turn carries no confirmation prefix.
	next := h.send(t, "what's my balance?")
	if strings.HasPrefix(next.Reply, "Thanks") {
		t.Fatalf("second reply = %q", next.Reply)
	}
	if strings.Contains(h.auditText(t, res.ConversationID), "543.12") {
		t.Fatal("audit trail contains a balance figure")
	}
}

func TestKBAFreezeClearsPendingAction(t *testing.T) {
	h := newHarness(t, nil)
	h.verifyKBA(t)

	res := h.send(t, "please freeze my card")
	if res.Agent != agent.NameFraud {
		t.Fatalf("agent = %s", res.Agent)
	}
	if len(res.Errors) != 0 {
		t.Fatalf("errors = %+v", res.Errors)
	}
	if got := h.cardStatus(t, customerID+"-card-1"); got != banking.CardFrozen {
		t.Fatalf("card status = %s", got)
	}
	if res.PendingAction != "" {
		t.Fatalf("pending action = %q", res.PendingAction)
	}
	if !strings.Contains(res.Reply, "frozen") {
		t.Fatalf("reply = %q", res.Reply)
	}

	next := h.send(t, "yes")
	if next.Agent == agent.NameFraud {
		t.Fatal("stray yes was routed to the fraud confirmation")
	}
	if agent.OfferedFreeze(next.Reply) {
		t.Fatalf("freeze offered again: %q", next.Reply)
	}
}

func TestOTPFreezeIsGatedToKBA(t *testing.T) {
	h := newHarness(t, nil)
	h.verifyOTP(t)

	res := h.send(t, "freeze my card")
	if !res.RequiresAuth {
		t.Fatal("expected requires auth")
	}
	if !strings.Contains(res.Reply, "VERIFY KBA") {
		t.Fatalf("reply = %q", res.Reply)
	}
	if got := h.cardStatus(t, customerID+"-card-1"); got != banking.CardActive {
		t.Fatalf("card status = %s", got)
	}
	if res.Disposition != DispositionVerificationRequested {
		t.Fatalf("disposition = %s", res.Disposition)
	}
}

func TestFraudCaseThenYesFreezes(t *testing.T) {
	h := newHarness(t, nil)
	h.verifyKBA(t)

	report := h.send(t, "I don't recognise a charge of $45 at a gas station")
	if report.CaseID == "" {
		t.Fatalf("no fraud case: %+v", report)
	}
	if !strings.Contains(report.Reply, report.CaseID) {
		t.Fatalf("reply missing case id: %q", report.Reply)
	}
	if report.PendingAction != agent.PendingFreezePrompted {
		t.Fatalf("pending action = %q", report.PendingAction)
	}

	res := h.send(t, "yes")
	if res.Agent != agent.NameFraud || res.Intent != string(agent.IntentFreezeConfirm) {
		t.Fatalf("agent=%s intent=%s", res.Agent, res.Intent)
	}
	if !strings.Contains(h.auditText(t, res.ConversationID), "follow_up_confirmation") {
		t.Fatal("route reason not audited")
	}
	if got := h.cardStatus(t, customerID+"-card-1"); got != banking.CardFrozen {
		t.Fatalf("card status = %s", got)
	}
	if res.PendingAction != "" {
		t.Fatalf("pending action = %q", res.PendingAction)
	}
}

func TestStrayYesIsNotAConfirmation(t *testing.T) {
	h := newHarness(t, nil)
	h.verifyKBA(t)
	res := h.send(t, "yes")
	if res.Agent == agent.NameFraud {
		t.Fatal("yes without an offer routed to fraud")
	}
	if got := h.cardStatus(t, customerID+"-card-1"); got != banking.CardActive {
		t.Fatalf("card status = %s", got)
	}
}

func TestSameMessageIsDeliveredOnce(t *testing.T) {
	h := newHarness(t, nil)
	first := h.send(t, "what are your opening hours?")
	if first.WasDuplicate {
		t.Fatal("first run reported duplicate")
	}

	again := h.sup.Run(context.Background(), InboundEvent{
		ConversationID: first.ConversationID,
		MessageID:      first.MessageID,
		Channel:        "whatsapp",
	})
	if !again.WasDuplicate {
		t.Fatal("expected was_duplicate on the second run")
	}
	if again.OutboundMessageID != first.OutboundMessageID || again.Reply != first.Reply {
		t.Fatalf("replay = %+v, first = %+v", again, first)
	}

	// The provider redelivers the same inbound message.
	h.seq--
	redelivered := h.send(t, "what are your opening hours?")
	if !redelivered.WasDuplicate || redelivered.MessageID != first.MessageID {
		t.Fatalf("redelivered = %+v", redelivered)
	}
	if n := h.outboundCount(t, first.ConversationID); n != 1 {
		t.Fatalf("outbound records = %d", n)
	}
	if h.gw.count() != 1 {
		t.Fatalf("gateway sends = %d", h.gw.count())
	}
}

func TestAuthGateFailsClosed(t *testing.T) {
	h := newHarness(t, nil)
	h.verifyOTP(t)
	h.sessions.failLevel = true

	res := h.send(t, "what's my balance?")
	if !res.RequiresAuth {
		t.Fatal("gate failure must require auth")
	}
	found := false
	for _, e := range res.Errors {
		if e.Code == CodeAuthGateFailed {
			found = true
		}
	}
	if !found {
		t.Fatalf("errors = %+v", res.Errors)
	}
	if strings.Contains(res.Reply, "balance of") {
		t.Fatalf("reply disclosed the balance: %q", res.Reply)
	}
}

type draftAgent struct {
	draft string
}

func (draftAgent) Name() string { return agent.NameGeneralInfo }

func (a draftAgent) Decide(agent.Context) (agent.Result, error) {
	return agent.Result{AgentName: agent.NameGeneralInfo, Intent: agent.IntentGreeting, ReplyDraft: a.draft}, nil
}

func TestUnverifiedReplyIsRedacted(t *testing.T) {
	h := newHarness(t, func(_ *config.Config, d *Deps) {
		d.Agents = []agent.Agent{draftAgent{draft: "Your balance is $1,234.56 on card 4111 1111 1111 1111."}, agent.Fraud{}}
	})
	res := h.send(t, "hello")
	if strings.Contains(res.Reply, "1,234.56") || strings.Contains(res.Reply, "4111 1111 1111 1111") {
		t.Fatalf("reply not redacted: %q", res.Reply)
	}
	if !strings.Contains(res.Reply, "[redacted]") {
		t.Fatalf("reply missing marker: %q", res.Reply)
	}
}

type panicAgent struct{}

func (panicAgent) Name() string { return agent.NameGeneralInfo }

func (panicAgent) Decide(agent.Context) (agent.Result, error) { panic("boom") }

func TestPanickingAgentFallsBack(t *testing.T) {
	h := newHarness(t, func(_ *config.Config, d *Deps) {
		d.Agents = []agent.Agent{panicAgent{}, agent.Fraud{}}
	})
	res := h.send(t, "hello")
	if res.Disposition != DispositionEscalated {
		t.Fatalf("disposition = %s", res.Disposition)
	}
	if len(res.Errors) != 1 || res.Errors[0].Code != CodeAgentExecutionFailed {
		t.Fatalf("errors = %+v", res.Errors)
	}
	if strings.Contains(res.Reply, "boom") || !strings.Contains(res.Reply, "something went wrong") {
		t.Fatalf("reply = %q", res.Reply)
	}
	if !res.Delivered {
		t.Fatal("fallback reply was not delivered")
	}
	if len(h.escalator.sent) != 1 || h.escalator.sent[0].ErrorCode != string(CodeAgentExecutionFailed) {
		t.Fatalf("escalations = %+v", h.escalator.sent)
	}
	conv, err := h.tl.GetConversation(context.Background(), res.ConversationID)
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if conv.Status != timeline.ConversationEscalated {
		t.Fatalf("conversation status = %s", conv.Status)
	}
}

func TestLockoutRejectsCorrectCode(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config, _ *Deps) {
		cfg.Auth.MaxOTPAttempts = 6
	})
	h.send(t, "VERIFY")
	code := h.codes.last()
	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}
	for i := 0; i < 6; i++ {
		h.send(t, wrong)
	}
	res := h.send(t, code)
	if !strings.Contains(res.Reply, "locked") {
		t.Fatalf("reply = %q", res.Reply)
	}
	level, err := h.sessions.CurrentLevel(context.Background(), res.ConversationID, time.Now())
	if err != nil {
		t.Fatalf("current level: %v", err)
	}
	if level != authsession.LevelNone {
		t.Fatalf("level = %s", level)
	}

	// A fresh VERIFY starts over.
	h.send(t, "VERIFY")
	if len(h.codes.codes) != 2 {
		t.Fatalf("codes sent = %d", len(h.codes.codes))
	}
	h.send(t, h.codes.last())
	level, _ = h.sessions.CurrentLevel(context.Background(), res.ConversationID, time.Now())
	if level != authsession.LevelOTP {
		t.Fatalf("level after new VERIFY = %s", level)
	}
}

func TestEveryStageIsAudited(t *testing.T) {
	h := newHarness(t, nil)
	res := h.send(t, "hello")
	recs, err := h.tl.ListAudit(context.Background(), res.ConversationID)
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	seen := map[string]bool{}
	for _, r := range recs {
		seen[r.EventType] = true
	}
	for _, name := range h.sup.StageNames() {
		if !seen["stage."+name] {
			t.Errorf("no audit event for %s", name)
		}
	}
}

func TestSendFailureIsRetried(t *testing.T) {
	h := newHarness(t, nil)
	h.gw.fail = errors.New("gateway down")
	res := h.send(t, "hello")
	if res.Delivered {
		t.Fatal("expected undelivered reply")
	}
	if !strings.Contains(fmt.Sprint(res.Errors), string(CodeMessageSendFailed)) {
		t.Fatalf("errors = %+v", res.Errors)
	}
	if res.Disposition != DispositionEscalated {
		t.Fatalf("disposition = %s", res.Disposition)
	}
	msg, err := h.tl.GetMessage(context.Background(), res.OutboundMessageID)
	if err != nil {
		t.Fatalf("get outbound: %v", err)
	}
	if msg.DeliveryStatus != timeline.DeliveryFailed || msg.DeliveryNextAt == nil {
		t.Fatalf("outbound = %+v", msg)
	}
	if got := decodeOutboundBody(msg.BodyJSON).DispositionCode; got != string(DispositionEscalated) {
		t.Fatalf("stored disposition = %q", got)
	}
	// The retry worker owns the reply; nobody is paged yet.
	if len(h.escalator.sent) != 0 {
		t.Fatalf("escalations = %+v", h.escalator.sent)
	}
}

func TestMissingGatewayEscalatesImmediately(t *testing.T) {
	h := newHarness(t, nil)
	res := h.sendOn(t, "email", "hello")
	if res.Delivered || res.Disposition != DispositionEscalated {
		t.Fatalf("delivered=%v disposition=%s", res.Delivered, res.Disposition)
	}
	msg, err := h.tl.GetMessage(context.Background(), res.OutboundMessageID)
	if err != nil {
		t.Fatalf("get outbound: %v", err)
	}
	if msg.DeliveryStatus != timeline.DeliveryAbandoned {
		t.Fatalf("outbound = %+v", msg)
	}
	if len(h.escalator.sent) != 1 || h.escalator.sent[0].ErrorCode != string(CodeMessageSendFailed) {
		t.Fatalf("escalations = %+v", h.escalator.sent)
	}
}

func TestDeliveryWorkerPoll(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	conv, err := h.tl.EnsureConversation(ctx, "whatsapp", customerPhone)
	if err != nil {
		t.Fatalf("ensure conversation: %v", err)
	}
	due, err := h.tl.InsertOutbound(ctx, &timeline.Message{
		ConversationID: conv.ID, Provider: channels.ProviderWhatsApp, ProviderMessageID: "OUT-a",
		ToAddress: customerPhone, BodyText: "hello again",
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	exhausted, err := h.tl.InsertOutbound(ctx, &timeline.Message{
		ConversationID: conv.ID, Provider: channels.ProviderWhatsApp, ProviderMessageID: "OUT-b",
		ToAddress: customerPhone, BodyText: "too late", DeliveryStatus: timeline.DeliveryFailed, DeliveryAttempts: 5,
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	w := NewDeliveryWorker(h.sup)
	if sent := w.Poll(ctx); sent != 1 {
		t.Fatalf("sent = %d", sent)
	}
	got, _ := h.tl.GetMessage(ctx, due.MessageID)
	if got.DeliveryStatus != timeline.DeliverySent || got.ExternalRef != "wa-"+due.MessageID {
		t.Fatalf("due = %+v", got)
	}
	got, _ = h.tl.GetMessage(ctx, exhausted.MessageID)
	if got.DeliveryStatus != timeline.DeliveryAbandoned {
		t.Fatalf("exhausted = %+v", got)
	}
	if len(h.escalator.sent) != 1 || h.escalator.sent[0].ConversationID != conv.ID ||
		h.escalator.sent[0].ErrorCode != string(CodeMessageSendFailed) {
		t.Fatalf("escalations = %+v", h.escalator.sent)
	}
	if w.Poll(ctx) != 0 {
		t.Fatal("second poll resent")
	}
}

func TestDeliveryBackoff(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 30 * time.Second},
		{1, time.Minute},
		{3, 4 * time.Minute},
		{4, 5 * time.Minute},
		{20, 5 * time.Minute},
	}
	for _, tt := range tests {
		if got := DeliveryBackoff(tt.attempts, now).Sub(now); got != tt.want {
			t.Errorf("attempts=%d: got %s, want %s", tt.attempts, got, tt.want)
		}
	}
}

func TestServeProcessesBus(t *testing.T) {
	h := newHarness(t, nil)
	b := bus.NewMessageBus()
	delivered := make(chan *bus.OutboundMessage, 1)
	b.Subscribe("whatsapp", func(m *bus.OutboundMessage) { delivered <- m })
	h.sup.Bus = b

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.sup.Serve(ctx, b, 2)
		close(done)
	}()
	if err := b.PublishInbound(ctx, &bus.InboundMessage{
		Channel: "whatsapp", FromAddress: customerPhone, Provider: channels.ProviderWhatsApp,
		ProviderMessageID: "wamid-bus", Text: "hello",
	}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case m := <-delivered:
		if m.To != customerPhone {
			t.Fatalf("to = %s", m.To)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reply delivered")
	}
	cancel()
	<-done
}

func TestDisposition(t *testing.T) {
	tests := []struct {
		name string
		st   State
		want Disposition
	}{
		{"errors escalate", State{Errors: []StageError{{Code: CodeAgentRoutingFailed}}}, DispositionEscalated},
		{"handoff", State{Actions: []agent.Action{agent.HandoffSuggest{}}}, DispositionEscalated},
		{"gate", State{RequiresAuth: true}, DispositionVerificationRequested},
		{"step-up prompt", State{StepUpHandled: true, StepUp: &stepup.Result{Outcome: stepup.OutcomeStarted}}, DispositionVerificationRequested},
		{"step-up verified", State{StepUpHandled: true, StepUp: &stepup.Result{Outcome: stepup.OutcomeVerified}}, DispositionInProgress},
		{"clarify", State{Actions: []agent.Action{agent.AskClarifyingQuestion{}}}, DispositionClarificationRequested},
		{"faq", State{Actions: []agent.Action{agent.AnswerFAQ{}}}, DispositionFAQAnswered},
		{"plain", State{}, DispositionInProgress},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := dispositionOf(&tt.st); got != tt.want {
				t.Fatalf("got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestOTPCodeInsideSentenceVerifies(t *testing.T) {
	h := newHarness(t, nil)
	h.send(t, "what's my balance?")
	h.send(t, "VERIFY")

	res := h.send(t, "my code is "+h.codes.last())
	if !strings.HasPrefix(res.Reply, "Thanks, you're verified.") {
		t.Fatalf("reply = %q", res.Reply)
	}
	if !strings.Contains(res.Reply, "balance of") {
		t.Fatalf("pending balance question not answered: %q", res.Reply)
	}
}

func TestUnrelatedMessagesDoNotAnswerSecurityQuestion(t *testing.T) {
	h := newHarness(t, nil)
	h.verifyOTP(t)

	prompt := h.send(t, "VERIFY KBA")
	if !strings.Contains(prompt.Reply, "first pet") || prompt.PendingAction != agent.PendingSecurityAnswer {
		t.Fatalf("prompt = %q pending = %q", prompt.Reply, prompt.PendingAction)
	}

	res := h.send(t, "what's my balance?")
	if strings.Contains(res.Reply, "attempt") || !strings.Contains(res.Reply, "balance of") {
		t.Fatalf("balance question was taken as an answer: %q", res.Reply)
	}
	if res.PendingAction != "" {
		t.Fatalf("pending action = %q", res.PendingAction)
	}
	// Once the prompt is no longer the last reply, a guess is ordinary text.
	if res := h.send(t, "Rex"); strings.Contains(res.Reply, "didn't match") {
		t.Fatalf("stray text was taken as an answer: %q", res.Reply)
	}

	h.send(t, "VERIFY KBA")
	for _, text := range []string{"what are your branch hours?", "hello"} {
		if res := h.send(t, text); strings.Contains(res.Reply, "attempt") || strings.Contains(res.Reply, "locked") {
			t.Fatalf("%q was taken as an answer: %q", text, res.Reply)
		}
		h.send(t, "VERIFY KBA")
	}

	latest, err := h.sessions.Latest(context.Background(), res.ConversationID)
	if err != nil {
		t.Fatalf("latest session: %v", err)
	}
	if latest.Status != authsession.StatusPending || latest.Attempts != 0 {
		t.Fatalf("challenge = %+v", latest)
	}
	level, err := h.sessions.CurrentLevel(context.Background(), res.ConversationID, time.Now())
	if err != nil || level != authsession.LevelOTP {
		t.Fatalf("level = %s (%v)", level, err)
	}

	done := h.send(t, "Biscuit")
	if !strings.HasPrefix(done.Reply, "Thanks, you're verified.") {
		t.Fatalf("reply = %q", done.Reply)
	}
}

func TestSecurityAnswerIsNotAudited(t *testing.T) {
	h := newHarness(t, nil)
	h.verifyKBA(t)
	res := h.send(t, "hello")

	trail := h.auditText(t, res.ConversationID)
	if strings.Contains(strings.ToLower(trail), "biscuit") {
		t.Fatal("audit trail contains the security answer")
	}
	if !strings.Contains(trail, agent.RedactedSecurityAnswer) {
		t.Fatal("audit trail is missing the redaction marker")
	}
}

func TestVoiceRepliesAreSpokenAndReadOnly(t *testing.T) {
	voice := &fakeGateway{name: "voice"}
	h := newHarness(t, func(cfg *config.Config, d *Deps) {
		cfg.Replies.MaxChars.Voice = 120
		d.Gateways.Register(voice)
	})

	h.sendOn(t, "voice", "VERIFY")
	verified := h.sendOn(t, "voice", h.codes.last())
	if !strings.HasPrefix(verified.Reply, "Okay. ") || !strings.Contains(verified.Reply, "Thanks, you're verified.") {
		t.Fatalf("verify reply = %q", verified.Reply)
	}

	res := h.sendOn(t, "voice", "what's my balance?")
	if !strings.HasPrefix(res.Reply, "Okay. ") {
		t.Fatalf("reply lacks the spoken ack: %q", res.Reply)
	}
	if n := len([]rune(res.Reply)); n > 120 {
		t.Fatalf("reply has %d chars: %q", n, res.Reply)
	}
	if strings.Contains(res.Reply, "balance of") || strings.Contains(res.Reply, "$") {
		t.Fatalf("voice disclosed the balance: %q", res.Reply)
	}
	if !strings.Contains(res.Reply, "not able to share your balance") {
		t.Fatalf("reply = %q", res.Reply)
	}
	if strings.ContainsAny(res.Reply, "*_`\n") {
		t.Fatalf("reply has markup: %q", res.Reply)
	}
	if voice.count() != 3 || h.gw.count() != 0 {
		t.Fatalf("voice sends = %d, whatsapp sends = %d", voice.count(), h.gw.count())
	}

	blocked := h.sendOn(t, "voice", "freeze my card")
	if got := h.cardStatus(t, customerID+"-card-1"); got != banking.CardActive {
		t.Fatalf("voice froze a card: %s (%q)", got, blocked.Reply)
	}
}

