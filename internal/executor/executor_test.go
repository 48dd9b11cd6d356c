package executor

import (
	"context"
	"database/sql"
	"strings"
	"sync"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/scalytics/tellerline/internal/agent"
	"github.com/scalytics/tellerline/internal/audit"
	"github.com/scalytics/tellerline/internal/authsession"
	"github.com/scalytics/tellerline/internal/banking"
	"github.com/scalytics/tellerline/internal/policy"
	"github.com/scalytics/tellerline/internal/tools"
)

type memorySink struct {
	mu     sync.Mutex
	events []audit.Event
}

func (m *memorySink) Write(_ context.Context, evt *audit.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, *evt)
	return nil
}

type fixture struct {
	core *banking.SQLCore
	exec *Executor
	sink *memorySink
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	core, err := banking.NewSQLCore(db)
	if err != nil {
		t.Fatalf("new core: %v", err)
	}
	if err := core.SeedDemo(context.Background(), "cust-1"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	sink := &memorySink{}
	exec := New(tools.NewBankingRegistry(core), policy.NewDefaultEngine(), audit.NewRecorder(sink))
	return &fixture{core: core, exec: exec, sink: sink}
}

var allPerms = policy.NewPermissionSet(policy.PermReadCards, policy.PermFreezeCard, policy.PermCreateFraudCase)

func request(level authsession.Level) Request {
	return Request{
		ConversationID: "conv-1",
		MessageID:      "msg-1",
		Channel:        "whatsapp",
		CustomerID:     "cust-1",
		AuthLevel:      level,
		Permissions:    allPerms,
	}
}

func cardStatus(t *testing.T, core *banking.SQLCore, id string) string {
	t.Helper()
	cards, err := core.Cards(context.Background(), "cust-1")
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

func TestFreezeRequiresExactlyKBA(t *testing.T) {
	f := newFixture(t)
	freeze := []agent.Action{agent.FreezeCard{CustomerID: "cust-1", CardID: "cust-1-card-1", Reason: "test"}}

	tests := []struct {
		name    string
		req     Request
		subCode string
	}{
		{"no auth", request(authsession.LevelNone), policy.CodeAuthRequired},
		{"otp only", request(authsession.LevelOTP), policy.CodeAuthInsufficient},
		{"no permission", func() Request {
			r := request(authsession.LevelKBA)
			r.Permissions = policy.NewPermissionSet(policy.PermReadCards)
			return r
		}(), policy.CodePermissionDenied},
		{"no customer", func() Request {
			r := request(authsession.LevelKBA)
			r.CustomerID = ""
			return r
		}(), policy.CodeMissingCustomerID},
	}
	for _, tc := range tests {
		outcomes, err := f.exec.Execute(context.Background(), freeze, tc.req)
		if SubCode(err) != tc.subCode || len(outcomes) != 0 {
			t.Errorf("%s: expected %s, got %v (%d outcomes)", tc.name, tc.subCode, err, len(outcomes))
		}
	}
	if got := cardStatus(t, f.core, "cust-1-card-1"); got != banking.CardActive {
		t.Fatalf("denied freeze must not touch the card, status %s", got)
	}

	outcomes, err := f.exec.Execute(context.Background(), freeze, request(authsession.LevelKBA))
	if err != nil || len(outcomes) != 1 {
		t.Fatalf("freeze at kba: %v", err)
	}
	if got := cardStatus(t, f.core, "cust-1-card-1"); got != banking.CardFrozen {
		t.Fatalf("expected frozen card, got %s", got)
	}
}

func TestCustomerMismatchDenied(t *testing.T) {
	f := newFixture(t)
	_, err := f.exec.Execute(context.Background(), []agent.Action{agent.ListCards{CustomerID: "cust-2"}}, request(authsession.LevelOTP))
	if SubCode(err) != policy.CodePermissionDenied {
		t.Fatalf("expected PERMISSION_DENIED, got %v", err)
	}
}

func TestFailFastStopsAtFirstFailure(t *testing.T) {
	f := newFixture(t)
	actions := []agent.Action{
		agent.AskClarifyingQuestion{Question: "anything else?"},
		agent.CreateFraudCase{CustomerID: "cust-1", Description: "unknown charge", Priority: "high"},
		agent.FreezeCard{CustomerID: "cust-1", CardID: "cust-1-card-2", Reason: "closed card"},
		agent.FreezeCard{CustomerID: "cust-1", CardID: "cust-1-card-1", Reason: "never reached"},
	}
	outcomes, err := f.exec.Execute(context.Background(), actions, request(authsession.LevelKBA))
	if SubCode(err) != tools.CodeCardNotActive {
		t.Fatalf("expected CARD_NOT_ACTIVE, got %v", err)
	}
	if len(outcomes) != 1 || outcomes[0].Tool != tools.NameCreateFraudCase {
		t.Fatalf("expected only the fraud case outcome, got %+v", outcomes)
	}
	if got := cardStatus(t, f.core, "cust-1-card-1"); got != banking.CardActive {
		t.Fatalf("action after the failure must not run, card status %s", got)
	}
	if len(f.sink.events) != 2 || f.sink.events[0].EventType != "tool.create_fraud_case" || f.sink.events[1].Success {
		t.Fatalf("unexpected audit events: %+v", f.sink.events)
	}
}

func TestInformationalActionsSkipTools(t *testing.T) {
	f := newFixture(t)
	actions := []agent.Action{
		agent.AnswerFAQ{Topic: "fees"},
		agent.RequestVerification{Level: authsession.LevelOTP},
		agent.HandoffSuggest{Reason: "x"},
	}
	outcomes, err := f.exec.Execute(context.Background(), actions, request(authsession.LevelNone))
	if err != nil || len(outcomes) != 0 || len(f.sink.events) != 0 {
		t.Fatalf("expected no tool calls, got %v %+v", err, outcomes)
	}
}

func TestFraudCaseOutputCarriesCaseID(t *testing.T) {
	f := newFixture(t)
	amount := int64(4999)
	outcomes, err := f.exec.Execute(context.Background(), []agent.Action{
		agent.CreateFraudCase{CustomerID: "cust-1", Description: "charge of $49.99", AmountMinor: &amount, Currency: "USD"},
	}, request(authsession.LevelOTP))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	opened, ok := outcomes[0].Output.(*tools.FraudCaseOpened)
	if !ok || opened.CaseID == "" || !opened.Created {
		t.Fatalf("unexpected output: %+v", outcomes[0].Output)
	}
	if out := f.sink.events[0].InputRedacted; out == "" || strings.Contains(out, "4999") || strings.Contains(out, "49.99") {
		t.Fatalf("amount must be redacted in audit, got %s", out)
	}
}

