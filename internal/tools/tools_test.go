package tools

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/scalytics/tellerline/internal/authsession"
	"github.com/scalytics/tellerline/internal/banking"
)

func newTestRegistry(t *testing.T) *Registry {
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
	return NewBankingRegistry(core)
}

func call(params map[string]any) Call {
	return Call{
		CustomerID: "cust-1",
		AuthLevel:  authsession.LevelKBA,
		Params:     params,
		Audit:      AuditContext{ConversationID: "conv-1", MessageID: "msg-1", ActorType: "agent"},
	}
}

func TestRegistryNamesAndTiers(t *testing.T) {
	r := newTestRegistry(t)
	if got := strings.Join(r.Names(), ","); got != "create_fraud_case,freeze_card,list_cards" {
		t.Fatalf("unexpected names: %s", got)
	}
	freeze, _ := r.Get(NameFreezeCard)
	if freeze.Tier() != TierHighRisk {
		t.Fatalf("freeze_card should be high risk, got %d", freeze.Tier())
	}
	if _, err := r.Execute(context.Background(), "wire_money", call(nil)); ErrorCode(err) != CodeToolNotFound {
		t.Fatalf("expected TOOL_NOT_FOUND, got %v", err)
	}
}

func TestListCards(t *testing.T) {
	r := newTestRegistry(t)
	out, err := r.Execute(context.Background(), NameListCards, call(nil))
	if err != nil {
		t.Fatalf("list cards: %v", err)
	}
	list := out.(*CardList)
	if len(list.Cards) != 2 {
		t.Fatalf("expected 2 cards, got %d", len(list.Cards))
	}
	lines := list.Lines()
	if !strings.Contains(lines, "Visa ending in 4242 (active)") || !strings.Contains(lines, "Mastercard ending in 5454 (closed)") {
		t.Fatalf("unexpected lines: %q", lines)
	}
}

func TestFreezeCardErrorCodes(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	out, err := r.Execute(ctx, NameFreezeCard, call(map[string]any{"cardId": "cust-1-card-1"}))
	if err != nil {
		t.Fatalf("freeze: %v", err)
	}
	if fc := out.(*FrozenCard); fc.Status != banking.CardFrozen || fc.Last4 != "4242" {
		t.Fatalf("unexpected result: %+v", fc)
	}

	tests := []struct {
		name string
		call Call
		code string
	}{
		{"already frozen", call(map[string]any{"cardId": "cust-1-card-1"}), CodeCardNotActive},
		{"closed", call(map[string]any{"cardId": "cust-1-card-2"}), CodeCardNotActive},
		{"unknown", call(map[string]any{"cardId": "nope"}), CodeCardNotFound},
		{"missing card id", call(map[string]any{}), CodeInvalidParams},
		{"missing customer", Call{Params: map[string]any{"cardId": "cust-1-card-1"}}, CodeInvalidParams},
	}
	for _, tc := range tests {
		_, err := r.Execute(ctx, NameFreezeCard, tc.call)
		if ErrorCode(err) != tc.code {
			t.Errorf("%s: expected %s, got %v", tc.name, tc.code, err)
		}
	}
}

func TestCreateFraudCaseIdempotentPerMessage(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	params := map[string]any{"description": "charge I did not make", "amountMinor": float64(4999), "currency": "USD"}

	first, err := r.Execute(ctx, NameCreateFraudCase, call(params))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	second, err := r.Execute(ctx, NameCreateFraudCase, call(params))
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	a, b := first.(*FraudCaseOpened), second.(*FraudCaseOpened)
	if !a.Created || b.Created || a.CaseID != b.CaseID {
		t.Fatalf("expected one case, got %+v and %+v", a, b)
	}

	_, err = r.Execute(ctx, NameCreateFraudCase, call(map[string]any{"description": "x", "amountMinor": -1}))
	if ErrorCode(err) != CodeInvalidParams {
		t.Fatalf("expected INVALID_PARAMS for negative amount, got %v", err)
	}
}

func TestErrorCodeFallsBackToBackendUnavailable(t *testing.T) {
	if ErrorCode(errors.New("boom")) != CodeBackendUnavailable {
		t.Fatal("expected BACKEND_UNAVAILABLE")
	}
	err := backendError("freeze_card", banking.ErrCardNotFound)
	if !errors.Is(err, banking.ErrCardNotFound) {
		t.Fatal("tool error should unwrap to the banking error")
	}
}
