package policy

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/scalytics/tellerline/internal/authsession"
	"github.com/scalytics/tellerline/internal/config"
	"github.com/scalytics/tellerline/internal/timeline"
)

func allPerms() PermissionSet {
	return NewPermissionSet(PermReadCards, PermFreezeCard, PermCreateFraudCase)
}

func TestDefaultEngineRules(t *testing.T) {
	e := NewDefaultEngine()
	tests := []struct {
		name  string
		ctx   Context
		allow bool
		code  string
	}{
		{"unknown tool", Context{Tool: "wire_money", AuthLevel: authsession.LevelKBA, CustomerID: "c", Permissions: allPerms()}, false, CodePermissionDenied},
		{"list cards without auth", Context{Tool: "list_cards", AuthLevel: authsession.LevelNone, CustomerID: "c", Permissions: allPerms()}, false, CodeAuthRequired},
		{"list cards with otp", Context{Tool: "list_cards", AuthLevel: authsession.LevelOTP, CustomerID: "c", Permissions: allPerms()}, true, ""},
		{"list cards without permission", Context{Tool: "list_cards", AuthLevel: authsession.LevelOTP, CustomerID: "c", Permissions: NewPermissionSet()}, false, CodePermissionDenied},
		{"freeze with otp", Context{Tool: "freeze_card", AuthLevel: authsession.LevelOTP, CustomerID: "c", Permissions: allPerms()}, false, CodeAuthInsufficient},
		{"freeze with kba", Context{Tool: "freeze_card", AuthLevel: authsession.LevelKBA, CustomerID: "c", Permissions: allPerms()}, true, ""},
		{"freeze without customer", Context{Tool: "freeze_card", AuthLevel: authsession.LevelKBA, Permissions: allPerms()}, false, CodeMissingCustomerID},
		{"fraud case with otp", Context{Tool: "create_fraud_case", AuthLevel: authsession.LevelOTP, CustomerID: "c", Permissions: allPerms()}, true, ""},
		{"fraud case for other customer", Context{Tool: "create_fraud_case", AuthLevel: authsession.LevelOTP, CustomerID: "c", TargetCustomerID: "x", Permissions: allPerms()}, false, CodePermissionDenied},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d := e.Evaluate(tc.ctx)
			if d.Allow != tc.allow || d.Code != tc.code {
				t.Fatalf("got allow=%v code=%q reason=%q, want allow=%v code=%q", d.Allow, d.Code, d.Reason, tc.allow, tc.code)
			}
		})
	}
}

func TestGrantsFor(t *testing.T) {
	g := NewGrants(config.DefaultConfig().Permissions)

	p := g.For("whatsapp", authsession.LevelNone, "cust-1")
	if !p.Has(PermKBSearch) || p.Has(PermReadBalance) {
		t.Fatalf("unverified turn got %v", p.List())
	}
	p = g.For("whatsapp", authsession.LevelOTP, "")
	if p.Has(PermReadBalance) {
		t.Fatal("expected no banking grants without a bound customer")
	}
	p = g.For("voice", authsession.LevelKBA, "cust-1")
	if p.Has(PermFreezeCard) || p.Has(PermReadBalance) {
		t.Fatal("voice must stay read-only")
	}
	p = g.For("whatsapp", authsession.LevelOTP, "cust-1")
	if !p.Has(PermReadBalance) || !p.Has(PermFreezeCard) {
		t.Fatalf("verified turn got %v", p.List())
	}
	if !g.ReadOnly("voice") || g.ReadOnly("email") {
		t.Fatal("unexpected read-only channels")
	}
}

func TestLoggingEngineRecordsDecisions(t *testing.T) {
	tl, err := timeline.NewTimelineService(filepath.Join(t.TempDir(), "timeline.db"))
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	defer tl.Close()

	e := WithDecisionLog(NewDefaultEngine(), tl)
	d := e.Evaluate(Context{ConversationID: "conv-1", Tool: "freeze_card", AuthLevel: authsession.LevelOTP, CustomerID: "c", Permissions: allPerms()})
	if d.Allow {
		t.Fatal("expected denial")
	}
	recs, err := tl.ListPolicyDecisions(context.Background(), "conv-1")
	if err != nil || len(recs) != 1 {
		t.Fatalf("expected 1 decision, got %d (%v)", len(recs), err)
	}
	if recs[0].Code != CodeAuthInsufficient || recs[0].Tier != TierHighRisk {
		t.Fatalf("unexpected record: %+v", recs[0])
	}
}
