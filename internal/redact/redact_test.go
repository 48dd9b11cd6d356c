package redact

import (
	"strings"
	"testing"
)

func TestReplyFilterMasksAmountsAndCards(t *testing.T) {
	f := NewReplyFilter("[redacted]")
	tests := []struct {
		name string
		in   string
		deny []string
	}{
		{"dollar amount", "Your balance is $1,234.56 today.", []string{"1,234.56", "$"}},
		{"iso amount", "You spent 120.00 USD", []string{"120.00"}},
		{"card number", "Card 4111 1111 1111 1111 is active", []string{"4111"}},
		{"dashed card", "Card 4111-1111-1111-1111", []string{"1111-1111"}},
		{"iban", "Send to DE89 3704 0044 0532 0130 00", []string{"3704"}},
		{"account ref", "your card ending in 4242", []string{"4242"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := f.Redact(tc.in)
			if !strings.Contains(got, "[redacted]") {
				t.Fatalf("expected marker in %q", got)
			}
			for _, d := range tc.deny {
				if strings.Contains(got, d) {
					t.Fatalf("expected %q removed from %q", d, got)
				}
			}
		})
	}
}

func TestReplyFilterLeavesPlainTextAlone(t *testing.T) {
	f := NewReplyFilter("")
	in := "Reply VERIFY to receive a one-time code."
	if got := f.Redact(in); got != in {
		t.Fatalf("expected unchanged text, got %q", got)
	}
	if f.HasMatches(in) {
		t.Fatal("expected no matches")
	}
}

func TestAuditFilterTypedMarkers(t *testing.T) {
	f := NewAuditFilter()
	got := f.Redact("born 1990-04-12, lives at 42 Elm Street, code 493021, mail a.b@example.com")
	for _, want := range []string{"[REDACTED:DATE_OF_BIRTH]", "[REDACTED:STREET_ADDRESS]", "[REDACTED:OTP_CODE]", "[REDACTED:EMAIL]"} {
		if !strings.Contains(got, want) {
			t.Fatalf("expected %s in %q", want, got)
		}
	}
	if strings.Contains(got, "493021") || strings.Contains(got, "Elm") {
		t.Fatalf("raw values leaked: %q", got)
	}
}

func TestRedactJSONMasksMoneyFields(t *testing.T) {
	f := NewAuditFilter()
	got := f.RedactJSON(map[string]any{
		"balance":  812.5,
		"attempts": 2,
		"note":     "paid $40",
	})
	if strings.Contains(got, "812.5") || strings.Contains(got, "$40") {
		t.Fatalf("money leaked: %s", got)
	}
	if !strings.Contains(got, `"attempts":2`) {
		t.Fatalf("expected non-money numbers preserved: %s", got)
	}
}

func TestMaskPAN(t *testing.T) {
	got := MaskPAN("card 5500 0000 0000 0004 blocked")
	if got != "card •••• 0004 blocked" {
		t.Fatalf("unexpected mask: %q", got)
	}
}

func TestScanReportsTypes(t *testing.T) {
	f := NewReplyFilter("")
	matches := f.Scan("pay $10 with 4111111111111111")
	types := map[string]bool{}
	for _, m := range matches {
		types[m.Type] = true
	}
	if !types[Amount] || !types[CardNumber] {
		t.Fatalf("expected amount and card matches, got %+v", matches)
	}
}
