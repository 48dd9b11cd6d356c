// Package redact masks money amounts, card and account numbers, dates of
// birth and street addresses before text reaches the audit log or an
// unverified customer.
package redact

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Pattern names.
const (
	Amount        = "amount"
	CardNumber    = "card_number"
	AccountNumber = "account_number"
	AccountRef    = "account_ref"
	DateOfBirth   = "date_of_birth"
	StreetAddress = "street_address"
	Email         = "email"
	OTPCode       = "otp_code"
)

// Match represents a single detection hit.
type Match struct {
	Type  string
	Value string
	Start int
	End   int
}

type namedRegex struct {
	name string
	re   *regexp.Regexp
}

// Order matters: long digit runs must be claimed by the card and account
// patterns before the amount and code patterns see them.
var builtin = []struct {
	name    string
	pattern string
}{
	{CardNumber, `\b(?:\d[ \-]?){12,18}\d\b`},
	{AccountNumber, `\b[A-Z]{2}\d{2}(?: ?[A-Z0-9]{4}){2,7}(?: ?[A-Z0-9]{1,3})?\b|(?i)\b(?:account|acct)(?:\s+(?:number|no\.?|#))?\s*[:#]?\s*\d{6,}\b`},
	{AccountRef, `(?i)\b(?:ending|ends)\s+(?:in\s+)?\d{4}\b|•{2,4}\s?\d{4}`},
	{Amount, `(?i)(?:[$€£¥]\s?\d[\d,]*(?:\.\d{1,2})?|\b\d[\d,]*(?:\.\d{1,2})?\s?(?:usd|eur|gbp|dollars?|euros?|pounds?)\b|\b\d{1,3}(?:,\d{3})*\.\d{2}\b)`},
	{DateOfBirth, `\b(?:\d{4}-\d{2}-\d{2}|\d{1,2}/\d{1,2}/\d{2,4})\b`},
	{StreetAddress, `(?i)\b\d{1,5}\s+(?:[a-z0-9.]+\s+){1,4}(?:street|st|avenue|ave|road|rd|boulevard|blvd|lane|ln|drive|dr|court|ct|way|place|pl)\b\.?`},
	{Email, `\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`},
	{OTPCode, `\b\d{6}\b`},
}

var compiled = func() map[string]*regexp.Regexp {
	out := make(map[string]*regexp.Regexp, len(builtin))
	for _, b := range builtin {
		out[b.name] = regexp.MustCompile(b.pattern)
	}
	return out
}()

// Filter replaces configured patterns with a marker.
type Filter struct {
	detectors []namedRegex
	marker    string
}

// New builds a filter for the given pattern names. An empty marker yields
// typed markers such as [REDACTED:AMOUNT].
func New(marker string, types ...string) *Filter {
	want := make(map[string]bool, len(types))
	for _, t := range types {
		want[t] = true
	}
	f := &Filter{marker: marker}
	for _, b := range builtin {
		if want[b.name] {
			f.detectors = append(f.detectors, namedRegex{name: b.name, re: compiled[b.name]})
		}
	}
	return f
}

// NewAuditFilter masks everything that must never be stored in the audit log.
func NewAuditFilter() *Filter {
	return New("", Amount, CardNumber, AccountNumber, DateOfBirth, StreetAddress, Email, OTPCode)
}

// NewReplyFilter masks account-specific figures in replies to unverified
// customers.
func NewReplyFilter(marker string) *Filter {
	if strings.TrimSpace(marker) == "" {
		marker = "[redacted]"
	}
	return New(marker, Amount, CardNumber, AccountNumber, AccountRef)
}

// Redact replaces all detected matches in the text.
func (f *Filter) Redact(text string) string {
	result := text
	for _, nr := range f.detectors {
		replacement := f.marker
		if replacement == "" {
			replacement = "[REDACTED:" + strings.ToUpper(nr.name) + "]"
		}
		result = nr.re.ReplaceAllString(result, replacement)
	}
	return result
}

// Scan returns all matches found in the text.
func (f *Filter) Scan(text string) []Match {
	var matches []Match
	for _, nr := range f.detectors {
		for _, loc := range nr.re.FindAllStringIndex(text, -1) {
			matches = append(matches, Match{
				Type:  nr.name,
				Value: text[loc[0]:loc[1]],
				Start: loc[0],
				End:   loc[1],
			})
		}
	}
	return matches
}

// HasMatches returns true if any pattern matches the text.
func (f *Filter) HasMatches(text string) bool {
	for _, nr := range f.detectors {
		if nr.re.MatchString(text) {
			return true
		}
	}
	return false
}

// RedactJSON walks an arbitrary value and redacts every string leaf,
// returning the encoded result.
func (f *Filter) RedactJSON(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return f.Redact(s)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return f.Redact(string(raw))
	}
	out, err := json.Marshal(f.walk("", generic))
	if err != nil {
		return ""
	}
	return string(out)
}

var moneyKeys = []string{"amount", "balance", "available", "limit", "pan", "dob"}

func (f *Filter) walk(key string, v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, item := range t {
			t[k] = f.walk(k, item)
		}
		return t
	case []any:
		for i, item := range t {
			t[i] = f.walk(key, item)
		}
		return t
	case string:
		return f.Redact(t)
	case float64:
		if isMoneyKey(key) {
			return "[REDACTED:AMOUNT]"
		}
		return t
	default:
		return v
	}
}

func isMoneyKey(key string) bool {
	k := strings.ToLower(key)
	for _, m := range moneyKeys {
		if strings.Contains(k, m) {
			return true
		}
	}
	return false
}

var digitsOnly = regexp.MustCompile(`\D`)

// MaskPAN rewrites full card numbers to their last four digits. It applies
// regardless of the session's verification level.
func MaskPAN(text string) string {
	return compiled[CardNumber].ReplaceAllStringFunc(text, func(m string) string {
		d := digitsOnly.ReplaceAllString(m, "")
		if len(d) < 4 {
			return m
		}
		return "•••• " + d[len(d)-4:]
	})
}
