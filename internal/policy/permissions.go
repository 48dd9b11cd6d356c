package policy

import (
	"sort"

	"github.com/scalytics/tellerline/internal/authsession"
	"github.com/scalytics/tellerline/internal/config"
)

// Permission names.
const (
	PermKBSearch         = "kb_search"
	PermReadBalance      = "read_balance"
	PermReadTransactions = "read_transactions"
	PermReadCards        = "read_cards"
	PermFreezeCard       = "freeze_card"
	PermCreateFraudCase  = "create_fraud_case"
)

// PermissionSet is the set of tool permissions granted for one turn.
type PermissionSet map[string]bool

// NewPermissionSet builds a set from names.
func NewPermissionSet(names ...string) PermissionSet {
	p := make(PermissionSet, len(names))
	for _, n := range names {
		p[n] = true
	}
	return p
}

// Has reports whether a permission is granted.
func (p PermissionSet) Has(name string) bool { return p[name] }

// List returns the granted permissions in sorted order.
func (p PermissionSet) List() []string {
	out := make([]string, 0, len(p))
	for k, ok := range p {
		if ok {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// Grants computes per-turn permission sets.
type Grants struct {
	defaults []string
	verified []string
	readOnly map[string]bool
}

// NewGrants builds grants from configuration.
func NewGrants(cfg config.PermissionsConfig) *Grants {
	g := &Grants{
		defaults: cfg.Defaults,
		verified: cfg.Verified,
		readOnly: make(map[string]bool, len(cfg.ReadOnlyChannels)),
	}
	for _, ch := range cfg.ReadOnlyChannels {
		g.readOnly[ch] = true
	}
	return g
}

// For returns the permissions of a turn. Banking and fraud permissions are
// granted only with an auth level, a bound customer and a channel that is
// not read-only.
func (g *Grants) For(channel string, level authsession.Level, customerID string) PermissionSet {
	p := NewPermissionSet(g.defaults...)
	if level.Rank() == 0 || customerID == "" || g.readOnly[channel] {
		return p
	}
	for _, name := range g.verified {
		p[name] = true
	}
	return p
}

// ReadOnly reports whether a channel never receives side-effecting grants.
func (g *Grants) ReadOnly(channel string) bool { return g.readOnly[channel] }
