// Package identity maps a channel address to a customer identity. It never
// grants an authentication level.
package identity

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/patrickmn/go-cache"

	"github.com/scalytics/tellerline/internal/timeline"
)

// Status is the outcome of a resolution.
type Status string

const (
	ResolvedVerified   Status = "resolved_verified"
	ResolvedUnverified Status = "resolved_unverified"
	Unresolved         Status = "unresolved"
	Ambiguous          Status = "ambiguous"
)

// Result describes who is behind a channel address.
type Result struct {
	Status     Status   `json:"status"`
	CustomerID string   `json:"customerId,omitempty"`
	Confidence float64  `json:"confidence"`
	Address    string   `json:"address"`
	Candidates []string `json:"candidates,omitempty"`
}

// Directory is the record-store surface the resolver reads.
type Directory interface {
	GetIdentityLink(ctx context.Context, channel, address string) (*timeline.IdentityLink, error)
	FindCustomersByAddress(ctx context.Context, channel, address string) ([]timeline.Customer, error)
}

// Resolver resolves addresses with a short-lived cache in front of the
// directory.
type Resolver struct {
	dir   Directory
	cache *cache.Cache
}

// NewResolver creates a resolver. A non-positive ttl disables caching.
func NewResolver(dir Directory, ttl time.Duration) *Resolver {
	r := &Resolver{dir: dir}
	if ttl > 0 {
		r.cache = cache.New(ttl, 2*ttl)
	}
	return r
}

func cacheKey(channel, address string) string { return channel + "|" + address }

// Resolve maps a channel address to a customer.
func (r *Resolver) Resolve(ctx context.Context, channel, address string) (Result, error) {
	addr := NormalizeAddress(channel, address)
	if addr == "" {
		return Result{Status: Unresolved}, nil
	}
	key := cacheKey(channel, addr)
	if r.cache != nil {
		if v, ok := r.cache.Get(key); ok {
			return v.(Result), nil
		}
	}

	res, err := r.lookup(ctx, channel, addr)
	if err != nil {
		return Result{Status: Unresolved, Address: addr}, err
	}
	if r.cache != nil {
		r.cache.Set(key, res, cache.DefaultExpiration)
	}
	return res, nil
}

func (r *Resolver) lookup(ctx context.Context, channel, addr string) (Result, error) {
	link, err := r.dir.GetIdentityLink(ctx, channel, addr)
	if err != nil {
		return Result{}, fmt.Errorf("resolve identity link: %w", err)
	}
	if link != nil && link.Verified {
		return Result{Status: ResolvedVerified, CustomerID: link.CustomerID, Confidence: 0.95, Address: addr}, nil
	}

	customers, err := r.dir.FindCustomersByAddress(ctx, channel, addr)
	if err != nil {
		return Result{}, fmt.Errorf("resolve customers: %w", err)
	}
	switch len(customers) {
	case 0:
		if link != nil {
			return Result{Status: ResolvedUnverified, CustomerID: link.CustomerID, Confidence: 0.6, Address: addr}, nil
		}
		return Result{Status: Unresolved, Address: addr}, nil
	case 1:
		return Result{Status: ResolvedUnverified, CustomerID: customers[0].ID, Confidence: 0.7, Address: addr}, nil
	default:
		ids := make([]string, 0, len(customers))
		for _, c := range customers {
			ids = append(ids, c.ID)
		}
		return Result{Status: Ambiguous, Confidence: 0.3, Address: addr, Candidates: ids}, nil
	}
}

// Invalidate drops a cached resolution, e.g. after a link is bound.
func (r *Resolver) Invalidate(channel, address string) {
	if r.cache == nil {
		return
	}
	r.cache.Delete(cacheKey(channel, NormalizeAddress(channel, address)))
}

// NormalizeAddress canonicalizes a channel address: WhatsApp JIDs and
// voice numbers become +digits, email addresses are lowercased.
func NormalizeAddress(channel, address string) string {
	a := strings.TrimSpace(address)
	if a == "" {
		return ""
	}
	switch channel {
	case "email":
		if i := strings.LastIndex(a, "<"); i >= 0 {
			if j := strings.Index(a[i:], ">"); j > 0 {
				a = a[i+1 : i+j]
			}
		}
		return strings.ToLower(strings.TrimSpace(a))
	case "whatsapp", "voice":
		if i := strings.Index(a, "@"); i >= 0 {
			a = a[:i]
		}
		if i := strings.Index(a, ":"); i >= 0 {
			a = a[:i]
		}
		var b strings.Builder
		for _, r := range a {
			if unicode.IsDigit(r) {
				b.WriteRune(r)
			}
		}
		if b.Len() == 0 {
			return ""
		}
		return "+" + b.String()
	default:
		return a
	}
}
