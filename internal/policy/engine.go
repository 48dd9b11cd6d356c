// Package policy provides tool execution authorization.
package policy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/scalytics/tellerline/internal/authsession"
	"github.com/scalytics/tellerline/internal/timeline"
)

// Denial codes returned in Decision.Code.
const (
	CodeAuthRequired      = "AUTH_REQUIRED"
	CodeAuthInsufficient  = "AUTH_INSUFFICIENT"
	CodePermissionDenied  = "PERMISSION_DENIED"
	CodeMissingCustomerID = "MISSING_CUSTOMER_ID"
)

// Risk tiers.
const (
	TierReadOnly = 0 // reads of customer data
	TierWrite    = 1 // case creation
	TierHighRisk = 2 // changes to payment instruments
)

// Context holds information about a pending tool execution.
type Context struct {
	ConversationID string
	MessageID      string
	Channel        string
	Tool           string
	AuthLevel      authsession.Level
	CustomerID     string
	// TargetCustomerID is the customer named in the action, which must
	// match the customer bound to the conversation.
	TargetCustomerID string
	Permissions      PermissionSet
}

// Decision is the result of a policy evaluation.
type Decision struct {
	Allow  bool
	Code   string
	Reason string
	Tier   int
	Ts     time.Time
}

// Engine evaluates whether a tool execution should proceed.
type Engine interface {
	Evaluate(ctx Context) Decision
}

// Rule is the requirement set of one tool.
type Rule struct {
	Permission string
	MinLevel   authsession.Level
	// ExactLevel requires AuthLevel == MinLevel rather than at least it.
	ExactLevel    bool
	NeedsCustomer bool
	Tier          int
}

// DefaultEngine checks auth level, permission and customer binding per tool.
type DefaultEngine struct {
	Rules map[string]Rule
}

// NewDefaultEngine creates a policy engine with the banking tool rules.
func NewDefaultEngine() *DefaultEngine {
	return &DefaultEngine{
		Rules: map[string]Rule{
			"list_cards": {
				Permission: PermReadCards, MinLevel: authsession.LevelOTP,
				NeedsCustomer: true, Tier: TierReadOnly,
			},
			"freeze_card": {
				Permission: PermFreezeCard, MinLevel: authsession.LevelKBA, ExactLevel: true,
				NeedsCustomer: true, Tier: TierHighRisk,
			},
			"create_fraud_case": {
				Permission: PermCreateFraudCase, MinLevel: authsession.LevelOTP,
				NeedsCustomer: true, Tier: TierWrite,
			},
		},
	}
}

// Evaluate re-validates a tool call independently of whoever proposed it.
func (e *DefaultEngine) Evaluate(ctx Context) Decision {
	d := Decision{Ts: time.Now()}

	rule, ok := e.Rules[ctx.Tool]
	if !ok {
		d.Code = CodePermissionDenied
		d.Reason = fmt.Sprintf("tool_not_registered: %s", ctx.Tool)
		return d
	}
	d.Tier = rule.Tier

	if rule.MinLevel != authsession.LevelNone && ctx.AuthLevel.Rank() == 0 {
		d.Code = CodeAuthRequired
		d.Reason = "auth_required"
		return d
	}
	if rule.ExactLevel && ctx.AuthLevel != rule.MinLevel {
		d.Code = CodeAuthInsufficient
		d.Reason = fmt.Sprintf("%s_required_have_%s", rule.MinLevel, ctx.AuthLevel)
		return d
	}
	if !ctx.AuthLevel.AtLeast(rule.MinLevel) {
		d.Code = CodeAuthInsufficient
		d.Reason = fmt.Sprintf("%s_required_have_%s", rule.MinLevel, ctx.AuthLevel)
		return d
	}
	if !ctx.Permissions.Has(rule.Permission) {
		d.Code = CodePermissionDenied
		d.Reason = fmt.Sprintf("permission_not_granted: %s", rule.Permission)
		return d
	}
	if rule.NeedsCustomer && ctx.CustomerID == "" {
		d.Code = CodeMissingCustomerID
		d.Reason = "no_customer_bound"
		return d
	}
	if ctx.TargetCustomerID != "" && ctx.TargetCustomerID != ctx.CustomerID {
		d.Code = CodePermissionDenied
		d.Reason = "customer_mismatch"
		return d
	}

	d.Allow = true
	d.Reason = fmt.Sprintf("tier_%d_authorized", rule.Tier)
	return d
}

// LoggingEngine records every decision of the wrapped engine.
type LoggingEngine struct {
	Engine
	tl *timeline.TimelineService
}

// WithDecisionLog wraps an engine so decisions land in policy_decisions.
func WithDecisionLog(e Engine, tl *timeline.TimelineService) *LoggingEngine {
	return &LoggingEngine{Engine: e, tl: tl}
}

func (l *LoggingEngine) Evaluate(ctx Context) Decision {
	d := l.Engine.Evaluate(ctx)
	if l.tl != nil {
		err := l.tl.LogPolicyDecision(context.Background(), &timeline.PolicyDecisionRecord{
			ConversationID: ctx.ConversationID,
			MessageID:      ctx.MessageID,
			Tool:           ctx.Tool,
			Tier:           d.Tier,
			CustomerID:     ctx.CustomerID,
			Channel:        ctx.Channel,
			AuthLevel:      string(ctx.AuthLevel),
			Allowed:        d.Allow,
			Code:           d.Code,
			Reason:         d.Reason,
		})
		if err != nil {
			slog.Warn("Policy decision log failed", "tool", ctx.Tool, "error", err)
		}
	}
	return d
}
