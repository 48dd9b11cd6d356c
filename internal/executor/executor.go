// Package executor is the only component allowed to invoke side-effecting
// tools. It re-validates every action against the policy engine and stops
// at the first failure.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/scalytics/tellerline/internal/agent"
	"github.com/scalytics/tellerline/internal/audit"
	"github.com/scalytics/tellerline/internal/authsession"
	"github.com/scalytics/tellerline/internal/policy"
	"github.com/scalytics/tellerline/internal/tools"
)

// CodeActionExecutionFailed is the top-level error code of this package.
const CodeActionExecutionFailed = "ACTION_EXECUTION_FAILED"

// Error is an action failure. SubCode is a policy denial code or a tool
// error code.
type Error struct {
	SubCode string
	Tool    string
	Reason  string
	Err     error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s: %s", CodeActionExecutionFailed, e.Tool, e.SubCode)
	if e.Reason != "" {
		msg += " (" + e.Reason + ")"
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// SubCode returns the sub-code of an executor error, or "".
func SubCode(err error) string {
	var ee *Error
	if errors.As(err, &ee) {
		return ee.SubCode
	}
	return ""
}

// Request is the turn the actions belong to, as seen by the supervisor.
type Request struct {
	ConversationID string
	MessageID      string
	Channel        string
	CustomerID     string
	AuthLevel      authsession.Level
	Permissions    policy.PermissionSet
}

// Outcome is the result of one executed action.
type Outcome struct {
	Action   agent.Action
	Tool     string
	Decision policy.Decision
	Output   tools.Output
}

// Executor runs side-effecting actions.
type Executor struct {
	registry *tools.Registry
	engine   policy.Engine
	recorder *audit.Recorder
}

// New creates an executor. recorder may be nil.
func New(registry *tools.Registry, engine policy.Engine, recorder *audit.Recorder) *Executor {
	return &Executor{registry: registry, engine: engine, recorder: recorder}
}

type invocation struct {
	tool   string
	target string
	params map[string]any
	skip   bool
}

func plan(a agent.Action) (invocation, error) {
	switch act := a.(type) {
	case agent.ListCards:
		return invocation{tool: tools.NameListCards, target: act.CustomerID}, nil
	case agent.FreezeCard:
		return invocation{tool: tools.NameFreezeCard, target: act.CustomerID, params: map[string]any{
			"cardId": act.CardID,
			"reason": act.Reason,
		}}, nil
	case agent.CreateFraudCase:
		params := map[string]any{
			"description": act.Description,
			"currency":    act.Currency,
			"priority":    act.Priority,
		}
		if act.AmountMinor != nil {
			params["amountMinor"] = *act.AmountMinor
		}
		return invocation{tool: tools.NameCreateFraudCase, target: act.CustomerID, params: params}, nil
	case agent.AnswerFAQ, agent.RequestVerification, agent.HandoffSuggest, agent.AskClarifyingQuestion:
		return invocation{skip: true}, nil
	default:
		return invocation{}, fmt.Errorf("unhandled action kind %T", a)
	}
}

// Execute runs actions in order. It returns the outcomes that succeeded
// before the first failure, and that failure.
func (e *Executor) Execute(ctx context.Context, actions []agent.Action, req Request) ([]Outcome, error) {
	var outcomes []Outcome
	for _, a := range actions {
		inv, err := plan(a)
		if err != nil {
			return outcomes, &Error{SubCode: tools.CodeInvalidParams, Tool: a.Kind(), Err: err}
		}
		if inv.skip {
			continue
		}

		decision := e.engine.Evaluate(policy.Context{
			ConversationID:   req.ConversationID,
			MessageID:        req.MessageID,
			Channel:          req.Channel,
			Tool:             inv.tool,
			AuthLevel:        req.AuthLevel,
			CustomerID:       req.CustomerID,
			TargetCustomerID: inv.target,
			Permissions:      req.Permissions,
		})
		if !decision.Allow {
			slog.Warn("Action denied", "conversation_id", req.ConversationID, "tool", inv.tool, "code", decision.Code, "reason", decision.Reason)
			e.record(ctx, req, inv, nil, decision.Code)
			return outcomes, &Error{SubCode: decision.Code, Tool: inv.tool, Reason: decision.Reason}
		}

		out, err := e.registry.Execute(ctx, inv.tool, tools.Call{
			CustomerID: req.CustomerID,
			AuthLevel:  req.AuthLevel,
			Params:     inv.params,
			Audit: tools.AuditContext{
				ConversationID: req.ConversationID,
				MessageID:      req.MessageID,
				ActorType:      audit.ActorAgent,
			},
		})
		if err != nil {
			code := tools.ErrorCode(err)
			slog.Warn("Action failed", "conversation_id", req.ConversationID, "tool", inv.tool, "code", code)
			e.record(ctx, req, inv, nil, code)
			return outcomes, &Error{SubCode: code, Tool: inv.tool, Err: err}
		}
		e.record(ctx, req, inv, out, "")
		outcomes = append(outcomes, Outcome{Action: a, Tool: inv.tool, Decision: decision, Output: out})
	}
	return outcomes, nil
}

func (e *Executor) record(ctx context.Context, req Request, inv invocation, out tools.Output, code string) {
	evt := audit.Event{
		ConversationID: req.ConversationID,
		MessageID:      req.MessageID,
		ActorType:      audit.ActorTool,
		EventType:      "tool." + inv.tool,
		Input:          map[string]any{"customerId": req.CustomerID, "authLevel": req.AuthLevel, "params": inv.params},
		Success:        code == "",
		ErrorCode:      code,
	}
	if out != nil {
		evt.Output = map[string]any{"summary": out.Summary()}
	}
	e.recorder.Record(ctx, evt)
}
