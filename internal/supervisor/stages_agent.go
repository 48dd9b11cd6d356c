package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/scalytics/tellerline/internal/agent"
	"github.com/scalytics/tellerline/internal/executor"
	"github.com/scalytics/tellerline/internal/policy"
	"github.com/scalytics/tellerline/internal/provider"
	"github.com/scalytics/tellerline/internal/tools"
)

func (s *Supervisor) routeAgent(_ context.Context, st *State) (Patch, error) {
	switch {
	case st.Replay != nil:
		return skipped("duplicate"), nil
	case st.StepUpHandled:
		return skipped("step_up"), nil
	}
	route := agent.SelectAgent(st.LatestMessage, st.PendingAction, st.LastOutboundText)
	perms := s.Grants.For(st.Channel, st.AuthLevel, st.CustomerID)
	p := Patch{
		Permissions: perms,
		Intent:      ptr(route.Intent),
		note: note{output: map[string]any{
			"agent":       route.Agent,
			"reason":      route.Reason,
			"intent":      route.Intent,
			"permissions": perms.List(),
		}},
	}
	if _, ok := s.agents[route.Agent]; !ok {
		return p, fmt.Errorf("no agent registered as %q", route.Agent)
	}
	p.Route = &route
	return p, nil
}

func (s *Supervisor) agentExecute(ctx context.Context, st *State) (Patch, error) {
	switch {
	case st.Replay != nil:
		return skipped("duplicate"), nil
	case st.StepUpHandled:
		return skipped("step_up"), nil
	case st.Route == nil:
		return skipped("no_route"), nil
	}
	a := s.agents[st.Route.Agent]
	actx := s.agentContext(ctx, st)

	res, err := a.Decide(actx)
	if err != nil {
		return Patch{}, fmt.Errorf("%s agent: %w", a.Name(), err)
	}
	if res.Intent == agent.IntentFAQ && agent.Has(res.Actions, "answer_faq") {
		res.ReplyDraft = s.phraseFAQ(ctx, st, actx, res)
	}

	p := Patch{
		Result:     &res,
		Intent:     ptr(res.Intent),
		Actions:    res.Actions,
		ReplyDraft: ptr(res.ReplyDraft),
		note: note{
			input: map[string]any{
				"agent":     a.Name(),
				"text":      actx.LatestMessage,
				"authLevel": actx.Identity.AuthLevel,
				"summary":   actx.Summary != nil,
				"knowledge": len(actx.Knowledge),
			},
			output: map[string]any{
				"intent":      res.Intent,
				"actions":     agent.Describe(res.Actions),
				"safetyNotes": res.SafetyNotes,
				"draft":       res.ReplyDraft,
			},
		},
	}
	if agent.Has(res.Actions, "handoff_suggest") {
		p.Escalate = true
	}
	return p, nil
}

// agentContext builds the immutable input of the policy agent. The banking
// summary is projected only for a verified, bound customer.
func (s *Supervisor) agentContext(ctx context.Context, st *State) agent.Context {
	actx := agent.Context{
		ConversationID: st.Conversation.ID,
		MessageID:      st.Inbound.MessageID,
		Channel:        st.Channel,
		Identity: agent.Identity{
			Status:     st.IdentityStatus,
			CustomerID: st.CustomerID,
			AuthLevel:  st.AuthLevel,
		},
		LatestMessage:    st.LatestMessage,
		Recent:           st.Recent,
		Permissions:      st.Permissions,
		PendingAction:    st.PendingAction,
		LastOutboundText: st.LastOutboundText,
		FollowUp:         st.Route.FollowUp,
		HumanLine:        s.Config.Support.HumanLine,
	}
	if st.Verified() && st.CustomerID != "" && s.Projector != nil {
		summary, err := s.Projector.Project(ctx, st.CustomerID, st.Permissions)
		if err != nil {
			slog.Warn("Banking summary unavailable", "conversation_id", st.Conversation.ID, "error", err)
		} else {
			actx.Summary = summary
		}
	}
	if s.Knowledge != nil && st.Permissions.Has(policy.PermKBSearch) {
		hits, err := s.Knowledge.Search(ctx, st.LatestMessage, 3)
		if err != nil {
			slog.Warn("Knowledge search failed", "conversation_id", st.Conversation.ID, "error", err)
		} else {
			actx.Knowledge = hits
		}
	}
	return actx
}

const faqSystemPrompt = `You are the customer assistant of a retail bank, replying on %s.
Rewrite the reference answer below so it directly answers the customer's last message.
Use only facts from the reference answer. Do not mention account details, balances or card numbers.
Keep the reply under %d characters.

Reference answer (%s):
%s`

// phraseFAQ asks the completion service to phrase a knowledge answer. Any
// failure keeps the agent's own draft.
func (s *Supervisor) phraseFAQ(ctx context.Context, st *State, actx agent.Context, res agent.Result) string {
	if s.Completer == nil {
		return res.ReplyDraft
	}
	cctx := ctx
	if d := s.Config.Timeouts.Completion(); d > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	system := fmt.Sprintf(faqSystemPrompt, st.Channel, s.Config.Replies.MaxChars.For(st.Channel), res.Topic, res.ReplyDraft)
	history := make([]provider.Message, 0, len(actx.Recent)+1)
	for _, t := range actx.Recent {
		role := provider.RoleUser
		if t.Direction == "outbound" {
			role = provider.RoleAssistant
		}
		history = append(history, provider.Message{Role: role, Content: t.Text})
	}
	history = append(history, provider.Message{Role: provider.RoleUser, Content: actx.LatestMessage})

	text, err := s.Completer.Complete(cctx, system, history)
	if err != nil || strings.TrimSpace(text) == "" {
		if err != nil {
			slog.Warn("Completion failed, using draft", "conversation_id", st.Conversation.ID, "error", err)
		}
		return res.ReplyDraft
	}
	return strings.TrimSpace(text)
}

func (s *Supervisor) executeActions(ctx context.Context, st *State) (Patch, error) {
	switch {
	case st.Replay != nil:
		return skipped("duplicate"), nil
	case st.Result == nil:
		return skipped("no_result"), nil
	}
	pending := s.nextPending(st, st.Result.Pending)
	side := agent.SideEffects(st.Actions)
	if len(side) == 0 {
		return Patch{
			PendingAction: ptr(pending),
			ReplyDraft:    ptr(fillPlaceholders(st.ReplyDraft, "", "")),
			note:          note{output: map[string]any{"executed": 0, "pendingAction": pending}},
		}, nil
	}
	if !st.Verified() {
		return Patch{}, &StageError{
			Code:    CodeActionExecutionFailed,
			SubCode: policy.CodeAuthRequired,
			Detail:  fmt.Sprintf("%d side-effecting actions proposed without verification", len(side)),
		}
	}

	outcomes, err := s.Executor.Execute(ctx, side, executor.Request{
		ConversationID: st.Conversation.ID,
		MessageID:      st.Inbound.MessageID,
		Channel:        st.Channel,
		CustomerID:     st.CustomerID,
		AuthLevel:      st.AuthLevel,
		Permissions:    st.Permissions,
	})
	p := Patch{Outcomes: outcomes}
	if err != nil {
		return p, err
	}

	caseID, cards := "", ""
	for _, o := range outcomes {
		switch out := o.Output.(type) {
		case *tools.FraudCaseOpened:
			caseID = out.CaseID
		case *tools.CardList:
			cards = out.Lines()
		}
	}
	if caseID != "" {
		p.CaseID = ptr(caseID)
	}
	p.PendingAction = ptr(pending)
	p.ReplyDraft = ptr(fillPlaceholders(st.ReplyDraft, caseID, cards))
	p.note = note{output: map[string]any{
		"executed":      len(outcomes),
		"caseId":        caseID,
		"pendingAction": pending,
	}}
	return p, nil
}

// nextPending applies an agent's pending update to the loaded flag.
func (s *Supervisor) nextPending(st *State, u agent.PendingUpdate) string {
	switch u {
	case agent.PendingClear:
		return ""
	case agent.PendingPromptFreeze:
		return agent.PendingFreezePrompted
	default:
		return st.PendingAction
	}
}

func fillPlaceholders(draft, caseID, cards string) string {
	if caseID == "" {
		caseID = "(reference pending)"
	}
	draft = strings.ReplaceAll(draft, agent.CaseIDPlaceholder, caseID)
	return strings.ReplaceAll(draft, agent.CardsPlaceholder, cards)
}
