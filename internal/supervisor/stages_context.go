package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/scalytics/tellerline/internal/agent"
	"github.com/scalytics/tellerline/internal/authsession"
	"github.com/scalytics/tellerline/internal/identity"
	"github.com/scalytics/tellerline/internal/stepup"
	"github.com/scalytics/tellerline/internal/timeline"
)

const maxRecentWindow = 10

// OutboundKey is the idempotency key of the reply to an inbound message.
func OutboundKey(inboundMessageID string) string { return "OUT-" + inboundMessageID }

func (s *Supervisor) recentWindow() int {
	n := s.Config.Replies.RecentWindow
	if n <= 0 || n > maxRecentWindow {
		return maxRecentWindow
	}
	return n
}

func (s *Supervisor) loadContext(ctx context.Context, st *State) (Patch, error) {
	evt := st.Event
	conv, err := s.Timeline.GetConversation(ctx, evt.ConversationID)
	if err != nil {
		return Patch{}, fmt.Errorf("load conversation %s: %w", evt.ConversationID, err)
	}
	inbound, err := s.Timeline.GetMessage(ctx, evt.MessageID)
	if err != nil {
		return Patch{}, fmt.Errorf("load message %s: %w", evt.MessageID, err)
	}
	if inbound.ConversationID != conv.ID || inbound.Direction != timeline.DirectionInbound {
		return Patch{}, fmt.Errorf("message %s is not an inbound message of conversation %s", evt.MessageID, conv.ID)
	}

	p := Patch{
		Conversation:  conv,
		Inbound:       inbound,
		LatestMessage: ptr(strings.TrimSpace(inbound.BodyText)),
		CustomerID:    ptr(conv.CustomerID),
	}
	channel := firstNonEmpty(evt.Channel, conv.Channel)
	p.Channel = ptr(channel)
	p.FromAddress = ptr(firstNonEmpty(evt.FromAddress, inbound.FromAddress, conv.ExternalAddress))
	outProvider := firstNonEmpty(inbound.Provider, channel)
	p.Provider = ptr(outProvider)
	p.DeliveryRefs = evt.DeliveryRefs

	replay, err := s.Timeline.GetMessageByKey(ctx, outProvider, OutboundKey(inbound.MessageID))
	if err != nil {
		return Patch{}, fmt.Errorf("check outbound key: %w", err)
	}
	if replay != nil {
		p.Replay = replay
		p.note = note{output: map[string]any{"replay": replay.MessageID}}
		return p, nil
	}

	recent, err := s.Timeline.ListRecentMessages(ctx, conv.ID, inbound.ID, s.recentWindow())
	if err != nil {
		return Patch{}, fmt.Errorf("load recent messages: %w", err)
	}
	turns := make([]agent.Turn, 0, len(recent))
	prompted := false
	for _, m := range recent {
		text := m.BodyText
		if m.Direction == timeline.DirectionInbound && prompted && answersSecurityQuestion(text) {
			text = agent.RedactedSecurityAnswer
		}
		prompted = m.Direction == timeline.DirectionOutbound &&
			decodeOutboundBody(m.BodyJSON).PendingAction == agent.PendingSecurityAnswer
		turns = append(turns, agent.Turn{Direction: m.Direction, Text: text})
	}
	p.Recent = turns

	last, err := s.Timeline.LastOutbound(ctx, conv.ID)
	if err != nil {
		return Patch{}, fmt.Errorf("load last outbound: %w", err)
	}
	if last != nil && last.ID < inbound.ID {
		body := decodeOutboundBody(last.BodyJSON)
		p.PendingAction = ptr(body.PendingAction)
		p.LastOutboundText = ptr(last.BodyText)
		// Voice control handles survive on the call's previous reply.
		if len(evt.DeliveryRefs) == 0 && len(body.DeliveryRefs) > 0 && channel == "voice" {
			p.DeliveryRefs = body.DeliveryRefs
		}
	}

	level, err := s.Sessions.CurrentLevel(ctx, conv.ID, s.now())
	if err != nil {
		// Unknown level is treated as no level.
		level = authsession.LevelNone
		p.Errors = append(p.Errors, StageError{Stage: "load_context", Code: CodeContextLoadFailed,
			SubCode: "AUTH_LEVEL_UNAVAILABLE", Detail: s.auditFilter.Redact(err.Error())})
	}
	p.AuthLevel = ptr(level)

	auditText := inbound.BodyText
	if derefOr(p.PendingAction, "") == agent.PendingSecurityAnswer && answersSecurityQuestion(inbound.BodyText) {
		auditText = agent.RedactedSecurityAnswer
	}
	p.note = note{
		input: map[string]any{"text": auditText, "channel": channel},
		output: map[string]any{
			"recent":        len(turns),
			"authLevel":     level,
			"customerBound": conv.CustomerID != "",
			"pendingAction": derefOr(p.PendingAction, ""),
		},
	}
	return p, nil
}

func (s *Supervisor) resolveIdentity(ctx context.Context, st *State) (Patch, error) {
	if st.Replay != nil {
		return skipped("duplicate"), nil
	}
	res, err := s.Resolver.Resolve(ctx, st.Channel, st.FromAddress)
	if err != nil {
		return Patch{
			IdentityStatus: ptr(identity.Unresolved),
			CandidateID:    ptr(st.CustomerID),
		}, fmt.Errorf("resolve %s address: %w", st.Channel, err)
	}
	candidate := res.CustomerID
	if st.CustomerID != "" {
		candidate = st.CustomerID
	}
	return Patch{
		IdentityStatus: ptr(res.Status),
		CandidateID:    ptr(candidate),
		note: note{output: map[string]any{
			"status":     res.Status,
			"confidence": res.Confidence,
			"candidates": len(res.Candidates),
		}},
	}, nil
}

func (s *Supervisor) handleStepUp(ctx context.Context, st *State) (Patch, error) {
	if st.Replay != nil {
		return skipped("duplicate"), nil
	}
	prompted := st.PendingAction == agent.PendingSecurityAnswer
	res, err := s.StepUp.Handle(ctx, stepup.Request{
		ConversationID:  st.Conversation.ID,
		Channel:         st.Channel,
		Address:         st.FromAddress,
		CustomerID:      st.CandidateID,
		Text:            st.LatestMessage,
		PendingQuestion: pendingQuestion(st),
		AwaitingAnswer:  prompted && answersSecurityQuestion(st.LatestMessage),
	})
	if err != nil {
		var se *stepup.Error
		if errors.As(err, &se) {
			return Patch{}, &StageError{Code: ErrorCode(se.Code), Detail: err.Error()}
		}
		return Patch{}, err
	}
	if !res.Handled() {
		p := skipped("not_step_up")
		if prompted {
			// The security prompt only covers the message right after it.
			p.PendingAction = ptr("")
		}
		return p, nil
	}
	s.Metrics.ObserveStepUp(string(res.Method), string(res.Outcome))

	p := Patch{
		StepUp:        &res,
		PendingAction: ptr(stepUpPending(res)),
		note: note{
			output: map[string]any{"outcome": res.Outcome, "method": res.Method, "remaining": res.Remaining},
			code:   res.ErrorCode,
		},
	}
	if res.Outcome == stepup.OutcomeVerified {
		p.AuthLevel = ptr(res.Level)
		if res.CustomerID != "" {
			p.CustomerID = ptr(res.CustomerID)
			p.CandidateID = ptr(res.CustomerID)
		}
		if q := strings.TrimSpace(res.PendingQuestion); q != "" {
			// Resume the question that was blocked on verification.
			p.LatestMessage = ptr(q)
			p.JustVerified = ptr(true)
			p.StepUpHandled = ptr(false)
			return p, nil
		}
		p.StepUpHandled = ptr(true)
		p.Intent = ptr(agent.IntentVerification)
		p.ReplyDraft = ptr(res.Reply + " What can I help you with?")
		return p, nil
	}
	p.StepUpHandled = ptr(true)
	p.Intent = ptr(agent.IntentVerification)
	p.ReplyDraft = ptr(res.Reply)
	switch res.Outcome {
	case stepup.OutcomeLocked, stepup.OutcomeNoCustomer:
		p.Escalate = true
	}
	return p, nil
}

// stepUpPending is the pending action stored with a step-up reply: set
// while the reply asks the security question.
func stepUpPending(res stepup.Result) string {
	if res.Method != authsession.LevelKBA {
		return ""
	}
	switch res.Outcome {
	case stepup.OutcomeStarted, stepup.OutcomeReminded, stepup.OutcomeInvalid:
		return agent.PendingSecurityAnswer
	}
	return ""
}

// answersSecurityQuestion reports whether a message that follows the
// security prompt reads as its answer rather than a new request.
func answersSecurityQuestion(text string) bool {
	if start, _ := stepup.Command(text); start != authsession.LevelNone {
		return false
	}
	return agent.Classify(text).Intent == agent.IntentUnknown
}

// pendingQuestion is the most recent earlier customer question that needs
// verification, so it can be answered once the customer is verified.
func pendingQuestion(st *State) string {
	for i := len(st.Recent) - 1; i >= 0; i-- {
		t := st.Recent[i]
		if t.Direction != timeline.DirectionInbound {
			continue
		}
		if start, code := stepup.Command(t.Text); start != authsession.LevelNone || code != "" {
			continue
		}
		if agent.Sensitive(agent.Classify(t.Text).Intent) {
			return t.Text
		}
		// A bare yes to a pending freeze offer resumes as a freeze request.
		if st.PendingAction == agent.PendingFreezePrompted && agent.DetectAnswer(t.Text) == agent.AnswerYes {
			return "Please freeze my card"
		}
		return ""
	}
	return ""
}

// outboundBody is the JSON document stored with every reply.
type outboundBody struct {
	ContentHash     string            `json:"contentHash"`
	InReplyTo       string            `json:"inReplyTo"`
	Intent          string            `json:"intent,omitempty"`
	DispositionCode string            `json:"dispositionCode"`
	PendingAction   string            `json:"pendingAction,omitempty"`
	CaseID          string            `json:"caseId,omitempty"`
	DeliveryRefs    map[string]string `json:"deliveryRefs,omitempty"`
}

func decodeOutboundBody(raw string) outboundBody {
	var b outboundBody
	if raw == "" {
		return b
	}
	_ = json.Unmarshal([]byte(raw), &b)
	return b
}

func skipped(reason string) Patch {
	return Patch{note: note{output: map[string]any{"skipped": reason}}}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func derefOr[T any](v *T, def T) T {
	if v == nil {
		return def
	}
	return *v
}
