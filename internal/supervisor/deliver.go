package supervisor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/scalytics/tellerline/internal/agent"
	"github.com/scalytics/tellerline/internal/bus"
	"github.com/scalytics/tellerline/internal/channels"
	"github.com/scalytics/tellerline/internal/stepup"
	"github.com/scalytics/tellerline/internal/timeline"
)

// ContentHash is the hash stored with every outbound body.
func ContentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

func (s *Supervisor) sendTimeout() time.Duration {
	if d := s.Config.Timeouts.Send(); d > 0 {
		return d
	}
	return 10 * time.Second
}

// persistAndSend writes the reply under its idempotency key and delivers
// it. An existing key means another run already replied: nothing is sent
// and the stage reports success.
func (s *Supervisor) persistAndSend(ctx context.Context, st *State) (Patch, error) {
	if st.Replay != nil {
		return Patch{
			WasDuplicate:      ptr(true),
			OutboundMessageID: ptr(st.Replay.MessageID),
			FormattedReply:    ptr(st.Replay.BodyText),
			Delivered:         ptr(st.Replay.DeliveryStatus == timeline.DeliverySent),
			note:              note{output: map[string]any{"duplicate": true, "outboundMessageId": st.Replay.MessageID}},
		}, nil
	}

	text := st.FormattedReply
	if text == "" {
		text = s.fallbackReply(st.Channel)
	}
	disposition := dispositionOf(st)
	body, err := json.Marshal(outboundBody{
		ContentHash:     ContentHash(text),
		InReplyTo:       st.Inbound.MessageID,
		Intent:          string(st.Intent),
		DispositionCode: string(disposition),
		PendingAction:   st.PendingAction,
		CaseID:          st.CaseID,
		DeliveryRefs:    st.DeliveryRefs,
	})
	if err != nil {
		return Patch{}, fmt.Errorf("encode outbound body: %w", err)
	}

	// The lease keeps the retry worker away while this run is sending.
	lease := s.now().Add(2 * s.sendTimeout())
	out, err := s.Timeline.InsertOutbound(ctx, &timeline.Message{
		ConversationID:    st.Conversation.ID,
		Provider:          st.Provider,
		ProviderMessageID: OutboundKey(st.Inbound.MessageID),
		FromAddress:       st.Inbound.ToAddress,
		ToAddress:         st.FromAddress,
		BodyText:          text,
		BodyJSON:          string(body),
		DeliveryStatus:    timeline.DeliveryPending,
		DeliveryNextAt:    &lease,
	})
	if errors.Is(err, timeline.ErrDuplicate) {
		slog.Info("Outbound already recorded", "conversation_id", st.Conversation.ID, "message_id", st.Inbound.MessageID)
		existing, gerr := s.Timeline.GetMessageByKey(ctx, st.Provider, OutboundKey(st.Inbound.MessageID))
		p := Patch{WasDuplicate: ptr(true), note: note{output: map[string]any{"duplicate": true}}}
		if gerr == nil && existing != nil {
			p.OutboundMessageID = ptr(existing.MessageID)
			p.FormattedReply = ptr(existing.BodyText)
		}
		return p, nil
	}
	if err != nil {
		return Patch{}, err
	}

	p := Patch{
		OutboundMessageID:  ptr(out.MessageID),
		FormattedReply:     ptr(text),
		StampedDisposition: ptr(disposition),
	}
	ref, sendErr := s.deliver(ctx, out, st.Channel, st.DeliveryRefs)
	if sendErr != nil {
		retry := !errors.Is(sendErr, channels.ErrNoGateway)
		p.RetryPending = ptr(retry)
		p.note = note{output: map[string]any{"outboundMessageId": out.MessageID, "delivered": false, "retryPending": retry}}
		return p, sendErr
	}
	p.Delivered = ptr(true)
	p.DeliveryRef = ptr(ref)
	p.note = note{output: map[string]any{
		"outboundMessageId": out.MessageID,
		"delivered":         true,
		"gatewayRef":        ref,
		"dispositionCode":   disposition,
	}}
	return p, nil
}

// deliver sends one stored outbound record and records the attempt. A
// failure leaves the record for the retry worker.
func (s *Supervisor) deliver(ctx context.Context, m *timeline.Message, channel string, refs map[string]string) (string, error) {
	sendCtx, cancel := context.WithTimeout(ctx, s.sendTimeout())
	defer cancel()
	out := &bus.OutboundMessage{
		Channel:        channel,
		ConversationID: m.ConversationID,
		MessageID:      m.MessageID,
		To:             m.ToAddress,
		Text:           m.BodyText,
		Provider:       m.Provider,
		DeliveryRefs:   refs,
	}
	ref, err := s.Gateways.Send(sendCtx, out)
	// Record the attempt even if the caller's context is done.
	markCtx := context.WithoutCancel(ctx)
	if err != nil {
		s.Metrics.ObserveDelivery(channel, timeline.DeliveryFailed)
		next := DeliveryBackoff(m.DeliveryAttempts, s.now())
		status := timeline.DeliveryFailed
		if errors.Is(err, channels.ErrNoGateway) {
			status = timeline.DeliveryAbandoned
		}
		if merr := s.Timeline.MarkOutboundDelivery(markCtx, m.MessageID, status, "", s.auditFilter.Redact(err.Error()), &next); merr != nil {
			slog.Error("Mark delivery failed", "message_id", m.MessageID, "error", merr)
		}
		return "", fmt.Errorf("send via %s: %w", channel, err)
	}
	s.Metrics.ObserveDelivery(channel, timeline.DeliverySent)
	if merr := s.Timeline.MarkOutboundDelivery(markCtx, m.MessageID, timeline.DeliverySent, ref, "", nil); merr != nil {
		slog.Error("Mark delivery failed", "message_id", m.MessageID, "error", merr)
	}
	if s.Bus != nil {
		s.Bus.NotifyDelivered(out)
	}
	return ref, nil
}

func (s *Supervisor) wrapUp(ctx context.Context, st *State) (Patch, error) {
	disposition := dispositionOf(st)
	p := Patch{
		Disposition: ptr(disposition),
		note: note{output: map[string]any{
			"disposition":   disposition,
			"errors":        len(st.Errors),
			"duplicate":     st.WasDuplicate,
			"pendingAction": st.PendingAction,
		}},
	}
	if st.Conversation == nil {
		return p, nil
	}
	if st.WasDuplicate {
		// The first run already settled this turn.
		return p, nil
	}
	status := timeline.ConversationOpen
	switch disposition {
	case DispositionEscalated:
		status = timeline.ConversationEscalated
	case DispositionVerificationRequested:
		status = timeline.ConversationPendingVerification
	}
	if err := s.Timeline.UpdateConversationStatus(ctx, st.Conversation.ID, status); err != nil {
		return p, fmt.Errorf("update conversation status: %w", err)
	}
	if st.OutboundMessageID != "" && st.StampedDisposition != "" && st.StampedDisposition != disposition {
		s.restampDisposition(ctx, st.OutboundMessageID, disposition)
	}
	// A reply waiting for redelivery is escalated by the worker if it is
	// abandoned, not here.
	if disposition == DispositionEscalated && s.Escalator != nil && !awaitingRedelivery(st) {
		s.escalate(ctx, st)
	}
	return p, nil
}

// restampDisposition rewrites the disposition code of a stored reply once
// the turn's final disposition is known.
func (s *Supervisor) restampDisposition(ctx context.Context, messageID string, d Disposition) {
	m, err := s.Timeline.GetMessage(ctx, messageID)
	if err != nil {
		slog.Warn("Restamp disposition failed", "message_id", messageID, "error", err)
		return
	}
	body := decodeOutboundBody(m.BodyJSON)
	body.DispositionCode = string(d)
	raw, err := json.Marshal(body)
	if err != nil {
		slog.Warn("Restamp disposition failed", "message_id", messageID, "error", err)
		return
	}
	if err := s.Timeline.UpdateOutboundBody(ctx, messageID, string(raw)); err != nil {
		slog.Warn("Restamp disposition failed", "message_id", messageID, "error", err)
	}
}

// awaitingRedelivery reports whether the only thing wrong with the turn is
// a send failure the retry worker still owns.
func awaitingRedelivery(st *State) bool {
	if !st.RetryPending || st.Aborted || st.Escalate || agent.Has(st.Actions, "handoff_suggest") {
		return false
	}
	for _, e := range st.Errors {
		if e.Code != CodeMessageSendFailed {
			return false
		}
	}
	return true
}

func (s *Supervisor) escalate(ctx context.Context, st *State) {
	e := channels.Escalation{
		ConversationID: st.Conversation.ID,
		Channel:        st.Channel,
		CustomerID:     st.CustomerID,
		Intent:         string(st.Intent),
	}
	if len(st.Errors) > 0 {
		last := st.Errors[len(st.Errors)-1]
		e.ErrorCode = string(last.Code)
		if last.SubCode != "" {
			e.ErrorCode += "/" + last.SubCode
		}
		e.Reason = "pipeline stage " + last.Stage + " failed"
	}
	for _, a := range st.Actions {
		if h, ok := a.(agent.HandoffSuggest); ok {
			e.Reason = s.auditFilter.Redact(h.Reason)
		}
	}
	if st.StepUp != nil && st.StepUp.Outcome == stepup.OutcomeLocked {
		e.Reason = "verification locked after too many attempts"
	}
	if err := s.Escalator.Escalate(context.WithoutCancel(ctx), e); err != nil {
		slog.Warn("Escalation failed", "conversation_id", st.Conversation.ID, "error", err)
	}
}

// dispositionOf classifies how the turn ended.
func dispositionOf(st *State) Disposition {
	if st.Aborted || len(st.Errors) > 0 || st.Escalate || agent.Has(st.Actions, "handoff_suggest") {
		return DispositionEscalated
	}
	if st.RequiresAuth || agent.Has(st.Actions, "request_verification") {
		return DispositionVerificationRequested
	}
	if st.StepUpHandled && st.StepUp != nil {
		switch st.StepUp.Outcome {
		case stepup.OutcomeVerified, stepup.OutcomeAlreadyVerified:
			return DispositionInProgress
		default:
			return DispositionVerificationRequested
		}
	}
	if agent.Has(st.Actions, "ask_clarifying_question") {
		return DispositionClarificationRequested
	}
	if agent.Has(st.Actions, "answer_faq") {
		return DispositionFAQAnswered
	}
	return DispositionInProgress
}
