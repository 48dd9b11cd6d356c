package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/scalytics/tellerline/internal/bus"
	"github.com/scalytics/tellerline/internal/channels"
	"github.com/scalytics/tellerline/internal/timeline"
)

// DeliveryBackoff returns when a failed delivery is retried next:
// now + min(30s * 2^attempts, 5min).
func DeliveryBackoff(attempts int, now time.Time) time.Time {
	delay := time.Duration(30*math.Pow(2, float64(attempts))) * time.Second
	maxDelay := 5 * time.Minute
	if delay > maxDelay || delay <= 0 {
		delay = maxDelay
	}
	return now.Add(delay)
}

// DeliveryWorker polls for outbound replies whose delivery failed or never
// finished and retries them.
type DeliveryWorker struct {
	sup      *Supervisor
	interval time.Duration
	maxRetry int
}

// NewDeliveryWorker creates a delivery worker from the delivery config.
func NewDeliveryWorker(s *Supervisor) *DeliveryWorker {
	w := &DeliveryWorker{
		sup:      s,
		interval: 5 * time.Second,
		maxRetry: 5,
	}
	if n := s.Config.Delivery.IntervalSeconds; n > 0 {
		w.interval = time.Duration(n) * time.Second
	}
	if n := s.Config.Delivery.MaxAttempts; n > 0 {
		w.maxRetry = n
	}
	return w
}

// Run starts the polling loop. Blocks until context is cancelled.
func (w *DeliveryWorker) Run(ctx context.Context) error {
	slog.Info("Delivery worker started", "interval", w.interval, "max_retry", w.maxRetry)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Delivery worker stopped")
			return ctx.Err()
		case <-ticker.C:
			w.Poll(ctx)
		}
	}
}

// Poll retries one batch of due deliveries and returns how many were sent.
func (w *DeliveryWorker) Poll(ctx context.Context) int {
	pending, err := w.sup.Timeline.ListPendingOutbound(ctx, 10)
	if err != nil {
		slog.Error("Delivery worker poll failed", "error", err)
		return 0
	}
	sent := 0
	for i := range pending {
		m := &pending[i]
		conv, err := w.sup.Timeline.GetConversation(ctx, m.ConversationID)
		if err != nil {
			slog.Error("Delivery worker conversation lookup failed", "message_id", m.MessageID, "error", err)
			continue
		}
		if m.DeliveryAttempts >= w.maxRetry {
			slog.Warn("Delivery max retries exceeded", "message_id", m.MessageID, "attempts", m.DeliveryAttempts)
			if err := w.sup.Timeline.MarkOutboundDelivery(ctx, m.MessageID, timeline.DeliveryAbandoned, "", "max attempts exceeded", nil); err != nil {
				slog.Error("Mark delivery failed", "message_id", m.MessageID, "error", err)
				continue
			}
			w.escalateAbandoned(ctx, conv, m)
			continue
		}
		body := decodeOutboundBody(m.BodyJSON)
		if _, err := w.sup.deliver(ctx, m, conv.Channel, body.DeliveryRefs); err != nil {
			slog.Warn("Delivery retry failed", "message_id", m.MessageID, "channel", conv.Channel, "attempt", m.DeliveryAttempts+1, "error", err)
			continue
		}
		sent++
		slog.Info("Delivery worker dispatched", "message_id", m.MessageID, "channel", conv.Channel)
	}
	return sent
}

func (w *DeliveryWorker) escalateAbandoned(ctx context.Context, conv *timeline.Conversation, m *timeline.Message) {
	if w.sup.Escalator == nil {
		return
	}
	err := w.sup.Escalator.Escalate(ctx, channels.Escalation{
		ConversationID: conv.ID,
		Channel:        conv.Channel,
		CustomerID:     conv.CustomerID,
		Intent:         decodeOutboundBody(m.BodyJSON).Intent,
		ErrorCode:      string(CodeMessageSendFailed),
		Reason:         fmt.Sprintf("reply %s not delivered after %d attempts", m.MessageID, m.DeliveryAttempts),
	})
	if err != nil {
		slog.Warn("Escalation failed", "conversation_id", conv.ID, "error", err)
	}
}

// Intake turns a channel message into a pipeline run. Messages that were not
// recorded yet get their conversation ensured and are stored idempotently
// under (provider, provider message id); a redelivered message runs again
// and the pipeline answers it with the stored reply.
func (s *Supervisor) Intake(ctx context.Context, msg *bus.InboundMessage) (Result, error) {
	if msg == nil {
		return Result{}, errors.New("intake: nil message")
	}
	if msg.Recorded() {
		return s.Run(ctx, InboundEvent{
			ConversationID: msg.ConversationID,
			MessageID:      msg.MessageID,
			Channel:        msg.Channel,
			FromAddress:    msg.FromAddress,
			DeliveryRefs:   msg.DeliveryRefs,
		}), nil
	}
	if strings.TrimSpace(msg.Channel) == "" || strings.TrimSpace(msg.FromAddress) == "" {
		return Result{}, errors.New("intake: channel and from address are required")
	}
	conv, err := s.Timeline.EnsureConversation(ctx, msg.Channel, msg.FromAddress)
	if err != nil {
		return Result{}, fmt.Errorf("intake: %w", err)
	}
	stored, created, err := s.Timeline.RecordInbound(ctx, &timeline.Message{
		ConversationID:    conv.ID,
		Provider:          firstNonEmpty(msg.Provider, msg.Channel),
		ProviderMessageID: msg.ProviderMessageID,
		FromAddress:       msg.FromAddress,
		ToAddress:         msg.ToAddress,
		BodyText:          msg.Text,
	})
	if err != nil {
		return Result{}, fmt.Errorf("intake: %w", err)
	}
	if !created {
		slog.Info("Inbound redelivered", "conversation_id", stored.ConversationID, "message_id", stored.MessageID)
	}
	return s.Run(ctx, InboundEvent{
		ConversationID: stored.ConversationID,
		MessageID:      stored.MessageID,
		Channel:        msg.Channel,
		FromAddress:    msg.FromAddress,
		DeliveryRefs:   msg.DeliveryRefs,
	}), nil
}

// Serve runs workers goroutines that feed bus messages into Intake until
// ctx is cancelled. Messages of one conversation are processed one at a
// time.
func (s *Supervisor) Serve(ctx context.Context, b *bus.MessageBus, workers int) {
	if workers <= 0 {
		workers = 1
	}
	var (
		wg    sync.WaitGroup
		locks conversationLocks
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for {
				msg, err := b.ConsumeInbound(ctx)
				if err != nil {
					return
				}
				s.Metrics.SetInboundQueue(b.InboundSize())
				unlock := locks.lock(conversationKey(msg))
				res, err := s.Intake(ctx, msg)
				unlock()
				if err != nil {
					slog.Error("Inbound rejected", "worker", id, "channel", msg.Channel, "error", err)
					continue
				}
				slog.Debug("Inbound processed", "worker", id, "conversation_id", res.ConversationID, "disposition", res.Disposition)
			}
		}(i)
	}
	slog.Info("Supervisor workers started", "workers", workers)
	wg.Wait()
	slog.Info("Supervisor workers stopped")
}

func conversationKey(msg *bus.InboundMessage) string {
	if msg.ConversationID != "" {
		return msg.ConversationID
	}
	return msg.Channel + "|" + msg.FromAddress
}

// conversationLocks serializes work per conversation key.
type conversationLocks struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	sync.Mutex
	refs int
}

func (c *conversationLocks) lock(key string) func() {
	c.mu.Lock()
	if c.locks == nil {
		c.locks = make(map[string]*keyLock)
	}
	l := c.locks[key]
	if l == nil {
		l = &keyLock{}
		c.locks[key] = l
	}
	l.refs++
	c.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		c.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(c.locks, key)
		}
		c.mu.Unlock()
	}
}

