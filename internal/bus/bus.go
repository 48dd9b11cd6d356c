// Package bus provides the in-process queue between inbound channels and the supervisor.
package bus

import (
	"context"
	"sync"
	"time"
)

// Well-known delivery reference keys carried on messages.
const (
	RefVoiceControlURL = "voice_control_url"
	RefWhatsAppChat    = "whatsapp_chat"
	RefEmailSubject    = "email_subject"
)

// InboundMessage is a customer message received on a channel. Listeners fill
// the channel fields; intake fills ConversationID and MessageID once the
// message has been recorded.
type InboundMessage struct {
	ConversationID    string            `json:"conversation_id,omitempty"`
	MessageID         string            `json:"message_id,omitempty"`
	Channel           string            `json:"channel"`
	FromAddress       string            `json:"from_address"`
	ToAddress         string            `json:"to_address,omitempty"`
	Provider          string            `json:"provider"`
	ProviderMessageID string            `json:"provider_message_id"`
	Text              string            `json:"text"`
	DeliveryRefs      map[string]string `json:"delivery_refs,omitempty"`
	Timestamp         time.Time         `json:"timestamp"`
}

// Recorded reports whether the message already has a stored inbound row.
func (m *InboundMessage) Recorded() bool {
	return m.ConversationID != "" && m.MessageID != ""
}

// OutboundMessage is a reply handed to a delivery gateway.
type OutboundMessage struct {
	Channel        string            `json:"channel"`
	ConversationID string            `json:"conversation_id"`
	MessageID      string            `json:"message_id"`
	To             string            `json:"to"`
	Text           string            `json:"text"`
	Provider       string            `json:"provider"`
	DeliveryRefs   map[string]string `json:"delivery_refs,omitempty"`
}

// Ref returns a delivery reference or "".
func (m *OutboundMessage) Ref(key string) string {
	if m.DeliveryRefs == nil {
		return ""
	}
	return m.DeliveryRefs[key]
}

// MessageBus decouples channel listeners from the supervisor workers.
type MessageBus struct {
	inbound chan *InboundMessage
	subs    map[string][]func(*OutboundMessage)
	mu      sync.RWMutex
}

// NewMessageBus creates a new message bus.
func NewMessageBus() *MessageBus {
	return &MessageBus{
		inbound: make(chan *InboundMessage, 100),
		subs:    make(map[string][]func(*OutboundMessage)),
	}
}

// PublishInbound queues a message for the supervisor. It blocks when the
// queue is full until ctx is cancelled.
func (b *MessageBus) PublishInbound(ctx context.Context, msg *InboundMessage) error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	select {
	case b.inbound <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ConsumeInbound blocks until a message is available or context is cancelled.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (*InboundMessage, error) {
	select {
	case msg := <-b.inbound:
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Subscribe registers a callback for delivered replies on a channel.
func (b *MessageBus) Subscribe(channel string, callback func(*OutboundMessage)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[channel] = append(b.subs[channel], callback)
}

// NotifyDelivered runs the subscribers for msg's channel.
func (b *MessageBus) NotifyDelivered(msg *OutboundMessage) {
	b.mu.RLock()
	callbacks := b.subs[msg.Channel]
	b.mu.RUnlock()
	for _, cb := range callbacks {
		cb(msg)
	}
}

// InboundSize returns the number of pending inbound messages.
func (b *MessageBus) InboundSize() int {
	return len(b.inbound)
}
