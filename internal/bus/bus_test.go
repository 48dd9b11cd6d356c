package bus

import (
	"context"
	"testing"
	"time"
)

func TestPublishConsumeInbound(t *testing.T) {
	b := NewMessageBus()
	ctx := context.Background()

	if err := b.PublishInbound(ctx, &InboundMessage{Channel: "whatsapp", Text: "hi"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if b.InboundSize() != 1 {
		t.Fatalf("expected 1 queued message, got %d", b.InboundSize())
	}
	msg, err := b.ConsumeInbound(ctx)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if msg.Text != "hi" || msg.Timestamp.IsZero() {
		t.Fatalf("unexpected message: %+v", msg)
	}
}

func TestConsumeInboundHonoursCancel(t *testing.T) {
	b := NewMessageBus()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := b.ConsumeInbound(ctx); err == nil {
		t.Fatal("expected context error")
	}
}

func TestNotifyDelivered(t *testing.T) {
	b := NewMessageBus()
	var got []string
	b.Subscribe("voice", func(m *OutboundMessage) { got = append(got, m.Text) })
	b.NotifyDelivered(&OutboundMessage{Channel: "voice", Text: "Okay."})
	b.NotifyDelivered(&OutboundMessage{Channel: "email", Text: "ignored"})
	if len(got) != 1 || got[0] != "Okay." {
		t.Fatalf("unexpected deliveries: %v", got)
	}
}

func TestDecodeInbound(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		wantErr bool
	}{
		{"raw", `{"channel":"whatsapp","from_address":"+15550001111","provider":"whatsmeow","provider_message_id":"ABC","text":"hi"}`, false},
		{"recorded", `{"conversation_id":"c1","message_id":"m1"}`, false},
		{"missing provider id", `{"channel":"whatsapp","from_address":"+1555","provider":"whatsmeow"}`, true},
		{"not json", `nope`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeInbound([]byte(tt.value))
			if (err != nil) != tt.wantErr {
				t.Fatalf("DecodeInbound err=%v wantErr=%v", err, tt.wantErr)
			}
		})
	}
}
