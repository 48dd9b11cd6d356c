package channels

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/scalytics/tellerline/internal/bus"
	"github.com/scalytics/tellerline/internal/config"
)

// sayFrame asks the call-control socket to speak text on the live call.
type sayFrame struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id"`
	Text      string `json:"text"`
}

type ackFrame struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id"`
	Ref       string `json:"ref"`
	Error     string `json:"error,omitempty"`
}

// VoiceChannel speaks replies on a live call through its control socket.
type VoiceChannel struct {
	config config.VoiceConfig
	dialer websocket.Dialer
}

// NewVoiceChannel creates the voice gateway.
func NewVoiceChannel(cfg config.VoiceConfig) *VoiceChannel {
	return &VoiceChannel{
		config: cfg,
		dialer: websocket.Dialer{HandshakeTimeout: 5 * time.Second},
	}
}

func (c *VoiceChannel) Name() string { return "voice" }

// Send writes one say frame and waits for the call's ack.
func (c *VoiceChannel) Send(ctx context.Context, msg *bus.OutboundMessage) (string, error) {
	target := msg.Ref(bus.RefVoiceControlURL)
	if target == "" {
		target = c.config.ControlURL
	}
	if target == "" {
		return "", fmt.Errorf("no voice control url for conversation %s", msg.ConversationID)
	}

	headers := http.Header{}
	if c.config.Token != "" {
		headers.Set("Authorization", "Bearer "+c.config.Token)
	}
	conn, _, err := c.dialer.DialContext(ctx, target, headers)
	if err != nil {
		return "", fmt.Errorf("dial voice control: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
		_ = conn.SetReadDeadline(deadline)
	}
	if err := conn.WriteJSON(sayFrame{Type: "say", MessageID: msg.MessageID, Text: msg.Text}); err != nil {
		return "", fmt.Errorf("write say frame: %w", err)
	}

	var ack ackFrame
	if err := conn.ReadJSON(&ack); err != nil {
		return "", fmt.Errorf("read voice ack: %w", err)
	}
	if ack.Error != "" {
		return "", fmt.Errorf("voice control rejected message: %s", ack.Error)
	}
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if ack.Ref == "" {
		return "voice-" + msg.MessageID, nil
	}
	return ack.Ref, nil
}
