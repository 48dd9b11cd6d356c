package channels

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/scalytics/tellerline/internal/bus"
	"github.com/scalytics/tellerline/internal/config"
	"github.com/skip2/go-qrcode"

	_ "modernc.org/sqlite"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"
)

// ProviderWhatsApp is the provider name recorded for WhatsApp messages.
const ProviderWhatsApp = "whatsmeow"

// WhatsAppChannel delivers replies through a paired WhatsApp device and
// publishes incoming text messages on the bus.
type WhatsAppChannel struct {
	BaseChannel
	config    config.WhatsAppConfig
	client    *whatsmeow.Client
	container *sqlstore.Container
	sendFn    func(ctx context.Context, jid types.JID, text string) (string, error)
	mu        sync.Mutex
}

// NewWhatsAppChannel creates the channel. Start must be called before Send.
func NewWhatsAppChannel(cfg config.WhatsAppConfig, messageBus *bus.MessageBus) *WhatsAppChannel {
	return &WhatsAppChannel{
		BaseChannel: BaseChannel{Bus: messageBus},
		config:      cfg,
	}
}

func (c *WhatsAppChannel) Name() string { return "whatsapp" }

func (c *WhatsAppChannel) open(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		return nil
	}
	dbPath := c.config.SessionDB
	if dbPath == "" {
		return fmt.Errorf("whatsapp session db path is not configured")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return fmt.Errorf("create whatsapp session dir: %w", err)
	}

	dbLog := waLog.Stdout("Database", "WARN", true)
	clientLog := waLog.Stdout("Client", "WARN", true)
	container, err := sqlstore.New(ctx, "sqlite", "file:"+dbPath+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", dbLog)
	if err != nil {
		return fmt.Errorf("init whatsapp db: %w", err)
	}
	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		container.Close()
		return fmt.Errorf("get whatsapp device: %w", err)
	}
	c.container = container
	c.client = whatsmeow.NewClient(deviceStore, clientLog)
	return nil
}

// Start connects the paired device and begins forwarding inbound messages.
func (c *WhatsAppChannel) Start(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}
	if err := c.open(ctx); err != nil {
		return err
	}
	if c.client.Store.ID == nil {
		return fmt.Errorf("whatsapp device is not paired; run `tellerline whatsapp login`")
	}
	c.client.AddEventHandler(func(evt interface{}) { c.eventHandler(ctx, evt) })
	if err := c.client.Connect(); err != nil {
		return fmt.Errorf("connect whatsapp: %w", err)
	}
	slog.Info("WhatsApp connected")
	return nil
}

// Login pairs a new device, writing each QR code to the configured path.
// It returns when pairing succeeds, times out or ctx ends.
func (c *WhatsAppChannel) Login(ctx context.Context, onCode func(path string)) error {
	if err := c.open(ctx); err != nil {
		return err
	}
	if c.client.Store.ID != nil {
		return nil
	}
	qrChan, err := c.client.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("open qr channel: %w", err)
	}
	if err := c.client.Connect(); err != nil {
		return fmt.Errorf("connect whatsapp: %w", err)
	}
	for evt := range qrChan {
		switch evt.Event {
		case "code":
			if err := qrcode.WriteFile(evt.Code, qrcode.Medium, 512, c.config.QRPath); err != nil {
				return fmt.Errorf("write qr code: %w", err)
			}
			if onCode != nil {
				onCode(c.config.QRPath)
			}
		case "success":
			return nil
		default:
			slog.Info("WhatsApp login event", "event", evt.Event)
		}
	}
	if c.client.Store.ID == nil {
		return fmt.Errorf("whatsapp pairing did not complete")
	}
	return nil
}

// Stop disconnects the client and closes the session store.
func (c *WhatsAppChannel) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		c.client.Disconnect()
	}
	if c.container != nil {
		return c.container.Close()
	}
	return nil
}

// Send delivers a text reply. The chat JID delivery reference wins over the
// phone number in msg.To.
func (c *WhatsAppChannel) Send(ctx context.Context, msg *bus.OutboundMessage) (string, error) {
	target := msg.Ref(bus.RefWhatsAppChat)
	if target == "" {
		target = strings.TrimPrefix(msg.To, "+") + "@" + types.DefaultUserServer
	}
	jid, err := types.ParseJID(target)
	if err != nil {
		return "", fmt.Errorf("invalid JID: %w", err)
	}
	if c.sendFn != nil {
		return c.sendFn(ctx, jid, msg.Text)
	}
	if c.client == nil {
		return "", fmt.Errorf("whatsapp client not initialized")
	}
	resp, err := c.client.SendMessage(ctx, jid, &waE2E.Message{
		Conversation: proto.String(msg.Text),
	})
	if err != nil {
		return "", fmt.Errorf("send whatsapp message: %w", err)
	}
	return resp.ID, nil
}

func (c *WhatsAppChannel) eventHandler(ctx context.Context, evt interface{}) {
	v, ok := evt.(*events.Message)
	if !ok || v.Info.IsFromMe || v.Info.IsGroup {
		return
	}
	text := v.Message.GetConversation()
	if text == "" {
		text = v.Message.GetExtendedTextMessage().GetText()
	}
	in := inboundFromWhatsApp(v.Info.Sender.User, v.Info.Chat.String(), v.Info.ID, text)
	if in == nil {
		return
	}
	if err := c.Bus.PublishInbound(ctx, in); err != nil {
		slog.Warn("WhatsApp inbound dropped", "provider_message_id", v.Info.ID, "error", err)
	}
}

// inboundFromWhatsApp builds the bus message for a text event; non-text
// events yield nil.
func inboundFromWhatsApp(senderUser, chat, messageID, text string) *bus.InboundMessage {
	text = strings.TrimSpace(text)
	if text == "" || senderUser == "" {
		return nil
	}
	return &bus.InboundMessage{
		Channel:           "whatsapp",
		FromAddress:       "+" + senderUser,
		Provider:          ProviderWhatsApp,
		ProviderMessageID: messageID,
		Text:              text,
		DeliveryRefs:      map[string]string{bus.RefWhatsAppChat: chat},
	}
}
