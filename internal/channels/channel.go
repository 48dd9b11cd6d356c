// Package channels delivers replies to customers and forwards inbound channel
// traffic onto the bus.
package channels

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/scalytics/tellerline/internal/bus"
)

// ErrNoGateway is returned when no gateway is registered for a channel.
var ErrNoGateway = errors.New("no delivery gateway for channel")

// Gateway sends one reply and returns the gateway's message reference.
type Gateway interface {
	// Name returns the channel name (e.g. "whatsapp").
	Name() string
	// Send delivers msg. It must be safe to call again with the same message.
	Send(ctx context.Context, msg *bus.OutboundMessage) (string, error)
}

// Listener is a channel that also receives customer messages.
type Listener interface {
	Start(ctx context.Context) error
	Stop() error
}

// BaseChannel provides common functionality for listening channels.
type BaseChannel struct {
	Bus *bus.MessageBus
}

// Gateways looks up the delivery gateway for a channel.
type Gateways struct {
	mu    sync.RWMutex
	byKey map[string]Gateway
}

// NewGateways creates a registry holding gws.
func NewGateways(gws ...Gateway) *Gateways {
	g := &Gateways{byKey: make(map[string]Gateway)}
	for _, gw := range gws {
		g.Register(gw)
	}
	return g
}

// Register adds or replaces the gateway for gw.Name().
func (g *Gateways) Register(gw Gateway) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.byKey[gw.Name()] = gw
}

// Get returns the gateway for channel.
func (g *Gateways) Get(channel string) (Gateway, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	gw, ok := g.byKey[channel]
	return gw, ok
}

// Send routes msg to its channel's gateway.
func (g *Gateways) Send(ctx context.Context, msg *bus.OutboundMessage) (string, error) {
	gw, ok := g.Get(msg.Channel)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNoGateway, msg.Channel)
	}
	return gw.Send(ctx, msg)
}

// LogGateway accepts every message without delivering it. It stands in for
// channels that are disabled in development.
type LogGateway struct {
	Channel string
	Sent    func(msg *bus.OutboundMessage)
}

func (g *LogGateway) Name() string { return g.Channel }

func (g *LogGateway) Send(_ context.Context, msg *bus.OutboundMessage) (string, error) {
	if g.Sent != nil {
		g.Sent(msg)
	}
	return "log-" + msg.MessageID, nil
}
