// Package channels connects external messaging platforms to the agent
// runtime via the message bus.
package channels

import (
	"context"

	"github.com/robunhq/robun/internal/bus"
)

// Channel is the adapter contract every platform implements.
type Channel interface {
	// Name returns the channel identifier (e.g. "telegram").
	Name() string

	// Start begins ingestion; non-blocking after setup.
	Start(ctx context.Context) error

	// Stop gracefully shuts the channel down.
	Stop(ctx context.Context) error

	// Send delivers one outbound event to the platform.
	Send(ctx context.Context, ev bus.OutboundEvent) error

	// IsAllowed reports whether a sender passes the channel's allow-list.
	IsAllowed(senderID string) bool
}

// BaseChannel carries the allow-list handling shared by adapters.
type BaseChannel struct {
	name      string
	bus       *bus.MessageBus
	allowList []string
}

func NewBaseChannel(name string, msgBus *bus.MessageBus, allowList []string) *BaseChannel {
	return &BaseChannel{name: name, bus: msgBus, allowList: allowList}
}

func (c *BaseChannel) Name() string { return c.name }

// Bus returns the message bus reference.
func (c *BaseChannel) Bus() *bus.MessageBus { return c.bus }

// IsAllowed reports whether a sender passes the allow-list. An empty list
// allows everyone.
func (c *BaseChannel) IsAllowed(senderID string) bool {
	if len(c.allowList) == 0 {
		return true
	}
	for _, allowed := range c.allowList {
		if senderID == allowed {
			return true
		}
	}
	return false
}

// HandleMessage publishes one received message, enforcing the allow-list.
func (c *BaseChannel) HandleMessage(senderID, chatID, content string, media []string, timestamp int64) {
	if !c.IsAllowed(senderID) {
		return
	}
	c.bus.PublishInbound(bus.InboundEvent{
		Channel:   c.name,
		SenderID:  senderID,
		ChatID:    chatID,
		Content:   content,
		Media:     media,
		Timestamp: timestamp,
	})
}
