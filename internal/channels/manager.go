package channels

import (
	"context"
	"log/slog"
	"sync"

	"github.com/robunhq/robun/internal/bus"
)

// Manager owns the registered channel adapters and wires each one's Send
// into the bus's outbound dispatch.
type Manager struct {
	mu       sync.Mutex
	msgBus   *bus.MessageBus
	channels map[string]Channel
}

func NewManager(msgBus *bus.MessageBus) *Manager {
	return &Manager{msgBus: msgBus, channels: make(map[string]Channel)}
}

// Register adds a channel and subscribes it to its outbound events.
func (m *Manager) Register(ch Channel) {
	m.mu.Lock()
	m.channels[ch.Name()] = ch
	m.mu.Unlock()

	m.msgBus.SubscribeOutbound(ch.Name(), func(ev bus.OutboundEvent) error {
		return ch.Send(context.Background(), ev)
	})
}

// StartAll starts every registered channel. A failing channel is logged and
// skipped so one broken adapter doesn't take the runtime down.
func (m *Manager) StartAll(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, ch := range m.channels {
		if err := ch.Start(ctx); err != nil {
			slog.Error("channel failed to start", "channel", name, "error", err)
			continue
		}
		slog.Info("channel started", "channel", name)
	}
}

// StopAll stops every registered channel.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, ch := range m.channels {
		if err := ch.Stop(ctx); err != nil {
			slog.Warn("channel stop failed", "channel", name, "error", err)
		}
	}
}

// Names returns the registered channel names.
func (m *Manager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.channels))
	for name := range m.channels {
		out = append(out, name)
	}
	return out
}
