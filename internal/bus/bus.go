// Package bus provides the in-process message broker that decouples channel
// adapters from the agent runtime.
//
// Two queues: a single inbound queue (many producers, one consumer — the agent
// loop) and an outbound queue (one producer, per-channel subscribers). Both are
// FIFO; there is no cross-channel ordering guarantee on the outbound side.
package bus

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrTimeout is returned by ConsumeInbound when no event arrives in time.
var ErrTimeout = errors.New("bus: consume timeout")

// ErrStopped is returned once the bus has been stopped.
var ErrStopped = errors.New("bus: stopped")

// MessageBus is the in-process broker. Publishing never blocks; queues grow
// unbounded within a single process lifetime.
type MessageBus struct {
	mu          sync.Mutex
	inbound     []InboundEvent
	outbound    []OutboundEvent
	subscribers map[string][]OutboundHandler

	inboundWake  chan struct{}
	outboundWake chan struct{}
	stopCh       chan struct{}
	stopOnce     sync.Once
}

func New() *MessageBus {
	return &MessageBus{
		subscribers:  make(map[string][]OutboundHandler),
		inboundWake:  make(chan struct{}, 1),
		outboundWake: make(chan struct{}, 1),
		stopCh:       make(chan struct{}),
	}
}

// PublishInbound appends an event to the inbound queue and wakes the consumer.
func (b *MessageBus) PublishInbound(ev InboundEvent) {
	b.mu.Lock()
	b.inbound = append(b.inbound, ev)
	b.mu.Unlock()
	b.wake(b.inboundWake)
}

// ConsumeInbound returns the next inbound event in FIFO order, waiting up to
// timeout. There is a single logical consumer; when more than one goroutine
// consumes, each event is delivered to exactly one of them.
func (b *MessageBus) ConsumeInbound(timeout time.Duration) (InboundEvent, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		b.mu.Lock()
		if len(b.inbound) > 0 {
			ev := b.inbound[0]
			b.inbound = b.inbound[1:]
			b.mu.Unlock()
			return ev, nil
		}
		b.mu.Unlock()

		select {
		case <-b.inboundWake:
		case <-deadline.C:
			return InboundEvent{}, ErrTimeout
		case <-b.stopCh:
			return InboundEvent{}, ErrStopped
		}
	}
}

// PublishOutbound appends an event to the outbound queue.
func (b *MessageBus) PublishOutbound(ev OutboundEvent) {
	b.mu.Lock()
	b.outbound = append(b.outbound, ev)
	b.mu.Unlock()
	b.wake(b.outboundWake)
}

// SubscribeOutbound registers a handler for one channel. Multiple handlers per
// channel are invoked in registration order.
func (b *MessageBus) SubscribeOutbound(channel string, handler OutboundHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[channel] = append(b.subscribers[channel], handler)
}

// DispatchOutbound drains the outbound queue until Stop, invoking subscribers
// sequentially per event. Events for channels with no subscriber are logged and
// dropped. Intended to run on its own goroutine.
func (b *MessageBus) DispatchOutbound() {
	for {
		b.mu.Lock()
		if len(b.outbound) > 0 {
			ev := b.outbound[0]
			b.outbound = b.outbound[1:]
			handlers := b.subscribers[ev.Channel]
			b.mu.Unlock()

			if len(handlers) == 0 {
				slog.Warn("outbound: no subscriber for channel, dropping event",
					"channel", ev.Channel, "chat_id", ev.ChatID)
				continue
			}
			for _, h := range handlers {
				if err := h(ev); err != nil {
					slog.Error("outbound handler failed",
						"channel", ev.Channel, "chat_id", ev.ChatID, "error", err)
				}
			}
			continue
		}
		b.mu.Unlock()

		select {
		case <-b.outboundWake:
		case <-b.stopCh:
			return
		}
	}
}

// Stop terminates the dispatcher and releases blocked consumers after the
// event currently being handled.
func (b *MessageBus) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

func (b *MessageBus) wake(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
