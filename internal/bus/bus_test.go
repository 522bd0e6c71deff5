package bus

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestConsumeInbound_FIFO(t *testing.T) {
	b := New()
	for i := 0; i < 5; i++ {
		b.PublishInbound(InboundEvent{Channel: "cli", ChatID: "u1", Content: fmt.Sprintf("m%d", i)})
	}
	for i := 0; i < 5; i++ {
		ev, err := b.ConsumeInbound(time.Second)
		if err != nil {
			t.Fatalf("consume %d: %v", i, err)
		}
		if want := fmt.Sprintf("m%d", i); ev.Content != want {
			t.Errorf("event %d = %q, want %q", i, ev.Content, want)
		}
	}
}

func TestConsumeInbound_Timeout(t *testing.T) {
	b := New()
	start := time.Now()
	_, err := b.ConsumeInbound(50 * time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("returned after %v, want ~50ms", elapsed)
	}
}

func TestConsumeInbound_WakesWaitingConsumer(t *testing.T) {
	b := New()
	done := make(chan InboundEvent, 1)
	go func() {
		ev, err := b.ConsumeInbound(2 * time.Second)
		if err != nil {
			t.Errorf("consume: %v", err)
			return
		}
		done <- ev
	}()
	time.Sleep(20 * time.Millisecond)
	b.PublishInbound(InboundEvent{Channel: "cli", Content: "hello"})

	select {
	case ev := <-done:
		if ev.Content != "hello" {
			t.Errorf("content = %q", ev.Content)
		}
	case <-time.After(time.Second):
		t.Fatal("waiting consumer was not released")
	}
}

func TestDispatchOutbound_SubscriberOrderAndChannelIsolation(t *testing.T) {
	b := New()
	var mu sync.Mutex
	var got []string

	record := func(tag string) OutboundHandler {
		return func(ev OutboundEvent) error {
			mu.Lock()
			got = append(got, tag+":"+ev.Content)
			mu.Unlock()
			return nil
		}
	}
	b.SubscribeOutbound("telegram", record("a"))
	b.SubscribeOutbound("telegram", record("b"))
	b.SubscribeOutbound("cli", record("c"))

	go b.DispatchOutbound()

	b.PublishOutbound(OutboundEvent{Channel: "telegram", Content: "1"})
	b.PublishOutbound(OutboundEvent{Channel: "cli", Content: "2"})
	b.PublishOutbound(OutboundEvent{Channel: "telegram", Content: "3"})

	deadline := time.After(time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n == 5 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("dispatched %d handler calls, want 5", n)
		case <-time.After(5 * time.Millisecond):
		}
	}
	b.Stop()

	mu.Lock()
	defer mu.Unlock()
	want := []string{"a:1", "b:1", "c:2", "a:3", "b:3"}
	for i, w := range want {
		if got[i] != w {
			t.Errorf("call %d = %q, want %q (all: %v)", i, got[i], w, got)
		}
	}
}

func TestDispatchOutbound_DrainsEventsQueuedBeforeStart(t *testing.T) {
	b := New()
	delivered := make(chan string, 2)
	b.SubscribeOutbound("telegram", func(ev OutboundEvent) error {
		delivered <- ev.Content
		return nil
	})

	// Events published before the dispatcher goroutine exists must still go out.
	b.PublishOutbound(OutboundEvent{Channel: "telegram", Content: "queued"})

	go b.DispatchOutbound()
	defer b.Stop()

	select {
	case got := <-delivered:
		if got != "queued" {
			t.Errorf("delivered %q", got)
		}
	case <-time.After(time.Second):
		t.Fatal("pre-queued event never dispatched")
	}
}

func TestDispatchOutbound_HandlerErrorDoesNotAbort(t *testing.T) {
	b := New()
	var mu sync.Mutex
	var delivered []string

	b.SubscribeOutbound("cli", func(ev OutboundEvent) error {
		if ev.Content == "boom" {
			return errors.New("handler exploded")
		}
		mu.Lock()
		delivered = append(delivered, ev.Content)
		mu.Unlock()
		return nil
	})

	go b.DispatchOutbound()
	b.PublishOutbound(OutboundEvent{Channel: "cli", Content: "boom"})
	b.PublishOutbound(OutboundEvent{Channel: "cli", Content: "after"})

	deadline := time.After(time.Second)
	for {
		mu.Lock()
		n := len(delivered)
		mu.Unlock()
		if n == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("dispatcher did not survive handler error")
		case <-time.After(5 * time.Millisecond):
		}
	}
	b.Stop()
}

func TestStop_ReleasesConsumer(t *testing.T) {
	b := New()
	errCh := make(chan error, 1)
	go func() {
		_, err := b.ConsumeInbound(5 * time.Second)
		errCh <- err
	}()
	time.Sleep(10 * time.Millisecond)
	b.Stop()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrStopped) {
			t.Errorf("err = %v, want ErrStopped", err)
		}
	case <-time.After(time.Second):
		t.Fatal("consumer not released on Stop")
	}
}
