// Package agent drives the think-act-observe loop that turns inbound events
// into assistant replies, persisting transcripts and folding old context into
// long-term memory.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robunhq/robun/internal/bus"
	"github.com/robunhq/robun/internal/memory"
	"github.com/robunhq/robun/internal/providers"
	"github.com/robunhq/robun/internal/sessions"
	"github.com/robunhq/robun/internal/skills"
	"github.com/robunhq/robun/internal/tools"
)

const (
	reflectionNudge = "Reflect on the results and decide next steps."
	noReplyFallback = "I've completed processing but have no response to give."

	newSessionReply = "New session started. The previous conversation is being archived to memory."

	helpReply = `Available commands:
/new - start a fresh session (the old conversation is archived to memory)
/help - show this help

Anything else is sent to the assistant.`
)

// Loop processes inbound events one at a time: the single consumer of the
// message bus.
type Loop struct {
	provider      providers.Provider
	model         string
	maxTokens     int
	temperature   float64
	maxIterations int
	memoryWindow  int
	workspace     string

	msgBus   *bus.MessageBus
	sessions *sessions.Store
	memory   *memory.Store
	registry *tools.Registry
	skills   *skills.Loader

	consolidateMu sync.Map // session key → *sync.Mutex
	consolidateWG sync.WaitGroup

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// Config wires a Loop's collaborators.
type Config struct {
	Provider      providers.Provider
	Model         string
	MaxTokens     int
	Temperature   float64
	MaxIterations int
	MemoryWindow  int
	Workspace     string
	Bus           *bus.MessageBus
	Sessions      *sessions.Store
	Memory        *memory.Store
	Tools         *tools.Registry
	Skills        *skills.Loader
}

func NewLoop(cfg Config) *Loop {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 20
	}
	if cfg.MemoryWindow <= 0 {
		cfg.MemoryWindow = 50
	}
	return &Loop{
		provider:      cfg.Provider,
		model:         cfg.Model,
		maxTokens:     cfg.MaxTokens,
		temperature:   cfg.Temperature,
		maxIterations: cfg.MaxIterations,
		memoryWindow:  cfg.MemoryWindow,
		workspace:     cfg.Workspace,
		msgBus:        cfg.Bus,
		sessions:      cfg.Sessions,
		memory:        cfg.Memory,
		registry:      cfg.Tools,
		skills:        cfg.Skills,
		stopCh:        make(chan struct{}),
		done:          make(chan struct{}),
	}
}

// Run consumes the inbound queue until Stop. Failures in a single event never
// abort the loop: the sender gets an apology and processing continues.
func (l *Loop) Run(ctx context.Context) {
	defer close(l.done)
	slog.Info("agent loop started", "model", l.model)

	for {
		select {
		case <-l.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		event, err := l.msgBus.ConsumeInbound(time.Second)
		if err != nil {
			if err == bus.ErrStopped {
				return
			}
			continue
		}

		out, err := l.ProcessMessage(ctx, event, "")
		if err != nil {
			slog.Error("message processing failed", "channel", event.Channel, "chat", event.ChatID, "error", err)
			l.msgBus.PublishOutbound(bus.OutboundEvent{
				Channel: event.Channel,
				ChatID:  event.ChatID,
				Content: fmt.Sprintf("Sorry, something went wrong processing your message: %v", err),
			})
			continue
		}
		if out != nil {
			l.msgBus.PublishOutbound(*out)
		}
	}
}

// Stop ends the run loop after the in-flight event and waits for background
// consolidations to finish.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
	<-l.done
	l.consolidateWG.Wait()
}

// ProcessMessage handles one inbound event end to end and returns the
// outbound reply, or nil when nothing should be sent.
func (l *Loop) ProcessMessage(ctx context.Context, event bus.InboundEvent, sessionKeyOverride string) (*bus.OutboundEvent, error) {
	if event.Channel == bus.SystemChannel {
		return l.processSystemMessage(ctx, event)
	}

	sessionKey := sessionKeyOverride
	if sessionKey == "" {
		sessionKey = sessions.BuildKey(event.Channel, event.ChatID)
	}
	sess := l.sessions.GetOrCreate(sessionKey)

	switch strings.ToLower(strings.TrimSpace(event.Content)) {
	case "/new":
		return l.handleNew(ctx, sess, event)
	case "/help":
		return &bus.OutboundEvent{Channel: event.Channel, ChatID: event.ChatID, Content: helpReply}, nil
	}

	if sess.Len() > l.memoryWindow {
		l.spawnConsolidation(func() { l.consolidateIncremental(context.WithoutCancel(ctx), sessionKey) })
	}

	content, err := l.runTurn(ctx, sess, event.Content, event.Media, tools.CallContext{
		Channel: event.Channel,
		ChatID:  event.ChatID,
	}, "")
	if err != nil {
		return nil, err
	}

	return &bus.OutboundEvent{Channel: event.Channel, ChatID: event.ChatID, Content: content}, nil
}

// ProcessDirect runs one agent turn outside the bus, for cron jobs and
// heartbeats. channel/chatID seed the tool context so message/spawn tools
// target the right conversation.
func (l *Loop) ProcessDirect(ctx context.Context, content, sessionKey, channel, chatID string) (string, error) {
	sess := l.sessions.GetOrCreate(sessionKey)

	if sess.Len() > l.memoryWindow {
		l.spawnConsolidation(func() { l.consolidateIncremental(context.WithoutCancel(ctx), sessionKey) })
	}

	return l.runTurn(ctx, sess, content, nil, tools.CallContext{Channel: channel, ChatID: chatID}, "")
}

// processSystemMessage handles sub-agent announcements: the reply goes to the
// origin conversation, not to the system channel.
func (l *Loop) processSystemMessage(ctx context.Context, event bus.InboundEvent) (*bus.OutboundEvent, error) {
	originChannel, originChatID, ok := sessions.ParseSystemChatID(event.ChatID)
	if !ok {
		return nil, fmt.Errorf("malformed system chat id: %q", event.ChatID)
	}

	sess := l.sessions.GetOrCreate(sessions.BuildKey(originChannel, originChatID))
	content, err := l.runTurn(ctx, sess, event.Content, nil, tools.CallContext{
		Channel: originChannel,
		ChatID:  originChatID,
	}, fmt.Sprintf("[System: %s] ", event.SenderID))
	if err != nil {
		return nil, err
	}

	return &bus.OutboundEvent{Channel: originChannel, ChatID: originChatID, Content: content}, nil
}

// handleNew snapshots and clears the session, then archives the snapshot to
// memory in the background.
func (l *Loop) handleNew(ctx context.Context, sess *sessions.Session, event bus.InboundEvent) (*bus.OutboundEvent, error) {
	snapshot, _ := sess.Snapshot()

	sess.Clear()
	if err := l.sessions.Save(sess); err != nil {
		return nil, fmt.Errorf("clear session: %w", err)
	}
	l.sessions.Invalidate(sess.Key)

	key := sess.Key
	l.spawnConsolidation(func() { l.consolidateArchive(context.WithoutCancel(ctx), key, snapshot) })

	return &bus.OutboundEvent{Channel: event.Channel, ChatID: event.ChatID, Content: newSessionReply}, nil
}

// runTurn executes the tool loop for one user message and records the full
// exchange in the session.
func (l *Loop) runTurn(ctx context.Context, sess *sessions.Session, content string, media []string, cc tools.CallContext, userPrefix string) (string, error) {
	ctx = tools.WithCallContext(ctx, cc)

	messages := l.buildMessages(sess, content, media)
	sess.Append(sessions.Message{Role: "user", Content: userPrefix + content, Timestamp: sessions.Now()})

	final, toolsUsed := l.runToolLoop(ctx, sess, messages)
	if final == "" {
		final = noReplyFallback
	}

	sess.Append(sessions.Message{
		Role:      "assistant",
		Content:   final,
		Timestamp: sessions.Now(),
		ToolsUsed: toolsUsed,
	})
	if err := l.sessions.Save(sess); err != nil {
		return "", fmt.Errorf("save session: %w", err)
	}
	return final, nil
}

// runToolLoop alternates provider calls and tool execution until the model
// stops calling tools or the iteration ceiling is hit. Intermediate tool
// traffic is recorded in the session as it happens.
func (l *Loop) runToolLoop(ctx context.Context, sess *sessions.Session, messages []providers.Message) (string, []string) {
	var toolsUsed []string

	for i := 0; i < l.maxIterations; i++ {
		resp, err := l.provider.Chat(ctx, providers.ChatRequest{
			Messages:    messages,
			Tools:       l.registry.Definitions(),
			Model:       l.model,
			MaxTokens:   l.maxTokens,
			Temperature: l.temperature,
		})
		if err != nil {
			slog.Error("provider call failed", "error", err)
			return fmt.Sprintf("Sorry, I hit an error talking to the model: %v", err), toolsUsed
		}
		if resp.FinishReason == providers.FinishError {
			return resp.Content, toolsUsed
		}

		if len(resp.ToolCalls) == 0 {
			return resp.Content, toolsUsed
		}

		assistant := providers.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		}
		messages = append(messages, assistant)
		sess.Append(sessions.Message{
			Role:      "assistant",
			Content:   resp.Content,
			Timestamp: sessions.Now(),
			ToolCalls: resp.ToolCalls,
		})

		for _, call := range resp.ToolCalls {
			result := l.registry.Execute(ctx, call.Name, call.Arguments)
			toolsUsed = appendUnique(toolsUsed, call.Name)
			messages = append(messages, providers.Message{
				Role:       "tool",
				Content:    result,
				ToolCallID: call.ID,
			})
			sess.Append(sessions.Message{
				Role:       "tool",
				Content:    result,
				Timestamp:  sessions.Now(),
				ToolCallID: call.ID,
			})
		}

		messages = append(messages, providers.Message{Role: "user", Content: reflectionNudge})
		sess.Append(sessions.Message{Role: "user", Content: reflectionNudge, Timestamp: sessions.Now()})
	}

	return "", toolsUsed
}

func (l *Loop) spawnConsolidation(fn func()) {
	l.consolidateWG.Add(1)
	go func() {
		defer l.consolidateWG.Done()
		fn()
	}()
}

func appendUnique(list []string, item string) []string {
	for _, v := range list {
		if v == item {
			return list
		}
	}
	return append(list, item)
}
