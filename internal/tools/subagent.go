package tools

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/lithammer/shortuuid/v4"

	"github.com/robunhq/robun/internal/bus"
	"github.com/robunhq/robun/internal/providers"
)

const subagentMaxIterations = 15

// SubagentTask tracks one background task from spawn to completion.
type SubagentTask struct {
	ID            string `json:"id"`
	Task          string `json:"task"`
	Label         string `json:"label"`
	Status        string `json:"status"` // "running", "completed", "failed"
	Result        string `json:"result,omitempty"`
	OriginChannel string `json:"originChannel"`
	OriginChatID  string `json:"originChatId"`
	CreatedAt     int64  `json:"createdAt"`
	CompletedAt   int64  `json:"completedAt,omitempty"`
}

// SubagentManager runs spawned tasks in background goroutines, each with its
// own restricted tool registry, and announces results on the system channel.
type SubagentManager struct {
	mu          sync.RWMutex
	tasks       map[string]*SubagentTask
	wg          sync.WaitGroup
	provider    providers.Provider
	model       string
	maxTokens   int
	msgBus      *bus.MessageBus
	createTools func() *Registry
}

func NewSubagentManager(
	provider providers.Provider,
	model string,
	maxTokens int,
	msgBus *bus.MessageBus,
	createTools func() *Registry,
) *SubagentManager {
	return &SubagentManager{
		tasks:       make(map[string]*SubagentTask),
		provider:    provider,
		model:       model,
		maxTokens:   maxTokens,
		msgBus:      msgBus,
		createTools: createTools,
	}
}

// Spawn starts a task in a background goroutine and returns immediately.
func (sm *SubagentManager) Spawn(ctx context.Context, task, label, originChannel, originChatID string) (string, error) {
	if strings.TrimSpace(task) == "" {
		return "", fmt.Errorf("task is required")
	}
	if label == "" {
		label = truncateLabel(task, 50)
	}

	id := strings.ToLower(shortuuid.New()[:8])
	st := &SubagentTask{
		ID:            id,
		Task:          task,
		Label:         label,
		Status:        "running",
		OriginChannel: originChannel,
		OriginChatID:  originChatID,
		CreatedAt:     time.Now().UnixMilli(),
	}

	sm.mu.Lock()
	sm.tasks[id] = st
	sm.mu.Unlock()

	slog.Info("subagent spawned", "id", id, "label", label, "origin", originChannel+":"+originChatID)

	sm.wg.Add(1)
	go func() {
		defer sm.wg.Done()
		sm.runTask(context.WithoutCancel(ctx), st)
	}()

	return fmt.Sprintf("Spawned subagent '%s' (id=%s) for task: %s", label, id, truncateLabel(task, 100)), nil
}

// List returns a snapshot of all tasks, newest first not guaranteed.
func (sm *SubagentManager) List() []SubagentTask {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	out := make([]SubagentTask, 0, len(sm.tasks))
	for _, t := range sm.tasks {
		out = append(out, *t)
	}
	return out
}

// Wait blocks until all running tasks finish or the timeout elapses.
func (sm *SubagentManager) Wait(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		sm.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// runTask drives the isolated tool loop for one task and announces the result.
func (sm *SubagentManager) runTask(ctx context.Context, st *SubagentTask) {
	result, err := sm.executeTask(ctx, st)

	sm.mu.Lock()
	st.CompletedAt = time.Now().UnixMilli()
	if err != nil {
		st.Status = "failed"
		st.Result = err.Error()
	} else {
		st.Status = "completed"
		st.Result = result
	}
	sm.mu.Unlock()

	sm.announce(st)
}

func (sm *SubagentManager) executeTask(ctx context.Context, st *SubagentTask) (string, error) {
	registry := sm.createTools()

	messages := []providers.Message{
		{Role: "system", Content: sm.systemPrompt()},
		{Role: "user", Content: st.Task},
	}

	for i := 0; i < subagentMaxIterations; i++ {
		resp, err := sm.provider.Chat(ctx, providers.ChatRequest{
			Messages:  messages,
			Tools:     registry.Definitions(),
			Model:     sm.model,
			MaxTokens: sm.maxTokens,
		})
		if err != nil {
			return "", fmt.Errorf("subagent chat: %w", err)
		}
		if resp.FinishReason == providers.FinishError {
			return "", fmt.Errorf("subagent chat: %s", resp.Content)
		}

		if len(resp.ToolCalls) == 0 {
			return resp.Content, nil
		}

		messages = append(messages, providers.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		for _, call := range resp.ToolCalls {
			result := registry.Execute(ctx, call.Name, call.Arguments)
			messages = append(messages, providers.Message{
				Role:       "tool",
				Content:    result,
				ToolCallID: call.ID,
			})
		}
	}

	return "", fmt.Errorf("subagent exceeded %d iterations", subagentMaxIterations)
}

func (sm *SubagentManager) systemPrompt() string {
	return fmt.Sprintf(`You are a subagent worker. Complete the assigned task and reply with a concise result summary.

Current time: %s
OS: %s

You cannot message users directly or spawn further subagents. Your final reply is delivered to the main agent.`,
		time.Now().UTC().Format(time.RFC3339), runtime.GOOS)
}

// announce publishes the task outcome back onto the inbound queue as a system
// event carrying the origin chat so the main agent can relay it.
func (sm *SubagentManager) announce(st *SubagentTask) {
	status := "success"
	if st.Status == "failed" {
		status = "error"
	}
	content := fmt.Sprintf(
		"Subagent task finished.\nStatus: %s\nLabel: %s (id=%s)\nTask: %s\nResult:\n%s\n\nRelay a brief summary of this result to the user.",
		status, st.Label, st.ID, st.Task, st.Result)

	sm.msgBus.PublishInbound(bus.InboundEvent{
		Channel:   bus.SystemChannel,
		SenderID:  "subagent",
		ChatID:    st.OriginChannel + ":" + st.OriginChatID,
		Content:   content,
		Timestamp: time.Now().UnixMilli(),
	})
	slog.Info("subagent finished", "id", st.ID, "status", st.Status)
}

func truncateLabel(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

// SpawnTool exposes subagent spawning to the main agent's LLM.
type SpawnTool struct {
	manager *SubagentManager
}

func NewSpawnTool(manager *SubagentManager) *SpawnTool {
	return &SpawnTool{manager: manager}
}

func (t *SpawnTool) Name() string { return "spawn" }

func (t *SpawnTool) Description() string {
	return "Spawn a background subagent to work on a task. Returns immediately; the result arrives later as a system message."
}

func (t *SpawnTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"task": map[string]any{
				"type":        "string",
				"description": "Task for the subagent to complete",
			},
			"label": map[string]any{
				"type":        "string",
				"description": "Optional short label for the task",
			},
		},
		"required": []string{"task"},
	}
}

func (t *SpawnTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	task, _ := args["task"].(string)
	label, _ := args["label"].(string)

	cc := CallContextFrom(ctx)
	msg, err := t.manager.Spawn(ctx, task, label, cc.Channel, cc.ChatID)
	if err != nil {
		return "Error: " + err.Error(), nil
	}
	return msg, nil
}
