package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/robunhq/robun/internal/providers"
	"github.com/robunhq/robun/internal/sessions"
)

const consolidationSystemPrompt = "You are a memory consolidation agent. Respond only with valid JSON."

// consolidationResult is the JSON shape the consolidation prompt demands.
type consolidationResult struct {
	HistoryEntry string `json:"history_entry"`
	MemoryUpdate string `json:"memory_update"`
}

// consolidateIncremental folds the oldest unconsolidated messages into
// long-term memory, keeping the most recent floor(memoryWindow/2) intact.
func (l *Loop) consolidateIncremental(ctx context.Context, key string) {
	mu := l.consolidationLock(key)
	if !mu.TryLock() {
		slog.Info("consolidation already running, skipping", "session", key)
		return
	}
	defer mu.Unlock()

	sess := l.sessions.GetOrCreate(key)
	msgs, start := sess.Snapshot()
	keep := l.memoryWindow / 2
	end := len(msgs) - keep
	if end <= start {
		return
	}

	if err := l.consolidateSlice(ctx, msgs[start:end]); err != nil {
		slog.Warn("consolidation failed", "session", key, "error", err)
		return
	}

	// CAS on the pointer: a /new may have reset the session meanwhile.
	if !sess.AdvanceConsolidated(start, end) {
		slog.Info("consolidation pointer moved, discarding advance", "session", key)
		return
	}
	if err := l.sessions.Save(sess); err != nil {
		slog.Warn("consolidation pointer save failed", "session", key, "error", err)
	}
	slog.Info("consolidated transcript slice", "session", key, "from", start, "to", end)
}

// consolidateArchive folds an entire detached transcript into long-term
// memory. Used by /new, which has already cleared the live session.
func (l *Loop) consolidateArchive(ctx context.Context, key string, snapshot []sessions.Message) {
	mu := l.consolidationLock(key)
	if !mu.TryLock() {
		slog.Info("consolidation already running, skipping archive", "session", key)
		return
	}
	defer mu.Unlock()

	if len(snapshot) == 0 {
		return
	}
	if err := l.consolidateSlice(ctx, snapshot); err != nil {
		slog.Warn("archive consolidation failed", "session", key, "error", err)
	}
}

func (l *Loop) consolidationLock(key string) *sync.Mutex {
	mu, _ := l.consolidateMu.LoadOrStore(key, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// consolidateSlice runs the LLM summarization over one message slice and
// applies the resulting memory/history updates.
func (l *Loop) consolidateSlice(ctx context.Context, slice []sessions.Message) error {
	rendered := renderTranscript(slice)
	currentMemory := l.memory.ReadMemory()

	prompt := fmt.Sprintf(`Consolidate the following conversation transcript into long-term memory.

Current long-term memory:
%s

Transcript to consolidate:
%s

Respond with a JSON object with exactly these keys:
- "history_entry": one paragraph summarizing this transcript, prefixed with its date.
- "memory_update": the complete new long-term memory content, incorporating anything durable from the transcript.`,
		orEmptyMarker(currentMemory), rendered)

	resp, err := l.provider.Chat(ctx, providers.ChatRequest{
		Messages: []providers.Message{
			{Role: "system", Content: consolidationSystemPrompt},
			{Role: "user", Content: prompt},
		},
		Model:     l.model,
		MaxTokens: l.maxTokens,
	})
	if err != nil {
		return fmt.Errorf("consolidation chat: %w", err)
	}
	if resp.FinishReason == providers.FinishError {
		return fmt.Errorf("consolidation chat: %s", resp.Content)
	}

	result, err := parseConsolidation(resp.Content)
	if err != nil {
		return fmt.Errorf("parse consolidation response: %w", err)
	}

	if result.HistoryEntry != "" {
		if err := l.memory.AppendHistory(result.HistoryEntry); err != nil {
			return fmt.Errorf("append history: %w", err)
		}
	}
	if result.MemoryUpdate != "" && result.MemoryUpdate != currentMemory {
		if err := l.memory.WriteMemory(result.MemoryUpdate); err != nil {
			return fmt.Errorf("write memory: %w", err)
		}
	}
	return nil
}

// renderTranscript formats messages as dated lines for the consolidation
// prompt.
func renderTranscript(msgs []sessions.Message) string {
	var sb strings.Builder
	for _, msg := range msgs {
		ts := msg.Timestamp
		if len(ts) > 16 {
			ts = ts[:16]
		}
		tools := ""
		if len(msg.ToolsUsed) > 0 {
			tools = " [tools: " + strings.Join(msg.ToolsUsed, ", ") + "]"
		}
		fmt.Fprintf(&sb, "[%s] %s%s: %s\n", ts, strings.ToUpper(msg.Role), tools, msg.Content)
	}
	return strings.TrimRight(sb.String(), "\n")
}

// parseConsolidation strips code fences and tries strict JSON, then a
// lenient repair pass.
func parseConsolidation(raw string) (*consolidationResult, error) {
	cleaned := strings.TrimSpace(raw)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	cleaned = strings.TrimSpace(cleaned)

	var result consolidationResult
	if err := json.Unmarshal([]byte(cleaned), &result); err == nil {
		return &result, nil
	}

	repaired := providers.ParseToolArguments(cleaned)
	if len(repaired) == 0 {
		return nil, fmt.Errorf("response is not valid JSON")
	}
	if v, ok := repaired["history_entry"].(string); ok {
		result.HistoryEntry = v
	}
	if v, ok := repaired["memory_update"].(string); ok {
		result.MemoryUpdate = v
	}
	if result.HistoryEntry == "" && result.MemoryUpdate == "" {
		return nil, fmt.Errorf("response lacks history_entry and memory_update")
	}
	return &result, nil
}

func orEmptyMarker(s string) string {
	if strings.TrimSpace(s) == "" {
		return "(empty)"
	}
	return s
}
