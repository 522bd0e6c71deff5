// Package sessions provides durable per-conversation transcripts.
//
// One JSONL file per session key: the first line is a metadata record tagged
// "_type":"metadata", subsequent lines are Message records. Keys follow the
// canonical "{channel}:{chatId}" format; the "system" channel prefix is
// reserved for subagent result injection.
package sessions

import (
	"strings"
	"sync"
	"time"

	"github.com/robunhq/robun/internal/providers"
)

// Message is one transcript entry.
type Message struct {
	Role       string               `json:"role"` // "user", "assistant", "system", "tool"
	Content    string               `json:"content"`
	Timestamp  string               `json:"timestamp"` // ISO 8601
	ToolsUsed  []string             `json:"toolsUsed,omitempty"`
	ToolCallID string               `json:"toolCallId,omitempty"` // required for role="tool"
	ToolCalls  []providers.ToolCall `json:"toolCalls,omitempty"`  // assistant tool-call turns
}

// Session is the ordered transcript for one conversation.
//
// The mutex guards Messages, LastConsolidated, and UpdatedAt: turns append on
// the consumer goroutine while background consolidation reads a snapshot and
// advances the pointer. Direct field reads are only safe once no goroutine is
// mutating the session (as in tests after Stop).
type Session struct {
	mu sync.Mutex

	Key              string         `json:"key"`
	Messages         []Message      `json:"messages"`
	CreatedAt        time.Time      `json:"createdAt"`
	UpdatedAt        time.Time      `json:"updatedAt"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	LastConsolidated int            `json:"lastConsolidated"` // transcript messages already folded into memory
}

// Append adds a message and bumps the update time.
func (s *Session) Append(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Messages = append(s.Messages, msg)
	s.UpdatedAt = time.Now().UTC()
}

// Clear empties the transcript and resets the consolidation pointer.
func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Messages = nil
	s.LastConsolidated = 0
	s.UpdatedAt = time.Now().UTC()
}

// Len returns the current transcript length.
func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Messages)
}

// Snapshot returns a copy of the transcript plus the consolidation pointer,
// taken atomically.
func (s *Session) Snapshot() ([]Message, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.Messages))
	copy(out, s.Messages)
	return out, s.LastConsolidated
}

// AdvanceConsolidated moves the consolidation pointer from from to to. It
// fails when the pointer no longer equals from (a /new reset the session in
// the meantime).
func (s *Session) AdvanceConsolidated(from, to int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.LastConsolidated != from {
		return false
	}
	s.LastConsolidated = to
	return true
}

// Now returns the ISO timestamp used on transcript messages.
func Now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// BuildKey builds the canonical session key for a channel conversation.
func BuildKey(channel, chatID string) string {
	return channel + ":" + chatID
}

// ParseSystemChatID splits a system-channel chat identity back into the
// origin channel and chat id. The chat identity of a system event encodes
// the origin session key as "{originChannel}:{originChatId}".
func ParseSystemChatID(chatID string) (channel, origin string, ok bool) {
	i := strings.Index(chatID, ":")
	if i <= 0 || i == len(chatID)-1 {
		return "", "", false
	}
	return chatID[:i], chatID[i+1:], true
}
