package sessions

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/robunhq/robun/internal/providers"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	s := newTestStore(t)

	sess := s.GetOrCreate("telegram:123")
	sess.Append(Message{Role: "user", Content: "hello", Timestamp: Now()})
	sess.Append(Message{
		Role:      "assistant",
		Content:   "",
		Timestamp: Now(),
		ToolCalls: []providers.ToolCall{{ID: "t1", Name: "read_file", Arguments: map[string]any{"path": "a.txt"}}},
	})
	sess.Append(Message{Role: "tool", Content: "contents", Timestamp: Now(), ToolCallID: "t1"})
	sess.Append(Message{Role: "assistant", Content: "done", Timestamp: Now(), ToolsUsed: []string{"read_file"}})
	sess.LastConsolidated = 2

	if err := s.Save(sess); err != nil {
		t.Fatalf("Save: %v", err)
	}
	s.Invalidate("telegram:123")

	loaded := s.GetOrCreate("telegram:123")
	if len(loaded.Messages) != 4 {
		t.Fatalf("loaded %d messages, want 4", len(loaded.Messages))
	}
	if loaded.LastConsolidated != 2 {
		t.Errorf("LastConsolidated = %d, want 2", loaded.LastConsolidated)
	}
	for i, want := range []string{"user", "assistant", "tool", "assistant"} {
		if loaded.Messages[i].Role != want {
			t.Errorf("message %d role = %q, want %q", i, loaded.Messages[i].Role, want)
		}
	}
	if loaded.Messages[2].ToolCallID != "t1" {
		t.Errorf("tool message ToolCallID = %q", loaded.Messages[2].ToolCallID)
	}
	if got := loaded.Messages[1].ToolCalls; len(got) != 1 || got[0].Name != "read_file" {
		t.Errorf("assistant ToolCalls = %v", got)
	}
	if got := loaded.Messages[3].ToolsUsed; len(got) != 1 || got[0] != "read_file" {
		t.Errorf("ToolsUsed = %v", got)
	}
	if loaded.Messages[0].Timestamp != sess.Messages[0].Timestamp {
		t.Errorf("timestamp not preserved: %q vs %q", loaded.Messages[0].Timestamp, sess.Messages[0].Timestamp)
	}
}

func TestLoad_SkipsMalformedLines(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir)
	if err != nil {
		t.Fatal(err)
	}

	content := `{"_type":"metadata","createdAt":"2026-01-01T00:00:00Z","updatedAt":"2026-01-02T00:00:00Z","lastConsolidated":1}
{"role":"user","content":"ok","timestamp":"2026-01-01T00:00:00Z"}
{garbage not json
{"role":"assistant","content":"fine","timestamp":"2026-01-01T00:00:01Z"}
`
	if err := os.WriteFile(filepath.Join(dir, "cli_u1.jsonl"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	sess := s.GetOrCreate("cli:u1")
	if len(sess.Messages) != 2 {
		t.Fatalf("loaded %d messages, want 2", len(sess.Messages))
	}
	if sess.LastConsolidated != 1 {
		t.Errorf("LastConsolidated = %d, want 1", sess.LastConsolidated)
	}
}

func TestSave_FileHasMetadataFirstLine(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	sess := s.GetOrCreate("cli:u2")
	sess.Append(Message{Role: "user", Content: "x", Timestamp: Now()})
	if err := s.Save(sess); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "cli_u2.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("file has %d lines, want 2", len(lines))
	}
	if !strings.Contains(lines[0], `"_type":"metadata"`) {
		t.Errorf("first line is not metadata: %s", lines[0])
	}
}

func TestSanitizeKey(t *testing.T) {
	tests := []struct{ in, want string }{
		{"telegram:123", "telegram_123"},
		{`a<b>c:"d"/e\f|g?h*i`, "a_b_c__d__e_f_g_h_i"},
		{"plain", "plain"},
	}
	for _, tt := range tests {
		if got := sanitizeKey(tt.in); got != tt.want {
			t.Errorf("sanitizeKey(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestList(t *testing.T) {
	s := newTestStore(t)
	for _, key := range []string{"cli:a", "cli:b"} {
		sess := s.GetOrCreate(key)
		sess.Append(Message{Role: "user", Content: "x", Timestamp: Now()})
		if err := s.Save(sess); err != nil {
			t.Fatal(err)
		}
	}

	infos := s.List()
	if len(infos) != 2 {
		t.Fatalf("List returned %d sessions, want 2", len(infos))
	}
	for _, info := range infos {
		if info.MessageCount != 1 {
			t.Errorf("session %q MessageCount = %d, want 1", info.Key, info.MessageCount)
		}
	}
}

func TestSession_ConcurrentAppendSnapshotSave(t *testing.T) {
	s := newTestStore(t)
	sess := s.GetOrCreate("cli:busy")

	const total = 200
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < total; i++ {
			sess.Append(Message{Role: "user", Content: "x", Timestamp: Now()})
		}
	}()

	// Snapshots and saves run against the live transcript the whole time.
	for i := 0; i < 50; i++ {
		msgs, _ := sess.Snapshot()
		for _, m := range msgs {
			if m.Role != "user" {
				t.Fatalf("snapshot holds corrupt message: %+v", m)
			}
		}
		if err := s.Save(sess); err != nil {
			t.Fatal(err)
		}
	}
	<-done

	if got := sess.Len(); got != total {
		t.Errorf("Len = %d, want %d", got, total)
	}
	if err := s.Save(sess); err != nil {
		t.Fatal(err)
	}
}

func TestSession_AdvanceConsolidated(t *testing.T) {
	sess := &Session{Key: "cli:u1"}
	for i := 0; i < 6; i++ {
		sess.Append(Message{Role: "user", Content: "x", Timestamp: Now()})
	}

	if !sess.AdvanceConsolidated(0, 4) {
		t.Fatal("advance from matching pointer should succeed")
	}
	if sess.LastConsolidated != 4 {
		t.Errorf("LastConsolidated = %d, want 4", sess.LastConsolidated)
	}
	if sess.AdvanceConsolidated(0, 6) {
		t.Error("advance from stale pointer should fail")
	}

	sess.Clear()
	if sess.LastConsolidated != 0 {
		t.Errorf("LastConsolidated = %d after Clear", sess.LastConsolidated)
	}
}

func TestParseSystemChatID(t *testing.T) {
	ch, origin, ok := ParseSystemChatID("telegram:12345")
	if !ok || ch != "telegram" || origin != "12345" {
		t.Errorf("got (%q, %q, %v)", ch, origin, ok)
	}
	if _, _, ok := ParseSystemChatID("nodelimiter"); ok {
		t.Error("expected failure for key without delimiter")
	}
}
