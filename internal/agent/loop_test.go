package agent

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/robunhq/robun/internal/bus"
	"github.com/robunhq/robun/internal/memory"
	"github.com/robunhq/robun/internal/providers"
	"github.com/robunhq/robun/internal/sessions"
	"github.com/robunhq/robun/internal/skills"
	"github.com/robunhq/robun/internal/tools"
)

// scriptedProvider returns canned responses in order, repeating the last one
// when the script runs out.
type scriptedProvider struct {
	mu        sync.Mutex
	responses []*providers.ChatResponse
	calls     []providers.ChatRequest
}

func (p *scriptedProvider) Chat(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, req)
	if len(p.responses) == 0 {
		return &providers.ChatResponse{Content: "", FinishReason: providers.FinishStop}, nil
	}
	resp := p.responses[0]
	if len(p.responses) > 1 {
		p.responses = p.responses[1:]
	}
	return resp, nil
}

func (p *scriptedProvider) DefaultModel() string { return "test-model" }
func (p *scriptedProvider) Name() string         { return "scripted" }

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

type testEnv struct {
	loop     *Loop
	bus      *bus.MessageBus
	sessions *sessions.Store
	memory   *memory.Store
	registry *tools.Registry
	ws       string
}

func newTestEnv(t *testing.T, provider providers.Provider) *testEnv {
	t.Helper()
	ws := t.TempDir()
	store, err := sessions.NewStore(filepath.Join(ws, "sessions"))
	if err != nil {
		t.Fatal(err)
	}
	msgBus := bus.New()
	mem := memory.NewStore(ws)
	registry := tools.NewRegistry()
	if err := registry.Register(tools.NewReadFileTool(ws, true)); err != nil {
		t.Fatal(err)
	}
	if err := registry.Register(tools.NewExecTool(ws, true, time.Minute)); err != nil {
		t.Fatal(err)
	}

	loop := NewLoop(Config{
		Provider:      provider,
		Model:         "test-model",
		MaxIterations: 20,
		MemoryWindow:  50,
		Workspace:     ws,
		Bus:           msgBus,
		Sessions:      store,
		Memory:        mem,
		Tools:         registry,
		Skills:        skills.NewLoader(ws),
	})
	return &testEnv{loop: loop, bus: msgBus, sessions: store, memory: mem, registry: registry, ws: ws}
}

func TestEchoWithoutTools(t *testing.T) {
	p := &scriptedProvider{responses: []*providers.ChatResponse{
		{Content: "hi", FinishReason: providers.FinishStop},
	}}
	env := newTestEnv(t, p)

	out, err := env.loop.ProcessMessage(context.Background(), bus.InboundEvent{
		Channel: "cli", ChatID: "u1", Content: "hello",
	}, "")
	if err != nil {
		t.Fatal(err)
	}
	if out.Channel != "cli" || out.ChatID != "u1" || out.Content != "hi" {
		t.Errorf("outbound = %+v", out)
	}

	sess := env.sessions.GetOrCreate("cli:u1")
	if len(sess.Messages) != 2 {
		t.Fatalf("transcript has %d messages, want 2", len(sess.Messages))
	}
	if sess.Messages[0].Role != "user" || sess.Messages[0].Content != "hello" {
		t.Errorf("message 0 = %+v", sess.Messages[0])
	}
	if sess.Messages[1].Role != "assistant" || sess.Messages[1].Content != "hi" {
		t.Errorf("message 1 = %+v", sess.Messages[1])
	}
}

func TestSingleToolCall(t *testing.T) {
	p := &scriptedProvider{}
	env := newTestEnv(t, p)

	if err := os.WriteFile(filepath.Join(env.ws, "AGENTS.md"), []byte("Hi"), 0o644); err != nil {
		t.Fatal(err)
	}
	p.responses = []*providers.ChatResponse{
		{
			FinishReason: providers.FinishToolCalls,
			ToolCalls: []providers.ToolCall{
				{ID: "t1", Name: "read_file", Arguments: map[string]any{"path": "AGENTS.md"}},
			},
		},
		{Content: "file says Hi", FinishReason: providers.FinishStop},
	}

	out, err := env.loop.ProcessMessage(context.Background(), bus.InboundEvent{
		Channel: "cli", ChatID: "u1", Content: "what do the agent docs say?",
	}, "")
	if err != nil {
		t.Fatal(err)
	}
	if out.Content != "file says Hi" {
		t.Errorf("outbound content = %q", out.Content)
	}

	sess := env.sessions.GetOrCreate("cli:u1")
	// user, assistant(tool_calls), tool, reflection user, final assistant
	if len(sess.Messages) != 5 {
		t.Fatalf("transcript has %d messages, want 5", len(sess.Messages))
	}
	if got := sess.Messages[1]; got.Role != "assistant" || len(got.ToolCalls) != 1 || got.ToolCalls[0].ID != "t1" {
		t.Errorf("assistant turn = %+v", got)
	}
	if got := sess.Messages[2]; got.Role != "tool" || got.ToolCallID != "t1" || got.Content != "Hi" {
		t.Errorf("tool message = %+v", got)
	}
	if got := sess.Messages[3]; got.Role != "user" || got.Content != reflectionNudge {
		t.Errorf("reflection message = %+v", got)
	}
	final := sess.Messages[4]
	if len(final.ToolsUsed) != 1 || final.ToolsUsed[0] != "read_file" {
		t.Errorf("toolsUsed = %v", final.ToolsUsed)
	}
}

func TestPolicyBlockedExec(t *testing.T) {
	p := &scriptedProvider{}
	env := newTestEnv(t, p)

	p.responses = []*providers.ChatResponse{
		{
			FinishReason: providers.FinishToolCalls,
			ToolCalls: []providers.ToolCall{
				{ID: "t1", Name: "exec", Arguments: map[string]any{"command": "rm -rf /"}},
			},
		},
		{Content: "I cannot do that.", FinishReason: providers.FinishStop},
	}

	out, err := env.loop.ProcessMessage(context.Background(), bus.InboundEvent{
		Channel: "cli", ChatID: "u1", Content: "wipe the disk",
	}, "")
	if err != nil {
		t.Fatal(err)
	}
	if out.Content != "I cannot do that." {
		t.Errorf("outbound content = %q", out.Content)
	}

	sess := env.sessions.GetOrCreate("cli:u1")
	toolMsg := sess.Messages[2]
	if toolMsg.Role != "tool" || !strings.Contains(toolMsg.Content, "blocked") {
		t.Errorf("tool message = %+v", toolMsg)
	}
}

func TestIterationCeiling(t *testing.T) {
	p := &scriptedProvider{responses: []*providers.ChatResponse{
		{
			FinishReason: providers.FinishToolCalls,
			ToolCalls: []providers.ToolCall{
				{ID: "t1", Name: "read_file", Arguments: map[string]any{"path": "nope.txt"}},
			},
		},
	}}
	env := newTestEnv(t, p)
	env.loop.maxIterations = 3

	out, err := env.loop.ProcessMessage(context.Background(), bus.InboundEvent{
		Channel: "cli", ChatID: "u1", Content: "loop forever",
	}, "")
	if err != nil {
		t.Fatal(err)
	}
	if out.Content != noReplyFallback {
		t.Errorf("outbound content = %q, want fallback", out.Content)
	}
	if p.callCount() != 3 {
		t.Errorf("provider called %d times, want 3", p.callCount())
	}
}

func TestHelpLeavesSessionUnchanged(t *testing.T) {
	p := &scriptedProvider{}
	env := newTestEnv(t, p)

	for i := 0; i < 2; i++ {
		out, err := env.loop.ProcessMessage(context.Background(), bus.InboundEvent{
			Channel: "cli", ChatID: "u1", Content: "/help",
		}, "")
		if err != nil {
			t.Fatal(err)
		}
		if !strings.Contains(out.Content, "/new") {
			t.Errorf("help reply = %q", out.Content)
		}
	}

	sess := env.sessions.GetOrCreate("cli:u1")
	if len(sess.Messages) != 0 {
		t.Errorf("transcript has %d messages, want 0", len(sess.Messages))
	}
	if p.callCount() != 0 {
		t.Errorf("provider called %d times for /help", p.callCount())
	}
}

func TestNewClearsSessionAndArchives(t *testing.T) {
	p := &scriptedProvider{responses: []*providers.ChatResponse{
		{Content: "ok", FinishReason: providers.FinishStop},
		{Content: "ok", FinishReason: providers.FinishStop},
		{Content: "ok", FinishReason: providers.FinishStop},
		{
			Content:      `{"history_entry":"[2026-08-26] Talked about things.","memory_update":"User likes short answers."}`,
			FinishReason: providers.FinishStop,
		},
	}}
	env := newTestEnv(t, p)

	for _, msg := range []string{"one", "two", "three"} {
		if _, err := env.loop.ProcessMessage(context.Background(), bus.InboundEvent{
			Channel: "cli", ChatID: "u1", Content: msg,
		}, ""); err != nil {
			t.Fatal(err)
		}
	}

	out, err := env.loop.ProcessMessage(context.Background(), bus.InboundEvent{
		Channel: "cli", ChatID: "u1", Content: "/new",
	}, "")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out.Content, "New session started") {
		t.Errorf("reply = %q", out.Content)
	}

	env.loop.consolidateWG.Wait()

	sess := env.sessions.GetOrCreate("cli:u1")
	if len(sess.Messages) != 0 {
		t.Errorf("transcript has %d messages after /new", len(sess.Messages))
	}
	if sess.LastConsolidated != 0 {
		t.Errorf("LastConsolidated = %d", sess.LastConsolidated)
	}

	history := env.memory.ReadHistory()
	if !strings.Contains(history, "Talked about things.") {
		t.Errorf("HISTORY.md = %q", history)
	}
	if mem := env.memory.ReadMemory(); mem != "User likes short answers." {
		t.Errorf("MEMORY.md = %q", mem)
	}
}

func TestSystemMessageRepliesToOrigin(t *testing.T) {
	p := &scriptedProvider{responses: []*providers.ChatResponse{
		{Content: "The subagent finished the report.", FinishReason: providers.FinishStop},
	}}
	env := newTestEnv(t, p)

	out, err := env.loop.ProcessMessage(context.Background(), bus.InboundEvent{
		Channel:  bus.SystemChannel,
		SenderID: "subagent",
		ChatID:   "telegram:42",
		Content:  "Subagent task finished.\nStatus: success",
	}, "")
	if err != nil {
		t.Fatal(err)
	}
	if out.Channel != "telegram" || out.ChatID != "42" {
		t.Errorf("outbound target = %s:%s", out.Channel, out.ChatID)
	}

	sess := env.sessions.GetOrCreate("telegram:42")
	if len(sess.Messages) != 2 {
		t.Fatalf("transcript has %d messages", len(sess.Messages))
	}
	if !strings.HasPrefix(sess.Messages[0].Content, "[System: subagent] ") {
		t.Errorf("user entry = %q", sess.Messages[0].Content)
	}
}

func TestProviderErrorSurfacesAsContent(t *testing.T) {
	p := &scriptedProvider{responses: []*providers.ChatResponse{
		{Content: "LLM request failed: connection refused", FinishReason: providers.FinishError},
	}}
	env := newTestEnv(t, p)

	out, err := env.loop.ProcessMessage(context.Background(), bus.InboundEvent{
		Channel: "cli", ChatID: "u1", Content: "hello",
	}, "")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.Content, "LLM request failed") {
		t.Errorf("outbound content = %q", out.Content)
	}
}

func TestRunLoop_ApologizesOnFailureAndContinues(t *testing.T) {
	p := &scriptedProvider{responses: []*providers.ChatResponse{
		{Content: "fine", FinishReason: providers.FinishStop},
	}}
	env := newTestEnv(t, p)

	var mu sync.Mutex
	var sent []bus.OutboundEvent
	env.bus.SubscribeOutbound("cli", func(ev bus.OutboundEvent) error {
		mu.Lock()
		sent = append(sent, ev)
		mu.Unlock()
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go env.loop.Run(ctx)
	go env.bus.DispatchOutbound()

	// Malformed system event fails processing; the next event still works.
	env.bus.PublishInbound(bus.InboundEvent{Channel: bus.SystemChannel, ChatID: "nodelimiter", Content: "x"})
	env.bus.PublishInbound(bus.InboundEvent{Channel: "cli", ChatID: "u1", Content: "hello"})

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(sent)
		mu.Unlock()
		if n >= 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	env.bus.Stop()
	env.loop.Stop()

	mu.Lock()
	defer mu.Unlock()
	if len(sent) == 0 {
		t.Fatal("no outbound events delivered")
	}
	last := sent[len(sent)-1]
	if last.Content != "fine" {
		t.Errorf("final outbound = %+v", last)
	}
}

func TestIncrementalConsolidation(t *testing.T) {
	p := &scriptedProvider{responses: []*providers.ChatResponse{
		{
			Content:      `{"history_entry":"[2026-08-26] Early chatter.","memory_update":"Old context captured."}`,
			FinishReason: providers.FinishStop,
		},
	}}
	env := newTestEnv(t, p)
	env.loop.memoryWindow = 4

	sess := env.sessions.GetOrCreate("cli:u1")
	for i := 0; i < 6; i++ {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		sess.Append(sessions.Message{Role: role, Content: "msg", Timestamp: sessions.Now()})
	}
	if err := env.sessions.Save(sess); err != nil {
		t.Fatal(err)
	}

	env.loop.consolidateIncremental(context.Background(), "cli:u1")

	// keep = 4/2 = 2, so messages [0,4) consolidate.
	if sess.LastConsolidated != 4 {
		t.Errorf("LastConsolidated = %d, want 4", sess.LastConsolidated)
	}
	if !strings.Contains(env.memory.ReadHistory(), "Early chatter.") {
		t.Errorf("HISTORY.md = %q", env.memory.ReadHistory())
	}
}

func TestConsolidation_ParseFailureLeavesStateUnchanged(t *testing.T) {
	p := &scriptedProvider{responses: []*providers.ChatResponse{
		{Content: "I refuse to answer in JSON.", FinishReason: providers.FinishStop},
	}}
	env := newTestEnv(t, p)
	env.loop.memoryWindow = 4

	sess := env.sessions.GetOrCreate("cli:u1")
	for i := 0; i < 6; i++ {
		sess.Append(sessions.Message{Role: "user", Content: "msg", Timestamp: sessions.Now()})
	}

	env.loop.consolidateIncremental(context.Background(), "cli:u1")

	if sess.LastConsolidated != 0 {
		t.Errorf("LastConsolidated = %d, want 0 after parse failure", sess.LastConsolidated)
	}
	if env.memory.ReadHistory() != "" {
		t.Errorf("HISTORY.md should be untouched, got %q", env.memory.ReadHistory())
	}
}

func TestBuildMessages_EncodesMediaImages(t *testing.T) {
	p := &scriptedProvider{}
	env := newTestEnv(t, p)

	imgPath := filepath.Join(env.ws, "photo.jpg")
	if err := os.WriteFile(imgPath, []byte("fake-jpeg-bytes"), 0o644); err != nil {
		t.Fatal(err)
	}

	sess := env.sessions.GetOrCreate("cli:u1")
	msgs := env.loop.buildMessages(sess, "what is in this photo?", []string{imgPath, filepath.Join(env.ws, "missing.png")})

	userMsg := msgs[len(msgs)-1]
	if userMsg.Role != "user" || userMsg.Content != "what is in this photo?" {
		t.Fatalf("user message = %+v", userMsg)
	}
	if len(userMsg.Images) != 1 {
		t.Fatalf("got %d images, want 1 (unreadable file skipped)", len(userMsg.Images))
	}
	img := userMsg.Images[0]
	if img.MimeType != "image/jpeg" {
		t.Errorf("MimeType = %q", img.MimeType)
	}
	if img.Data != base64.StdEncoding.EncodeToString([]byte("fake-jpeg-bytes")) {
		t.Errorf("Data = %q", img.Data)
	}
}

// appendDuringChatProvider simulates a turn landing on the session while the
// consolidation LLM call is in flight.
type appendDuringChatProvider struct {
	sess *sessions.Session
	resp *providers.ChatResponse
}

func (p *appendDuringChatProvider) Chat(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	p.sess.Append(sessions.Message{Role: "user", Content: "late arrival", Timestamp: sessions.Now()})
	return p.resp, nil
}

func (p *appendDuringChatProvider) DefaultModel() string { return "test-model" }
func (p *appendDuringChatProvider) Name() string         { return "appender" }

func TestConsolidation_SnapshotUnaffectedByConcurrentAppend(t *testing.T) {
	env := newTestEnv(t, &scriptedProvider{})
	env.loop.memoryWindow = 4

	sess := env.sessions.GetOrCreate("cli:u1")
	for i := 0; i < 6; i++ {
		sess.Append(sessions.Message{Role: "user", Content: "msg", Timestamp: sessions.Now()})
	}

	env.loop.provider = &appendDuringChatProvider{
		sess: sess,
		resp: &providers.ChatResponse{
			Content:      `{"history_entry":"[2026-08-26] Early chatter.","memory_update":""}`,
			FinishReason: providers.FinishStop,
		},
	}

	env.loop.consolidateIncremental(context.Background(), "cli:u1")

	// The pointer advances by the snapshot's end (6 - keep 2), not by the
	// transcript length after the mid-flight append.
	if sess.LastConsolidated != 4 {
		t.Errorf("LastConsolidated = %d, want 4", sess.LastConsolidated)
	}
	if got := sess.Len(); got != 7 {
		t.Errorf("transcript length = %d, want 7", got)
	}
}

func TestRenderTranscript(t *testing.T) {
	msgs := []sessions.Message{
		{Role: "user", Content: "hello", Timestamp: "2026-08-26T10:30:00Z"},
		{Role: "assistant", Content: "done", Timestamp: "2026-08-26T10:31:00Z", ToolsUsed: []string{"exec", "read_file"}},
	}
	got := renderTranscript(msgs)
	want := "[2026-08-26T10:30] USER: hello\n[2026-08-26T10:31] ASSISTANT [tools: exec, read_file]: done"
	if got != want {
		t.Errorf("got:\n%s\nwant:\n%s", got, want)
	}
}

func TestParseConsolidation_Lenient(t *testing.T) {
	raw := "```json\n{\"history_entry\": \"entry\", \"memory_update\": \"memory\",}\n```"
	got, err := parseConsolidation(raw)
	if err != nil {
		t.Fatal(err)
	}
	if got.HistoryEntry != "entry" || got.MemoryUpdate != "memory" {
		t.Errorf("got %+v", got)
	}

	if _, err := parseConsolidation("plain prose with no braces"); err == nil {
		t.Error("expected error for non-JSON response")
	}
}
