package agent

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/robunhq/robun/internal/providers"
	"github.com/robunhq/robun/internal/sessions"
	"github.com/robunhq/robun/internal/skills"
)

const sectionSeparator = "\n\n---\n\n"

// bootstrapFiles are the workspace files folded into the system prompt when
// present, in this order.
var bootstrapFiles = []string{"AGENTS.md", "SOUL.md", "USER.md", "TOOLS.md", "IDENTITY.md"}

// buildSystemPrompt composes the system prompt from identity, bootstrap
// files, long-term memory, and skills.
func (l *Loop) buildSystemPrompt() string {
	sections := []string{l.identitySection()}

	for _, name := range bootstrapFiles {
		data, err := os.ReadFile(filepath.Join(l.workspace, name))
		if err != nil {
			continue
		}
		content := strings.TrimSpace(string(data))
		if content == "" {
			continue
		}
		sections = append(sections, fmt.Sprintf("## %s\n\n%s", name, content))
	}

	if mem := l.memory.ReadMemory(); strings.TrimSpace(mem) != "" {
		sections = append(sections, "## Long-term Memory\n\n"+strings.TrimSpace(mem))
	}

	if l.skills != nil {
		all := l.skills.Load()
		if active := skills.RenderActive(all, nil); active != "" {
			sections = append(sections, active)
		}
		if summary := skills.RenderSummary(all); summary != "" {
			sections = append(sections, summary)
		}
	}

	return strings.Join(sections, sectionSeparator)
}

func (l *Loop) identitySection() string {
	return fmt.Sprintf(
		"You are robun, an AI assistant.\n\nCurrent time: %s\nOS: %s\nWorkspace: %s",
		time.Now().UTC().Format(time.RFC3339), runtime.GOOS, l.workspace)
}

// buildMessages assembles [system] + history window + current user message.
func (l *Loop) buildMessages(sess *sessions.Session, content string, media []string) []providers.Message {
	messages := []providers.Message{
		{Role: "system", Content: l.buildSystemPrompt()},
	}

	history, _ := sess.Snapshot()
	if len(history) > l.memoryWindow {
		history = history[len(history)-l.memoryWindow:]
	}
	for _, msg := range history {
		messages = append(messages, providers.Message{Role: msg.Role, Content: msg.Content})
	}

	userMsg := providers.Message{Role: "user", Content: content}
	for _, path := range media {
		img, ok := encodeImage(path)
		if !ok {
			continue
		}
		userMsg.Images = append(userMsg.Images, img)
	}
	return append(messages, userMsg)
}

// encodeImage reads an image file into a base64 image part, inferring MIME
// from the extension. Unreadable files are skipped.
func encodeImage(path string) (providers.ImageContent, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return providers.ImageContent{}, false
	}

	mime := "image/png"
	switch strings.ToLower(strings.TrimPrefix(filepath.Ext(path), ".")) {
	case "jpg", "jpeg":
		mime = "image/jpeg"
	case "png":
		mime = "image/png"
	case "gif":
		mime = "image/gif"
	case "webp":
		mime = "image/webp"
	}
	return providers.ImageContent{
		MimeType: mime,
		Data:     base64.StdEncoding.EncodeToString(data),
	}, true
}
