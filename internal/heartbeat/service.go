// Package heartbeat periodically prompts the agent to review HEARTBEAT.md in
// the workspace, waking it for standing tasks without a user message.
package heartbeat

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	// DefaultInterval is the time between heartbeat checks.
	DefaultInterval = 1800 * time.Second

	heartbeatFile = "HEARTBEAT.md"

	// Prompt sent as the heartbeat turn's user message.
	heartbeatPrompt = "Read HEARTBEAT.md in your workspace and follow its instructions. " +
		"If nothing needs attention, reply with just: HEARTBEAT_OK"

	okToken = "HEARTBEATOK"
)

// Runner executes one heartbeat agent turn and returns the agent's reply.
type Runner func(ctx context.Context, prompt string) (string, error)

// Service drives the heartbeat cycle.
type Service struct {
	workspace string
	interval  time.Duration
	runner    Runner

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func NewService(workspace string, interval time.Duration, runner Runner) *Service {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Service{
		workspace: workspace,
		interval:  interval,
		runner:    runner,
		stopCh:    make(chan struct{}),
	}
}

// Start launches the heartbeat loop. Edits to HEARTBEAT.md trigger an early
// check; otherwise the interval timer paces the cycle.
func (s *Service) Start(ctx context.Context) {
	wake := s.watchFile(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.check(ctx)
			case <-wake:
				s.check(ctx)
				ticker.Reset(s.interval)
			}
		}
	}()
	slog.Info("heartbeat started", "interval", s.interval)
}

// Stop halts the loop and waits for an in-flight check to finish.
func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// check runs one heartbeat turn when the file has actionable content.
func (s *Service) check(ctx context.Context) {
	path := filepath.Join(s.workspace, heartbeatFile)
	data, err := os.ReadFile(path)
	if err != nil {
		slog.Debug("heartbeat file missing, skipping", "path", path)
		return
	}
	if !HasActionableContent(string(data)) {
		slog.Debug("heartbeat file has no actionable content, skipping")
		return
	}

	reply, err := s.runner(ctx, heartbeatPrompt)
	if err != nil {
		slog.Error("heartbeat turn failed", "error", err)
		return
	}
	if IsOKReply(reply) {
		slog.Debug("heartbeat ok")
		return
	}
	slog.Info("heartbeat produced output", "length", len(reply))
}

// watchFile wakes the loop when HEARTBEAT.md changes. Watching the workspace
// directory survives editors that replace the file on save.
func (s *Service) watchFile(ctx context.Context) <-chan struct{} {
	wake := make(chan struct{}, 1)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Warn("heartbeat watcher unavailable", "error", err)
		return wake
	}
	if err := watcher.Add(s.workspace); err != nil {
		slog.Warn("cannot watch workspace", "dir", s.workspace, "error", err)
		watcher.Close()
		return wake
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != heartbeatFile {
					continue
				}
				if event.Op.Has(fsnotify.Write) || event.Op.Has(fsnotify.Create) {
					select {
					case wake <- struct{}{}:
					default:
					}
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("heartbeat watcher error", "error", err)
			}
		}
	}()
	return wake
}

// HasActionableContent reports whether the heartbeat file contains anything
// beyond headings, comments, and blank lines. Checkbox items count as
// actionable even though they start a list.
func HasActionableContent(content string) bool {
	inComment := false
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if inComment {
			if strings.Contains(trimmed, "-->") {
				inComment = false
			}
			continue
		}
		switch {
		case trimmed == "":
		case strings.HasPrefix(trimmed, "#"):
		case strings.HasPrefix(trimmed, "<!--"):
			if !strings.Contains(trimmed, "-->") {
				inComment = true
			}
		case strings.HasPrefix(trimmed, "- [ ]"), strings.HasPrefix(trimmed, "- [x]"):
			return true
		default:
			return true
		}
	}
	return false
}

// IsOKReply reports whether the agent's reply is a bare "nothing to do"
// acknowledgment. Separators are stripped so HEARTBEAT_OK, heartbeat-ok, and
// similar variants all match.
func IsOKReply(reply string) bool {
	normalized := strings.ToUpper(reply)
	normalized = strings.NewReplacer("_", "", "-", "", " ", "", "\n", "", "\t", "").Replace(normalized)
	return strings.Contains(normalized, okToken)
}
