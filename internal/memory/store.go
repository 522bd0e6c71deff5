// Package memory manages the two per-workspace memory artifacts:
// MEMORY.md (distilled durable facts, overwritten whole) and HISTORY.md
// (append-only dated summaries).
package memory

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Store reads and writes the workspace memory files.
type Store struct {
	dir string
}

func NewStore(workspace string) *Store {
	return &Store{dir: filepath.Join(workspace, "memory")}
}

// MemoryPath returns the path of MEMORY.md.
func (s *Store) MemoryPath() string { return filepath.Join(s.dir, "MEMORY.md") }

// HistoryPath returns the path of HISTORY.md.
func (s *Store) HistoryPath() string { return filepath.Join(s.dir, "HISTORY.md") }

// ReadMemory returns the long-term memory content, or "" when absent.
func (s *Store) ReadMemory() string {
	data, err := os.ReadFile(s.MemoryPath())
	if err != nil {
		return ""
	}
	return string(data)
}

// WriteMemory overwrites MEMORY.md with the full new content.
func (s *Store) WriteMemory(content string) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create memory dir: %w", err)
	}
	return os.WriteFile(s.MemoryPath(), []byte(content), 0o644)
}

// ReadHistory returns the history content, or "" when absent.
func (s *Store) ReadHistory() string {
	data, err := os.ReadFile(s.HistoryPath())
	if err != nil {
		return ""
	}
	return string(data)
}

// AppendHistory appends one summary entry followed by a blank line.
func (s *Store) AppendHistory(entry string) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create memory dir: %w", err)
	}
	f, err := os.OpenFile(s.HistoryPath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.WriteString(strings.TrimRight(entry, "\n") + "\n\n"); err != nil {
		return err
	}
	return nil
}
