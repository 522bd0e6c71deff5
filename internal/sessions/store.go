package sessions

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// metadataRecord is the first line of every session file.
type metadataRecord struct {
	Type             string         `json:"_type"`
	CreatedAt        time.Time      `json:"createdAt"`
	UpdatedAt        time.Time      `json:"updatedAt"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	LastConsolidated int            `json:"lastConsolidated"`
}

// Store persists sessions as JSONL files with a write-back cache.
//
// The store lock protects the cache map; each Session carries its own lock
// for transcript access, so Save can run concurrently with appends.
type Store struct {
	dir   string
	mu    sync.RWMutex
	cache map[string]*Session
}

func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create sessions dir: %w", err)
	}
	return &Store{dir: dir, cache: make(map[string]*Session)}, nil
}

// GetOrCreate returns the cached session, loads it from disk, or creates a
// fresh one, in that order.
func (s *Store) GetOrCreate(key string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.cache[key]; ok {
		return sess
	}

	sess, err := s.load(key)
	if err != nil {
		now := time.Now().UTC()
		sess = &Session{Key: key, CreatedAt: now, UpdatedAt: now}
	}
	s.cache[key] = sess
	return sess
}

// Save rewrites the session file: one metadata line, then one line per message.
// The write goes through a temp file + rename so a crash never truncates an
// existing transcript.
func (s *Store) Save(sess *Session) error {
	s.mu.Lock()
	s.cache[sess.Key] = sess
	s.mu.Unlock()

	sess.mu.Lock()
	meta := metadataRecord{
		Type:             "metadata",
		CreatedAt:        sess.CreatedAt,
		UpdatedAt:        sess.UpdatedAt,
		Metadata:         sess.Metadata,
		LastConsolidated: sess.LastConsolidated,
	}
	msgs := make([]Message, len(sess.Messages))
	copy(msgs, sess.Messages)
	sess.mu.Unlock()

	var buf strings.Builder
	enc := json.NewEncoder(&buf)
	if err := enc.Encode(meta); err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	for _, msg := range msgs {
		if err := enc.Encode(msg); err != nil {
			return fmt.Errorf("encode message: %w", err)
		}
	}

	path := s.pathFor(sess.Key)
	tmp, err := os.CreateTemp(s.dir, "session-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.WriteString(buf.String()); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	tmp.Close()

	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	cleanup = false
	return nil
}

// Invalidate drops the cache entry so the next access reloads from disk.
func (s *Store) Invalidate(key string) {
	s.mu.Lock()
	delete(s.cache, key)
	s.mu.Unlock()
}

// SessionInfo is a lightweight descriptor for listing.
type SessionInfo struct {
	Key          string    `json:"key"`
	MessageCount int       `json:"messageCount"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// List enumerates session files on disk, newest first.
func (s *Store) List() []SessionInfo {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil
	}

	var out []SessionInfo
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".jsonl") {
			continue
		}
		key := strings.TrimSuffix(e.Name(), ".jsonl")
		sess, err := s.loadFile(filepath.Join(s.dir, e.Name()), key)
		if err != nil {
			continue
		}
		out = append(out, SessionInfo{
			Key:          sess.Key,
			MessageCount: len(sess.Messages),
			UpdatedAt:    sess.UpdatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out
}

func (s *Store) load(key string) (*Session, error) {
	return s.loadFile(s.pathFor(key), key)
}

// loadFile parses a session file. Malformed lines are skipped so one corrupt
// record never loses the whole transcript.
func (s *Store) loadFile(path, key string) (*Session, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	now := time.Now().UTC()
	sess := &Session{Key: key, CreatedAt: now, UpdatedAt: now}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	first := true
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if first {
			first = false
			var meta metadataRecord
			if err := json.Unmarshal([]byte(line), &meta); err == nil && meta.Type == "metadata" {
				sess.CreatedAt = meta.CreatedAt
				sess.UpdatedAt = meta.UpdatedAt
				sess.Metadata = meta.Metadata
				sess.LastConsolidated = meta.LastConsolidated
				continue
			}
			// No metadata line — fall through and try it as a message.
		}

		var msg Message
		if err := json.Unmarshal([]byte(line), &msg); err != nil || msg.Role == "" {
			continue
		}
		sess.Messages = append(sess.Messages, msg)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *Store) pathFor(key string) string {
	return filepath.Join(s.dir, sanitizeKey(key)+".jsonl")
}

// sanitizeKey replaces filesystem-reserved characters with underscores.
// Note "telegram:123" and "telegram_123" collide on disk; this mirrors the
// established on-disk layout.
func sanitizeKey(key string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '<', '>', ':', '"', '/', '\\', '|', '?', '*':
			return '_'
		}
		return r
	}, key)
}
