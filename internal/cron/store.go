package cron

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const storeVersion = 1

// fileFormat is the on-disk shape of the job store.
type fileFormat struct {
	Version int    `json:"version"`
	Jobs    []*Job `json:"jobs"`
}

// Store persists the full job list as one versioned JSON file, replaced
// atomically on every save.
type Store struct {
	path string
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

// Load reads all jobs. A missing file is an empty store.
func (s *Store) Load() ([]*Job, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read cron store: %w", err)
	}

	var f fileFormat
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse cron store: %w", err)
	}
	if f.Version != storeVersion {
		return nil, fmt.Errorf("unsupported cron store version %d", f.Version)
	}
	return f.Jobs, nil
}

// Save writes the full job list through a temp file + rename.
func (s *Store) Save(jobs []*Job) error {
	if jobs == nil {
		jobs = []*Job{}
	}
	data, err := json.MarshalIndent(fileFormat{Version: storeVersion, Jobs: jobs}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode cron store: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create cron dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "cron-*.tmp")
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

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	tmp.Close()

	if err := os.Rename(tmpPath, s.path); err != nil {
		return err
	}
	cleanup = false
	return nil
}
