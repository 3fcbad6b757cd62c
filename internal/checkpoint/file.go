package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const checkpointFile = "checkpoints.json"

// FileStore persists all checkpoints in one JSON document in a local
// directory. Every update rewrites the document atomically.
type FileStore struct {
	mu   sync.Mutex
	path string
	cps  map[string]Checkpoint
}

// NewFileStore opens (or creates) the checkpoint document under dir.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create checkpoint directory %s: %w", dir, err)
	}

	s := &FileStore{
		path: filepath.Join(dir, checkpointFile),
		cps:  make(map[string]Checkpoint),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileStore) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read checkpoint file: %w", err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, &s.cps); err != nil {
		return fmt.Errorf("parse checkpoint file: %w", err)
	}
	return nil
}

// Get implements Store.
func (s *FileStore) Get(ctx context.Context, key string) (Checkpoint, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.cps[key]
	return cp, ok, nil
}

// Update implements Store. The in-memory view only changes once the file
// write has succeeded.
func (s *FileStore) Update(ctx context.Context, key string, cp Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[string]Checkpoint, len(s.cps)+1)
	for k, v := range s.cps {
		next[k] = v
	}
	next[key] = cp

	data, err := json.MarshalIndent(next, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoints: %w", err)
	}

	// Write atomically
	tempPath := s.path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("write checkpoint temp file: %w", err)
	}

	if err := os.Rename(tempPath, s.path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename checkpoint file: %w", err)
	}

	s.cps = next
	return nil
}

// Close implements Store.
func (s *FileStore) Close() error { return nil }
