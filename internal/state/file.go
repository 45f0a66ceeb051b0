package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileStore is the JSON-on-disk backend. Writes go through a temp file and
// os.Rename so a crash never leaves a half-written state file.
type FileStore struct {
	mu   sync.Mutex
	root string
}

func NewFileStore(root string) (*FileStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}
	return &FileStore{root: root}, nil
}

func (s *FileStore) snapshotPath() string   { return filepath.Join(s.root, "snapshot.json") }
func (s *FileStore) selectionsPath() string { return filepath.Join(s.root, "selections.json") }

func (s *FileStore) LoadSnapshot() (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var snap Snapshot
	data, err := os.ReadFile(s.snapshotPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return snap, ErrNoSnapshot
		}
		return snap, fmt.Errorf("failed to read state snapshot: %w", err)
	}
	if err := json.Unmarshal(data, &snap); err != nil {
		return snap, fmt.Errorf("failed to parse state snapshot: %w", err)
	}
	return snap, nil
}

func (s *FileStore) SaveSnapshot(snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap.UpdatedAt = time.Now()
	return s.writeAtomic(s.snapshotPath(), snap)
}

func (s *FileStore) LoadSelections() (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.selectionsPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("failed to read directory selections: %w", err)
	}
	sel := map[string]string{}
	if err := json.Unmarshal(data, &sel); err != nil {
		return nil, fmt.Errorf("failed to parse directory selections: %w", err)
	}
	return sel, nil
}

func (s *FileStore) SaveSelections(sel map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeAtomic(s.selectionsPath(), sel)
}

func (s *FileStore) Close() error { return nil }

func (s *FileStore) writeAtomic(path string, v any) (err error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to persist state: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to persist state: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			os.Remove(tmpName)
		}
	}()
	if _, err = tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to persist state: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("failed to persist state: %w", err)
	}
	if err = os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to persist state: %w", err)
	}
	return nil
}
