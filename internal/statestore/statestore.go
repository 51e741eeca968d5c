// Package statestore persists the rebalance engine's checkpoint document.
// The active document lives in a single JSON file replaced atomically on
// every write; finished documents move to an archive directory. A SQLite
// ledger keeps a queryable history of completed rebalances.
package statestore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	stateFileName = "rebalance.json"
	archiveDir    = "archive"
)

// Store owns the on-disk checkpoint document.
type Store struct {
	dir string
}

// New prepares the storage directory.
func New(dataDir string) (*Store, error) {
	dir := filepath.Join(dataDir, "storage")
	if err := os.MkdirAll(filepath.Join(dir, archiveDir), 0700); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) statePath() string {
	return filepath.Join(s.dir, stateFileName)
}

// Save atomically replaces the checkpoint document. The document is fully
// written to a temp file and renamed into place, so a crash mid-write
// leaves the previous checkpoint intact.
func (s *Store) Save(doc any) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}

	tmp := s.statePath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := os.Rename(tmp, s.statePath()); err != nil {
		return fmt.Errorf("failed to replace checkpoint: %w", err)
	}
	return nil
}

// Load reads the checkpoint document into out. Returns false when no
// checkpoint exists.
func (s *Store) Load(out any) (bool, error) {
	data, err := os.ReadFile(s.statePath())
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("failed to parse checkpoint: %w", err)
	}
	return true, nil
}

// Archive moves the current checkpoint into the archive directory under a
// timestamped name and clears the active slot.
func (s *Store) Archive() error {
	name := fmt.Sprintf("rebalance-%d.json", time.Now().UnixMilli())
	dest := filepath.Join(s.dir, archiveDir, name)
	if err := os.Rename(s.statePath(), dest); err != nil {
		return fmt.Errorf("failed to archive checkpoint: %w", err)
	}
	return nil
}

// Delete removes the active checkpoint without archiving. Used when a
// rebalance unwinds to idle without having moved funds.
func (s *Store) Delete() error {
	if err := os.Remove(s.statePath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	return nil
}
