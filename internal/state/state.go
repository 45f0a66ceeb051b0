// Package state persists client-side session state across restarts: the last
// known session list, current selection, worktree metadata, and the
// per-directory "last selected session" map.
package state

import (
	"errors"
	"time"

	"github.com/wojons/openchamber/internal/api"
)

// ErrNoSnapshot is returned by LoadSnapshot when nothing has been saved yet.
var ErrNoSnapshot = errors.New("no persisted snapshot")

// WorktreeMetadata joins a session's working directory to a git worktree.
type WorktreeMetadata struct {
	Path             string `json:"path"`
	Branch           string `json:"branch"`
	ProjectDirectory string `json:"projectDirectory"`
	Label            string `json:"label"`
	Status           string `json:"status,omitempty"`
}

// Snapshot is the persisted session-store state.
type Snapshot struct {
	Sessions       []api.Session               `json:"sessions"`
	CurrentID      string                      `json:"currentID,omitempty"`
	LastDirectory  string                      `json:"lastDirectory,omitempty"`
	LocallyCreated []string                    `json:"locallyCreated,omitempty"`
	Worktrees      map[string]WorktreeMetadata `json:"worktrees,omitempty"`
	UpdatedAt      time.Time                   `json:"updatedAt"`
}

// Store persists snapshots and the directory→session selection map.
type Store interface {
	LoadSnapshot() (Snapshot, error)
	SaveSnapshot(Snapshot) error

	// Selections map a normalized directory to its last selected session id.
	LoadSelections() (map[string]string, error)
	SaveSelections(map[string]string) error

	Close() error
}
