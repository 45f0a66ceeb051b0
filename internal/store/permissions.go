package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/wojons/openchamber/internal/api"
)

// PermissionStore holds pending tool-permission requests per session and
// routes user replies back to the agent service.
type PermissionStore struct {
	mu sync.Mutex

	client  api.Client
	bus     *Bus
	pending map[string][]api.Permission

	// directoryFor resolves the directory to scope the reply call.
	directoryFor func(sessionID string) string
}

func NewPermissionStore(client api.Client, bus *Bus, directoryFor func(sessionID string) string) *PermissionStore {
	return &PermissionStore{
		client:       client,
		bus:          bus,
		pending:      map[string][]api.Permission{},
		directoryFor: directoryFor,
	}
}

func (s *PermissionStore) publish(sessionID string) {
	s.bus.Publish(Notice{Topic: TopicPermissions, SessionID: sessionID})
}

// Add records an incoming permission request. Duplicate ids update in place.
func (s *PermissionStore) Add(perm api.Permission) {
	s.mu.Lock()
	list := s.pending[perm.SessionID]
	replaced := false
	for i := range list {
		if list[i].ID == perm.ID {
			list[i] = perm
			replaced = true
			break
		}
	}
	if !replaced {
		list = append(list, perm)
	}
	s.pending[perm.SessionID] = list
	s.mu.Unlock()
	s.publish(perm.SessionID)
}

// Pending returns the queued requests for a session in arrival order.
func (s *PermissionStore) Pending(sessionID string) []api.Permission {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]api.Permission, len(s.pending[sessionID]))
	copy(out, s.pending[sessionID])
	return out
}

// Respond sends the user's reply and removes the request locally. The local
// removal happens even when the call fails; the service will re-emit the
// request if it is still waiting.
func (s *PermissionStore) Respond(ctx context.Context, sessionID, permissionID string, reply api.PermissionReply) error {
	s.mu.Lock()
	list := s.pending[sessionID]
	for i := range list {
		if list[i].ID == permissionID {
			s.pending[sessionID] = append(list[:i], list[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
	s.publish(sessionID)

	dir := ""
	if s.directoryFor != nil {
		dir = s.directoryFor(sessionID)
	}
	if err := s.client.RespondPermission(ctx, dir, sessionID, permissionID, reply); err != nil {
		return fmt.Errorf("responding to permission %s: %w", permissionID, err)
	}
	return nil
}

// Drop clears all pending requests for a deleted session.
func (s *PermissionStore) Drop(sessionID string) {
	s.mu.Lock()
	delete(s.pending, sessionID)
	s.mu.Unlock()
	s.publish(sessionID)
}
