package store

import (
	"context"
	"sync"

	"github.com/wojons/openchamber/internal/api"
)

// fakeClient implements api.Client with overridable func fields; unset
// methods succeed with zero values. Send requests are recorded.
type fakeClient struct {
	mu sync.Mutex

	listSessionsFn  func(ctx context.Context, directory string) ([]api.Session, error)
	getSessionFn    func(ctx context.Context, directory, id string) (api.Session, error)
	createSessionFn func(ctx context.Context, directory, title, parentID string) (api.Session, error)
	deleteSessionFn func(ctx context.Context, directory, id string) error
	revertSessionFn func(ctx context.Context, directory, id, messageID string) (api.Session, error)
	listMessagesFn  func(ctx context.Context, directory, sessionID string) ([]api.Message, error)
	sendMessageFn   func(ctx context.Context, directory string, req api.SendRequest) (api.Message, error)
	listModelsFn    func(ctx context.Context, directory string) ([]api.Model, error)

	sent       []api.SendRequest
	sentDirs   []string
	aborted    []string
	responded  []string
	listBefore func(ctx context.Context, directory, sessionID, beforeID string, limit int) ([]api.Message, error)
	listAfter  func(ctx context.Context, directory, sessionID, afterID string, limit int) ([]api.Message, error)
}

var _ api.Client = (*fakeClient)(nil)

func (f *fakeClient) sentRequests() []api.SendRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]api.SendRequest, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeClient) ListSessions(ctx context.Context, directory string) ([]api.Session, error) {
	if f.listSessionsFn != nil {
		return f.listSessionsFn(ctx, directory)
	}
	return nil, nil
}

func (f *fakeClient) GetSession(ctx context.Context, directory, id string) (api.Session, error) {
	if f.getSessionFn != nil {
		return f.getSessionFn(ctx, directory, id)
	}
	return api.Session{}, &api.Error{Status: 404, Message: "session not found"}
}

func (f *fakeClient) CreateSession(ctx context.Context, directory, title, parentID string) (api.Session, error) {
	if f.createSessionFn != nil {
		return f.createSessionFn(ctx, directory, title, parentID)
	}
	return api.Session{ID: "sess-created", Title: title, Directory: directory, ParentID: parentID}, nil
}

func (f *fakeClient) UpdateSessionTitle(ctx context.Context, directory, id, title string) (api.Session, error) {
	return api.Session{ID: id, Title: title, Directory: directory}, nil
}

func (f *fakeClient) DeleteSession(ctx context.Context, directory, id string) error {
	if f.deleteSessionFn != nil {
		return f.deleteSessionFn(ctx, directory, id)
	}
	return nil
}

func (f *fakeClient) ShareSession(ctx context.Context, directory, id string) (api.Session, error) {
	return api.Session{ID: id, Directory: directory, Share: &api.ShareInfo{URL: "https://share/" + id}}, nil
}

func (f *fakeClient) UnshareSession(ctx context.Context, directory, id string) (api.Session, error) {
	return api.Session{ID: id, Directory: directory}, nil
}

func (f *fakeClient) RevertSession(ctx context.Context, directory, id, messageID string) (api.Session, error) {
	if f.revertSessionFn != nil {
		return f.revertSessionFn(ctx, directory, id, messageID)
	}
	return api.Session{ID: id, Directory: directory, Revert: &api.RevertPoint{MessageID: messageID}}, nil
}

func (f *fakeClient) ListMessages(ctx context.Context, directory, sessionID string) ([]api.Message, error) {
	if f.listMessagesFn != nil {
		return f.listMessagesFn(ctx, directory, sessionID)
	}
	return nil, nil
}

func (f *fakeClient) ListMessagesBefore(ctx context.Context, directory, sessionID, beforeID string, limit int) ([]api.Message, error) {
	if f.listBefore != nil {
		return f.listBefore(ctx, directory, sessionID, beforeID, limit)
	}
	return nil, nil
}

func (f *fakeClient) ListMessagesAfter(ctx context.Context, directory, sessionID, afterID string, limit int) ([]api.Message, error) {
	if f.listAfter != nil {
		return f.listAfter(ctx, directory, sessionID, afterID, limit)
	}
	return nil, nil
}

func (f *fakeClient) SendMessage(ctx context.Context, directory string, req api.SendRequest) (api.Message, error) {
	f.mu.Lock()
	f.sent = append(f.sent, req)
	f.sentDirs = append(f.sentDirs, directory)
	f.mu.Unlock()
	if f.sendMessageFn != nil {
		return f.sendMessageFn(ctx, directory, req)
	}
	return api.Message{Info: api.MessageInfo{ID: "msg-sent", SessionID: req.SessionID, Role: api.RoleUser}}, nil
}

func (f *fakeClient) AbortSession(ctx context.Context, directory, sessionID string) error {
	f.mu.Lock()
	f.aborted = append(f.aborted, sessionID)
	f.mu.Unlock()
	return nil
}

func (f *fakeClient) RespondPermission(ctx context.Context, directory, sessionID, permissionID string, reply api.PermissionReply) error {
	f.mu.Lock()
	f.responded = append(f.responded, permissionID)
	f.mu.Unlock()
	return nil
}

func (f *fakeClient) ListAgents(ctx context.Context, directory string) ([]api.Agent, error) {
	return []api.Agent{{Name: "build"}, {Name: "plan"}}, nil
}

func (f *fakeClient) ListModels(ctx context.Context, directory string) ([]api.Model, error) {
	if f.listModelsFn != nil {
		return f.listModelsFn(ctx, directory)
	}
	return nil, nil
}

func (f *fakeClient) ListLocalDirectory(ctx context.Context, directory, path string) ([]api.DirEntry, error) {
	return nil, nil
}
