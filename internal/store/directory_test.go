package store

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/wojons/openchamber/internal/api"
	"github.com/wojons/openchamber/internal/gitops"
	"github.com/wojons/openchamber/internal/logging"
	"github.com/wojons/openchamber/internal/state"
)

func newDirStore(t *testing.T, fc *fakeClient, git *gitops.Git) *DirectoryStore {
	t.Helper()
	return NewDirectoryStore(fc, git, nil, NewBus(), logging.Discard())
}

func TestNormalizeDirectory(t *testing.T) {
	cases := map[string]string{
		"/home/user/project":     "/home/user/project",
		"/home/user/project/":    "/home/user/project",
		"/home/user/project///":  "/home/user/project",
		"C:\\Users\\me\\proj\\":  "C:/Users/me/proj",
		"  /padded/dir  ":        "/padded/dir",
		"/":                      "/",
		"":                       "",
	}
	for in, want := range cases {
		if got := NormalizeDirectory(in); got != want {
			t.Fatalf("NormalizeDirectory(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestLoadSessionsSortsByUpdated(t *testing.T) {
	fc := &fakeClient{
		listSessionsFn: func(ctx context.Context, directory string) ([]api.Session, error) {
			return []api.Session{
				{ID: "old", Directory: directory, Time: api.SessionTime{Updated: 10}},
				{ID: "new", Directory: directory, Time: api.SessionTime{Updated: 30}},
				{ID: "mid", Directory: directory, Time: api.SessionTime{Updated: 20}},
			}, nil
		},
	}
	s := newDirStore(t, fc, nil)
	if err := s.LoadSessions(context.Background(), "/proj"); err != nil {
		t.Fatalf("LoadSessions: %v", err)
	}
	sessions := s.Sessions()
	if len(sessions) != 3 {
		t.Fatalf("expected 3 sessions, got %d", len(sessions))
	}
	for i, want := range []string{"new", "mid", "old"} {
		if sessions[i].ID != want {
			t.Fatalf("position %d: got %s, want %s", i, sessions[i].ID, want)
		}
	}
	if got := s.CurrentID(); got != "new" {
		t.Fatalf("current = %q, want first session", got)
	}
	if got := s.LastDirectory(); got != "/proj" {
		t.Fatalf("last directory = %q", got)
	}
}

func TestLoadSessionsMergesWorktrees(t *testing.T) {
	runner := func(workDir string, args ...string) (string, error) {
		switch args[0] {
		case "rev-parse":
			return "true\n", nil
		case "worktree":
			return "worktree /proj\nHEAD abc\nbranch refs/heads/main\n\n" +
				"worktree /proj/.openchamber/run-a\nHEAD def\nbranch refs/heads/run/a\n\n" +
				"worktree /elsewhere/other\nHEAD ghi\nbranch refs/heads/other\n", nil
		}
		return "", nil
	}
	fc := &fakeClient{
		listSessionsFn: func(ctx context.Context, directory string) ([]api.Session, error) {
			switch directory {
			case "/proj":
				return []api.Session{{ID: "parent", Directory: "/proj", Time: api.SessionTime{Updated: 5}}}, nil
			case "/proj/.openchamber/run-a":
				return []api.Session{{ID: "wt", Directory: directory, Time: api.SessionTime{Updated: 9}}}, nil
			}
			t.Fatalf("unexpected directory %q", directory)
			return nil, nil
		},
	}
	s := newDirStore(t, fc, &gitops.Git{Runner: runner})
	if err := s.LoadSessions(context.Background(), "/proj"); err != nil {
		t.Fatalf("LoadSessions: %v", err)
	}
	sessions := s.Sessions()
	if len(sessions) != 2 {
		t.Fatalf("expected parent + worktree sessions, got %d", len(sessions))
	}
	if sessions[0].ID != "wt" || sessions[1].ID != "parent" {
		t.Fatalf("unexpected merge order: %s, %s", sessions[0].ID, sessions[1].ID)
	}
}

func TestLoadSessionsToleratesWorktreeFailure(t *testing.T) {
	runner := func(workDir string, args ...string) (string, error) {
		switch args[0] {
		case "rev-parse":
			return "true\n", nil
		case "worktree":
			return "worktree /proj\n\nworktree /proj/.openchamber/broken\n", nil
		}
		return "", nil
	}
	fc := &fakeClient{
		listSessionsFn: func(ctx context.Context, directory string) ([]api.Session, error) {
			if strings.Contains(directory, "broken") {
				return nil, errors.New("worktree directory unreachable")
			}
			return []api.Session{{ID: "parent", Directory: "/proj"}}, nil
		},
	}
	s := newDirStore(t, fc, &gitops.Git{Runner: runner})
	if err := s.LoadSessions(context.Background(), "/proj"); err != nil {
		t.Fatalf("worktree failure should not fail the load: %v", err)
	}
	if got := len(s.Sessions()); got != 1 {
		t.Fatalf("expected the parent session to survive, got %d", got)
	}
}

func TestLoadSessionsParentFailureFailsLoad(t *testing.T) {
	fc := &fakeClient{
		listSessionsFn: func(ctx context.Context, directory string) ([]api.Session, error) {
			return nil, errors.New("service down")
		},
	}
	s := newDirStore(t, fc, nil)
	if err := s.LoadSessions(context.Background(), "/proj"); err == nil {
		t.Fatal("expected parent fetch failure to surface")
	}
	if s.Err() == nil {
		t.Fatal("expected error state to be recorded")
	}
}

func TestLoadSessionsKeepsCurrentViaRefetch(t *testing.T) {
	fc := &fakeClient{}
	fc.listSessionsFn = func(ctx context.Context, directory string) ([]api.Session, error) {
		return []api.Session{{ID: "s1", Directory: directory, Time: api.SessionTime{Updated: 1}}}, nil
	}
	fc.getSessionFn = func(ctx context.Context, directory, id string) (api.Session, error) {
		if id != "hidden" {
			t.Fatalf("unexpected refetch of %q", id)
		}
		return api.Session{ID: "hidden", Directory: directory}, nil
	}
	s := newDirStore(t, fc, nil)
	if err := s.LoadSessions(context.Background(), "/proj"); err != nil {
		t.Fatalf("first load: %v", err)
	}
	s.SetCurrentSession("hidden")
	s.replaceSession(api.Session{ID: "hidden", Directory: "/proj"})

	if err := s.LoadSessions(context.Background(), "/proj"); err != nil {
		t.Fatalf("second load: %v", err)
	}
	if got := s.CurrentID(); got != "hidden" {
		t.Fatalf("current = %q, want refetched session kept", got)
	}
	if _, ok := s.Session("hidden"); !ok {
		t.Fatal("refetched session missing from the list")
	}
}

func TestLoadSessionsCurrentGoneFallsBackToFirst(t *testing.T) {
	fc := &fakeClient{}
	fc.listSessionsFn = func(ctx context.Context, directory string) ([]api.Session, error) {
		return []api.Session{{ID: "s1", Directory: directory, Time: api.SessionTime{Updated: 1}}}, nil
	}
	s := newDirStore(t, fc, nil)
	if err := s.LoadSessions(context.Background(), "/proj"); err != nil {
		t.Fatalf("first load: %v", err)
	}
	s.SetCurrentSession("deleted-elsewhere")

	if err := s.LoadSessions(context.Background(), "/proj"); err != nil {
		t.Fatalf("second load: %v", err)
	}
	if got := s.CurrentID(); got != "s1" {
		t.Fatalf("current = %q, want fallback to first session", got)
	}
}

func TestLoadSessionsDirectoryChangeRestoresSelection(t *testing.T) {
	fc := &fakeClient{}
	fc.listSessionsFn = func(ctx context.Context, directory string) ([]api.Session, error) {
		switch directory {
		case "/a":
			return []api.Session{
				{ID: "a1", Directory: "/a", Time: api.SessionTime{Updated: 2}},
				{ID: "a2", Directory: "/a", Time: api.SessionTime{Updated: 1}},
			}, nil
		case "/b":
			return []api.Session{{ID: "b1", Directory: "/b"}}, nil
		}
		return nil, nil
	}
	s := newDirStore(t, fc, nil)
	if err := s.LoadSessions(context.Background(), "/a"); err != nil {
		t.Fatalf("load /a: %v", err)
	}
	s.SetCurrentSession("a2")

	if err := s.LoadSessions(context.Background(), "/b"); err != nil {
		t.Fatalf("load /b: %v", err)
	}
	if got := s.CurrentID(); got != "b1" {
		t.Fatalf("current after switch to /b = %q", got)
	}

	// Coming back to /a restores the remembered selection, not the newest.
	if err := s.LoadSessions(context.Background(), "/a"); err != nil {
		t.Fatalf("load /a again: %v", err)
	}
	if got := s.CurrentID(); got != "a2" {
		t.Fatalf("current after return to /a = %q, want remembered a2", got)
	}
}

func TestCreateSessionOptimisticReconcile(t *testing.T) {
	fc := &fakeClient{
		listSessionsFn: func(ctx context.Context, directory string) ([]api.Session, error) {
			return []api.Session{{ID: "existing", Directory: directory}}, nil
		},
		createSessionFn: func(ctx context.Context, directory, title, parentID string) (api.Session, error) {
			return api.Session{ID: "real", Title: title, Directory: directory}, nil
		},
	}
	s := newDirStore(t, fc, nil)
	if err := s.LoadSessions(context.Background(), "/proj"); err != nil {
		t.Fatalf("load: %v", err)
	}

	created, err := s.CreateSession(context.Background(), "/proj", "my task", "")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if created.ID != "real" {
		t.Fatalf("created id = %q", created.ID)
	}
	sessions := s.Sessions()
	if sessions[0].ID != "real" {
		t.Fatalf("confirmed session should hold the placeholder's top position, got %s", sessions[0].ID)
	}
	for _, sess := range sessions {
		if strings.HasPrefix(sess.ID, "temp_") {
			t.Fatalf("placeholder %s survived reconciliation", sess.ID)
		}
	}
	if got := s.CurrentID(); got != "real" {
		t.Fatalf("current = %q, want migrated to confirmed id", got)
	}
	if !s.IsLocallyCreated("real") {
		t.Fatal("locally-created marker did not migrate")
	}
}

func TestCreateSessionPollingFallback(t *testing.T) {
	var listCalls int
	fc := &fakeClient{
		createSessionFn: func(ctx context.Context, directory, title, parentID string) (api.Session, error) {
			return api.Session{}, &api.Error{Code: api.CodeTimeout, Message: "request timed out"}
		},
		listSessionsFn: func(ctx context.Context, directory string) ([]api.Session, error) {
			listCalls++
			if listCalls < 3 {
				return nil, nil
			}
			return []api.Session{{ID: "landed", Title: "my task", Directory: directory}}, nil
		},
	}
	s := newDirStore(t, fc, nil)
	s.pollAttempts = 5
	s.pollInterval = time.Millisecond

	created, err := s.CreateSession(context.Background(), "/proj", "my task", "")
	if err != nil {
		t.Fatalf("CreateSession should recover via polling: %v", err)
	}
	if created.ID != "landed" {
		t.Fatalf("created id = %q", created.ID)
	}
	if got := s.CurrentID(); got != "landed" {
		t.Fatalf("current = %q", got)
	}
}

func TestCreateSessionRollback(t *testing.T) {
	fc := &fakeClient{
		listSessionsFn: func(ctx context.Context, directory string) ([]api.Session, error) {
			return []api.Session{{ID: "existing", Directory: directory}}, nil
		},
		createSessionFn: func(ctx context.Context, directory, title, parentID string) (api.Session, error) {
			return api.Session{}, errors.New("create rejected")
		},
	}
	s := newDirStore(t, fc, nil)
	if err := s.LoadSessions(context.Background(), "/proj"); err != nil {
		t.Fatalf("load: %v", err)
	}
	s.pollAttempts = 1
	s.pollInterval = time.Millisecond
	// Polling sees only the pre-existing session, so nothing new matches.
	fc.listSessionsFn = func(ctx context.Context, directory string) ([]api.Session, error) {
		return []api.Session{{ID: "existing", Directory: directory}}, nil
	}

	if _, err := s.CreateSession(context.Background(), "/proj", "doomed", ""); err == nil {
		t.Fatal("expected create failure")
	}
	for _, sess := range s.Sessions() {
		if strings.HasPrefix(sess.ID, "temp_") {
			t.Fatalf("placeholder %s survived rollback", sess.ID)
		}
	}
	if got := s.CurrentID(); got != "existing" {
		t.Fatalf("current = %q, want prior selection restored", got)
	}
	if s.Err() == nil {
		t.Fatal("expected error state after rollback")
	}
}

func TestDeleteSessionsPartialFailure(t *testing.T) {
	fc := &fakeClient{
		listSessionsFn: func(ctx context.Context, directory string) ([]api.Session, error) {
			return []api.Session{
				{ID: "keep", Directory: directory, Time: api.SessionTime{Updated: 3}},
				{ID: "gone", Directory: directory, Time: api.SessionTime{Updated: 2}},
				{ID: "stuck", Directory: directory, Time: api.SessionTime{Updated: 1}},
			}, nil
		},
		deleteSessionFn: func(ctx context.Context, directory, id string) error {
			if id == "stuck" {
				return errors.New("delete refused")
			}
			return nil
		},
	}
	s := newDirStore(t, fc, nil)
	if err := s.LoadSessions(context.Background(), "/proj"); err != nil {
		t.Fatalf("load: %v", err)
	}
	s.SetCurrentSession("gone")

	res := s.DeleteSessions(context.Background(), []string{"gone", "stuck"}, false)
	if len(res.DeletedIDs) != 1 || res.DeletedIDs[0] != "gone" {
		t.Fatalf("deleted = %v", res.DeletedIDs)
	}
	if len(res.FailedIDs) != 1 || res.FailedIDs[0] != "stuck" {
		t.Fatalf("failed = %v", res.FailedIDs)
	}
	if _, ok := s.Session("stuck"); !ok {
		t.Fatal("failed delete must keep the session resident")
	}
	if _, ok := s.Session("gone"); ok {
		t.Fatal("deleted session still resident")
	}
	if got := s.CurrentID(); got != "" {
		t.Fatalf("current = %q, want cleared after deleting the current session", got)
	}
}

func TestRemoveLocal(t *testing.T) {
	fc := &fakeClient{
		listSessionsFn: func(ctx context.Context, directory string) ([]api.Session, error) {
			return []api.Session{{ID: "s1", Directory: directory}}, nil
		},
	}
	s := newDirStore(t, fc, nil)
	if err := s.LoadSessions(context.Background(), "/proj"); err != nil {
		t.Fatalf("load: %v", err)
	}
	s.RemoveLocal("s1")
	if _, ok := s.Session("s1"); ok {
		t.Fatal("session still resident after RemoveLocal")
	}
	if got := s.CurrentID(); got != "" {
		t.Fatalf("current = %q", got)
	}
}

func TestDirectoryForFallbackChain(t *testing.T) {
	fc := &fakeClient{
		listSessionsFn: func(ctx context.Context, directory string) ([]api.Session, error) {
			return []api.Session{{ID: "s1", Directory: "/proj"}, {ID: "bare"}}, nil
		},
	}
	s := newDirStore(t, fc, nil)
	if err := s.LoadSessions(context.Background(), "/proj"); err != nil {
		t.Fatalf("load: %v", err)
	}

	if got := s.DirectoryFor("s1"); got != "/proj" {
		t.Fatalf("session directory = %q", got)
	}
	if got := s.DirectoryFor("unknown"); got != "/proj" {
		t.Fatalf("fallback to last directory = %q", got)
	}

	s.SetWorktreeMetadata("s1", state.WorktreeMetadata{Path: "/proj/.openchamber/run-a"})
	if got := s.DirectoryFor("s1"); got != "/proj/.openchamber/run-a" {
		t.Fatalf("worktree metadata should win: %q", got)
	}
}
