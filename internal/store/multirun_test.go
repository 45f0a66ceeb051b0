package store

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/wojons/openchamber/internal/api"
	"github.com/wojons/openchamber/internal/gitops"
	"github.com/wojons/openchamber/internal/logging"
)

func newMultiRun(t *testing.T, fc *fakeClient, runner gitops.Runner) (*MultiRunStore, *DirectoryStore) {
	t.Helper()
	dirs := newDirStore(t, fc, &gitops.Git{Runner: runner})
	s := NewMultiRunStore(fc, &gitops.Git{Runner: runner}, dirs, logging.Discard())
	return s, dirs
}

func okRunner(workDir string, args ...string) (string, error) {
	return "", nil
}

func TestLaunchSuffixesDuplicateModels(t *testing.T) {
	var titleMu sync.Mutex
	var titles []string
	fc := &fakeClient{
		createSessionFn: func(ctx context.Context, directory, title, parentID string) (api.Session, error) {
			titleMu.Lock()
			titles = append(titles, title)
			titleMu.Unlock()
			return api.Session{ID: "run-" + title, Directory: directory}, nil
		},
	}
	s, dirs := newMultiRun(t, fc, okRunner)

	var mu sync.Mutex
	var dispatched []RunInfo
	done := make(chan struct{}, 3)
	s.dispatch = func(ctx context.Context, run RunInfo, spec RunSpec) {
		mu.Lock()
		dispatched = append(dispatched, run)
		mu.Unlock()
		done <- struct{}{}
	}

	runs, err := s.Launch(context.Background(), RunSpec{
		GroupName:  "Fix Bug",
		ProjectDir: "/proj",
		Prompt:     "fix the bug",
		Models: []ModelSelection{
			{ProviderID: "a", ModelID: "gpt"},
			{ProviderID: "b", ModelID: "gpt"},
			{ProviderID: "c", ModelID: "claude"},
		},
	})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("runs = %d", len(runs))
	}
	wantBranches := []string{"fix-bug/gpt", "fix-bug/gpt-2", "fix-bug/claude"}
	seenIDs := map[string]bool{}
	for i, want := range wantBranches {
		if runs[i].Branch != want {
			t.Fatalf("branch %d = %q, want %q", i, runs[i].Branch, want)
		}
		if seenIDs[runs[i].SessionID] {
			t.Fatalf("duplicate session id %q", runs[i].SessionID)
		}
		seenIDs[runs[i].SessionID] = true
		if !strings.HasPrefix(runs[i].Path, "/proj/"+gitops.WorktreeRoot+"/") {
			t.Fatalf("worktree path %q outside the managed root", runs[i].Path)
		}
		if meta, ok := dirs.WorktreeFor(runs[i].SessionID); !ok || meta.Path != runs[i].Path {
			t.Fatalf("worktree metadata missing for %s", runs[i].SessionID)
		}
	}
	wantTitles := []string{"Fix Bug · gpt", "Fix Bug · gpt-2", "Fix Bug · claude"}
	titleMu.Lock()
	for i, want := range wantTitles {
		if titles[i] != want {
			t.Fatalf("title %d = %q, want %q", i, titles[i], want)
		}
	}
	titleMu.Unlock()

	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("dispatch never fired")
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if len(dispatched) != 3 {
		t.Fatalf("dispatched %d runs", len(dispatched))
	}
}

func TestLaunchToleratesPartialFailure(t *testing.T) {
	runner := func(workDir string, args ...string) (string, error) {
		if args[0] == "worktree" {
			for _, a := range args {
				if strings.Contains(a, "broken") {
					return "", errors.New("worktree add failed")
				}
			}
		}
		return "", nil
	}
	fc := &fakeClient{}
	s, _ := newMultiRun(t, fc, runner)
	s.dispatch = func(ctx context.Context, run RunInfo, spec RunSpec) {}

	runs, err := s.Launch(context.Background(), RunSpec{
		GroupName:  "grp",
		ProjectDir: "/proj",
		Models: []ModelSelection{
			{ProviderID: "a", ModelID: "broken"},
			{ProviderID: "b", ModelID: "fine"},
		},
	})
	if err != nil {
		t.Fatalf("one surviving run should succeed: %v", err)
	}
	if len(runs) != 1 || runs[0].Model.ModelID != "fine" {
		t.Fatalf("runs = %+v", runs)
	}
}

func TestLaunchAllFailed(t *testing.T) {
	fc := &fakeClient{
		createSessionFn: func(ctx context.Context, directory, title, parentID string) (api.Session, error) {
			return api.Session{}, errors.New("service down")
		},
	}
	s, _ := newMultiRun(t, fc, okRunner)
	s.dispatch = func(ctx context.Context, run RunInfo, spec RunSpec) {}

	if _, err := s.Launch(context.Background(), RunSpec{
		GroupName:  "grp",
		ProjectDir: "/proj",
		Models:     []ModelSelection{{ProviderID: "a", ModelID: "m"}},
	}); err == nil {
		t.Fatal("expected error when no run could be created")
	}
}

func TestLaunchValidation(t *testing.T) {
	s, _ := newMultiRun(t, &fakeClient{}, okRunner)
	if _, err := s.Launch(context.Background(), RunSpec{ProjectDir: "", Models: []ModelSelection{{ModelID: "m"}}}); err == nil {
		t.Fatal("missing project directory must fail")
	}
	if _, err := s.Launch(context.Background(), RunSpec{ProjectDir: "/proj"}); err == nil {
		t.Fatal("empty model list must fail")
	}
}
