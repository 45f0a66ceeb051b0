package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/wojons/openchamber/internal/api"
	"github.com/wojons/openchamber/internal/gitops"
	"github.com/wojons/openchamber/internal/logging"
	"github.com/wojons/openchamber/internal/state"
)

// RunSpec describes one multi-run fan-out: the same prompt sent to several
// model selections, each isolated in its own worktree and session.
type RunSpec struct {
	GroupName  string
	ProjectDir string
	// BaseRef is the start point for each run branch; HEAD when empty.
	BaseRef string
	Prompt  string
	Agent   string
	Models  []ModelSelection
}

// RunInfo is one created worktree+session pair.
type RunInfo struct {
	SessionID string
	Branch    string
	Path      string
	Model     ModelSelection
}

// MultiRunStore fans one prompt out across N models. Creation is best-effort
// per model; prompt dispatch is fire-and-forget so callers get the worktrees
// and sessions the moment they exist.
type MultiRunStore struct {
	client api.Client
	git    *gitops.Git
	dirs   *DirectoryStore
	log    *logging.Logger

	// dispatch sends the prompt to one created run; swappable in tests.
	dispatch func(ctx context.Context, run RunInfo, spec RunSpec)
}

func NewMultiRunStore(client api.Client, git *gitops.Git, dirs *DirectoryStore, log *logging.Logger) *MultiRunStore {
	s := &MultiRunStore{client: client, git: git, dirs: dirs, log: log}
	s.dispatch = s.sendPrompt
	return s
}

// Launch creates the worktree+session pairs and fires the prompt to each in
// the background. Per-model failures are swallowed; only a fully empty
// result is an error.
func (s *MultiRunStore) Launch(ctx context.Context, spec RunSpec) ([]RunInfo, error) {
	if strings.TrimSpace(spec.ProjectDir) == "" {
		return nil, errors.New("missing project directory")
	}
	if len(spec.Models) == 0 {
		return nil, errors.New("no models selected")
	}
	groupSlug := gitops.Slugify(spec.GroupName)

	// Count duplicate model selections so repeats get numeric suffixes.
	counts := map[string]int{}
	var runs []RunInfo
	for _, model := range spec.Models {
		modelSlug := gitops.Slugify(model.ModelID)
		counts[modelSlug]++
		slug := modelSlug
		if n := counts[modelSlug]; n > 1 {
			slug = fmt.Sprintf("%s-%d", modelSlug, n)
		}
		branch := groupSlug + "/" + slug

		path, err := s.git.CreateWorktree(spec.ProjectDir, branch, groupSlug+"-"+slug, spec.BaseRef)
		if err != nil {
			s.log.Warn("multirun worktree create failed", map[string]interface{}{"branch": branch, "error": err.Error()})
			continue
		}
		title := spec.GroupName + " · " + slug
		sess, err := s.client.CreateSession(ctx, path, title, "")
		if err != nil {
			s.log.Warn("multirun session create failed", map[string]interface{}{"branch": branch, "error": err.Error()})
			continue
		}
		s.dirs.replaceSession(sess)
		s.dirs.SetWorktreeMetadata(sess.ID, state.WorktreeMetadata{
			Path:             path,
			Branch:           branch,
			ProjectDirectory: spec.ProjectDir,
			Label:            slug,
		})
		runs = append(runs, RunInfo{SessionID: sess.ID, Branch: branch, Path: path, Model: model})
	}
	if len(runs) == 0 {
		return nil, errors.New("no multirun sessions could be created")
	}

	// Dispatch is deliberately not awaited: the UI proceeds the instant the
	// worktrees and sessions exist.
	for _, run := range runs {
		run := run
		go s.dispatch(context.Background(), run, spec)
	}
	return runs, nil
}

func (s *MultiRunStore) sendPrompt(ctx context.Context, run RunInfo, spec RunSpec) {
	req := api.SendRequest{
		SessionID:  run.SessionID,
		ProviderID: run.Model.ProviderID,
		ModelID:    run.Model.ModelID,
		Agent:      spec.Agent,
		Parts:      []api.OutgoingPart{{Text: spec.Prompt}},
	}
	if _, err := s.client.SendMessage(ctx, run.Path, req); err != nil {
		s.log.Error("multirun dispatch failed", map[string]interface{}{
			"sessionID": run.SessionID,
			"branch":    run.Branch,
			"error":     err.Error(),
		})
	}
}
