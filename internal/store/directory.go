package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wojons/openchamber/internal/api"
	"github.com/wojons/openchamber/internal/gitops"
	"github.com/wojons/openchamber/internal/logging"
	"github.com/wojons/openchamber/internal/state"
)

const (
	createPollAttempts = 20
	createPollInterval = 2 * time.Second
)

// sessionRecord is either a pending optimistic insert awaiting server
// confirmation or a confirmed server record. Reconciliation from pending to
// confirmed happens in exactly one place (reconcileCreated) so the list
// position and locally-created marker move together.
type sessionRecord struct {
	Pending bool
	TempID  string
	Session api.Session
}

func (r sessionRecord) id() string {
	if r.Pending {
		return r.TempID
	}
	return r.Session.ID
}

// BulkDeleteResult reports per-id outcomes of a bulk delete.
type BulkDeleteResult struct {
	DeletedIDs []string
	FailedIDs  []string
}

// DirectoryStore owns the canonical session list and its CRUD against the
// agent service, scoped by working directory. It also keeps the durable
// directory→last-selected-session map and worktree metadata.
type DirectoryStore struct {
	mu sync.Mutex

	client  api.Client
	git     *gitops.Git
	persist state.Store
	bus     *Bus
	log     *logging.Logger

	records        []sessionRecord
	currentID      string
	lastDirectory  string
	loading        bool
	err            error
	locallyCreated map[string]bool
	worktrees      map[string]state.WorktreeMetadata
	selections     map[string]string

	pollAttempts int
	pollInterval time.Duration
	now          func() time.Time
}

func NewDirectoryStore(client api.Client, git *gitops.Git, persist state.Store, bus *Bus, log *logging.Logger) *DirectoryStore {
	s := &DirectoryStore{
		client:         client,
		git:            git,
		persist:        persist,
		bus:            bus,
		log:            log,
		locallyCreated: map[string]bool{},
		worktrees:      map[string]state.WorktreeMetadata{},
		selections:     map[string]string{},
		pollAttempts:   createPollAttempts,
		pollInterval:   createPollInterval,
		now:            time.Now,
	}
	s.restore()
	return s
}

// NormalizeDirectory canonicalizes a directory for use as a join key:
// backslashes become forward slashes and trailing slashes are stripped.
func NormalizeDirectory(dir string) string {
	d := strings.ReplaceAll(strings.TrimSpace(dir), "\\", "/")
	for len(d) > 1 && strings.HasSuffix(d, "/") {
		d = strings.TrimSuffix(d, "/")
	}
	return d
}

func (s *DirectoryStore) restore() {
	if s.persist == nil {
		return
	}
	snap, err := s.persist.LoadSnapshot()
	if err == nil {
		for _, sess := range snap.Sessions {
			s.records = append(s.records, sessionRecord{Session: sess})
		}
		s.currentID = snap.CurrentID
		s.lastDirectory = snap.LastDirectory
		for _, id := range snap.LocallyCreated {
			s.locallyCreated[id] = true
		}
		for id, meta := range snap.Worktrees {
			s.worktrees[id] = meta
		}
	} else if !errors.Is(err, state.ErrNoSnapshot) {
		s.log.Warn("restore snapshot failed", map[string]interface{}{"error": err.Error()})
	}
	if sel, err := s.persist.LoadSelections(); err == nil {
		s.selections = sel
	}
}

func (s *DirectoryStore) persistLocked() {
	if s.persist == nil {
		return
	}
	snap := state.Snapshot{
		CurrentID:     s.currentID,
		LastDirectory: s.lastDirectory,
		Worktrees:     s.worktrees,
	}
	for _, rec := range s.records {
		if rec.Pending {
			continue
		}
		snap.Sessions = append(snap.Sessions, rec.Session)
	}
	for id := range s.locallyCreated {
		snap.LocallyCreated = append(snap.LocallyCreated, id)
	}
	sort.Strings(snap.LocallyCreated)
	if err := s.persist.SaveSnapshot(snap); err != nil {
		s.log.Warn("persist snapshot failed", map[string]interface{}{"error": err.Error()})
	}
	if err := s.persist.SaveSelections(s.selections); err != nil {
		s.log.Warn("persist selections failed", map[string]interface{}{"error": err.Error()})
	}
}

func (s *DirectoryStore) publish() {
	s.bus.Publish(Notice{Topic: TopicSessions})
}

// Sessions returns the session list in order; pending records surface with
// their temp id so the UI can navigate immediately.
func (s *DirectoryStore) Sessions() []api.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]api.Session, 0, len(s.records))
	for _, rec := range s.records {
		if rec.Pending {
			sess := rec.Session
			sess.ID = rec.TempID
			out = append(out, sess)
			continue
		}
		out = append(out, rec.Session)
	}
	return out
}

func (s *DirectoryStore) Session(id string) (api.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.records {
		if rec.id() == id {
			sess := rec.Session
			if rec.Pending {
				sess.ID = rec.TempID
			}
			return sess, true
		}
	}
	return api.Session{}, false
}

func (s *DirectoryStore) CurrentID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentID
}

func (s *DirectoryStore) LastDirectory() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastDirectory
}

func (s *DirectoryStore) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *DirectoryStore) Loading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loading
}

// SetCurrentSession selects a session and records it as the last selection
// for its directory.
func (s *DirectoryStore) SetCurrentSession(id string) {
	s.mu.Lock()
	s.currentID = id
	if id != "" {
		if dir := s.directoryForLocked(id); dir != "" {
			s.selections[NormalizeDirectory(dir)] = id
		}
	}
	s.persistLocked()
	s.mu.Unlock()
	s.publish()
}

// IsLocallyCreated reports whether this client created the session (used to
// suppress "new session appeared" treatment for our own optimistic inserts).
func (s *DirectoryStore) IsLocallyCreated(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.locallyCreated[id]
}

// WorktreeFor returns the worktree metadata recorded for a session.
func (s *DirectoryStore) WorktreeFor(sessionID string) (state.WorktreeMetadata, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	meta, ok := s.worktrees[sessionID]
	return meta, ok
}

func (s *DirectoryStore) SetWorktreeMetadata(sessionID string, meta state.WorktreeMetadata) {
	s.mu.Lock()
	s.worktrees[sessionID] = meta
	s.persistLocked()
	s.mu.Unlock()
	s.publish()
}

// DirectoryFor resolves the directory to scope remote calls for a session:
// worktree metadata path, then the session's own directory, then the last
// loaded directory. Empty means nothing is resolvable.
func (s *DirectoryStore) DirectoryFor(sessionID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.directoryForLocked(sessionID)
}

func (s *DirectoryStore) directoryForLocked(sessionID string) string {
	if meta, ok := s.worktrees[sessionID]; ok && strings.TrimSpace(meta.Path) != "" {
		return meta.Path
	}
	for _, rec := range s.records {
		if rec.id() == sessionID && strings.TrimSpace(rec.Session.Directory) != "" {
			return rec.Session.Directory
		}
	}
	return s.lastDirectory
}

// LoadSessions refreshes the session list for directory. For git
// repositories, sessions from every managed worktree under .openchamber are
// fetched in parallel and merged. Partial worktree-listing failures degrade
// to the parent directory alone.
func (s *DirectoryStore) LoadSessions(ctx context.Context, directory string) error {
	dir := NormalizeDirectory(directory)
	if dir == "" {
		return errors.New("missing directory")
	}

	s.mu.Lock()
	prevDirectory := s.lastDirectory
	prevCurrent := s.currentID
	s.loading = true
	s.err = nil
	s.mu.Unlock()
	s.publish()

	dirs := []string{dir}
	if s.git != nil && s.git.IsRepository(dir) {
		trees, err := s.git.ListWorktrees(dir)
		if err != nil {
			s.log.Warn("worktree discovery failed", map[string]interface{}{"directory": dir, "error": err.Error()})
		}
		root := NormalizeDirectory(filepath.Join(dir, gitops.WorktreeRoot))
		for _, wt := range trees {
			p := NormalizeDirectory(wt.Path)
			if p != dir && strings.HasPrefix(p, root+"/") {
				dirs = append(dirs, p)
			}
		}
	}

	valid := map[string]bool{}
	for _, d := range dirs {
		valid[d] = true
	}

	type fetchResult struct {
		dir      string
		sessions []api.Session
		err      error
	}
	results := make([]fetchResult, len(dirs))
	var wg sync.WaitGroup
	for i, d := range dirs {
		wg.Add(1)
		go func(i int, d string) {
			defer wg.Done()
			sessions, err := s.client.ListSessions(ctx, d)
			results[i] = fetchResult{dir: d, sessions: sessions, err: err}
		}(i, d)
	}
	wg.Wait()

	// The parent directory fetch is authoritative; its failure fails the
	// load. Worktree fetch failures are tolerated.
	if results[0].err != nil {
		s.mu.Lock()
		s.loading = false
		s.err = fmt.Errorf("loading sessions for %s: %w", dir, results[0].err)
		err := s.err
		s.mu.Unlock()
		s.publish()
		return err
	}

	merged := make([]api.Session, 0, len(results[0].sessions))
	seen := map[string]bool{}
	for _, res := range results {
		if res.err != nil {
			s.log.Warn("worktree session fetch failed", map[string]interface{}{"directory": res.dir, "error": res.err.Error()})
			continue
		}
		for _, sess := range res.sessions {
			sessDir := NormalizeDirectory(sess.Directory)
			if sessDir == "" {
				sessDir = res.dir
				sess.Directory = res.dir
			}
			if !valid[sessDir] || seen[sess.ID] {
				continue
			}
			seen[sess.ID] = true
			merged = append(merged, sess)
		}
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Time.Updated > merged[j].Time.Updated
	})

	current, refetched := s.resolveCurrent(ctx, dir, prevDirectory, prevCurrent, seen)
	if refetched != nil {
		merged = append(merged, *refetched)
		seen[refetched.ID] = true
	}

	s.mu.Lock()
	s.records = s.records[:0]
	for _, sess := range merged {
		s.records = append(s.records, sessionRecord{Session: sess})
	}
	if current != "" && !seen[current] {
		current = ""
	}
	if current == "" && len(merged) > 0 {
		current = merged[0].ID
	}
	s.currentID = current
	s.lastDirectory = dir
	s.pruneSelectionsLocked(dir, seen)
	s.loading = false
	s.persistLocked()
	s.mu.Unlock()
	s.publish()
	return nil
}

// resolveCurrent applies the selection rules: on a directory change, restore
// the remembered selection for that directory (or fall back to first); on an
// unchanged directory, preserve the current selection, re-fetching it
// individually if it vanished from the list before giving up.
func (s *DirectoryStore) resolveCurrent(ctx context.Context, dir, prevDirectory, prevCurrent string, seen map[string]bool) (string, *api.Session) {
	if dir != prevDirectory {
		s.mu.Lock()
		remembered := s.selections[dir]
		s.mu.Unlock()
		if remembered != "" && seen[remembered] {
			return remembered, nil
		}
		return "", nil
	}
	if prevCurrent == "" || seen[prevCurrent] {
		return prevCurrent, nil
	}
	if sess, err := s.client.GetSession(ctx, dir, prevCurrent); err == nil && sess.ID == prevCurrent {
		return prevCurrent, &sess
	}
	return "", nil
}

func (s *DirectoryStore) pruneSelectionsLocked(dir string, live map[string]bool) {
	if sid, ok := s.selections[dir]; ok && !live[sid] {
		delete(s.selections, dir)
	}
	if s.currentID != "" {
		s.selections[dir] = s.currentID
	}
}

// CreateSession inserts an optimistic placeholder immediately and issues the
// create against the service. The caller can navigate to the returned temp id
// before the network settles; the placeholder is reconciled to the real
// record in place once the service confirms, or rolled back after the polling
// fallback gives up.
func (s *DirectoryStore) CreateSession(ctx context.Context, directory, title, parentID string) (api.Session, error) {
	dir := NormalizeDirectory(directory)
	if dir == "" {
		dir = s.LastDirectory()
	}
	if dir == "" {
		return api.Session{}, errors.New("no directory resolvable for session create")
	}

	tempID := "temp_" + uuid.NewString()
	placeholder := api.Session{
		ID:        tempID,
		Title:     title,
		Directory: dir,
		ParentID:  parentID,
		Time:      api.SessionTime{Created: s.now().UnixMilli(), Updated: s.now().UnixMilli()},
	}

	s.mu.Lock()
	priorIDs := map[string]bool{}
	for _, rec := range s.records {
		priorIDs[rec.id()] = true
	}
	prevCurrent := s.currentID
	s.records = append([]sessionRecord{{Pending: true, TempID: tempID, Session: placeholder}}, s.records...)
	s.locallyCreated[tempID] = true
	s.currentID = tempID
	s.mu.Unlock()
	s.publish()

	created, err := s.client.CreateSession(ctx, dir, title, parentID)
	if err == nil {
		s.reconcileCreated(tempID, created, dir)
		return created, nil
	}

	// The create call failed or timed out; the session may still have been
	// created server-side. Poll the list for a new session matching the
	// title before rolling back.
	if found, ok := s.pollForCreatedSession(ctx, dir, title, priorIDs); ok {
		s.reconcileCreated(tempID, found, dir)
		return found, nil
	}

	s.mu.Lock()
	s.removeRecordLocked(tempID)
	delete(s.locallyCreated, tempID)
	if s.currentID == tempID {
		s.currentID = prevCurrent
	}
	s.err = fmt.Errorf("creating session: %w", err)
	s.persistLocked()
	s.mu.Unlock()
	s.publish()
	return api.Session{}, err
}

// reconcileCreated replaces the pending record with the confirmed one at the
// same list position and migrates the locally-created marker and selection.
func (s *DirectoryStore) reconcileCreated(tempID string, created api.Session, dir string) {
	if NormalizeDirectory(created.Directory) == "" {
		created.Directory = dir
	}
	s.mu.Lock()
	for i, rec := range s.records {
		if rec.Pending && rec.TempID == tempID {
			s.records[i] = sessionRecord{Session: created}
			break
		}
	}
	delete(s.locallyCreated, tempID)
	s.locallyCreated[created.ID] = true
	if s.currentID == tempID {
		s.currentID = created.ID
	}
	s.selections[NormalizeDirectory(created.Directory)] = created.ID
	s.persistLocked()
	s.mu.Unlock()
	s.publish()
}

func (s *DirectoryStore) pollForCreatedSession(ctx context.Context, dir, title string, priorIDs map[string]bool) (api.Session, bool) {
	for attempt := 0; attempt < s.pollAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return api.Session{}, false
		case <-time.After(s.pollInterval):
		}
		sessions, err := s.client.ListSessions(ctx, dir)
		if err != nil {
			continue
		}
		for _, sess := range sessions {
			if priorIDs[sess.ID] {
				continue
			}
			if strings.TrimSpace(title) != "" && sess.Title != title {
				continue
			}
			return sess, true
		}
	}
	return api.Session{}, false
}

func (s *DirectoryStore) removeRecordLocked(id string) {
	for i, rec := range s.records {
		if rec.id() == id {
			s.records = append(s.records[:i], s.records[i+1:]...)
			return
		}
	}
}

// RemoveLocal drops a session from the resident list without a remote
// delete, for sessions the service reports as gone.
func (s *DirectoryStore) RemoveLocal(id string) {
	s.mu.Lock()
	s.removeRecordLocked(id)
	delete(s.locallyCreated, id)
	delete(s.worktrees, id)
	for dir, sid := range s.selections {
		if sid == id {
			delete(s.selections, dir)
		}
	}
	if s.currentID == id {
		s.currentID = ""
	}
	s.persistLocked()
	s.mu.Unlock()
	s.publish()
}

// UpdateSessionTitle renames a session through the service and mirrors the
// confirmed record.
func (s *DirectoryStore) UpdateSessionTitle(ctx context.Context, id, title string) error {
	dir := s.DirectoryFor(id)
	updated, err := s.client.UpdateSessionTitle(ctx, dir, id, title)
	if err != nil {
		return fmt.Errorf("renaming session: %w", err)
	}
	s.replaceSession(updated)
	return nil
}

// ShareSession and UnshareSession toggle the session's public share link.
func (s *DirectoryStore) ShareSession(ctx context.Context, id string) (api.Session, error) {
	updated, err := s.client.ShareSession(ctx, s.DirectoryFor(id), id)
	if err != nil {
		return api.Session{}, fmt.Errorf("sharing session: %w", err)
	}
	s.replaceSession(updated)
	return updated, nil
}

func (s *DirectoryStore) UnshareSession(ctx context.Context, id string) (api.Session, error) {
	updated, err := s.client.UnshareSession(ctx, s.DirectoryFor(id), id)
	if err != nil {
		return api.Session{}, fmt.Errorf("unsharing session: %w", err)
	}
	s.replaceSession(updated)
	return updated, nil
}

// replaceSession mirrors a server-confirmed record into the list, appending
// when unseen.
func (s *DirectoryStore) replaceSession(sess api.Session) {
	s.mu.Lock()
	found := false
	for i, rec := range s.records {
		if !rec.Pending && rec.Session.ID == sess.ID {
			s.records[i].Session = sess
			found = true
			break
		}
	}
	if !found {
		s.records = append(s.records, sessionRecord{Session: sess})
	}
	s.persistLocked()
	s.mu.Unlock()
	s.publish()
}

// DeleteSession deletes one session, optionally archiving its worktree
// first. Archiving is best-effort.
func (s *DirectoryStore) DeleteSession(ctx context.Context, id string, archiveWorktree bool) error {
	res := s.DeleteSessions(ctx, []string{id}, archiveWorktree)
	if len(res.FailedIDs) > 0 {
		return fmt.Errorf("deleting session %s failed", id)
	}
	return nil
}

// DeleteSessions deletes many sessions, reporting per-id outcomes. The
// current-session pointer is cleared only when it was among the deleted.
func (s *DirectoryStore) DeleteSessions(ctx context.Context, ids []string, archiveWorktrees bool) BulkDeleteResult {
	var res BulkDeleteResult
	for _, id := range ids {
		if archiveWorktrees {
			if meta, ok := s.WorktreeFor(id); ok && s.git != nil {
				if err := s.git.ArchiveWorktree(meta.ProjectDirectory, meta.Path); err != nil {
					s.log.Warn("worktree archive failed", map[string]interface{}{"sessionID": id, "error": err.Error()})
				}
			}
		}
		if err := s.client.DeleteSession(ctx, s.DirectoryFor(id), id); err != nil {
			s.log.Error("session delete failed", map[string]interface{}{"sessionID": id, "error": err.Error()})
			res.FailedIDs = append(res.FailedIDs, id)
			continue
		}
		res.DeletedIDs = append(res.DeletedIDs, id)
	}

	if len(res.DeletedIDs) == 0 {
		return res
	}
	deleted := map[string]bool{}
	for _, id := range res.DeletedIDs {
		deleted[id] = true
	}
	s.mu.Lock()
	kept := s.records[:0]
	for _, rec := range s.records {
		if !deleted[rec.id()] {
			kept = append(kept, rec)
		}
	}
	s.records = kept
	for id := range deleted {
		delete(s.locallyCreated, id)
		delete(s.worktrees, id)
	}
	for dir, sid := range s.selections {
		if deleted[sid] {
			delete(s.selections, dir)
		}
	}
	if deleted[s.currentID] {
		s.currentID = ""
	}
	s.persistLocked()
	s.mu.Unlock()
	s.publish()
	return res
}
