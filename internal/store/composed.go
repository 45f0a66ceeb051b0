package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wojons/openchamber/internal/api"
	"github.com/wojons/openchamber/internal/logging"
)

// ActivityPhase is a session's coarse activity state as seen by the UI.
type ActivityPhase string

const (
	ActivityIdle     ActivityPhase = "idle"
	ActivityBusy     ActivityPhase = "busy"
	ActivityCooldown ActivityPhase = "cooldown"
)

// abortSuppressionWindow blocks auto-send right after a user-initiated
// abort, so queued messages do not fire back immediately.
const abortSuppressionWindow = 2 * time.Second

// ErrSendInFlight is returned when a session already has an unresolved send.
var ErrSendInFlight = errors.New("session already has a send in flight")

// QueuedMessage is one message waiting to be folded into the next send.
type QueuedMessage struct {
	ID    string
	Text  string
	Files []AttachedFile
}

// Draft is a not-yet-materialized session: compose now, create the session
// lazily on first send.
type Draft struct {
	DirectoryOverride string
	// Pinned means the directory was chosen explicitly and must not follow
	// global working-directory changes.
	Pinned   bool
	ParentID string
	Title    string
	Agent    string
}

type abortPrompt struct {
	sessionID string
	expiresAt time.Time
}

// SendOptions are the inputs to one send.
type SendOptions struct {
	// SessionID may be empty: the draft (when open) or the current session
	// is used.
	SessionID string
	Agent     string
	Model     ModelSelection
	// Parts is the already-flattened request: first primary, rest
	// additional. Build it with ComposeOutgoing.
	Parts []api.OutgoingPart
	// attachments carried by Parts, kept for restore on hard failure
	Attachments []AttachedFile
}

// Composed unifies the directory, message, file, context, and permission
// stores behind one interface and owns the session lifecycle protocols:
// draft state machine, send, queueing, abort, auto-send, and revert.
type Composed struct {
	mu sync.Mutex

	client api.Client
	dirs   *DirectoryStore
	msgs   *MessageStore
	files  *FileStore
	ctxs   *ContextStore
	perms  *PermissionStore
	bus    *Bus
	log    *logging.Logger

	defaultAgentName string
	agents           []api.Agent

	draft        *Draft
	workingDir   string
	queued       map[string][]QueuedMessage
	phases       map[string]ActivityPhase
	inflight     map[string]context.CancelFunc
	abortedAt    map[string]time.Time
	prompt       *abortPrompt
	pendingInput string
	autoFiring   map[string]bool

	now func() time.Time
	// autoSendFn runs the auto-send; swappable in tests.
	autoSendFn func(sessionID string)
}

func NewComposed(client api.Client, dirs *DirectoryStore, msgs *MessageStore, files *FileStore, ctxs *ContextStore, perms *PermissionStore, bus *Bus, log *logging.Logger, defaultAgent string) *Composed {
	c := &Composed{
		client:           client,
		dirs:             dirs,
		msgs:             msgs,
		files:            files,
		ctxs:             ctxs,
		perms:            perms,
		bus:              bus,
		log:              log,
		defaultAgentName: defaultAgent,
		queued:           map[string][]QueuedMessage{},
		phases:           map[string]ActivityPhase{},
		inflight:         map[string]context.CancelFunc{},
		abortedAt:        map[string]time.Time{},
		autoFiring:       map[string]bool{},
		now:              time.Now,
	}
	c.autoSendFn = c.runAutoSend
	return c
}

// ---- draft state machine ----

// OpenDraft enters the new-session draft: no session is active while the
// user composes, and a default agent is preselected.
func (c *Composed) OpenDraft(directoryOverride, parentID string) {
	pinned := strings.TrimSpace(directoryOverride) != ""
	c.mu.Lock()
	dir := directoryOverride
	if !pinned {
		dir = c.workingDir
	}
	c.draft = &Draft{
		DirectoryOverride: NormalizeDirectory(dir),
		Pinned:            pinned,
		ParentID:          parentID,
		Agent:             c.pickDefaultAgentLocked(),
	}
	c.mu.Unlock()
	c.bus.Publish(Notice{Topic: TopicDraft})
}

func (c *Composed) CloseDraft() {
	c.mu.Lock()
	c.draft = nil
	c.mu.Unlock()
	c.bus.Publish(Notice{Topic: TopicDraft})
}

func (c *Composed) DraftOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.draft != nil
}

func (c *Composed) DraftState() (Draft, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.draft == nil {
		return Draft{}, false
	}
	return *c.draft, true
}

// pickDefaultAgentLocked resolves the draft's starting agent: configured
// default, then an agent named "build", then the first visible agent.
func (c *Composed) pickDefaultAgentLocked() string {
	visible := func(name string) bool {
		for _, a := range c.agents {
			if a.Name == name && !a.Hidden {
				return true
			}
		}
		return false
	}
	if c.defaultAgentName != "" && visible(c.defaultAgentName) {
		return c.defaultAgentName
	}
	if visible("build") {
		return "build"
	}
	for _, a := range c.agents {
		if !a.Hidden {
			return a.Name
		}
	}
	return c.defaultAgentName
}

// LoadAgents refreshes the agent catalog from the service.
func (c *Composed) LoadAgents(ctx context.Context) error {
	agents, err := c.client.ListAgents(ctx, c.WorkingDirectory())
	if err != nil {
		return fmt.Errorf("loading agents: %w", err)
	}
	c.mu.Lock()
	c.agents = agents
	c.mu.Unlock()
	return nil
}

// LoadModels fetches the model catalog and feeds the context store so
// usage computation knows each model's context limit.
func (c *Composed) LoadModels(ctx context.Context) error {
	models, err := c.client.ListModels(ctx, c.WorkingDirectory())
	if err != nil {
		return fmt.Errorf("loading models: %w", err)
	}
	c.ctxs.SetModelCatalog(models)
	return nil
}

// SetWorkingDirectory records the global working directory. An open draft
// without a pinned directory follows the change.
func (c *Composed) SetWorkingDirectory(dir string) {
	dir = NormalizeDirectory(dir)
	c.mu.Lock()
	c.workingDir = dir
	if c.draft != nil && !c.draft.Pinned {
		c.draft.DirectoryOverride = dir
	}
	c.mu.Unlock()
	c.bus.Publish(Notice{Topic: TopicDraft})
}

func (c *Composed) WorkingDirectory() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.workingDir
}

// CurrentSessionID is the facade's view of the active session. While a draft
// is open no session is active, whatever the underlying store remembers.
func (c *Composed) CurrentSessionID() string {
	c.mu.Lock()
	drafting := c.draft != nil
	c.mu.Unlock()
	if drafting {
		return ""
	}
	return c.dirs.CurrentID()
}

// SetCurrentSession closes any open draft, selects the session, and touches
// its message buffer. The abort prompt does not survive a session switch.
func (c *Composed) SetCurrentSession(id string) {
	// Pin the leaving session's viewport to its tail so background trim
	// has a real anchor to trail from.
	if prev := c.dirs.CurrentID(); prev != "" && prev != id {
		if n := len(c.msgs.Messages(prev)); n > 0 {
			c.msgs.UpdateViewportAnchor(prev, n-1)
		}
	}
	c.mu.Lock()
	c.draft = nil
	if c.prompt != nil && c.prompt.sessionID != id {
		c.prompt = nil
	}
	c.mu.Unlock()
	c.dirs.SetCurrentSession(id)
	c.msgs.Touch(id)
	c.bus.Publish(Notice{Topic: TopicDraft})
}

// ---- queueing ----

// QueueMessage appends a message to a session's FIFO queue, to be folded
// into the next send.
func (c *Composed) QueueMessage(sessionID, text string, files []AttachedFile) QueuedMessage {
	qm := QueuedMessage{ID: uuid.NewString(), Text: text, Files: files}
	c.mu.Lock()
	c.queued[sessionID] = append(c.queued[sessionID], qm)
	c.mu.Unlock()
	c.bus.Publish(Notice{Topic: TopicMessages, SessionID: sessionID})
	return qm
}

func (c *Composed) QueuedMessages(sessionID string) []QueuedMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]QueuedMessage, len(c.queued[sessionID]))
	copy(out, c.queued[sessionID])
	return out
}

func (c *Composed) takeQueue(sessionID string) []QueuedMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	q := c.queued[sessionID]
	delete(c.queued, sessionID)
	return q
}

// ComposeOutgoing flattens the session's queue, the live input, and the
// staged attachments into one request. The first queued message (with any
// leading @agent mention stripped and reported) becomes the primary part;
// every later queued message and the live input become additional parts, in
// that order. An empty result means the send is a no-op. The queue and the
// staged attachments are consumed.
func (c *Composed) ComposeOutgoing(sessionID, liveText string) (parts []api.OutgoingPart, attachments []AttachedFile, mention string) {
	queue := c.takeQueue(sessionID)
	liveFiles := c.files.Take()

	appendPart := func(text string, files []AttachedFile) {
		text = strings.TrimSpace(text)
		if text == "" && len(files) == 0 {
			return
		}
		part := api.OutgoingPart{Text: text}
		for _, f := range files {
			part.Files = append(part.Files, f.outgoing())
			attachments = append(attachments, f)
		}
		parts = append(parts, part)
	}

	if len(queue) > 0 {
		first := queue[0]
		name, rest := parseAgentMention(first.Text)
		mention = name
		appendPart(rest, first.Files)
		for _, qm := range queue[1:] {
			appendPart(qm.Text, qm.Files)
		}
		appendPart(liveText, liveFiles)
		return parts, attachments, mention
	}

	name, rest := parseAgentMention(liveText)
	mention = name
	appendPart(rest, liveFiles)
	return parts, attachments, mention
}

// parseAgentMention splits a leading "@name" token off the text.
func parseAgentMention(text string) (agent, rest string) {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "@") {
		return "", text
	}
	fields := strings.SplitN(trimmed, " ", 2)
	name := strings.TrimPrefix(fields[0], "@")
	if name == "" {
		return "", text
	}
	if len(fields) == 2 {
		return name, fields[1]
	}
	return name, ""
}

// ---- send protocol ----

// SendMessage materializes the draft if one is open, resolves the effective
// agent and model, marks the session busy, and performs the send. An empty
// request is a no-op. State cleanup on failure happens here; caller decides
// user-facing messaging for hard failures.
func (c *Composed) SendMessage(ctx context.Context, opts SendOptions) error {
	if len(opts.Parts) == 0 {
		return nil
	}

	c.mu.Lock()
	draft := c.draft
	c.mu.Unlock()

	if draft != nil {
		return c.sendForDraft(ctx, *draft, opts)
	}

	sessionID := opts.SessionID
	if sessionID == "" {
		sessionID = c.dirs.CurrentID()
	}
	if sessionID == "" {
		return errors.New("no session selected")
	}

	// Effective agent: the session's saved agent wins, then the explicit
	// option, then the configured default.
	agent := c.ctxs.Agent(sessionID)
	if agent == "" {
		agent = opts.Agent
	}
	if agent == "" {
		c.mu.Lock()
		agent = c.pickDefaultAgentLocked()
		c.mu.Unlock()
	}
	c.ctxs.SetAgent(sessionID, agent)

	directory := c.dirs.DirectoryFor(sessionID)
	return c.deliver(ctx, sessionID, directory, agent, opts)
}

// sendForDraft materializes the drafted session, persists the agent/model
// selection against the new id, closes the draft, and delegates the send.
func (c *Composed) sendForDraft(ctx context.Context, draft Draft, opts SendOptions) error {
	directory := draft.DirectoryOverride
	if directory == "" {
		directory = c.WorkingDirectory()
	}
	if directory == "" {
		return errors.New("no directory resolvable for draft send")
	}

	sess, err := c.dirs.CreateSession(ctx, directory, draft.Title, draft.ParentID)
	if err != nil {
		return fmt.Errorf("materializing draft session: %w", err)
	}

	agent := opts.Agent
	if agent == "" {
		agent = draft.Agent
	}
	if agent == "" {
		c.mu.Lock()
		agent = c.pickDefaultAgentLocked()
		c.mu.Unlock()
	}
	c.ctxs.SetAgent(sess.ID, agent)
	if opts.Model != (ModelSelection{}) {
		c.ctxs.SetModel(sess.ID, agent, opts.Model)
	}
	c.CloseDraft()
	c.dirs.SetCurrentSession(sess.ID)

	return c.deliver(ctx, sess.ID, sess.Directory, agent, opts)
}

// deliver performs the network send with one in-flight request per session
// and the soft/hard failure split: soft failures are swallowed (the send may
// have landed server-side), hard failures restore attachments and propagate.
func (c *Composed) deliver(ctx context.Context, sessionID, directory, agent string, opts SendOptions) error {
	model := opts.Model
	if model == (ModelSelection{}) {
		model, _ = c.ctxs.Model(sessionID, agent)
	}

	c.mu.Lock()
	if _, exists := c.inflight[sessionID]; exists {
		c.mu.Unlock()
		return ErrSendInFlight
	}
	sendCtx, cancel := context.WithCancel(ctx)
	c.inflight[sessionID] = cancel
	c.mu.Unlock()
	c.setPhase(sessionID, ActivityBusy)

	req := api.SendRequest{
		SessionID:  sessionID,
		ProviderID: model.ProviderID,
		ModelID:    model.ModelID,
		Agent:      agent,
		Parts:      opts.Parts,
	}
	_, err := c.client.SendMessage(sendCtx, directory, req)

	c.mu.Lock()
	if cur, ok := c.inflight[sessionID]; ok {
		cur()
		delete(c.inflight, sessionID)
	}
	c.mu.Unlock()

	if err == nil {
		return nil
	}
	c.setPhase(sessionID, ActivityIdle)
	if api.IsSoft(err) {
		// Presumed still in flight server-side: no error surfaced, no
		// attachment restore.
		c.log.Warn("send failed softly", map[string]interface{}{"sessionID": sessionID, "error": err.Error()})
		return nil
	}
	c.files.Restore(opts.Attachments)
	return fmt.Errorf("sending message: %w", err)
}

// ---- abort protocol ----

// ArmAbortPrompt opens a confirm-again-to-abort window for the current
// session.
func (c *Composed) ArmAbortPrompt(duration time.Duration) {
	sid := c.CurrentSessionID()
	if sid == "" {
		return
	}
	c.mu.Lock()
	c.prompt = &abortPrompt{sessionID: sid, expiresAt: c.now().Add(duration)}
	c.mu.Unlock()
}

func (c *Composed) ClearAbortPrompt() {
	c.mu.Lock()
	c.prompt = nil
	c.mu.Unlock()
}

// AbortPromptArmed reports whether the prompt is live for the current
// session.
func (c *Composed) AbortPromptArmed() bool {
	sid := c.CurrentSessionID()
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.prompt != nil && c.prompt.sessionID == sid && c.now().Before(c.prompt.expiresAt)
}

// AbortCurrentOperation cancels the in-flight send for the current session
// and records the abort time; auto-send stays suppressed for the window.
func (c *Composed) AbortCurrentOperation(ctx context.Context) error {
	sid := c.CurrentSessionID()
	if sid == "" {
		return nil
	}
	c.mu.Lock()
	if cancel, ok := c.inflight[sid]; ok {
		cancel()
		delete(c.inflight, sid)
	}
	c.abortedAt[sid] = c.now()
	c.prompt = nil
	c.mu.Unlock()

	err := c.client.AbortSession(ctx, c.dirs.DirectoryFor(sid), sid)
	c.setPhase(sid, ActivityIdle)
	if err != nil {
		return fmt.Errorf("aborting session %s: %w", sid, err)
	}
	return nil
}

// ---- activity / auto-send ----

func (c *Composed) Phase(sessionID string) ActivityPhase {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.phases[sessionID]; ok {
		return p
	}
	return ActivityIdle
}

// setPhase records the transition and, on busy/cooldown→idle, considers one
// automatic send of the queued messages.
func (c *Composed) setPhase(sessionID string, phase ActivityPhase) {
	c.mu.Lock()
	prev, ok := c.phases[sessionID]
	if !ok {
		prev = ActivityIdle
	}
	c.phases[sessionID] = phase
	c.mu.Unlock()
	c.bus.Publish(Notice{Topic: TopicActivity, SessionID: sessionID})

	if phase == ActivityIdle && (prev == ActivityBusy || prev == ActivityCooldown) {
		c.maybeAutoSend(sessionID)
	}
}

// maybeAutoSend fires exactly one send when a session goes idle with queued
// messages, unless the session was aborted within the suppression window. A
// single-shot flag guards against overlapping phase-change events.
func (c *Composed) maybeAutoSend(sessionID string) {
	c.mu.Lock()
	eligible := len(c.queued[sessionID]) > 0 &&
		c.now().Sub(c.abortedAt[sessionID]) >= abortSuppressionWindow &&
		!c.autoFiring[sessionID]
	if eligible {
		c.autoFiring[sessionID] = true
	}
	c.mu.Unlock()
	if eligible {
		c.autoSendFn(sessionID)
	}
}

func (c *Composed) runAutoSend(sessionID string) {
	go func() {
		defer func() {
			c.mu.Lock()
			delete(c.autoFiring, sessionID)
			c.mu.Unlock()
		}()
		parts, attachments, mention := c.ComposeOutgoing(sessionID, "")
		if len(parts) == 0 {
			return
		}
		err := c.SendMessage(context.Background(), SendOptions{
			SessionID:   sessionID,
			Agent:       mention,
			Parts:       parts,
			Attachments: attachments,
		})
		if err != nil {
			c.log.Error("auto-send failed", map[string]interface{}{"sessionID": sessionID, "error": err.Error()})
		}
	}()
}

// ---- revert ----

// RevertToMessage rewinds a session to just before messageID. The target
// user message's text is stashed as pending input so the composer can
// repopulate; TakePendingInput consumes it once.
func (c *Composed) RevertToMessage(ctx context.Context, sessionID, messageID string) error {
	var extracted string
	for _, msg := range c.msgs.Messages(sessionID) {
		if msg.Info.ID == messageID && msg.Info.Role == api.RoleUser {
			var texts []string
			for _, part := range msg.Parts {
				if part.Type == api.PartText && !part.Synthetic && strings.TrimSpace(part.Text) != "" {
					texts = append(texts, part.Text)
				}
			}
			extracted = strings.Join(texts, "\n")
			break
		}
	}

	sess, err := c.client.RevertSession(ctx, c.dirs.DirectoryFor(sessionID), sessionID, messageID)
	if err != nil {
		return fmt.Errorf("reverting session %s: %w", sessionID, err)
	}
	c.dirs.replaceSession(sess)

	marker := messageID
	if sess.Revert != nil && sess.Revert.MessageID != "" {
		marker = sess.Revert.MessageID
	}
	c.msgs.TruncateFromMessage(sessionID, marker)

	c.mu.Lock()
	c.pendingInput = extracted
	c.mu.Unlock()
	return nil
}

// TakePendingInput returns the stashed revert text once.
func (c *Composed) TakePendingInput() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pendingInput == "" {
		return "", false
	}
	text := c.pendingInput
	c.pendingInput = ""
	return text, true
}

// ---- session removal ----

// DeleteSessions removes sessions and drops every per-session slice across
// the composed stores.
func (c *Composed) DeleteSessions(ctx context.Context, ids []string, archiveWorktrees bool) BulkDeleteResult {
	res := c.dirs.DeleteSessions(ctx, ids, archiveWorktrees)
	for _, id := range res.DeletedIDs {
		c.msgs.Drop(id)
		c.ctxs.Drop(id)
		c.perms.Drop(id)
		c.mu.Lock()
		delete(c.queued, id)
		delete(c.phases, id)
		delete(c.abortedAt, id)
		c.mu.Unlock()
	}
	return res
}

// ---- event routing ----

// HandleEvent routes one frame from the service event stream into the
// owning store.
func (c *Composed) HandleEvent(evt api.Event) {
	switch evt.Type {
	case api.EventMessagePartUpdated:
		var payload api.MessagePartPayload
		if err := json.Unmarshal(evt.Properties, &payload); err != nil {
			return
		}
		sid := payload.Part.SessionID
		c.msgs.AddStreamingPart(sid, payload.Part.MessageID, payload.Part, payload.Role, c.CurrentSessionID())
		if payload.Role == api.RoleAssistant {
			c.setPhase(sid, ActivityBusy)
		}
	case api.EventMessageUpdated:
		var payload api.MessagePayload
		if err := json.Unmarshal(evt.Properties, &payload); err != nil {
			return
		}
		if payload.Info.Time.Completed != 0 {
			c.msgs.CompleteStreamingMessage(payload.Info.SessionID, payload.Info.ID)
			c.setPhase(payload.Info.SessionID, ActivityCooldown)
		}
	case api.EventSessionUpdated:
		var payload api.SessionPayload
		if err := json.Unmarshal(evt.Properties, &payload); err != nil {
			return
		}
		c.dirs.replaceSession(payload.Info)
	case api.EventSessionDeleted:
		var payload api.SessionIDPayload
		if err := json.Unmarshal(evt.Properties, &payload); err != nil {
			return
		}
		c.dirs.RemoveLocal(payload.SessionID)
		c.msgs.Drop(payload.SessionID)
		c.perms.Drop(payload.SessionID)
	case api.EventSessionIdle:
		var payload api.SessionIDPayload
		if err := json.Unmarshal(evt.Properties, &payload); err != nil {
			return
		}
		c.setPhase(payload.SessionID, ActivityIdle)
	case api.EventPermissionUpdated:
		var payload api.PermissionPayload
		if err := json.Unmarshal(evt.Properties, &payload); err != nil {
			return
		}
		c.perms.Add(payload.Permission)
	}
}

// Run pumps an event channel until it closes or ctx ends, applying memory
// bounding after each batch of activity.
func (c *Composed) Run(ctx context.Context, events <-chan api.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			c.HandleEvent(evt)
			cur := c.CurrentSessionID()
			c.msgs.EvictLeastRecentlyUsed(cur)
			c.msgs.TrimBackground(cur)
		}
	}
}
