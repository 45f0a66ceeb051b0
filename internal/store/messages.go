package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/wojons/openchamber/internal/api"
	"github.com/wojons/openchamber/internal/logging"
)

const (
	defaultMaxResidentSessions = 3
	defaultViewportWindow      = 60
	defaultStreamCooldown      = 1500 * time.Millisecond
)

type StreamPhase string

const (
	PhaseStreaming StreamPhase = "streaming"
	PhaseCooldown  StreamPhase = "cooldown"
	PhaseCompleted StreamPhase = "completed"
)

// StreamLifecycle tracks one in-flight assistant message. The cooldown phase
// absorbs trailing out-of-order parts before completion is declared.
type StreamLifecycle struct {
	Phase        StreamPhase
	StartedAt    time.Time
	LastUpdateAt time.Time
	CompletedAt  time.Time
}

// SessionMemory governs which message window stays materialized for a
// session.
type SessionMemory struct {
	ViewportAnchor         int
	IsStreaming            bool
	LastAccessedAt         time.Time
	BackgroundMessageCount int
	IsZombie               bool
	TrimmedHeadMaxID       string
	HasMoreAbove           bool
}

type LoadDirection string

const (
	LoadUp   LoadDirection = "up"
	LoadDown LoadDirection = "down"
)

// MessageStore owns per-session message buffers and bounds their memory:
// background sessions get trimmed to a viewport window and the least
// recently used buffers beyond the resident limit are evicted entirely.
// The active session and any session mid-stream are exempt from both.
type MessageStore struct {
	mu sync.Mutex

	client api.Client
	bus    *Bus
	log    *logging.Logger

	buffers    map[string][]api.Message
	memory     map[string]*SessionMemory
	lifecycles map[string]map[string]*StreamLifecycle

	maxResident    int
	viewportWindow int
	cooldown       time.Duration
	now            func() time.Time
}

func NewMessageStore(client api.Client, bus *Bus, log *logging.Logger) *MessageStore {
	return &MessageStore{
		client:         client,
		bus:            bus,
		log:            log,
		buffers:        map[string][]api.Message{},
		memory:         map[string]*SessionMemory{},
		lifecycles:     map[string]map[string]*StreamLifecycle{},
		maxResident:    defaultMaxResidentSessions,
		viewportWindow: defaultViewportWindow,
		cooldown:       defaultStreamCooldown,
		now:            time.Now,
	}
}

// SetLimits overrides the resident-session and viewport bounds.
func (s *MessageStore) SetLimits(maxResident, viewportWindow int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if maxResident > 0 {
		s.maxResident = maxResident
	}
	if viewportWindow > 0 {
		s.viewportWindow = viewportWindow
	}
}

func (s *MessageStore) publish(sessionID string) {
	s.bus.Publish(Notice{Topic: TopicMessages, SessionID: sessionID})
}

func (s *MessageStore) memoryLocked(sessionID string) *SessionMemory {
	mem, ok := s.memory[sessionID]
	if !ok {
		// Anchor -1 means "never recorded": trim treats it as the tail.
		mem = &SessionMemory{ViewportAnchor: -1}
		s.memory[sessionID] = mem
	}
	return mem
}

// Messages returns the resident buffer for a session.
func (s *MessageStore) Messages(sessionID string) []api.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.buffers[sessionID]
	out := make([]api.Message, len(msgs))
	copy(out, msgs)
	return out
}

// Memory returns a copy of the session's memory state.
func (s *MessageStore) Memory(sessionID string) SessionMemory {
	s.mu.Lock()
	defer s.mu.Unlock()
	if mem, ok := s.memory[sessionID]; ok {
		return *mem
	}
	return SessionMemory{ViewportAnchor: -1}
}

// Touch records access, clearing the background counter.
func (s *MessageStore) Touch(sessionID string) {
	s.mu.Lock()
	mem := s.memoryLocked(sessionID)
	mem.LastAccessedAt = s.now()
	mem.BackgroundMessageCount = 0
	s.mu.Unlock()
}

// LoadMessages fully replaces a session's buffer from the service. Clears
// the zombie flag.
func (s *MessageStore) LoadMessages(ctx context.Context, directory, sessionID string) error {
	msgs, err := s.client.ListMessages(ctx, directory, sessionID)
	if err != nil {
		return fmt.Errorf("loading messages for %s: %w", sessionID, err)
	}
	s.SyncMessages(sessionID, msgs)
	return nil
}

// SyncMessages replaces the buffer wholesale. Used after server-confirmed
// mutations so no stale state survives.
func (s *MessageStore) SyncMessages(sessionID string, msgs []api.Message) {
	s.mu.Lock()
	s.buffers[sessionID] = msgs
	mem := s.memoryLocked(sessionID)
	mem.IsZombie = false
	mem.TrimmedHeadMaxID = ""
	mem.HasMoreAbove = false
	mem.LastAccessedAt = s.now()
	s.mu.Unlock()
	s.publish(sessionID)
}

// AddStreamingPart appends or updates one part of an assistant message,
// creating the message entry when absent. Idempotent per part id; later
// deliveries win.
func (s *MessageStore) AddStreamingPart(sessionID, messageID string, part api.Part, role api.MessageRole, currentSessionID string) {
	now := s.now()

	s.mu.Lock()
	msgs := s.buffers[sessionID]
	idx := -1
	for i := range msgs {
		if msgs[i].Info.ID == messageID {
			idx = i
			break
		}
	}
	if idx < 0 {
		msgs = append(msgs, api.Message{
			Info: api.MessageInfo{
				ID:        messageID,
				SessionID: sessionID,
				Role:      role,
				Time:      api.MessageTime{Created: now.UnixMilli()},
			},
		})
		idx = len(msgs) - 1
	}
	replaced := false
	for i := range msgs[idx].Parts {
		if msgs[idx].Parts[i].ID == part.ID {
			msgs[idx].Parts[i] = part
			replaced = true
			break
		}
	}
	if !replaced {
		msgs[idx].Parts = append(msgs[idx].Parts, part)
	}
	s.buffers[sessionID] = msgs

	lcs, ok := s.lifecycles[sessionID]
	if !ok {
		lcs = map[string]*StreamLifecycle{}
		s.lifecycles[sessionID] = lcs
	}
	lc, ok := lcs[messageID]
	if !ok {
		lc = &StreamLifecycle{Phase: PhaseStreaming, StartedAt: now}
		lcs[messageID] = lc
	}
	switch lc.Phase {
	case PhaseCompleted:
		// A part after completion reopens nothing; keep the record but
		// accept the content.
	case PhaseCooldown:
		// Late parts land in the buffer without reopening the working
		// state; the settle check sees the fresh update and re-arms.
	default:
		lc.Phase = PhaseStreaming
	}
	lc.LastUpdateAt = now

	mem := s.memoryLocked(sessionID)
	mem.IsStreaming = false
	for _, other := range lcs {
		if other.Phase != PhaseCompleted {
			mem.IsStreaming = true
			break
		}
	}
	if sessionID != currentSessionID {
		mem.BackgroundMessageCount++
	} else {
		mem.LastAccessedAt = now
	}
	s.mu.Unlock()
	s.publish(sessionID)
}

// CompleteStreamingMessage moves a message into cooldown. Late parts during
// the window are still accepted without reopening the working state; after
// the window elapses with no updates the message settles.
func (s *MessageStore) CompleteStreamingMessage(sessionID, messageID string) {
	now := s.now()
	s.mu.Lock()
	lc := s.lifecycleLocked(sessionID, messageID)
	lc.Phase = PhaseCooldown
	lc.CompletedAt = now
	cooldown := s.cooldown
	s.mu.Unlock()
	s.publish(sessionID)

	time.AfterFunc(cooldown, func() {
		s.settleAfterCooldown(sessionID, messageID)
	})
}

// settleAfterCooldown finalizes a cooled-down message, or re-arms the timer
// when a late part landed inside the window.
func (s *MessageStore) settleAfterCooldown(sessionID, messageID string) {
	s.mu.Lock()
	lc, ok := s.lifecycles[sessionID][messageID]
	if !ok || lc.Phase != PhaseCooldown {
		s.mu.Unlock()
		return
	}
	if lc.LastUpdateAt.After(lc.CompletedAt) {
		lc.CompletedAt = s.now()
		cooldown := s.cooldown
		s.mu.Unlock()
		time.AfterFunc(cooldown, func() {
			s.settleAfterCooldown(sessionID, messageID)
		})
		return
	}
	s.mu.Unlock()
	s.MarkMessageStreamSettled(sessionID, messageID)
}

// MarkMessageStreamSettled finalizes a message's stream. The session's
// streaming flag clears once no message remains unsettled.
func (s *MessageStore) MarkMessageStreamSettled(sessionID, messageID string) {
	s.mu.Lock()
	lc := s.lifecycleLocked(sessionID, messageID)
	lc.Phase = PhaseCompleted
	if lc.CompletedAt.IsZero() {
		lc.CompletedAt = s.now()
	}
	streaming := false
	for _, other := range s.lifecycles[sessionID] {
		if other.Phase != PhaseCompleted {
			streaming = true
			break
		}
	}
	s.memoryLocked(sessionID).IsStreaming = streaming
	s.mu.Unlock()
	s.publish(sessionID)
}

func (s *MessageStore) lifecycleLocked(sessionID, messageID string) *StreamLifecycle {
	lcs, ok := s.lifecycles[sessionID]
	if !ok {
		lcs = map[string]*StreamLifecycle{}
		s.lifecycles[sessionID] = lcs
	}
	lc, ok := lcs[messageID]
	if !ok {
		lc = &StreamLifecycle{Phase: PhaseStreaming, StartedAt: s.now()}
		lcs[messageID] = lc
	}
	return lc
}

// Lifecycle returns a copy of the stream lifecycle for a message.
func (s *MessageStore) Lifecycle(sessionID, messageID string) (StreamLifecycle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if lcs, ok := s.lifecycles[sessionID]; ok {
		if lc, ok := lcs[messageID]; ok {
			return *lc, true
		}
	}
	return StreamLifecycle{}, false
}

// UpdateViewportAnchor records the index of the last visible message before
// the user leaves a session.
func (s *MessageStore) UpdateViewportAnchor(sessionID string, anchor int) {
	s.mu.Lock()
	s.memoryLocked(sessionID).ViewportAnchor = anchor
	s.mu.Unlock()
}

// TrimToViewportWindow truncates a background session's buffer to targetSize
// messages trailing from its viewport anchor. The current session and any
// session mid-stream are never trimmed.
func (s *MessageStore) TrimToViewportWindow(sessionID string, targetSize int, currentSessionID string) {
	if targetSize <= 0 {
		targetSize = s.viewportWindow
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if sessionID == currentSessionID {
		return
	}
	mem := s.memoryLocked(sessionID)
	if mem.IsStreaming {
		return
	}
	msgs := s.buffers[sessionID]
	if len(msgs) <= targetSize {
		return
	}

	anchor := mem.ViewportAnchor
	if anchor < 0 || anchor >= len(msgs) {
		anchor = len(msgs) - 1
	}
	start := anchor - targetSize + 1
	if start < 0 {
		start = 0
	}
	if start+targetSize > len(msgs) {
		start = len(msgs) - targetSize
	}

	if start > 0 {
		mem.TrimmedHeadMaxID = msgs[start-1].Info.ID
		mem.HasMoreAbove = true
	}
	mem.ViewportAnchor = anchor - start
	trimmed := make([]api.Message, targetSize)
	copy(trimmed, msgs[start:start+targetSize])
	s.buffers[sessionID] = trimmed
}

// TrimBackground sweeps every resident session through the viewport trim.
func (s *MessageStore) TrimBackground(currentSessionID string) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.buffers))
	for sid := range s.buffers {
		ids = append(ids, sid)
	}
	s.mu.Unlock()
	for _, sid := range ids {
		s.TrimToViewportWindow(sid, 0, currentSessionID)
	}
}

// EvictLeastRecentlyUsed drops whole message buffers for the least recently
// accessed sessions beyond the resident limit, marking them zombies so the
// next visit reloads instead of trusting an empty list. Metadata survives;
// this is memory pressure relief, not data loss.
func (s *MessageStore) EvictLeastRecentlyUsed(currentSessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	type candidate struct {
		id       string
		accessed time.Time
	}
	var resident []candidate
	for sid, msgs := range s.buffers {
		if len(msgs) == 0 {
			continue
		}
		resident = append(resident, candidate{id: sid, accessed: s.memoryLocked(sid).LastAccessedAt})
	}
	if len(resident) <= s.maxResident {
		return
	}
	// Oldest first.
	for i := 1; i < len(resident); i++ {
		for j := i; j > 0 && resident[j].accessed.Before(resident[j-1].accessed); j-- {
			resident[j], resident[j-1] = resident[j-1], resident[j]
		}
	}
	over := len(resident) - s.maxResident
	for _, cand := range resident {
		if over == 0 {
			break
		}
		if cand.id == currentSessionID || s.memoryLocked(cand.id).IsStreaming {
			continue
		}
		delete(s.buffers, cand.id)
		mem := s.memoryLocked(cand.id)
		mem.IsZombie = true
		mem.TrimmedHeadMaxID = ""
		mem.HasMoreAbove = false
		over--
	}
}

// LoadMoreMessages paginates older (up) or newer (down) messages into the
// buffer, deduplicating by message id.
func (s *MessageStore) LoadMoreMessages(ctx context.Context, directory, sessionID string, direction LoadDirection, limit int) error {
	if limit <= 0 {
		limit = s.viewportWindow
	}
	s.mu.Lock()
	msgs := s.buffers[sessionID]
	var edgeID string
	if len(msgs) > 0 {
		if direction == LoadUp {
			edgeID = msgs[0].Info.ID
		} else {
			edgeID = msgs[len(msgs)-1].Info.ID
		}
	}
	s.mu.Unlock()

	if edgeID == "" {
		return s.LoadMessages(ctx, directory, sessionID)
	}

	var (
		page []api.Message
		err  error
	)
	if direction == LoadUp {
		page, err = s.client.ListMessagesBefore(ctx, directory, sessionID, edgeID, limit)
	} else {
		page, err = s.client.ListMessagesAfter(ctx, directory, sessionID, edgeID, limit)
	}
	if err != nil {
		return fmt.Errorf("loading more messages for %s: %w", sessionID, err)
	}

	s.mu.Lock()
	existing := map[string]bool{}
	for _, m := range s.buffers[sessionID] {
		existing[m.Info.ID] = true
	}
	fresh := page[:0]
	for _, m := range page {
		if !existing[m.Info.ID] {
			fresh = append(fresh, m)
		}
	}
	mem := s.memoryLocked(sessionID)
	if direction == LoadUp {
		s.buffers[sessionID] = append(fresh, s.buffers[sessionID]...)
		if mem.ViewportAnchor >= 0 {
			mem.ViewportAnchor += len(fresh)
		}
		if len(fresh) < limit {
			mem.HasMoreAbove = false
			mem.TrimmedHeadMaxID = ""
		}
	} else {
		s.buffers[sessionID] = append(s.buffers[sessionID], fresh...)
	}
	s.mu.Unlock()
	s.publish(sessionID)
	return nil
}

// TruncateFromMessage drops the marker message and everything after it.
// Used by revert.
func (s *MessageStore) TruncateFromMessage(sessionID, messageID string) {
	s.mu.Lock()
	msgs := s.buffers[sessionID]
	for i := range msgs {
		if msgs[i].Info.ID == messageID {
			s.buffers[sessionID] = msgs[:i]
			break
		}
	}
	s.mu.Unlock()
	s.publish(sessionID)
}

// Drop discards all state for a session (after delete).
func (s *MessageStore) Drop(sessionID string) {
	s.mu.Lock()
	delete(s.buffers, sessionID)
	delete(s.memory, sessionID)
	delete(s.lifecycles, sessionID)
	s.mu.Unlock()
	s.publish(sessionID)
}
