package store

import (
	"sync"

	"github.com/wojons/openchamber/internal/api"
)

// ModelSelection is a provider+model pair chosen for a session's agent.
type ModelSelection struct {
	ProviderID string
	ModelID    string
}

// EditPermission controls whether an agent may modify files in a session.
type EditPermission string

const (
	EditAllowed EditPermission = "allowed"
	EditAsk     EditPermission = "ask"
	EditDenied  EditPermission = "denied"
)

// SessionContextUsage is derived from the last assistant message's token
// accounting; it is never mutated independently.
type SessionContextUsage struct {
	TotalTokens    int
	Percentage     float64
	ContextLimit   int
	OutputLimit    int
	ThresholdLimit int
	LastMessageID  string
}

// contextKey scopes selections per session per agent.
type contextKey struct {
	sessionID string
	agent     string
}

// ContextStore derives and stores per-session-per-agent model and
// edit-permission selections and computes context-window usage.
type ContextStore struct {
	mu sync.Mutex

	bus *Bus

	models      map[contextKey]ModelSelection
	permissions map[contextKey]EditPermission
	agents      map[string]string // sessionID -> saved agent name
	limits      map[ModelSelection]api.Model
}

func NewContextStore(bus *Bus) *ContextStore {
	return &ContextStore{
		bus:         bus,
		models:      map[contextKey]ModelSelection{},
		permissions: map[contextKey]EditPermission{},
		agents:      map[string]string{},
		limits:      map[ModelSelection]api.Model{},
	}
}

func (s *ContextStore) publish(sessionID string) {
	s.bus.Publish(Notice{Topic: TopicContext, SessionID: sessionID})
}

// SetModelCatalog records model context limits for usage computation.
func (s *ContextStore) SetModelCatalog(models []api.Model) {
	s.mu.Lock()
	for _, m := range models {
		s.limits[ModelSelection{ProviderID: m.ProviderID, ModelID: m.ModelID}] = m
	}
	s.mu.Unlock()
}

func (s *ContextStore) SetModel(sessionID, agent string, sel ModelSelection) {
	s.mu.Lock()
	s.models[contextKey{sessionID, agent}] = sel
	s.mu.Unlock()
	s.publish(sessionID)
}

func (s *ContextStore) Model(sessionID, agent string) (ModelSelection, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sel, ok := s.models[contextKey{sessionID, agent}]
	return sel, ok
}

func (s *ContextStore) SetEditPermission(sessionID, agent string, perm EditPermission) {
	s.mu.Lock()
	s.permissions[contextKey{sessionID, agent}] = perm
	s.mu.Unlock()
	s.publish(sessionID)
}

func (s *ContextStore) EditPermissionFor(sessionID, agent string) EditPermission {
	s.mu.Lock()
	defer s.mu.Unlock()
	if perm, ok := s.permissions[contextKey{sessionID, agent}]; ok {
		return perm
	}
	return EditAsk
}

// SetAgent persists the agent resolved for a session so later sends reuse it.
func (s *ContextStore) SetAgent(sessionID, agent string) {
	s.mu.Lock()
	s.agents[sessionID] = agent
	s.mu.Unlock()
	s.publish(sessionID)
}

func (s *ContextStore) Agent(sessionID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agents[sessionID]
}

// Drop clears all selections for a deleted session.
func (s *ContextStore) Drop(sessionID string) {
	s.mu.Lock()
	for key := range s.models {
		if key.sessionID == sessionID {
			delete(s.models, key)
		}
	}
	for key := range s.permissions {
		if key.sessionID == sessionID {
			delete(s.permissions, key)
		}
	}
	delete(s.agents, sessionID)
	s.mu.Unlock()
	s.publish(sessionID)
}

// usageThreshold is the fraction of the context window at which compaction
// or warnings kick in.
const usageThreshold = 0.9

// ComputeUsage derives context usage from the newest assistant message
// carrying token accounting.
func (s *ContextStore) ComputeUsage(sessionID, agent string, msgs []api.Message) SessionContextUsage {
	var info *api.MessageInfo
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Info.Role == api.RoleAssistant && msgs[i].Info.Tokens != nil {
			info = &msgs[i].Info
			break
		}
	}
	usage := SessionContextUsage{}
	if info == nil {
		return usage
	}

	tokens := info.Tokens
	usage.TotalTokens = tokens.Input + tokens.Output + tokens.Reasoning + tokens.Cache.Read + tokens.Cache.Write
	usage.LastMessageID = info.ID

	s.mu.Lock()
	sel, ok := s.models[contextKey{sessionID, agent}]
	if !ok {
		sel = ModelSelection{ProviderID: info.ProviderID, ModelID: info.ModelID}
	}
	model, known := s.limits[sel]
	s.mu.Unlock()

	if known && model.ContextLimit > 0 {
		usage.ContextLimit = model.ContextLimit
		usage.OutputLimit = model.OutputLimit
		usage.ThresholdLimit = int(float64(model.ContextLimit) * usageThreshold)
		usage.Percentage = float64(usage.TotalTokens) / float64(model.ContextLimit) * 100
	}
	return usage
}
