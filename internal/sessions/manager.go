package sessions

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/moziai/mozi/internal/providers"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusQueued    Status = "queued"
	StatusCancelled Status = "cancelled"
)

// Well-known metadata keys.
const (
	MetaModelOverride    = "modelOverride"
	MetaThinkingLevel    = "thinkingLevel"
	MetaReasoningVis     = "reasoningVisibility"
	MetaLastRotationAt   = "lastRotationAt"
	MetaLastRotationType = "lastRotationType"
	MetaMemoryFlush      = "memoryFlush"
	MetaParentKey        = "parentKey"
)

// Session is one agent+peer conversation unit. All fields except Key and
// Created are mutable through the Manager; direct access outside the manager
// must hold no references across goroutines.
type Session struct {
	Key      string              `json:"key"`
	AgentID  string              `json:"agentId"`
	Status   Status              `json:"status"`
	Created  time.Time           `json:"created"`
	Updated  time.Time           `json:"updated"`
	Context  []providers.Message `json:"-"`
	Metadata map[string]string   `json:"metadata"`
}

// Attrs carries the optional attributes GetOrCreate may seed. Only attributes
// the session does not already have are applied on repeat calls.
type Attrs struct {
	AgentID   string
	ParentKey string
	Metadata  map[string]string
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	AgentID string
	Channel string
	Status  Status
}

// Manager owns the session map and writes every mutation through to the
// store. A nil store keeps sessions in memory only (tests).
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	store    *Store
}

// NewManager builds a manager over store. Load must be called before serving.
func NewManager(store *Store) *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
		store:    store,
	}
}

// Load rebuilds the in-memory map from the store.
func (m *Manager) Load() error {
	if m.store == nil {
		return nil
	}
	loaded, err := m.store.LoadAll()
	if err != nil {
		return fmt.Errorf("load sessions: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range loaded {
		// A crash mid-turn must not resurrect a phantom running state.
		if s.Status == StatusRunning || s.Status == StatusQueued {
			s.Status = StatusIdle
		}
		m.sessions[s.Key] = s
	}
	return nil
}

// GetOrCreate returns the session for key, creating it when absent.
// Idempotent: a second call returns the same instance; attrs only fill in
// values the session does not already carry.
func (m *Manager) GetOrCreate(key string, attrs Attrs) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[key]; ok {
		changed := false
		if s.AgentID == "" && attrs.AgentID != "" {
			s.AgentID = attrs.AgentID
			changed = true
		}
		for k, v := range attrs.Metadata {
			if _, exists := s.Metadata[k]; !exists {
				s.Metadata[k] = v
				changed = true
			}
		}
		if attrs.ParentKey != "" {
			if _, exists := s.Metadata[MetaParentKey]; !exists {
				s.Metadata[MetaParentKey] = attrs.ParentKey
				changed = true
			}
		}
		if changed {
			m.persist(s)
		}
		return s
	}

	now := time.Now()
	s := &Session{
		Key:      key,
		AgentID:  attrs.AgentID,
		Status:   StatusIdle,
		Created:  now,
		Updated:  now,
		Metadata: map[string]string{},
	}
	for k, v := range attrs.Metadata {
		s.Metadata[k] = v
	}
	if attrs.ParentKey != "" {
		s.Metadata[MetaParentKey] = attrs.ParentKey
	}
	m.sessions[key] = s
	m.persist(s)
	return s
}

// Get returns the session for key, or nil.
func (m *Manager) Get(key string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[key]
}

// SetStatus updates a session's status and touches Updated.
func (m *Manager) SetStatus(key string, status Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[key]
	if !ok {
		return
	}
	s.Status = status
	s.Updated = time.Now()
	m.persist(s)
}

// SetMetadata sets one metadata entry (last writer wins per key).
func (m *Manager) SetMetadata(key, name, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[key]
	if !ok {
		return
	}
	if value == "" {
		delete(s.Metadata, name)
	} else {
		s.Metadata[name] = value
	}
	s.Updated = time.Now()
	m.persist(s)
}

// GetMetadata reads one metadata entry.
func (m *Manager) GetMetadata(key, name string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.sessions[key]; ok {
		return s.Metadata[name]
	}
	return ""
}

// AppendMessage appends one context message and journals it.
func (m *Manager) AppendMessage(key string, msg providers.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[key]
	if !ok {
		return
	}
	s.Context = append(s.Context, msg)
	s.Updated = time.Now()
	if m.store != nil {
		_ = m.store.AppendMessage(key, msg)
	}
	m.persist(s)
}

// History returns a copy of the session's context.
func (m *Manager) History(key string) []providers.Message {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[key]
	if !ok {
		return nil
	}
	msgs := make([]providers.Message, len(s.Context))
	copy(msgs, s.Context)
	return msgs
}

// Rotate archives and clears the session's context, recording the rotation
// kind ("manual", "temporal", "semantic") and timestamp in metadata.
func (m *Manager) Rotate(key, kind string) {
	m.mu.Lock()
	s, ok := m.sessions[key]
	if !ok {
		m.mu.Unlock()
		return
	}
	s.Context = nil
	s.Updated = time.Now()
	s.Metadata[MetaLastRotationAt] = strconv.FormatInt(s.Updated.UnixMilli(), 10)
	s.Metadata[MetaLastRotationType] = kind
	m.persist(s)
	m.mu.Unlock()

	if m.store != nil {
		_ = m.store.ClearMessages(key)
	}
}

// LastRotationAt returns the most recent rotation time, zero when never
// rotated.
func (m *Manager) LastRotationAt(key string) time.Time {
	raw := m.GetMetadata(key, MetaLastRotationAt)
	if raw == "" {
		return time.Time{}
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// Delete removes a session from memory and store. The caller must have
// cancelled any active turn first.
func (m *Manager) Delete(key string) error {
	m.mu.Lock()
	delete(m.sessions, key)
	m.mu.Unlock()

	if m.store != nil {
		return m.store.DeleteSession(key)
	}
	return nil
}

// List returns sessions matching filter, as shallow copies safe to inspect.
func (m *Manager) List(filter Filter) []Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Session
	for key, s := range m.sessions {
		if filter.AgentID != "" {
			agentID, _ := ParseSessionKey(key)
			if agentID != NormalizeSegment(filter.AgentID) && agentID != filter.AgentID {
				continue
			}
		}
		if filter.Channel != "" && ChannelFromKey(key) != filter.Channel {
			continue
		}
		if filter.Status != "" && s.Status != filter.Status {
			continue
		}
		cp := *s
		cp.Context = nil
		cp.Metadata = copyMeta(s.Metadata)
		out = append(out, cp)
	}
	return out
}

// persist writes the session row through to the store. Callers hold m.mu.
func (m *Manager) persist(s *Session) {
	if m.store == nil {
		return
	}
	_ = m.store.SaveSession(s)
}

func copyMeta(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
