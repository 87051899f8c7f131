package streaming

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/earthring/assetpipe/internal/asset"
	"github.com/earthring/assetpipe/internal/scheduler"
)

// DefaultNearDistance is the distance under which a visible asset is loaded at high priority.
const DefaultNearDistance = 50.0

// Loader queues asset loads.
type Loader interface {
	Enqueue(key asset.Key, priority asset.Priority, name string) (scheduler.JobID, error)
}

// Prioritizer changes the eviction priority of cached assets.
type Prioritizer interface {
	Promote(key asset.Key, priority asset.Priority) bool
}

// ViewEntry is one asset the render surface currently wants.
type ViewEntry struct {
	Key      asset.Key `json:"key"`
	Distance float64   `json:"distance"`
	Visible  bool      `json:"visible"`
}

// Session tracks the view window of one render surface connection.
type Session struct {
	ID        string
	Entries   map[asset.Key]ViewEntry
	Keys      []asset.Key
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Delta describes how a view update changed a session's window.
type Delta struct {
	SessionID string      `json:"session_id"`
	Added     []asset.Key `json:"added,omitempty"`
	Removed   []asset.Key `json:"removed,omitempty"`
	Current   []asset.Key `json:"current"`
	// Jobs maps added keys to the jobs queued for them.
	Jobs map[asset.Key]scheduler.JobID `json:"jobs,omitempty"`
}

// Options configures a Manager.
type Options struct {
	NearDistance float64
	Logger       *slog.Logger
}

// Manager turns render-surface view windows into preload jobs and cache priorities.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	loader Loader
	cache  Prioritizer
	near   float64
	logger *slog.Logger
}

// NewManager builds a streaming manager instance.
func NewManager(loader Loader, cache Prioritizer, opts Options) *Manager {
	if opts.NearDistance <= 0 {
		opts.NearDistance = DefaultNearDistance
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Manager{
		sessions: make(map[string]*Session),
		loader:   loader,
		cache:    cache,
		near:     opts.NearDistance,
		logger:   opts.Logger.With("component", "streaming"),
	}
}

// PriorityFor maps a view entry to a load priority.
func PriorityFor(e ViewEntry, near float64) asset.Priority {
	switch {
	case e.Visible && e.Distance <= near:
		return asset.High
	case e.Visible:
		return asset.Medium
	default:
		return asset.Low
	}
}

// Open registers a session with an empty view window.
func (m *Manager) Open(sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("session_id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[sessionID]; ok {
		return fmt.Errorf("session %s already open", sessionID)
	}
	now := time.Now()
	m.sessions[sessionID] = &Session{
		ID:        sessionID,
		Entries:   make(map[asset.Key]ViewEntry),
		CreatedAt: now,
		UpdatedAt: now,
	}
	return nil
}

// UpdateView replaces the session's window. New keys are queued; keys that no
// session views any more are demoted to low priority in the cache.
func (m *Manager) UpdateView(sessionID string, entries []ViewEntry) (*Delta, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session_id is required")
	}

	next := make(map[asset.Key]ViewEntry, len(entries))
	keys := make([]asset.Key, 0, len(entries))
	for _, e := range entries {
		if err := e.Key.Validate(); err != nil {
			return nil, err
		}
		if prev, ok := next[e.Key]; ok {
			if PriorityFor(e, m.near) > PriorityFor(prev, m.near) {
				next[e.Key] = e
			}
			continue
		}
		next[e.Key] = e
		keys = append(keys, e.Key)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("session %s not found", sessionID)
	}

	added, removed := diffSets(session.Keys, keys)
	delta := &Delta{
		SessionID: sessionID,
		Added:     added,
		Removed:   removed,
		Current:   keys,
		Jobs:      make(map[asset.Key]scheduler.JobID, len(added)),
	}

	for _, key := range added {
		e := next[key]
		id, err := m.loader.Enqueue(key, PriorityFor(e, m.near), "")
		if err != nil {
			m.logger.Warn("failed to queue view asset", "session_id", sessionID, "key", key, "error", err)
			continue
		}
		delta.Jobs[key] = id
	}
	for _, key := range keys {
		old, existed := session.Entries[key]
		if !existed {
			continue
		}
		if p := PriorityFor(next[key], m.near); p != PriorityFor(old, m.near) {
			m.cache.Promote(key, m.highestLocked(key, sessionID, p))
		}
	}

	session.Entries = next
	session.Keys = keys
	session.UpdatedAt = time.Now()

	for _, key := range removed {
		if !m.viewedLocked(key) {
			m.cache.Promote(key, asset.Low)
		}
	}

	m.logger.Debug("view updated", "session_id", sessionID, "added", len(added), "removed", len(removed), "current", len(keys))
	return delta, nil
}

// Close drops a session and demotes the assets only it was viewing.
func (m *Manager) Close(sessionID string) []asset.Key {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[sessionID]
	if !ok {
		return nil
	}
	delete(m.sessions, sessionID)

	var demoted []asset.Key
	for _, key := range session.Keys {
		if !m.viewedLocked(key) {
			m.cache.Promote(key, asset.Low)
			demoted = append(demoted, key)
		}
	}
	return demoted
}

// Session returns a copy of one session's window.
func (m *Manager) Session(sessionID string) (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	session, ok := m.sessions[sessionID]
	if !ok {
		return Session{}, false
	}
	copied := *session
	copied.Keys = append([]asset.Key(nil), session.Keys...)
	copied.Entries = make(map[asset.Key]ViewEntry, len(session.Entries))
	for k, v := range session.Entries {
		copied.Entries[k] = v
	}
	return copied, true
}

// SessionCount returns the number of open sessions.
func (m *Manager) SessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *Manager) viewedLocked(key asset.Key) bool {
	for _, s := range m.sessions {
		if _, ok := s.Entries[key]; ok {
			return true
		}
	}
	return false
}

// highestLocked returns the highest priority any session other than skip wants for key, at least p.
func (m *Manager) highestLocked(key asset.Key, skip string, p asset.Priority) asset.Priority {
	for id, s := range m.sessions {
		if id == skip {
			continue
		}
		if e, ok := s.Entries[key]; ok {
			if other := PriorityFor(e, m.near); other > p {
				p = other
			}
		}
	}
	return p
}

func diffSets[T comparable](previous, next []T) (added []T, removed []T) {
	prevSet := make(map[T]struct{}, len(previous))
	nextSet := make(map[T]struct{}, len(next))

	for _, id := range previous {
		prevSet[id] = struct{}{}
	}
	for _, id := range next {
		nextSet[id] = struct{}{}
		if _, exists := prevSet[id]; !exists {
			added = append(added, id)
		}
	}
	for _, id := range previous {
		if _, exists := nextSet[id]; !exists {
			removed = append(removed, id)
		}
	}
	return
}
