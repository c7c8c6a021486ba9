package session

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory session store for demo/development mode.
type MemoryStore struct {
	sessions map[string]*Session
	events   map[string][]*Event // sessionID → events in insertion order
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*Session),
		events:   make(map[string][]*Event),
	}
}

func (m *MemoryStore) Create(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sessions[s.ID] = copySession(s)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return copySession(s), nil
}

func (m *MemoryStore) Update(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[s.ID]; !ok {
		return ErrSessionNotFound
	}
	m.sessions[s.ID] = copySession(s)
	return nil
}

func (m *MemoryStore) ListByExam(_ context.Context, examID string, limit int, opts ...ListOption) ([]*Session, error) {
	o := applyListOpts(opts)

	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Session
	for _, s := range m.sessions {
		if s.ExamID != examID {
			continue
		}
		result = append(result, copySession(s))
	}

	// Sort by created_at descending, id as tiebreaker for a stable cursor order
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	if o.cursor != nil {
		result = sessionsAfterCursor(result, o.cursor.CreatedAt, o.cursor.ID)
	}
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListActiveByExam(_ context.Context, examID string) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Session
	for _, s := range m.sessions {
		if s.ExamID != examID || s.IsTerminal() {
			continue
		}
		result = append(result, copySession(s))
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (m *MemoryStore) ListOverdue(_ context.Context, before time.Time, limit int) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Session
	for _, s := range m.sessions {
		if s.IsTerminal() {
			continue
		}
		if s.DeadlineAt.Before(before) {
			result = append(result, copySession(s))
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) RecordViolation(_ context.Context, s *Session, events []*Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[s.ID]; !ok {
		return ErrSessionNotFound
	}

	m.sessions[s.ID] = copySession(s)
	for _, e := range events {
		cp := *e
		m.events[e.SessionID] = append(m.events[e.SessionID], &cp)
	}
	return nil
}

func (m *MemoryStore) CreateEvent(_ context.Context, e *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *e
	m.events[e.SessionID] = append(m.events[e.SessionID], &cp)
	return nil
}

func (m *MemoryStore) ListEvents(_ context.Context, sessionID string, limit int, opts ...ListOption) ([]*Event, error) {
	o := applyListOpts(opts)

	m.mu.RLock()
	defer m.mu.RUnlock()

	all := m.events[sessionID]

	// Most recent first
	result := make([]*Event, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		cp := *all[i]
		result = append(result, &cp)
	}

	if o.cursor != nil {
		result = eventsAfterCursor(result, o.cursor.CreatedAt, o.cursor.ID)
	}
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// sessionsAfterCursor keeps sessions strictly past the cursor position in
// (created_at DESC, id DESC) order.
func sessionsAfterCursor(sorted []*Session, createdAt time.Time, id string) []*Session {
	var out []*Session
	for _, s := range sorted {
		if s.CreatedAt.Before(createdAt) || (s.CreatedAt.Equal(createdAt) && s.ID < id) {
			out = append(out, s)
		}
	}
	return out
}

func eventsAfterCursor(sorted []*Event, createdAt time.Time, id string) []*Event {
	var out []*Event
	for _, e := range sorted {
		if e.CreatedAt.Before(createdAt) || (e.CreatedAt.Equal(createdAt) && e.ID < id) {
			out = append(out, e)
		}
	}
	return out
}

// copySession returns a deep copy so callers never share slice backing
// arrays with the stored record.
func copySession(s *Session) *Session {
	cp := *s
	if s.FingerprintHistory != nil {
		cp.FingerprintHistory = append([]string(nil), s.FingerprintHistory...)
	}
	if s.IPHistory != nil {
		cp.IPHistory = append([]string(nil), s.IPHistory...)
	}
	return &cp
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
