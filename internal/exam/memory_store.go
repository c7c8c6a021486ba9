package exam

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory exam store for demo/development.
type MemoryStore struct {
	mu    sync.RWMutex
	exams map[string]*Exam // by ID
}

// NewMemoryStore creates a new in-memory exam store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		exams: make(map[string]*Exam),
	}
}

func (m *MemoryStore) Create(_ context.Context, e *Exam) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := copyExam(e)
	m.exams[e.ID] = cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Exam, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.exams[id]
	if !ok {
		return nil, ErrExamNotFound
	}
	return copyExam(e), nil
}

func (m *MemoryStore) ListByAdmin(_ context.Context, adminID string) ([]*Exam, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var exams []*Exam
	for _, e := range m.exams {
		if e.AdminID == adminID {
			exams = append(exams, copyExam(e))
		}
	}
	sort.Slice(exams, func(i, j int) bool {
		if exams[i].CreatedAt.Equal(exams[j].CreatedAt) {
			return exams[i].ID > exams[j].ID
		}
		return exams[i].CreatedAt.After(exams[j].CreatedAt)
	})
	return exams, nil
}

func (m *MemoryStore) Update(_ context.Context, e *Exam) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.exams[e.ID]; !ok {
		return ErrExamNotFound
	}
	m.exams[e.ID] = copyExam(e)
	return nil
}

// copyExam clones an exam, including the threshold override, so callers never
// share memory with the store.
func copyExam(e *Exam) *Exam {
	cp := *e
	if e.Thresholds != nil {
		t := *e.Thresholds
		cp.Thresholds = &t
	}
	return &cp
}

var _ Store = (*MemoryStore)(nil)
