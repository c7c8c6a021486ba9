package exam

import "context"

// Store persists exam data.
type Store interface {
	Create(ctx context.Context, e *Exam) error
	Get(ctx context.Context, id string) (*Exam, error)
	ListByAdmin(ctx context.Context, adminID string) ([]*Exam, error)
	Update(ctx context.Context, e *Exam) error
}
