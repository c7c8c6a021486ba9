package exam

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/invigil/invigil/internal/risk"
)

// PostgresStore persists exams in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed exam store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, e *Exam) error {
	thresholdsJSON, err := marshalThresholds(e.Thresholds)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO exams (id, admin_id, title, duration_minutes, mode, thresholds, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, e.AdminID, e.Title, e.DurationMinutes, string(e.Mode),
		thresholdsJSON, e.CreatedAt, e.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Exam, error) {
	return p.scanExam(p.db.QueryRowContext(ctx, `
		SELECT id, admin_id, title, duration_minutes, mode, thresholds, created_at, updated_at
		FROM exams WHERE id = $1`, id))
}

func (p *PostgresStore) ListByAdmin(ctx context.Context, adminID string) ([]*Exam, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, admin_id, title, duration_minutes, mode, thresholds, created_at, updated_at
		FROM exams WHERE admin_id = $1
		ORDER BY created_at DESC, id DESC`, adminID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var exams []*Exam
	for rows.Next() {
		e := &Exam{}
		var (
			mode           string
			thresholdsJSON []byte
		)
		if err := rows.Scan(&e.ID, &e.AdminID, &e.Title, &e.DurationMinutes, &mode,
			&thresholdsJSON, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, err
		}
		e.Mode = Mode(mode)
		e.Thresholds = unmarshalThresholds(thresholdsJSON)
		exams = append(exams, e)
	}
	return exams, rows.Err()
}

func (p *PostgresStore) Update(ctx context.Context, e *Exam) error {
	thresholdsJSON, err := marshalThresholds(e.Thresholds)
	if err != nil {
		return err
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE exams SET title = $1, duration_minutes = $2, mode = $3,
			thresholds = $4, updated_at = $5
		WHERE id = $6`,
		e.Title, e.DurationMinutes, string(e.Mode), thresholdsJSON, e.UpdatedAt, e.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrExamNotFound
	}
	return nil
}

func (p *PostgresStore) scanExam(row *sql.Row) (*Exam, error) {
	e := &Exam{}
	var (
		mode           string
		thresholdsJSON []byte
	)
	err := row.Scan(&e.ID, &e.AdminID, &e.Title, &e.DurationMinutes, &mode,
		&thresholdsJSON, &e.CreatedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrExamNotFound
	}
	if err != nil {
		return nil, err
	}
	e.Mode = Mode(mode)
	e.Thresholds = unmarshalThresholds(thresholdsJSON)
	return e, nil
}

func marshalThresholds(t *risk.Thresholds) ([]byte, error) {
	if t == nil {
		return nil, nil
	}
	return json.Marshal(t)
}

func unmarshalThresholds(data []byte) *risk.Thresholds {
	if len(data) == 0 {
		return nil
	}
	t := &risk.Thresholds{}
	if err := json.Unmarshal(data, t); err != nil {
		return nil
	}
	return t
}

// Migrate creates the exams table (used in dev/test; prod uses migration files).
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS exams (
			id               TEXT PRIMARY KEY,
			admin_id         TEXT NOT NULL,
			title            TEXT NOT NULL,
			duration_minutes INT NOT NULL DEFAULT 0,
			mode             TEXT NOT NULL DEFAULT 'standard',
			thresholds       JSONB,
			created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_exams_admin ON exams(admin_id, created_at DESC);
	`)
	return err
}

var _ Store = (*PostgresStore)(nil)
