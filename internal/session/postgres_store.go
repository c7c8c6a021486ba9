package session

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists sessions and events in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed session store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS sessions (
			id                     VARCHAR(36) PRIMARY KEY,
			exam_id                VARCHAR(36) NOT NULL,
			user_id                VARCHAR(128) NOT NULL,
			user_name              VARCHAR(255) NOT NULL,
			status                 VARCHAR(20) NOT NULL,
			current_risk_score     INTEGER NOT NULL DEFAULT 0,
			highest_risk_score     INTEGER NOT NULL DEFAULT 0,
			total_violations       INTEGER NOT NULL DEFAULT 0,
			device_fingerprint     VARCHAR(512),
			fingerprint_history    TEXT[] NOT NULL DEFAULT '{}',
			device_changed         BOOLEAN NOT NULL DEFAULT FALSE,
			start_ip               VARCHAR(45),
			current_ip             VARCHAR(45),
			ip_change_count        INTEGER NOT NULL DEFAULT 0,
			ip_history             TEXT[] NOT NULL DEFAULT '{}',
			screen_blank_triggered BOOLEAN NOT NULL DEFAULT FALSE,
			termination_reason     VARCHAR(64),
			started_at             TIMESTAMPTZ,
			deadline_at            TIMESTAMPTZ NOT NULL,
			submitted_at           TIMESTAMPTZ,
			ended_at               TIMESTAMPTZ,
			last_seen_at           TIMESTAMPTZ,
			created_at             TIMESTAMPTZ NOT NULL,
			updated_at             TIMESTAMPTZ NOT NULL,
			CONSTRAINT chk_score_nonneg      CHECK (current_risk_score >= 0),
			CONSTRAINT chk_highest_nonneg    CHECK (highest_risk_score >= 0),
			CONSTRAINT chk_violations_nonneg CHECK (total_violations >= 0)
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_exam ON sessions(exam_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
		CREATE INDEX IF NOT EXISTS idx_sessions_deadline ON sessions(deadline_at);

		CREATE TABLE IF NOT EXISTS session_events (
			id          VARCHAR(36) PRIMARY KEY,
			session_id  VARCHAR(36) NOT NULL,
			kind        VARCHAR(64) NOT NULL,
			points      INTEGER NOT NULL,
			detail      TEXT,
			created_at  TIMESTAMPTZ NOT NULL,
			CONSTRAINT chk_points_nonneg CHECK (points >= 0)
		);

		CREATE INDEX IF NOT EXISTS idx_session_events_session ON session_events(session_id, created_at DESC);
	`)
	return err
}

func (p *PostgresStore) Create(ctx context.Context, s *Session) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO sessions (
			id, exam_id, user_id, user_name, status,
			current_risk_score, highest_risk_score, total_violations,
			device_fingerprint, fingerprint_history, device_changed,
			start_ip, current_ip, ip_change_count, ip_history,
			screen_blank_triggered, termination_reason,
			started_at, deadline_at, submitted_at, ended_at, last_seen_at,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8,
			$9, $10, $11,
			$12, $13, $14, $15,
			$16, $17,
			$18, $19, $20, $21, $22,
			$23, $24
		)`,
		s.ID, s.ExamID, s.UserID, s.UserName, string(s.Status),
		s.CurrentRiskScore, s.HighestRiskScore, s.TotalViolations,
		nullString(s.DeviceFingerprint), pq.Array(s.FingerprintHistory), s.DeviceChanged,
		nullString(s.StartIP), nullString(s.CurrentIP), s.IPChangeCount, pq.Array(s.IPHistory),
		s.ScreenBlankTriggered, nullString(s.TerminationReason),
		nullTime(s.StartedAt), s.DeadlineAt, nullTime(s.SubmittedAt), nullTime(s.EndedAt), nullTime(s.LastSeenAt),
		s.CreatedAt, s.UpdatedAt,
	)
	return err
}

const sessionColumns = `id, exam_id, user_id, user_name, status,
       current_risk_score, highest_risk_score, total_violations,
       device_fingerprint, fingerprint_history, device_changed,
       start_ip, current_ip, ip_change_count, ip_history,
       screen_blank_triggered, termination_reason,
       started_at, deadline_at, submitted_at, ended_at, last_seen_at,
       created_at, updated_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Session, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)

	s, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, ErrSessionNotFound
	}
	return s, err
}

func (p *PostgresStore) Update(ctx context.Context, s *Session) error {
	result, err := p.db.ExecContext(ctx, updateSessionSQL, updateSessionArgs(s)...)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrSessionNotFound
	}
	return nil
}

const updateSessionSQL = `
	UPDATE sessions SET
		status = $1,
		current_risk_score = $2, highest_risk_score = $3, total_violations = $4,
		device_fingerprint = $5, fingerprint_history = $6, device_changed = $7,
		start_ip = $8, current_ip = $9, ip_change_count = $10, ip_history = $11,
		screen_blank_triggered = $12, termination_reason = $13,
		started_at = $14, submitted_at = $15, ended_at = $16, last_seen_at = $17,
		updated_at = $18
	WHERE id = $19`

func updateSessionArgs(s *Session) []interface{} {
	return []interface{}{
		string(s.Status),
		s.CurrentRiskScore, s.HighestRiskScore, s.TotalViolations,
		nullString(s.DeviceFingerprint), pq.Array(s.FingerprintHistory), s.DeviceChanged,
		nullString(s.StartIP), nullString(s.CurrentIP), s.IPChangeCount, pq.Array(s.IPHistory),
		s.ScreenBlankTriggered, nullString(s.TerminationReason),
		nullTime(s.StartedAt), nullTime(s.SubmittedAt), nullTime(s.EndedAt), nullTime(s.LastSeenAt),
		s.UpdatedAt,
		s.ID,
	}
}

func (p *PostgresStore) ListByExam(ctx context.Context, examID string, limit int, opts ...ListOption) ([]*Session, error) {
	o := applyListOpts(opts)

	var (
		rows *sql.Rows
		err  error
	)
	if o.cursor != nil {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+sessionColumns+`
			FROM sessions
			WHERE exam_id = $1 AND (created_at, id) < ($2, $3)
			ORDER BY created_at DESC, id DESC
			LIMIT $4`, examID, o.cursor.CreatedAt, o.cursor.ID, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+sessionColumns+`
			FROM sessions
			WHERE exam_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2`, examID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanSessions(rows)
}

func (p *PostgresStore) ListActiveByExam(ctx context.Context, examID string) ([]*Session, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions
		WHERE exam_id = $1 AND status IN ('started', 'in_progress')
		ORDER BY created_at ASC`, examID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanSessions(rows)
}

func (p *PostgresStore) ListOverdue(ctx context.Context, before time.Time, limit int) ([]*Session, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions
		WHERE status IN ('started', 'in_progress') AND deadline_at < $1
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanSessions(rows)
}

// RecordViolation writes the session update and its event inserts in one
// transaction so a storage failure never leaves a scored session without
// its audit trail or vice versa.
func (p *PostgresStore) RecordViolation(ctx context.Context, s *Session, events []*Event) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, updateSessionSQL, updateSessionArgs(s)...)
	if err != nil {
		return fmt.Errorf("session: update in violation tx: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrSessionNotFound
	}

	for _, e := range events {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO session_events (id, session_id, kind, points, detail, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			e.ID, e.SessionID, e.Kind, e.Points, nullString(e.Detail), e.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("session: insert event in violation tx: %w", err)
		}
	}

	return tx.Commit()
}

func (p *PostgresStore) CreateEvent(ctx context.Context, e *Event) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO session_events (id, session_id, kind, points, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		e.ID, e.SessionID, e.Kind, e.Points, nullString(e.Detail), e.CreatedAt,
	)
	return err
}

func (p *PostgresStore) ListEvents(ctx context.Context, sessionID string, limit int, opts ...ListOption) ([]*Event, error) {
	o := applyListOpts(opts)

	var (
		rows *sql.Rows
		err  error
	)
	if o.cursor != nil {
		rows, err = p.db.QueryContext(ctx, `
			SELECT id, session_id, kind, points, detail, created_at
			FROM session_events
			WHERE session_id = $1 AND (created_at, id) < ($2, $3)
			ORDER BY created_at DESC, id DESC
			LIMIT $4`, sessionID, o.cursor.CreatedAt, o.cursor.ID, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `
			SELECT id, session_id, kind, points, detail, created_at
			FROM session_events
			WHERE session_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2`, sessionID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEvents(rows)
}

// --- scanners ---

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(sc scanner) (*Session, error) {
	s := &Session{}
	var (
		status             string
		deviceFingerprint  sql.NullString
		fingerprintHistory pq.StringArray
		startIP            sql.NullString
		currentIP          sql.NullString
		ipHistory          pq.StringArray
		terminationReason  sql.NullString
		startedAt          sql.NullTime
		submittedAt        sql.NullTime
		endedAt            sql.NullTime
		lastSeenAt         sql.NullTime
	)

	err := sc.Scan(
		&s.ID, &s.ExamID, &s.UserID, &s.UserName, &status,
		&s.CurrentRiskScore, &s.HighestRiskScore, &s.TotalViolations,
		&deviceFingerprint, &fingerprintHistory, &s.DeviceChanged,
		&startIP, &currentIP, &s.IPChangeCount, &ipHistory,
		&s.ScreenBlankTriggered, &terminationReason,
		&startedAt, &s.DeadlineAt, &submittedAt, &endedAt, &lastSeenAt,
		&s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	s.Status = Status(status)
	s.DeviceFingerprint = deviceFingerprint.String
	s.FingerprintHistory = []string(fingerprintHistory)
	s.StartIP = startIP.String
	s.CurrentIP = currentIP.String
	s.IPHistory = []string(ipHistory)
	s.TerminationReason = terminationReason.String
	if startedAt.Valid {
		s.StartedAt = &startedAt.Time
	}
	if submittedAt.Valid {
		s.SubmittedAt = &submittedAt.Time
	}
	if endedAt.Valid {
		s.EndedAt = &endedAt.Time
	}
	if lastSeenAt.Valid {
		s.LastSeenAt = &lastSeenAt.Time
	}

	return s, nil
}

func scanSessions(rows *sql.Rows) ([]*Session, error) {
	var result []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, s)
	}
	return result, rows.Err()
}

func scanEvent(sc scanner) (*Event, error) {
	e := &Event{}
	var detail sql.NullString

	err := sc.Scan(&e.ID, &e.SessionID, &e.Kind, &e.Points, &detail, &e.CreatedAt)
	if err != nil {
		return nil, err
	}

	e.Detail = detail.String
	return e, nil
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	var result []*Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
