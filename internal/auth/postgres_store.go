package auth

import (
	"context"
	"database/sql"
)

// PostgresStore persists credentials in PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed auth store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Create stores a new credential
func (p *PostgresStore) Create(ctx context.Context, cred *Credential) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO credentials (id, hash, role, user_id, session_id, name, created_at, expires_at, revoked)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, cred.ID, cred.Hash, cred.Role, cred.UserID, nullString(cred.SessionID),
		cred.Name, cred.CreatedAt, cred.ExpiresAt, cred.Revoked)
	return err
}

// GetByHash retrieves a credential by its hash
func (p *PostgresStore) GetByHash(ctx context.Context, hash string) (*Credential, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, hash, role, user_id, session_id, name, created_at, last_used, expires_at, revoked
		FROM credentials WHERE hash = $1
		  AND revoked = FALSE
		  AND (expires_at IS NULL OR expires_at > NOW())
	`, hash)

	cred, err := scanCredential(row)
	if err == sql.ErrNoRows {
		return nil, ErrCredentialNotFound
	}
	return cred, err
}

// GetByUser retrieves all credentials owned by a user
func (p *PostgresStore) GetByUser(ctx context.Context, userID string) ([]*Credential, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, hash, role, user_id, session_id, name, created_at, last_used, expires_at, revoked
		FROM credentials WHERE user_id = $1 ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var creds []*Credential
	for rows.Next() {
		cred, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		creds = append(creds, cred)
	}
	return creds, rows.Err()
}

// Update updates a credential
func (p *PostgresStore) Update(ctx context.Context, cred *Credential) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE credentials SET last_used = $1, revoked = $2 WHERE id = $3
	`, cred.LastUsed, cred.Revoked, cred.ID)
	return err
}

// Delete removes a credential
func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM credentials WHERE id = $1`, id)
	return err
}

func scanCredential(row scanner) (*Credential, error) {
	cred := &Credential{}
	var sessionID sql.NullString
	var lastUsed sql.NullTime
	var expiresAt sql.NullTime

	err := row.Scan(
		&cred.ID, &cred.Hash, &cred.Role, &cred.UserID, &sessionID, &cred.Name,
		&cred.CreatedAt, &lastUsed, &expiresAt, &cred.Revoked,
	)
	if err != nil {
		return nil, err
	}

	cred.SessionID = sessionID.String
	if lastUsed.Valid {
		cred.LastUsed = lastUsed.Time
	}
	if expiresAt.Valid {
		cred.ExpiresAt = &expiresAt.Time
	}
	return cred, nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...any) error
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// Migrate creates the credentials table if it doesn't exist
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS credentials (
			id          VARCHAR(36) PRIMARY KEY,
			hash        VARCHAR(64) NOT NULL UNIQUE,
			role        VARCHAR(16) NOT NULL,
			user_id     VARCHAR(36) NOT NULL,
			session_id  VARCHAR(36),
			name        VARCHAR(255),
			created_at  TIMESTAMPTZ DEFAULT NOW(),
			last_used   TIMESTAMPTZ,
			expires_at  TIMESTAMPTZ,
			revoked     BOOLEAN DEFAULT FALSE
		);
		CREATE INDEX IF NOT EXISTS idx_credentials_hash ON credentials(hash);
		CREATE INDEX IF NOT EXISTS idx_credentials_user ON credentials(user_id);
	`)
	return err
}
