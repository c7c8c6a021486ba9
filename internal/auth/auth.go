// Package auth issues and validates API credentials for Invigil.
//
// Two credential kinds share one scheme:
// - Admin API keys (raw "ak_..."): issued on administrator registration,
//   used for exam management and live monitoring.
// - Student session tokens (raw "st_..."): issued when a proctored session
//   is created, bound to exactly one session.
//
// Raw credentials are shown once. Only a SHA256 hash is stored.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/invigil/invigil/internal/idgen"
)

// Errors
var (
	ErrNoToken            = errors.New("bearer token required")
	ErrInvalidToken       = errors.New("invalid or expired token")
	ErrNotOwner           = errors.New("not authorized for this resource")
	ErrCredentialNotFound = errors.New("credential not found")
)

// Roles
const (
	RoleAdmin   = "admin"
	RoleStudent = "student"
)

// Raw credential prefixes. The prefix tells the validator (and humans
// reading logs) which kind of credential a bearer string is.
const (
	adminKeyPrefix     = "ak_"
	sessionTokenPrefix = "st_"
)

// Credential is the stored record behind a raw bearer token.
type Credential struct {
	ID        string     `json:"id"`
	Hash      string     `json:"-"`    // SHA256 hash of the raw token (stored)
	Role      string     `json:"role"` // admin or student
	UserID    string     `json:"userId"`
	SessionID string     `json:"sessionId,omitempty"` // student tokens only
	Name      string     `json:"name"`
	CreatedAt time.Time  `json:"createdAt"`
	LastUsed  time.Time  `json:"lastUsed,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	Revoked   bool       `json:"revoked"`
}

// Store persists credentials
type Store interface {
	Create(ctx context.Context, cred *Credential) error
	GetByHash(ctx context.Context, hash string) (*Credential, error)
	GetByUser(ctx context.Context, userID string) ([]*Credential, error)
	Update(ctx context.Context, cred *Credential) error
	Delete(ctx context.Context, id string) error
}

// Manager handles credential issuance and validation
type Manager struct {
	store Store
}

// NewManager creates a new auth manager
func NewManager(store Store) *Manager {
	return &Manager{store: store}
}

// IssueAdminKey creates a new API key for an exam administrator.
// Returns the raw key (shown once) and the stored metadata.
func (m *Manager) IssueAdminKey(ctx context.Context, adminID, name string) (rawKey string, cred *Credential, err error) {
	return m.issue(ctx, adminKeyPrefix, RoleAdmin, adminID, "", name)
}

// IssueSessionToken creates the token a student uses for the lifetime of one
// proctored session. Returns the raw token (shown once) and the stored
// metadata.
func (m *Manager) IssueSessionToken(ctx context.Context, userID, sessionID string) (rawToken string, cred *Credential, err error) {
	return m.issue(ctx, sessionTokenPrefix, RoleStudent, userID, sessionID, "Session token")
}

func (m *Manager) issue(ctx context.Context, prefix, role, userID, sessionID, name string) (string, *Credential, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", nil, err
	}

	raw := prefix + hex.EncodeToString(b)

	cred := &Credential{
		ID:        idgen.WithPrefix("cred_"),
		Hash:      hashToken(raw),
		Role:      role,
		UserID:    userID,
		SessionID: sessionID,
		Name:      name,
		CreatedAt: time.Now(),
	}

	if err := m.store.Create(ctx, cred); err != nil {
		return "", nil, err
	}

	return raw, cred, nil
}

// Validate resolves a raw bearer token to its stored credential.
func (m *Manager) Validate(ctx context.Context, rawToken string) (*Credential, error) {
	if rawToken == "" {
		return nil, ErrNoToken
	}

	// Clean the token
	rawToken = strings.TrimPrefix(rawToken, "Bearer ")
	rawToken = strings.TrimSpace(rawToken)

	if !strings.HasPrefix(rawToken, adminKeyPrefix) && !strings.HasPrefix(rawToken, sessionTokenPrefix) {
		return nil, ErrInvalidToken
	}

	// Look up by hash
	hash := hashToken(rawToken)
	cred, err := m.store.GetByHash(ctx, hash)
	if err != nil {
		return nil, ErrInvalidToken
	}

	// Check revoked
	if cred.Revoked {
		return nil, ErrInvalidToken
	}

	// Check expired
	if cred.ExpiresAt != nil && time.Now().After(*cred.ExpiresAt) {
		return nil, ErrInvalidToken
	}

	// Update last used (fire and forget)
	go func() {
		cred.LastUsed = time.Now()
		m.store.Update(context.Background(), cred)
	}()

	return cred, nil
}

// ListKeys returns all credentials owned by a user
func (m *Manager) ListKeys(ctx context.Context, userID string) ([]*Credential, error) {
	return m.store.GetByUser(ctx, userID)
}

// Revoke revokes a credential owned by the given user
func (m *Manager) Revoke(ctx context.Context, credID, userID string) error {
	creds, err := m.store.GetByUser(ctx, userID)
	if err != nil {
		return err
	}

	for _, cr := range creds {
		if cr.ID == credID {
			cr.Revoked = true
			return m.store.Update(ctx, cr)
		}
	}

	return ErrCredentialNotFound
}

func hashToken(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// MemoryStore is an in-memory implementation of Store
type MemoryStore struct {
	mu    sync.RWMutex
	creds map[string]*Credential // by ID
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		creds: make(map[string]*Credential),
	}
}

func (s *MemoryStore) Create(ctx context.Context, cred *Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds[cred.ID] = cred
	return nil
}

func (s *MemoryStore) GetByHash(ctx context.Context, hash string) (*Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, cr := range s.creds {
		if cr.Hash == hash {
			return cr, nil
		}
	}
	return nil, ErrCredentialNotFound
}

func (s *MemoryStore) GetByUser(ctx context.Context, userID string) ([]*Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*Credential
	for _, cr := range s.creds {
		if cr.UserID == userID {
			result = append(result, cr)
		}
	}
	return result, nil
}

func (s *MemoryStore) Update(ctx context.Context, cred *Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds[cred.ID] = cred
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.creds, id)
	return nil
}
