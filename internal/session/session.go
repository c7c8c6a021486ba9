// Package session holds the exam session record, its status machine, and the
// append-only violation event log.
//
// Lifecycle:
//  1. Admin creates a session for a student → status started
//  2. First heartbeat or event report → in_progress
//  3. Student submits → submitted, or risk/admin/timeout ends it → terminated
//  4. A started session whose exam window lapses untouched → expired
//
// submitted, terminated, and expired are absorbing: once reached, no event
// or heartbeat mutates the record again. The cumulative risk fields are a
// cached aggregate of the event log and only ever increase.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/invigil/invigil/internal/pagination"
)

var (
	ErrSessionNotFound  = errors.New("session: not found")
	ErrEventNotFound    = errors.New("session: event not found")
	ErrAlreadySubmitted = errors.New("session: already submitted")
	ErrSessionEnded     = errors.New("session: already ended")
	ErrNotOwner         = errors.New("session: not owned by caller")
)

// Status represents the state of an exam session.
type Status string

const (
	StatusStarted    Status = "started"     // created, student has not interacted yet
	StatusInProgress Status = "in_progress" // student is actively taking the exam
	StatusSubmitted  Status = "submitted"   // student handed in normally
	StatusTerminated Status = "terminated"  // ended by risk threshold, admin, or timeout
	StatusExpired    Status = "expired"     // window lapsed before any interaction
)

// Termination reasons recorded on the session and its audit event.
const (
	ReasonRiskThreshold = "risk_threshold"
	ReasonAdmin         = "admin"
	ReasonTimeout       = "timeout"
)

// Session is one student's run at one exam.
type Session struct {
	ID       string `json:"id"`
	ExamID   string `json:"examId"`
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
	Status   Status `json:"status"`

	CurrentRiskScore int `json:"currentRiskScore"`
	HighestRiskScore int `json:"highestRiskScore"` // watermark; equals current while scores never decay
	TotalViolations  int `json:"totalViolations"`

	DeviceFingerprint  string   `json:"deviceFingerprint,omitempty"`
	FingerprintHistory []string `json:"fingerprintHistory,omitempty"` // every fingerprint ever seen, in order
	DeviceChanged      bool     `json:"deviceChanged"`                // sticky once any change is observed
	StartIP            string   `json:"startIp,omitempty"`
	CurrentIP          string   `json:"currentIp,omitempty"`
	IPChangeCount      int      `json:"ipChangeCount"`
	IPHistory          []string `json:"ipHistory,omitempty"`

	ScreenBlankTriggered bool   `json:"screenBlankTriggered"`
	TerminationReason    string `json:"terminationReason,omitempty"`

	StartedAt   *time.Time `json:"startedAt,omitempty"` // first interaction
	DeadlineAt  time.Time  `json:"deadlineAt"`
	SubmittedAt *time.Time `json:"submittedAt,omitempty"`
	EndedAt     *time.Time `json:"endedAt,omitempty"` // set on any terminal transition
	LastSeenAt  *time.Time `json:"lastSeenAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// IsTerminal returns true if the session is in an absorbing state.
func (s *Session) IsTerminal() bool {
	switch s.Status {
	case StatusSubmitted, StatusTerminated, StatusExpired:
		return true
	}
	return false
}

// Begin moves a started session to in_progress on its first interaction.
// Safe to call repeatedly; only the first call changes anything.
func (s *Session) Begin(now time.Time) {
	if s.Status != StatusStarted {
		return
	}
	s.Status = StatusInProgress
	t := now
	s.StartedAt = &t
	s.UpdatedAt = now
}

// Submit moves a non-terminal session to submitted. A second submit is
// rejected with ErrAlreadySubmitted; submitting a terminated or expired
// session is ErrSessionEnded.
func (s *Session) Submit(now time.Time) error {
	switch s.Status {
	case StatusSubmitted:
		return ErrAlreadySubmitted
	case StatusTerminated, StatusExpired:
		return ErrSessionEnded
	}
	s.Status = StatusSubmitted
	t := now
	s.SubmittedAt = &t
	s.EndedAt = &t
	s.UpdatedAt = now
	return nil
}

// Terminate moves a non-terminal session to terminated, recording the reason
// and whether the student's screen was blanked. Terminal sessions return
// ErrSessionEnded; callers wanting idempotency check IsTerminal first.
func (s *Session) Terminate(reason string, blank bool, now time.Time) error {
	if s.IsTerminal() {
		return ErrSessionEnded
	}
	s.Status = StatusTerminated
	s.TerminationReason = reason
	s.ScreenBlankTriggered = blank
	t := now
	s.EndedAt = &t
	s.UpdatedAt = now
	return nil
}

// Expire moves a never-touched started session to expired. Sessions that
// reached in_progress cannot expire; their timeout is a termination.
func (s *Session) Expire(now time.Time) error {
	if s.Status != StatusStarted {
		return ErrSessionEnded
	}
	s.Status = StatusExpired
	t := now
	s.EndedAt = &t
	s.UpdatedAt = now
	return nil
}

// Event is one recorded violation (or audit marker) against a session.
// Points are captured at recording time so later catalog changes never
// rewrite history.
type Event struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionId"`
	Kind      string    `json:"kind"`
	Points    int       `json:"points"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// ListOption configures optional parameters for list queries.
type ListOption func(*listOpts)

type listOpts struct {
	cursor *pagination.Cursor
}

func applyListOpts(opts []ListOption) listOpts {
	var o listOpts
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// WithCursor filters results to items after the given cursor position.
func WithCursor(cursor string) ListOption {
	return func(o *listOpts) {
		c, err := pagination.Decode(cursor)
		if err == nil {
			o.cursor = c
		}
	}
}

// Store persists sessions and their event logs.
type Store interface {
	Create(ctx context.Context, session *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	Update(ctx context.Context, session *Session) error
	ListByExam(ctx context.Context, examID string, limit int, opts ...ListOption) ([]*Session, error)
	ListActiveByExam(ctx context.Context, examID string) ([]*Session, error)
	ListOverdue(ctx context.Context, before time.Time, limit int) ([]*Session, error)

	// RecordViolation persists the mutated session together with the events
	// of one accumulation pass as a single atomic update. Either everything
	// lands or nothing does.
	RecordViolation(ctx context.Context, session *Session, events []*Event) error

	CreateEvent(ctx context.Context, event *Event) error
	ListEvents(ctx context.Context, sessionID string, limit int, opts ...ListOption) ([]*Event, error)
}
