package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/invigil/invigil/internal/pagination"
)

func newTestSession(id string) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:         id,
		ExamID:     "exam_1",
		UserID:     "user-1",
		UserName:   "Ada",
		Status:     StatusStarted,
		DeadlineAt: now.Add(time.Hour),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func TestBegin(t *testing.T) {
	s := newTestSession("sess_1")
	now := time.Now().UTC()

	s.Begin(now)
	if s.Status != StatusInProgress {
		t.Fatalf("status = %s, want in_progress", s.Status)
	}
	if s.StartedAt == nil || !s.StartedAt.Equal(now) {
		t.Fatalf("StartedAt = %v, want %v", s.StartedAt, now)
	}

	// Second call is a no-op
	later := now.Add(time.Minute)
	s.Begin(later)
	if !s.StartedAt.Equal(now) {
		t.Errorf("StartedAt moved on repeat Begin: %v", s.StartedAt)
	}
}

func TestSubmit(t *testing.T) {
	s := newTestSession("sess_1")
	now := time.Now().UTC()
	s.Begin(now)

	if err := s.Submit(now); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if s.Status != StatusSubmitted {
		t.Fatalf("status = %s, want submitted", s.Status)
	}
	if s.SubmittedAt == nil || s.EndedAt == nil {
		t.Fatal("SubmittedAt/EndedAt not set")
	}

	// Second submit is rejected, not silently accepted
	if err := s.Submit(now); !errors.Is(err, ErrAlreadySubmitted) {
		t.Fatalf("second Submit error = %v, want ErrAlreadySubmitted", err)
	}
}

func TestSubmit_FromStarted(t *testing.T) {
	// A student may submit without any heartbeat ever arriving
	s := newTestSession("sess_1")
	if err := s.Submit(time.Now().UTC()); err != nil {
		t.Fatalf("Submit from started failed: %v", err)
	}
}

func TestSubmit_AfterTermination(t *testing.T) {
	s := newTestSession("sess_1")
	now := time.Now().UTC()
	s.Begin(now)
	if err := s.Terminate(ReasonAdmin, true, now); err != nil {
		t.Fatalf("Terminate failed: %v", err)
	}

	if err := s.Submit(now); !errors.Is(err, ErrSessionEnded) {
		t.Fatalf("Submit after terminate error = %v, want ErrSessionEnded", err)
	}
}

func TestTerminate(t *testing.T) {
	s := newTestSession("sess_1")
	now := time.Now().UTC()
	s.Begin(now)

	if err := s.Terminate(ReasonRiskThreshold, true, now); err != nil {
		t.Fatalf("Terminate failed: %v", err)
	}
	if s.Status != StatusTerminated {
		t.Fatalf("status = %s, want terminated", s.Status)
	}
	if !s.ScreenBlankTriggered {
		t.Error("ScreenBlankTriggered not set")
	}
	if s.TerminationReason != ReasonRiskThreshold {
		t.Errorf("reason = %s, want %s", s.TerminationReason, ReasonRiskThreshold)
	}
	if s.EndedAt == nil {
		t.Error("EndedAt not set")
	}

	// Already terminal
	if err := s.Terminate(ReasonAdmin, true, now); !errors.Is(err, ErrSessionEnded) {
		t.Fatalf("repeat Terminate error = %v, want ErrSessionEnded", err)
	}
}

func TestTerminate_WithoutBlank(t *testing.T) {
	// Practice-mode terminations record the reason but never blank the screen
	s := newTestSession("sess_1")
	now := time.Now().UTC()
	s.Begin(now)

	if err := s.Terminate(ReasonTimeout, false, now); err != nil {
		t.Fatalf("Terminate failed: %v", err)
	}
	if s.ScreenBlankTriggered {
		t.Error("ScreenBlankTriggered should stay false")
	}
}

func TestExpire(t *testing.T) {
	s := newTestSession("sess_1")
	now := time.Now().UTC()

	if err := s.Expire(now); err != nil {
		t.Fatalf("Expire failed: %v", err)
	}
	if s.Status != StatusExpired {
		t.Fatalf("status = %s, want expired", s.Status)
	}

	// A session that saw any interaction cannot expire
	s2 := newTestSession("sess_2")
	s2.Begin(now)
	if err := s2.Expire(now); !errors.Is(err, ErrSessionEnded) {
		t.Fatalf("Expire on in_progress error = %v, want ErrSessionEnded", err)
	}
}

func TestIsTerminal(t *testing.T) {
	tests := []struct {
		status Status
		want   bool
	}{
		{StatusStarted, false},
		{StatusInProgress, false},
		{StatusSubmitted, true},
		{StatusTerminated, true},
		{StatusExpired, true},
	}

	for _, tc := range tests {
		s := &Session{Status: tc.status}
		if got := s.IsTerminal(); got != tc.want {
			t.Errorf("IsTerminal(%s) = %v, want %v", tc.status, got, tc.want)
		}
	}
}

func TestMemoryStore_CRUD(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	s := newTestSession("sess_1")
	if err := store.Create(ctx, s); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := store.Get(ctx, "sess_1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.ExamID != "exam_1" || got.Status != StatusStarted {
		t.Errorf("got %+v", got)
	}

	got.CurrentRiskScore = 40
	got.Status = StatusInProgress
	if err := store.Update(ctx, got); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	again, _ := store.Get(ctx, "sess_1")
	if again.CurrentRiskScore != 40 || again.Status != StatusInProgress {
		t.Errorf("update not visible: %+v", again)
	}

	if _, err := store.Get(ctx, "sess_missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Get missing error = %v, want ErrSessionNotFound", err)
	}
	if err := store.Update(ctx, newTestSession("sess_missing")); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Update missing error = %v, want ErrSessionNotFound", err)
	}
}

func TestMemoryStore_CopiesAreIsolated(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	s := newTestSession("sess_1")
	s.FingerprintHistory = []string{"fp-a"}
	if err := store.Create(ctx, s); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, _ := store.Get(ctx, "sess_1")
	got.FingerprintHistory[0] = "mutated"
	got.CurrentRiskScore = 999

	fresh, _ := store.Get(ctx, "sess_1")
	if fresh.FingerprintHistory[0] != "fp-a" {
		t.Error("history slice shared between store and caller")
	}
	if fresh.CurrentRiskScore != 0 {
		t.Error("caller mutation leaked into store")
	}
}

func TestMemoryStore_ListByExam(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		s := newTestSession("sess_" + string(rune('a'+i)))
		s.CreatedAt = base.Add(time.Duration(i) * time.Second)
		if err := store.Create(ctx, s); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}
	other := newTestSession("sess_other")
	other.ExamID = "exam_2"
	_ = store.Create(ctx, other)

	result, err := store.ListByExam(ctx, "exam_1", 10)
	if err != nil {
		t.Fatalf("ListByExam failed: %v", err)
	}
	if len(result) != 5 {
		t.Fatalf("got %d sessions, want 5", len(result))
	}
	// Newest first
	if result[0].ID != "sess_e" {
		t.Errorf("first = %s, want sess_e", result[0].ID)
	}

	// Limit applies
	limited, _ := store.ListByExam(ctx, "exam_1", 2)
	if len(limited) != 2 {
		t.Errorf("limited list = %d, want 2", len(limited))
	}
}

func TestMemoryStore_ListByExamCursor(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	base := time.Now().UTC()
	ids := []string{"sess_a", "sess_b", "sess_c", "sess_d"}
	for i, id := range ids {
		s := newTestSession(id)
		s.CreatedAt = base.Add(time.Duration(i) * time.Second)
		_ = store.Create(ctx, s)
	}

	// First page: two newest
	page1, err := store.ListByExam(ctx, "exam_1", 2)
	if err != nil {
		t.Fatalf("page 1 failed: %v", err)
	}
	if len(page1) != 2 || page1[0].ID != "sess_d" || page1[1].ID != "sess_c" {
		t.Fatalf("page 1 = %v", sessionIDs(page1))
	}

	// Second page resumes after the last item of page 1
	last := page1[len(page1)-1]
	page2, err := store.ListByExam(ctx, "exam_1", 2, cursorFor(last.CreatedAt, last.ID))
	if err != nil {
		t.Fatalf("page 2 failed: %v", err)
	}
	if len(page2) != 2 || page2[0].ID != "sess_b" || page2[1].ID != "sess_a" {
		t.Fatalf("page 2 = %v", sessionIDs(page2))
	}
}

func TestMemoryStore_ListActiveByExam(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	active := newTestSession("sess_active")
	active.Begin(now)
	_ = store.Create(ctx, active)

	fresh := newTestSession("sess_fresh")
	_ = store.Create(ctx, fresh)

	done := newTestSession("sess_done")
	done.Begin(now)
	_ = done.Submit(now)
	_ = store.Create(ctx, done)

	result, err := store.ListActiveByExam(ctx, "exam_1")
	if err != nil {
		t.Fatalf("ListActiveByExam failed: %v", err)
	}
	if len(result) != 2 {
		t.Fatalf("got %d active sessions, want 2 (got %v)", len(result), sessionIDs(result))
	}
	for _, s := range result {
		if s.IsTerminal() {
			t.Errorf("terminal session %s in active list", s.ID)
		}
	}
}

func TestMemoryStore_ListOverdue(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	overdue := newTestSession("sess_overdue")
	overdue.DeadlineAt = now.Add(-time.Minute)
	_ = store.Create(ctx, overdue)

	current := newTestSession("sess_current")
	current.DeadlineAt = now.Add(time.Hour)
	_ = store.Create(ctx, current)

	ended := newTestSession("sess_ended")
	ended.DeadlineAt = now.Add(-time.Minute)
	_ = ended.Submit(now)
	_ = store.Create(ctx, ended)

	result, err := store.ListOverdue(ctx, now, 10)
	if err != nil {
		t.Fatalf("ListOverdue failed: %v", err)
	}
	if len(result) != 1 || result[0].ID != "sess_overdue" {
		t.Fatalf("overdue = %v, want [sess_overdue]", sessionIDs(result))
	}
}

func TestMemoryStore_RecordViolation(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	s := newTestSession("sess_1")
	_ = store.Create(ctx, s)

	s.CurrentRiskScore = 30
	s.HighestRiskScore = 30
	s.TotalViolations = 2
	events := []*Event{
		{ID: "evt_1", SessionID: "sess_1", Kind: "ip_change", Points: 10, CreatedAt: now},
		{ID: "evt_2", SessionID: "sess_1", Kind: "tab_switch", Points: 20, CreatedAt: now.Add(time.Millisecond)},
	}

	if err := store.RecordViolation(ctx, s, events); err != nil {
		t.Fatalf("RecordViolation failed: %v", err)
	}

	got, _ := store.Get(ctx, "sess_1")
	if got.CurrentRiskScore != 30 || got.TotalViolations != 2 {
		t.Errorf("session not updated: %+v", got)
	}

	list, err := store.ListEvents(ctx, "sess_1", 10)
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("got %d events, want 2", len(list))
	}
	// Most recent first
	if list[0].Kind != "tab_switch" || list[1].Kind != "ip_change" {
		t.Errorf("event order wrong: %s, %s", list[0].Kind, list[1].Kind)
	}

	// Unknown session
	missing := newTestSession("sess_missing")
	if err := store.RecordViolation(ctx, missing, nil); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("RecordViolation missing error = %v, want ErrSessionNotFound", err)
	}
}

func sessionIDs(sessions []*Session) []string {
	ids := make([]string, len(sessions))
	for i, s := range sessions {
		ids[i] = s.ID
	}
	return ids
}

func cursorFor(createdAt time.Time, id string) ListOption {
	return WithCursor(pagination.Encode(createdAt, id))
}
