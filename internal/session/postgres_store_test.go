//go:build integration

package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/invigil/invigil/internal/testutil"
)

func TestPostgresStore_SessionRoundTrip(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	s := &Session{
		ID:                 "sess_aaaaaaaaaaaaaaaaaaaaaaaa",
		ExamID:             "exam_bbbbbbbbbbbbbbbbbbbbbbbb",
		UserID:             "user-1",
		UserName:           "Ada Lovelace",
		Status:             StatusStarted,
		DeviceFingerprint:  "fp-original",
		FingerprintHistory: []string{"fp-original"},
		StartIP:            "198.51.100.7",
		CurrentIP:          "198.51.100.7",
		IPHistory:          []string{"198.51.100.7"},
		DeadlineAt:         now.Add(time.Hour),
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	if err := store.Create(ctx, s); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := store.Get(ctx, s.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.UserName != "Ada Lovelace" || got.Status != StatusStarted {
		t.Errorf("got %+v", got)
	}
	if len(got.FingerprintHistory) != 1 || got.FingerprintHistory[0] != "fp-original" {
		t.Errorf("fingerprint history = %v", got.FingerprintHistory)
	}
	if got.StartedAt != nil || got.EndedAt != nil {
		t.Errorf("timestamps should be nil: %+v", got)
	}

	// Mutate and update
	got.Begin(now.Add(time.Minute))
	got.CurrentRiskScore = 40
	got.HighestRiskScore = 40
	got.TotalViolations = 2
	got.FingerprintHistory = append(got.FingerprintHistory, "fp-new")
	got.DeviceFingerprint = "fp-new"
	got.DeviceChanged = true
	if err := store.Update(ctx, got); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	again, err := store.Get(ctx, s.ID)
	if err != nil {
		t.Fatalf("Get after update failed: %v", err)
	}
	if again.Status != StatusInProgress || again.CurrentRiskScore != 40 {
		t.Errorf("update not persisted: %+v", again)
	}
	if !again.DeviceChanged || len(again.FingerprintHistory) != 2 {
		t.Errorf("device fields not persisted: %+v", again)
	}
	if again.StartedAt == nil {
		t.Error("StartedAt not persisted")
	}

	if _, err := store.Get(ctx, "sess_missing000000000000000"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Get missing error = %v, want ErrSessionNotFound", err)
	}
}

func TestPostgresStore_RecordViolationAtomic(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	s := &Session{
		ID:         "sess_cccccccccccccccccccccccc",
		ExamID:     "exam_bbbbbbbbbbbbbbbbbbbbbbbb",
		UserID:     "user-2",
		UserName:   "Grace",
		Status:     StatusInProgress,
		DeadlineAt: now.Add(time.Hour),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := store.Create(ctx, s); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	s.CurrentRiskScore = 30
	s.HighestRiskScore = 30
	s.TotalViolations = 2
	events := []*Event{
		{ID: "evt_111111111111111111111111", SessionID: s.ID, Kind: "ip_change", Points: 10, Detail: "203.0.113.9", CreatedAt: now},
		{ID: "evt_222222222222222222222222", SessionID: s.ID, Kind: "tab_switch", Points: 20, CreatedAt: now.Add(time.Millisecond)},
	}
	if err := store.RecordViolation(ctx, s, events); err != nil {
		t.Fatalf("RecordViolation failed: %v", err)
	}

	got, _ := store.Get(ctx, s.ID)
	if got.CurrentRiskScore != 30 || got.TotalViolations != 2 {
		t.Errorf("session not updated: %+v", got)
	}

	list, err := store.ListEvents(ctx, s.ID, 10)
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("got %d events, want 2", len(list))
	}
	if list[0].Kind != "tab_switch" {
		t.Errorf("newest event = %s, want tab_switch", list[0].Kind)
	}
	if list[1].Detail != "203.0.113.9" {
		t.Errorf("detail = %q", list[1].Detail)
	}

	// Updating a vanished session rolls the whole thing back
	ghost := &Session{ID: "sess_dddddddddddddddddddddddd", ExamID: s.ExamID, Status: StatusInProgress, DeadlineAt: now, CreatedAt: now, UpdatedAt: now}
	err = store.RecordViolation(ctx, ghost, []*Event{
		{ID: "evt_333333333333333333333333", SessionID: ghost.ID, Kind: "tab_switch", Points: 20, CreatedAt: now},
	})
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("RecordViolation ghost error = %v, want ErrSessionNotFound", err)
	}
	orphans, _ := store.ListEvents(ctx, ghost.ID, 10)
	if len(orphans) != 0 {
		t.Errorf("rolled-back event visible: %d", len(orphans))
	}
}

func TestPostgresStore_Listings(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	mk := func(id string, offset time.Duration, status Status, deadline time.Time) *Session {
		s := &Session{
			ID:         id,
			ExamID:     "exam_bbbbbbbbbbbbbbbbbbbbbbbb",
			UserID:     "u-" + id,
			UserName:   "Student " + id,
			Status:     status,
			DeadlineAt: deadline,
			CreatedAt:  now.Add(offset),
			UpdatedAt:  now.Add(offset),
		}
		if err := store.Create(ctx, s); err != nil {
			t.Fatalf("Create %s failed: %v", id, err)
		}
		return s
	}

	mk("sess_111111111111111111111111", 0, StatusInProgress, now.Add(time.Hour))
	mk("sess_222222222222222222222222", time.Second, StatusStarted, now.Add(-time.Minute))
	mk("sess_333333333333333333333333", 2*time.Second, StatusSubmitted, now.Add(time.Hour))

	all, err := store.ListByExam(ctx, "exam_bbbbbbbbbbbbbbbbbbbbbbbb", 10)
	if err != nil {
		t.Fatalf("ListByExam failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("got %d sessions, want 3", len(all))
	}
	if all[0].ID != "sess_333333333333333333333333" {
		t.Errorf("newest first expected, got %s", all[0].ID)
	}

	// Cursor picks up after the first page
	page2, err := store.ListByExam(ctx, "exam_bbbbbbbbbbbbbbbbbbbbbbbb", 10,
		cursorFor(all[0].CreatedAt, all[0].ID))
	if err != nil {
		t.Fatalf("cursor page failed: %v", err)
	}
	if len(page2) != 2 {
		t.Fatalf("cursor page = %d sessions, want 2", len(page2))
	}

	active, err := store.ListActiveByExam(ctx, "exam_bbbbbbbbbbbbbbbbbbbbbbbb")
	if err != nil {
		t.Fatalf("ListActiveByExam failed: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("got %d active, want 2", len(active))
	}

	overdue, err := store.ListOverdue(ctx, now, 10)
	if err != nil {
		t.Fatalf("ListOverdue failed: %v", err)
	}
	if len(overdue) != 1 || overdue[0].ID != "sess_222222222222222222222222" {
		t.Errorf("overdue = %v", sessionIDs(overdue))
	}
}
