package exam

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/invigil/invigil/internal/risk"
)

func TestMemoryStore_CRUD(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	e := &Exam{
		ID:              "exam_1",
		AdminID:         "adm_1",
		Title:           "Algebra Final",
		DurationMinutes: 90,
		Mode:            ModeStandard,
		CreatedAt:       time.Now(),
		UpdatedAt:       time.Now(),
	}

	// Create
	err := store.Create(ctx, e)
	require.NoError(t, err)

	// Get by ID
	got, err := store.Get(ctx, "exam_1")
	require.NoError(t, err)
	assert.Equal(t, "Algebra Final", got.Title)
	assert.Equal(t, ModeStandard, got.Mode)

	// Update
	got.Title = "Algebra Final (retake)"
	err = store.Update(ctx, got)
	require.NoError(t, err)

	got2, _ := store.Get(ctx, "exam_1")
	assert.Equal(t, "Algebra Final (retake)", got2.Title)
}

func TestMemoryStore_NotFound(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	_, err := store.Get(ctx, "nonexistent")
	assert.ErrorIs(t, err, ErrExamNotFound)

	err = store.Update(ctx, &Exam{ID: "nonexistent"})
	assert.ErrorIs(t, err, ErrExamNotFound)
}

func TestMemoryStore_ListByAdmin(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	base := time.Now()
	_ = store.Create(ctx, &Exam{ID: "exam_a", AdminID: "adm_1", Title: "First", CreatedAt: base})
	_ = store.Create(ctx, &Exam{ID: "exam_b", AdminID: "adm_1", Title: "Second", CreatedAt: base.Add(time.Minute)})
	_ = store.Create(ctx, &Exam{ID: "exam_c", AdminID: "adm_2", Title: "Other admin", CreatedAt: base})

	exams, err := store.ListByAdmin(ctx, "adm_1")
	require.NoError(t, err)
	require.Len(t, exams, 2)

	// Newest first
	assert.Equal(t, "exam_b", exams[0].ID)
	assert.Equal(t, "exam_a", exams[1].ID)

	exams, err = store.ListByAdmin(ctx, "adm_2")
	require.NoError(t, err)
	assert.Len(t, exams, 1)
}

func TestMemoryStore_CopiesThresholds(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	e := &Exam{
		ID:         "exam_1",
		AdminID:    "adm_1",
		Title:      "Strict exam",
		Thresholds: &risk.Thresholds{Warning: 20, Flag: 50, Terminate: 80},
	}
	require.NoError(t, store.Create(ctx, e))

	// Mutating the caller's copy must not reach the store.
	e.Thresholds.Warning = 999

	got, err := store.Get(ctx, "exam_1")
	require.NoError(t, err)
	assert.Equal(t, 20, got.Thresholds.Warning)

	// And mutating a read copy must not either.
	got.Thresholds.Flag = 999
	got2, _ := store.Get(ctx, "exam_1")
	assert.Equal(t, 50, got2.Thresholds.Flag)
}

func TestEffectiveThresholds(t *testing.T) {
	// No overrides -> platform defaults
	e := &Exam{ID: "exam_1"}
	th := e.EffectiveThresholds()
	assert.Equal(t, risk.DefaultThresholds(), th)

	// Overrides win
	e.Thresholds = &risk.Thresholds{Warning: 30, Flag: 60, Terminate: 90}
	th = e.EffectiveThresholds()
	assert.Equal(t, 30, th.Warning)
	assert.Equal(t, 60, th.Flag)
	assert.Equal(t, 90, th.Terminate)
}

func TestDeadline(t *testing.T) {
	start := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

	// Untimed exam has no deadline
	e := &Exam{DurationMinutes: 0}
	assert.Nil(t, e.Deadline(start))

	// Timed exam
	e.DurationMinutes = 90
	d := e.Deadline(start)
	require.NotNil(t, d)
	assert.Equal(t, start.Add(90*time.Minute), *d)
}

func TestValidMode(t *testing.T) {
	assert.True(t, ValidMode(ModeStandard))
	assert.True(t, ValidMode(ModePractice))
	assert.False(t, ValidMode(Mode("proctored")))
	assert.False(t, ValidMode(Mode("")))
}
