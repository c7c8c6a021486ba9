// Package exam provides exam definitions for the Invigil platform.
package exam

import (
	"errors"
	"time"

	"github.com/invigil/invigil/internal/risk"
)

// Errors
var (
	ErrExamNotFound = errors.New("exam: not found")
)

// Mode selects how strictly violations are enforced.
type Mode string

const (
	ModeStandard Mode = "standard"
	ModePractice Mode = "practice" // risk is tracked but termination is suppressed
)

// ValidMode returns true if the mode name is recognised.
func ValidMode(m Mode) bool {
	return m == ModeStandard || m == ModePractice
}

// Exam represents a proctored exam definition.
type Exam struct {
	ID              string           `json:"id"`
	AdminID         string           `json:"adminId"`
	Title           string           `json:"title"`
	DurationMinutes int              `json:"durationMinutes"` // 0 = untimed
	Mode            Mode             `json:"mode"`
	Thresholds      *risk.Thresholds `json:"thresholds,omitempty"` // nil = platform defaults
	CreatedAt       time.Time        `json:"createdAt"`
	UpdatedAt       time.Time        `json:"updatedAt"`
}

// EffectiveThresholds returns the exam's threshold overrides, or the platform
// defaults when none are set.
func (e *Exam) EffectiveThresholds() risk.Thresholds {
	if e.Thresholds != nil {
		return *e.Thresholds
	}
	return risk.DefaultThresholds()
}

// Deadline returns the hard submission deadline for a session starting at
// start, or nil when the exam is untimed.
func (e *Exam) Deadline(start time.Time) *time.Time {
	if e.DurationMinutes <= 0 {
		return nil
	}
	d := start.Add(time.Duration(e.DurationMinutes) * time.Minute)
	return &d
}
