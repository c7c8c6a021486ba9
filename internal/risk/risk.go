// Package risk implements cumulative risk scoring for proctored exam sessions.
//
// Every suspicious event adds its catalog weight to the session's score.
// Scores never decrease within a session: proctoring risk measures cumulative
// suspicion, not momentary state, so there is no decay. Crossing a threshold
// escalates the session through warning, flag, and terminate tiers.
package risk

import "fmt"

// Tier represents the escalation level reached by a score crossing.
type Tier string

const (
	TierNone      Tier = "none"      // below every threshold, or no new crossing
	TierWarning   Tier = "warning"   // student is nudged to stop
	TierFlag      Tier = "flag"      // session marked for manual review
	TierTerminate Tier = "terminate" // session is ended by the engine
)

// Default thresholds for tier crossings.
const (
	DefaultWarningThreshold   = 40
	DefaultFlagThreshold      = 70
	DefaultTerminateThreshold = 100
)

// Thresholds are the score boundaries for each tier. Boundaries are
// inclusive: a score exactly at Warning is already in the warning tier.
type Thresholds struct {
	Warning   int `json:"warning"`
	Flag      int `json:"flag"`
	Terminate int `json:"terminate"`
}

// DefaultThresholds returns the standard exam profile.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Warning:   DefaultWarningThreshold,
		Flag:      DefaultFlagThreshold,
		Terminate: DefaultTerminateThreshold,
	}
}

// Validate checks that thresholds are positive and strictly ascending.
func (t Thresholds) Validate() error {
	if t.Warning <= 0 {
		return fmt.Errorf("risk: warning threshold must be positive, got %d", t.Warning)
	}
	if t.Flag <= t.Warning {
		return fmt.Errorf("risk: flag threshold %d must exceed warning threshold %d", t.Flag, t.Warning)
	}
	if t.Terminate <= t.Flag {
		return fmt.Errorf("risk: terminate threshold %d must exceed flag threshold %d", t.Terminate, t.Flag)
	}
	return nil
}

// Policy decides whether a terminate crossing actually ends the session for
// a given exam mode. Modes that opt out still accumulate score past the
// terminate threshold; they just keep running.
type Policy func(mode string) bool

// DefaultPolicy enforces termination for every mode except practice runs.
func DefaultPolicy(mode string) bool {
	return mode != "practice"
}
