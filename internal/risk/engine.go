package risk

import "math"

// Engine evaluates score accumulations against configured thresholds.
// All methods are pure: the engine holds configuration, never session state,
// so the same inputs always produce the same outputs.
type Engine struct {
	thresholds Thresholds
	policy     Policy
}

// NewEngine creates an engine with the default thresholds and policy.
func NewEngine() *Engine {
	return &Engine{
		thresholds: DefaultThresholds(),
		policy:     DefaultPolicy,
	}
}

// WithThresholds overrides the default thresholds.
func (e *Engine) WithThresholds(t Thresholds) *Engine {
	e.thresholds = t
	return e
}

// WithPolicy overrides the default termination policy.
func (e *Engine) WithPolicy(p Policy) *Engine {
	e.policy = p
	return e
}

// Derive returns a new engine with the given thresholds and this engine's
// policy, leaving the receiver untouched. Used for exams that carry their
// own threshold overrides.
func (e *Engine) Derive(t Thresholds) *Engine {
	return &Engine{thresholds: t, policy: e.policy}
}

// Thresholds returns the engine's configured thresholds.
func (e *Engine) Thresholds() Thresholds {
	return e.thresholds
}

// Accumulate adds points to current and returns the new score plus the tier
// whose boundary this accumulation newly crossed. A tier is reported only
// when the previous score was below its boundary and the new score is at or
// above it; an accumulation that stays inside an already-reached tier
// returns TierNone. Negative inputs are clamped to zero and the add
// saturates instead of overflowing.
func (e *Engine) Accumulate(current, points int) (int, Tier) {
	if current < 0 {
		current = 0
	}
	if points < 0 {
		points = 0
	}

	newScore := current + points
	if newScore < current {
		newScore = math.MaxInt
	}

	return newScore, e.crossedTier(current, newScore)
}

// TierAt returns the standing tier for a score, independent of how the
// score was reached. Used for snapshots and monitor displays.
func (e *Engine) TierAt(score int) Tier {
	switch {
	case score >= e.thresholds.Terminate:
		return TierTerminate
	case score >= e.thresholds.Flag:
		return TierFlag
	case score >= e.thresholds.Warning:
		return TierWarning
	default:
		return TierNone
	}
}

// Enforces reports whether a terminate crossing ends the session for the
// given exam mode.
func (e *Engine) Enforces(mode string) bool {
	return e.policy(mode)
}

// crossedTier returns the highest tier whose boundary lies in (prev, next].
func (e *Engine) crossedTier(prev, next int) Tier {
	switch {
	case next >= e.thresholds.Terminate && prev < e.thresholds.Terminate:
		return TierTerminate
	case next >= e.thresholds.Flag && prev < e.thresholds.Flag:
		return TierFlag
	case next >= e.thresholds.Warning && prev < e.thresholds.Warning:
		return TierWarning
	default:
		return TierNone
	}
}
