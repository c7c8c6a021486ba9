package risk

import (
	"math"
	"testing"
)

func TestAccumulate_StandardScenario(t *testing.T) {
	// Thresholds 40/70/100, a student tab-switching their way to termination:
	// three tab_switch (20) then devtools_open (30) then tab_switch (20).
	engine := NewEngine()

	steps := []struct {
		points    int
		wantScore int
		wantTier  Tier
	}{
		{20, 20, TierNone},
		{20, 40, TierWarning}, // exactly at the warning boundary
		{20, 60, TierNone},    // still inside warning, nothing newly crossed
		{30, 90, TierFlag},
		{20, 110, TierTerminate},
	}

	score := 0
	for i, step := range steps {
		var tier Tier
		score, tier = engine.Accumulate(score, step.points)
		if score != step.wantScore {
			t.Fatalf("step %d: score = %d, want %d", i, score, step.wantScore)
		}
		if tier != step.wantTier {
			t.Fatalf("step %d: tier = %s, want %s", i, tier, step.wantTier)
		}
	}
}

func TestAccumulate_BoundaryInclusive(t *testing.T) {
	engine := NewEngine()

	tests := []struct {
		name     string
		current  int
		points   int
		wantTier Tier
	}{
		{"one below warning", 0, 39, TierNone},
		{"exactly warning", 0, 40, TierWarning},
		{"exactly flag", 0, 70, TierFlag},
		{"exactly terminate", 0, 100, TierTerminate},
		{"one below terminate", 95, 4, TierNone}, // 99, already past flag
		{"crossing terminate by one", 99, 1, TierTerminate},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, tier := engine.Accumulate(tc.current, tc.points)
			if tier != tc.wantTier {
				t.Errorf("Accumulate(%d, %d) tier = %s, want %s", tc.current, tc.points, tier, tc.wantTier)
			}
		})
	}
}

func TestAccumulate_ReportsHighestCrossedTier(t *testing.T) {
	engine := NewEngine()

	// A single large event that jumps every boundary reports terminate,
	// not warning.
	score, tier := engine.Accumulate(0, 150)
	if score != 150 {
		t.Errorf("score = %d, want 150", score)
	}
	if tier != TierTerminate {
		t.Errorf("tier = %s, want %s", tier, TierTerminate)
	}

	// From inside warning, a jump over flag and terminate reports terminate.
	_, tier = engine.Accumulate(50, 60)
	if tier != TierTerminate {
		t.Errorf("tier = %s, want %s", tier, TierTerminate)
	}
}

func TestAccumulate_Deterministic(t *testing.T) {
	engine := NewEngine()

	s1, t1 := engine.Accumulate(35, 10)
	s2, t2 := engine.Accumulate(35, 10)
	if s1 != s2 || t1 != t2 {
		t.Errorf("same inputs gave (%d, %s) then (%d, %s)", s1, t1, s2, t2)
	}
}

func TestAccumulate_NonDecreasing(t *testing.T) {
	engine := NewEngine()

	score := 0
	total := 0
	for _, points := range []int{5, 0, 20, 15, 0, 40, 10} {
		prev := score
		score, _ = engine.Accumulate(score, points)
		if score < prev {
			t.Fatalf("score decreased from %d to %d", prev, score)
		}
		total += points
	}
	if score != total {
		t.Errorf("final score = %d, want sum of points %d", score, total)
	}
}

func TestAccumulate_ClampsAndSaturates(t *testing.T) {
	engine := NewEngine()

	// Negative inputs clamp to zero
	score, tier := engine.Accumulate(-10, -5)
	if score != 0 || tier != TierNone {
		t.Errorf("Accumulate(-10, -5) = (%d, %s), want (0, none)", score, tier)
	}

	// Overflow saturates instead of wrapping negative
	score, _ = engine.Accumulate(math.MaxInt, 20)
	if score != math.MaxInt {
		t.Errorf("saturating add = %d, want MaxInt", score)
	}
}

func TestAccumulate_ZeroPointsNeverCrosses(t *testing.T) {
	engine := NewEngine()

	// The session_terminated audit marker is worth zero points and must
	// never trip a tier, even at an exact boundary.
	score, tier := engine.Accumulate(100, 0)
	if score != 100 || tier != TierNone {
		t.Errorf("Accumulate(100, 0) = (%d, %s), want (100, none)", score, tier)
	}
}

func TestTierAt(t *testing.T) {
	engine := NewEngine()

	tests := []struct {
		score int
		want  Tier
	}{
		{0, TierNone},
		{39, TierNone},
		{40, TierWarning},
		{69, TierWarning},
		{70, TierFlag},
		{99, TierFlag},
		{100, TierTerminate},
		{500, TierTerminate},
	}

	for _, tc := range tests {
		if got := engine.TierAt(tc.score); got != tc.want {
			t.Errorf("TierAt(%d) = %s, want %s", tc.score, got, tc.want)
		}
	}
}

func TestWithThresholds(t *testing.T) {
	engine := NewEngine().WithThresholds(Thresholds{Warning: 10, Flag: 20, Terminate: 30})

	_, tier := engine.Accumulate(0, 10)
	if tier != TierWarning {
		t.Errorf("tier = %s, want %s with lowered thresholds", tier, TierWarning)
	}
	_, tier = engine.Accumulate(25, 10)
	if tier != TierTerminate {
		t.Errorf("tier = %s, want %s with lowered thresholds", tier, TierTerminate)
	}
}

func TestDerive_KeepsPolicyAndParent(t *testing.T) {
	calls := 0
	engine := NewEngine().WithPolicy(func(mode string) bool {
		calls++
		return false
	})

	derived := engine.Derive(Thresholds{Warning: 5, Flag: 10, Terminate: 15})

	// Derived engine uses the new thresholds
	if _, tier := derived.Accumulate(0, 5); tier != TierWarning {
		t.Errorf("derived tier = %s, want warning at 5", tier)
	}
	// Parent keeps its own thresholds
	if _, tier := engine.Accumulate(0, 5); tier != TierNone {
		t.Errorf("parent tier = %s, want none at 5", tier)
	}
	// Derived engine inherited the custom policy
	if derived.Enforces("exam") {
		t.Error("derived engine should have inherited the never-enforce policy")
	}
	if calls == 0 {
		t.Error("custom policy was never consulted")
	}
}

func TestDefaultPolicy(t *testing.T) {
	engine := NewEngine()

	if !engine.Enforces("exam") {
		t.Error("default policy should enforce for exam mode")
	}
	if !engine.Enforces("quiz") {
		t.Error("default policy should enforce for unrecognized modes")
	}
	if engine.Enforces("practice") {
		t.Error("default policy should not enforce for practice mode")
	}
}

func TestThresholds_Validate(t *testing.T) {
	tests := []struct {
		name    string
		t       Thresholds
		wantErr bool
	}{
		{"defaults", DefaultThresholds(), false},
		{"custom ascending", Thresholds{Warning: 1, Flag: 2, Terminate: 3}, false},
		{"zero warning", Thresholds{Warning: 0, Flag: 70, Terminate: 100}, true},
		{"negative warning", Thresholds{Warning: -5, Flag: 70, Terminate: 100}, true},
		{"flag equals warning", Thresholds{Warning: 40, Flag: 40, Terminate: 100}, true},
		{"flag below warning", Thresholds{Warning: 40, Flag: 30, Terminate: 100}, true},
		{"terminate equals flag", Thresholds{Warning: 40, Flag: 70, Terminate: 70}, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.t.Validate()
			if (err != nil) != tc.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}
