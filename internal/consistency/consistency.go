// Package consistency watches each session's device fingerprint and client
// IP for drift.
//
// A changed fingerprint usually means a different machine mid-exam, so it
// fires once per distinct new fingerprint and permanently marks the session.
// IP changes are common on flaky networks and score lightly, but every
// distinct transition is counted and logged. The tracker only mutates the
// session record and describes what it saw; scoring the resulting events is
// the caller's job so that synthesized and client-reported events flow
// through one accumulation path.
package consistency

import (
	"fmt"

	"github.com/invigil/invigil/internal/catalog"
	"github.com/invigil/invigil/internal/session"
)

// Observation is a synthesized event the caller must score and record.
type Observation struct {
	Kind   string
	Detail string
}

// Check compares the observed fingerprint and IP against the session record,
// updates the record's device/network fields, and returns the observations
// this request produced, in the order they should be scored. Empty inputs
// mean "not reported this time" and are ignored. The caller must hold the
// session's lock and must not call this on a terminal session.
func Check(s *session.Session, fingerprint, ip string) []Observation {
	var out []Observation

	if obs := checkFingerprint(s, fingerprint); obs != nil {
		out = append(out, *obs)
	}
	if obs := checkIP(s, ip); obs != nil {
		out = append(out, *obs)
	}
	return out
}

func checkFingerprint(s *session.Session, fingerprint string) *Observation {
	if fingerprint == "" || fingerprint == s.DeviceFingerprint {
		return nil
	}

	// First sighting establishes the baseline without scoring.
	if s.DeviceFingerprint == "" {
		s.DeviceFingerprint = fingerprint
		s.FingerprintHistory = append(s.FingerprintHistory, fingerprint)
		return nil
	}

	seen := false
	for _, fp := range s.FingerprintHistory {
		if fp == fingerprint {
			seen = true
			break
		}
	}

	s.DeviceFingerprint = fingerprint
	s.DeviceChanged = true
	if seen {
		// Bouncing back to a device we already scored does not re-trigger.
		return nil
	}

	s.FingerprintHistory = append(s.FingerprintHistory, fingerprint)
	return &Observation{
		Kind:   catalog.KindDeviceChange,
		Detail: fmt.Sprintf("new device fingerprint %s", fingerprint),
	}
}

func checkIP(s *session.Session, ip string) *Observation {
	if ip == "" || ip == s.CurrentIP {
		return nil
	}

	// First sighting establishes the baseline without scoring.
	if s.CurrentIP == "" {
		s.StartIP = ip
		s.CurrentIP = ip
		s.IPHistory = append(s.IPHistory, ip)
		return nil
	}

	prev := s.CurrentIP
	s.CurrentIP = ip
	s.IPChangeCount++
	s.IPHistory = append(s.IPHistory, ip)

	return &Observation{
		Kind:   catalog.KindIPChange,
		Detail: fmt.Sprintf("%s -> %s", prev, ip),
	}
}
