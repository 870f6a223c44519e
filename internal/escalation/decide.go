// Package escalation decides when a waiting patient should be warned that
// their turn is coming, and makes sure each warning is raised once.
package escalation

import "time"

type Tier string

const (
	TierNone      Tier = "none"
	TierProximity Tier = "proximity"
	TierUrgent    Tier = "urgent"
)

// State is what has already been sent for one queue entry.
type State struct {
	LastNotifiedPosition int       `json:"last_notified_position"`
	NotifiedTier         Tier      `json:"notified_tier"`
	LastNotifiedAt       time.Time `json:"last_notified_at"`
}

type Config struct {
	UrgentThreshold    int
	ProximityThreshold int
	ResetDelta         int
}

var DefaultConfig = Config{
	UrgentThreshold:    1,
	ProximityThreshold: 3,
	ResetDelta:         2,
}

type Decision struct {
	Escalate bool
	Tier     Tier
	Position int
}

// Decide returns what to raise for an entry now at position, and the state
// to keep afterwards. It has no side effects.
//
// A move of more than ResetDelta places away from the last notified
// position starts a fresh cycle. Urgent fires once per cycle at or below
// UrgentThreshold; Proximity fires once per cycle at or below
// ProximityThreshold, and never after Urgent.
func Decide(position int, st State, cfg Config, now time.Time) (Decision, State) {
	if st.NotifiedTier == "" {
		st.NotifiedTier = TierNone
	}
	if position <= 0 {
		return Decision{Tier: TierNone, Position: position}, st
	}

	if Resets(position, st, cfg) {
		st.NotifiedTier = TierNone
	}

	switch {
	case position <= cfg.UrgentThreshold && st.NotifiedTier != TierUrgent:
		st.NotifiedTier = TierUrgent
	case position <= cfg.ProximityThreshold && st.NotifiedTier == TierNone:
		st.NotifiedTier = TierProximity
	default:
		return Decision{Tier: TierNone, Position: position}, st
	}

	st.LastNotifiedPosition = position
	st.LastNotifiedAt = now
	return Decision{Escalate: true, Tier: st.NotifiedTier, Position: position}, st
}

// Resets reports whether moving to position starts a fresh cycle for an
// entry that was already notified.
func Resets(position int, st State, cfg Config) bool {
	if st.NotifiedTier == "" || st.NotifiedTier == TierNone {
		return false
	}
	return abs(position-st.LastNotifiedPosition) > cfg.ResetDelta
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
