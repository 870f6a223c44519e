package escalation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var now = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func TestDecide(t *testing.T) {
	tests := []struct {
		name     string
		position int
		state    State
		want     Decision
		wantTier Tier
		wantLast int
	}{
		{
			name:     "far from the front",
			position: 7,
			state:    State{},
			want:     Decision{Tier: TierNone, Position: 7},
			wantTier: TierNone,
		},
		{
			name:     "crosses proximity threshold",
			position: 3,
			state:    State{},
			want:     Decision{Escalate: true, Tier: TierProximity, Position: 3},
			wantTier: TierProximity,
			wantLast: 3,
		},
		{
			name:     "proximity already sent",
			position: 2,
			state:    State{NotifiedTier: TierProximity, LastNotifiedPosition: 3},
			want:     Decision{Tier: TierNone, Position: 2},
			wantTier: TierProximity,
			wantLast: 3,
		},
		{
			name:     "reaches the front after proximity",
			position: 1,
			state:    State{NotifiedTier: TierProximity, LastNotifiedPosition: 3},
			want:     Decision{Escalate: true, Tier: TierUrgent, Position: 1},
			wantTier: TierUrgent,
			wantLast: 1,
		},
		{
			name:     "joins straight at the front",
			position: 1,
			state:    State{},
			want:     Decision{Escalate: true, Tier: TierUrgent, Position: 1},
			wantTier: TierUrgent,
			wantLast: 1,
		},
		{
			name:     "urgent already sent",
			position: 1,
			state:    State{NotifiedTier: TierUrgent, LastNotifiedPosition: 1},
			want:     Decision{Tier: TierNone, Position: 1},
			wantTier: TierUrgent,
			wantLast: 1,
		},
		{
			name:     "small move back keeps the tier",
			position: 3,
			state:    State{NotifiedTier: TierUrgent, LastNotifiedPosition: 1},
			want:     Decision{Tier: TierNone, Position: 3},
			wantTier: TierUrgent,
			wantLast: 1,
		},
		{
			name:     "large move clears the tier",
			position: 6,
			state:    State{NotifiedTier: TierUrgent, LastNotifiedPosition: 1},
			want:     Decision{Tier: TierNone, Position: 6},
			wantTier: TierNone,
			wantLast: 1,
		},
		{
			name:     "invalid position",
			position: 0,
			state:    State{},
			want:     Decision{Tier: TierNone, Position: 0},
			wantTier: TierNone,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, next := Decide(tt.position, tt.state, DefaultConfig, now)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantTier, next.NotifiedTier)
			assert.Equal(t, tt.wantLast, next.LastNotifiedPosition)
			if got.Escalate {
				assert.Equal(t, now, next.LastNotifiedAt)
			}
		})
	}
}

func run(positions ...int) []Decision {
	var st State
	var raised []Decision
	for i, p := range positions {
		d, next := Decide(p, st, DefaultConfig, now.Add(time.Duration(i)*time.Minute))
		st = next
		if d.Escalate {
			raised = append(raised, d)
		}
	}
	return raised
}

func TestDecide_OneUrgentWhileNearTheFront(t *testing.T) {
	raised := run(5, 4, 3, 2, 1, 1, 2, 1, 3, 1)

	assert.Equal(t, []Decision{
		{Escalate: true, Tier: TierProximity, Position: 3},
		{Escalate: true, Tier: TierUrgent, Position: 1},
	}, raised)
}

func TestDecide_ResetAfterLargeJumpRetriggersProximity(t *testing.T) {
	raised := run(1, 6, 2)

	assert.Equal(t, []Decision{
		{Escalate: true, Tier: TierUrgent, Position: 1},
		{Escalate: true, Tier: TierProximity, Position: 2},
	}, raised)
}

func TestDecide_FluctuationsDoNotStorm(t *testing.T) {
	raised := run(3, 4, 3, 5, 3, 2, 3, 2)
	assert.Len(t, raised, 1)
}

func TestDecide_CustomThresholds(t *testing.T) {
	cfg := Config{UrgentThreshold: 2, ProximityThreshold: 5, ResetDelta: 1}

	d, st := Decide(5, State{}, cfg, now)
	assert.Equal(t, TierProximity, d.Tier)

	d, st = Decide(2, st, cfg, now)
	assert.Equal(t, TierUrgent, d.Tier)

	d, st = Decide(7, st, cfg, now)
	assert.False(t, d.Escalate)
	assert.Equal(t, TierNone, st.NotifiedTier)

	d, _ = Decide(4, st, cfg, now)
	assert.Equal(t, TierProximity, d.Tier)
}
