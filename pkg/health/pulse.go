package health

import "time"

// Reading is the outcome of a probe or of a whole cycle.
type Reading string

const (
	ReadingUp   Reading = "up"
	ReadingDown Reading = "down"
)

// State is the routing state of a monitored target.
type State string

const (
	StateUp   State = "up"
	StateDown State = "down"
)

// Pulse is the aggregated health reading of one target after a cycle.
type Pulse struct {
	// Reading is the composite reading of the latest cycle.
	Reading Reading `json:"reading"`

	// ReadingRpt counts consecutive cycles with the same Reading.
	ReadingRpt int `json:"reading_rpt"`

	// ReadingChg is when Reading last changed.
	ReadingChg time.Time `json:"reading_chg"`

	// LastCheckedAt is when the latest cycle ran.
	LastCheckedAt time.Time `json:"last_checked_at"`

	// Data holds the per-probe readings of the latest cycle.
	Data map[string]Reading `json:"data,omitempty"`
}

// Aggregate folds reading into prev. A flip (including the first reading
// of a target) resets the repeat count to 1 and stamps the change time;
// otherwise the count grows and the change time is kept.
func Aggregate(prev Pulse, reading Reading, data map[string]Reading, now time.Time) Pulse {
	next := Pulse{
		Reading:       reading,
		LastCheckedAt: now,
		Data:          data,
	}
	if prev.Reading != reading || prev.ReadingRpt == 0 {
		next.ReadingRpt = 1
		next.ReadingChg = now
		return next
	}
	next.ReadingRpt = prev.ReadingRpt + 1
	next.ReadingChg = prev.ReadingChg
	return next
}

// Decide returns the state after pulse under policy and whether it changed.
// A transition needs both more than the threshold of identical readings and
// more than one interval since the reading last changed.
func Decide(state State, pulse Pulse, policy Policy, now time.Time) (State, bool) {
	settled := now.Sub(pulse.ReadingChg) > policy.IntervalDuration()

	switch {
	case state == StateUp && pulse.Reading == ReadingDown:
		if pulse.ReadingRpt > policy.DownThreshold && settled {
			return StateDown, true
		}
	case state == StateDown && pulse.Reading == ReadingUp:
		if pulse.ReadingRpt > policy.UpThreshold && settled {
			return StateUp, true
		}
	}
	return state, false
}
