package domain

import "time"

// Direction is the sign of scrub movement along the timeline.
type Direction string

const (
	DirForward  Direction = "forward"
	DirBackward Direction = "backward"
	DirStopped  Direction = "stopped"
)

// DirectionOf classifies a velocity estimate, treating magnitudes below
// eps as stopped.
func DirectionOf(velocity, eps float64) Direction {
	switch {
	case velocity > eps:
		return DirForward
	case velocity < -eps:
		return DirBackward
	default:
		return DirStopped
	}
}

// Purpose tags why a decode was requested. Admission treats the tags
// differently: repair and deadline draw from priority pools, deadline
// bypasses the rate gate unconditionally.
type Purpose string

const (
	PurposePredictive  Purpose = "predictive"
	PurposeLandingZone Purpose = "landing-zone"
	PurposeImmediate   Purpose = "immediate"
	PurposeRepair      Purpose = "repair"
	PurposeDeadline    Purpose = "deadline"
)

// Epoch identifies one scrub gesture. A new gesture bumps the epoch;
// callbacks carrying a stale epoch are discarded.
type Epoch uint64

// ScrubSession is the per-gesture state. Created on gesture begin,
// superseded on gesture end.
type ScrubSession struct {
	Epoch     Epoch     `json:"epoch"`
	Direction Direction `json:"direction"`
	Velocity  float64   `json:"velocity"`
	StartedAt time.Time `json:"startedAt"`
}

// VelocitySample is one raw scrub input: where the playhead is and when it
// was observed.
type VelocitySample struct {
	Position time.Duration `json:"position"`
	At       time.Time     `json:"at"`
}
