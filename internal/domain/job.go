package domain

import (
	"errors"
	"time"
)

type JobID int64

// JobState is the lifecycle of a decode job. Denied and Released are the
// only terminal states; every admitted job must pass through exactly one
// ticket release on its way to Released.
type JobState string

const (
	JobRequested JobState = "requested"
	JobDenied    JobState = "denied"
	JobAdmitted  JobState = "admitted"
	JobRunning   JobState = "running"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
	JobTimedOut  JobState = "timed-out"
	JobCancelled JobState = "cancelled"
	JobReleased  JobState = "released"
)

var ErrInvalidTransition = errors.New("invalid job state transition")

var validJobTransitions = map[JobState][]JobState{
	JobRequested: {JobDenied, JobAdmitted},
	JobAdmitted:  {JobRunning, JobCancelled, JobTimedOut},
	JobRunning:   {JobCompleted, JobFailed, JobTimedOut, JobCancelled},
	JobCompleted: {JobReleased},
	JobFailed:    {JobReleased},
	JobTimedOut:  {JobReleased},
	JobCancelled: {JobReleased},
}

// CanTransition reports whether a job may move from one state to another.
func CanTransition(from, to JobState) bool {
	for _, t := range validJobTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Terminal reports whether a state has no outgoing transitions.
func (s JobState) Terminal() bool {
	return s == JobDenied || s == JobReleased
}

// DecodeJob is one requested decode operation against a clip.
type DecodeJob struct {
	ID        JobID         `json:"id"`
	Clip      ClipID        `json:"clip"`
	Target    time.Duration `json:"target"`
	Purpose   Purpose       `json:"purpose"`
	Direction Direction     `json:"direction"`
	Epoch     Epoch         `json:"epoch"`
	State     JobState      `json:"state"`
	CreatedAt time.Time     `json:"createdAt"`
}

// Frame is a decoded picture keyed by clip and presentation time. Pixel
// contents are opaque to this subsystem.
type Frame struct {
	Clip     ClipID
	PTS      time.Duration
	Keyframe bool
	Data     []byte
}
