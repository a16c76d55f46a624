package ports

import (
	"time"

	"scrubengine/internal/domain"
)

// AdmissionEvent records one admission decision with the counters at the
// moment of the decision.
type AdmissionEvent struct {
	Clip           domain.ClipID     `json:"clip"`
	Purpose        domain.Purpose    `json:"purpose"`
	Direction      domain.Direction  `json:"direction"`
	Admitted       bool              `json:"admitted"`
	Reason         domain.DenyReason `json:"reason,omitempty"`
	ClipInflight   int               `json:"clipInflight"`
	GlobalInflight int               `json:"globalInflight"`
}

// GOPEvent records one coalescing decision.
type GOPEvent struct {
	Key    domain.GOPKey `json:"key"`
	Kind   string        `json:"kind"` // start | reuse | retarget | cancel
	Target time.Duration `json:"target"`
	JobID  domain.JobID  `json:"jobId,omitempty"`
	JobAge time.Duration `json:"jobAge,omitempty"`
}

// WatchdogEvent records one forced reclamation.
type WatchdogEvent struct {
	JobID domain.JobID  `json:"jobId"`
	Clip  domain.ClipID `json:"clip"`
	Age   time.Duration `json:"age"`
}

// LandingZoneEvent records warm/cold counts for one recomputed zone.
type LandingZoneEvent struct {
	Clip       domain.ClipID `json:"clip"`
	WarmBehind int           `json:"warmBehind"`
	WarmAhead  int           `json:"warmAhead"`
	ColdBehind int           `json:"coldBehind"`
	ColdAhead  int           `json:"coldAhead"`
	Repair     bool          `json:"repair"`
}

// DeadlineEvent records the outcome of an end-of-gesture exact-frame decode.
type DeadlineEvent struct {
	Clip    domain.ClipID `json:"clip"`
	Target  time.Duration `json:"target"`
	Met     bool          `json:"met"`
	Elapsed time.Duration `json:"elapsed"`
}

// DiagnosticsSink consumes structured engine events. Implementations must
// not block: the callers sit on admission and watchdog hot paths.
type DiagnosticsSink interface {
	AdmissionDecided(e AdmissionEvent)
	GOPDecided(e GOPEvent)
	WatchdogReclaimed(e WatchdogEvent)
	LandingZoneComputed(e LandingZoneEvent)
	DeadlineResolved(e DeadlineEvent)
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) AdmissionDecided(AdmissionEvent)      {}
func (NopSink) GOPDecided(GOPEvent)                  {}
func (NopSink) WatchdogReclaimed(WatchdogEvent)      {}
func (NopSink) LandingZoneComputed(LandingZoneEvent) {}
func (NopSink) DeadlineResolved(DeadlineEvent)       {}
