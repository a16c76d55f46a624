// Package gop deduplicates decode requests that fall in the same
// decode-dependency group. Decoding is far cheaper when done once per group
// and fanned out to every target inside it than when restarted mid-group.
package gop

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"scrubengine/internal/domain"
	"scrubengine/internal/domain/ports"
	"scrubengine/internal/metrics"
)

// Kind is the coalescing decision for one target request. The variants are
// exhaustive and mutually exclusive.
type Kind int

const (
	Start Kind = iota
	Reuse
	Retarget
	Cancel
)

func (k Kind) String() string {
	switch k {
	case Start:
		return "start"
	case Reuse:
		return "reuse"
	case Retarget:
		return "retarget"
	case Cancel:
		return "cancel"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Decision is the outcome of Decide. JobID is set for Reuse and Retarget.
type Decision struct {
	Kind  Kind
	Key   domain.GOPKey
	JobID domain.JobID
}

// InflightJob is the handle the coalescer keeps for the single decode job
// satisfying a GOPKey. Cancel must synchronously release the job's
// admission ticket: a cancelled job can never leave a ticket unreleased.
type InflightJob struct {
	ID        domain.JobID
	Target    time.Duration
	Direction domain.Direction
	StartedAt time.Time
	Cancel    func()
}

// PendingTarget is a target folded onto an in-flight job. It keeps enough of
// the original request to re-dispatch once the job settles without the frame.
type PendingTarget struct {
	PTS     time.Duration
	Purpose domain.Purpose
	Urgent  bool
}

type record struct {
	job     InflightJob
	pending []PendingTarget
}

// Counters are the aggregate decision counts for diagnostics.
type Counters struct {
	Starts    uint64 `json:"starts"`
	Reuses    uint64 `json:"reuses"`
	Retargets uint64 `json:"retargets"`
	Cancels   uint64 `json:"cancels"`
}

// Coalescer tracks at most one in-flight decode job per GOPKey.
type Coalescer struct {
	mu       sync.Mutex
	records  map[domain.GOPKey]*record
	staleAge time.Duration
	counters Counters
	sink     ports.DiagnosticsSink
	now      func() time.Time
}

func New(staleAge time.Duration, sink ports.DiagnosticsSink) *Coalescer {
	return &Coalescer{
		records:  make(map[domain.GOPKey]*record),
		staleAge: staleAge,
		sink:     sink,
		now:      time.Now,
	}
}

func (c *Coalescer) SetStaleAge(d time.Duration) {
	c.mu.Lock()
	c.staleAge = d
	c.mu.Unlock()
}

// Decide resolves one target request against the in-flight job for its
// group, if any:
//
//   - no record → Start a fresh job (caller must Register it);
//   - young job, same direction → Reuse: no new decode is issued; the
//     caller Attaches the target so it is recovered when the job settles;
//   - young job, direction reversed inside the group → Retarget: the job's
//     target is redirected to the new one;
//   - stale job → Cancel it (ticket released synchronously) and report
//     Start for a fresh job.
func (c *Coalescer) Decide(clip domain.ClipInfo, target time.Duration, dir domain.Direction, now time.Time) Decision {
	key := clip.GOPKeyFor(target)

	c.mu.Lock()
	rec, ok := c.records[key]
	if !ok {
		c.counters.Starts++
		c.mu.Unlock()
		c.observe(Decision{Kind: Start, Key: key}, target, 0)
		return Decision{Kind: Start, Key: key}
	}

	age := now.Sub(rec.job.StartedAt)
	if age >= c.staleAge {
		cancel := rec.job.Cancel
		jobID := rec.job.ID
		delete(c.records, key)
		c.counters.Cancels++
		c.counters.Starts++
		c.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		c.observe(Decision{Kind: Cancel, Key: key, JobID: jobID}, target, age)
		c.observe(Decision{Kind: Start, Key: key}, target, 0)
		return Decision{Kind: Start, Key: key}
	}

	if dir != domain.DirStopped && rec.job.Direction != domain.DirStopped && dir != rec.job.Direction {
		rec.job.Target = target
		rec.job.Direction = dir
		c.counters.Retargets++
		d := Decision{Kind: Retarget, Key: key, JobID: rec.job.ID}
		c.mu.Unlock()
		c.observe(d, target, age)
		return d
	}

	c.counters.Reuses++
	d := Decision{Kind: Reuse, Key: key, JobID: rec.job.ID}
	c.mu.Unlock()
	c.observe(d, target, age)
	return d
}

// Register installs the in-flight job for a key after a Start decision was
// admitted and scheduled. At most one record may exist per key.
func (c *Coalescer) Register(key domain.GOPKey, job InflightJob) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.records[key]; ok {
		return fmt.Errorf("gop record for %v already in flight", key)
	}
	c.records[key] = &record{job: job}
	return nil
}

// Attach folds a target onto the in-flight job for key. It reports false
// when no record holds the key anymore, meaning the job settled in between
// and the caller must dispatch the target itself.
func (c *Coalescer) Attach(key domain.GOPKey, t PendingTarget) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.records[key]
	if !ok {
		return false
	}
	rec.pending = append(rec.pending, t)
	return true
}

// Complete removes the record once its job settled (success or failure) and
// returns the pending targets that were coalesced onto it. A mismatched job
// id means the record was already replaced and is left alone.
func (c *Coalescer) Complete(key domain.GOPKey, id domain.JobID) []PendingTarget {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.records[key]
	if !ok || rec.job.ID != id {
		return nil
	}
	delete(c.records, key)
	return rec.pending
}

// CancelIrrelevant cancels in-flight jobs for groups on the wrong side of
// the playhead after a direction change crossed a group boundary.
func (c *Coalescer) CancelIrrelevant(clip domain.ClipInfo, dir domain.Direction, current time.Duration) int {
	if dir == domain.DirStopped {
		return 0
	}
	currentGroup := clip.GOPIndex(current)

	c.mu.Lock()
	var stale []*record
	for key, rec := range c.records {
		if key.Clip != clip.ID {
			continue
		}
		irrelevant := (dir == domain.DirBackward && key.Group > currentGroup) ||
			(dir == domain.DirForward && key.Group < currentGroup)
		if irrelevant {
			stale = append(stale, rec)
			delete(c.records, key)
			c.counters.Cancels++
		}
	}
	c.mu.Unlock()

	for _, rec := range stale {
		if rec.job.Cancel != nil {
			rec.job.Cancel()
		}
		slog.Debug("cancelled decode for irrelevant group",
			slog.String("clip", string(clip.ID)),
			slog.Int64("jobId", int64(rec.job.ID)),
		)
		metrics.GOPDecisionsTotal.WithLabelValues("cancel").Inc()
	}
	return len(stale)
}

// Reset cancels every in-flight record. Used by gesture cleanup; every
// cancel releases its ticket before Reset returns.
func (c *Coalescer) Reset() {
	c.mu.Lock()
	recs := make([]*record, 0, len(c.records))
	for key, rec := range c.records {
		recs = append(recs, rec)
		delete(c.records, key)
	}
	c.mu.Unlock()

	for _, rec := range recs {
		if rec.job.Cancel != nil {
			rec.job.Cancel()
		}
	}
}

func (c *Coalescer) Counters() Counters {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counters
}

// Outstanding returns the number of tracked in-flight groups.
func (c *Coalescer) Outstanding() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}

func (c *Coalescer) observe(d Decision, target time.Duration, age time.Duration) {
	metrics.GOPDecisionsTotal.WithLabelValues(d.Kind.String()).Inc()
	c.sink.GOPDecided(ports.GOPEvent{
		Key:    d.Key,
		Kind:   d.Kind.String(),
		Target: target,
		JobID:  d.JobID,
		JobAge: age,
	})
}
