// Package scheduler assigns identity to decode jobs, runs them against the
// decoder backend, and sweeps stuck jobs so admitted work is always
// eventually released.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"scrubengine/internal/app"
	"scrubengine/internal/domain"
	"scrubengine/internal/domain/ports"
	"scrubengine/internal/metrics"
	"scrubengine/internal/services/scrub/admission"
)

// Result is the terminal outcome of one decode job.
type Result struct {
	JobID    domain.JobID
	Clip     domain.ClipID
	Target   time.Duration
	Frame    domain.Frame
	Err      error
	Kind     domain.DecodeErrorKind // set when Err != nil
	State    domain.JobState        // Completed, Failed, TimedOut or Cancelled
	Duration time.Duration
}

// Spec describes one decode job to schedule. OnDone runs exactly once when
// the job settles, from whichever path settled it (completion, failure,
// cancellation or watchdog reclaim).
type Spec struct {
	Clip      domain.ClipID
	Target    time.Duration
	Purpose   domain.Purpose
	Direction domain.Direction
	Epoch     domain.Epoch
	Ticket    *admission.Ticket
	OnDone    func(Result)
}

type job struct {
	id        domain.JobID
	spec      Spec
	target    atomic.Int64 // nanoseconds; retargetable until decode starts
	admitted  time.Time
	cancel    context.CancelFunc
	started   atomic.Bool
	settle    sync.Once
	state     domain.JobState // guarded by Scheduler.mu
}

// Scheduler runs decode jobs and the watchdog sweep.
type Scheduler struct {
	mu   sync.Mutex
	jobs map[domain.JobID]*job

	cfg     app.Tuning
	decoder ports.DecoderBackend
	cache   ports.FrameCache
	adm     *admission.Controller
	sink    ports.DiagnosticsSink
	logger  *slog.Logger
	now     func() time.Time

	nextID atomic.Int64

	// Per-clip failure pattern tracking for session rebuild.
	badData map[domain.ClipID]int
	stuck   map[domain.ClipID]int
}

func New(cfg app.Tuning, decoder ports.DecoderBackend, cache ports.FrameCache, adm *admission.Controller, sink ports.DiagnosticsSink, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		jobs:    make(map[domain.JobID]*job),
		cfg:     cfg,
		decoder: decoder,
		cache:   cache,
		adm:     adm,
		sink:    sink,
		logger:  logger,
		now:     time.Now,
		badData: make(map[domain.ClipID]int),
		stuck:   make(map[domain.ClipID]int),
	}
}

func (s *Scheduler) SetTuning(cfg app.Tuning) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

// Schedule registers a new decode job with a watchdog deadline and hands it
// to the decoder backend on its own goroutine.
func (s *Scheduler) Schedule(spec Spec) domain.JobID {
	id := domain.JobID(s.nextID.Add(1))
	ctx, cancel := context.WithCancel(context.Background())

	j := &job{
		id:       id,
		spec:     spec,
		admitted: s.now(),
		cancel:   cancel,
		state:    domain.JobAdmitted,
	}
	j.target.Store(int64(spec.Target))

	s.mu.Lock()
	s.jobs[id] = j
	s.mu.Unlock()

	go s.run(ctx, j)
	return id
}

func (s *Scheduler) run(ctx context.Context, j *job) {
	j.started.Store(true)
	s.transition(j, domain.JobRunning)

	target := time.Duration(j.target.Load())
	start := s.now()
	frame, err := s.decoder.Decode(ctx, j.spec.Clip, target)
	elapsed := s.now().Sub(start)

	if err != nil {
		kind := domain.DecodeErrKind(err)
		state := domain.JobFailed
		switch kind {
		case domain.DecodeCancelled:
			state = domain.JobCancelled
		case domain.DecodeTimeout:
			state = domain.JobTimedOut
		}
		s.settleJob(j, Result{
			JobID:    j.id,
			Clip:     j.spec.Clip,
			Target:   target,
			Err:      err,
			Kind:     kind,
			State:    state,
			Duration: elapsed,
		})
		return
	}

	s.cache.Insert(frame)
	metrics.DecodeDuration.Observe(elapsed.Seconds())
	s.settleJob(j, Result{
		JobID:    j.id,
		Clip:     j.spec.Clip,
		Target:   target,
		Frame:    frame,
		State:    domain.JobCompleted,
		Duration: elapsed,
	})
}

// settleJob performs the single terminal transition for a job: release the
// admission ticket, update failure-pattern counters, drop the job from the
// tracked set, and invoke the completion callback. Guarded by sync.Once so
// the decode goroutine and the watchdog cannot both settle the same job.
func (s *Scheduler) settleJob(j *job, res Result) {
	j.settle.Do(func() {
		if res.State == domain.JobCompleted {
			s.adm.MarkCompleted(j.spec.Ticket)
		} else {
			s.adm.OnFailureOrTimeout(j.spec.Ticket)
			metrics.DecodeFailuresTotal.WithLabelValues(string(res.Kind)).Inc()
		}

		s.transition(j, res.State)
		s.transition(j, domain.JobReleased)

		s.mu.Lock()
		delete(s.jobs, j.id)
		rebuild := false
		switch {
		case res.State == domain.JobCompleted:
			s.badData[j.spec.Clip] = 0
			s.stuck[j.spec.Clip] = 0
		case res.Kind == domain.DecodeBadData || res.Kind == domain.DecodeSessionInvalid:
			s.badData[j.spec.Clip]++
			rebuild = s.badData[j.spec.Clip] >= s.cfg.RebuildAfterBadData
		case res.State == domain.JobTimedOut:
			s.stuck[j.spec.Clip]++
			rebuild = s.stuck[j.spec.Clip] >= s.cfg.RebuildAfterBadData
		}
		if rebuild {
			s.badData[j.spec.Clip] = 0
			s.stuck[j.spec.Clip] = 0
		}
		s.mu.Unlock()

		if rebuild {
			s.rebuildSession(j.spec.Clip)
		}
		if j.spec.OnDone != nil {
			j.spec.OnDone(res)
		}
	})
}

// rebuildSession resets the clip's decoder session after a repeated failure
// pattern. Per-clip isolation: other clips are untouched.
func (s *Scheduler) rebuildSession(clip domain.ClipID) {
	s.logger.Warn("rebuilding decoder session", slog.String("clip", string(clip)))
	metrics.SessionRebuildsTotal.Inc()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.decoder.ResetSession(ctx, clip); err != nil {
		s.logger.Error("decoder session rebuild failed",
			slog.String("clip", string(clip)),
			slog.String("error", err.Error()),
		)
	}
}

// Retarget redirects a job that has not started decoding yet. Returns false
// once the decoder already holds the original target; GOP decode covers the
// whole group either way, so a late retarget only loses the fast path.
func (s *Scheduler) Retarget(id domain.JobID, target time.Duration) bool {
	s.mu.Lock()
	j, ok := s.jobs[id]
	s.mu.Unlock()
	if !ok || j.started.Load() {
		return false
	}
	j.target.Store(int64(target))
	return true
}

// Cancel synchronously cancels a job and releases its admission ticket
// before returning. Safe to call for already-settled jobs.
func (s *Scheduler) Cancel(id domain.JobID) {
	s.mu.Lock()
	j, ok := s.jobs[id]
	s.mu.Unlock()
	if !ok {
		return
	}
	j.cancel()
	s.settleJob(j, Result{
		JobID:  j.id,
		Clip:   j.spec.Clip,
		Target: time.Duration(j.target.Load()),
		Err:    context.Canceled,
		Kind:   domain.DecodeCancelled,
		State:  domain.JobCancelled,
	})
}

// CancelClip cancels every outstanding job for one clip.
func (s *Scheduler) CancelClip(clip domain.ClipID) {
	for _, j := range s.snapshot() {
		if j.spec.Clip == clip {
			s.Cancel(j.id)
		}
	}
}

// CancelAll cancels every outstanding job. Gesture cleanup path.
func (s *Scheduler) CancelAll() {
	for _, j := range s.snapshot() {
		s.Cancel(j.id)
	}
}

// ResetFailureCounts clears the per-clip failure pattern counters for a
// clean next session.
func (s *Scheduler) ResetFailureCounts() {
	s.mu.Lock()
	s.badData = make(map[domain.ClipID]int)
	s.stuck = make(map[domain.ClipID]int)
	s.mu.Unlock()
}

// Outstanding returns the number of tracked, unsettled jobs.
func (s *Scheduler) Outstanding() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

func (s *Scheduler) snapshot() []*job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	return out
}

func (s *Scheduler) transition(j *job, to domain.JobState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if domain.CanTransition(j.state, to) {
		j.state = to
	}
}
