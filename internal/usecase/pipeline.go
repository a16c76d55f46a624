// Package usecase wires the scrub pipeline: predictor → landing zone →
// coalescing → admission → scheduling, plus the gesture lifecycle exposed
// to the surrounding player.
package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"scrubengine/internal/app"
	"scrubengine/internal/domain"
	"scrubengine/internal/domain/ports"
	"scrubengine/internal/metrics"
	"scrubengine/internal/services/scrub/admission"
	"scrubengine/internal/services/scrub/gop"
	"scrubengine/internal/services/scrub/landing"
	"scrubengine/internal/services/scrub/predict"
	"scrubengine/internal/services/scrub/scheduler"
)

// clipContext is the per-clip pipeline state. It is reset, not destroyed,
// at scrub begin and on cold-reset recovery.
type clipContext struct {
	info          domain.ClipInfo
	lastDelivered time.Duration
	haveDelivered bool
}

// Pipeline coordinates one composition's scrub decoding.
type Pipeline struct {
	mu      sync.Mutex
	tuning  app.Tuning
	clips   map[domain.ClipID]*clipContext
	session *domain.ScrubSession

	predictor *predict.Predictor
	landing   *landing.Manager
	coalescer *gop.Coalescer
	adm       *admission.Controller
	sched     *scheduler.Scheduler
	cache     ports.FrameCache
	sink      ports.DiagnosticsSink
	logger    *slog.Logger
}

func NewPipeline(t app.Tuning, decoder ports.DecoderBackend, cache ports.FrameCache, sink ports.DiagnosticsSink, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if sink == nil {
		sink = ports.NopSink{}
	}
	adm := admission.NewController(t, sink, logger)
	return &Pipeline{
		tuning:    t,
		clips:     make(map[domain.ClipID]*clipContext),
		predictor: predict.New(t),
		landing:   landing.NewManager(cache, sink, t),
		coalescer: gop.New(t.GOPStaleAge, sink),
		adm:       adm,
		sched:     scheduler.New(t, decoder, cache, adm, sink, logger),
		cache:     cache,
		sink:      sink,
		logger:    logger,
	}
}

// Run starts the watchdog loop; it returns when ctx is cancelled.
func (p *Pipeline) Run(ctx context.Context) {
	p.sched.Run(ctx)
}

// Admission exposes the controller for the stats surface.
func (p *Pipeline) Admission() *admission.Controller { return p.adm }

// Coalescer exposes the GOP decision counters for the stats surface.
func (p *Pipeline) Coalescer() *gop.Coalescer { return p.coalescer }

// Scheduler exposes the job tracker for the stats surface.
func (p *Pipeline) Scheduler() *scheduler.Scheduler { return p.sched }

// RegisterClip adds a clip to the composition.
func (p *Pipeline) RegisterClip(info domain.ClipInfo) error {
	if info.ID == "" {
		return fmt.Errorf("clip id required")
	}
	if info.FrameRate <= 0 || info.GOPLength <= 0 {
		return fmt.Errorf("clip %s: frameRate and gopLength must be positive", info.ID)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.clips[info.ID]; ok {
		return domain.ErrClipExists
	}
	p.clips[info.ID] = &clipContext{info: info}
	return nil
}

// RemoveClip drops a clip, cancelling its outstanding work.
func (p *Pipeline) RemoveClip(id domain.ClipID) error {
	p.mu.Lock()
	_, ok := p.clips[id]
	delete(p.clips, id)
	p.mu.Unlock()
	if !ok {
		return domain.ErrNotFound
	}
	p.sched.CancelClip(id)
	p.adm.ForceReleaseForClip(id, "clip_removed")
	p.cache.Forget(id)
	return nil
}

// Clips lists the registered clips.
func (p *Pipeline) Clips() []domain.ClipInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.ClipInfo, 0, len(p.clips))
	for _, cc := range p.clips {
		out = append(out, cc.info)
	}
	return out
}

// BeginScrub opens a gesture. The epoch must be strictly greater than the
// previous one: it is what invalidates callbacks from a superseded session.
func (p *Pipeline) BeginScrub(epoch domain.Epoch) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.session != nil && epoch <= p.session.Epoch {
		return fmt.Errorf("epoch %d not newer than current %d", epoch, p.session.Epoch)
	}
	p.session = &domain.ScrubSession{
		Epoch:     epoch,
		Direction: domain.DirStopped,
		StartedAt: time.Now(),
	}
	p.predictor.Reset()
	p.adm.ResetGesture()
	p.sched.ResetFailureCounts()
	p.logger.Info("scrub session started", slog.Uint64("epoch", uint64(epoch)))
	return nil
}

// UpdateScrub drives one scrub sample through the whole pipeline.
func (p *Pipeline) UpdateScrub(position time.Duration, at time.Time) error {
	p.mu.Lock()
	if p.session == nil {
		p.mu.Unlock()
		return domain.ErrNoSession
	}
	epoch := p.session.Epoch

	p.predictor.Observe(domain.VelocitySample{Position: position, At: at})
	predicted, window := p.predictor.Predict()
	velocity := p.predictor.Velocity()
	dir := p.predictor.Direction()

	p.session.Direction = dir
	p.session.Velocity = velocity

	type clipWork struct {
		cc   *clipContext
		info domain.ClipInfo
		last time.Duration
		have bool
	}
	work := make([]clipWork, 0, len(p.clips))
	for _, cc := range p.clips {
		work = append(work, clipWork{cc: cc, info: cc.info, last: cc.lastDelivered, have: cc.haveDelivered})
	}
	warmRequired := p.tuning.WarmRequiredMin
	p.mu.Unlock()

	now := time.Now()
	for _, w := range work {
		p.coalescer.CancelIrrelevant(w.info, dir, position)

		zone, targets := p.landing.Compute(landing.Input{
			Clip:          w.info,
			Current:       position,
			Predicted:     predicted,
			Window:        window,
			Velocity:      velocity,
			Direction:     dir,
			LastDelivered: w.last,
			HaveDelivered: w.have,
		})

		for _, target := range targets {
			p.dispatch(w.info, target, zone, dir, velocity, warmRequired, epoch, now, nil)
		}
	}
	return nil
}

// dispatch runs one target through coalescing and admission, scheduling a
// decode when both agree. done, when non-nil, is invoked once the job
// settles (used by the gesture-end deadline path).
//
// Deadline targets skip coalescing entirely: folding them onto an in-flight
// job would tie the gesture-end wait to a job that may hold a different
// frame of the group and never invokes done. A deadline decode always gets
// its own job.
func (p *Pipeline) dispatch(
	info domain.ClipInfo,
	target landing.Target,
	zone landing.Zone,
	dir domain.Direction,
	velocity float64,
	warmRequired int,
	epoch domain.Epoch,
	now time.Time,
	done func(scheduler.Result),
) {
	if target.Purpose != domain.PurposeDeadline {
		decision := p.coalescer.Decide(info, target.PTS, dir, now)
		switch decision.Kind {
		case gop.Reuse:
			if p.coalescer.Attach(decision.Key, gop.PendingTarget{
				PTS:     target.PTS,
				Purpose: target.Purpose,
				Urgent:  target.Urgent,
			}) {
				return
			}
			// The job settled between Decide and Attach: start fresh.
		case gop.Retarget:
			if p.sched.Retarget(decision.JobID, target.PTS) {
				return
			}
			// The decoder already holds the old target, so redirecting the
			// running job is impossible. Queue the reversal target instead;
			// it is dispatched as a follow-up when the job settles.
			if p.coalescer.Attach(decision.Key, gop.PendingTarget{
				PTS:     target.PTS,
				Purpose: target.Purpose,
				Urgent:  target.Urgent,
			}) {
				return
			}
		case gop.Cancel:
			// Decide never surfaces Cancel: the stale job is cancelled
			// internally and a Start is returned instead.
			return
		}
	}

	ticket, adm := p.adm.Admit(admission.Request{
		Clip:         info.ID,
		Direction:    dir,
		Velocity:     velocity,
		Purpose:      target.Purpose,
		Urgent:       target.Urgent,
		WarmBehind:   zone.WarmBehind,
		WarmRequired: warmRequired,
	})
	if !adm.Admitted {
		if done != nil {
			done(scheduler.Result{
				Clip:   info.ID,
				Target: target.PTS,
				Err:    &domain.AdmissionDenied{Clip: info.ID, Reason: adm.Reason},
				State:  domain.JobDenied,
			})
		}
		return
	}

	if target.Purpose == domain.PurposeDeadline {
		p.sched.Schedule(scheduler.Spec{
			Clip:      info.ID,
			Target:    target.PTS,
			Purpose:   target.Purpose,
			Direction: dir,
			Epoch:     epoch,
			Ticket:    ticket,
			OnDone: func(res scheduler.Result) {
				if res.State == domain.JobCompleted {
					p.markDelivered(info.ID, res.Target, epoch)
				}
				if done != nil {
					done(res)
				}
			},
		})
		return
	}

	key := info.GOPKeyFor(target.PTS)
	var settled atomic.Bool
	jobID := p.sched.Schedule(scheduler.Spec{
		Clip:      info.ID,
		Target:    target.PTS,
		Purpose:   target.Purpose,
		Direction: dir,
		Epoch:     epoch,
		Ticket:    ticket,
		OnDone: func(res scheduler.Result) {
			settled.Store(true)
			pending := p.coalescer.Complete(key, res.JobID)
			if res.State == domain.JobCompleted {
				p.markDelivered(info.ID, res.Target, epoch)
			}
			p.dispatchPending(info, zone, dir, velocity, warmRequired, epoch, pending)
			if done != nil {
				done(res)
			}
		},
	})

	err := p.coalescer.Register(key, gop.InflightJob{
		ID:        jobID,
		Target:    target.PTS,
		Direction: dir,
		StartedAt: now,
		Cancel:    func() { p.sched.Cancel(jobID) },
	})
	switch {
	case err != nil:
		// Lost the race with a concurrent start for the same group; fold
		// this job back in by cancelling it (ticket released inside).
		p.sched.Cancel(jobID)
	case settled.Load():
		// The job settled before Register landed, so its Complete found no
		// record and the one just installed would sit around swallowing
		// reuse decisions until it goes stale. Pull it back out and recover
		// anything attached in the meantime.
		p.dispatchPending(info, zone, dir, velocity, warmRequired, epoch,
			p.coalescer.Complete(key, jobID))
	}
}

// dispatchPending re-dispatches targets that were folded onto a settled job
// but not satisfied by its frame. Warm targets are dropped; the rest go
// through coalescing and admission again as ordinary requests.
func (p *Pipeline) dispatchPending(
	info domain.ClipInfo,
	zone landing.Zone,
	dir domain.Direction,
	velocity float64,
	warmRequired int,
	epoch domain.Epoch,
	pending []gop.PendingTarget,
) {
	if len(pending) == 0 {
		return
	}
	now := time.Now()
	for _, t := range pending {
		if p.cache.Warm(info.ID, t.PTS) {
			continue
		}
		p.dispatch(info, landing.Target{
			PTS:     t.PTS,
			Purpose: t.Purpose,
			Urgent:  t.Urgent,
		}, zone, dir, velocity, warmRequired, epoch, now, nil)
	}
}

// markDelivered records the last frame actually produced for a clip,
// ignoring callbacks from superseded sessions.
func (p *Pipeline) markDelivered(clip domain.ClipID, pts time.Duration, epoch domain.Epoch) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.session == nil || p.session.Epoch != epoch {
		return
	}
	if cc, ok := p.clips[clip]; ok {
		cc.lastDelivered = pts
		cc.haveDelivered = true
	}
}

// EndGesture issues the mandatory exact-frame decodes for the final playhead
// position and waits for them within the delivery budget.
func (p *Pipeline) EndGesture(ctx context.Context) error {
	p.mu.Lock()
	if p.session == nil {
		p.mu.Unlock()
		return domain.ErrNoSession
	}
	epoch := p.session.Epoch
	position := p.predictor.Position()
	infos := make([]domain.ClipInfo, 0, len(p.clips))
	for _, cc := range p.clips {
		infos = append(infos, cc.info)
	}
	budget := p.tuning.DeadlineBudget
	warmRequired := p.tuning.WarmRequiredMin
	p.mu.Unlock()

	start := time.Now()
	type outcome struct {
		clip domain.ClipID
		pts  time.Duration
		err  error
	}
	results := make(chan outcome, len(infos))
	waiting := 0

	for _, info := range infos {
		pts := time.Duration(info.FrameIndex(position)) * info.FrameStep()
		if p.cache.Warm(info.ID, pts) {
			p.sink.DeadlineResolved(ports.DeadlineEvent{Clip: info.ID, Target: pts, Met: true})
			continue
		}
		waiting++
		clip := info.ID
		p.dispatch(info, landing.Target{
			PTS:     pts,
			Purpose: domain.PurposeDeadline,
			Urgent:  true,
		}, landing.Zone{}, domain.DirStopped, 0, warmRequired, epoch, start, func(res scheduler.Result) {
			results <- outcome{clip: clip, pts: pts, err: res.Err}
		})
	}

	timer := time.NewTimer(budget)
	defer timer.Stop()

	var firstErr error
	for waiting > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case res := <-results:
			waiting--
			elapsed := time.Since(start)
			met := res.err == nil && elapsed <= budget
			if !met {
				metrics.DeadlineMissesTotal.Inc()
				if firstErr == nil {
					firstErr = fmt.Errorf("deadline decode for clip %s missed (elapsed %v): %w", res.clip, elapsed, errOrTimeout(res.err))
				}
			}
			p.sink.DeadlineResolved(ports.DeadlineEvent{Clip: res.clip, Target: res.pts, Met: met, Elapsed: elapsed})
		case <-timer.C:
			metrics.DeadlineMissesTotal.Inc()
			p.logger.Warn("gesture-end delivery budget exceeded",
				slog.Duration("budget", budget),
				slog.Int("outstanding", waiting),
			)
			return fmt.Errorf("gesture-end delivery budget %v exceeded with %d decodes outstanding", budget, waiting)
		}
	}
	return firstErr
}

func errOrTimeout(err error) error {
	if err != nil {
		return err
	}
	return context.DeadlineExceeded
}

// EndScrub closes the gesture: every outstanding job is cancelled (each
// cancellation releases its ticket synchronously) and histories reset for a
// clean next session.
func (p *Pipeline) EndScrub() {
	p.coalescer.Reset()
	p.sched.CancelAll()
	p.predictor.Reset()

	p.mu.Lock()
	if p.session != nil {
		p.logger.Info("scrub session ended", slog.Uint64("epoch", uint64(p.session.Epoch)))
	}
	p.session = nil
	p.mu.Unlock()
}

// Cleanup is the cold-reset path: EndScrub plus per-clip forced release and
// error counter resets.
func (p *Pipeline) Cleanup() {
	p.EndScrub()

	p.mu.Lock()
	ids := make([]domain.ClipID, 0, len(p.clips))
	for id, cc := range p.clips {
		ids = append(ids, id)
		cc.haveDelivered = false
		cc.lastDelivered = 0
	}
	p.mu.Unlock()

	for _, id := range ids {
		p.adm.ForceReleaseForClip(id, "cleanup")
	}
	p.sched.ResetFailureCounts()
	p.adm.Validate()
}

// Session returns a copy of the active session, if any.
func (p *Pipeline) Session() (domain.ScrubSession, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.session == nil {
		return domain.ScrubSession{}, false
	}
	return *p.session, true
}

// CurrentTuning implements app.TuningEngine.
func (p *Pipeline) CurrentTuning() app.Tuning {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tuning
}

// ApplyTuning implements app.TuningEngine: the new thresholds propagate to
// every component.
func (p *Pipeline) ApplyTuning(t app.Tuning) error {
	if err := t.Validate(); err != nil {
		return err
	}
	p.mu.Lock()
	p.tuning = t
	p.predictor.SetTuning(t)
	p.landing.SetTuning(t)
	p.mu.Unlock()

	p.coalescer.SetStaleAge(t.GOPStaleAge)
	p.adm.SetTuning(t)
	p.sched.SetTuning(t)
	return nil
}
