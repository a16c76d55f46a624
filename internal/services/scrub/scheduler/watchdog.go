package scheduler

import (
	"context"
	"log/slog"
	"time"

	"scrubengine/internal/domain"
	"scrubengine/internal/domain/ports"
	"scrubengine/internal/metrics"
)

// Run drives the watchdog sweep until the context is cancelled. The sweep
// interval bounds how long a leaked ticket can remain outstanding, so it is
// the system's deadlock-prevention ceiling.
func (s *Scheduler) Run(ctx context.Context) {
	s.mu.Lock()
	interval := s.cfg.SweepInterval
	s.mu.Unlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
			s.adm.Validate()
		}
	}
}

// Sweep forcibly fails every outstanding job older than the stuck-task
// threshold. The decision depends on job age alone — never on auxiliary
// cleanup flags that can desynchronize from reality while the job is
// actually stuck.
func (s *Scheduler) Sweep() int {
	now := s.now()

	s.mu.Lock()
	threshold := s.cfg.StuckAfter
	var expired []*job
	for _, j := range s.jobs {
		if now.Sub(j.admitted) > threshold {
			expired = append(expired, j)
		}
	}
	s.mu.Unlock()

	for _, j := range expired {
		age := now.Sub(j.admitted)
		j.cancel()
		s.settleJob(j, Result{
			JobID:  j.id,
			Clip:   j.spec.Clip,
			Target: time.Duration(j.target.Load()),
			Err:    &domain.DecodeError{Clip: j.spec.Clip, Kind: domain.DecodeTimeout},
			Kind:   domain.DecodeTimeout,
			State:  domain.JobTimedOut,
		})

		s.logger.Warn("watchdog reclaimed stuck decode",
			slog.Int64("jobId", int64(j.id)),
			slog.String("clip", string(j.spec.Clip)),
			slog.Duration("age", age),
		)
		metrics.WatchdogReclaimsTotal.Inc()
		s.sink.WatchdogReclaimed(ports.WatchdogEvent{
			JobID: j.id,
			Clip:  j.spec.Clip,
			Age:   age,
		})
	}
	return len(expired)
}
