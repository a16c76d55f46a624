// Package admission gates decode requests under per-clip and global
// concurrency budgets with reverse-priority slot reservation. All mutable
// admission state lives behind one mutex so check-then-increment is never
// racy; nothing in here blocks on decode I/O.
package admission

import (
	"log/slog"
	"math"
	"sync"
	"time"

	"scrubengine/internal/app"
	"scrubengine/internal/domain"
	"scrubengine/internal/domain/ports"
	"scrubengine/internal/metrics"
)

// Pool names the per-clip priority capacity pools.
type Pool string

const (
	PoolNone     Pool = ""
	PoolReverse  Pool = "reverse"
	PoolRepair   Pool = "repair"
	PoolDeadline Pool = "deadline"
)

// Request carries everything one admission decision needs.
type Request struct {
	Clip         domain.ClipID
	Direction    domain.Direction
	Velocity     float64
	Purpose      domain.Purpose
	Urgent       bool
	WarmBehind   int
	WarmRequired int
}

// Decision is the outcome of an admission check.
type Decision struct {
	Admitted   bool
	Reason     domain.DenyReason // set when denied
	Pool       Pool              // set when the grant reserves a priority slot
	Overridden bool              // deadline override past a hard limit (logged)
}

type clipState struct {
	inflight      int
	lastDecodeFwd time.Time
	lastDecodeRev time.Time
	burstUntil    time.Time
	reverseSince  time.Time // first reverse-direction start this gesture
	lastProgress  time.Time
	generation    uint64
	poolUsed      map[Pool]int
}

func newClipState() *clipState {
	return &clipState{poolUsed: make(map[Pool]int)}
}

// Controller owns all in-flight accounting. Every grant is represented by a
// Ticket released exactly once; the ticket, not the caller, enforces that.
type Controller struct {
	mu     sync.Mutex
	cfg    app.Tuning
	sink   ports.DiagnosticsSink
	logger *slog.Logger
	now    func() time.Time

	global int
	clips  map[domain.ClipID]*clipState
}

func NewController(cfg app.Tuning, sink ports.DiagnosticsSink, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		cfg:    cfg,
		sink:   sink,
		logger: logger,
		now:    time.Now,
		clips:  make(map[domain.ClipID]*clipState),
	}
}

// SetNow overrides the clock. Tests only.
func (c *Controller) SetNow(now func() time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

func (c *Controller) SetTuning(cfg app.Tuning) {
	c.mu.Lock()
	c.cfg = cfg
	c.mu.Unlock()
}

// CheckAdmission evaluates a request without reserving anything.
func (c *Controller) CheckAdmission(req Request) Decision {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.decideLocked(req, c.now())
}

// Admit evaluates a request and, if it fits, reserves the budgets and
// returns the ticket representing the reservation. The check and the
// increment happen under one lock acquisition.
func (c *Controller) Admit(req Request) (*Ticket, Decision) {
	c.mu.Lock()
	now := c.now()
	d := c.decideLocked(req, now)

	if !d.Admitted && req.Purpose == domain.PurposeDeadline &&
		(d.Reason == domain.DenyGlobalLimit || d.Reason == domain.DenyClipLimit) {
		// End-of-gesture delivery wins over budget limits. The override is
		// transient, counted against the budgets like any other grant, and
		// always logged.
		d = Decision{Admitted: true, Pool: PoolNone, Overridden: true}
	}

	var ticket *Ticket
	if d.Admitted {
		ticket = c.reserveLocked(req, d.Pool, now)
	}
	cs := c.clipLocked(req.Clip)
	ev := ports.AdmissionEvent{
		Clip:           req.Clip,
		Purpose:        req.Purpose,
		Direction:      req.Direction,
		Admitted:       d.Admitted,
		Reason:         d.Reason,
		ClipInflight:   cs.inflight,
		GlobalInflight: c.global,
	}
	c.mu.Unlock()

	if d.Overridden {
		c.logger.Warn("deadline admission override",
			slog.String("clip", string(req.Clip)),
			slog.Int("globalInflight", ev.GlobalInflight),
			slog.Int("clipInflight", ev.ClipInflight),
		)
	}
	if d.Admitted {
		metrics.AdmissionDecisionsTotal.WithLabelValues("admit", "").Inc()
	} else {
		metrics.AdmissionDecisionsTotal.WithLabelValues("deny", string(d.Reason)).Inc()
	}
	c.sink.AdmissionDecided(ev)
	return ticket, d
}

// decideLocked evaluates the deny reasons in their documented order:
// global_limit, clip_limit, clip_limit_far, rate_gate, reverse_slot.
func (c *Controller) decideLocked(req Request, now time.Time) Decision {
	urgent := req.Urgent || req.WarmBehind < req.WarmRequired
	cs := c.clipLocked(req.Clip)

	// Global budget. Reverse scrubbing gets the reserved slack on top of
	// the base allowance; urgent requests get a little more.
	globalAllow := c.cfg.GlobalMax
	if req.Direction == domain.DirBackward {
		globalAllow += c.cfg.ReverseSlack
	}
	if urgent {
		globalAllow += c.cfg.UrgentGlobalSlack
	}
	if c.global >= globalAllow {
		return Decision{Reason: domain.DenyGlobalLimit}
	}

	// Per-clip budget, widened by burst, rescue, urgency and warm
	// starvation, but never past the whole reverse allowance: one clip must
	// not be able to starve the rest of the composition.
	clipAllow := c.cfg.PerClipMax
	if now.Before(cs.burstUntil) {
		clipAllow += c.cfg.BurstBonus
	}
	if c.rescueActiveLocked(cs, now) {
		clipAllow += c.cfg.RescueBonus
	}
	if urgent {
		clipAllow += c.cfg.UrgentClipSlack
		if req.WarmBehind < req.WarmRequired {
			clipAllow += c.cfg.WarmSlack
		}
	}
	if cap := c.cfg.GlobalMax + c.cfg.ReverseSlack; clipAllow > cap {
		clipAllow = cap
	}
	if cs.inflight >= clipAllow {
		return Decision{Reason: domain.DenyClipLimit}
	}

	// Softer ceiling for speculative far-ahead prefetch: at high velocity
	// those frames will likely be scrubbed past before they decode.
	if !urgent && req.Purpose == domain.PurposePredictive &&
		math.Abs(req.Velocity) >= c.cfg.FarVelocity && cs.inflight >= c.cfg.PerClipFarMax {
		return Decision{Reason: domain.DenyClipLimitFar}
	}

	// Rate gate: minimum inter-decode spacing per clip, direction
	// dependent. The comparison is inclusive — a decode attempt at exactly
	// the minimum interval is admitted. An exclusive comparison skips
	// decodes exactly at the boundary and stalls delivery at regular
	// frame-period intervals.
	if !urgent && req.Purpose != domain.PurposeDeadline {
		last, min := cs.lastDecodeFwd, c.cfg.MinIntervalFwd
		if req.Direction == domain.DirBackward {
			last, min = cs.lastDecodeRev, c.cfg.MinIntervalRev
		}
		if !last.IsZero() && now.Sub(last) < min {
			return Decision{Reason: domain.DenyRateGate}
		}
	}

	// Priority pools. Repair and deadline purposes hold dedicated slots;
	// a deadline request may take a free repair slot (never the other way
	// around) because end-of-gesture delivery wins. Ordinary backward
	// requests that need the reserve slack beyond the base global budget
	// hold a reverse slot.
	pool := PoolNone
	switch {
	case req.Purpose == domain.PurposeRepair:
		if cs.poolUsed[PoolRepair] >= c.cfg.RepairPoolSize {
			return Decision{Reason: domain.DenyReverseSlot}
		}
		pool = PoolRepair
	case req.Purpose == domain.PurposeDeadline:
		switch {
		case cs.poolUsed[PoolDeadline] < c.cfg.DeadlinePoolSize:
			pool = PoolDeadline
		case cs.poolUsed[PoolRepair] < c.cfg.RepairPoolSize:
			pool = PoolRepair
		default:
			return Decision{Reason: domain.DenyReverseSlot}
		}
	case req.Direction == domain.DirBackward && c.global >= c.cfg.GlobalMax:
		if cs.poolUsed[PoolReverse] >= c.cfg.ReversePoolSize {
			return Decision{Reason: domain.DenyReverseSlot}
		}
		pool = PoolReverse
	}

	return Decision{Admitted: true, Pool: pool}
}

// rescueActiveLocked reports whether the clip has been waiting past the
// rescue threshold without completing anything, which indicates soft
// starvation worth breaking with extra headroom.
func (c *Controller) rescueActiveLocked(cs *clipState, now time.Time) bool {
	if cs.reverseSince.IsZero() {
		return false
	}
	ref := cs.lastProgress
	if ref.IsZero() || cs.reverseSince.After(ref) {
		ref = cs.reverseSince
	}
	return now.Sub(ref) > c.cfg.RescueWait
}

// MarkStarted reserves budgets for an already-checked request and returns
// the ticket. Callers normally use Admit; this exists for flows that split
// the check from the start.
func (c *Controller) MarkStarted(req Request, pool Pool) *Ticket {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reserveLocked(req, pool, c.now())
}

func (c *Controller) reserveLocked(req Request, pool Pool, now time.Time) *Ticket {
	cs := c.clipLocked(req.Clip)
	cs.inflight++
	c.global++
	if pool != PoolNone {
		cs.poolUsed[pool]++
	}
	if req.Direction == domain.DirBackward && cs.reverseSince.IsZero() {
		// First reverse job this gesture: open a temporary burst allowance
		// and start the rescue clock.
		cs.reverseSince = now
		cs.burstUntil = now.Add(c.cfg.BurstDuration)
	}
	metrics.GlobalInflight.Set(float64(c.global))
	return &Ticket{
		ctl:        c,
		clip:       req.Clip,
		direction:  req.Direction,
		pool:       pool,
		generation: cs.generation,
	}
}

// MarkCompleted releases a ticket on the success path: counters decrement,
// the clip's last-decode time feeds the rate gate, and any priority slot is
// returned.
func (c *Controller) MarkCompleted(t *Ticket) {
	if t == nil {
		return
	}
	t.release(true)
}

// OnFailureOrTimeout releases a ticket from any failure path: explicit
// decode failure, cancellation, or the watchdog. Bookkeeping matches
// MarkCompleted except the rate gate is not fed. Safe against double
// invocation for the same ticket.
func (c *Controller) OnFailureOrTimeout(t *Ticket) {
	if t == nil {
		return
	}
	t.release(false)
}

func (c *Controller) releaseLocked(t *Ticket, completed bool, now time.Time) {
	cs := c.clipLocked(t.clip)
	if t.generation != cs.generation {
		// The clip was force-reset after this ticket was granted; its
		// reservation is already gone.
		return
	}
	if cs.inflight > 0 {
		cs.inflight--
	}
	if c.global > 0 {
		c.global--
	}
	if t.pool != PoolNone && cs.poolUsed[t.pool] > 0 {
		cs.poolUsed[t.pool]--
	}
	if completed {
		if t.direction == domain.DirBackward {
			cs.lastDecodeRev = now
		} else {
			cs.lastDecodeFwd = now
		}
		cs.lastProgress = now
	}
	metrics.GlobalInflight.Set(float64(c.global))
}

// ForceReleaseForClip zeroes a clip's accounting. Emergency path for
// cold-reset and error recovery; outstanding tickets for the clip become
// no-ops via the generation bump.
func (c *Controller) ForceReleaseForClip(clip domain.ClipID, reason string) {
	c.mu.Lock()
	cs := c.clipLocked(clip)
	released := cs.inflight
	c.global -= cs.inflight
	if c.global < 0 {
		c.global = 0
	}
	cs.inflight = 0
	cs.poolUsed = make(map[Pool]int)
	cs.burstUntil = time.Time{}
	cs.reverseSince = time.Time{}
	cs.generation++
	metrics.GlobalInflight.Set(float64(c.global))
	c.mu.Unlock()

	if released > 0 {
		c.logger.Warn("forced clip release",
			slog.String("clip", string(clip)),
			slog.String("reason", reason),
			slog.Int("released", released),
		)
	}
	metrics.ForcedClipReleasesTotal.WithLabelValues(reason).Inc()
}

// ResetGesture clears per-gesture pacing state (burst, rescue, rate gate)
// for every clip while leaving in-flight accounting alone.
func (c *Controller) ResetGesture() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, cs := range c.clips {
		cs.burstUntil = time.Time{}
		cs.reverseSince = time.Time{}
		cs.lastDecodeFwd = time.Time{}
		cs.lastDecodeRev = time.Time{}
		cs.lastProgress = time.Time{}
	}
}

// Validate detects and corrects inflight-exceeds-max accounting errors.
// This is the failsafe against ticket leaks: every correction is logged and
// counted, never silent.
func (c *Controller) Validate() {
	c.mu.Lock()
	type correction struct {
		err *domain.InvariantViolation
	}
	var fixes []correction

	clipCap := c.cfg.GlobalMax + c.cfg.ReverseSlack
	for id, cs := range c.clips {
		if cs.inflight > clipCap {
			fixes = append(fixes, correction{err: &domain.InvariantViolation{Clip: id, Inflight: cs.inflight, Max: clipCap}})
			cs.inflight = clipCap
		}
	}
	globalCap := c.cfg.GlobalMax + c.cfg.ReverseSlack + c.cfg.UrgentGlobalSlack
	if c.global > globalCap {
		fixes = append(fixes, correction{err: &domain.InvariantViolation{Inflight: c.global, Max: globalCap}})
		c.global = globalCap
		metrics.GlobalInflight.Set(float64(c.global))
	}
	c.mu.Unlock()

	for _, f := range fixes {
		c.logger.Error("admission invariant corrected", slog.String("violation", f.err.Error()))
		metrics.InvariantCorrectionsTotal.Inc()
	}
}

// GlobalInflight returns the global in-flight count.
func (c *Controller) GlobalInflight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.global
}

// ClipInflight returns one clip's in-flight count.
func (c *Controller) ClipInflight(clip domain.ClipID) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clipLocked(clip).inflight
}

// ClipSnapshot is one clip's accounting for the stats surface.
type ClipSnapshot struct {
	Clip     domain.ClipID `json:"clip"`
	Inflight int           `json:"inflight"`
	Reverse  int           `json:"reverseSlots"`
	Repair   int           `json:"repairSlots"`
	Deadline int           `json:"deadlineSlots"`
}

// Snapshot returns the global count and per-clip accounting.
func (c *Controller) Snapshot() (int, []ClipSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ClipSnapshot, 0, len(c.clips))
	for id, cs := range c.clips {
		out = append(out, ClipSnapshot{
			Clip:     id,
			Inflight: cs.inflight,
			Reverse:  cs.poolUsed[PoolReverse],
			Repair:   cs.poolUsed[PoolRepair],
			Deadline: cs.poolUsed[PoolDeadline],
		})
	}
	return c.global, out
}

func (c *Controller) clipLocked(id domain.ClipID) *clipState {
	cs, ok := c.clips[id]
	if !ok {
		cs = newClipState()
		c.clips[id] = cs
	}
	return cs
}
