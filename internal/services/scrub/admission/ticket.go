package admission

import (
	"sync"
	"time"

	"scrubengine/internal/domain"
)

// Ticket represents exactly one reservation against exactly one of the
// global budget, a per-clip budget, or a priority pool. It is released
// exactly once — success, explicit failure, explicit timeout, or forced
// reclamation — enforced here by sync.Once rather than by the caller
// remembering to do so. This is the central correctness invariant of the
// subsystem: an admitted-but-never-released ticket wedges the pipeline.
type Ticket struct {
	ctl        *Controller
	clip       domain.ClipID
	direction  domain.Direction
	pool       Pool
	generation uint64
	once       sync.Once
	released   bool
}

// Clip returns the clip the reservation counts against.
func (t *Ticket) Clip() domain.ClipID { return t.clip }

// Pool returns the priority pool the reservation holds, if any.
func (t *Ticket) Pool() Pool { return t.pool }

// Released reports whether the ticket has been released. Diagnostics only;
// release paths rely on the once, not on this flag.
func (t *Ticket) Released() bool {
	t.ctl.mu.Lock()
	defer t.ctl.mu.Unlock()
	return t.released
}

func (t *Ticket) release(completed bool) {
	t.once.Do(func() {
		var now time.Time
		t.ctl.mu.Lock()
		now = t.ctl.now()
		t.ctl.releaseLocked(t, completed, now)
		t.released = true
		t.ctl.mu.Unlock()
	})
}
