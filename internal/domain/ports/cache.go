package ports

import (
	"time"

	"scrubengine/internal/domain"
)

// FrameCache is the shared store of decoded frames keyed (clip, pts).
// Inserts for distinct keys must not contend; PruneBefore excludes
// concurrent inserts in the pruned range.
type FrameCache interface {
	// WarmCount reports how many frame times in [from, to] are already
	// cached for the clip, given its frame step.
	WarmCount(clip domain.ClipID, from, to time.Duration) int
	Warm(clip domain.ClipID, pts time.Duration) bool
	Insert(frame domain.Frame)
	// PruneBefore drops all cached frames for the clip with pts earlier
	// than t. Used by repair mode so stale history is not searched.
	PruneBefore(clip domain.ClipID, t time.Duration)
	Forget(clip domain.ClipID)
}
