package landing

import (
	"testing"
	"time"

	"scrubengine/internal/app"
	"scrubengine/internal/domain"
	"scrubengine/internal/domain/ports"
)

// fakeCache records prune calls and serves warmth from a set.
type fakeCache struct {
	warm        map[domain.ClipID]map[time.Duration]bool
	prunedClip  domain.ClipID
	prunedAt    time.Duration
	pruneCalls  int
	forgetCalls int
}

func newFakeCache() *fakeCache {
	return &fakeCache{warm: make(map[domain.ClipID]map[time.Duration]bool)}
}

func (f *fakeCache) add(clip domain.ClipID, pts time.Duration) {
	if f.warm[clip] == nil {
		f.warm[clip] = make(map[time.Duration]bool)
	}
	f.warm[clip][pts] = true
}

func (f *fakeCache) WarmCount(clip domain.ClipID, from, to time.Duration) int {
	n := 0
	for pts := range f.warm[clip] {
		if pts >= from && pts < to {
			n++
		}
	}
	return n
}

func (f *fakeCache) Warm(clip domain.ClipID, pts time.Duration) bool {
	return f.warm[clip][pts]
}

func (f *fakeCache) Insert(frame domain.Frame) {
	f.add(frame.Clip, frame.PTS)
}

func (f *fakeCache) PruneBefore(clip domain.ClipID, t time.Duration) {
	f.pruneCalls++
	f.prunedClip = clip
	f.prunedAt = t
	for pts := range f.warm[clip] {
		if pts < t {
			delete(f.warm[clip], pts)
		}
	}
}

func (f *fakeCache) Forget(clip domain.ClipID) {
	f.forgetCalls++
	delete(f.warm, clip)
}

var testClip = domain.ClipInfo{
	ID:        "clip-a",
	FrameRate: 25, // 40ms frame step
	GOPLength: 10,
	Duration:  60 * time.Second,
}

func TestComputeBackwardAsymmetry(t *testing.T) {
	tuning := app.DefaultTuning()
	cache := newFakeCache()
	m := NewManager(cache, ports.NopSink{}, tuning)

	zone, _ := m.Compute(Input{
		Clip:      testClip,
		Current:   10 * time.Second,
		Predicted: 10 * time.Second,
		Window:    time.Second,
		Velocity:  -1,
		Direction: domain.DirBackward,
	})

	behind := zone.Behind.To - zone.Behind.From
	ahead := zone.Ahead.To - zone.Ahead.From
	if behind != 800*time.Millisecond {
		t.Fatalf("behind span = %v, want 800ms", behind)
	}
	if ahead != 200*time.Millisecond {
		t.Fatalf("ahead span = %v, want 200ms", ahead)
	}
}

func TestComputeForwardMirrorsSplit(t *testing.T) {
	tuning := app.DefaultTuning()
	m := NewManager(newFakeCache(), ports.NopSink{}, tuning)

	zone, _ := m.Compute(Input{
		Clip:      testClip,
		Current:   10 * time.Second,
		Predicted: 10 * time.Second,
		Window:    time.Second,
		Velocity:  1,
		Direction: domain.DirForward,
	})

	behind := zone.Behind.To - zone.Behind.From
	ahead := zone.Ahead.To - zone.Ahead.From
	if ahead != 800*time.Millisecond {
		t.Fatalf("ahead span = %v, want 800ms", ahead)
	}
	if behind != 200*time.Millisecond {
		t.Fatalf("behind span = %v, want 200ms", behind)
	}
}

func TestTargetsRespectBudgetAndExcludeWarm(t *testing.T) {
	tuning := app.DefaultTuning()
	cache := newFakeCache()
	m := NewManager(cache, ports.NopSink{}, tuning)

	// Warm the frame at the current playhead and a couple behind the target.
	cache.add(testClip.ID, 10*time.Second)
	cache.add(testClip.ID, 9960*time.Millisecond)
	cache.add(testClip.ID, 9920*time.Millisecond)

	zone, targets := m.Compute(Input{
		Clip:      testClip,
		Current:   10 * time.Second,
		Predicted: 10 * time.Second,
		Window:    time.Second,
		Velocity:  -1,
		Direction: domain.DirBackward,
	})

	if zone.WarmBehind != 2 {
		t.Fatalf("warmBehind = %d, want 2", zone.WarmBehind)
	}
	if len(targets) > tuning.PrefetchBudget {
		t.Fatalf("got %d targets, budget is %d", len(targets), tuning.PrefetchBudget)
	}
	for _, target := range targets {
		if cache.Warm(testClip.ID, target.PTS) {
			t.Fatalf("warm frame %v selected for decode", target.PTS)
		}
	}
}

func TestImmediateTargetIsBudgetExempt(t *testing.T) {
	tuning := app.DefaultTuning()
	tuning.PrefetchBudget = 2
	cache := newFakeCache()
	m := NewManager(cache, ports.NopSink{}, tuning)

	_, targets := m.Compute(Input{
		Clip:      testClip,
		Current:   10 * time.Second,
		Predicted: 10200 * time.Millisecond,
		Window:    400 * time.Millisecond,
		Velocity:  1,
		Direction: domain.DirForward,
	})

	var immediate *Target
	for i := range targets {
		if targets[i].Purpose == domain.PurposeImmediate {
			immediate = &targets[i]
		}
	}
	if immediate == nil {
		t.Fatal("no immediate target for the cold playhead frame")
	}
	if !immediate.Urgent {
		t.Fatal("immediate target must be urgent")
	}
	if immediate.PTS != 10*time.Second {
		t.Fatalf("immediate PTS = %v, want playhead frame 10s", immediate.PTS)
	}
	// Budget of 2 plus the exempt immediate frame.
	if len(targets) > tuning.PrefetchBudget+1 {
		t.Fatalf("got %d targets, want at most %d", len(targets), tuning.PrefetchBudget+1)
	}
}

func TestRepairModeClampsWindowAndPrunes(t *testing.T) {
	tuning := app.DefaultTuning()
	cache := newFakeCache()
	cache.add(testClip.ID, 1*time.Second) // stale history far behind the jump
	m := NewManager(cache, ports.NopSink{}, tuning)

	zone, targets := m.Compute(Input{
		Clip:          testClip,
		Current:       30 * time.Second,
		Predicted:     30 * time.Second,
		Window:        time.Second,
		Velocity:      0.5,
		Direction:     domain.DirForward,
		LastDelivered: 5 * time.Second,
		HaveDelivered: true,
	})

	if !zone.Repair {
		t.Fatal("a 25s jump past the repair threshold must enter repair mode")
	}
	span := (zone.Behind.To - zone.Behind.From) + (zone.Ahead.To - zone.Ahead.From)
	if span > tuning.RepairWindow {
		t.Fatalf("repair zone spans %v, want at most %v", span, tuning.RepairWindow)
	}
	if cache.pruneCalls != 1 {
		t.Fatalf("pruneCalls = %d, want 1", cache.pruneCalls)
	}
	if cache.prunedAt != zone.Behind.From {
		t.Fatalf("pruned before %v, want zone start %v", cache.prunedAt, zone.Behind.From)
	}
	for _, target := range targets {
		if target.Purpose == domain.PurposeImmediate {
			continue
		}
		if target.Purpose != domain.PurposeRepair {
			t.Fatalf("target %v has purpose %v, want repair", target.PTS, target.Purpose)
		}
		if !target.Urgent {
			t.Fatalf("repair target %v not urgent", target.PTS)
		}
	}
}

func TestSmallJumpStaysOutOfRepair(t *testing.T) {
	m := NewManager(newFakeCache(), ports.NopSink{}, app.DefaultTuning())

	zone, _ := m.Compute(Input{
		Clip:          testClip,
		Current:       10 * time.Second,
		Predicted:     10 * time.Second,
		Window:        time.Second,
		Direction:     domain.DirForward,
		LastDelivered: 9 * time.Second, // 1s jump, below the 2s threshold
		HaveDelivered: true,
	})
	if zone.Repair {
		t.Fatal("1s jump must not enter repair mode")
	}
}

func TestDeepAheadTargetsArePredictive(t *testing.T) {
	tuning := app.DefaultTuning()
	// Budget large enough that the deep half of the ahead window survives
	// the nearest-first trim.
	tuning.PrefetchBudget = 100
	m := NewManager(newFakeCache(), ports.NopSink{}, tuning)

	_, targets := m.Compute(Input{
		Clip:      testClip,
		Current:   10 * time.Second,
		Predicted: 10 * time.Second,
		Window:    2 * time.Second,
		Velocity:  5,
		Direction: domain.DirForward,
	})

	sawPredictive := false
	for _, target := range targets {
		if target.Purpose == domain.PurposePredictive {
			sawPredictive = true
			if target.Behind {
				t.Fatalf("predictive target %v marked behind", target.PTS)
			}
		}
	}
	if !sawPredictive {
		t.Fatal("deep ahead-window targets should downgrade to predictive purpose")
	}
}

func TestZoneClampedToClipBounds(t *testing.T) {
	m := NewManager(newFakeCache(), ports.NopSink{}, app.DefaultTuning())

	zone, targets := m.Compute(Input{
		Clip:      testClip,
		Current:   100 * time.Millisecond,
		Predicted: 100 * time.Millisecond,
		Window:    2 * time.Second,
		Velocity:  -2,
		Direction: domain.DirBackward,
	})

	if zone.Behind.From < 0 {
		t.Fatalf("zone start %v below clip head", zone.Behind.From)
	}
	for _, target := range targets {
		if target.PTS < 0 || target.PTS >= testClip.Duration {
			t.Fatalf("target %v outside clip bounds", target.PTS)
		}
	}
}
