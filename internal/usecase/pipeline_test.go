package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"scrubengine/internal/app"
	"scrubengine/internal/domain"
	"scrubengine/internal/services/decoder/synthetic"
	"scrubengine/internal/services/scrub/landing"
	"scrubengine/internal/storage/memory"
)

var testClip = domain.ClipInfo{
	ID:        "clip-a",
	FrameRate: 25,
	GOPLength: 10,
	Duration:  60 * time.Second,
}

func newTestPipeline(decodeCost time.Duration) (*Pipeline, *memory.Cache) {
	cache := memory.NewCache(512)
	backend := synthetic.New(0, decodeCost)
	p := NewPipeline(app.DefaultTuning(), backend, cache, nil, nil)
	return p, cache
}

// gateDecoder holds every decode on a shared gate so tests can keep jobs in
// flight deliberately and release them all at once.
type gateDecoder struct {
	gate chan struct{}
}

func newGateDecoder() *gateDecoder { return &gateDecoder{gate: make(chan struct{})} }

func (d *gateDecoder) release() { close(d.gate) }

func (d *gateDecoder) Decode(ctx context.Context, clip domain.ClipID, target time.Duration) (domain.Frame, error) {
	select {
	case <-ctx.Done():
		return domain.Frame{}, ctx.Err()
	case <-d.gate:
	}
	return domain.Frame{Clip: clip, PTS: target, Keyframe: true, Data: []byte{0}}, nil
}

func (d *gateDecoder) ResetSession(context.Context, domain.ClipID) error { return nil }

func newGatedPipeline(t *testing.T) (*Pipeline, *memory.Cache, *gateDecoder) {
	t.Helper()
	dec := newGateDecoder()
	cache := memory.NewCache(512)
	p := NewPipeline(app.DefaultTuning(), dec, cache, nil, nil)
	if err := p.RegisterClip(testClip); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := p.BeginScrub(1); err != nil {
		t.Fatalf("begin: %v", err)
	}
	return p, cache, dec
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestRegisterClipValidation(t *testing.T) {
	p, _ := newTestPipeline(0)

	if err := p.RegisterClip(domain.ClipInfo{FrameRate: 25, GOPLength: 10}); err == nil {
		t.Fatal("clip without id accepted")
	}
	if err := p.RegisterClip(domain.ClipInfo{ID: "x", FrameRate: 0, GOPLength: 10}); err == nil {
		t.Fatal("clip with zero frame rate accepted")
	}
	if err := p.RegisterClip(testClip); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := p.RegisterClip(testClip); !errors.Is(err, domain.ErrClipExists) {
		t.Fatalf("duplicate register: %v, want ErrClipExists", err)
	}
	if got := len(p.Clips()); got != 1 {
		t.Fatalf("clips = %d, want 1", got)
	}
	if err := p.RemoveClip("missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("remove unknown clip: %v, want ErrNotFound", err)
	}
}

func TestBeginScrubRequiresStrictlyNewerEpoch(t *testing.T) {
	p, _ := newTestPipeline(0)

	if err := p.BeginScrub(1); err != nil {
		t.Fatalf("begin epoch 1: %v", err)
	}
	if err := p.BeginScrub(1); err == nil {
		t.Fatal("replayed epoch accepted")
	}
	if err := p.BeginScrub(0); err == nil {
		t.Fatal("older epoch accepted")
	}
	if err := p.BeginScrub(2); err != nil {
		t.Fatalf("begin epoch 2: %v", err)
	}
	session, ok := p.Session()
	if !ok || session.Epoch != 2 {
		t.Fatalf("session = %+v ok=%v, want epoch 2", session, ok)
	}
}

func TestOperationsWithoutSession(t *testing.T) {
	p, _ := newTestPipeline(0)
	if err := p.UpdateScrub(time.Second, time.Now()); !errors.Is(err, domain.ErrNoSession) {
		t.Fatalf("update without session: %v, want ErrNoSession", err)
	}
	if err := p.EndGesture(context.Background()); !errors.Is(err, domain.ErrNoSession) {
		t.Fatalf("gesture end without session: %v, want ErrNoSession", err)
	}
	p.EndScrub() // idempotent with no session
}

func TestScrubFlowWarmsFrames(t *testing.T) {
	p, cache := newTestPipeline(0)
	if err := p.RegisterClip(testClip); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := p.BeginScrub(1); err != nil {
		t.Fatalf("begin: %v", err)
	}

	// A short forward drag: samples 40ms apart moving one frame per tick.
	base := time.Now()
	for i := 0; i < 5; i++ {
		pos := time.Second + time.Duration(i)*40*time.Millisecond
		if err := p.UpdateScrub(pos, base.Add(time.Duration(i)*40*time.Millisecond)); err != nil {
			t.Fatalf("update %d: %v", i, err)
		}
	}

	waitFor(t, func() bool { return p.Scheduler().Outstanding() == 0 }, "decodes never settled")
	if got := cache.Len(); got == 0 {
		t.Fatal("no frames cached after a scrub drag")
	}
	if got := p.Admission().GlobalInflight(); got != 0 {
		t.Fatalf("global inflight after settle = %d, want 0", got)
	}
	session, ok := p.Session()
	if !ok {
		t.Fatal("session lost during scrub")
	}
	if session.Direction != domain.DirForward {
		t.Fatalf("direction = %s, want forward", session.Direction)
	}
}

func TestEndGestureDeliversExactFrame(t *testing.T) {
	p, cache := newTestPipeline(0)
	if err := p.RegisterClip(testClip); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := p.BeginScrub(1); err != nil {
		t.Fatalf("begin: %v", err)
	}
	// Park the playhead mid-group so the exact frame is not a group anchor.
	if err := p.UpdateScrub(1044*time.Millisecond, time.Now()); err != nil {
		t.Fatalf("update: %v", err)
	}
	waitFor(t, func() bool { return p.Scheduler().Outstanding() == 0 }, "landing decodes never settled")

	if err := p.EndGesture(context.Background()); err != nil {
		t.Fatalf("gesture end: %v", err)
	}

	exact := time.Duration(testClip.FrameIndex(1044*time.Millisecond)) * testClip.FrameStep()
	if !cache.Warm(testClip.ID, exact) {
		t.Fatalf("exact frame at %v not warm after gesture end", exact)
	}

	// Second gesture end finds the frame warm and skips the decode.
	if err := p.EndGesture(context.Background()); err != nil {
		t.Fatalf("warm gesture end: %v", err)
	}
}

func TestEndGestureDeliversWhileGroupDecodeInFlight(t *testing.T) {
	p, cache, dec := newGatedPipeline(t)

	// The landing pass holds decodes for the playhead's own group, so the
	// gesture-end frame lands in a group with a job already in flight.
	if err := p.UpdateScrub(1044*time.Millisecond, time.Now()); err != nil {
		t.Fatalf("update: %v", err)
	}
	if p.Scheduler().Outstanding() == 0 {
		t.Fatal("expected landing decodes held in flight")
	}

	done := make(chan error, 1)
	go func() { done <- p.EndGesture(context.Background()) }()
	// Let the gesture-end decode dispatch while the group job is still held,
	// then let everything finish.
	time.Sleep(10 * time.Millisecond)
	dec.release()

	if err := <-done; err != nil {
		t.Fatalf("gesture end with group decode in flight: %v", err)
	}
	exact := time.Duration(testClip.FrameIndex(1044*time.Millisecond)) * testClip.FrameStep()
	if !cache.Warm(testClip.ID, exact) {
		t.Fatalf("exact frame at %v not warm after gesture end", exact)
	}
}

func TestCoalescedTargetsDecodeAfterJobSettles(t *testing.T) {
	p, cache, dec := newGatedPipeline(t)
	now := time.Now()

	p.dispatch(testClip, landing.Target{
		PTS:     1000 * time.Millisecond,
		Purpose: domain.PurposeImmediate,
		Urgent:  true,
	}, landing.Zone{}, domain.DirForward, 1, 0, 1, now, nil)
	if got := p.Scheduler().Outstanding(); got != 1 {
		t.Fatalf("outstanding = %d, want 1", got)
	}

	// Same group: no second decode is issued, the target rides the first job.
	p.dispatch(testClip, landing.Target{
		PTS:     1080 * time.Millisecond,
		Purpose: domain.PurposeImmediate,
		Urgent:  true,
	}, landing.Zone{}, domain.DirForward, 1, 0, 1, now.Add(5*time.Millisecond), nil)
	if got := p.Scheduler().Outstanding(); got != 1 {
		t.Fatalf("outstanding after coalesce = %d, want 1", got)
	}

	dec.release()
	waitFor(t, func() bool { return cache.Warm(testClip.ID, 1080*time.Millisecond) },
		"coalesced target never decoded after the job settled")
	waitFor(t, func() bool { return p.Scheduler().Outstanding() == 0 }, "decodes never drained")
	if got := p.Admission().GlobalInflight(); got != 0 {
		t.Fatalf("global inflight after drain = %d, want 0", got)
	}
}

func TestReversalTargetDeliveredAfterRedirectFails(t *testing.T) {
	p, cache, dec := newGatedPipeline(t)
	now := time.Now()

	p.dispatch(testClip, landing.Target{
		PTS:     1200 * time.Millisecond,
		Purpose: domain.PurposeLandingZone,
		Urgent:  true,
	}, landing.Zone{}, domain.DirForward, 1, 0, 1, now, nil)

	// Reversal inside the same group. Whether the running decode can still be
	// redirected or the target has to wait for the job to settle, the reversal
	// frame must come out the other end.
	p.dispatch(testClip, landing.Target{
		PTS:     1080 * time.Millisecond,
		Purpose: domain.PurposeImmediate,
		Urgent:  true,
	}, landing.Zone{}, domain.DirBackward, -1, 0, 1, now.Add(5*time.Millisecond), nil)
	if got := p.Scheduler().Outstanding(); got != 1 {
		t.Fatalf("outstanding after reversal = %d, want 1", got)
	}

	dec.release()
	waitFor(t, func() bool { return cache.Warm(testClip.ID, 1080*time.Millisecond) },
		"reversal target never decoded")
	waitFor(t, func() bool { return p.Scheduler().Outstanding() == 0 }, "decodes never drained")
}

func TestNoOrphanGroupRecordsWithInstantDecodes(t *testing.T) {
	p, _, dec := newGatedPipeline(t)
	dec.release() // every decode settles immediately

	// Hammer one group with instant decodes: a job that settles before its
	// group record lands must not leave the record behind.
	for i := 0; i < 200; i++ {
		p.dispatch(testClip, landing.Target{
			PTS:     1000 * time.Millisecond,
			Purpose: domain.PurposeImmediate,
			Urgent:  true,
		}, landing.Zone{}, domain.DirForward, 1, 0, 1, time.Now(), nil)
	}

	waitFor(t, func() bool { return p.Scheduler().Outstanding() == 0 }, "decodes never drained")
	waitFor(t, func() bool { return p.Coalescer().Outstanding() == 0 },
		"group records left behind after every job settled")
	if got := p.Admission().GlobalInflight(); got != 0 {
		t.Fatalf("global inflight after drain = %d, want 0", got)
	}
}

func TestEndGestureHonoursContextCancellation(t *testing.T) {
	p, _ := newTestPipeline(time.Minute) // decodes never finish on their own
	if err := p.RegisterClip(testClip); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := p.BeginScrub(1); err != nil {
		t.Fatalf("begin: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := p.EndGesture(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("gesture end with cancelled context: %v", err)
	}
	p.Cleanup()
}

func TestEndScrubClearsSessionAndWork(t *testing.T) {
	p, _ := newTestPipeline(time.Minute)
	if err := p.RegisterClip(testClip); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := p.BeginScrub(1); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := p.UpdateScrub(time.Second, time.Now()); err != nil {
		t.Fatalf("update: %v", err)
	}

	p.EndScrub()

	if _, ok := p.Session(); ok {
		t.Fatal("session survived scrub end")
	}
	if got := p.Scheduler().Outstanding(); got != 0 {
		t.Fatalf("outstanding after scrub end = %d, want 0", got)
	}
	if got := p.Admission().GlobalInflight(); got != 0 {
		t.Fatalf("global inflight after scrub end = %d, want 0", got)
	}
	if got := p.Coalescer().Outstanding(); got != 0 {
		t.Fatalf("coalescer records after scrub end = %d, want 0", got)
	}
	if err := p.UpdateScrub(time.Second, time.Now()); !errors.Is(err, domain.ErrNoSession) {
		t.Fatalf("update after scrub end: %v, want ErrNoSession", err)
	}
}

func TestRemoveClipReleasesItsWork(t *testing.T) {
	p, cache := newTestPipeline(time.Minute)
	if err := p.RegisterClip(testClip); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := p.BeginScrub(1); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := p.UpdateScrub(time.Second, time.Now()); err != nil {
		t.Fatalf("update: %v", err)
	}

	if err := p.RemoveClip(testClip.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}

	if got := p.Admission().GlobalInflight(); got != 0 {
		t.Fatalf("global inflight after removal = %d, want 0", got)
	}
	if got := len(p.Clips()); got != 0 {
		t.Fatalf("clips after removal = %d, want 0", got)
	}
	if got := cache.WarmCount(testClip.ID, 0, testClip.Duration); got != 0 {
		t.Fatalf("cached frames survived removal: %d", got)
	}
}

func TestApplyTuningValidatesAndPropagates(t *testing.T) {
	p, _ := newTestPipeline(0)

	bad := app.DefaultTuning()
	bad.GlobalMax = 0
	if err := p.ApplyTuning(bad); err == nil {
		t.Fatal("invalid tuning accepted")
	}
	if got := p.CurrentTuning().GlobalMax; got != app.DefaultTuning().GlobalMax {
		t.Fatalf("rejected tuning leaked: globalMax = %d", got)
	}

	good := app.DefaultTuning()
	good.PrefetchBudget = 20
	if err := p.ApplyTuning(good); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if got := p.CurrentTuning().PrefetchBudget; got != 20 {
		t.Fatalf("prefetchBudget = %d, want 20", got)
	}
}
