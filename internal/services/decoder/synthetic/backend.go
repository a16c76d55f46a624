// Package synthetic implements ports.DecoderBackend with a deterministic
// latency model. It stands in for a real decoder in development and is the
// failure-injection point for tests: decode cost follows GOP geometry
// (cheap when continuing forward, a seek penalty when jumping or reversing).
package synthetic

import (
	"context"
	"errors"
	"sync"
	"time"

	"scrubengine/internal/domain"
)

type clipSession struct {
	mu      sync.Mutex
	lastPTS time.Duration
	primed  bool
	valid   bool
}

// FailFunc lets tests inject a failure for a given decode. Returning nil
// means the decode proceeds normally.
type FailFunc func(clip domain.ClipID, target time.Duration) error

type Backend struct {
	seekCost  time.Duration
	frameCost time.Duration

	mu       sync.Mutex
	sessions map[domain.ClipID]*clipSession
	failFn   FailFunc
}

func New(seekCost, frameCost time.Duration) *Backend {
	return &Backend{
		seekCost:  seekCost,
		frameCost: frameCost,
		sessions:  make(map[domain.ClipID]*clipSession),
	}
}

// SetFailFunc installs a failure injector. Tests only.
func (b *Backend) SetFailFunc(fn FailFunc) {
	b.mu.Lock()
	b.failFn = fn
	b.mu.Unlock()
}

func (b *Backend) session(clip domain.ClipID) *clipSession {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[clip]
	if !ok {
		s = &clipSession{valid: true}
		b.sessions[clip] = s
	}
	return s
}

// Decode produces a synthetic frame for the target after the modeled decode
// latency. The session is exclusively owned while decoding: concurrent
// calls for the same clip serialize on the session lock.
func (b *Backend) Decode(ctx context.Context, clip domain.ClipID, target time.Duration) (domain.Frame, error) {
	b.mu.Lock()
	failFn := b.failFn
	b.mu.Unlock()
	if failFn != nil {
		if err := failFn(clip, target); err != nil {
			return domain.Frame{}, err
		}
	}

	s := b.session(clip)
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.valid {
		return domain.Frame{}, &domain.DecodeError{Clip: clip, Kind: domain.DecodeSessionInvalid}
	}

	// Forward continuation is cheap; any backward step or large forward
	// jump pays the seek-to-anchor cost.
	cost := b.frameCost
	if s.primed && (target < s.lastPTS || target-s.lastPTS > time.Second) {
		cost += b.seekCost
	} else if !s.primed {
		cost += b.seekCost
	}

	if cost > 0 {
		timer := time.NewTimer(cost)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return domain.Frame{}, &domain.DecodeError{Clip: clip, Kind: domain.DecodeCancelled, Err: ctx.Err()}
		case <-timer.C:
		}
	} else if err := ctx.Err(); err != nil {
		return domain.Frame{}, &domain.DecodeError{Clip: clip, Kind: domain.DecodeCancelled, Err: err}
	}

	s.lastPTS = target
	s.primed = true

	return domain.Frame{Clip: clip, PTS: target, Keyframe: false}, nil
}

// ResetSession rebuilds the clip's decode session.
func (b *Backend) ResetSession(ctx context.Context, clip domain.ClipID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sessions[clip] = &clipSession{valid: true}
	return nil
}

// Invalidate marks a clip's session invalid so the next decode fails with
// session-invalid. Tests only.
func (b *Backend) Invalidate(clip domain.ClipID) {
	s := b.session(clip)
	s.mu.Lock()
	s.valid = false
	s.mu.Unlock()
}

var errBadData = errors.New("corrupt access unit")

// BadData builds the injectable bad-data failure for a clip.
func BadData(clip domain.ClipID) error {
	return &domain.DecodeError{Clip: clip, Kind: domain.DecodeBadData, Err: errBadData}
}
