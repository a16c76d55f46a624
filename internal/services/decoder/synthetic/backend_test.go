package synthetic

import (
	"context"
	"errors"
	"testing"
	"time"

	"scrubengine/internal/domain"
)

func TestDecodeProducesFrameForTarget(t *testing.T) {
	b := New(0, 0)
	frame, err := b.Decode(context.Background(), "a", 400*time.Millisecond)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if frame.Clip != "a" || frame.PTS != 400*time.Millisecond {
		t.Fatalf("frame = %+v", frame)
	}
}

func TestSeekCostAppliesToColdAndBackwardDecodes(t *testing.T) {
	const seek = 30 * time.Millisecond
	b := New(seek, 0)
	ctx := context.Background()

	// Cold session pays the seek.
	start := time.Now()
	if _, err := b.Decode(ctx, "a", time.Second); err != nil {
		t.Fatalf("cold decode: %v", err)
	}
	if elapsed := time.Since(start); elapsed < seek {
		t.Fatalf("cold decode took %v, want >= %v", elapsed, seek)
	}

	// Backward step pays the seek again.
	start = time.Now()
	if _, err := b.Decode(ctx, "a", 500*time.Millisecond); err != nil {
		t.Fatalf("backward decode: %v", err)
	}
	if elapsed := time.Since(start); elapsed < seek {
		t.Fatalf("backward decode took %v, want >= %v", elapsed, seek)
	}

	// A large forward jump restarts from an anchor too.
	start = time.Now()
	if _, err := b.Decode(ctx, "a", 3*time.Second); err != nil {
		t.Fatalf("jump decode: %v", err)
	}
	if elapsed := time.Since(start); elapsed < seek {
		t.Fatalf("jump decode took %v, want >= %v", elapsed, seek)
	}
}

func TestCancellationDuringDecode(t *testing.T) {
	b := New(time.Minute, 0)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := b.Decode(ctx, "a", time.Second)
		done <- err
	}()
	cancel()

	select {
	case err := <-done:
		if got := domain.DecodeErrKind(err); got != domain.DecodeCancelled {
			t.Fatalf("kind = %s, want %s", got, domain.DecodeCancelled)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("decode did not observe cancellation")
	}
}

func TestInvalidateAndResetSession(t *testing.T) {
	b := New(0, 0)
	ctx := context.Background()

	b.Invalidate("a")
	_, err := b.Decode(ctx, "a", time.Second)
	var de *domain.DecodeError
	if !errors.As(err, &de) || de.Kind != domain.DecodeSessionInvalid {
		t.Fatalf("decode on invalid session: %v", err)
	}

	if err := b.ResetSession(ctx, "a"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if _, err := b.Decode(ctx, "a", time.Second); err != nil {
		t.Fatalf("decode after reset: %v", err)
	}
}

func TestFailureInjection(t *testing.T) {
	b := New(0, 0)
	b.SetFailFunc(func(clip domain.ClipID, _ time.Duration) error {
		if clip == "bad" {
			return BadData(clip)
		}
		return nil
	})

	_, err := b.Decode(context.Background(), "bad", time.Second)
	if got := domain.DecodeErrKind(err); got != domain.DecodeBadData {
		t.Fatalf("kind = %s, want %s", got, domain.DecodeBadData)
	}
	if _, err := b.Decode(context.Background(), "good", time.Second); err != nil {
		t.Fatalf("uninjected clip failed: %v", err)
	}
}
