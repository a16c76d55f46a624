package domain

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestJobStateTransitions(t *testing.T) {
	cases := []struct {
		from, to JobState
		ok       bool
	}{
		{JobRequested, JobAdmitted, true},
		{JobRequested, JobDenied, true},
		{JobRequested, JobRunning, false},
		{JobAdmitted, JobRunning, true},
		{JobAdmitted, JobCancelled, true},
		{JobAdmitted, JobTimedOut, true},
		{JobAdmitted, JobCompleted, false},
		{JobRunning, JobCompleted, true},
		{JobRunning, JobFailed, true},
		{JobRunning, JobTimedOut, true},
		{JobRunning, JobCancelled, true},
		{JobRunning, JobAdmitted, false},
		{JobCompleted, JobReleased, true},
		{JobFailed, JobReleased, true},
		{JobTimedOut, JobReleased, true},
		{JobCancelled, JobReleased, true},
		{JobCompleted, JobRunning, false},
		{JobReleased, JobRunning, false},
		{JobDenied, JobAdmitted, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.ok {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.ok)
		}
	}
}

func TestTerminalStates(t *testing.T) {
	for _, s := range []JobState{JobDenied, JobReleased} {
		if !s.Terminal() {
			t.Errorf("%s not terminal", s)
		}
	}
	for _, s := range []JobState{JobRequested, JobAdmitted, JobRunning, JobCompleted, JobFailed, JobTimedOut, JobCancelled} {
		if s.Terminal() {
			t.Errorf("%s reported terminal", s)
		}
	}
}

func TestDecodeErrKindClassification(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want DecodeErrorKind
	}{
		{"explicit kind", &DecodeError{Clip: "a", Kind: DecodeSessionInvalid}, DecodeSessionInvalid},
		{"wrapped decode error", &DecodeError{Clip: "a", Kind: DecodeBadData, Err: errors.New("corrupt")}, DecodeBadData},
		{"context cancelled", context.Canceled, DecodeCancelled},
		{"context deadline", context.DeadlineExceeded, DecodeTimeout},
		{"unknown error", errors.New("boom"), DecodeBadData},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := DecodeErrKind(tc.err); got != tc.want {
				t.Fatalf("kind = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestClipGeometry(t *testing.T) {
	clip := ClipInfo{ID: "a", FrameRate: 25, GOPLength: 10, Duration: time.Minute}

	if got := clip.FrameStep(); got != 40*time.Millisecond {
		t.Fatalf("frame step = %v, want 40ms", got)
	}
	if got := clip.FrameIndex(1020 * time.Millisecond); got != 25 {
		t.Fatalf("frame index = %d, want 25 (truncating)", got)
	}
	if got := clip.FrameIndex(-time.Second); got != 0 {
		t.Fatalf("negative time frame index = %d, want 0", got)
	}
	if got := clip.GOPIndex(1020 * time.Millisecond); got != 2 {
		t.Fatalf("gop index = %d, want 2", got)
	}
	key := clip.GOPKeyFor(1020 * time.Millisecond)
	if key.Clip != "a" || key.Group != 2 {
		t.Fatalf("gop key = %+v", key)
	}

	degenerate := ClipInfo{ID: "b"}
	if degenerate.FrameStep() != 0 || degenerate.FrameIndex(time.Second) != 0 || degenerate.GOPIndex(time.Second) != 0 {
		t.Fatal("degenerate clip geometry must collapse to zero")
	}
}
