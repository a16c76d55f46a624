package domain

import (
	"context"
	"errors"
	"fmt"
)

var ErrNotFound = errors.New("not found")
var ErrClipExists = errors.New("clip already registered")
var ErrNoSession = errors.New("no active scrub session")

// DenyReason identifies which admission budget rejected a decode request.
// Reasons are listed in evaluation order.
type DenyReason string

const (
	DenyGlobalLimit  DenyReason = "global_limit"
	DenyClipLimit    DenyReason = "clip_limit"
	DenyClipLimitFar DenyReason = "clip_limit_far"
	DenyRateGate     DenyReason = "rate_gate"
	DenyReverseSlot  DenyReason = "reverse_slot"
)

// AdmissionDenied is returned when a decode request does not fit the current
// concurrency budgets. It is non-fatal: the caller may retry on the next
// scrub update.
type AdmissionDenied struct {
	Clip   ClipID
	Reason DenyReason
}

func (e *AdmissionDenied) Error() string {
	return fmt.Sprintf("admission denied for clip %s: %s", e.Clip, e.Reason)
}

// DecodeErrorKind classifies decoder backend failures.
type DecodeErrorKind string

const (
	DecodeBadData        DecodeErrorKind = "bad-data"
	DecodeSessionInvalid DecodeErrorKind = "session-invalid"
	DecodeCancelled      DecodeErrorKind = "cancelled"
	DecodeTimeout        DecodeErrorKind = "timeout"
)

// DecodeError wraps a decoder backend failure with its classification.
// Every DecodeError on an admitted job triggers exactly one ticket release.
type DecodeError struct {
	Clip ClipID
	Kind DecodeErrorKind
	Err  error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode %s for clip %s: %v", e.Kind, e.Clip, e.Err)
	}
	return fmt.Sprintf("decode %s for clip %s", e.Kind, e.Clip)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// DecodeErrKind extracts the kind from an error chain. Context cancellation
// maps to DecodeCancelled, deadline expiry to DecodeTimeout.
func DecodeErrKind(err error) DecodeErrorKind {
	var de *DecodeError
	if errors.As(err, &de) {
		return de.Kind
	}
	if errors.Is(err, context.Canceled) {
		return DecodeCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return DecodeTimeout
	}
	return DecodeBadData
}

// InvariantViolation records a self-detected accounting error
// (inflight counter above its allowed maximum). It is always auto-corrected
// and logged, never silently ignored.
type InvariantViolation struct {
	Clip     ClipID // empty for the global counter
	Inflight int
	Max      int
}

func (e *InvariantViolation) Error() string {
	if e.Clip == "" {
		return fmt.Sprintf("invariant violation: global inflight %d exceeds max %d", e.Inflight, e.Max)
	}
	return fmt.Sprintf("invariant violation: clip %s inflight %d exceeds max %d", e.Clip, e.Inflight, e.Max)
}
