package ports

import (
	"context"
	"time"

	"scrubengine/internal/domain"
)

// DecoderBackend is the external decode collaborator. Decode blocks until a
// frame for the target time is produced or the context is cancelled;
// failures are reported as *domain.DecodeError. A clip's decoder session is
// exclusively owned by the backend; concurrent Decode calls for the same
// clip are serialized by the implementation unless it supports concurrent
// decode contexts.
type DecoderBackend interface {
	Decode(ctx context.Context, clip domain.ClipID, target time.Duration) (domain.Frame, error)
	ResetSession(ctx context.Context, clip domain.ClipID) error
}
