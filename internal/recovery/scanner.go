// Package recovery exposes the read queries an external scheduler uses to
// decide which entities to retry or roll back. The queries carry no policy:
// cadence and retry ceilings belong to the caller.
package recovery

import (
	"context"

	"github.com/reelworks/vodflow/internal/record"
	"github.com/reelworks/vodflow/internal/state"
)

// Scanner answers "what could be retried" and "what still needs rollback".
type Scanner struct {
	store record.Store
}

// NewScanner constructs a Scanner.
func NewScanner(store record.Store) *Scanner {
	return &Scanner{store: store}
}

// Recoverable returns FAILED entities whose retry count is still under the
// ceiling. Entities mid-rollback are excluded: retrying them would race the
// compensation sweep, which deletes their derived artifacts.
func (s *Scanner) Recoverable(ctx context.Context, maxRetries int) ([]*record.StateRecord, error) {
	failed, err := s.store.FindByState(ctx, state.Failed)
	if err != nil {
		return nil, err
	}
	out := failed[:0]
	for _, rec := range failed {
		if !rec.Compensating && rec.RetryCount < maxRetries {
			out = append(out, rec)
		}
	}
	return out, nil
}

// NeedingCompensation returns entities with a rollback in progress.
func (s *Scanner) NeedingCompensation(ctx context.Context) ([]*record.StateRecord, error) {
	return s.store.FindByCompensating(ctx, true)
}

// RetryTarget picks the state a failed entity should resume at, based on the
// event that failed it. Unknown history restarts at VALIDATING, the earliest
// stage that can be redone without a fresh upload.
func RetryTarget(rec *record.StateRecord) state.State {
	switch rec.LastEvent {
	case state.TranscodingFailed:
		return state.Transcoding
	case state.MetadataExtractionFailed:
		return state.ExtractingMetadata
	case state.ThumbnailGenerationFailed:
		return state.GeneratingThumbnails
	default:
		return state.Validating
	}
}
