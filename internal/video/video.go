// Package video holds the user-facing domain video record and its simplified
// status. The workflow engine keeps the status synchronized but does not own
// the rest of the metadata.
package video

import (
	"context"
	"errors"
	"time"

	"github.com/reelworks/vodflow/internal/state"
)

// ErrNotFound is returned when no video exists for the given id.
var ErrNotFound = errors.New("video not found")

// Status is the coarse, externally visible lifecycle of a video.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusUploaded   Status = "UPLOADED"
	StatusProcessing Status = "PROCESSING"
	StatusReady      Status = "READY"
	StatusFailed     Status = "FAILED"
	StatusDeleted    Status = "DELETED"
)

// StatusFor collapses a workflow state onto the domain status. It is total:
// every state maps somewhere, and all mid-pipeline states read as PROCESSING.
func StatusFor(s state.State) Status {
	switch s {
	case state.Pending:
		return StatusPending
	case state.Uploaded:
		return StatusUploaded
	case state.Ready:
		return StatusReady
	case state.Failed:
		return StatusFailed
	case state.Deleted:
		return StatusDeleted
	default:
		return StatusProcessing
	}
}

// Video is a row in the videos table.
type Video struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	SourceKey string    `json:"sourceKey,omitempty"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store is the external domain video store consumed by the sync adapter.
type Store interface {
	Create(ctx context.Context, v *Video) error
	Get(ctx context.Context, id string) (*Video, error)
	GetStatus(ctx context.Context, id string) (Status, error)
	SetStatus(ctx context.Context, id string, status Status) error
	SetSourceKey(ctx context.Context, id, key string) error
	// Delete removes the video row. The boolean reports whether a row was
	// actually deleted; the adapter refuses to advance the workflow when it
	// is false.
	Delete(ctx context.Context, id string) (bool, error)
}
