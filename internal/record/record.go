// Package record holds the durable workflow progress rows and the store
// contract the engine mutates them through.
package record

import (
	"context"
	"errors"
	"time"

	"github.com/reelworks/vodflow/internal/state"
)

var (
	// ErrNotFound is returned by Get when no record exists for the entity.
	ErrNotFound = errors.New("state record not found")
	// ErrConflict is returned by Save when the record changed underneath the
	// caller (lost update). Callers re-read and retry.
	ErrConflict = errors.New("state record version conflict")
)

// StateRecord is the sole durable representation of one entity's workflow
// progress. It is never hard-deleted; a DELETE event parks it in the terminal
// DELETED state so the audit trail survives.
type StateRecord struct {
	EntityID     string      `json:"entityId"`
	CurrentState state.State `json:"currentState"`
	// LastEvent keeps the most recent accepted or attempted event for
	// diagnostics; rejected events land here too.
	LastEvent    state.Event `json:"lastEvent,omitempty"`
	ErrorDetails string      `json:"errorDetails,omitempty"`
	RetryCount   int         `json:"retryCount"`
	Compensating bool        `json:"compensating"`
	LastUpdated  time.Time   `json:"lastUpdated"`
	// Version backs the optimistic concurrency check in Save.
	Version int64 `json:"-"`
}

// Store is the system-of-record for workflow progress. Save must detect lost
// updates via the record version and report them as ErrConflict.
type Store interface {
	// Get returns the record for the entity or ErrNotFound.
	Get(ctx context.Context, entityID string) (*StateRecord, error)
	// Create inserts a fresh PENDING record. It is idempotent: when a record
	// already exists it is returned unchanged.
	Create(ctx context.Context, entityID string) (*StateRecord, error)
	// Save persists the record if its version still matches the stored one,
	// then bumps the version and refreshes LastUpdated on the passed record.
	Save(ctx context.Context, rec *StateRecord) error
	FindByState(ctx context.Context, s state.State) ([]*StateRecord, error)
	FindByCompensating(ctx context.Context, compensating bool) ([]*StateRecord, error)
}
