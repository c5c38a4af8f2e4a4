// Package bus announces externally visible workflow outcomes. Publishing is
// strictly best-effort: a failed publish never rolls back a state transition.
package bus

import (
	"context"
	"time"

	"github.com/reelworks/vodflow/internal/state"
)

// Notification describes one accepted transition into a terminal state.
type Notification struct {
	EntityID string      `json:"entity_id"`
	From     state.State `json:"from"`
	To       state.State `json:"to"`
	Event    state.Event `json:"event"`
	At       time.Time   `json:"at"`
}

// Publisher is the fire-and-forget notification capability the engine needs.
type Publisher interface {
	Publish(ctx context.Context, n Notification) error
}

// NopPublisher discards notifications. Used in tests and when no broker is
// configured.
type NopPublisher struct{}

func (NopPublisher) Publish(ctx context.Context, n Notification) error { return nil }
