// Package queue defines the asynq task vocabulary shared by the API server
// (producer) and the worker process (consumer).
package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/reelworks/vodflow/internal/state"
)

const (
	// ApplyEventTask carries one workflow event to apply off the request path.
	ApplyEventTask = "workflow:apply_event"
	// RecoverySweepTask triggers one pass over recoverable FAILED entities.
	RecoverySweepTask = "workflow:recovery_sweep"
	// CompensationSweepTask triggers one pass over pending rollbacks.
	CompensationSweepTask = "workflow:compensation_sweep"
)

// EventPayload is serialized into apply-event tasks.
type EventPayload struct {
	EntityID string      `json:"entity_id"`
	Event    state.Event `json:"event"`
}

// EnqueueEvent queues an event for asynchronous application. Store failures
// inside the handler are retried by asynq; rejected transitions are not.
func EnqueueEvent(ctx context.Context, client *asynq.Client, payload EventPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	task := asynq.NewTask(ApplyEventTask, data)
	if _, err := client.EnqueueContext(ctx, task, asynq.MaxRetry(5)); err != nil {
		return fmt.Errorf("enqueue apply-event task: %w", err)
	}
	return nil
}
