package workflow

import (
	"context"
	"errors"

	"github.com/reelworks/vodflow/internal/state"
)

// ErrQueueFull is resolved into the async result when the dispatch queue has
// no room left. Callers that must not lose events should use the blocking
// SendEvent instead.
var ErrQueueFull = errors.New("async dispatch queue full")

// Result reports the outcome of an asynchronously applied event.
type Result struct {
	Accepted bool
	Err      error
}

type asyncJob struct {
	entityID string
	event    state.Event
	done     chan Result
}

// Start launches the async worker pool. Workers exit when ctx is cancelled;
// jobs still queued at that point resolve with the context error.
func (e *Engine) Start(ctx context.Context) {
	for i := 0; i < e.workers; i++ {
		go e.asyncWorker(ctx)
	}
}

// SendEventAsync queues the event and returns immediately. The returned
// channel receives exactly one Result carrying the SendEvent outcome, so
// message-bus consumers never stall on store I/O.
func (e *Engine) SendEventAsync(ctx context.Context, entityID string, event state.Event) <-chan Result {
	done := make(chan Result, 1)
	job := asyncJob{entityID: entityID, event: event, done: done}
	select {
	case e.queue <- job:
	default:
		// Queue full: resolve right away rather than blocking the caller.
		done <- Result{Err: ErrQueueFull}
	}
	return done
}

func (e *Engine) asyncWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			e.drain(ctx)
			return
		case job := <-e.queue:
			accepted, err := e.SendEvent(ctx, job.entityID, job.event)
			job.done <- Result{Accepted: accepted, Err: err}
		}
	}
}

func (e *Engine) drain(ctx context.Context) {
	for {
		select {
		case job := <-e.queue:
			job.done <- Result{Err: ctx.Err()}
		default:
			return
		}
	}
}
