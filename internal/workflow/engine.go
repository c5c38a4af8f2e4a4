// Package workflow drives video entities through the processing pipeline. The
// engine is stateless between calls: every operation rehydrates the record
// from the store, applies the transition table, and writes the result back
// under an optimistic version check, so any number of replicas can run it.
package workflow

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/reelworks/vodflow/internal/bus"
	"github.com/reelworks/vodflow/internal/record"
	"github.com/reelworks/vodflow/internal/state"
)

// casAttempts bounds the re-read loop after a version conflict. Conflicts on
// the same entity are rare and resolve within one or two retries; anything
// beyond that indicates a stuck store and should surface.
const casAttempts = 5

// Engine validates and applies workflow events.
type Engine struct {
	store record.Store
	obs   Observer
	pub   bus.Publisher
	log   zerolog.Logger

	queue   chan asyncJob
	workers int
}

// NewEngine constructs an engine. A nil observer or publisher is replaced
// with a no-op so call sites never branch.
func NewEngine(store record.Store, obs Observer, pub bus.Publisher, logger zerolog.Logger, asyncWorkers int) *Engine {
	if obs == nil {
		obs = NopObserver{}
	}
	if pub == nil {
		pub = bus.NopPublisher{}
	}
	if asyncWorkers <= 0 {
		asyncWorkers = 1
	}
	return &Engine{
		store:   store,
		obs:     obs,
		pub:     pub,
		log:     logger.With().Str("component", "workflow").Logger(),
		queue:   make(chan asyncJob, asyncWorkers*4),
		workers: asyncWorkers,
	}
}

// Initialize creates a PENDING record for the entity if none exists. Safe to
// call repeatedly.
func (e *Engine) Initialize(ctx context.Context, entityID string) error {
	if _, err := e.store.Create(ctx, entityID); err != nil {
		return err
	}
	return nil
}

// SendEvent applies the event to the entity's current state. It returns true
// when the transition table accepted the event and the new state was
// persisted. Illegal events persist lastEvent only (for diagnosis) and return
// false. Store failures are returned as hard errors after being captured into
// the record's errorDetails by the observer.
func (e *Engine) SendEvent(ctx context.Context, entityID string, event state.Event) (accepted bool, err error) {
	defer func() {
		if err != nil {
			e.obs.EngineError(ctx, entityID, err)
		}
	}()

	for attempt := 0; attempt < casAttempts; attempt++ {
		rec, lerr := e.load(ctx, entityID)
		if lerr != nil {
			return false, lerr
		}
		from := rec.CurrentState
		next, legal := state.Next(from, event)
		rec.LastEvent = event
		if !legal {
			if serr := e.store.Save(ctx, rec); serr != nil {
				if errors.Is(serr, record.ErrConflict) {
					continue
				}
				return false, serr
			}
			e.obs.EventRejected(ctx, from, event, entityID)
			return false, nil
		}
		rec.CurrentState = next
		if serr := e.store.Save(ctx, rec); serr != nil {
			if errors.Is(serr, record.ErrConflict) {
				continue
			}
			return false, serr
		}
		e.obs.StateChanged(ctx, from, next, entityID)
		if next.Terminal() && next != from {
			e.publish(ctx, entityID, from, next, event)
		}
		return true, nil
	}
	return false, record.ErrConflict
}

// CurrentState returns the entity's workflow state. Unknown entities read as
// PENDING: "no record yet" is a legitimate pre-start condition, not an error.
func (e *Engine) CurrentState(ctx context.Context, entityID string) (state.State, error) {
	rec, err := e.store.Get(ctx, entityID)
	if errors.Is(err, record.ErrNotFound) {
		return state.Pending, nil
	}
	if err != nil {
		return "", err
	}
	return rec.CurrentState, nil
}

// IsTerminal reports whether the entity reached READY, FAILED or DELETED.
func (e *Engine) IsTerminal(ctx context.Context, entityID string) (bool, error) {
	s, err := e.CurrentState(ctx, entityID)
	if err != nil {
		return false, err
	}
	return s.Terminal(), nil
}

// NoteFailure writes free-text failure details onto the record without
// transitioning. RecordFailure and the adapter's failure handlers compose it
// with the matching event.
func (e *Engine) NoteFailure(ctx context.Context, entityID, message string) error {
	for attempt := 0; attempt < casAttempts; attempt++ {
		rec, err := e.load(ctx, entityID)
		if err != nil {
			return err
		}
		rec.ErrorDetails = message
		if err := e.store.Save(ctx, rec); err != nil {
			if errors.Is(err, record.ErrConflict) {
				continue
			}
			return err
		}
		return nil
	}
	return record.ErrConflict
}

// RecordFailure stores the failure message and then marks the entity failed.
func (e *Engine) RecordFailure(ctx context.Context, entityID, message string) (bool, error) {
	if err := e.NoteFailure(ctx, entityID, message); err != nil {
		return false, err
	}
	return e.SendEvent(ctx, entityID, state.MarkAsFailed)
}

// Retry resets a FAILED entity to the target state for reprocessing. This is
// a privileged recovery primitive: it deliberately bypasses the transition
// table so an operator can resume at an arbitrary stage. It increments the
// retry counter, clears errorDetails, and returns false without mutating
// anything when the entity is not FAILED or has a rollback in progress; the
// compensating flag only ever accompanies the FAILED state.
func (e *Engine) Retry(ctx context.Context, entityID string, target state.State) (bool, error) {
	if !target.Valid() {
		return false, nil
	}
	for attempt := 0; attempt < casAttempts; attempt++ {
		rec, err := e.store.Get(ctx, entityID)
		if errors.Is(err, record.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if rec.CurrentState != state.Failed {
			return false, nil
		}
		if rec.Compensating {
			// The rollback wins; the entity becomes retryable again once
			// CompleteCompensation clears the flag.
			return false, nil
		}
		from := rec.CurrentState
		rec.RetryCount++
		rec.CurrentState = target
		rec.ErrorDetails = ""
		if err := e.store.Save(ctx, rec); err != nil {
			if errors.Is(err, record.ErrConflict) {
				continue
			}
			return false, err
		}
		e.log.Info().
			Str("video", entityID).
			Str("target", string(target)).
			Int("retry_count", rec.RetryCount).
			Msg("recovery retry applied")
		e.obs.StateChanged(ctx, from, target, entityID)
		return true, nil
	}
	return false, record.ErrConflict
}

// StartCompensation flags a FAILED entity as having a rollback in progress.
// The flag is rejected in any other state.
func (e *Engine) StartCompensation(ctx context.Context, entityID string) (bool, error) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		rec, err := e.store.Get(ctx, entityID)
		if errors.Is(err, record.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if rec.CurrentState != state.Failed {
			return false, nil
		}
		if rec.Compensating {
			return true, nil
		}
		rec.Compensating = true
		if err := e.store.Save(ctx, rec); err != nil {
			if errors.Is(err, record.ErrConflict) {
				continue
			}
			return false, err
		}
		return true, nil
	}
	return false, record.ErrConflict
}

// CompleteCompensation clears the rollback flag and resets the retry counter.
func (e *Engine) CompleteCompensation(ctx context.Context, entityID string) (bool, error) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		rec, err := e.store.Get(ctx, entityID)
		if errors.Is(err, record.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if !rec.Compensating {
			return false, nil
		}
		rec.Compensating = false
		rec.RetryCount = 0
		if err := e.store.Save(ctx, rec); err != nil {
			if errors.Is(err, record.ErrConflict) {
				continue
			}
			return false, err
		}
		return true, nil
	}
	return false, record.ErrConflict
}

// load fetches the record, lazily creating it for unknown entities.
func (e *Engine) load(ctx context.Context, entityID string) (*record.StateRecord, error) {
	rec, err := e.store.Get(ctx, entityID)
	if errors.Is(err, record.ErrNotFound) {
		return e.store.Create(ctx, entityID)
	}
	return rec, err
}

func (e *Engine) publish(ctx context.Context, entityID string, from, to state.State, event state.Event) {
	n := bus.Notification{
		EntityID: entityID,
		From:     from,
		To:       to,
		Event:    event,
		At:       time.Now().UTC(),
	}
	if err := e.pub.Publish(ctx, n); err != nil {
		// Fire-and-forget: the transition already committed.
		e.log.Warn().Err(err).Str("video", entityID).Str("state", string(to)).Msg("notification publish failed")
	}
}
