package workflow

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/reelworks/vodflow/internal/record"
	"github.com/reelworks/vodflow/internal/state"
)

// Observer receives every transition attempt. Implementations must never
// panic their way back into the engine; a broken observer can only log.
type Observer interface {
	// StateChanged fires once per accepted, persisted transition.
	StateChanged(ctx context.Context, from, to state.State, entityID string)
	// EventRejected fires when the transition table refused the event. No
	// persistence beyond lastEvent happens for rejections.
	EventRejected(ctx context.Context, s state.State, event state.Event, entityID string)
	// EngineError fires when a transition failed with a hard error. The
	// record keeps its pre-transition state; the error text is written into
	// errorDetails best-effort.
	EngineError(ctx context.Context, entityID string, err error)
}

// NopObserver ignores all notifications.
type NopObserver struct{}

func (NopObserver) StateChanged(context.Context, state.State, state.State, string) {}
func (NopObserver) EventRejected(context.Context, state.State, state.Event, string) {}
func (NopObserver) EngineError(context.Context, string, error)                      {}

// LogObserver logs transitions, keeps the Prometheus counters, and captures
// engine errors into the affected record.
type LogObserver struct {
	store record.Store
	log   zerolog.Logger
}

// NewLogObserver constructs the default observer.
func NewLogObserver(store record.Store, logger zerolog.Logger) *LogObserver {
	return &LogObserver{
		store: store,
		log:   logger.With().Str("component", "observer").Logger(),
	}
}

func (o *LogObserver) StateChanged(ctx context.Context, from, to state.State, entityID string) {
	defer o.recover(entityID)
	transitionsTotal.WithLabelValues(string(from), string(to)).Inc()
	o.log.Info().
		Str("video", entityID).
		Str("from", string(from)).
		Str("to", string(to)).
		Msg("state changed")
}

func (o *LogObserver) EventRejected(ctx context.Context, s state.State, event state.Event, entityID string) {
	defer o.recover(entityID)
	rejectionsTotal.WithLabelValues(string(s), string(event)).Inc()
	o.log.Warn().
		Str("video", entityID).
		Str("state", string(s)).
		Str("event", string(event)).
		Msg("event rejected")
}

func (o *LogObserver) EngineError(ctx context.Context, entityID string, engineErr error) {
	defer o.recover(entityID)
	engineErrorsTotal.Inc()
	o.log.Error().Err(engineErr).Str("video", entityID).Msg("engine error")

	// Best-effort: surface the error on the record so operators can see why
	// the video is stuck. The record keeps its pre-transition state.
	rec, err := o.store.Get(ctx, entityID)
	if err != nil {
		if !errors.Is(err, record.ErrNotFound) {
			o.log.Warn().Err(err).Str("video", entityID).Msg("could not load record for error capture")
		}
		return
	}
	rec.ErrorDetails = engineErr.Error()
	if err := o.store.Save(ctx, rec); err != nil {
		o.log.Warn().Err(err).Str("video", entityID).Msg("could not persist error details")
	}
}

func (o *LogObserver) recover(entityID string) {
	if r := recover(); r != nil {
		o.log.Error().Interface("panic", r).Str("video", entityID).Msg("observer panic suppressed")
	}
}
