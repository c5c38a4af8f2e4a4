// Package worker plugs the workflow engine into the asynq worker loop. It
// applies queued events and runs the periodic recovery and compensation
// sweeps an external scheduler would otherwise drive by hand.
package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/reelworks/vodflow/internal/lifecycle"
	"github.com/reelworks/vodflow/internal/objectstore"
	"github.com/reelworks/vodflow/internal/queue"
	"github.com/reelworks/vodflow/internal/recovery"
	"github.com/reelworks/vodflow/internal/workflow"
)

// Processor owns the asynq handlers.
type Processor struct {
	engine     *workflow.Engine
	adapter    *lifecycle.Adapter
	scanner    *recovery.Scanner
	objects    *objectstore.Storage
	maxRetries int
	log        zerolog.Logger
}

// NewProcessor constructs a worker processor.
func NewProcessor(engine *workflow.Engine, adapter *lifecycle.Adapter, scanner *recovery.Scanner, objects *objectstore.Storage, maxRetries int, logger zerolog.Logger) *Processor {
	return &Processor{
		engine:     engine,
		adapter:    adapter,
		scanner:    scanner,
		objects:    objects,
		maxRetries: maxRetries,
		log:        logger.With().Str("component", "worker").Logger(),
	}
}

// Handler registers all task handlers.
func (p *Processor) Handler() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.ApplyEventTask, p.handleApplyEvent)
	mux.HandleFunc(queue.RecoverySweepTask, p.handleRecoverySweep)
	mux.HandleFunc(queue.CompensationSweepTask, p.handleCompensationSweep)
	return mux
}

func (p *Processor) handleApplyEvent(ctx context.Context, task *asynq.Task) error {
	var payload queue.EventPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	accepted, err := p.adapter.Apply(ctx, payload.EntityID, payload.Event)
	if err != nil {
		// Hard store/transport failure: let asynq retry the task.
		return fmt.Errorf("apply %s to %s: %w", payload.Event, payload.EntityID, err)
	}
	if !accepted {
		// Illegal for the current state. Retrying cannot change the verdict,
		// so log and consume the task.
		p.log.Warn().
			Str("video", payload.EntityID).
			Str("event", string(payload.Event)).
			Msg("queued event rejected")
	}
	return nil
}

func (p *Processor) handleRecoverySweep(ctx context.Context, task *asynq.Task) error {
	recs, err := p.scanner.Recoverable(ctx, p.maxRetries)
	if err != nil {
		return fmt.Errorf("scan recoverable: %w", err)
	}
	for _, rec := range recs {
		target := recovery.RetryTarget(rec)
		ok, err := p.adapter.RecoverVideo(ctx, rec.EntityID, target)
		if err != nil {
			p.log.Error().Err(err).Str("video", rec.EntityID).Msg("recovery failed")
			continue
		}
		if ok {
			p.log.Info().
				Str("video", rec.EntityID).
				Str("target", string(target)).
				Msg("video requeued for processing")
		}
	}
	return nil
}

func (p *Processor) handleCompensationSweep(ctx context.Context, task *asynq.Task) error {
	recs, err := p.scanner.NeedingCompensation(ctx)
	if err != nil {
		return fmt.Errorf("scan compensations: %w", err)
	}
	for _, rec := range recs {
		// Undo partial pipeline output before clearing the flag so a crash
		// mid-sweep leaves the entity flagged and the next sweep finishes.
		if p.objects != nil {
			if err := p.objects.RemoveDerived(ctx, rec.EntityID); err != nil {
				p.log.Error().Err(err).Str("video", rec.EntityID).Msg("rendition rollback failed")
				continue
			}
		}
		if _, err := p.engine.CompleteCompensation(ctx, rec.EntityID); err != nil {
			p.log.Error().Err(err).Str("video", rec.EntityID).Msg("complete compensation failed")
			continue
		}
		p.log.Info().Str("video", rec.EntityID).Msg("compensation completed")
	}
	return nil
}
