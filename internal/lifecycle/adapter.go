// Package lifecycle is the public surface external collaborators call. It
// translates domain intents into workflow events, runs them through the
// engine, and mirrors the resulting phase onto the simplified domain status.
package lifecycle

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/reelworks/vodflow/internal/objectstore"
	"github.com/reelworks/vodflow/internal/state"
	"github.com/reelworks/vodflow/internal/video"
	"github.com/reelworks/vodflow/internal/workflow"
)

// Adapter bridges the workflow engine and the domain video store.
type Adapter struct {
	engine  *workflow.Engine
	videos  video.Store
	objects *objectstore.Storage // may be nil; artifact cleanup is then skipped
	log     zerolog.Logger
}

// New constructs an Adapter.
func New(engine *workflow.Engine, videos video.Store, objects *objectstore.Storage, logger zerolog.Logger) *Adapter {
	return &Adapter{
		engine:  engine,
		videos:  videos,
		objects: objects,
		log:     logger.With().Str("component", "lifecycle").Logger(),
	}
}

// HandleVideoCreated starts workflow tracking for a freshly created video.
func (a *Adapter) HandleVideoCreated(ctx context.Context, id string) error {
	return a.engine.Initialize(ctx, id)
}

// Apply runs one event through the engine and, when accepted, mirrors the new
// phase onto the domain record. All milestone methods below delegate here so
// the mirroring happens in exactly one place.
func (a *Adapter) Apply(ctx context.Context, id string, event state.Event) (bool, error) {
	accepted, err := a.engine.SendEvent(ctx, id, event)
	if err != nil || !accepted {
		return false, err
	}
	a.mirrorStatus(ctx, id)
	return true, nil
}

func (a *Adapter) HandleUploadCompleted(ctx context.Context, id string) (bool, error) {
	return a.Apply(ctx, id, state.UploadCompleted)
}

func (a *Adapter) StartValidation(ctx context.Context, id string) (bool, error) {
	return a.Apply(ctx, id, state.StartValidation)
}

func (a *Adapter) HandleValidationSucceeded(ctx context.Context, id string) (bool, error) {
	return a.Apply(ctx, id, state.ValidationSucceeded)
}

func (a *Adapter) HandleValidationFailed(ctx context.Context, id, message string) (bool, error) {
	return a.applyFailure(ctx, id, state.ValidationFailed, message)
}

func (a *Adapter) StartTranscoding(ctx context.Context, id string) (bool, error) {
	return a.Apply(ctx, id, state.StartTranscoding)
}

func (a *Adapter) HandleTranscodingSucceeded(ctx context.Context, id string) (bool, error) {
	return a.Apply(ctx, id, state.TranscodingSucceeded)
}

func (a *Adapter) HandleTranscodingFailed(ctx context.Context, id, message string) (bool, error) {
	return a.applyFailure(ctx, id, state.TranscodingFailed, message)
}

func (a *Adapter) StartMetadataExtraction(ctx context.Context, id string) (bool, error) {
	return a.Apply(ctx, id, state.StartMetadataExtraction)
}

func (a *Adapter) HandleMetadataExtractionSucceeded(ctx context.Context, id string) (bool, error) {
	return a.Apply(ctx, id, state.MetadataExtractionSucceeded)
}

func (a *Adapter) HandleMetadataExtractionFailed(ctx context.Context, id, message string) (bool, error) {
	return a.applyFailure(ctx, id, state.MetadataExtractionFailed, message)
}

func (a *Adapter) StartThumbnailGeneration(ctx context.Context, id string) (bool, error) {
	return a.Apply(ctx, id, state.StartThumbnailGeneration)
}

func (a *Adapter) HandleThumbnailGenerationSucceeded(ctx context.Context, id string) (bool, error) {
	return a.Apply(ctx, id, state.ThumbnailGenerationSucceeded)
}

func (a *Adapter) HandleThumbnailGenerationFailed(ctx context.Context, id, message string) (bool, error) {
	return a.applyFailure(ctx, id, state.ThumbnailGenerationFailed, message)
}

// MarkAsFailed records the failure reason and forces the entity into FAILED.
func (a *Adapter) MarkAsFailed(ctx context.Context, id, message string) (bool, error) {
	accepted, err := a.engine.RecordFailure(ctx, id, message)
	if err != nil || !accepted {
		return false, err
	}
	a.mirrorStatus(ctx, id)
	return true, nil
}

// DeleteVideo removes the domain record and, only when that actually deleted
// something, advances the workflow to DELETED. The domain store is the
// authority on whether the entity got deleted; a failed or no-op delete
// leaves the workflow untouched. Stored artifacts are cleaned up best-effort
// afterwards.
func (a *Adapter) DeleteVideo(ctx context.Context, id string) (bool, error) {
	deleted, err := a.videos.Delete(ctx, id)
	if err != nil {
		// Recovered locally per the propagation policy: the caller gets a
		// false, the workflow state stays put, and the reason is logged.
		a.log.Error().Err(err).Str("video", id).Msg("domain delete failed")
		return false, nil
	}
	if !deleted {
		return false, nil
	}
	accepted, err := a.engine.SendEvent(ctx, id, state.Delete)
	if err != nil || !accepted {
		return false, err
	}
	a.cleanupArtifacts(ctx, id)
	return true, nil
}

// RecoverVideo retries a FAILED entity at the target state and restores a
// matching domain status.
func (a *Adapter) RecoverVideo(ctx context.Context, id string, target state.State) (bool, error) {
	ok, err := a.engine.Retry(ctx, id, target)
	if err != nil || !ok {
		return false, err
	}
	if err := a.videos.SetStatus(ctx, id, video.StatusFor(target)); err != nil {
		a.log.Warn().Err(err).Str("video", id).Msg("status mirror failed after recovery")
	}
	return true, nil
}

func (a *Adapter) applyFailure(ctx context.Context, id string, event state.Event, message string) (bool, error) {
	accepted, err := a.Apply(ctx, id, event)
	if err != nil || !accepted {
		return false, err
	}
	if message != "" {
		if err := a.engine.NoteFailure(ctx, id, message); err != nil {
			a.log.Warn().Err(err).Str("video", id).Msg("could not record failure details")
		}
	}
	return true, nil
}

func (a *Adapter) mirrorStatus(ctx context.Context, id string) {
	s, err := a.engine.CurrentState(ctx, id)
	if err != nil {
		a.log.Warn().Err(err).Str("video", id).Msg("could not read state for status mirror")
		return
	}
	if err := a.videos.SetStatus(ctx, id, video.StatusFor(s)); err != nil {
		a.log.Warn().Err(err).Str("video", id).Msg("status mirror failed")
	}
}

func (a *Adapter) cleanupArtifacts(ctx context.Context, id string) {
	if a.objects == nil {
		return
	}
	if err := a.objects.RemoveSource(ctx, id); err != nil {
		a.log.Warn().Err(err).Str("video", id).Msg("source cleanup failed")
	}
	if err := a.objects.RemoveDerived(ctx, id); err != nil {
		a.log.Warn().Err(err).Str("video", id).Msg("rendition cleanup failed")
	}
}
