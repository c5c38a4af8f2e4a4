package lifecycle

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reelworks/vodflow/internal/record"
	"github.com/reelworks/vodflow/internal/state"
	"github.com/reelworks/vodflow/internal/video"
	"github.com/reelworks/vodflow/internal/workflow"
)

// fakeVideoStore is an in-memory video.Store with switchable delete behaviour.
type fakeVideoStore struct {
	videos    map[string]*video.Video
	deleteErr error
}

func newFakeVideoStore() *fakeVideoStore {
	return &fakeVideoStore{videos: make(map[string]*video.Video)}
}

func (f *fakeVideoStore) Create(ctx context.Context, v *video.Video) error {
	cp := *v
	f.videos[v.ID] = &cp
	return nil
}

func (f *fakeVideoStore) Get(ctx context.Context, id string) (*video.Video, error) {
	v, ok := f.videos[id]
	if !ok {
		return nil, video.ErrNotFound
	}
	cp := *v
	return &cp, nil
}

func (f *fakeVideoStore) GetStatus(ctx context.Context, id string) (video.Status, error) {
	v, ok := f.videos[id]
	if !ok {
		return "", video.ErrNotFound
	}
	return v.Status, nil
}

func (f *fakeVideoStore) SetStatus(ctx context.Context, id string, status video.Status) error {
	v, ok := f.videos[id]
	if !ok {
		return video.ErrNotFound
	}
	v.Status = status
	return nil
}

func (f *fakeVideoStore) SetSourceKey(ctx context.Context, id, key string) error {
	v, ok := f.videos[id]
	if !ok {
		return video.ErrNotFound
	}
	v.SourceKey = key
	return nil
}

func (f *fakeVideoStore) Delete(ctx context.Context, id string) (bool, error) {
	if f.deleteErr != nil {
		return false, f.deleteErr
	}
	if _, ok := f.videos[id]; !ok {
		return false, nil
	}
	delete(f.videos, id)
	return true, nil
}

func newTestAdapter(t *testing.T) (*Adapter, *fakeVideoStore, *record.MemoryStore) {
	t.Helper()
	records := record.NewMemoryStore()
	videos := newFakeVideoStore()
	engine := workflow.NewEngine(records, nil, nil, zerolog.Nop(), 1)
	return New(engine, videos, nil, zerolog.Nop()), videos, records
}

func addVideo(t *testing.T, a *Adapter, videos *fakeVideoStore, id string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, videos.Create(ctx, &video.Video{ID: id, Title: id, Status: video.StatusPending}))
	require.NoError(t, a.HandleVideoCreated(ctx, id))
}

func TestStatusMirroredThroughPipeline(t *testing.T) {
	ctx := context.Background()
	adapter, videos, _ := newTestAdapter(t)
	addVideo(t, adapter, videos, "v1")

	steps := []struct {
		apply func(context.Context, string) (bool, error)
		want  video.Status
	}{
		{adapter.HandleUploadCompleted, video.StatusUploaded},
		{adapter.StartValidation, video.StatusProcessing},
		{adapter.HandleValidationSucceeded, video.StatusProcessing},
		{adapter.StartTranscoding, video.StatusProcessing},
		{adapter.HandleTranscodingSucceeded, video.StatusProcessing},
		{adapter.StartMetadataExtraction, video.StatusProcessing},
		{adapter.HandleMetadataExtractionSucceeded, video.StatusProcessing},
		{adapter.StartThumbnailGeneration, video.StatusProcessing},
		{adapter.HandleThumbnailGenerationSucceeded, video.StatusReady},
	}
	for i, step := range steps {
		ok, err := step.apply(ctx, "v1")
		require.NoError(t, err, "step %d", i)
		require.True(t, ok, "step %d", i)
		status, err := videos.GetStatus(ctx, "v1")
		require.NoError(t, err)
		assert.Equal(t, step.want, status, "step %d", i)
	}
}

func TestFailureHandlerRecordsMessage(t *testing.T) {
	ctx := context.Background()
	adapter, videos, records := newTestAdapter(t)
	addVideo(t, adapter, videos, "v1")

	_, err := adapter.HandleUploadCompleted(ctx, "v1")
	require.NoError(t, err)
	_, err = adapter.StartValidation(ctx, "v1")
	require.NoError(t, err)

	ok, err := adapter.HandleValidationFailed(ctx, "v1", "unreadable container")
	require.NoError(t, err)
	require.True(t, ok)

	status, err := videos.GetStatus(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, video.StatusFailed, status)

	rec, err := records.Get(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, state.Failed, rec.CurrentState)
	assert.Equal(t, "unreadable container", rec.ErrorDetails)
}

func TestRejectedEventDoesNotTouchStatus(t *testing.T) {
	ctx := context.Background()
	adapter, videos, _ := newTestAdapter(t)
	addVideo(t, adapter, videos, "v1")

	ok, err := adapter.StartTranscoding(ctx, "v1")
	require.NoError(t, err)
	assert.False(t, ok)

	status, err := videos.GetStatus(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, video.StatusPending, status)
}

func TestMarkAsFailed(t *testing.T) {
	ctx := context.Background()
	adapter, videos, records := newTestAdapter(t)
	addVideo(t, adapter, videos, "v1")

	ok, err := adapter.MarkAsFailed(ctx, "v1", "operator abort")
	require.NoError(t, err)
	require.True(t, ok)

	rec, err := records.Get(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, state.Failed, rec.CurrentState)
	assert.Equal(t, "operator abort", rec.ErrorDetails)

	status, err := videos.GetStatus(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, video.StatusFailed, status)
}

func TestDeleteVideoAdvancesWorkflow(t *testing.T) {
	ctx := context.Background()
	adapter, videos, records := newTestAdapter(t)
	addVideo(t, adapter, videos, "v1")

	ok, err := adapter.DeleteVideo(ctx, "v1")
	require.NoError(t, err)
	require.True(t, ok)

	_, err = videos.Get(ctx, "v1")
	assert.ErrorIs(t, err, video.ErrNotFound)

	rec, err := records.Get(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, state.Deleted, rec.CurrentState, "workflow record survives as audit trail")
}

func TestDeleteVideoRefusesWhenDomainDeleteFails(t *testing.T) {
	ctx := context.Background()
	adapter, videos, records := newTestAdapter(t)
	addVideo(t, adapter, videos, "v1")

	videos.deleteErr = errors.New("db down")
	ok, err := adapter.DeleteVideo(ctx, "v1")
	require.NoError(t, err, "delete failures are recovered locally")
	assert.False(t, ok)

	rec, err := records.Get(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, state.Pending, rec.CurrentState, "workflow must not advance")
}

func TestDeleteVideoNoOpWhenRowMissing(t *testing.T) {
	ctx := context.Background()
	adapter, videos, _ := newTestAdapter(t)
	addVideo(t, adapter, videos, "v1")
	delete(videos.videos, "v1")

	ok, err := adapter.DeleteVideo(ctx, "v1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRecoverVideoMirrorsStatus(t *testing.T) {
	ctx := context.Background()
	adapter, videos, records := newTestAdapter(t)
	addVideo(t, adapter, videos, "v1")

	_, err := adapter.HandleUploadCompleted(ctx, "v1")
	require.NoError(t, err)
	_, err = adapter.StartValidation(ctx, "v1")
	require.NoError(t, err)
	_, err = adapter.HandleValidationFailed(ctx, "v1", "truncated file")
	require.NoError(t, err)

	ok, err := adapter.RecoverVideo(ctx, "v1", state.Validating)
	require.NoError(t, err)
	require.True(t, ok)

	rec, err := records.Get(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, state.Validating, rec.CurrentState)
	assert.Equal(t, 1, rec.RetryCount)

	status, err := videos.GetStatus(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, video.StatusProcessing, status)
}

func TestRecoverVideoRequiresFailedState(t *testing.T) {
	ctx := context.Background()
	adapter, videos, _ := newTestAdapter(t)
	addVideo(t, adapter, videos, "v1")

	ok, err := adapter.RecoverVideo(ctx, "v1", state.Validating)
	require.NoError(t, err)
	assert.False(t, ok)
}
