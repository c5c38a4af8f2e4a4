package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reelworks/vodflow/internal/bus"
	"github.com/reelworks/vodflow/internal/record"
	"github.com/reelworks/vodflow/internal/state"
)

type capturePublisher struct {
	mu    sync.Mutex
	notes []bus.Notification
}

func (p *capturePublisher) Publish(ctx context.Context, n bus.Notification) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.notes = append(p.notes, n)
	return nil
}

func (p *capturePublisher) published() []bus.Notification {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]bus.Notification(nil), p.notes...)
}

type captureObserver struct {
	mu       sync.Mutex
	changed  int
	rejected []state.Event
	errored  []error
}

func (o *captureObserver) StateChanged(ctx context.Context, from, to state.State, entityID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.changed++
}

func (o *captureObserver) EventRejected(ctx context.Context, s state.State, event state.Event, entityID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.rejected = append(o.rejected, event)
}

func (o *captureObserver) EngineError(ctx context.Context, entityID string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.errored = append(o.errored, err)
}

// flakySaveStore fails the next n Save calls with a non-conflict error.
type flakySaveStore struct {
	record.Store
	mu       sync.Mutex
	failNext int
}

func (f *flakySaveStore) Save(ctx context.Context, rec *record.StateRecord) error {
	f.mu.Lock()
	fail := f.failNext > 0
	if fail {
		f.failNext--
	}
	f.mu.Unlock()
	if fail {
		return errors.New("storage unavailable")
	}
	return f.Store.Save(ctx, rec)
}

func newTestEngine(store record.Store, obs Observer, pub bus.Publisher) *Engine {
	return NewEngine(store, obs, pub, zerolog.Nop(), 2)
}

func TestHappyPathToReady(t *testing.T) {
	ctx := context.Background()
	store := record.NewMemoryStore()
	pub := &capturePublisher{}
	engine := newTestEngine(store, nil, pub)

	require.NoError(t, engine.Initialize(ctx, "v1"))

	steps := []state.Event{
		state.UploadCompleted,
		state.StartValidation,
		state.ValidationSucceeded,
		state.StartTranscoding,
		state.TranscodingSucceeded,
		state.StartMetadataExtraction,
		state.MetadataExtractionSucceeded,
		state.StartThumbnailGeneration,
		state.ThumbnailGenerationSucceeded,
	}
	for _, ev := range steps {
		ok, err := engine.SendEvent(ctx, "v1", ev)
		require.NoError(t, err, "%s", ev)
		require.True(t, ok, "%s", ev)
	}

	s, err := engine.CurrentState(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, state.Ready, s)

	terminal, err := engine.IsTerminal(ctx, "v1")
	require.NoError(t, err)
	assert.True(t, terminal)

	// Only the terminal transition goes out on the bus.
	notes := pub.published()
	require.Len(t, notes, 1)
	assert.Equal(t, state.Ready, notes[0].To)
	assert.Equal(t, state.ThumbnailGenerationSucceeded, notes[0].Event)
}

func TestFailureAndRetryScenario(t *testing.T) {
	ctx := context.Background()
	store := record.NewMemoryStore()
	engine := newTestEngine(store, nil, nil)

	require.NoError(t, engine.Initialize(ctx, "v1"))

	ok, err := engine.SendEvent(ctx, "v1", state.UploadCompleted)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = engine.SendEvent(ctx, "v1", state.StartValidation)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = engine.SendEvent(ctx, "v1", state.ValidationFailed)
	require.NoError(t, err)
	require.True(t, ok)

	// The failure event alone does not carry a message.
	rec, err := store.Get(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, state.Failed, rec.CurrentState)
	assert.Empty(t, rec.ErrorDetails)

	require.NoError(t, engine.NoteFailure(ctx, "v1", "codec not supported"))
	rec, err = store.Get(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, "codec not supported", rec.ErrorDetails)

	ok, err = engine.Retry(ctx, "v1", state.Validating)
	require.NoError(t, err)
	require.True(t, ok)

	rec, err = store.Get(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, state.Validating, rec.CurrentState)
	assert.Equal(t, 1, rec.RetryCount)
	assert.Empty(t, rec.ErrorDetails, "retry clears the failure details")
}

func TestRejectedEventLeavesStateUntouched(t *testing.T) {
	ctx := context.Background()
	store := record.NewMemoryStore()
	obs := &captureObserver{}
	engine := newTestEngine(store, obs, nil)

	require.NoError(t, engine.Initialize(ctx, "v2"))

	ok, err := engine.SendEvent(ctx, "v2", state.StartTranscoding)
	require.NoError(t, err)
	assert.False(t, ok)

	rec, err := store.Get(ctx, "v2")
	require.NoError(t, err)
	assert.Equal(t, state.Pending, rec.CurrentState)
	assert.Equal(t, state.StartTranscoding, rec.LastEvent, "rejections still record lastEvent")

	require.Len(t, obs.rejected, 1)
	assert.Equal(t, state.StartTranscoding, obs.rejected[0])
	assert.Zero(t, obs.changed)
}

func TestSendEventLazilyCreatesRecord(t *testing.T) {
	ctx := context.Background()
	store := record.NewMemoryStore()
	engine := newTestEngine(store, nil, nil)

	ok, err := engine.SendEvent(ctx, "fresh", state.UploadCompleted)
	require.NoError(t, err)
	assert.True(t, ok)

	rec, err := store.Get(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, state.Uploaded, rec.CurrentState)
}

func TestCurrentStateUnknownEntityReadsPending(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(record.NewMemoryStore(), nil, nil)

	s, err := engine.CurrentState(ctx, "ghost")
	require.NoError(t, err)
	assert.Equal(t, state.Pending, s)

	terminal, err := engine.IsTerminal(ctx, "ghost")
	require.NoError(t, err)
	assert.False(t, terminal)
}

func TestMarkAsFailedRejectedInTerminalState(t *testing.T) {
	ctx := context.Background()
	store := record.NewMemoryStore()
	engine := newTestEngine(store, nil, nil)

	rec, err := store.Create(ctx, "done")
	require.NoError(t, err)
	rec.CurrentState = state.Ready
	require.NoError(t, store.Save(ctx, rec))

	ok, err := engine.SendEvent(ctx, "done", state.MarkAsFailed)
	require.NoError(t, err)
	assert.False(t, ok)

	s, err := engine.CurrentState(ctx, "done")
	require.NoError(t, err)
	assert.Equal(t, state.Ready, s)
}

func TestDeleteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := record.NewMemoryStore()
	pub := &capturePublisher{}
	engine := newTestEngine(store, nil, pub)

	require.NoError(t, engine.Initialize(ctx, "v1"))

	ok, err := engine.SendEvent(ctx, "v1", state.Delete)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = engine.SendEvent(ctx, "v1", state.Delete)
	require.NoError(t, err)
	assert.True(t, ok, "repeat delete stays accepted")

	s, err := engine.CurrentState(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, state.Deleted, s)

	// The self-transition publishes nothing the second time around.
	assert.Len(t, pub.published(), 1)
}

func TestRecordFailure(t *testing.T) {
	ctx := context.Background()
	store := record.NewMemoryStore()
	engine := newTestEngine(store, nil, nil)

	require.NoError(t, engine.Initialize(ctx, "v1"))
	ok, err := engine.SendEvent(ctx, "v1", state.UploadCompleted)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = engine.RecordFailure(ctx, "v1", "disk full")
	require.NoError(t, err)
	assert.True(t, ok)

	rec, err := store.Get(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, state.Failed, rec.CurrentState)
	assert.Equal(t, "disk full", rec.ErrorDetails)
}

func TestRetryPreconditions(t *testing.T) {
	ctx := context.Background()
	store := record.NewMemoryStore()
	engine := newTestEngine(store, nil, nil)

	ok, err := engine.Retry(ctx, "unknown", state.Validating)
	require.NoError(t, err)
	assert.False(t, ok, "unknown entity cannot be retried")

	require.NoError(t, engine.Initialize(ctx, "v1"))
	ok, err = engine.Retry(ctx, "v1", state.Validating)
	require.NoError(t, err)
	assert.False(t, ok, "only FAILED entities can be retried")

	rec, err := store.Get(ctx, "v1")
	require.NoError(t, err)
	rec.CurrentState = state.Failed
	require.NoError(t, store.Save(ctx, rec))

	ok, err = engine.Retry(ctx, "v1", state.State("NOT_A_STATE"))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = engine.Retry(ctx, "v1", state.Transcoding)
	require.NoError(t, err)
	assert.True(t, ok)

	rec, err = store.Get(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, state.Transcoding, rec.CurrentState)
	assert.Equal(t, 1, rec.RetryCount)
}

func TestRetryRefusedWhileCompensating(t *testing.T) {
	ctx := context.Background()
	store := record.NewMemoryStore()
	engine := newTestEngine(store, nil, nil)

	require.NoError(t, engine.Initialize(ctx, "v1"))
	rec, err := store.Get(ctx, "v1")
	require.NoError(t, err)
	rec.CurrentState = state.Failed
	require.NoError(t, store.Save(ctx, rec))

	ok, err := engine.StartCompensation(ctx, "v1")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = engine.Retry(ctx, "v1", state.Validating)
	require.NoError(t, err)
	assert.False(t, ok, "a rollback in progress blocks retries")

	rec, err = store.Get(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, state.Failed, rec.CurrentState, "compensating entities stay FAILED")
	assert.True(t, rec.Compensating)
	assert.Zero(t, rec.RetryCount)

	// Once the rollback completes the entity is retryable again.
	ok, err = engine.CompleteCompensation(ctx, "v1")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = engine.Retry(ctx, "v1", state.Validating)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCompensationLifecycle(t *testing.T) {
	ctx := context.Background()
	store := record.NewMemoryStore()
	engine := newTestEngine(store, nil, nil)

	require.NoError(t, engine.Initialize(ctx, "v1"))

	ok, err := engine.StartCompensation(ctx, "v1")
	require.NoError(t, err)
	assert.False(t, ok, "compensation only starts from FAILED")

	ok, err = engine.CompleteCompensation(ctx, "v1")
	require.NoError(t, err)
	assert.False(t, ok, "nothing to complete yet")

	rec, err := store.Get(ctx, "v1")
	require.NoError(t, err)
	rec.CurrentState = state.Failed
	rec.RetryCount = 3
	require.NoError(t, store.Save(ctx, rec))

	ok, err = engine.StartCompensation(ctx, "v1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = engine.StartCompensation(ctx, "v1")
	require.NoError(t, err)
	assert.True(t, ok, "starting twice is harmless")

	ok, err = engine.CompleteCompensation(ctx, "v1")
	require.NoError(t, err)
	assert.True(t, ok)

	rec, err = store.Get(ctx, "v1")
	require.NoError(t, err)
	assert.False(t, rec.Compensating)
	assert.Zero(t, rec.RetryCount, "completion resets the retry budget")
}

func TestConcurrentSendsAcceptExactlyOne(t *testing.T) {
	ctx := context.Background()
	store := record.NewMemoryStore()
	engine := newTestEngine(store, nil, nil)

	require.NoError(t, engine.Initialize(ctx, "v1"))

	const senders = 6
	results := make(chan bool, senders)
	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := engine.SendEvent(ctx, "v1", state.UploadCompleted)
			results <- ok && err == nil
		}()
	}
	wg.Wait()
	close(results)

	accepted := 0
	for ok := range results {
		if ok {
			accepted++
		}
	}
	assert.Equal(t, 1, accepted, "exactly one concurrent sender may win")

	s, err := engine.CurrentState(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, state.Uploaded, s)
}

func TestEngineErrorCapturedOnRecord(t *testing.T) {
	ctx := context.Background()
	mem := record.NewMemoryStore()
	store := &flakySaveStore{Store: mem, failNext: 1}
	engine := newTestEngine(store, NewLogObserver(mem, zerolog.Nop()), nil)

	require.NoError(t, engine.Initialize(ctx, "v1"))

	_, err := engine.SendEvent(ctx, "v1", state.UploadCompleted)
	require.Error(t, err)

	rec, gerr := mem.Get(ctx, "v1")
	require.NoError(t, gerr)
	assert.Equal(t, state.Pending, rec.CurrentState, "record keeps its pre-transition state")
	assert.Equal(t, "storage unavailable", rec.ErrorDetails)
}

func TestObserverReceivesHardErrors(t *testing.T) {
	ctx := context.Background()
	mem := record.NewMemoryStore()
	store := &flakySaveStore{Store: mem, failNext: 1}
	obs := &captureObserver{}
	engine := newTestEngine(store, obs, nil)

	require.NoError(t, engine.Initialize(ctx, "v1"))
	_, err := engine.SendEvent(ctx, "v1", state.UploadCompleted)
	require.Error(t, err)
	require.Len(t, obs.errored, 1)
	assert.EqualError(t, obs.errored[0], "storage unavailable")
}
