// Package state defines the closed processing-state and event vocabulary for
// the video workflow, plus the transition table that relates them. It is pure
// data: nothing here touches storage or performs side effects.
package state

// State is the workflow phase of a single video entity.
type State string

const (
	Pending              State = "PENDING"
	Uploaded             State = "UPLOADED"
	Validating           State = "VALIDATING"
	Transcoding          State = "TRANSCODING"
	ExtractingMetadata   State = "EXTRACTING_METADATA"
	GeneratingThumbnails State = "GENERATING_THUMBNAILS"
	Ready                State = "READY"
	Failed               State = "FAILED"
	Deleted              State = "DELETED"
)

// Event is a pipeline milestone that may move an entity between states.
type Event string

const (
	UploadCompleted              Event = "UPLOAD_COMPLETED"
	StartValidation              Event = "START_VALIDATION"
	ValidationSucceeded          Event = "VALIDATION_SUCCEEDED"
	ValidationFailed             Event = "VALIDATION_FAILED"
	StartTranscoding             Event = "START_TRANSCODING"
	TranscodingSucceeded         Event = "TRANSCODING_SUCCEEDED"
	TranscodingFailed            Event = "TRANSCODING_FAILED"
	StartMetadataExtraction      Event = "START_METADATA_EXTRACTION"
	MetadataExtractionSucceeded  Event = "METADATA_EXTRACTION_SUCCEEDED"
	MetadataExtractionFailed     Event = "METADATA_EXTRACTION_FAILED"
	StartThumbnailGeneration     Event = "START_THUMBNAIL_GENERATION"
	ThumbnailGenerationSucceeded Event = "THUMBNAIL_GENERATION_SUCCEEDED"
	ThumbnailGenerationFailed    Event = "THUMBNAIL_GENERATION_FAILED"
	MarkAsFailed                 Event = "MARK_AS_FAILED"
	Delete                       Event = "DELETE"
)

// transitions holds the forward edges of the pipeline. The *_SUCCEEDED
// milestones before the final stage are accepted self-edges: they record the
// milestone on the state record while the follow-up START_* event performs the
// actual move. MARK_AS_FAILED and DELETE are handled in Next because they
// apply to whole classes of states rather than single edges.
var transitions = map[State]map[Event]State{
	Pending: {
		UploadCompleted: Uploaded,
	},
	Uploaded: {
		StartValidation: Validating,
	},
	Validating: {
		ValidationSucceeded: Validating,
		ValidationFailed:    Failed,
		StartTranscoding:    Transcoding,
	},
	Transcoding: {
		TranscodingSucceeded:    Transcoding,
		TranscodingFailed:       Failed,
		StartMetadataExtraction: ExtractingMetadata,
	},
	ExtractingMetadata: {
		MetadataExtractionSucceeded: ExtractingMetadata,
		MetadataExtractionFailed:    Failed,
		StartThumbnailGeneration:    GeneratingThumbnails,
	},
	GeneratingThumbnails: {
		ThumbnailGenerationSucceeded: Ready,
		ThumbnailGenerationFailed:    Failed,
	},
}

// Next looks up the transition for (current, event). The second return value
// reports whether the event is legal in the current state; when it is false
// the first value echoes the current state unchanged.
func Next(current State, event Event) (State, bool) {
	switch event {
	case Delete:
		// DELETE is legal from every state, including DELETED itself, so
		// repeated deletes stay idempotent.
		return Deleted, true
	case MarkAsFailed:
		if current.Terminal() {
			return current, false
		}
		return Failed, true
	}
	if next, ok := transitions[current][event]; ok {
		return next, true
	}
	return current, false
}

// Terminal reports whether the state ends forward progress. FAILED may still
// re-enter the pipeline through the privileged recovery path.
func (s State) Terminal() bool {
	switch s {
	case Ready, Failed, Deleted:
		return true
	}
	return false
}

// Valid reports whether s belongs to the closed state set.
func (s State) Valid() bool {
	_, ok := allStates[s]
	return ok
}

var allStates = map[State]struct{}{
	Pending: {}, Uploaded: {}, Validating: {}, Transcoding: {},
	ExtractingMetadata: {}, GeneratingThumbnails: {}, Ready: {}, Failed: {}, Deleted: {},
}

// States returns the full state set in pipeline order.
func States() []State {
	return []State{
		Pending, Uploaded, Validating, Transcoding,
		ExtractingMetadata, GeneratingThumbnails, Ready, Failed, Deleted,
	}
}

// Events returns the full event set.
func Events() []Event {
	return []Event{
		UploadCompleted, StartValidation, ValidationSucceeded, ValidationFailed,
		StartTranscoding, TranscodingSucceeded, TranscodingFailed,
		StartMetadataExtraction, MetadataExtractionSucceeded, MetadataExtractionFailed,
		StartThumbnailGeneration, ThumbnailGenerationSucceeded, ThumbnailGenerationFailed,
		MarkAsFailed, Delete,
	}
}
