// Package api exposes a thin HTTP surface over the sync adapter: video
// creation, source upload, signed worker callbacks, and operator visibility
// into the workflow state. It holds no workflow logic of its own.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/reelworks/vodflow/internal/config"
	"github.com/reelworks/vodflow/internal/lifecycle"
	"github.com/reelworks/vodflow/internal/objectstore"
	"github.com/reelworks/vodflow/internal/queue"
	"github.com/reelworks/vodflow/internal/record"
	"github.com/reelworks/vodflow/internal/signing"
	"github.com/reelworks/vodflow/internal/state"
	"github.com/reelworks/vodflow/internal/video"
	"github.com/reelworks/vodflow/internal/workflow"
)

// Server hosts the HTTP endpoints.
type Server struct {
	cfg     *config.Config
	engine  *workflow.Engine
	adapter *lifecycle.Adapter
	videos  video.Store
	records record.Store
	objects *objectstore.Storage
	tasks   *asynq.Client
	signer  *signing.Signer
	log     zerolog.Logger

	server *http.Server
	once   sync.Once
}

// New constructs a Server.
func New(cfg *config.Config, engine *workflow.Engine, adapter *lifecycle.Adapter, videos video.Store, records record.Store, objects *objectstore.Storage, tasks *asynq.Client, signer *signing.Signer, logger zerolog.Logger) *Server {
	return &Server{
		cfg:     cfg,
		engine:  engine,
		adapter: adapter,
		videos:  videos,
		records: records,
		objects: objects,
		tasks:   tasks,
		signer:  signer,
		log:     logger.With().Str("component", "api").Logger(),
	}
}

// stageSpec binds a callback stage name to the adapter calls it triggers.
type stageSpec struct {
	succeed func(ctx context.Context, id string) (bool, error)
	fail    func(ctx context.Context, id, msg string) (bool, error)
	// next is the START_* event queued once the stage reported success;
	// empty after the final stage.
	next state.Event
}

func (s *Server) stages() map[string]stageSpec {
	return map[string]stageSpec{
		"validation": {
			succeed: s.adapter.HandleValidationSucceeded,
			fail:    s.adapter.HandleValidationFailed,
			next:    state.StartTranscoding,
		},
		"transcoding": {
			succeed: s.adapter.HandleTranscodingSucceeded,
			fail:    s.adapter.HandleTranscodingFailed,
			next:    state.StartMetadataExtraction,
		},
		"metadata": {
			succeed: s.adapter.HandleMetadataExtractionSucceeded,
			fail:    s.adapter.HandleMetadataExtractionFailed,
			next:    state.StartThumbnailGeneration,
		},
		"thumbnails": {
			succeed: s.adapter.HandleThumbnailGenerationSucceeded,
			fail:    s.adapter.HandleThumbnailGenerationFailed,
		},
	}
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.once.Do(func() {
		mux := http.NewServeMux()
		mux.HandleFunc("/healthz", s.handleHealth)
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/videos", s.handleVideos)
		mux.HandleFunc("/videos/", s.handleVideoRoute)
		s.server = &http.Server{
			Addr:    s.cfg.Address,
			Handler: s.loggingMiddleware(mux),
		}
	})
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()
	s.log.Info().Str("addr", s.cfg.Address).Msg("api listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleVideos(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Title string `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	ctx := r.Context()
	v := &video.Video{
		ID:     uuid.NewString(),
		Title:  req.Title,
		Status: video.StatusPending,
	}
	if err := s.videos.Create(ctx, v); err != nil {
		http.Error(w, "failed to create video", http.StatusInternalServerError)
		return
	}
	if err := s.adapter.HandleVideoCreated(ctx, v.ID); err != nil {
		http.Error(w, "failed to start workflow", http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusCreated, v)
}

func (s *Server) handleVideoRoute(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/videos/")
	parts := strings.Split(path, "/")
	if len(parts) == 0 || parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	id := parts[0]
	if len(parts) == 1 {
		s.handleVideo(w, r, id)
		return
	}
	switch parts[1] {
	case "content":
		s.handleUpload(w, r, id)
	case "workflow":
		s.handleWorkflow(w, r, id)
	case "callbacks":
		s.handleCallbacks(w, r, id, parts[2:])
	case "recover":
		s.handleRecover(w, r, id)
	case "compensate":
		s.handleCompensate(w, r, id)
	case "playback-url":
		s.handlePlaybackURL(w, r, id)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleVideo(w http.ResponseWriter, r *http.Request, id string) {
	switch r.Method {
	case http.MethodGet:
		v, err := s.videos.Get(r.Context(), id)
		if err != nil {
			http.Error(w, "video not found", http.StatusNotFound)
			return
		}
		respondJSON(w, http.StatusOK, v)
	case http.MethodDelete:
		deleted, err := s.adapter.DeleteVideo(r.Context(), id)
		if err != nil {
			http.Error(w, "delete failed", http.StatusInternalServerError)
			return
		}
		if !deleted {
			http.Error(w, "video not found", http.StatusNotFound)
			return
		}
		respondJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(video.StatusDeleted)})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleWorkflow exposes currentState/errorDetails so operators can see why a
// video is stuck.
func (s *Server) handleWorkflow(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rec, err := s.records.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, record.ErrNotFound) {
			// Unknown means "not yet started", mirroring the engine.
			respondJSON(w, http.StatusOK, &record.StateRecord{EntityID: id, CurrentState: state.Pending})
			return
		}
		http.Error(w, "failed to load workflow state", http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()
	if _, err := s.videos.Get(ctx, id); err != nil {
		http.Error(w, "video not found", http.StatusNotFound)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxFileSize+1024)
	mr, err := r.MultipartReader()
	if err != nil {
		http.Error(w, "expecting multipart form", http.StatusBadRequest)
		return
	}
	part, err := nextFilePart(mr)
	if err != nil {
		http.Error(w, "missing file part", http.StatusBadRequest)
		return
	}
	defer part.Close()
	tmp, err := s.persistTemp(part)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer os.Remove(tmp.path)
	defer tmp.f.Close()
	if !s.allowedType(tmp.contentType) {
		http.Error(w, "unsupported media type", http.StatusUnsupportedMediaType)
		return
	}
	key, err := s.uploadToStorage(ctx, id, tmp)
	if err != nil {
		s.log.Error().Err(err).Str("video", id).Msg("upload to storage failed")
		http.Error(w, "failed to store file", http.StatusInternalServerError)
		return
	}
	if err := s.videos.SetSourceKey(ctx, id, key); err != nil {
		http.Error(w, "failed to record source", http.StatusInternalServerError)
		return
	}
	accepted, err := s.adapter.HandleUploadCompleted(ctx, id)
	if err != nil {
		http.Error(w, "workflow update failed", http.StatusInternalServerError)
		return
	}
	if !accepted {
		// Double upload or upload after deletion: the table said no.
		http.Error(w, "upload not expected in current state", http.StatusConflict)
		return
	}
	if err := queue.EnqueueEvent(ctx, s.tasks, queue.EventPayload{EntityID: id, Event: state.StartValidation}); err != nil {
		s.log.Error().Err(err).Str("video", id).Msg("failed to queue validation")
		http.Error(w, "failed to queue validation", http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{
		"id":     id,
		"status": string(video.StatusUploaded),
	})
}

func (s *Server) handleCallbacks(w http.ResponseWriter, r *http.Request, id string, rest []string) {
	if len(rest) == 0 || rest[0] == "" {
		http.NotFound(w, r)
		return
	}
	stage := rest[0]
	spec, ok := s.stages()[stage]
	if !ok {
		http.NotFound(w, r)
		return
	}
	if len(rest) == 2 && rest[1] == "url" {
		s.handleCallbackURL(w, r, id, stage)
		return
	}
	if len(rest) != 1 {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	expires, signature := q.Get("expires"), q.Get("signature")
	if !s.validSignature(id, stage, expires, signature) {
		http.Error(w, "invalid or expired signature", http.StatusUnauthorized)
		return
	}
	var report struct {
		OK      bool   `json:"ok"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	ctx := r.Context()
	var accepted bool
	var err error
	if report.OK {
		accepted, err = spec.succeed(ctx, id)
	} else {
		accepted, err = spec.fail(ctx, id, report.Message)
	}
	if err != nil {
		http.Error(w, "workflow update failed", http.StatusInternalServerError)
		return
	}
	if !accepted {
		http.Error(w, "event not valid for current state", http.StatusConflict)
		return
	}
	if report.OK && spec.next != "" {
		if err := queue.EnqueueEvent(ctx, s.tasks, queue.EventPayload{EntityID: id, Event: spec.next}); err != nil {
			s.log.Error().Err(err).Str("video", id).Str("next", string(spec.next)).Msg("failed to queue next stage")
		}
	}
	respondJSON(w, http.StatusOK, map[string]bool{"accepted": accepted})
}

// handleCallbackURL mints a signed callback URL for an external worker.
func (s *Server) handleCallbackURL(w http.ResponseWriter, r *http.Request, id, stage string) {
	if r.Method != http.MethodPost && r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	expiry := time.Now().Add(s.cfg.SignedURLTTL).Unix()
	signature := s.signer.Sign(id, stage, expiry)
	u := fmt.Sprintf("/videos/%s/callbacks/%s?expires=%d&signature=%s",
		url.PathEscape(id), url.PathEscape(stage), expiry, signature)
	respondJSON(w, http.StatusOK, map[string]string{
		"url":     u,
		"expires": strconv.FormatInt(expiry, 10),
	})
}

func (s *Server) handleRecover(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Target state.State `json:"target"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Target == "" {
		req.Target = state.Validating
	}
	if !req.Target.Valid() {
		http.Error(w, "unknown target state", http.StatusBadRequest)
		return
	}
	ok, err := s.adapter.RecoverVideo(r.Context(), id, req.Target)
	if err != nil {
		http.Error(w, "recovery failed", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "video is not in a failed state", http.StatusConflict)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"id": id, "state": string(req.Target)})
}

func (s *Server) handleCompensate(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ok, err := s.engine.StartCompensation(r.Context(), id)
	if err != nil {
		http.Error(w, "compensation failed", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "video is not in a failed state", http.StatusConflict)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"id": id, "compensating": "true"})
}

func (s *Server) handlePlaybackURL(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()
	st, err := s.engine.CurrentState(ctx, id)
	if err != nil {
		http.Error(w, "failed to load workflow state", http.StatusInternalServerError)
		return
	}
	if st != state.Ready {
		http.Error(w, "video not ready", http.StatusConflict)
		return
	}
	key := r.URL.Query().Get("key")
	if key == "" {
		key = id + "/manifest.m3u8"
	} else if !strings.HasPrefix(key, id+"/") {
		http.Error(w, "key does not belong to video", http.StatusBadRequest)
		return
	}
	u, err := s.objects.PresignPlaybackURL(ctx, key, s.cfg.SignedURLTTL)
	if err != nil {
		http.Error(w, "failed to generate url", http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"url": u})
}

func (s *Server) validSignature(id, stage, expires, signature string) bool {
	if expires == "" || signature == "" {
		return false
	}
	expiryUnix, err := strconv.ParseInt(expires, 10, 64)
	if err != nil || time.Unix(expiryUnix, 0).Before(time.Now()) {
		return false
	}
	return s.signer.Validate(id, stage, expires, signature)
}

type tempUpload struct {
	f           *os.File
	path        string
	size        int64
	contentType string
	filename    string
}

// persistTemp streams the multipart part to a temp file while sniffing the
// content type and enforcing the size cap, so arbitrarily large uploads never
// sit in memory.
func (s *Server) persistTemp(part *multipart.Part) (*tempUpload, error) {
	tmpFile, err := os.CreateTemp("", "vodflow-upload-*")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	var sniff []byte
	buf := make([]byte, 32*1024)
	var written int64
	for {
		n, readErr := part.Read(buf)
		if n > 0 {
			written += int64(n)
			if written > s.cfg.MaxFileSize {
				tmpFile.Close()
				os.Remove(tmpFile.Name())
				return nil, fmt.Errorf("file exceeds limit (%d bytes)", s.cfg.MaxFileSize)
			}
			if len(sniff) < 512 {
				chunk := n
				if remain := 512 - len(sniff); chunk > remain {
					chunk = remain
				}
				sniff = append(sniff, buf[:chunk]...)
			}
			if _, err := tmpFile.Write(buf[:n]); err != nil {
				tmpFile.Close()
				os.Remove(tmpFile.Name())
				return nil, fmt.Errorf("write temp file: %w", err)
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			tmpFile.Close()
			os.Remove(tmpFile.Name())
			return nil, fmt.Errorf("read file: %w", readErr)
		}
	}
	if written == 0 {
		tmpFile.Close()
		os.Remove(tmpFile.Name())
		return nil, errors.New("empty file")
	}
	contentType := http.DetectContentType(sniff)
	if _, err := tmpFile.Seek(0, 0); err != nil {
		tmpFile.Close()
		os.Remove(tmpFile.Name())
		return nil, fmt.Errorf("rewind temp file: %w", err)
	}
	filename := part.FileName()
	if filename == "" {
		filename = "upload.mp4"
	}
	return &tempUpload{
		f:           tmpFile,
		path:        tmpFile.Name(),
		size:        written,
		contentType: contentType,
		filename:    filename,
	}, nil
}

func (s *Server) uploadToStorage(ctx context.Context, id string, tmp *tempUpload) (string, error) {
	if _, err := tmp.f.Seek(0, 0); err != nil {
		return "", err
	}
	return s.objects.UploadSource(ctx, id, tmp.filename, tmp.f, tmp.size, tmp.contentType)
}

func (s *Server) allowedType(contentType string) bool {
	for _, allowed := range s.cfg.AllowedTypes {
		if allowed == contentType {
			return true
		}
	}
	return false
}

func nextFilePart(mr *multipart.Reader) (*multipart.Part, error) {
	for {
		part, err := mr.NextPart()
		if err != nil {
			return nil, err
		}
		if part.FormName() == "file" {
			return part, nil
		}
		part.Close()
	}
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// The status line is already out; an encode failure here can only mean a
	// dropped connection.
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}
