// Package api is the local HTTP and WebSocket surface the host UI uses to
// queue records and follow sync progress.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/sociapp/fieldsync/internal/audio"
	apperrors "github.com/sociapp/fieldsync/internal/errors"
	"github.com/sociapp/fieldsync/internal/logging"
	"github.com/sociapp/fieldsync/internal/models"
	"github.com/sociapp/fieldsync/internal/sync/scheduler"
	"github.com/sociapp/fieldsync/internal/telemetry"
)

// DefaultMaxUploadBytes bounds a record submission including its audio.
const DefaultMaxUploadBytes = 50 << 20

// RecordStore is the queue surface the API needs.
type RecordStore interface {
	Enqueue(ctx context.Context, fields models.RecordFields, artifact *models.Artifact) (string, error)
	ListAll(ctx context.Context) ([]*models.PendingRecord, error)
	Get(ctx context.Context, localID string) (*models.PendingRecord, error)
	Remove(ctx context.Context, localID string) error
	Stats(ctx context.Context) (map[string]int, error)
}

// SyncCoordinator is the trigger surface the API needs.
type SyncCoordinator interface {
	GetStatus() scheduler.Status
	TriggerManualSync(ctx context.Context) (*scheduler.ManualResult, error)
	RefreshPendingCount(ctx context.Context) (int, error)
	SetOnline(online bool)
	OnStatus(fn func(scheduler.Status)) func()
}

// Options configures a Server. Recorder and Input together enable the
// /api/capture routes.
type Options struct {
	Records        RecordStore
	Coordinator    SyncCoordinator
	Transcoder     *audio.Transcoder
	Recorder       *audio.Recorder
	Input          *audio.HostDevice
	StrictEncoding bool
	MaxUploadBytes int64
	Metrics        *telemetry.Metrics
	Logger         *logging.Logger
}

// Server serves the local API.
type Server struct {
	records     RecordStore
	coordinator SyncCoordinator
	transcoder  *audio.Transcoder
	recorder    *audio.Recorder
	input       *audio.HostDevice
	strict      bool
	maxUpload   int64
	metrics     *telemetry.Metrics
	log         *logging.Logger

	hub         *Hub
	unsubscribe func()
	started     time.Time
}

// NewServer creates a Server and starts pushing coordinator status to
// WebSocket clients.
func NewServer(opts Options) *Server {
	s := &Server{
		records:     opts.Records,
		coordinator: opts.Coordinator,
		transcoder:  opts.Transcoder,
		recorder:    opts.Recorder,
		input:       opts.Input,
		strict:      opts.StrictEncoding,
		maxUpload:   opts.MaxUploadBytes,
		metrics:     opts.Metrics,
		log:         opts.Logger,
		started:     time.Now(),
	}
	if s.log == nil {
		s.log = logging.Get()
	}
	if s.transcoder == nil {
		s.transcoder = audio.NewTranscoder(0)
	}
	if s.maxUpload <= 0 {
		s.maxUpload = DefaultMaxUploadBytes
	}
	if s.recorder == nil || s.input == nil {
		s.recorder, s.input = nil, nil
	}

	s.hub = NewHub(s.log)
	s.hub.Greeting = func() (string, interface{}) {
		return EventSyncStatus, s.coordinator.GetStatus()
	}
	s.unsubscribe = s.coordinator.OnStatus(func(st scheduler.Status) {
		s.hub.Broadcast(EventSyncStatus, st)
	})
	return s
}

// Hub returns the WebSocket hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Close stops status pushes and disconnects WebSocket clients.
func (s *Server) Close() {
	s.unsubscribe()
	s.hub.Close()
}

// Router builds the HTTP handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.health)

		r.Route("/records", func(r chi.Router) {
			r.Get("/", s.listRecords)
			r.Post("/", s.createRecord)
			r.Get("/{id}", s.getRecord)
			r.Delete("/{id}", s.deleteRecord)
		})
		r.Post("/surveys", s.createSurvey)

		if s.recorder != nil {
			r.Route("/capture", s.captureRoutes)
		}

		r.Get("/sync/status", s.syncStatus)
		r.Post("/sync", s.triggerSync)
		r.Put("/connectivity", s.setConnectivity)

		r.Get("/ws", s.hub.ServeHTTP)
	})
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("HTTP request", map[string]interface{}{
			"request_id":  middleware.GetReqID(r.Context()),
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      ww.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
		})
	})
}

// statusFor maps an error code to an HTTP status.
func statusFor(code apperrors.ErrorCode) int {
	switch code {
	case apperrors.ErrValidation:
		return http.StatusBadRequest
	case apperrors.ErrNotFound:
		return http.StatusNotFound
	case apperrors.ErrInvalidState:
		return http.StatusConflict
	case apperrors.ErrTranscodeFailed:
		return http.StatusUnprocessableEntity
	case apperrors.ErrOffline, apperrors.ErrDeviceUnavailable:
		return http.StatusServiceUnavailable
	case apperrors.ErrRemoteCreateFailed, apperrors.ErrRemoteUploadFailed, apperrors.ErrSyncFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

type errorBody struct {
	Code    apperrors.ErrorCode `json:"code"`
	Message string              `json:"message"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := apperrors.CodeOf(err)
	status := statusFor(code)

	msg := err.Error()
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		msg = appErr.Message
		if appErr.Err != nil {
			msg += ": " + appErr.Err.Error()
		}
	}

	if status >= http.StatusInternalServerError {
		s.log.ErrorWithCode("Request failed", string(code), err, map[string]interface{}{
			"method": r.Method,
			"path":   r.URL.Path,
		})
	}
	writeJSON(w, status, map[string]interface{}{"error": errorBody{Code: code, Message: msg}})
}
