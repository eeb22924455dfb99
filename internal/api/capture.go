package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/sociapp/fieldsync/internal/audio"
	apperrors "github.com/sociapp/fieldsync/internal/errors"
	"github.com/sociapp/fieldsync/internal/models"
)

// captureStatus is the read-only view of the recorder.
type captureStatus struct {
	State       audio.State   `json:"state"`
	ElapsedMS   int64         `json:"elapsed_ms"`
	HasArtifact bool          `json:"has_artifact"`
	Permission  bool          `json:"permission"`
	MIMEType    string        `json:"mime_type"`
	Artifact    *artifactInfo `json:"artifact,omitempty"`
}

func newArtifactInfo(a *models.Artifact) *artifactInfo {
	if a == nil {
		return nil
	}
	return &artifactInfo{MIMEType: a.MIMEType, Transcoded: a.Transcoded, Size: len(a.Data)}
}

func (s *Server) captureRoutes(r chi.Router) {
	r.Get("/", s.getCapture)
	r.Put("/permission", s.setPermission)
	r.Post("/start", s.startCapture)
	r.Post("/pause", s.pauseCapture)
	r.Post("/resume", s.resumeCapture)
	r.Post("/chunks", s.pushChunk)
	r.Post("/stop", s.stopCapture)
	r.Post("/clear", s.clearCapture)
}

func (s *Server) currentCapture() captureStatus {
	artifact := s.recorder.Artifact()
	return captureStatus{
		State:       s.recorder.State(),
		ElapsedMS:   s.recorder.Elapsed().Milliseconds(),
		HasArtifact: artifact != nil,
		Permission:  s.input.Permission(),
		MIMEType:    s.input.MIMEType(),
		Artifact:    newArtifactInfo(artifact),
	}
}

// writeCapture answers with the recorder state and pushes it to subscribers.
func (s *Server) writeCapture(w http.ResponseWriter, status int) {
	st := s.currentCapture()
	s.hub.Broadcast(EventCaptureState, st)
	writeJSON(w, status, st)
}

// getCapture handles GET /api/capture
func (s *Server) getCapture(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.currentCapture())
}

// setPermission handles PUT /api/capture/permission
func (s *Server) setPermission(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Granted *bool `json:"granted"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		s.writeError(w, r, apperrors.Wrap(apperrors.ErrValidation, "invalid request body", err))
		return
	}
	if request.Granted == nil {
		s.writeError(w, r, apperrors.New(apperrors.ErrValidation, "granted is required"))
		return
	}
	s.input.SetPermission(*request.Granted)
	s.writeCapture(w, http.StatusOK)
}

// startCapture handles POST /api/capture/start
// An optional {"mime_type"} body names the container of the chunks to come.
func (s *Server) startCapture(w http.ResponseWriter, r *http.Request) {
	var request struct {
		MIMEType string `json:"mime_type"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&request); err != nil && err != io.EOF {
			s.writeError(w, r, apperrors.Wrap(apperrors.ErrValidation, "invalid request body", err))
			return
		}
	}
	if request.MIMEType != "" {
		if !audio.IsAudioMIME(request.MIMEType) {
			s.writeError(w, r, apperrors.New(apperrors.ErrValidation, "mime_type must be an audio/* type"))
			return
		}
		s.input.SetMIMEType(request.MIMEType)
	}

	if err := s.recorder.Start(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeCapture(w, http.StatusOK)
}

// pauseCapture handles POST /api/capture/pause
func (s *Server) pauseCapture(w http.ResponseWriter, r *http.Request) {
	if err := s.recorder.Pause(); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeCapture(w, http.StatusOK)
}

// resumeCapture handles POST /api/capture/resume
func (s *Server) resumeCapture(w http.ResponseWriter, r *http.Request) {
	if err := s.recorder.Resume(); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeCapture(w, http.StatusOK)
}

// pushChunk handles POST /api/capture/chunks
// The body is one encoded chunk, as produced by the host recorder.
func (s *Server) pushChunk(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)
	chunk, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeError(w, r, apperrors.Wrap(apperrors.ErrValidation, "read chunk", err))
		return
	}
	if err := s.input.Push(chunk); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// stopCapture handles POST /api/capture/stop
// Strict encoding answers 422 while the raw capture stays attached.
func (s *Server) stopCapture(w http.ResponseWriter, r *http.Request) {
	if _, err := s.recorder.Stop(); err != nil {
		s.hub.Broadcast(EventCaptureState, s.currentCapture())
		s.writeError(w, r, err)
		return
	}
	s.writeCapture(w, http.StatusOK)
}

// clearCapture handles POST /api/capture/clear
func (s *Server) clearCapture(w http.ResponseWriter, r *http.Request) {
	s.recorder.Clear()
	s.writeCapture(w, http.StatusOK)
}

// capturedArtifact returns the recorder's finished artifact when the request
// asks for it with ?capture=true.
func (s *Server) capturedArtifact(r *http.Request) (*models.Artifact, bool, error) {
	raw := r.URL.Query().Get("capture")
	if raw == "" {
		return nil, false, nil
	}
	want, err := strconv.ParseBool(raw)
	if err != nil {
		return nil, false, apperrors.Wrap(apperrors.ErrValidation, "invalid capture parameter", err)
	}
	if !want {
		return nil, false, nil
	}
	if s.recorder == nil {
		return nil, false, apperrors.New(apperrors.ErrValidation, "audio capture is not enabled")
	}
	artifact := s.recorder.Artifact()
	if artifact == nil {
		return nil, false, apperrors.New(apperrors.ErrInvalidState, "no finished capture to attach")
	}
	return artifact, true, nil
}
