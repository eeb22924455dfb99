package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/sociapp/fieldsync/internal/errors"
	"github.com/sociapp/fieldsync/internal/models"
	"github.com/sociapp/fieldsync/internal/sync/scheduler"
)

// multipartMemory is how much of a multipart body is held in memory before
// spilling to temp files.
const multipartMemory = 8 << 20

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// health handles GET /api/health
func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "ok",
		"service":    "fieldsync",
		"uptime_sec": int64(time.Since(s.started).Seconds()),
	})
}

// ===== Records =====

type artifactInfo struct {
	MIMEType   string `json:"mime_type"`
	Transcoded bool   `json:"transcoded"`
	Size       int    `json:"size"`
}

type createResponse struct {
	LocalID  string        `json:"local_id"`
	Artifact *artifactInfo `json:"artifact,omitempty"`
}

// decodeFunc turns a JSON document into validated record fields.
type decodeFunc func(data []byte) (models.RecordFields, error)

func decodeFields(data []byte) (models.RecordFields, error) {
	var fields models.RecordFields
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrValidation, "invalid record JSON", err)
	}
	return fields, nil
}

func decodeSurvey(data []byte) (models.RecordFields, error) {
	var survey models.SurveyRecord
	if err := json.Unmarshal(data, &survey); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrValidation, "invalid survey JSON", err)
	}
	fields, err := survey.Fields()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrValidation, "invalid survey", err)
	}
	return fields, nil
}

// createRecord handles POST /api/records
// The body is the record fields as JSON, or multipart with a "record" JSON
// field and an optional "audio" file. ?capture=true attaches the recorder's
// finished capture instead and clears the recorder once queued.
func (s *Server) createRecord(w http.ResponseWriter, r *http.Request) {
	s.create(w, r, decodeFields)
}

// createSurvey handles POST /api/surveys
// Same shapes as POST /api/records with the respondent form as the record.
func (s *Server) createSurvey(w http.ResponseWriter, r *http.Request) {
	s.create(w, r, decodeSurvey)
}

func (s *Server) create(w http.ResponseWriter, r *http.Request, decode decodeFunc) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)

	fields, artifact, err := s.parseSubmission(r, decode)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	captured, fromCapture, err := s.capturedArtifact(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if fromCapture {
		if artifact != nil {
			s.writeError(w, r, apperrors.New(apperrors.ErrValidation, "send either an audio part or capture=true, not both"))
			return
		}
		artifact = captured
	}

	localID, err := s.records.Enqueue(r.Context(), fields, artifact)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	resp := createResponse{LocalID: localID, Artifact: newArtifactInfo(artifact)}
	if fromCapture && s.recorder.ReleaseArtifact(captured) {
		s.hub.Broadcast(EventCaptureState, s.currentCapture())
	}

	s.refreshPending(r.Context())
	s.hub.Broadcast(EventRecordQueued, resp)
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) parseSubmission(r *http.Request, decode decodeFunc) (models.RecordFields, *models.Artifact, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, nil, apperrors.Wrap(apperrors.ErrValidation, "read body", err)
		}
		fields, err := decode(body)
		return fields, nil, err
	}

	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		return nil, nil, apperrors.Wrap(apperrors.ErrValidation, "invalid multipart body", err)
	}
	defer r.MultipartForm.RemoveAll()

	fields, err := decode([]byte(r.FormValue("record")))
	if err != nil {
		return nil, nil, err
	}

	file, header, err := r.FormFile("audio")
	if err == http.ErrMissingFile {
		return fields, nil, nil
	}
	if err != nil {
		return nil, nil, apperrors.Wrap(apperrors.ErrValidation, "invalid audio part", err)
	}
	defer file.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, file); err != nil {
		return nil, nil, apperrors.Wrap(apperrors.ErrValidation, "read audio part", err)
	}
	if buf.Len() == 0 {
		return nil, nil, apperrors.New(apperrors.ErrValidation, "audio part is empty")
	}

	artifact, err := s.encodeAudio(buf.Bytes(), header.Header.Get("Content-Type"))
	if err != nil {
		return nil, nil, err
	}
	return fields, artifact, nil
}

// encodeAudio transcodes an uploaded capture, keeping the original bytes when
// transcoding fails unless strict encoding is on.
func (s *Server) encodeAudio(raw []byte, declared string) (*models.Artifact, error) {
	artifact, err := s.transcoder.TranscodeOrKeep(raw, declared)
	if err == nil {
		return artifact, nil
	}

	s.metrics.RecordTranscodeFallback(context.Background(), artifact.MIMEType)
	s.log.Warn("Transcode failed; keeping original audio", map[string]interface{}{
		"mime_type": artifact.MIMEType,
		"bytes":     len(raw),
		"error":     err.Error(),
	})
	if s.strict {
		return nil, apperrors.Wrap(apperrors.ErrTranscodeFailed, "transcode upload", err)
	}
	return artifact, nil
}

// listRecords handles GET /api/records
func (s *Server) listRecords(w http.ResponseWriter, r *http.Request) {
	items, err := s.records.ListAll(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	stats, err := s.records.Stats(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if items == nil {
		items = []*models.PendingRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items": items,
		"total": len(items),
		"stats": stats,
	})
}

// getRecord handles GET /api/records/{id}
func (s *Server) getRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := s.records.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// deleteRecord handles DELETE /api/records/{id}
func (s *Server) deleteRecord(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.records.Remove(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.refreshPending(r.Context())
	s.hub.Broadcast(EventRecordRemoved, map[string]string{"local_id": id})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) refreshPending(ctx context.Context) {
	if _, err := s.coordinator.RefreshPendingCount(ctx); err != nil {
		s.log.Warn("Failed to refresh pending count", map[string]interface{}{"error": err.Error()})
	}
}

// ===== Sync =====

// syncStatus handles GET /api/sync/status
func (s *Server) syncStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.coordinator.GetStatus())
}

// triggerSync handles POST /api/sync
// It waits for the pass. Offline requests answer 503 without attempting one.
func (s *Server) triggerSync(w http.ResponseWriter, r *http.Request) {
	result, err := s.coordinator.TriggerManualSync(r.Context())
	if err != nil {
		s.hub.Broadcast(EventSyncFailed, map[string]string{"error": err.Error()})
		s.writeError(w, r, err)
		return
	}

	status := s.coordinator.GetStatus()
	if result.Offline {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"offline": true,
			"error":   errorBody{Code: apperrors.ErrOffline, Message: scheduler.OfflineMessage},
			"status":  status,
		})
		return
	}

	pass := result.Pass
	summary := map[string]interface{}{
		"synced":   pass.SuccessCount,
		"failed":   pass.FailureCount,
		"warnings": len(pass.Warnings),
		"duration": pass.Duration.Milliseconds(),
	}
	if pass.FailureCount > 0 {
		summary["error"] = scheduler.FormatFailures(pass)
		s.hub.Broadcast(EventSyncFailed, summary)
	} else {
		s.hub.Broadcast(EventSyncCompleted, summary)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"pass":   pass,
		"status": status,
	})
}

// setConnectivity handles PUT /api/connectivity
// Hosts that observe the network themselves report transitions here.
func (s *Server) setConnectivity(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Online *bool `json:"online"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		s.writeError(w, r, apperrors.Wrap(apperrors.ErrValidation, "invalid request body", err))
		return
	}
	if request.Online == nil {
		s.writeError(w, r, apperrors.New(apperrors.ErrValidation, "online is required"))
		return
	}

	s.coordinator.SetOnline(*request.Online)
	s.log.Debug("Connectivity reported by host", map[string]interface{}{"online": *request.Online})
	writeJSON(w, http.StatusOK, s.coordinator.GetStatus())
}
