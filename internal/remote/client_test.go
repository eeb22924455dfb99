package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/sociapp/fieldsync/internal/errors"
	"github.com/sociapp/fieldsync/internal/logging"
	"github.com/sociapp/fieldsync/internal/models"
)

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	c, err := New(Config{BaseURL: srv.URL + "/api/v1/", Token: "tok"}, srv.Client(),
		logging.New(&bytes.Buffer{}, logging.LevelError))
	require.NoError(t, err)
	c.now = func() time.Time { return time.UnixMilli(1700000000123) }
	return c
}

// TestNew_invalidBaseURL verifies the base URL is validated.
func TestNew_invalidBaseURL(t *testing.T) {
	for _, base := range []string{"", "not a url", "/relative"} {
		_, err := New(Config{BaseURL: base}, nil, nil)
		assert.True(t, apperrors.Is(err, apperrors.ErrValidation), base)
	}
}

// TestCreateRecord verifies the request shape and id extraction.
func TestCreateRecord(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/respondents", r.URL.Path)
		assert.Equal(t, "tok", r.Header.Get(TokenHeader))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "Ana", body["fullName"])
		assert.EqualValues(t, 3, body["stratum"])

		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"message":"created","data":{"_id":"65f0c1"}}`))
	}))

	id, err := c.CreateRecord(context.Background(), models.RecordFields{"fullName": "Ana", "stratum": 3})
	require.NoError(t, err)
	assert.Equal(t, "65f0c1", id)
}

// TestCreateRecord_serverMessage verifies the server's message is surfaced.
func TestCreateRecord_serverMessage(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"message":"identification already registered"}`))
	}))

	_, err := c.CreateRecord(context.Background(), models.RecordFields{"fullName": "Ana"})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrRemoteCreateFailed))

	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusConflict, se.StatusCode)
	assert.Equal(t, "identification already registered", se.Message)
}

// TestCreateRecord_statusText verifies the fallback message.
func TestCreateRecord_statusText(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("<html>bad gateway</html>"))
	}))

	_, err := c.CreateRecord(context.Background(), models.RecordFields{"fullName": "Ana"})
	assert.Contains(t, err.Error(), "HTTP 502: Bad Gateway")
}

// TestCreateRecord_timeout verifies the configured timeout applies.
func TestCreateRecord_timeout(t *testing.T) {
	release := make(chan struct{})
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer close(release)
	c.cfg.Timeout = 50 * time.Millisecond

	_, err := c.CreateRecord(context.Background(), models.RecordFields{"fullName": "Ana"})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrRemoteCreateFailed))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// TestUploadArtifact verifies the multipart form.
func TestUploadArtifact(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/upload/audio", r.URL.Path)
		assert.Equal(t, "tok", r.Header.Get(TokenHeader))
		require.NoError(t, r.ParseMultipartForm(1<<20))

		assert.Equal(t, "65f0c1", r.FormValue("respondentId"))
		f, hdr, err := r.FormFile("audio")
		require.NoError(t, err)
		defer f.Close()
		assert.Equal(t, "recording-65f0c1-1700000000123.mp3", hdr.Filename)
		assert.Equal(t, "audio/mpeg", hdr.Header.Get("Content-Type"))
		data, _ := io.ReadAll(f)
		assert.Equal(t, "ID3data", string(data))

		w.Write([]byte(`{"message":"ok","audioUrl":"https://cdn/x.mp3"}`))
	}))

	err := c.UploadArtifact(context.Background(), "65f0c1",
		&models.Artifact{Data: []byte("ID3data"), MIMEType: "audio/mpeg", Transcoded: true})
	require.NoError(t, err)
}

// TestUploadArtifact_extension verifies untranscoded audio keeps its type.
func TestUploadArtifact_extension(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		_, hdr, err := r.FormFile("audio")
		require.NoError(t, err)
		assert.True(t, strings.HasSuffix(hdr.Filename, ".webm"), hdr.Filename)
	}))

	err := c.UploadArtifact(context.Background(), "id",
		&models.Artifact{Data: []byte{1, 2}, MIMEType: "audio/webm;codecs=opus"})
	require.NoError(t, err)
}

// TestUploadArtifact_empty verifies empty audio is rejected before sending.
func TestUploadArtifact_empty(t *testing.T) {
	called := false
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	err := c.UploadArtifact(context.Background(), "id", &models.Artifact{MIMEType: "audio/mpeg"})
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation))
	err = c.UploadArtifact(context.Background(), "id", nil)
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation))
	assert.False(t, called)
}

// TestUploadArtifact_failure verifies non-2xx is an upload failure.
func TestUploadArtifact_failure(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusRequestEntityTooLarge)
	}))

	err := c.UploadArtifact(context.Background(), "id", &models.Artifact{Data: []byte{1}, MIMEType: "audio/mpeg"})
	assert.True(t, apperrors.Is(err, apperrors.ErrRemoteUploadFailed))
}
