// Package remote is the HTTP client for the survey service that receives
// synced records and their audio.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	apperrors "github.com/sociapp/fieldsync/internal/errors"
	"github.com/sociapp/fieldsync/internal/logging"
	"github.com/sociapp/fieldsync/internal/models"
)

// TokenHeader carries the access token on every request.
const TokenHeader = "x-access-token"

// maxErrorBody bounds how much of a failed response is read for its message.
const maxErrorBody = 64 << 10

// Config holds remote service configuration.
type Config struct {
	BaseURL    string
	Token      string
	Timeout    time.Duration
	CreatePath string
	UploadPath string
}

// DefaultConfig returns the default paths and timeout. BaseURL has no default.
func DefaultConfig() Config {
	return Config{
		Timeout:    30 * time.Second,
		CreatePath: "/respondents",
		UploadPath: "/upload/audio",
	}
}

// StatusError is a non-2xx response.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// Client implements sync.RemoteService over HTTP.
type Client struct {
	cfg       Config
	createURL string
	uploadURL string
	http      *http.Client
	now       func() time.Time
	log       *logging.Logger
}

// New creates a Client. A nil httpClient uses a fresh http.Client; the
// per-request timeout comes from cfg.Timeout either way.
func New(cfg Config, httpClient *http.Client, log *logging.Logger) (*Client, error) {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.CreatePath == "" {
		cfg.CreatePath = def.CreatePath
	}
	if cfg.UploadPath == "" {
		cfg.UploadPath = def.UploadPath
	}

	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, apperrors.New(apperrors.ErrValidation, fmt.Sprintf("invalid remote base URL %q", cfg.BaseURL))
	}

	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if log == nil {
		log = logging.Get()
	}
	return &Client{
		cfg:       cfg,
		createURL: base.String() + cfg.CreatePath,
		uploadURL: base.String() + cfg.UploadPath,
		http:      httpClient,
		now:       time.Now,
		log:       log,
	}, nil
}

type createResponse struct {
	Message string `json:"message"`
	Data    struct {
		ID string `json:"_id"`
	} `json:"data"`
}

// CreateRecord posts fields as JSON and returns the server-assigned id.
func (c *Client) CreateRecord(ctx context.Context, fields models.RecordFields) (string, error) {
	body, err := json.Marshal(fields)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrRemoteCreateFailed, "encode record", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.createURL, bytes.NewReader(body))
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrRemoteCreateFailed, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var out createResponse
	if err := c.do(req, &out); err != nil {
		return "", apperrors.Wrap(apperrors.ErrRemoteCreateFailed, "create record", err)
	}

	c.log.Debug("Remote record created", map[string]interface{}{"remote_id": out.Data.ID})
	return out.Data.ID, nil
}

// UploadArtifact posts the audio as multipart form data tagged with remoteID.
func (c *Client) UploadArtifact(ctx context.Context, remoteID string, artifact *models.Artifact) error {
	if artifact == nil || len(artifact.Data) == 0 {
		return apperrors.New(apperrors.ErrValidation, "audio is empty")
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	filename := fmt.Sprintf("recording-%s-%d.%s", remoteID, c.now().UnixMilli(), artifact.Extension())
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="audio"; filename="%s"`, filename))
	h.Set("Content-Type", artifact.MIMEType)
	part, err := mw.CreatePart(h)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrRemoteUploadFailed, "build upload", err)
	}
	if _, err := part.Write(artifact.Data); err != nil {
		return apperrors.Wrap(apperrors.ErrRemoteUploadFailed, "build upload", err)
	}
	if err := mw.WriteField("respondentId", remoteID); err != nil {
		return apperrors.Wrap(apperrors.ErrRemoteUploadFailed, "build upload", err)
	}
	if err := mw.Close(); err != nil {
		return apperrors.Wrap(apperrors.ErrRemoteUploadFailed, "build upload", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.uploadURL, &body)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrRemoteUploadFailed, "build request", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	if err := c.do(req, nil); err != nil {
		return apperrors.Wrap(apperrors.ErrRemoteUploadFailed, "upload audio", err)
	}
	return nil
}

// do sends req with the access token and decodes a 2xx JSON body into out.
func (c *Client) do(req *http.Request, out interface{}) error {
	if c.cfg.Token != "" {
		req.Header.Set(TokenHeader, c.cfg.Token)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(resp)
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// statusError prefers the server's JSON message over the status text.
func statusError(resp *http.Response) error {
	msg := http.StatusText(resp.StatusCode)
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var body struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &body) == nil && body.Message != "" {
		msg = body.Message
	}
	return &StatusError{StatusCode: resp.StatusCode, Message: msg}
}
