package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"labstream/internal/core/domain"
	"labstream/pkg/retry"
	"labstream/pkg/tracing"
	"labstream/pkg/utils"

	"go.uber.org/zap"
)

// Client talks to the camera backend's streaming REST surface. One instance
// is shared by all controllers and the registry.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	retryCfg   retry.Config
	logger     *zap.SugaredLogger
}

func NewClient(baseURL, token string, requestTimeout time.Duration, logger *zap.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: requestTimeout,
		},
		retryCfg: retry.DefaultConfig(),
		logger:   logger.Sugar(),
	}
}

type allocateRequest struct {
	CameraID string `json:"camera_id"`
	Quality  string `json:"quality"`
}

type allocateResponse struct {
	SessionID    string `json:"session_id"`
	QualityLevel string `json:"quality_level"`
	CreatedAt    int64  `json:"created_at,omitempty"`
}

type statusResponse struct {
	Enabled            bool    `json:"enabled"`
	ActiveSessionCount int     `json:"active_session_count"`
	MaxSessions        int     `json:"max_sessions"`
	TotalBandwidthMbps float64 `json:"total_bandwidth_mbps"`
	Sessions           []struct {
		SessionID     string  `json:"session_id"`
		CameraID      string  `json:"camera_id"`
		Quality       string  `json:"quality"`
		BandwidthMbps float64 `json:"bandwidth_mbps"`
		CreatedAt     int64   `json:"created_at"`
	} `json:"sessions"`
}

type cameraResponse struct {
	Cameras []struct {
		ID       string `json:"id"`
		Name     string `json:"name"`
		Location string `json:"location"`
		Online   bool   `json:"online"`
	} `json:"cameras"`
}

// AllocateSession reserves a streaming session for the camera. A 409 from
// the backend means the session cap is reached; timeouts and transport
// failures surface as ErrBackendUnavailable.
func (c *Client) AllocateSession(ctx context.Context, cameraID domain.CameraID, quality domain.QualityTier) (*domain.StreamSession, error) {
	ctx, span := tracing.TraceAPIRequest(ctx, http.MethodPost, "/streaming/session")
	defer span.End()

	body, err := json.Marshal(allocateRequest{
		CameraID: string(cameraID),
		Quality:  string(quality),
	})
	if err != nil {
		return nil, err
	}

	resp, err := c.do(ctx, http.MethodPost, "/streaming/session", bytes.NewReader(body))
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, fmt.Errorf("%w: allocate failed: %v", domain.ErrBackendUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusConflict:
		return nil, domain.ErrCapacityReached
	case resp.StatusCode >= 400:
		err := fmt.Errorf("%w: allocate returned %s", domain.ErrBackendUnavailable, resp.Status)
		tracing.RecordError(ctx, err)
		return nil, err
	}

	var out allocateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: invalid allocate response: %v", domain.ErrBackendUnavailable, err)
	}
	if out.SessionID == "" {
		return nil, fmt.Errorf("%w: allocate response missing session_id", domain.ErrBackendUnavailable)
	}

	createdAt := time.Now()
	if out.CreatedAt > 0 {
		createdAt = time.Unix(out.CreatedAt, 0)
	}

	return &domain.StreamSession{
		ID:        domain.SessionID(out.SessionID),
		CameraID:  cameraID,
		CreatedAt: createdAt,
		Quality:   domain.QualityTier(out.QualityLevel),
		State:     domain.StateIdle,
	}, nil
}

// ReleaseSession frees a session id. Non-2xx responses are soft failures:
// logged here and reported, never blocking local cleanup.
func (c *Client) ReleaseSession(ctx context.Context, id domain.SessionID) error {
	ctx, span := tracing.TraceAPIRequest(ctx, http.MethodDelete, "/streaming/session/{id}")
	defer span.End()

	resp, err := c.do(ctx, http.MethodDelete, "/streaming/session/"+string(id), nil)
	if err != nil {
		c.logger.Warnw("session release failed", "session_id", id, "error", err)
		return fmt.Errorf("%w: release failed: %v", domain.ErrBackendUnavailable, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		c.logger.Warnw("session release rejected", "session_id", id, "status", resp.Status)
		return fmt.Errorf("%w: release returned %s", domain.ErrBackendUnavailable, resp.Status)
	}
	return nil
}

// StreamingStatus polls the aggregate status endpoint. The read is
// idempotent, so transient failures are retried with backoff.
func (c *Client) StreamingStatus(ctx context.Context) (*domain.AggregateStreamingStatus, error) {
	return retry.DoWithResult(ctx, c.retryCfg, func() (*domain.AggregateStreamingStatus, error) {
		return c.fetchStatus(ctx)
	})
}

func (c *Client) fetchStatus(ctx context.Context) (*domain.AggregateStreamingStatus, error) {
	resp, err := c.do(ctx, http.MethodGet, "/streaming/status", nil)
	if err != nil {
		return nil, fmt.Errorf("%w: status poll failed: %v", domain.ErrBackendUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("%w: status poll returned %s", domain.ErrBackendUnavailable, resp.Status)
	}

	var out statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: invalid status response: %v", domain.ErrBackendUnavailable, err)
	}

	status := &domain.AggregateStreamingStatus{
		Enabled:            out.Enabled,
		ActiveSessionCount: out.ActiveSessionCount,
		MaxSessions:        out.MaxSessions,
		TotalBandwidthMbps: out.TotalBandwidthMbps,
		RefreshedAt:        time.Now(),
	}
	for _, s := range out.Sessions {
		status.Sessions = append(status.Sessions, domain.SessionStatus{
			SessionID:     domain.SessionID(s.SessionID),
			CameraID:      domain.CameraID(s.CameraID),
			Quality:       domain.QualityTier(s.Quality),
			BandwidthMbps: s.BandwidthMbps,
			CreatedAt:     time.Unix(s.CreatedAt, 0),
		})
	}
	return status, nil
}

// ListCameras returns the lab's camera inventory.
func (c *Client) ListCameras(ctx context.Context) ([]*domain.Camera, error) {
	resp, err := c.do(ctx, http.MethodGet, "/cameras", nil)
	if err != nil {
		return nil, fmt.Errorf("%w: camera list failed: %v", domain.ErrBackendUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("%w: camera list returned %s", domain.ErrBackendUnavailable, resp.Status)
	}

	var out cameraResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: invalid camera list response: %v", domain.ErrBackendUnavailable, err)
	}

	cameras := make([]*domain.Camera, 0, len(out.Cameras))
	for _, cam := range out.Cameras {
		cameras = append(cameras, &domain.Camera{
			ID:       domain.CameraID(cam.ID),
			Name:     cam.Name,
			Location: cam.Location,
			Online:   cam.Online,
		})
	}
	return cameras, nil
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("X-Request-ID", utils.GenerateRequestID())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("request timed out: %w", err)
		}
		return nil, err
	}
	return resp, nil
}
