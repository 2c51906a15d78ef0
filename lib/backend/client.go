// Copyright 2026 The Edgefleet Authors
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/edgefleet/edgefleet/lib/shadow"
	"github.com/edgefleet/edgefleet/lib/telemetry"
)

// ErrMissingCredential is returned when an authenticated call is
// attempted without a stored auth token. This is a local precondition
// failure, not a network error: the call is aborted before any bytes
// leave the device.
var ErrMissingCredential = errors.New("backend: no auth token available")

// DefaultCallTimeout bounds every outbound call. The agent loop is
// single-dispatch, so one hung call would stall sampling, uploads,
// and the OTA check alike; a timeout turns that unbounded block into
// an ordinary transient failure retried on the next tick.
const DefaultCallTimeout = 10 * time.Second

// DefaultDownloadTimeout bounds the firmware binary download, which
// moves megabytes rather than the kilobytes of the other calls.
const DefaultDownloadTimeout = 2 * time.Minute

// RegisterPayload is the one-time registration request body.
type RegisterPayload struct {
	BootID uuid.UUID `json:"boot_id"`
}

// RegisterResponse carries the backend-assigned identity.
type RegisterResponse struct {
	DeviceID  string `json:"device_id"`
	AuthToken string `json:"auth_token"`
}

// Heartbeat is the periodic liveness report. The reported intervals
// are the values live at the moment the heartbeat is sent — not the
// values any concurrent reconfiguration is about to apply.
type Heartbeat struct {
	DeviceID                  string `json:"device_id"`
	FirmwareVersion           string `json:"firmware_version"`
	ReportedSampleInterval    uint64 `json:"reported_sample_interval_secs"`
	ReportedUploadInterval    uint64 `json:"reported_upload_interval_secs"`
	ReportedHeartbeatInterval uint64 `json:"reported_heartbeat_interval_secs"`
	Region                    string `json:"region,omitempty"`
	HardwareRev               string `json:"hardware_rev,omitempty"`
}

// FirmwareMetadata describes the latest published firmware image for
// this device. Checksum is the hex SHA-256 of the image bytes.
type FirmwareMetadata struct {
	Version  string `json:"version"`
	Checksum string `json:"checksum"`
	URL      string `json:"url"`
}

// reportedShadowState wraps the reported document for the shadow
// PATCH call.
type reportedShadowState struct {
	State shadow.Document `json:"state"`
}

// Config holds the parameters for creating a Client.
type Config struct {
	// BaseURL is the backend root, e.g. "http://backend:8000".
	// Required.
	BaseURL string

	// Token returns the device's current auth token, or "" when the
	// device has not registered yet. Required. Called per request so
	// the client observes the token assigned by registration without
	// being rebuilt.
	Token func() string

	// CallTimeout bounds each non-download call. Defaults to
	// DefaultCallTimeout if zero.
	CallTimeout time.Duration

	// DownloadTimeout bounds the firmware download. Defaults to
	// DefaultDownloadTimeout if zero.
	DownloadTimeout time.Duration

	// Logger receives request-level messages. If nil, a no-op
	// logger is used.
	Logger *slog.Logger
}

// Client speaks the fleet backend's device protocol over HTTP. One
// method per wire operation; every method imposes an explicit
// timeout and surfaces failures as errors for the caller's tick to
// log and drop.
type Client struct {
	baseURL         string
	token           func() string
	httpClient      *http.Client
	callTimeout     time.Duration
	downloadTimeout time.Duration
	logger          *slog.Logger
}

// New creates a Client. Panics if BaseURL or Token is unset —
// both are wiring errors, not runtime conditions.
func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		panic("backend.Client: BaseURL is required")
	}
	if cfg.Token == nil {
		panic("backend.Client: Token is required")
	}

	callTimeout := cfg.CallTimeout
	if callTimeout == 0 {
		callTimeout = DefaultCallTimeout
	}
	downloadTimeout := cfg.DownloadTimeout
	if downloadTimeout == 0 {
		downloadTimeout = DefaultDownloadTimeout
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Client{
		baseURL:         cfg.BaseURL,
		token:           cfg.Token,
		httpClient:      &http.Client{},
		callTimeout:     callTimeout,
		downloadTimeout: downloadTimeout,
		logger:          logger,
	}
}

// Register performs the one-time registration exchange. It is the
// only unauthenticated call: the device has no credential yet.
func (c *Client) Register(ctx context.Context, bootID uuid.UUID) (RegisterResponse, error) {
	var response RegisterResponse
	err := c.call(ctx, http.MethodPost, c.baseURL+"/api/devices/register",
		RegisterPayload{BootID: bootID}, &response, false)
	if err != nil {
		return RegisterResponse{}, fmt.Errorf("backend: register: %w", err)
	}
	if response.DeviceID == "" || response.AuthToken == "" {
		return RegisterResponse{}, fmt.Errorf("backend: register: response missing identity")
	}
	return response, nil
}

// SendHeartbeat reports liveness and current intervals. Returns the
// backend's desired state, or nil when the response body is empty or
// undecodable (treated as "no desired state", not a hard failure).
func (c *Client) SendHeartbeat(ctx context.Context, hb Heartbeat) (*shadow.DesiredState, error) {
	var desired shadow.DesiredState
	err := c.call(ctx, http.MethodPost, c.baseURL+"/api/devices/heartbeat", hb, &desired, true)
	if err != nil {
		if errors.Is(err, errEmptyBody) {
			return nil, nil
		}
		return nil, fmt.Errorf("backend: heartbeat: %w", err)
	}
	return &desired, nil
}

// Ingest uploads a batch of measurements. A nil or empty batch is a
// no-op. Success means the backend acknowledged the whole batch.
func (c *Client) Ingest(ctx context.Context, deviceID string, measurements []telemetry.Measurement) error {
	if len(measurements) == 0 {
		return nil
	}
	payload := telemetry.IngestPayload{DeviceID: deviceID, Measurements: measurements}
	if err := c.call(ctx, http.MethodPost, c.baseURL+"/api/devices/ingest", payload, nil, true); err != nil {
		return fmt.Errorf("backend: ingest: %w", err)
	}
	return nil
}

// LatestFirmware fetches metadata for the newest firmware published
// to this device. Returns nil (and no error) when the backend
// reports no content or the body is empty or undecodable.
func (c *Client) LatestFirmware(ctx context.Context, deviceID string) (*FirmwareMetadata, error) {
	endpoint := c.baseURL + "/api/firmware/latest?device_id=" + url.QueryEscape(deviceID)
	var metadata FirmwareMetadata
	err := c.call(ctx, http.MethodGet, endpoint, nil, &metadata, true)
	if err != nil {
		if errors.Is(err, errEmptyBody) {
			return nil, nil
		}
		return nil, fmt.Errorf("backend: firmware metadata: %w", err)
	}
	if metadata.Version == "" {
		return nil, nil
	}
	return &metadata, nil
}

// DownloadFirmware fetches the firmware binary at firmwareURL (taken
// from FirmwareMetadata.URL, which may point at a different host
// than the backend base).
func (c *Client) DownloadFirmware(ctx context.Context, firmwareURL string) ([]byte, error) {
	token := c.token()
	if token == "" {
		return nil, ErrMissingCredential
	}

	ctx, cancel := context.WithTimeout(ctx, c.downloadTimeout)
	defer cancel()

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, firmwareURL, nil)
	if err != nil {
		return nil, fmt.Errorf("backend: download: %w", err)
	}
	request.Header.Set("Authorization", token)

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("backend: download: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode > 299 {
		return nil, fmt.Errorf("backend: download: unexpected status %s", response.Status)
	}

	data, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, fmt.Errorf("backend: download: reading body: %w", err)
	}

	c.logger.Info("firmware downloaded", "bytes", len(data), "url", firmwareURL)
	return data, nil
}

// GetShadow fetches the device's shadow document pair.
func (c *Client) GetShadow(ctx context.Context, deviceID string) (shadow.DeviceShadow, error) {
	endpoint := c.baseURL + "/api/devices/" + url.PathEscape(deviceID) + "/shadow"
	var s shadow.DeviceShadow
	err := c.call(ctx, http.MethodGet, endpoint, nil, &s, true)
	if err != nil {
		if errors.Is(err, errEmptyBody) {
			return shadow.DeviceShadow{}, nil
		}
		return shadow.DeviceShadow{}, fmt.Errorf("backend: get shadow: %w", err)
	}
	return s, nil
}

// PatchShadow pushes the device's reported document to the backend.
func (c *Client) PatchShadow(ctx context.Context, deviceID string, reported shadow.Document) error {
	endpoint := c.baseURL + "/api/devices/" + url.PathEscape(deviceID) + "/shadow"
	err := c.call(ctx, http.MethodPatch, endpoint, reportedShadowState{State: reported}, nil, true)
	if err != nil {
		return fmt.Errorf("backend: patch shadow: %w", err)
	}
	return nil
}

// errEmptyBody marks a 2xx response whose body was empty or
// undecodable where a document was expected. Callers translate it
// into "no data available" per operation.
var errEmptyBody = errors.New("empty or undecodable response body")

// call performs one HTTP exchange: JSON-encode requestBody (if any),
// send with the per-call timeout, check for 2xx, and JSON-decode into
// responseBody (if non-nil). 204 and empty bodies yield errEmptyBody
// when a response document was expected.
func (c *Client) call(ctx context.Context, method, endpoint string, requestBody, responseBody any, authenticated bool) error {
	var token string
	if authenticated {
		token = c.token()
		if token == "" {
			return ErrMissingCredential
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	var body io.Reader
	if requestBody != nil {
		encoded, err := json.Marshal(requestBody)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	if requestBody != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if authenticated {
		request.Header.Set("Authorization", token)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode > 299 {
		return fmt.Errorf("unexpected status %s", response.Status)
	}

	if responseBody == nil {
		return nil
	}
	if response.StatusCode == http.StatusNoContent {
		return errEmptyBody
	}

	data, err := io.ReadAll(response.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if len(data) == 0 {
		return errEmptyBody
	}
	if err := json.Unmarshal(data, responseBody); err != nil {
		c.logger.Warn("undecodable response body, treating as no data",
			"endpoint", endpoint,
			"error", err,
		)
		return errEmptyBody
	}
	return nil
}
