package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/devrev/edgesync/internal/errors"
	"github.com/devrev/edgesync/internal/model"
)

const (
	HeaderAPIKey          = "X-API-Key"
	HeaderEstablishmentID = "X-Establishment-ID"

	SyncEventsPath = "/sync/events"
	HealthPath     = "/health"

	maxResponseBytes = 4 << 20
)

// CentralClient talks to the central system over HTTP
type CentralClient struct {
	baseURL         string
	apiKey          string
	establishmentID string
	timeout         time.Duration
	probeTimeout    time.Duration
	httpClient      *http.Client
}

// CentralClientConfig holds central endpoint settings
type CentralClientConfig struct {
	BaseURL         string
	APIKey          string
	EstablishmentID string
	Timeout         time.Duration
	ProbeTimeout    time.Duration
}

// NewCentralClient creates a new central client
func NewCentralClient(cfg *CentralClientConfig) *CentralClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}

	return &CentralClient{
		baseURL:         strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:          cfg.APIKey,
		establishmentID: cfg.EstablishmentID,
		timeout:         cfg.Timeout,
		probeTimeout:    cfg.ProbeTimeout,
		httpClient: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   5 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     60 * time.Second,
			},
		},
	}
}

// BaseURL returns the central endpoint this client targets
func (c *CentralClient) BaseURL() string {
	return c.baseURL
}

// SendEvents posts a secure package to the central system and decodes its answer.
// Transport faults and non-2xx statuses are returned as transport errors.
func (c *CentralClient) SendEvents(ctx context.Context, pkg *model.SecureSyncPackage) (*model.SyncResponse, error) {
	body, err := json.Marshal(pkg)
	if err != nil {
		return nil, errors.InternalError("failed to encode sync package", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := c.newRequest(ctx, http.MethodPost, SyncEventsPath, body)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.TransportFailed("failed to send sync package", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, errors.TransportFailed("failed to read sync response", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, errors.TransportFailed(fmt.Sprintf("central rejected sync package with status %d", resp.StatusCode), nil).
			WithDetail("status", resp.StatusCode).
			WithDetail("body", truncate(string(data), 256))
	}

	var out model.SyncResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, errors.TransportFailed("failed to decode sync response", err)
	}
	return &out, nil
}

// Health probes GET /health, bounded by the probe timeout
func (c *CentralClient) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.probeTimeout)
	defer cancel()

	req, err := c.newRequest(ctx, http.MethodGet, HealthPath, nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Unavailable("central health probe failed", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errors.Unavailable(fmt.Sprintf("central health returned status %d", resp.StatusCode), nil)
	}
	return nil
}

// ReplayOperation sends one captured offline operation to the central system
// and returns the response body.
func (c *CentralClient) ReplayOperation(ctx context.Context, op *model.OfflineOperation) ([]byte, error) {
	method, err := ReplayMethod(op)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body []byte
	if method != http.MethodGet && method != http.MethodDelete {
		body = op.Data
	}

	req, err := c.newRequest(ctx, method, "/"+op.Resource, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Idempotency-Key", op.ID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.TransportFailed("failed to replay offline operation", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, errors.TransportFailed("failed to read replay response", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, errors.TransportFailed(fmt.Sprintf("replay of %s %s returned status %d", method, op.Resource, resp.StatusCode), nil).
			WithDetail("status", resp.StatusCode)
	}
	return data, nil
}

// ReplayMethod maps an offline operation onto an HTTP method
func ReplayMethod(op *model.OfflineOperation) (string, error) {
	if op.Type == model.OperationTypeRead {
		return http.MethodGet, nil
	}
	switch strings.ToLower(op.Operation) {
	case "create":
		return http.MethodPost, nil
	case "update":
		return http.MethodPut, nil
	case "delete":
		return http.MethodDelete, nil
	default:
		return "", errors.InvalidArgument(fmt.Sprintf("unsupported offline operation %q", op.Operation), nil)
	}
}

func (c *CentralClient) newRequest(ctx context.Context, method, path string, body []byte) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, errors.InvalidArgument("failed to build central request", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set(HeaderAPIKey, c.apiKey)
	}
	if c.establishmentID != "" {
		req.Header.Set(HeaderEstablishmentID, c.establishmentID)
	}
	return req, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
