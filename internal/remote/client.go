package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/liftsync/internal/fitness"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Sentinel errors for the HTTP error classes the sync engine reacts to.
var (
	ErrNotFound     = errors.New("remote: not found")
	ErrUnauthorized = errors.New("remote: unauthorized")
	ErrConflict     = errors.New("remote: stale last sync")

	errMissingBaseURL = errors.New("remote: base url is required")
)

const (
	// HeaderLastSync carries the caller's watermark on mutating calls.
	HeaderLastSync = "X-Last-Sync"
	// HeaderSyncRun correlates every call of one sync pass.
	HeaderSyncRun = "X-Sync-Run"
	// HeaderDeviceID identifies the installation issuing the call.
	HeaderDeviceID = "X-Device-ID"

	defaultTimeout  = 30 * time.Second
	maxErrorBodyLen = 512
)

// StatusError reports an HTTP failure without a dedicated sentinel.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("remote: HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("remote: HTTP %d: %s", e.StatusCode, e.Body)
}

// Temporary reports whether a retry on the next pass may succeed.
func (e *StatusError) Temporary() bool {
	return e.StatusCode >= http.StatusInternalServerError || e.StatusCode == http.StatusTooManyRequests
}

// ListRequest selects one page of changes in the window (Since, Until].
type ListRequest struct {
	Offset int
	Limit  int
	Since  *time.Time
	Until  time.Time
}

// Page is one decoded page of changes.
type Page struct {
	Records []Record
	HasMore bool
}

// MutationResult is the server's answer to a create, update or delete.
type MutationResult struct {
	ID        *int64
	Watermark time.Time
}

// ListResponse is the JSON body of a list call.
type ListResponse struct {
	Data    []json.RawMessage `json:"data"`
	HasMore bool              `json:"hasMore"`
}

// MutationResponse is the JSON body of a mutating call.
type MutationResponse struct {
	ID        *int64    `json:"id,omitempty"`
	Watermark time.Time `json:"watermark"`
}

// WatermarkResponse is the JSON body of the watermark call.
type WatermarkResponse struct {
	Watermark time.Time `json:"watermark"`
}

// ErrorResponse is the JSON error body returned by the server.
type ErrorResponse struct {
	Error string `json:"error"`
}

// ClientConfig describes how to reach the sync server.
type ClientConfig struct {
	BaseURL    string
	Token      string
	DeviceID   string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client is an HTTP client for the sync server.
type Client struct {
	baseURL  string
	token    string
	deviceID string
	http     *http.Client
	logger   *zap.Logger
}

// NewClient creates a client. A device id is generated when none is configured.
func NewClient(cfg ClientConfig) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errMissingBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	deviceID := strings.TrimSpace(cfg.DeviceID)
	if deviceID == "" {
		deviceID = uuid.NewString()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:  baseURL,
		token:    cfg.Token,
		deviceID: deviceID,
		http:     httpClient,
		logger:   logger,
	}, nil
}

type syncRunKey struct{}

// WithSyncRun tags ctx so every call made with it carries the sync run id.
func WithSyncRun(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, syncRunKey{}, runID)
}

// SyncRunFromContext returns the sync run id attached by WithSyncRun.
func SyncRunFromContext(ctx context.Context) string {
	runID, _ := ctx.Value(syncRunKey{}).(string)
	return runID
}

// Watermark fetches the server's current watermark for the authenticated user.
func (c *Client) Watermark(ctx context.Context) (time.Time, error) {
	var resp WatermarkResponse
	if err := c.do(ctx, http.MethodGet, "/v1/sync/watermark", nil, nil, &resp); err != nil {
		return time.Time{}, err
	}
	return resp.Watermark.UTC(), nil
}

// List fetches one page of changes of the given kind.
func (c *Client) List(ctx context.Context, kind fitness.EntityKind, req ListRequest) (Page, error) {
	params := url.Values{}
	params.Set("offset", strconv.Itoa(req.Offset))
	params.Set("limit", strconv.Itoa(req.Limit))
	params.Set("until", fitness.FormatWatermark(req.Until))
	if req.Since != nil {
		params.Set("since", fitness.FormatWatermark(*req.Since))
	}

	var resp ListResponse
	path := fmt.Sprintf("/v1/%s?%s", kind, params.Encode())
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &resp); err != nil {
		return Page{}, err
	}

	page := Page{Records: make([]Record, 0, len(resp.Data)), HasMore: resp.HasMore}
	for _, raw := range resp.Data {
		record, err := DecodeRecord(kind, raw)
		if err != nil {
			return Page{}, err
		}
		page.Records = append(page.Records, record)
	}
	return page, nil
}

// Create stores a new record and returns its server id.
func (c *Client) Create(ctx context.Context, record Record, lastSync *time.Time) (MutationResult, error) {
	path := fmt.Sprintf("/v1/%s", record.Kind())
	return c.mutate(ctx, http.MethodPost, path, record, lastSync)
}

// Update replaces the record with the given server id.
func (c *Client) Update(ctx context.Context, id int64, record Record, lastSync *time.Time) (MutationResult, error) {
	path := fmt.Sprintf("/v1/%s/%d", record.Kind(), id)
	return c.mutate(ctx, http.MethodPut, path, record, lastSync)
}

// Delete tombstones the record with the given server id.
func (c *Client) Delete(ctx context.Context, kind fitness.EntityKind, id int64, lastSync *time.Time) (MutationResult, error) {
	path := fmt.Sprintf("/v1/%s/%d", kind, id)
	return c.mutate(ctx, http.MethodDelete, path, nil, lastSync)
}

func (c *Client) mutate(ctx context.Context, method, path string, body any, lastSync *time.Time) (MutationResult, error) {
	headers := http.Header{}
	if lastSync != nil {
		headers.Set(HeaderLastSync, fitness.FormatWatermark(*lastSync))
	}
	var resp MutationResponse
	if err := c.do(ctx, method, path, body, headers, &resp); err != nil {
		return MutationResult{}, err
	}
	if resp.Watermark.IsZero() {
		return MutationResult{}, fmt.Errorf("remote: %s %s returned no watermark", method, path)
	}
	return MutationResult{ID: resp.ID, Watermark: resp.Watermark.UTC()}, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, headers http.Header, result any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	for key, values := range headers {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set(HeaderDeviceID, c.deviceID)
	if runID := SyncRunFromContext(ctx); runID != "" {
		req.Header.Set(HeaderSyncRun, runID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		c.logger.Debug("remote call failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
			zap.String("sync_run", SyncRunFromContext(ctx)))
		return statusError(resp.StatusCode, respBody)
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func statusError(statusCode int, body []byte) error {
	message := strings.TrimSpace(string(body))
	var errorBody ErrorResponse
	if json.Unmarshal(body, &errorBody) == nil && errorBody.Error != "" {
		message = errorBody.Error
	}
	if len(message) > maxErrorBodyLen {
		message = message[:maxErrorBodyLen]
	}

	switch statusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, message)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrUnauthorized, message)
	case http.StatusConflict:
		return fmt.Errorf("%w: %s", ErrConflict, message)
	default:
		return &StatusError{StatusCode: statusCode, Body: message}
	}
}
