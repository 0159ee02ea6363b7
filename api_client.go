package medsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// HTTPDoer is an interface for making HTTP requests.
// It is implemented by *http.Client and can be mocked in tests.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// APIClientConfig configures the backend REST client.
type APIClientConfig struct {
	// BaseURL is the API root, without a trailing slash.
	BaseURL string

	// Timeout bounds each request. Default: 30s.
	Timeout time.Duration

	// HTTPClient allows injecting a custom HTTP client for testing.
	// If nil, a default client is created with the configured timeout.
	HTTPClient HTTPDoer

	// Tokens supplies the bearer token per request.
	Tokens TokenProvider

	// Logger receives request failures. Default: slog.Default().
	Logger *slog.Logger
}

// APIClient talks to the medication backend. Reads retry on transient
// failures; writes are delivered exactly as requested and rely on the
// idempotent backend plus the offline queue for redelivery.
type APIClient struct {
	cfg      APIClientConfig
	client   HTTPDoer
	logger   *slog.Logger
	retryer  *Retryer
	deviceID string
}

// NewAPIClient creates a backend client.
func NewAPIClient(cfg APIClientConfig) *APIClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &APIClient{
		cfg:    cfg,
		client: client,
		logger: cfg.Logger,
		retryer: NewRetryer(RetryConfig{
			MaxAttempts:       3,
			InitialBackoff:    200 * time.Millisecond,
			MaxBackoff:        5 * time.Second,
			BackoffMultiplier: 2.0,
			Jitter:            0.1,
			RetryIf:           IsRetryable,
		}),
	}
}

// SetDeviceID sets the device id sent with every request.
func (c *APIClient) SetDeviceID(id string) {
	c.deviceID = id
}

// ActionResult is the backend verdict on one replayed offline action.
type ActionResult struct {
	ID      string `json:"id"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type upcomingResponse struct {
	Reminders  []Reminder `json:"reminders"`
	ServerTime time.Time  `json:"serverTime"`
}

type checkUpdatesResponse struct {
	HasUpdates bool `json:"hasUpdates"`
}

type reminderIDsRequest struct {
	ReminderIDs []string `json:"reminderIds"`
}

// wireAction is the sync-offline wire shape; local bookkeeping fields like
// the retry counter never leave the device.
type wireAction struct {
	ID         string     `json:"id"`
	Type       ActionType `json:"type"`
	ReminderID string     `json:"reminderId"`
	Timestamp  time.Time  `json:"timestamp"`
}

type syncOfflineRequest struct {
	Actions []wireAction `json:"actions"`
}

type syncOfflineResponse struct {
	Results []ActionResult `json:"results"`
}

type apiErrorBody struct {
	Error string `json:"error"`
}

// FetchUpcoming downloads the reminder window: the next days of doses plus
// the recent past the backend includes for late confirmations. The returned
// time is the server watermark for the download, zero when the backend
// omits it.
func (c *APIClient) FetchUpcoming(ctx context.Context, days int) ([]Reminder, time.Time, error) {
	q := url.Values{"days": {strconv.Itoa(days)}}
	var out upcomingResponse
	err := c.getWithRetry(ctx, "/reminders/upcoming", q, &out)
	if err != nil {
		return nil, time.Time{}, err
	}
	return out.Reminders, out.ServerTime, nil
}

// CheckUpdates asks whether anything changed after lastSync.
func (c *APIClient) CheckUpdates(ctx context.Context, lastSync time.Time) (bool, error) {
	q := url.Values{}
	if !lastSync.IsZero() {
		q.Set("lastSync", lastSync.Format(time.RFC3339Nano))
	}
	var out checkUpdatesResponse
	if err := c.getWithRetry(ctx, "/check-updates", q, &out); err != nil {
		return false, err
	}
	return out.HasUpdates, nil
}

// ConfirmReminders marks doses taken on the backend. The endpoint is
// idempotent: re-confirming an already confirmed dose succeeds.
func (c *APIClient) ConfirmReminders(ctx context.Context, reminderIDs []string) error {
	return c.post(ctx, "/reminders/confirm", reminderIDsRequest{ReminderIDs: reminderIDs}, nil)
}

// SnoozeReminders defers doses on the backend.
func (c *APIClient) SnoozeReminders(ctx context.Context, reminderIDs []string) error {
	return c.post(ctx, "/reminders/snooze", reminderIDsRequest{ReminderIDs: reminderIDs}, nil)
}

// SyncOfflineActions replays queued actions in one batch and returns the
// backend's per-action verdicts.
func (c *APIClient) SyncOfflineActions(ctx context.Context, actions []QueuedAction) ([]ActionResult, error) {
	req := syncOfflineRequest{Actions: make([]wireAction, 0, len(actions))}
	for _, a := range actions {
		req.Actions = append(req.Actions, wireAction{
			ID:         a.ID,
			Type:       a.Type,
			ReminderID: a.ReminderID,
			Timestamp:  a.CreatedAt,
		})
	}
	var out syncOfflineResponse
	if err := c.post(ctx, "/reminders/sync-offline", req, &out); err != nil {
		return nil, err
	}
	return out.Results, nil
}

func (c *APIClient) getWithRetry(ctx context.Context, path string, query url.Values, out any) error {
	result := c.retryer.Do(ctx, func() error {
		return c.get(ctx, path, query, out)
	})
	return result.LastErr
}

func (c *APIClient) get(ctx context.Context, path string, query url.Values, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	if len(query) > 0 {
		req.URL.RawQuery = query.Encode()
	}
	return c.do(req, out)
}

func (c *APIClient) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := c.newRequest(ctx, http.MethodPost, path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *APIClient) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	if c.cfg.BaseURL == "" {
		return nil, ErrOffline
	}
	if c.cfg.Tokens == nil {
		return nil, ErrNoAuthToken
	}
	token, err := c.cfg.Tokens.Token()
	if err != nil || token == "" {
		return nil, ErrNoAuthToken
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if c.deviceID != "" {
		req.Header.Set("X-Device-ID", c.deviceID)
	}
	return req, nil
}

func (c *APIClient) do(req *http.Request, out any) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return newNetworkError(req.Method+" "+req.URL.Path, req.URL.String(), err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		msg := readErrorMessage(resp.Body)
		c.logger.Warn("backend rejected request",
			"path", req.URL.Path, "status", resp.StatusCode, "message", msg)
		return newServerError(req.Method+" "+req.URL.Path, resp.StatusCode, msg)
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return newNetworkError(req.Method+" "+req.URL.Path, req.URL.String(),
			fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func readErrorMessage(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil || len(data) == 0 {
		return ""
	}
	var body apiErrorBody
	if err := json.Unmarshal(data, &body); err == nil && body.Error != "" {
		return body.Error
	}
	return ""
}
