package client

import (
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

	"Mansoor88-6/dose-tracker/internal/config"
	"Mansoor88-6/dose-tracker/internal/models"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// TokenSource supplies bearer tokens for outgoing requests
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// SyncClient talks to the sync ingest server
type SyncClient struct {
	baseURL    string
	tokens     TokenSource
	httpClient *retryablehttp.Client
	limiter    *rate.Limiter
	logger     *zap.Logger
}

// NewSyncClient creates a client for cfg.BaseURL. Requests are retried on
// connection errors and 5xx/429 responses, and throttled to cfg.RateLimit
// per second.
func NewSyncClient(cfg config.BackendConfig, tokens TokenSource, logger *zap.Logger) *SyncClient {
	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient.Timeout = cfg.Timeout
	retryClient.RetryMax = cfg.RetryMax
	retryClient.RetryWaitMin = 200 * time.Millisecond
	retryClient.RetryWaitMax = 5 * time.Second
	retryClient.Logger = leveledLogger{logger.Named("http")}
	// hand the final response back so status codes map to typed errors
	retryClient.ErrorHandler = retryablehttp.PassthroughErrorHandler

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	return &SyncClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		tokens:     tokens,
		httpClient: retryClient,
		limiter:    rate.NewLimiter(limit, burst),
		logger:     logger,
	}
}

// PushEvent sends a single event. A duplicate event is not an error: the
// result has Stored set to false.
func (c *SyncClient) PushEvent(ctx context.Context, event models.SyncEvent) (models.StoreResult, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return models.StoreResult{}, fmt.Errorf("failed to marshal event: %w", err)
	}

	startTime := time.Now()
	body, err := c.do(ctx, http.MethodPost, "/api/sync/event", payload)
	duration := time.Since(startTime)
	if err != nil {
		c.logger.Warn("Failed to push event",
			zap.String("event_id", event.EventID),
			zap.Duration("duration", duration),
			zap.Error(err),
		)
		return models.StoreResult{}, err
	}

	result := models.StoreResult{
		Stored:  gjson.GetBytes(body, "stored").Bool(),
		EventID: gjson.GetBytes(body, "eventId").String(),
	}
	if result.EventID == "" {
		result.EventID = event.EventID
	}

	c.logger.Debug("Event pushed",
		zap.String("event_id", result.EventID),
		zap.Bool("stored", result.Stored),
		zap.Duration("duration", duration),
	)
	return result, nil
}

// FetchEvents lists events stored for this device's subject after since
func (c *SyncClient) FetchEvents(ctx context.Context, since int64) ([]models.StoredEvent, error) {
	body, err := c.do(ctx, http.MethodGet, "/api/sync/events?since="+url.QueryEscape(strconv.FormatInt(since, 10)), nil)
	if err != nil {
		return nil, err
	}

	raw := gjson.GetBytes(body, "events")
	if !raw.Exists() || raw.Type == gjson.Null {
		return nil, nil
	}
	var events []models.StoredEvent
	if err := json.Unmarshal([]byte(raw.Raw), &events); err != nil {
		return nil, fmt.Errorf("failed to parse events: %w", err)
	}
	return events, nil
}

// Validate checks that the backend accepts this device's token and returns
// the subject it sees.
func (c *SyncClient) Validate(ctx context.Context) (string, error) {
	body, err := c.do(ctx, http.MethodGet, "/api/sync", nil)
	if err != nil {
		return "", err
	}
	if !gjson.GetBytes(body, "valid").Bool() {
		return "", &AuthError{Message: "token not accepted", StatusCode: http.StatusOK}
	}
	return gjson.GetBytes(body, "subject").String(), nil
}

// HealthCheck checks if the backend is reachable
func (c *SyncClient) HealthCheck(ctx context.Context) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}

func (c *SyncClient) do(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	if c.baseURL == "" {
		return nil, errors.New("backend base URL is not configured")
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	var rawBody any
	if payload != nil {
		rawBody = payload
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+path, rawBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.tokens != nil {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get device token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, statusError(resp.StatusCode, body)
	}
	return body, nil
}

// leveledLogger adapts zap to retryablehttp.LeveledLogger
type leveledLogger struct {
	l *zap.Logger
}

func (l leveledLogger) Error(msg string, keysAndValues ...any) {
	l.l.Sugar().Errorw(msg, keysAndValues...)
}

func (l leveledLogger) Info(msg string, keysAndValues ...any) {
	l.l.Sugar().Infow(msg, keysAndValues...)
}

func (l leveledLogger) Debug(msg string, keysAndValues ...any) {
	l.l.Sugar().Debugw(msg, keysAndValues...)
}

func (l leveledLogger) Warn(msg string, keysAndValues ...any) {
	l.l.Sugar().Warnw(msg, keysAndValues...)
}
