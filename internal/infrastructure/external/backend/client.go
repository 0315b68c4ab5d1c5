package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ensenas/progression-engine/internal/domain/progression"
	"github.com/ensenas/progression-engine/internal/domain/shared"
	"github.com/ensenas/progression-engine/pkg/circuitbreaker"
	"github.com/ensenas/progression-engine/pkg/retry"
	"github.com/ensenas/progression-engine/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// CONFIGURATION
// ══════════════════════════════════════════════════════════════════════════════

// TokenSource supplies the learner's bearer token.
type TokenSource interface {
	AuthToken(ctx context.Context) (string, bool)
}

// ClientConfig contains configuration for the backend client.
type ClientConfig struct {
	// BaseURL is the API root, e.g. https://api.example.com/api/v1
	BaseURL string

	// Timeout is the per-attempt HTTP timeout.
	Timeout time.Duration

	// ProgressPageSize is the limit sent to GET progress.
	ProgressPageSize int

	// RateLimiterConfig for client-side rate limiting
	RateLimiterConfig RateLimiterConfig

	// Retrier overrides the default retry policy.
	Retrier *retry.Retrier

	// Breaker overrides the default circuit breaker.
	Breaker *circuitbreaker.CircuitBreaker

	// Location defines calendar dates in backend payloads.
	Location *time.Location

	// Logger for structured logging
	Logger *slog.Logger

	// Debug logs every request.
	Debug bool
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig(baseURL string) ClientConfig {
	return ClientConfig{
		BaseURL:           baseURL,
		Timeout:           8 * time.Second,
		ProgressPageSize:  100,
		RateLimiterConfig: DefaultRateLimiterConfig(),
		Location:          timeutil.DefaultLocation,
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// CLIENT
// ══════════════════════════════════════════════════════════════════════════════

// Client is the progression backend client. The backend identifies the
// learner from the bearer token; userID arguments are only used for logs.
type Client struct {
	config      ClientConfig
	tokens      TokenSource
	httpClient  *http.Client
	logger      *slog.Logger
	rateLimiter *RateLimiter
	retrier     *retry.Retrier
	breaker     *circuitbreaker.CircuitBreaker
	mapper      *Mapper
}

// NewClient creates a new backend client.
func NewClient(config ClientConfig, tokens TokenSource) *Client {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Timeout <= 0 {
		config.Timeout = 8 * time.Second
	}
	if config.ProgressPageSize <= 0 {
		config.ProgressPageSize = 100
	}
	if config.Location == nil {
		config.Location = timeutil.DefaultLocation
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	logger := config.Logger.With("component", "backend_client")

	c := &Client{
		config:      config,
		tokens:      tokens,
		httpClient:  &http.Client{Timeout: config.Timeout},
		logger:      logger,
		rateLimiter: NewRateLimiter(config.RateLimiterConfig),
		retrier:     config.Retrier,
		breaker:     config.Breaker,
		mapper:      NewMapper(config.Location, logger),
	}
	if c.retrier == nil {
		c.retrier = retry.BackendRetrier(IsRetryableError)
	}
	if c.breaker == nil {
		c.breaker = circuitbreaker.BackendBreaker(IsBreakerFailure, func(name string, from, to circuitbreaker.State) {
			logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		})
	}
	return c
}

// ══════════════════════════════════════════════════════════════════════════════
// READ OPERATIONS
// ══════════════════════════════════════════════════════════════════════════════

// GetStats fetches aggregate statistics.
func (c *Client) GetStats(ctx context.Context, userID string) (progression.RemoteStats, error) {
	var dto StatsDTO
	if err := c.doRequest(ctx, "GetStats", http.MethodGet, "/stats/summary", nil, nil, nil, &dto); err != nil {
		return progression.RemoteStats{}, err
	}
	return c.mapper.StatsFromDTO(dto), nil
}

// GetProgress fetches per-module completion.
func (c *Client) GetProgress(ctx context.Context, userID string) ([]progression.ModuleProgress, error) {
	q := url.Values{}
	q.Set("skip", "0")
	q.Set("limit", strconv.Itoa(c.config.ProgressPageSize))

	var dtos []ProgressDTO
	if err := c.doRequest(ctx, "GetProgress", http.MethodGet, "/progress", q, nil, nil, &dtos); err != nil {
		return nil, err
	}
	return c.mapper.ModulesFromDTO(dtos), nil
}

// GetLevelInfo fetches the authoritative XP total and level.
func (c *Client) GetLevelInfo(ctx context.Context, userID string) (progression.LevelReport, error) {
	var dto LevelInfoDTO
	if err := c.doRequest(ctx, "GetLevelInfo", http.MethodGet, "/xp/level", nil, nil, nil, &dto); err != nil {
		return progression.LevelReport{}, err
	}
	return c.mapper.LevelFromDTO(dto), nil
}

// GetStreakInfo fetches the authoritative streak.
func (c *Client) GetStreakInfo(ctx context.Context, userID string) (progression.StreakInfo, error) {
	var dto StreakDTO
	if err := c.doRequest(ctx, "GetStreakInfo", http.MethodGet, "/streak", nil, nil, nil, &dto); err != nil {
		return progression.StreakInfo{}, err
	}
	return c.mapper.StreakFromDTO(dto), nil
}

// GetXPTransactions pages the XP ledger, newest first.
func (c *Client) GetXPTransactions(ctx context.Context, userID string, skip, limit int) ([]progression.XPTransaction, error) {
	q := url.Values{}
	q.Set("skip", strconv.Itoa(max(skip, 0)))
	q.Set("limit", strconv.Itoa(max(limit, 1)))

	var dtos []XPTransactionDTO
	if err := c.doRequest(ctx, "GetXPTransactions", http.MethodGet, "/xp/transactions", q, nil, nil, &dtos); err != nil {
		return nil, err
	}
	return c.mapper.TransactionsFromDTO(dtos), nil
}

// ══════════════════════════════════════════════════════════════════════════════
// WRITE OPERATIONS
// ══════════════════════════════════════════════════════════════════════════════

// AwardXP posts an award. The idempotency key travels as a header so a
// retried or replayed award is applied once.
func (c *Client) AwardXP(ctx context.Context, userID string, award progression.XPAward) (progression.AwardReceipt, error) {
	headers := http.Header{}
	if award.IdempotencyKey != "" {
		headers.Set("Idempotency-Key", award.IdempotencyKey)
	}

	var dto XPAwardResponseDTO
	if err := c.doRequest(ctx, "AwardXP", http.MethodPost, "/xp/award", nil, headers, c.mapper.AwardToDTO(award), &dto); err != nil {
		return progression.AwardReceipt{}, err
	}
	return c.mapper.ReceiptFromDTO(dto), nil
}

// UpdateStreak records today's activity.
func (c *Client) UpdateStreak(ctx context.Context, userID string, activity progression.ActivityType, xpEarned int) (progression.DailyActivity, error) {
	body := StreakUpdateRequestDTO{ActivityType: string(activity), XPEarned: xpEarned}

	var dto DailyActivityDTO
	if err := c.doRequest(ctx, "UpdateStreak", http.MethodPost, "/streak/update", nil, nil, body, &dto); err != nil {
		return progression.DailyActivity{}, err
	}
	return c.mapper.DailyActivityFromDTO(dto), nil
}

// ══════════════════════════════════════════════════════════════════════════════
// HTTP REQUEST HELPERS
// ══════════════════════════════════════════════════════════════════════════════

// APIError is a non-2xx answer from the backend.
type APIError struct {
	Op     string
	Status int
	Detail string
	kind   error
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("backend %s: status %d: %s", e.Op, e.Status, e.Detail)
	}
	return fmt.Sprintf("backend %s: status %d", e.Op, e.Status)
}

// Is matches the error kind derived from the status code.
func (e *APIError) Is(target error) bool {
	return e.kind != nil && errors.Is(e.kind, target)
}

// doRequest runs one logical call through the breaker, the retrier and the
// rate limiter.
func (c *Client) doRequest(ctx context.Context, op, method, path string, query url.Values, headers http.Header, body, result any) error {
	token, ok := c.tokens.AuthToken(ctx)
	if !ok || token == "" {
		return shared.ErrBackendUnauthorized
	}

	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("marshal %s body: %w", op, err)
		}
	}

	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		return c.retrier.Do(ctx, func(ctx context.Context) error {
			if err := c.rateLimiter.Allow(ctx); err != nil {
				return err
			}
			return c.doSingleRequest(ctx, op, method, path, query, headers, token, payload, result)
		})
	})

	switch {
	case err == nil:
		return nil
	case errors.Is(err, circuitbreaker.ErrCircuitOpen), errors.Is(err, circuitbreaker.ErrTooManyRequests):
		return shared.WrapError("backend", op, shared.ErrServiceUnavailable, "circuit open", err)
	default:
		return err
	}
}

// doSingleRequest performs a single HTTP request and classifies the outcome.
func (c *Client) doSingleRequest(ctx context.Context, op, method, path string, query url.Values, headers http.Header, token string, payload []byte, result any) error {
	fullURL := c.config.BaseURL + path
	if len(query) > 0 {
		fullURL += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if payload != nil {
		bodyReader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	if c.config.Debug {
		c.logger.Debug("backend request", "op", op, "method", method, "path", path)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return shared.WrapError("backend", op, shared.ErrTimeout, "request timeout", err)
		}
		return shared.WrapError("backend", op, shared.ErrServiceUnavailable, "request failed", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return shared.WrapError("backend", op, shared.ErrServiceUnavailable, "read response", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
		c.rateLimiter.RecordRateLimitHit(retryAfter)
		return &RateLimitError{RetryAfter: retryAfter, Message: "backend rate limit exceeded"}
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Op: op, Status: resp.StatusCode, kind: kindForStatus(resp.StatusCode)}
		var dto ErrorDTO
		if json.Unmarshal(respBody, &dto) == nil {
			apiErr.Detail = dto.Message()
		}
		return apiErr
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return retry.Permanent(shared.WrapError("backend", op, shared.ErrMalformedData, "invalid response body", err))
		}
	}
	return nil
}

func kindForStatus(status int) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return shared.ErrUnauthorized
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return shared.ErrTimeout
	case status >= 500:
		return shared.ErrServiceUnavailable
	case status == http.StatusNotFound:
		return shared.ErrNotFound
	case status >= 400:
		return shared.ErrRejected
	default:
		return shared.ErrTransientRemote
	}
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 30 * time.Second
	}
	if seconds, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		return max(time.Until(at), 0)
	}
	return 30 * time.Second
}

// IsRetryableError reports whether the transport should try again.
func IsRetryableError(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return shared.IsRetryable(err)
}

// IsBreakerFailure reports whether err says the backend is unhealthy.
// Client errors and malformed bodies do not count.
func IsBreakerFailure(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return shared.IsRetryable(err)
}

// ══════════════════════════════════════════════════════════════════════════════
// STATUS
// ══════════════════════════════════════════════════════════════════════════════

// ClientStatus is a point-in-time view of the client's resilience state.
type ClientStatus struct {
	RateLimiter    RateLimiterStatus     `json:"rate_limiter"`
	CircuitBreaker circuitbreaker.Status `json:"circuit_breaker"`
}

// Status returns the current status of the client.
func (c *Client) Status() ClientStatus {
	return ClientStatus{
		RateLimiter:    c.rateLimiter.Status(),
		CircuitBreaker: c.breaker.Status(),
	}
}

// Reset clears the rate limiter and closes the breaker.
func (c *Client) Reset() {
	c.rateLimiter.Reset()
	c.breaker.Reset()
}
