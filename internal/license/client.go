package license

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	apperrors "postguard/internal/errors"
)

// DecisionKind tags a ServerDecision so callers switch exhaustively instead
// of probing optional fields.
type DecisionKind string

const (
	KindSuccess        DecisionKind = "success"
	KindTransportError DecisionKind = "transport_error"
	KindDeviceConflict DecisionKind = "device_conflict"
	KindBlacklisted    DecisionKind = "blacklisted"
	KindExpired        DecisionKind = "expired"
	KindNotFound       DecisionKind = "not_found"
)

// ServerDecision is the authority's answer to a validate call, projected to
// what reconciliation needs.
type ServerDecision struct {
	Kind       DecisionKind
	Status     Status
	ExpiryDate time.Time
	Warning    string
	Message    string
}

// Decisive reports whether the decision settles authorization without any
// local fallback: everything except a transport failure is decisive.
func (d ServerDecision) Decisive() bool {
	return d.Kind != KindTransportError
}

// ClientConfig is the explicit configuration for a Client. There is no
// module-level server URL; callers construct a client with the endpoint they
// mean to talk to.
type ClientConfig struct {
	// BaseURL is the authority service root, e.g. "https://license.example.com".
	BaseURL string

	// Timeout bounds each individual HTTP attempt.
	Timeout time.Duration

	// MaxRetries is the number of retries after the initial attempt for
	// transport-class failures. Zero means a single attempt; negative means
	// use the default.
	MaxRetries int

	// RetryStep is the backoff unit: the n-th retry waits n*RetryStep, so the
	// default 2s step yields 2s, 4s, 6s. Monotonically increasing, bounded.
	RetryStep time.Duration

	// OfflineCooldown is how long the client stays latched in offline mode
	// after exhausting retries before it will touch the network again.
	OfflineCooldown time.Duration
}

func (c ClientConfig) withDefaults() ClientConfig {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 3
	}
	if c.RetryStep <= 0 {
		c.RetryStep = 2 * time.Second
	}
	if c.OfflineCooldown <= 0 {
		c.OfflineCooldown = 5 * time.Minute
	}
	return c
}

// Client performs remote validation calls against the authority service with
// bounded retries and an offline latch. All retry policy lives here; call
// sites never implement their own retry loops.
type Client struct {
	cfg     ClientConfig
	httpc   *http.Client
	logger  *slog.Logger
	metrics *Metrics

	mu           sync.Mutex
	offlineUntil time.Time

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewClient creates a remote validation client.
func NewClient(cfg ClientConfig, logger *slog.Logger, metrics *Metrics) *Client {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:     cfg,
		httpc:   &http.Client{Timeout: cfg.Timeout},
		logger:  logger.With(slog.String("component", "license_client")),
		metrics: metrics,
		now:     time.Now,
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Offline reports whether the client is currently latched in offline mode.
func (c *Client) Offline() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now().Before(c.offlineUntil)
}

// ResetOffline clears the offline latch so the next Validate call attempts
// the network immediately.
func (c *Client) ResetOffline() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offlineUntil = time.Time{}
}

// Validate asks the authority whether serial may run on the device with the
// given fingerprint. Transport-class failures are retried with increasing
// backoff; after exhausting retries the client latches offline and returns a
// synthetic transport decision, without touching the network again until the
// cooldown passes. Decisive answers (conflict, blacklist, expiry, not found)
// are returned on the first response and never retried.
func (c *Client) Validate(ctx context.Context, serial, deviceFingerprint string) (ServerDecision, error) {
	if c.Offline() {
		c.logger.Debug("validation short-circuited by offline mode",
			slog.String("serial", serial),
		)
		return ServerDecision{
			Kind:    KindTransportError,
			Message: "license server unreachable (offline mode)",
		}, fmt.Errorf("validate %s: %w", serial, apperrors.ErrOffline)
	}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			// Backoff grows with the attempt number: step, 2*step, 3*step.
			delay := time.Duration(attempt) * c.cfg.RetryStep
			c.logger.Warn("remote validation retrying",
				slog.String("serial", serial),
				slog.Int("attempt", attempt),
				slog.Duration("backoff", delay),
				slog.Any("error", lastErr),
			)
			if err := c.sleep(ctx, delay); err != nil {
				return ServerDecision{Kind: KindTransportError}, fmt.Errorf("validate %s: %w", serial, err)
			}
		}
		c.metrics.recordAttempt(ctx, attempt > 0)

		decision, err := c.validateOnce(ctx, serial, deviceFingerprint)
		if err == nil || !apperrors.IsTransient(err) {
			if err != nil {
				c.metrics.recordFailure(ctx, decision.Kind)
			}
			return decision, err
		}
		lastErr = err
	}

	c.enterOffline()
	c.metrics.recordFailure(ctx, KindTransportError)
	c.logger.Error("remote validation exhausted retries, entering offline mode",
		slog.String("serial", serial),
		slog.Int("retries", c.cfg.MaxRetries),
		slog.Duration("cooldown", c.cfg.OfflineCooldown),
		slog.Any("error", lastErr),
	)
	return ServerDecision{
		Kind:    KindTransportError,
		Message: "license server unreachable",
	}, fmt.Errorf("validate %s after %d retries: %w", serial, c.cfg.MaxRetries, lastErr)
}

func (c *Client) enterOffline() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offlineUntil = c.now().Add(c.cfg.OfflineCooldown)
	c.metrics.recordOffline(context.Background())
}

type validateRequest struct {
	SerialNumber      string `json:"serial_number"`
	DeviceFingerprint string `json:"device_fingerprint"`
}

type validateResponse struct {
	Success    bool   `json:"success"`
	Status     string `json:"status"`
	ExpiryDate string `json:"expiry_date"`
	Warning    string `json:"warning,omitempty"`
	Message    string `json:"message,omitempty"`
}

type problemResponse struct {
	ErrorCode string `json:"error_code"`
	Detail    string `json:"detail"`
}

func (c *Client) validateOnce(ctx context.Context, serial, deviceFingerprint string) (ServerDecision, error) {
	body, err := json.Marshal(validateRequest{
		SerialNumber:      serial,
		DeviceFingerprint: deviceFingerprint,
	})
	if err != nil {
		return ServerDecision{Kind: KindTransportError}, fmt.Errorf("marshal request: %w", err)
	}

	url := c.cfg.BaseURL + "/api/v1/validate"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return ServerDecision{Kind: KindTransportError}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return ServerDecision{Kind: KindTransportError},
			fmt.Errorf("%w: %v", apperrors.ErrTransport, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return ServerDecision{Kind: KindTransportError},
			fmt.Errorf("%w: read body: %v", apperrors.ErrTransport, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return parseSuccess(raw)

	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return ServerDecision{Kind: KindTransportError},
			fmt.Errorf("%w: server returned %d", apperrors.ErrTransport, resp.StatusCode)

	default:
		return parseDecisiveFailure(raw, resp.StatusCode)
	}
}

func parseSuccess(raw []byte) (ServerDecision, error) {
	var vr validateResponse
	if err := json.Unmarshal(raw, &vr); err != nil {
		return ServerDecision{Kind: KindTransportError},
			fmt.Errorf("%w: %v", apperrors.ErrMalformedResponse, err)
	}
	if !vr.Success {
		return ServerDecision{Kind: KindTransportError},
			fmt.Errorf("%w: 200 response without success flag", apperrors.ErrMalformedResponse)
	}

	status := Status(vr.Status)
	expiry, err := time.Parse("2006-01-02", vr.ExpiryDate)
	if !status.Valid() || err != nil {
		return ServerDecision{Kind: KindTransportError},
			fmt.Errorf("%w: bad status %q or expiry %q", apperrors.ErrMalformedResponse, vr.Status, vr.ExpiryDate)
	}

	return ServerDecision{
		Kind:       KindSuccess,
		Status:     status,
		ExpiryDate: expiry,
		Warning:    vr.Warning,
		Message:    vr.Message,
	}, nil
}

// parseDecisiveFailure maps a 4xx problem response to its tagged decision.
// An unrecognized payload is a malformed response, which degrades to the
// transport path rather than being trusted as a denial.
func parseDecisiveFailure(raw []byte, statusCode int) (ServerDecision, error) {
	var pr problemResponse
	if err := json.Unmarshal(raw, &pr); err != nil {
		return ServerDecision{Kind: KindTransportError},
			fmt.Errorf("%w: status %d: %v", apperrors.ErrMalformedResponse, statusCode, err)
	}

	switch pr.ErrorCode {
	case apperrors.CodeDeviceConflict:
		return ServerDecision{Kind: KindDeviceConflict, Status: StatusInUse, Message: pr.Detail},
			apperrors.ErrDeviceConflict
	case apperrors.CodeBlacklisted:
		return ServerDecision{Kind: KindBlacklisted, Status: StatusBlacklisted, Message: pr.Detail},
			apperrors.ErrSerialBlacklisted
	case apperrors.CodeExpired:
		return ServerDecision{Kind: KindExpired, Status: StatusExpired, Message: pr.Detail},
			apperrors.ErrSerialExpired
	case apperrors.CodeNotFound:
		return ServerDecision{Kind: KindNotFound, Message: pr.Detail},
			apperrors.ErrSerialNotFound
	default:
		return ServerDecision{Kind: KindTransportError},
			fmt.Errorf("%w: status %d, code %q", apperrors.ErrMalformedResponse, statusCode, pr.ErrorCode)
	}
}
