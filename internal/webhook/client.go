// Package webhook posts event payloads to destination URLs.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/kursadbilgin/smshook/internal/policy"
	"github.com/kursadbilgin/smshook/internal/ratelimit"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

const (
	DefaultTimeout          = 60 * time.Second
	DefaultSecretHeader     = "X-Webhook-Secret"
	defaultUserAgent        = "smshook-relay"
	defaultBreakerThreshold = 5
	defaultBreakerCooldown  = 30 * time.Second
	maxBodySnippet          = 200
)

// errServerStatus marks a 5xx so the breaker counts it as a failure while the
// response is still returned to the caller.
var errServerStatus = errors.New("server error status")

type Config struct {
	Timeout          time.Duration
	SecretHeader     string
	UserAgent        string
	BreakerThreshold uint32
	BreakerCooldown  time.Duration
}

// Request is one POST to one destination.
type Request struct {
	// DestinationID keys the circuit breaker and the rate limiter.
	DestinationID string
	URL           string
	Secret        string
	Body          []byte
	// OnSend, if set, runs once right before the request goes on the wire.
	// It is not called when the request is rejected locally.
	OnSend func()
}

// Response is returned for every HTTP status, success or not.
type Response struct {
	StatusCode int
	Body       string
	Duration   time.Duration
}

// Poster is the transport port used by the delivery pipeline.
type Poster interface {
	Post(ctx context.Context, req Request) (*Response, error)
}

var _ Poster = (*Client)(nil)

type Client struct {
	client       *resty.Client
	limiter      ratelimit.Limiter
	secretHeader string
	userAgent    string
	threshold    uint32
	cooldown     time.Duration
	logger       *zap.Logger
	now          func() time.Time

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func NewClient(cfg Config, limiter ratelimit.Limiter, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	client := resty.New().
		SetTimeout(cfg.Timeout).
		SetRetryCount(0)

	return NewClientWithResty(client, cfg, limiter, logger)
}

func NewClientWithResty(client *resty.Client, cfg Config, limiter ratelimit.Limiter, logger *zap.Logger) *Client {
	if client == nil {
		client = resty.New().SetTimeout(DefaultTimeout)
	}
	client.SetRetryCount(0)
	if client.GetClient().Timeout == 0 {
		client.SetTimeout(DefaultTimeout)
	}
	if limiter == nil {
		limiter = ratelimit.Unlimited{}
	}
	if strings.TrimSpace(cfg.SecretHeader) == "" {
		cfg.SecretHeader = DefaultSecretHeader
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if cfg.BreakerThreshold == 0 {
		cfg.BreakerThreshold = defaultBreakerThreshold
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = defaultBreakerCooldown
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		client:       client,
		limiter:      limiter,
		secretHeader: cfg.SecretHeader,
		userAgent:    cfg.UserAgent,
		threshold:    cfg.BreakerThreshold,
		cooldown:     cfg.BreakerCooldown,
		logger:       logger,
		now:          time.Now,
		breakers:     make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Post sends the body to req.URL. A non-nil Response is returned for any
// HTTP status; a *TransportError when no response was received. Requests the
// breaker rejects fail with ErrCircuitOpen and never reach OnSend.
func (c *Client) Post(ctx context.Context, req Request) (*Response, error) {
	if c == nil || c.client == nil {
		return nil, fmt.Errorf("webhook client is not initialized")
	}
	safeURL := policy.SanitizeURL(req.URL)
	if err := ctx.Err(); err != nil {
		return nil, &TransportError{URL: safeURL, Cause: err}
	}

	breakerKey := req.DestinationID
	if breakerKey == "" {
		breakerKey = safeURL
	}

	if err := c.limiter.Wait(ctx, breakerKey); err != nil {
		return nil, &TransportError{URL: safeURL, Cause: fmt.Errorf("rate limit wait: %w", err)}
	}

	start := c.now()
	result, err := c.breaker(breakerKey).Execute(func() (interface{}, error) {
		if req.OnSend != nil {
			req.OnSend()
		}
		return c.send(ctx, req)
	})
	duration := c.now().Sub(start)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, &TransportError{URL: safeURL, Cause: fmt.Errorf("%w: %w", ErrCircuitOpen, err)}
	}

	resp, _ := result.(*Response)
	if resp != nil {
		resp.Duration = duration
		return resp, nil
	}
	if err == nil {
		err = errors.New("empty response")
	}
	return nil, &TransportError{URL: safeURL, Cause: err}
}

func (c *Client) send(ctx context.Context, req Request) (*Response, error) {
	r := c.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", c.userAgent).
		SetBody(req.Body)
	if req.Secret != "" {
		r.SetHeader(c.secretHeader, req.Secret)
	}

	response, err := r.Post(req.URL)
	if err != nil {
		return nil, err
	}
	if response == nil {
		return nil, errors.New("empty response")
	}

	out := &Response{
		StatusCode: response.StatusCode(),
		Body:       policy.Truncate(strings.TrimSpace(response.String()), maxBodySnippet),
	}
	if out.StatusCode >= http.StatusInternalServerError {
		return out, errServerStatus
	}
	return out, nil
}

func (c *Client) breaker(key string) *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cb, ok := c.breakers[key]; ok {
		return cb
	}

	threshold := c.threshold
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        key,
		MaxRequests: 1,
		Timeout:     c.cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			// caller cancellation says nothing about the destination
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("webhook circuit breaker state changed",
				zap.String("destination", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	c.breakers[key] = cb
	return cb
}

// BreakerState reports the breaker state for a destination, for diagnostics.
func (c *Client) BreakerState(destinationID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	cb, ok := c.breakers[destinationID]
	if !ok {
		return gobreaker.StateClosed.String()
	}
	return cb.State().String()
}
