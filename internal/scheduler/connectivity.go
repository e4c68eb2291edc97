package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// Connectivity gates dispatch. While offline no task is claimed, so waiting
// never consumes an attempt.
type Connectivity interface {
	Online(ctx context.Context) bool
}

// AlwaysOnline is used when no probe is configured.
type AlwaysOnline struct{}

func (AlwaysOnline) Online(context.Context) bool { return true }

const defaultProbeTTL = 10 * time.Second

// HTTPProbe reports online when a HEAD request to a well known URL gets any
// HTTP response. Results are cached for ttl.
type HTTPProbe struct {
	client *resty.Client
	url    string
	ttl    time.Duration
	logger *zap.Logger
	now    func() time.Time

	mu        sync.Mutex
	checkedAt time.Time
	online    bool
}

func NewHTTPProbe(url string, timeout, ttl time.Duration, logger *zap.Logger) *HTTPProbe {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if ttl <= 0 {
		ttl = defaultProbeTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(0)

	return &HTTPProbe{
		client: client,
		url:    url,
		ttl:    ttl,
		logger: logger,
		now:    time.Now,
	}
}

func (p *HTTPProbe) Online(ctx context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	if !p.checkedAt.IsZero() && now.Sub(p.checkedAt) < p.ttl {
		return p.online
	}

	_, err := p.client.R().SetContext(ctx).Head(p.url)
	online := err == nil
	if online != p.online || p.checkedAt.IsZero() {
		p.logger.Info("connectivity changed", zap.Bool("online", online))
	}
	p.online = online
	p.checkedAt = now
	return online
}
