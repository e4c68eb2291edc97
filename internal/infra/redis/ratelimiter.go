package redis

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kursadbilgin/smshook/internal/ratelimit"
	goredis "github.com/redis/go-redis/v9"
)

const minLimiterWait = 5 * time.Millisecond

// takeScript counts one POST in the current window and, when the window is
// full, returns how long until it resets.
var takeScript = goredis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
if current > tonumber(ARGV[1]) then
  local ttl = redis.call("PTTL", KEYS[1])
  if ttl < 0 then
    ttl = tonumber(ARGV[2])
  end
  return {0, ttl}
end
return {1, 0}
`)

var _ ratelimit.Limiter = (*DestinationLimiter)(nil)

// DestinationLimiter caps POSTs per destination per window across every relay
// process sharing the same Redis.
type DestinationLimiter struct {
	client *goredis.Client
	prefix string
	limit  int64
	window time.Duration
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
}

func NewDestinationLimiter(client *goredis.Client, prefix string, limit int, window time.Duration) (*DestinationLimiter, error) {
	return newDestinationLimiter(client, prefix, int64(limit), window, time.Now, sleepWithContext)
}

func newDestinationLimiter(
	client *goredis.Client,
	prefix string,
	limit int64,
	window time.Duration,
	nowFn func() time.Time,
	sleepFn func(ctx context.Context, d time.Duration) error,
) (*DestinationLimiter, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("rate limit must be positive")
	}
	if window < time.Millisecond {
		window = time.Second
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	if sleepFn == nil {
		sleepFn = sleepWithContext
	}

	return &DestinationLimiter{
		client: client,
		prefix: prefix,
		limit:  limit,
		window: window,
		now:    nowFn,
		sleep:  sleepFn,
	}, nil
}

func (r *DestinationLimiter) Allow(ctx context.Context, destination string) (bool, error) {
	allowed, _, err := r.take(ctx, destination)
	return allowed, err
}

// Wait blocks until destination has room in a window, sleeping until the
// current window resets each time it is full.
func (r *DestinationLimiter) Wait(ctx context.Context, destination string) error {
	for {
		allowed, retryAfter, err := r.take(ctx, destination)
		if err != nil {
			return err
		}
		if allowed {
			return nil
		}

		if err := r.sleep(ctx, min(max(retryAfter, minLimiterWait), r.window)); err != nil {
			return err
		}
	}
}

func (r *DestinationLimiter) take(ctx context.Context, destination string) (bool, time.Duration, error) {
	if r == nil || r.client == nil {
		return false, 0, fmt.Errorf("rate limiter is not initialized")
	}

	destination = strings.TrimSpace(destination)
	if destination == "" {
		return false, 0, fmt.Errorf("destination is required")
	}

	windowMs := r.window.Milliseconds()
	slot := r.now().UnixMilli() / windowMs
	k := key(r.prefix, "ratelimit", destination, strconv.FormatInt(slot, 10))

	res, err := takeScript.Run(ctx, r.client, []string{k}, r.limit, windowMs).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("failed to evaluate rate limit: %w", err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("unexpected rate limit reply %v", res)
	}
	return res[0] == 1, time.Duration(res[1]) * time.Millisecond, nil
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
