package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
)

func TestDestinationLimiterAllow(t *testing.T) {
	t.Parallel()

	rdb := newTestRedisClient(t)

	now := time.Unix(1_700_000_000, 0)
	limiter, err := newDestinationLimiter(rdb, "test", 2, time.Second, func() time.Time { return now }, sleepWithContext)
	if err != nil {
		t.Fatalf("newDestinationLimiter() error = %v", err)
	}

	for i, want := range []bool{true, true, false} {
		allowed, err := limiter.Allow(context.Background(), "dest-1")
		if err != nil {
			t.Fatalf("Allow() call %d error = %v", i+1, err)
		}
		if allowed != want {
			t.Fatalf("Allow() call %d = %v, want %v", i+1, allowed, want)
		}
	}

	now = now.Add(time.Second)
	allowed, err := limiter.Allow(context.Background(), "dest-1")
	if err != nil {
		t.Fatalf("Allow() error = %v", err)
	}
	if !allowed {
		t.Fatal("next window should allow call")
	}
}

func TestDestinationLimiterIsolatesDestinations(t *testing.T) {
	t.Parallel()

	rdb := newTestRedisClient(t)

	now := time.Unix(1_700_000_100, 0)
	limiter, err := newDestinationLimiter(rdb, "test", 1, time.Second, func() time.Time { return now }, sleepWithContext)
	if err != nil {
		t.Fatalf("newDestinationLimiter() error = %v", err)
	}

	if allowed, _ := limiter.Allow(context.Background(), "dest-a"); !allowed {
		t.Fatal("dest-a should be allowed on first request")
	}
	if allowed, _ := limiter.Allow(context.Background(), "dest-b"); !allowed {
		t.Fatal("dest-b should be allowed on first request")
	}
	if allowed, _ := limiter.Allow(context.Background(), " dest-a "); allowed {
		t.Fatal("dest-a second request should be rejected")
	}
	if _, err := limiter.Allow(context.Background(), "  "); err == nil {
		t.Fatal("blank destination should be rejected")
	}
}

func TestDestinationLimiterWaitSleepsUntilWindowResets(t *testing.T) {
	t.Parallel()

	rdb := newTestRedisClient(t)

	now := time.Unix(1_700_000_200, 0)
	var slept []time.Duration
	limiter, err := newDestinationLimiter(rdb, "test", 1, 500*time.Millisecond,
		func() time.Time { return now },
		func(ctx context.Context, d time.Duration) error {
			slept = append(slept, d)
			now = now.Add(d)
			return nil
		},
	)
	if err != nil {
		t.Fatalf("newDestinationLimiter() error = %v", err)
	}

	if allowed, _ := limiter.Allow(context.Background(), "dest"); !allowed {
		t.Fatal("expected first call to be allowed")
	}
	if err := limiter.Wait(context.Background(), "dest"); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if len(slept) != 1 {
		t.Fatalf("sleep calls = %d, want 1", len(slept))
	}
	if slept[0] <= 0 || slept[0] > 500*time.Millisecond {
		t.Fatalf("slept %v, want within (0, 500ms]", slept[0])
	}
}

func TestDestinationLimiterWaitContextDeadline(t *testing.T) {
	t.Parallel()

	rdb := newTestRedisClient(t)

	now := time.Unix(1_700_000_300, 0)
	limiter, err := newDestinationLimiter(rdb, "test", 1, time.Second, func() time.Time { return now }, sleepWithContext)
	if err != nil {
		t.Fatalf("newDestinationLimiter() error = %v", err)
	}

	if allowed, _ := limiter.Allow(context.Background(), "dest"); !allowed {
		t.Fatal("expected first call to be allowed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()

	err = limiter.Wait(ctx, "dest")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait() error = %v, want %v", err, context.DeadlineExceeded)
	}
}

func TestNewDestinationLimiterRejectsNonPositiveLimit(t *testing.T) {
	t.Parallel()

	if _, err := NewDestinationLimiter(newTestRedisClient(t), "test", 0, time.Second); err == nil {
		t.Fatal("NewDestinationLimiter() with zero limit should fail")
	}
}

func newTestRedisClient(t *testing.T) *goredis.Client {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run() error = %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := goredis.NewClient(&goredis.Options{
		Addr: mr.Addr(),
	})
	t.Cleanup(func() {
		_ = rdb.Close()
	})

	return rdb
}
