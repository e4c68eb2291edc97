package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Local is an in-process token bucket per destination. It smooths bursts
// inside one process; the Redis limiter bounds the rate across processes.
type Local struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[string]*rate.Limiter
}

func NewLocal(perSecond float64, burst int) *Local {
	if burst <= 0 {
		burst = 1
	}
	return &Local{
		limit:    rate.Limit(perSecond),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (l *Local) get(destination string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	lim, ok := l.limiters[destination]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[destination] = lim
	}
	return lim
}

func (l *Local) Allow(_ context.Context, destination string) (bool, error) {
	return l.get(destination).Allow(), nil
}

func (l *Local) Wait(ctx context.Context, destination string) error {
	return l.get(destination).Wait(ctx)
}

// Chain applies every limiter in order; a destination must pass all of them.
type Chain []Limiter

func (c Chain) Allow(ctx context.Context, destination string) (bool, error) {
	for _, l := range c {
		ok, err := l.Allow(ctx, destination)
		if err != nil || !ok {
			return ok, err
		}
	}
	return true, nil
}

func (c Chain) Wait(ctx context.Context, destination string) error {
	for _, l := range c {
		if err := l.Wait(ctx, destination); err != nil {
			return err
		}
	}
	return nil
}
