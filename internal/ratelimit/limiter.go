package ratelimit

import "context"

// Limiter throttles outbound deliveries per destination.
type Limiter interface {
	Allow(ctx context.Context, destination string) (bool, error)
	Wait(ctx context.Context, destination string) error
}

// Unlimited never throttles. Used when no per-destination limit is configured.
type Unlimited struct{}

func (Unlimited) Allow(context.Context, string) (bool, error) { return true, nil }

func (Unlimited) Wait(context.Context, string) error { return nil }
