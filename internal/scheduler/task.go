// Package scheduler runs delivery passes from a durable queue with
// exponential backoff and a bounded attempt count.
package scheduler

import (
	"context"
	"time"
)

// Task groups let callers watch a batch of deliveries without tracking ids.
const (
	GroupSMSForward  = "sms-forward"
	GroupUSSDForward = "ussd-forward"
	GroupManualRetry = "manual-retry"
)

// Task is one queued delivery of a DeliveryRecord.
type Task struct {
	ID       string `json:"id"`
	Group    string `json:"group"`
	RecordID int64  `json:"recordId"`
	// Attempt counts the passes already run for this task.
	Attempt     int `json:"attempt"`
	MaxAttempts int `json:"maxAttempts"`
	// Exhausted lists destination ids that failed permanently in earlier passes.
	Exhausted  []string  `json:"exhausted,omitempty"`
	DueAt      time.Time `json:"dueAt"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

// Queue is the durable store behind the scheduler.
type Queue interface {
	// Push stores the task and makes it due at task.DueAt. Pushing an existing
	// id replaces it.
	Push(ctx context.Context, task Task) error
	// Claim leases up to limit tasks due at or before now. A leased task is
	// handed out again once lease elapses without Push or Ack.
	Claim(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]Task, error)
	Ack(ctx context.Context, task Task) error
	Pending(ctx context.Context, group string) (int64, error)
}

// Result is what a handler reports after one pass.
type Result struct {
	Retry bool
	// Deferred means the pass did not run: the task goes back to the queue
	// after Delay without consuming an attempt.
	Deferred bool
	Delay    time.Duration
	// Exhausted names destinations to skip on later passes.
	Exhausted []string
}

// HandlerFunc runs one delivery pass for a task. Errors are absorbed by the
// handler and reflected in the result.
type HandlerFunc func(ctx context.Context, task Task) Result
