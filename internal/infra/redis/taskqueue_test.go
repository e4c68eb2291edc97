package redis

import (
	"context"
	"testing"
	"time"

	"github.com/kursadbilgin/smshook/internal/scheduler"
)

func TestTaskQueueClaimLeasesDueTasks(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q, err := NewTaskQueue(newTestRedisClient(t), "test", nil)
	if err != nil {
		t.Fatalf("NewTaskQueue() error = %v", err)
	}

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	due := scheduler.Task{ID: "t1", Group: scheduler.GroupSMSForward, RecordID: 1, MaxAttempts: 5, DueAt: now.Add(-time.Second)}
	later := scheduler.Task{ID: "t2", Group: scheduler.GroupSMSForward, RecordID: 2, MaxAttempts: 5, DueAt: now.Add(time.Minute)}
	for _, task := range []scheduler.Task{due, later} {
		if err := q.Push(ctx, task); err != nil {
			t.Fatalf("Push(%s) error = %v", task.ID, err)
		}
	}

	claimed, err := q.Claim(ctx, now, time.Minute, 10)
	if err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != "t1" || claimed[0].RecordID != 1 {
		t.Fatalf("Claim() = %+v, want only t1", claimed)
	}

	// leased task stays hidden until the lease runs out
	if claimed, _ := q.Claim(ctx, now.Add(30*time.Second), time.Minute, 10); len(claimed) != 0 {
		t.Fatalf("Claim() during lease = %+v, want none", claimed)
	}

	claimed, err = q.Claim(ctx, now.Add(2*time.Minute), time.Minute, 10)
	if err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	if len(claimed) != 2 {
		t.Fatalf("Claim() after lease = %d tasks, want 2", len(claimed))
	}
}

func TestTaskQueueClaimRespectsLimit(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q, _ := NewTaskQueue(newTestRedisClient(t), "test", nil)
	now := time.Now()

	for _, id := range []string{"a", "b", "c"} {
		_ = q.Push(ctx, scheduler.Task{ID: id, Group: "g", DueAt: now.Add(-time.Minute)})
	}

	claimed, err := q.Claim(ctx, now, time.Minute, 2)
	if err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	if len(claimed) != 2 {
		t.Fatalf("Claim() = %d tasks, want 2", len(claimed))
	}
}

func TestTaskQueueRescheduleAndAck(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q, _ := NewTaskQueue(newTestRedisClient(t), "test", nil)
	now := time.Now()

	task := scheduler.Task{ID: "t1", Group: scheduler.GroupManualRetry, RecordID: 9, DueAt: now}
	_ = q.Push(ctx, task)
	claimed, _ := q.Claim(ctx, now, time.Hour, 1)
	if len(claimed) != 1 {
		t.Fatalf("Claim() = %d tasks, want 1", len(claimed))
	}

	task.Attempt = 1
	task.Exhausted = []string{"dest-a"}
	task.DueAt = now.Add(30 * time.Second)
	if err := q.Push(ctx, task); err != nil {
		t.Fatalf("Push() reschedule error = %v", err)
	}

	claimed, _ = q.Claim(ctx, now.Add(30*time.Second), time.Hour, 1)
	if len(claimed) != 1 || claimed[0].Attempt != 1 || len(claimed[0].Exhausted) != 1 {
		t.Fatalf("Claim() after reschedule = %+v", claimed)
	}

	pending, err := q.Pending(ctx, scheduler.GroupManualRetry)
	if err != nil {
		t.Fatalf("Pending() error = %v", err)
	}
	if pending != 1 {
		t.Fatalf("Pending() = %d, want 1", pending)
	}

	if err := q.Ack(ctx, task); err != nil {
		t.Fatalf("Ack() error = %v", err)
	}
	if pending, _ := q.Pending(ctx, scheduler.GroupManualRetry); pending != 0 {
		t.Fatalf("Pending() after Ack = %d, want 0", pending)
	}
	if claimed, _ := q.Claim(ctx, now.Add(24*time.Hour), time.Hour, 10); len(claimed) != 0 {
		t.Fatalf("Claim() after Ack = %+v, want none", claimed)
	}
}

func TestTaskQueueDropsDanglingIDs(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	rdb := newTestRedisClient(t)
	q, _ := NewTaskQueue(rdb, "test", nil)
	now := time.Now()

	_ = q.Push(ctx, scheduler.Task{ID: "gone", Group: "g", DueAt: now})
	rdb.Del(ctx, "test:tasks:task:gone")

	claimed, err := q.Claim(ctx, now, time.Minute, 5)
	if err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	if len(claimed) != 0 {
		t.Fatalf("Claim() = %+v, want none", claimed)
	}
	if n := rdb.ZCard(ctx, "test:tasks:due").Val(); n != 0 {
		t.Fatalf("due set size = %d, want 0", n)
	}
}
