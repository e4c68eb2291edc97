package service

import (
	"context"
	"errors"
	"testing"

	"github.com/kursadbilgin/smshook/internal/domain"
	"github.com/kursadbilgin/smshook/internal/scheduler"
)

func TestHistoryService_RetryReopensFailedRecord(t *testing.T) {
	t.Parallel()

	log := newTestLog(t)
	enqueuer := &fakeEnqueuer{}
	svc, err := NewHistoryService(log, enqueuer, nil)
	if err != nil {
		t.Fatalf("NewHistoryService() error = %v", err)
	}

	ctx := context.Background()
	id := appendEvent(t, log, balanceEvent())
	if err := log.UpdateStatus(ctx, id, domain.StatusFailed, "HTTP 500"); err != nil {
		t.Fatalf("UpdateStatus() error = %v", err)
	}

	task, err := svc.Retry(ctx, id)
	if err != nil {
		t.Fatalf("Retry() error = %v", err)
	}
	if task.Group != scheduler.GroupManualRetry || task.RecordID != id {
		t.Fatalf("task = %+v, want manual retry of record %d", task, id)
	}

	record, _ := log.Get(id)
	if record.Status != domain.StatusRetrying || record.RetryCount != 1 {
		t.Fatalf("record = %s/%d, want RETRYING/1", record.Status, record.RetryCount)
	}
	if len(log.Query()) != 1 {
		t.Fatal("retry must not create a new record")
	}
}

func TestHistoryService_RetryRejectsNonFailed(t *testing.T) {
	t.Parallel()

	log := newTestLog(t)
	svc, _ := NewHistoryService(log, &fakeEnqueuer{}, nil)
	id := appendEvent(t, log, balanceEvent())

	if _, err := svc.Retry(context.Background(), id); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("Retry() error = %v, want ErrInvalidTransition", err)
	}
	if _, err := svc.Retry(context.Background(), 404); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Retry() missing error = %v, want ErrNotFound", err)
	}
}

func TestHistoryService_ManualRetryCountsOnePass(t *testing.T) {
	t.Parallel()

	log := newTestLog(t)
	poster := &fakePoster{postFn: statusByURL(map[string]int{"https://hooks.example.com/in": 200})}
	delivery := newTestDeliveryService(t, log, []domain.Destination{destination("a", "https://hooks.example.com/in", 0)}, poster)
	enqueuer := &fakeEnqueuer{}
	svc, _ := NewHistoryService(log, enqueuer, nil)

	ctx := context.Background()
	id := appendEvent(t, log, balanceEvent())
	if err := log.UpdateStatus(ctx, id, domain.StatusFailed, "HTTP 500"); err != nil {
		t.Fatalf("UpdateStatus() error = %v", err)
	}
	task, err := svc.Retry(ctx, id)
	if err != nil {
		t.Fatalf("Retry() error = %v", err)
	}

	runTask(delivery, task)

	record, _ := log.Get(id)
	if record.Status != domain.StatusSuccess {
		t.Fatalf("status = %s, want SUCCESS", record.Status)
	}
	if record.RetryCount != 1 {
		t.Fatalf("retryCount = %d, want 1", record.RetryCount)
	}
}

func TestHistoryService_ResendCreatesNewRecord(t *testing.T) {
	t.Parallel()

	log := newTestLog(t)
	enqueuer := &fakeEnqueuer{}
	svc, _ := NewHistoryService(log, enqueuer, nil)

	ctx := context.Background()
	event := balanceEvent()
	event.OverrideURL = "https://override.example.com/in"
	id := appendEvent(t, log, event)

	if _, err := svc.Resend(ctx, id); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("Resend() of pending error = %v, want ErrInvalidTransition", err)
	}

	if err := log.UpdateStatus(ctx, id, domain.StatusSuccess, ""); err != nil {
		t.Fatalf("UpdateStatus() error = %v", err)
	}
	result, err := svc.Resend(ctx, id)
	if err != nil {
		t.Fatalf("Resend() error = %v", err)
	}
	if result.RecordID == id {
		t.Fatal("resend must create a new record")
	}

	original, _ := log.Get(id)
	if original.Status != domain.StatusSuccess {
		t.Fatalf("original status = %s, want SUCCESS", original.Status)
	}
	resent, _ := log.Get(result.RecordID)
	if resent.Status != domain.StatusPending || resent.Body != event.Body || resent.OverrideURL != event.OverrideURL {
		t.Fatalf("resent = %+v", resent)
	}
	if tasks := enqueuer.enqueued(); len(tasks) != 1 || tasks[0].RecordID != result.RecordID {
		t.Fatalf("enqueued = %+v", tasks)
	}
}
