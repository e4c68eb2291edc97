package service

import (
	"context"
	"fmt"

	"github.com/kursadbilgin/smshook/internal/deliverylog"
	"github.com/kursadbilgin/smshook/internal/domain"
	"github.com/kursadbilgin/smshook/internal/scheduler"
	"go.uber.org/zap"
)

// HistoryService implements the user actions on logged deliveries.
type HistoryService struct {
	log      *deliverylog.Log
	enqueuer Enqueuer
	logger   *zap.Logger
}

func NewHistoryService(log *deliverylog.Log, enqueuer Enqueuer, logger *zap.Logger) (*HistoryService, error) {
	if log == nil {
		return nil, fmt.Errorf("delivery log is required")
	}
	if enqueuer == nil {
		return nil, fmt.Errorf("enqueuer is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &HistoryService{log: log, enqueuer: enqueuer, logger: logger}, nil
}

func (s *HistoryService) List() []domain.DeliveryRecord {
	return s.log.Query()
}

func (s *HistoryService) Get(id int64) (domain.DeliveryRecord, error) {
	return s.log.Get(id)
}

func (s *HistoryService) Stats() domain.Stats {
	return s.log.Stats()
}

func (s *HistoryService) Clear(ctx context.Context) error {
	return s.log.Clear(ctx)
}

// Retry reopens a FAILED record in place and schedules a fresh series of passes.
func (s *HistoryService) Retry(ctx context.Context, id int64) (scheduler.Task, error) {
	if err := s.log.Reopen(ctx, id); err != nil {
		return scheduler.Task{}, err
	}

	task, err := s.enqueuer.Enqueue(ctx, id, scheduler.GroupManualRetry)
	if err != nil {
		msg := fmt.Sprintf("failed to schedule retry: %v", err)
		if updateErr := s.log.UpdateStatus(ctx, id, domain.StatusFailed, msg); updateErr != nil {
			s.logger.Error("failed to mark unscheduled retry", zap.Int64("recordId", id), zap.Error(updateErr))
		}
		return scheduler.Task{}, err
	}

	s.logger.Info("manual retry scheduled", zap.Int64("recordId", id), zap.String("taskId", task.ID))
	return task, nil
}

// Resend logs the event of a finished record again as a new record and
// schedules it. The original record is left untouched.
func (s *HistoryService) Resend(ctx context.Context, id int64) (IngestResult, error) {
	record, err := s.log.Get(id)
	if err != nil {
		return IngestResult{}, err
	}
	if !record.Status.IsTerminal() {
		return IngestResult{}, fmt.Errorf("%w: record %d is still %s", domain.ErrInvalidTransition, id, record.Status)
	}

	newID, err := s.log.Append(ctx, record.Event())
	if err != nil {
		return IngestResult{}, fmt.Errorf("failed to log resend: %w", err)
	}

	group := scheduler.GroupSMSForward
	if record.Kind == domain.EventKindUSSD {
		group = scheduler.GroupUSSDForward
	}
	task, err := s.enqueuer.Enqueue(ctx, newID, group)
	if err != nil {
		msg := fmt.Sprintf("failed to schedule delivery: %v", err)
		if updateErr := s.log.UpdateStatus(ctx, newID, domain.StatusFailed, msg); updateErr != nil {
			s.logger.Error("failed to mark unscheduled resend", zap.Int64("recordId", newID), zap.Error(updateErr))
		}
		return IngestResult{RecordID: newID}, err
	}

	s.logger.Info("record resent",
		zap.Int64("sourceRecordId", id),
		zap.Int64("recordId", newID),
		zap.String("taskId", task.ID),
	)
	return IngestResult{RecordID: newID, TaskID: task.ID}, nil
}
