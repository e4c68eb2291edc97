package deliverylog

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const DefaultSnapshotInterval = 30 * time.Minute

// Snapshotter periodically copies the log to its backup and takes a final
// snapshot when stopped.
type Snapshotter struct {
	log      *Log
	interval time.Duration
	logger   *zap.Logger
}

func NewSnapshotter(log *Log, interval time.Duration, logger *zap.Logger) (*Snapshotter, error) {
	if log == nil {
		return nil, fmt.Errorf("delivery log is required")
	}
	if interval <= 0 {
		interval = DefaultSnapshotInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Snapshotter{log: log, interval: interval, logger: logger}, nil
}

func (s *Snapshotter) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("delivery log snapshotter started", zap.Duration("interval", s.interval))

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			s.snapshot(shutdownCtx)
			cancel()
			s.logger.Info("delivery log snapshotter stopped")
			return
		case <-ticker.C:
			s.snapshot(ctx)
		}
	}
}

func (s *Snapshotter) snapshot(ctx context.Context) {
	if err := s.log.Snapshot(ctx); err != nil {
		s.logger.Error("delivery log snapshot failed", zap.Error(err))
		return
	}
	s.logger.Debug("delivery log snapshot written")
}
