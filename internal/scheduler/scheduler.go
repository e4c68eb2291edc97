package scheduler

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/smshook/internal/observability"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	minConcurrency      = 1
	defaultPollInterval = time.Second
	defaultLease        = 10 * time.Minute
)

type Config struct {
	Concurrency  int
	PollInterval time.Duration
	// Lease is how long a claimed task stays invisible to other workers.
	Lease       time.Duration
	BaseDelay   time.Duration
	MaxAttempts int
}

// GroupStatus reports how many tasks of a group are still queued.
type GroupStatus struct {
	Group   string `json:"group"`
	Pending int64  `json:"pending"`
	Done    bool   `json:"done"`
}

type Scheduler struct {
	queue        Queue
	handler      HandlerFunc
	connectivity Connectivity
	logger       *zap.Logger
	metrics      *observability.Metrics

	concurrency  int
	pollInterval time.Duration
	lease        time.Duration
	baseDelay    time.Duration
	maxAttempts  int

	now  func() time.Time
	wake chan struct{}
}

func New(
	queue Queue,
	handler HandlerFunc,
	connectivity Connectivity,
	cfg Config,
	logger *zap.Logger,
) (*Scheduler, error) {
	if queue == nil {
		return nil, fmt.Errorf("task queue is required")
	}
	if handler == nil {
		return nil, fmt.Errorf("task handler is required")
	}
	if connectivity == nil {
		connectivity = AlwaysOnline{}
	}
	if cfg.Concurrency < minConcurrency {
		cfg.Concurrency = minConcurrency
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.Lease <= 0 {
		cfg.Lease = defaultLease
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Scheduler{
		queue:        queue,
		handler:      handler,
		connectivity: connectivity,
		logger:       logger,
		concurrency:  cfg.Concurrency,
		pollInterval: cfg.PollInterval,
		lease:        cfg.Lease,
		baseDelay:    cfg.BaseDelay,
		maxAttempts:  cfg.MaxAttempts,
		now:          time.Now,
		wake:         make(chan struct{}, 1),
	}, nil
}

func (s *Scheduler) SetMetrics(metrics *observability.Metrics) {
	if s == nil {
		return
	}
	s.metrics = metrics
}

// Enqueue queues a first pass for the record, due immediately.
func (s *Scheduler) Enqueue(ctx context.Context, recordID int64, group string) (Task, error) {
	if group == "" {
		group = GroupSMSForward
	}

	now := s.now().UTC()
	task := Task{
		ID:          uuid.NewString(),
		Group:       group,
		RecordID:    recordID,
		MaxAttempts: s.maxAttempts,
		DueAt:       now,
		EnqueuedAt:  now,
	}
	if err := s.queue.Push(ctx, task); err != nil {
		return Task{}, fmt.Errorf("failed to enqueue delivery task: %w", err)
	}

	s.logger.Debug("delivery task enqueued",
		zap.String("taskId", task.ID),
		zap.String("group", group),
		zap.Int64("recordId", recordID),
	)

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return task, nil
}

func (s *Scheduler) GroupStatus(ctx context.Context, group string) (GroupStatus, error) {
	pending, err := s.queue.Pending(ctx, group)
	if err != nil {
		return GroupStatus{}, fmt.Errorf("failed to read group status: %w", err)
	}
	return GroupStatus{Group: group, Pending: pending, Done: pending == 0}, nil
}

// Start claims due tasks and runs them on a bounded worker pool until ctx is
// cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	tasks := make(chan Task)
	g, groupCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(tasks)
		s.poll(groupCtx, tasks)
		return nil
	})

	for i := 0; i < s.concurrency; i++ {
		workerID := i + 1
		g.Go(func() error {
			s.logger.Info("delivery worker started", zap.Int("workerId", workerID))
			for task := range tasks {
				s.run(groupCtx, task)
			}
			s.logger.Info("delivery worker stopped", zap.Int("workerId", workerID))
			return nil
		})
	}

	return g.Wait()
}

func (s *Scheduler) poll(ctx context.Context, out chan<- Task) {
	// Initial claim so tasks left over from a previous run start right away.
	s.dispatchDue(ctx, out)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.wake:
		}
		s.dispatchDue(ctx, out)
	}
}

func (s *Scheduler) dispatchDue(ctx context.Context, out chan<- Task) {
	for ctx.Err() == nil {
		claimed, err := s.claim(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Error("failed to claim due tasks", zap.Error(err))
			}
			return
		}

		for _, task := range claimed {
			select {
			case out <- task:
			case <-ctx.Done():
				return
			}
		}

		if len(claimed) < s.concurrency {
			return
		}
	}
}

func (s *Scheduler) claim(ctx context.Context) ([]Task, error) {
	if !s.connectivity.Online(ctx) {
		return nil, nil
	}
	return s.queue.Claim(ctx, s.now().UTC(), s.lease, s.concurrency)
}

// processDue runs every currently due task inline and returns how many ran.
func (s *Scheduler) processDue(ctx context.Context) (int, error) {
	processed := 0
	for {
		claimed, err := s.claim(ctx)
		if err != nil {
			return processed, err
		}
		if len(claimed) == 0 {
			return processed, nil
		}
		for _, task := range claimed {
			s.run(ctx, task)
			processed++
		}
	}
}

func (s *Scheduler) run(ctx context.Context, task Task) {
	if task.MaxAttempts <= 0 {
		task.MaxAttempts = s.maxAttempts
	}

	s.metrics.IncWorkerInFlight(task.Group)
	stopRenewal := s.renewLease(ctx, task)
	result := s.handler(ctx, task)
	stopRenewal()
	s.metrics.DecWorkerInFlight(task.Group)

	// Queue bookkeeping must land even when shutdown interrupted the pass.
	storeCtx := context.WithoutCancel(ctx)
	for _, id := range result.Exhausted {
		if !slices.Contains(task.Exhausted, id) {
			task.Exhausted = append(task.Exhausted, id)
		}
	}

	if result.Deferred {
		task.DueAt = s.now().UTC().Add(max(result.Delay, 0))
		if err := s.queue.Push(storeCtx, task); err != nil {
			s.logger.Error("failed to requeue deferred delivery task",
				zap.String("taskId", task.ID),
				zap.Int64("recordId", task.RecordID),
				zap.Error(err),
			)
			return
		}
		s.logger.Info("delivery task deferred",
			zap.String("taskId", task.ID),
			zap.Int64("recordId", task.RecordID),
			zap.Int("attempt", task.Attempt),
			zap.Duration("delay", result.Delay),
		)
		return
	}

	task.Attempt++

	if result.Retry && task.Attempt < task.MaxAttempts {
		delay := Backoff(s.baseDelay, task.Attempt)
		task.DueAt = s.now().UTC().Add(delay)

		if err := s.queue.Push(storeCtx, task); err != nil {
			s.logger.Error("failed to reschedule delivery task",
				zap.String("taskId", task.ID),
				zap.Int64("recordId", task.RecordID),
				zap.Error(err),
			)
			return
		}
		s.metrics.IncRetryScheduled(task.Group)
		s.logger.Info("delivery retry scheduled",
			zap.String("taskId", task.ID),
			zap.Int64("recordId", task.RecordID),
			zap.Int("attempt", task.Attempt),
			zap.Duration("delay", delay),
		)
		return
	}

	if err := s.queue.Ack(storeCtx, task); err != nil {
		s.logger.Error("failed to ack delivery task",
			zap.String("taskId", task.ID),
			zap.Int64("recordId", task.RecordID),
			zap.Error(err),
		)
	}
}

// renewLease keeps a running task invisible to other claimers by pushing its
// lease deadline forward every third of the lease. The returned func stops
// renewal and waits for an in-flight push to finish.
func (s *Scheduler) renewLease(ctx context.Context, task Task) func() {
	interval := s.lease / 3
	if interval <= 0 {
		return func() {}
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			leased := task
			leased.DueAt = s.now().UTC().Add(s.lease)
			if err := s.queue.Push(ctx, leased); err != nil && ctx.Err() == nil {
				s.logger.Warn("failed to renew delivery task lease",
					zap.String("taskId", task.ID),
					zap.Error(err),
				)
			}
		}
	}()

	return func() {
		close(stop)
		<-done
	}
}
