// Package deliverylog keeps the bounded history of forwarded events and their
// delivery attempts.
package deliverylog

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/kursadbilgin/smshook/internal/domain"
	"go.uber.org/zap"
)

const (
	DefaultCapacity = 500
	// NotFound is returned by RecordAttemptStart when the record is gone.
	NotFound = -1
)

// Observer receives the newest-first record list and stats after every change.
type Observer func(records []domain.DeliveryRecord, stats domain.Stats)

// AttemptResult seals an open attempt.
type AttemptResult struct {
	HTTPStatus   *int
	Success      bool
	ErrorSnippet string
	DurationMs   *int64
}

// AttemptTarget names the destination an attempt is made against.
type AttemptTarget struct {
	ID  string
	URL string
}

// Log owns every DeliveryRecord. Reads share a lock; all mutations are
// exclusive and persist before returning.
type Log struct {
	mu       sync.RWMutex
	records  []*domain.DeliveryRecord
	nextID   int64
	capacity int

	store  Store
	backup Backup
	logger *zap.Logger
	now    func() time.Time

	observersMu sync.Mutex
	observers   map[int]Observer
	observerSeq int
}

func New(ctx context.Context, store Store, backup Backup, capacity int, logger *zap.Logger) (*Log, error) {
	if store == nil {
		return nil, fmt.Errorf("delivery log store is required")
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if ctx == nil {
		ctx = context.Background()
	}

	l := &Log{
		nextID:    1,
		capacity:  capacity,
		store:     store,
		backup:    backup,
		logger:    logger,
		now:       time.Now,
		observers: make(map[int]Observer),
	}
	l.load(ctx)

	return l, nil
}

func (l *Log) load(ctx context.Context) {
	state, err := l.store.Load(ctx)
	if err != nil {
		l.logger.Warn("delivery log primary load failed, trying backup", zap.Error(err))

		if l.backup == nil {
			state = State{}
		} else if state, err = l.backup.Read(ctx); err != nil {
			l.logger.Error("delivery log backup load failed, starting empty", zap.Error(err))
			state = State{}
		} else {
			l.logger.Info("delivery log restored from backup", zap.Int("records", len(state.Records)))
		}
	}

	l.restore(state)
}

func (l *Log) restore(state State) {
	records := make([]*domain.DeliveryRecord, 0, len(state.Records))
	var maxID int64
	for i := range state.Records {
		r := state.Records[i].Clone()
		if !r.Status.IsValid() {
			continue
		}
		if r.Attempts == nil {
			r.Attempts = []domain.AttemptRecord{}
		}
		records = append(records, &r)
		maxID = max(maxID, r.ID)
	}
	if len(records) > l.capacity {
		records = records[len(records)-l.capacity:]
	}

	l.records = records
	l.nextID = max(state.NextID, maxID+1, 1)
}

// Append stores a new PENDING record for the event and returns its id.
func (l *Log) Append(ctx context.Context, event domain.Event) (int64, error) {
	if err := event.Validate(); err != nil {
		return 0, err
	}

	l.mu.Lock()
	now := l.now().UTC()
	ts := event.Timestamp
	if ts.IsZero() {
		ts = now
	}
	kind := event.Kind
	if kind == "" {
		kind = domain.EventKindSMS
	}

	record := &domain.DeliveryRecord{
		ID:            l.nextID,
		Kind:          kind,
		Sender:        event.Sender,
		Body:          event.Body,
		Timestamp:     ts.UTC(),
		OriginSlot:    event.OriginSlot,
		IsTest:        event.IsTest,
		OverrideURL:   event.OverrideURL,
		Status:        domain.StatusPending,
		LastAttemptAt: now,
		Attempts:      []domain.AttemptRecord{},
		CreatedAt:     now,
	}
	l.nextID++

	l.records = append(l.records, record)
	if overflow := len(l.records) - l.capacity; overflow > 0 {
		evicted := l.records[:overflow]
		l.records = slices.Clone(l.records[overflow:])
		for _, e := range evicted {
			l.logger.Debug("delivery record evicted", zap.Int64("recordId", e.ID))
		}
	}

	l.persistLocked(ctx)
	notify := l.prepareNotifyLocked()
	l.mu.Unlock()

	notify()
	return record.ID, nil
}

// UpdateStatus moves a record along the state machine. RETRYING always counts
// one more retry. A missing record is left alone and reported as ErrNotFound.
func (l *Log) UpdateStatus(ctx context.Context, id int64, status domain.Status, errMsg string) error {
	if !status.IsValid() {
		return fmt.Errorf("%w: invalid status %q", domain.ErrValidation, status)
	}

	return l.mutate(ctx, id, func(r *domain.DeliveryRecord) error {
		if !r.Status.CanTransitionTo(status) {
			return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, r.Status, status)
		}
		l.applyStatus(r, status, errMsg)
		return nil
	})
}

// Reopen puts a FAILED record back into RETRYING for a user initiated retry.
func (l *Log) Reopen(ctx context.Context, id int64) error {
	return l.mutate(ctx, id, func(r *domain.DeliveryRecord) error {
		if r.Status != domain.StatusFailed {
			return fmt.Errorf("%w: only failed records can be retried, record is %s", domain.ErrInvalidTransition, r.Status)
		}
		l.applyStatus(r, domain.StatusRetrying, "")
		return nil
	})
}

func (l *Log) applyStatus(r *domain.DeliveryRecord, status domain.Status, errMsg string) {
	r.Status = status
	r.ErrorMessage = truncate(errMsg, domain.MaxErrorSnippet)
	r.LastAttemptAt = l.attemptTime(r)
	if status == domain.StatusRetrying {
		r.RetryCount++
	}
}

// SetError records the latest failure text without changing status.
func (l *Log) SetError(ctx context.Context, id int64, errMsg string) error {
	return l.mutate(ctx, id, func(r *domain.DeliveryRecord) error {
		r.ErrorMessage = truncate(errMsg, domain.MaxErrorSnippet)
		r.LastAttemptAt = l.attemptTime(r)
		return nil
	})
}

// SetDestination records which destination(s) the record was delivered through.
func (l *Log) SetDestination(ctx context.Context, id int64, destination string) error {
	return l.mutate(ctx, id, func(r *domain.DeliveryRecord) error {
		r.Destination = destination
		return nil
	})
}

// RecordAttemptStart opens a new attempt and returns its index, or NotFound.
func (l *Log) RecordAttemptStart(ctx context.Context, id int64, target AttemptTarget) int {
	index := NotFound
	_ = l.mutate(ctx, id, func(r *domain.DeliveryRecord) error {
		r.Attempts = append(r.Attempts, domain.AttemptRecord{
			DestinationID:  target.ID,
			DestinationURL: target.URL,
			StartedAt:      l.attemptTime(r),
		})
		index = len(r.Attempts) - 1
		return nil
	})
	return index
}

// RecordAttemptFinish seals the attempt at index. Unknown records, indexes out
// of range and already sealed attempts are ignored.
func (l *Log) RecordAttemptFinish(ctx context.Context, id int64, index int, result AttemptResult) {
	_ = l.mutate(ctx, id, func(r *domain.DeliveryRecord) error {
		if index < 0 || index >= len(r.Attempts) {
			return fmt.Errorf("%w: attempt index %d", domain.ErrNotFound, index)
		}
		attempt := &r.Attempts[index]
		if attempt.Sealed() {
			return fmt.Errorf("%w: attempt %d already sealed", domain.ErrConflict, index)
		}

		finished := l.attemptTime(r)
		if finished.Before(attempt.StartedAt) {
			finished = attempt.StartedAt
		}
		attempt.FinishedAt = &finished
		attempt.HTTPStatus = copyInt(result.HTTPStatus)
		attempt.Success = result.Success
		attempt.ErrorSnippet = truncate(result.ErrorSnippet, domain.MaxErrorSnippet)
		attempt.DurationMs = copyInt64(result.DurationMs)

		r.LastHTTPStatus = copyInt(result.HTTPStatus)
		r.LastDurationMs = copyInt64(result.DurationMs)
		r.LastAttemptAt = finished
		return nil
	})
}

func (l *Log) mutate(ctx context.Context, id int64, fn func(r *domain.DeliveryRecord) error) error {
	l.mu.Lock()
	record := l.findLocked(id)
	if record == nil {
		l.mu.Unlock()
		return fmt.Errorf("%w: delivery record %d", domain.ErrNotFound, id)
	}
	if err := fn(record); err != nil {
		l.mu.Unlock()
		return err
	}

	l.persistLocked(ctx)
	notify := l.prepareNotifyLocked()
	l.mu.Unlock()

	notify()
	return nil
}

// attemptTime keeps LastAttemptAt and attempt timestamps at or after creation.
func (l *Log) attemptTime(r *domain.DeliveryRecord) time.Time {
	now := l.now().UTC()
	if now.Before(r.CreatedAt) {
		return r.CreatedAt
	}
	return now
}

// Query returns copies of all records, newest event first.
func (l *Log) Query() []domain.DeliveryRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.sortedCopyLocked()
}

func (l *Log) Get(id int64) (domain.DeliveryRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	record := l.findLocked(id)
	if record == nil {
		return domain.DeliveryRecord{}, fmt.Errorf("%w: delivery record %d", domain.ErrNotFound, id)
	}
	return record.Clone(), nil
}

func (l *Log) Stats() domain.Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.statsLocked()
}

// Clear drops every record together with the primary and backup copies.
// Ids keep increasing after a clear.
func (l *Log) Clear(ctx context.Context) error {
	l.mu.Lock()
	l.records = nil

	var clearErr error
	if err := l.store.Clear(ctx); err != nil {
		l.logger.Error("failed to clear delivery log store", zap.Error(err))
		clearErr = err
	}
	l.persistLocked(ctx)
	if l.backup != nil {
		if err := l.backup.Remove(ctx); err != nil {
			l.logger.Error("failed to remove delivery log backup", zap.Error(err))
			clearErr = err
		}
	}
	notify := l.prepareNotifyLocked()
	l.mu.Unlock()

	notify()
	return clearErr
}

// Snapshot writes the full current state to the backup.
func (l *Log) Snapshot(ctx context.Context) error {
	if l.backup == nil {
		return nil
	}

	l.mu.RLock()
	state := l.stateLocked()
	l.mu.RUnlock()

	if err := l.backup.Write(ctx, state); err != nil {
		return fmt.Errorf("failed to write delivery log backup: %w", err)
	}
	return nil
}

// Subscribe registers an observer and returns its cancel function.
func (l *Log) Subscribe(observer Observer) func() {
	if observer == nil {
		return func() {}
	}

	l.observersMu.Lock()
	l.observerSeq++
	key := l.observerSeq
	l.observers[key] = observer
	l.observersMu.Unlock()

	return func() {
		l.observersMu.Lock()
		delete(l.observers, key)
		l.observersMu.Unlock()
	}
}

func (l *Log) persistLocked(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := l.store.Save(ctx, l.stateLocked()); err != nil {
		l.logger.Error("failed to persist delivery log", zap.Error(err))
	}
}

func (l *Log) stateLocked() State {
	records := make([]domain.DeliveryRecord, 0, len(l.records))
	for _, r := range l.records {
		records = append(records, r.Clone())
	}
	return State{Records: records, NextID: l.nextID}
}

// prepareNotifyLocked captures the view for observers while the lock is held
// and returns the function that delivers it after the lock is released.
func (l *Log) prepareNotifyLocked() func() {
	l.observersMu.Lock()
	observers := make([]Observer, 0, len(l.observers))
	for _, o := range l.observers {
		observers = append(observers, o)
	}
	l.observersMu.Unlock()

	if len(observers) == 0 {
		return func() {}
	}

	records := l.sortedCopyLocked()
	stats := l.statsLocked()
	return func() {
		for _, o := range observers {
			o(records, stats)
		}
	}
}

func (l *Log) sortedCopyLocked() []domain.DeliveryRecord {
	out := make([]domain.DeliveryRecord, 0, len(l.records))
	for _, r := range l.records {
		out = append(out, r.Clone())
	}
	slices.SortStableFunc(out, func(a, b domain.DeliveryRecord) int {
		if c := b.Timestamp.Compare(a.Timestamp); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})
	return out
}

func (l *Log) statsLocked() domain.Stats {
	stats := domain.Stats{Total: len(l.records)}
	for _, r := range l.records {
		switch r.Status {
		case domain.StatusSuccess:
			stats.Success++
		case domain.StatusFailed:
			stats.Failed++
		case domain.StatusPending, domain.StatusRetrying:
			stats.Pending++
		}
	}
	return stats
}

func (l *Log) findLocked(id int64) *domain.DeliveryRecord {
	for i := len(l.records) - 1; i >= 0; i-- {
		if l.records[i].ID == id {
			return l.records[i]
		}
	}
	return nil
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

func copyInt(v *int) *int {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func copyInt64(v *int64) *int64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
