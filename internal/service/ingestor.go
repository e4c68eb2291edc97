package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/smshook/internal/deliverylog"
	"github.com/kursadbilgin/smshook/internal/domain"
	"github.com/kursadbilgin/smshook/internal/observability"
	"github.com/kursadbilgin/smshook/internal/scheduler"
	"go.uber.org/zap"
)

// ErrDropped is returned for events discarded before reaching the log.
var ErrDropped = errors.New("event dropped")

const (
	ReasonBlankBody          = "blank_body"
	ReasonForwardingDisabled = "forwarding_disabled"
	ReasonDuplicate          = "duplicate"
	ReasonFiltered           = "filtered"
)

// Enqueuer schedules a delivery task for a logged record.
type Enqueuer interface {
	Enqueue(ctx context.Context, recordID int64, group string) (scheduler.Task, error)
}

// ForwardingRules filter inbound SMS. Matching is case-insensitive substring
// matching; empty lists match everything.
type ForwardingRules struct {
	SenderContains []string
	BodyIncludes   []string
	BodyExcludes   []string
	// OverrideURL replaces the destination set for events without their own override.
	OverrideURL string
}

func (r ForwardingRules) allows(sender, body string) bool {
	sender = strings.ToLower(sender)
	body = strings.ToLower(body)

	if len(r.SenderContains) > 0 && !containsAny(sender, r.SenderContains) {
		return false
	}
	if len(r.BodyIncludes) > 0 && !containsAny(body, r.BodyIncludes) {
		return false
	}
	return !containsAny(body, r.BodyExcludes)
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		n = strings.ToLower(strings.TrimSpace(n))
		if n != "" && strings.Contains(s, n) {
			return true
		}
	}
	return false
}

type IngestorConfig struct {
	ForwardingEnabled bool
	DedupWindow       time.Duration
	DedupCapacity     int
	Rules             ForwardingRules
	// DefaultSlot is used when neither the event nor the resolver knows the slot.
	DefaultSlot int
}

// IngestResult describes what happened to one inbound event.
type IngestResult struct {
	RecordID   int64  `json:"recordId,omitempty"`
	TaskID     string `json:"taskId,omitempty"`
	Suppressed bool   `json:"suppressed"`
	Reason     string `json:"reason,omitempty"`
}

type Ingestor struct {
	log      *deliverylog.Log
	enqueuer Enqueuer
	slots    domain.SlotResolver
	cfg      IngestorConfig
	dedup    *dedupWindow
	logger   *zap.Logger
	metrics  *observability.Metrics
	now      func() time.Time
}

func NewIngestor(
	log *deliverylog.Log,
	enqueuer Enqueuer,
	slots domain.SlotResolver,
	cfg IngestorConfig,
	logger *zap.Logger,
) (*Ingestor, error) {
	if log == nil {
		return nil, fmt.Errorf("delivery log is required")
	}
	if enqueuer == nil {
		return nil, fmt.Errorf("enqueuer is required")
	}
	if slots == nil {
		slots = domain.UnsupportedSlotResolver{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Ingestor{
		log:      log,
		enqueuer: enqueuer,
		slots:    slots,
		cfg:      cfg,
		dedup:    newDedupWindow(cfg.DedupWindow, cfg.DedupCapacity),
		logger:   logger,
		now:      time.Now,
	}, nil
}

func (i *Ingestor) SetMetrics(metrics *observability.Metrics) {
	if i == nil {
		return
	}
	i.metrics = metrics
}

// Ingest logs an inbound event and schedules its delivery. Test events skip
// the forwarding toggle, duplicate suppression and rules.
func (i *Ingestor) Ingest(ctx context.Context, event domain.Event) (IngestResult, error) {
	logger := observability.LoggerFromContext(i.logger, ctx)

	if strings.TrimSpace(event.Body) == "" {
		logger.Debug("dropping event with blank body", zap.String("sender", event.Sender))
		return i.suppress(ReasonBlankBody), ErrDropped
	}
	if strings.TrimSpace(event.Sender) == "" {
		event.Sender = "unknown"
	}
	if event.Kind == "" {
		event.Kind = domain.EventKindSMS
	}
	now := i.now()
	if event.Timestamp.IsZero() {
		event.Timestamp = now
	}

	if !event.IsTest {
		if !i.cfg.ForwardingEnabled {
			logger.Debug("forwarding disabled, event not logged")
			return i.suppress(ReasonForwardingDisabled), nil
		}
		if event.Kind == domain.EventKindSMS && i.dedup.seen(fingerprint(event.Sender, event.Body), now) {
			logger.Info("suppressed duplicate event within window", zap.String("sender", event.Sender))
			return i.suppress(ReasonDuplicate), nil
		}
		if !i.cfg.Rules.allows(event.Sender, event.Body) {
			logger.Info("forwarding rules blocked event", zap.String("sender", event.Sender))
			return i.suppress(ReasonFiltered), nil
		}
		if event.OverrideURL == "" {
			event.OverrideURL = strings.TrimSpace(i.cfg.Rules.OverrideURL)
		}
	}

	event.OriginSlot = i.resolveSlot(ctx, event.OriginSlot)

	id, err := i.log.Append(ctx, event)
	if err != nil {
		return IngestResult{}, fmt.Errorf("failed to log event: %w", err)
	}

	group := scheduler.GroupSMSForward
	if event.Kind == domain.EventKindUSSD {
		group = scheduler.GroupUSSDForward
	}
	task, err := i.enqueuer.Enqueue(ctx, id, group)
	if err != nil {
		msg := fmt.Sprintf("failed to schedule delivery: %v", err)
		if updateErr := i.log.UpdateStatus(ctx, id, domain.StatusFailed, msg); updateErr != nil {
			logger.Error("failed to mark unscheduled record", zap.Int64("recordId", id), zap.Error(updateErr))
		}
		return IngestResult{RecordID: id}, err
	}

	logger.Info("event accepted",
		zap.Int64("recordId", id),
		zap.String("taskId", task.ID),
		zap.String("kind", event.Kind.String()),
		zap.Bool("isTest", event.IsTest),
	)
	return IngestResult{RecordID: id, TaskID: task.ID}, nil
}

func (i *Ingestor) suppress(reason string) IngestResult {
	i.metrics.IncEventSuppressed(reason)
	return IngestResult{Suppressed: true, Reason: reason}
}

func (i *Ingestor) resolveSlot(ctx context.Context, slot int) int {
	if slot >= 0 {
		return slot
	}
	resolved, err := i.slots.ResolveSlot(ctx)
	if err != nil || resolved < 0 {
		if err != nil && !errors.Is(err, domain.ErrSlotUnsupported) {
			i.logger.Warn("origin slot lookup failed", zap.Error(err))
		}
		return i.cfg.DefaultSlot
	}
	return resolved
}

// Forward ingests an event produced inside the relay, such as a USSD
// response. Dropped and suppressed events are not errors.
func (i *Ingestor) Forward(ctx context.Context, event domain.Event) error {
	_, err := i.Ingest(ctx, event)
	if errors.Is(err, ErrDropped) {
		return nil
	}
	return err
}
