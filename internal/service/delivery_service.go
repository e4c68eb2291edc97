package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/kursadbilgin/smshook/internal/deliverylog"
	"github.com/kursadbilgin/smshook/internal/domain"
	"github.com/kursadbilgin/smshook/internal/observability"
	"github.com/kursadbilgin/smshook/internal/policy"
	"github.com/kursadbilgin/smshook/internal/scheduler"
	"github.com/kursadbilgin/smshook/internal/webhook"
	"go.uber.org/zap"
)

// DestinationSnapshotter returns the destination set for one delivery pass.
type DestinationSnapshotter interface {
	Snapshot(ctx context.Context) ([]domain.Destination, error)
}

// PayloadBuilder encodes an event for posting.
type PayloadBuilder interface {
	Build(event domain.Event) ([]byte, error)
}

// DeliveryService runs one fan-out pass per scheduler task and records every
// attempt in the delivery log.
type DeliveryService struct {
	log          *deliverylog.Log
	destinations DestinationSnapshotter
	poster       webhook.Poster
	payloads     PayloadBuilder
	logger       *zap.Logger
	metrics      *observability.Metrics
	// circuitDelay is how long a pass blocked by open breakers waits.
	circuitDelay time.Duration
}

// DefaultCircuitDelay matches the webhook client's default breaker cooldown.
const DefaultCircuitDelay = 30 * time.Second

func NewDeliveryService(
	log *deliverylog.Log,
	destinations DestinationSnapshotter,
	poster webhook.Poster,
	payloads PayloadBuilder,
	logger *zap.Logger,
) (*DeliveryService, error) {
	if log == nil {
		return nil, fmt.Errorf("delivery log is required")
	}
	if destinations == nil {
		return nil, fmt.Errorf("destination snapshotter is required")
	}
	if poster == nil {
		return nil, fmt.Errorf("webhook poster is required")
	}
	if payloads == nil {
		return nil, fmt.Errorf("payload builder is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &DeliveryService{
		log:          log,
		destinations: destinations,
		poster:       poster,
		payloads:     payloads,
		logger:       logger,
		circuitDelay: DefaultCircuitDelay,
	}, nil
}

// SetCircuitDelay sets how long a pass blocked by open circuit breakers waits
// before it is tried again.
func (s *DeliveryService) SetCircuitDelay(delay time.Duration) {
	if s == nil || delay <= 0 {
		return
	}
	s.circuitDelay = delay
}

func (s *DeliveryService) SetMetrics(metrics *observability.Metrics) {
	if s == nil {
		return
	}
	s.metrics = metrics
}

// passState accumulates the per-destination results of one pass.
type passState struct {
	outcomes  []policy.Outcome
	exhausted []string
	delivered []string
	// deferred lists destinations the poster refused without sending.
	deferred  []string
	lastError string
	started   bool
}

// Handle is the scheduler.HandlerFunc for delivery tasks. A pass that sent
// nothing, because of shutdown or open circuit breakers, is deferred and does
// not count against the task's attempts.
func (s *DeliveryService) Handle(ctx context.Context, task scheduler.Task) scheduler.Result {
	logger := s.logger.With(
		zap.String("taskId", task.ID),
		zap.Int64("recordId", task.RecordID),
		zap.Int("pass", task.Attempt+1),
	)
	if ctx.Err() != nil {
		logger.Info("delivery pass skipped, shutting down")
		return scheduler.Result{Deferred: true}
	}
	// Log writes must land even if shutdown interrupts the pass.
	logCtx := context.WithoutCancel(ctx)

	record, err := s.log.Get(task.RecordID)
	if err != nil {
		logger.Warn("delivery record not found, dropping task")
		return scheduler.Result{}
	}
	if record.Status.IsTerminal() {
		logger.Debug("delivery record already terminal, dropping task", zap.String("status", record.Status.String()))
		return scheduler.Result{}
	}

	pass := task.Attempt + 1
	maxAttempts := max(task.MaxAttempts, 1)
	event := record.Event()

	var snapshot []domain.Destination
	if strings.TrimSpace(event.OverrideURL) == "" {
		snapshot, err = s.destinations.Snapshot(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("delivery pass interrupted by shutdown")
				return scheduler.Result{Deferred: true}
			}
			logger.Error("failed to load destinations", zap.Error(err))
			return s.finishUnstarted(logCtx, record, pass, maxAttempts, "destinations unavailable: "+err.Error(), logger)
		}
	}

	targets, err := policy.SelectDestinations(event, snapshot)
	if errors.Is(err, policy.ErrNoDestinations) {
		s.fail(logCtx, record, err.Error(), logger)
		return scheduler.Result{}
	}
	targets = slices.DeleteFunc(targets, func(d domain.Destination) bool {
		return slices.Contains(task.Exhausted, d.ID)
	})
	if len(targets) == 0 {
		s.fail(logCtx, record, "all destinations failed permanently", logger)
		return scheduler.Result{}
	}

	payload, err := s.payloads.Build(event)
	if err != nil {
		s.fail(logCtx, record, err.Error(), logger)
		return scheduler.Result{}
	}

	state := &passState{}
	beginPass := func() {
		if state.started {
			return
		}
		state.started = true
		// A reopened record is already RETRYING; its first pass must not count twice.
		if pass > 1 || record.Status == domain.StatusPending {
			if err := s.log.UpdateStatus(logCtx, record.ID, domain.StatusRetrying, ""); err != nil {
				logger.Warn("failed to start delivery pass", zap.Error(err))
			}
		}
	}

	for _, d := range targets {
		if ctx.Err() != nil {
			break
		}
		s.attempt(ctx, logCtx, record.ID, d, payload, pass, maxAttempts, state, beginPass, logger)
	}

	aggregate := policy.Aggregate(state.outcomes)
	if aggregate != policy.OutcomeSuccess {
		if ctx.Err() != nil {
			logger.Info("delivery pass interrupted by shutdown")
			return scheduler.Result{Deferred: true, Exhausted: state.exhausted}
		}
		// Destinations behind an open breaker were never tried; they get the
		// pass back instead of losing it.
		if len(state.deferred) > 0 && aggregate != policy.OutcomeRetryable {
			if state.started && state.lastError != "" {
				if err := s.log.SetError(logCtx, record.ID, state.lastError); err != nil {
					logger.Warn("failed to record error", zap.Error(err))
				}
			}
			logger.Info("delivery pass deferred, destinations not attempted",
				zap.Strings("destinations", state.deferred),
				zap.Duration("delay", s.circuitDelay),
			)
			return scheduler.Result{Deferred: true, Delay: s.circuitDelay, Exhausted: state.exhausted}
		}
	}

	switch aggregate {
	case policy.OutcomeSuccess:
		if err := s.log.SetDestination(logCtx, record.ID, strings.Join(state.delivered, ", ")); err != nil {
			logger.Warn("failed to record destination", zap.Error(err))
		}
		if err := s.log.UpdateStatus(logCtx, record.ID, domain.StatusSuccess, ""); err != nil {
			logger.Warn("failed to mark delivery successful", zap.Error(err))
		}
		s.metrics.IncDelivery(record.Kind, domain.StatusSuccess)
		logger.Info("event delivered", zap.Strings("destinations", state.delivered))
		return scheduler.Result{}

	case policy.OutcomeRetryable:
		if err := s.log.SetError(logCtx, record.ID, state.lastError); err != nil {
			logger.Warn("failed to record retryable error", zap.Error(err))
		}
		logger.Info("delivery pass failed, will retry", zap.String("error", state.lastError))
		return scheduler.Result{Retry: true, Exhausted: state.exhausted}

	default:
		s.fail(logCtx, record, state.lastError, logger)
		return scheduler.Result{}
	}
}

func (s *DeliveryService) attempt(
	ctx, logCtx context.Context,
	recordID int64,
	d domain.Destination,
	payload []byte,
	pass, maxAttempts int,
	state *passState,
	beginPass func(),
	logger *zap.Logger,
) {
	safeURL := policy.SanitizeURL(d.URL)
	label := destinationLabel(d, safeURL)

	if err := policy.ValidateURL(d.URL); err != nil {
		reason := err.Error()
		var rejected *policy.RejectedURLError
		if errors.As(err, &rejected) {
			reason = rejected.Reason
		}
		logger.Warn("skipping destination with rejected url",
			zap.String("destinationId", d.ID),
			zap.String("url", safeURL),
			zap.String("reason", reason),
		)
		state.outcomes = append(state.outcomes, policy.OutcomePermanent)
		state.exhausted = append(state.exhausted, d.ID)
		state.lastError = fmt.Sprintf("%s: invalid url (%s)", label, reason)
		return
	}

	idx := deliverylog.NotFound
	sent := false
	markSent := func() {
		if sent {
			return
		}
		sent = true
		beginPass()
		idx = s.log.RecordAttemptStart(logCtx, recordID, deliverylog.AttemptTarget{ID: d.ID, URL: safeURL})
	}

	resp, postErr := s.poster.Post(ctx, webhook.Request{
		DestinationID: d.ID,
		URL:           d.URL,
		Secret:        d.Secret,
		Body:          payload,
		OnSend:        markSent,
	})
	if resp == nil && postErr == nil {
		postErr = errors.New("empty response")
	}

	if !sent {
		if resp == nil {
			// Nothing went on the wire: no attempt, no outcome.
			if ctx.Err() == nil {
				logger.Info("destination not attempted",
					zap.String("destinationId", d.ID),
					zap.String("url", safeURL),
					zap.String("reason", webhook.Describe(postErr)),
				)
				state.deferred = append(state.deferred, d.ID)
			}
			return
		}
		// poster answered without reporting the send
		markSent()
	}

	var result deliverylog.AttemptResult
	var status *int
	if resp != nil {
		code := resp.StatusCode
		status = &code
		durationMs := resp.Duration.Milliseconds()
		result.HTTPStatus = status
		result.DurationMs = &durationMs
	}

	outcome := policy.Classify(status, pass, maxAttempts)
	result.Success = outcome == policy.OutcomeSuccess

	var errText string
	switch {
	case postErr != nil:
		errText = webhook.Describe(postErr)
	case !result.Success:
		errText = fmt.Sprintf("HTTP %d", resp.StatusCode)
		if resp.Body != "" {
			errText += ": " + resp.Body
		}
	}
	result.ErrorSnippet = policy.Truncate(errText, domain.MaxErrorSnippet)

	if idx != deliverylog.NotFound {
		s.log.RecordAttemptFinish(logCtx, recordID, idx, result)
	}
	if resp != nil {
		s.metrics.ObserveAttempt(outcome.String(), resp.Duration)
	} else {
		s.metrics.ObserveAttempt(outcome.String(), 0)
	}

	logger.Debug("webhook attempt finished",
		zap.String("destinationId", d.ID),
		zap.String("url", safeURL),
		zap.String("outcome", outcome.String()),
		zap.String("error", errText),
	)

	if resp == nil && ctx.Err() != nil {
		// interrupted mid-flight; the pass is deferred, so the destination
		// keeps its remaining attempts
		return
	}

	state.outcomes = append(state.outcomes, outcome)
	switch outcome {
	case policy.OutcomeSuccess:
		state.delivered = append(state.delivered, safeURL)
	case policy.OutcomePermanent:
		state.exhausted = append(state.exhausted, d.ID)
		if status == nil || *status >= 500 {
			errText = "max retries reached, last error: " + errText
		}
		state.lastError = label + ": " + errText
	default:
		state.lastError = label + ": " + errText
	}
}

// finishUnstarted handles a pass that could not reach any destination.
func (s *DeliveryService) finishUnstarted(
	ctx context.Context,
	record domain.DeliveryRecord,
	pass, maxAttempts int,
	msg string,
	logger *zap.Logger,
) scheduler.Result {
	if pass >= maxAttempts {
		s.fail(ctx, record, msg, logger)
		return scheduler.Result{}
	}
	if pass > 1 || record.Status == domain.StatusPending {
		if err := s.log.UpdateStatus(ctx, record.ID, domain.StatusRetrying, msg); err != nil {
			logger.Warn("failed to mark record for retry", zap.Error(err))
			return scheduler.Result{}
		}
	} else if err := s.log.SetError(ctx, record.ID, msg); err != nil {
		logger.Warn("failed to record error", zap.Error(err))
	}
	return scheduler.Result{Retry: true}
}

func (s *DeliveryService) fail(ctx context.Context, record domain.DeliveryRecord, msg string, logger *zap.Logger) {
	if msg == "" {
		msg = "delivery failed"
	}
	if err := s.log.UpdateStatus(ctx, record.ID, domain.StatusFailed, msg); err != nil {
		logger.Warn("failed to mark delivery failed", zap.Error(err))
		return
	}
	s.metrics.IncDelivery(record.Kind, domain.StatusFailed)
	logger.Warn("event delivery failed", zap.String("error", msg))
}

func destinationLabel(d domain.Destination, safeURL string) string {
	if d.Name != "" {
		return d.Name
	}
	return safeURL
}
