package ussd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/smshook/internal/domain"
	"github.com/kursadbilgin/smshook/internal/observability"
	"go.uber.org/zap"
)

// Job results reported to metrics.
const (
	ResultSuccess     = "success"
	ResultFailed      = "failed"
	ResultFetchFailed = "fetch_failed"
	ResultInvalid     = "invalid"
	ResultDialFailed  = "dial_failed"
)

// EventForwarder hands a USSD response to the delivery pipeline.
type EventForwarder interface {
	Forward(ctx context.Context, event domain.Event) error
}

type RunnerConfig struct {
	// ForwardResults sends each final response to the webhook destinations.
	ForwardResults bool
}

// Runner executes one remote job end to end. Every failure is terminal for
// the job; callbacks that fail are logged and not retried.
type Runner struct {
	api       JobAPI
	dialer    Dialer
	forwarder EventForwarder
	cfg       RunnerConfig
	logger    *zap.Logger
	metrics   *observability.Metrics
	now       func() time.Time
}

func NewRunner(api JobAPI, dialer Dialer, forwarder EventForwarder, cfg RunnerConfig, logger *zap.Logger) (*Runner, error) {
	if api == nil {
		return nil, fmt.Errorf("job api is required")
	}
	if dialer == nil {
		return nil, fmt.Errorf("dialer is required")
	}
	if cfg.ForwardResults && forwarder == nil {
		return nil, fmt.Errorf("event forwarder is required when forwarding results")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Runner{
		api:       api,
		dialer:    dialer,
		forwarder: forwarder,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}, nil
}

func (r *Runner) SetMetrics(metrics *observability.Metrics) {
	if r == nil {
		return
	}
	r.metrics = metrics
}

// Run fetches, dials and reports job jobID.
func (r *Runner) Run(ctx context.Context, jobID string) (Outcome, error) {
	logger := observability.LoggerFromContext(r.logger, ctx).With(zap.String("jobId", jobID))
	logger.Info("starting ussd job")

	job, err := r.api.GetJob(ctx, jobID)
	if err != nil {
		r.metrics.IncUSSDJob(ResultFetchFailed)
		logger.Error("all attempts to fetch job failed", zap.Error(err))
		return Outcome{}, fmt.Errorf("failed to fetch job: %w", err)
	}

	sequence, err := job.Sequence()
	if err != nil {
		r.metrics.IncUSSDJob(ResultInvalid)
		logger.Error("job has no usable sequence", zap.Error(err))
		return Outcome{}, err
	}
	slot := job.Slot()
	logger.Info("dialing ussd sequence", zap.String("sequence", sequence), zap.Int("simSlot", slot))

	outcome, err := r.dialer.Run(ctx, sequence, slot)
	if err != nil {
		r.metrics.IncUSSDJob(ResultDialFailed)
		logger.Error("ussd dial failed", zap.Error(err))
		return Outcome{}, fmt.Errorf("failed to run ussd sequence: %w", err)
	}
	if outcome.Sequence == "" {
		outcome.Sequence = sequence
	}
	if outcome.Timestamp == 0 {
		outcome.Timestamp = r.now().UnixMilli()
	}

	for _, step := range outcome.Steps {
		logger.Debug("ussd step",
			zap.Int("step", step.StepNumber),
			zap.String("input", step.StepInput),
			zap.Bool("success", step.Success),
		)
	}

	// Callbacks run after shutdown begins so a finished dial is still reported.
	callbackCtx := context.WithoutCancel(ctx)
	if err := r.api.Complete(callbackCtx, jobID, outcome); err != nil {
		logger.Error("failed to complete job", zap.Error(err))
	}
	if err := r.api.SendResponse(callbackCtx, jobID, outcome); err != nil {
		logger.Error("failed to send ussd response", zap.Error(err))
	}

	if r.cfg.ForwardResults {
		r.forward(callbackCtx, job, outcome, slot, logger)
	}

	result := ResultSuccess
	if !outcome.Success {
		result = ResultFailed
	}
	r.metrics.IncUSSDJob(result)
	logger.Info("ussd job finished", zap.Bool("success", outcome.Success), zap.Int("steps", len(outcome.Steps)))
	return outcome, nil
}

func (r *Runner) forward(ctx context.Context, job Job, outcome Outcome, slot int, logger *zap.Logger) {
	if strings.TrimSpace(outcome.Response) == "" {
		return
	}

	sender := strings.TrimSpace(job.Code)
	if sender == "" {
		sender, _, _ = strings.Cut(outcome.Sequence, stepSeparator)
	}

	err := r.forwarder.Forward(ctx, domain.Event{
		Kind:       domain.EventKindUSSD,
		Sender:     sender,
		Body:       outcome.Response,
		Timestamp:  time.UnixMilli(outcome.Timestamp).UTC(),
		OriginSlot: slot,
	})
	if err != nil {
		logger.Error("failed to forward ussd response", zap.Error(err))
	}
}
