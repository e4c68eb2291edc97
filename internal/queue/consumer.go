package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/goccy/go-json"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// JobConsumer delivers job messages to a handler one at a time per prefetch
// slot. A message that fails twice is dead-lettered instead of requeued again.
type JobConsumer struct {
	broker   *Broker
	prefetch int
	logger   *zap.Logger
}

func NewJobConsumer(broker *Broker, prefetch int, logger *zap.Logger) *JobConsumer {
	if prefetch < 1 {
		prefetch = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &JobConsumer{
		broker:   broker,
		prefetch: prefetch,
		logger:   logger,
	}
}

// Consume blocks until ctx is cancelled, resubscribing with backoff whenever
// the channel drops.
func (c *JobConsumer) Consume(ctx context.Context, queue string, handler MessageHandler) error {
	if c == nil || c.broker == nil {
		return fmt.Errorf("consumer is not initialized")
	}
	if queue == "" {
		return fmt.Errorf("queue name is required")
	}
	if handler == nil {
		return fmt.Errorf("message handler is required")
	}

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = reconnectInterval
	retry.MaxInterval = maxReconnectBackoff

	for {
		err := c.consumeOnce(ctx, queue, handler)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			retry.Reset()
			continue
		}

		wait := retry.NextBackOff()
		c.logger.Warn("job consumer interrupted",
			zap.String("queue", queue),
			zap.Error(err),
			zap.Duration("retryIn", wait),
		)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

func (c *JobConsumer) consumeOnce(ctx context.Context, queue string, handler MessageHandler) error {
	ch, err := c.broker.channel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close() //nolint:errcheck

	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set qos: %w", err)
	}

	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to consume queue %q: %w", queue, err)
	}
	c.logger.Info("job consumer subscribed", zap.String("queue", queue), zap.Int("prefetch", c.prefetch))

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel closed")
			}
			if err := c.handleDelivery(ctx, d, handler); err != nil {
				return err
			}
		}
	}
}

func (c *JobConsumer) handleDelivery(ctx context.Context, d amqp.Delivery, handler MessageHandler) error {
	var msg JobMessage
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		return c.reject(d, "invalid json", zap.Error(err), zap.String("messageId", d.MessageId))
	}
	if err := msg.Validate(); err != nil {
		return c.reject(d, "invalid job message", zap.Error(err), zap.String("messageId", d.MessageId))
	}
	if msg.CorrelationID == "" {
		msg.CorrelationID = d.CorrelationId
	}

	err := handler(ctx, msg)
	switch {
	case err == nil:
		if ackErr := d.Ack(false); ackErr != nil {
			return fmt.Errorf("failed to ack job %s: %w", msg.JobID, ackErr)
		}
		return nil
	case errors.Is(err, ErrRejected):
		return c.reject(d, "job rejected", zap.Error(err), zap.String("jobId", msg.JobID))
	case d.Redelivered:
		return c.reject(d, "job failed on redelivery", zap.Error(err), zap.String("jobId", msg.JobID))
	}

	c.logger.Warn("requeueing job message", zap.Error(err), zap.String("jobId", msg.JobID))
	if nackErr := d.Nack(false, true); nackErr != nil {
		return fmt.Errorf("failed to requeue job %s: %w", msg.JobID, nackErr)
	}
	return nil
}

// reject dead-letters d.
func (c *JobConsumer) reject(d amqp.Delivery, reason string, fields ...zap.Field) error {
	c.logger.Warn("dead-lettering message: "+reason, fields...)
	if err := d.Reject(false); err != nil {
		return fmt.Errorf("failed to reject message: %w", err)
	}
	return nil
}
