package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	amqp "github.com/rabbitmq/amqp091-go"
)

const jobMessageType = "ussd.job.run"

// JobPublisher publishes job triggers in confirm mode: Publish returns only
// after the broker has taken responsibility for the message.
type JobPublisher struct {
	broker *Broker
	now    func() time.Time
}

func NewJobPublisher(broker *Broker) *JobPublisher {
	return &JobPublisher{broker: broker, now: time.Now}
}

func (p *JobPublisher) Publish(ctx context.Context, queue string, msg JobMessage) error {
	if p == nil || p.broker == nil {
		return fmt.Errorf("publisher is not initialized")
	}
	if queue == "" {
		return fmt.Errorf("queue name is required")
	}
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("invalid job message: %w", err)
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal job message: %w", err)
	}

	ch, err := p.broker.channel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close() //nolint:errcheck

	if err := ch.Confirm(false); err != nil {
		return fmt.Errorf("failed to enable publisher confirms: %w", err)
	}

	confirm, err := ch.PublishWithDeferredConfirmWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		Type:          jobMessageType,
		Timestamp:     p.now().UTC(),
		MessageId:     msg.JobID,
		CorrelationId: msg.CorrelationID,
		Body:          payload,
	})
	if err != nil {
		return fmt.Errorf("failed to publish job %s to %q: %w", msg.JobID, queue, err)
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("waiting for broker confirm of job %s: %w", msg.JobID, err)
	}
	if !acked {
		return fmt.Errorf("broker nacked job %s", msg.JobID)
	}
	return nil
}
