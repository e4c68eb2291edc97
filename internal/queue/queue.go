package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// JobQueueName carries USSD job triggers.
const JobQueueName = "ussd.jobs"

// ErrRejected marks a message that must go to the dead-letter queue instead of
// being redelivered.
var ErrRejected = errors.New("message rejected")

// JobMessage asks the relay to run one remote USSD job.
type JobMessage struct {
	JobID         string `json:"jobId"`
	CorrelationID string `json:"correlationId,omitempty"`
}

func (m JobMessage) Validate() error {
	if strings.TrimSpace(m.JobID) == "" {
		return fmt.Errorf("jobId is required")
	}
	return nil
}

// Publisher publishes job messages to a queue.
type Publisher interface {
	Publish(ctx context.Context, queue string, msg JobMessage) error
}

// MessageHandler handles a consumed job message. Returning an error wrapping
// ErrRejected dead-letters the message; any other error requeues it once.
type MessageHandler func(ctx context.Context, msg JobMessage) error

// Consumer consumes job messages from a queue.
type Consumer interface {
	Consume(ctx context.Context, queue string, handler MessageHandler) error
}

// DLQName returns the dead-letter queue name, e.g. dlq.ussd.jobs.
func DLQName(queue string) string {
	return fmt.Sprintf("dlq.%s", queue)
}

// WorkQueueNames returns every work queue the relay consumes.
func WorkQueueNames() []string {
	return []string{JobQueueName}
}

// DLQNames returns the dead-letter queue of every work queue.
func DLQNames() []string {
	work := WorkQueueNames()
	queues := make([]string, 0, len(work))
	for _, q := range work {
		queues = append(queues, DLQName(q))
	}
	return queues
}
