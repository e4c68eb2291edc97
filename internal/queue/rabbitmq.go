package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	dlxExchangeName     = "smshook.dlx"
	initialDialTimeout  = 15 * time.Second
	reconnectInterval   = time.Second
	maxReconnectBackoff = 30 * time.Second
)

var errBrokerClosed = errors.New("broker connection is closed")

// Broker owns the AMQP connection shared by the job publisher and consumer.
// Topology is declared once per connection.
type Broker struct {
	url    string
	logger *zap.Logger

	mu       sync.Mutex
	conn     *amqp.Connection
	declared bool
	closed   bool
}

// NewBroker dials url, retrying with exponential backoff for up to 15s.
func NewBroker(ctx context.Context, url string, logger *zap.Logger) (*Broker, error) {
	if strings.TrimSpace(url) == "" {
		return nil, fmt.Errorf("rabbitmq url is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	b := &Broker{url: url, logger: logger}

	dialCtx, cancel := context.WithTimeout(ctx, initialDialTimeout)
	defer cancel()

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.connectLocked(dialCtx); err != nil {
		return nil, err
	}
	return b, nil
}

// Ping reports whether the connection is currently open.
func (b *Broker) Ping(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.conn == nil || b.conn.IsClosed() {
		return errBrokerClosed
	}
	return nil
}

func (b *Broker) Close() error {
	b.mu.Lock()
	conn := b.conn
	b.conn = nil
	b.closed = true
	b.mu.Unlock()

	if conn == nil || conn.IsClosed() {
		return nil
	}
	return conn.Close()
}

// channel opens a channel, reconnecting first when the connection dropped.
func (b *Broker) channel(ctx context.Context) (*amqp.Channel, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, errBrokerClosed
	}
	if b.conn == nil || b.conn.IsClosed() {
		if err := b.connectLocked(ctx); err != nil {
			return nil, err
		}
	}

	ch, err := b.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open rabbitmq channel: %w", err)
	}

	if !b.declared {
		if err := declareTopology(ch); err != nil {
			_ = ch.Close()
			return nil, err
		}
		b.declared = true
	}
	return ch, nil
}

func (b *Broker) connectLocked(ctx context.Context) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = reconnectInterval
	policy.MaxInterval = maxReconnectBackoff

	conn, err := backoff.Retry(ctx, func() (*amqp.Connection, error) {
		return amqp.Dial(b.url)
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, wait time.Duration) {
			b.logger.Warn("rabbitmq dial failed, retrying", zap.Error(err), zap.Duration("wait", wait))
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}

	if b.conn != nil && !b.conn.IsClosed() {
		_ = b.conn.Close()
	}
	b.conn = conn
	b.declared = false
	b.logger.Info("rabbitmq connected")
	return nil
}

// declareTopology declares every work queue with a dead-letter queue bound
// through the shared DLX under the work queue's name.
func declareTopology(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(dlxExchangeName, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare dlx exchange: %w", err)
	}

	for _, name := range WorkQueueNames() {
		dlq := DLQName(name)
		if _, err := ch.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
			return fmt.Errorf("failed to declare dlq %q: %w", dlq, err)
		}
		if err := ch.QueueBind(dlq, name, dlxExchangeName, false, nil); err != nil {
			return fmt.Errorf("failed to bind dlq %q: %w", dlq, err)
		}
		if _, err := ch.QueueDeclare(name, true, false, false, false, workQueueArgs(name)); err != nil {
			return fmt.Errorf("failed to declare queue %q: %w", name, err)
		}
	}
	return nil
}

func workQueueArgs(name string) amqp.Table {
	return amqp.Table{
		"x-dead-letter-exchange":    dlxExchangeName,
		"x-dead-letter-routing-key": name,
	}
}
