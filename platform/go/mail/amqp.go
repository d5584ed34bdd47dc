package mail

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// DefaultQueue carries rendered messages from the API to the mailer worker.
const DefaultQueue = "sata.mail.outbound"

// AMQPMailer enqueues messages on a durable queue. A message counts as sent once the broker accepted it.
type AMQPMailer struct {
	url   string
	queue string

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

var _ Mailer = (*AMQPMailer)(nil)

func NewAMQPMailer(url, queue string) (*AMQPMailer, error) {
	if url == "" {
		return nil, ErrNotConfigured
	}
	if queue == "" {
		queue = DefaultQueue
	}
	return &AMQPMailer{url: url, queue: queue}, nil
}

func (m *AMQPMailer) Send(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal mail: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	ch, err := m.channel()
	if err != nil {
		return err
	}

	err = ch.PublishWithContext(ctx, "", m.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	if err != nil {
		m.reset()
		return fmt.Errorf("publish mail: %w", err)
	}
	return nil
}

// channel returns the open channel, redialing after a broker disconnect. Callers hold mu.
func (m *AMQPMailer) channel() (*amqp.Channel, error) {
	if m.ch != nil && !m.ch.IsClosed() && m.conn != nil && !m.conn.IsClosed() {
		return m.ch, nil
	}
	m.reset()

	conn, err := amqp.Dial(m.url)
	if err != nil {
		return nil, fmt.Errorf("dial broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if _, err := ch.QueueDeclare(m.queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}

	m.conn, m.ch = conn, ch
	return ch, nil
}

func (m *AMQPMailer) reset() {
	if m.ch != nil {
		_ = m.ch.Close()
	}
	if m.conn != nil {
		_ = m.conn.Close()
	}
	m.conn, m.ch = nil, nil
}

// Close releases the broker connection.
func (m *AMQPMailer) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reset()
	return nil
}

// Consumer drains the queue into a delivering Mailer.
type Consumer struct {
	URL      string
	Queue    string
	Delivery Mailer
	Logger   *zap.Logger
}

// Run consumes until ctx is cancelled, reconnecting with exponential backoff.
func (c *Consumer) Run(ctx context.Context) error {
	if c.Delivery == nil {
		return errors.New("mail consumer: delivery mailer is required")
	}
	logger := c.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	queue := c.Queue
	if queue == "" {
		queue = DefaultQueue
	}

	backoff := time.Second
	for {
		err := c.consume(ctx, queue, logger)
		if ctx.Err() != nil {
			return nil
		}
		logger.Warn("mail consumer disconnected, retrying", zap.Error(err), zap.Duration("backoff", backoff))

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (c *Consumer) consume(ctx context.Context, queue string, logger *zap.Logger) error {
	conn, err := amqp.Dial(c.URL)
	if err != nil {
		return fmt.Errorf("dial broker: %w", err)
	}
	defer func() { _ = conn.Close() }()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.Qos(10, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}

	deliveries, err := ch.Consume(queue, "sata-mailer", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}
	logger.Info("mail consumer started", zap.String("queue", queue))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("delivery channel closed")
			}
			c.handle(ctx, d, logger)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, d amqp.Delivery, logger *zap.Logger) {
	var msg Message
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		logger.Error("discarding malformed mail message", zap.Error(err))
		_ = d.Reject(false)
		return
	}

	if err := c.Delivery.Send(ctx, msg); err != nil {
		// Requeue once; a redelivered message that fails again is dropped.
		requeue := !d.Redelivered && !errors.Is(err, ErrSandboxRecipient)
		logger.Error("mail delivery failed",
			zap.Strings("to", msg.To),
			zap.Bool("requeue", requeue),
			zap.Error(err),
		)
		_ = d.Nack(false, requeue)
		return
	}

	_ = d.Ack(false)
	logger.Info("mail delivered", zap.Strings("to", msg.To), zap.String("subject", msg.Subject))
}
