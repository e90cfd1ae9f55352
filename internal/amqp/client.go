package amqp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	applog "finsync/internal/log"

	"github.com/rabbitmq/amqp091-go"
)

// Circuit breaker states
const (
	StateClosed int32 = iota
	StateOpen
	StateHalfOpen
)

const (
	maxFailures    = 5
	openTimeout    = 30 * time.Second
	maxBackoff     = 30 * time.Second
	publishTimeout = 5 * time.Second
)

// ErrReject tells the consumer to drop a message instead of requeueing it.
// Handlers wrap it around failures a redelivery cannot fix.
var ErrReject = errors.New("reject message")

type Client struct {
	url          string
	exchangeName string
	queueName    string
	resultQueue  string

	mu      sync.Mutex
	conn    *amqp091.Connection
	channel *amqp091.Channel

	state        int32
	failureCount int64
	lastFailure  time.Time
}

// NewClient connects and declares the exchange, the request queue and, when
// resultQueue is not empty, the result queue.
func NewClient(url, exchangeName, queueName, resultQueue string) (*Client, error) {
	client := &Client{
		url:          url,
		exchangeName: exchangeName,
		queueName:    queueName,
		resultQueue:  resultQueue,
	}
	if _, err := client.ensureChannel(); err != nil {
		return nil, err
	}
	return client, nil
}

// ensureChannel returns the open channel, reconnecting if the broker dropped it.
func (c *Client) ensureChannel() (*amqp091.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.channel != nil && !c.channel.IsClosed() {
		return c.channel, nil
	}
	c.closeLocked()

	conn, err := amqp091.Dial(c.url)
	if err != nil {
		return nil, fmt.Errorf("dial AMQP: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	c.conn, c.channel = conn, channel

	if err := c.setup(); err != nil {
		c.closeLocked()
		return nil, fmt.Errorf("setup exchange and queue: %w", err)
	}
	return channel, nil
}

func (c *Client) setup() error {
	// Declare exchange
	err := c.channel.ExchangeDeclare(
		c.exchangeName, // name
		"direct",       // type
		true,           // durable
		false,          // auto-deleted
		false,          // internal
		false,          // no-wait
		nil,            // arguments
	)
	if err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}

	queues := []string{c.queueName}
	if c.resultQueue != "" {
		queues = append(queues, c.resultQueue)
	}
	for _, q := range queues {
		if _, err := c.channel.QueueDeclare(
			q,     // name
			true,  // durable
			false, // delete when unused
			false, // exclusive
			false, // no-wait
			nil,   // arguments
		); err != nil {
			return fmt.Errorf("declare queue %s: %w", q, err)
		}
		// Routing key is the queue name on a direct exchange
		if err := c.channel.QueueBind(q, q, c.exchangeName, false, nil); err != nil {
			return fmt.Errorf("bind queue %s: %w", q, err)
		}
	}
	return nil
}

// PublishSyncRequest publishes a sync request for the worker.
func (c *Client) PublishSyncRequest(ctx context.Context, msg *SyncRequestMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := msg.ToJSON()
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if err := c.publish(ctx, c.queueName, body); err != nil {
		return err
	}
	slog.InfoContext(ctx, "Published sync request",
		applog.FieldComponent, applog.ComponentAMQP,
		applog.FieldUserID, msg.UserID,
		applog.FieldReason, msg.Reason,
		"kinds", msg.Kinds,
		"queue", c.queueName)
	return nil
}

// PublishSyncResult publishes the outcome of a pass. It is a no-op when the
// client has no result queue.
func (c *Client) PublishSyncResult(ctx context.Context, msg *SyncResultMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.resultQueue == "" {
		return nil
	}
	body, err := msg.ToJSON()
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	return c.publish(ctx, c.resultQueue, body)
}

func (c *Client) publish(ctx context.Context, routingKey string, body []byte) error {
	if c.isCircuitOpen() {
		return fmt.Errorf("publish to %s: circuit breaker is open", routingKey)
	}

	channel, err := c.ensureChannel()
	if err != nil {
		c.recordFailure()
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	err = channel.PublishWithContext(
		ctx,
		c.exchangeName, // exchange
		routingKey,     // routing key
		false,          // mandatory
		false,          // immediate
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
	if err != nil {
		if isConnectionError(err) {
			c.recordFailure()
			c.mu.Lock()
			c.closeLocked()
			c.mu.Unlock()
		}
		return fmt.Errorf("publish message: %w", err)
	}
	c.recordSuccess()
	return nil
}

// ConsumeSyncRequests delivers requests to handler until ctx is done,
// reconnecting with backoff when the broker goes away. A message is acked when
// handler succeeds, dropped when it is malformed or handler returns an error
// wrapping ErrReject, and requeued otherwise.
func (c *Client) ConsumeSyncRequests(ctx context.Context, handler func(context.Context, *SyncRequestMessage) error) error {
	attempt := 0
	for {
		msgs, err := c.consume()
		if err != nil {
			wait := exponentialBackoff(attempt)
			attempt++
			slog.WarnContext(ctx, "Cannot consume, retrying",
				applog.FieldComponent, applog.ComponentAMQP,
				applog.FieldAttempt, attempt,
				"wait", wait,
				applog.FieldError, err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			continue
		}
		attempt = 0

		slog.InfoContext(ctx, "Started consuming sync requests",
			applog.FieldComponent, applog.ComponentAMQP,
			"queue", c.queueName)

		if err := c.drain(ctx, msgs, handler); err != nil {
			return err
		}
		slog.WarnContext(ctx, "Delivery channel closed, reconnecting",
			applog.FieldComponent, applog.ComponentAMQP)
	}
}

func (c *Client) consume() (<-chan amqp091.Delivery, error) {
	channel, err := c.ensureChannel()
	if err != nil {
		return nil, err
	}
	// One request at a time; passes for the same user coalesce anyway.
	if err := channel.Qos(1, 0, false); err != nil {
		return nil, fmt.Errorf("set qos: %w", err)
	}
	msgs, err := channel.Consume(
		c.queueName, // queue
		"",          // consumer
		false,       // auto-ack (we want manual ack)
		false,       // exclusive
		false,       // no-local
		false,       // no-wait
		nil,         // args
	)
	if err != nil {
		return nil, fmt.Errorf("start consuming: %w", err)
	}
	return msgs, nil
}

// drain handles deliveries until msgs closes (nil) or ctx is done (ctx.Err()).
func (c *Client) drain(ctx context.Context, msgs <-chan amqp091.Delivery, handler func(context.Context, *SyncRequestMessage) error) error {
	for {
		select {
		case <-ctx.Done():
			slog.InfoContext(ctx, "Stopping message consumption",
				applog.FieldComponent, applog.ComponentAMQP,
				applog.FieldReason, ctx.Err())
			return ctx.Err()
		case delivery, ok := <-msgs:
			if !ok {
				return nil
			}
			c.handleDelivery(ctx, delivery, handler)
		}
	}
}

func (c *Client) handleDelivery(ctx context.Context, delivery amqp091.Delivery, handler func(context.Context, *SyncRequestMessage) error) {
	msg, err := SyncRequestMessageFromJSON(delivery.Body)
	if err != nil {
		slog.ErrorContext(ctx, "Dropping malformed sync request",
			applog.FieldComponent, applog.ComponentAMQP,
			applog.FieldErrorType, applog.ErrorTypeValidation,
			applog.FieldError, err)
		nack(ctx, delivery, false)
		return
	}

	logger := applog.FromContext(ctx).With(
		"delivery_tag", delivery.DeliveryTag,
		applog.FieldUserID, msg.UserID,
		applog.FieldReason, msg.Reason)
	ctx = applog.WithContext(ctx, logger)

	if err := handler(ctx, msg); err != nil {
		requeue := !errors.Is(err, ErrReject)
		slog.ErrorContext(ctx, "Failed to handle sync request",
			applog.FieldComponent, applog.ComponentAMQP,
			applog.FieldUserID, msg.UserID,
			"requeue", requeue,
			applog.FieldError, err)
		nack(ctx, delivery, requeue)
		return
	}

	if err := delivery.Ack(false); err != nil {
		slog.ErrorContext(ctx, "Failed to ack message",
			applog.FieldComponent, applog.ComponentAMQP,
			applog.FieldError, err)
	}
}

func nack(ctx context.Context, delivery amqp091.Delivery, requeue bool) {
	if err := delivery.Nack(false, requeue); err != nil {
		slog.ErrorContext(ctx, "Failed to nack message",
			applog.FieldComponent, applog.ComponentAMQP,
			applog.FieldError, err)
	}
}

func (c *Client) isCircuitOpen() bool {
	if atomic.LoadInt32(&c.state) != StateOpen {
		return false
	}
	c.mu.Lock()
	last := c.lastFailure
	c.mu.Unlock()
	if time.Since(last) > openTimeout {
		atomic.CompareAndSwapInt32(&c.state, StateOpen, StateHalfOpen)
		return false
	}
	return true
}

func (c *Client) recordSuccess() {
	atomic.StoreInt64(&c.failureCount, 0)
	atomic.StoreInt32(&c.state, StateClosed)
}

func (c *Client) recordFailure() {
	c.mu.Lock()
	c.lastFailure = time.Now()
	c.mu.Unlock()
	if atomic.AddInt64(&c.failureCount, 1) >= maxFailures {
		if atomic.SwapInt32(&c.state, StateOpen) != StateOpen {
			slog.Warn("AMQP circuit breaker opened",
				applog.FieldComponent, applog.ComponentAMQP,
				"failures", atomic.LoadInt64(&c.failureCount))
		}
	}
}

// exponentialBackoff returns 1s doubled per attempt, capped at maxBackoff.
func exponentialBackoff(attempt int) time.Duration {
	d := time.Second
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	return d
}

func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, amqp091.ErrClosed) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"connection", "eof", "broken pipe", "closed"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

func (c *Client) closeLocked() {
	if c.channel != nil {
		c.channel.Close()
		c.channel = nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
	return nil
}
