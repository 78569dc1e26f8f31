package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/promptd/internal/domain"
	"github.com/phrazzld/promptd/internal/metrics"
	"github.com/phrazzld/promptd/internal/queue"
	"github.com/phrazzld/promptd/internal/redact"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Broker implements queue.Broker over one AMQP connection. Publishing goes
// through a dedicated confirm-mode channel; every subscription opens its
// own consumer channel.
type Broker struct {
	conn    *amqp.Connection
	cfg     queue.Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	pubMu sync.Mutex
	pub   *amqp.Channel
}

var (
	_ queue.Broker           = (*Broker)(nil)
	_ queue.DeadLetterReader = (*Broker)(nil)
	_ queue.Pinger           = (*Broker)(nil)
)

// Dial connects to url, declares the topology and puts the publishing
// channel into confirm mode.
func Dial(ctx context.Context, url string, cfg queue.Config, logger *slog.Logger, m *metrics.Metrics) (*Broker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid queue config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "rabbitmq_broker")

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %s", redact.Error(err))
	}

	b := &Broker{conn: conn, cfg: cfg, logger: logger, metrics: m}
	if err := b.init(); err != nil {
		_ = conn.Close()
		return nil, err
	}

	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		if err, ok := <-closed; ok && err != nil {
			logger.Error("rabbitmq connection closed",
				"error", redact.Error(err),
				"code", err.Code)
		}
	}()

	logger.InfoContext(ctx, "rabbitmq topology ready",
		"exchange", cfg.Exchange,
		"queue", cfg.Queue,
		"dead_letter_queue", cfg.DeadLetterQueue,
		"retry_queue", cfg.RetryQueue)
	return b, nil
}

func (b *Broker) init() error {
	ch, err := b.conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	if err := Setup(ch, b.cfg); err != nil {
		_ = ch.Close()
		return err
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return fmt.Errorf("enable publisher confirms: %w", err)
	}
	b.pub = ch
	return nil
}

// Ping implements queue.Pinger. AMQP heartbeats keep IsClosed current, so
// no round trip is made.
func (b *Broker) Ping(ctx context.Context) error {
	if b.conn.IsClosed() {
		return queue.ErrClosed
	}
	return nil
}

// publish sends one message and waits for the broker's confirmation.
func (b *Broker) publish(ctx context.Context, exchange, key string, msg amqp.Publishing) error {
	b.pubMu.Lock()
	dc, err := b.pub.PublishWithDeferredConfirmWithContext(ctx, exchange, key, false, false, msg)
	b.pubMu.Unlock()
	if err != nil {
		if errors.Is(err, amqp.ErrClosed) {
			return queue.ErrClosed
		}
		return fmt.Errorf("publish to %q/%s: %w", exchange, key, err)
	}

	acked, err := dc.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("await publisher confirm: %w", err)
	}
	if !acked {
		return fmt.Errorf("broker rejected message for %q/%s", exchange, key)
	}
	return nil
}

// Publish implements queue.Broker.
func (b *Broker) Publish(ctx context.Context, msg domain.PromptMessage) error {
	body, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("encode prompt message: %w", err)
	}
	now := time.Now()
	p := newPublishing(body, amqp.Table{
		headerAttempt:      int64(0),
		headerFirstPublish: now.UnixMilli(),
	}, now)
	p.MessageId = uuid.NewString()
	return b.publish(ctx, b.cfg.Exchange, b.cfg.Queue, p)
}

// Subscribe implements queue.Broker.
func (b *Broker) Subscribe(ctx context.Context, name string) (queue.Subscription, error) {
	ch, err := b.conn.Channel()
	if err != nil {
		if errors.Is(err, amqp.ErrClosed) {
			return nil, queue.ErrClosed
		}
		return nil, fmt.Errorf("open consumer channel: %w", err)
	}
	if err := ch.Qos(b.cfg.Prefetch, 0, false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("set prefetch: %w", err)
	}

	deliveries, err := ch.ConsumeWithContext(ctx, b.cfg.Queue, name, false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("consume %s: %w", b.cfg.Queue, err)
	}

	return &subscription{
		broker:     b,
		ch:         ch,
		name:       name,
		deliveries: deliveries,
		open:       make(map[string]amqp.Delivery),
	}, nil
}

// Close implements queue.Broker.
func (b *Broker) Close() error {
	if b.conn.IsClosed() {
		return nil
	}
	return b.conn.Close()
}

// DeadLetters peeks at the dead-letter queue. Messages are fetched without
// acknowledgement and returned to the queue when the peek channel closes.
func (b *Broker) DeadLetters(ctx context.Context, limit int) ([]domain.DeadLetterRecord, error) {
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open peek channel: %w", err)
	}
	defer ch.Close()

	var out []domain.DeadLetterRecord
	for limit < 0 || len(out) < limit {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		d, ok, err := ch.Get(b.cfg.DeadLetterQueue, false)
		if err != nil {
			return out, fmt.Errorf("get from %s: %w", b.cfg.DeadLetterQueue, err)
		}
		if !ok {
			break
		}
		out = append(out, deadLetterRecord(d))
	}
	return out, nil
}

func deadLetterRecord(d amqp.Delivery) domain.DeadLetterRecord {
	rec := domain.DeadLetterRecord{
		Payload:      d.Body,
		FailureCount: headerInt(d.Headers, headerFailureCount),
		LastError:    headerString(d.Headers, headerLastError),
		Reason:       headerString(d.Headers, headerReason),
	}
	if ms := headerInt(d.Headers, headerDeadLettered); ms > 0 {
		rec.DeadLetteredAt = time.UnixMilli(int64(ms)).UTC()
	}
	if rec.Reason == "" {
		// Dead-lettered by the broker itself (TTL or overflow).
		rec.Reason = queue.ReasonExpired
		rec.DeadLetteredAt = d.Timestamp
	}
	return rec
}

type subscription struct {
	broker     *Broker
	ch         *amqp.Channel
	name       string
	deliveries <-chan amqp.Delivery

	mu   sync.Mutex
	open map[string]amqp.Delivery
}

func (s *subscription) Next(ctx context.Context) (*queue.Lease, error) {
	b := s.broker
	for {
		var (
			d  amqp.Delivery
			ok bool
		)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case d, ok = <-s.deliveries:
		}
		if !ok {
			return nil, queue.ErrClosed
		}

		now := time.Now()
		attempt := attemptOf(d)
		id := strconv.FormatUint(d.DeliveryTag, 10)

		if b.cfg.MessageTTL > 0 && now.Sub(firstPublished(d)) >= b.cfg.MessageTTL {
			s.deadLetter(ctx, d, attempt-1, headerString(d.Headers, headerLastError), queue.ReasonExpired)
			continue
		}
		if attempt > b.cfg.MaxDeliveries {
			lastError := headerString(d.Headers, headerLastError)
			if lastError == "" {
				lastError = "consumer timeout expired"
			}
			s.deadLetter(ctx, d, attempt-1, lastError, queue.ReasonMaxDeliveries)
			continue
		}
		msg, err := domain.DecodePromptMessage(d.Body)
		if err != nil {
			s.deadLetter(ctx, d, attempt, redact.Error(err), queue.ReasonMalformed)
			continue
		}

		s.mu.Lock()
		s.open[id] = d
		s.mu.Unlock()

		return &queue.Lease{
			ID:           id,
			Message:      msg,
			Payload:      d.Body,
			Attempt:      attempt,
			MaxAttempts:  b.cfg.MaxDeliveries,
			DeliveredAt:  now,
			VisibleUntil: now.Add(b.cfg.VisibilityTimeout),
		}, nil
	}
}

// deadLetter routes d to the dead-letter queue with failure headers and
// acknowledges the original. If the publish fails the delivery is
// rejected instead, which still dead-letters it through the queue's DLX,
// only without the headers.
func (s *subscription) deadLetter(ctx context.Context, d amqp.Delivery, attempts int, lastError, reason string) {
	b := s.broker
	p := deadLetterPublishing(d.Body, d.MessageId, attempts, lastError, reason, time.Now())
	if err := b.publish(ctx, b.cfg.DeadLetterExchange, b.cfg.DeadLetterQueue, p); err != nil {
		b.logger.ErrorContext(ctx, "failed to publish dead letter, rejecting delivery",
			"error", redact.Error(err),
			"message_id", d.MessageId)
		_ = d.Reject(false)
	} else if err := d.Ack(false); err != nil {
		b.logger.WarnContext(ctx, "failed to ack dead-lettered delivery",
			"error", redact.Error(err),
			"message_id", d.MessageId)
	}
	b.metrics.IncDeadLettered(reason)
	b.logger.WarnContext(ctx, "message dead-lettered",
		"message_id", d.MessageId,
		"reason", reason,
		"attempts", attempts)
}

func (s *subscription) take(lease *queue.Lease) (amqp.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.open[lease.ID]
	if !ok {
		return amqp.Delivery{}, queue.ErrUnknownLease
	}
	delete(s.open, lease.ID)
	return d, nil
}

// settleErr maps a failed ack on a dead channel to ErrLeaseExpired; the
// broker requeues everything unacknowledged on a closed channel.
func settleErr(err error) error {
	if errors.Is(err, amqp.ErrClosed) {
		return queue.ErrLeaseExpired
	}
	return err
}

func (s *subscription) Ack(ctx context.Context, lease *queue.Lease) error {
	d, err := s.take(lease)
	if err != nil {
		return err
	}
	if err := d.Ack(false); err != nil {
		return settleErr(err)
	}
	return nil
}

func (s *subscription) Nack(ctx context.Context, lease *queue.Lease, requeue bool, cause error) error {
	d, err := s.take(lease)
	if err != nil {
		return err
	}
	b := s.broker
	lastError := redact.Error(cause)

	if !requeue {
		s.deadLetter(ctx, d, lease.Attempt, lastError, queue.ReasonRejected)
		return nil
	}
	if lease.Attempt >= b.cfg.MaxDeliveries {
		s.deadLetter(ctx, d, lease.Attempt, lastError, queue.ReasonMaxDeliveries)
		return nil
	}

	delay := b.cfg.Backoff.Delay(lease.Attempt)
	p := retryPublishing(d, lease.Attempt, delay, lastError, time.Now())
	if err := b.publish(ctx, "", b.cfg.RetryQueue, p); err != nil {
		// Leave it to the broker's redelivery rather than lose it.
		_ = d.Nack(false, true)
		return fmt.Errorf("park message in retry queue: %w", err)
	}
	if err := d.Ack(false); err != nil {
		return settleErr(err)
	}
	return nil
}

// Close cancels the consumer and closes its channel; unacknowledged
// deliveries return to the queue.
func (s *subscription) Close() error {
	if err := s.ch.Cancel(s.name, false); err != nil && !errors.Is(err, amqp.ErrClosed) {
		s.broker.logger.Warn("failed to cancel consumer", "consumer", s.name, "error", err)
	}
	if err := s.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return fmt.Errorf("close consumer channel: %w", err)
	}
	return nil
}
