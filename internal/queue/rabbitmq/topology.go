// Package rabbitmq is the AMQP 0-9-1 queue backend.
//
// Topology, declared idempotently by Setup:
//
//	exchange (direct) --queue name--> work queue
//	    work queue: x-queue-type=quorum, x-dead-letter-exchange=DLX,
//	                x-dead-letter-routing-key=DLQ, x-message-ttl, x-consumer-timeout
//	DLX (direct) --DLQ name--> dead-letter queue
//	retry queue: no consumers; per-message expiration dead-letters back to
//	             the exchange with the work queue's routing key
//
// Messages carry their delivery history in headers so the budget survives
// the trip through the retry queue.
package rabbitmq

import (
	"fmt"
	"time"

	"github.com/phrazzld/promptd/internal/queue"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Header names.
const (
	headerAttempt       = "x-attempt"
	headerFirstPublish  = "x-first-published"
	headerLastError     = "x-last-error"
	headerFailureCount  = "x-failure-count"
	headerReason        = "x-reason"
	headerDeadLettered  = "x-dead-lettered-at"
	headerDeliveryCount = "x-delivery-count"
)

// declarer is the subset of *amqp.Channel used to declare topology.
type declarer interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

func workQueueArgs(cfg queue.Config) amqp.Table {
	// Quorum queues stamp x-delivery-count on every broker-side
	// redelivery, so consumer timeouts count against the delivery budget.
	args := amqp.Table{
		"x-queue-type":              "quorum",
		"x-dead-letter-exchange":    cfg.DeadLetterExchange,
		"x-dead-letter-routing-key": cfg.DeadLetterQueue,
	}
	if cfg.MessageTTL > 0 {
		args["x-message-ttl"] = cfg.MessageTTL.Milliseconds()
	}
	if cfg.VisibilityTimeout > 0 {
		args["x-consumer-timeout"] = cfg.VisibilityTimeout.Milliseconds()
	}
	return args
}

func retryQueueArgs(cfg queue.Config) amqp.Table {
	return amqp.Table{
		"x-dead-letter-exchange":    cfg.Exchange,
		"x-dead-letter-routing-key": cfg.Queue,
	}
}

// Setup declares exchanges, queues and bindings. Declaring an existing
// entity with identical arguments is a no-op.
func Setup(ch declarer, cfg queue.Config) error {
	if err := ch.ExchangeDeclare(cfg.Exchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", cfg.Exchange, err)
	}
	if err := ch.ExchangeDeclare(cfg.DeadLetterExchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dead-letter exchange %s: %w", cfg.DeadLetterExchange, err)
	}

	queues := []struct {
		name string
		args amqp.Table
	}{
		{cfg.Queue, workQueueArgs(cfg)},
		{cfg.DeadLetterQueue, nil},
		{cfg.RetryQueue, retryQueueArgs(cfg)},
	}
	for _, q := range queues {
		if _, err := ch.QueueDeclare(q.name, true, false, false, false, q.args); err != nil {
			return fmt.Errorf("declare queue %s: %w", q.name, err)
		}
	}

	if err := ch.QueueBind(cfg.Queue, cfg.Queue, cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind %s to %s: %w", cfg.Queue, cfg.Exchange, err)
	}
	if err := ch.QueueBind(cfg.DeadLetterQueue, cfg.DeadLetterQueue, cfg.DeadLetterExchange, false, nil); err != nil {
		return fmt.Errorf("bind %s to %s: %w", cfg.DeadLetterQueue, cfg.DeadLetterExchange, err)
	}
	return nil
}

// headerInt reads an integer header in any of the widths AMQP tables use.
func headerInt(h amqp.Table, key string) int {
	switch v := h[key].(type) {
	case int:
		return v
	case int8:
		return int(v)
	case int16:
		return int(v)
	case int32:
		return int(v)
	case int64:
		return int(v)
	case uint8:
		return int(v)
	case uint16:
		return int(v)
	case uint32:
		return int(v)
	default:
		return 0
	}
}

func headerString(h amqp.Table, key string) string {
	s, _ := h[key].(string)
	return s
}

// attemptOf numbers a delivery. x-attempt counts deliveries that ended in
// a requeue through the retry queue; x-delivery-count, set by the quorum
// work queue, counts broker-side redeliveries after a consumer timeout.
// Without it (a classic queue declared elsewhere) only the redelivered
// flag is available, so repeated timeouts count once and only the message
// TTL ends the cycle.
func attemptOf(d amqp.Delivery) int {
	prior := headerInt(d.Headers, headerAttempt)
	if n, ok := d.Headers[headerDeliveryCount]; ok && n != nil {
		return prior + headerInt(d.Headers, headerDeliveryCount) + 1
	}
	if d.Redelivered {
		return prior + 2
	}
	return prior + 1
}

// firstPublished is the original publish time of the message.
func firstPublished(d amqp.Delivery) time.Time {
	if ms := headerInt(d.Headers, headerFirstPublish); ms > 0 {
		return time.UnixMilli(int64(ms))
	}
	if !d.Timestamp.IsZero() {
		return d.Timestamp
	}
	return time.Now()
}

// newPublishing builds a persistent JSON message.
func newPublishing(body []byte, headers amqp.Table, now time.Time) amqp.Publishing {
	return amqp.Publishing{
		Headers:      headers,
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    now,
		Body:         body,
	}
}

// retryPublishing is the copy of a failed delivery parked in the retry
// queue until its expiration sends it back to the work queue.
func retryPublishing(d amqp.Delivery, attempt int, delay time.Duration, lastError string, now time.Time) amqp.Publishing {
	headers := amqp.Table{
		headerAttempt:      int64(attempt),
		headerFirstPublish: firstPublished(d).UnixMilli(),
		headerLastError:    lastError,
	}
	p := newPublishing(d.Body, headers, now)
	p.MessageId = d.MessageId
	ms := delay.Milliseconds()
	if ms < 1 {
		ms = 1
	}
	p.Expiration = fmt.Sprintf("%d", ms)
	return p
}

// deadLetterPublishing is the record stored in the dead-letter queue.
func deadLetterPublishing(body []byte, messageID string, attempts int, lastError, reason string, now time.Time) amqp.Publishing {
	headers := amqp.Table{
		headerFailureCount: int64(attempts),
		headerLastError:    lastError,
		headerReason:       reason,
		headerDeadLettered: now.UnixMilli(),
	}
	p := newPublishing(body, headers, now)
	p.MessageId = messageID
	return p
}
