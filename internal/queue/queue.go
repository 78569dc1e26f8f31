package queue

import (
	"context"
	"errors"
	"time"

	"github.com/phrazzld/promptd/internal/domain"
)

var (
	// ErrClosed is returned by operations on a closed broker or subscription.
	ErrClosed = errors.New("queue closed")

	// ErrLeaseExpired is returned when a lease is settled after its
	// visibility timeout passed and the message was handed out again.
	ErrLeaseExpired = errors.New("lease expired")

	// ErrUnknownLease is returned when a lease does not belong to the
	// subscription it is settled on.
	ErrUnknownLease = errors.New("unknown lease")
)

// Dead-letter reasons recorded on DeadLetterRecord.Reason.
const (
	ReasonRejected      = "rejected"
	ReasonMaxDeliveries = "max_deliveries"
	ReasonExpired       = "expired"
	ReasonMalformed     = "malformed"
)

// Broker publishes prompt messages and opens subscriptions on the work
// queue.
type Broker interface {
	// Publish enqueues msg. It returns once the broker has accepted the
	// message durably.
	Publish(ctx context.Context, msg domain.PromptMessage) error

	// Subscribe opens a consumer named name on the work queue.
	Subscribe(ctx context.Context, name string) (Subscription, error)

	// Close releases broker resources. Open subscriptions stop delivering.
	Close() error
}

// Subscription delivers leases to one consumer.
type Subscription interface {
	// Next blocks until a message is available, ctx is done or the
	// subscription is closed. Payloads that cannot be decoded are
	// dead-lettered by the backend and never returned.
	Next(ctx context.Context) (*Lease, error)

	// Ack removes the message from the queue.
	Ack(ctx context.Context, lease *Lease) error

	// Nack rejects the message. With requeue set and delivery budget left
	// it is redelivered after a backoff delay; otherwise it is routed to
	// the dead-letter destination with cause as its last error.
	Nack(ctx context.Context, lease *Lease, requeue bool, cause error) error

	// Close stops the consumer. Unsettled leases become redeliverable.
	Close() error
}

// DeadLetterReader is implemented by backends that can list the
// dead-letter destination.
type DeadLetterReader interface {
	DeadLetters(ctx context.Context, limit int) ([]domain.DeadLetterRecord, error)
}

// Pinger is implemented by backends that can report whether their
// connection is usable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Lease is one delivery of a message to a consumer.
type Lease struct {
	// ID identifies the delivery within the backend.
	ID string

	Message domain.PromptMessage

	// Payload is the raw message body exactly as published.
	Payload []byte

	// Attempt is 1 on first delivery and grows with each redelivery.
	Attempt     int
	MaxAttempts int

	DeliveredAt  time.Time
	VisibleUntil time.Time
}

// Exhausted reports whether this is the last delivery the budget allows.
func (l *Lease) Exhausted() bool {
	return l.MaxAttempts > 0 && l.Attempt >= l.MaxAttempts
}
