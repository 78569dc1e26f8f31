// Package memory is an in-process queue backend with real visibility
// timeouts, backoff and a dead-letter list. It is used for local runs and
// in tests; messages do not survive a restart.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/promptd/internal/domain"
	"github.com/phrazzld/promptd/internal/metrics"
	"github.com/phrazzld/promptd/internal/queue"
	"github.com/phrazzld/promptd/internal/redact"
)

type entry struct {
	id          string
	payload     []byte
	attempts    int
	lastError   string
	enqueuedAt  time.Time
	availableAt time.Time
	leaseUntil  time.Time
}

// Broker implements queue.Broker in process.
type Broker struct {
	cfg     queue.Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu       sync.Mutex
	ready    []*entry
	inflight map[string]*entry
	dead     []domain.DeadLetterRecord
	wake     chan struct{}
	closed   bool
}

var (
	_ queue.Broker           = (*Broker)(nil)
	_ queue.DeadLetterReader = (*Broker)(nil)
	_ queue.Pinger           = (*Broker)(nil)
)

// NewBroker creates an empty broker. m may be nil.
func NewBroker(cfg queue.Config, logger *slog.Logger, m *metrics.Metrics) (*Broker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid queue config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		cfg:      cfg,
		logger:   logger.With("component", "memory_broker"),
		metrics:  m,
		now:      time.Now,
		inflight: make(map[string]*entry),
		wake:     make(chan struct{}),
	}, nil
}

// Publish implements queue.Broker.
func (b *Broker) Publish(ctx context.Context, msg domain.PromptMessage) error {
	payload, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("encode prompt message: %w", err)
	}
	return b.PublishRaw(ctx, payload)
}

// PublishRaw enqueues an already encoded body as is.
func (b *Broker) PublishRaw(ctx context.Context, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return queue.ErrClosed
	}
	now := b.now()
	b.ready = append(b.ready, &entry{
		id:          uuid.NewString(),
		payload:     append([]byte(nil), payload...),
		enqueuedAt:  now,
		availableAt: now,
	})
	b.signalLocked()
	return nil
}

// Subscribe implements queue.Broker.
func (b *Broker) Subscribe(ctx context.Context, name string) (queue.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, queue.ErrClosed
	}
	return &subscription{broker: b, name: name, leases: make(map[string]bool)}, nil
}

// Close implements queue.Broker.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		b.signalLocked()
	}
	return nil
}

// Ping reports ErrClosed once the broker is closed.
func (b *Broker) Ping(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return queue.ErrClosed
	}
	return nil
}

// DeadLetters returns up to limit dead-lettered messages, oldest first.
func (b *Broker) DeadLetters(ctx context.Context, limit int) ([]domain.DeadLetterRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.dead)
	if limit >= 0 && limit < n {
		n = limit
	}
	out := make([]domain.DeadLetterRecord, n)
	copy(out, b.dead[:n])
	return out, nil
}

// Depth returns the number of ready and in-flight messages.
func (b *Broker) Depth() (ready, inflight int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.ready), len(b.inflight)
}

// signalLocked wakes every waiting consumer.
func (b *Broker) signalLocked() {
	close(b.wake)
	b.wake = make(chan struct{})
}

// sweepLocked returns expired leases to the ready list and drops messages
// that outlived the TTL.
func (b *Broker) sweepLocked(now time.Time) {
	for id, e := range b.inflight {
		if now.Before(e.leaseUntil) {
			continue
		}
		delete(b.inflight, id)
		b.logger.Warn("lease expired without settlement, message redeliverable",
			"message_id", id,
			"attempts", e.attempts)
		if e.attempts >= b.cfg.MaxDeliveries {
			e.lastError = "visibility timeout expired"
			b.deadLetterLocked(e, queue.ReasonMaxDeliveries, now)
			continue
		}
		e.availableAt = now
		b.ready = append(b.ready, e)
	}

	if b.cfg.MessageTTL <= 0 {
		return
	}
	kept := b.ready[:0]
	for _, e := range b.ready {
		if now.Sub(e.enqueuedAt) >= b.cfg.MessageTTL {
			b.deadLetterLocked(e, queue.ReasonExpired, now)
			continue
		}
		kept = append(kept, e)
	}
	b.ready = kept
}

func (b *Broker) deadLetterLocked(e *entry, reason string, now time.Time) {
	b.dead = append(b.dead, domain.DeadLetterRecord{
		Payload:        e.payload,
		FailureCount:   e.attempts,
		LastError:      e.lastError,
		Reason:         reason,
		DeadLetteredAt: now,
	})
	b.metrics.IncDeadLettered(reason)
	b.logger.Warn("message dead-lettered",
		"message_id", e.id,
		"reason", reason,
		"attempts", e.attempts)
}

// claimLocked hands out the first available message, or reports when the
// next one becomes available.
func (b *Broker) claimLocked(now time.Time) (*entry, time.Duration) {
	wait := time.Duration(-1)
	for i, e := range b.ready {
		if !now.Before(e.availableAt) {
			b.ready = append(b.ready[:i], b.ready[i+1:]...)
			e.attempts++
			e.leaseUntil = now.Add(b.cfg.VisibilityTimeout)
			b.inflight[e.id] = e
			return e, 0
		}
		if d := e.availableAt.Sub(now); wait < 0 || d < wait {
			wait = d
		}
	}
	for _, e := range b.inflight {
		if d := e.leaseUntil.Sub(now); wait < 0 || d < wait {
			wait = d
		}
	}
	return nil, wait
}

type subscription struct {
	broker *Broker
	name   string

	// leases and closed are guarded by broker.mu.
	leases map[string]bool
	closed bool
}

func (s *subscription) Next(ctx context.Context) (*queue.Lease, error) {
	b := s.broker
	for {
		b.mu.Lock()
		if b.closed || s.closed {
			b.mu.Unlock()
			return nil, queue.ErrClosed
		}
		now := b.now()
		b.sweepLocked(now)
		e, wait := b.claimLocked(now)
		if e != nil {
			lease, err := s.leaseLocked(e, now)
			b.mu.Unlock()
			if err != nil {
				continue
			}
			return lease, nil
		}
		wake := b.wake
		b.mu.Unlock()

		var (
			timer *time.Timer
			fire  <-chan time.Time
		)
		if wait >= 0 {
			timer = time.NewTimer(wait)
			fire = timer.C
		}
		select {
		case <-ctx.Done():
			stopTimer(timer)
			return nil, ctx.Err()
		case <-wake:
		case <-fire:
		}
		stopTimer(timer)
	}
}

// leaseLocked decodes a claimed entry. Undecodable payloads are
// dead-lettered and reported as an error so Next moves on.
func (s *subscription) leaseLocked(e *entry, now time.Time) (*queue.Lease, error) {
	b := s.broker
	msg, err := domain.DecodePromptMessage(e.payload)
	if err != nil {
		delete(b.inflight, e.id)
		e.lastError = redact.Error(err)
		b.deadLetterLocked(e, queue.ReasonMalformed, now)
		return nil, err
	}
	s.leases[e.id] = true
	return &queue.Lease{
		ID:           e.id,
		Message:      msg,
		Payload:      append([]byte(nil), e.payload...),
		Attempt:      e.attempts,
		MaxAttempts:  b.cfg.MaxDeliveries,
		DeliveredAt:  now,
		VisibleUntil: e.leaseUntil,
	}, nil
}

// settleLocked removes the in-flight entry the lease refers to.
func (s *subscription) settleLocked(lease *queue.Lease) (*entry, error) {
	b := s.broker
	if !s.leases[lease.ID] {
		return nil, queue.ErrUnknownLease
	}
	delete(s.leases, lease.ID)
	e, ok := b.inflight[lease.ID]
	if !ok || e.attempts != lease.Attempt {
		return nil, queue.ErrLeaseExpired
	}
	delete(b.inflight, lease.ID)
	return e, nil
}

func (s *subscription) Ack(ctx context.Context, lease *queue.Lease) error {
	b := s.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	_, err := s.settleLocked(lease)
	return err
}

func (s *subscription) Nack(ctx context.Context, lease *queue.Lease, requeue bool, cause error) error {
	b := s.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	e, err := s.settleLocked(lease)
	if err != nil {
		return err
	}
	if cause != nil {
		e.lastError = redact.Error(cause)
	}

	now := b.now()
	switch {
	case !requeue:
		b.deadLetterLocked(e, queue.ReasonRejected, now)
	case e.attempts >= b.cfg.MaxDeliveries:
		b.deadLetterLocked(e, queue.ReasonMaxDeliveries, now)
	default:
		e.availableAt = now.Add(b.cfg.Backoff.Delay(e.attempts))
		b.ready = append(b.ready, e)
		b.signalLocked()
	}
	return nil
}

// Close returns every unsettled lease of this subscription to the queue.
func (s *subscription) Close() error {
	b := s.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	now := b.now()
	for id := range s.leases {
		if e, ok := b.inflight[id]; ok {
			delete(b.inflight, id)
			e.availableAt = now
			b.ready = append(b.ready, e)
		}
	}
	s.leases = nil
	b.signalLocked()
	return nil
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}
