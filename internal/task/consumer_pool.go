package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/phrazzld/promptd/internal/metrics"
	"github.com/phrazzld/promptd/internal/queue"
	"github.com/phrazzld/promptd/internal/redact"
)

// ConsumerPoolConfig holds configuration options for the consumer pool
type ConsumerPoolConfig struct {
	// Consumers is the number of concurrent consumers, each with its own
	// subscription. If zero or negative, defaults to 1
	Consumers int

	// NamePrefix prefixes consumer names; the index is appended
	NamePrefix string

	// ReceiveBackoff is the pause after a failed receive before trying again
	ReceiveBackoff time.Duration
}

// DefaultConsumerPoolConfig returns a ConsumerPoolConfig with reasonable defaults
func DefaultConsumerPoolConfig() ConsumerPoolConfig {
	return ConsumerPoolConfig{
		Consumers:      4,
		NamePrefix:     "promptd",
		ReceiveBackoff: time.Second,
	}
}

// ConsumerPool runs a fixed number of consumers against a broker. Each
// consumer receives one lease at a time and hands it to the handler.
type ConsumerPool struct {
	broker  queue.Broker
	handler LeaseHandler
	config  ConsumerPoolConfig
	logger  *slog.Logger
	metrics *metrics.Metrics

	// receiveCtx stops the receive loops; workCtx aborts in-flight
	// handling once the shutdown grace period is over.
	receiveCtx    context.Context
	stopReceiving context.CancelFunc
	workCtx       context.Context
	abortWork     context.CancelFunc

	wg      sync.WaitGroup
	running atomic.Int32

	// fatalHandler is called when a consumer stops because its handler
	// returned an error or its subscription could not be replaced. If nil,
	// the error is only logged
	fatalHandler func(consumer string, err error)
}

// NewConsumerPool creates a new consumer pool with the specified configuration
func NewConsumerPool(
	broker queue.Broker,
	handler LeaseHandler,
	config ConsumerPoolConfig,
	logger *slog.Logger,
	m *metrics.Metrics,
) *ConsumerPool {
	logger = logger.With("component", "consumer_pool")
	if config.Consumers <= 0 {
		logger.Warn("invalid consumer count specified, using default",
			"specified_count", config.Consumers,
			"default_count", 1)
		config.Consumers = 1
	}
	if config.NamePrefix == "" {
		config.NamePrefix = "promptd"
	}
	if config.ReceiveBackoff <= 0 {
		config.ReceiveBackoff = time.Second
	}

	receiveCtx, stopReceiving := context.WithCancel(context.Background())
	workCtx, abortWork := context.WithCancel(context.Background())

	return &ConsumerPool{
		broker:        broker,
		handler:       handler,
		config:        config,
		logger:        logger,
		metrics:       m,
		receiveCtx:    receiveCtx,
		stopReceiving: stopReceiving,
		workCtx:       workCtx,
		abortWork:     abortWork,
	}
}

// SetFatalHandler sets the callback for consumers that stop on a handler
// error or a lost subscription
func (p *ConsumerPool) SetFatalHandler(handler func(consumer string, err error)) {
	p.fatalHandler = handler
}

// Start subscribes every consumer and launches its receive loop. If any
// subscription fails, the consumers started so far are stopped.
func (p *ConsumerPool) Start() error {
	p.logger.Info("starting consumer pool", "consumers", p.config.Consumers)

	for i := 0; i < p.config.Consumers; i++ {
		name := fmt.Sprintf("%s-%d", p.config.NamePrefix, i)
		sub, err := p.broker.Subscribe(p.receiveCtx, name)
		if err != nil {
			p.stopReceiving()
			p.abortWork()
			p.wg.Wait()
			return fmt.Errorf("subscribe consumer %s: %w", name, err)
		}

		p.wg.Add(1)
		go p.consume(name, sub)
	}
	return nil
}

// Stop stops receiving and waits for in-flight messages to finish. When
// ctx ends first, in-flight handling is aborted; its leases are redelivered.
func (p *ConsumerPool) Stop(ctx context.Context) {
	p.logger.Info("stopping consumer pool")
	p.stopReceiving()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		p.logger.Warn("shutdown grace period over, aborting in-flight messages")
		p.abortWork()
		<-done
	}
	p.abortWork()
	p.logger.Info("consumer pool stopped")
}

// Running returns the number of live consumers.
func (p *ConsumerPool) Running() int {
	return int(p.running.Load())
}

func (p *ConsumerPool) consume(name string, sub queue.Subscription) {
	defer p.wg.Done()

	log := p.logger.With("consumer", name)
	p.running.Add(1)
	p.metrics.AddConsumers(1)
	defer func() {
		p.running.Add(-1)
		p.metrics.AddConsumers(-1)
	}()
	defer func() {
		if sub == nil {
			return
		}
		if err := sub.Close(); err != nil {
			log.Warn("failed to close subscription", "error", err)
		}
	}()

	log.Debug("starting consumer")
	for {
		lease, err := sub.Next(p.receiveCtx)
		if err != nil {
			if p.receiveCtx.Err() != nil {
				log.Debug("stopping consumer", "reason", err)
				return
			}
			if errors.Is(err, queue.ErrClosed) {
				// The broker may close a single consumer channel, for
				// example on a consumer timeout. Replace it while the
				// broker is still up.
				log.Warn("subscription closed, resubscribing")
				if cerr := sub.Close(); cerr != nil {
					log.Debug("failed to close lost subscription", "error", cerr)
				}
				sub = nil
				if sub, err = p.resubscribe(name, log); err != nil {
					if p.receiveCtx.Err() != nil {
						return
					}
					log.Error("consumer lost its subscription",
						"alert", true,
						"error", redact.Error(err))
					if p.fatalHandler != nil {
						p.fatalHandler(name, fmt.Errorf("resubscribe consumer %s: %w", name, err))
					}
					return
				}
				continue
			}
			log.Error("failed to receive message", "error", redact.Error(err))
			select {
			case <-p.receiveCtx.Done():
				return
			case <-time.After(p.config.ReceiveBackoff):
			}
			continue
		}

		if err := p.handler.Handle(p.workCtx, sub, lease); err != nil {
			log.Error("consumer stopped by fatal handler error",
				"alert", true,
				"error", redact.Error(err))
			if p.fatalHandler != nil {
				p.fatalHandler(name, err)
			}
			return
		}
	}
}

// resubscribe opens a new subscription for name, retrying after
// ReceiveBackoff. It gives up once the broker is closed or the pool stops.
func (p *ConsumerPool) resubscribe(name string, log *slog.Logger) (queue.Subscription, error) {
	for {
		select {
		case <-p.receiveCtx.Done():
			return nil, p.receiveCtx.Err()
		case <-time.After(p.config.ReceiveBackoff):
		}

		sub, err := p.broker.Subscribe(p.receiveCtx, name)
		if err == nil {
			log.Info("consumer resubscribed")
			return sub, nil
		}
		if errors.Is(err, queue.ErrClosed) {
			return nil, err
		}
		log.Error("failed to resubscribe", "error", redact.Error(err))
	}
}
