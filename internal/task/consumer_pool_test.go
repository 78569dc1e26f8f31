package task

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/phrazzld/promptd/internal/domain"
	"github.com/phrazzld/promptd/internal/metrics"
	"github.com/phrazzld/promptd/internal/platform/logger"
	"github.com/phrazzld/promptd/internal/queue"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConsumerPoolDefaults(t *testing.T) {
	log, buf := logger.NewTestLogger(t)
	pl := newPipeline(t, 1)

	pool := NewConsumerPool(pl.broker, LeaseHandlerFunc(func(context.Context, queue.Subscription, *queue.Lease) error {
		return nil
	}), ConsumerPoolConfig{Consumers: -1}, log, nil)

	assert.Equal(t, 1, pool.config.Consumers)
	assert.Equal(t, "promptd", pool.config.NamePrefix)
	assert.Equal(t, time.Second, pool.config.ReceiveBackoff)
	logger.AssertLogContains(t, buf, "invalid consumer count specified")
}

func TestConsumerPoolProcessesEndToEnd(t *testing.T) {
	pl := newPipeline(t, 3)
	log, _ := logger.NewTestLogger(t)
	m := metrics.New()
	provider := redSwordProvider()

	proc, err := NewProcessor(pl.store, provider, time.Second, log, m)
	require.NoError(t, err)

	cfg := DefaultConsumerPoolConfig()
	cfg.Consumers = 3
	pool := NewConsumerPool(pl.broker, proc, cfg, log, m)
	require.NoError(t, pool.Start())

	var prompts []*domain.Prompt
	for i := 0; i < 5; i++ {
		prompts = append(prompts, pl.submit(t, "a red sword"))
	}

	assert.Eventually(t, func() bool {
		for _, p := range prompts {
			if pl.prompt(t, p.ID).Status != domain.PromptStatusCompleted {
				return false
			}
		}
		return true
	}, 3*time.Second, 10*time.Millisecond)

	assert.Equal(t, 3, pool.Running())
	assert.Equal(t, 3.0, testutil.ToFloat64(m.ConsumersRunning))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	pool.Stop(ctx)

	assert.Zero(t, pool.Running())
	assert.Zero(t, testutil.ToFloat64(m.ConsumersRunning))
}

func TestConsumerPoolDuplicateDeliveriesProcessOnce(t *testing.T) {
	pl := newPipeline(t, 3)
	log, _ := logger.NewTestLogger(t)

	provider := redSwordProvider()
	provider.ChatFn = func(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
		time.Sleep(50 * time.Millisecond)
		return redSwordAnalysis, nil
	}
	proc, err := NewProcessor(pl.store, provider, time.Second, log, nil)
	require.NoError(t, err)

	submitted := pl.submit(t, "a red sword")
	for i := 0; i < 3; i++ {
		require.NoError(t, pl.broker.Publish(context.Background(), domain.NewPromptMessage(submitted)))
	}

	cfg := DefaultConsumerPoolConfig()
	cfg.Consumers = 4
	pool := NewConsumerPool(pl.broker, proc, cfg, log, nil)
	require.NoError(t, pool.Start())
	defer pool.Stop(context.Background())

	assert.Eventually(t, func() bool {
		ready, inflight := pl.broker.Depth()
		return ready == 0 && inflight == 0
	}, 3*time.Second, 10*time.Millisecond)

	chat, embed := provider.calls()
	assert.Equal(t, 1, chat, "only the first delivery reaches the provider")
	assert.Equal(t, 1, embed)
	assert.Equal(t, domain.PromptStatusCompleted, pl.prompt(t, submitted.ID).Status)
}

func TestConsumerPoolFatalHandlerStopsConsumer(t *testing.T) {
	pl := newPipeline(t, 3)
	log, buf := logger.NewTestLogger(t)
	boom := errors.New("cannot record failure")

	var handled atomic.Int32
	handler := LeaseHandlerFunc(func(ctx context.Context, sub queue.Subscription, lease *queue.Lease) error {
		handled.Add(1)
		return boom
	})

	var (
		mu       sync.Mutex
		stopped  []string
		stopErrs []error
	)
	cfg := DefaultConsumerPoolConfig()
	cfg.Consumers = 1
	pool := NewConsumerPool(pl.broker, handler, cfg, log, nil)
	pool.SetFatalHandler(func(consumer string, err error) {
		mu.Lock()
		defer mu.Unlock()
		stopped = append(stopped, consumer)
		stopErrs = append(stopErrs, err)
	})
	require.NoError(t, pool.Start())
	defer pool.Stop(context.Background())

	pl.submit(t, "a red sword")
	pl.submit(t, "a blue shield")

	assert.Eventually(t, func() bool { return pool.Running() == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), handled.Load(), "stopped consumer takes no further messages")

	mu.Lock()
	assert.Equal(t, []string{"promptd-0"}, stopped)
	assert.ErrorIs(t, stopErrs[0], boom)
	mu.Unlock()
	logger.AssertLogContains(t, buf, "consumer stopped by fatal handler error")

	ready, _ := pl.broker.Depth()
	assert.Equal(t, 2, ready, "unsettled lease returns to the queue when the consumer closes")
}

func TestConsumerPoolStopAbortsAfterGracePeriod(t *testing.T) {
	pl := newPipeline(t, 3)
	log, _ := logger.NewTestLogger(t)

	started := make(chan struct{})
	handler := LeaseHandlerFunc(func(ctx context.Context, sub queue.Subscription, lease *queue.Lease) error {
		close(started)
		<-ctx.Done()
		return nil
	})

	cfg := DefaultConsumerPoolConfig()
	cfg.Consumers = 1
	pool := NewConsumerPool(pl.broker, handler, cfg, log, nil)
	require.NoError(t, pool.Start())
	pl.submit(t, "a red sword")

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never started")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	stopped := make(chan struct{})
	go func() {
		pool.Stop(ctx)
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not abort in-flight work")
	}
}

type failingBroker struct {
	queue.Broker
	err error
}

func (f failingBroker) Subscribe(ctx context.Context, name string) (queue.Subscription, error) {
	return nil, f.err
}

func TestConsumerPoolStartSubscribeError(t *testing.T) {
	log, _ := logger.NewTestLogger(t)
	boom := errors.New("connection refused")

	pool := NewConsumerPool(failingBroker{err: boom}, LeaseHandlerFunc(func(context.Context, queue.Subscription, *queue.Lease) error {
		return nil
	}), DefaultConsumerPoolConfig(), log, nil)

	err := pool.Start()
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, pool.Running())
}

// droppingBroker hands out a first subscription that the broker side has
// already closed. With refuse set, every later Subscribe fails as if the
// broker were gone.
type droppingBroker struct {
	queue.Broker
	refuse     bool
	subscribes atomic.Int32
}

func (d *droppingBroker) Subscribe(ctx context.Context, name string) (queue.Subscription, error) {
	n := d.subscribes.Add(1)
	if n > 1 && d.refuse {
		return nil, queue.ErrClosed
	}
	sub, err := d.Broker.Subscribe(ctx, name)
	if err != nil {
		return nil, err
	}
	if n == 1 {
		return closedSubscription{sub}, nil
	}
	return sub, nil
}

type closedSubscription struct {
	queue.Subscription
}

func (closedSubscription) Next(ctx context.Context) (*queue.Lease, error) {
	return nil, queue.ErrClosed
}

func TestConsumerPoolResubscribesClosedSubscription(t *testing.T) {
	pl := newPipeline(t, 3)
	log, buf := logger.NewTestLogger(t)
	m := metrics.New()

	proc, err := NewProcessor(pl.store, redSwordProvider(), time.Second, log, m)
	require.NoError(t, err)

	broker := &droppingBroker{Broker: pl.broker}
	cfg := DefaultConsumerPoolConfig()
	cfg.Consumers = 1
	cfg.ReceiveBackoff = 10 * time.Millisecond
	pool := NewConsumerPool(broker, proc, cfg, log, m)

	var fatal atomic.Int32
	pool.SetFatalHandler(func(string, error) { fatal.Add(1) })
	require.NoError(t, pool.Start())
	defer pool.Stop(context.Background())

	submitted := pl.submit(t, "a red sword")
	assert.Eventually(t, func() bool {
		return pl.prompt(t, submitted.ID).Status == domain.PromptStatusCompleted
	}, 3*time.Second, 10*time.Millisecond)

	assert.Equal(t, int32(2), broker.subscribes.Load())
	assert.Equal(t, 1, pool.Running())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConsumersRunning))
	assert.Zero(t, fatal.Load())
	logger.AssertLogContains(t, buf, "consumer resubscribed")
}

func TestConsumerPoolEscalatesWhenBrokerIsGone(t *testing.T) {
	pl := newPipeline(t, 3)
	log, buf := logger.NewTestLogger(t)

	broker := &droppingBroker{Broker: pl.broker, refuse: true}
	cfg := DefaultConsumerPoolConfig()
	cfg.Consumers = 1
	cfg.ReceiveBackoff = 10 * time.Millisecond
	pool := NewConsumerPool(broker, LeaseHandlerFunc(func(context.Context, queue.Subscription, *queue.Lease) error {
		return nil
	}), cfg, log, nil)

	fatal := make(chan error, 1)
	pool.SetFatalHandler(func(consumer string, err error) { fatal <- err })
	require.NoError(t, pool.Start())
	defer pool.Stop(context.Background())

	select {
	case err := <-fatal:
		assert.ErrorIs(t, err, queue.ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("lost subscription was not escalated")
	}
	assert.Eventually(t, func() bool { return pool.Running() == 0 }, time.Second, 5*time.Millisecond)
	logger.AssertLogContains(t, buf, "consumer lost its subscription")
}
