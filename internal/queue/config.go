package queue

import (
	"fmt"
	"math"
	"time"

	"github.com/phrazzld/promptd/internal/config"
)

// Backoff describes the exponential delay between redeliveries.
type Backoff struct {
	Initial    time.Duration
	Multiplier float64
	Max        time.Duration
}

// Delay returns the wait before delivering attempt+1 after attempt failed.
// The first retry waits Initial; each further retry multiplies the delay
// until Max caps it.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(b.Initial) * math.Pow(mult, float64(attempt-1))
	if b.Max > 0 && d > float64(b.Max) {
		return b.Max
	}
	return time.Duration(d)
}

// Config is the broker topology and delivery policy shared by all backends.
type Config struct {
	Exchange           string
	Queue              string
	DeadLetterExchange string
	DeadLetterQueue    string
	// RetryQueue holds messages waiting out their backoff delay.
	RetryQueue        string
	MessageTTL        time.Duration
	VisibilityTimeout time.Duration
	MaxDeliveries     int
	Backoff           Backoff
	Prefetch          int
}

// FromConfig builds the queue configuration from application settings.
func FromConfig(c config.QueueConfig) Config {
	return Config{
		Exchange:           c.Exchange,
		Queue:              c.Queue,
		DeadLetterExchange: c.DeadLetterExchange,
		DeadLetterQueue:    c.DeadLetterQueue,
		RetryQueue:         c.Queue + ".retry",
		MessageTTL:         c.MessageTTL,
		VisibilityTimeout:  c.VisibilityTimeout,
		MaxDeliveries:      c.MaxDeliveries,
		Backoff: Backoff{
			Initial:    c.BackoffInitial,
			Multiplier: c.BackoffMultiplier,
			Max:        c.BackoffMax,
		},
		Prefetch: c.Prefetch,
	}
}

// DefaultConfig returns the topology used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Exchange:           "prompt-exchange",
		Queue:              "prompt-queue",
		DeadLetterExchange: "prompt-dlx",
		DeadLetterQueue:    "prompt-dlq",
		RetryQueue:         "prompt-queue.retry",
		MessageTTL:         300 * time.Second,
		VisibilityTimeout:  60 * time.Second,
		MaxDeliveries:      5,
		Backoff:            Backoff{Initial: time.Second, Multiplier: 2, Max: 10 * time.Second},
		Prefetch:           1,
	}
}

// Validate reports configuration that no backend can work with.
func (c Config) Validate() error {
	switch {
	case c.Queue == "":
		return fmt.Errorf("queue name is required")
	case c.DeadLetterQueue == "":
		return fmt.Errorf("dead-letter queue name is required")
	case c.MaxDeliveries < 1:
		return fmt.Errorf("max deliveries must be at least 1, got %d", c.MaxDeliveries)
	case c.VisibilityTimeout <= 0:
		return fmt.Errorf("visibility timeout must be positive")
	case c.Prefetch < 1:
		return fmt.Errorf("prefetch must be at least 1, got %d", c.Prefetch)
	}
	return nil
}
