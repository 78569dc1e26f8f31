package rabbitmq

import (
	"errors"
	"testing"
	"time"

	"github.com/phrazzld/promptd/internal/queue"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type declaration struct {
	kind string
	name string
	key  string
	args amqp.Table
}

type recordingDeclarer struct {
	calls   []declaration
	failOn  string
	failErr error
}

func (r *recordingDeclarer) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	r.calls = append(r.calls, declaration{kind: "exchange", name: name, key: kind, args: args})
	if name == r.failOn {
		return r.failErr
	}
	return nil
}

func (r *recordingDeclarer) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	r.calls = append(r.calls, declaration{kind: "queue", name: name, args: args})
	if name == r.failOn {
		return amqp.Queue{}, r.failErr
	}
	return amqp.Queue{Name: name}, nil
}

func (r *recordingDeclarer) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	r.calls = append(r.calls, declaration{kind: "bind", name: name + "<-" + exchange, key: key})
	return nil
}

func TestSetupDeclaresTopology(t *testing.T) {
	cfg := queue.DefaultConfig()
	rec := &recordingDeclarer{}

	require.NoError(t, Setup(rec, cfg))

	byName := map[string]declaration{}
	for _, c := range rec.calls {
		byName[c.kind+":"+c.name] = c
	}

	assert.Equal(t, amqp.ExchangeDirect, byName["exchange:prompt-exchange"].key)
	assert.Equal(t, amqp.ExchangeDirect, byName["exchange:prompt-dlx"].key)

	work := byName["queue:prompt-queue"].args
	assert.Equal(t, "quorum", work["x-queue-type"])
	assert.Equal(t, "prompt-dlx", work["x-dead-letter-exchange"])
	assert.Equal(t, "prompt-dlq", work["x-dead-letter-routing-key"])
	assert.Equal(t, int64(300000), work["x-message-ttl"])
	assert.Equal(t, int64(60000), work["x-consumer-timeout"])

	retry := byName["queue:prompt-queue.retry"].args
	assert.Equal(t, "prompt-exchange", retry["x-dead-letter-exchange"])
	assert.Equal(t, "prompt-queue", retry["x-dead-letter-routing-key"])

	assert.Contains(t, byName, "queue:prompt-dlq")
	assert.Equal(t, "prompt-queue", byName["bind:prompt-queue<-prompt-exchange"].key)
	assert.Equal(t, "prompt-dlq", byName["bind:prompt-dlq<-prompt-dlx"].key)
}

func TestSetupPropagatesErrors(t *testing.T) {
	boom := errors.New("access refused")
	rec := &recordingDeclarer{failOn: "prompt-dlq", failErr: boom}

	err := Setup(rec, queue.DefaultConfig())
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "prompt-dlq")
}

func TestAttemptOf(t *testing.T) {
	tests := []struct {
		name     string
		delivery amqp.Delivery
		want     int
	}{
		{"first delivery", amqp.Delivery{Headers: amqp.Table{headerAttempt: int64(0)}}, 1},
		{"no headers", amqp.Delivery{}, 1},
		{"after two retries", amqp.Delivery{Headers: amqp.Table{headerAttempt: int32(2)}}, 3},
		{"classic redelivery", amqp.Delivery{Headers: amqp.Table{headerAttempt: int64(1)}, Redelivered: true}, 3},
		{"quorum delivery count", amqp.Delivery{
			Headers:     amqp.Table{headerAttempt: int64(1), headerDeliveryCount: int64(2)},
			Redelivered: true,
		}, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, attemptOf(tt.delivery))
		})
	}
}

func TestConsumerTimeoutsExhaustDeliveryBudget(t *testing.T) {
	cfg := queue.DefaultConfig()

	var d amqp.Delivery
	for redeliveries := 0; redeliveries < cfg.MaxDeliveries; redeliveries++ {
		d = amqp.Delivery{
			Headers:     amqp.Table{headerDeliveryCount: int64(redeliveries)},
			Redelivered: redeliveries > 0,
		}
		assert.LessOrEqual(t, attemptOf(d), cfg.MaxDeliveries)
	}

	d = amqp.Delivery{
		Headers:     amqp.Table{headerDeliveryCount: int64(cfg.MaxDeliveries)},
		Redelivered: true,
	}
	assert.Greater(t, attemptOf(d), cfg.MaxDeliveries, "timed-out deliveries must run out of budget")
}

func TestRetryPublishing(t *testing.T) {
	first := time.UnixMilli(1700000000000)
	now := first.Add(time.Minute)
	d := amqp.Delivery{
		Body:      []byte(`{"promptId":"x"}`),
		MessageId: "m-1",
		Headers:   amqp.Table{headerFirstPublish: first.UnixMilli()},
	}

	p := retryPublishing(d, 2, 2*time.Second, "rate limited", now)

	assert.Equal(t, "2000", p.Expiration)
	assert.Equal(t, int64(2), p.Headers[headerAttempt])
	assert.Equal(t, first.UnixMilli(), p.Headers[headerFirstPublish])
	assert.Equal(t, "rate limited", p.Headers[headerLastError])
	assert.Equal(t, d.Body, p.Body)
	assert.Equal(t, "m-1", p.MessageId)
	assert.Equal(t, amqp.Persistent, p.DeliveryMode)

	redelivered := amqp.Delivery{Headers: p.Headers, Body: p.Body}
	assert.Equal(t, 3, attemptOf(redelivered))
	assert.Equal(t, first, firstPublished(redelivered))
}

func TestDeadLetterRecordRoundTrip(t *testing.T) {
	now := time.UnixMilli(1700000000000).UTC()
	p := deadLetterPublishing([]byte("body"), "m-1", 5, "boom", queue.ReasonMaxDeliveries, now)

	rec := deadLetterRecord(amqp.Delivery{Headers: p.Headers, Body: p.Body, Timestamp: p.Timestamp})
	assert.Equal(t, []byte("body"), rec.Payload)
	assert.Equal(t, 5, rec.FailureCount)
	assert.Equal(t, "boom", rec.LastError)
	assert.Equal(t, queue.ReasonMaxDeliveries, rec.Reason)
	assert.Equal(t, now, rec.DeadLetteredAt)

	t.Run("broker dead-lettered without headers", func(t *testing.T) {
		rec := deadLetterRecord(amqp.Delivery{Body: []byte("body"), Timestamp: now})
		assert.Equal(t, queue.ReasonExpired, rec.Reason)
		assert.Zero(t, rec.FailureCount)
	})
}
