// Package queue defines the message broker boundary of the prompt pipeline.
//
// A Broker publishes PromptMessages and hands them to Subscriptions as
// Leases. A lease must be settled with Ack or Nack. A lease that is neither
// acknowledged nor rejected within the visibility timeout becomes eligible
// for redelivery, so consumers must treat every delivery as possibly
// duplicated. Messages that exhaust their delivery budget, that are
// rejected without requeue, or that outlive the message TTL are moved to
// the dead-letter destination together with their failure count and last
// error.
//
// Backends live in the subpackages: rabbitmq (amqp091), redisstream
// (Redis streams with consumer groups) and memory (in process).
package queue
