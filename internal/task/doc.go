// Package task runs the asynchronous side of prompt processing.
//
// A ConsumerPool keeps a fixed number of queue subscriptions open and hands
// each lease to the Processor. The Processor locks the prompt row, runs the
// chat and embedding calls concurrently under one deadline, and settles the
// lease according to the outcome: ack on success or redelivery, requeue on
// retryable failures with budget left, dead-letter otherwise. The
// Reconciler periodically republishes prompts whose message was lost and
// fails prompts that never finished.
package task
