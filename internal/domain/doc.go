// Package domain contains the core entities of the prompt enrichment
// pipeline: the Prompt record, its status values, and the queue payload
// exchanged between the producer and the consumer pool. It is independent
// of any storage or transport technology.
package domain
