// Package memory provides an in-process implementation of the prompt store
// with real row locks and transactional buffering. It backs local runs with
// database.driver=memory and the pipeline tests; it is not durable.
package memory
