// Package postgres provides the PostgreSQL implementation of the prompt
// store: connection setup through the pgx stdlib driver, the row-locking
// PromptStore, the Transactor with isolation selection, error mapping onto
// the store taxonomy, and the goose migrations embedded in the binary.
package postgres
