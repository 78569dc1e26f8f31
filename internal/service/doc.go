// Package service contains the application use cases exposed to the HTTP
// layer.
//
// PromptService accepts new prompts and reports their status. Accepting a
// prompt stores it PENDING and publishes a PromptMessage inside a single
// REPEATABLE READ transaction, so a row never exists without its message
// having been handed to the broker. Processing happens asynchronously in
// internal/task.
//
// The service depends on the store interfaces and a Publisher, never on a
// concrete database or broker.
package service
