// Package openai implements generation.Provider against an OpenAI-compatible
// HTTP API. Every call first takes a token from a process-wide token bucket
// and fails fast with a rate-limit error when none is available; provider
// errors are classified into the generation.Kind taxonomy.
package openai
