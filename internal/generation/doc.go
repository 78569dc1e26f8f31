// Package generation is the boundary between the prompt pipeline and the
// external AI provider. It defines the Provider interface implemented by the
// HTTP client in platform/openai, the error taxonomy every provider failure
// is classified into, the async Call handle used to fan out requests, and
// the parser for the sectioned analysis payload returned by the chat model.
package generation
