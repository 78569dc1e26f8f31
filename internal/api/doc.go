// Package api exposes the prompt service over HTTP.
//
// Routes under /v1 require an HS256 bearer token whose sub claim is the
// owner id. Errors are mapped to status codes in errors.go and only
// sanitized messages reach the client.
package api
