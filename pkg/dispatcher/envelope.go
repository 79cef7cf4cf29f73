// Package dispatcher turns a synchronous call into one published request and
// one awaited, correlated reply.
package dispatcher

import "encoding/json"

// RequestEnvelope is published on <outbound prefix>/<service>/<action>.
type RequestEnvelope struct {
	ID      string          `json:"id"`
	Service string          `json:"service"`
	Action  string          `json:"action"`
	Payload json.RawMessage `json:"payload"`
}

// ReplyEnvelope is what a worker sends back. Error, when set, fails the call
// with that reason instead of resolving it.
type ReplyEnvelope struct {
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
	Error   string          `json:"error,omitempty"`
}

// ErrorDetail is the JSON shape of a DispatchError for front ends.
type ErrorDetail struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}
