// Package msp provides the HTTP client for the appliance management portal
// (MSP) API, including response-shape normalization.
package msp

import "errors"

// Error taxonomy for portal calls. Callers classify with errors.Is; the
// concrete wrapped error carries the detail.
var (
	// ErrAuth means the token was rejected. Not retryable; the account
	// needs reconfiguration.
	ErrAuth = errors.New("authentication failed")

	// ErrNetwork covers transport failures, timeouts and server-side
	// errors. Retryable on the next scheduled poll.
	ErrNetwork = errors.New("network error")

	// ErrMalformed means the body matched neither the bare-list nor the
	// envelope shape. Retryable a bounded number of times per kind.
	ErrMalformed = errors.New("malformed response")

	// ErrNotFound maps HTTP 404 on mutation endpoints. Delete-style
	// actions treat it as idempotent success.
	ErrNotFound = errors.New("not found")

	errUnexpectedStatusCode = errors.New("unexpected status code")
)
