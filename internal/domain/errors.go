package domain

import "errors"

// Error taxonomy (sentinels). Handlers and loops classify by errors.Is.
var (
	// ErrConfiguration is fatal at startup: missing credentials or malformed env.
	ErrConfiguration = errors.New("configuration error")
	// ErrAuth covers 401/403 from the observability backend; never retried.
	ErrAuth = errors.New("auth error")
	// ErrRateLimited covers 429 from any upstream; retried honoring Retry-After.
	ErrRateLimited = errors.New("rate limited")
	// ErrTransient covers 5xx and connection failures; retried with bounded backoff.
	ErrTransient = errors.New("transient backend error")
	// ErrNotFound is returned as-is, never retried.
	ErrNotFound = errors.New("not found")
	// ErrProtocol marks an unparseable or contract-violating backend response.
	ErrProtocol = errors.New("protocol error")
	// ErrInsufficientData short-circuits a capability to a no-op result.
	ErrInsufficientData = errors.New("insufficient data")
	// ErrInvariant marks an internal contract breach; logged and raised, never retried.
	ErrInvariant = errors.New("invariant violation")
	// ErrInvalidArgument maps to HTTP 4xx for malformed user requests.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrProviderUnavailable is surfaced after all failover providers are exhausted.
	ErrProviderUnavailable = errors.New("provider unavailable")
	// ErrContextLength is surfaced when the prompt exceeds the model context window.
	ErrContextLength = errors.New("context length exceeded")
)
