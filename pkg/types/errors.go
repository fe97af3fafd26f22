package types

import (
	"errors"
)

// Error kinds of the core. Every error crossing a package boundary wraps
// exactly one of these sentinels so that the API layer can map it to a
// stable status code.
var (
	// ErrInputMalformed marks caller arguments violating schema or
	// constraints. Never retried.
	ErrInputMalformed = errors.New("input malformed")

	// ErrUnauthenticated marks requests with a missing or expired session
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrUnauthorized marks an identity lacking the required permission
	ErrUnauthorized = errors.New("unauthorized")

	// ErrNotFound marks a referenced token, endpoint, or plan being absent
	ErrNotFound = errors.New("not found")

	// ErrConflict marks an optimistic-concurrency failure on a status
	// transition. Retried internally up to a small bound, then surfaced.
	ErrConflict = errors.New("conflict")

	// ErrBackpressure marks the task queue being full past the push
	// deadline. The caller may retry.
	ErrBackpressure = errors.New("queue backpressure exceeded")

	// ErrTransient marks a storage connection hiccup worth retrying
	ErrTransient = errors.New("transient storage failure")

	// ErrShuttingDown marks operations rejected because the server is
	// draining for shutdown.
	ErrShuttingDown = errors.New("server is shutting down")
)

// IsRetryable reports whether the error kind may succeed on retry
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrBackpressure) ||
		errors.Is(err, ErrTransient)
}
