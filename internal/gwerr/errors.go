// Package gwerr defines the gateway's error taxonomy. Errors are
// plain wrapped sentinels, not a class hierarchy, matching the idiom used
// throughout the reference corpus.
package gwerr

import "errors"

var (
	// ErrInvalidID is returned by the Session Store when an id fails the
	// `/^[A-Za-z0-9_.-]+$/` / length-128 validation.
	ErrInvalidID = errors.New("invalid id")

	// ErrNotFound covers unknown client, session, outbound server, or
	// store record.
	ErrNotFound = errors.New("not found")

	// ErrClientNotConnected is returned by execute() when the target
	// outbound connection exists but is not in the Connected state.
	ErrClientNotConnected = errors.New("client not connected")

	// ErrCapabilityMissing is returned by execute() when requiredCapability
	// is not advertised by the target outbound.
	ErrCapabilityMissing = errors.New("capability missing")

	// ErrTimeout is returned when an operation's deadline elapses.
	ErrTimeout = errors.New("timeout")

	// ErrCancelled is returned when a cooperative cancellation signal
	// fires before an operation (or retry) completes.
	ErrCancelled = errors.New("cancelled")

	// ErrCircularDependency is returned when an outbound server
	// self-identifies as 1mcp during the initialize handshake. Never
	// retried.
	ErrCircularDependency = errors.New("circular dependency: outbound server is itself a 1mcp gateway")

	// ErrUnauthorized signals a 401/unauthorized response from an
	// outbound server, triggering the AwaitingOAuth transition.
	ErrUnauthorized = errors.New("unauthorized")

	// Inbound AS failure taxonomy (RFC6749 §5.2 error codes).
	ErrInvalidRequest       = errors.New("invalid_request")
	ErrInvalidClient        = errors.New("invalid_client")
	ErrInvalidGrant         = errors.New("invalid_grant")
	ErrUnauthorizedClient   = errors.New("unauthorized_client")
	ErrUnsupportedGrantType = errors.New("unsupported_grant_type")
	ErrInvalidScope         = errors.New("invalid_scope")
	ErrServerError          = errors.New("server_error")

	// ErrUnknownServer is returned by the rendezvous callback when the
	// outbound spec was removed while a human was completing the
	// authorization dance.
	ErrUnknownServer = errors.New("unknown_server")
)
