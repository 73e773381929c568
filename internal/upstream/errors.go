// Package upstream implements the single multiplexed connection to the
// backend LDAP/LDAPS server: message-ID correlation of proxied
// request/response pairs, health tracking, and reconnection with
// exponential backoff.
package upstream

import "errors"

var (
	// ErrUnavailable is returned by Issue when the client is Unhealthy;
	// the caller should fall back to the cache without ever writing to
	// the wire.
	ErrUnavailable = errors.New("upstream: unavailable")

	// ErrAborted is delivered on a sink's channel when the connection
	// carrying its request tears down before a terminating PDU arrived.
	ErrAborted = errors.New("upstream: connection aborted mid-request")

	// ErrInvalidParameter is returned for nil/malformed constructor
	// arguments.
	ErrInvalidParameter = errors.New("upstream: invalid parameter")
)
