package exchange

import "errors"

// Errors surfaced by the exchange. None of them is fatal to the node: the
// engine keeps serving other peers and other wants after any single failure.
var (
	// ErrProtocolViolation tags misbehavior by a remote peer: a malformed
	// message or a block whose payload does not hash to its claimed key.
	// The offending data is discarded and the peer's standing downgraded;
	// disconnecting is left to the transport's policy.
	ErrProtocolViolation = errors.New("exchange protocol violation")

	// ErrPeerUnavailable tags a send that failed because the peer
	// disconnected or never answered. It stays internal: the want survives
	// and fails the caller only once every source is exhausted.
	ErrPeerUnavailable = errors.New("peer unavailable")

	// ErrNoProviders is returned to a caller whose fetch exhausted the
	// provider-search budget with no connected peer responding. The want
	// itself survives while other callers still hold handles.
	ErrNoProviders = errors.New("no providers for key")

	// ErrClosed is returned for operations on a closed exchange.
	ErrClosed = errors.New("exchange closed")
)
