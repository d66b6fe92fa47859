// Package network provides the connectivity layer for the blockswap
// exchange: framed message delivery between peers, connect/disconnect
// notifications and access to the content routing collaborator.
package network

import (
	"context"

	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/connmgr"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"

	"github.com/blockswap-project/blockswap/exchange/message"
)

// ProtocolBlockswap is the libp2p protocol id for the exchange protocol.
const ProtocolBlockswap protocol.ID = "/blockswap/exchange/1.0.0"

// Network delivers exchange messages between this node and its peers.
type Network interface {
	// Self returns the local peer identity.
	Self() peer.ID

	// SendMessage delivers one message to the given peer. It returns once
	// the bytes have been handed to the transport, so callers may account
	// the send as confirmed.
	SendMessage(ctx context.Context, p peer.ID, out *message.Message) error

	// Start registers the receiver and begins delivering inbound messages
	// and connectivity events to it.
	Start(Receiver)

	// Stop tears down the stream handler and notifications.
	Stop()

	// ConnectTo opens a connection to the given peer.
	ConnectTo(ctx context.Context, p peer.ID) error

	// ConnectedPeers lists the peers this node currently has a live
	// connection to.
	ConnectedPeers() []peer.ID

	// ConnectionManager exposes the transport's peer tagging surface.
	ConnectionManager() connmgr.ConnManager

	Routing
}

// Routing is the slice of the DHT collaborator the exchange consumes:
// provider discovery on want timeout and announcement on resolution.
type Routing interface {
	// FindProvidersAsync returns a finite channel of candidate providers
	// for the key. The channel closes when the underlying lookup is
	// exhausted; it is not restartable.
	FindProvidersAsync(ctx context.Context, k cid.Cid, max int) <-chan peer.ID

	// Provide announces that this node can serve the key.
	Provide(ctx context.Context, k cid.Cid) error
}

// Receiver is implemented by the exchange engine; the network pushes inbound
// traffic and connectivity events into it. Messages from one peer are
// delivered in arrival order.
type Receiver interface {
	ReceiveMessage(ctx context.Context, sender peer.ID, incoming *message.Message)

	// ReceiveError reports a malformed inbound stream. The sender is
	// treated as misbehaving; the connection itself is left to the
	// transport's policy.
	ReceiveError(p peer.ID, err error)

	PeerConnected(peer.ID)
	PeerDisconnected(peer.ID)
}

// Stats are cumulative message counters for introspection.
type Stats struct {
	MessagesRecvd uint64
	MessagesSent  uint64
}
