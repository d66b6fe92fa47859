// Package exchange implements the blockswap exchange: a peer-to-peer
// protocol for trading content-addressed blocks. Local fetch requests
// coalesce into a single want per key; remote wants are served from the
// blockstore, ordered by a reciprocity-aware policy.
package exchange

import (
	"context"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/blockswap-project/blockswap/exchange/wantlist"
)

// Fetcher is the block-retrieval surface consumed by DAG resolvers.
type Fetcher interface {
	// GetBlock fetches a single block, from the local store if present,
	// otherwise from the network. Blocks until the block arrives, the
	// context expires or the want fails terminally.
	GetBlock(ctx context.Context, c cid.Cid) (blocks.Block, error)

	// GetBlocks fetches a set of blocks. Blocks are delivered on the
	// returned channel in arrival order, which is unrelated to the
	// argument order. The channel closes once every key was delivered or
	// the context expired.
	GetBlocks(ctx context.Context, ks []cid.Cid) (<-chan blocks.Block, error)
}

// Interface is the full exchange surface.
type Interface interface {
	Fetcher

	// PutBlock stores a locally produced block, pushes it to connected
	// peers with a standing want for it and announces it on the routing
	// layer.
	PutBlock(ctx context.Context, b blocks.Block) error

	// WantlistForPeer returns the keys the given peer has asked us for.
	WantlistForPeer(p peer.ID) []wantlist.Entry

	// GetWantlist returns the keys this node currently wants.
	GetWantlist() []wantlist.Entry

	// LedgerForPeer returns the traffic accounting for the peer.
	LedgerForPeer(p peer.ID) *Receipt

	// Stat returns cumulative exchange counters.
	Stat() (*Stat, error)

	// Close shuts the exchange down. Outstanding fetches fail with
	// ErrClosed.
	Close() error
}

// Stat is a snapshot of the exchange's cumulative counters.
type Stat struct {
	Wantlist          []wantlist.Entry
	Peers             []string
	BlocksReceived    uint64
	DataReceived      uint64
	DupBlksReceived   uint64
	DupDataReceived   uint64
	BlocksSent        uint64
	DataSent          uint64
	MessagesReceived  uint64
	InvalidBlocksRecv uint64
}
