package blockstore

import (
	"context"

	blockstore "github.com/ipfs/boxo/blockstore"
	"github.com/ipfs/go-cid"
	ds "github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
)

// Blockstore is the blockstore interface used by blockswap. It is the basic
// go-ipfs blockstore extended with batch deletion, which the node uses when
// evicting data.
type Blockstore interface {
	blockstore.Blockstore
	BatchDeleter
}

// BasicBlockstore is an alias to the original IPFS Blockstore.
type BasicBlockstore = blockstore.Blockstore

type BatchDeleter interface {
	DeleteMany(ctx context.Context, cids []cid.Cid) error
}

// FromDatastore creates a new blockstore backed by the given datastore.
func FromDatastore(dstore ds.Batching) Blockstore {
	return Adapt(blockstore.NewBlockstore(dstore))
}

// NewMemory returns a temporary, in-memory blockstore.
func NewMemory() Blockstore {
	return FromDatastore(dssync.MutexWrap(ds.NewMapDatastore()))
}

type adaptedBlockstore struct {
	blockstore.Blockstore
}

var _ Blockstore = (*adaptedBlockstore)(nil)

func (a *adaptedBlockstore) DeleteMany(ctx context.Context, cids []cid.Cid) error {
	for _, c := range cids {
		if err := a.DeleteBlock(ctx, c); err != nil {
			return err
		}
	}

	return nil
}

// Adapt adapts a standard blockstore to a blockswap blockstore by shimming
// the extra methods where the underlying implementation lacks them.
func Adapt(bs blockstore.Blockstore) Blockstore {
	if ret, ok := bs.(Blockstore); ok {
		return ret
	}
	return &adaptedBlockstore{bs}
}
