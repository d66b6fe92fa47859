// Package node assembles a complete blockswap node: libp2p host, kademlia
// routing, datastore-backed blockstore and the exchange on top.
package node

import (
	"context"

	"github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	badger "github.com/ipfs/go-ds-badger2"
	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/net/connmgr"
	"golang.org/x/xerrors"

	"github.com/blockswap-project/blockswap/blockstore"
	"github.com/blockswap-project/blockswap/exchange"
	"github.com/blockswap-project/blockswap/exchange/network"
	"github.com/blockswap-project/blockswap/node/config"
)

var log = logging.Logger("blockswap/node")

// dhtProtocolPrefix keeps the blockswap DHT separate from other kademlia
// networks.
const dhtProtocolPrefix = protocol.ID("/blockswap")

// Node is a running blockswap node.
type Node struct {
	Host       host.Host
	DHT        *dht.IpfsDHT
	Datastore  datastore.Batching
	Blockstore blockstore.Blockstore
	Exchange   *exchange.Exchange
}

// New builds and starts a node from config.
func New(ctx context.Context, cfg *config.Node) (*Node, error) {
	cm, err := connmgr.NewConnManager(
		int(cfg.Libp2p.ConnMgrLow),
		int(cfg.Libp2p.ConnMgrHigh),
		connmgr.WithGracePeriod(cfg.Libp2p.ConnMgrGrace.Std()),
	)
	if err != nil {
		return nil, xerrors.Errorf("setting up conn manager: %w", err)
	}

	h, err := libp2p.New(
		libp2p.ListenAddrStrings(cfg.Libp2p.ListenAddresses...),
		libp2p.ConnectionManager(cm),
		libp2p.Ping(true),
	)
	if err != nil {
		return nil, xerrors.Errorf("setting up libp2p host: %w", err)
	}

	var ds datastore.Batching
	if cfg.Datastore.Path == "" {
		ds = dssync.MutexWrap(datastore.NewMapDatastore())
	} else {
		ds, err = badger.NewDatastore(cfg.Datastore.Path, &badger.DefaultOptions)
		if err != nil {
			_ = h.Close()
			return nil, xerrors.Errorf("opening datastore at %s: %w", cfg.Datastore.Path, err)
		}
	}

	rt, err := dht.New(ctx, h,
		dht.Mode(dht.ModeAuto),
		dht.ProtocolPrefix(dhtProtocolPrefix),
		dht.Datastore(ds),
	)
	if err != nil {
		_ = ds.Close()
		_ = h.Close()
		return nil, xerrors.Errorf("setting up dht: %w", err)
	}

	bs := blockstore.FromDatastore(ds)

	var opts []exchange.Option
	if cfg.Exchange.TaskWorkers > 0 {
		opts = append(opts, exchange.WithTaskWorkers(cfg.Exchange.TaskWorkers))
	}
	if cfg.Exchange.RebroadcastInterval > 0 {
		opts = append(opts, exchange.WithRebroadcastInterval(cfg.Exchange.RebroadcastInterval.Std()))
	}
	if cfg.Exchange.ProviderSearchBudget > 0 {
		opts = append(opts, exchange.WithProviderSearchBudget(cfg.Exchange.ProviderSearchBudget))
	}
	ex := exchange.New(ctx, network.NewFromHost(h, rt), bs, opts...)

	n := &Node{
		Host:       h,
		DHT:        rt,
		Datastore:  ds,
		Blockstore: bs,
		Exchange:   ex,
	}

	if err := n.bootstrap(ctx, cfg.Libp2p.BootstrapPeers); err != nil {
		_ = n.Close()
		return nil, err
	}
	return n, nil
}

// bootstrap dials the configured peers and kicks off the dht. Individual
// dial failures are logged, not fatal; only an empty result with peers
// configured is reported.
func (n *Node) bootstrap(ctx context.Context, addrs []string) error {
	if len(addrs) == 0 {
		return nil
	}

	connected := 0
	for _, a := range addrs {
		ai, err := peer.AddrInfoFromString(a)
		if err != nil {
			return xerrors.Errorf("parsing bootstrap peer %q: %w", a, err)
		}
		if err := n.Host.Connect(ctx, *ai); err != nil {
			log.Warnw("bootstrap dial failed", "peer", ai.ID, "err", err)
			continue
		}
		connected++
	}
	if connected == 0 {
		return xerrors.Errorf("failed to connect to any of %d bootstrap peers", len(addrs))
	}

	return n.DHT.Bootstrap(ctx)
}

// Close shuts the node down, exchange first so in-flight fetches fail
// cleanly before the transport goes away.
func (n *Node) Close() error {
	var firstErr error
	for _, c := range []func() error{
		n.Exchange.Close,
		n.DHT.Close,
		n.Host.Close,
		n.Datastore.Close,
	} {
		if err := c(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
