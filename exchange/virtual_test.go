package exchange_test

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"

	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/connmgr"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/test"
	"golang.org/x/xerrors"

	"github.com/blockswap-project/blockswap/exchange/message"
	"github.com/blockswap-project/blockswap/exchange/network"
)

// virtualNetwork is an in-process message fabric for tests. Every message is
// round-tripped through the wire codec, so integration tests also exercise
// encoding. Delivery is synchronous in the sender's goroutine, which keeps
// per-sender ordering.
type virtualNetwork struct {
	mu        sync.Mutex
	peers     map[peer.ID]*virtualPeer
	providers map[cid.Cid][]peer.ID
}

func newVirtualNetwork() *virtualNetwork {
	return &virtualNetwork{
		peers:     make(map[peer.ID]*virtualPeer),
		providers: make(map[cid.Cid][]peer.ID),
	}
}

// AddPeer creates a node endpoint with a fresh random identity.
func (vn *virtualNetwork) AddPeer(t interface{ Fatal(...interface{}) }) *virtualPeer {
	id, err := test.RandPeerID()
	if err != nil {
		t.Fatal(err)
	}
	vp := &virtualPeer{
		vn:    vn,
		id:    id,
		conns: make(map[peer.ID]struct{}),
	}
	vn.mu.Lock()
	vn.peers[id] = vp
	vn.mu.Unlock()
	return vp
}

// Connect links two peers and fires connect notifications on both sides.
func (vn *virtualNetwork) Connect(a, b *virtualPeer) {
	vn.mu.Lock()
	a.conns[b.id] = struct{}{}
	b.conns[a.id] = struct{}{}
	ra, rb := a.receiver, b.receiver
	vn.mu.Unlock()

	if ra != nil {
		ra.PeerConnected(b.id)
	}
	if rb != nil {
		rb.PeerConnected(a.id)
	}
}

// Disconnect severs the link and fires disconnect notifications.
func (vn *virtualNetwork) Disconnect(a, b *virtualPeer) {
	vn.mu.Lock()
	delete(a.conns, b.id)
	delete(b.conns, a.id)
	ra, rb := a.receiver, b.receiver
	vn.mu.Unlock()

	if ra != nil {
		ra.PeerDisconnected(b.id)
	}
	if rb != nil {
		rb.PeerDisconnected(a.id)
	}
}

// AddProvider registers p as a provider for the key in the fake routing
// table.
func (vn *virtualNetwork) AddProvider(k cid.Cid, p peer.ID) {
	vn.mu.Lock()
	vn.providers[k] = append(vn.providers[k], p)
	vn.mu.Unlock()
}

// virtualPeer implements network.Network for one node on the fabric.
type virtualPeer struct {
	vn *virtualNetwork
	id peer.ID

	receiver network.Receiver
	conns    map[peer.ID]struct{}

	sent     uint64 // messages sent, for coalescing assertions
	provided uint64
	offline  atomic.Bool
}

var _ network.Network = (*virtualPeer)(nil)

func (vp *virtualPeer) Self() peer.ID { return vp.id }

func (vp *virtualPeer) Start(r network.Receiver) {
	vp.vn.mu.Lock()
	vp.receiver = r
	vp.vn.mu.Unlock()
}

func (vp *virtualPeer) Stop() {
	vp.offline.Store(true)
}

func (vp *virtualPeer) SendMessage(ctx context.Context, p peer.ID, out *message.Message) error {
	if vp.offline.Load() {
		return xerrors.New("network stopped")
	}

	vp.vn.mu.Lock()
	_, connected := vp.conns[p]
	target := vp.vn.peers[p]
	var rcv network.Receiver
	if target != nil {
		rcv = target.receiver
	}
	vp.vn.mu.Unlock()

	if !connected || rcv == nil || target.offline.Load() {
		return xerrors.Errorf("no connection to %s", p)
	}

	var buf bytes.Buffer
	if err := out.ToNet(&buf); err != nil {
		return err
	}
	received, err := message.FromNet(&buf)
	if err != nil {
		return err
	}

	atomic.AddUint64(&vp.sent, 1)
	rcv.ReceiveMessage(ctx, vp.id, received)
	return nil
}

func (vp *virtualPeer) MessagesSent() uint64 {
	return atomic.LoadUint64(&vp.sent)
}

func (vp *virtualPeer) ConnectTo(ctx context.Context, p peer.ID) error {
	vp.vn.mu.Lock()
	target := vp.vn.peers[p]
	vp.vn.mu.Unlock()
	if target == nil {
		return xerrors.Errorf("unknown peer %s", p)
	}
	vp.vn.Connect(vp, target)
	return nil
}

func (vp *virtualPeer) ConnectedPeers() []peer.ID {
	vp.vn.mu.Lock()
	defer vp.vn.mu.Unlock()
	out := make([]peer.ID, 0, len(vp.conns))
	for p := range vp.conns {
		out = append(out, p)
	}
	return out
}

func (vp *virtualPeer) ConnectionManager() connmgr.ConnManager {
	return &connmgr.NullConnMgr{}
}

func (vp *virtualPeer) FindProvidersAsync(ctx context.Context, k cid.Cid, max int) <-chan peer.ID {
	vp.vn.mu.Lock()
	provs := append([]peer.ID(nil), vp.vn.providers[k]...)
	vp.vn.mu.Unlock()

	out := make(chan peer.ID, len(provs))
	for i, p := range provs {
		if i == max {
			break
		}
		if p != vp.id {
			out <- p
		}
	}
	close(out)
	return out
}

func (vp *virtualPeer) Provide(ctx context.Context, k cid.Cid) error {
	atomic.AddUint64(&vp.provided, 1)
	vp.vn.AddProvider(k, vp.id)
	return nil
}
