package network

import (
	"context"
	"io"
	"sync/atomic"
	"time"

	"github.com/ipfs/go-cid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/connmgr"
	"github.com/libp2p/go-libp2p/core/host"
	inet "github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/libp2p/go-libp2p/core/routing"
	"github.com/libp2p/go-msgio"
	ma "github.com/multiformats/go-multiaddr"
	"golang.org/x/xerrors"

	"github.com/blockswap-project/blockswap/exchange/message"
)

var log = logging.Logger("blockswap/net")

var sendMessageTimeout = time.Minute

// NewFromHost returns a Network backed by a libp2p host. The routing
// argument may be nil, in which case provider discovery yields nothing and
// announcements are dropped.
func NewFromHost(h host.Host, r routing.ContentRouting) Network {
	return &libp2pNetwork{
		host:    h,
		routing: r,
	}
}

// libp2pNetwork transforms libp2p streams into the blockswap network
// interface. Inbound messages are forwarded to the receiver.
type libp2pNetwork struct {
	host    host.Host
	routing routing.ContentRouting

	receiver Receiver

	stats Stats
}

var _ Network = (*libp2pNetwork)(nil)

func (n *libp2pNetwork) Self() peer.ID {
	return n.host.ID()
}

func (n *libp2pNetwork) Start(r Receiver) {
	n.receiver = r
	n.host.SetStreamHandler(ProtocolBlockswap, n.handleNewStream)
	n.host.Network().Notify((*netNotifiee)(n))
}

func (n *libp2pNetwork) Stop() {
	n.host.RemoveStreamHandler(ProtocolBlockswap)
	n.host.Network().StopNotify((*netNotifiee)(n))
}

func (n *libp2pNetwork) ConnectTo(ctx context.Context, p peer.ID) error {
	return n.host.Connect(ctx, peer.AddrInfo{ID: p})
}

func (n *libp2pNetwork) ConnectedPeers() []peer.ID {
	return n.host.Network().Peers()
}

func (n *libp2pNetwork) ConnectionManager() connmgr.ConnManager {
	return n.host.ConnManager()
}

func (n *libp2pNetwork) SendMessage(ctx context.Context, p peer.ID, out *message.Message) error {
	s, err := n.host.NewStream(ctx, p, ProtocolBlockswap)
	if err != nil {
		return xerrors.Errorf("failed to open stream to %s: %w", p, err)
	}

	if err := n.msgToStream(ctx, s, out); err != nil {
		_ = s.Reset()
		return err
	}
	atomic.AddUint64(&n.stats.MessagesSent, 1)

	// Half-close and let the remote read until EOF.
	_ = s.CloseWrite()
	go awaitEOF(s)
	return nil
}

func (n *libp2pNetwork) msgToStream(ctx context.Context, s inet.Stream, out *message.Message) error {
	deadline := time.Now().Add(sendMessageTimeout)
	if dl, ok := ctx.Deadline(); ok {
		deadline = dl
	}
	if err := s.SetWriteDeadline(deadline); err != nil {
		log.Warnf("error setting deadline: %s", err)
	}

	if err := out.ToNet(s); err != nil {
		return xerrors.Errorf("writing message to %s: %w", s.Conn().RemotePeer(), err)
	}

	if err := s.SetWriteDeadline(time.Time{}); err != nil {
		log.Warnf("error resetting deadline: %s", err)
	}
	return nil
}

// handleNewStream receives a new stream from the network and pumps its
// messages to the receiver in arrival order.
func (n *libp2pNetwork) handleNewStream(s inet.Stream) {
	defer s.Close() //nolint:errcheck

	if n.receiver == nil {
		_ = s.Reset()
		return
	}

	p := s.Conn().RemotePeer()
	reader := msgio.NewVarintReaderSize(s, inet.MessageSizeMax)
	for {
		received, err := message.FromMsgReader(reader)
		if err != nil {
			if err != io.EOF {
				_ = s.Reset()
				n.receiver.ReceiveError(p, err)
				log.Debugf("handleNewStream from %s error: %s", p, err)
			}
			return
		}

		n.receiver.ReceiveMessage(context.Background(), p, received)
		atomic.AddUint64(&n.stats.MessagesRecvd, 1)
	}
}

// FindProvidersAsync returns a channel of providers for the given key,
// excluding self.
func (n *libp2pNetwork) FindProvidersAsync(ctx context.Context, k cid.Cid, max int) <-chan peer.ID {
	out := make(chan peer.ID, max)
	if n.routing == nil {
		close(out)
		return out
	}
	go func() {
		defer close(out)
		providers := n.routing.FindProvidersAsync(ctx, k, max)
		for info := range providers {
			if info.ID == n.host.ID() {
				continue // ignore self as provider
			}
			n.host.Peerstore().AddAddrs(info.ID, info.Addrs, peerstore.TempAddrTTL)
			select {
			case <-ctx.Done():
				return
			case out <- info.ID:
			}
		}
	}()
	return out
}

// Provide announces the key to the routing collaborator.
func (n *libp2pNetwork) Provide(ctx context.Context, k cid.Cid) error {
	if n.routing == nil {
		return nil
	}
	return n.routing.Provide(ctx, k, true)
}

func (n *libp2pNetwork) Stats() Stats {
	return Stats{
		MessagesRecvd: atomic.LoadUint64(&n.stats.MessagesRecvd),
		MessagesSent:  atomic.LoadUint64(&n.stats.MessagesSent),
	}
}

func awaitEOF(s inet.Stream) {
	_ = s.SetReadDeadline(time.Now().Add(time.Minute))
	buf := make([]byte, 1)
	_, _ = s.Read(buf)
	_ = s.Close()
}

type netNotifiee libp2pNetwork

func (nn *netNotifiee) net() *libp2pNetwork {
	return (*libp2pNetwork)(nn)
}

func (nn *netNotifiee) Connected(_ inet.Network, v inet.Conn) {
	nn.net().receiver.PeerConnected(v.RemotePeer())
}

func (nn *netNotifiee) Disconnected(net inet.Network, v inet.Conn) {
	p := v.RemotePeer()
	if net.Connectedness(p) == inet.Connected {
		// Other connections to the peer remain.
		return
	}
	nn.net().receiver.PeerDisconnected(p)
}

func (nn *netNotifiee) Listen(inet.Network, ma.Multiaddr)      {}
func (nn *netNotifiee) ListenClose(inet.Network, ma.Multiaddr) {}
