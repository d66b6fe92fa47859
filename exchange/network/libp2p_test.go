package network_test

import (
	"context"
	"sync"
	"testing"
	"time"

	blocks "github.com/ipfs/go-block-format"
	"github.com/libp2p/go-libp2p/core/peer"
	mocknet "github.com/libp2p/go-libp2p/p2p/net/mock"
	"github.com/libp2p/go-msgio"
	"github.com/stretchr/testify/require"

	"github.com/blockswap-project/blockswap/exchange/message"
	"github.com/blockswap-project/blockswap/exchange/network"
	"github.com/blockswap-project/blockswap/exchange/wantlist"
)

type recvEvent struct {
	from peer.ID
	msg  *message.Message
	err  error
}

type stubReceiver struct {
	mu        sync.Mutex
	messages  chan recvEvent
	errors    chan recvEvent
	connected map[peer.ID]bool
}

func newStubReceiver() *stubReceiver {
	return &stubReceiver{
		messages:  make(chan recvEvent, 8),
		errors:    make(chan recvEvent, 8),
		connected: make(map[peer.ID]bool),
	}
}

func (r *stubReceiver) ReceiveMessage(_ context.Context, sender peer.ID, incoming *message.Message) {
	r.messages <- recvEvent{from: sender, msg: incoming}
}

func (r *stubReceiver) ReceiveError(p peer.ID, err error) {
	r.errors <- recvEvent{from: p, err: err}
}

func (r *stubReceiver) PeerConnected(p peer.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connected[p] = true
}

func (r *stubReceiver) PeerDisconnected(p peer.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connected[p] = false
}

func (r *stubReceiver) isConnected(p peer.ID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connected[p]
}

func twoNodes(t *testing.T) (network.Network, *stubReceiver, network.Network, *stubReceiver) {
	t.Helper()
	mn := mocknet.New()
	t.Cleanup(func() { _ = mn.Close() })

	h1, err := mn.GenPeer()
	require.NoError(t, err)
	h2, err := mn.GenPeer()
	require.NoError(t, err)
	require.NoError(t, mn.LinkAll())

	n1 := network.NewFromHost(h1, nil)
	n2 := network.NewFromHost(h2, nil)
	r1 := newStubReceiver()
	r2 := newStubReceiver()
	n1.Start(r1)
	n2.Start(r2)
	t.Cleanup(func() {
		n1.Stop()
		n2.Stop()
	})
	return n1, r1, n2, r2
}

func TestSendMessageRoundtrip(t *testing.T) {
	n1, _, n2, r2 := twoNodes(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, n1.ConnectTo(ctx, n2.Self()))

	blk := blocks.NewBlock([]byte("over the wire"))
	out := message.New(false)
	out.AddEntry(blk.Cid(), 7, wantlist.WantBlock, true)
	out.AddBlock(blk)
	out.AddHave(blk.Cid())

	require.NoError(t, n1.SendMessage(ctx, n2.Self(), out))

	select {
	case ev := <-r2.messages:
		require.Equal(t, n1.Self(), ev.from)
		require.Len(t, ev.msg.Wantlist(), 1)
		require.Equal(t, blk.Cid(), ev.msg.Wantlist()[0].Cid)
		require.EqualValues(t, 7, ev.msg.Wantlist()[0].Priority)
		require.Len(t, ev.msg.Blocks(), 1)
		require.Equal(t, blk.RawData(), ev.msg.Blocks()[0].RawData())
	case <-ctx.Done():
		t.Fatal("message never arrived")
	}
}

func TestMultipleMessagesKeepOrder(t *testing.T) {
	n1, _, n2, r2 := twoNodes(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, n1.ConnectTo(ctx, n2.Self()))

	var sent []blocks.Block
	for i := 0; i < 5; i++ {
		blk := blocks.NewBlock([]byte{byte(i), 'o', 'r', 'd', 'e', 'r'})
		sent = append(sent, blk)
		out := message.New(false)
		out.AddBlock(blk)
		require.NoError(t, n1.SendMessage(ctx, n2.Self(), out))
	}

	for i := 0; i < 5; i++ {
		select {
		case ev := <-r2.messages:
			require.Len(t, ev.msg.Blocks(), 1)
			require.Equal(t, sent[i].Cid(), ev.msg.Blocks()[0].Cid())
		case <-ctx.Done():
			t.Fatalf("message %d never arrived", i)
		}
	}
}

func TestConnectNotifications(t *testing.T) {
	n1, r1, n2, r2 := twoNodes(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, n1.ConnectTo(ctx, n2.Self()))

	require.Eventually(t, func() bool {
		return r1.isConnected(n2.Self()) && r2.isConnected(n1.Self())
	}, 2*time.Second, 10*time.Millisecond)

	require.Contains(t, n1.ConnectedPeers(), n2.Self())
}

func TestMalformedStreamReportsError(t *testing.T) {
	mn := mocknet.New()
	t.Cleanup(func() { _ = mn.Close() })

	h1, err := mn.GenPeer()
	require.NoError(t, err)
	h2, err := mn.GenPeer()
	require.NoError(t, err)
	require.NoError(t, mn.LinkAll())

	n2 := network.NewFromHost(h2, nil)
	r2 := newStubReceiver()
	n2.Start(r2)
	t.Cleanup(n2.Stop)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h1.Connect(ctx, peer.AddrInfo{ID: h2.ID()}))

	s, err := h1.NewStream(ctx, h2.ID(), network.ProtocolBlockswap)
	require.NoError(t, err)
	w := msgio.NewVarintWriter(s)
	require.NoError(t, w.WriteMsg([]byte("this is not cbor at all")))

	select {
	case ev := <-r2.errors:
		require.Equal(t, h1.ID(), ev.from)
		require.ErrorIs(t, ev.err, message.ErrMalformed)
	case <-ctx.Done():
		t.Fatal("decode error never reported")
	}
}
