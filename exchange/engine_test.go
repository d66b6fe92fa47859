package exchange

import (
	"context"
	"sync"
	"testing"
	"time"

	blocks "github.com/ipfs/go-block-format"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/test"
	"github.com/stretchr/testify/require"

	"github.com/blockswap-project/blockswap/blockstore"
	"github.com/blockswap-project/blockswap/exchange/message"
	"github.com/blockswap-project/blockswap/exchange/wantlist"
)

type sentMsg struct {
	to  peer.ID
	msg *message.Message
}

type engineHarness struct {
	e      *engine
	bs     blockstore.Blockstore
	sent   chan sentMsg
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newEngineHarness(t *testing.T, workers int) *engineHarness {
	t.Helper()
	h := &engineHarness{
		bs:   blockstore.NewMemory(),
		sent: make(chan sentMsg, 16),
	}
	send := func(ctx context.Context, p peer.ID, m *message.Message) error {
		h.sent <- sentMsg{to: p, msg: m}
		return nil
	}
	h.e = newEngine(h.bs, nil, "", send, nil, defaultTaskPrioritizer)

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	if workers > 0 {
		h.e.startWorkers(ctx, &h.wg, workers)
	}
	t.Cleanup(func() {
		cancel()
		h.wg.Wait()
	})
	return h
}

func (h *engineHarness) expectMessage(t *testing.T) sentMsg {
	t.Helper()
	select {
	case m := <-h.sent:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("no message sent")
		return sentMsg{}
	}
}

func (h *engineHarness) expectSilence(t *testing.T) {
	t.Helper()
	select {
	case m := <-h.sent:
		t.Fatalf("unexpected message to %s", m.to)
	case <-time.After(100 * time.Millisecond):
	}
}

func randPeer(t *testing.T) peer.ID {
	t.Helper()
	p, err := test.RandPeerID()
	require.NoError(t, err)
	return p
}

func TestEngineServesWantBlock(t *testing.T) {
	h := newEngineHarness(t, 1)
	p := randPeer(t)
	blk := blocks.NewBlock([]byte("engine want-block payload"))
	require.NoError(t, h.bs.Put(context.Background(), blk))

	m := message.New(false)
	m.AddEntry(blk.Cid(), 1, wantlist.WantBlock, true)
	h.e.MessageReceived(context.Background(), p, m)

	out := h.expectMessage(t)
	require.Equal(t, p, out.to)
	require.Len(t, out.msg.Blocks(), 1)
	require.Equal(t, blk.RawData(), out.msg.Blocks()[0].RawData())

	// Serving the block clears the peer's want and books the send.
	require.Eventually(t, func() bool {
		return len(h.e.WantlistForPeer(p)) == 0
	}, time.Second, 10*time.Millisecond)
	rcpt := h.e.LedgerForPeer(p)
	require.EqualValues(t, len(blk.RawData()), rcpt.Sent)
}

func TestEngineAnswersWantHaveWithPresence(t *testing.T) {
	h := newEngineHarness(t, 1)
	p := randPeer(t)

	// Big enough that a want-have is not upgraded to a block send.
	big := make([]byte, maxBlockSizeReplaceHasWithBlock+1)
	blk := blocks.NewBlock(big)
	require.NoError(t, h.bs.Put(context.Background(), blk))

	m := message.New(false)
	m.AddEntry(blk.Cid(), 1, wantlist.WantHave, true)
	h.e.MessageReceived(context.Background(), p, m)

	out := h.expectMessage(t)
	require.Empty(t, out.msg.Blocks())
	require.Len(t, out.msg.BlockPresences(), 1)
	require.Equal(t, message.Have, out.msg.BlockPresences()[0].Type)

	// A HAVE does not clear the want; the peer may still ask for the
	// payload.
	require.Len(t, h.e.WantlistForPeer(p), 1)
}

func TestEngineUpgradesSmallWantHaveToBlock(t *testing.T) {
	h := newEngineHarness(t, 1)
	p := randPeer(t)
	blk := blocks.NewBlock([]byte("small"))
	require.NoError(t, h.bs.Put(context.Background(), blk))

	m := message.New(false)
	m.AddEntry(blk.Cid(), 1, wantlist.WantHave, true)
	h.e.MessageReceived(context.Background(), p, m)

	out := h.expectMessage(t)
	require.Len(t, out.msg.Blocks(), 1)
	require.Empty(t, out.msg.BlockPresences())
}

func TestEngineSendsDontHaveOnlyWhenAsked(t *testing.T) {
	h := newEngineHarness(t, 1)
	p := randPeer(t)

	missing1 := blocks.NewBlock([]byte("nowhere to be found"))
	missing2 := blocks.NewBlock([]byte("also absent"))

	m := message.New(false)
	m.AddEntry(missing1.Cid(), 1, wantlist.WantBlock, true)
	m.AddEntry(missing2.Cid(), 1, wantlist.WantBlock, false)
	h.e.MessageReceived(context.Background(), p, m)

	out := h.expectMessage(t)
	prs := out.msg.BlockPresences()
	require.Len(t, prs, 1)
	require.Equal(t, missing1.Cid(), prs[0].Cid)
	require.Equal(t, message.DontHave, prs[0].Type)

	// Both wants stay on the ledger for push-on-resolve.
	require.Len(t, h.e.WantlistForPeer(p), 2)
}

func TestEngineCancelRemovesQueuedTask(t *testing.T) {
	h := newEngineHarness(t, 0) // no workers yet
	p := randPeer(t)
	blk := blocks.NewBlock([]byte("canceled before pop"))
	require.NoError(t, h.bs.Put(context.Background(), blk))

	m := message.New(false)
	m.AddEntry(blk.Cid(), 1, wantlist.WantBlock, true)
	h.e.MessageReceived(context.Background(), p, m)

	cancelMsg := message.New(false)
	cancelMsg.Cancel(blk.Cid())
	h.e.MessageReceived(context.Background(), p, cancelMsg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.e.startWorkers(ctx, &h.wg, 1)

	h.expectSilence(t)
	require.Empty(t, h.e.WantlistForPeer(p))
}

func TestEnginePushesOnReceivedBlocks(t *testing.T) {
	h := newEngineHarness(t, 1)
	p := randPeer(t)
	from := randPeer(t)
	blk := blocks.NewBlock([]byte("pushed when it shows up"))

	// p wants a block we do not have; no DONT_HAVE requested, so
	// nothing goes out yet.
	m := message.New(false)
	m.AddEntry(blk.Cid(), 1, wantlist.WantBlock, false)
	h.e.MessageReceived(context.Background(), p, m)
	h.expectSilence(t)

	// The block arrives from elsewhere; the standing want is served.
	require.NoError(t, h.bs.Put(context.Background(), blk))
	h.e.ReceivedBlocksFrom(from, []blocks.Block{blk})

	out := h.expectMessage(t)
	require.Equal(t, p, out.to)
	require.Len(t, out.msg.Blocks(), 1)

	// And the sender got receive credit.
	rcpt := h.e.LedgerForPeer(from)
	require.EqualValues(t, len(blk.RawData()), rcpt.Recv)
}

func TestEngineFullWantlistReplaces(t *testing.T) {
	h := newEngineHarness(t, 0)
	p := randPeer(t)

	a := blocks.NewBlock([]byte("first want"))
	b := blocks.NewBlock([]byte("second want"))

	m1 := message.New(false)
	m1.AddEntry(a.Cid(), 1, wantlist.WantBlock, false)
	h.e.MessageReceived(context.Background(), p, m1)
	require.Len(t, h.e.WantlistForPeer(p), 1)

	m2 := message.New(true)
	m2.AddEntry(b.Cid(), 1, wantlist.WantBlock, false)
	h.e.MessageReceived(context.Background(), p, m2)

	wl := h.e.WantlistForPeer(p)
	require.Len(t, wl, 1)
	require.Equal(t, b.Cid(), wl[0].Cid)
}

func TestEngineDebtRatioLowersPriority(t *testing.T) {
	h := newEngineHarness(t, 0)
	indebted := randPeer(t)
	square := randPeer(t)

	// indebted has taken a lot without giving back.
	l := h.e.findOrCreate(indebted)
	l.SentBytes(1<<20, 10)

	debtor := h.e.findOrCreate(indebted).debtRatio()
	even := h.e.findOrCreate(square).debtRatio()
	require.Greater(t, defaultTaskPrioritizer(even, 5), defaultTaskPrioritizer(debtor, 5))
}

func TestEnginePeerDisconnectDropsLedger(t *testing.T) {
	h := newEngineHarness(t, 0)
	p := randPeer(t)

	blk := blocks.NewBlock([]byte("gone with the peer"))
	m := message.New(false)
	m.AddEntry(blk.Cid(), 1, wantlist.WantBlock, false)
	h.e.MessageReceived(context.Background(), p, m)
	require.Len(t, h.e.Peers(), 1)

	h.e.PeerDisconnected(p)
	require.Empty(t, h.e.Peers())
	require.Empty(t, h.e.WantlistForPeer(p))
}
