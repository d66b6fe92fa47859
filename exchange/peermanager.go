package exchange

import (
	"context"
	"sort"
	"sync"

	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/blockswap-project/blockswap/exchange/message"
	"github.com/blockswap-project/blockswap/exchange/wantlist"
)

// maxEntriesPerSend caps the number of wantlist entries, cancels included,
// in a single outgoing message; a larger delta is split across several
// messages.
const maxEntriesPerSend = 512

// sendFunc delivers one message to one peer.
type sendFunc func(ctx context.Context, p peer.ID, m *message.Message) error

// peerManager owns the outbound want side of the exchange: which of our
// wants each connected peer has been told about. Every peer carries its own
// wantlist copy plus a flusher goroutine, so a slow peer delays nobody else.
type peerManager struct {
	send sendFunc

	lk    sync.RWMutex
	peers map[peer.ID]*peerState

	ctx context.Context
	wg  *sync.WaitGroup
}

// peerState is the local bookkeeping for one connected peer: the wants this
// node has decided the peer should know about, and a watermark of how much
// of that list has actually been flushed to the wire.
type peerState struct {
	id peer.ID

	lk       sync.Mutex
	wants    *wantlist.Wantlist
	sentSeq  uint64 // wants up to this seq are on the wire
	sendFull bool   // next flush sends the whole list, not a delta

	signal chan struct{}
	done   chan struct{}
}

func newPeerManager(ctx context.Context, wg *sync.WaitGroup, send sendFunc) *peerManager {
	return &peerManager{
		send:  send,
		peers: make(map[peer.ID]*peerState),
		ctx:   ctx,
		wg:    wg,
	}
}

// Connected registers a peer and seeds its outbound list with the given
// wants, typically the keys of every live broadcast want.
func (pm *peerManager) Connected(p peer.ID, seed []wantlist.Entry) {
	pm.lk.Lock()
	if _, ok := pm.peers[p]; ok {
		pm.lk.Unlock()
		return
	}
	ps := &peerState{
		id:       p,
		wants:    wantlist.New(),
		sendFull: true,
		signal:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	for _, e := range seed {
		ps.wants.Add(e.Cid, e.Priority, e.WantType)
	}
	pm.peers[p] = ps
	pm.lk.Unlock()

	pm.wg.Add(1)
	go func() {
		defer pm.wg.Done()
		pm.flusher(ps)
	}()
	ps.poke()
}

// Disconnected drops the peer's state and stops its flusher. Wants never
// acknowledged are simply forgotten; the want manager decides whether the
// key needs a new source.
func (pm *peerManager) Disconnected(p peer.ID) {
	pm.lk.Lock()
	ps, ok := pm.peers[p]
	if ok {
		delete(pm.peers, p)
	}
	pm.lk.Unlock()
	if ok {
		close(ps.done)
	}
}

// ConnectedPeers lists the peers the manager currently tracks.
func (pm *peerManager) ConnectedPeers() []peer.ID {
	pm.lk.RLock()
	defer pm.lk.RUnlock()
	out := make([]peer.ID, 0, len(pm.peers))
	for p := range pm.peers {
		out = append(out, p)
	}
	return out
}

// BroadcastWant queues a want-have for the key to every connected peer.
func (pm *peerManager) BroadcastWant(c cid.Cid, priority int32) {
	pm.lk.RLock()
	defer pm.lk.RUnlock()
	for _, ps := range pm.peers {
		ps.addWant(c, priority, wantlist.WantHave)
	}
}

// SendWantTo queues a want of the given type to one specific peer, typically
// a want-block to a peer that answered HAVE.
func (pm *peerManager) SendWantTo(p peer.ID, c cid.Cid, priority int32, wtype wantlist.WantType) {
	pm.lk.RLock()
	ps, ok := pm.peers[p]
	pm.lk.RUnlock()
	if !ok {
		return
	}
	ps.addWant(c, priority, wtype)
}

// RemoveWant queues a cancel for the key to every peer that was told about
// it. Peers that never saw the want skip the cancel entirely.
func (pm *peerManager) RemoveWant(c cid.Cid) {
	pm.lk.RLock()
	defer pm.lk.RUnlock()
	for _, ps := range pm.peers {
		ps.removeWant(c)
	}
}

func (ps *peerState) addWant(c cid.Cid, priority int32, wtype wantlist.WantType) {
	ps.lk.Lock()
	ps.wants.Add(c, priority, wtype)
	ps.lk.Unlock()
	ps.poke()
}

func (ps *peerState) removeWant(c cid.Cid) {
	ps.lk.Lock()
	ok := ps.wants.Remove(c)
	ps.lk.Unlock()
	if ok {
		ps.poke()
	}
}

func (ps *peerState) poke() {
	select {
	case ps.signal <- struct{}{}:
	default:
	}
}

// flusher drains the peer's pending delta to the wire. One goroutine per
// peer; a send in flight never blocks enqueueing more wants.
func (pm *peerManager) flusher(ps *peerState) {
	for {
		select {
		case <-pm.ctx.Done():
			return
		case <-ps.done:
			return
		case <-ps.signal:
		}

		for pm.flushOnce(ps) {
		}
	}
}

// flushOnce sends at most one message worth of pending delta. Returns true
// if more remains.
func (pm *peerManager) flushOnce(ps *peerState) bool {
	ps.lk.Lock()
	full := ps.sendFull
	since := ps.sentSeq
	if full {
		since = 0
	}
	changed, removed := ps.wants.DiffSince(since)
	head := ps.wants.Seq()
	ps.lk.Unlock()

	// A full message replaces the receiver's mirror; pending cancels are
	// implied by absence.
	if full {
		removed = nil
	}
	if len(changed) == 0 && len(removed) == 0 {
		return false
	}

	// Adds and cancels flush as one sequence-ordered stream, chunked
	// together under the entry cap. The watermark then advances past
	// exactly the chunk that went out, so a truncated flush can never
	// skip a tombstone, and no single message exceeds what the codec
	// accepts. A key appears at most once: a re-add clears its tombstone
	// and a removal drops its entry.
	type delta struct {
		entry  wantlist.Entry
		cancel bool
	}
	pending := make([]delta, 0, len(changed)+len(removed))
	for _, e := range changed {
		pending = append(pending, delta{entry: e})
	}
	for _, e := range removed {
		pending = append(pending, delta{entry: e, cancel: true})
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].entry.Seq < pending[j].entry.Seq })

	flushedTo := head
	if len(pending) > maxEntriesPerSend {
		pending = pending[:maxEntriesPerSend]
		flushedTo = pending[len(pending)-1].entry.Seq
	}

	msg := message.New(full)
	for _, d := range pending {
		if d.cancel {
			msg.Cancel(d.entry.Cid)
		} else {
			msg.AddEntry(d.entry.Cid, d.entry.Priority, d.entry.WantType, true)
		}
	}

	ctx, cancel := context.WithCancel(pm.ctx)
	go func() {
		select {
		case <-ps.done:
			cancel()
		case <-ctx.Done():
		}
	}()
	err := pm.send(ctx, ps.id, msg)
	cancel()
	if err != nil {
		log.Debugw("wantlist flush failed", "peer", ps.id, "err", err)
		// The peer is likely going away; the disconnect notification
		// cleans up. Do not advance the watermark.
		return false
	}

	ps.lk.Lock()
	ps.sentSeq = flushedTo
	// A truncated full send continues as deltas; the receiver replaced
	// its mirror with the first chunk and patches in the rest.
	ps.sendFull = ps.sendFull && !full
	ps.wants.GC(ps.sentSeq)
	more := ps.wants.Seq() > ps.sentSeq
	ps.lk.Unlock()
	return more
}
