package exchange

import (
	"context"
	"sync"
	"time"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/blockswap-project/blockswap/exchange/wantlist"
)

// wantState is the lifecycle position of a single wanted key.
type wantState int

const (
	// stateWanted: broadcast sent, no peer has claimed the block yet.
	stateWanted wantState = iota
	// stateResolving: a want-block is in flight to a known source.
	stateResolving
	// stateResolved: the block arrived, was verified and stored.
	stateResolved
	// stateCanceled: every requester gave up before resolution.
	stateCanceled
)

// wantEntry is the shared state for one wanted key. All concurrent requests
// for the same key coalesce onto one entry; the first registration creates
// it and triggers the broadcast, later ones only add a reference.
//
// Each entry has its own mutex. Cross-peer traffic for distinct keys never
// contends on a single lock; the manager's map lock is held only for
// lookup and insertion.
type wantEntry struct {
	lk sync.Mutex

	c        cid.Cid
	state    wantState
	priority int32
	refs     int

	// sources are peers that answered HAVE and have not retracted it.
	sources map[peer.ID]struct{}
	// asked are sources that already received a want-block, so a flapping
	// HAVE does not trigger a duplicate ask.
	asked map[peer.ID]struct{}
	// resolvingFrom is the source the in-flight want-block went to.
	resolvingFrom peer.ID

	block blocks.Block
	err   error
	// done is closed exactly once, on resolution, cancellation or terminal
	// failure. Waiters block on it.
	done chan struct{}

	created       time.Time
	lastBroadcast time.Time
}

func (we *wantEntry) close(st wantState, b blocks.Block, err error) {
	we.state = st
	we.block = b
	we.err = err
	close(we.done)
}

// wantSender is the slice of the peer manager the want manager drives.
type wantSender interface {
	BroadcastWant(c cid.Cid, priority int32)
	SendWantTo(p peer.ID, c cid.Cid, priority int32, wtype wantlist.WantType)
	RemoveWant(c cid.Cid)
}

// wantManager tracks every key this node currently wants and drives each
// key through its lifecycle as presences, blocks and disconnects come in.
// The actual wire traffic is delegated to the peer manager.
type wantManager struct {
	pm wantSender

	lk    sync.RWMutex
	wants map[cid.Cid]*wantEntry
}

func newWantManager(pm wantSender) *wantManager {
	return &wantManager{
		pm:    pm,
		wants: make(map[cid.Cid]*wantEntry),
	}
}

// register adds a requester for the key, creating the entry and broadcasting
// the want if this is the first one. The returned entry is live until the
// caller passes it to release or it closes.
func (wm *wantManager) register(c cid.Cid, priority int32) *wantEntry {
	wm.lk.Lock()
	we, ok := wm.wants[c]
	if ok {
		we.lk.Lock()
		we.refs++
		if priority > we.priority {
			we.priority = priority
		}
		we.lk.Unlock()
		wm.lk.Unlock()
		return we
	}

	we = &wantEntry{
		c:        c,
		state:    stateWanted,
		priority: priority,
		refs:     1,
		sources:  make(map[peer.ID]struct{}),
		asked:    make(map[peer.ID]struct{}),
		done:     make(chan struct{}),
		created:  time.Now(),
	}
	we.lastBroadcast = we.created
	wm.wants[c] = we
	wm.lk.Unlock()

	wm.pm.BroadcastWant(c, priority)
	return we
}

// release drops one requester. When the last one goes and the key is still
// unresolved the want is canceled everywhere.
func (wm *wantManager) release(we *wantEntry) {
	we.lk.Lock()
	we.refs--
	lastOut := we.refs == 0 && we.state != stateResolved && we.state != stateCanceled
	if lastOut {
		we.close(stateCanceled, nil, context.Canceled)
	}
	we.lk.Unlock()

	if lastOut {
		wm.drop(we.c)
		wm.pm.RemoveWant(we.c)
	}
}

// addSource records a HAVE for the key. The first usable source moves the
// want to resolving by sending it a want-block; further sources are kept as
// fallbacks.
func (wm *wantManager) addSource(c cid.Cid, p peer.ID) {
	we := wm.get(c)
	if we == nil {
		return
	}

	we.lk.Lock()
	defer we.lk.Unlock()
	if we.state == stateResolved || we.state == stateCanceled {
		return
	}
	we.sources[p] = struct{}{}
	if we.state == stateWanted {
		wm.askLocked(we, p)
	}
}

// dontHave records a DONT_HAVE from the peer. If the in-flight ask was to
// that peer, the want falls back to another source, or back to wanted when
// none remain.
func (wm *wantManager) dontHave(c cid.Cid, p peer.ID) {
	we := wm.get(c)
	if we == nil {
		return
	}

	we.lk.Lock()
	defer we.lk.Unlock()
	wm.loseSourceLocked(we, p)
}

// disconnected strips the peer from every live want. Wants whose in-flight
// ask was to the peer fail over or revert to wanted; their requesters keep
// waiting rather than seeing an error, because the broadcast remains live.
func (wm *wantManager) disconnected(p peer.ID) {
	for _, we := range wm.live() {
		we.lk.Lock()
		wm.loseSourceLocked(we, p)
		we.lk.Unlock()
	}
}

// resolve completes the key with a verified, stored block. It reports
// whether this call was the resolving one; every concurrent and duplicate
// delivery after the first returns false and changes nothing.
func (wm *wantManager) resolve(c cid.Cid, b blocks.Block) bool {
	we := wm.get(c)
	if we == nil {
		return false
	}

	we.lk.Lock()
	if we.state == stateResolved || we.state == stateCanceled {
		we.lk.Unlock()
		return false
	}
	we.close(stateResolved, b, nil)
	we.lk.Unlock()

	wm.drop(c)
	wm.pm.RemoveWant(c)
	return true
}

// fail terminates the key with an error, waking every requester. Used when a
// bounded provider search comes up empty.
func (wm *wantManager) fail(c cid.Cid, err error) {
	we := wm.get(c)
	if we == nil {
		return
	}

	we.lk.Lock()
	if we.state == stateResolved || we.state == stateCanceled {
		we.lk.Unlock()
		return
	}
	we.close(stateCanceled, nil, err)
	we.lk.Unlock()

	wm.drop(c)
	wm.pm.RemoveWant(c)
}

// askLocked sends a want-block to the peer and moves the entry to resolving.
// Caller holds we.lk.
func (wm *wantManager) askLocked(we *wantEntry, p peer.ID) {
	if _, dup := we.asked[p]; dup {
		return
	}
	we.asked[p] = struct{}{}
	we.resolvingFrom = p
	we.state = stateResolving
	wm.pm.SendWantTo(p, we.c, we.priority, wantlist.WantBlock)
}

// loseSourceLocked removes the peer as a source and fails the in-flight ask
// over if needed. Caller holds we.lk.
func (wm *wantManager) loseSourceLocked(we *wantEntry, p peer.ID) {
	if we.state == stateResolved || we.state == stateCanceled {
		return
	}
	delete(we.sources, p)
	delete(we.asked, p)
	if we.state != stateResolving || we.resolvingFrom != p {
		return
	}
	we.resolvingFrom = ""
	for next := range we.sources {
		if _, dup := we.asked[next]; dup {
			continue
		}
		wm.askLocked(we, next)
		return
	}
	// No source left. Back to wanted; the rebroadcast worker keeps the
	// key alive.
	we.state = stateWanted
}

// live returns every unresolved entry, for rebroadcast and provider search.
func (wm *wantManager) live() []*wantEntry {
	wm.lk.RLock()
	defer wm.lk.RUnlock()
	out := make([]*wantEntry, 0, len(wm.wants))
	for _, we := range wm.wants {
		out = append(out, we)
	}
	return out
}

// liveEntries snapshots the live wants as wantlist entries, used to seed
// newly connected peers.
func (wm *wantManager) liveEntries() []wantlist.Entry {
	live := wm.live()
	out := make([]wantlist.Entry, 0, len(live))
	for _, we := range live {
		we.lk.Lock()
		if we.state == stateWanted || we.state == stateResolving {
			out = append(out, wantlist.Entry{Cid: we.c, Priority: we.priority, WantType: wantlist.WantHave})
		}
		we.lk.Unlock()
	}
	return out
}

func (wm *wantManager) get(c cid.Cid) *wantEntry {
	wm.lk.RLock()
	defer wm.lk.RUnlock()
	return wm.wants[c]
}

func (wm *wantManager) drop(c cid.Cid) {
	wm.lk.Lock()
	delete(wm.wants, c)
	wm.lk.Unlock()
}

// wanted reports whether the key has a live want, used to filter inbound
// blocks nobody asked for.
func (wm *wantManager) wanted(c cid.Cid) bool {
	return wm.get(c) != nil
}
