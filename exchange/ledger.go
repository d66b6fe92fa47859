package exchange

import (
	"sync"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/blockswap-project/blockswap/exchange/wantlist"
)

// ledger stores the data exchange relationship between the local node and a
// remote peer: traffic accounting plus the wantlist the peer has sent us.
// It is created on first contact and dropped on disconnect.
type ledger struct {
	lk sync.RWMutex

	// Partner is the remote peer.
	Partner peer.ID

	// Accounting tracks bytes and blocks in both directions. Mutated
	// only on confirmed sends (after the stream write returned) and on
	// verified receives.
	Accounting debtMeter

	// wantList is what the partner currently wants from us, including
	// wants we cannot serve yet. Entries linger until canceled or
	// served, which is what makes push-on-resolve possible.
	wantList *wantlist.Wantlist

	// lastExchange is when we last swapped data with this peer.
	lastExchange time.Time

	// violations counts protocol violations attributed to the partner.
	violations uint64
}

func newLedger(p peer.ID) *ledger {
	return &ledger{
		Partner:  p,
		wantList: wantlist.New(),
	}
}

// debtMeter tracks the byte and block totals for one peer relationship.
type debtMeter struct {
	BytesSent  uint64
	BytesRecv  uint64
	BlocksSent uint64
	BlocksRecv uint64
}

// DebtRatio is how much this node has sent the partner relative to what it
// received back. Higher means the partner owes us; the serve policy favors
// peers with a low ratio.
func (m *debtMeter) DebtRatio() float64 {
	return float64(m.BytesSent) / float64(m.BytesRecv+1)
}

// SentBytes records a confirmed transmission to the partner.
func (l *ledger) SentBytes(n, blockCount int) {
	l.lk.Lock()
	defer l.lk.Unlock()
	l.lastExchange = time.Now()
	l.Accounting.BytesSent += uint64(n)
	l.Accounting.BlocksSent += uint64(blockCount)
}

// ReceivedBytes records a verified receipt from the partner.
func (l *ledger) ReceivedBytes(n, blockCount int) {
	l.lk.Lock()
	defer l.lk.Unlock()
	l.lastExchange = time.Now()
	l.Accounting.BytesRecv += uint64(n)
	l.Accounting.BlocksRecv += uint64(blockCount)
}

// Wants records that the partner asked for the given key.
func (l *ledger) Wants(c cid.Cid, priority int32, wtype wantlist.WantType) {
	l.lk.Lock()
	defer l.lk.Unlock()
	l.wantList.Add(c, priority, wtype)
}

// ClearWantlist resets the partner's wantlist, for messages carrying a full
// list rather than a delta.
func (l *ledger) ClearWantlist() {
	l.lk.Lock()
	defer l.lk.Unlock()
	l.wantList = wantlist.New()
}

// CancelWant retracts a want from the partner's list. Returns true if the
// entry existed.
func (l *ledger) CancelWant(c cid.Cid) bool {
	l.lk.Lock()
	defer l.lk.Unlock()
	return l.wantList.Remove(c)
}

// ClearServedWant drops the partner's want for a key that was just sent to
// it as a full block.
func (l *ledger) ClearServedWant(c cid.Cid) {
	l.lk.Lock()
	defer l.lk.Unlock()
	l.wantList.Remove(c)
}

// WantListContains reports whether the partner currently wants the key.
func (l *ledger) WantListContains(c cid.Cid) (wantlist.Entry, bool) {
	l.lk.RLock()
	defer l.lk.RUnlock()
	return l.wantList.Contains(c)
}

// Entries returns the partner's current wantlist.
func (l *ledger) Entries() []wantlist.Entry {
	l.lk.RLock()
	defer l.lk.RUnlock()
	return l.wantList.Entries()
}

// RecordViolation downgrades the partner's standing.
func (l *ledger) RecordViolation() {
	l.lk.Lock()
	defer l.lk.Unlock()
	l.violations++
}

func (l *ledger) debtRatio() float64 {
	l.lk.RLock()
	defer l.lk.RUnlock()
	return l.Accounting.DebtRatio()
}

// Receipt is an aggregated view of the relationship with a peer, suitable
// for introspection surfaces.
type Receipt struct {
	Peer       string
	Value      float64
	Sent       uint64
	Recv       uint64
	Exchanged  uint64
	Violations uint64
}

func (l *ledger) Receipt() *Receipt {
	l.lk.RLock()
	defer l.lk.RUnlock()
	return &Receipt{
		Peer:       l.Partner.String(),
		Value:      l.Accounting.DebtRatio(),
		Sent:       l.Accounting.BytesSent,
		Recv:       l.Accounting.BytesRecv,
		Exchanged:  l.Accounting.BlocksSent + l.Accounting.BlocksRecv,
		Violations: l.violations,
	}
}
