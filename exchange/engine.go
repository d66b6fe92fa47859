package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	ipld "github.com/ipfs/go-ipld-format"
	"github.com/ipfs/go-peertaskqueue"
	"github.com/ipfs/go-peertaskqueue/peertask"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/blockswap-project/blockswap/blockstore"
	"github.com/blockswap-project/blockswap/exchange/message"
	"github.com/blockswap-project/blockswap/exchange/wantlist"
)

const (
	// targetMessageSize is the ideal payload size popped off the serve
	// queue per outgoing message.
	targetMessageSize = 16 * 1024

	// maxBlockSizeReplaceHasWithBlock is the block size up to which a
	// want-have is answered with the block itself instead of a HAVE.
	maxBlockSizeReplaceHasWithBlock = 1024

	// tagFormat is the connection manager tag for peers with queued work.
	tagFormat = "blockswap-engine-%s-%s"

	queuedTagWeight = 10

	defaultTaskWorkerCount = 8
)

// PeerTagger covers the methods on the connection manager used to protect
// peers the engine has work queued for.
type PeerTagger interface {
	TagPeer(peer.ID, string, int)
	UntagPeer(p peer.ID, tag string)
}

// TaskPrioritizer decides the queue priority of a serve task, given the
// peer's debt ratio and the priority the peer attached to the want. It is a
// policy knob: the default weighs the requested priority down for peers this
// node has already sent far more data than it received.
type TaskPrioritizer func(debtRatio float64, priority int32) int

func defaultTaskPrioritizer(debtRatio float64, priority int32) int {
	return int(priority) - int(debtRatio*10)
}

// taskData describes one queued response for a peer.
type taskData struct {
	BlockSize    int
	HaveBlock    bool
	IsWantBlock  bool
	SendDontHave bool
}

// engine decides what to send the peers that want blocks this node holds.
// Requests are queued per peer; workers pop batches, read the payloads from
// the blockstore and hand finished messages to the sender.
type engine struct {
	bs blockstore.Blockstore

	peerRequestQueue *peertaskqueue.PeerTaskQueue
	workSignal       chan struct{}
	ticker           *time.Ticker

	lock      sync.RWMutex // protects ledgerMap
	ledgerMap map[peer.ID]*ledger

	tagger    PeerTagger
	tagQueued string

	sendMsg func(ctx context.Context, p peer.ID, m *message.Message) error
	onSent  func(p peer.ID, dataBytes, blockCount int)

	prioritize    TaskPrioritizer
	sendDontHaves bool
	self          peer.ID
}

func newEngine(bs blockstore.Blockstore, tagger PeerTagger, self peer.ID,
	send func(ctx context.Context, p peer.ID, m *message.Message) error,
	onSent func(p peer.ID, dataBytes, blockCount int),
	prioritize TaskPrioritizer) *engine {

	e := &engine{
		bs:            bs,
		ledgerMap:     make(map[peer.ID]*ledger),
		workSignal:    make(chan struct{}, 1),
		ticker:        time.NewTicker(time.Millisecond * 100),
		tagger:        tagger,
		sendMsg:       send,
		onSent:        onSent,
		prioritize:    prioritize,
		sendDontHaves: true,
		self:          self,
	}
	e.tagQueued = fmt.Sprintf(tagFormat, "queued", uuid.New().String())
	e.peerRequestQueue = peertaskqueue.New(
		peertaskqueue.OnPeerAddedHook(e.onPeerAdded),
		peertaskqueue.OnPeerRemovedHook(e.onPeerRemoved),
		peertaskqueue.IgnoreFreezing(true))
	return e
}

func (e *engine) startWorkers(ctx context.Context, wg *sync.WaitGroup, count int) {
	if count <= 0 {
		count = defaultTaskWorkerCount
	}
	for i := 0; i < count; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.taskWorker(ctx)
		}()
	}
}

func (e *engine) onPeerAdded(p peer.ID) {
	if e.tagger != nil {
		e.tagger.TagPeer(p, e.tagQueued, queuedTagWeight)
	}
}

func (e *engine) onPeerRemoved(p peer.ID) {
	if e.tagger != nil {
		e.tagger.UntagPeer(p, e.tagQueued)
	}
}

// MessageReceived processes the wantlist portion of an incoming message:
// cancels are dropped from the queue, serviceable wants become queued tasks,
// and unserviceable want-blocks are remembered on the ledger so the peer is
// served the moment this node obtains the block.
func (e *engine) MessageReceived(ctx context.Context, p peer.ID, m *message.Message) {
	entries := m.Wantlist()
	if len(entries) == 0 && !m.Full() {
		return
	}

	var wants, cancels []message.Entry
	for _, et := range entries {
		if et.Cancel {
			cancels = append(cancels, et)
		} else {
			wants = append(wants, et)
		}
	}

	// Look up block sizes before touching any ledger lock; the
	// blockstore may suspend.
	blockSizes := make(map[cid.Cid]int, len(wants))
	for _, entry := range wants {
		size, err := e.bs.GetSize(ctx, entry.Cid)
		if err != nil {
			if !ipld.IsNotFound(err) {
				log.Warnf("blockstore size lookup for %s: %s", entry.Cid, err)
			}
			continue
		}
		blockSizes[entry.Cid] = size
	}

	l := e.findOrCreate(p)
	if m.Full() {
		l.ClearWantlist()
	}

	newWorkExists := false
	defer func() {
		if newWorkExists {
			e.signalNewWork()
		}
	}()

	for _, entry := range cancels {
		log.Debugw("engine <- cancel", "local", e.self, "from", p, "cid", entry.Cid)
		if l.CancelWant(entry.Cid) {
			e.peerRequestQueue.Remove(entry.Cid, p)
		}
	}

	debt := l.debtRatio()

	var activeEntries []peertask.Task
	for _, entry := range wants {
		c := entry.Cid
		l.Wants(c, entry.Priority, entry.WantType)

		blockSize, found := blockSizes[c]
		if !found {
			// Not here yet. The ledger keeps the want; answer with
			// DONT_HAVE if asked to.
			if e.sendDontHaves && entry.SendDontHave {
				newWorkExists = true
				activeEntries = append(activeEntries, peertask.Task{
					Topic:    c,
					Priority: e.prioritize(debt, entry.Priority),
					Work:     message.PresenceSize(c),
					Data: &taskData{
						HaveBlock:    false,
						IsWantBlock:  entry.WantType == wantlist.WantBlock,
						SendDontHave: entry.SendDontHave,
					},
				})
			}
			continue
		}

		newWorkExists = true
		isWantBlock := e.sendAsBlock(entry.WantType, blockSize)
		entrySize := blockSize
		if !isWantBlock {
			entrySize = message.PresenceSize(c)
		}
		activeEntries = append(activeEntries, peertask.Task{
			Topic:    c,
			Priority: e.prioritize(debt, entry.Priority),
			Work:     entrySize,
			Data: &taskData{
				BlockSize:    blockSize,
				HaveBlock:    true,
				IsWantBlock:  isWantBlock,
				SendDontHave: entry.SendDontHave,
			},
		})
	}

	if len(activeEntries) > 0 {
		e.peerRequestQueue.PushTasks(p, activeEntries...)
	}
}

// ReceivedBlocksFrom is called when new blocks have been verified and added
// to the blockstore. The receive side of the sender's ledger is updated, and
// every peer with a standing want for one of the blocks gets a send queued,
// without the peer having to ask again.
func (e *engine) ReceivedBlocksFrom(from peer.ID, blks []blocks.Block) {
	if len(blks) == 0 {
		return
	}

	if from != "" {
		l := e.findOrCreate(from)
		for _, b := range blks {
			l.ReceivedBytes(len(b.RawData()), 1)
		}
	}

	work := false
	e.lock.RLock()
	for _, l := range e.ledgerMap {
		debt := l.debtRatio()
		for _, b := range blks {
			c := b.Cid()
			entry, ok := l.WantListContains(c)
			if !ok {
				continue
			}
			work = true

			blockSize := len(b.RawData())
			isWantBlock := e.sendAsBlock(entry.WantType, blockSize)
			entrySize := blockSize
			if !isWantBlock {
				entrySize = message.PresenceSize(c)
			}
			e.peerRequestQueue.PushTasks(l.Partner, peertask.Task{
				Topic:    c,
				Priority: e.prioritize(debt, entry.Priority),
				Work:     entrySize,
				Data: &taskData{
					BlockSize:    blockSize,
					HaveBlock:    true,
					IsWantBlock:  isWantBlock,
					SendDontHave: false,
				},
			})
		}
	}
	e.lock.RUnlock()

	if work {
		e.signalNewWork()
	}
}

// taskWorker pops batches off the request queue, reads the payloads and
// sends one message per batch. Ledger accounting happens only after the send
// call returned without error.
func (e *engine) taskWorker(ctx context.Context) {
	for {
		p, tasks, ok := e.nextTasks(ctx)
		if !ok {
			return
		}

		msg, sentBlocks := e.buildResponse(ctx, tasks)
		if msg.Empty() {
			e.peerRequestQueue.TasksDone(p, tasks...)
			continue
		}

		err := e.sendMsg(ctx, p, msg)
		e.peerRequestQueue.TasksDone(p, tasks...)
		if err != nil {
			log.Debugw("engine send failed", "to", p, "err", err)
			e.signalNewWork()
			continue
		}

		e.messageSent(p, msg, sentBlocks)
		e.signalNewWork()
	}
}

func (e *engine) nextTasks(ctx context.Context) (peer.ID, []*peertask.Task, bool) {
	for {
		p, tasks, _ := e.peerRequestQueue.PopTasks(targetMessageSize)
		if len(tasks) > 0 {
			return p, tasks, true
		}
		select {
		case <-ctx.Done():
			return "", nil, false
		case <-e.workSignal:
		case <-e.ticker.C:
			// A cancel may freeze the queue; thaw it periodically so
			// it cannot get stuck.
			e.peerRequestQueue.ThawRound()
		}
	}
}

func (e *engine) buildResponse(ctx context.Context, tasks []*peertask.Task) (*message.Message, int) {
	msg := message.New(false)
	sentBlocks := 0

	for _, t := range tasks {
		c := t.Topic.(cid.Cid)
		td := t.Data.(*taskData)

		if !td.HaveBlock {
			if td.SendDontHave {
				msg.AddDontHave(c)
			}
			continue
		}

		if !td.IsWantBlock {
			msg.AddHave(c)
			continue
		}

		blk, err := e.bs.Get(ctx, c)
		if err != nil {
			// Removed between queueing and now.
			if td.SendDontHave {
				msg.AddDontHave(c)
			}
			continue
		}
		msg.AddBlock(blk)
		sentBlocks++
	}
	return msg, sentBlocks
}

// messageSent records a confirmed transmission: ledger accounting, and the
// peer's inbound want entries for the served keys are cleared.
func (e *engine) messageSent(p peer.ID, m *message.Message, blockCount int) {
	l := e.findOrCreate(p)

	dataBytes := 0
	for _, b := range m.Blocks() {
		dataBytes += len(b.RawData())
		l.ClearServedWant(b.Cid())
	}
	l.SentBytes(dataBytes, blockCount)

	if e.onSent != nil {
		e.onSent(p, dataBytes, blockCount)
	}
}

// RecordViolation attributes a protocol violation to the peer.
func (e *engine) RecordViolation(p peer.ID) {
	e.findOrCreate(p).RecordViolation()
}

// WantlistForPeer returns the list of keys the given peer has asked us for.
func (e *engine) WantlistForPeer(p peer.ID) []wantlist.Entry {
	entries := e.findOrCreate(p).Entries()
	wantlist.SortEntries(entries)
	return entries
}

// LedgerForPeer returns aggregated accounting for the relationship with the
// given peer.
func (e *engine) LedgerForPeer(p peer.ID) *Receipt {
	return e.findOrCreate(p).Receipt()
}

// Peers returns the peers the engine currently tracks a ledger for.
func (e *engine) Peers() []peer.ID {
	e.lock.RLock()
	defer e.lock.RUnlock()
	out := make([]peer.ID, 0, len(e.ledgerMap))
	for _, l := range e.ledgerMap {
		out = append(out, l.Partner)
	}
	return out
}

func (e *engine) PeerConnected(p peer.ID) {
	e.lock.Lock()
	defer e.lock.Unlock()
	if _, ok := e.ledgerMap[p]; !ok {
		e.ledgerMap[p] = newLedger(p)
	}
}

func (e *engine) PeerDisconnected(p peer.ID) {
	e.lock.Lock()
	defer e.lock.Unlock()
	delete(e.ledgerMap, p)
}

// sendAsBlock upgrades a want-have to a full block send when the block is
// small enough that a HAVE round-trip is not worth it.
func (e *engine) sendAsBlock(wtype wantlist.WantType, blockSize int) bool {
	return wtype == wantlist.WantBlock || blockSize <= maxBlockSizeReplaceHasWithBlock
}

// findOrCreate lazily instantiates a ledger.
func (e *engine) findOrCreate(p peer.ID) *ledger {
	e.lock.RLock()
	l, ok := e.ledgerMap[p]
	e.lock.RUnlock()
	if ok {
		return l
	}

	e.lock.Lock()
	defer e.lock.Unlock()
	l, ok = e.ledgerMap[p]
	if !ok {
		l = newLedger(p)
		e.ledgerMap[p] = l
	}
	return l
}

func (e *engine) signalNewWork() {
	select {
	case e.workSignal <- struct{}{}:
	default:
	}
}
