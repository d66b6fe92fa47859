package exchange

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/jpillora/backoff"
	"github.com/libp2p/go-libp2p/core/peer"
	"golang.org/x/xerrors"

	"github.com/blockswap-project/blockswap/blockstore"
	"github.com/blockswap-project/blockswap/exchange/message"
	"github.com/blockswap-project/blockswap/exchange/network"
	"github.com/blockswap-project/blockswap/exchange/wantlist"
)

var log = logging.Logger("blockswap")

const (
	defaultPriority = int32(1)

	// rebroadcastInterval is how often wants without a known source are
	// re-announced and provider search is retried.
	rebroadcastInterval = 30 * time.Second

	// provideTimeout bounds a single routing announcement.
	provideTimeout = 15 * time.Second

	// findProvidersCount is the number of providers asked from the
	// routing layer per search round.
	findProvidersCount = 6

	resolvedCacheSize = 512
)

// Option configures the exchange.
type Option func(*Exchange)

// WithTaskPrioritizer replaces the serve-order policy.
func WithTaskPrioritizer(tp TaskPrioritizer) Option {
	return func(e *Exchange) { e.prioritizer = tp }
}

// WithProviderSearchBudget bounds how many empty provider-search rounds a
// sourceless want survives before it fails with ErrNoProviders. Zero, the
// default, means wants only end by delivery, cancellation or context.
func WithProviderSearchBudget(rounds int) Option {
	return func(e *Exchange) { e.searchBudget = rounds }
}

// WithTaskWorkers sets the number of serve workers.
func WithTaskWorkers(n int) Option {
	return func(e *Exchange) { e.taskWorkers = n }
}

// WithRebroadcastInterval overrides how often sourceless wants are
// re-announced and provider search retried.
func WithRebroadcastInterval(d time.Duration) Option {
	return func(e *Exchange) { e.rebroadcast = d }
}

// Exchange ties the serve engine, the want manager and the network together
// and implements Interface. It is the network's Receiver: all inbound
// traffic enters here.
type Exchange struct {
	network network.Network
	bs      blockstore.Blockstore

	engine *engine
	pm     *peerManager
	wm     *wantManager

	// resolved caches recently fetched blocks so a burst of requests for
	// a hot key skips the blockstore.
	resolved *lru.Cache[cid.Cid, blocks.Block]

	prioritizer  TaskPrioritizer
	searchBudget int
	taskWorkers  int
	rebroadcast  time.Duration

	counters struct {
		blocksRecvd   uint64
		dataRecvd     uint64
		dupBlksRecvd  uint64
		dupDataRecvd  uint64
		blocksSent    uint64
		dataSent      uint64
		messagesRecvd uint64
		invalidBlks   uint64
	}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once
	closed    chan struct{}
}

var _ Interface = (*Exchange)(nil)
var _ network.Receiver = (*Exchange)(nil)

// New wires up an exchange over the given network and blockstore and starts
// its workers. The caller owns both collaborators.
func New(parent context.Context, net network.Network, bs blockstore.Blockstore, opts ...Option) *Exchange {
	ctx, cancel := context.WithCancel(parent)

	e := &Exchange{
		network:     net,
		bs:          bs,
		prioritizer: defaultTaskPrioritizer,
		rebroadcast: rebroadcastInterval,
		ctx:         ctx,
		cancel:      cancel,
		closed:      make(chan struct{}),
	}
	for _, o := range opts {
		o(e)
	}

	e.resolved, _ = lru.New[cid.Cid, blocks.Block](resolvedCacheSize)

	e.pm = newPeerManager(ctx, &e.wg, e.sendMessage)
	e.wm = newWantManager(e.pm)
	e.engine = newEngine(bs, net.ConnectionManager(), net.Self(),
		e.sendMessage, e.onBlocksServed, e.prioritizer)

	e.engine.startWorkers(ctx, &e.wg, e.taskWorkers)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.rebroadcastWorker(ctx)
	}()

	net.Start(e)

	// Peers connected before Start do not replay their connect events.
	for _, p := range net.ConnectedPeers() {
		e.PeerConnected(p)
	}

	return e
}

// sendMessage is the outbound path for both the serve engine and the peer
// manager, classifying failures before they propagate.
func (e *Exchange) sendMessage(ctx context.Context, p peer.ID, m *message.Message) error {
	if err := e.network.SendMessage(ctx, p, m); err != nil {
		return classifySendErr(p, err)
	}
	return nil
}

// classifySendErr tags a failed send. A one-shot stream send fails almost
// exclusively because the peer is gone or going, so the whole class maps to
// ErrPeerUnavailable; callers stop retrying and let the disconnect
// notification clean up.
func classifySendErr(p peer.ID, err error) error {
	return xerrors.Errorf("sending to %s: %s: %w", p, err, ErrPeerUnavailable)
}

// Close stops the workers and fails outstanding fetches.
func (e *Exchange) Close() error {
	e.closeOnce.Do(func() {
		close(e.closed)
		e.network.Stop()
		e.cancel()
		for _, we := range e.wm.live() {
			e.wm.fail(we.c, ErrClosed)
		}
		e.wg.Wait()
	})
	return nil
}

// GetBlock fetches a single block.
func (e *Exchange) GetBlock(ctx context.Context, c cid.Cid) (blocks.Block, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	if !c.Defined() {
		return nil, xerrors.New("undefined cid")
	}

	if b, ok := e.resolved.Get(c); ok {
		return b, nil
	}
	if b, err := e.bs.Get(ctx, c); err == nil {
		return b, nil
	}

	we := e.wm.register(c, defaultPriority)
	defer e.wm.release(we)

	// The block may have resolved between the store miss and registration;
	// the freshly registered want would then wait on peers that already
	// saw our cancel. The store is written before resolution, so one more
	// check after registering closes the window.
	if b, ok := e.resolved.Get(c); ok {
		return b, nil
	}
	if b, err := e.bs.Get(ctx, c); err == nil {
		return b, nil
	}

	select {
	case <-we.done:
		if we.err != nil {
			return nil, we.err
		}
		return we.block, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-e.closed:
		return nil, ErrClosed
	}
}

// GetBlocks fetches a batch of blocks. All wants are registered up front so
// a slow early key does not delay the broadcast of the rest.
func (e *Exchange) GetBlocks(ctx context.Context, ks []cid.Cid) (<-chan blocks.Block, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}

	out := make(chan blocks.Block)
	if len(ks) == 0 {
		close(out)
		return out, nil
	}

	type pending struct {
		we *wantEntry
	}
	var local []blocks.Block
	var remote []pending
	for _, c := range ks {
		if b, ok := e.resolved.Get(c); ok {
			local = append(local, b)
			continue
		}
		if b, err := e.bs.Get(ctx, c); err == nil {
			local = append(local, b)
			continue
		}
		we := e.wm.register(c, defaultPriority)
		// Same post-registration check as GetBlock: the key may have
		// resolved while we were registering.
		if b, err := e.bs.Get(ctx, c); err == nil {
			e.wm.release(we)
			local = append(local, b)
			continue
		}
		remote = append(remote, pending{we: we})
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer close(out)
		defer func() {
			for _, p := range remote {
				e.wm.release(p.we)
			}
		}()

		for _, b := range local {
			select {
			case out <- b:
			case <-ctx.Done():
				return
			case <-e.closed:
				return
			}
		}

		// Deliver in completion order.
		done := make(chan blocks.Block)
		var inner sync.WaitGroup
		for _, p := range remote {
			we := p.we
			inner.Add(1)
			go func() {
				defer inner.Done()
				select {
				case <-we.done:
					if we.err == nil {
						select {
						case done <- we.block:
						case <-ctx.Done():
						case <-e.closed:
						}
					}
				case <-ctx.Done():
				case <-e.closed:
				}
			}()
		}
		go func() {
			inner.Wait()
			close(done)
		}()

		for b := range done {
			select {
			case out <- b:
			case <-ctx.Done():
				return
			case <-e.closed:
				return
			}
		}
	}()
	return out, nil
}

// PutBlock stores a locally produced block, serves standing wants for it and
// announces it.
func (e *Exchange) PutBlock(ctx context.Context, b blocks.Block) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	if err := e.bs.Put(ctx, b); err != nil {
		return xerrors.Errorf("putting block %s: %w", b.Cid(), err)
	}

	// A local put resolves our own want for the key, if any.
	e.wm.resolve(b.Cid(), b)
	e.resolved.Add(b.Cid(), b)

	e.engine.ReceivedBlocksFrom("", []blocks.Block{b})
	e.provideAsync(b.Cid())
	return nil
}

// ReceiveMessage handles one inbound message: presences feed the want state
// machine, blocks are verified, stored and resolved, wants go to the serve
// engine. Messages from one peer arrive in order; distinct peers are
// processed concurrently.
func (e *Exchange) ReceiveMessage(ctx context.Context, p peer.ID, m *message.Message) {
	atomic.AddUint64(&e.counters.messagesRecvd, 1)

	for _, pr := range m.BlockPresences() {
		switch pr.Type {
		case message.Have:
			e.wm.addSource(pr.Cid, p)
		case message.DontHave:
			e.wm.dontHave(pr.Cid, p)
		}
	}

	if blks := m.Blocks(); len(blks) > 0 {
		e.receiveBlocksFrom(ctx, p, blks)
	}

	if len(m.Wantlist()) > 0 || m.Full() {
		e.engine.MessageReceived(ctx, p, m)
	}
}

// receiveBlocksFrom verifies, stores and resolves a batch of inbound blocks.
// Store-before-resolve: a waiter woken by resolution can rely on the block
// being readable from the blockstore.
func (e *Exchange) receiveBlocksFrom(ctx context.Context, from peer.ID, blks []blocks.Block) {
	valid := make([]blocks.Block, 0, len(blks))
	for _, b := range blks {
		if !verifyBlock(b) {
			atomic.AddUint64(&e.counters.invalidBlks, 1)
			e.ReceiveError(from, xerrors.Errorf(
				"block payload does not hash to its claimed key %s: %w",
				b.Cid(), ErrProtocolViolation))
			continue
		}
		if !e.wm.wanted(b.Cid()) {
			// Unsolicited, or a duplicate arriving after resolution.
			atomic.AddUint64(&e.counters.dupBlksRecvd, 1)
			atomic.AddUint64(&e.counters.dupDataRecvd, uint64(len(b.RawData())))
			continue
		}
		valid = append(valid, b)
	}
	if len(valid) == 0 {
		return
	}

	if err := e.bs.PutMany(ctx, valid); err != nil {
		// The blocks arrived but durability failed; waiters get the
		// store error rather than a block that may not be readable.
		log.Errorf("storing %d received blocks: %s", len(valid), err)
		for _, b := range valid {
			e.wm.fail(b.Cid(), xerrors.Errorf("storing block %s: %w", b.Cid(), err))
		}
		return
	}

	for _, b := range valid {
		atomic.AddUint64(&e.counters.blocksRecvd, 1)
		atomic.AddUint64(&e.counters.dataRecvd, uint64(len(b.RawData())))

		if !e.wm.resolve(b.Cid(), b) {
			// Lost the race with another source.
			atomic.AddUint64(&e.counters.dupBlksRecvd, 1)
			atomic.AddUint64(&e.counters.dupDataRecvd, uint64(len(b.RawData())))
			continue
		}
		e.resolved.Add(b.Cid(), b)
		e.provideAsync(b.Cid())
	}

	// Ledger credit and redistribution cover the whole verified batch.
	e.engine.ReceivedBlocksFrom(from, valid)
}

// ReceiveError handles a failure attributed to a peer: a broken inbound
// stream, or data the exchange itself rejected. Malformed messages and
// ErrProtocolViolation count against the peer's ledger; transport errors are
// only logged.
func (e *Exchange) ReceiveError(p peer.ID, err error) {
	if xerrors.Is(err, ErrProtocolViolation) || xerrors.Is(err, message.ErrMalformed) {
		e.engine.RecordViolation(p)
		log.Warnw("protocol violation", "peer", p, "err", err)
		return
	}
	log.Debugw("inbound stream error", "peer", p, "err", err)
}

func (e *Exchange) PeerConnected(p peer.ID) {
	e.engine.PeerConnected(p)
	e.pm.Connected(p, e.wm.liveEntries())
}

func (e *Exchange) PeerDisconnected(p peer.ID) {
	e.engine.PeerDisconnected(p)
	e.pm.Disconnected(p)
	e.wm.disconnected(p)
}

// WantlistForPeer returns the keys the given peer wants from us.
func (e *Exchange) WantlistForPeer(p peer.ID) []wantlist.Entry {
	return e.engine.WantlistForPeer(p)
}

// GetWantlist returns the keys this node currently wants.
func (e *Exchange) GetWantlist() []wantlist.Entry {
	live := e.wm.live()
	out := make([]wantlist.Entry, 0, len(live))
	for _, we := range live {
		out = append(out, wantlist.Entry{Cid: we.c, Priority: we.priority, WantType: wantlist.WantHave})
	}
	return out
}

// LedgerForPeer returns the traffic accounting for the peer.
func (e *Exchange) LedgerForPeer(p peer.ID) *Receipt {
	return e.engine.LedgerForPeer(p)
}

// Stat returns a snapshot of the exchange counters.
func (e *Exchange) Stat() (*Stat, error) {
	peers := e.engine.Peers()
	strs := make([]string, 0, len(peers))
	for _, p := range peers {
		strs = append(strs, p.String())
	}

	return &Stat{
		Wantlist:          e.GetWantlist(),
		Peers:             strs,
		BlocksReceived:    atomic.LoadUint64(&e.counters.blocksRecvd),
		DataReceived:      atomic.LoadUint64(&e.counters.dataRecvd),
		DupBlksReceived:   atomic.LoadUint64(&e.counters.dupBlksRecvd),
		DupDataReceived:   atomic.LoadUint64(&e.counters.dupDataRecvd),
		BlocksSent:        atomic.LoadUint64(&e.counters.blocksSent),
		DataSent:          atomic.LoadUint64(&e.counters.dataSent),
		MessagesReceived:  atomic.LoadUint64(&e.counters.messagesRecvd),
		InvalidBlocksRecv: atomic.LoadUint64(&e.counters.invalidBlks),
	}, nil
}

func (e *Exchange) onBlocksServed(p peer.ID, dataBytes, blockCount int) {
	atomic.AddUint64(&e.counters.blocksSent, uint64(blockCount))
	atomic.AddUint64(&e.counters.dataSent, uint64(dataBytes))
}

// rebroadcastWorker periodically re-announces sourceless wants and asks the
// routing layer for providers. Provider search intervals back off per key.
func (e *Exchange) rebroadcastWorker(ctx context.Context) {
	type searchState struct {
		next    time.Time
		off     *backoff.Backoff
		rounds  int
		inQuery bool
	}
	searches := make(map[cid.Cid]*searchState)

	tick := time.NewTicker(e.rebroadcast / 3)
	defer tick.Stop()

	queryDone := make(chan cid.Cid)

	for {
		select {
		case <-ctx.Done():
			return
		case c := <-queryDone:
			if st, ok := searches[c]; ok {
				st.inQuery = false
			}
		case <-tick.C:
		}

		live := e.wm.live()
		seen := cid.NewSet()
		for _, we := range live {
			we.lk.Lock()
			needsSearch := we.state == stateWanted
			rebroadcast := needsSearch && time.Since(we.lastBroadcast) > e.rebroadcast
			if rebroadcast {
				we.lastBroadcast = time.Now()
			}
			c, priority := we.c, we.priority
			we.lk.Unlock()

			seen.Add(c)
			if rebroadcast {
				e.pm.BroadcastWant(c, priority)
			}
			if !needsSearch {
				continue
			}

			st, ok := searches[c]
			if !ok {
				st = &searchState{
					off: &backoff.Backoff{
						Min:    e.rebroadcast,
						Max:    10 * time.Minute,
						Factor: 2,
						Jitter: true,
					},
				}
				searches[c] = st
			}
			if st.inQuery || time.Now().Before(st.next) {
				continue
			}
			if e.searchBudget > 0 && st.rounds >= e.searchBudget {
				e.wm.fail(c, ErrNoProviders)
				continue
			}
			st.rounds++
			st.next = time.Now().Add(st.off.Duration())
			st.inQuery = true

			e.wg.Add(1)
			go func() {
				defer e.wg.Done()
				e.findProviders(ctx, c)
				select {
				case queryDone <- c:
				case <-ctx.Done():
				}
			}()
		}

		// Forget search state for keys no longer live.
		for c := range searches {
			if !seen.Has(c) {
				delete(searches, c)
			}
		}
	}
}

// findProviders runs one provider-search round for the key, connecting to
// the discovered peers. A successful connect feeds the want through the
// normal PeerConnected seeding path.
func (e *Exchange) findProviders(ctx context.Context, c cid.Cid) {
	sctx, cancel := context.WithTimeout(ctx, e.rebroadcast)
	defer cancel()

	for p := range e.network.FindProvidersAsync(sctx, c, findProvidersCount) {
		p := p
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := e.network.ConnectTo(sctx, p); err != nil {
				log.Debugw("connecting to provider", "peer", p, "cid", c, "err", err)
			}
		}()
	}
}

func (e *Exchange) provideAsync(c cid.Cid) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ctx, cancel := context.WithTimeout(e.ctx, provideTimeout)
		defer cancel()
		if err := e.network.Provide(ctx, c); err != nil && e.ctx.Err() == nil {
			log.Debugw("provide failed", "cid", c, "err", err)
		}
	}()
}

func (e *Exchange) checkOpen() error {
	select {
	case <-e.closed:
		return ErrClosed
	default:
		return nil
	}
}

// verifyBlock checks that the payload hashes to the claimed key.
func verifyBlock(b blocks.Block) bool {
	chk, err := b.Cid().Prefix().Sum(b.RawData())
	if err != nil {
		return false
	}
	return chk.Equals(b.Cid())
}
