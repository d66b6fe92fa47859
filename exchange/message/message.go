// Package message implements the blockswap wire message: wantlist deltas,
// block payloads and block presences, CBOR-encoded and varint-framed on the
// stream.
package message

import (
	"io"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-msgio"

	"github.com/blockswap-project/blockswap/exchange/wantlist"
)

// PresenceType says whether a presence entry advertises possession of a key
// or its absence.
type PresenceType int32

const (
	Have PresenceType = iota
	DontHave
)

// Entry is a wantlist entry in a blockswap message, with the broadcast
// metadata that only exists on the wire.
type Entry struct {
	wantlist.Entry

	// Cancel retracts a previously announced want.
	Cancel bool
	// SendDontHave asks the recipient to answer with DONT_HAVE when it
	// does not hold the block.
	SendDontHave bool
}

// Presence is a HAVE / DONT_HAVE response for a single key.
type Presence struct {
	Cid  cid.Cid
	Type PresenceType
}

// Message is a single wire message. A message may carry any mix of wantlist
// entries, blocks and presences; an empty message is valid but never sent.
type Message struct {
	full      bool
	wants     map[cid.Cid]*Entry
	blocks    map[cid.Cid]blocks.Block
	presences map[cid.Cid]PresenceType
}

// New returns a new, empty message. If full is set, the receiver replaces
// its mirror of our wantlist with the message contents instead of patching
// it.
func New(full bool) *Message {
	return &Message{
		full:      full,
		wants:     make(map[cid.Cid]*Entry),
		blocks:    make(map[cid.Cid]blocks.Block),
		presences: make(map[cid.Cid]PresenceType),
	}
}

// Full reports whether this message carries a complete wantlist rather than
// a delta.
func (m *Message) Full() bool {
	return m.full
}

// Empty reports whether the message carries no information at all.
func (m *Message) Empty() bool {
	return len(m.wants) == 0 && len(m.blocks) == 0 && len(m.presences) == 0
}

// AddEntry adds a want for the given key. A want-block for a key overrides
// an existing want-have for it.
func (m *Message) AddEntry(c cid.Cid, priority int32, wtype wantlist.WantType, sendDontHave bool) {
	m.addEntry(c, priority, wtype, false, sendDontHave)
}

// Cancel adds a retraction for the given key, overriding any want for it.
func (m *Message) Cancel(c cid.Cid) {
	m.addEntry(c, 0, wantlist.WantBlock, true, false)
}

func (m *Message) addEntry(c cid.Cid, priority int32, wtype wantlist.WantType, cancel, sendDontHave bool) {
	e, ok := m.wants[c]
	if ok {
		// Cancels and want-blocks take precedence over want-haves.
		if cancel || e.Cancel {
			cancel = cancel || e.Cancel
		}
		if e.WantType == wantlist.WantBlock {
			wtype = wantlist.WantBlock
		}
		e.Priority = priority
		e.WantType = wtype
		e.Cancel = cancel
		e.SendDontHave = e.SendDontHave || sendDontHave
		return
	}
	m.wants[c] = &Entry{
		Entry: wantlist.Entry{
			Cid:      c,
			Priority: priority,
			WantType: wtype,
		},
		Cancel:       cancel,
		SendDontHave: sendDontHave,
	}
}

// AddBlock adds a block payload to the message.
func (m *Message) AddBlock(b blocks.Block) {
	m.blocks[b.Cid()] = b
}

// AddHave adds a HAVE presence for the given key.
func (m *Message) AddHave(c cid.Cid) {
	m.addPresence(c, Have)
}

// AddDontHave adds a DONT_HAVE presence for the given key.
func (m *Message) AddDontHave(c cid.Cid) {
	m.addPresence(c, DontHave)
}

func (m *Message) addPresence(c cid.Cid, t PresenceType) {
	if _, ok := m.blocks[c]; ok && t == Have {
		// The payload itself is a stronger statement.
		return
	}
	m.presences[c] = t
}

// Wantlist returns the wantlist entries carried by this message.
func (m *Message) Wantlist() []Entry {
	out := make([]Entry, 0, len(m.wants))
	for _, e := range m.wants {
		out = append(out, *e)
	}
	return out
}

// Blocks returns the block payloads carried by this message.
func (m *Message) Blocks() []blocks.Block {
	out := make([]blocks.Block, 0, len(m.blocks))
	for _, b := range m.blocks {
		out = append(out, b)
	}
	return out
}

// BlockPresences returns the HAVE / DONT_HAVE entries carried by this
// message.
func (m *Message) BlockPresences() []Presence {
	out := make([]Presence, 0, len(m.presences))
	for c, t := range m.presences {
		out = append(out, Presence{Cid: c, Type: t})
	}
	return out
}

// Size returns the number of bytes of payload data this message will put on
// the wire, used for batching decisions. It is an estimate, not the exact
// framed size.
func (m *Message) Size() int {
	size := 0
	for _, e := range m.wants {
		size += entrySize(e.Cid)
	}
	for c := range m.presences {
		size += PresenceSize(c)
	}
	for _, b := range m.blocks {
		size += len(b.Cid().Bytes()) + len(b.RawData())
	}
	return size
}

func entrySize(c cid.Cid) int {
	return len(c.Bytes()) + 8
}

// PresenceSize is the wire cost of a single presence entry for the given
// key.
func PresenceSize(c cid.Cid) int {
	return len(c.Bytes()) + 3
}

// FromNet reads and decodes exactly one message from the varint-framed
// reader.
func FromNet(r io.Reader) (*Message, error) {
	reader := msgio.NewVarintReaderSize(r, maxMessageSize)
	return FromMsgReader(reader)
}

// FromMsgReader decodes the next frame from the reader as a message.
func FromMsgReader(r msgio.Reader) (*Message, error) {
	msg, err := r.ReadMsg()
	if err != nil {
		return nil, err
	}

	m := New(false)
	if err := m.unmarshal(msg); err != nil {
		r.ReleaseMsg(msg)
		return nil, err
	}
	r.ReleaseMsg(msg)
	return m, nil
}

// ToNet encodes the message and writes it to the given writer as a single
// varint-framed frame.
func (m *Message) ToNet(w io.Writer) error {
	return m.write(msgio.NewVarintWriter(w))
}

func (m *Message) write(w msgio.Writer) error {
	data, err := m.marshal()
	if err != nil {
		return err
	}
	return w.WriteMsg(data)
}
