package message

import (
	"bytes"
	"errors"

	blocks "github.com/ipfs/go-block-format"
	cbg "github.com/whyrusleeping/cbor-gen"
	"golang.org/x/xerrors"

	"github.com/blockswap-project/blockswap/exchange/wantlist"
)

// Wire format: a message is a cbor array of four elements,
//
//	[full, [want entries], [blocks], [presences]]
//
// where a want entry is [cid, priority, want type, cancel, send-dont-have],
// a block is [cid, payload] and a presence is [cid, presence type]. All
// lengths are bounded; oversized wantlist deltas are chunked across messages
// by the sender rather than rejected here.
const (
	// maxMessageSize bounds a single framed message.
	maxMessageSize = 4 << 20

	// MaxEntriesPerMessage is the most wantlist entries a single message
	// may carry. Senders chunk larger deltas.
	MaxEntriesPerMessage = 1024

	maxBlocksPerMessage    = 512
	maxPresencesPerMessage = 1024
	maxBlockSize           = 2 << 20
)

// ErrMalformed tags every decode failure. Callers treat the sender as
// misbehaving instead of tearing anything down.
var ErrMalformed = errors.New("malformed blockswap message")

func (m *Message) marshal() ([]byte, error) {
	var buf bytes.Buffer
	cw := cbg.NewCborWriter(&buf)

	if err := cw.WriteMajorTypeHeader(cbg.MajArray, 4); err != nil {
		return nil, err
	}

	if err := cbg.WriteBool(cw, m.full); err != nil {
		return nil, err
	}

	wants := m.Wantlist()
	if len(wants) > MaxEntriesPerMessage {
		return nil, xerrors.Errorf("wantlist too long for one message (%d entries)", len(wants))
	}
	if err := cw.WriteMajorTypeHeader(cbg.MajArray, uint64(len(wants))); err != nil {
		return nil, err
	}
	for _, e := range wants {
		if err := writeEntry(cw, e); err != nil {
			return nil, err
		}
	}

	blks := m.Blocks()
	if len(blks) > maxBlocksPerMessage {
		return nil, xerrors.Errorf("too many blocks for one message (%d)", len(blks))
	}
	if err := cw.WriteMajorTypeHeader(cbg.MajArray, uint64(len(blks))); err != nil {
		return nil, err
	}
	for _, b := range blks {
		if err := writeBlock(cw, b); err != nil {
			return nil, err
		}
	}

	presences := m.BlockPresences()
	if len(presences) > maxPresencesPerMessage {
		return nil, xerrors.Errorf("too many presences for one message (%d)", len(presences))
	}
	if err := cw.WriteMajorTypeHeader(cbg.MajArray, uint64(len(presences))); err != nil {
		return nil, err
	}
	for _, p := range presences {
		if err := cw.WriteMajorTypeHeader(cbg.MajArray, 2); err != nil {
			return nil, err
		}
		if err := cbg.WriteCid(cw, p.Cid); err != nil {
			return nil, err
		}
		if err := cw.WriteMajorTypeHeader(cbg.MajUnsignedInt, uint64(p.Type)); err != nil {
			return nil, err
		}
	}

	return buf.Bytes(), nil
}

func writeEntry(cw *cbg.CborWriter, e Entry) error {
	if err := cw.WriteMajorTypeHeader(cbg.MajArray, 5); err != nil {
		return err
	}
	if err := cbg.WriteCid(cw, e.Cid); err != nil {
		return err
	}
	if err := writeInt64(cw, int64(e.Priority)); err != nil {
		return err
	}
	if err := cw.WriteMajorTypeHeader(cbg.MajUnsignedInt, uint64(e.WantType)); err != nil {
		return err
	}
	if err := cbg.WriteBool(cw, e.Cancel); err != nil {
		return err
	}
	return cbg.WriteBool(cw, e.SendDontHave)
}

func writeBlock(cw *cbg.CborWriter, b blocks.Block) error {
	if err := cw.WriteMajorTypeHeader(cbg.MajArray, 2); err != nil {
		return err
	}
	if err := cbg.WriteCid(cw, b.Cid()); err != nil {
		return err
	}
	data := b.RawData()
	if len(data) > maxBlockSize {
		return xerrors.Errorf("block %s exceeds maximum size (%d bytes)", b.Cid(), len(data))
	}
	if err := cw.WriteMajorTypeHeader(cbg.MajByteString, uint64(len(data))); err != nil {
		return err
	}
	_, err := cw.Write(data)
	return err
}

func writeInt64(cw *cbg.CborWriter, v int64) error {
	if v >= 0 {
		return cw.WriteMajorTypeHeader(cbg.MajUnsignedInt, uint64(v))
	}
	return cw.WriteMajorTypeHeader(cbg.MajNegativeInt, uint64(-v-1))
}

func (m *Message) unmarshal(data []byte) error {
	cr := cbg.NewCborReader(bytes.NewReader(data))

	maj, extra, err := cr.ReadHeader()
	if err != nil {
		return xerrors.Errorf("reading outer header: %v: %w", err, ErrMalformed)
	}
	if maj != cbg.MajArray || extra != 4 {
		return xerrors.Errorf("message must be a 4-element array: %w", ErrMalformed)
	}

	if m.full, err = readBool(cr); err != nil {
		return err
	}

	maj, extra, err = cr.ReadHeader()
	if err != nil || maj != cbg.MajArray {
		return xerrors.Errorf("wantlist must be an array: %w", ErrMalformed)
	}
	if extra > MaxEntriesPerMessage {
		return xerrors.Errorf("wantlist too long (%d entries): %w", extra, ErrMalformed)
	}
	for i := uint64(0); i < extra; i++ {
		e, err := readEntry(cr)
		if err != nil {
			return err
		}
		if e.Cancel {
			m.Cancel(e.Cid)
		} else {
			m.addEntry(e.Cid, e.Priority, e.WantType, false, e.SendDontHave)
		}
	}

	maj, extra, err = cr.ReadHeader()
	if err != nil || maj != cbg.MajArray {
		return xerrors.Errorf("block list must be an array: %w", ErrMalformed)
	}
	if extra > maxBlocksPerMessage {
		return xerrors.Errorf("too many blocks (%d): %w", extra, ErrMalformed)
	}
	for i := uint64(0); i < extra; i++ {
		b, err := readBlock(cr)
		if err != nil {
			return err
		}
		m.AddBlock(b)
	}

	maj, extra, err = cr.ReadHeader()
	if err != nil || maj != cbg.MajArray {
		return xerrors.Errorf("presence list must be an array: %w", ErrMalformed)
	}
	if extra > maxPresencesPerMessage {
		return xerrors.Errorf("too many presences (%d): %w", extra, ErrMalformed)
	}
	for i := uint64(0); i < extra; i++ {
		maj, n, err := cr.ReadHeader()
		if err != nil || maj != cbg.MajArray || n != 2 {
			return xerrors.Errorf("presence must be a 2-element array: %w", ErrMalformed)
		}
		c, err := cbg.ReadCid(cr)
		if err != nil {
			return xerrors.Errorf("reading presence cid: %v: %w", err, ErrMalformed)
		}
		maj, t, err := cr.ReadHeader()
		if err != nil || maj != cbg.MajUnsignedInt || t > uint64(DontHave) {
			return xerrors.Errorf("invalid presence type: %w", ErrMalformed)
		}
		m.addPresence(c, PresenceType(t))
	}

	return nil
}

func readEntry(cr *cbg.CborReader) (Entry, error) {
	var e Entry

	maj, extra, err := cr.ReadHeader()
	if err != nil || maj != cbg.MajArray || extra != 5 {
		return e, xerrors.Errorf("want entry must be a 5-element array: %w", ErrMalformed)
	}
	if e.Cid, err = cbg.ReadCid(cr); err != nil {
		return e, xerrors.Errorf("reading entry cid: %v: %w", err, ErrMalformed)
	}
	prio, err := readInt64(cr)
	if err != nil {
		return e, err
	}
	e.Priority = int32(prio)

	maj, wt, err := cr.ReadHeader()
	if err != nil || maj != cbg.MajUnsignedInt || wt > uint64(wantlist.WantBlock) {
		return e, xerrors.Errorf("invalid want type: %w", ErrMalformed)
	}
	e.WantType = wantlist.WantType(wt)

	if e.Cancel, err = readBool(cr); err != nil {
		return e, err
	}
	if e.SendDontHave, err = readBool(cr); err != nil {
		return e, err
	}
	return e, nil
}

func readBlock(cr *cbg.CborReader) (blocks.Block, error) {
	maj, extra, err := cr.ReadHeader()
	if err != nil || maj != cbg.MajArray || extra != 2 {
		return nil, xerrors.Errorf("block must be a 2-element array: %w", ErrMalformed)
	}
	c, err := cbg.ReadCid(cr)
	if err != nil {
		return nil, xerrors.Errorf("reading block cid: %v: %w", err, ErrMalformed)
	}
	data, err := cbg.ReadByteArray(cr, maxBlockSize)
	if err != nil {
		return nil, xerrors.Errorf("reading block payload: %v: %w", err, ErrMalformed)
	}

	// The claimed cid is not verified here; decoding is total and the
	// engine penalizes mismatches with full context about the sender.
	b, err := blocks.NewBlockWithCid(data, c)
	if err != nil {
		return nil, xerrors.Errorf("constructing block: %v: %w", err, ErrMalformed)
	}
	return b, nil
}

func readBool(cr *cbg.CborReader) (bool, error) {
	maj, extra, err := cr.ReadHeader()
	if err != nil || maj != cbg.MajOther {
		return false, xerrors.Errorf("expected bool: %w", ErrMalformed)
	}
	switch extra {
	case 20:
		return false, nil
	case 21:
		return true, nil
	default:
		return false, xerrors.Errorf("bool had invalid simple value %d: %w", extra, ErrMalformed)
	}
}

func readInt64(cr *cbg.CborReader) (int64, error) {
	maj, extra, err := cr.ReadHeader()
	if err != nil {
		return 0, xerrors.Errorf("reading int: %v: %w", err, ErrMalformed)
	}
	switch maj {
	case cbg.MajUnsignedInt:
		return int64(extra), nil
	case cbg.MajNegativeInt:
		return -1 - int64(extra), nil
	default:
		return 0, xerrors.Errorf("expected int: %w", ErrMalformed)
	}
}
