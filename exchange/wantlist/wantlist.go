// Package wantlist implements an object for blockswap that contains the keys
// that a given peer wants, together with a mutation sequence that lets the
// owner compute cheap deltas against a previously sent snapshot.
package wantlist

import (
	"sort"

	"github.com/ipfs/go-cid"
)

// WantType describes the flavor of a want: either the full block payload or
// just a presence notice.
type WantType int32

const (
	// WantHave requests a HAVE/DONT_HAVE response for the key.
	WantHave WantType = iota
	// WantBlock requests the block payload itself.
	WantBlock
)

// Entry is an entry in a want list, consisting of a cid, its priority and
// the flavor of the want.
type Entry struct {
	Cid      cid.Cid
	Priority int32
	WantType WantType

	// Seq is the value of the owning list's mutation counter when this
	// entry was last touched.
	Seq uint64
}

// Wantlist is a raw list of wanted blocks and their priorities. It is not
// safe for concurrent access; the owning peer state synchronizes it.
type Wantlist struct {
	set map[cid.Cid]Entry

	// seq increments on every mutation. Removals are kept as tombstones
	// so DiffSince can report them, and are pruned with GC once every
	// snapshot has moved past them.
	seq       uint64
	tombstone map[cid.Cid]uint64
}

// New generates a new raw Wantlist.
func New() *Wantlist {
	return &Wantlist{
		set:       make(map[cid.Cid]Entry),
		tombstone: make(map[cid.Cid]uint64),
	}
}

// Len returns the number of entries in a wantlist.
func (w *Wantlist) Len() int {
	return len(w.set)
}

// Seq returns the current mutation watermark. A caller that records this
// value can later ask for everything that changed past it.
func (w *Wantlist) Seq() uint64 {
	return w.seq
}

// Add adds an entry in a wantlist from CID & Priority, if not already present.
// Returns true if the add was structural: the key was not on the list before.
// Re-adding a present key with a different priority or a stronger want type
// updates the entry and bumps its sequence, but is not a structural add. A
// want-block is never downgraded to a want-have.
func (w *Wantlist) Add(c cid.Cid, priority int32, wtype WantType) bool {
	e, ok := w.set[c]
	if ok {
		if e.Priority == priority && (e.WantType == wtype || e.WantType == WantBlock) {
			return false
		}
		if e.WantType == WantBlock && wtype == WantHave {
			wtype = WantBlock
		}
		w.seq++
		w.set[c] = Entry{Cid: c, Priority: priority, WantType: wtype, Seq: w.seq}
		return false
	}

	w.seq++
	delete(w.tombstone, c)
	w.set[c] = Entry{Cid: c, Priority: priority, WantType: wtype, Seq: w.seq}
	return true
}

// Remove removes the given cid from the wantlist, leaving a tombstone so the
// removal shows up in diffs. Returns true if the entry was present.
func (w *Wantlist) Remove(c cid.Cid) bool {
	if _, ok := w.set[c]; !ok {
		return false
	}
	delete(w.set, c)
	w.seq++
	w.tombstone[c] = w.seq
	return true
}

// Contains returns the entry, if present, for the given CID, plus whether it
// was present.
func (w *Wantlist) Contains(c cid.Cid) (Entry, bool) {
	e, ok := w.set[c]
	return e, ok
}

// Entries returns all wantlist entries, ordered by sequence.
func (w *Wantlist) Entries() []Entry {
	es := make([]Entry, 0, len(w.set))
	for _, e := range w.set {
		es = append(es, e)
	}
	sort.Slice(es, func(i, j int) bool { return es[i].Seq < es[j].Seq })
	return es
}

// DiffSince returns the entries touched after the given watermark, in
// mutation order, together with the keys removed after it. Removals carry
// the sequence of the removal so a caller flushing the diff in chunks can
// advance its watermark past exactly what it sent. Applying the result to a
// remote mirror of the older snapshot yields the current list, and applying
// it twice yields the same mirror as applying it once.
func (w *Wantlist) DiffSince(since uint64) (changed, removed []Entry) {
	for _, e := range w.set {
		if e.Seq > since {
			changed = append(changed, e)
		}
	}
	sort.Slice(changed, func(i, j int) bool { return changed[i].Seq < changed[j].Seq })

	for c, seq := range w.tombstone {
		if seq > since {
			removed = append(removed, Entry{Cid: c, Seq: seq})
		}
	}
	sort.Slice(removed, func(i, j int) bool { return removed[i].Seq < removed[j].Seq })
	return changed, removed
}

// GC drops tombstones at or before the given watermark. The owner calls this
// once every outstanding snapshot has been diffed past it.
func (w *Wantlist) GC(before uint64) {
	for c, seq := range w.tombstone {
		if seq <= before {
			delete(w.tombstone, c)
		}
	}
}

// SortEntries orders a slice of entries by descending priority, breaking
// ties by sequence so the order stays deterministic.
func SortEntries(es []Entry) {
	sort.Slice(es, func(i, j int) bool {
		if es[i].Priority != es[j].Priority {
			return es[i].Priority > es[j].Priority
		}
		return es[i].Seq < es[j].Seq
	})
}
