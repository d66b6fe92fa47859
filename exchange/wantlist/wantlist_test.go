package wantlist

import (
	"testing"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"github.com/stretchr/testify/require"
)

var testcids []cid.Cid

func init() {
	strs := []string{"foo", "bar", "baz", "qux"}
	for _, s := range strs {
		testcids = append(testcids, blocks.NewBlock([]byte(s)).Cid())
	}
}

func TestBasicWantlist(t *testing.T) {
	wl := New()

	require.True(t, wl.Add(testcids[0], 5, WantBlock))
	e, ok := wl.Contains(testcids[0])
	require.True(t, ok)
	require.Equal(t, int32(5), e.Priority)

	require.True(t, wl.Add(testcids[1], 4, WantHave))
	require.Equal(t, 2, wl.Len())

	// Re-adding the same entry is not structural.
	require.False(t, wl.Add(testcids[0], 5, WantBlock))
	require.Equal(t, 2, wl.Len())

	require.True(t, wl.Remove(testcids[0]))
	_, ok = wl.Contains(testcids[0])
	require.False(t, ok)
	require.Equal(t, 1, wl.Len())
}

func TestPriorityUpdateIsNotStructural(t *testing.T) {
	wl := New()

	require.True(t, wl.Add(testcids[0], 1, WantBlock))
	seq := wl.Seq()

	require.False(t, wl.Add(testcids[0], 9, WantBlock))
	e, ok := wl.Contains(testcids[0])
	require.True(t, ok)
	require.Equal(t, int32(9), e.Priority)
	require.Greater(t, wl.Seq(), seq)
}

func TestWantBlockIsNotDowngraded(t *testing.T) {
	wl := New()

	wl.Add(testcids[0], 1, WantBlock)
	require.False(t, wl.Add(testcids[0], 1, WantHave))

	e, ok := wl.Contains(testcids[0])
	require.True(t, ok)
	require.Equal(t, WantBlock, e.WantType)
}

// mirror applies a diff to a map the way a remote peer would.
type mirror map[cid.Cid]Entry

func (m mirror) apply(changed, removed []Entry) {
	for _, e := range changed {
		m[e.Cid] = e
	}
	for _, e := range removed {
		delete(m, e.Cid)
	}
}

func TestDiffSinceReproducesNetChanges(t *testing.T) {
	wl := New()
	remote := mirror{}

	wl.Add(testcids[0], 1, WantHave)
	wl.Add(testcids[1], 2, WantBlock)

	snap := wl.Seq()
	changed, removed := wl.DiffSince(0)
	remote.apply(changed, removed)
	require.Len(t, remote, 2)

	// Churn: remove one, add another, change a priority.
	wl.Remove(testcids[0])
	wl.Add(testcids[2], 7, WantBlock)
	wl.Add(testcids[1], 3, WantBlock)

	changed, removed = wl.DiffSince(snap)
	require.Len(t, changed, 2)
	require.Len(t, removed, 1)
	require.Equal(t, testcids[0], removed[0].Cid)
	require.Greater(t, removed[0].Seq, snap)

	remote.apply(changed, removed)

	// The mirror must now equal the list itself.
	require.Equal(t, wl.Len(), len(remote))
	for _, e := range wl.Entries() {
		got, ok := remote[e.Cid]
		require.True(t, ok)
		require.Equal(t, e.Priority, got.Priority)
		require.Equal(t, e.WantType, got.WantType)
	}

	// Applying the same diff twice yields the same mirror (idempotence).
	again := mirror{}
	for k, v := range remote {
		again[k] = v
	}
	again.apply(changed, removed)
	require.Equal(t, remote, again)
}

func TestDiffSinceIsMinimal(t *testing.T) {
	wl := New()
	wl.Add(testcids[0], 1, WantBlock)
	snap := wl.Seq()

	// Nothing changed past the snapshot.
	changed, removed := wl.DiffSince(snap)
	require.Empty(t, changed)
	require.Empty(t, removed)

	wl.Add(testcids[1], 2, WantBlock)
	changed, removed = wl.DiffSince(snap)
	require.Len(t, changed, 1)
	require.Equal(t, testcids[1], changed[0].Cid)
	require.Empty(t, removed)
}

func TestTombstoneGC(t *testing.T) {
	wl := New()
	wl.Add(testcids[0], 1, WantBlock)
	wl.Remove(testcids[0])

	snap := wl.Seq()
	_, removed := wl.DiffSince(0)
	require.Len(t, removed, 1)

	wl.GC(snap)
	_, removed = wl.DiffSince(0)
	require.Empty(t, removed)
}

func TestReAddAfterRemove(t *testing.T) {
	wl := New()
	wl.Add(testcids[0], 1, WantBlock)
	wl.Remove(testcids[0])
	require.True(t, wl.Add(testcids[0], 1, WantBlock))

	// The re-add clears the tombstone.
	changed, removed := wl.DiffSince(0)
	require.Len(t, changed, 1)
	require.Empty(t, removed)
}

func TestSortEntries(t *testing.T) {
	wl := New()
	wl.Add(testcids[0], 3, WantBlock)
	wl.Add(testcids[1], 5, WantHave)
	wl.Add(testcids[2], 4, WantBlock)

	es := wl.Entries()
	SortEntries(es)
	require.Equal(t, testcids[1], es[0].Cid)
	require.Equal(t, testcids[2], es[1].Cid)
	require.Equal(t, testcids[0], es[2].Cid)
}
