package btree

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/galleonfs/galleon/pkg/galleon/mft"
)

// memStore is a bare in-memory NodeStore, standing in for the galleon
// facade's dirNodeStore (which additionally journals every write under a
// caller-supplied transaction). Tree itself has no transaction concept —
// see tree.go's package comment — so exercising it against a NodeStore
// with no journaling at all is sufficient to test its split/merge logic
// in isolation.
type memStore struct {
	nodes  map[uint64]*IndexNode
	nextVCN uint64
}

func newMemStore() *memStore {
	return &memStore{nodes: make(map[uint64]*IndexNode), nextVCN: 1}
}

func (s *memStore) AllocateNode() (uint64, error) {
	vcn := s.nextVCN
	s.nextVCN++
	return vcn, nil
}

func (s *memStore) ReadNode(vcn uint64) (*IndexNode, error) {
	n, ok := s.nodes[vcn]
	if !ok {
		return nil, errors.New("btree test: no such node")
	}
	// Round-trip through Serialize/Deserialize so tests exercise the real
	// wire format, not just the in-memory struct.
	buf := make([]byte, NodeSize)
	if err := n.Serialize(buf); err != nil {
		return nil, err
	}
	return Deserialize(vcn, buf)
}

func (s *memStore) WriteNode(n *IndexNode) error {
	buf := make([]byte, NodeSize)
	if err := n.Serialize(buf); err != nil {
		return err
	}
	back, err := Deserialize(n.VCN, buf)
	if err != nil {
		return err
	}
	s.nodes[n.VCN] = back
	return nil
}

func (s *memStore) FreeNode(vcn uint64) error {
	delete(s.nodes, vcn)
	return nil
}

func newTestTree(t *testing.T) (*Tree, *memStore) {
	t.Helper()
	store := newMemStore()
	rootVCN, err := store.AllocateNode()
	require.NoError(t, err)
	require.NoError(t, store.WriteNode(NewLeaf(rootVCN)))
	return NewTree(store, rootVCN), store
}

func TestInsertAndFind(t *testing.T) {
	tree, _ := newTestTree(t)

	require.NoError(t, tree.Insert("b.txt", IndexEntry{FileFRN: 10, FileSeq: 1}))
	require.NoError(t, tree.Insert("a.txt", IndexEntry{FileFRN: 11, FileSeq: 1}))
	require.NoError(t, tree.Insert("c.txt", IndexEntry{FileFRN: 12, FileSeq: 1}))

	got, ok, err := tree.Find("a.txt")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, mft.FRN(11), got.FileFRN)

	_, ok, err = tree.Find("missing.txt")
	require.NoError(t, err)
	require.False(t, ok)
}

// TestInsertOverwritesExistingKey exercises re-inserting the same name
// (e.g. a rename-over or a corrected cached entry after CreateFile's
// directory link), which must replace rather than duplicate the entry.
func TestInsertOverwritesExistingKey(t *testing.T) {
	tree, _ := newTestTree(t)

	require.NoError(t, tree.Insert("a.txt", IndexEntry{FileFRN: 1, FileSeq: 1}))
	require.NoError(t, tree.Insert("a.txt", IndexEntry{FileFRN: 1, FileSeq: 2}))

	got, ok, err := tree.Find("a.txt")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint16(2), got.FileSeq)

	all, err := tree.Enumerate()
	require.NoError(t, err)
	require.Len(t, all, 1)
}

// TestInsertCascadesSplitAndPromotesNewRoot inserts enough entries to force
// a leaf split and then a root promotion, exercising the cascading logic
// SPEC_FULL §4.10 item 2 calls out as previously stubbed.
func TestInsertCascadesSplitAndPromotesNewRoot(t *testing.T) {
	tree, _ := newTestTree(t)
	initialRoot := tree.Root()

	const n = 400
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("file-%04d.txt", i)
		require.NoError(t, tree.Insert(name, IndexEntry{FileFRN: mft.FRN(i), FileSeq: 1}))
	}
	require.NotEqual(t, initialRoot, tree.Root(), "enough entries must force at least one split")

	for i := 0; i < n; i++ {
		name := fmt.Sprintf("file-%04d.txt", i)
		got, ok, err := tree.Find(name)
		require.NoError(t, err)
		require.True(t, ok, "lost %s after splitting", name)
		require.Equal(t, mft.FRN(i), got.FileFRN)
	}

	all, err := tree.Enumerate()
	require.NoError(t, err)
	require.Len(t, all, n)
	for i := 1; i < len(all); i++ {
		require.Less(t, all[i-1].Key, all[i].Key, "enumerate must yield sorted order")
	}
}

func TestDeleteRemovesEntry(t *testing.T) {
	tree, _ := newTestTree(t)
	require.NoError(t, tree.Insert("a.txt", IndexEntry{FileFRN: 1}))
	require.NoError(t, tree.Insert("b.txt", IndexEntry{FileFRN: 2}))

	require.NoError(t, tree.Delete("a.txt"))
	_, ok, err := tree.Find("a.txt")
	require.NoError(t, err)
	require.False(t, ok)

	got, ok, err := tree.Find("b.txt")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, mft.FRN(2), got.FileFRN)
}

func TestDeleteMissingKeyReturnsErrNotFound(t *testing.T) {
	tree, _ := newTestTree(t)
	require.ErrorIs(t, tree.Delete("nope.txt"), ErrNotFound)
}

// TestDeleteAfterSplitMergesBackDown inserts enough entries to split, then
// deletes most of them back out, exercising borrow/merge and root collapse
// (spec §4.6) after the earlier split already promoted a new root.
func TestDeleteAfterSplitMergesBackDown(t *testing.T) {
	tree, _ := newTestTree(t)

	const n = 400
	names := make([]string, n)
	for i := 0; i < n; i++ {
		names[i] = fmt.Sprintf("file-%04d.txt", i)
		require.NoError(t, tree.Insert(names[i], IndexEntry{FileFRN: mft.FRN(i), FileSeq: 1}))
	}
	splitRoot := tree.Root()

	for i := 0; i < n-1; i++ {
		require.NoError(t, tree.Delete(names[i]))
	}

	_, ok, err := tree.Find(names[n-1])
	require.NoError(t, err)
	require.True(t, ok, "the one surviving entry must still be findable")

	all, err := tree.Enumerate()
	require.NoError(t, err)
	require.Len(t, all, 1)
	_ = splitRoot
}

// TestEnumerateEmptyTree exercises list_directory on a freshly created,
// empty directory (spec §4.7's boundary case).
func TestEnumerateEmptyTree(t *testing.T) {
	tree, _ := newTestTree(t)
	all, err := tree.Enumerate()
	require.NoError(t, err)
	require.Empty(t, all)
}
