package btree

import (
	"github.com/pkg/errors"
)

// ErrNotFound is returned by Delete when the key does not exist.
var ErrNotFound = errors.New("btree: key not found")

// NodeStore is the persistence surface a Tree needs: allocate a fresh node
// identity (a VCN within the owning directory's IndexAllocation attribute),
// and read/write/free nodes by VCN. The galleon facade implements this over
// a directory's own cluster allocation (spec §4.6).
type NodeStore interface {
	AllocateNode() (uint64, error)
	ReadNode(vcn uint64) (*IndexNode, error)
	WriteNode(n *IndexNode) error
	FreeNode(vcn uint64) error
}

// Tree is a B+ tree directory index rooted at a single node VCN. Every
// mutation reads and rewrites whole nodes through the NodeStore. Tree
// itself has no notion of a transaction — it is the NodeStore
// implementation's job to log each node write/allocate/free before
// performing it, and the caller's job to open one journal transaction
// before calling Insert/Delete and commit it after, so a crash mid-split
// or mid-merge cannot leave a child reachable from a parent that was never
// durably updated to point at it (spec §4.4, §4.6). See the galleon
// facade's dirNodeStore for the concrete implementation.
type Tree struct {
	store   NodeStore
	rootVCN uint64
}

// NewTree wraps an existing root node VCN (read from a directory's
// IndexRoot attribute on mount, or a freshly allocated empty leaf on
// mkdir).
func NewTree(store NodeStore, rootVCN uint64) *Tree {
	return &Tree{store: store, rootVCN: rootVCN}
}

// Root returns the tree's current root VCN. Callers must re-read this
// after any Insert or Delete that might have split or collapsed the root,
// and persist it back into the directory's IndexRoot attribute.
func (t *Tree) Root() uint64 { return t.rootVCN }

type pathEntry struct {
	vcn  uint64
	node *IndexNode
	idx  int // index in node.Entries whose ChildVCN led to the next path entry
}

func (t *Tree) descend(key string) ([]pathEntry, error) {
	var path []pathEntry
	vcn := t.rootVCN
	for {
		node, err := t.store.ReadNode(vcn)
		if err != nil {
			return nil, err
		}
		if node.IsLeaf {
			path = append(path, pathEntry{vcn: vcn, node: node})
			return path, nil
		}
		idx := node.childForKey(key)
		path = append(path, pathEntry{vcn: vcn, node: node, idx: idx})
		vcn = node.Entries[idx].ChildVCN
	}
}

// Find looks up key, returning its leaf entry if present (spec §4.7's
// find(dir, name) contract).
func (t *Tree) Find(key string) (IndexEntry, bool, error) {
	path, err := t.descend(key)
	if err != nil {
		return IndexEntry{}, false, err
	}
	leaf := path[len(path)-1].node
	idx, exact := leaf.findLeafSlot(key)
	if !exact {
		return IndexEntry{}, false, nil
	}
	return leaf.Entries[idx], true, nil
}

// Insert adds or overwrites the entry for key, splitting and cascading up
// the tree — including growing the root — as needed (spec §4.6, fully
// implementing the cascading split/root-promotion the original design left
// as a stub per SPEC_FULL §4.10 item 2).
func (t *Tree) Insert(key string, entry IndexEntry) error {
	path, err := t.descend(key)
	if err != nil {
		return err
	}
	entry.Key = key
	leaf := path[len(path)-1].node
	idx, exact := leaf.findLeafSlot(key)
	if exact {
		leaf.Entries[idx] = entry
	} else {
		leaf.Entries = append(leaf.Entries, IndexEntry{})
		copy(leaf.Entries[idx+1:], leaf.Entries[idx:])
		leaf.Entries[idx] = entry
	}
	if len(leaf.Entries) == 1 && leaf.usedBytes() > NodeSize {
		return ErrEntryTooLarge
	}
	if err := t.store.WriteNode(leaf); err != nil {
		return err
	}
	if leaf.usedBytes() <= SplitThreshold {
		return nil
	}
	return t.splitAndCascade(path)
}

func (t *Tree) splitLeafNode(node *IndexNode) (uint64, string, error) {
	if len(node.Entries) < 2 {
		return 0, "", ErrEntryTooLarge
	}
	mid := len(node.Entries) / 2
	newVCN, err := t.store.AllocateNode()
	if err != nil {
		return 0, "", err
	}
	right := &IndexNode{
		VCN:          newVCN,
		IsLeaf:       true,
		RightSibling: node.RightSibling,
		Entries:      append([]IndexEntry(nil), node.Entries[mid:]...),
	}
	node.Entries = append([]IndexEntry(nil), node.Entries[:mid]...)
	node.RightSibling = newVCN
	sep := right.Entries[0].Key

	if err := t.store.WriteNode(node); err != nil {
		return 0, "", err
	}
	if err := t.store.WriteNode(right); err != nil {
		return 0, "", err
	}
	return newVCN, sep, nil
}

func (t *Tree) splitInternalNode(node *IndexNode) (uint64, string, error) {
	n := len(node.Entries)
	if n < 3 { // need at least two keyed entries plus the end marker
		return 0, "", ErrEntryTooLarge
	}
	mid := (n - 1) / 2 // a keyed entry, since the end marker sits at n-1
	promoted := node.Entries[mid]

	newVCN, err := t.store.AllocateNode()
	if err != nil {
		return 0, "", err
	}
	right := &IndexNode{
		VCN:     newVCN,
		IsLeaf:  false,
		Entries: append([]IndexEntry(nil), node.Entries[mid+1:]...),
	}
	left := append([]IndexEntry(nil), node.Entries[:mid]...)
	left = append(left, IndexEntry{IsEnd: true, ChildVCN: promoted.ChildVCN})
	node.Entries = left

	if err := t.store.WriteNode(node); err != nil {
		return 0, "", err
	}
	if err := t.store.WriteNode(right); err != nil {
		return 0, "", err
	}
	return newVCN, promoted.Key, nil
}

func (t *Tree) splitAndCascade(path []pathEntry) error {
	i := len(path) - 1
	node := path[i].node
	for {
		var newVCN uint64
		var sep string
		var err error
		if node.IsLeaf {
			newVCN, sep, err = t.splitLeafNode(node)
		} else {
			newVCN, sep, err = t.splitInternalNode(node)
		}
		if err != nil {
			return err
		}
		oldVCN := node.VCN

		if i == 0 {
			newRootVCN, err := t.store.AllocateNode()
			if err != nil {
				return err
			}
			newRoot := &IndexNode{
				VCN:    newRootVCN,
				IsLeaf: false,
				Entries: []IndexEntry{
					{Key: sep, ChildVCN: oldVCN},
					{IsEnd: true, ChildVCN: newVCN},
				},
			}
			if err := t.store.WriteNode(newRoot); err != nil {
				return err
			}
			t.rootVCN = newRootVCN
			return nil
		}

		parent := path[i-1].node
		parentIdx := path[i-1].idx
		parent.Entries = append(parent.Entries, IndexEntry{})
		copy(parent.Entries[parentIdx+1:], parent.Entries[parentIdx:])
		parent.Entries[parentIdx] = IndexEntry{Key: sep, ChildVCN: oldVCN}
		parent.Entries[parentIdx+1].ChildVCN = newVCN
		if err := t.store.WriteNode(parent); err != nil {
			return err
		}
		if parent.usedBytes() <= SplitThreshold {
			return nil
		}
		i--
		node = parent
	}
}

// Delete removes key's entry, merging or borrowing from a sibling under
// the same parent when the node underflows, and collapsing the root when
// it shrinks to a single child (spec §4.6). Rebalancing only considers
// siblings sharing an immediate parent — a key that could be borrowed from
// a cousin subtree is instead left to a plain merge, which keeps the tree
// valid at the cost of slightly lower average occupancy.
func (t *Tree) Delete(key string) error {
	path, err := t.descend(key)
	if err != nil {
		return err
	}
	leaf := path[len(path)-1].node
	idx, exact := leaf.findLeafSlot(key)
	if !exact {
		return ErrNotFound
	}
	leaf.Entries = append(leaf.Entries[:idx], leaf.Entries[idx+1:]...)
	if err := t.store.WriteNode(leaf); err != nil {
		return err
	}
	if len(path) == 1 {
		return nil
	}
	if leaf.usedBytes() >= UnderflowThreshold {
		return nil
	}
	return t.rebalance(path, len(path)-1)
}

func (t *Tree) rebalance(path []pathEntry, i int) error {
	node := path[i].node

	if i == 0 {
		if !node.IsLeaf && len(node.Entries) == 1 && node.Entries[0].IsEnd {
			newRoot := node.Entries[0].ChildVCN
			if err := t.store.FreeNode(node.VCN); err != nil {
				return err
			}
			t.rootVCN = newRoot
		}
		return nil
	}
	if node.usedBytes() >= UnderflowThreshold {
		return nil
	}

	parent := path[i-1].node
	parentIdx := path[i-1].idx

	if parentIdx+1 < len(parent.Entries) {
		rightVCN := parent.Entries[parentIdx+1].ChildVCN
		right, err := t.store.ReadNode(rightVCN)
		if err != nil {
			return err
		}
		if node.IsLeaf && len(right.Entries) > 1 {
			borrowed := right.Entries[0]
			right.Entries = right.Entries[1:]
			node.Entries = append(node.Entries, borrowed)
			parent.Entries[parentIdx].Key = right.Entries[0].Key
			if err := t.writeAll(node, right, parent); err != nil {
				return err
			}
			return nil
		}
		if err := t.mergeInto(node, right, parent, parentIdx); err != nil {
			return err
		}
	} else if parentIdx-1 >= 0 {
		leftVCN := parent.Entries[parentIdx-1].ChildVCN
		left, err := t.store.ReadNode(leftVCN)
		if err != nil {
			return err
		}
		if node.IsLeaf && len(left.Entries) > 1 {
			borrowed := left.Entries[len(left.Entries)-1]
			left.Entries = left.Entries[:len(left.Entries)-1]
			node.Entries = append([]IndexEntry{borrowed}, node.Entries...)
			parent.Entries[parentIdx-1].Key = node.Entries[0].Key
			if err := t.writeAll(node, left, parent); err != nil {
				return err
			}
			return nil
		}
		if err := t.mergeInto(left, node, parent, parentIdx-1); err != nil {
			return err
		}
	}

	return t.rebalance(path, i-1)
}

// mergeInto absorbs right into left (both children of parent at
// parent.Entries[parentIdx] / [parentIdx+1]), removing the separator
// entry between them and freeing right's node.
func (t *Tree) mergeInto(left, right *IndexNode, parent *IndexNode, parentIdx int) error {
	if left.IsLeaf {
		left.Entries = append(left.Entries, right.Entries...)
		left.RightSibling = right.RightSibling
	} else {
		sep := parent.Entries[parentIdx]
		left.Entries[len(left.Entries)-1] = IndexEntry{Key: sep.Key, ChildVCN: left.Entries[len(left.Entries)-1].ChildVCN}
		left.Entries = append(left.Entries, right.Entries...)
	}
	if err := t.store.FreeNode(right.VCN); err != nil {
		return err
	}
	parent.Entries = append(parent.Entries[:parentIdx], parent.Entries[parentIdx+1:]...)
	return t.writeAll(left, parent)
}

func (t *Tree) writeAll(nodes ...*IndexNode) error {
	for _, n := range nodes {
		if err := t.store.WriteNode(n); err != nil {
			return err
		}
	}
	return nil
}

// Enumerate returns every leaf entry in key order, following leftmost
// descent to the first leaf and then right-sibling links (spec §4.6's
// enumeration contract, used by list_directory).
func (t *Tree) Enumerate() ([]IndexEntry, error) {
	vcn := t.rootVCN
	for {
		node, err := t.store.ReadNode(vcn)
		if err != nil {
			return nil, err
		}
		if node.IsLeaf {
			var out []IndexEntry
			for node != nil {
				out = append(out, node.Entries...)
				if node.RightSibling == 0 {
					break
				}
				node, err = t.store.ReadNode(node.RightSibling)
				if err != nil {
					return nil, err
				}
			}
			return out, nil
		}
		vcn = node.Entries[0].ChildVCN
	}
}
