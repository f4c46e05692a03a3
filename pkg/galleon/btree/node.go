// Package btree implements the directory index: a B+ tree of fixed 4KB
// nodes keyed by filename in byte-lexicographic order, with leaf nodes
// linked for in-order enumeration (spec §4.6).
package btree

import (
	"encoding/binary"

	"github.com/galleonfs/galleon/pkg/galleon/mft"
	"github.com/pkg/errors"
)

// NodeSize is the fixed on-disk size of one index node, one cluster on a
// volume formatted with the default 4096-byte cluster size (spec §4.6).
const NodeSize = 4096

const headerSize = 32

var nodeMagic = [4]byte{'I', 'N', 'D', 'X'}

// SplitThreshold is the used-bytes watermark above which Insert splits a
// node rather than growing it further (spec §4.6, ~3.5KB of a 4KB node).
const SplitThreshold = 3584

// UnderflowThreshold is the used-bytes watermark below which Delete
// attempts to borrow from or merge with a sibling (spec §4.6, ~1KB).
const UnderflowThreshold = 1024

// ErrNodeCorrupt signals a node failed magic/structural validation.
var ErrNodeCorrupt = errors.New("btree: corrupt index node")

// ErrEntryTooLarge means a single key does not fit in an empty node.
var ErrEntryTooLarge = errors.New("btree: entry too large for a node")

// IndexEntry is one key in a node. Leaf entries map a filename to the FRN
// and cached metadata of the file it names; internal entries map a
// separator key to the child subtree containing all keys less than it.
// The final entry of an internal node is the end-marker (IsEnd, no key)
// whose ChildVCN covers every key greater than or equal to the last real
// separator (spec §4.6).
type IndexEntry struct {
	IsEnd bool
	Key   string

	// Leaf fields.
	FileFRN     mft.FRN
	FileSeq     uint16
	IsDirectory bool

	// Internal field: child node's VCN.
	ChildVCN uint64
}

func (e IndexEntry) leafWireSize() int {
	return 2 + 8 + 2 + 1 + len(e.Key)
}

func (e IndexEntry) internalWireSize() int {
	return 1 + 2 + 8 + len(e.Key)
}

// IndexNode is one 4KB node of the directory B+ tree.
type IndexNode struct {
	VCN            uint64
	IsLeaf         bool
	SequenceNumber uint32
	RightSibling   uint64 // leaf only; 0 means no right sibling
	Entries        []IndexEntry
}

// NewLeaf constructs an empty leaf node for the given VCN.
func NewLeaf(vcn uint64) *IndexNode {
	return &IndexNode{VCN: vcn, IsLeaf: true}
}

// NewInternal constructs an internal node holding only the end-marker
// entry pointing at a single child, used when splitting a former root.
func NewInternal(vcn uint64, onlyChild uint64) *IndexNode {
	return &IndexNode{
		VCN:     vcn,
		IsLeaf:  false,
		Entries: []IndexEntry{{IsEnd: true, ChildVCN: onlyChild}},
	}
}

// usedBytes returns the number of bytes the node's header and entries
// currently occupy, the figure compared against SplitThreshold/
// UnderflowThreshold.
func (n *IndexNode) usedBytes() int {
	size := headerSize
	for _, e := range n.Entries {
		if n.IsLeaf {
			size += e.leafWireSize()
		} else {
			size += e.internalWireSize()
		}
	}
	return size
}

// Serialize encodes the node into a NodeSize-byte buffer.
func (n *IndexNode) Serialize(buf []byte) error {
	if len(buf) != NodeSize {
		return errors.Errorf("btree: node buffer must be %d bytes", NodeSize)
	}
	used := n.usedBytes()
	if used > NodeSize {
		return errors.Errorf("btree: node content %d bytes exceeds node size %d", used, NodeSize)
	}

	for i := range buf {
		buf[i] = 0
	}

	copy(buf[0:4], nodeMagic[:])
	binary.LittleEndian.PutUint16(buf[4:6], headerSize)
	binary.LittleEndian.PutUint32(buf[6:10], uint32(used))
	binary.LittleEndian.PutUint32(buf[10:14], NodeSize)
	if n.IsLeaf {
		buf[14] = 1
	}
	binary.LittleEndian.PutUint32(buf[16:20], n.SequenceNumber)
	binary.LittleEndian.PutUint64(buf[20:28], n.RightSibling)

	off := headerSize
	for _, e := range n.Entries {
		if n.IsLeaf {
			binary.LittleEndian.PutUint16(buf[off:off+2], uint16(len(e.Key)))
			binary.LittleEndian.PutUint64(buf[off+2:off+10], uint64(e.FileFRN))
			binary.LittleEndian.PutUint16(buf[off+10:off+12], e.FileSeq)
			if e.IsDirectory {
				buf[off+12] = 1
			}
			copy(buf[off+13:off+13+len(e.Key)], e.Key)
			off += e.leafWireSize()
		} else {
			if e.IsEnd {
				buf[off] = 1
			}
			binary.LittleEndian.PutUint16(buf[off+1:off+3], uint16(len(e.Key)))
			binary.LittleEndian.PutUint64(buf[off+3:off+11], e.ChildVCN)
			copy(buf[off+11:off+11+len(e.Key)], e.Key)
			off += e.internalWireSize()
		}
	}
	return nil
}

// Deserialize parses a NodeSize-byte buffer into an IndexNode.
func Deserialize(vcn uint64, buf []byte) (*IndexNode, error) {
	if len(buf) != NodeSize {
		return nil, errors.Errorf("btree: node buffer must be %d bytes", NodeSize)
	}
	var magic [4]byte
	copy(magic[:], buf[0:4])
	if magic != nodeMagic {
		return nil, errors.Wrap(ErrNodeCorrupt, "bad magic")
	}
	used := binary.LittleEndian.Uint32(buf[6:10])
	if used > NodeSize || used < headerSize {
		return nil, errors.Wrap(ErrNodeCorrupt, "index_length out of range")
	}
	n := &IndexNode{VCN: vcn}
	n.IsLeaf = buf[14] != 0
	n.SequenceNumber = binary.LittleEndian.Uint32(buf[16:20])
	n.RightSibling = binary.LittleEndian.Uint64(buf[20:28])

	off := headerSize
	for off < int(used) {
		if n.IsLeaf {
			if off+13 > int(used) {
				return nil, errors.Wrap(ErrNodeCorrupt, "truncated leaf entry")
			}
			keyLen := int(binary.LittleEndian.Uint16(buf[off : off+2]))
			e := IndexEntry{
				FileFRN:     mft.FRN(binary.LittleEndian.Uint64(buf[off+2 : off+10])),
				FileSeq:     binary.LittleEndian.Uint16(buf[off+10 : off+12]),
				IsDirectory: buf[off+12] != 0,
				Key:         string(buf[off+13 : off+13+keyLen]),
			}
			off += e.leafWireSize()
			n.Entries = append(n.Entries, e)
		} else {
			if off+11 > int(used) {
				return nil, errors.Wrap(ErrNodeCorrupt, "truncated internal entry")
			}
			isEnd := buf[off] != 0
			keyLen := int(binary.LittleEndian.Uint16(buf[off+1 : off+3]))
			e := IndexEntry{
				IsEnd:    isEnd,
				ChildVCN: binary.LittleEndian.Uint64(buf[off+3 : off+11]),
				Key:      string(buf[off+11 : off+11+keyLen]),
			}
			off += e.internalWireSize()
			n.Entries = append(n.Entries, e)
			if isEnd {
				break
			}
		}
	}
	return n, nil
}

// findLeafSlot returns the index of the first leaf entry whose key is >=
// key (insertion point for a sorted leaf), and whether an exact match was
// found there.
func (n *IndexNode) findLeafSlot(key string) (idx int, exact bool) {
	lo, hi := 0, len(n.Entries)
	for lo < hi {
		mid := (lo + hi) / 2
		if n.Entries[mid].Key < key {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo < len(n.Entries) && n.Entries[lo].Key == key {
		return lo, true
	}
	return lo, false
}

// childForKey returns the index of the internal entry whose subtree
// contains key: the first non-end entry whose Key > key, or the end
// entry if none qualifies.
func (n *IndexNode) childForKey(key string) int {
	for i, e := range n.Entries {
		if e.IsEnd {
			return i
		}
		if key < e.Key {
			return i
		}
	}
	return len(n.Entries) - 1
}
