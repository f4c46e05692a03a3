// Package journal implements the write-ahead log: circular on-disk log
// region, CRC32-framed variable-size records, and the begin/log/commit/abort
// transaction lifecycle with analysis/redo/undo recovery (spec §4.4).
package journal

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/pkg/errors"
)

// OpType tags what a log record represents (spec §3).
type OpType uint8

const (
	OpBeginTx OpType = iota
	OpCommitTx
	OpAbortTx
	OpCheckpoint
	OpCreateFile
	OpCreateDirectory
	OpWriteData
	OpDeleteFile
	OpSetAttribute
	// OpAllocateCluster and OpFreeCluster log a bitmap range change rather
	// than a content image: Target is the starting cluster and Undo/Redo
	// each carry the 8-byte little-endian run length, since the action is
	// implied by the op itself (allocate vs. free) rather than by diffing
	// two byte images the way OpWriteData does (galleon facade's
	// logAllocate/logFree).
	OpAllocateCluster
	OpFreeCluster
)

// recordFixedSize is the portion of a serialized record before the
// variable-length undo/redo payloads: length(4) lsn(8) txid(8) optype(1)
// frn(8) undolen(4) redolen(4) = 37, rounded to 40 for alignment.
const recordFixedSize = 37

// Record is one write-ahead log entry (spec §4.4's log format). TargetFRN
// names whatever home location the op addresses — an MFT record's FRN for
// OpWriteData on a record image, a directory index node's VCN for
// OpWriteData on a node image, or a starting cluster for
// OpAllocateCluster/OpFreeCluster — the interpretation is carried by Op.
type Record struct {
	LSN       uint64
	TxID      uint64
	Op        OpType
	TargetFRN uint64
	Undo      []byte
	Redo      []byte
}

// wireLength is the total serialized size including the trailing CRC32.
func (r *Record) wireLength() int {
	return recordFixedSize + len(r.Undo) + len(r.Redo) + 4
}

// Serialize encodes the record, appending a CRC32 over everything that
// precedes it so recovery can detect torn writes (spec §4.4).
func (r *Record) Serialize() []byte {
	total := r.wireLength()
	buf := make([]byte, total)

	binary.LittleEndian.PutUint32(buf[0:4], uint32(total))
	binary.LittleEndian.PutUint64(buf[4:12], r.LSN)
	binary.LittleEndian.PutUint64(buf[12:20], r.TxID)
	buf[20] = byte(r.Op)
	binary.LittleEndian.PutUint64(buf[21:29], r.TargetFRN)
	binary.LittleEndian.PutUint32(buf[29:33], uint32(len(r.Undo)))
	binary.LittleEndian.PutUint32(buf[33:37], uint32(len(r.Redo)))

	off := recordFixedSize
	copy(buf[off:off+len(r.Undo)], r.Undo)
	off += len(r.Undo)
	copy(buf[off:off+len(r.Redo)], r.Redo)
	off += len(r.Redo)

	crc := crc32.ChecksumIEEE(buf[:off])
	binary.LittleEndian.PutUint32(buf[off:off+4], crc)

	return buf
}

// ErrShortBuffer means fewer bytes remain in the log region than the
// record's declared length claims — either end of log, or torn write.
var ErrShortBuffer = errors.New("journal: short buffer")

// ErrCRCMismatch means the record's CRC32 did not verify: a torn write.
var ErrCRCMismatch = errors.New("journal: crc mismatch")

// DeserializeOne parses one record starting at buf[0], returning the record
// and the number of bytes it occupied. It never reads past len(buf).
func DeserializeOne(buf []byte) (*Record, int, error) {
	if len(buf) < 4 {
		return nil, 0, ErrShortBuffer
	}
	total := int(binary.LittleEndian.Uint32(buf[0:4]))
	if total < recordFixedSize+4 || total > len(buf) {
		return nil, 0, ErrShortBuffer
	}

	crcOff := total - 4
	wantCRC := binary.LittleEndian.Uint32(buf[crcOff : crcOff+4])
	gotCRC := crc32.ChecksumIEEE(buf[:crcOff])
	if wantCRC != gotCRC {
		return nil, 0, ErrCRCMismatch
	}

	r := &Record{}
	r.LSN = binary.LittleEndian.Uint64(buf[4:12])
	r.TxID = binary.LittleEndian.Uint64(buf[12:20])
	r.Op = OpType(buf[20])
	r.TargetFRN = binary.LittleEndian.Uint64(buf[21:29])
	undoLen := binary.LittleEndian.Uint32(buf[29:33])
	redoLen := binary.LittleEndian.Uint32(buf[33:37])

	off := recordFixedSize
	r.Undo = append([]byte(nil), buf[off:off+int(undoLen)]...)
	off += int(undoLen)
	r.Redo = append([]byte(nil), buf[off:off+int(redoLen)]...)
	off += int(redoLen)

	return r, total, nil
}
