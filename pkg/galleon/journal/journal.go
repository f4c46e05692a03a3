package journal

import (
	"encoding/binary"
	"sync"

	"github.com/galleonfs/galleon/pkg/blockdev"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// headerSize is the fixed metadata block at the start of the journal's
// reserved region: writePos, nextLSN, nextTxID, checkpointLSN.
const headerSize = 32

// ErrJournalCorrupt signals the journal header or a record failed
// validation badly enough that the log cannot be trusted (spec §7).
var ErrJournalCorrupt = errors.New("journal: corrupt")

// transaction tracks one in-flight transaction's logged operations so
// AbortTransaction can replay its undo images in reverse LSN order
// (spec §4.4).
type transaction struct {
	id      uint64
	traceID uuid.UUID
	ops     []*Record
}

// Journal is the write-ahead log over a fixed circular region of a volume
// (spec §4.4).
type Journal struct {
	mu sync.Mutex

	dev          blockdev.Device
	clusterSize  uint32
	startCluster uint64
	sizeClusters uint64

	region   []byte // full reserved region image, header + circular data
	dataSize uint64

	writePos      uint64
	nextLSN       uint64
	nextTxID      uint64
	checkpointLSN uint64

	active map[uint64]*transaction

	log *logrus.Entry
}

func regionSize(clusterSize uint32, sizeClusters uint64) uint64 {
	return sizeClusters * uint64(clusterSize)
}

// Format initializes a fresh, empty journal region and persists it.
func Format(dev blockdev.Device, clusterSize uint32, startCluster, sizeClusters uint64) (*Journal, error) {
	size := regionSize(clusterSize, sizeClusters)
	j := &Journal{
		dev: dev, clusterSize: clusterSize, startCluster: startCluster, sizeClusters: sizeClusters,
		region:   make([]byte, size),
		dataSize: size - headerSize,
		nextLSN:  1,
		nextTxID: 1,
		active:   make(map[uint64]*transaction),
		log:      logrus.WithField("component", "journal"),
	}
	j.writeHeader()
	if err := j.flushLocked(); err != nil {
		return nil, err
	}
	return j, nil
}

// Load reads an existing journal region from disk and reconstructs its
// in-memory cursor state from the persisted header.
func Load(dev blockdev.Device, clusterSize uint32, startCluster, sizeClusters uint64) (*Journal, error) {
	size := regionSize(clusterSize, sizeClusters)
	sectorsPerCluster := clusterSize / blockdev.SectorSize
	buf := make([]byte, size)
	lba := startCluster * uint64(sectorsPerCluster)
	count := sizeClusters * uint64(sectorsPerCluster)
	if err := dev.ReadSectors(lba, uint16(count), buf); err != nil {
		return nil, errors.Wrap(err, "journal: load")
	}

	j := &Journal{
		dev: dev, clusterSize: clusterSize, startCluster: startCluster, sizeClusters: sizeClusters,
		region:   buf,
		dataSize: size - headerSize,
		active:   make(map[uint64]*transaction),
		log:      logrus.WithField("component", "journal"),
	}
	j.readHeader()
	return j, nil
}

func (j *Journal) writeHeader() {
	binary.LittleEndian.PutUint64(j.region[0:8], j.writePos)
	binary.LittleEndian.PutUint64(j.region[8:16], j.nextLSN)
	binary.LittleEndian.PutUint64(j.region[16:24], j.nextTxID)
	binary.LittleEndian.PutUint64(j.region[24:32], j.checkpointLSN)
}

func (j *Journal) readHeader() {
	j.writePos = binary.LittleEndian.Uint64(j.region[0:8])
	j.nextLSN = binary.LittleEndian.Uint64(j.region[8:16])
	j.nextTxID = binary.LittleEndian.Uint64(j.region[16:24])
	j.checkpointLSN = binary.LittleEndian.Uint64(j.region[24:32])
	if j.nextLSN == 0 {
		j.nextLSN = 1
	}
	if j.nextTxID == 0 {
		j.nextTxID = 1
	}
}

func (j *Journal) data() []byte {
	return j.region[headerSize:]
}

// appendLocked writes rec into the circular data area, wrapping at the end,
// and returns the LSN it was assigned.
func (j *Journal) appendLocked(rec *Record) (uint64, error) {
	rec.LSN = j.nextLSN
	payload := rec.Serialize()
	if uint64(len(payload)) > j.dataSize {
		return 0, errors.New("journal: record larger than journal region")
	}

	data := j.data()
	pos := j.writePos
	if pos+uint64(len(payload)) <= j.dataSize {
		copy(data[pos:], payload)
	} else {
		first := j.dataSize - pos
		copy(data[pos:], payload[:first])
		copy(data[0:], payload[first:])
	}

	j.writePos = (pos + uint64(len(payload))) % j.dataSize
	j.nextLSN++
	j.writeHeader()
	return rec.LSN, nil
}

// flushLocked persists the whole journal region image to disk. The journal
// always flushes the entire region rather than tracking a dirty sub-range,
// trading write amplification for a single, obviously-correct durability
// primitive — appropriate at this volume's scale (journal regions are a
// few percent of total capacity, spec §4.4).
func (j *Journal) flushLocked() error {
	sectorsPerCluster := j.clusterSize / blockdev.SectorSize
	lba := j.startCluster * uint64(sectorsPerCluster)
	count := j.sizeClusters * uint64(sectorsPerCluster)
	if err := j.dev.WriteSectors(lba, uint16(count), j.region); err != nil {
		return err
	}
	return j.dev.Flush()
}

// BeginTransaction reserves a transaction id and appends a BeginTx record
// (spec §4.4 step 1).
func (j *Journal) BeginTransaction() (uint64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	id := j.nextTxID
	j.nextTxID++
	j.writeHeader()

	trace := uuid.New()
	rec := &Record{TxID: id, Op: OpBeginTx}
	if _, err := j.appendLocked(rec); err != nil {
		return 0, err
	}
	j.active[id] = &transaction{id: id, traceID: trace}
	j.log.WithField("tx", id).WithField("trace", trace).Debug("begin transaction")
	return id, nil
}

// LogOperation appends a redo/undo record for an in-flight transaction and
// flushes it durable before returning, so the caller's subsequent home-page
// write never races ahead of the log (spec §4.4's WAL invariant). target is
// an FRN, a directory-node VCN, or a starting cluster depending on op — see
// Record's doc comment.
func (j *Journal) LogOperation(txID uint64, op OpType, target uint64, undo, redo []byte) error {
	j.mu.Lock()
	tx, ok := j.active[txID]
	if !ok {
		j.mu.Unlock()
		return errors.Errorf("journal: unknown transaction %d", txID)
	}
	rec := &Record{TxID: txID, Op: op, TargetFRN: target, Undo: undo, Redo: redo}
	if _, err := j.appendLocked(rec); err != nil {
		j.mu.Unlock()
		return err
	}
	tx.ops = append(tx.ops, rec)
	err := j.flushLocked()
	j.mu.Unlock()
	return err
}

// CommitTransaction appends CommitTx and forces the log durable up to and
// including it, after which the caller may write back the target pages
// (spec §4.4 step 3).
func (j *Journal) CommitTransaction(txID uint64) error {
	j.mu.Lock()
	_, ok := j.active[txID]
	if !ok {
		j.mu.Unlock()
		return errors.Errorf("journal: unknown transaction %d", txID)
	}
	rec := &Record{TxID: txID, Op: OpCommitTx}
	if _, err := j.appendLocked(rec); err != nil {
		j.mu.Unlock()
		return err
	}
	if err := j.flushLocked(); err != nil {
		j.mu.Unlock()
		return err
	}
	delete(j.active, txID)
	j.mu.Unlock()
	return nil
}

// UndoApplier rolls back one logged operation's effect on its home
// location during abort or crash-recovery undo. It receives the whole
// record because the action it must take (restore a content image vs.
// reverse a bitmap range change) depends on Op, not just Undo's bytes.
type UndoApplier func(rec *Record) error

// AbortTransaction applies undo images in reverse LSN order and appends an
// AbortTx record (spec §4.4 step 4).
func (j *Journal) AbortTransaction(txID uint64, apply UndoApplier) error {
	j.mu.Lock()
	tx, ok := j.active[txID]
	if !ok {
		j.mu.Unlock()
		return errors.Errorf("journal: unknown transaction %d", txID)
	}
	ops := append([]*Record(nil), tx.ops...)
	j.mu.Unlock()

	for i := len(ops) - 1; i >= 0; i-- {
		if len(ops[i].Undo) == 0 {
			continue
		}
		if err := apply(ops[i]); err != nil {
			return errors.Wrap(err, "journal: apply undo during abort")
		}
	}

	j.mu.Lock()
	rec := &Record{TxID: txID, Op: OpAbortTx}
	_, err := j.appendLocked(rec)
	if err == nil {
		err = j.flushLocked()
	}
	delete(j.active, txID)
	j.mu.Unlock()
	return err
}

// Checkpoint records the oldest LSN still needed for recovery, allowing log
// space before it to be reclaimed on a future format/compaction
// (spec §4.4's Checkpoint).
func (j *Journal) Checkpoint(oldestNeededLSN uint64) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.checkpointLSN = oldestNeededLSN
	rec := &Record{Op: OpCheckpoint, TargetFRN: oldestNeededLSN}
	if _, err := j.appendLocked(rec); err != nil {
		return err
	}
	return j.flushLocked()
}

// LastLSN returns the most recently assigned LSN, used by callers stamping
// a page's LSN after a write.
func (j *Journal) LastLSN() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.nextLSN == 0 {
		return 0
	}
	return j.nextLSN - 1
}

// ExportRegion returns a copy of the journal's full reserved on-disk region
// (header plus circular log data), used by galleonctl's `journal export` to
// archive a checkpoint for offline inspection without exposing the region
// slice itself to concurrent mutation.
func (j *Journal) ExportRegion() []byte {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]byte, len(j.region))
	copy(out, j.region)
	return out
}
