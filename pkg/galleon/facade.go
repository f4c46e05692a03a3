package galleon

import (
	"encoding/binary"
	"path"
	"sync"
	"time"

	"github.com/galleonfs/galleon/pkg/blockdev"
	"github.com/galleonfs/galleon/pkg/elog"
	"github.com/galleonfs/galleon/pkg/galleon/alloc"
	"github.com/galleonfs/galleon/pkg/galleon/btree"
	"github.com/galleonfs/galleon/pkg/galleon/journal"
	"github.com/galleonfs/galleon/pkg/galleon/mft"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// DirEntry is one entry returned by ListDirectory.
type DirEntry struct {
	Name        string
	FRN         mft.FRN
	IsDirectory bool
}

// FsStats summarizes volume occupancy, returned by Stats (spec §4.7).
type FsStats struct {
	ClusterSize    uint32
	TotalClusters  uint64
	FreeClusters   uint64
	AllocatedBytes uint64
}

// Filesystem is the assembled galleon volume: superblock, MFT, journal,
// allocator, and per-directory B+ tree indices (spec §4.7's facade).
type Filesystem struct {
	mu sync.Mutex

	dev         blockdev.Device
	sb          *Superblock
	mftMgr      *mft.Manager
	allocator   *alloc.Allocator
	jrnl        *journal.Journal
	clusterSize uint32

	log  *logrus.Entry
	view elog.View // optional; set by galleonctl so Format/Defragment can report progress
}

// SetView attaches a progress/logging view to the filesystem, used by
// galleonctl to show a progress bar while Format or Defragment runs. A
// nil-view filesystem (the default, e.g. under test) runs silently.
func (fs *Filesystem) SetView(v elog.View) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.view = v
}

type sbCounters struct{ fs *Filesystem }

func (c sbCounters) NextFRN() uint64 { return c.fs.sb.NextFRN }

func (c sbCounters) SetNextFRN(v uint64) error {
	c.fs.sb.NextFRN = v
	return c.fs.writeSuperblock()
}

func (fs *Filesystem) writeSuperblock() error {
	buf := make([]byte, SuperblockSize)
	if err := fs.sb.Serialize(buf); err != nil {
		return err
	}
	if err := fs.dev.WriteSectors(0, 1, buf); err != nil {
		return err
	}
	return fs.dev.Flush()
}

// Format lays out a brand-new volume: superblock, empty MFT with reserved
// system records, an empty journal, a cluster bitmap with every system
// region permanently marked, and a root directory with an empty index
// (spec §6). The cluster size must equal btree.NodeSize — a directory
// index node is always exactly one cluster, and the journal's bitmap-range
// undo/redo dispatch in applyImage distinguishes node images from MFT
// record images purely by length.
func Format(dev blockdev.Device, clusterSize uint32, strategy alloc.Strategy, view elog.View) (*Filesystem, error) {
	if clusterSize != btree.NodeSize {
		return nil, errors.Errorf("galleon: cluster size must be %d bytes", btree.NodeSize)
	}

	totalClusters := dev.CapacityBytes() / uint64(clusterSize)
	sb, err := planLayout(totalClusters, clusterSize)
	if err != nil {
		return nil, err
	}

	bitmap := alloc.NewBitmap(dev, clusterSize, sb.BitmapStart, sb.BitmapSize, totalClusters)
	bitmap.MarkRange(0, sb.IndexStart)
	if err := bitmap.Flush(); err != nil {
		return nil, err
	}
	allocator := alloc.NewAllocator(dev, clusterSize, bitmap, strategy)

	jrnl, err := journal.Format(dev, clusterSize, sb.JournalStart, sb.JournalSize)
	if err != nil {
		return nil, err
	}

	fs := &Filesystem{
		dev: dev, sb: sb, allocator: allocator, jrnl: jrnl, clusterSize: clusterSize,
		log: logrus.WithField("component", "galleon"), view: view,
	}
	fs.mftMgr = mft.NewManager(dev, clusterSize, sb.MftStart, sb.MftMirror, sbCounters{fs})

	var progress elog.Progress
	if fs.view != nil {
		progress = fs.view.NewProgress("formatting", "%", int64(FRNFirstUser))
	}

	// The reserved system records are written directly, with no journal
	// transaction: nothing durable exists yet for a crash here to corrupt
	// beyond "the format never finished".
	for frn := mft.FRN(0); frn < FRNFirstUser; frn++ {
		rec := mft.NewRecord(frn == FRNRootDir)
		if frn != FRNRootDir {
			rec.Header.Flags &^= mft.FlagInUse // reserved-but-unused system slots
		}
		if err := fs.mftMgr.WriteRecord(frn, rec); err != nil {
			if progress != nil {
				progress.Finish(false)
			}
			return nil, err
		}
		if progress != nil {
			progress.Increment(1)
		}
	}

	if err := fs.initDirectory(mft.FRN(FRNRootDir)); err != nil {
		if progress != nil {
			progress.Finish(false)
		}
		return nil, err
	}

	if err := fs.writeSuperblock(); err != nil {
		if progress != nil {
			progress.Finish(false)
		}
		return nil, err
	}
	if progress != nil {
		progress.Finish(true)
	}
	if fs.log != nil {
		fs.log.WithField("clusters", totalClusters).Info("format complete")
	}
	return fs, nil
}

// Mount loads an existing volume's superblock, bitmap, and journal,
// replays any incomplete transactions left over from an unclean shutdown,
// and hydrates the allocator's per-file run-list tracking from the MFT
// (spec §4.4, §6).
func Mount(dev blockdev.Device) (*Filesystem, error) {
	buf := make([]byte, SuperblockSize)
	if err := dev.ReadSectors(0, 1, buf); err != nil {
		return nil, err
	}
	sb, err := DeserializeSuperblock(buf)
	if err != nil {
		return nil, err
	}

	bitmap, err := alloc.LoadBitmap(dev, sb.ClusterSize, sb.BitmapStart, sb.BitmapSize, sb.TotalClusters)
	if err != nil {
		return nil, err
	}
	allocator := alloc.NewAllocator(dev, sb.ClusterSize, bitmap, alloc.FirstFit)

	jrnl, err := journal.Load(dev, sb.ClusterSize, sb.JournalStart, sb.JournalSize)
	if err != nil {
		return nil, err
	}

	fs := &Filesystem{
		dev: dev, sb: sb, allocator: allocator, jrnl: jrnl, clusterSize: sb.ClusterSize,
		log: logrus.WithField("component", "galleon"),
	}
	fs.mftMgr = mft.NewManager(dev, sb.ClusterSize, sb.MftStart, sb.MftMirror, sbCounters{fs})

	if _, err := jrnl.Recover(fs, fs.applyRedo, fs.applyUndo); err != nil {
		return nil, errors.Wrap(err, "galleon: journal recovery")
	}

	fs.hydrateRunLists()
	return fs, nil
}

// LSNFor implements journal.PageLSN by reading the target record's header.
// It only recognizes MFT records; directory index nodes carry no LSN of
// their own, so redo for a node write always reapplies — harmless, since
// reapplying the same node image twice is idempotent.
func (fs *Filesystem) LSNFor(frn uint64) (uint64, bool) {
	rec, err := fs.mftMgr.ReadRecord(mft.FRN(frn))
	if err != nil {
		return 0, false
	}
	return rec.Header.LSN, true
}

func (fs *Filesystem) applyRedo(rec *journal.Record) error {
	switch rec.Op {
	case journal.OpAllocateCluster:
		return fs.allocator.MarkRangeAllocated(rec.TargetFRN, decodeCount(rec.Redo))
	case journal.OpFreeCluster:
		return fs.allocator.MarkRangeFree(rec.TargetFRN, decodeCount(rec.Redo))
	default:
		return fs.applyImage(rec.TargetFRN, rec.Redo)
	}
}

func (fs *Filesystem) applyUndo(rec *journal.Record) error {
	switch rec.Op {
	case journal.OpAllocateCluster:
		return fs.allocator.MarkRangeFree(rec.TargetFRN, decodeCount(rec.Undo))
	case journal.OpFreeCluster:
		return fs.allocator.MarkRangeAllocated(rec.TargetFRN, decodeCount(rec.Undo))
	default:
		return fs.applyImage(rec.TargetFRN, rec.Undo)
	}
}

// applyImage writes a content image back to its home location. OpWriteData
// covers both an MFT record image and a directory index node image; the
// image's length alone tells them apart.
func (fs *Filesystem) applyImage(target uint64, image []byte) error {
	switch len(image) {
	case 0:
		return nil
	case mft.RecordSize:
		return fs.mftMgr.WriteRaw(mft.FRN(target), image)
	case btree.NodeSize:
		return fs.allocator.WriteCluster(target, image)
	default:
		return errors.Errorf("galleon: journal image of unexpected size %d for target %d", len(image), target)
	}
}

func encodeCount(n uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, n)
	return b
}

func decodeCount(b []byte) uint64 {
	if len(b) < 8 {
		return 1
	}
	return binary.LittleEndian.Uint64(b)
}

// logAllocate records that [start, start+count) just became allocated, so
// an abort or a crash before commit can free it again. This extends spec
// §4.4's record-image WAL discipline to bitmap range changes, which have
// no natural before/after byte image to diff.
func (fs *Filesystem) logAllocate(txID uint64, start, count uint64) error {
	payload := encodeCount(count)
	return fs.jrnl.LogOperation(txID, journal.OpAllocateCluster, start, payload, payload)
}

// logFree records that [start, start+count) is about to become free, so an
// abort or a crash before commit can re-mark it allocated.
func (fs *Filesystem) logFree(txID uint64, start, count uint64) error {
	payload := encodeCount(count)
	return fs.jrnl.LogOperation(txID, journal.OpFreeCluster, start, payload, payload)
}

// hydrateRunLists walks every allocated user FRN and registers its Data
// attribute's run list with the allocator, since run-list tracking lives
// only in memory between mounts (spec §4.5's run-list bookkeeping is
// otherwise fully recoverable from the MFT itself).
func (fs *Filesystem) hydrateRunLists() {
	for frn := mft.FRN(FRNFirstUser); frn < mft.FRN(fs.sb.NextFRN); frn++ {
		rec, err := fs.mftMgr.ReadRecord(frn)
		if err != nil || !rec.Header.InUse() {
			continue
		}
		if data := rec.Find(mft.AttrData); data != nil && data.NonResident {
			fs.allocator.SetFileRuns(frn, data.RunList)
		}
	}
}

// initDirectory allocates an empty index root node for frn and records its
// VCN in a fresh IndexRoot attribute. Used only by Format, before any
// journal transaction could mean anything (see Format's comment).
func (fs *Filesystem) initDirectory(frn mft.FRN) error {
	vcn, err := fs.allocator.AllocateCluster()
	if err != nil {
		return err
	}
	leaf := btree.NewLeaf(vcn)
	nodeBuf := make([]byte, btree.NodeSize)
	if err := leaf.Serialize(nodeBuf); err != nil {
		return err
	}
	if err := fs.allocator.WriteCluster(vcn, nodeBuf); err != nil {
		return err
	}

	rec, err := fs.mftMgr.ReadRecord(frn)
	if err != nil {
		return err
	}
	rec.Attributes = append(rec.Attributes, mft.Attribute{
		Type:         mft.AttrIndexRoot,
		IndexRootVCN: vcn,
	})
	return fs.mftMgr.WriteRecord(frn, rec)
}

// readOnlyTx is passed to dirNodeStore by callers that only read a tree
// (Find, ListDirectory, Enumerate) — AllocateNode/WriteNode/FreeNode are
// never reached along those paths, so no real transaction is needed.
const readOnlyTx = 0

// dirNodeStore adapts the allocator to btree.NodeStore for one directory's
// index, logging every node write/allocate/free under txID before
// performing it so that the whole Insert or Delete call the Tree makes is
// covered by one journal transaction (spec §4.4, §4.6). See tree.go's
// package comment for the division of responsibility between Tree and
// NodeStore.
type dirNodeStore struct {
	fs   *Filesystem
	txID uint64
}

func (s dirNodeStore) AllocateNode() (uint64, error) {
	vcn, err := s.fs.allocator.AllocateCluster()
	if err != nil {
		return 0, err
	}
	if err := s.fs.logAllocate(s.txID, vcn, 1); err != nil {
		return 0, err
	}
	return vcn, nil
}

func (s dirNodeStore) ReadNode(vcn uint64) (*btree.IndexNode, error) {
	buf := make([]byte, btree.NodeSize)
	if err := s.fs.allocator.ReadCluster(vcn, buf); err != nil {
		return nil, err
	}
	return btree.Deserialize(vcn, buf)
}

func (s dirNodeStore) WriteNode(n *btree.IndexNode) error {
	after := make([]byte, btree.NodeSize)
	if err := n.Serialize(after); err != nil {
		return err
	}
	before := make([]byte, btree.NodeSize)
	_ = s.fs.allocator.ReadCluster(n.VCN, before) // best-effort pre-image; a fresh node's garbage pre-image is fine since AllocateNode's own undo reclaims the whole cluster
	if err := s.fs.jrnl.LogOperation(s.txID, journal.OpWriteData, n.VCN, before, after); err != nil {
		return err
	}
	return s.fs.allocator.WriteCluster(n.VCN, after)
}

func (s dirNodeStore) FreeNode(vcn uint64) error {
	if err := s.fs.logFree(s.txID, vcn, 1); err != nil {
		return err
	}
	return s.fs.allocator.FreeCluster(vcn)
}

func (fs *Filesystem) treeFor(dirFRN mft.FRN, rec *mft.Record, txID uint64) (*btree.Tree, *mft.Attribute, error) {
	if !rec.Header.IsDirectory() {
		return nil, nil, ErrNotADirectory
	}
	idxRoot := rec.Find(mft.AttrIndexRoot)
	if idxRoot == nil {
		return nil, nil, errors.New("galleon: directory missing index root")
	}
	return btree.NewTree(dirNodeStore{fs, txID}, idxRoot.IndexRootVCN), idxRoot, nil
}

// logRecordWrite logs frn's before/after record image under an
// already-open transaction and writes it through. Unlike logCreateOrUpdate
// it does not manage the transaction's lifecycle, so callers that must
// fold several writes — a new record, its data extents, its directory
// linkage — into one atomic unit can call this once per write inside their
// own Begin/Commit pair (spec §4.4, §4.7).
func (fs *Filesystem) logRecordWrite(txID uint64, frn mft.FRN, before []byte, after *mft.Record) error {
	afterBuf := make([]byte, mft.RecordSize)
	if err := after.Serialize(afterBuf); err != nil {
		return err
	}
	if err := fs.jrnl.LogOperation(txID, journal.OpWriteData, uint64(frn), before, afterBuf); err != nil {
		return err
	}
	return fs.mftMgr.WriteRecord(frn, after)
}

// logCreateOrUpdate logs a single record mutation's pre/post images in its
// own transaction and commits it before returning, for the single-record
// callers WriteFile and Defragment.
func (fs *Filesystem) logCreateOrUpdate(frn mft.FRN, before []byte, after *mft.Record) error {
	txID, err := fs.jrnl.BeginTransaction()
	if err != nil {
		return err
	}
	if err := fs.logRecordWrite(txID, frn, before, after); err != nil {
		_ = fs.jrnl.AbortTransaction(txID, fs.applyUndo)
		return err
	}
	return fs.jrnl.CommitTransaction(txID)
}

func (fs *Filesystem) preImage(frn mft.FRN) []byte {
	buf, err := fs.mftMgr.ReadRaw(frn)
	if err != nil {
		return nil
	}
	return buf
}

// Find resolves name within a directory (spec §4.7's find(dir, name)).
func (fs *Filesystem) Find(dirFRN mft.FRN, name string) (mft.FRN, bool, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.findLocked(dirFRN, name)
}

// Stat returns the full MFT record for frn, for callers (galleonctl stat)
// that need attribute detail ListDirectory's summary DirEntry doesn't carry.
func (fs *Filesystem) Stat(frn mft.FRN) (*mft.Record, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.mftMgr.ReadRecord(frn)
}

// ListDirectory enumerates a directory's children in name order (spec
// §4.7).
func (fs *Filesystem) ListDirectory(dirFRN mft.FRN) ([]DirEntry, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	dirRec, err := fs.mftMgr.ReadRecord(dirFRN)
	if err != nil {
		return nil, err
	}
	tree, _, err := fs.treeFor(dirFRN, dirRec, readOnlyTx)
	if err != nil {
		return nil, err
	}
	entries, err := tree.Enumerate()
	if err != nil {
		return nil, err
	}
	out := make([]DirEntry, len(entries))
	for i, e := range entries {
		out[i] = DirEntry{Name: e.Key, FRN: e.FileFRN, IsDirectory: e.IsDirectory}
	}
	return out, nil
}

// addDirectoryEntry links childFRN into dirFRN's index under txID, an
// already-open transaction the caller commits. If the index root moved —
// the tree split — the directory's own record is rewritten as part of the
// same transaction.
func (fs *Filesystem) addDirectoryEntry(txID uint64, dirFRN mft.FRN, name string, childFRN mft.FRN, childSeq uint16, isDir bool) error {
	dirRec, err := fs.mftMgr.ReadRecord(dirFRN)
	if err != nil {
		return err
	}
	tree, idxRoot, err := fs.treeFor(dirFRN, dirRec, txID)
	if err != nil {
		return err
	}
	if _, exists, _ := tree.Find(name); exists {
		return ErrAlreadyExists
	}
	if err := tree.Insert(name, btree.IndexEntry{
		FileFRN: childFRN, FileSeq: childSeq, IsDirectory: isDir,
	}); err != nil {
		return err
	}
	if tree.Root() != idxRoot.IndexRootVCN {
		idxRoot.IndexRootVCN = tree.Root()
		return fs.logRecordWrite(txID, dirFRN, fs.preImage(dirFRN), dirRec)
	}
	return nil
}

// removeDirectoryEntry is addDirectoryEntry's mirror for Delete.
func (fs *Filesystem) removeDirectoryEntry(txID uint64, dirFRN mft.FRN, name string) error {
	dirRec, err := fs.mftMgr.ReadRecord(dirFRN)
	if err != nil {
		return err
	}
	tree, idxRoot, err := fs.treeFor(dirFRN, dirRec, txID)
	if err != nil {
		return err
	}
	if err := tree.Delete(name); err != nil {
		return err
	}
	if tree.Root() != idxRoot.IndexRootVCN {
		idxRoot.IndexRootVCN = tree.Root()
		return fs.logRecordWrite(txID, dirFRN, fs.preImage(dirFRN), dirRec)
	}
	return nil
}

// CreateFile allocates a new file record, stores data (resident or
// non-resident depending on size, spec §3's ResidentThreshold), and links
// it into parent's index, all inside one journal transaction: a crash at
// any point before commit leaves the volume exactly as it was before the
// call (spec §4.7, §7's abort/rollback policy).
func (fs *Filesystem) CreateFile(parent mft.FRN, name string, data []byte) (mft.FRN, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if _, exists, _ := fs.findLocked(parent, name); exists {
		return 0, ErrAlreadyExists
	}

	frn, rec, err := fs.mftMgr.AllocateRecord(false)
	if err != nil {
		return 0, err
	}

	txID, err := fs.jrnl.BeginTransaction()
	if err != nil {
		return 0, err
	}
	fail := func(cause error) (mft.FRN, error) {
		_ = fs.jrnl.AbortTransaction(txID, fs.applyUndo)
		return 0, cause
	}

	now := time.Now()
	rec.Attributes = append(rec.Attributes,
		mft.Attribute{
			Type:  mft.AttrStandardInformation,
			Times: mft.FileTimes{Creation: now, LastAccess: now, LastWrite: now, MetadataChange: now},
		},
		mft.Attribute{Type: mft.AttrFileName, ParentDirectory: parent, Name: name},
	)

	if err := fs.writeFileData(txID, frn, rec, data); err != nil {
		return fail(err)
	}
	if err := fs.logRecordWrite(txID, frn, fs.preImage(frn), rec); err != nil {
		return fail(err)
	}
	if err := fs.addDirectoryEntry(txID, parent, name, frn, rec.Header.SequenceNumber, false); err != nil {
		return fail(err)
	}
	if err := fs.jrnl.CommitTransaction(txID); err != nil {
		return 0, err
	}
	return frn, nil
}

// CreateDirectory allocates a new directory record with its own empty
// index and links it into parent, all inside one journal transaction
// (spec §4.7).
func (fs *Filesystem) CreateDirectory(parent mft.FRN, name string) (mft.FRN, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if _, exists, _ := fs.findLocked(parent, name); exists {
		return 0, ErrAlreadyExists
	}

	frn, rec, err := fs.mftMgr.AllocateRecord(true)
	if err != nil {
		return 0, err
	}

	txID, err := fs.jrnl.BeginTransaction()
	if err != nil {
		return 0, err
	}
	fail := func(cause error) (mft.FRN, error) {
		_ = fs.jrnl.AbortTransaction(txID, fs.applyUndo)
		return 0, cause
	}

	now := time.Now()
	rec.Attributes = append(rec.Attributes,
		mft.Attribute{
			Type:  mft.AttrStandardInformation,
			Times: mft.FileTimes{Creation: now, LastAccess: now, LastWrite: now, MetadataChange: now},
		},
		mft.Attribute{Type: mft.AttrFileName, ParentDirectory: parent, Name: name},
	)

	vcn, err := fs.allocator.AllocateCluster()
	if err != nil {
		return fail(err)
	}
	if err := fs.logAllocate(txID, vcn, 1); err != nil {
		return fail(err)
	}
	leaf := btree.NewLeaf(vcn)
	nodeBuf := make([]byte, btree.NodeSize)
	if err := leaf.Serialize(nodeBuf); err != nil {
		return fail(err)
	}
	before := make([]byte, btree.NodeSize)
	_ = fs.allocator.ReadCluster(vcn, before)
	if err := fs.jrnl.LogOperation(txID, journal.OpWriteData, vcn, before, nodeBuf); err != nil {
		return fail(err)
	}
	if err := fs.allocator.WriteCluster(vcn, nodeBuf); err != nil {
		return fail(err)
	}
	rec.Attributes = append(rec.Attributes, mft.Attribute{Type: mft.AttrIndexRoot, IndexRootVCN: vcn})

	if err := fs.logRecordWrite(txID, frn, fs.preImage(frn), rec); err != nil {
		return fail(err)
	}
	if err := fs.addDirectoryEntry(txID, parent, name, frn, rec.Header.SequenceNumber, true); err != nil {
		return fail(err)
	}
	if err := fs.jrnl.CommitTransaction(txID); err != nil {
		return 0, err
	}
	return frn, nil
}

// writeFileData attaches data to rec as a resident or non-resident Data
// attribute. Any cluster allocation is logged under txID before the
// attribute is wired up, so an abort anywhere downstream of this call
// unwinds it.
func (fs *Filesystem) writeFileData(txID uint64, frn mft.FRN, rec *mft.Record, data []byte) error {
	if len(data) <= mft.ResidentThreshold {
		rec.Attributes = append(rec.Attributes, mft.Attribute{
			Type:         mft.AttrData,
			ResidentData: append([]byte(nil), data...),
		})
		return nil
	}

	clusters := ClustersFor(uint64(len(data)), fs.clusterSize)
	run, err := fs.allocator.Allocate(frn, clusters)
	if err != nil {
		return err
	}
	if err := fs.logAllocate(txID, run.StartCluster, run.Count); err != nil {
		return err
	}
	buf := make([]byte, clusters*uint64(fs.clusterSize))
	copy(buf, data)
	if err := fs.allocator.WriteCluster(run.StartCluster, buf); err != nil {
		return err
	}
	rec.Attributes = append(rec.Attributes, mft.Attribute{
		Type:            mft.AttrData,
		NonResident:     true,
		RunList:         []mft.ClusterRun{run},
		AllocatedSize:   clusters * uint64(fs.clusterSize),
		RealSize:        uint64(len(data)),
		InitializedSize: uint64(len(data)),
	})
	return nil
}

// ReadFile returns a file's full content (spec §4.7).
func (fs *Filesystem) ReadFile(frn mft.FRN) ([]byte, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	rec, err := fs.mftMgr.ReadRecord(frn)
	if err != nil {
		return nil, err
	}
	if rec.Header.IsDirectory() {
		return nil, ErrIsADirectory
	}
	data := rec.Find(mft.AttrData)
	if data == nil {
		return nil, nil
	}
	if !data.NonResident {
		return append([]byte(nil), data.ResidentData...), nil
	}
	out := make([]byte, 0, data.RealSize)
	buf := make([]byte, fs.clusterSize)
	for _, run := range data.RunList {
		for c := run.StartCluster; c <= run.EndCluster(); c++ {
			if err := fs.allocator.ReadCluster(c, buf); err != nil {
				return nil, err
			}
			out = append(out, buf...)
		}
	}
	if uint64(len(out)) > data.RealSize {
		out = out[:data.RealSize]
	}
	return out, nil
}

// WriteFile replaces a file's content in place, reallocating its extents
// as needed, the extent swap and the record update covered by one journal
// transaction (spec §4.7).
func (fs *Filesystem) WriteFile(frn mft.FRN, data []byte) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	rec, err := fs.mftMgr.ReadRecord(frn)
	if err != nil {
		return err
	}
	if rec.Header.IsDirectory() {
		return ErrIsADirectory
	}

	txID, err := fs.jrnl.BeginTransaction()
	if err != nil {
		return err
	}
	fail := func(cause error) error {
		_ = fs.jrnl.AbortTransaction(txID, fs.applyUndo)
		return cause
	}

	for _, r := range fs.allocator.GetFileRuns(frn) {
		if err := fs.logFree(txID, r.StartCluster, r.Count); err != nil {
			return fail(err)
		}
	}
	if err := fs.allocator.DeallocateAll(frn); err != nil {
		return fail(err)
	}

	for i, a := range rec.Attributes {
		if a.Type == mft.AttrData {
			rec.Attributes = append(rec.Attributes[:i], rec.Attributes[i+1:]...)
			break
		}
	}
	if err := fs.writeFileData(txID, frn, rec, data); err != nil {
		return fail(err)
	}

	if err := fs.logRecordWrite(txID, frn, fs.preImage(frn), rec); err != nil {
		return fail(err)
	}
	return fs.jrnl.CommitTransaction(txID)
}

// DeleteFile removes name from parent, frees its extents, and marks its
// MFT record free, all inside one journal transaction so a crash never
// leaves freed clusters still claimed by an in_use record, or an unlinked
// record whose clusters were never freed (spec §4.7, §7's abort/rollback
// policy). Deleting a non-empty directory is refused.
func (fs *Filesystem) DeleteFile(parent mft.FRN, name string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	frn, ok, err := fs.findLocked(parent, name)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	rec, err := fs.mftMgr.ReadRecord(frn)
	if err != nil {
		return err
	}

	txID, err := fs.jrnl.BeginTransaction()
	if err != nil {
		return err
	}
	fail := func(cause error) error {
		_ = fs.jrnl.AbortTransaction(txID, fs.applyUndo)
		return cause
	}

	if rec.Header.IsDirectory() {
		tree, idxRoot, err := fs.treeFor(frn, rec, txID)
		if err != nil {
			return fail(err)
		}
		children, err := tree.Enumerate()
		if err != nil {
			return fail(err)
		}
		if len(children) > 0 {
			return fail(ErrDirectoryNotEmpty)
		}
		if err := fs.logFree(txID, idxRoot.IndexRootVCN, 1); err != nil {
			return fail(err)
		}
		if err := fs.allocator.FreeCluster(idxRoot.IndexRootVCN); err != nil {
			return fail(err)
		}
	}

	for _, r := range fs.allocator.GetFileRuns(frn) {
		if err := fs.logFree(txID, r.StartCluster, r.Count); err != nil {
			return fail(err)
		}
	}
	if err := fs.allocator.DeallocateAll(frn); err != nil {
		return fail(err)
	}

	before := fs.preImage(frn)
	rec.Header.Flags &^= mft.FlagInUse
	rec.Header.SequenceNumber++
	rec.Attributes = nil
	if err := fs.logRecordWrite(txID, frn, before, rec); err != nil {
		return fail(err)
	}

	if err := fs.removeDirectoryEntry(txID, parent, name); err != nil {
		return fail(err)
	}
	return fs.jrnl.CommitTransaction(txID)
}

func (fs *Filesystem) findLocked(dirFRN mft.FRN, name string) (mft.FRN, bool, error) {
	dirRec, err := fs.mftMgr.ReadRecord(dirFRN)
	if err != nil {
		return 0, false, err
	}
	tree, _, err := fs.treeFor(dirFRN, dirRec, readOnlyTx)
	if err != nil {
		return 0, false, err
	}
	entry, ok, err := tree.Find(name)
	if err != nil || !ok {
		return 0, ok, err
	}
	return entry.FileFRN, true, nil
}

// Defragment consolidates frn's extents into one contiguous run. The
// destination run is allocated and filled before any old extent is freed,
// so old and new clusters never overlap during the copy; the whole
// allocate/copy/free/relink sequence is one journal transaction, so a
// crash mid-defrag unwinds back to the pre-defrag layout instead of
// leaving both old and new clusters marked allocated (spec §4.5).
func (fs *Filesystem) Defragment(frn mft.FRN) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	rec, err := fs.mftMgr.ReadRecord(frn)
	if err != nil {
		return err
	}
	data := rec.Find(mft.AttrData)
	if data == nil || !data.NonResident || len(data.RunList) <= 1 {
		return nil
	}
	oldRuns := append([]mft.ClusterRun(nil), data.RunList...)
	var total uint64
	for _, r := range oldRuns {
		total += r.Count
	}

	txID, err := fs.jrnl.BeginTransaction()
	if err != nil {
		return err
	}
	fail := func(cause error) error {
		_ = fs.jrnl.AbortTransaction(txID, fs.applyUndo)
		return cause
	}

	newRun, err := fs.allocator.AllocateRun(total)
	if err != nil {
		return fail(err)
	}
	if err := fs.logAllocate(txID, newRun.StartCluster, newRun.Count); err != nil {
		return fail(err)
	}

	var progress elog.Progress
	if fs.view != nil {
		progress = fs.view.NewProgress("defragmenting", "clusters", int64(total))
	}

	buf := make([]byte, fs.clusterSize)
	dst := newRun.StartCluster
	for _, r := range oldRuns {
		for c := r.StartCluster; c <= r.EndCluster(); c++ {
			if err := fs.allocator.ReadCluster(c, buf); err != nil {
				if progress != nil {
					progress.Finish(false)
				}
				return fail(err)
			}
			if err := fs.allocator.WriteCluster(dst, buf); err != nil {
				if progress != nil {
					progress.Finish(false)
				}
				return fail(err)
			}
			dst++
			if progress != nil {
				progress.Increment(1)
			}
		}
	}
	if progress != nil {
		progress.Finish(true)
	}

	for _, r := range oldRuns {
		if err := fs.logFree(txID, r.StartCluster, r.Count); err != nil {
			return fail(err)
		}
	}
	if err := fs.allocator.DeallocateAll(frn); err != nil {
		return fail(err)
	}
	fs.allocator.SetFileRuns(frn, []mft.ClusterRun{newRun})

	data.RunList = []mft.ClusterRun{newRun}
	if err := fs.logRecordWrite(txID, frn, fs.preImage(frn), rec); err != nil {
		return fail(err)
	}
	if err := fs.jrnl.CommitTransaction(txID); err != nil {
		return err
	}
	if fs.log != nil {
		fs.log.WithField("frn", frn).WithField("clusters", total).Info("defragment complete")
	}
	return nil
}

// Stats reports volume occupancy (spec §4.7).
func (fs *Filesystem) Stats() FsStats {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return FsStats{
		ClusterSize:    fs.clusterSize,
		TotalClusters:  fs.sb.TotalClusters,
		FreeClusters:   fs.allocator.GetFreeSpace(),
		AllocatedBytes: fs.allocator.GetTotalAllocated(fs.sb.TotalClusters) * uint64(fs.clusterSize),
	}
}

// Journal exposes the volume's write-ahead log, used by galleonctl's
// `journal export` to archive a checkpoint for offline inspection.
func (fs *Filesystem) Journal() *journal.Journal {
	return fs.jrnl
}

// Sync forces the superblock, bitmap, and journal to durable storage.
func (fs *Filesystem) Sync() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.writeSuperblock(); err != nil {
		return err
	}
	return fs.dev.Flush()
}

// ResolvePath walks a slash-separated path from the root directory one
// component at a time, for CLI callers.
func (fs *Filesystem) ResolvePath(p string) (mft.FRN, error) {
	fs.mu.Lock()
	cur := mft.FRN(FRNRootDir)
	fs.mu.Unlock()

	clean := path.Clean("/" + p)
	if clean == "/" {
		return cur, nil
	}
	for _, part := range splitPath(clean) {
		next, ok, err := fs.Find(cur, part)
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, ErrNotFound
		}
		cur = next
	}
	return cur, nil
}

func splitPath(clean string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(clean); i++ {
		if clean[i] == '/' {
			if i > start {
				parts = append(parts, clean[start:i])
			}
			start = i + 1
		}
	}
	if start < len(clean) {
		parts = append(parts, clean[start:])
	}
	return parts
}
