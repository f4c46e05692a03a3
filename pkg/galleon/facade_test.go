package galleon

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/galleonfs/galleon/pkg/blockdev"
	"github.com/galleonfs/galleon/pkg/galleon/alloc"
	"github.com/galleonfs/galleon/pkg/galleon/btree"
	"github.com/galleonfs/galleon/pkg/galleon/journal"
	"github.com/galleonfs/galleon/pkg/galleon/mft"
)

// testTotalClusters keeps planLayout's reserved regions small relative to
// the volume while leaving a few hundred data clusters free, so the test
// suite's device stays well under a megabyte.
const testTotalClusters = 256

func newTestVolume(t *testing.T) (*Filesystem, blockdev.Device) {
	t.Helper()
	dev := blockdev.NewMemory(testTotalClusters * uint64(btree.NodeSize))
	fs, err := Format(dev, btree.NodeSize, alloc.FirstFit, nil)
	require.NoError(t, err)
	return fs, dev
}

// TestFormatCreatesEmptyRootDirectory exercises spec §6's format() contract:
// a freshly formatted volume has a root directory that exists and is empty.
func TestFormatCreatesEmptyRootDirectory(t *testing.T) {
	fs, _ := newTestVolume(t)

	entries, err := fs.ListDirectory(mft.FRN(FRNRootDir))
	require.NoError(t, err)
	require.Empty(t, entries)
}

// TestCreateFileAndReadBack covers S1: create a small resident file, find
// it by name, read its content back.
func TestCreateFileAndReadBack(t *testing.T) {
	fs, _ := newTestVolume(t)

	content := []byte("hello galleon")
	frn, err := fs.CreateFile(mft.FRN(FRNRootDir), "hello.txt", content)
	require.NoError(t, err)

	found, ok, err := fs.Find(mft.FRN(FRNRootDir), "hello.txt")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, frn, found)

	back, err := fs.ReadFile(frn)
	require.NoError(t, err)
	require.Equal(t, content, back)
}

// TestCreateFileRejectsDuplicateName exercises spec §7's AlreadyExists edge
// case.
func TestCreateFileRejectsDuplicateName(t *testing.T) {
	fs, _ := newTestVolume(t)

	_, err := fs.CreateFile(mft.FRN(FRNRootDir), "dup.txt", []byte("a"))
	require.NoError(t, err)

	_, err = fs.CreateFile(mft.FRN(FRNRootDir), "dup.txt", []byte("b"))
	require.ErrorIs(t, err, ErrAlreadyExists)
}

// TestResidentBoundary exercises spec §8's boundary case: a payload exactly
// at ResidentThreshold stays resident, one byte over goes non-resident, and
// both read back correctly. This is also the test that most directly
// exercises the AttrFileName/AttrStandardInformation serialization fix,
// since CreateFile builds both attributes on every call.
func TestResidentBoundary(t *testing.T) {
	fs, _ := newTestVolume(t)

	atThreshold := bytes.Repeat([]byte("a"), mft.ResidentThreshold)
	overThreshold := bytes.Repeat([]byte("b"), mft.ResidentThreshold+1)

	frnA, err := fs.CreateFile(mft.FRN(FRNRootDir), "at.bin", atThreshold)
	require.NoError(t, err)
	recA, err := fs.Stat(frnA)
	require.NoError(t, err)
	dataA := recA.Find(mft.AttrData)
	require.NotNil(t, dataA)
	require.False(t, dataA.NonResident, "exactly-threshold payload must stay resident")

	frnB, err := fs.CreateFile(mft.FRN(FRNRootDir), "over.bin", overThreshold)
	require.NoError(t, err)
	recB, err := fs.Stat(frnB)
	require.NoError(t, err)
	dataB := recB.Find(mft.AttrData)
	require.NotNil(t, dataB)
	require.True(t, dataB.NonResident, "one byte over threshold must go non-resident")

	backA, err := fs.ReadFile(frnA)
	require.NoError(t, err)
	require.Equal(t, atThreshold, backA)

	backB, err := fs.ReadFile(frnB)
	require.NoError(t, err)
	require.Equal(t, overThreshold, backB)
}

// TestCreateDirectoryNestingAndListDirectory covers S2: nested directories,
// listing, and per-entry IsDirectory tagging.
func TestCreateDirectoryNestingAndListDirectory(t *testing.T) {
	fs, _ := newTestVolume(t)

	sub, err := fs.CreateDirectory(mft.FRN(FRNRootDir), "sub")
	require.NoError(t, err)

	_, err = fs.CreateFile(sub, "a.txt", []byte("x"))
	require.NoError(t, err)
	_, err = fs.CreateDirectory(sub, "nested")
	require.NoError(t, err)

	entries, err := fs.ListDirectory(sub)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	byName := map[string]DirEntry{}
	for _, e := range entries {
		byName[e.Name] = e
	}
	require.False(t, byName["a.txt"].IsDirectory)
	require.True(t, byName["nested"].IsDirectory)

	rootEntries, err := fs.ListDirectory(mft.FRN(FRNRootDir))
	require.NoError(t, err)
	require.Len(t, rootEntries, 1)
	require.Equal(t, "sub", rootEntries[0].Name)
	require.True(t, rootEntries[0].IsDirectory)
}

// TestFileNameSurvivesMount covers invariant 1 (every in-use record's
// FileName attribute resolves back through its parent's directory index)
// across a Mount, which exercises the fixed MFT attribute
// serialize/deserialize round-trip end to end: format, create, unmount
// (discard the in-memory Filesystem), remount from the same device, and
// confirm the name, parent linkage, and timestamps all survived.
func TestFileNameSurvivesMount(t *testing.T) {
	fs, dev := newTestVolume(t)

	sub, err := fs.CreateDirectory(mft.FRN(FRNRootDir), "docs")
	require.NoError(t, err)
	frn, err := fs.CreateFile(sub, "notes.txt", []byte("remember this"))
	require.NoError(t, err)
	require.NoError(t, fs.Sync())

	remounted, err := Mount(dev)
	require.NoError(t, err)

	found, ok, err := remounted.Find(sub, "notes.txt")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, frn, found)

	rec, err := remounted.Stat(frn)
	require.NoError(t, err)
	nameAttr := rec.Find(mft.AttrFileName)
	require.NotNil(t, nameAttr)
	require.Equal(t, "notes.txt", nameAttr.Name)
	require.Equal(t, mft.FRN(sub), nameAttr.ParentDirectory)

	stdInfo := rec.Find(mft.AttrStandardInformation)
	require.NotNil(t, stdInfo)
	require.False(t, stdInfo.Times.Creation.IsZero())

	back, err := remounted.ReadFile(frn)
	require.NoError(t, err)
	require.Equal(t, []byte("remember this"), back)

	subRec, err := remounted.Stat(sub)
	require.NoError(t, err)
	require.NotNil(t, subRec.Find(mft.AttrIndexRoot))
}

// TestWriteFileReplacesContent covers S3: overwriting a file's data, moving
// it across the resident/non-resident boundary in both directions.
func TestWriteFileReplacesContent(t *testing.T) {
	fs, _ := newTestVolume(t)

	frn, err := fs.CreateFile(mft.FRN(FRNRootDir), "grow.bin", []byte("small"))
	require.NoError(t, err)

	big := bytes.Repeat([]byte("z"), mft.ResidentThreshold*3)
	require.NoError(t, fs.WriteFile(frn, big))
	back, err := fs.ReadFile(frn)
	require.NoError(t, err)
	require.Equal(t, big, back)

	require.NoError(t, fs.WriteFile(frn, []byte("small again")))
	back, err = fs.ReadFile(frn)
	require.NoError(t, err)
	require.Equal(t, []byte("small again"), back)
}

// TestWriteFileRejectsDirectory and TestReadFileRejectsDirectory cover spec
// §7's IsADirectory edge case from both entry points.
func TestWriteFileRejectsDirectory(t *testing.T) {
	fs, _ := newTestVolume(t)
	dir, err := fs.CreateDirectory(mft.FRN(FRNRootDir), "d")
	require.NoError(t, err)
	require.ErrorIs(t, fs.WriteFile(dir, []byte("x")), ErrIsADirectory)
}

func TestReadFileRejectsDirectory(t *testing.T) {
	fs, _ := newTestVolume(t)
	dir, err := fs.CreateDirectory(mft.FRN(FRNRootDir), "d")
	require.NoError(t, err)
	_, err = fs.ReadFile(dir)
	require.ErrorIs(t, err, ErrIsADirectory)
}

// TestDeleteFileRemovesEntryAndFreesSpace covers S4: deleting a file frees
// its clusters and removes its directory entry.
func TestDeleteFileRemovesEntryAndFreesSpace(t *testing.T) {
	fs, _ := newTestVolume(t)

	before := fs.Stats()
	big := bytes.Repeat([]byte("q"), mft.ResidentThreshold*4)
	_, err := fs.CreateFile(mft.FRN(FRNRootDir), "big.bin", big)
	require.NoError(t, err)
	afterCreate := fs.Stats()
	require.Less(t, afterCreate.FreeClusters, before.FreeClusters)

	require.NoError(t, fs.DeleteFile(mft.FRN(FRNRootDir), "big.bin"))
	afterDelete := fs.Stats()
	require.Equal(t, before.FreeClusters, afterDelete.FreeClusters)

	_, ok, err := fs.Find(mft.FRN(FRNRootDir), "big.bin")
	require.NoError(t, err)
	require.False(t, ok)
}

// TestDeleteFileMissingNameReturnsErrNotFound covers spec §7's NotFound edge
// case.
func TestDeleteFileMissingNameReturnsErrNotFound(t *testing.T) {
	fs, _ := newTestVolume(t)
	require.ErrorIs(t, fs.DeleteFile(mft.FRN(FRNRootDir), "nope.txt"), ErrNotFound)
}

// TestDeleteNonEmptyDirectoryRefused covers invariant: a directory with
// children cannot be unlinked (spec §4.7, §7 DirectoryNotEmpty).
func TestDeleteNonEmptyDirectoryRefused(t *testing.T) {
	fs, _ := newTestVolume(t)

	dir, err := fs.CreateDirectory(mft.FRN(FRNRootDir), "occupied")
	require.NoError(t, err)
	_, err = fs.CreateFile(dir, "child.txt", []byte("x"))
	require.NoError(t, err)

	err = fs.DeleteFile(mft.FRN(FRNRootDir), "occupied")
	require.ErrorIs(t, err, ErrDirectoryNotEmpty)

	// The directory must still be fully intact after the refused delete.
	entries, err := fs.ListDirectory(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

// TestDefragmentConsolidatesRuns covers S5's non-crash half: writing,
// growing, and shrinking a file fragments its run list across several
// Allocate calls (since freed clusters from the shrink sit between live
// ones); Defragment must then consolidate it back into a single run without
// losing any bytes.
func TestDefragmentConsolidatesRuns(t *testing.T) {
	fs, _ := newTestVolume(t)

	payload := bytes.Repeat([]byte("r"), mft.ResidentThreshold*2)
	frn, err := fs.CreateFile(mft.FRN(FRNRootDir), "frag.bin", payload)
	require.NoError(t, err)

	// Interleave another file's allocation so frag.bin's eventual growth
	// cannot land contiguously with its current run.
	_, err = fs.CreateFile(mft.FRN(FRNRootDir), "filler.bin", bytes.Repeat([]byte("f"), mft.ResidentThreshold*2))
	require.NoError(t, err)

	grown := bytes.Repeat([]byte("s"), mft.ResidentThreshold*4)
	require.NoError(t, fs.WriteFile(frn, grown))

	rec, err := fs.Stat(frn)
	require.NoError(t, err)
	data := rec.Find(mft.AttrData)
	require.NotNil(t, data)
	require.True(t, data.NonResident)

	require.NoError(t, fs.Defragment(frn))

	rec, err = fs.Stat(frn)
	require.NoError(t, err)
	data = rec.Find(mft.AttrData)
	require.Len(t, data.RunList, 1, "defragment must consolidate into a single run")

	back, err := fs.ReadFile(frn)
	require.NoError(t, err)
	require.Equal(t, grown, back)
}

// TestDefragmentSingleRunIsNoOp covers the boundary case where a file
// already occupies one run: Defragment must not error or disturb it.
func TestDefragmentSingleRunIsNoOp(t *testing.T) {
	fs, _ := newTestVolume(t)
	frn, err := fs.CreateFile(mft.FRN(FRNRootDir), "one.bin", bytes.Repeat([]byte("o"), mft.ResidentThreshold*2))
	require.NoError(t, err)
	require.NoError(t, fs.Defragment(frn))
	back, err := fs.ReadFile(frn)
	require.NoError(t, err)
	require.Equal(t, bytes.Repeat([]byte("o"), mft.ResidentThreshold*2), back)
}

// TestResolvePath covers ResolvePath's slash-separated walk, used by
// galleonctl.
func TestResolvePath(t *testing.T) {
	fs, _ := newTestVolume(t)

	a, err := fs.CreateDirectory(mft.FRN(FRNRootDir), "a")
	require.NoError(t, err)
	b, err := fs.CreateDirectory(a, "b")
	require.NoError(t, err)
	file, err := fs.CreateFile(b, "c.txt", []byte("leaf"))
	require.NoError(t, err)

	root, err := fs.ResolvePath("/")
	require.NoError(t, err)
	require.Equal(t, mft.FRN(FRNRootDir), root)

	got, err := fs.ResolvePath("/a/b/c.txt")
	require.NoError(t, err)
	require.Equal(t, file, got)

	_, err = fs.ResolvePath("/a/missing")
	require.ErrorIs(t, err, ErrNotFound)
}

// TestStatsReflectsAllocations covers Stats' occupancy accounting.
func TestStatsReflectsAllocations(t *testing.T) {
	fs, _ := newTestVolume(t)
	stats := fs.Stats()
	require.Equal(t, uint32(btree.NodeSize), stats.ClusterSize)
	require.Equal(t, uint64(testTotalClusters), stats.TotalClusters)
	require.Greater(t, stats.FreeClusters, uint64(0))
	require.Less(t, stats.FreeClusters, stats.TotalClusters)
}

// TestRecoveryRedoesCommittedWriteAfterCrash covers S6 (spec §8): a
// transaction that logged and committed a record write, but whose data
// write never reached the MFT region before the process died, must have
// that write replayed by Mount's recovery pass.
//
// To simulate the crash deterministically without relying on timing, the
// transaction is driven directly against the journal and MFT manager
// (bypassing the facade's CreateFile, which would perform the write itself)
// so the "crash" is simply never performing the final WriteRaw before
// reopening the volume through Mount.
func TestRecoveryRedoesCommittedWriteAfterCrash(t *testing.T) {
	fs, dev := newTestVolume(t)

	frn, rec, err := fs.mftMgr.AllocateRecord(false)
	require.NoError(t, err)
	rec.Attributes = append(rec.Attributes, mft.Attribute{
		Type: mft.AttrFileName, ParentDirectory: mft.FRN(FRNRootDir), Name: "crashed.txt",
	})

	before := fs.preImage(frn)
	afterBuf := make([]byte, mft.RecordSize)
	require.NoError(t, rec.Serialize(afterBuf))

	txID, err := fs.jrnl.BeginTransaction()
	require.NoError(t, err)
	require.NoError(t, fs.jrnl.LogOperation(txID, journal.OpWriteData, uint64(frn), before, afterBuf))
	require.NoError(t, fs.jrnl.CommitTransaction(txID))
	// Crash here: the record write itself (mftMgr.WriteRecord) never runs.
	require.NoError(t, fs.Sync())

	remounted, err := Mount(dev)
	require.NoError(t, err)

	reread, err := remounted.Stat(frn)
	require.NoError(t, err)
	require.True(t, reread.Header.InUse(), "recovery must redo the committed write")
	nameAttr := reread.Find(mft.AttrFileName)
	require.NotNil(t, nameAttr)
	require.Equal(t, "crashed.txt", nameAttr.Name)
}

// TestRecoveryUndoesUncommittedTransactionAfterCrash covers S5 (spec §8): a
// transaction that logged a cluster allocation and a record write but never
// committed (the process died mid-operation) must be rolled back by Mount's
// recovery pass, leaving the volume exactly as it was before the
// transaction began.
func TestRecoveryUndoesUncommittedTransactionAfterCrash(t *testing.T) {
	fs, dev := newTestVolume(t)

	statsBefore := fs.Stats()

	frn, rec, err := fs.mftMgr.AllocateRecord(false)
	require.NoError(t, err)

	txID, err := fs.jrnl.BeginTransaction()
	require.NoError(t, err)

	run, err := fs.allocator.Allocate(frn, 2)
	require.NoError(t, err)
	require.NoError(t, fs.logAllocate(txID, run.StartCluster, run.Count))
	buf := make([]byte, uint64(fs.clusterSize)*run.Count)
	require.NoError(t, fs.allocator.WriteCluster(run.StartCluster, buf))

	rec.Attributes = append(rec.Attributes, mft.Attribute{
		Type: mft.AttrFileName, ParentDirectory: mft.FRN(FRNRootDir), Name: "orphan.txt",
	})
	require.NoError(t, fs.logRecordWrite(txID, frn, fs.preImage(frn), rec))
	// Crash here: no CommitTransaction, no AbortTransaction.
	require.NoError(t, fs.Sync())

	remounted, err := Mount(dev)
	require.NoError(t, err)

	statsAfter := remounted.Stats()
	require.Equal(t, statsBefore.FreeClusters, statsAfter.FreeClusters, "recovery must free the never-committed allocation")

	reread, err := remounted.Stat(frn)
	require.NoError(t, err)
	require.False(t, reread.Header.InUse(), "recovery must undo the never-committed record write")
}

// TestDeleteFileAbortsCleanlyOnMissingGrandchild exercises the fail()
// closure's abort-then-return path on a DeleteFile call that fails partway
// through (a non-empty directory), confirming the abort leaves the volume
// unmodified rather than partially unlinked.
func TestDeleteFileAbortsCleanlyOnMissingGrandchild(t *testing.T) {
	fs, _ := newTestVolume(t)

	dir, err := fs.CreateDirectory(mft.FRN(FRNRootDir), "keep")
	require.NoError(t, err)
	_, err = fs.CreateFile(dir, "inside.txt", []byte("x"))
	require.NoError(t, err)

	before := fs.Stats()
	err = fs.DeleteFile(mft.FRN(FRNRootDir), "keep")
	require.ErrorIs(t, err, ErrDirectoryNotEmpty)
	after := fs.Stats()
	require.Equal(t, before, after, "an aborted delete must not change volume occupancy")

	_, ok, err := fs.Find(mft.FRN(FRNRootDir), "keep")
	require.NoError(t, err)
	require.True(t, ok, "the directory must still be linked after the aborted delete")
}
