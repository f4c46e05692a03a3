package alloc

import (
	"sort"
	"sync"

	"github.com/galleonfs/galleon/pkg/blockdev"
	"github.com/galleonfs/galleon/pkg/galleon/mft"
)

// Strategy selects the bitmap scan algorithm used by Allocate (spec §4.5).
type Strategy int

const (
	FirstFit Strategy = iota
	BestFit
	NextFit
)

// Allocator owns the cluster bitmap and the per-FRN run-list bookkeeping
// needed for deallocate_all, extend_allocation, and defragment (spec §4.5).
type Allocator struct {
	mu sync.Mutex

	dev         blockdev.Device
	clusterSize uint32
	bitmap      *Bitmap
	strategy    Strategy

	runLists map[mft.FRN][]mft.ClusterRun
}

// NewAllocator constructs an allocator over an already-loaded bitmap.
func NewAllocator(dev blockdev.Device, clusterSize uint32, bitmap *Bitmap, strategy Strategy) *Allocator {
	return &Allocator{
		dev:         dev,
		clusterSize: clusterSize,
		bitmap:      bitmap,
		strategy:    strategy,
		runLists:    make(map[mft.FRN][]mft.ClusterRun),
	}
}

// addRun inserts run into frn's tracked run list, keeping it sorted by
// start cluster and greedily merged with abutting neighbours, per spec §3's
// run-list invariant.
func addRun(runs []mft.ClusterRun, run mft.ClusterRun) []mft.ClusterRun {
	runs = append(runs, run)
	sort.Slice(runs, func(i, j int) bool { return runs[i].StartCluster < runs[j].StartCluster })
	merged := runs[:0]
	for _, r := range runs {
		if len(merged) > 0 && merged[len(merged)-1].EndCluster()+1 == r.StartCluster {
			merged[len(merged)-1].Count += r.Count
			continue
		}
		merged = append(merged, r)
	}
	return merged
}

// allocateRunLocked finds and marks a fresh contiguous run of count
// clusters using the allocator's configured strategy, without attaching it
// to any FRN's tracked run list. Callers must hold a.mu.
func (a *Allocator) allocateRunLocked(count uint64) (mft.ClusterRun, error) {
	var start uint64
	var err error
	switch a.strategy {
	case BestFit:
		start, err = a.bitmap.FindBestFit(count)
	case NextFit:
		start, err = a.bitmap.FindNextFit(count)
	default:
		start, err = a.bitmap.FindFirstFit(count)
	}
	if err != nil {
		return mft.ClusterRun{}, err
	}
	a.bitmap.MarkRange(start, count)
	if err := a.bitmap.Flush(); err != nil {
		return mft.ClusterRun{}, err
	}
	return mft.ClusterRun{StartCluster: start, Count: count}, nil
}

// AllocateRun finds and marks a single contiguous run of count clusters,
// untracked by any FRN — used by defragment, which must allocate a
// destination run disjoint from the file's existing extents before copying
// into it (spec §4.5).
func (a *Allocator) AllocateRun(count uint64) (mft.ClusterRun, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allocateRunLocked(count)
}

// Allocate returns a single contiguous run of exactly `count` clusters for
// frn using the allocator's configured strategy (spec §4.5's contract).
func (a *Allocator) Allocate(frn mft.FRN, count uint64) (mft.ClusterRun, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	run, err := a.allocateRunLocked(count)
	if err != nil {
		return mft.ClusterRun{}, err
	}
	a.runLists[frn] = addRun(a.runLists[frn], run)
	return run, nil
}

// DeallocateAll frees every run tracked for frn, used by delete_file
// (spec §4.7).
func (a *Allocator) DeallocateAll(frn mft.FRN) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, r := range a.runLists[frn] {
		a.bitmap.FreeRange(r.StartCluster, r.Count)
	}
	delete(a.runLists, frn)
	return a.bitmap.Flush()
}

// GetFileRuns returns the run list currently tracked for frn.
func (a *Allocator) GetFileRuns(frn mft.FRN) []mft.ClusterRun {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]mft.ClusterRun, len(a.runLists[frn]))
	copy(out, a.runLists[frn])
	return out
}

// SetFileRuns seeds the allocator's tracking for frn without touching the
// bitmap, used when mounting a volume and hydrating run lists from MFT
// Data attributes already on disk.
func (a *Allocator) SetFileRuns(frn mft.FRN, runs []mft.ClusterRun) {
	a.mu.Lock()
	defer a.mu.Unlock()
	cp := make([]mft.ClusterRun, len(runs))
	copy(cp, runs)
	a.runLists[frn] = cp
}

// ExtendAllocation grows frn's allocation by `add` clusters. It first tries
// to extend the last run in place if the clusters immediately following it
// are free; otherwise it allocates a fresh run (spec §4.5).
func (a *Allocator) ExtendAllocation(frn mft.FRN, add uint64) (mft.ClusterRun, error) {
	a.mu.Lock()
	runs := a.runLists[frn]
	if len(runs) > 0 {
		last := runs[len(runs)-1]
		extendable := true
		for c := last.EndCluster() + 1; c < last.EndCluster()+1+add; c++ {
			if !a.bitmap.IsFree(c) {
				extendable = false
				break
			}
		}
		if extendable {
			newStart := last.EndCluster() + 1
			a.bitmap.MarkRange(newStart, add)
			if err := a.bitmap.Flush(); err != nil {
				a.mu.Unlock()
				return mft.ClusterRun{}, err
			}
			runs[len(runs)-1].Count += add
			a.runLists[frn] = runs
			a.mu.Unlock()
			return mft.ClusterRun{StartCluster: newStart, Count: add}, nil
		}
	}
	a.mu.Unlock()
	return a.Allocate(frn, add)
}

// AllocateCluster hands out a single free cluster without attaching it to
// any FRN's run list, used by the directory index to allocate node storage
// directly addressed by VCN rather than through a Data attribute's run list
// (spec §4.6).
func (a *Allocator) AllocateCluster() (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	run, err := a.allocateRunLocked(1)
	if err != nil {
		return 0, err
	}
	return run.StartCluster, nil
}

// FreeCluster releases a single cluster allocated by AllocateCluster.
func (a *Allocator) FreeCluster(cluster uint64) error {
	return a.MarkRangeFree(cluster, 1)
}

// MarkRangeAllocated marks [start, start+count) allocated directly,
// bypassing strategy search. Used by journal redo/undo to reconstruct a
// bitmap range change recorded by OpAllocateCluster/OpFreeCluster without
// re-running the fit search (galleon facade's applyRedo/applyUndo).
func (a *Allocator) MarkRangeAllocated(start, count uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.bitmap.MarkRange(start, count)
	return a.bitmap.Flush()
}

// MarkRangeFree marks [start, start+count) free directly. See
// MarkRangeAllocated.
func (a *Allocator) MarkRangeFree(start, count uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.bitmap.FreeRange(start, count)
	return a.bitmap.Flush()
}

// GetTotalAllocated returns the number of clusters currently allocated
// across the whole volume.
func (a *Allocator) GetTotalAllocated(totalClusters uint64) uint64 {
	return totalClusters - a.bitmap.FreeClusterCount()
}

// GetFreeSpace returns the number of free clusters remaining.
func (a *Allocator) GetFreeSpace() uint64 {
	return a.bitmap.FreeClusterCount()
}

// ReadCluster reads one cluster's worth of bytes.
func (a *Allocator) ReadCluster(cluster uint64, dst []byte) error {
	sectorsPerCluster := a.clusterSize / blockdev.SectorSize
	return a.dev.ReadSectors(cluster*uint64(sectorsPerCluster), uint16(sectorsPerCluster), dst)
}

// WriteCluster writes one cluster's worth of bytes.
func (a *Allocator) WriteCluster(cluster uint64, src []byte) error {
	sectorsPerCluster := a.clusterSize / blockdev.SectorSize
	return a.dev.WriteSectors(cluster*uint64(sectorsPerCluster), uint16(sectorsPerCluster), src)
}

