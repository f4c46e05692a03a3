package alloc

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/galleonfs/galleon/pkg/blockdev"
	"github.com/galleonfs/galleon/pkg/galleon/mft"
)

const testClusterSize = 4096

// newTestAllocator builds an allocator over totalClusters data clusters,
// preceded on the same device by one cluster reserved for the bitmap's own
// image — mirroring how the real volume permanently reserves its metadata
// regions in the bitmap at format time (see NewBitmap's doc comment), so
// AllocateCluster/Allocate never hand out the bitmap's own storage.
func newTestAllocator(t *testing.T, strategy Strategy, totalClusters uint64) *Allocator {
	t.Helper()
	const bitmapClusters = 1
	sectorsPerCluster := testClusterSize / blockdev.SectorSize
	dev := blockdev.NewMemory((totalClusters + bitmapClusters) * uint64(sectorsPerCluster) * blockdev.SectorSize)
	bitmap := NewBitmap(dev, testClusterSize, 0, bitmapClusters, totalClusters+bitmapClusters)
	bitmap.MarkRange(0, bitmapClusters)
	require.NoError(t, bitmap.Flush())
	a := NewAllocator(dev, testClusterSize, bitmap, strategy)
	// Clusters [0, bitmapClusters) are reserved; data clusters returned by
	// this allocator are always >= bitmapClusters.
	return a
}

func TestAllocateTracksRunList(t *testing.T) {
	a := newTestAllocator(t, FirstFit, 64)

	run, err := a.Allocate(mft.FRN(5), 4)
	require.NoError(t, err)
	require.Equal(t, uint64(1), run.StartCluster, "cluster 0 is reserved for the bitmap's own image")
	require.Equal(t, uint64(4), run.Count)

	require.Equal(t, []mft.ClusterRun{run}, a.GetFileRuns(mft.FRN(5)))
	require.Equal(t, uint64(5), a.GetTotalAllocated(65), "4 allocated plus the 1 permanently reserved cluster")
}

// TestAllocateMergesAdjacentRuns exercises addRun's greedy merge: two
// separate Allocate calls that happen to land on abutting clusters must
// collapse into one run list entry (spec §3's run-list invariant).
func TestAllocateMergesAdjacentRuns(t *testing.T) {
	a := newTestAllocator(t, FirstFit, 64)

	first, err := a.Allocate(mft.FRN(7), 4)
	require.NoError(t, err)
	second, err := a.Allocate(mft.FRN(7), 4)
	require.NoError(t, err)
	require.Equal(t, first.EndCluster()+1, second.StartCluster)

	runs := a.GetFileRuns(mft.FRN(7))
	require.Len(t, runs, 1)
	require.Equal(t, uint64(1), runs[0].StartCluster)
	require.Equal(t, uint64(8), runs[0].Count)
}

func TestDeallocateAllFreesAndUntracks(t *testing.T) {
	a := newTestAllocator(t, FirstFit, 64)

	_, err := a.Allocate(mft.FRN(9), 10)
	require.NoError(t, err)
	require.Equal(t, uint64(11), a.GetTotalAllocated(65))

	require.NoError(t, a.DeallocateAll(mft.FRN(9)))
	require.Equal(t, uint64(1), a.GetTotalAllocated(65), "only the permanently reserved cluster remains allocated")
	require.Empty(t, a.GetFileRuns(mft.FRN(9)))
}

// TestAllocateInsufficientSpace exercises spec §7's InsufficientSpace edge
// case: a request larger than the largest free run must fail cleanly and
// leave the bitmap state unchanged.
func TestAllocateInsufficientSpace(t *testing.T) {
	a := newTestAllocator(t, FirstFit, 8)

	_, err := a.Allocate(mft.FRN(1), 9)
	require.ErrorIs(t, err, ErrInsufficientSpace)
	require.Equal(t, uint64(1), a.GetTotalAllocated(9), "a failed allocation must not change bitmap state")
}

// TestBestFitPicksSmallestSufficientRun exercises spec §4.5's BestFit
// contract directly against the bitmap: given a small gap and a large gap,
// a request that fits both must choose the smaller one.
func TestBestFitPicksSmallestSufficientRun(t *testing.T) {
	a := newTestAllocator(t, BestFit, 32)

	// Carve: [0,10) allocated, [10,13) free (gap of 3), [13,18) allocated,
	// [18,32) free (gap of 14).
	require.NoError(t, a.MarkRangeAllocated(0, 10))
	require.NoError(t, a.MarkRangeAllocated(13, 5))

	run, err := a.AllocateRun(3)
	require.NoError(t, err)
	require.Equal(t, uint64(10), run.StartCluster, "best fit must choose the 3-cluster gap over the 14-cluster one")
}

func TestExtendAllocationInPlace(t *testing.T) {
	a := newTestAllocator(t, FirstFit, 64)

	run, err := a.Allocate(mft.FRN(3), 4)
	require.NoError(t, err)

	ext, err := a.ExtendAllocation(mft.FRN(3), 2)
	require.NoError(t, err)
	require.Equal(t, run.EndCluster()+1, ext.StartCluster)
	require.Equal(t, uint64(2), ext.Count)

	runs := a.GetFileRuns(mft.FRN(3))
	require.Len(t, runs, 1, "in-place extension should merge into the existing run")
	require.Equal(t, uint64(6), runs[0].Count)
}

// TestExtendAllocationFallsBackToFreshRun exercises the branch where the
// clusters immediately following the last run are already taken, forcing
// ExtendAllocation to allocate a disjoint run instead of growing in place.
func TestExtendAllocationFallsBackToFreshRun(t *testing.T) {
	a := newTestAllocator(t, FirstFit, 64)

	run, err := a.Allocate(mft.FRN(3), 4)
	require.NoError(t, err)

	// Take the clusters immediately after frn 3's run so it can't extend
	// in place.
	_, err = a.Allocate(mft.FRN(4), 2)
	require.NoError(t, err)

	ext, err := a.ExtendAllocation(mft.FRN(3), 2)
	require.NoError(t, err)
	require.NotEqual(t, run.EndCluster()+1, ext.StartCluster)

	runs := a.GetFileRuns(mft.FRN(3))
	require.Len(t, runs, 2, "a disjoint extension must add a second run")
}

func TestAllocateClusterAndFreeCluster(t *testing.T) {
	a := newTestAllocator(t, FirstFit, 16)

	vcn, err := a.AllocateCluster()
	require.NoError(t, err)
	require.False(t, a.bitmap.IsFree(vcn))

	require.NoError(t, a.FreeCluster(vcn))
	require.True(t, a.bitmap.IsFree(vcn))
}

func TestReadWriteClusterRoundTrip(t *testing.T) {
	a := newTestAllocator(t, FirstFit, 16)

	vcn, err := a.AllocateCluster()
	require.NoError(t, err)

	payload := make([]byte, testClusterSize)
	for i := range payload {
		payload[i] = byte(i)
	}
	require.NoError(t, a.WriteCluster(vcn, payload))

	back := make([]byte, testClusterSize)
	require.NoError(t, a.ReadCluster(vcn, back))
	require.Equal(t, payload, back)
}
