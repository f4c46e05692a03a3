// Package alloc implements the clustered extent allocator: an on-disk
// cluster bitmap plus FirstFit/BestFit/NextFit allocation strategies and
// per-FRN run-list tracking (spec §4.5).
package alloc

import (
	"sync"

	"github.com/galleonfs/galleon/pkg/blockdev"
	"github.com/pkg/errors"
)

// ErrInsufficientSpace is returned when no region satisfying an allocation
// request exists (spec §7: InsufficientSpace).
var ErrInsufficientSpace = errors.New("alloc: insufficient space")

// Bitmap is the on-disk cluster usage bitmap: one bit per cluster, bit set
// meaning allocated (spec §3).
type Bitmap struct {
	mu sync.Mutex

	dev         blockdev.Device
	clusterSize uint32
	startCluster uint64
	sizeClusters uint64

	bits       []byte // loaded bitmap image, (totalClusters+7)/8 bytes
	totalClusters uint64

	nextFitCursor uint64
	freeCount     uint64
}

// LoadBitmap reads the persisted bitmap image for a volume of totalClusters
// clusters from its reserved region.
func LoadBitmap(dev blockdev.Device, clusterSize uint32, startCluster, sizeClusters, totalClusters uint64) (*Bitmap, error) {
	b := &Bitmap{
		dev:           dev,
		clusterSize:   clusterSize,
		startCluster:  startCluster,
		sizeClusters:  sizeClusters,
		totalClusters: totalClusters,
	}
	sectorsPerCluster := clusterSize / blockdev.SectorSize
	buf := make([]byte, sizeClusters*uint64(clusterSize))
	lba := startCluster * uint64(sectorsPerCluster)
	count := sizeClusters * uint64(sectorsPerCluster)
	if err := dev.ReadSectors(lba, uint16(count), buf); err != nil {
		return nil, errors.Wrap(err, "alloc: load bitmap")
	}
	b.bits = buf
	b.recountFree()
	return b, nil
}

// NewBitmap creates a zeroed (all-free) bitmap image for format(), with the
// system regions reserved via MarkRange (spec §3: "clusters inside system
// regions ... are permanently set").
func NewBitmap(dev blockdev.Device, clusterSize uint32, startCluster, sizeClusters, totalClusters uint64) *Bitmap {
	buf := make([]byte, sizeClusters*uint64(clusterSize))
	return &Bitmap{
		dev:           dev,
		clusterSize:   clusterSize,
		startCluster:  startCluster,
		sizeClusters:  sizeClusters,
		totalClusters: totalClusters,
		bits:          buf,
		freeCount:     totalClusters,
	}
}

func (b *Bitmap) recountFree() {
	free := uint64(0)
	for c := uint64(0); c < b.totalClusters; c++ {
		if !b.testBit(c) {
			free++
		}
	}
	b.freeCount = free
}

func (b *Bitmap) testBit(cluster uint64) bool {
	return b.bits[cluster/8]&(1<<(cluster%8)) != 0
}

func (b *Bitmap) setBit(cluster uint64) {
	b.bits[cluster/8] |= 1 << (cluster % 8)
}

func (b *Bitmap) clearBit(cluster uint64) {
	b.bits[cluster/8] &^= 1 << (cluster % 8)
}

// IsFree reports whether a cluster is currently unallocated.
func (b *Bitmap) IsFree(cluster uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cluster >= b.totalClusters {
		return false
	}
	return !b.testBit(cluster)
}

// MarkRange marks [start, start+count) allocated, used both for ordinary
// allocation and for reserving the permanent system regions at format time.
func (b *Bitmap) MarkRange(start, count uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for c := start; c < start+count; c++ {
		if !b.testBit(c) {
			b.freeCount--
		}
		b.setBit(c)
	}
}

// FreeRange clears [start, start+count).
func (b *Bitmap) FreeRange(start, count uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for c := start; c < start+count; c++ {
		if b.testBit(c) {
			b.freeCount++
		}
		b.clearBit(c)
	}
}

// FreeClusterCount returns the number of currently-unallocated clusters.
func (b *Bitmap) FreeClusterCount() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.freeCount
}

// Flush persists the in-memory bitmap image to its reserved disk region.
func (b *Bitmap) Flush() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	sectorsPerCluster := b.clusterSize / blockdev.SectorSize
	lba := b.startCluster * uint64(sectorsPerCluster)
	count := b.sizeClusters * uint64(sectorsPerCluster)
	return b.dev.WriteSectors(lba, uint16(count), b.bits)
}

// findRunOfFree scans starting at `from` (wrapping once if wrap is true)
// for the first maximal run of free clusters, returning its start and
// length, or ok=false if none exists. It is the shared scan primitive for
// FirstFit/BestFit/NextFit.
func (b *Bitmap) findRunOfFree(from uint64) (start, length uint64, ok bool) {
	n := b.totalClusters
	i := from % n
	scanned := uint64(0)
	for scanned < n {
		if !b.testBit(i) {
			runStart := i
			runLen := uint64(0)
			for scanned < n && !b.testBit(i) {
				runLen++
				i = (i + 1) % n
				scanned++
			}
			return runStart, runLen, true
		}
		i = (i + 1) % n
		scanned++
	}
	return 0, 0, false
}

// FindFirstFit scans from cluster 0 for the first free run of >= count
// clusters (spec §4.5).
func (b *Bitmap) FindFirstFit(count uint64) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.scanFit(0, count, false)
}

// FindBestFit scans the whole bitmap, tracking every maximal free run of
// >= count clusters, and returns the smallest such run (ties broken by
// lowest start cluster), per spec §4.5.
func (b *Bitmap) FindBestFit(count uint64) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var bestStart, bestLen uint64
	found := false
	i := uint64(0)
	for i < b.totalClusters {
		if b.testBit(i) {
			i++
			continue
		}
		runStart := i
		runLen := uint64(0)
		for i < b.totalClusters && !b.testBit(i) {
			runLen++
			i++
		}
		if runLen >= count {
			if !found || runLen < bestLen || (runLen == bestLen && runStart < bestStart) {
				bestStart, bestLen, found = runStart, runLen, true
			}
		}
	}
	if !found {
		return 0, ErrInsufficientSpace
	}
	return bestStart, nil
}

// FindNextFit resumes scanning from the cursor left by the previous
// allocation and wraps once (spec §4.5), unlike the original Rust
// implementation which silently aliased NextFit to FirstFit (SPEC_FULL
// §4.10 item 3).
func (b *Bitmap) FindNextFit(count uint64) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	start, err := b.scanFit(b.nextFitCursor, count, true)
	if err != nil {
		return 0, err
	}
	b.nextFitCursor = (start + count) % b.totalClusters
	return start, nil
}

// scanFit is FirstFit's and (optionally wrapping) NextFit's shared scan: the
// first free run of >= count clusters starting at `from`.
func (b *Bitmap) scanFit(from uint64, count uint64, wrap bool) (uint64, error) {
	if b.totalClusters == 0 {
		return 0, ErrInsufficientSpace
	}
	limit := b.totalClusters
	if !wrap {
		from = 0
	}
	visited := uint64(0)
	i := from % b.totalClusters
	for visited < limit {
		if b.testBit(i) {
			i = (i + 1) % b.totalClusters
			visited++
			continue
		}
		runStart := i
		runLen := uint64(0)
		for visited < limit && !b.testBit(i) {
			runLen++
			i = (i + 1) % b.totalClusters
			visited++
			if runLen >= count {
				break
			}
		}
		if runLen >= count {
			return runStart, nil
		}
	}
	return 0, ErrInsufficientSpace
}
