package ahci

import "github.com/pkg/errors"

// dmaArena simulates DMA-coherent physical memory. Real AHCI drivers map
// physical pages and program the HBA with their bus addresses; in this
// software model "physical addresses" are simply offsets into a single
// backing byte slice, which keeps the alignment and addressing invariants
// (1 KiB command lists, 256 B FIS areas, page-granular PRDT regions) real
// and testable without kernel-level page-table access.
type dmaArena struct {
	mem    []byte
	cursor uint64
}

func newDMAArena(size uint64) *dmaArena {
	return &dmaArena{mem: make([]byte, size)}
}

// alloc reserves a zeroed region of size bytes aligned to align (which must
// be a power of two) and returns its physical address and backing slice.
func (a *dmaArena) alloc(size, align uint64) (uint64, []byte, error) {
	aligned := (a.cursor + align - 1) &^ (align - 1)
	if aligned+size > uint64(len(a.mem)) {
		return 0, nil, errors.New("ahci: dma arena exhausted")
	}
	a.cursor = aligned + size
	region := a.mem[aligned : aligned+size]
	for i := range region {
		region[i] = 0
	}
	return aligned, region, nil
}

// view returns the backing slice for a physical address range previously
// returned by alloc, used to resolve PRDT DataBaseAddr fields back into
// addressable memory during the simulated DMA transfer.
func (a *dmaArena) view(addr uint64, size int) []byte {
	return a.mem[addr : addr+uint64(size)]
}
