package ahci

import (
	"sync"

	"github.com/pkg/errors"
)

// SimulatedDisk stands in for the SATA device attached to a port's link. It
// is the "other end of the wire" that the HBA's DMA engine transfers bytes
// to and from; galleon's higher layers never see it directly, only through
// Device (blockdev.Device).
type SimulatedDisk struct {
	mu      sync.Mutex
	sectors []byte
	sig     uint32
}

// NewSimulatedDisk allocates a zeroed disk of the given sector count.
func NewSimulatedDisk(sectorCount uint64) *SimulatedDisk {
	return &SimulatedDisk{
		sectors: make([]byte, sectorCount*sectorSize),
		sig:     SigATA,
	}
}

const sectorSize = 512

func (d *SimulatedDisk) readAt(lba uint64, count uint16, dst []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	start := lba * sectorSize
	end := start + uint64(count)*sectorSize
	if end > uint64(len(d.sectors)) {
		return errors.New("ahci: simulated disk read out of range")
	}
	copy(dst, d.sectors[start:end])
	return nil
}

func (d *SimulatedDisk) writeAt(lba uint64, count uint16, src []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	start := lba * sectorSize
	end := start + uint64(count)*sectorSize
	if end > uint64(len(d.sectors)) {
		return errors.New("ahci: simulated disk write out of range")
	}
	copy(d.sectors[start:end], src)
	return nil
}

// SectorCount reports the disk's addressable size in sectors.
func (d *SimulatedDisk) SectorCount() uint64 {
	return uint64(len(d.sectors)) / sectorSize
}
