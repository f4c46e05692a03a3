package blockdev

import "sync"

// Memory is an in-memory Device backing, used by the galleon test suites and
// by galleonctl for quick format/inspect cycles without a real disk image.
type Memory struct {
	mu   sync.Mutex
	data []byte
}

// NewMemory allocates a zeroed in-memory device of the given byte size. size
// must be a multiple of SectorSize.
func NewMemory(size uint64) *Memory {
	return &Memory{data: make([]byte, size)}
}

func (m *Memory) ReadSectors(lba uint64, count uint16, dst []byte) error {
	if err := CheckBounds(m, lba, count, dst); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	copy(dst, m.data[lba*SectorSize:lba*SectorSize+uint64(count)*SectorSize])
	return nil
}

func (m *Memory) WriteSectors(lba uint64, count uint16, src []byte) error {
	if err := CheckBounds(m, lba, count, src); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	copy(m.data[lba*SectorSize:lba*SectorSize+uint64(count)*SectorSize], src)
	return nil
}

func (m *Memory) Flush() error { return nil }

func (m *Memory) CapacityBytes() uint64 {
	return uint64(len(m.data))
}
