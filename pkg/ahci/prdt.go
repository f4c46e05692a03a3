package ahci

import "github.com/pkg/errors"

// PRDEntrySize is the on-the-wire size of a single Physical Region
// Descriptor Table entry.
const PRDEntrySize = 16

// prdMaxBytes is the maximum byte count a single PRDT entry may describe
// (4 MiB, spec §4.2), and prdChunkBytes is the page-sized chunk this driver
// prefers when splitting a buffer (4 KiB, matching a typical page size).
const (
	prdMaxBytes   = 4 * 1024 * 1024
	prdChunkBytes = 4096
	prdMaxEntries = 65535
)

// PRDTEntry is one scatter-gather descriptor: a physical data address and a
// byte count (stored on the wire as count-1), with the interrupt-on-
// completion bit set only on the final entry of a command.
type PRDTEntry struct {
	DataBaseAddr uint64
	ByteCount    uint32 // true byte count, NOT the wire-encoded count-1
	Interrupt    bool
}

// serialize writes the 16-byte wire form of the entry.
func (e PRDTEntry) serialize(buf []byte) {
	putU64(buf[0:8], e.DataBaseAddr)
	putU32(buf[8:12], 0) // reserved
	v := (e.ByteCount - 1) & 0x3FFFFF
	if e.Interrupt {
		v |= 1 << 31
	}
	putU32(buf[12:16], v)
}

// BuildPRDT splits a DMA buffer of baseAddr..baseAddr+len(buf) into PRDT
// entries of at most prdChunkBytes each, per spec §4.2's PRDT-building
// rules: total bytes described equals len(buf) exactly, entry count never
// exceeds prdMaxEntries, and only the last entry carries the interrupt bit.
func BuildPRDT(baseAddr uint64, length int, interruptOnCompletion bool) ([]PRDTEntry, error) {
	if length <= 0 {
		return nil, errors.New("ahci: PRDT buffer length must be positive")
	}
	var entries []PRDTEntry
	remaining := length
	addr := baseAddr
	for remaining > 0 {
		n := prdChunkBytes
		if n > remaining {
			n = remaining
		}
		if n > prdMaxBytes {
			n = prdMaxBytes
		}
		entries = append(entries, PRDTEntry{DataBaseAddr: addr, ByteCount: uint32(n)})
		addr += uint64(n)
		remaining -= n
	}
	if len(entries) > prdMaxEntries {
		return nil, errors.Errorf("ahci: PRDT would require %d entries, exceeds %d", len(entries), prdMaxEntries)
	}
	if interruptOnCompletion && len(entries) > 0 {
		entries[len(entries)-1].Interrupt = true
	}
	return entries, nil
}

// TotalBytes sums the byte counts described by a PRDT, used by tests to
// assert exact transfer-length invariants.
func TotalBytes(entries []PRDTEntry) int {
	total := 0
	for _, e := range entries {
		total += int(e.ByteCount)
	}
	return total
}
