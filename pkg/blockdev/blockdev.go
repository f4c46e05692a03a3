// Package blockdev defines the sector-granular storage contract that every
// layer of galleon above the transport addresses disk through. Nothing above
// this package is allowed to know whether the bytes underneath come from an
// AHCI port, a plain file, or memory.
package blockdev

import (
	"github.com/pkg/errors"
)

// SectorSize is the fixed logical sector size every Device implementation
// must honour. All LBAs and counts are expressed in units of SectorSize.
const SectorSize = 512

// Sentinel errors from the block device taxonomy (spec §7). Higher layers
// match against these with errors.Cause / errors.Is.
var (
	ErrNotReady   = errors.New("blockdev: device not ready")
	ErrIoTimeout  = errors.New("blockdev: i/o timeout")
	ErrIoError    = errors.New("blockdev: i/o error")
	ErrOutOfRange = errors.New("blockdev: out of range")
)

// Device is the capability set every storage transport exposes. Reads and
// writes are synchronous from the caller's perspective even if the
// implementation pipelines them internally (e.g. AHCI NCQ).
type Device interface {
	ReadSectors(lba uint64, count uint16, dst []byte) error
	WriteSectors(lba uint64, count uint16, src []byte) error
	Flush() error
	CapacityBytes() uint64
}

// CheckBounds validates a sector-range request against a device's declared
// capacity and returns ErrOutOfRange if it would run past the end of the
// device, or a length-mismatch InvalidParameter-style error.
func CheckBounds(dev Device, lba uint64, count uint16, buf []byte) error {
	if len(buf) != int(count)*SectorSize {
		return errors.Errorf("blockdev: buffer length %d does not match %d sectors", len(buf), count)
	}
	end := (lba + uint64(count)) * SectorSize
	if end > dev.CapacityBytes() {
		return ErrOutOfRange
	}
	return nil
}
