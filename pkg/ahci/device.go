package ahci

import (
	"context"

	"github.com/galleonfs/galleon/pkg/blockdev"
	"github.com/pkg/errors"
)

// Device adapts a Port to blockdev.Device, the contract every layer of
// galleon above the transport actually depends on (spec §4.1/§4.2).
type Device struct {
	port *Port
}

// NewDevice wraps an initialized, device-present port.
func NewDevice(port *Port) *Device {
	return &Device{port: port}
}

func classifyError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(errors.Cause(err), errTimeout) {
		return errors.Wrap(blockdev.ErrIoTimeout, err.Error())
	}
	return errors.Wrap(blockdev.ErrIoError, err.Error())
}

// ReadSectors issues a READ DMA EXT command (or a 28-bit READ DMA for LBAs
// below the 28-bit boundary's legacy path isn't selected automatically —
// callers wanting 28-bit addressing use the Port API directly).
func (d *Device) ReadSectors(lba uint64, count uint16, dst []byte) error {
	if !d.port.DeviceDetected() {
		return blockdev.ErrNotReady
	}
	if err := blockdev.CheckBounds(d, lba, count, dst); err != nil {
		return err
	}
	cmd := ReadDMAExt(lba, count, dst)
	if err := d.port.ExecuteCommand(context.Background(), cmd); err != nil {
		return classifyError(err)
	}
	return nil
}

// WriteSectors issues a WRITE DMA EXT command.
func (d *Device) WriteSectors(lba uint64, count uint16, src []byte) error {
	if !d.port.DeviceDetected() {
		return blockdev.ErrNotReady
	}
	if err := blockdev.CheckBounds(d, lba, count, src); err != nil {
		return err
	}
	cmd := WriteDMAExt(lba, count, src)
	if err := d.port.ExecuteCommand(context.Background(), cmd); err != nil {
		return classifyError(err)
	}
	return nil
}

// Flush issues a FLUSH CACHE EXT command.
func (d *Device) Flush() error {
	cmd := FlushCacheExt()
	if err := d.port.ExecuteCommand(context.Background(), cmd); err != nil {
		return classifyError(err)
	}
	return nil
}

// CapacityBytes reports the attached disk's addressable size.
func (d *Device) CapacityBytes() uint64 {
	if d.port.disk == nil {
		return 0
	}
	return d.port.disk.SectorCount() * blockdev.SectorSize
}
