package blockdev

import (
	"os"
	"sync"

	"github.com/pkg/errors"
)

// File is a Device backed by a regular file or block special file on the
// host filesystem, used by galleonctl when operating on disk images.
type File struct {
	mu   sync.Mutex
	f    *os.File
	size uint64
}

// OpenFile opens an existing image file as a Device.
func OpenFile(path string) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, errors.Wrap(err, "blockdev: open")
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "blockdev: stat")
	}
	return &File{f: f, size: uint64(fi.Size())}, nil
}

// CreateFile creates a new sparse image file of the given size and opens it
// as a Device, used by `galleonctl format`.
func CreateFile(path string, size uint64) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "blockdev: create")
	}
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		return nil, errors.Wrap(err, "blockdev: truncate")
	}
	return &File{f: f, size: size}, nil
}

func (d *File) ReadSectors(lba uint64, count uint16, dst []byte) error {
	if err := CheckBounds(d, lba, count, dst); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	n, err := d.f.ReadAt(dst, int64(lba*SectorSize))
	if err != nil {
		return errors.Wrap(ErrIoError, err.Error())
	}
	if n != len(dst) {
		return errors.Wrap(ErrIoError, "short read")
	}
	return nil
}

func (d *File) WriteSectors(lba uint64, count uint16, src []byte) error {
	if err := CheckBounds(d, lba, count, src); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	n, err := d.f.WriteAt(src, int64(lba*SectorSize))
	if err != nil {
		return errors.Wrap(ErrIoError, err.Error())
	}
	if n != len(src) {
		return errors.Wrap(ErrIoError, "short write")
	}
	return nil
}

func (d *File) Flush() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.f.Sync()
}

func (d *File) CapacityBytes() uint64 {
	return d.size
}

// Close releases the underlying file handle.
func (d *File) Close() error {
	return d.f.Close()
}
