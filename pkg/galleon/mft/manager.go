package mft

import (
	"sync"

	"github.com/galleonfs/galleon/pkg/blockdev"
	"github.com/pkg/errors"
)

// ErrStaleReference is returned by ReadRecord when the caller's expected
// sequence number does not match the record's current one — spec §9's
// fix-it note: "sequence-number handling on FRN reuse ... spec requires
// bump-on-reuse and stale-reference detection."
var ErrStaleReference = errors.New("mft: stale FRN reference (sequence number mismatch)")

// ErrCorruptRecord signals a record failed structural validation on read
// (spec §7: CorruptRecord).
var ErrCorruptRecord = errors.New("mft: corrupt record")

// SuperblockCounters is the minimal persistence surface the manager needs
// from the volume superblock: the monotonic next-FRN counter (spec §4.3,
// SPEC_FULL §4.10 item 1 — replacing the original's unsafe global).
type SuperblockCounters interface {
	NextFRN() uint64
	SetNextFRN(uint64) error
}

// Manager reads and writes MFT records at cluster granularity and allocates
// fresh FRNs (spec §4.3).
type Manager struct {
	mu sync.Mutex

	dev         blockdev.Device
	clusterSize uint32
	mftStart    uint64
	mftMirror   uint64
	recordsPerCluster uint64

	sb SuperblockCounters
}

// NewManager constructs an MFT manager over the given block device region.
func NewManager(dev blockdev.Device, clusterSize uint32, mftStart, mftMirror uint64, sb SuperblockCounters) *Manager {
	return &Manager{
		dev:               dev,
		clusterSize:       clusterSize,
		mftStart:          mftStart,
		mftMirror:         mftMirror,
		recordsPerCluster: uint64(clusterSize) / RecordSize,
		sb:                sb,
	}
}

func (m *Manager) locate(frn FRN) (cluster uint64, offset uint64) {
	cluster = uint64(frn)/m.recordsPerCluster + m.mftStart
	offset = (uint64(frn) % m.recordsPerCluster) * RecordSize
	return
}

func (m *Manager) readCluster(cluster uint64) ([]byte, error) {
	sectorsPerCluster := m.clusterSize / blockdev.SectorSize
	buf := make([]byte, m.clusterSize)
	lba := cluster * uint64(sectorsPerCluster)
	if err := m.dev.ReadSectors(lba, uint16(sectorsPerCluster), buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (m *Manager) writeCluster(cluster uint64, buf []byte) error {
	sectorsPerCluster := m.clusterSize / blockdev.SectorSize
	lba := cluster * uint64(sectorsPerCluster)
	return m.dev.WriteSectors(lba, uint16(sectorsPerCluster), buf)
}

// ReadRecord reads and deserializes the MFT record for frn.
func (m *Manager) ReadRecord(frn FRN) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readRecordLocked(frn)
}

func (m *Manager) readRecordLocked(frn FRN) (*Record, error) {
	cluster, offset := m.locate(frn)
	buf, err := m.readCluster(cluster)
	if err != nil {
		return nil, err
	}
	rec, err := Deserialize(buf[offset : offset+RecordSize])
	if err != nil {
		return nil, errors.Wrap(ErrCorruptRecord, err.Error())
	}
	return rec, nil
}

// ReadRecordChecked reads a record and verifies its sequence number matches
// expectedSeq, returning ErrStaleReference on mismatch. Callers holding a
// cached FRN+sequence pair (e.g. a directory entry) should use this instead
// of ReadRecord.
func (m *Manager) ReadRecordChecked(frn FRN, expectedSeq uint16) (*Record, error) {
	rec, err := m.ReadRecord(frn)
	if err != nil {
		return nil, err
	}
	if rec.Header.SequenceNumber != expectedSeq {
		return nil, ErrStaleReference
	}
	return rec, nil
}

// WriteRecord serializes and writes rec at frn, read-modify-writing the
// containing cluster. System records (FRN 0-15) are mirrored in the same
// call, per spec §4.3's mirror discipline — callers that need this inside a
// single journal transaction should log both writes before calling.
func (m *Manager) WriteRecord(frn FRN, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writeRecordLocked(frn, rec)
}

func (m *Manager) writeRecordLocked(frn FRN, rec *Record) error {
	cluster, offset := m.locate(frn)
	buf, err := m.readCluster(cluster)
	if err != nil {
		return err
	}
	if err := rec.Serialize(buf[offset : offset+RecordSize]); err != nil {
		return err
	}
	if err := m.writeCluster(cluster, buf); err != nil {
		return err
	}

	if uint64(frn) < FRNFirstUser {
		mirrorCluster, mirrorOffset := m.locateMirror(frn)
		mbuf, err := m.readCluster(mirrorCluster)
		if err != nil {
			return err
		}
		copy(mbuf[mirrorOffset:mirrorOffset+RecordSize], buf[offset:offset+RecordSize])
		if err := m.writeCluster(mirrorCluster, mbuf); err != nil {
			return err
		}
	}
	return nil
}

// ReadRaw returns the exact RecordSize-byte image currently stored at frn,
// used by journal redo/undo to snapshot a pre-image before mutating it.
func (m *Manager) ReadRaw(frn FRN) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cluster, offset := m.locate(frn)
	buf, err := m.readCluster(cluster)
	if err != nil {
		return nil, err
	}
	out := make([]byte, RecordSize)
	copy(out, buf[offset:offset+RecordSize])
	return out, nil
}

// WriteRaw writes a verbatim RecordSize-byte image at frn, bypassing
// Serialize. Used by journal recovery to apply a redo or undo image
// captured by ReadRaw/Serialize without re-validating record content that
// was already valid when it was logged.
func (m *Manager) WriteRaw(frn FRN, image []byte) error {
	if len(image) != RecordSize {
		return errors.Errorf("mft: raw image must be %d bytes", RecordSize)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cluster, offset := m.locate(frn)
	buf, err := m.readCluster(cluster)
	if err != nil {
		return err
	}
	copy(buf[offset:offset+RecordSize], image)
	if err := m.writeCluster(cluster, buf); err != nil {
		return err
	}
	if uint64(frn) < FRNFirstUser {
		mirrorCluster, mirrorOffset := m.locateMirror(frn)
		mbuf, err := m.readCluster(mirrorCluster)
		if err != nil {
			return err
		}
		copy(mbuf[mirrorOffset:mirrorOffset+RecordSize], image)
		if err := m.writeCluster(mirrorCluster, mbuf); err != nil {
			return err
		}
	}
	return nil
}

// readMirrorRaw returns the exact RecordSize-byte image currently stored in
// the mirror region for frn, regardless of whether frn is a system record.
// Tests use this to verify the mirror write in writeRecordLocked actually
// reached its own physical location rather than aliasing the primary copy.
func (m *Manager) readMirrorRaw(frn FRN) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cluster, offset := m.locateMirror(frn)
	buf, err := m.readCluster(cluster)
	if err != nil {
		return nil, err
	}
	out := make([]byte, RecordSize)
	copy(out, buf[offset:offset+RecordSize])
	return out, nil
}

func (m *Manager) locateMirror(frn FRN) (cluster uint64, offset uint64) {
	cluster = uint64(frn)/m.recordsPerCluster + m.mftMirror
	offset = (uint64(frn) % m.recordsPerCluster) * RecordSize
	return
}

// FRNFirstUser mirrors the reserved-FRN boundary from the superblock
// package without importing it (kept here to avoid a cyclic import; the two
// constants must be kept equal — see galleon.FRNFirstUser).
const FRNFirstUser = 16

// AllocateRecord reserves the smallest non-reserved free FRN and returns a
// fresh, empty in-memory record for it. The counter is persisted
// immediately so no two callers can observe the same value (spec §4.3,
// SPEC_FULL §4.10 item 1), but the record itself is deliberately NOT
// written to disk here: the caller must write it inside the same journal
// transaction that logs the other side effects of creating it (initial
// data, directory linkage), so a crash before commit leaves no trace of
// the reservation on disk at all — only the monotonic counter moved.
func (m *Manager) AllocateRecord(isDirectory bool) (FRN, *Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := m.sb.NextFRN()
	if next < FRNFirstUser {
		next = FRNFirstUser
	}
	frn := FRN(next)
	if err := m.sb.SetNextFRN(next + 1); err != nil {
		return 0, nil, err
	}
	return frn, NewRecord(isDirectory), nil
}

// DeleteRecord clears in_use and bumps the sequence number so any cached
// reference becomes stale (spec §9 fix-it note; spec §3 lifecycle). Like
// WriteRecord, this writes straight through with no journal involvement —
// the galleon facade's DeleteFile logs its own before/after image via
// logRecordWrite instead of calling this directly, so the record clear is
// part of the same transaction as the extent frees it must be atomic with.
func (m *Manager) DeleteRecord(frn FRN) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.readRecordLocked(frn)
	if err != nil {
		return err
	}
	rec.Header.Flags &^= FlagInUse
	rec.Header.SequenceNumber++
	rec.Attributes = nil
	return m.writeRecordLocked(frn, rec)
}
