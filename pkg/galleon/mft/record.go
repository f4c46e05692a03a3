// Package mft implements the Master File Table metadata engine: fixed
// 1024-byte records, their attribute lists, and the manager that reads and
// writes them at cluster granularity (spec §4.3).
package mft

import (
	"encoding/binary"
	"time"

	"github.com/pkg/errors"
)

// RecordSize is the fixed on-disk size of one MFT record.
const RecordSize = 1024

// headerSize is the fixed 48-byte MFT record header (spec §3).
const headerSize = 48

var recordMagic = [4]byte{'F', 'I', 'L', 'E'}

// sentinelAttrType marks the end of a record's attribute list.
const sentinelAttrType uint32 = 0xFFFFFFFF

// FRN is a 64-bit File Record Number handle (spec GLOSSARY).
type FRN uint64

// Record flags (spec §3).
const (
	FlagInUse      uint16 = 1 << 0
	FlagIsDirectory uint16 = 1 << 1
)

// Attribute type codes used by the core (spec §3).
const (
	AttrStandardInformation uint32 = 0x10
	AttrFileName            uint32 = 0x30
	AttrData                 uint32 = 0x80
	AttrIndexRoot             uint32 = 0x90
	AttrIndexAllocation        uint32 = 0xA0
)

// ResidentThreshold is the byte size above which a Data attribute's payload
// is stored non-resident (a run list) instead of inline (spec §3, §8
// boundary behavior: "exactly-threshold-sized file").
const ResidentThreshold = 700

// Header is the fixed portion of an MFT record.
type Header struct {
	Magic            [4]byte
	UpdateSeqOffset  uint16
	UpdateSeqSize    uint16
	LSN              uint64
	SequenceNumber   uint16
	HardLinkCount    uint16
	FirstAttrOffset  uint16
	Flags            uint16
	BytesInUse       uint32
	BytesAllocated   uint32
	BaseFileRecord   uint64
}

// InUse reports whether the record currently represents a live file.
func (h *Header) InUse() bool { return h.Flags&FlagInUse != 0 }

// IsDirectory reports whether the record represents a directory.
func (h *Header) IsDirectory() bool { return h.Flags&FlagIsDirectory != 0 }

// FileTimes holds the four POSIX-like timestamps tracked per record
// (spec §4.7 "Timestamps").
type FileTimes struct {
	Creation       time.Time
	LastAccess     time.Time
	LastWrite      time.Time
	MetadataChange time.Time
}

// ClusterRun is a contiguous extent of clusters, the unit the cluster
// allocator hands out and the run list stores (spec §3).
type ClusterRun struct {
	StartCluster uint64
	Count        uint64
}

// EndCluster is the last cluster (inclusive) covered by the run.
func (r ClusterRun) EndCluster() uint64 { return r.StartCluster + r.Count - 1 }

// Attribute is one tagged element of a record's attribute list.
type Attribute struct {
	Type       uint32
	ID         uint16
	NonResident bool

	// Resident form.
	ResidentData []byte

	// Non-resident form.
	RunList          []ClusterRun
	AllocatedSize    uint64
	RealSize         uint64
	InitializedSize  uint64

	// FileName-specific fields (only meaningful when Type == AttrFileName).
	ParentDirectory FRN
	Name            string

	// StandardInformation-specific fields.
	Times           FileTimes
	FileAttributes  uint32

	// IndexRoot-specific: root VCN of the directory's B+ tree, 0 if the
	// root node is itself resident inside this attribute's data.
	IndexRootVCN uint64
}

// Record is one 1024-byte MFT record: header plus attribute list.
type Record struct {
	Header     Header
	Attributes []Attribute
}

// NewRecord constructs an empty, in-use record for a freshly allocated FRN.
func NewRecord(isDirectory bool) *Record {
	flags := FlagInUse
	if isDirectory {
		flags |= FlagIsDirectory
	}
	return &Record{
		Header: Header{
			Magic:          recordMagic,
			SequenceNumber: 1,
			HardLinkCount:  1,
			Flags:          flags,
			BytesAllocated: RecordSize,
		},
	}
}

// Find returns the first attribute of the given type, or nil.
func (r *Record) Find(attrType uint32) *Attribute {
	for i := range r.Attributes {
		if r.Attributes[i].Type == attrType {
			return &r.Attributes[i]
		}
	}
	return nil
}

// recomputeBytesInUse updates Header.BytesInUse to match the serialized
// attribute list plus the trailing sentinel, per spec §3's invariant that
// bytes_in_use always reflects true content.
func (r *Record) recomputeBytesInUse() error {
	size := headerSize
	for i := range r.Attributes {
		size += attributeWireSize(&r.Attributes[i])
	}
	size += 4 // sentinel
	if size > RecordSize {
		return errors.Errorf("mft: record content %d bytes exceeds record size %d", size, RecordSize)
	}
	r.Header.BytesInUse = uint32(size)
	r.Header.FirstAttrOffset = headerSize
	return nil
}

func attributeWireSize(a *Attribute) int {
	// common header: type(4) id(2) nonresident(1) flags(1) namelen(2)
	// contentlen(4) = 14, rounded to 8-byte alignment
	const common = 14
	var content int
	if a.NonResident {
		content = 24 + len(a.RunList)*16 // sizes + run list entries
	} else {
		content = len(residentContent(a))
	}
	total := common + content
	return (total + 7) &^ 7
}

// residentContent returns the bytes a resident attribute's content field
// holds on disk. StandardInformation, FileName and IndexRoot carry their
// payload in dedicated typed struct fields rather than ResidentData, so
// those are packed here instead of passed through verbatim.
func residentContent(a *Attribute) []byte {
	switch a.Type {
	case AttrFileName:
		return encodeFileName(a)
	case AttrStandardInformation:
		return encodeStdInfo(a)
	case AttrIndexRoot:
		return encodeIndexRoot(a)
	default:
		return a.ResidentData
	}
}

// packTime splits t into a (seconds, nanoseconds) pair that round-trips
// exactly through time.Unix, including for the zero Time value.
func packTime(t time.Time) (int64, int32) {
	return t.Unix(), int32(t.Nanosecond())
}

func unpackTime(sec int64, nsec int32) time.Time {
	return time.Unix(sec, int64(nsec)).UTC()
}

const stdInfoWireSize = 4*12 + 4 // four (sec,nsec) pairs + FileAttributes

func encodeStdInfo(a *Attribute) []byte {
	buf := make([]byte, stdInfoWireSize)
	put := func(off int, t time.Time) {
		sec, nsec := packTime(t)
		binary.LittleEndian.PutUint64(buf[off:off+8], uint64(sec))
		binary.LittleEndian.PutUint32(buf[off+8:off+12], uint32(nsec))
	}
	put(0, a.Times.Creation)
	put(12, a.Times.LastAccess)
	put(24, a.Times.LastWrite)
	put(36, a.Times.MetadataChange)
	binary.LittleEndian.PutUint32(buf[48:52], a.FileAttributes)
	return buf
}

func decodeStdInfo(buf []byte) (FileTimes, uint32, error) {
	if len(buf) < stdInfoWireSize {
		return FileTimes{}, 0, errors.New("mft: corrupt standard information attribute")
	}
	get := func(off int) time.Time {
		sec := int64(binary.LittleEndian.Uint64(buf[off : off+8]))
		nsec := int32(binary.LittleEndian.Uint32(buf[off+8 : off+12]))
		return unpackTime(sec, nsec)
	}
	ft := FileTimes{
		Creation:       get(0),
		LastAccess:     get(12),
		LastWrite:      get(24),
		MetadataChange: get(36),
	}
	return ft, binary.LittleEndian.Uint32(buf[48:52]), nil
}

func encodeFileName(a *Attribute) []byte {
	name := []byte(a.Name)
	buf := make([]byte, 10+len(name))
	binary.LittleEndian.PutUint64(buf[0:8], uint64(a.ParentDirectory))
	binary.LittleEndian.PutUint16(buf[8:10], uint16(len(name)))
	copy(buf[10:], name)
	return buf
}

func decodeFileName(buf []byte) (FRN, string, error) {
	if len(buf) < 10 {
		return 0, "", errors.New("mft: corrupt file name attribute")
	}
	parent := FRN(binary.LittleEndian.Uint64(buf[0:8]))
	nameLen := int(binary.LittleEndian.Uint16(buf[8:10]))
	if 10+nameLen > len(buf) {
		return 0, "", errors.New("mft: corrupt file name attribute: name overruns content")
	}
	return parent, string(buf[10 : 10+nameLen]), nil
}

func encodeIndexRoot(a *Attribute) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, a.IndexRootVCN)
	return buf
}

func decodeIndexRoot(buf []byte) (uint64, error) {
	if len(buf) < 8 {
		return 0, errors.New("mft: corrupt index root attribute")
	}
	return binary.LittleEndian.Uint64(buf[0:8]), nil
}

// Serialize writes the record's 1024-byte wire form into buf.
func (r *Record) Serialize(buf []byte) error {
	if len(buf) != RecordSize {
		return errors.Errorf("mft: record buffer must be %d bytes", RecordSize)
	}
	if err := r.recomputeBytesInUse(); err != nil {
		return err
	}

	for i := range buf {
		buf[i] = 0
	}

	h := &r.Header
	copy(buf[0:4], h.Magic[:])
	binary.LittleEndian.PutUint16(buf[4:6], h.UpdateSeqOffset)
	binary.LittleEndian.PutUint16(buf[6:8], h.UpdateSeqSize)
	binary.LittleEndian.PutUint64(buf[8:16], h.LSN)
	binary.LittleEndian.PutUint16(buf[16:18], h.SequenceNumber)
	binary.LittleEndian.PutUint16(buf[18:20], h.HardLinkCount)
	binary.LittleEndian.PutUint16(buf[20:22], h.FirstAttrOffset)
	binary.LittleEndian.PutUint16(buf[22:24], h.Flags)
	binary.LittleEndian.PutUint32(buf[24:28], h.BytesInUse)
	binary.LittleEndian.PutUint32(buf[28:32], h.BytesAllocated)
	binary.LittleEndian.PutUint64(buf[32:40], h.BaseFileRecord)
	// bytes 40:48 reserved

	off := headerSize
	for i := range r.Attributes {
		n, err := serializeAttribute(&r.Attributes[i], buf[off:])
		if err != nil {
			return err
		}
		off += n
	}
	binary.LittleEndian.PutUint32(buf[off:off+4], sentinelAttrType)

	return nil
}

func serializeAttribute(a *Attribute, buf []byte) (int, error) {
	size := attributeWireSize(a)
	if size > len(buf) {
		return 0, errors.New("mft: attribute does not fit in record")
	}
	binary.LittleEndian.PutUint32(buf[0:4], a.Type)
	binary.LittleEndian.PutUint16(buf[4:6], a.ID)
	if a.NonResident {
		buf[6] = 1
	}
	buf[7] = 0 // flags, unused

	if a.NonResident {
		binary.LittleEndian.PutUint32(buf[10:14], uint32(24+len(a.RunList)*16))
		binary.LittleEndian.PutUint64(buf[14:22], a.AllocatedSize)
		binary.LittleEndian.PutUint64(buf[22:30], a.RealSize)
		binary.LittleEndian.PutUint64(buf[30:38], a.InitializedSize)
		o := 38
		for _, run := range a.RunList {
			binary.LittleEndian.PutUint64(buf[o:o+8], run.StartCluster)
			binary.LittleEndian.PutUint64(buf[o+8:o+16], run.Count)
			o += 16
		}
	} else {
		content := residentContent(a)
		binary.LittleEndian.PutUint32(buf[10:14], uint32(len(content)))
		copy(buf[14:14+len(content)], content)
	}
	return size, nil
}

// Deserialize parses a 1024-byte buffer into a Record, validating the magic
// and the trailing sentinel (spec §3's record invariants).
func Deserialize(buf []byte) (*Record, error) {
	if len(buf) != RecordSize {
		return nil, errors.Errorf("mft: record buffer must be %d bytes", RecordSize)
	}
	r := &Record{}
	copy(r.Header.Magic[:], buf[0:4])
	if r.Header.Magic != recordMagic {
		return nil, errors.New("mft: corrupt record: bad magic")
	}
	r.Header.UpdateSeqOffset = binary.LittleEndian.Uint16(buf[4:6])
	r.Header.UpdateSeqSize = binary.LittleEndian.Uint16(buf[6:8])
	r.Header.LSN = binary.LittleEndian.Uint64(buf[8:16])
	r.Header.SequenceNumber = binary.LittleEndian.Uint16(buf[16:18])
	r.Header.HardLinkCount = binary.LittleEndian.Uint16(buf[18:20])
	r.Header.FirstAttrOffset = binary.LittleEndian.Uint16(buf[20:22])
	r.Header.Flags = binary.LittleEndian.Uint16(buf[22:24])
	r.Header.BytesInUse = binary.LittleEndian.Uint32(buf[24:28])
	r.Header.BytesAllocated = binary.LittleEndian.Uint32(buf[28:32])
	r.Header.BaseFileRecord = binary.LittleEndian.Uint64(buf[32:40])

	if r.Header.BytesInUse > RecordSize {
		return nil, errors.New("mft: corrupt record: bytes_in_use exceeds record size")
	}

	off := int(r.Header.FirstAttrOffset)
	if off < headerSize || off > RecordSize-4 {
		off = headerSize
	}
	for {
		if off+4 > RecordSize {
			return nil, errors.New("mft: corrupt record: missing sentinel")
		}
		t := binary.LittleEndian.Uint32(buf[off : off+4])
		if t == sentinelAttrType {
			break
		}
		a, n, err := deserializeAttribute(t, buf[off:])
		if err != nil {
			return nil, err
		}
		r.Attributes = append(r.Attributes, a)
		off += n
	}

	return r, nil
}

func deserializeAttribute(t uint32, buf []byte) (Attribute, int, error) {
	a := Attribute{Type: t}
	a.ID = binary.LittleEndian.Uint16(buf[4:6])
	a.NonResident = buf[6] != 0

	contentLen := binary.LittleEndian.Uint32(buf[10:14])
	if a.NonResident {
		if int(contentLen) < 24 {
			return a, 0, errors.New("mft: corrupt non-resident attribute header")
		}
		a.AllocatedSize = binary.LittleEndian.Uint64(buf[14:22])
		a.RealSize = binary.LittleEndian.Uint64(buf[22:30])
		a.InitializedSize = binary.LittleEndian.Uint64(buf[30:38])
		runBytes := int(contentLen) - 24
		o := 38
		for i := 0; i < runBytes/16; i++ {
			run := ClusterRun{
				StartCluster: binary.LittleEndian.Uint64(buf[o : o+8]),
				Count:        binary.LittleEndian.Uint64(buf[o+8 : o+16]),
			}
			a.RunList = append(a.RunList, run)
			o += 16
		}
	} else {
		raw := buf[14 : 14+int(contentLen)]
		switch t {
		case AttrFileName:
			parent, name, err := decodeFileName(raw)
			if err != nil {
				return a, 0, err
			}
			a.ParentDirectory = parent
			a.Name = name
		case AttrStandardInformation:
			times, fileAttrs, err := decodeStdInfo(raw)
			if err != nil {
				return a, 0, err
			}
			a.Times = times
			a.FileAttributes = fileAttrs
		case AttrIndexRoot:
			vcn, err := decodeIndexRoot(raw)
			if err != nil {
				return a, 0, err
			}
			a.IndexRootVCN = vcn
		default:
			a.ResidentData = make([]byte, contentLen)
			copy(a.ResidentData, raw)
		}
	}

	const common = 14
	var content int
	if a.NonResident {
		content = 24 + len(a.RunList)*16
	} else {
		content = int(contentLen)
	}
	total := common + content
	size := (total + 7) &^ 7
	return a, size, nil
}
