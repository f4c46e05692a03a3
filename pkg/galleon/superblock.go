// Package galleon implements the on-disk filesystem core: superblock,
// Master File Table, write-ahead journal, cluster allocator, and B+ tree
// directory index, assembled into the Filesystem facade in facade.go.
package galleon

import (
	"encoding/binary"

	"github.com/galleonfs/galleon/pkg/blockdev"
	"github.com/pkg/errors"
)

// DefaultClusterSize is the cluster size used by format() unless overridden.
const DefaultClusterSize = 4096

// Reserved File Record Numbers, spec §3.
const (
	FRNMft        = 0
	FRNMftMirror  = 1
	FRNLogFile    = 2
	FRNVolume     = 3
	FRNAttrDef    = 4
	FRNRootDir    = 5
	FRNBitmap     = 6
	FRNBoot       = 7
	FRNBadClus    = 8
	FRNFirstUser  = 16
)

// ErrInvalidBootBlock is returned by Mount when the superblock fails
// validation (spec §7: InvalidBootBlock).
var ErrInvalidBootBlock = errors.New("galleon: invalid boot block")

// Superblock is the 512-byte sector at LBA 0 describing the volume's
// layout. Legacy-style fields occupy bytes 0..255; the extended galleon
// layout fields begin at byte 256, all little-endian (spec §6).
type Superblock struct {
	Magic        [8]byte  // "GALLEON\0"
	ClusterSize  uint32   // bytes per cluster, power of two in [512, 65536]
	TotalClusters uint64
	RootFRN      uint64
	_            [228]byte // reserved legacy region padding to offset 256

	MftStart     uint64
	MftMirror    uint64
	JournalStart uint64
	JournalSize  uint64
	BitmapStart  uint64
	BitmapSize   uint64
	IndexStart   uint64

	// NextFRN/NextVCN are the persisted monotonic counters that replace the
	// original implementation's unsafe process-wide globals (spec §9,
	// SPEC_FULL §4.10 item 1). Mutations go through the journal lock.
	NextFRN uint64
	NextVCN uint64

	_ [184]byte // pad to exactly 512 bytes
}

var superblockMagic = [8]byte{'G', 'A', 'L', 'L', 'E', 'O', 'N', 0}

// SuperblockSize is the fixed on-disk size of the superblock sector.
const SuperblockSize = 512

// Serialize writes the superblock's 512-byte wire form into buf.
func (s *Superblock) Serialize(buf []byte) error {
	if len(buf) != SuperblockSize {
		return errors.Errorf("galleon: superblock buffer must be %d bytes", SuperblockSize)
	}
	copy(buf[0:8], s.Magic[:])
	binary.LittleEndian.PutUint32(buf[8:12], s.ClusterSize)
	binary.LittleEndian.PutUint64(buf[12:20], s.TotalClusters)
	binary.LittleEndian.PutUint64(buf[20:28], s.RootFRN)

	o := 256
	binary.LittleEndian.PutUint64(buf[o:o+8], s.MftStart)
	binary.LittleEndian.PutUint64(buf[o+8:o+16], s.MftMirror)
	binary.LittleEndian.PutUint64(buf[o+16:o+24], s.JournalStart)
	binary.LittleEndian.PutUint64(buf[o+24:o+32], s.JournalSize)
	binary.LittleEndian.PutUint64(buf[o+32:o+40], s.BitmapStart)
	binary.LittleEndian.PutUint64(buf[o+40:o+48], s.BitmapSize)
	binary.LittleEndian.PutUint64(buf[o+48:o+56], s.IndexStart)
	binary.LittleEndian.PutUint64(buf[o+56:o+64], s.NextFRN)
	binary.LittleEndian.PutUint64(buf[o+64:o+72], s.NextVCN)
	return nil
}

// DeserializeSuperblock parses and validates a superblock sector, returning
// ErrInvalidBootBlock on any invariant violation (spec §6: cluster_size in
// [512,65536] and a power of two; mft_start != 0).
func DeserializeSuperblock(buf []byte) (*Superblock, error) {
	if len(buf) != SuperblockSize {
		return nil, errors.Wrap(ErrInvalidBootBlock, "wrong sector size")
	}
	s := &Superblock{}
	copy(s.Magic[:], buf[0:8])
	if s.Magic != superblockMagic {
		return nil, errors.Wrap(ErrInvalidBootBlock, "bad magic")
	}
	s.ClusterSize = binary.LittleEndian.Uint32(buf[8:12])
	s.TotalClusters = binary.LittleEndian.Uint64(buf[12:20])
	s.RootFRN = binary.LittleEndian.Uint64(buf[20:28])

	o := 256
	s.MftStart = binary.LittleEndian.Uint64(buf[o : o+8])
	s.MftMirror = binary.LittleEndian.Uint64(buf[o+8 : o+16])
	s.JournalStart = binary.LittleEndian.Uint64(buf[o+16 : o+24])
	s.JournalSize = binary.LittleEndian.Uint64(buf[o+24 : o+32])
	s.BitmapStart = binary.LittleEndian.Uint64(buf[o+32 : o+40])
	s.BitmapSize = binary.LittleEndian.Uint64(buf[o+40 : o+48])
	s.IndexStart = binary.LittleEndian.Uint64(buf[o+48 : o+56])
	s.NextFRN = binary.LittleEndian.Uint64(buf[o+56 : o+64])
	s.NextVCN = binary.LittleEndian.Uint64(buf[o+64 : o+72])

	if s.ClusterSize < 512 || s.ClusterSize > 65536 || s.ClusterSize&(s.ClusterSize-1) != 0 {
		return nil, errors.Wrap(ErrInvalidBootBlock, "cluster_size must be a power of two in [512, 65536]")
	}
	if s.MftStart == 0 {
		return nil, errors.Wrap(ErrInvalidBootBlock, "mft_start must be nonzero")
	}
	return s, nil
}

// planLayout computes cluster-aligned region placement for format(), per
// spec §6's on-disk layout diagram:
//
//	cluster 0            : superblock (sector 0 of cluster 0)
//	MFT_start    N        : primary MFT (>=12.5% of volume, >=16 clusters)
//	MFT_mirror   N/4      : mirror of system records
//	journal_start J       : circular log (>=3% of volume, >=8 clusters)
//	bitmap_start  B       : cluster bitmap
//	index_start  rest     : IndexAllocation + user data
func planLayout(totalClusters uint64, clusterSize uint32) (*Superblock, error) {
	if totalClusters < 64 {
		return nil, errors.New("galleon: volume too small to format")
	}

	mftSize := totalClusters / 8 // 12.5%
	if mftSize < 16 {
		mftSize = 16
	}
	mftMirrorSize := mftSize / 4
	if mftMirrorSize < 4 {
		mftMirrorSize = 4
	}

	journalSize := totalClusters / 32
	if journalSize < 8 {
		journalSize = 8
	}

	bitmapBits := totalClusters
	bitmapBytes := (bitmapBits + 7) / 8
	bitmapSize := (bitmapBytes + uint64(clusterSize) - 1) / uint64(clusterSize)
	if bitmapSize < 1 {
		bitmapSize = 1
	}

	mftStart := uint64(1)
	mftMirrorStart := mftStart + mftSize
	journalStart := mftMirrorStart + mftMirrorSize
	bitmapStart := journalStart + journalSize
	indexStart := bitmapStart + bitmapSize

	if indexStart >= totalClusters {
		return nil, errors.New("galleon: volume too small for reserved regions")
	}

	sb := &Superblock{
		Magic:         superblockMagic,
		ClusterSize:   clusterSize,
		TotalClusters: totalClusters,
		RootFRN:       FRNRootDir,
		MftStart:      mftStart,
		MftMirror:     mftMirrorStart,
		JournalStart:  journalStart,
		JournalSize:   journalSize,
		BitmapStart:   bitmapStart,
		BitmapSize:    bitmapSize,
		IndexStart:    indexStart,
		NextFRN:       FRNFirstUser,
		NextVCN:       0,
	}
	return sb, nil
}

// ClustersFor rounds a byte size up to a whole number of clusters.
func ClustersFor(bytes uint64, clusterSize uint32) uint64 {
	return (bytes + uint64(clusterSize) - 1) / uint64(clusterSize)
}

// SectorsPerCluster returns how many 512-byte sectors make up one cluster.
func SectorsPerCluster(clusterSize uint32) uint16 {
	return uint16(clusterSize / blockdev.SectorSize)
}
