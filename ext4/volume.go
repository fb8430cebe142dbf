// Package ext4 implements a read-only decoder for the ext4 on-disk format.
// It extracts files, directories, symlinks, and metadata from an ext4 image
// or block device without mounting it.
//
// A Volume is opened from any io.ReaderAt. All operations resolve the inode
// fresh from disk; nothing is cached beyond the superblock, so the only
// shared state between callers is the underlying reader. Callers that share
// one Volume across goroutines need an io.ReaderAt that is safe for
// concurrent use (os.File and bytes.Reader both are).
package ext4

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
)

const (
	superblockOffset = 1024
	superblockSize   = 256
	ext4Magic        = 0xEF53

	// RootInode is the fixed inode number of the root directory.
	RootInode = 2

	groupDescSize   = 32  // only the 32-byte base is decoded
	inodeRecordSize = 128 // only the 128-byte base is decoded

	// maxLogBlockSize caps s_log_block_size at the format's 64 KiB block
	// maximum. Larger values would overflow the block size to zero.
	maxLogBlockSize = 6
)

// Incompatible feature flags. Filetype selects the v2 directory entry
// format; the rest of the listed bits abort loading.
const (
	incompatCompression = 0x0001
	incompatFiletype    = 0x0002
	incompatRecover     = 0x0004
	incompatMetaBG      = 0x0010
	incompatExtents     = 0x0040
	incompat64Bit       = 0x0080
	incompatDirData     = 0x1000
	incompatLargeDir    = 0x4000
	incompatEncrypt     = 0x10000
)

var unsupportedIncompat = [...]uint32{
	incompatCompression,
	incompatRecover,
	incompatMetaBG,
	incompat64Bit,
	incompatDirData,
	incompatLargeDir,
	incompatEncrypt,
}

type superblock struct {
	inodesCount     uint32
	blocksCount     uint32
	freeBlocksCount uint32
	freeInodesCount uint32
	firstDataBlock  uint32
	logBlockSize    uint32
	blocksPerGroup  uint32
	inodesPerGroup  uint32
	mtime           uint32
	wtime           uint32
	magic           uint16
	state           uint16
	revLevel        uint32
	firstIno        uint32
	inodeSize       uint16
	featureCompat   uint32
	featureIncompat uint32
	featureROCompat uint32
	uuid            [16]byte
	volumeName      [16]byte
	lastMounted     [64]byte
	descSize        uint16
}

type groupDescriptor struct {
	blockBitmap     uint32
	inodeBitmap     uint32
	inodeTable      uint32
	freeBlocksCount uint16
	freeInodesCount uint16
	usedDirsCount   uint16
	flags           uint16
}

// Volume is a handle to a loaded ext4 filesystem. The superblock is read
// once at open time and is immutable afterwards; everything else is
// re-resolved from disk per operation.
type Volume struct {
	r         io.ReaderAt
	closer    io.Closer
	sb        superblock
	blockSize uint32
	direntV2  bool // filetype feature: type tag embedded in directory records
}

// Open loads an ext4 volume from the given reader. It fails with
// ErrBadSuperblockMagic if the superblock magic does not match, and with
// an UnsupportedFeatureError before any further reads if the volume uses
// an incompatible feature this decoder does not implement.
func Open(r io.ReaderAt) (*Volume, error) {
	buf := make([]byte, superblockSize)
	if _, err := r.ReadAt(buf, superblockOffset); err != nil {
		return nil, fmt.Errorf("reading superblock: %w", err)
	}

	v := &Volume{r: r}
	v.parseSuperblock(buf)

	if v.sb.magic != ext4Magic {
		return nil, fmt.Errorf("%w: %#06x", ErrBadSuperblockMagic, v.sb.magic)
	}
	for _, bit := range unsupportedIncompat {
		if v.sb.featureIncompat&bit != 0 {
			return nil, &UnsupportedFeatureError{Bit: bit}
		}
	}

	// Geometry fields drive every later offset computation and division;
	// reject values no valid volume can carry before trusting them.
	if v.sb.logBlockSize > maxLogBlockSize {
		return nil, fmt.Errorf("%w: log block size %d", ErrCorrupt, v.sb.logBlockSize)
	}
	if v.sb.inodesPerGroup == 0 {
		return nil, fmt.Errorf("%w: zero inodes per group", ErrCorrupt)
	}

	v.blockSize = 1024 << v.sb.logBlockSize
	v.direntV2 = v.sb.featureIncompat&incompatFiletype != 0

	// Rev 0 volumes have no inode size field; descriptors default to the
	// 32-byte base when the superblock leaves s_desc_size zero.
	if v.sb.revLevel == 0 {
		v.sb.inodeSize = 128
	}
	if v.sb.descSize == 0 {
		v.sb.descSize = groupDescSize
	}

	return v, nil
}

// OpenFile opens the ext4 image or block device at path. The returned
// volume owns the file handle; release it with Close.
func OpenFile(path string) (*Volume, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	v, err := Open(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	v.closer = f
	return v, nil
}

// Close releases the underlying file when the volume was opened with
// OpenFile. Volumes opened from a caller-supplied reader close nothing.
func (v *Volume) Close() error {
	if v.closer == nil {
		return nil
	}
	return v.closer.Close()
}

func (v *Volume) parseSuperblock(data []byte) {
	sb := &v.sb
	sb.inodesCount = binary.LittleEndian.Uint32(data[0x00:])
	sb.blocksCount = binary.LittleEndian.Uint32(data[0x04:])
	sb.freeBlocksCount = binary.LittleEndian.Uint32(data[0x0C:])
	sb.freeInodesCount = binary.LittleEndian.Uint32(data[0x10:])
	sb.firstDataBlock = binary.LittleEndian.Uint32(data[0x14:])
	sb.logBlockSize = binary.LittleEndian.Uint32(data[0x18:])
	sb.blocksPerGroup = binary.LittleEndian.Uint32(data[0x20:])
	sb.inodesPerGroup = binary.LittleEndian.Uint32(data[0x28:])
	sb.mtime = binary.LittleEndian.Uint32(data[0x2C:])
	sb.wtime = binary.LittleEndian.Uint32(data[0x30:])
	sb.magic = binary.LittleEndian.Uint16(data[0x38:])
	sb.state = binary.LittleEndian.Uint16(data[0x3A:])
	sb.revLevel = binary.LittleEndian.Uint32(data[0x4C:])
	sb.firstIno = binary.LittleEndian.Uint32(data[0x54:])
	sb.inodeSize = binary.LittleEndian.Uint16(data[0x58:])
	sb.featureCompat = binary.LittleEndian.Uint32(data[0x5C:])
	sb.featureIncompat = binary.LittleEndian.Uint32(data[0x60:])
	sb.featureROCompat = binary.LittleEndian.Uint32(data[0x64:])
	copy(sb.uuid[:], data[0x68:0x78])
	copy(sb.volumeName[:], data[0x78:0x88])
	copy(sb.lastMounted[:], data[0x88:0xC8])
	sb.descSize = binary.LittleEndian.Uint16(data[0xFE:])
}

// BlockSize returns the volume's block size in bytes. It is fixed for the
// lifetime of the handle; every offset computation is relative to it.
func (v *Volume) BlockSize() uint32 { return v.blockSize }

// UUID returns the volume UUID from the superblock.
func (v *Volume) UUID() uuid.UUID { return uuid.UUID(v.sb.uuid) }

// Label returns the volume name, empty if unset.
func (v *Volume) Label() string {
	return strings.TrimRight(string(v.sb.volumeName[:]), "\x00")
}

// LastMounted returns the path the volume was last mounted at, empty if
// it was never mounted.
func (v *Volume) LastMounted() string {
	return strings.TrimRight(string(v.sb.lastMounted[:]), "\x00")
}

func (v *Volume) String() string {
	mounted := v.LastMounted()
	if mounted == "" {
		mounted = "not mounted"
	}
	return fmt.Sprintf("volume %q (%s), last mounted at %s", v.Label(), v.UUID(), mounted)
}

func (v *Volume) blockOffset(block uint64) int64 {
	return int64(block) * int64(v.blockSize)
}

func (v *Volume) readBlock(block uint64) ([]byte, error) {
	data := make([]byte, v.blockSize)
	if _, err := v.r.ReadAt(data, v.blockOffset(block)); err != nil {
		return nil, fmt.Errorf("reading block %d: %w", block, err)
	}
	return data, nil
}

// readGroupDescriptor reads the descriptor for the given block group from
// the descriptor table following the superblock. Descriptors are not
// cached; callers re-resolve on every access.
func (v *Volume) readGroupDescriptor(group uint32) (groupDescriptor, error) {
	offset := v.blockOffset(uint64(v.sb.firstDataBlock)+1) + int64(group)*int64(v.sb.descSize)
	data := make([]byte, groupDescSize)
	if _, err := v.r.ReadAt(data, offset); err != nil {
		return groupDescriptor{}, fmt.Errorf("reading group descriptor %d: %w", group, err)
	}
	return groupDescriptor{
		blockBitmap:     binary.LittleEndian.Uint32(data[0x00:]),
		inodeBitmap:     binary.LittleEndian.Uint32(data[0x04:]),
		inodeTable:      binary.LittleEndian.Uint32(data[0x08:]),
		freeBlocksCount: binary.LittleEndian.Uint16(data[0x0C:]),
		freeInodesCount: binary.LittleEndian.Uint16(data[0x0E:]),
		usedDirsCount:   binary.LittleEndian.Uint16(data[0x10:]),
		flags:           binary.LittleEndian.Uint16(data[0x12:]),
	}, nil
}
