package ext4

import (
	"encoding/binary"
	"fmt"
	"io/fs"
)

// Inode mode file-type bits (high nibble of i_mode).
const (
	modeTypeMask = 0xF000
	modeFIFO     = 0x1000
	modeCharDev  = 0x2000
	modeDir      = 0x4000
	modeBlockDev = 0x6000
	modeRegular  = 0x8000
	modeSymlink  = 0xA000
	modeSocket   = 0xC000

	modePermMask = 0x0FFF // permission plus setuid/setgid/sticky bits
)

// Inode flags.
const (
	inodeFlagExtents    = 0x00080000
	inodeFlagInlineData = 0x10000000
)

// inlineDataSize is the size of the inode's block-pointer area, which
// doubles as inline storage for short symlinks and inline-data files.
const inlineDataSize = 60

// EntryType classifies a filesystem object, using the same code space as
// the on-disk v2 directory entry type tag.
type EntryType uint8

const (
	TypeUnknown EntryType = iota
	TypeRegular
	TypeDirectory
	TypeCharDevice
	TypeBlockDevice
	TypeFIFO
	TypeSocket
	TypeSymlink

	typeCount
)

var entryTypeNames = [typeCount]string{
	"unknown",
	"regular file",
	"directory",
	"character device",
	"block device",
	"fifo",
	"socket",
	"symbolic link",
}

func (t EntryType) String() string {
	if t < typeCount {
		return entryTypeNames[t]
	}
	return fmt.Sprintf("invalid(%d)", uint8(t))
}

// FileMode returns the io/fs mode type bits for this entry type.
func (t EntryType) FileMode() fs.FileMode {
	switch t {
	case TypeDirectory:
		return fs.ModeDir
	case TypeSymlink:
		return fs.ModeSymlink
	case TypeCharDevice:
		return fs.ModeDevice | fs.ModeCharDevice
	case TypeBlockDevice:
		return fs.ModeDevice
	case TypeFIFO:
		return fs.ModeNamedPipe
	case TypeSocket:
		return fs.ModeSocket
	default:
		return 0
	}
}

// TypeBits returns the on-disk i_mode file-type bits for this entry type,
// zero for TypeUnknown. It is the inverse of the mode classification used
// by the directory and metadata readers.
func (t EntryType) TypeBits() uint16 {
	switch t {
	case TypeFIFO:
		return modeFIFO
	case TypeCharDevice:
		return modeCharDev
	case TypeDirectory:
		return modeDir
	case TypeBlockDevice:
		return modeBlockDev
	case TypeRegular:
		return modeRegular
	case TypeSymlink:
		return modeSymlink
	case TypeSocket:
		return modeSocket
	default:
		return 0
	}
}

// typeFromMode classifies an inode mode's high nibble into the directory
// entry type space. It is the single mapping shared by the directory
// reader (for v1 records) and the metadata reader.
func typeFromMode(mode uint16) EntryType {
	switch mode & modeTypeMask {
	case modeFIFO:
		return TypeFIFO
	case modeCharDev:
		return TypeCharDevice
	case modeDir:
		return TypeDirectory
	case modeBlockDev:
		return TypeBlockDevice
	case modeRegular:
		return TypeRegular
	case modeSymlink:
		return TypeSymlink
	case modeSocket:
		return TypeSocket
	default:
		return TypeUnknown
	}
}

type inode struct {
	mode       uint16
	uid        uint16
	sizeLo     uint32
	atime      uint32
	ctime      uint32
	mtime      uint32
	dtime      uint32
	gid        uint16
	linksCount uint16
	blocksLo   uint32
	flags      uint32
	block      [inlineDataSize]byte // block pointers, extent tree root, or inline data
	generation uint32
	fileACL    uint32 // extended attribute block, 0 if none
}

// readInode resolves an inode number to its block group, locates it within
// the group's inode table, and decodes the 128-byte base record. Larger
// declared inode sizes only affect the table stride.
func (v *Volume) readInode(inodeNum uint32) (inode, error) {
	if inodeNum == 0 || inodeNum > v.sb.inodesCount {
		return inode{}, fmt.Errorf("invalid inode number %d", inodeNum)
	}

	group := (inodeNum - 1) / v.sb.inodesPerGroup
	index := (inodeNum - 1) % v.sb.inodesPerGroup

	gd, err := v.readGroupDescriptor(group)
	if err != nil {
		return inode{}, err
	}

	offset := v.blockOffset(uint64(gd.inodeTable)) + int64(index)*int64(v.sb.inodeSize)
	data := make([]byte, inodeRecordSize)
	if _, err := v.r.ReadAt(data, offset); err != nil {
		return inode{}, fmt.Errorf("reading inode %d: %w", inodeNum, err)
	}

	in := inode{
		mode:       binary.LittleEndian.Uint16(data[0x00:]),
		uid:        binary.LittleEndian.Uint16(data[0x02:]),
		sizeLo:     binary.LittleEndian.Uint32(data[0x04:]),
		atime:      binary.LittleEndian.Uint32(data[0x08:]),
		ctime:      binary.LittleEndian.Uint32(data[0x0C:]),
		mtime:      binary.LittleEndian.Uint32(data[0x10:]),
		dtime:      binary.LittleEndian.Uint32(data[0x14:]),
		gid:        binary.LittleEndian.Uint16(data[0x18:]),
		linksCount: binary.LittleEndian.Uint16(data[0x1A:]),
		blocksLo:   binary.LittleEndian.Uint32(data[0x1C:]),
		flags:      binary.LittleEndian.Uint32(data[0x20:]),
		generation: binary.LittleEndian.Uint32(data[0x64:]),
		fileACL:    binary.LittleEndian.Uint32(data[0x68:]),
	}
	copy(in.block[:], data[0x28:0x64])
	return in, nil
}

func (in inode) isSymlink() bool { return in.mode&modeTypeMask == modeSymlink }
