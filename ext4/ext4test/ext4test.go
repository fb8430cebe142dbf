// Package ext4test builds small, deterministic ext4 images in memory for
// tests. Images use a 1 KiB block size and a single block group unless the
// test reconfigures them; all metadata placement is explicit so tests can
// reason about exact on-disk offsets.
package ext4test

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

const (
	// BlockSize is the fixed block size of generated images.
	BlockSize = 1024

	superblockOffset = 1024

	// DefaultInodeTableBlock is where New places group 0's inode table.
	DefaultInodeTableBlock = 5
)

// Incompatible feature bits, for SetIncompat.
const (
	IncompatCompression = 0x0001
	IncompatFiletype    = 0x0002
	IncompatRecover     = 0x0004
	IncompatMetaBG      = 0x0010
	Incompat64Bit       = 0x0080
	IncompatDirData     = 0x1000
	IncompatLargeDir    = 0x4000
	IncompatEncrypt     = 0x10000
)

// Inode mode type bits.
const (
	ModeFIFO     = 0x1000
	ModeCharDev  = 0x2000
	ModeDir      = 0x4000
	ModeBlockDev = 0x6000
	ModeRegular  = 0x8000
	ModeSymlink  = 0xA000
	ModeSocket   = 0xC000
)

// Inode flags.
const (
	FlagExtents    = 0x00080000
	FlagInlineData = 0x10000000
)

// Directory entry type tags (v2 records).
const (
	FtUnknown  = 0
	FtRegular  = 1
	FtDir      = 2
	FtCharDev  = 3
	FtBlockDev = 4
	FtFIFO     = 5
	FtSocket   = 6
	FtSymlink  = 7
)

// Image is an ext4 image under construction.
type Image struct {
	buf            []byte
	inodesPerGroup uint32
	inodeSize      uint32
	inodeTables    map[uint32]uint32 // group -> inode table block
}

// New allocates an image of the given number of 1 KiB blocks and writes a
// superblock for a single 16-inode block group with the filetype feature
// enabled. Group 0's descriptor points its inode table at block 5.
func New(blocks int) *Image {
	im := &Image{
		buf:            make([]byte, blocks*BlockSize),
		inodesPerGroup: 16,
		inodeSize:      128,
		inodeTables:    make(map[uint32]uint32),
	}

	im.putU32(superblockOffset+0x00, 16)             // s_inodes_count
	im.putU32(superblockOffset+0x04, uint32(blocks)) // s_blocks_count_lo
	im.putU32(superblockOffset+0x14, 1)              // s_first_data_block
	im.putU32(superblockOffset+0x18, 0)              // s_log_block_size
	im.putU32(superblockOffset+0x20, 8192)           // s_blocks_per_group
	im.putU32(superblockOffset+0x28, 16)             // s_inodes_per_group
	im.putU16(superblockOffset+0x38, 0xEF53)         // s_magic
	im.putU16(superblockOffset+0x3A, 1)              // s_state
	im.putU32(superblockOffset+0x4C, 1)              // s_rev_level
	im.putU32(superblockOffset+0x54, 11)             // s_first_ino
	im.putU16(superblockOffset+0x58, 128)            // s_inode_size
	im.putU32(superblockOffset+0x60, IncompatFiletype)
	im.putU16(superblockOffset+0xFE, 32) // s_desc_size

	im.SetGroupDesc(0, DefaultInodeTableBlock)
	return im
}

// Bytes returns the backing buffer. Tests may mutate it directly to
// corrupt specific fields.
func (im *Image) Bytes() []byte { return im.buf }

// Reader returns a fresh io.ReaderAt over the image.
func (im *Image) Reader() *bytes.Reader { return bytes.NewReader(im.buf) }

func (im *Image) putU16(off int, v uint16) { binary.LittleEndian.PutUint16(im.buf[off:], v) }
func (im *Image) putU32(off int, v uint32) { binary.LittleEndian.PutUint32(im.buf[off:], v) }

// SetMagic overwrites the superblock magic.
func (im *Image) SetMagic(magic uint16) { im.putU16(superblockOffset+0x38, magic) }

// SetIncompat replaces the incompatible feature flags.
func (im *Image) SetIncompat(flags uint32) { im.putU32(superblockOffset+0x60, flags) }

// SetLogBlockSize writes s_log_block_size. Only superblock-level tests
// should use this; the builder's own arithmetic stays at 1 KiB.
func (im *Image) SetLogBlockSize(logSize uint32) { im.putU32(superblockOffset+0x18, logSize) }

// SetRevLevel writes s_rev_level.
func (im *Image) SetRevLevel(rev uint32) { im.putU32(superblockOffset+0x4C, rev) }

// SetDescSize writes s_desc_size.
func (im *Image) SetDescSize(size uint16) { im.putU16(superblockOffset+0xFE, size) }

// SetInodeSize changes the declared per-inode record size (table stride).
func (im *Image) SetInodeSize(size uint16) {
	im.putU16(superblockOffset+0x58, size)
	im.inodeSize = uint32(size)
}

// SetInodeCounts sets inodes per group and the total inode count.
func (im *Image) SetInodeCounts(perGroup, total uint32) {
	im.putU32(superblockOffset+0x28, perGroup)
	im.putU32(superblockOffset+0x00, total)
	im.inodesPerGroup = perGroup
}

// SetUUID writes the volume UUID.
func (im *Image) SetUUID(u [16]byte) { copy(im.buf[superblockOffset+0x68:], u[:]) }

// SetLabel writes the volume name.
func (im *Image) SetLabel(label string) {
	field := im.buf[superblockOffset+0x78 : superblockOffset+0x88]
	for i := range field {
		field[i] = 0
	}
	copy(field, label)
}

// SetLastMounted writes the last-mounted path.
func (im *Image) SetLastMounted(path string) {
	field := im.buf[superblockOffset+0x88 : superblockOffset+0xC8]
	for i := range field {
		field[i] = 0
	}
	copy(field, path)
}

// SetGroupDesc writes the descriptor for a block group, pointing its
// inode table at the given block. The descriptor table follows the
// superblock at block (first_data_block + 1).
func (im *Image) SetGroupDesc(group, inodeTableBlock uint32) {
	off := 2*BlockSize + int(group)*32
	im.putU32(off+0x00, 3)               // block bitmap (unused by the decoder)
	im.putU32(off+0x04, 4)               // inode bitmap (unused by the decoder)
	im.putU32(off+0x08, inodeTableBlock) // bg_inode_table_lo
	im.inodeTables[group] = inodeTableBlock
}

// WriteBlock copies data into the image at the given block.
func (im *Image) WriteBlock(block uint32, data []byte) {
	copy(im.buf[int(block)*BlockSize:], data)
}

// Inode describes an inode record to write.
type Inode struct {
	Mode     uint16
	UID      uint16
	GID      uint16
	Size     uint32
	Links    uint16
	Atime    uint32
	Ctime    uint32
	Mtime    uint32
	Flags    uint32
	Block    [60]byte
	ACLBlock uint32
}

// WriteInode places an inode record in the owning group's inode table.
func (im *Image) WriteInode(num uint32, in Inode) {
	if num == 0 {
		panic("ext4test: inode numbers are 1-based")
	}
	group := (num - 1) / im.inodesPerGroup
	index := (num - 1) % im.inodesPerGroup
	table, ok := im.inodeTables[group]
	if !ok {
		panic(fmt.Sprintf("ext4test: no descriptor for group %d", group))
	}

	off := int(table)*BlockSize + int(index)*int(im.inodeSize)
	im.putU16(off+0x00, in.Mode)
	im.putU16(off+0x02, in.UID)
	im.putU32(off+0x04, in.Size)
	im.putU32(off+0x08, in.Atime)
	im.putU32(off+0x0C, in.Ctime)
	im.putU32(off+0x10, in.Mtime)
	im.putU16(off+0x18, in.GID)
	im.putU16(off+0x1A, in.Links)
	im.putU32(off+0x20, in.Flags)
	copy(im.buf[off+0x28:off+0x64], in.Block[:])
	im.putU32(off+0x68, in.ACLBlock)
}

// InlineData packs bytes into an inode's 60-byte block area.
func InlineData(data []byte) [60]byte {
	var block [60]byte
	if len(data) > len(block) {
		panic("ext4test: inline data exceeds 60 bytes")
	}
	copy(block[:], data)
	return block
}

// Leaf is one extent: Len logical blocks starting at Logical, stored at
// physical block Start.
type Leaf struct {
	Logical uint32
	Len     uint16
	Start   uint64
}

// Index points an interior extent record at a child node block.
type Index struct {
	Logical uint32
	Block   uint64
}

// ExtentLeafNode encodes a depth-0 extent node.
func ExtentLeafNode(leaves ...Leaf) []byte {
	node := make([]byte, 12+12*len(leaves))
	binary.LittleEndian.PutUint16(node[0:], 0xF30A)
	binary.LittleEndian.PutUint16(node[2:], uint16(len(leaves)))
	binary.LittleEndian.PutUint16(node[4:], uint16(len(leaves)))
	binary.LittleEndian.PutUint16(node[6:], 0)
	for i, l := range leaves {
		rec := node[12+12*i:]
		binary.LittleEndian.PutUint32(rec[0:], l.Logical)
		binary.LittleEndian.PutUint16(rec[4:], l.Len)
		binary.LittleEndian.PutUint16(rec[6:], uint16(l.Start>>32))
		binary.LittleEndian.PutUint32(rec[8:], uint32(l.Start))
	}
	return node
}

// ExtentIndexNode encodes an interior extent node at the given depth.
func ExtentIndexNode(depth uint16, children ...Index) []byte {
	node := make([]byte, 12+12*len(children))
	binary.LittleEndian.PutUint16(node[0:], 0xF30A)
	binary.LittleEndian.PutUint16(node[2:], uint16(len(children)))
	binary.LittleEndian.PutUint16(node[4:], uint16(len(children)))
	binary.LittleEndian.PutUint16(node[6:], depth)
	for i, c := range children {
		rec := node[12+12*i:]
		binary.LittleEndian.PutUint32(rec[0:], c.Logical)
		binary.LittleEndian.PutUint32(rec[4:], uint32(c.Block))
		binary.LittleEndian.PutUint16(rec[8:], uint16(c.Block>>32))
	}
	return node
}

// ExtentRoot packs an extent node into an inode's 60-byte block area.
// Root nodes hold at most four records.
func ExtentRoot(node []byte) [60]byte {
	var block [60]byte
	if len(node) > len(block) {
		panic("ext4test: extent root exceeds 60 bytes")
	}
	copy(block[:], node)
	return block
}

// Dirent describes one directory record. A zero RecLen means "computed":
// the header plus name, rounded up to 4 bytes; the final record is padded
// to the end of the block.
type Dirent struct {
	Inode  uint32
	Name   string
	Type   uint8
	RecLen uint16
}

func direntLen(name string) int {
	return (8 + len(name) + 3) &^ 3
}

func dirBlock(size int, v2 bool, entries []Dirent) []byte {
	block := make([]byte, size)
	off := 0
	for i, e := range entries {
		recLen := int(e.RecLen)
		if recLen == 0 {
			recLen = direntLen(e.Name)
			if i == len(entries)-1 {
				recLen = size - off
			}
		}
		binary.LittleEndian.PutUint32(block[off:], e.Inode)
		binary.LittleEndian.PutUint16(block[off+4:], uint16(recLen))
		if v2 {
			block[off+6] = uint8(len(e.Name))
			block[off+7] = e.Type
		} else {
			binary.LittleEndian.PutUint16(block[off+6:], uint16(len(e.Name)))
		}
		copy(block[off+8:], e.Name)
		off += recLen
	}
	return block
}

// DirBlockV2 encodes a directory block of type-tagged (v2) records.
func DirBlockV2(size int, entries ...Dirent) []byte {
	return dirBlock(size, true, entries)
}

// DirBlockV1 encodes a directory block of legacy (v1) records, which
// carry a 16-bit name length and no type tag.
func DirBlockV1(size int, entries ...Dirent) []byte {
	return dirBlock(size, false, entries)
}

// Xattr describes one extended attribute. A nil Value encodes a
// zero-size value.
type Xattr struct {
	NameIndex uint8
	Name      string
	Value     []byte
}

// XattrBlock encodes an attribute block of the given size: a 32-byte
// header, entries growing from the top, values packed at the bottom with
// offsets relative to the byte following the header.
func XattrBlock(size int, attrs ...Xattr) []byte {
	block := make([]byte, size)
	binary.LittleEndian.PutUint32(block[0:], 0xEA020000)
	binary.LittleEndian.PutUint32(block[4:], 1) // h_refcount
	binary.LittleEndian.PutUint32(block[8:], 1) // h_blocks

	entryOff := 32
	valueEnd := size // physical end of block
	for _, a := range attrs {
		valueOffs := 0
		if len(a.Value) > 0 {
			valueEnd -= (len(a.Value) + 3) &^ 3
			copy(block[valueEnd:], a.Value)
			valueOffs = valueEnd - 32 // relative to the post-header region
		}
		block[entryOff] = uint8(len(a.Name))
		block[entryOff+1] = a.NameIndex
		binary.LittleEndian.PutUint16(block[entryOff+2:], uint16(valueOffs))
		binary.LittleEndian.PutUint32(block[entryOff+8:], uint32(len(a.Value)))
		copy(block[entryOff+16:], a.Name)
		entryOff += 16 + ((len(a.Name) + 3) &^ 3)
	}
	return block
}
