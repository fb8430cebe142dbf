package ext4

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sort"
)

const (
	extentMagic      = 0xF30A
	extentHeaderSize = 12
	extentRecordSize = 12

	// maxExtentDepth bounds the recursive descent. The on-disk format
	// cannot legitimately exceed five levels; anything deeper is a
	// corrupted or adversarial image.
	maxExtentDepth = 5

	// Extent lengths above this value mark uninitialized extents; the
	// real length is the remainder.
	extentInitFlag = 0x8000
)

type extentHeader struct {
	magic   uint16
	entries uint16
	max     uint16
	depth   uint16
}

// extentLeaf maps a run of logical file blocks to physical blocks.
type extentLeaf struct {
	block   uint32 // first logical block covered
	len     uint16
	startHi uint16
	startLo uint32
}

// start combines the split physical block pointer into a full 64-bit
// block number.
func (e extentLeaf) start() uint64 {
	return uint64(e.startLo) | uint64(e.startHi)<<32
}

func (e extentLeaf) length() uint32 {
	if e.len > extentInitFlag {
		return uint32(e.len - extentInitFlag)
	}
	return uint32(e.len)
}

func parseExtentHeader(node []byte) (extentHeader, error) {
	if len(node) < extentHeaderSize {
		return extentHeader{}, fmt.Errorf("%w: extent node shorter than header", ErrCorrupt)
	}
	hdr := extentHeader{
		magic:   binary.LittleEndian.Uint16(node[0:]),
		entries: binary.LittleEndian.Uint16(node[2:]),
		max:     binary.LittleEndian.Uint16(node[4:]),
		depth:   binary.LittleEndian.Uint16(node[6:]),
	}
	if hdr.magic != extentMagic {
		return extentHeader{}, fmt.Errorf("%w: %#06x", ErrBadExtentMagic, hdr.magic)
	}
	return hdr, nil
}

// walkExtentTree descends the extent tree rooted at node, calling fn for
// every leaf extent in on-disk order. Interior records point at child
// node blocks, which are read and re-entered. Entry counts are validated
// against the enclosing buffer and the descent depth is capped, so a
// corrupted image yields ErrCorrupt instead of runaway recursion.
func (v *Volume) walkExtentTree(node []byte, level int, fn func(extentLeaf) error) error {
	if level > maxExtentDepth {
		return fmt.Errorf("%w: extent tree deeper than %d levels", ErrCorrupt, maxExtentDepth)
	}
	hdr, err := parseExtentHeader(node)
	if err != nil {
		return err
	}
	if extentHeaderSize+int(hdr.entries)*extentRecordSize > len(node) {
		return fmt.Errorf("%w: %d extent entries overrun %d-byte node", ErrCorrupt, hdr.entries, len(node))
	}

	for i := 0; i < int(hdr.entries); i++ {
		rec := node[extentHeaderSize+i*extentRecordSize:]
		if hdr.depth == 0 {
			leaf := extentLeaf{
				block:   binary.LittleEndian.Uint32(rec[0:]),
				len:     binary.LittleEndian.Uint16(rec[4:]),
				startHi: binary.LittleEndian.Uint16(rec[6:]),
				startLo: binary.LittleEndian.Uint32(rec[8:]),
			}
			if err := fn(leaf); err != nil {
				return err
			}
			continue
		}

		// Interior record: logical block at 0, child pointer split
		// across lo at 4 and hi at 8.
		child := uint64(binary.LittleEndian.Uint32(rec[4:])) |
			uint64(binary.LittleEndian.Uint16(rec[8:]))<<32
		childNode, err := v.readBlock(child)
		if err != nil {
			return err
		}
		if err := v.walkExtentTree(childNode, level+1, fn); err != nil {
			return err
		}
	}
	return nil
}

// readData reconstructs an inode's full byte content. Policy, in priority
// order: empty for zero size; the raw inline area for inline-data inodes
// and short symlinks; an extent tree walk for extent-mapped inodes; and
// ErrUnsupportedLayout for anything left (legacy indirect pointers).
func (v *Volume) readData(in inode) ([]byte, error) {
	size := int64(in.sizeLo)
	switch {
	case size == 0:
		return nil, nil

	case in.flags&inodeFlagInlineData != 0,
		in.isSymlink() && size <= inlineDataSize:
		if size > inlineDataSize {
			size = inlineDataSize
		}
		out := make([]byte, size)
		copy(out, in.block[:size])
		return out, nil

	case in.flags&inodeFlagExtents != 0:
		out := make([]byte, size)
		if err := v.fillFromExtents(in.block[:], out); err != nil {
			return nil, err
		}
		return out, nil

	default:
		return nil, ErrUnsupportedLayout
	}
}

// fillFromExtents walks the tree rooted in the inode's inline area and
// copies each extent's blocks into out at its logical byte offset. Runs
// are clamped to the output buffer, which both truncates the final
// partial block and discards extents past the declared size.
func (v *Volume) fillFromExtents(root []byte, out []byte) error {
	bs := int64(v.blockSize)
	return v.walkExtentTree(root, 0, func(e extentLeaf) error {
		dst := int64(e.block) * bs
		if dst >= int64(len(out)) {
			return nil
		}
		n := int64(e.length()) * bs
		if rem := int64(len(out)) - dst; n > rem {
			n = rem
		}
		if _, err := v.r.ReadAt(out[dst:dst+n], v.blockOffset(e.start())); err != nil {
			return fmt.Errorf("reading extent at block %d: %w", e.start(), err)
		}
		return nil
	})
}

// Extent maps a logical byte range of a file to a physical byte range of
// the image.
type Extent struct {
	Logical  int64
	Physical int64
	Length   int64
}

// Extents returns the physical layout of an extent-mapped inode's data,
// clamped to the declared file size, without reading any file content.
// Inline-data inodes, short symlinks, and empty files have no extents and
// yield ErrNoExtents; legacy indirect-mapped inodes yield
// ErrUnsupportedLayout.
func (v *Volume) Extents(inodeNum uint32) ([]Extent, error) {
	in, err := v.readInode(inodeNum)
	if err != nil {
		return nil, err
	}
	return v.inodeExtents(in)
}

func (v *Volume) inodeExtents(in inode) ([]Extent, error) {
	size := int64(in.sizeLo)
	switch {
	case size == 0,
		in.flags&inodeFlagInlineData != 0,
		in.isSymlink() && size <= inlineDataSize:
		return nil, ErrNoExtents
	case in.flags&inodeFlagExtents == 0:
		return nil, ErrUnsupportedLayout
	}

	bs := int64(v.blockSize)
	var extents []Extent
	err := v.walkExtentTree(in.block[:], 0, func(e extentLeaf) error {
		logical := int64(e.block) * bs
		if logical >= size {
			return nil
		}
		length := int64(e.length()) * bs
		if rem := size - logical; length > rem {
			length = rem
		}
		extents = append(extents, Extent{
			Logical:  logical,
			Physical: v.blockOffset(e.start()),
			Length:   length,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return extents, nil
}

// ExtentReader reads a file's logical content directly from the image
// through its extent list, without materializing the file. Logical gaps
// between extents (sparse regions) read as zeros.
type ExtentReader struct {
	r       io.ReaderAt
	extents []Extent
	size    int64
}

// NewExtentReader builds an ExtentReader over a base image reader. The
// extents are copied and sorted by logical offset.
func NewExtentReader(r io.ReaderAt, extents []Extent, size int64) *ExtentReader {
	sorted := make([]Extent, len(extents))
	copy(sorted, extents)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Logical < sorted[j].Logical
	})
	return &ExtentReader{r: r, extents: sorted, size: size}
}

// FileReader returns an ExtentReader over an extent-mapped inode's data.
// Callers fall back to ReadFile for inodes that report ErrNoExtents.
func (v *Volume) FileReader(inodeNum uint32) (*ExtentReader, error) {
	in, err := v.readInode(inodeNum)
	if err != nil {
		return nil, err
	}
	extents, err := v.inodeExtents(in)
	if err != nil {
		return nil, err
	}
	return NewExtentReader(v.r, extents, int64(in.sizeLo)), nil
}

// Size returns the logical size of the mapped file.
func (e *ExtentReader) Size() int64 { return e.size }

// ReadAt implements io.ReaderAt over the file's logical address space.
func (e *ExtentReader) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errors.New("negative offset")
	}
	if off >= e.size {
		return 0, io.EOF
	}
	short := false
	if off+int64(len(p)) > e.size {
		p = p[:e.size-off]
		short = true
	}

	total := 0
	for len(p[total:]) > 0 {
		ext, ok := e.findExtent(off)
		if !ok {
			// Sparse gap: zero-fill up to the next extent.
			gapEnd := e.nextExtentStart(off)
			n := int(gapEnd - off)
			if n > len(p)-total {
				n = len(p) - total
			}
			for i := 0; i < n; i++ {
				p[total+i] = 0
			}
			total += n
			off += int64(n)
			continue
		}

		within := off - ext.Logical
		n := int(ext.Length - within)
		if n > len(p)-total {
			n = len(p) - total
		}
		nr, err := e.r.ReadAt(p[total:total+n], ext.Physical+within)
		total += nr
		off += int64(nr)
		if err != nil && err != io.EOF {
			return total, err
		}
		if nr < n {
			return total, io.EOF
		}
	}
	// ReaderAt contract: a read shortened by the end of the file reports
	// EOF with the partial count.
	if short {
		return total, io.EOF
	}
	return total, nil
}

func (e *ExtentReader) findExtent(off int64) (Extent, bool) {
	for _, ext := range e.extents {
		if off >= ext.Logical && off < ext.Logical+ext.Length {
			return ext, true
		}
	}
	return Extent{}, false
}

func (e *ExtentReader) nextExtentStart(off int64) int64 {
	for _, ext := range e.extents {
		if ext.Logical > off {
			return ext.Logical
		}
	}
	return e.size
}
