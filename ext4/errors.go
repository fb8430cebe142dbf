package ext4

import (
	"errors"
	"fmt"
)

var (
	// ErrBadSuperblockMagic is returned by Open when the superblock does
	// not carry the ext magic value.
	ErrBadSuperblockMagic = errors.New("bad superblock magic")

	// ErrBadExtentMagic is returned when an extent tree node fails its
	// magic check. The file it belongs to cannot be recovered.
	ErrBadExtentMagic = errors.New("bad extent magic")

	// ErrBadXattrMagic is returned when an extended attribute block fails
	// its magic check.
	ErrBadXattrMagic = errors.New("bad xattr magic")

	// ErrUnsupportedLayout is returned for inodes that use the legacy
	// indirect block-pointer layout instead of an extent tree.
	ErrUnsupportedLayout = errors.New("mapped inodes are not supported")

	// ErrNoExtents is returned by Extents and FileReader when the inode's
	// data is inline or empty and therefore has no extent mapping.
	ErrNoExtents = errors.New("inode data is not extent-mapped")

	// ErrCorrupt indicates an on-disk structure whose counters or offsets
	// do not fit the enclosing buffer: a directory record length of zero,
	// an extent node whose entry count overruns its block, an xattr value
	// past the end of its block, and the like.
	ErrCorrupt = errors.New("corrupt structure")

	// ErrNotDirectory is returned by ReadDir for non-directory inodes.
	ErrNotDirectory = errors.New("not a directory")
)

// UnsupportedFeatureError is returned by Open when the superblock has an
// incompatible feature bit set that this decoder does not implement.
type UnsupportedFeatureError struct {
	Bit uint32 // the offending s_feature_incompat bit
}

func (e *UnsupportedFeatureError) Error() string {
	return fmt.Sprintf("unsupported feature (%#x)", e.Bit)
}
