package ext4

import (
	"encoding/binary"
	"fmt"
)

const (
	xattrMagic      = 0xEA020000
	xattrHeaderSize = 32
	xattrEntrySize  = 16

	// maxXattrBlocks bounds the h_blocks field before allocating.
	// Real volumes always store 1; anything large is corruption.
	maxXattrBlocks = 16
)

// xattrPrefixes is the fixed namespace table indexed by e_name_index.
var xattrPrefixes = [8]string{
	"",
	"user.",
	"system.posix_acl_access",
	"system.posix_acl_default",
	"trusted.",
	"security.",
	"system.",
	"system.richacl",
}

// Xattrs decodes the extended attributes of the given inode into a
// mapping from namespace-qualified name to value. A nil value means the
// attribute is present but empty (a flag-like attribute); an inode with
// no attribute block yields an empty, non-nil map.
func (v *Volume) Xattrs(inodeNum uint32) (map[string][]byte, error) {
	in, err := v.readInode(inodeNum)
	if err != nil {
		return nil, err
	}
	return v.readXattrs(in)
}

func (v *Volume) readXattrs(in inode) (map[string][]byte, error) {
	attrs := make(map[string][]byte)
	if in.fileACL == 0 {
		return attrs, nil
	}

	blockOff := v.blockOffset(uint64(in.fileACL))
	hdr := make([]byte, xattrHeaderSize)
	if _, err := v.r.ReadAt(hdr, blockOff); err != nil {
		return nil, fmt.Errorf("reading xattr header: %w", err)
	}
	if magic := binary.LittleEndian.Uint32(hdr[0:]); magic != xattrMagic {
		return nil, fmt.Errorf("%w: %#010x", ErrBadXattrMagic, magic)
	}
	blocks := binary.LittleEndian.Uint32(hdr[8:])
	if blocks == 0 || blocks > maxXattrBlocks {
		return nil, fmt.Errorf("%w: xattr block count %d", ErrCorrupt, blocks)
	}

	// Entries and values live in the remainder of the attribute block(s);
	// value offsets are relative to this buffer.
	data := make([]byte, int(blocks)*int(v.blockSize)-xattrHeaderSize)
	if _, err := v.r.ReadAt(data, blockOff+xattrHeaderSize); err != nil {
		return nil, fmt.Errorf("reading xattr block: %w", err)
	}

	offset := 0
	for offset+xattrEntrySize <= len(data) {
		nameLen := int(data[offset])
		nameIndex := data[offset+1]
		valueOffs := int(binary.LittleEndian.Uint16(data[offset+2:]))
		valueInum := binary.LittleEndian.Uint32(data[offset+4:])
		valueSize := int(binary.LittleEndian.Uint32(data[offset+8:]))

		// All-zero sentinel terminates the entry list.
		if nameLen == 0 && nameIndex == 0 && valueOffs == 0 && valueInum == 0 {
			break
		}
		offset += xattrEntrySize

		if offset+nameLen > len(data) {
			return nil, fmt.Errorf("%w: xattr name overruns block", ErrCorrupt)
		}
		name := string(data[offset : offset+nameLen])
		offset += nameLen

		if int(nameIndex) >= len(xattrPrefixes) {
			return nil, fmt.Errorf("%w: xattr name index %d", ErrCorrupt, nameIndex)
		}
		key := xattrPrefixes[nameIndex] + name

		if valueSize == 0 {
			attrs[key] = nil
			continue
		}
		if valueOffs+valueSize > len(data) {
			return nil, fmt.Errorf("%w: xattr value for %q overruns block", ErrCorrupt, key)
		}
		attrs[key] = append([]byte(nil), data[valueOffs:valueOffs+valueSize]...)
	}
	return attrs, nil
}
