package ext4

import (
	"encoding/binary"
	"fmt"
)

// direntHeaderSize is the fixed header of both directory record formats.
// v1 follows it with a 16-bit name length; v2 splits that field into an
// 8-bit name length and an 8-bit file type tag.
const direntHeaderSize = 8

// DirEntry is one decoded directory record.
type DirEntry struct {
	Inode uint32
	Name  string
	Type  EntryType
}

// Root lists the root directory (inode 2).
func (v *Volume) Root() ([]DirEntry, error) {
	return v.ReadDir(RootInode)
}

// ReadDir enumerates the directory at the given inode number in on-disk
// order. The "." and ".." entries are included; records with inode 0
// (deleted-entry padding) are skipped. On volumes without the filetype
// feature each entry's type is resolved by reading its target inode.
//
// A record whose declared length is shorter than its header or would run
// past the end of the directory data is reported as ErrCorrupt rather
// than looping or reading out of bounds.
func (v *Volume) ReadDir(inodeNum uint32) ([]DirEntry, error) {
	in, err := v.readInode(inodeNum)
	if err != nil {
		return nil, err
	}
	if typeFromMode(in.mode) != TypeDirectory {
		return nil, fmt.Errorf("inode %d: %w", inodeNum, ErrNotDirectory)
	}

	data, err := v.readData(in)
	if err != nil {
		return nil, fmt.Errorf("directory inode %d: %w", inodeNum, err)
	}

	var entries []DirEntry
	for offset := 0; offset < len(data); {
		if offset+direntHeaderSize > len(data) {
			return nil, fmt.Errorf("%w: truncated directory entry at offset %d", ErrCorrupt, offset)
		}

		entryInode := binary.LittleEndian.Uint32(data[offset:])
		recLen := int(binary.LittleEndian.Uint16(data[offset+4:]))

		var nameLen int
		entryType := TypeUnknown
		typed := false
		if v.direntV2 {
			nameLen = int(data[offset+6])
			if tag := EntryType(data[offset+7]); tag < typeCount {
				entryType = tag
			}
			typed = true
		} else {
			nameLen = int(binary.LittleEndian.Uint16(data[offset+6:]))
		}

		if recLen < direntHeaderSize || offset+recLen > len(data) {
			return nil, fmt.Errorf("%w: directory record length %d at offset %d", ErrCorrupt, recLen, offset)
		}
		if nameLen > recLen-direntHeaderSize {
			return nil, fmt.Errorf("%w: directory name length %d exceeds record", ErrCorrupt, nameLen)
		}

		if entryInode != 0 {
			if !typed {
				target, err := v.readInode(entryInode)
				if err != nil {
					return nil, fmt.Errorf("resolving type of entry at offset %d: %w", offset, err)
				}
				entryType = typeFromMode(target.mode)
			}
			entries = append(entries, DirEntry{
				Inode: entryInode,
				Name:  string(data[offset+direntHeaderSize : offset+direntHeaderSize+nameLen]),
				Type:  entryType,
			})
		}

		offset += recLen
	}
	return entries, nil
}
