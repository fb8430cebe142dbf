// Package cmd implements the ext4extract commands: recursive extraction,
// the symlink and metadata table dumps, and image listing.
package cmd

import (
	"fmt"
	"io"
	"sort"

	"github.com/pr0f35510n4l/ext4extract/ext4"
)

// WriteSymlinkRow appends one row to the symlink table.
func WriteSymlinkRow(w io.Writer, path, target string) error {
	_, err := fmt.Fprintf(w, "path=%q target=%q\n", path, target)
	return err
}

// WriteMetaHeader writes the volume identity comment that leads a
// metadata table.
func WriteMetaHeader(w io.Writer, v *ext4.Volume) error {
	_, err := fmt.Fprintf(w, "# volume uuid=%s label=%q\n", v.UUID(), v.Label())
	return err
}

// WriteMetaRow appends one row to the metadata table: the fixed inode
// fields followed by the extended attributes in sorted key order. The
// type column carries the i_mode file-type nibble (regular=8, dir=4,
// symlink=10, ...), not the directory entry tag. An attribute with no
// value is written as its bare key.
func WriteMetaRow(w io.Writer, path string, m *ext4.Metadata) error {
	_, err := fmt.Fprintf(w, "inode=%q path=%q type=%q size=%q ctime=%q mtime=%q uid=%q gid=%q mode=%q",
		fmt.Sprint(m.Inode), path,
		fmt.Sprint(m.Type.TypeBits()>>12), fmt.Sprint(m.Size),
		fmt.Sprint(m.Ctime.Unix()), fmt.Sprint(m.Mtime.Unix()),
		fmt.Sprint(m.UID), fmt.Sprint(m.GID),
		fmt.Sprintf("%o", m.Mode))
	if err != nil {
		return err
	}

	keys := make([]string, 0, len(m.Xattrs))
	for k := range m.Xattrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if v := m.Xattrs[k]; v == nil {
			_, err = fmt.Fprintf(w, " %s", k)
		} else {
			_, err = fmt.Fprintf(w, " %s=%q", k, v)
		}
		if err != nil {
			return err
		}
	}

	_, err = fmt.Fprintln(w)
	return err
}
