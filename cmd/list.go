package cmd

import (
	"fmt"
	"io"
	"io/fs"

	"github.com/pr0f35510n4l/ext4extract/ext4"
)

// List walks the volume and prints one long-format line per entry:
// inode, mode, size, modification time, and path.
func List(v *ext4.Volume, out io.Writer) error {
	return fs.WalkDir(v.FileSystem(), ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		var inode uint64
		if fi, ok := info.(interface{ Inode() uint64 }); ok {
			inode = fi.Inode()
		}
		_, err = fmt.Fprintf(out, "%8d %s %12d %s %s\n",
			inode, info.Mode(), info.Size(), info.ModTime().Format("Jan _2 15:04"), p)
		return err
	})
}
