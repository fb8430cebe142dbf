package cmd

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/pr0f35510n4l/ext4extract/ext4"
)

// SymlinkMode selects how symbolic links are materialized on the host.
type SymlinkMode int

const (
	// SymlinkSave recreates the link with os.Symlink. The link is
	// created under a temporary name and renamed into place, so an
	// existing entry at the destination is replaced rather than
	// written through.
	SymlinkSave SymlinkMode = iota

	// SymlinkText writes a regular file holding the target path.
	SymlinkText

	// SymlinkEmpty writes an empty regular file.
	SymlinkEmpty

	// SymlinkSkip creates nothing. Combined with a symlink table this
	// still records every link.
	SymlinkSkip
)

// ExtractOptions configures Extract.
type ExtractOptions struct {
	// Dir is the destination directory. It must exist.
	Dir string

	Symlinks SymlinkMode

	// SymlinkTable, when non-nil, receives one row per symbolic link.
	SymlinkTable io.Writer

	// MetaTable, when non-nil, receives one row per extracted entry.
	MetaTable io.Writer

	// Owners restores file ownership with lchown. Requires privileges.
	Owners bool

	// Devices recreates device nodes, fifos, and sockets with mknod.
	// Requires privileges. Without it special files are skipped.
	Devices bool

	Log *slog.Logger
}

// Files at or above this size are streamed from the image through their
// extent list instead of being materialized in memory first.
const streamThreshold = 4 << 20

// Extract walks the volume from the root directory and recreates its tree
// under opts.Dir. Failures on individual entries are logged and counted
// rather than aborting the walk; a non-zero count is reported as the
// final error.
func Extract(v *ext4.Volume, opts ExtractOptions) error {
	log := opts.Log
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.MetaTable != nil {
		if err := WriteMetaHeader(opts.MetaTable, v); err != nil {
			return err
		}
	}

	e := &extractor{v: v, opts: opts, log: log}
	if err := e.dir(ext4.RootInode, opts.Dir, "."); err != nil {
		return err
	}
	if e.failed > 0 {
		return fmt.Errorf("%d entries could not be extracted", e.failed)
	}
	return nil
}

type extractor struct {
	v      *ext4.Volume
	opts   ExtractOptions
	log    *slog.Logger
	failed int
}

func (e *extractor) dir(inodeNum uint32, dest, rel string) error {
	entries, err := e.v.ReadDir(inodeNum)
	if err != nil {
		return err
	}
	for _, ent := range entries {
		if ent.Name == "." || ent.Name == ".." {
			continue
		}
		if err := e.entry(ent, dest, rel); err != nil {
			e.failed++
			e.log.Error("extract failed", "path", path.Join(rel, ent.Name), "err", err)
		}
	}
	return nil
}

func (e *extractor) entry(ent ext4.DirEntry, dest, rel string) error {
	name := filepath.Join(dest, ent.Name)
	relName := path.Join(rel, ent.Name)

	meta, err := e.v.ReadMeta(ent.Inode)
	if err != nil {
		return err
	}
	if e.opts.MetaTable != nil {
		if err := WriteMetaRow(e.opts.MetaTable, relName, meta); err != nil {
			return err
		}
	}
	e.log.Debug("extracting", "path", relName, "inode", ent.Inode, "type", meta.Type.String())

	switch meta.Type {
	case ext4.TypeDirectory:
		if err := os.Mkdir(name, 0o755); err != nil && !errors.Is(err, fs.ErrExist) {
			return err
		}
		// Children first: restoring the directory's times afterwards
		// keeps them from being clobbered by the writes inside.
		if err := e.dir(ent.Inode, name, relName); err != nil {
			return err
		}
		return e.restore(name, meta, false)

	case ext4.TypeRegular:
		if err := e.file(ent.Inode, name, meta); err != nil {
			return err
		}
		return e.restore(name, meta, false)

	case ext4.TypeSymlink:
		return e.symlink(ent.Inode, name, relName, meta)

	case ext4.TypeFIFO, ext4.TypeCharDevice, ext4.TypeBlockDevice, ext4.TypeSocket:
		if !e.opts.Devices {
			e.log.Debug("skipping special file", "path", relName)
			return nil
		}
		if err := e.mknod(ent.Inode, name, meta); err != nil {
			return err
		}
		return e.restore(name, meta, false)

	default:
		return fmt.Errorf("inode %d has unknown type", ent.Inode)
	}
}

func (e *extractor) file(inodeNum uint32, name string, meta *ext4.Metadata) error {
	if meta.Size >= streamThreshold {
		r, err := e.v.FileReader(inodeNum)
		switch {
		case err == nil:
			f, err := os.Create(name)
			if err != nil {
				return err
			}
			_, err = io.Copy(f, io.NewSectionReader(r, 0, r.Size()))
			if cerr := f.Close(); err == nil {
				err = cerr
			}
			return err
		case !errors.Is(err, ext4.ErrNoExtents):
			return err
		}
	}

	data, _, _, err := e.v.ReadFile(inodeNum)
	if err != nil {
		return err
	}
	return os.WriteFile(name, data, 0o644)
}

func (e *extractor) symlink(inodeNum uint32, name, relName string, meta *ext4.Metadata) error {
	target, err := e.v.ReadLink(inodeNum)
	if err != nil {
		return err
	}
	if e.opts.SymlinkTable != nil {
		if err := WriteSymlinkRow(e.opts.SymlinkTable, relName, target); err != nil {
			return err
		}
	}

	switch e.opts.Symlinks {
	case SymlinkSave:
		tmp := name + ".tmp"
		if err := os.Symlink(target, tmp); err != nil {
			return err
		}
		if err := os.Rename(tmp, name); err != nil {
			os.Remove(tmp)
			return err
		}
		return e.restore(name, meta, true)
	case SymlinkText:
		if err := os.WriteFile(name, []byte(target), 0o644); err != nil {
			return err
		}
		return e.restore(name, meta, false)
	case SymlinkEmpty:
		if err := os.WriteFile(name, nil, 0o644); err != nil {
			return err
		}
		return e.restore(name, meta, false)
	case SymlinkSkip:
		return nil
	default:
		return fmt.Errorf("unknown symlink mode %d", e.opts.Symlinks)
	}
}

func (e *extractor) mknod(inodeNum uint32, name string, meta *ext4.Metadata) error {
	var typ uint32
	switch meta.Type {
	case ext4.TypeFIFO:
		typ = unix.S_IFIFO
	case ext4.TypeCharDevice:
		typ = unix.S_IFCHR
	case ext4.TypeBlockDevice:
		typ = unix.S_IFBLK
	case ext4.TypeSocket:
		typ = unix.S_IFSOCK
	}

	dev := 0
	if meta.Type == ext4.TypeCharDevice || meta.Type == ext4.TypeBlockDevice {
		major, minor, err := e.v.ReadDevice(inodeNum)
		if err != nil {
			return err
		}
		dev = int(unix.Mkdev(major, minor))
	}
	return unix.Mknod(name, typ|uint32(meta.Mode), dev)
}

// restore applies the extracted entry's mode, ownership, and timestamps.
// Symlinks get no chmod and use the no-follow time call.
func (e *extractor) restore(name string, meta *ext4.Metadata, symlink bool) error {
	if !symlink {
		if err := os.Chmod(name, fs.FileMode(meta.Mode&0o777)); err != nil {
			return err
		}
	}
	if e.opts.Owners {
		if err := os.Lchown(name, int(meta.UID), int(meta.GID)); err != nil {
			return err
		}
	}

	if symlink {
		ts := []unix.Timespec{
			unix.NsecToTimespec(meta.Atime.UnixNano()),
			unix.NsecToTimespec(meta.Mtime.UnixNano()),
		}
		return unix.UtimesNanoAt(unix.AT_FDCWD, name, ts, unix.AT_SYMLINK_NOFOLLOW)
	}
	return os.Chtimes(name, meta.Atime, meta.Mtime)
}
