package ext4

import (
	"bytes"
	"errors"
	"io"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"
)

// FS is an io/fs view of a volume, rooted at inode 2. It implements
// fs.FS, fs.ReadDirFS, and fs.StatFS.
type FS struct {
	v *Volume
}

// FileSystem returns an io/fs view of the volume.
func (v *Volume) FileSystem() *FS { return &FS{v: v} }

func (fsys *FS) lookup(name string) (uint32, inode, error) {
	current := uint32(RootInode)
	if name != "." {
		for _, part := range strings.Split(name, "/") {
			entries, err := fsys.v.ReadDir(current)
			if err != nil {
				if errors.Is(err, ErrNotDirectory) {
					err = fs.ErrNotExist
				}
				return 0, inode{}, err
			}
			found := false
			for _, e := range entries {
				if e.Name == part {
					current = e.Inode
					found = true
					break
				}
			}
			if !found {
				return 0, inode{}, fs.ErrNotExist
			}
		}
	}

	in, err := fsys.v.readInode(current)
	if err != nil {
		return 0, inode{}, err
	}
	return current, in, nil
}

// Open opens the named file or directory.
func (fsys *FS) Open(name string) (fs.File, error) {
	if !fs.ValidPath(name) {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrInvalid}
	}

	inodeNum, in, err := fsys.lookup(name)
	if err != nil {
		return nil, &fs.PathError{Op: "open", Path: name, Err: err}
	}

	base := path.Base(name)
	if typeFromMode(in.mode) == TypeDirectory {
		return &dirHandle{fsys: fsys, in: in, inodeNum: inodeNum, name: base}, nil
	}
	return &fileHandle{v: fsys.v, in: in, inodeNum: inodeNum, name: base}, nil
}

// ReadDir lists the named directory sorted by filename, excluding the
// "." and ".." entries.
func (fsys *FS) ReadDir(name string) ([]fs.DirEntry, error) {
	f, err := fsys.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dir, ok := f.(fs.ReadDirFile)
	if !ok {
		return nil, &fs.PathError{Op: "readdir", Path: name, Err: fs.ErrInvalid}
	}
	entries, err := dir.ReadDir(-1)
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	return entries, nil
}

// Stat returns file information for the named path.
func (fsys *FS) Stat(name string) (fs.FileInfo, error) {
	f, err := fsys.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return f.Stat()
}

// fileHandle implements fs.File. Extent-mapped files are streamed from
// the image through an ExtentReader; inline data is materialized once.
type fileHandle struct {
	v        *Volume
	in       inode
	inodeNum uint32
	name     string
	r        io.ReaderAt
	offset   int64
}

func (f *fileHandle) Stat() (fs.FileInfo, error) {
	return &fileInfo{in: f.in, inodeNum: f.inodeNum, name: f.name}, nil
}

func (f *fileHandle) Read(b []byte) (int, error) {
	if f.r == nil {
		extents, err := f.v.inodeExtents(f.in)
		switch {
		case err == nil:
			f.r = NewExtentReader(f.v.r, extents, int64(f.in.sizeLo))
		case errors.Is(err, ErrNoExtents):
			data, err := f.v.readData(f.in)
			if err != nil {
				return 0, err
			}
			f.r = bytes.NewReader(data)
		default:
			return 0, err
		}
	}

	if f.offset >= int64(f.in.sizeLo) {
		return 0, io.EOF
	}
	n, err := f.r.ReadAt(b, f.offset)
	f.offset += int64(n)
	if err == io.EOF && n > 0 {
		err = nil
	}
	return n, err
}

func (f *fileHandle) Close() error {
	f.r = nil
	return nil
}

// dirHandle implements fs.File and fs.ReadDirFile for directories.
type dirHandle struct {
	fsys     *FS
	in       inode
	inodeNum uint32
	name     string
	entries  []fs.DirEntry
	offset   int
}

func (d *dirHandle) Stat() (fs.FileInfo, error) {
	return &fileInfo{in: d.in, inodeNum: d.inodeNum, name: d.name}, nil
}

func (d *dirHandle) Read(b []byte) (int, error) {
	return 0, &fs.PathError{Op: "read", Path: d.name, Err: fs.ErrInvalid}
}

func (d *dirHandle) Close() error {
	d.entries = nil
	return nil
}

func (d *dirHandle) ReadDir(n int) ([]fs.DirEntry, error) {
	if d.entries == nil {
		raw, err := d.fsys.v.ReadDir(d.inodeNum)
		if err != nil {
			return nil, err
		}
		d.entries = make([]fs.DirEntry, 0, len(raw))
		for _, e := range raw {
			if e.Name == "." || e.Name == ".." {
				continue
			}
			d.entries = append(d.entries, &dirEntryInfo{v: d.fsys.v, entry: e})
		}
	}

	if n <= 0 {
		entries := d.entries[d.offset:]
		d.offset = len(d.entries)
		return entries, nil
	}
	if d.offset >= len(d.entries) {
		return nil, io.EOF
	}
	end := d.offset + n
	if end > len(d.entries) {
		end = len(d.entries)
	}
	entries := d.entries[d.offset:end]
	d.offset = end
	return entries, nil
}

// dirEntryInfo implements fs.DirEntry over a decoded directory record.
type dirEntryInfo struct {
	v     *Volume
	entry DirEntry
}

func (e *dirEntryInfo) Name() string      { return e.entry.Name }
func (e *dirEntryInfo) IsDir() bool       { return e.entry.Type == TypeDirectory }
func (e *dirEntryInfo) Type() fs.FileMode { return e.entry.Type.FileMode() }

func (e *dirEntryInfo) Info() (fs.FileInfo, error) {
	in, err := e.v.readInode(e.entry.Inode)
	if err != nil {
		return nil, err
	}
	return &fileInfo{in: in, inodeNum: e.entry.Inode, name: e.entry.Name}, nil
}

// fileInfo implements fs.FileInfo.
type fileInfo struct {
	in       inode
	inodeNum uint32
	name     string
}

func (i *fileInfo) Name() string       { return i.name }
func (i *fileInfo) Size() int64        { return int64(i.in.sizeLo) }
func (i *fileInfo) ModTime() time.Time { return time.Unix(int64(i.in.mtime), 0) }
func (i *fileInfo) IsDir() bool        { return typeFromMode(i.in.mode) == TypeDirectory }
func (i *fileInfo) Sys() any           { return nil }

// Inode returns the entry's inode number.
func (i *fileInfo) Inode() uint64 { return uint64(i.inodeNum) }

func (i *fileInfo) Mode() fs.FileMode {
	return fs.FileMode(i.in.mode&0o777) | typeFromMode(i.in.mode).FileMode()
}
