package ext4_test

import (
	"errors"
	"io/fs"
	"testing"

	"github.com/pr0f35510n4l/ext4extract/ext4"
)

func TestFSReadFile(t *testing.T) {
	v, err := ext4.Open(dirImage().Reader())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	fsys := v.FileSystem()

	data, err := fs.ReadFile(fsys, "hello.txt")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "hello, world\n" {
		t.Errorf("ReadFile = %q", data)
	}

	data, err = fs.ReadFile(fsys, "sub/nested.txt")
	if err != nil {
		t.Fatalf("ReadFile nested: %v", err)
	}
	if string(data) != "nested\n" {
		t.Errorf("ReadFile nested = %q", data)
	}
}

func TestFSReadDirSkipsDotEntries(t *testing.T) {
	v, err := ext4.Open(dirImage().Reader())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	entries, err := v.FileSystem().ReadDir(".")
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}

	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name()
	}
	want := []string{"hello.txt", "link", "sub"}
	if len(names) != len(want) {
		t.Fatalf("ReadDir = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("entry %d = %q, want %q", i, names[i], want[i])
		}
	}
	if !entries[2].IsDir() || entries[0].IsDir() {
		t.Error("IsDir flags wrong")
	}
}

func TestFSStat(t *testing.T) {
	v, err := ext4.Open(dirImage().Reader())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	fsys := v.FileSystem()

	info, err := fsys.Stat("hello.txt")
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Size() != 13 {
		t.Errorf("Size = %d", info.Size())
	}
	if info.Mode() != 0o644 {
		t.Errorf("Mode = %v", info.Mode())
	}
	if info.IsDir() {
		t.Error("IsDir = true for a file")
	}

	type inoder interface{ Inode() uint64 }
	fi, ok := info.(inoder)
	if !ok {
		t.Fatal("FileInfo does not expose the inode number")
	}
	if fi.Inode() != 11 {
		t.Errorf("Inode = %d, want 11", fi.Inode())
	}

	dirInfo, err := fsys.Stat("sub")
	if err != nil {
		t.Fatalf("Stat dir: %v", err)
	}
	if !dirInfo.IsDir() || dirInfo.Mode()&fs.ModeDir == 0 {
		t.Error("directory mode bits missing")
	}
}

func TestFSNotExist(t *testing.T) {
	v, err := ext4.Open(dirImage().Reader())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	fsys := v.FileSystem()

	if _, err := fsys.Open("no/such/file"); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("Open missing = %v, want fs.ErrNotExist", err)
	}
	// Path components through a regular file do not resolve.
	if _, err := fsys.Open("hello.txt/x"); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("Open through file = %v, want fs.ErrNotExist", err)
	}
	if _, err := fsys.Open("/abs"); !errors.Is(err, fs.ErrInvalid) {
		t.Errorf("Open invalid = %v, want fs.ErrInvalid", err)
	}
}

func TestFSWalk(t *testing.T) {
	v, err := ext4.Open(dirImage().Reader())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	var paths []string
	err = fs.WalkDir(v.FileSystem(), ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		paths = append(paths, p)
		return nil
	})
	if err != nil {
		t.Fatalf("WalkDir: %v", err)
	}

	want := []string{".", "hello.txt", "link", "sub", "sub/nested.txt"}
	if len(paths) != len(want) {
		t.Fatalf("WalkDir visited %v, want %v", paths, want)
	}
	for i := range want {
		if paths[i] != want[i] {
			t.Errorf("visit %d = %q, want %q", i, paths[i], want[i])
		}
	}
}
