package ext4_test

import (
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/pr0f35510n4l/ext4extract/ext4"
	"github.com/pr0f35510n4l/ext4extract/ext4/ext4test"
)

// countingReader counts ReadAt calls so tests can assert how much of the
// image Open touches.
type countingReader struct {
	r     io.ReaderAt
	reads int
}

func (c *countingReader) ReadAt(p []byte, off int64) (int, error) {
	c.reads++
	return c.r.ReadAt(p, off)
}

func TestOpenBadMagic(t *testing.T) {
	im := ext4test.New(8)
	im.SetMagic(0x1234)

	if _, err := ext4.Open(im.Reader()); !errors.Is(err, ext4.ErrBadSuperblockMagic) {
		t.Fatalf("Open = %v, want ErrBadSuperblockMagic", err)
	}
}

func TestOpenRejectsUnsupportedFeatures(t *testing.T) {
	bits := []struct {
		name string
		bit  uint32
	}{
		{"compression", ext4test.IncompatCompression},
		{"recover", ext4test.IncompatRecover},
		{"meta_bg", ext4test.IncompatMetaBG},
		{"64bit", ext4test.Incompat64Bit},
		{"dirdata", ext4test.IncompatDirData},
		{"largedir", ext4test.IncompatLargeDir},
		{"encrypt", ext4test.IncompatEncrypt},
	}
	for _, tc := range bits {
		t.Run(tc.name, func(t *testing.T) {
			im := ext4test.New(8)
			im.SetIncompat(ext4test.IncompatFiletype | tc.bit)

			cr := &countingReader{r: im.Reader()}
			_, err := ext4.Open(cr)

			var ufe *ext4.UnsupportedFeatureError
			if !errors.As(err, &ufe) {
				t.Fatalf("Open = %v, want UnsupportedFeatureError", err)
			}
			if ufe.Bit != tc.bit {
				t.Errorf("Bit = %#x, want %#x", ufe.Bit, tc.bit)
			}
			// Only the superblock may have been read before rejecting.
			if cr.reads != 1 {
				t.Errorf("reads = %d, want 1", cr.reads)
			}
		})
	}
}

func TestOpenRejectsBadGeometry(t *testing.T) {
	t.Run("zero inodes per group", func(t *testing.T) {
		im := ext4test.New(16)
		im.SetInodeCounts(0, 16)
		if _, err := ext4.Open(im.Reader()); !errors.Is(err, ext4.ErrCorrupt) {
			t.Fatalf("Open = %v, want ErrCorrupt", err)
		}
	})

	t.Run("oversized log block size", func(t *testing.T) {
		im := ext4test.New(16)
		im.SetLogBlockSize(22) // would overflow the block size to zero
		if _, err := ext4.Open(im.Reader()); !errors.Is(err, ext4.ErrCorrupt) {
			t.Fatalf("Open = %v, want ErrCorrupt", err)
		}
	})
}

func TestBlockSize(t *testing.T) {
	for _, tc := range []struct {
		logSize uint32
		want    uint32
	}{
		{0, 1024},
		{1, 2048},
		{2, 4096},
	} {
		im := ext4test.New(8)
		im.SetLogBlockSize(tc.logSize)
		v, err := ext4.Open(im.Reader())
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		if got := v.BlockSize(); got != tc.want {
			t.Errorf("BlockSize with log %d = %d, want %d", tc.logSize, got, tc.want)
		}
	}
}

func TestVolumeIdentity(t *testing.T) {
	im := ext4test.New(8)
	im.SetUUID([16]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16})
	im.SetLabel("rootfs")
	im.SetLastMounted("/mnt/root")

	v, err := ext4.Open(im.Reader())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got := v.UUID().String(); got != "01020304-0506-0708-090a-0b0c0d0e0f10" {
		t.Errorf("UUID = %s", got)
	}
	if got := v.Label(); got != "rootfs" {
		t.Errorf("Label = %q", got)
	}
	if got := v.LastMounted(); got != "/mnt/root" {
		t.Errorf("LastMounted = %q", got)
	}
}

func TestInodeAcrossGroups(t *testing.T) {
	im := ext4test.New(16)
	im.SetInodeCounts(8, 16)
	im.SetGroupDesc(0, 5)
	im.SetGroupDesc(1, 7)
	im.WriteInode(9, ext4test.Inode{
		Mode:  ext4test.ModeRegular | 0o644,
		Size:  5,
		Links: 1,
		Flags: ext4test.FlagInlineData,
		Block: ext4test.InlineData([]byte("hello")),
	})

	v, err := ext4.Open(im.Reader())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	data, _, _, err := v.ReadFile(9)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "hello" {
		t.Errorf("ReadFile = %q, want %q", data, "hello")
	}
}

func TestZeroDescSizeDefaults(t *testing.T) {
	im := ext4test.New(16)
	im.SetDescSize(0)
	im.WriteInode(11, ext4test.Inode{
		Mode:  ext4test.ModeRegular | 0o644,
		Size:  2,
		Links: 1,
		Flags: ext4test.FlagInlineData,
		Block: ext4test.InlineData([]byte("ok")),
	})

	v, err := ext4.Open(im.Reader())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	data, _, _, err := v.ReadFile(11)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "ok" {
		t.Errorf("ReadFile = %q, want %q", data, "ok")
	}
}

func TestRevZeroInodeSize(t *testing.T) {
	im := ext4test.New(16)
	im.SetRevLevel(0)
	// Rev 0 superblocks have no inode size field; the stride falls back
	// to the 128-byte base record.
	binary.LittleEndian.PutUint16(im.Bytes()[1024+0x58:], 0)
	im.WriteInode(11, ext4test.Inode{
		Mode:  ext4test.ModeRegular | 0o644,
		Size:  2,
		Links: 1,
		Flags: ext4test.FlagInlineData,
		Block: ext4test.InlineData([]byte("ok")),
	})

	v, err := ext4.Open(im.Reader())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	data, _, _, err := v.ReadFile(11)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "ok" {
		t.Errorf("ReadFile = %q, want %q", data, "ok")
	}
}

func TestLargeInodeStride(t *testing.T) {
	im := ext4test.New(20)
	im.SetInodeSize(256)
	im.WriteInode(11, ext4test.Inode{
		Mode:  ext4test.ModeRegular | 0o644,
		Size:  6,
		Links: 1,
		Flags: ext4test.FlagInlineData,
		Block: ext4test.InlineData([]byte("stride")),
	})

	v, err := ext4.Open(im.Reader())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	data, _, _, err := v.ReadFile(11)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "stride" {
		t.Errorf("ReadFile = %q, want %q", data, "stride")
	}
}

func TestInvalidInodeNumber(t *testing.T) {
	im := ext4test.New(8)
	v, err := ext4.Open(im.Reader())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := v.ReadMeta(0); err == nil {
		t.Error("ReadMeta(0) succeeded, want error")
	}
	if _, err := v.ReadMeta(9999); err == nil {
		t.Error("ReadMeta(9999) succeeded, want error")
	}
}
