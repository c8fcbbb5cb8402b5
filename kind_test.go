package squashfs_test

import (
	"bytes"
	"io/fs"
	"os"
	"testing"

	"github.com/KarpelesLab/squashfs"
)

func TestWriterKindBigEndian(t *testing.T) {
	var buf bytes.Buffer

	w, err := squashfs.NewWriter(&buf, squashfs.WithKind(squashfs.BE_V4_0()))
	if err != nil {
		t.Fatalf("NewWriter failed: %s", err)
	}

	if err := fs.WalkDir(os.DirFS("testdata"), ".", w.Add); err != nil {
		t.Fatalf("WalkDir failed: %s", err)
	}

	if err := w.Finalize(); err != nil {
		t.Fatalf("Finalize failed: %s", err)
	}

	data := buf.Bytes()
	if len(data) < 4 || data[0] != 's' || data[1] != 'q' || data[2] != 's' || data[3] != 'h' {
		t.Fatalf("expected \"sqsh\" magic, got %x %x %x %x", data[0], data[1], data[2], data[3])
	}

	sqfs, err := squashfs.New(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("failed to read back big-endian image: %s", err)
	}

	if sqfs.VMajor != 4 || sqfs.VMinor != 0 {
		t.Errorf("expected v4.0, got v%d.%d", sqfs.VMajor, sqfs.VMinor)
	}

	root, err := sqfs.FindInode("/", false)
	if err != nil {
		t.Fatalf("failed to open root of big-endian image: %s", err)
	}
	if !root.IsDir() {
		t.Error("root should be a directory")
	}
}

func TestWriterKindAVM(t *testing.T) {
	var buf bytes.Buffer

	w, err := squashfs.NewWriter(&buf, squashfs.WithKind(squashfs.AVMBEV40()))
	if err != nil {
		t.Fatalf("NewWriter failed: %s", err)
	}

	if err := w.Finalize(); err != nil {
		t.Fatalf("Finalize failed: %s", err)
	}

	data := buf.Bytes()
	if data[0] != 's' || data[1] != 'q' || data[2] != 's' || data[3] != 'h' {
		t.Fatalf("expected \"sqsh\" magic (AVM uses big-endian types), got %x %x %x %x", data[0], data[1], data[2], data[3])
	}
}

func TestWriterKindDefaultIsLittleEndian(t *testing.T) {
	var buf bytes.Buffer

	w, err := squashfs.NewWriter(&buf)
	if err != nil {
		t.Fatalf("NewWriter failed: %s", err)
	}
	if err := w.Finalize(); err != nil {
		t.Fatalf("Finalize failed: %s", err)
	}

	data := buf.Bytes()
	if data[0] != 'h' || data[1] != 's' || data[2] != 'q' || data[3] != 's' {
		t.Fatalf("expected \"hsqs\" magic by default, got %x %x %x %x", data[0], data[1], data[2], data[3])
	}
}
