package squashfs_test

import (
	"bytes"
	"io/fs"
	"testing"
	"testing/fstest"

	"github.com/KarpelesLab/squashfs"
)

// TestFragmentTailBlock covers spec scenario 3: one file of 200,000 bytes
// with the default 128KiB block size should produce one full data block
// plus one fragment holding the 68,928-byte tail.
func TestFragmentTailBlock(t *testing.T) {
	content := bytes.Repeat([]byte{0x5a}, 200000)
	testFS := fstest.MapFS{
		"big.bin": {Data: content},
	}

	var buf bytes.Buffer
	w, err := squashfs.NewWriter(&buf)
	if err != nil {
		t.Fatalf("NewWriter failed: %s", err)
	}
	w.SetSourceFS(testFS)
	if err := fs.WalkDir(testFS, ".", w.Add); err != nil {
		t.Fatalf("WalkDir failed: %s", err)
	}
	if err := w.Finalize(); err != nil {
		t.Fatalf("Finalize failed: %s", err)
	}

	sqfs, err := squashfs.New(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("read back failed: %s", err)
	}

	if sqfs.FragCount != 1 {
		t.Fatalf("expected frag_count=1, got %d", sqfs.FragCount)
	}

	got, err := fs.ReadFile(sqfs, "big.bin")
	if err != nil {
		t.Fatalf("ReadFile big.bin failed: %s", err)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("round-tripped content mismatch: got %d bytes, want %d", len(got), len(content))
	}
}

// TestFragmentSharedBlock covers spec scenario 4: five files of 10,000
// bytes each should all share a single fragment block (50,000 <
// block_size), and each should read back correctly.
func TestFragmentSharedBlock(t *testing.T) {
	testFS := make(fstest.MapFS)
	want := make(map[string][]byte)
	for i := 0; i < 5; i++ {
		name := []byte{byte('a' + i)}
		data := bytes.Repeat(name, 10000)
		path := string(name) + ".bin"
		testFS[path] = &fstest.MapFile{Data: data}
		want[path] = data
	}

	var buf bytes.Buffer
	w, err := squashfs.NewWriter(&buf)
	if err != nil {
		t.Fatalf("NewWriter failed: %s", err)
	}
	w.SetSourceFS(testFS)
	if err := fs.WalkDir(testFS, ".", w.Add); err != nil {
		t.Fatalf("WalkDir failed: %s", err)
	}
	if err := w.Finalize(); err != nil {
		t.Fatalf("Finalize failed: %s", err)
	}

	sqfs, err := squashfs.New(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("read back failed: %s", err)
	}

	if sqfs.FragCount != 1 {
		t.Fatalf("expected frag_count=1, got %d", sqfs.FragCount)
	}

	for path, data := range want {
		got, err := fs.ReadFile(sqfs, path)
		if err != nil {
			t.Fatalf("ReadFile %s failed: %s", path, err)
		}
		if !bytes.Equal(got, data) {
			t.Errorf("%s: content mismatch", path)
		}
	}
}

// TestNoFragmentOnExactMultiple covers the edge case in spec §4.4: a file
// whose size is an exact multiple of block_size has no fragment.
func TestNoFragmentOnExactMultiple(t *testing.T) {
	const blockSize = 4096
	content := bytes.Repeat([]byte{0x11}, blockSize*2)
	testFS := fstest.MapFS{
		"exact.bin": {Data: content},
	}

	var buf bytes.Buffer
	w, err := squashfs.NewWriter(&buf, squashfs.WithBlockSize(blockSize))
	if err != nil {
		t.Fatalf("NewWriter failed: %s", err)
	}
	w.SetSourceFS(testFS)
	if err := fs.WalkDir(testFS, ".", w.Add); err != nil {
		t.Fatalf("WalkDir failed: %s", err)
	}
	if err := w.Finalize(); err != nil {
		t.Fatalf("Finalize failed: %s", err)
	}

	sqfs, err := squashfs.New(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("read back failed: %s", err)
	}
	if sqfs.FragCount != 0 {
		t.Errorf("expected frag_count=0 for exact-multiple file, got %d", sqfs.FragCount)
	}

	got, err := fs.ReadFile(sqfs, "exact.bin")
	if err != nil {
		t.Fatalf("ReadFile failed: %s", err)
	}
	if !bytes.Equal(got, content) {
		t.Error("content mismatch")
	}
}
