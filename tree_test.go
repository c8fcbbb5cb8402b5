package squashfs_test

import (
	"bytes"
	"io"
	"io/fs"
	"strings"
	"testing"

	"github.com/KarpelesLab/squashfs"
)

func header(perm uint16) squashfs.NodeHeader {
	return squashfs.NodeHeader{Permissions: perm, Uid: 0, Gid: 0, ModTime: 0}
}

func stringSource(s string) squashfs.FileSource {
	return squashfs.ReaderSourceWithSize(func() (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader(s)), nil
	}, int64(len(s)))
}

func TestPushFileSynthesizesParents(t *testing.T) {
	var buf bytes.Buffer
	w, err := squashfs.NewWriter(&buf)
	if err != nil {
		t.Fatalf("NewWriter failed: %s", err)
	}

	h := header(0o644)
	if err := w.PushFile("a/b/c/d/f", stringSource("deep file"), h); err != nil {
		t.Fatalf("PushFile failed: %s", err)
	}

	if err := w.Finalize(); err != nil {
		t.Fatalf("Finalize failed: %s", err)
	}

	sqfs, err := squashfs.New(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("read back failed: %s", err)
	}

	data, err := fs.ReadFile(sqfs, "a/b/c/d/f")
	if err != nil {
		t.Fatalf("ReadFile a/b/c/d/f failed: %s", err)
	}
	if string(data) != "deep file" {
		t.Errorf("expected %q, got %q", "deep file", string(data))
	}

	for _, dir := range []string{"a", "a/b", "a/b/c", "a/b/c/d"} {
		info, err := fs.Stat(sqfs, dir)
		if err != nil {
			t.Fatalf("stat %s failed: %s", dir, err)
		}
		if !info.IsDir() {
			t.Errorf("%s: expected directory", dir)
		}
	}
}

func TestPushDirOverridesSynthesizedHeader(t *testing.T) {
	var buf bytes.Buffer
	w, err := squashfs.NewWriter(&buf)
	if err != nil {
		t.Fatalf("NewWriter failed: %s", err)
	}

	if err := w.PushFile("x/y/f", stringSource("body"), header(0o644)); err != nil {
		t.Fatalf("PushFile failed: %s", err)
	}
	// x/y was synthesized with mode 0644; an explicit PushDir for x
	// should override the synthesized header.
	if err := w.PushDir("x", header(0o750)); err != nil {
		t.Fatalf("PushDir failed: %s", err)
	}

	if err := w.Finalize(); err != nil {
		t.Fatalf("Finalize failed: %s", err)
	}

	sqfs, err := squashfs.New(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("read back failed: %s", err)
	}
	info, err := fs.Stat(sqfs, "x")
	if err != nil {
		t.Fatalf("stat x failed: %s", err)
	}
	if info.Mode().Perm() != 0o750 {
		t.Errorf("expected perm 0750, got %o", info.Mode().Perm())
	}
}

func TestPushSymlinkAndDevices(t *testing.T) {
	var buf bytes.Buffer
	w, err := squashfs.NewWriter(&buf)
	if err != nil {
		t.Fatalf("NewWriter failed: %s", err)
	}

	if err := w.PushFile("real", stringSource("target contents"), header(0o644)); err != nil {
		t.Fatalf("PushFile failed: %s", err)
	}
	if err := w.PushSymlink("link", "real", header(0o777)); err != nil {
		t.Fatalf("PushSymlink failed: %s", err)
	}
	if err := w.PushCharDevice("dev/null", 0x0103, header(0o666)); err != nil {
		t.Fatalf("PushCharDevice failed: %s", err)
	}
	if err := w.PushBlockDevice("dev/sda", 0x0800, header(0o660)); err != nil {
		t.Fatalf("PushBlockDevice failed: %s", err)
	}

	if err := w.Finalize(); err != nil {
		t.Fatalf("Finalize failed: %s", err)
	}

	sqfs, err := squashfs.New(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("read back failed: %s", err)
	}

	target, err := sqfs.Lstat("link")
	if err != nil {
		t.Fatalf("lstat link failed: %s", err)
	}
	if target.Mode()&fs.ModeSymlink == 0 {
		t.Errorf("expected link to be a symlink, mode=%s", target.Mode())
	}

	devInfo, err := sqfs.Lstat("dev/null")
	if err != nil {
		t.Fatalf("lstat dev/null failed: %s", err)
	}
	if devInfo.Mode()&fs.ModeCharDevice == 0 {
		t.Errorf("expected dev/null to be a char device, mode=%s", devInfo.Mode())
	}
}

func TestPushSymlinkTooLong(t *testing.T) {
	var buf bytes.Buffer
	w, err := squashfs.NewWriter(&buf)
	if err != nil {
		t.Fatalf("NewWriter failed: %s", err)
	}

	target := strings.Repeat("a", 256)
	if err := w.PushSymlink("link", target, header(0o777)); err == nil {
		t.Fatal("expected error for oversized symlink target")
	}
}

func TestReplaceFile(t *testing.T) {
	var buf bytes.Buffer
	w, err := squashfs.NewWriter(&buf)
	if err != nil {
		t.Fatalf("NewWriter failed: %s", err)
	}

	if err := w.PushFile("f", stringSource("original"), header(0o644)); err != nil {
		t.Fatalf("PushFile failed: %s", err)
	}
	if err := w.ReplaceFile("f", stringSource("replaced contents")); err != nil {
		t.Fatalf("ReplaceFile failed: %s", err)
	}

	if err := w.Finalize(); err != nil {
		t.Fatalf("Finalize failed: %s", err)
	}

	sqfs, err := squashfs.New(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("read back failed: %s", err)
	}
	data, err := fs.ReadFile(sqfs, "f")
	if err != nil {
		t.Fatalf("ReadFile failed: %s", err)
	}
	if string(data) != "replaced contents" {
		t.Errorf("expected replaced contents, got %q", string(data))
	}
}

func TestReplaceFileNotFound(t *testing.T) {
	var buf bytes.Buffer
	w, err := squashfs.NewWriter(&buf)
	if err != nil {
		t.Fatalf("NewWriter failed: %s", err)
	}
	err = w.ReplaceFile("nope", stringSource("x"))
	if err != squashfs.ErrFileNotFound {
		t.Errorf("expected ErrFileNotFound, got %v", err)
	}
}
