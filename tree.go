package squashfs

import (
	"fmt"
	"io"
	"io/fs"
	"strings"
)

// C5: tree builder additions for the explicit push_* entry points (spec
// §6), as distinct from the fs.WalkDir-driven Add() in writer.go. Add() relies on
// fs.WalkDir always visiting a directory before its children; push_file and
// friends may arrive in any order, so missing intermediate directories are
// synthesized here the way the original Rust push_file does, carrying the
// header of whichever pushed node first implied them.

// NodeHeader carries the permission/ownership/time metadata shared by every
// node variant (spec §3). Uid/Gid are plain numeric ids; the writer resolves
// them to the on-disk 8-bit id-table index itself during buildIDTable, the
// same way Add()-derived inodes already do.
type NodeHeader struct {
	Permissions uint16
	Uid         uint32
	Gid         uint32
	ModTime     int32
}

// FileSource is the data source for a pushed file. It replaces the
// original's RefCell-guarded "&mut dyn Read" with a plain interface: Open
// is called at most once per Finalize(), consumed exclusively by the data
// writer (C4).
type FileSource interface {
	// Open returns a fresh reader positioned at the start of the file's
	// contents. The caller closes it once fully consumed.
	Open() (io.ReadCloser, error)
	// Size reports the file's length in bytes, if known in advance.
	Size() (int64, bool)
}

// readerSource wraps a thunk that produces a fresh io.ReadCloser, so the
// underlying reader is never required to be rewound or shared.
type readerSource struct {
	open    func() (io.ReadCloser, error)
	size    int64
	hasSize bool
}

// ReaderSource builds a FileSource from a thunk invoked once at write time.
func ReaderSource(open func() (io.ReadCloser, error)) FileSource {
	return &readerSource{open: open}
}

// ReaderSourceWithSize is like ReaderSource but declares the size up front.
// The writer still reads the whole file into memory at Finalize time and
// records the number of bytes actually read as the file size.
func ReaderSourceWithSize(open func() (io.ReadCloser, error), size int64) FileSource {
	return &readerSource{open: open, size: size, hasSize: true}
}

func (r *readerSource) Open() (io.ReadCloser, error) { return r.open() }
func (r *readerSource) Size() (int64, bool)          { return r.size, r.hasSize }

// inImageSource streams a region of an already-open read-side image,
// letting NewWriterFromImage re-pack a file unmodified via a
// io.SectionReader over its original inode instead of re-reading it from a
// caller-supplied filesystem.
type inImageSource struct {
	ino *Inode
}

// InImageSource returns a FileSource reading ino's data directly from the
// image ino belongs to.
func InImageSource(ino *Inode) FileSource {
	return &inImageSource{ino: ino}
}

func (s *inImageSource) Open() (io.ReadCloser, error) {
	sr := io.NewSectionReader(s.ino, 0, int64(s.ino.Size))
	return io.NopCloser(sr), nil
}

func (s *inImageSource) Size() (int64, bool) {
	return int64(s.ino.Size), true
}

// splitPath returns the parent path and base name of path. Paths are
// slash-separated and otherwise taken as already normalized; leading and
// trailing slashes are trimmed, so "/a/b" and "a/b" name the same node.
func splitPath(p string) (parent, name string) {
	p = strings.Trim(p, "/")
	if i := strings.LastIndexByte(p, '/'); i >= 0 {
		return p[:i], p[i+1:]
	}
	return "", p
}

// ensureDir walks path component by component, returning the existing
// directory inode or synthesizing directories that are implied by path but
// were never pushed explicitly. Synthesized directories carry header
// (first-wins: once synthesized, a later push for the same path only
// happens via PushDir, which overwrites the synthesized metadata).
func (w *Writer) ensureDir(path string, header NodeHeader) (*writerInode, error) {
	path = strings.Trim(path, "/")
	if path == "" {
		return w.rootInode, nil
	}
	if existing, ok := w.inodeMap[path]; ok {
		if existing.fileType != DirType {
			return nil, fmt.Errorf("squashfs: %s: %w", path, ErrNotDirectory)
		}
		return existing, nil
	}

	parentPath, name := splitPath(path)
	parent, err := w.ensureDir(parentPath, header)
	if err != nil {
		return nil, err
	}

	w.inodeCount++
	dir := &writerInode{
		path:     path,
		name:     name,
		ino:      w.inodeCount,
		mode:     fs.ModeDir | fs.FileMode(header.Permissions&0o7777),
		modTime:  int64(header.ModTime),
		uid:      header.Uid,
		gid:      header.Gid,
		nlink:    2,
		fileType: DirType,
		entries:  make([]*writerInode, 0),
		parent:   parent,
	}
	w.inodes = append(w.inodes, dir)
	w.inodeMap[path] = dir
	parent.entries = append(parent.entries, dir)
	parent.nlink++
	return dir, nil
}

// pushNode registers a freshly built leaf/dir inode at path, synthesizing
// any missing parent directories with header first.
func (w *Writer) pushNode(path string, header NodeHeader, build func(ino uint32) *writerInode) (*writerInode, error) {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil, fmt.Errorf("squashfs: cannot push root path")
	}
	if _, ok := w.inodeMap[path]; ok {
		return nil, fmt.Errorf("squashfs: %s: already exists", path)
	}

	parentPath, name := splitPath(path)
	parent, err := w.ensureDir(parentPath, header)
	if err != nil {
		return nil, err
	}

	w.inodeCount++
	node := build(w.inodeCount)
	node.path = path
	node.name = name
	node.parent = parent

	w.inodes = append(w.inodes, node)
	w.inodeMap[path] = node
	parent.entries = append(parent.entries, node)
	return node, nil
}

// PushFile adds a regular file at path, reading its contents from src at
// Finalize() time.
func (w *Writer) PushFile(path string, src FileSource, header NodeHeader) error {
	size := uint64(0)
	if n, ok := src.Size(); ok {
		size = uint64(n)
	}
	_, err := w.pushNode(path, header, func(ino uint32) *writerInode {
		return &writerInode{
			ino:      ino,
			mode:     fs.FileMode(header.Permissions & 0o7777),
			size:     size,
			modTime:  int64(header.ModTime),
			uid:      header.Uid,
			gid:      header.Gid,
			nlink:    1,
			fileType: FileType,
			src:      src,
		}
	})
	return err
}

// PushDir adds an explicit, empty directory at path. Children are
// discovered later by path prefix (their own push_* calls), matching
// spec §3's "no payload beyond header" directory semantics.
func (w *Writer) PushDir(path string, header NodeHeader) error {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil // root always exists
	}
	if existing, ok := w.inodeMap[path]; ok {
		if existing.fileType != DirType {
			return fmt.Errorf("squashfs: %s: %w", path, ErrNotDirectory)
		}
		// Explicit push overrides a synthesized directory's header.
		existing.mode = fs.ModeDir | fs.FileMode(header.Permissions&0o7777)
		existing.modTime = int64(header.ModTime)
		existing.uid = header.Uid
		existing.gid = header.Gid
		return nil
	}
	_, err := w.ensureDir(path, header)
	return err
}

// PushSymlink adds a symlink at path pointing at target. target must be
// shorter than 256 bytes (spec §3 invariant).
func (w *Writer) PushSymlink(path, target string, header NodeHeader) error {
	if len(target) >= 256 {
		return fmt.Errorf("squashfs: %s: %w", path, ErrSymlinkTooLong)
	}
	_, err := w.pushNode(path, header, func(ino uint32) *writerInode {
		return &writerInode{
			ino:       ino,
			mode:      fs.ModeSymlink | fs.FileMode(header.Permissions&0o7777),
			size:      uint64(len(target)),
			modTime:   int64(header.ModTime),
			uid:       header.Uid,
			gid:       header.Gid,
			nlink:     1,
			fileType:  SymlinkType,
			symTarget: target,
		}
	})
	return err
}

// PushCharDevice adds a character device node at path with device number
// dev (packed into 16 bits on disk per spec §3).
func (w *Writer) PushCharDevice(path string, dev uint32, header NodeHeader) error {
	return w.pushDevice(path, dev, header, CharDevType, fs.ModeCharDevice|fs.ModeDevice)
}

// PushBlockDevice adds a block device node at path with device number dev.
func (w *Writer) PushBlockDevice(path string, dev uint32, header NodeHeader) error {
	return w.pushDevice(path, dev, header, BlockDevType, fs.ModeDevice)
}

func (w *Writer) pushDevice(path string, dev uint32, header NodeHeader, t Type, modeBits fs.FileMode) error {
	_, err := w.pushNode(path, header, func(ino uint32) *writerInode {
		return &writerInode{
			ino:      ino,
			mode:     modeBits | fs.FileMode(header.Permissions&0o7777),
			modTime:  int64(header.ModTime),
			uid:      header.Uid,
			gid:      header.Gid,
			nlink:    1,
			fileType: t,
			devNum:   dev,
		}
	})
	return err
}

// MutFile returns a handle to the file node at path so its source can be
// swapped with Replace. Leading and trailing slashes of path are trimmed,
// as in the push_* calls; no other normalization is done.
func (w *Writer) MutFile(path string) (*FileHandle, error) {
	path = strings.Trim(path, "/")
	ino, ok := w.inodeMap[path]
	if !ok || ino.fileType != FileType {
		return nil, ErrFileNotFound
	}
	return &FileHandle{w: w, ino: ino}, nil
}

// ReplaceFile swaps the data source of the file already pushed at path.
// It returns ErrFileNotFound if no file exists there.
func (w *Writer) ReplaceFile(path string, src FileSource) error {
	h, err := w.MutFile(path)
	if err != nil {
		return err
	}
	h.Replace(src)
	return nil
}

// FileHandle is a mutable handle to a previously pushed file, returned by
// MutFile.
type FileHandle struct {
	w   *Writer
	ino *writerInode
}

// Replace swaps this file's data source. The previous source, if any, is
// discarded without being read.
func (h *FileHandle) Replace(src FileSource) {
	h.ino.src = src
	h.ino.srcFS = nil
	if n, ok := src.Size(); ok {
		h.ino.size = uint64(n)
	}
}

// NewWriterFromImage builds a Writer seeded from an already-open read-side
// image, so files can be carried over unmodified (via InImageSource) or
// replaced via MutFile/ReplaceFile, then re-packed with Finalize.
func NewWriterFromImage(w io.Writer, src *Superblock, opts ...WriterOption) (*Writer, error) {
	writer, err := NewWriter(w, opts...)
	if err != nil {
		return nil, err
	}
	writer.sb.Comp = src.Comp
	writer.comp = src.Comp
	writer.blockSize = src.BlockSize
	writer.modTime = src.ModTime

	root, err := src.FindInode(".", true)
	if err != nil {
		return nil, fmt.Errorf("squashfs: seeding from image: %w", err)
	}
	if err := writer.importDir(root, ""); err != nil {
		return nil, err
	}
	return writer, nil
}

// importDir recursively imports dirIno's children (and their descendants)
// from a read-side image into the writer's in-memory tree, under prefix.
func (w *Writer) importDir(dirIno *Inode, prefix string) error {
	entries, err := dirIno.sb.ReadDir(prefix)
	if err != nil {
		return err
	}
	for _, e := range entries {
		childPath := e.Name()
		if prefix != "" {
			childPath = prefix + "/" + e.Name()
		}
		child, err := dirIno.sb.FindInode(childPath, false)
		if err != nil {
			return err
		}

		header := NodeHeader{
			Permissions: child.Perm,
			Uid:         child.GetUid(),
			Gid:         child.GetGid(),
			ModTime:     child.ModTime,
		}

		switch {
		case child.IsDir():
			if err := w.PushDir(childPath, header); err != nil {
				return err
			}
			if err := w.importDir(child, childPath); err != nil {
				return err
			}
		case child.Mode()&fs.ModeSymlink != 0:
			target, err := child.Readlink()
			if err != nil {
				return err
			}
			if err := w.PushSymlink(childPath, string(target), header); err != nil {
				return err
			}
		case child.Mode()&fs.ModeCharDevice != 0:
			if err := w.PushCharDevice(childPath, 0, header); err != nil {
				return err
			}
		case child.Mode()&fs.ModeDevice != 0:
			if err := w.PushBlockDevice(childPath, 0, header); err != nil {
				return err
			}
		default:
			if err := w.PushFile(childPath, InImageSource(child), header); err != nil {
				return err
			}
		}
	}
	return nil
}
