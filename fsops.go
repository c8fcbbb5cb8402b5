package squashfs

import (
	"context"
	"io/fs"
	"path"
	"sort"
	"strings"
)

// maxSymlinkDepth bounds symlink resolution the same way most Unix kernels
// do, to turn a symlink loop into ErrTooManySymlinks instead of a hang.
const maxSymlinkDepth = 40

var (
	_ fs.FS     = (*Superblock)(nil)
	_ fs.StatFS = (*Superblock)(nil)
	_ fs.SubFS  = (*Superblock)(nil)
)

// GetUid returns the numeric uid stored for this inode, resolved through
// the superblock's id table.
func (i *Inode) GetUid() uint32 {
	if int(i.UidIdx) < len(i.sb.idTable) {
		return i.sb.idTable[i.UidIdx]
	}
	return 0
}

// GetGid returns the numeric gid stored for this inode, resolved through
// the superblock's id table.
func (i *Inode) GetGid() uint32 {
	if int(i.GidIdx) < len(i.sb.idTable) {
		return i.sb.idTable[i.GidIdx]
	}
	return 0
}

// FindInode resolves name (a slash-separated path relative to the image
// root) to its Inode. When followSymlink is true, a symlink found at the
// final path component is itself resolved; intermediate components are
// always resolved regardless of followSymlink.
func (s *Superblock) FindInode(name string, followSymlink bool) (*Inode, error) {
	return s.findInode(context.Background(), name, followSymlink, 0)
}

func (s *Superblock) findInode(ctx context.Context, name string, followSymlink bool, depth int) (*Inode, error) {
	name = strings.Trim(name, "/")

	cur := s.rootIno
	if name == "" || name == "." {
		return cur, nil
	}

	parts := strings.Split(name, "/")
	for idx, part := range parts {
		if part == "" || part == "." {
			continue
		}

		next, err := cur.LookupRelativeInode(ctx, part)
		if err != nil {
			return nil, err
		}

		last := idx == len(parts)-1
		if next.Type.Basic() == SymlinkType && (!last || followSymlink) {
			if depth >= maxSymlinkDepth {
				return nil, ErrTooManySymlinks
			}
			target, err := next.Readlink()
			if err != nil {
				return nil, err
			}

			var base string
			if !strings.HasPrefix(string(target), "/") {
				base = strings.Join(parts[:idx], "/")
			}
			resolved := path.Join(base, string(target))
			found, err := s.findInode(ctx, resolved, followSymlink, depth+1)
			if err != nil {
				return nil, err
			}
			next = found
		}

		cur = next
	}

	return cur, nil
}

// Lstat returns information about name without following a trailing
// symlink.
func (s *Superblock) Lstat(name string) (fs.FileInfo, error) {
	ino, err := s.FindInode(name, false)
	if err != nil {
		return nil, err
	}
	return &fileinfo{name: path.Base(name), ino: ino}, nil
}

// Stat implements fs.StatFS, following a trailing symlink.
func (s *Superblock) Stat(name string) (fs.FileInfo, error) {
	if !fs.ValidPath(name) {
		return nil, &fs.PathError{Op: "stat", Path: name, Err: fs.ErrInvalid}
	}
	ino, err := s.FindInode(name, true)
	if err != nil {
		return nil, &fs.PathError{Op: "stat", Path: name, Err: err}
	}
	return &fileinfo{name: path.Base(name), ino: ino}, nil
}

// Open implements fs.FS.
func (s *Superblock) Open(name string) (fs.File, error) {
	if !fs.ValidPath(name) {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrInvalid}
	}
	ino, err := s.FindInode(name, true)
	if err != nil {
		return nil, &fs.PathError{Op: "open", Path: name, Err: err}
	}
	return ino.OpenFile(name), nil
}

// ReadDir implements fs.ReadDirFS semantics directly on the Superblock.
func (s *Superblock) ReadDir(name string) ([]fs.DirEntry, error) {
	ino, err := s.FindInode(name, true)
	if err != nil {
		return nil, &fs.PathError{Op: "readdir", Path: name, Err: err}
	}
	if !ino.IsDir() {
		return nil, &fs.PathError{Op: "readdir", Path: name, Err: ErrNotDirectory}
	}

	dr, err := s.dirReader(ino)
	if err != nil {
		return nil, err
	}
	entries, err := dr.ReadDir(-1)
	if err != nil {
		return nil, err
	}

	sortDirEntries(entries)
	return entries, nil
}

// Sub implements fs.SubFS, returning a view of the image rooted at dir.
func (s *Superblock) Sub(dir string) (fs.FS, error) {
	if dir == "." {
		return s, nil
	}
	ino, err := s.FindInode(dir, true)
	if err != nil {
		return nil, &fs.PathError{Op: "sub", Path: dir, Err: err}
	}
	if !ino.IsDir() {
		return nil, &fs.PathError{Op: "sub", Path: dir, Err: ErrNotDirectory}
	}
	return &subFS{sb: s, root: ino, prefix: dir}, nil
}

// subFS implements fs.FS for Sub, rooted at an arbitrary directory inode.
type subFS struct {
	sb     *Superblock
	root   *Inode
	prefix string
}

func (f *subFS) Open(name string) (fs.File, error) {
	if !fs.ValidPath(name) {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrInvalid}
	}
	return f.sb.Open(path.Join(f.prefix, name))
}

func sortDirEntries(entries []fs.DirEntry) {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})
}
