package squashfs

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"reflect"
	"sync"
)

// SuperblockSize is the fixed on-disk size of a SquashFS 4.0 superblock.
const SuperblockSize = 96

// https://dr-emann.github.io/squashfs/
type Superblock struct {
	fs     io.ReaderAt
	closer io.Closer // set by Open, nil when constructed via New directly
	order  binary.ByteOrder

	Magic             uint32
	InodeCnt          uint32
	ModTime           int32
	BlockSize         uint32
	FragCount         uint32
	Comp              SquashComp
	BlockLog          uint16
	Flags             SquashFlags
	IdCount           uint16
	VMajor            uint16
	VMinor            uint16
	RootInode         uint64
	BytesUsed         uint64
	IdTableStart      uint64
	XattrIdTableStart uint64
	InodeTableStart   uint64
	DirTableStart     uint64
	FragTableStart    uint64
	ExportTableStart  uint64

	idTable  []uint32 // uid/gid table, indexed by UidIdx/GidIdx
	rootIno  *Inode
	rootInoN uint64 // real on-disk inode number of the root directory
	inoOfft  uint64 // added to inode numbers returned to callers (see InodeOffset)

	inoIdxL sync.RWMutex
	inoIdx  map[uint32]inodeRef
}

// New parses the SquashFS superblock found at the start of fs and loads the
// root inode and id table, returning a ready to use read-only filesystem.
// The returned Superblock implements fs.FS, fs.StatFS and fs.SubFS.
func New(fs io.ReaderAt, opts ...Option) (*Superblock, error) {
	sb := &Superblock{fs: fs, inoIdx: make(map[uint32]inodeRef)}
	head := make([]byte, sb.binarySize())

	_, err := fs.ReadAt(head, 0)
	if err != nil {
		return nil, err
	}
	if err := sb.UnmarshalBinary(head); err != nil {
		return nil, err
	}

	for _, opt := range opts {
		if err := opt(sb); err != nil {
			return nil, err
		}
	}

	if sb.BlockLog > 31 || uint32(1)<<sb.BlockLog != sb.BlockSize {
		return nil, ErrInvalidSuper
	}

	if sb.VMajor != 4 || sb.VMinor != 0 {
		return nil, ErrInvalidVersion
	}

	if err := sb.loadIdTable(); err != nil {
		return nil, err
	}

	root, err := sb.GetInodeRef(inodeRef(sb.RootInode))
	if err != nil {
		return nil, err
	}
	sb.rootIno = root
	sb.rootInoN = uint64(root.Ino)

	return sb, nil
}

// Open opens the SquashFS image stored at path and parses its superblock.
// The returned Superblock must be closed with Close once no longer needed.
func Open(path string, opts ...Option) (*Superblock, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	sb, err := New(f, opts...)
	if err != nil {
		f.Close()
		return nil, err
	}
	sb.closer = f
	return sb, nil
}

// Close releases any resources associated with the Superblock that were
// opened via Open. It is a no-op when the Superblock was constructed
// directly via New on a caller-owned io.ReaderAt.
func (s *Superblock) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

func (s *Superblock) UnmarshalBinary(data []byte) error {
	v := reflect.ValueOf(s).Elem()
	c := v.NumField()
	r := bytes.NewReader(data)

	switch string(data[:4]) {
	case "hsqs":
		s.order = binary.LittleEndian
	case "sqsh":
		s.order = binary.BigEndian
	default:
		return ErrInvalidFile
	}

	// Decode
	var err error
	for i := 0; i < c; i++ {
		name := v.Type().Field(i).Name
		if name[0] < 'A' || name[0] > 'Z' {
			continue
		}
		err = binary.Read(r, s.order, v.Field(i).Addr().Interface())
		if err != nil {
			return err
		}
	}

	if s.Magic != 0x73717368 {
		return errors.New("squashfs: bad magic")
	}

	return nil
}

func (s *Superblock) binarySize() int {
	v := reflect.ValueOf(s).Elem()
	c := v.NumField()
	sz := uintptr(0)

	for i := 0; i < c; i++ {
		name := v.Type().Field(i).Name
		if name[0] < 'A' || name[0] > 'Z' {
			continue
		}
		sz += v.Field(i).Type().Size()
	}
	return int(sz)
}

// loadIdTable reads the uid/gid table referenced by IdTableStart: an
// indirect table of uint64 pointers to metadata blocks, each packed with
// up to 2048 uint32 ids, totalling IdCount entries.
func (s *Superblock) loadIdTable() error {
	if s.IdCount == 0 {
		s.idTable = nil
		return nil
	}

	const idsPerBlock = 2048
	blocks := (int(s.IdCount) + idsPerBlock - 1) / idsPerBlock

	ptrBuf := make([]byte, 8*blocks)
	if _, err := s.fs.ReadAt(ptrBuf, int64(s.IdTableStart)); err != nil {
		return err
	}

	ids := make([]uint32, 0, s.IdCount)
	for b := 0; b < blocks; b++ {
		ptr := s.order.Uint64(ptrBuf[b*8:])
		tr, err := s.newTableReader(int64(ptr), 0)
		if err != nil {
			return err
		}
		remaining := int(s.IdCount) - len(ids)
		if remaining > idsPerBlock {
			remaining = idsPerBlock
		}
		for i := 0; i < remaining; i++ {
			var id uint32
			if err := binary.Read(tr, s.order, &id); err != nil {
				return err
			}
			ids = append(ids, id)
		}
	}

	s.idTable = ids
	return nil
}

// Bytes serializes the superblock fields back to their on-disk
// representation, the inverse of UnmarshalBinary. order defaults to
// little-endian if unset (e.g. when building a fresh superblock for
// writing, as Writer.buildSuperblock does).
func (s *Superblock) Bytes() []byte {
	order := s.order
	if order == nil {
		order = binary.LittleEndian
	}

	buf := &bytes.Buffer{}
	v := reflect.ValueOf(s).Elem()
	c := v.NumField()

	for i := 0; i < c; i++ {
		name := v.Type().Field(i).Name
		if name[0] < 'A' || name[0] > 'Z' {
			continue
		}
		binary.Write(buf, order, v.Field(i).Interface())
	}

	return buf.Bytes()
}

// setInodeRefCache records the on-disk reference for an inode number so
// subsequent GetInode calls can skip the NFS export table lookup.
func (s *Superblock) setInodeRefCache(ino uint32, ref inodeRef) {
	s.inoIdxL.Lock()
	s.inoIdx[ino] = ref
	s.inoIdxL.Unlock()
}
