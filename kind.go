package squashfs

import "encoding/binary"

// Kind selects the on-disk dialect a Writer produces: the magic string,
// the byte order used for structure fields (superblock, inodes, directory
// entries, tables), and the byte order used for the 2-byte metadata/data
// block length headers that precede every compressed block. Most SquashFS
// images use the same order for both; the AVM dialect does not.
//
// A zero Kind is not valid; use one of the LE_V4_0, BE_V4_0, or AVMBEV40
// constructors.
type Kind struct {
	name string

	typeEndian binary.ByteOrder // superblock/inode/directory/table fields
	dataEndian binary.ByteOrder // metadata and data block length headers

	vMajor, vMinor uint16
}

// String returns the dialect name, e.g. "LE_V4_0".
func (k Kind) String() string { return k.name }

// LE_V4_0 is the common little-endian SquashFS 4.0 dialect ("hsqs" magic).
// It is the default Kind for NewWriter.
func LE_V4_0() Kind {
	return Kind{
		name:       "LE_V4_0",
		typeEndian: binary.LittleEndian,
		dataEndian: binary.LittleEndian,
		vMajor:     4,
		vMinor:     0,
	}
}

// BE_V4_0 is the big-endian SquashFS 4.0 dialect ("sqsh" magic), as read
// by Superblock.UnmarshalBinary but, until now, never produced by Writer.
func BE_V4_0() Kind {
	return Kind{
		name:       "BE_V4_0",
		typeEndian: binary.BigEndian,
		dataEndian: binary.BigEndian,
		vMajor:     4,
		vMinor:     0,
	}
}

// AVMBEV40 is the AVM router firmware dialect: big-endian structure fields
// but little-endian metadata/data block length headers.
func AVMBEV40() Kind {
	return Kind{
		name:       "AVM_BE_V4_0",
		typeEndian: binary.BigEndian,
		dataEndian: binary.LittleEndian,
		vMajor:     4,
		vMinor:     0,
	}
}
