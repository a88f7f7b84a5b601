// Package inventory enumerates candidate segments (from the kernel) and
// candidate files (from a destination directory), classifies each through
// internal/key, and returns key-ascending sequences for internal/group to
// assemble into namespace groups.
package inventory

import "github.com/aerosmt/asmt/internal/key"

// SegmentRecord describes one live System V shared-memory segment that
// decoded successfully as an Aerospike key.
type SegmentRecord struct {
	Key     uint32
	Decoded key.DecodedKey

	Shmid       int
	Uid         uint32
	Gid         uint32
	Mode        uint32
	AttachCount uint64
	ByteSize    int64

	// NamespaceName is populated only for base (role 0, PRIMARY) and data
	// (ClassData) segments, read from the role-dependent fixed offset.
	NamespaceName string

	// CRC32 is populated only when the caller asked EnumerateSegments to
	// compute it (streaming the whole segment is expensive and is normally
	// deferred to the Operation Driver's transfer pass).
	CRC32    uint32
	HasCRC32 bool
}

// FileRecord describes one on-disk backup artifact matching the
// <8-hex-key>.dat[.gz] naming convention.
type FileRecord struct {
	Key     uint32
	Decoded key.DecodedKey

	Path       string
	Compressed bool

	// FileSize is the size of the artifact on disk (differs from ByteSize
	// for compressed files).
	FileSize int64
	// ByteSize is the original segment size: read from the file's declared
	// segsz for compressed files, or equal to FileSize for raw files.
	ByteSize int64

	Uid  uint32
	Gid  uint32
	Mode uint32

	// NamespaceName is populated only for base and data files.
	NamespaceName string
}
