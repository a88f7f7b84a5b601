// Package ioqueue implements the fixed-width worker pool described in
// spec.md §4.4/§5: a queue of per-segment I/O descriptors, fail-fast
// coordination under a single mutex, and unordered completion.
package ioqueue

// Direction is which way a descriptor's bytes flow.
type Direction int

const (
	DirectionRead Direction = iota
	DirectionWrite
)

// Descriptor is one unit of work: move exactly one segment's worth of bytes
// between shared memory and a file, optionally through gzip, per spec.md
// §3's "I/O descriptor" data model.
type Descriptor struct {
	Key        uint32
	Direction  Direction
	Compressed bool

	// Do performs the actual transfer. It is supplied by internal/op, which
	// already knows whether this is a raw/compressed read/write and has the
	// open file handle and shared-memory address ready; Scheduler itself is
	// agnostic to the four I/O primitive contracts in spec.md §4.4.
	Do func() (transferred int64, crc uint32, err error)

	// CRC, once Do has run, holds the CRC32 Do computed (of the raw,
	// uncompressed bytes), for the post-pass cross-check in internal/op.
	CRC uint32
	// Transferred is the byte count Do reported.
	Transferred int64
}
