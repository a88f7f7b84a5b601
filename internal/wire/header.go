// Package wire implements the compressed-file wire format from spec.md §6:
// a fixed little-endian header followed by a gzip stream. Raw (uncompressed)
// files have no framing and are transferred by internal/op.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Header is the fixed 20-byte struct written at offset 0 of every
// compressed file, bit-exact per spec.md §6.
//
//	offset 0  : magic   u32
//	offset 4  : version u32
//	offset 8  : segsz   u64
//	offset 16 : crc32   u32
type Header struct {
	Magic   uint32
	Version uint32
	Segsz   uint64
	CRC32   uint32
}

const headerSize = 4 + 4 + 8 + 4

const (
	// MagicCurrent is the only magic the writer ever emits.
	MagicCurrent uint32 = 0x544D5341 // "ASMT"
	// MagicLegacy is accepted on read for historical-bug tolerance
	// (spec.md §9: "accept both historical magics on read, emit only the
	// current one on write").
	MagicLegacy uint32 = 0x41534D54 // "TMSA"

	headerVersion uint32 = 1
)

// acceptedMagic reports whether m is one of the two magics asmt will read.
func acceptedMagic(m uint32) bool {
	return m == MagicCurrent || m == MagicLegacy
}

// WriteHeader serializes h in the canonical on-write form: MagicCurrent is
// always substituted for h.Magic, regardless of what the caller set.
func WriteHeader(w io.WriterAt, h Header) error {
	var buf [headerSize]byte
	binary.LittleEndian.PutUint32(buf[0:4], MagicCurrent)
	binary.LittleEndian.PutUint32(buf[4:8], headerVersion)
	binary.LittleEndian.PutUint64(buf[8:16], h.Segsz)
	binary.LittleEndian.PutUint32(buf[16:20], h.CRC32)
	_, err := w.WriteAt(buf[:], 0)
	return err
}

// ReadHeader parses and validates the header at the start of r, checking
// the magic against both accepted values and the version against the one
// value this tool understands.
func ReadHeader(r io.ReaderAt) (Header, error) {
	var buf [headerSize]byte
	if _, err := r.ReadAt(buf[:], 0); err != nil {
		return Header{}, fmt.Errorf("reading compressed-file header: %w", err)
	}
	h := Header{
		Magic:   binary.LittleEndian.Uint32(buf[0:4]),
		Version: binary.LittleEndian.Uint32(buf[4:8]),
		Segsz:   binary.LittleEndian.Uint64(buf[8:16]),
		CRC32:   binary.LittleEndian.Uint32(buf[16:20]),
	}
	if !acceptedMagic(h.Magic) {
		return Header{}, fmt.Errorf("unrecognized compressed-file magic 0x%08x", h.Magic)
	}
	if h.Version != headerVersion {
		return Header{}, fmt.Errorf("unsupported compressed-file version %d", h.Version)
	}
	return h, nil
}

// HeaderSize is exported so callers can seek past the header before writing
// the gzip stream.
const HeaderSize = headerSize
