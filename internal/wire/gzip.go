package wire

import (
	"bufio"
	"compress/zlib"
	"fmt"
	"hash/crc32"
	"io"
	"os"

	"github.com/klauspost/compress/gzip"
	"github.com/orcaman/writerseeker"
)

// chunkSize is the fixed streaming buffer spec.md §4.4 specifies for the
// compressed write path ("streams the whole segment through a gzip
// deflator ... in fixed chunks (1 MiB)").
const chunkSize = 1 << 20

// CompressWrite streams size bytes read from src (a shared-memory
// attachment or any io.Reader) into dst as a framed compressed file:
// header placeholder, gzip stream, then a rewind-and-rewrite of the header
// with the final segsz and CRC, per spec.md §4.4.
//
// klauspost/compress/gzip is used in place of compress/gzip for the same
// "deflate this blob, favoring speed" concern the teacher's cmd/distri/pack.go
// solves with compress/gzip -- klauspost's implementation is a faster,
// API-compatible drop-in.
func CompressWrite(dst *os.File, src io.Reader, size int64) (crc uint32, err error) {
	if _, err := dst.Seek(HeaderSize, io.SeekStart); err != nil {
		return 0, fmt.Errorf("seeking past header placeholder: %w", err)
	}

	gw, err := gzip.NewWriterLevel(dst, gzip.BestSpeed)
	if err != nil {
		return 0, fmt.Errorf("constructing gzip writer: %w", err)
	}

	sum := crc32.NewIEEE()
	buf := make([]byte, chunkSize)
	remaining := size
	for remaining > 0 {
		n := int64(len(buf))
		if remaining < n {
			n = remaining
		}
		read, rerr := io.ReadFull(src, buf[:n])
		if rerr != nil && rerr != io.EOF && rerr != io.ErrUnexpectedEOF {
			return 0, fmt.Errorf("reading segment chunk: %w", rerr)
		}
		if _, werr := gw.Write(buf[:read]); werr != nil {
			return 0, fmt.Errorf("deflating segment chunk: %w", werr)
		}
		sum.Write(buf[:read])
		remaining -= int64(read)
	}
	if err := gw.Close(); err != nil {
		return 0, fmt.Errorf("closing gzip stream: %w", err)
	}

	finalCRC := sum.Sum32()
	if err := WriteHeader(dst, Header{Segsz: uint64(size), CRC32: finalCRC}); err != nil {
		return 0, fmt.Errorf("rewriting compressed-file header: %w", err)
	}
	return finalCRC, nil
}

// DecompressRead validates the compressed file's header against expectedSize
// and streams the inflated content into dst, returning the recomputed CRC32
// of the decompressed bytes so callers can cross-check it against the
// header's recorded value.
func DecompressRead(src io.ReaderAt, dst io.Writer, expectedSize int64) (crc uint32, err error) {
	h, err := ReadHeader(src)
	if err != nil {
		return 0, err
	}
	if int64(h.Segsz) != expectedSize {
		return 0, fmt.Errorf("compressed-file segsz %d does not match expected segment size %d", h.Segsz, expectedSize)
	}

	sr := io.NewSectionReader(src, HeaderSize, 1<<62)
	body := bufio.NewReaderSize(sr, chunkSize)

	inflate, err := newAutoInflater(body)
	if err != nil {
		return 0, fmt.Errorf("constructing inflater: %w", err)
	}
	defer inflate.Close()

	sum := crc32.NewIEEE()
	mw := io.MultiWriter(dst, sum)
	if _, err := io.CopyBuffer(mw, inflate, make([]byte, chunkSize)); err != nil {
		return 0, fmt.Errorf("inflating segment: %w", err)
	}
	return sum.Sum32(), nil
}

// DecompressPrefix inflates at most limit bytes from the start of src,
// without requiring the full stream to be valid -- used by file enumeration
// (spec.md §4.2.2) to read a data file's embedded namespace name out of a
// compressed file without inflating the whole thing.
func DecompressPrefix(src io.ReaderAt, limit int64) ([]byte, error) {
	if _, err := ReadHeader(src); err != nil {
		return nil, err
	}
	sr := io.NewSectionReader(src, HeaderSize, 1<<62)
	inflate, err := newAutoInflater(bufio.NewReader(sr))
	if err != nil {
		return nil, fmt.Errorf("constructing inflater: %w", err)
	}
	defer inflate.Close()

	// Stage the bounded prefix in an in-memory WriteSeeker rather than a
	// plain growing []byte, the same staging-before-flush idiom the teacher
	// uses orcaman/writerseeker for in its squashfs writer plumbing.
	var staged writerseeker.WriterSeeker
	if _, err := io.CopyN(&staged, inflate, limit); err != nil && err != io.EOF {
		return nil, fmt.Errorf("staging inflated prefix: %w", err)
	}
	return io.ReadAll(staged.Reader())
}

// inflater is the common surface of klauspost/compress/gzip.Reader and
// compress/zlib's io.ReadCloser, letting DecompressRead/DecompressPrefix
// stay agnostic to which wrapping the stream turns out to use.
type inflater interface {
	io.ReadCloser
}

// newAutoInflater peeks the stream's magic bytes and picks gzip or zlib
// accordingly (spec.md §4.4: "auto-detecting zlib or gzip wrapping").
func newAutoInflater(r *bufio.Reader) (inflater, error) {
	peek, err := r.Peek(2)
	if err != nil {
		return nil, fmt.Errorf("peeking stream header: %w", err)
	}
	// gzip magic: 0x1f 0x8b. Anything else is treated as a raw zlib stream.
	if peek[0] == 0x1f && peek[1] == 0x8b {
		return gzip.NewReader(r)
	}
	return zlib.NewReader(r)
}
