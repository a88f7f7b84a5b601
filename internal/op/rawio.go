package op

import (
	"hash/crc32"
	"io"
	"os"

	"github.com/aerosmt/asmt/internal/shmio"
)

// rawChunkSize matches the compressed path's fixed 1 MiB chunk size.
const rawChunkSize = 1 << 20

// rawWrite implements spec.md §4.4's raw write contract: a full-segment
// pwrite-equivalent with explicit offset tracking, looping until all bytes
// are written, with CRC updated per chunk.
func rawWrite(f *os.File, addr uintptr, size int64) (crc uint32, err error) {
	src := shmio.BytesAt(addr, size)
	sum := crc32.NewIEEE()
	var off int64
	for off < size {
		n := int64(rawChunkSize)
		if size-off < n {
			n = size - off
		}
		chunk := src[off : off+n]
		if err := shmio.PwriteFull(f, chunk, off); err != nil {
			return 0, err
		}
		sum.Write(chunk)
		off += n
	}
	return sum.Sum32(), nil
}

// crc32OfMemory checksums a shared-memory attachment in place, used by the
// restore-side post-pass cross-check.
func crc32OfMemory(addr uintptr, size int64) uint32 {
	return crc32.ChecksumIEEE(shmio.BytesAt(addr, size))
}

// crc32OfReaderAt checksums the first size bytes of r, used by the
// backup-side post-pass cross-check of a freshly-written raw file.
func crc32OfReaderAt(r io.ReaderAt, size int64) (uint32, error) {
	sum := crc32.NewIEEE()
	buf := make([]byte, rawChunkSize)
	var off int64
	for off < size {
		n := int64(len(buf))
		if size-off < n {
			n = size - off
		}
		read, err := r.ReadAt(buf[:n], off)
		if err != nil && err != io.EOF {
			return 0, err
		}
		sum.Write(buf[:read])
		off += int64(read)
	}
	return sum.Sum32(), nil
}

// rawRead mirrors rawWrite, reading a raw file into a shared-memory
// attachment.
func rawRead(f *os.File, addr uintptr, size int64) (crc uint32, err error) {
	dst := shmio.BytesAt(addr, size)
	sum := crc32.NewIEEE()
	var off int64
	for off < size {
		n := int64(rawChunkSize)
		if size-off < n {
			n = size - off
		}
		chunk := dst[off : off+n]
		if err := shmio.PreadFull(f, chunk, off); err != nil {
			return 0, err
		}
		sum.Write(chunk)
		off += n
	}
	return sum.Sum32(), nil
}
