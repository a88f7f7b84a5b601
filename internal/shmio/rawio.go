package shmio

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// bytesAt returns a []byte view over the shared-memory attachment at addr,
// without copying. Callers must not retain it past the corresponding
// detach.
func bytesAt(addr uintptr, size int64) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
}

// BytesAt is the exported form of bytesAt, used by internal/wire and
// internal/op to read/write segment memory directly.
func BytesAt(addr uintptr, size int64) []byte { return bytesAt(addr, size) }

// PwriteFull loops pwrite(2) until all of b has been written at offset off,
// handling the "Transient I/O" short-write kind from spec.md §7.
func PwriteFull(f *os.File, b []byte, off int64) error {
	for len(b) > 0 {
		n, err := unix.Pwrite(int(f.Fd()), b, off)
		if err != nil {
			return fmt.Errorf("pwrite: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("pwrite: zero-length write with %d bytes remaining", len(b))
		}
		b = b[n:]
		off += int64(n)
	}
	return nil
}

// PreadFull loops pread(2) until b is completely filled at offset off.
func PreadFull(f *os.File, b []byte, off int64) error {
	for len(b) > 0 {
		n, err := unix.Pread(int(f.Fd()), b, off)
		if err != nil {
			return fmt.Errorf("pread: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("pread: unexpected EOF with %d bytes remaining", len(b))
		}
		b = b[n:]
		off += int64(n)
	}
	return nil
}

// Fallocate preallocates size bytes in f, used for raw (uncompressed) backup
// writes so the destination file never needs to grow one write at a time.
// It is skipped entirely for compressed writes (spec.md §4.5).
func Fallocate(f *os.File, size int64) error {
	if err := unix.Fallocate(int(f.Fd()), 0, 0, size); err != nil {
		return fmt.Errorf("fallocate: %w", err)
	}
	return nil
}

// Fchown/Fchmod propagate the source segment's ownership and mode to a
// freshly-written backup file (spec.md §4.4's raw/compressed write
// contracts: "after the data is flushed the file's ownership is set to the
// source segment's (uid, gid) and the mode to the source's mode").
func Fchown(f *os.File, uid, gid uint32) error {
	if err := unix.Fchown(int(f.Fd()), int(uid), int(gid)); err != nil {
		return fmt.Errorf("fchown: %w", err)
	}
	return nil
}

func Fchmod(f *os.File, mode uint32) error {
	if err := unix.Fchmod(int(f.Fd()), mode); err != nil {
		return fmt.Errorf("fchmod: %w", err)
	}
	return nil
}
