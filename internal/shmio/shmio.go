// Package shmio isolates every direct System V shared-memory and raw file
// syscall behind a small set of functions, so the rest of the tool never
// imports golang.org/x/sys/unix itself. This mirrors the teacher's
// convention (cmd/distri, internal/squashfs) of confining direct
// golang.org/x/sys/unix usage to the handful of call sites that actually
// need it.
package shmio

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// golang.org/x/sys/unix does not export these shmctl(2) control-command
// numbers (they aren't needed by the generic SysV wrappers it does export),
// so they're named here from the stable Linux ABI (<bits/shm.h>).
const (
	cmdShmStat = 13 // SHM_STAT: stat by table index, returns the real shmid
	cmdShmInfo = 14 // SHM_INFO: global shm subsystem counters
)

// Stat is one live segment as reported by the kernel, independent of any
// Aerospike key interpretation.
type Stat struct {
	Shmid   int
	Key     uint32
	Uid     uint32
	Gid     uint32
	Mode    uint32
	NAttach uint64
	Size    int64
}

// ShmInfoCount returns the kernel's upper bound on in-use shared-memory
// table indices, used to size the enumeration loop in
// internal/inventory. Per spec.md §4.2.1, stat failures on individual
// indices at or below this bound are expected (holes are normal) and not
// surfaced as an enumeration error.
func ShmInfoCount() (int, error) {
	var info unix.SysvShmDesc
	n, err := unix.SysvShmCtl(0, cmdShmInfo, &info)
	if err != nil {
		return 0, fmt.Errorf("shmctl(SHM_INFO): %w", err)
	}
	return n, nil
}

// StatIndex stats the segment at kernel table index idx (SHM_STAT), which
// returns the real shmid of whatever segment currently occupies that slot.
// A "no such index" error is expected and must be treated as a hole by the
// caller, not an enumeration-level failure.
func StatIndex(idx int) (Stat, error) {
	var desc unix.SysvShmDesc
	shmid, err := unix.SysvShmCtl(idx, cmdShmStat, &desc)
	if err != nil {
		return Stat{}, err
	}
	return Stat{
		Shmid:   shmid,
		Key:     uint32(desc.Perm.Key),
		Uid:     desc.Perm.Uid,
		Gid:     desc.Perm.Gid,
		Mode:    uint32(desc.Perm.Mode),
		NAttach: uint64(desc.Nattch),
		Size:    int64(desc.Segsz),
	}, nil
}

// Get creates (create=true) or looks up an existing segment for the given
// Aerospike key and size. create implies IPC_CREAT|IPC_EXCL, so Get fails
// with EEXIST if a segment with this key already exists -- the collision
// check restore sanity relies on (spec.md §4.3 "no shared-memory segment
// currently exists with any key in the group").
func Get(key uint32, size int64, mode uint32, create bool) (shmid int, err error) {
	flags := int(mode) & 0o777
	if create {
		flags |= unix.IPC_CREAT | unix.IPC_EXCL
	}
	return unix.SysvShmGet(int(key), int(size), flags)
}

// AttachReadOnly attaches an existing segment read-only, returning its base
// address and a detach function the caller must invoke exactly once on
// every code path (spec.md §5's "for every shmat there is exactly one
// shmdt").
func AttachReadOnly(shmid int) (addr uintptr, detach func() error, err error) {
	a, err := unix.SysvShmAttach(shmid, 0, unix.SHM_RDONLY)
	if err != nil {
		return 0, nil, fmt.Errorf("shmat(%d, SHM_RDONLY): %w", shmid, err)
	}
	return a, func() error { return unix.SysvShmDetach(a) }, nil
}

// AttachReadWrite attaches a segment read-write (used for newly created
// restore-target segments; the post-restore CRC re-check attaches with
// AttachReadOnly).
func AttachReadWrite(shmid int) (addr uintptr, detach func() error, err error) {
	a, err := unix.SysvShmAttach(shmid, 0, 0)
	if err != nil {
		return 0, nil, fmt.Errorf("shmat(%d): %w", shmid, err)
	}
	return a, func() error { return unix.SysvShmDetach(a) }, nil
}

// Chown applies the stored (uid, gid, mode&0o777) to a restored segment, per
// spec.md §6 "Shared-memory permissions".
func Chown(shmid int, uid, gid uint32, mode uint32) error {
	var desc unix.SysvShmDesc
	if _, err := unix.SysvShmCtl(shmid, unix.IPC_STAT, &desc); err != nil {
		return fmt.Errorf("shmctl(IPC_STAT, %d): %w", shmid, err)
	}
	desc.Perm.Uid = uid
	desc.Perm.Gid = gid
	desc.Perm.Mode = uint16(mode & 0o777)
	if _, err := unix.SysvShmCtl(shmid, unix.IPC_SET, &desc); err != nil {
		return fmt.Errorf("shmctl(IPC_SET, %d): %w", shmid, err)
	}
	return nil
}

// Destroy marks a segment for removal once the last attachment detaches
// (shmctl IPC_RMID), used by the Operation Driver's restore-failure cleanup
// (spec.md §5: "one shmctl(IPC_RMID)" per abandoned created segment).
func Destroy(shmid int) error {
	_, err := unix.SysvShmCtl(shmid, unix.IPC_RMID, nil)
	return err
}
