package inventory

import (
	"os"
	"syscall"
)

// statOwnership extracts the (uid, gid) a raw file's ownership was created
// with, which the restore path later reapplies to the reconstituted
// segment (spec.md §6 "Shared-memory permissions").
func statOwnership(fi os.FileInfo) (uid, gid uint32) {
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, 0
	}
	return st.Uid, st.Gid
}
