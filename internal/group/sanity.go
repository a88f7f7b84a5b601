package group

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/exp/mmap"

	"github.com/aerosmt/asmt/internal/aerr"
	"github.com/aerosmt/asmt/internal/inventory"
	"github.com/aerosmt/asmt/internal/shmio"
)

// Body-layout offsets, spec.md §6.
const (
	offsetVersion        = 0
	offsetShutdownStatus = 4
	offsetPrimaryArenas  = 2152
	offsetSecondaryArena = 20

	requiredShutdownStatus = 1
)

// Window bounds the base segment/file's compatibility check (spec.md §4.3:
// "a configurable pair of integer bounds").
type Window struct {
	Min, Max uint32
}

func readU32At(b []byte, off int) uint32 {
	return binary.LittleEndian.Uint32(b[off : off+4])
}

// segmentHeaderBytes attaches shmid read-only and returns the byte range
// needed to read every header field this package inspects.
func segmentHeaderBytes(shmid int) ([]byte, func(), error) {
	addr, detach, err := shmio.AttachReadOnly(shmid)
	if err != nil {
		return nil, nil, err
	}
	return shmio.BytesAt(addr, offsetPrimaryArenas+4), detach, nil
}

// fileHeaderBytes mmaps path and returns the same byte range from the file.
func fileHeaderBytes(path string) ([]byte, func(), error) {
	ra, err := mmap.Open(path)
	if err != nil {
		return nil, nil, err
	}
	buf := make([]byte, offsetPrimaryArenas+4)
	if _, err := ra.ReadAt(buf, 0); err != nil {
		ra.Close()
		return nil, nil, err
	}
	return buf, func() { ra.Close() }, nil
}

// BackupSanity implements spec.md §4.3's backup checks: version window,
// clean shutdown, arena-count match, and destination collision-freedom.
// existingFiles is the full destination-directory file enumeration, used
// for the collision check.
func BackupSanity(g *Group, existingFiles []inventory.FileRecord, w Window) error {
	if g.Base == nil {
		return destinationCollisionCheck(g, existingFiles)
	}

	base := g.Base.Segment()
	b, detach, err := segmentHeaderBytes(base.Shmid)
	if err != nil {
		return &aerr.Environment{Op: "read base segment header", Err: err}
	}
	defer detach()

	version := readU32At(b, offsetVersion)
	if version < w.Min || version > w.Max {
		return &aerr.Validation{Namespace: g.NamespaceName, Msg: fmt.Sprintf("base version %d outside compatibility window [%d,%d]", version, w.Min, w.Max)}
	}
	status := readU32At(b, offsetShutdownStatus)
	if status != requiredShutdownStatus {
		return &aerr.Validation{Namespace: g.NamespaceName, Msg: fmt.Sprintf("expecting shutdown status %d, got %d", requiredShutdownStatus, status)}
	}
	declaredPrimary := readU32At(b, offsetPrimaryArenas)
	if int(declaredPrimary) != len(g.Primary) {
		return &aerr.Validation{Namespace: g.NamespaceName, Msg: fmt.Sprintf("base declares %d primary arenas, found %d stages", declaredPrimary, len(g.Primary))}
	}

	if g.Meta != nil {
		meta := g.Meta.Segment()
		mb, mdetach, err := segmentHeaderBytes(meta.Shmid)
		if err != nil {
			return &aerr.Environment{Op: "read meta segment header", Err: err}
		}
		declaredSecondary := readU32At(mb, offsetSecondaryArena)
		mdetach()
		if int(declaredSecondary) != len(g.Secondary) {
			return &aerr.Validation{Namespace: g.NamespaceName, Msg: fmt.Sprintf("meta declares %d secondary arenas, found %d stages", declaredSecondary, len(g.Secondary))}
		}
	}

	return destinationCollisionCheck(g, existingFiles)
}

func destinationCollisionCheck(g *Group, existingFiles []inventory.FileRecord) error {
	for _, f := range existingFiles {
		if f.Decoded.Instance == g.Instance && f.Decoded.NamespaceID == g.NamespaceID {
			return &aerr.Validation{Namespace: g.NamespaceName, Msg: fmt.Sprintf("destination already contains a file for key 0x%08x", f.Key)}
		}
	}
	return nil
}

// RestoreSanity implements spec.md §4.3's restore checks: version window,
// arena-count match, and shared-memory collision-freedom. existingSegments
// is the full kernel enumeration, used for the collision check.
func RestoreSanity(g *Group, existingSegments []inventory.SegmentRecord, w Window) error {
	if g.Base == nil {
		return segmentCollisionCheck(g, existingSegments)
	}

	base := g.Base.File()
	b, detach, err := fileHeaderBytes(base.Path)
	if err != nil {
		return &aerr.Environment{Op: "read base file header", Err: err}
	}
	defer detach()

	version := readU32At(b, offsetVersion)
	if version < w.Min || version > w.Max {
		return &aerr.Validation{Namespace: g.NamespaceName, Msg: fmt.Sprintf("base file version %d outside compatibility window [%d,%d]", version, w.Min, w.Max)}
	}
	declaredPrimary := readU32At(b, offsetPrimaryArenas)
	if int(declaredPrimary) != len(g.Primary) {
		return &aerr.Validation{Namespace: g.NamespaceName, Msg: fmt.Sprintf("base file declares %d primary arenas, found %d stage files", declaredPrimary, len(g.Primary))}
	}

	return segmentCollisionCheck(g, existingSegments)
}

func segmentCollisionCheck(g *Group, existingSegments []inventory.SegmentRecord) error {
	for _, s := range existingSegments {
		if s.Decoded.Instance == g.Instance && s.Decoded.NamespaceID == g.NamespaceID {
			return &aerr.Validation{Namespace: g.NamespaceName, Msg: fmt.Sprintf("a shared-memory segment already exists for key 0x%08x", s.Key)}
		}
	}
	return nil
}
