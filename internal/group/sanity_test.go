package group

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/aerosmt/asmt/internal/inventory"
	"github.com/aerosmt/asmt/internal/key"
	"github.com/aerosmt/asmt/internal/shmio"
)

var sanityTestCounter uint32

func putU32(b []byte, off int, v uint32) { binary.LittleEndian.PutUint32(b[off:off+4], v) }

// newBaseSegmentWithHeader creates a real base segment whose header encodes
// version/shutdownStatus/primaryArenaCount at the canonical offsets.
func newBaseSegmentWithHeader(t *testing.T, version, shutdown, primaryArenas uint32) *Item {
	t.Helper()
	n := atomic.AddUint32(&sanityTestCounter, 1)
	namespaceID := (n % 32) + 1
	keyVal := uint32(key.ClassPrimary)<<24 | namespaceID<<12

	const size = offsetPrimaryArenas + 4
	shmid, err := shmio.Get(keyVal, size, 0o600, true)
	if err != nil {
		t.Skipf("shmget unavailable in this sandbox: %v", err)
	}
	t.Cleanup(func() { shmio.Destroy(shmid) })

	addr, detach, err := shmio.AttachReadWrite(shmid)
	if err != nil {
		t.Fatalf("AttachReadWrite: %v", err)
	}
	b := shmio.BytesAt(addr, size)
	putU32(b, offsetVersion, version)
	putU32(b, offsetShutdownStatus, shutdown)
	putU32(b, offsetPrimaryArenas, primaryArenas)
	detach()

	d, err := key.Decode(keyVal)
	if err != nil {
		t.Fatal(err)
	}
	seg := inventory.SegmentRecord{Key: keyVal, Decoded: d, Shmid: shmid, ByteSize: int64(size)}
	return &Item{Key: keyVal, Decoded: d, Ref: seg}
}

func TestBackupSanityAcceptsCleanShutdownWithinWindow(t *testing.T) {
	base := newBaseSegmentWithHeader(t, 11, requiredShutdownStatus, 2)
	g := &Group{Base: base, Primary: []Item{{}, {}}}
	if err := BackupSanity(g, nil, Window{Min: 10, Max: 12}); err != nil {
		t.Fatalf("BackupSanity: %v", err)
	}
}

func TestBackupSanityRejectsVersionOutsideWindow(t *testing.T) {
	base := newBaseSegmentWithHeader(t, 99, requiredShutdownStatus, 2)
	g := &Group{Base: base, Primary: []Item{{}, {}}}
	if err := BackupSanity(g, nil, Window{Min: 10, Max: 12}); err == nil {
		t.Fatal("expected version-window error, got nil")
	}
}

func TestBackupSanityRejectsUncleanShutdown(t *testing.T) {
	base := newBaseSegmentWithHeader(t, 11, 0, 2)
	g := &Group{Base: base, Primary: []Item{{}, {}}}
	if err := BackupSanity(g, nil, Window{Min: 10, Max: 12}); err == nil {
		t.Fatal("expected unclean-shutdown error, got nil")
	}
}

func TestBackupSanityRejectsArenaCountMismatch(t *testing.T) {
	base := newBaseSegmentWithHeader(t, 11, requiredShutdownStatus, 3)
	g := &Group{Base: base, Primary: []Item{{}, {}}} // declares 3, only 2 found
	if err := BackupSanity(g, nil, Window{Min: 10, Max: 12}); err == nil {
		t.Fatal("expected arena-count-mismatch error, got nil")
	}
}

func TestBackupSanityRejectsDestinationCollision(t *testing.T) {
	base := newBaseSegmentWithHeader(t, 11, requiredShutdownStatus, 2)
	g := &Group{Instance: base.Decoded.Instance, NamespaceID: base.Decoded.NamespaceID, Base: base, Primary: []Item{{}, {}}}

	existing := []inventory.FileRecord{
		{Key: 0x1, Decoded: key.DecodedKey{Instance: base.Decoded.Instance, NamespaceID: base.Decoded.NamespaceID}},
	}
	if err := BackupSanity(g, existing, Window{Min: 10, Max: 12}); err == nil {
		t.Fatal("expected destination-collision error, got nil")
	}
}

func TestRestoreSanityRejectsSegmentCollision(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "base")
	buf := make([]byte, offsetPrimaryArenas+4)
	putU32(buf, offsetVersion, 11)
	putU32(buf, offsetPrimaryArenas, 1)
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatal(err)
	}

	file := inventory.FileRecord{Path: path}
	base := &Item{Ref: file}
	g := &Group{Instance: 0, NamespaceID: 5, Base: base, Primary: []Item{{}}}

	existing := []inventory.SegmentRecord{
		{Key: 0x1, Decoded: key.DecodedKey{Instance: 0, NamespaceID: 5}},
	}
	if err := RestoreSanity(g, existing, Window{Min: 10, Max: 12}); err == nil {
		t.Fatal("expected segment-collision error, got nil")
	}
}
