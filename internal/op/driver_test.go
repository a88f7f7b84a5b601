package op

import (
	"bytes"
	"crypto/rand"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/aerosmt/asmt/internal/alog"
	"github.com/aerosmt/asmt/internal/config"
	"github.com/aerosmt/asmt/internal/group"
	"github.com/aerosmt/asmt/internal/inventory"
	"github.com/aerosmt/asmt/internal/key"
	"github.com/aerosmt/asmt/internal/shmio"
)

var driverTestCounter uint32

type testSegment struct {
	keyVal uint32
	shmid  int
	size   int64
	data   []byte
}

// newFilledSegment creates a real segment of size bytes filled with random
// content, tagged with class/namespaceID/role, or skips the test if the
// sandbox denies System V shared memory.
func newFilledSegment(t *testing.T, class key.Class, namespaceID, role uint32, size int64) testSegment {
	t.Helper()
	keyVal := uint32(class)<<24 | namespaceID<<12 | role

	shmid, err := shmio.Get(keyVal, size, 0o600, true)
	if err != nil {
		t.Skipf("shmget unavailable in this sandbox: %v", err)
	}
	t.Cleanup(func() { shmio.Destroy(shmid) })

	addr, detach, err := shmio.AttachReadWrite(shmid)
	if err != nil {
		t.Fatalf("AttachReadWrite: %v", err)
	}
	data := make([]byte, size)
	if _, err := rand.Read(data); err != nil {
		t.Fatal(err)
	}
	copy(shmio.BytesAt(addr, size), data)
	detach()

	return testSegment{keyVal: keyVal, shmid: shmid, size: size, data: data}
}

func segmentItem(ts testSegment, decoded key.DecodedKey) group.Item {
	rec := inventory.SegmentRecord{Key: ts.keyVal, Decoded: decoded, Shmid: ts.shmid, Mode: 0o600, ByteSize: ts.size}
	return group.Item{Key: ts.keyVal, Decoded: decoded, Ref: rec}
}

// TestBackupRestoreRoundTripRaw exercises spec.md §8's "minimal backup
// round-trip" scenario: base + tree-index + one primary stage, raw (no
// gzip), with CRC cross-check enabled on both legs.
func TestBackupRestoreRoundTripRaw(t *testing.T) {
	const segSize = 8192
	namespaceID := uint32((atomic.AddUint32(&driverTestCounter, 1) % 32) + 1)
	base := newFilledSegment(t, key.ClassPrimary, namespaceID, 0, segSize)
	baseDecoded, _ := key.Decode(base.keyVal)
	treeIndex := newFilledSegment(t, key.ClassPrimary, namespaceID, 1, segSize)
	treeIndexDecoded, _ := key.Decode(treeIndex.keyVal)
	stage := newFilledSegment(t, key.ClassPrimary, namespaceID, key.StageMin, segSize)
	stageDecoded, _ := key.Decode(stage.keyVal)

	g := &group.Group{
		Instance:      baseDecoded.Instance,
		NamespaceID:   baseDecoded.NamespaceID,
		NamespaceName: "roundtripns",
		Base:          ptr(segmentItem(base, baseDecoded)),
		TreeIndex:     ptr(segmentItem(treeIndex, treeIndexDecoded)),
		Primary:       []group.Item{segmentItem(stage, stageDecoded)},
	}

	dir := t.TempDir()
	logger := alog.New(io.Discard, false)
	backupCfg := &config.Config{Mode: config.ModeBackup, Dir: dir, Parallelism: 2, CheckCRC: true}
	backupDriver := &Driver{Cfg: backupCfg, Logger: logger}

	if err := backupDriver.Run(g); err != nil {
		t.Fatalf("backup Run: %v", err)
	}

	for _, ts := range []testSegment{base, treeIndex, stage} {
		path := filepath.Join(dir, fileName(ts.keyVal, false))
		got, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("reading %s: %v", path, err)
		}
		if !bytes.Equal(got, ts.data) {
			t.Errorf("%s: content does not match source segment", path)
		}
	}

	// Simulate the reboot: destroy the original segments so restore's
	// IPC_CREAT|IPC_EXCL path has a clean slate.
	shmio.Destroy(base.shmid)
	shmio.Destroy(treeIndex.shmid)
	shmio.Destroy(stage.shmid)

	restoreGroup := &group.Group{
		Instance:      g.Instance,
		NamespaceID:   g.NamespaceID,
		NamespaceName: g.NamespaceName,
		Base:          ptr(fileItem(t, dir, base.keyVal, baseDecoded, segSize)),
		TreeIndex:     ptr(fileItem(t, dir, treeIndex.keyVal, treeIndexDecoded, segSize)),
		Primary:       []group.Item{fileItem(t, dir, stage.keyVal, stageDecoded, segSize)},
	}

	restoreCfg := &config.Config{Mode: config.ModeRestore, Dir: dir, Parallelism: 2, CheckCRC: true}
	restoreDriver := &Driver{Cfg: restoreCfg, Logger: logger}
	if err := restoreDriver.Run(restoreGroup); err != nil {
		t.Fatalf("restore Run: %v", err)
	}

	for _, ts := range []testSegment{base, treeIndex, stage} {
		shmid, err := shmio.Get(ts.keyVal, segSize, 0o600, false)
		if err != nil {
			t.Fatalf("looking up restored segment 0x%08x: %v", ts.keyVal, err)
		}
		t.Cleanup(func() { shmio.Destroy(shmid) })
		addr, detach, err := shmio.AttachReadOnly(shmid)
		if err != nil {
			t.Fatalf("attaching restored segment 0x%08x: %v", ts.keyVal, err)
		}
		got := append([]byte(nil), shmio.BytesAt(addr, segSize)...)
		detach()
		if !bytes.Equal(got, ts.data) {
			t.Errorf("restored segment 0x%08x content does not match source", ts.keyVal)
		}
	}
}

// TestBackupRestoreRoundTripCompressed exercises spec.md §8's "compressed
// round-trip with CRC" scenario against a single data-class stage, which is
// always eligible for gzip (unlike base/meta). It runs at two sizes: one
// below the 1 MiB streaming chunk size and one spanning several chunks and
// not aligned to the chunk size. In both, the inflated bytes reach
// sliceWriter through more than one Write call, so each call must land
// where the previous one stopped.
func TestBackupRestoreRoundTripCompressed(t *testing.T) {
	sizes := map[string]int64{
		"singleChunk":    200 * 1024,
		"multipleChunks": 3*(1<<20) + 777,
	}
	for name, segSize := range sizes {
		segSize := segSize
		t.Run(name, func(t *testing.T) {
			runCompressedRoundTrip(t, segSize)
		})
	}
}

func runCompressedRoundTrip(t *testing.T, segSize int64) {
	namespaceID := uint32((atomic.AddUint32(&driverTestCounter, 1) % 32) + 1)
	data := newFilledSegment(t, key.ClassData, namespaceID, 0, segSize)
	dataDecoded, _ := key.Decode(data.keyVal)

	g := &group.Group{
		Instance:      dataDecoded.Instance,
		NamespaceID:   dataDecoded.NamespaceID,
		NamespaceName: "roundtripcompressedns",
		Data:          []group.Item{segmentItem(data, dataDecoded)},
	}

	dir := t.TempDir()
	logger := alog.New(io.Discard, false)
	backupCfg := &config.Config{Mode: config.ModeBackup, Dir: dir, Parallelism: 1, CheckCRC: true, Gzip: true}
	if err := (&Driver{Cfg: backupCfg, Logger: logger}).Run(g); err != nil {
		t.Fatalf("backup Run: %v", err)
	}

	path := filepath.Join(dir, fileName(data.keyVal, true))
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected compressed file at %s: %v", path, err)
	}

	shmio.Destroy(data.shmid)

	restoreGroup := &group.Group{
		Instance:      g.Instance,
		NamespaceID:   g.NamespaceID,
		NamespaceName: g.NamespaceName,
		Data: []group.Item{{
			Key:     data.keyVal,
			Decoded: dataDecoded,
			Ref:     inventory.FileRecord{Key: data.keyVal, Decoded: dataDecoded, Path: path, Compressed: true, ByteSize: segSize, Mode: 0o600},
		}},
	}
	restoreCfg := &config.Config{Mode: config.ModeRestore, Dir: dir, Parallelism: 1, CheckCRC: true}
	if err := (&Driver{Cfg: restoreCfg, Logger: logger}).Run(restoreGroup); err != nil {
		t.Fatalf("restore Run: %v", err)
	}

	shmid2, err := shmio.Get(data.keyVal, segSize, 0o600, false)
	if err != nil {
		t.Fatalf("looking up restored segment: %v", err)
	}
	t.Cleanup(func() { shmio.Destroy(shmid2) })
	addr2, detach2, err := shmio.AttachReadOnly(shmid2)
	if err != nil {
		t.Fatalf("attaching restored segment: %v", err)
	}
	defer detach2()
	if !bytes.Equal(shmio.BytesAt(addr2, segSize), data.data) {
		t.Error("restored segment content does not match original")
	}
}

func fileItem(t *testing.T, dir string, keyVal uint32, decoded key.DecodedKey, size int64) group.Item {
	t.Helper()
	path := filepath.Join(dir, fileName(keyVal, false))
	rec := inventory.FileRecord{Key: keyVal, Decoded: decoded, Path: path, Compressed: false, ByteSize: size, Mode: 0o600}
	return group.Item{Key: keyVal, Decoded: decoded, Ref: rec}
}

func ptr(it group.Item) *group.Item { return &it }
