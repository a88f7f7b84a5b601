package wire

import (
	"bytes"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/exp/mmap"
)

func TestCompressWriteDecompressReadRoundTrip(t *testing.T) {
	const size = 3*chunkSize + 1234 // spans multiple chunks plus a partial one
	src := make([]byte, size)
	if _, err := rand.Read(src); err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(t.TempDir(), "0ae01001.dat.gz")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}

	wantCRC, err := CompressWrite(f, bytes.NewReader(src), int64(size))
	if err != nil {
		t.Fatalf("CompressWrite: %v", err)
	}
	f.Close()

	ra, err := mmap.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer ra.Close()

	var dst bytes.Buffer
	gotCRC, err := DecompressRead(ra, &dst, int64(size))
	if err != nil {
		t.Fatalf("DecompressRead: %v", err)
	}
	if gotCRC != wantCRC {
		t.Errorf("crc mismatch: compress reported 0x%08x, decompress recomputed 0x%08x", wantCRC, gotCRC)
	}
	if !bytes.Equal(dst.Bytes(), src) {
		t.Error("decompressed content does not match original")
	}
}

func TestDecompressReadRejectsSizeMismatch(t *testing.T) {
	src := make([]byte, 4096)
	path := filepath.Join(t.TempDir(), "0ae01001.dat.gz")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := CompressWrite(f, bytes.NewReader(src), int64(len(src))); err != nil {
		t.Fatal(err)
	}
	f.Close()

	ra, err := mmap.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer ra.Close()

	var dst bytes.Buffer
	if _, err := DecompressRead(ra, &dst, int64(len(src))+1); err == nil {
		t.Fatal("expected size-mismatch error, got nil")
	}
}

func TestDecompressPrefix(t *testing.T) {
	src := make([]byte, 64*1024)
	if _, err := rand.Read(src); err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(t.TempDir(), "0ad01000.dat.gz")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := CompressWrite(f, bytes.NewReader(src), int64(len(src))); err != nil {
		t.Fatal(err)
	}
	f.Close()

	ra, err := mmap.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer ra.Close()

	const limit = 1024
	prefix, err := DecompressPrefix(ra, limit)
	if err != nil {
		t.Fatalf("DecompressPrefix: %v", err)
	}
	if len(prefix) != limit {
		t.Fatalf("len(prefix) = %d, want %d", len(prefix), limit)
	}
	if !bytes.Equal(prefix, src[:limit]) {
		t.Error("prefix content does not match original's leading bytes")
	}
}
