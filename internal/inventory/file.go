package inventory

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/exp/mmap"

	"github.com/aerosmt/asmt/internal/aerr"
	"github.com/aerosmt/asmt/internal/key"
	"github.com/aerosmt/asmt/internal/wire"
)

// fileNamePattern matches "XXXXXXXX.dat" / "XXXXXXXX.dat.gz", exactly eight
// hex digits, case-insensitive (spec.md §4.2.2/§6).
var fileNamePattern = regexp.MustCompile(`(?i)^([0-9a-f]{8})\.dat(\.gz)?$`)

// maxInflatedPrefix bounds how much of a compressed data file is inflated to
// recover its embedded namespace name (spec.md §4.2.2).
const maxInflatedPrefix = 1 << 20

// FileOptions controls what EnumerateFiles retains.
type FileOptions struct {
	Instance   uint8
	Namespaces map[string]bool
}

// EnumerateFiles scans dir for backup artifacts, classifies each via
// internal/key, and returns the retained set sorted by key ascending
// (spec.md §4.2.2).
func EnumerateFiles(dir string, opts FileOptions) ([]FileRecord, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, &aerr.Environment{Op: fmt.Sprintf("read destination directory %q", dir), Err: err}
	}

	var records []FileRecord
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		m := fileNamePattern.FindStringSubmatch(ent.Name())
		if m == nil {
			continue
		}
		keyVal, err := strconv.ParseUint(strings.ToLower(m[1]), 16, 32)
		if err != nil {
			continue
		}
		decoded, err := key.Decode(uint32(keyVal))
		if err != nil {
			continue
		}
		if decoded.Instance != opts.Instance {
			continue
		}

		path := filepath.Join(dir, ent.Name())
		rec, err := readFileRecord(path, uint32(keyVal), decoded, m[2] == ".gz")
		if err != nil {
			return nil, &aerr.Environment{Op: fmt.Sprintf("read file record %q", path), Err: err}
		}

		if decoded.Kind == key.KindBase || decoded.Class == key.ClassData {
			if len(opts.Namespaces) > 0 && !opts.Namespaces[rec.NamespaceName] {
				continue
			}
		}

		records = append(records, rec)
	}

	sort.Slice(records, func(i, j int) bool { return records[i].Key < records[j].Key })
	return records, nil
}

func readFileRecord(path string, keyVal uint32, decoded key.DecodedKey, compressed bool) (FileRecord, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return FileRecord{}, err
	}

	uid, gid := statOwnership(fi)
	rec := FileRecord{
		Key:        keyVal,
		Decoded:    decoded,
		Path:       path,
		Compressed: compressed,
		FileSize:   fi.Size(),
		ByteSize:   fi.Size(),
		Mode:       uint32(fi.Mode().Perm()),
		Uid:        uid,
		Gid:        gid,
	}

	// golang.org/x/exp/mmap.Open gives random-offset reads of the fixed
	// header fields without loading the whole file, mirroring
	// internal/install's use of mmap.Open against squashfs images in the
	// teacher repo.
	ra, err := mmap.Open(path)
	if err != nil {
		return FileRecord{}, err
	}
	defer ra.Close()

	if compressed {
		h, err := wire.ReadHeader(ra)
		if err != nil {
			return FileRecord{}, err
		}
		rec.ByteSize = int64(h.Segsz)
	}

	if decoded.Kind == key.KindBase {
		name, err := readNamespaceNameAt(ra, compressed, baseNamespaceNameOffset)
		if err != nil {
			return FileRecord{}, err
		}
		rec.NamespaceName = name
	} else if decoded.Class == key.ClassData {
		name, err := readDataNamespaceName(path, ra, compressed)
		if err != nil {
			return FileRecord{}, err
		}
		rec.NamespaceName = name
	}

	return rec, nil
}

func readNamespaceNameAt(ra *mmap.ReaderAt, compressed bool, offset int) (string, error) {
	if compressed {
		// Base files are never compressed (spec.md §6), but guard anyway.
		return "", fmt.Errorf("unexpected compressed base file")
	}
	buf := make([]byte, namespaceNameLen)
	if _, err := ra.ReadAt(buf, int64(offset)); err != nil {
		return "", err
	}
	return trimNUL(buf), nil
}

// readDataNamespaceName implements spec.md §4.2.2's split behavior: raw
// files read the name directly at a fixed offset; compressed files must
// inflate a bounded leading chunk first.
func readDataNamespaceName(path string, ra *mmap.ReaderAt, compressed bool) (string, error) {
	if !compressed {
		buf := make([]byte, namespaceNameLen)
		if _, err := ra.ReadAt(buf, dataNamespaceNameOffset); err != nil {
			return "", err
		}
		return trimNUL(buf), nil
	}

	prefix, err := wire.DecompressPrefix(ra, maxInflatedPrefix)
	if err != nil {
		return "", fmt.Errorf("inflating leading chunk of %q: %w", path, err)
	}
	end := dataNamespaceNameOffset + namespaceNameLen
	if len(prefix) < end {
		return "", fmt.Errorf("inflated prefix of %q too short to contain namespace name", path)
	}
	return trimNUL(prefix[dataNamespaceNameOffset:end]), nil
}
