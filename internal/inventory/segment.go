package inventory

import (
	"fmt"
	"hash/crc32"
	"sort"

	"github.com/aerosmt/asmt/internal/aerr"
	"github.com/aerosmt/asmt/internal/key"
	"github.com/aerosmt/asmt/internal/shmio"
)

// namespace-name byte offsets, spec.md §6 body layouts.
const (
	baseNamespaceNameOffset = 1024
	dataNamespaceNameOffset = 12
	namespaceNameLen        = 32
)

// SegmentOptions controls what EnumerateSegments retains and computes.
type SegmentOptions struct {
	Instance uint8
	// Namespaces, if non-empty, restricts base/data segments to those whose
	// embedded namespace name is in this set. Non-base/non-data segments
	// (tree-index, meta, primary/secondary stages) have no embedded name and
	// are never filtered by it here -- internal/group filters them by the
	// instance+namespace-id their base/meta established.
	Namespaces map[string]bool
	// ExcludeAttached drops any record whose AttachCount is non-zero
	// (spec.md §4.2.1/§7: attach-count disqualifies a segment for backup).
	ExcludeAttached bool
	// ComputeCRC32 streams each retained segment to compute its CRC32. It is
	// expensive and normally left false; the Operation Driver computes CRCs
	// itself during the actual transfer.
	ComputeCRC32 bool
}

// EnumerateSegments walks the kernel's shared-memory table, classifies every
// segment that decodes as a valid Aerospike key, and returns the retained
// set sorted by key ascending (spec.md §4.2.1).
//
// Stat failures on individual table indices are swallowed (holes are
// normal); a failure to even determine the table's upper bound is an
// *aerr.Environment (kind 2, fatal).
func EnumerateSegments(opts SegmentOptions) ([]SegmentRecord, error) {
	max, err := shmio.ShmInfoCount()
	if err != nil {
		return nil, &aerr.Environment{Op: "enumerate shared-memory segments", Err: err}
	}

	var records []SegmentRecord
	for idx := 0; idx <= max; idx++ {
		st, err := shmio.StatIndex(idx)
		if err != nil {
			continue // hole: no segment at this table index
		}
		decoded, err := key.Decode(st.Key)
		if err != nil {
			continue // not an Aerospike-scheme segment
		}
		if decoded.Instance != opts.Instance {
			continue
		}
		if opts.ExcludeAttached && st.NAttach != 0 {
			continue
		}

		rec := SegmentRecord{
			Key:         st.Key,
			Decoded:     decoded,
			Shmid:       st.Shmid,
			Uid:         st.Uid,
			Gid:         st.Gid,
			Mode:        st.Mode,
			AttachCount: st.NAttach,
			ByteSize:    st.Size,
		}

		if decoded.Kind == key.KindBase || decoded.Class == key.ClassData {
			name, err := readSegmentNamespaceName(st.Shmid, decoded)
			if err != nil {
				return nil, &aerr.Environment{Op: fmt.Sprintf("read namespace name (key 0x%08x)", st.Key), Err: err}
			}
			rec.NamespaceName = name
			if len(opts.Namespaces) > 0 && !opts.Namespaces[name] {
				continue
			}
		}

		if opts.ComputeCRC32 {
			sum, err := crcSegment(st.Shmid, st.Size)
			if err != nil {
				return nil, &aerr.Environment{Op: fmt.Sprintf("crc32 (key 0x%08x)", st.Key), Err: err}
			}
			rec.CRC32 = sum
			rec.HasCRC32 = true
		}

		records = append(records, rec)
	}

	sort.Slice(records, func(i, j int) bool { return records[i].Key < records[j].Key })
	return records, nil
}

func readSegmentNamespaceName(shmid int, decoded key.DecodedKey) (string, error) {
	addr, detach, err := shmio.AttachReadOnly(shmid)
	if err != nil {
		return "", err
	}
	defer detach()

	offset := baseNamespaceNameOffset
	if decoded.Class == key.ClassData {
		offset = dataNamespaceNameOffset
	}

	b := shmio.BytesAt(addr, int64(offset+namespaceNameLen))
	return trimNUL(b[offset : offset+namespaceNameLen]), nil
}

func crcSegment(shmid int, size int64) (uint32, error) {
	addr, detach, err := shmio.AttachReadOnly(shmid)
	if err != nil {
		return 0, err
	}
	defer detach()
	return crc32.ChecksumIEEE(shmio.BytesAt(addr, size)), nil
}

func trimNUL(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
