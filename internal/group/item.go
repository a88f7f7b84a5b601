// Package group assembles a sorted Inventory sequence into namespace
// groups and validates structural completeness and backup/restore sanity,
// per spec.md §4.3.
package group

import (
	"github.com/aerosmt/asmt/internal/inventory"
	"github.com/aerosmt/asmt/internal/key"
)

// Item is a normalized view over either a SegmentRecord (backup side) or a
// FileRecord (restore side) -- just enough to run the shared grouping
// algorithm once instead of twice. Ref holds the concrete originating
// record so callers (internal/op) can type-assert it back, the same
// stash-behind-an-interface-then-assert idiom the teacher uses for
// fi.Sys().(*squashfs.FileInfo) in internal/install/install.go.
type Item struct {
	Key           uint32
	Decoded       key.DecodedKey
	NamespaceName string
	Ref           any
}

// ItemsFromSegments adapts a sorted segment sequence into Items.
func ItemsFromSegments(recs []inventory.SegmentRecord) []Item {
	items := make([]Item, len(recs))
	for i, r := range recs {
		items[i] = Item{Key: r.Key, Decoded: r.Decoded, NamespaceName: r.NamespaceName, Ref: r}
	}
	return items
}

// ItemsFromFiles adapts a sorted file sequence into Items.
func ItemsFromFiles(recs []inventory.FileRecord) []Item {
	items := make([]Item, len(recs))
	for i, r := range recs {
		items[i] = Item{Key: r.Key, Decoded: r.Decoded, NamespaceName: r.NamespaceName, Ref: r}
	}
	return items
}

// Segment type-asserts Ref back to a SegmentRecord; callers must only use it
// on Items built by ItemsFromSegments.
func (it Item) Segment() inventory.SegmentRecord { return it.Ref.(inventory.SegmentRecord) }

// File type-asserts Ref back to a FileRecord; callers must only use it on
// Items built by ItemsFromFiles.
func (it Item) File() inventory.FileRecord { return it.Ref.(inventory.FileRecord) }
