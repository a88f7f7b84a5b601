package group

import (
	"fmt"
	"sort"

	"github.com/aerosmt/asmt/internal/aerr"
	"github.com/aerosmt/asmt/internal/key"
)

// Group is the complete set of segments (or files) sharing one
// (instance, namespace-id, namespace-name) tuple, per spec.md §3.
type Group struct {
	Instance      uint8
	NamespaceID   uint8
	NamespaceName string

	Base      *Item // nil only for the orphan-data degenerate group
	TreeIndex *Item
	Primary   []Item // sorted by stage ordinal
	Meta      *Item  // nil if this namespace has no secondary index
	Secondary []Item // sorted by stage ordinal
	Data      []Item // unordered
}

// Descriptors returns the group's members in the fixed order the Operation
// Driver must submit them in (spec.md §4.5): base, tree-index, primary
// stages, meta, secondary stages, data stages, skipping any missing role.
func (g *Group) Descriptors() []Item {
	var out []Item
	if g.Base != nil {
		out = append(out, *g.Base)
	}
	if g.TreeIndex != nil {
		out = append(out, *g.TreeIndex)
	}
	out = append(out, g.Primary...)
	if g.Meta != nil {
		out = append(out, *g.Meta)
	}
	out = append(out, g.Secondary...)
	out = append(out, g.Data...)
	return out
}

// byInstanceNamespace is the grouping key used throughout this package.
type byInstanceNamespace struct {
	instance    uint8
	namespaceID uint8
}

// Assemble groups a sorted Item sequence into candidate namespace groups,
// one per base record encountered, plus orphan data-only groups for any
// requested namespace name that has no base (spec.md §4.3).
//
// Assemble only builds structural candidates; it does not itself check
// contiguity, version windows, or collisions -- call CheckWellFormed and
// then BackupSanity/RestoreSanity on each candidate.
func Assemble(items []Item, requestedNames map[string]bool) ([]*Group, error) {
	// Every item -- base/tree-index/meta as well as primary/secondary/data
	// stages -- joins its group by instance+namespace-id; data items
	// additionally carry their own namespace name, used below for the
	// orphan path and for cross-checking against the base's declared name.
	byKey := make(map[byInstanceNamespace][]Item)
	for _, it := range items {
		bk := byInstanceNamespace{it.Decoded.Instance, it.Decoded.NamespaceID}
		byKey[bk] = append(byKey[bk], it)
	}

	var groups []*Group
	namesWithBase := make(map[string]bool)

	// Deterministic iteration order: sort the (instance, namespace-id) keys.
	var keys []byInstanceNamespace
	for k := range byKey {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].instance != keys[j].instance {
			return keys[i].instance < keys[j].instance
		}
		return keys[i].namespaceID < keys[j].namespaceID
	})

	for _, bk := range keys {
		members := byKey[bk]
		var base *Item
		for i := range members {
			if members[i].Decoded.Kind == key.KindBase {
				base = &members[i]
				break
			}
		}
		if base == nil {
			continue // handled by the orphan-data pass below
		}
		if len(requestedNames) > 0 && !requestedNames[base.NamespaceName] {
			continue
		}
		namesWithBase[base.NamespaceName] = true

		g, err := assembleMembers(bk, base.NamespaceName, members)
		if err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}

	// Orphan data path: any requested name with no base at all collects its
	// data-class items (matched by embedded namespace name, not
	// instance+namespace-id, since an orphan has no namespace-id to anchor
	// on) into a degenerate data-only group (spec.md §4.3).
	for name := range requestedNames {
		if name == "" || namesWithBase[name] {
			continue
		}
		var data []Item
		var instance uint8
		haveInstance := false
		for _, it := range items {
			if it.Decoded.Class == key.ClassData && it.NamespaceName == name {
				if !haveInstance {
					instance = it.Decoded.Instance
					haveInstance = true
				}
				data = append(data, it)
			}
		}
		if len(data) == 0 {
			continue
		}
		groups = append(groups, &Group{
			Instance:      instance,
			NamespaceName: name,
			Data:          data,
		})
	}

	return groups, nil
}

func assembleMembers(bk byInstanceNamespace, name string, members []Item) (*Group, error) {
	g := &Group{Instance: bk.instance, NamespaceID: bk.namespaceID, NamespaceName: name}

	for i := range members {
		it := members[i]
		switch {
		case it.Decoded.Kind == key.KindBase:
			g.Base = &members[i]
		case it.Decoded.Kind == key.KindTreeIndex:
			g.TreeIndex = &members[i]
		case it.Decoded.Kind == key.KindMeta:
			g.Meta = &members[i]
		case it.Decoded.Kind == key.KindStage && it.Decoded.Class == key.ClassPrimary:
			g.Primary = append(g.Primary, it)
		case it.Decoded.Kind == key.KindStage && it.Decoded.Class == key.ClassSecondary:
			g.Secondary = append(g.Secondary, it)
		case it.Decoded.Class == key.ClassData && it.NamespaceName == name:
			g.Data = append(g.Data, it)
		}
	}

	sort.Slice(g.Primary, func(i, j int) bool { return g.Primary[i].Decoded.Stage < g.Primary[j].Decoded.Stage })
	sort.Slice(g.Secondary, func(i, j int) bool { return g.Secondary[i].Decoded.Stage < g.Secondary[j].Decoded.Stage })

	return g, nil
}

// checkContiguous verifies stages form the exact contiguous set
// key.StageMin..key.StageMin+len(stages)-1 (spec.md §3 "well-formed").
func checkContiguous(stages []Item) error {
	for i, it := range stages {
		want := uint16(key.StageMin + i)
		if it.Decoded.Stage != want {
			return fmt.Errorf("stage ordinals not contiguous: expected 0x%03x, got 0x%03x", want, it.Decoded.Stage)
		}
	}
	return nil
}

// CheckWellFormed enforces spec.md §3's well-formed definition: exactly one
// base, exactly one tree-index, >=1 contiguous primary stages, 0-or-1 meta,
// and if meta is present >=1 contiguous secondary stages. Orphan data-only
// groups (Base == nil) skip every check but the data-stage presence one.
func CheckWellFormed(g *Group) error {
	if g.Base == nil {
		if len(g.Data) == 0 {
			return &aerr.Validation{Namespace: g.NamespaceName, Msg: "orphan data group has no data stages"}
		}
		return nil
	}

	if g.TreeIndex == nil {
		return &aerr.Validation{Namespace: g.NamespaceName, Msg: "missing tree-index segment"}
	}
	if len(g.Primary) == 0 {
		return &aerr.Validation{Namespace: g.NamespaceName, Msg: "no primary stages found"}
	}
	if err := checkContiguous(g.Primary); err != nil {
		return &aerr.Validation{Namespace: g.NamespaceName, Msg: "primary stages: " + err.Error()}
	}
	if g.Meta != nil {
		if len(g.Secondary) == 0 {
			return &aerr.Validation{Namespace: g.NamespaceName, Msg: "meta present but no secondary stages found"}
		}
		if err := checkContiguous(g.Secondary); err != nil {
			return &aerr.Validation{Namespace: g.NamespaceName, Msg: "secondary stages: " + err.Error()}
		}
	} else if len(g.Secondary) > 0 {
		return &aerr.Validation{Namespace: g.NamespaceName, Msg: "secondary stages present without a meta segment"}
	}

	return nil
}
