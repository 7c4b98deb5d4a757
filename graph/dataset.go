package graph

import (
	"errors"
	"fmt"
	"sort"
)

var (
	ErrDuplicateCollection = errors.New("graph: duplicate collection address across datasets")
	ErrUnknownReference    = errors.New("graph: field reference targets an unknown collection")
)

// Collection is one schema unit (table, API resource) within a dataset.
type Collection struct {
	Name   string   `json:"name"`
	Fields []*Field `json:"fields"`

	// After lists collections that should run earlier in the same phase.
	After []CollectionAddress `json:"after,omitempty"`

	// EraseAfter lists collections that must be erased before this one.
	// It orders the erasure graph only; access edges come from references.
	EraseAfter []CollectionAddress `json:"erase_after,omitempty"`

	MaskingOverride string `json:"masking_strategy_override,omitempty"`
	Partitioning    any    `json:"partitioning,omitempty"`
	SkipProcessing  bool   `json:"skip_processing,omitempty"`
}

// Field returns the top-level field with the given name, or nil.
func (c *Collection) Field(name string) *Field {
	for _, f := range c.Fields {
		if f.Name == name {
			return f
		}
	}
	return nil
}

// IdentityFields returns the identity tags declared on the collection's
// fields, keyed by dotted field path.
func (c *Collection) IdentityFields() map[string]string {
	out := map[string]string{}
	c.walkFields(func(path []string, f *Field) {
		if f.Identity != "" {
			out[joinPath(path)] = f.Identity
		}
	})
	return out
}

// References returns every reference declared anywhere in the collection,
// paired with the dotted path of the declaring field, in deterministic order.
func (c *Collection) References() []FieldReference {
	var refs []FieldReference
	c.walkFields(func(path []string, f *Field) {
		for _, r := range f.References {
			refs = append(refs, FieldReference{FieldPath: joinPath(path), Reference: r})
		}
	})
	return refs
}

// FieldReference is a reference together with the dotted path of the field
// that declares it.
type FieldReference struct {
	FieldPath string
	Reference Reference
}

func (c *Collection) walkFields(visit func(path []string, f *Field)) {
	for _, f := range c.Fields {
		f.walk(nil, visit)
	}
}

// GraphDataset is a named set of collections with a back-reference to the
// connector configuration that serves it.
type GraphDataset struct {
	Name          string       `json:"name"`
	Collections   []Collection `json:"collections"`
	ConnectionKey string       `json:"connection_key"`
}

// Node is one collection resolved inside a DatasetGraph.
type Node struct {
	Address    CollectionAddress
	Dataset    *GraphDataset
	Collection *Collection
}

// DatasetGraph is the merged view of every dataset participating in a
// request: a collection-address lookup plus the aggregate data-category
// mapping used for output filtering.
type DatasetGraph struct {
	nodes map[CollectionAddress]*Node
}

// NewDatasetGraph merges datasets into one graph. Duplicate collection
// addresses and references to collections outside the graph are
// configuration errors.
func NewDatasetGraph(datasets []GraphDataset) (*DatasetGraph, error) {
	g := &DatasetGraph{nodes: map[CollectionAddress]*Node{}}
	for i := range datasets {
		ds := &datasets[i]
		for j := range ds.Collections {
			c := &ds.Collections[j]
			addr := CollectionAddress{Dataset: ds.Name, Collection: c.Name}
			if _, exists := g.nodes[addr]; exists {
				return nil, fmt.Errorf("%w: %s", ErrDuplicateCollection, addr)
			}
			g.nodes[addr] = &Node{Address: addr, Dataset: ds, Collection: c}
		}
	}
	for _, addr := range g.Addresses() {
		for _, fr := range g.nodes[addr].Collection.References() {
			target := fr.Reference.Field.CollectionAddress
			if _, ok := g.nodes[target]; !ok {
				return nil, fmt.Errorf("%w: %s references %s", ErrUnknownReference, addr, target)
			}
		}
	}
	return g, nil
}

// Node returns the node at the given address.
func (g *DatasetGraph) Node(addr CollectionAddress) (*Node, bool) {
	n, ok := g.nodes[addr]
	return n, ok
}

// Addresses returns every collection address in sorted order.
func (g *DatasetGraph) Addresses() []CollectionAddress {
	addrs := make([]CollectionAddress, 0, len(g.nodes))
	for a := range g.nodes {
		addrs = append(addrs, a)
	}
	SortAddresses(addrs)
	return addrs
}

// Len returns the number of collections in the graph.
func (g *DatasetGraph) Len() int { return len(g.nodes) }

// DataCategoryFields returns, per data category, the addresses of every
// field tagged with it.
func (g *DatasetGraph) DataCategoryFields() map[string][]FieldAddress {
	out := map[string][]FieldAddress{}
	for _, addr := range g.Addresses() {
		g.nodes[addr].Collection.walkFields(func(path []string, f *Field) {
			for _, cat := range f.DataCategories {
				out[cat] = append(out[cat], FieldAddress{CollectionAddress: addr, Path: append([]string{}, path...)})
			}
		})
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func joinPath(path []string) string {
	out := ""
	for i, p := range path {
		if i > 0 {
			out += "."
		}
		out += p
	}
	return out
}
