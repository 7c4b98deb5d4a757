// Package graph models the static schema of every data source participating
// in a privacy request (collections, fields, references) and computes which
// collections are reachable from a seed identity.
package graph

import (
	"fmt"
	"sort"
	"strings"
)

// CollectionAddress identifies a (dataset, collection) pair. It is a value
// type with a total order so traversal and serialization are deterministic.
type CollectionAddress struct {
	Dataset    string `json:"dataset"`
	Collection string `json:"collection"`
}

// Reserved sentinel addresses: the synthetic start node (always complete)
// and the synthetic end node of every task graph.
var (
	Root       = CollectionAddress{Dataset: "__ROOT__", Collection: "__ROOT__"}
	Terminator = CollectionAddress{Dataset: "__TERMINATOR__", Collection: "__TERMINATOR__"}
)

// String returns "dataset:collection", or the bare sentinel name for the
// root and terminator addresses.
func (a CollectionAddress) String() string {
	switch a {
	case Root:
		return "__ROOT__"
	case Terminator:
		return "__TERMINATOR__"
	}
	return a.Dataset + ":" + a.Collection
}

// Less orders addresses lexicographically on (dataset, collection).
func (a CollectionAddress) Less(b CollectionAddress) bool {
	if a.Dataset != b.Dataset {
		return a.Dataset < b.Dataset
	}
	return a.Collection < b.Collection
}

// IsSentinel reports whether the address is the root or terminator.
func (a CollectionAddress) IsSentinel() bool {
	return a == Root || a == Terminator
}

// ParseCollectionAddress parses the string form produced by String.
func ParseCollectionAddress(s string) (CollectionAddress, error) {
	switch s {
	case "__ROOT__":
		return Root, nil
	case "__TERMINATOR__":
		return Terminator, nil
	}
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return CollectionAddress{}, fmt.Errorf("graph: malformed collection address %q", s)
	}
	return CollectionAddress{Dataset: parts[0], Collection: parts[1]}, nil
}

// FieldAddress identifies a field within a collection. The path supports
// dotted segments for nested object and array fields.
type FieldAddress struct {
	CollectionAddress
	Path []string `json:"path"`
}

// NewFieldAddress builds a FieldAddress from a collection address and path
// segments.
func NewFieldAddress(addr CollectionAddress, path ...string) FieldAddress {
	return FieldAddress{CollectionAddress: addr, Path: path}
}

// String returns "dataset:collection:field.path".
func (f FieldAddress) String() string {
	return f.CollectionAddress.String() + ":" + strings.Join(f.Path, ".")
}

// FieldPath returns the dotted field path without the collection prefix.
func (f FieldAddress) FieldPath() string {
	return strings.Join(f.Path, ".")
}

// ParseFieldAddress parses "dataset:collection:field.path".
func ParseFieldAddress(s string) (FieldAddress, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 || parts[2] == "" {
		return FieldAddress{}, fmt.Errorf("graph: malformed field address %q", s)
	}
	addr, err := ParseCollectionAddress(parts[0] + ":" + parts[1])
	if err != nil {
		return FieldAddress{}, err
	}
	return FieldAddress{CollectionAddress: addr, Path: strings.Split(parts[2], ".")}, nil
}

// SortAddresses sorts a slice of addresses in place by their total order.
func SortAddresses(addrs []CollectionAddress) {
	sort.Slice(addrs, func(i, j int) bool { return addrs[i].Less(addrs[j]) })
}
