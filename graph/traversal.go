package graph

// TraversalNode wraps a graph node with the parent/child adjacency populated
// during traversal. A node can be reached via several paths, so the sets are
// cumulative unions, never overwritten.
type TraversalNode struct {
	Node     *Node
	Parents  map[CollectionAddress]struct{}
	Children map[CollectionAddress]struct{}

	// Seeded marks nodes reachable directly from the identity, i.e. children
	// of the synthetic root.
	Seeded bool
}

// SortedParents returns the parent addresses in sorted order.
func (n *TraversalNode) SortedParents() []CollectionAddress { return sortedSet(n.Parents) }

// SortedChildren returns the child addresses in sorted order.
func (n *TraversalNode) SortedChildren() []CollectionAddress { return sortedSet(n.Children) }

// InputKeys returns the ordered input collections of the node: the root
// first when identity-seeded, then the parents in sorted order. Executors
// use this ordering to align per-parent data at run time.
func (n *TraversalNode) InputKeys() []string {
	var keys []string
	if n.Seeded {
		keys = append(keys, Root.String())
	}
	for _, p := range n.SortedParents() {
		keys = append(keys, p.String())
	}
	return keys
}

// Traversal is the reachable subset of a DatasetGraph for one identity,
// with dependency adjacency frozen for graph building.
type Traversal struct {
	Graph *DatasetGraph
	Nodes map[CollectionAddress]*TraversalNode
}

// Addresses returns every traversed address in sorted order.
func (t *Traversal) Addresses() []CollectionAddress {
	addrs := make([]CollectionAddress, 0, len(t.Nodes))
	for a := range t.Nodes {
		addrs = append(addrs, a)
	}
	SortAddresses(addrs)
	return addrs
}

// SeedNodes returns the identity-seeded addresses in sorted order.
func (t *Traversal) SeedNodes() []CollectionAddress {
	var seeds []CollectionAddress
	for a, n := range t.Nodes {
		if n.Seeded {
			seeds = append(seeds, a)
		}
	}
	SortAddresses(seeds)
	return seeds
}

// EndNodes returns the traversed addresses with no children, sorted.
func (t *Traversal) EndNodes() []CollectionAddress {
	var ends []CollectionAddress
	for a, n := range t.Nodes {
		if len(n.Children) == 0 {
			ends = append(ends, a)
		}
	}
	SortAddresses(ends)
	return ends
}

// directedEdge orders two collections: Parent must run before Child.
type directedEdge struct {
	Parent, Child CollectionAddress
}

// Traverse computes the collections reachable from the identity and their
// dependency adjacency. Seeds are collections with a field whose identity
// tag matches a non-empty identity value. Expansion is breadth-first over
// every declared reference edge plus same-phase "after" hints; a reference
// on either endpoint connects both. Unreachable collections are excluded,
// not an error.
func Traverse(g *DatasetGraph, identity map[string]string) (*Traversal, error) {
	edges, neighbors := edgeNetwork(g)

	t := &Traversal{Graph: g, Nodes: map[CollectionAddress]*TraversalNode{}}

	var queue []CollectionAddress
	for _, addr := range g.Addresses() {
		node, _ := g.Node(addr)
		if node.Collection.SkipProcessing {
			continue
		}
		if seededBy(node.Collection, identity) {
			t.add(node).Seeded = true
			queue = append(queue, addr)
		}
	}

	// Breadth-first expansion; sorted neighbor order keeps the discovery
	// sequence stable across runs.
	for len(queue) > 0 {
		addr := queue[0]
		queue = queue[1:]
		for _, next := range neighbors[addr] {
			if _, visited := t.Nodes[next]; visited {
				continue
			}
			node, ok := g.Node(next)
			if !ok || node.Collection.SkipProcessing {
				continue
			}
			t.add(node)
			queue = append(queue, next)
		}
	}

	// Wire parent/child sets from every edge whose endpoints both survived.
	for _, e := range edges {
		parent, okP := t.Nodes[e.Parent]
		child, okC := t.Nodes[e.Child]
		if !okP || !okC {
			continue
		}
		parent.Children[e.Child] = struct{}{}
		child.Parents[e.Parent] = struct{}{}
	}

	return t, nil
}

func (t *Traversal) add(node *Node) *TraversalNode {
	tn := &TraversalNode{
		Node:     node,
		Parents:  map[CollectionAddress]struct{}{},
		Children: map[CollectionAddress]struct{}{},
	}
	t.Nodes[node.Address] = tn
	return tn
}

// edgeNetwork builds the directed edge list and an undirected neighbor index
// over the whole graph. A "from" reference makes the referenced collection
// the parent; "to" and unspecified make it the child.
func edgeNetwork(g *DatasetGraph) ([]directedEdge, map[CollectionAddress][]CollectionAddress) {
	var edges []directedEdge
	seen := map[directedEdge]struct{}{}
	addEdge := func(parent, child CollectionAddress) {
		if parent == child {
			return
		}
		e := directedEdge{Parent: parent, Child: child}
		if _, dup := seen[e]; dup {
			return
		}
		seen[e] = struct{}{}
		edges = append(edges, e)
	}

	for _, addr := range g.Addresses() {
		node, _ := g.Node(addr)
		for _, fr := range node.Collection.References() {
			target := fr.Reference.Field.CollectionAddress
			if fr.Reference.Direction == DirectionFrom {
				addEdge(target, addr)
			} else {
				addEdge(addr, target)
			}
		}
		for _, after := range node.Collection.After {
			addEdge(after, addr)
		}
	}

	neighborSet := map[CollectionAddress]map[CollectionAddress]struct{}{}
	link := func(a, b CollectionAddress) {
		if neighborSet[a] == nil {
			neighborSet[a] = map[CollectionAddress]struct{}{}
		}
		neighborSet[a][b] = struct{}{}
	}
	for _, e := range edges {
		link(e.Parent, e.Child)
		link(e.Child, e.Parent)
	}

	neighbors := map[CollectionAddress][]CollectionAddress{}
	for addr, set := range neighborSet {
		neighbors[addr] = sortedSet(set)
	}
	return edges, neighbors
}

// seededBy reports whether any identity-tagged field of the collection has a
// non-empty value in the supplied identity.
func seededBy(c *Collection, identity map[string]string) bool {
	for _, tag := range c.IdentityFields() {
		if identity[tag] != "" {
			return true
		}
	}
	return false
}

func sortedSet(set map[CollectionAddress]struct{}) []CollectionAddress {
	addrs := make([]CollectionAddress, 0, len(set))
	for a := range set {
		addrs = append(addrs, a)
	}
	SortAddresses(addrs)
	return addrs
}
