// Package builder turns a traversal into the access, erasure, and consent
// task graphs and persists one RequestTask per node.
package builder

import (
	"errors"

	"github.com/meikuraledutech/dsr/graph"
)

var ErrGraphCycle = errors.New("builder: task graph contains a cycle")

// digraph is a frozen directed graph over collection addresses: an arena of
// sorted nodes plus index-based edge sets. It is built once, then only read.
type digraph struct {
	nodes []graph.CollectionAddress
	index map[graph.CollectionAddress]int
	succ  []map[int]struct{}
	pred  []map[int]struct{}
}

func newDigraph() *digraph {
	return &digraph{index: map[graph.CollectionAddress]int{}}
}

func (d *digraph) addNode(addr graph.CollectionAddress) int {
	if i, ok := d.index[addr]; ok {
		return i
	}
	i := len(d.nodes)
	d.nodes = append(d.nodes, addr)
	d.index[addr] = i
	d.succ = append(d.succ, map[int]struct{}{})
	d.pred = append(d.pred, map[int]struct{}{})
	return i
}

func (d *digraph) addEdge(from, to graph.CollectionAddress) {
	f := d.addNode(from)
	t := d.addNode(to)
	d.succ[f][t] = struct{}{}
	d.pred[t][f] = struct{}{}
}

// successors returns the direct successors of addr in address order.
func (d *digraph) successors(addr graph.CollectionAddress) []graph.CollectionAddress {
	return d.resolve(d.succ[d.index[addr]])
}

// predecessors returns the direct predecessors of addr in address order.
func (d *digraph) predecessors(addr graph.CollectionAddress) []graph.CollectionAddress {
	return d.resolve(d.pred[d.index[addr]])
}

// descendants returns the transitive successor closure of addr, sorted.
func (d *digraph) descendants(addr graph.CollectionAddress) []graph.CollectionAddress {
	seen := map[int]struct{}{}
	stack := []int{d.index[addr]}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for next := range d.succ[cur] {
			if _, ok := seen[next]; ok {
				continue
			}
			seen[next] = struct{}{}
			stack = append(stack, next)
		}
	}
	return d.resolve(seen)
}

// topoOrder returns every node in a topological order, with ties broken by
// address order so generated tasks are stable across runs. Returns
// ErrGraphCycle when no such order exists.
func (d *digraph) topoOrder() ([]graph.CollectionAddress, error) {
	indeg := make([]int, len(d.nodes))
	for i := range d.nodes {
		indeg[i] = len(d.pred[i])
	}

	var ready []int
	for i, deg := range indeg {
		if deg == 0 {
			ready = append(ready, i)
		}
	}

	var order []graph.CollectionAddress
	for len(ready) > 0 {
		// Smallest address first.
		best := 0
		for i := 1; i < len(ready); i++ {
			if d.nodes[ready[i]].Less(d.nodes[ready[best]]) {
				best = i
			}
		}
		cur := ready[best]
		ready = append(ready[:best], ready[best+1:]...)
		order = append(order, d.nodes[cur])

		for next := range d.succ[cur] {
			indeg[next]--
			if indeg[next] == 0 {
				ready = append(ready, next)
			}
		}
	}

	if len(order) != len(d.nodes) {
		return nil, ErrGraphCycle
	}
	return order, nil
}

// hasCycle runs a three-color depth-first search over the whole graph.
func (d *digraph) hasCycle() bool {
	const (
		unvisited = 0
		visiting  = 1
		visited   = 2
	)
	state := make([]int, len(d.nodes))

	var dfs func(i int) bool
	dfs = func(i int) bool {
		state[i] = visiting
		for next := range d.succ[i] {
			switch state[next] {
			case visiting:
				return true
			case unvisited:
				if dfs(next) {
					return true
				}
			}
		}
		state[i] = visited
		return false
	}

	for i := range d.nodes {
		if state[i] == unvisited && dfs(i) {
			return true
		}
	}
	return false
}

func (d *digraph) resolve(set map[int]struct{}) []graph.CollectionAddress {
	addrs := make([]graph.CollectionAddress, 0, len(set))
	for i := range set {
		addrs = append(addrs, d.nodes[i])
	}
	graph.SortAddresses(addrs)
	return addrs
}
