package builder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/meikuraledutech/dsr"
	"github.com/meikuraledutech/dsr/graph"
)

// Builder persists the task graph of one action type for a privacy request.
type Builder struct {
	store dsr.Store
}

// New creates a Builder on the given store.
func New(store dsr.Store) *Builder {
	return &Builder{store: store}
}

// CreateAccessTasks builds the access graph from a traversal and persists one
// RequestTask per node. Edges run root → identity-seeded nodes, node →
// traversal children, and end nodes → terminator. The root task carries the
// request's identity as its access data and is created already complete.
func (b *Builder) CreateAccessTasks(ctx context.Context, req *dsr.PrivacyRequest, t *graph.Traversal) ([]*dsr.RequestTask, error) {
	dg := newDigraph()
	dg.addNode(graph.Root)
	dg.addNode(graph.Terminator)

	for _, addr := range t.Addresses() {
		node := t.Nodes[addr]
		if node.Seeded || len(node.Parents) == 0 {
			dg.addEdge(graph.Root, addr)
		}
		for _, child := range node.SortedChildren() {
			dg.addEdge(addr, child)
		}
	}
	for _, end := range t.EndNodes() {
		dg.addEdge(end, graph.Terminator)
	}
	if len(t.Nodes) == 0 {
		dg.addEdge(graph.Root, graph.Terminator)
	}

	tasks, err := b.persist(ctx, req, dsr.ActionAccess, dg, t)
	if err != nil {
		return nil, fmt.Errorf("dsr: create access tasks: %w", err)
	}
	return tasks, nil
}

// CreateErasureTasks builds the erasure graph and persists its tasks. All
// data needed for erasure is fetched during the access phase, so the only
// real ordering constraint is erase_after: each node gets edges from its
// erase_after set, or from the root alone when unconstrained.
// Addresses consumed as erase_after targets are dropped from the end-node
// candidates before the terminator is wired. A cycle in the constructed
// graph is a fatal configuration error raised before any row is written.
func (b *Builder) CreateErasureTasks(ctx context.Context, req *dsr.PrivacyRequest, t *graph.Traversal) ([]*dsr.RequestTask, error) {
	dg := newDigraph()
	dg.addNode(graph.Root)
	dg.addNode(graph.Terminator)

	// With no reference edges, every node starts as an end-node candidate.
	ends := t.Addresses()
	dropEnd := func(addr graph.CollectionAddress) {
		for i, e := range ends {
			if e == addr {
				ends = append(ends[:i], ends[i+1:]...)
				return
			}
		}
	}

	for _, addr := range t.Addresses() {
		constrained := false
		for _, before := range t.Nodes[addr].Node.Collection.EraseAfter {
			if _, traversed := t.Nodes[before]; !traversed {
				continue
			}
			constrained = true
			dg.addEdge(before, addr)
			// The target now has a downstream dependent, so it must not
			// also feed the terminator directly.
			dropEnd(before)
		}
		if !constrained {
			dg.addEdge(graph.Root, addr)
		}
	}
	for _, end := range ends {
		dg.addEdge(end, graph.Terminator)
	}
	if len(t.Nodes) == 0 {
		dg.addEdge(graph.Root, graph.Terminator)
	}

	if dg.hasCycle() {
		return nil, dsr.ErrEraseAfterCycle
	}

	tasks, err := b.persist(ctx, req, dsr.ActionErasure, dg, t)
	if err != nil {
		return nil, fmt.Errorf("dsr: create erasure tasks: %w", err)
	}
	return tasks, nil
}

// CreateConsentTasks builds the consent graph: one node per dataset, each
// wired root → node → terminator with no inter-node edges, since consent
// propagation calls are independent per third-party system.
func (b *Builder) CreateConsentTasks(ctx context.Context, req *dsr.PrivacyRequest, datasets []graph.GraphDataset) ([]*dsr.RequestTask, error) {
	dg := newDigraph()
	dg.addNode(graph.Root)
	dg.addNode(graph.Terminator)

	lookup := map[graph.CollectionAddress]consentNode{}
	empty := true
	for i := range datasets {
		ds := &datasets[i]
		if len(ds.Collections) == 0 {
			continue
		}
		empty = false
		// A consent dataset models the whole third-party system as a single
		// collection.
		c := &ds.Collections[0]
		addr := graph.CollectionAddress{Dataset: ds.Name, Collection: c.Name}
		lookup[addr] = consentNode{dataset: ds, collection: c}
		dg.addEdge(graph.Root, addr)
		dg.addEdge(addr, graph.Terminator)
	}
	if empty {
		dg.addEdge(graph.Root, graph.Terminator)
	}

	order, err := dg.topoOrder()
	if err != nil {
		return nil, fmt.Errorf("dsr: create consent tasks: %w", err)
	}

	var tasks []*dsr.RequestTask
	for _, addr := range order {
		task, err := b.taskFor(ctx, req, dsr.ActionConsent, dg, addr)
		if err != nil {
			return nil, fmt.Errorf("dsr: create consent tasks: %w", err)
		}
		if task == nil {
			continue
		}
		if n, ok := lookup[addr]; ok {
			snapshot, err := json.Marshal(n.collection)
			if err != nil {
				return nil, fmt.Errorf("dsr: create consent tasks: %w", err)
			}
			task.Collection = snapshot
			task.DatasetName = n.dataset.Name
			task.CollectionName = n.collection.Name
			task.TraversalDetails = dsr.TraversalDetails{InputKeys: []string{graph.Root.String()}}
		}
		if err := b.create(ctx, task); err != nil {
			return nil, fmt.Errorf("dsr: create consent tasks: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

type consentNode struct {
	dataset    *graph.GraphDataset
	collection *graph.Collection
}

// persist walks the graph in topological order and writes one task per node,
// skipping addresses that already have a row for this request and action so
// re-invocation on retry or resume never duplicates work.
func (b *Builder) persist(ctx context.Context, req *dsr.PrivacyRequest, action dsr.ActionType, dg *digraph, t *graph.Traversal) ([]*dsr.RequestTask, error) {
	order, err := dg.topoOrder()
	if err != nil {
		if action == dsr.ActionErasure && errors.Is(err, ErrGraphCycle) {
			return nil, dsr.ErrEraseAfterCycle
		}
		return nil, err
	}

	var tasks []*dsr.RequestTask
	for _, addr := range order {
		task, err := b.taskFor(ctx, req, action, dg, addr)
		if err != nil {
			return nil, err
		}
		if task == nil {
			continue
		}
		if node, ok := t.Nodes[addr]; ok {
			snapshot, err := json.Marshal(node.Node.Collection)
			if err != nil {
				return nil, err
			}
			task.Collection = snapshot
			task.DatasetName = addr.Dataset
			task.CollectionName = addr.Collection
			task.TraversalDetails = dsr.TraversalDetails{InputKeys: node.InputKeys()}
		}
		if err := b.create(ctx, task); err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// taskFor builds the task row for one graph node, or returns nil when a row
// already exists for its address.
func (b *Builder) taskFor(ctx context.Context, req *dsr.PrivacyRequest, action dsr.ActionType, dg *digraph, addr graph.CollectionAddress) (*dsr.RequestTask, error) {
	existing, err := b.store.GetTaskByAddress(ctx, req.ID, action, addr.String())
	if err != nil && !errors.Is(err, dsr.ErrTaskNotFound) {
		return nil, err
	}
	if existing != nil {
		return nil, nil
	}

	now := time.Now().UTC()
	task := &dsr.RequestTask{
		ID:                 uuid.NewString(),
		PrivacyRequestID:   req.ID,
		ActionType:         action,
		CollectionAddress:  addr.String(),
		Status:             dsr.TaskPending,
		UpstreamTasks:      addressStrings(dg.predecessors(addr)),
		DownstreamTasks:    addressStrings(dg.successors(addr)),
		AllDescendantTasks: addressStrings(dg.descendants(addr)),
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	if addr == graph.Root {
		// The synthetic start node is always complete; for access and
		// consent it carries the identity seed as its output.
		task.Status = dsr.TaskComplete
		if action != dsr.ActionErasure {
			task.AccessData = []dsr.Row{req.IdentityRow()}
			task.DataForErasures = []dsr.Row{req.IdentityRow()}
		}
	}
	return task, nil
}

func (b *Builder) create(ctx context.Context, task *dsr.RequestTask) error {
	err := b.store.CreateTask(ctx, task)
	if errors.Is(err, dsr.ErrDuplicateTask) {
		// Another run raced us to this address; the existing row wins.
		return nil
	}
	return err
}

func addressStrings(addrs []graph.CollectionAddress) []string {
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = a.String()
	}
	return out
}
