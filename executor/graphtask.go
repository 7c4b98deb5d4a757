package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/meikuraledutech/dsr"
	"github.com/meikuraledutech/dsr/graph"
)

// TaskExecutor consumes one claimed request task and reports its outcome.
// Implementations write any produced data onto the task; the worker persists
// it together with the resulting status.
type TaskExecutor interface {
	Execute(ctx context.Context, req *dsr.PrivacyRequest, task *dsr.RequestTask) Result
}

// Router picks a TaskExecutor per dataset, falling back to the default.
// Manual-task datasets route to the manual executor; everything else runs
// through the connector-backed GraphTask.
type Router struct {
	Default   TaskExecutor
	ByDataset map[string]TaskExecutor
}

func (r *Router) Execute(ctx context.Context, req *dsr.PrivacyRequest, task *dsr.RequestTask) Result {
	if e, ok := r.ByDataset[task.DatasetName]; ok {
		return e.Execute(ctx, req, task)
	}
	return r.Default.Execute(ctx, req, task)
}

// GraphTask executes one connector-backed task: fetch for access, mask for
// erasure, propagate for consent. Connectors are keyed by dataset name.
type GraphTask struct {
	store      dsr.Store
	connectors map[string]Connector
	retry      RetryPolicy
}

// NewGraphTask creates a GraphTask executor.
func NewGraphTask(store dsr.Store, connectors map[string]Connector, retry RetryPolicy) *GraphTask {
	return &GraphTask{store: store, connectors: connectors, retry: retry}
}

func (g *GraphTask) Execute(ctx context.Context, req *dsr.PrivacyRequest, task *dsr.RequestTask) Result {
	var collection graph.Collection
	if err := json.Unmarshal(task.Collection, &collection); err != nil {
		return Failed(fmt.Errorf("dsr: decode collection snapshot: %w", err))
	}

	connector, ok := g.connectors[task.DatasetName]
	if !ok {
		return Failed(fmt.Errorf("dsr: no connector for dataset %q", task.DatasetName))
	}

	switch task.ActionType {
	case dsr.ActionAccess:
		return g.access(ctx, req, task, &collection, connector)
	case dsr.ActionErasure:
		return g.erasure(ctx, req, task, &collection, connector)
	case dsr.ActionConsent:
		return g.consent(ctx, req, &collection, connector)
	}
	return Failed(fmt.Errorf("dsr: unknown action type %q", task.ActionType))
}

// access fetches the collection's rows from the upstream inputs. The full
// row set is kept for the erasure phase; the externally visible access data
// is filtered down to the policy's data categories.
func (g *GraphTask) access(ctx context.Context, req *dsr.PrivacyRequest, task *dsr.RequestTask, collection *graph.Collection, connector Connector) Result {
	inputs, err := g.gatherInputs(ctx, task)
	if err != nil {
		return Failed(err)
	}

	var rows []dsr.Row
	err = withRetry(ctx, g.retry, func() error {
		var retrieveErr error
		rows, retrieveErr = connector.Retrieve(ctx, collection, inputs)
		return retrieveErr
	})
	if err != nil {
		return Failed(fmt.Errorf("dsr: retrieve %s: %w", task.CollectionAddress, err))
	}

	task.DataForErasures = rows
	task.AccessData = filterByCategories(collection, rows, ruleCategories(req.Policy.RulesFor(dsr.ActionAccess)))
	return Resolved(task.AccessData)
}

// erasure masks the rows wired onto the task after the access phase. Manual
// collections never reach here; they route to the manual executor.
func (g *GraphTask) erasure(ctx context.Context, req *dsr.PrivacyRequest, task *dsr.RequestTask, collection *graph.Collection, connector Connector) Result {
	rules := req.Policy.RulesFor(dsr.ActionErasure)
	if len(rules) == 0 {
		return Failed(fmt.Errorf("dsr: erasure task %s with no erasure rules", task.CollectionAddress))
	}
	rule := rules[0]
	if collection.MaskingOverride != "" {
		rule.MaskingStrategy = collection.MaskingOverride
	}

	var masked int
	err := withRetry(ctx, g.retry, func() error {
		var maskErr error
		masked, maskErr = connector.Mask(ctx, collection, task.DataForErasures, task.ErasureInputData, rule)
		return maskErr
	})
	if err != nil {
		return Failed(fmt.Errorf("dsr: mask %s: %w", task.CollectionAddress, err))
	}
	task.RowsMasked = masked
	return ResolvedMasked(masked)
}

func (g *GraphTask) consent(ctx context.Context, req *dsr.PrivacyRequest, collection *graph.Collection, connector Connector) Result {
	err := withRetry(ctx, g.retry, func() error {
		return connector.PropagateConsent(ctx, collection, req.Identity)
	})
	if err != nil {
		return Failed(fmt.Errorf("dsr: propagate consent %s: %w", collection.Name, err))
	}
	return Resolved(nil)
}

// gatherInputs loads the unfiltered output of each input collection in the
// task's stored input-key order, so per-parent data alignment survives
// process restarts.
func (g *GraphTask) gatherInputs(ctx context.Context, task *dsr.RequestTask) ([][]dsr.Row, error) {
	inputs := make([][]dsr.Row, 0, len(task.TraversalDetails.InputKeys))
	for _, key := range task.TraversalDetails.InputKeys {
		upstream, err := g.store.GetTaskByAddress(ctx, task.PrivacyRequestID, task.ActionType, key)
		if err != nil {
			return nil, fmt.Errorf("dsr: gather inputs for %s: %w", task.CollectionAddress, err)
		}
		inputs = append(inputs, upstream.DataForErasures)
	}
	return inputs, nil
}

func ruleCategories(rules []dsr.Rule) map[string]struct{} {
	cats := map[string]struct{}{}
	for _, r := range rules {
		for _, c := range r.DataCategories {
			cats[c] = struct{}{}
		}
	}
	return cats
}

// filterByCategories keeps the fields whose data categories (or any nested
// field's categories) match the policy's target categories. An empty target
// set keeps everything.
func filterByCategories(collection *graph.Collection, rows []dsr.Row, cats map[string]struct{}) []dsr.Row {
	if len(cats) == 0 {
		return rows
	}
	out := make([]dsr.Row, 0, len(rows))
	for _, row := range rows {
		filtered := dsr.Row{}
		for _, f := range collection.Fields {
			if !fieldMatches(f, cats) {
				continue
			}
			if v, ok := row[f.Name]; ok {
				filtered[f.Name] = v
			}
		}
		out = append(out, filtered)
	}
	return out
}

func fieldMatches(f *graph.Field, cats map[string]struct{}) bool {
	for _, c := range f.DataCategories {
		if categoryMatches(c, cats) {
			return true
		}
	}
	for _, sub := range f.Fields {
		if fieldMatches(sub, cats) {
			return true
		}
	}
	return false
}

// categoryMatches reports whether the field's category equals a target or
// descends from one. Categories form a dotted taxonomy, so a rule targeting
// "user" covers "user.contact.email".
func categoryMatches(category string, cats map[string]struct{}) bool {
	if _, ok := cats[category]; ok {
		return true
	}
	for target := range cats {
		if strings.HasPrefix(category, target+".") {
			return true
		}
	}
	return false
}
