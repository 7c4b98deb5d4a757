package dsr

import (
	"encoding/json"
	"time"
)

// Reserved collection address strings for the synthetic start and end nodes
// of every task graph.
const (
	RootAddress       = "__ROOT__"
	TerminatorAddress = "__TERMINATOR__"
)

// TraversalDetails records the ordering of a node's input collections at
// graph-build time. Execution reads it back to align per-parent data, so a
// task can run against a worker that never saw the in-memory graph.
type TraversalDetails struct {
	InputKeys []string `json:"input_keys"`
}

// RequestTask is the durable, resumable unit of execution: one row per
// (privacy request, action type, collection address). The collection schema
// is snapshotted as JSON at creation time; access and erasure payloads are
// JSON row sets written back by executors.
type RequestTask struct {
	ID               string     `json:"id"`
	PrivacyRequestID string     `json:"privacy_request_id"`
	ActionType       ActionType `json:"action_type"`

	CollectionAddress string `json:"collection_address"`
	DatasetName       string `json:"dataset_name"`
	CollectionName    string `json:"collection_name"`

	Status TaskStatus `json:"status"`

	// Sorted address strings, computed once at creation. AllDescendantTasks
	// is the full transitive closure so failure propagation never re-walks
	// the graph.
	UpstreamTasks      []string `json:"upstream_tasks"`
	DownstreamTasks    []string `json:"downstream_tasks"`
	AllDescendantTasks []string `json:"all_descendant_tasks"`

	Collection       json.RawMessage  `json:"collection,omitempty"`
	TraversalDetails TraversalDetails `json:"traversal_details"`

	AccessData       []Row   `json:"access_data,omitempty"`
	DataForErasures  []Row   `json:"data_for_erasures,omitempty"`
	ErasureInputData [][]Row `json:"erasure_input_data,omitempty"`

	RowsMasked int `json:"rows_masked"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsRoot reports whether the task is the synthetic start node.
func (t *RequestTask) IsRoot() bool { return t.CollectionAddress == RootAddress }

// IsTerminator reports whether the task is the synthetic end node.
func (t *RequestTask) IsTerminator() bool { return t.CollectionAddress == TerminatorAddress }

// UpstreamResolved reports whether every upstream address is resolved
// according to the given status lookup. Addresses missing from the lookup
// count as unresolved.
func (t *RequestTask) UpstreamResolved(statuses map[string]TaskStatus) bool {
	for _, addr := range t.UpstreamTasks {
		if !statuses[addr].Resolved() {
			return false
		}
	}
	return true
}
