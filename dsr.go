// Package dsr defines the durable data model for data subject request (DSR)
// execution: privacy requests, the per-collection RequestTask rows that carry
// their progress, and the Store/Queue contracts implemented by the storage
// backends.
package dsr

// ActionType is the kind of work a graph performs for a privacy request.
type ActionType string

const (
	ActionAccess  ActionType = "access"
	ActionErasure ActionType = "erasure"
	ActionConsent ActionType = "consent"
)

// TaskStatus is the state of a single RequestTask.
type TaskStatus string

const (
	TaskPending       TaskStatus = "pending"
	TaskInProcessing  TaskStatus = "in_processing"
	TaskComplete      TaskStatus = "complete"
	TaskError         TaskStatus = "error"
	TaskSkipped       TaskStatus = "skipped"
	TaskPaused        TaskStatus = "paused"
	TaskRetrying      TaskStatus = "retrying"
	TaskRequiresInput TaskStatus = "requires_input"
)

// Resolved reports whether the status is terminal for upstream-dependency
// purposes. Errored tasks count as resolved so a failed branch does not
// deadlock its siblings; failure propagation is the scheduler's job.
func (s TaskStatus) Resolved() bool {
	switch s {
	case TaskComplete, TaskError, TaskSkipped:
		return true
	}
	return false
}

// Dispatchable reports whether a task in this status may be claimed for
// execution. Suspended tasks are claimable again so an external callback
// can be re-checked; resolved and already-claimed tasks are not.
func (s TaskStatus) Dispatchable() bool {
	switch s {
	case TaskPending, TaskRetrying, TaskPaused, TaskRequiresInput:
		return true
	}
	return false
}

// RequestStatus is the overall state of a privacy request.
type RequestStatus string

const (
	RequestPending       RequestStatus = "pending"
	RequestApproved      RequestStatus = "approved"
	RequestInProcessing  RequestStatus = "in_processing"
	RequestRequiresInput RequestStatus = "requires_input"
	RequestPaused        RequestStatus = "paused"
	RequestComplete      RequestStatus = "complete"
	RequestError         RequestStatus = "error"
	RequestCanceled      RequestStatus = "canceled"
	RequestDenied        RequestStatus = "denied"
)

// Terminal reports whether the request can make no further progress.
func (s RequestStatus) Terminal() bool {
	switch s {
	case RequestComplete, RequestError, RequestCanceled, RequestDenied:
		return true
	}
	return false
}

// Row is one record fetched from or written back to a collection.
type Row = map[string]any
