// Package executor runs individual request tasks off the work queue:
// connector-backed graph tasks and the worker loop that claims, executes,
// and writes back their results.
package executor

import "github.com/meikuraledutech/dsr"

// Kind discriminates the outcome of a task execution.
type Kind int

const (
	// KindResolved means the task finished and produced rows.
	KindResolved Kind = iota
	// KindPaused means the task is waiting on an external callback (human
	// submission, webhook) and must not be marked complete or error.
	KindPaused
	// KindFailed means the task failed.
	KindFailed
)

// Result is the three-way outcome of one task execution. The caller branches
// on Kind rather than on error types, so a suspension is never mistaken for
// a failure.
type Result struct {
	Kind       Kind
	Rows       []dsr.Row
	RowsMasked int
	Reason     string
	Status     dsr.TaskStatus
	Err        error
}

// Resolved returns a successful result carrying the given rows.
func Resolved(rows []dsr.Row) Result {
	return Result{Kind: KindResolved, Rows: rows}
}

// ResolvedMasked returns a successful erasure result with the masked count.
func ResolvedMasked(count int) Result {
	return Result{Kind: KindResolved, RowsMasked: count}
}

// Paused returns a suspension awaiting an asynchronous callback, such as a
// two-way webhook response.
func Paused(reason string) Result {
	return Result{Kind: KindPaused, Reason: reason, Status: dsr.TaskPaused}
}

// AwaitingInput returns a suspension blocked on human-submitted data.
func AwaitingInput(reason string) Result {
	return Result{Kind: KindPaused, Reason: reason, Status: dsr.TaskRequiresInput}
}

// Failed returns a failure wrapping the given error.
func Failed(err error) Result {
	return Result{Kind: KindFailed, Err: err}
}
