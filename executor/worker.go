package executor

import (
	"context"
	"errors"
	"time"

	"github.com/meikuraledutech/dsr"
	"github.com/meikuraledutech/dsr/ctxlog"
)

// FailurePolicy decides what a single task failure does to the rest of the
// request.
type FailurePolicy int

const (
	// FailFast marks the whole request errored; no further tasks of the
	// request are dispatched until a resume resets the errored tasks.
	FailFast FailurePolicy = iota
	// BestEffort skips the failed task's descendants and lets independent
	// branches keep running toward partial completion.
	BestEffort
)

// Redispatch re-runs request-level scheduling after a task completes.
type Redispatch func(ctx context.Context, requestID string) error

// Worker pulls queue items and executes them. Any number of workers may run
// concurrently across processes; delivery is at-least-once, so every
// execution starts with an idempotency gate on the task's persisted status.
type Worker struct {
	store      dsr.Store
	queue      dsr.Queue
	exec       TaskExecutor
	redispatch Redispatch
	policy     FailurePolicy
	poll       time.Duration
}

// NewWorker creates a worker. Poll is the idle sleep between empty dequeues.
func NewWorker(store dsr.Store, queue dsr.Queue, exec TaskExecutor, redispatch Redispatch, policy FailurePolicy, poll time.Duration) *Worker {
	if poll <= 0 {
		poll = 250 * time.Millisecond
	}
	return &Worker{store: store, queue: queue, exec: exec, redispatch: redispatch, policy: policy, poll: poll}
}

// Run processes queue items until the context is canceled.
func (w *Worker) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			return err
		}
		if item == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(w.poll):
			}
			continue
		}
		w.Process(ctx, *item)
	}
}

// Process executes one queue item. Redelivered items for already-resolved or
// already-claimed tasks no-op; the task row itself is the idempotency token.
func (w *Worker) Process(ctx context.Context, item dsr.QueueItem) {
	logger := ctxlog.FromContext(ctx).With("privacy_request_id", item.PrivacyRequestID, "request_task_id", item.RequestTaskID)

	task, err := w.store.ClaimTask(ctx, item.RequestTaskID)
	if errors.Is(err, dsr.ErrTaskNotReady) {
		logger.Debug("task not claimable, dropping redelivery")
		return
	}
	if err != nil {
		logger.Error("claim task", "error", err)
		return
	}
	logger = logger.With("collection", task.CollectionAddress, "action", task.ActionType)

	req, err := w.store.GetRequest(ctx, task.PrivacyRequestID)
	if err != nil {
		logger.Error("load privacy request", "error", err)
		return
	}
	if req.Status == dsr.RequestCanceled {
		// The parent request was canceled after dispatch; the result would
		// be ignored anyway.
		logger.Info("request canceled, skipping task")
		if err := w.store.UpdateTaskStatus(ctx, task.ID, dsr.TaskSkipped); err != nil {
			logger.Error("skip task", "error", err)
		}
		return
	}

	res := w.exec.Execute(ctx, req, task)
	switch res.Kind {
	case KindResolved:
		task.Status = dsr.TaskComplete
		if err := w.store.UpdateTask(ctx, task); err != nil {
			logger.Error("persist task result", "error", err)
			return
		}
		logger.Info("task complete", "rows", len(res.Rows), "rows_masked", res.RowsMasked)

	case KindPaused:
		task.Status = res.Status
		if err := w.store.UpdateTask(ctx, task); err != nil {
			logger.Error("persist task pause", "error", err)
			return
		}
		requestStatus := dsr.RequestPaused
		if res.Status == dsr.TaskRequiresInput {
			requestStatus = dsr.RequestRequiresInput
		}
		if err := w.store.UpdateRequestStatus(ctx, req.ID, requestStatus); err != nil {
			logger.Error("pause request", "error", err)
		}
		logger.Info("task suspended", "reason", res.Reason)
		return

	case KindFailed:
		logger.Error("task failed", "error", res.Err)
		task.Status = dsr.TaskError
		if err := w.store.UpdateTask(ctx, task); err != nil {
			logger.Error("persist task error", "error", err)
			return
		}
		w.propagateFailure(ctx, task)
		if w.policy == FailFast {
			if err := w.store.UpdateRequestStatus(ctx, req.ID, dsr.RequestError); err != nil {
				logger.Error("error request", "error", err)
			}
			return
		}
	}

	if item.QueuePrivacyRequest && w.redispatch != nil {
		if err := w.redispatch(ctx, req.ID); err != nil {
			logger.Error("redispatch request", "error", err)
		}
	}
}

// propagateFailure marks the failed task's descendants skipped in one pass
// over the precomputed closure, so the graph is never re-walked.
func (w *Worker) propagateFailure(ctx context.Context, failed *dsr.RequestTask) {
	if w.policy == FailFast {
		// Descendants stay pending for diagnosis; the errored request halts
		// dispatch instead.
		return
	}
	logger := ctxlog.FromContext(ctx)
	descendants := map[string]struct{}{}
	for _, addr := range failed.AllDescendantTasks {
		if addr != dsr.TerminatorAddress {
			descendants[addr] = struct{}{}
		}
	}
	tasks, err := w.store.ListTasks(ctx, failed.PrivacyRequestID, failed.ActionType)
	if err != nil {
		logger.Error("list tasks for failure propagation", "error", err)
		return
	}
	for _, t := range tasks {
		if _, ok := descendants[t.CollectionAddress]; !ok || t.Status.Resolved() {
			continue
		}
		if err := w.store.UpdateTaskStatus(ctx, t.ID, dsr.TaskSkipped); err != nil {
			logger.Error("skip descendant task", "task", t.CollectionAddress, "error", err)
		}
	}
}
