// Package scheduler orchestrates the privacy request lifecycle: it builds
// the task graphs on first run, finds ready tasks on every run or resume,
// and enqueues them onto the shared work queue.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/meikuraledutech/dsr"
	"github.com/meikuraledutech/dsr/builder"
	"github.com/meikuraledutech/dsr/ctxlog"
	"github.com/meikuraledutech/dsr/graph"
	"github.com/meikuraledutech/dsr/manual"
)

// Config wires the datasets the scheduler builds graphs from. Consent
// datasets are listed separately: each models a third-party consent API as
// a single mocked collection.
type Config struct {
	Datasets        []graph.GraphDataset
	ConsentDatasets []graph.GraphDataset

	// Manual, when set, injects the stored manual tasks of the listed
	// connections into every traversal as synthetic datasets.
	Manual *ManualGraph

	// StalledTimeout bounds how long a paused or requires_input request may
	// sit before the expiry job errors it. Zero disables expiry.
	StalledTimeout time.Duration
}

// ManualGraph names the manual-task connections whose stored definitions
// ride the traversal without any dataset declaration of their own.
type ManualGraph struct {
	Store       manual.Store
	Connections []string
	Resolve     manual.FieldResolver
}

// Scheduler is the single dispatch entry point per privacy request run.
type Scheduler struct {
	store   dsr.Store
	queue   dsr.Queue
	builder *builder.Builder
	cfg     Config
}

// New creates a Scheduler.
func New(store dsr.Store, queue dsr.Queue, cfg Config) *Scheduler {
	return &Scheduler{store: store, queue: queue, builder: builder.New(store), cfg: cfg}
}

// RunPrivacyRequest runs one privacy request: ensures the task graphs
// exist, dispatches every ready task per required action type, and finalizes
// the request once every required terminator is complete. Safe to re-invoke
// at any time; graph creation is idempotent. An errored request is left
// untouched so a redispatch from a sibling task cannot silently retry a
// failure; ResumePrivacyRequest is the operator path out of that state.
func (s *Scheduler) RunPrivacyRequest(ctx context.Context, requestID string) error {
	return s.run(ctx, requestID, false)
}

// ResumePrivacyRequest resets every errored task of the request to pending
// and re-enters dispatch, recovering an errored or suspended request.
func (s *Scheduler) ResumePrivacyRequest(ctx context.Context, requestID string) error {
	return s.run(ctx, requestID, true)
}

func (s *Scheduler) run(ctx context.Context, requestID string, resume bool) error {
	logger := ctxlog.FromContext(ctx).With("privacy_request_id", requestID)

	req, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return fmt.Errorf("dsr: run privacy request: %w", err)
	}
	switch req.Status {
	case dsr.RequestCanceled, dsr.RequestComplete, dsr.RequestDenied:
		logger.Info("request is terminal, nothing to schedule", "status", req.Status)
		return nil
	case dsr.RequestError:
		if !resume {
			logger.Info("request errored, awaiting resume")
			return nil
		}
	}

	if err := s.store.UpdateRequestStatus(ctx, req.ID, dsr.RequestInProcessing); err != nil {
		return fmt.Errorf("dsr: run privacy request: %w", err)
	}
	req.Status = dsr.RequestInProcessing

	actions := req.Policy.ActionTypes()
	for _, action := range actions {
		var err error
		switch action {
		case dsr.ActionAccess:
			err = s.runAccess(ctx, req, resume)
		case dsr.ActionErasure:
			err = s.runErasure(ctx, req, resume)
		case dsr.ActionConsent:
			err = s.runConsent(ctx, req, resume)
		}
		if err != nil {
			return err
		}
	}

	return s.finalize(ctx, req, actions)
}

// runAccess builds the access graph on first run, then dispatches ready
// tasks. When the policy also holds erasure rules the erasure graph is
// eagerly persisted from the same traversal so the two node sets always
// agree.
func (s *Scheduler) runAccess(ctx context.Context, req *dsr.PrivacyRequest, resume bool) error {
	tasks, err := s.store.ListTasks(ctx, req.ID, dsr.ActionAccess)
	if err != nil {
		return fmt.Errorf("dsr: run access: %w", err)
	}
	if len(tasks) == 0 {
		t, err := s.traverse(ctx, req, manual.ConfigAccess)
		if err != nil {
			return err
		}
		if _, err := s.builder.CreateAccessTasks(ctx, req, t); err != nil {
			return err
		}
		if len(req.Policy.RulesFor(dsr.ActionErasure)) > 0 {
			if _, err := s.builder.CreateErasureTasks(ctx, req, t); err != nil {
				return err
			}
		}
	}
	_, err = s.dispatchReady(ctx, req, dsr.ActionAccess, resume)
	return err
}

// runErasure dispatches erasure tasks once the access phase has finished.
// Erasure inputs are rewired from the access outputs on every pass, so a
// resume after restart sees the same data a first run would.
func (s *Scheduler) runErasure(ctx context.Context, req *dsr.PrivacyRequest, resume bool) error {
	tasks, err := s.store.ListTasks(ctx, req.ID, dsr.ActionErasure)
	if err != nil {
		return fmt.Errorf("dsr: run erasure: %w", err)
	}
	if len(tasks) == 0 {
		t, err := s.traverse(ctx, req, manual.ConfigErasure)
		if err != nil {
			return err
		}
		if _, err := s.builder.CreateErasureTasks(ctx, req, t); err != nil {
			return err
		}
	}

	// Erasure consumes data produced by the access phase; hold it back until
	// the access terminator resolves.
	if len(req.Policy.RulesFor(dsr.ActionAccess)) > 0 {
		done, err := s.actionComplete(ctx, req, dsr.ActionAccess)
		if err != nil {
			return err
		}
		if !done {
			return nil
		}
		if err := s.wireErasureInputs(ctx, req); err != nil {
			return err
		}
	}

	_, err = s.dispatchReady(ctx, req, dsr.ActionErasure, resume)
	return err
}

func (s *Scheduler) runConsent(ctx context.Context, req *dsr.PrivacyRequest, resume bool) error {
	tasks, err := s.store.ListTasks(ctx, req.ID, dsr.ActionConsent)
	if err != nil {
		return fmt.Errorf("dsr: run consent: %w", err)
	}
	if len(tasks) == 0 {
		if _, err := s.builder.CreateConsentTasks(ctx, req, s.cfg.ConsentDatasets); err != nil {
			return err
		}
	}
	_, err = s.dispatchReady(ctx, req, dsr.ActionConsent, resume)
	return err
}

// traverse builds the dataset graph, injecting the stored manual tasks as
// synthetic datasets when configured, and walks it from the request's
// identity.
func (s *Scheduler) traverse(ctx context.Context, req *dsr.PrivacyRequest, phase manual.ConfigType) (*graph.Traversal, error) {
	datasets := s.cfg.Datasets
	if m := s.cfg.Manual; m != nil {
		defs, err := manual.LoadDefinitions(ctx, m.Store, m.Connections)
		if err != nil {
			return nil, fmt.Errorf("dsr: load manual definitions: %w", err)
		}
		synthetic := manual.SyntheticDatasets(defs, phase, m.Resolve, identityTags(req.Identity))
		datasets = append(append([]graph.GraphDataset{}, datasets...), synthetic...)
	}
	g, err := graph.NewDatasetGraph(datasets)
	if err != nil {
		return nil, fmt.Errorf("dsr: build dataset graph: %w", err)
	}
	return graph.Traverse(g, req.Identity)
}

// identityTags lists the request's identity keys in sorted order, so every
// synthetic manual node is seeded by whatever identity the request carries.
func identityTags(identity map[string]string) []string {
	tags := make([]string, 0, len(identity))
	for k := range identity {
		tags = append(tags, k)
	}
	sort.Strings(tags)
	return tags
}

// dispatchReady is the ready-task detection pass: every unresolved task
// whose upstream addresses are all resolved is enqueued. Terminator tasks
// carry no work and are completed inline. On the resume path errored tasks
// are first reset to pending for a fresh retry; a plain run leaves them
// errored. Returns the number of enqueued tasks.
func (s *Scheduler) dispatchReady(ctx context.Context, req *dsr.PrivacyRequest, action dsr.ActionType, resume bool) (int, error) {
	logger := ctxlog.FromContext(ctx).With("privacy_request_id", req.ID, "action", action)

	tasks, err := s.store.ListTasks(ctx, req.ID, action)
	if err != nil {
		return 0, fmt.Errorf("dsr: dispatch ready: %w", err)
	}

	statuses := map[string]dsr.TaskStatus{}
	for _, t := range tasks {
		if resume && t.Status == dsr.TaskError {
			if err := s.store.UpdateTaskStatus(ctx, t.ID, dsr.TaskPending); err != nil {
				return 0, fmt.Errorf("dsr: dispatch ready: %w", err)
			}
			t.Status = dsr.TaskPending
			logger.Info("reset errored task for retry", "collection", t.CollectionAddress)
		}
		statuses[t.CollectionAddress] = t.Status
	}

	enqueued := 0
	for _, t := range tasks {
		if !t.Status.Dispatchable() || !t.UpstreamResolved(statuses) {
			continue
		}
		if t.IsTerminator() {
			if err := s.store.UpdateTaskStatus(ctx, t.ID, dsr.TaskComplete); err != nil {
				return enqueued, fmt.Errorf("dsr: dispatch ready: %w", err)
			}
			continue
		}
		item := dsr.QueueItem{
			PrivacyRequestID:    req.ID,
			RequestTaskID:       t.ID,
			QueuePrivacyRequest: true,
		}
		if err := s.queue.Enqueue(ctx, item); err != nil {
			return enqueued, fmt.Errorf("dsr: dispatch ready: %w", err)
		}
		enqueued++
		logger.Debug("enqueued task", "collection", t.CollectionAddress)
	}
	return enqueued, nil
}

// actionComplete reports whether the action's terminator task is complete.
func (s *Scheduler) actionComplete(ctx context.Context, req *dsr.PrivacyRequest, action dsr.ActionType) (bool, error) {
	term, err := s.store.GetTaskByAddress(ctx, req.ID, action, dsr.TerminatorAddress)
	if errors.Is(err, dsr.ErrTaskNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("dsr: check %s terminator: %w", action, err)
	}
	return term.Status == dsr.TaskComplete, nil
}

// finalize marks the request complete once the terminator of every required
// graph is complete. Requests suspended by a task stay in their suspended
// status.
func (s *Scheduler) finalize(ctx context.Context, req *dsr.PrivacyRequest, actions []dsr.ActionType) error {
	for _, action := range actions {
		done, err := s.actionComplete(ctx, req, action)
		if err != nil {
			return err
		}
		if !done {
			return nil
		}
	}

	// Never finalize a request that was canceled or errored mid-dispatch.
	current, err := s.store.GetRequest(ctx, req.ID)
	if err != nil {
		return fmt.Errorf("dsr: finalize: %w", err)
	}
	if current.Status != dsr.RequestInProcessing {
		return nil
	}
	if err := s.store.UpdateRequestStatus(ctx, req.ID, dsr.RequestComplete); err != nil {
		return fmt.Errorf("dsr: finalize: %w", err)
	}
	ctxlog.FromContext(ctx).Info("privacy request complete", "privacy_request_id", req.ID)
	return nil
}

// MarkStalledRequests errors every paused or requires_input request whose
// last update is older than the configured timeout. Intended to run on a
// periodic job so an external callback that never arrives cannot stall a
// request forever. Returns the number of requests errored.
func (s *Scheduler) MarkStalledRequests(ctx context.Context) (int, error) {
	if s.cfg.StalledTimeout <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().Add(-s.cfg.StalledTimeout)
	stalled, err := s.store.ListStalledRequests(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("dsr: mark stalled requests: %w", err)
	}
	for i, req := range stalled {
		if err := s.store.UpdateRequestStatus(ctx, req.ID, dsr.RequestError); err != nil {
			return i, fmt.Errorf("dsr: mark stalled requests: %w", err)
		}
	}
	return len(stalled), nil
}
