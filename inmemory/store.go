// Package inmemory implements the dsr and manual store contracts with
// mutex-guarded maps. It backs the engine tests and the example binary;
// production deployments use the postgres package.
package inmemory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/meikuraledutech/dsr"
	"github.com/meikuraledutech/dsr/manual"
)

// Store holds every entity in memory. Safe for concurrent use.
type Store struct {
	mu sync.RWMutex

	requests map[string]*dsr.PrivacyRequest
	tasks    map[string]*dsr.RequestTask
	// taskIndex maps (request, action, address) to task ID for the
	// duplicate-creation guard and address lookups.
	taskIndex map[string]string

	manualTasks map[string]*manual.ManualTask
	configs     map[string]*manual.ManualTaskConfig
	instances   map[string]*manual.ManualTaskInstance
	// instanceIndex maps (request, config) to instance ID.
	instanceIndex map[string]string
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		requests:      map[string]*dsr.PrivacyRequest{},
		tasks:         map[string]*dsr.RequestTask{},
		taskIndex:     map[string]string{},
		manualTasks:   map[string]*manual.ManualTask{},
		configs:       map[string]*manual.ManualTaskConfig{},
		instances:     map[string]*manual.ManualTaskInstance{},
		instanceIndex: map[string]string{},
	}
}

// CreateSchema is a no-op for the in-memory store.
func (s *Store) CreateSchema(ctx context.Context) error { return nil }

// DropSchema clears all stored entities.
func (s *Store) DropSchema(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = map[string]*dsr.PrivacyRequest{}
	s.tasks = map[string]*dsr.RequestTask{}
	s.taskIndex = map[string]string{}
	s.manualTasks = map[string]*manual.ManualTask{}
	s.configs = map[string]*manual.ManualTaskConfig{}
	s.instances = map[string]*manual.ManualTaskInstance{}
	s.instanceIndex = map[string]string{}
	return nil
}

func taskKey(requestID string, action dsr.ActionType, address string) string {
	return requestID + "|" + string(action) + "|" + address
}

func instanceKey(requestID, configID string) string {
	return requestID + "|" + configID
}

// ── Privacy requests ─────────────────────────────────────────────────

func (s *Store) CreateRequest(ctx context.Context, req *dsr.PrivacyRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *req
	s.requests[req.ID] = &cp
	return nil
}

func (s *Store) GetRequest(ctx context.Context, requestID string) (*dsr.PrivacyRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.requests[requestID]
	if !ok {
		return nil, dsr.ErrRequestNotFound
	}
	cp := *req
	return &cp, nil
}

func (s *Store) UpdateRequestStatus(ctx context.Context, requestID string, status dsr.RequestStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[requestID]
	if !ok {
		return dsr.ErrRequestNotFound
	}
	req.Status = status
	req.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) ListStalledRequests(ctx context.Context, cutoff time.Time) ([]*dsr.PrivacyRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*dsr.PrivacyRequest
	for _, req := range s.requests {
		suspended := req.Status == dsr.RequestPaused || req.Status == dsr.RequestRequiresInput
		if suspended && req.UpdatedAt.Before(cutoff) {
			cp := *req
			out = append(out, &cp)
		}
	}
	return out, nil
}

// ── Request tasks ────────────────────────────────────────────────────

func (s *Store) CreateTask(ctx context.Context, task *dsr.RequestTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := taskKey(task.PrivacyRequestID, task.ActionType, task.CollectionAddress)
	if _, exists := s.taskIndex[key]; exists {
		return fmt.Errorf("%w: %s", dsr.ErrDuplicateTask, task.CollectionAddress)
	}
	cp := *task
	s.tasks[task.ID] = &cp
	s.taskIndex[key] = task.ID
	return nil
}

func (s *Store) GetTask(ctx context.Context, taskID string) (*dsr.RequestTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return nil, dsr.ErrTaskNotFound
	}
	cp := *task
	return &cp, nil
}

func (s *Store) GetTaskByAddress(ctx context.Context, requestID string, action dsr.ActionType, address string) (*dsr.RequestTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.taskIndex[taskKey(requestID, action, address)]
	if !ok {
		return nil, dsr.ErrTaskNotFound
	}
	cp := *s.tasks[id]
	return &cp, nil
}

func (s *Store) UpdateTask(ctx context.Context, task *dsr.RequestTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[task.ID]; !ok {
		return dsr.ErrTaskNotFound
	}
	cp := *task
	cp.UpdatedAt = time.Now().UTC()
	s.tasks[task.ID] = &cp
	return nil
}

func (s *Store) UpdateTaskStatus(ctx context.Context, taskID string, status dsr.TaskStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return dsr.ErrTaskNotFound
	}
	task.Status = status
	task.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) ListTasks(ctx context.Context, requestID string, action dsr.ActionType) ([]*dsr.RequestTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*dsr.RequestTask
	for _, task := range s.tasks {
		if task.PrivacyRequestID == requestID && task.ActionType == action {
			cp := *task
			out = append(out, &cp)
		}
	}
	sortTasks(out)
	return out, nil
}

func (s *Store) ClaimTask(ctx context.Context, taskID string) (*dsr.RequestTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return nil, dsr.ErrTaskNotFound
	}
	if !task.Status.Dispatchable() {
		return nil, fmt.Errorf("%w: %s is %s", dsr.ErrTaskNotReady, task.CollectionAddress, task.Status)
	}
	task.Status = dsr.TaskInProcessing
	task.UpdatedAt = time.Now().UTC()
	cp := *task
	return &cp, nil
}

// ── Manual tasks ─────────────────────────────────────────────────────

func (s *Store) CreateManualTask(ctx context.Context, task *manual.ManualTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *task
	s.manualTasks[task.ID] = &cp
	return nil
}

func (s *Store) ListManualTasks(ctx context.Context, connectionKey string) ([]*manual.ManualTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*manual.ManualTask
	for _, task := range s.manualTasks {
		if task.ConnectionKey == connectionKey {
			cp := *task
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Store) CreateConfig(ctx context.Context, cfg *manual.ManualTaskConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg.IsCurrent {
		// Only one live config per (task, type).
		for _, other := range s.configs {
			if other.ManualTaskID == cfg.ManualTaskID && other.Type == cfg.Type {
				other.IsCurrent = false
			}
		}
	}
	cp := *cfg
	s.configs[cfg.ID] = &cp
	return nil
}

func (s *Store) ListConfigs(ctx context.Context, manualTaskID string) ([]*manual.ManualTaskConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*manual.ManualTaskConfig
	for _, cfg := range s.configs {
		if cfg.ManualTaskID == manualTaskID {
			cp := *cfg
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Store) CreateInstance(ctx context.Context, inst *manual.ManualTaskInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := instanceKey(inst.PrivacyRequestID, inst.ConfigID)
	if _, exists := s.instanceIndex[key]; exists {
		return nil
	}
	cp := *inst
	if cp.Submissions == nil {
		cp.Submissions = map[string]*manual.Submission{}
	}
	s.instances[inst.ID] = &cp
	s.instanceIndex[key] = inst.ID
	return nil
}

func (s *Store) GetInstance(ctx context.Context, requestID, configID string) (*manual.ManualTaskInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.instanceIndex[instanceKey(requestID, configID)]
	if !ok {
		return nil, manual.ErrInstanceNotFound
	}
	return cloneInstance(s.instances[id]), nil
}

func (s *Store) GetInstanceByID(ctx context.Context, instanceID string) (*manual.ManualTaskInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[instanceID]
	if !ok {
		return nil, manual.ErrInstanceNotFound
	}
	return cloneInstance(inst), nil
}

func (s *Store) ListInstances(ctx context.Context, requestID string) ([]*manual.ManualTaskInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*manual.ManualTaskInstance
	for _, inst := range s.instances {
		if inst.PrivacyRequestID == requestID {
			out = append(out, cloneInstance(inst))
		}
	}
	return out, nil
}

func (s *Store) AddSubmission(ctx context.Context, instanceID string, sub *manual.Submission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[instanceID]
	if !ok {
		return manual.ErrInstanceNotFound
	}
	cp := *sub
	inst.Submissions[sub.FieldKey] = &cp
	return nil
}

func cloneInstance(inst *manual.ManualTaskInstance) *manual.ManualTaskInstance {
	cp := *inst
	cp.Submissions = map[string]*manual.Submission{}
	for k, v := range inst.Submissions {
		sv := *v
		cp.Submissions[k] = &sv
	}
	return &cp
}

func sortTasks(tasks []*dsr.RequestTask) {
	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].CollectionAddress < tasks[j].CollectionAddress
	})
}
