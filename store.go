package dsr

import (
	"context"
	"errors"
	"time"
)

var (
	ErrRequestNotFound = errors.New("dsr: privacy request not found")
	ErrTaskNotFound    = errors.New("dsr: request task not found")
	ErrDuplicateTask   = errors.New("dsr: request task already exists for this address")
	ErrTaskNotReady    = errors.New("dsr: task is not claimable in its current status")
	ErrEraseAfterCycle = errors.New("dsr: erase_after constraints form a cycle")
)

// Store defines the contract for persisting privacy requests and their tasks.
type Store interface {
	// Schema
	CreateSchema(ctx context.Context) error
	DropSchema(ctx context.Context) error

	// Privacy requests
	CreateRequest(ctx context.Context, req *PrivacyRequest) error
	GetRequest(ctx context.Context, requestID string) (*PrivacyRequest, error)
	UpdateRequestStatus(ctx context.Context, requestID string, status RequestStatus) error
	// ListStalledRequests returns paused/requires_input requests whose last
	// update is older than the cutoff, for the expiry job.
	ListStalledRequests(ctx context.Context, cutoff time.Time) ([]*PrivacyRequest, error)

	// Request tasks
	// CreateTask returns ErrDuplicateTask when a row already exists for the
	// task's (privacy_request_id, action_type, collection_address).
	CreateTask(ctx context.Context, task *RequestTask) error
	GetTask(ctx context.Context, taskID string) (*RequestTask, error)
	GetTaskByAddress(ctx context.Context, requestID string, action ActionType, address string) (*RequestTask, error)
	UpdateTask(ctx context.Context, task *RequestTask) error
	UpdateTaskStatus(ctx context.Context, taskID string, status TaskStatus) error
	ListTasks(ctx context.Context, requestID string, action ActionType) ([]*RequestTask, error)

	// ClaimTask atomically transitions a dispatchable task to in_processing
	// and returns it. Returns ErrTaskNotReady when the task is already
	// resolved or claimed, so redelivered queue items no-op.
	ClaimTask(ctx context.Context, taskID string) (*RequestTask, error)
}

// QueueItem is one unit of work handed to the distributed queue. Delivery is
// at-least-once; executors must tolerate redelivery. QueuePrivacyRequest
// controls whether completing the task also re-triggers request-level
// dispatch.
type QueueItem struct {
	PrivacyRequestID    string `json:"privacy_request_id"`
	RequestTaskID       string `json:"request_task_id"`
	QueuePrivacyRequest bool   `json:"queue_privacy_request"`
}

// Queue is the shared work queue the scheduler dispatches ready tasks onto.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	// Dequeue claims the next item. Returns nil, nil when the queue is empty.
	Dequeue(ctx context.Context) (*QueueItem, error)
}
