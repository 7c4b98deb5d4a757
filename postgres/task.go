package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/meikuraledutech/dsr"
)

const taskColumns = `id, privacy_request_id, action_type, collection_address,
	dataset_name, collection_name, status,
	upstream_tasks, downstream_tasks, all_descendant_tasks,
	collection, traversal_details, access_data, data_for_erasures,
	erasure_input_data, rows_masked, created_at, updated_at`

func scanTask(row pgx.Row) (*dsr.RequestTask, error) {
	var t dsr.RequestTask
	err := row.Scan(
		&t.ID, &t.PrivacyRequestID, &t.ActionType, &t.CollectionAddress,
		&t.DatasetName, &t.CollectionName, &t.Status,
		&t.UpstreamTasks, &t.DownstreamTasks, &t.AllDescendantTasks,
		&t.Collection, &t.TraversalDetails, &t.AccessData, &t.DataForErasures,
		&t.ErasureInputData, &t.RowsMasked, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// CreateTask inserts a request task.
// Returns ErrDuplicateTask when a task with the same request, action
// and address already exists.
func (s *PGStore) CreateTask(ctx context.Context, task *dsr.RequestTask) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO request_tasks (`+taskColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		task.ID, task.PrivacyRequestID, task.ActionType, task.CollectionAddress,
		task.DatasetName, task.CollectionName, task.Status,
		task.UpstreamTasks, task.DownstreamTasks, task.AllDescendantTasks,
		task.Collection, task.TraversalDetails, task.AccessData, task.DataForErasures,
		task.ErasureInputData, task.RowsMasked, task.CreatedAt, task.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", dsr.ErrDuplicateTask, task.CollectionAddress)
		}
		return fmt.Errorf("dsr: insert task: %w", err)
	}
	return nil
}

// GetTask fetches a task by ID.
// Returns ErrTaskNotFound if it doesn't exist.
func (s *PGStore) GetTask(ctx context.Context, taskID string) (*dsr.RequestTask, error) {
	t, err := scanTask(s.db.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM request_tasks WHERE id = $1`, taskID))
	if err != nil {
		if isNoRows(err) {
			return nil, dsr.ErrTaskNotFound
		}
		return nil, fmt.Errorf("dsr: get task: %w", err)
	}
	return t, nil
}

// GetTaskByAddress fetches the task for a collection address within a
// request and action. Returns ErrTaskNotFound if it doesn't exist.
func (s *PGStore) GetTaskByAddress(ctx context.Context, requestID string, action dsr.ActionType, address string) (*dsr.RequestTask, error) {
	t, err := scanTask(s.db.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM request_tasks
		 WHERE privacy_request_id = $1 AND action_type = $2 AND collection_address = $3`,
		requestID, action, address))
	if err != nil {
		if isNoRows(err) {
			return nil, dsr.ErrTaskNotFound
		}
		return nil, fmt.Errorf("dsr: get task by address: %w", err)
	}
	return t, nil
}

// UpdateTask overwrites the mutable fields of an existing task.
// Returns ErrTaskNotFound if it doesn't exist.
func (s *PGStore) UpdateTask(ctx context.Context, task *dsr.RequestTask) error {
	ct, err := s.db.Exec(ctx,
		`UPDATE request_tasks SET
		   status = $1, access_data = $2, data_for_erasures = $3,
		   erasure_input_data = $4, rows_masked = $5, traversal_details = $6,
		   updated_at = NOW()
		 WHERE id = $7`,
		task.Status, task.AccessData, task.DataForErasures,
		task.ErasureInputData, task.RowsMasked, task.TraversalDetails,
		task.ID,
	)
	if err != nil {
		return fmt.Errorf("dsr: update task: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return dsr.ErrTaskNotFound
	}
	return nil
}

// UpdateTaskStatus sets the status of a task.
// Returns ErrTaskNotFound if it doesn't exist.
func (s *PGStore) UpdateTaskStatus(ctx context.Context, taskID string, status dsr.TaskStatus) error {
	ct, err := s.db.Exec(ctx,
		`UPDATE request_tasks SET status = $1, updated_at = NOW() WHERE id = $2`,
		status, taskID,
	)
	if err != nil {
		return fmt.Errorf("dsr: update task status: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return dsr.ErrTaskNotFound
	}
	return nil
}

// ListTasks returns all tasks for a request and action, ordered by
// collection address. Returns an empty slice (not nil) if none found.
func (s *PGStore) ListTasks(ctx context.Context, requestID string, action dsr.ActionType) ([]*dsr.RequestTask, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+taskColumns+` FROM request_tasks
		 WHERE privacy_request_id = $1 AND action_type = $2
		 ORDER BY collection_address`,
		requestID, action)
	if err != nil {
		return nil, fmt.Errorf("dsr: list tasks: %w", err)
	}
	defer rows.Close()

	tasks := []*dsr.RequestTask{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("dsr: scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dsr: rows tasks: %w", err)
	}

	return tasks, nil
}

// ClaimTask atomically moves a dispatchable task to in_processing and
// returns it. Returns ErrTaskNotReady when the task is in any other
// state, which lets workers drop queue redeliveries.
func (s *PGStore) ClaimTask(ctx context.Context, taskID string) (*dsr.RequestTask, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("dsr: claim task: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	t, err := scanTask(tx.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM request_tasks WHERE id = $1 FOR UPDATE`, taskID))
	if err != nil {
		if isNoRows(err) {
			return nil, dsr.ErrTaskNotFound
		}
		return nil, fmt.Errorf("dsr: claim task: %w", err)
	}

	if !t.Status.Dispatchable() {
		return nil, fmt.Errorf("%w: %s is %s", dsr.ErrTaskNotReady, t.CollectionAddress, t.Status)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE request_tasks SET status = $1, updated_at = NOW() WHERE id = $2`,
		dsr.TaskInProcessing, taskID,
	); err != nil {
		return nil, fmt.Errorf("dsr: claim task: update: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("dsr: claim task: commit: %w", err)
	}

	t.Status = dsr.TaskInProcessing
	return t, nil
}

// isUniqueViolation checks for a PostgreSQL unique constraint error.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
