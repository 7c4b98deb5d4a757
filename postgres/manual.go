package postgres

import (
	"context"
	"fmt"

	"github.com/meikuraledutech/dsr/manual"
)

// CreateManualTask inserts a manual task definition.
func (s *PGStore) CreateManualTask(ctx context.Context, task *manual.ManualTask) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO manual_tasks (id, key, connection_key, condition)
		 VALUES ($1, $2, $3, $4)`,
		task.ID, task.Key, task.ConnectionKey, task.Condition,
	)
	if err != nil {
		return fmt.Errorf("dsr: insert manual task: %w", err)
	}
	return nil
}

// ListManualTasks returns the manual tasks attached to a connection.
// Returns an empty slice (not nil) if none found.
func (s *PGStore) ListManualTasks(ctx context.Context, connectionKey string) ([]*manual.ManualTask, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, key, connection_key, condition
		 FROM manual_tasks WHERE connection_key = $1 ORDER BY key`,
		connectionKey)
	if err != nil {
		return nil, fmt.Errorf("dsr: list manual tasks: %w", err)
	}
	defer rows.Close()

	tasks := []*manual.ManualTask{}
	for rows.Next() {
		var t manual.ManualTask
		if err := rows.Scan(&t.ID, &t.Key, &t.ConnectionKey, &t.Condition); err != nil {
			return nil, fmt.Errorf("dsr: scan manual task: %w", err)
		}
		tasks = append(tasks, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dsr: rows manual tasks: %w", err)
	}

	return tasks, nil
}

// CreateConfig inserts a manual task config. When the config is marked
// current, previously current configs of the same type are demoted in
// the same transaction.
func (s *PGStore) CreateConfig(ctx context.Context, cfg *manual.ManualTaskConfig) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("dsr: insert config: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if cfg.IsCurrent {
		if _, err := tx.Exec(ctx,
			`UPDATE manual_task_configs SET is_current = FALSE
			 WHERE manual_task_id = $1 AND config_type = $2`,
			cfg.ManualTaskID, cfg.Type,
		); err != nil {
			return fmt.Errorf("dsr: demote configs: %w", err)
		}
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO manual_task_configs (id, manual_task_id, config_type, version, is_current, fields)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		cfg.ID, cfg.ManualTaskID, cfg.Type, cfg.Version, cfg.IsCurrent, cfg.Fields,
	); err != nil {
		return fmt.Errorf("dsr: insert config: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("dsr: insert config: commit: %w", err)
	}
	return nil
}

// ListConfigs returns all configs for a manual task, newest version first.
// Returns an empty slice (not nil) if none found.
func (s *PGStore) ListConfigs(ctx context.Context, manualTaskID string) ([]*manual.ManualTaskConfig, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, manual_task_id, config_type, version, is_current, fields
		 FROM manual_task_configs WHERE manual_task_id = $1 ORDER BY version DESC`,
		manualTaskID)
	if err != nil {
		return nil, fmt.Errorf("dsr: list configs: %w", err)
	}
	defer rows.Close()

	configs := []*manual.ManualTaskConfig{}
	for rows.Next() {
		var c manual.ManualTaskConfig
		if err := rows.Scan(&c.ID, &c.ManualTaskID, &c.Type, &c.Version, &c.IsCurrent, &c.Fields); err != nil {
			return nil, fmt.Errorf("dsr: scan config: %w", err)
		}
		configs = append(configs, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dsr: rows configs: %w", err)
	}

	return configs, nil
}

// CreateInstance inserts a manual task instance. A second insert for
// the same request and config is a no-op: the existing row wins.
func (s *PGStore) CreateInstance(ctx context.Context, inst *manual.ManualTaskInstance) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO manual_task_instances (id, manual_task_id, config_id, privacy_request_id, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (privacy_request_id, config_id) DO NOTHING`,
		inst.ID, inst.ManualTaskID, inst.ConfigID, inst.PrivacyRequestID, inst.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("dsr: insert instance: %w", err)
	}
	return nil
}

// GetInstance fetches the instance for a request and config, with its
// submissions. Returns ErrInstanceNotFound if it doesn't exist.
func (s *PGStore) GetInstance(ctx context.Context, requestID, configID string) (*manual.ManualTaskInstance, error) {
	var inst manual.ManualTaskInstance
	err := s.db.QueryRow(ctx,
		`SELECT id, manual_task_id, config_id, privacy_request_id, created_at
		 FROM manual_task_instances
		 WHERE privacy_request_id = $1 AND config_id = $2`,
		requestID, configID,
	).Scan(&inst.ID, &inst.ManualTaskID, &inst.ConfigID, &inst.PrivacyRequestID, &inst.CreatedAt)

	if err != nil {
		if isNoRows(err) {
			return nil, manual.ErrInstanceNotFound
		}
		return nil, fmt.Errorf("dsr: get instance: %w", err)
	}

	if err := s.loadSubmissions(ctx, &inst); err != nil {
		return nil, err
	}
	return &inst, nil
}

// GetInstanceByID fetches an instance by ID, with its submissions.
// Returns ErrInstanceNotFound if it doesn't exist.
func (s *PGStore) GetInstanceByID(ctx context.Context, instanceID string) (*manual.ManualTaskInstance, error) {
	var inst manual.ManualTaskInstance
	err := s.db.QueryRow(ctx,
		`SELECT id, manual_task_id, config_id, privacy_request_id, created_at
		 FROM manual_task_instances WHERE id = $1`, instanceID,
	).Scan(&inst.ID, &inst.ManualTaskID, &inst.ConfigID, &inst.PrivacyRequestID, &inst.CreatedAt)

	if err != nil {
		if isNoRows(err) {
			return nil, manual.ErrInstanceNotFound
		}
		return nil, fmt.Errorf("dsr: get instance by id: %w", err)
	}

	if err := s.loadSubmissions(ctx, &inst); err != nil {
		return nil, err
	}
	return &inst, nil
}

// ListInstances returns all instances for a request, with submissions.
// Returns an empty slice (not nil) if none found.
func (s *PGStore) ListInstances(ctx context.Context, requestID string) ([]*manual.ManualTaskInstance, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, manual_task_id, config_id, privacy_request_id, created_at
		 FROM manual_task_instances
		 WHERE privacy_request_id = $1 ORDER BY created_at`,
		requestID)
	if err != nil {
		return nil, fmt.Errorf("dsr: list instances: %w", err)
	}
	defer rows.Close()

	instances := []*manual.ManualTaskInstance{}
	for rows.Next() {
		var inst manual.ManualTaskInstance
		if err := rows.Scan(&inst.ID, &inst.ManualTaskID, &inst.ConfigID, &inst.PrivacyRequestID, &inst.CreatedAt); err != nil {
			return nil, fmt.Errorf("dsr: scan instance: %w", err)
		}
		instances = append(instances, &inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dsr: rows instances: %w", err)
	}

	for _, inst := range instances {
		if err := s.loadSubmissions(ctx, inst); err != nil {
			return nil, err
		}
	}
	return instances, nil
}

// AddSubmission upserts a field submission on an instance. Resubmitting
// the same field replaces the earlier value.
func (s *PGStore) AddSubmission(ctx context.Context, instanceID string, sub *manual.Submission) error {
	ct, err := s.db.Exec(ctx,
		`INSERT INTO manual_task_submissions (instance_id, field_key, value, attachment, submitted_at)
		 SELECT $1, $2, $3, $4, $5
		 WHERE EXISTS (SELECT 1 FROM manual_task_instances WHERE id = $1)
		 ON CONFLICT (instance_id, field_key) DO UPDATE
		   SET value = EXCLUDED.value, attachment = EXCLUDED.attachment,
		       submitted_at = EXCLUDED.submitted_at`,
		instanceID, sub.FieldKey, sub.Value, sub.Attachment, sub.SubmittedAt,
	)
	if err != nil {
		return fmt.Errorf("dsr: add submission: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return manual.ErrInstanceNotFound
	}
	return nil
}

func (s *PGStore) loadSubmissions(ctx context.Context, inst *manual.ManualTaskInstance) error {
	rows, err := s.db.Query(ctx,
		`SELECT field_key, value, attachment, submitted_at
		 FROM manual_task_submissions WHERE instance_id = $1`,
		inst.ID)
	if err != nil {
		return fmt.Errorf("dsr: list submissions: %w", err)
	}
	defer rows.Close()

	inst.Submissions = map[string]*manual.Submission{}
	for rows.Next() {
		var sub manual.Submission
		if err := rows.Scan(&sub.FieldKey, &sub.Value, &sub.Attachment, &sub.SubmittedAt); err != nil {
			return fmt.Errorf("dsr: scan submission: %w", err)
		}
		inst.Submissions[sub.FieldKey] = &sub
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("dsr: rows submissions: %w", err)
	}
	return nil
}
