package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meikuraledutech/dsr"
)

// PGQueue implements dsr.Queue on a PostgreSQL table. Dequeue uses
// FOR UPDATE SKIP LOCKED so multiple workers can poll the same table
// without handing out the same item twice.
type PGQueue struct {
	db *pgxpool.Pool
}

// NewQueue creates a PGQueue on the given pool. The task_queue table is
// part of the schema created by PGStore.CreateSchema.
func NewQueue(db *pgxpool.Pool) *PGQueue {
	return &PGQueue{db: db}
}

// Enqueue appends an item to the queue.
func (q *PGQueue) Enqueue(ctx context.Context, item dsr.QueueItem) error {
	_, err := q.db.Exec(ctx,
		`INSERT INTO task_queue (privacy_request_id, request_task_id, queue_privacy_request)
		 VALUES ($1, $2, $3)`,
		item.PrivacyRequestID, item.RequestTaskID, item.QueuePrivacyRequest,
	)
	if err != nil {
		return fmt.Errorf("dsr: enqueue: %w", err)
	}
	return nil
}

// Dequeue removes and returns the oldest available item, or (nil, nil)
// when the queue is empty.
func (q *PGQueue) Dequeue(ctx context.Context) (*dsr.QueueItem, error) {
	tx, err := q.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("dsr: dequeue: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		id   int64
		item dsr.QueueItem
	)
	err = tx.QueryRow(ctx,
		`SELECT id, privacy_request_id, request_task_id, queue_privacy_request
		 FROM task_queue ORDER BY id LIMIT 1 FOR UPDATE SKIP LOCKED`,
	).Scan(&id, &item.PrivacyRequestID, &item.RequestTaskID, &item.QueuePrivacyRequest)

	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("dsr: dequeue: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM task_queue WHERE id = $1`, id); err != nil {
		return nil, fmt.Errorf("dsr: dequeue: delete: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("dsr: dequeue: commit: %w", err)
	}

	return &item, nil
}
