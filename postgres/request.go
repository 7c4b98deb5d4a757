package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/meikuraledutech/dsr"
)

// CreateRequest inserts a privacy request.
func (s *PGStore) CreateRequest(ctx context.Context, req *dsr.PrivacyRequest) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO privacy_requests (id, status, identity, policy, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		req.ID, req.Status, req.Identity, req.Policy, req.CreatedAt, req.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("dsr: insert request: %w", err)
	}
	return nil
}

// GetRequest fetches a privacy request by ID.
// Returns ErrRequestNotFound if it doesn't exist.
func (s *PGStore) GetRequest(ctx context.Context, requestID string) (*dsr.PrivacyRequest, error) {
	var req dsr.PrivacyRequest
	err := s.db.QueryRow(ctx,
		`SELECT id, status, identity, policy, created_at, updated_at
		 FROM privacy_requests WHERE id = $1`, requestID,
	).Scan(&req.ID, &req.Status, &req.Identity, &req.Policy, &req.CreatedAt, &req.UpdatedAt)

	if err != nil {
		if isNoRows(err) {
			return nil, dsr.ErrRequestNotFound
		}
		return nil, fmt.Errorf("dsr: get request: %w", err)
	}

	return &req, nil
}

// UpdateRequestStatus sets the status of a privacy request.
// Returns ErrRequestNotFound if it doesn't exist.
func (s *PGStore) UpdateRequestStatus(ctx context.Context, requestID string, status dsr.RequestStatus) error {
	ct, err := s.db.Exec(ctx,
		`UPDATE privacy_requests SET status = $1, updated_at = NOW() WHERE id = $2`,
		status, requestID,
	)
	if err != nil {
		return fmt.Errorf("dsr: update request status: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return dsr.ErrRequestNotFound
	}
	return nil
}

// ListStalledRequests returns suspended requests whose last update is
// older than the cutoff.
func (s *PGStore) ListStalledRequests(ctx context.Context, cutoff time.Time) ([]*dsr.PrivacyRequest, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, status, identity, policy, created_at, updated_at
		 FROM privacy_requests
		 WHERE status IN ($1, $2) AND updated_at < $3
		 ORDER BY updated_at`,
		dsr.RequestPaused, dsr.RequestRequiresInput, cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("dsr: list stalled requests: %w", err)
	}
	defer rows.Close()

	reqs := []*dsr.PrivacyRequest{}
	for rows.Next() {
		var req dsr.PrivacyRequest
		if err := rows.Scan(&req.ID, &req.Status, &req.Identity, &req.Policy, &req.CreatedAt, &req.UpdatedAt); err != nil {
			return nil, fmt.Errorf("dsr: scan request: %w", err)
		}
		reqs = append(reqs, &req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dsr: rows requests: %w", err)
	}

	return reqs, nil
}
