package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/hivemux/hivemux/internal/models"
)

const assistanceColumns = `request_id, agent_id, task_id, reason, status, resolution, created_at, resolved_at`

// CreateAssistanceRequest records an escalation raised by an agent.
func (s *Store) CreateAssistanceRequest(ctx context.Context, req *models.AssistanceRequest) error {
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	req.CreatedAt = time.Now().UTC()
	if req.Status == "" {
		req.Status = models.AssistancePending
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO assistance_requests (request_id, agent_id, task_id, reason, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, req.ID, req.AgentID, req.TaskID, req.Reason, string(req.Status), req.CreatedAt)
	if err != nil {
		return storageErr("create assistance request", err)
	}
	return nil
}

// GetAssistanceRequest retrieves one escalation by ID.
func (s *Store) GetAssistanceRequest(ctx context.Context, id string) (*models.AssistanceRequest, error) {
	row := s.ro.QueryRowContext(ctx, `SELECT `+assistanceColumns+` FROM assistance_requests WHERE request_id = ?`, id)
	req, err := scanAssistance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.NotFoundf("assistance request %s", id)
	}
	if err != nil {
		return nil, storageErr("get assistance request", err)
	}
	return req, nil
}

// ListAssistanceRequests returns escalations, optionally only unresolved
// ones, newest first.
func (s *Store) ListAssistanceRequests(ctx context.Context, pendingOnly bool) ([]*models.AssistanceRequest, error) {
	query := `SELECT ` + assistanceColumns + ` FROM assistance_requests`
	if pendingOnly {
		query += ` WHERE status = 'pending'`
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.ro.QueryContext(ctx, query)
	if err != nil {
		return nil, storageErr("list assistance requests", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*models.AssistanceRequest
	for rows.Next() {
		req, err := scanAssistance(rows)
		if err != nil {
			return nil, storageErr("scan assistance request", err)
		}
		result = append(result, req)
	}
	return result, rows.Err()
}

// ResolveAssistanceRequest closes an escalation with the admin's answer.
// Resolving an already resolved request is a conflict.
func (s *Store) ResolveAssistanceRequest(ctx context.Context, id, resolution string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE assistance_requests SET status = ?, resolution = ?, resolved_at = ?
		WHERE request_id = ? AND status = ?
	`, string(models.AssistanceResolved), resolution, time.Now().UTC(), id, string(models.AssistancePending))
	if err != nil {
		return storageErr("resolve assistance request", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		if _, err := s.GetAssistanceRequest(ctx, id); err != nil {
			return err
		}
		return models.Conflictf("assistance request %s is already resolved", id)
	}
	return nil
}

func scanAssistance(row scanner) (*models.AssistanceRequest, error) {
	req := &models.AssistanceRequest{}
	var status string
	var taskID sql.NullString
	var resolvedAt sql.NullTime

	err := row.Scan(&req.ID, &req.AgentID, &taskID, &req.Reason, &status, &req.Resolution, &req.CreatedAt, &resolvedAt)
	if err != nil {
		return nil, err
	}

	req.Status = models.AssistanceStatus(status)
	if taskID.Valid {
		req.TaskID = &taskID.String
	}
	if resolvedAt.Valid {
		req.ResolvedAt = &resolvedAt.Time
	}
	return req, nil
}
