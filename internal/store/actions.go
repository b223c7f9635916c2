package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hivemux/hivemux/internal/models"
)

// RecordAction appends one audit trail row. Audit failures are surfaced to
// the caller; most call sites log and continue rather than failing the
// operation that triggered them.
func (s *Store) RecordAction(ctx context.Context, agentID, action string, taskID *string, details map[string]interface{}) error {
	detailsJSON := "{}"
	if details != nil {
		b, err := json.Marshal(details)
		if err != nil {
			return models.Validationf("action details are not serializable: %v", err)
		}
		detailsJSON = string(b)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_actions (agent_id, action_type, task_id, details, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`, models.CanonicalActor(agentID), action, taskID, detailsJSON, time.Now().UTC())
	if err != nil {
		return storageErr("record action", err)
	}
	return nil
}

// ListActionsSince returns audit rows newer than the cutoff, newest first,
// capped at limit (0 means no cap).
func (s *Store) ListActionsSince(ctx context.Context, since time.Time, limit int) ([]*models.AgentAction, error) {
	query := `
		SELECT id, agent_id, action_type, task_id, details, timestamp
		FROM agent_actions WHERE timestamp > ? ORDER BY timestamp DESC, id DESC`
	args := []interface{}{since}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.ro.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("list actions", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*models.AgentAction
	for rows.Next() {
		action := &models.AgentAction{}
		var taskID *string
		var detailsJSON string
		if err := rows.Scan(&action.ID, &action.AgentID, &action.Action, &taskID, &detailsJSON, &action.Timestamp); err != nil {
			return nil, storageErr("scan action", err)
		}
		action.TaskID = taskID
		if detailsJSON != "" && detailsJSON != "{}" {
			if err := json.Unmarshal([]byte(detailsJSON), &action.Details); err != nil {
				return nil, fmt.Errorf("failed to deserialize action details: %w", err)
			}
		}
		result = append(result, action)
	}
	return result, rows.Err()
}

// CountActionsSince returns how many audit rows are newer than the cutoff.
func (s *Store) CountActionsSince(ctx context.Context, since time.Time) (int, error) {
	var count int
	err := s.ro.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM agent_actions WHERE timestamp > ?
	`, since).Scan(&count)
	if err != nil {
		return 0, storageErr("count actions", err)
	}
	return count, nil
}
