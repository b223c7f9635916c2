package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hivemux/hivemux/internal/models"
)

const agentColumns = `agent_id, token, capabilities, status, current_task, working_directory, color, tmux_session, is_tester, created_at, updated_at, terminated_at`

// CreateAgent inserts a new agent row. The caller chooses the agent ID; a
// duplicate ID or token surfaces as a conflict.
func (s *Store) CreateAgent(ctx context.Context, agent *models.Agent) error {
	now := time.Now().UTC()
	agent.CreatedAt = now
	agent.UpdatedAt = now
	if agent.Status == "" {
		agent.Status = models.AgentStatusCreated
	}

	capsJSON, err := json.Marshal(agent.Capabilities)
	if err != nil {
		capsJSON = []byte("[]")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agents (agent_id, token, capabilities, status, current_task, working_directory, color, tmux_session, is_tester, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, agent.ID, agent.Token, string(capsJSON), string(agent.Status), agent.CurrentTask,
		agent.WorkingDirectory, agent.Color, agent.TmuxSession, agent.IsTester, agent.CreatedAt, agent.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return models.Conflictf("agent %s already exists", agent.ID)
		}
		return storageErr("create agent", err)
	}
	return nil
}

// GetAgent retrieves an agent by ID, token included.
func (s *Store) GetAgent(ctx context.Context, id string) (*models.Agent, error) {
	row := s.ro.QueryRowContext(ctx, `
		SELECT `+agentColumns+` FROM agents WHERE agent_id = ?
	`, id)
	agent, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.NotFoundf("agent %s", id)
	}
	if err != nil {
		return nil, storageErr("get agent", err)
	}
	return agent, nil
}

// GetAgentByToken resolves the agent that owns a bearer token.
func (s *Store) GetAgentByToken(ctx context.Context, token string) (*models.Agent, error) {
	row := s.ro.QueryRowContext(ctx, `
		SELECT `+agentColumns+` FROM agents WHERE token = ?
	`, token)
	agent, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.NotFoundf("agent for token")
	}
	if err != nil {
		return nil, storageErr("get agent by token", err)
	}
	return agent, nil
}

// ListAgents returns agents ordered by creation time. Terminated agents are
// included only when includeTerminated is set.
func (s *Store) ListAgents(ctx context.Context, includeTerminated bool) ([]*models.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents`
	if !includeTerminated {
		query += ` WHERE status != 'terminated'`
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.ro.QueryContext(ctx, query)
	if err != nil {
		return nil, storageErr("list agents", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*models.Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, storageErr("scan agent", err)
		}
		result = append(result, agent)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list agents", err)
	}
	return result, nil
}

// UpdateAgentStatus transitions an agent's status. Moving to terminated also
// stamps terminated_at and clears the current task.
func (s *Store) UpdateAgentStatus(ctx context.Context, id string, status models.AgentStatus) error {
	now := time.Now().UTC()

	var result sql.Result
	var err error
	if status == models.AgentStatusTerminated {
		result, err = s.db.ExecContext(ctx, `
			UPDATE agents SET status = ?, current_task = NULL, terminated_at = ?, updated_at = ? WHERE agent_id = ?
		`, string(status), now, now, id)
	} else {
		result, err = s.db.ExecContext(ctx, `
			UPDATE agents SET status = ?, updated_at = ? WHERE agent_id = ?
		`, string(status), now, id)
	}
	if err != nil {
		return storageErr("update agent status", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return models.NotFoundf("agent %s", id)
	}
	return nil
}

// SetAgentCurrentTask points the agent at a task, or clears it with nil.
func (s *Store) SetAgentCurrentTask(ctx context.Context, id string, taskID *string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE agents SET current_task = ?, updated_at = ? WHERE agent_id = ?
	`, taskID, time.Now().UTC(), id)
	if err != nil {
		return storageErr("set agent current task", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return models.NotFoundf("agent %s", id)
	}
	return nil
}

// SetAgentTmuxSession records the tmux session name backing the agent.
func (s *Store) SetAgentTmuxSession(ctx context.Context, id, session string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE agents SET tmux_session = ?, updated_at = ? WHERE agent_id = ?
	`, session, time.Now().UTC(), id)
	if err != nil {
		return storageErr("set agent tmux session", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return models.NotFoundf("agent %s", id)
	}
	return nil
}

// DeleteAgent removes an agent row entirely. Used to roll back a creation
// whose tmux session failed and to tear down a stale testing agent before
// its replacement is created; terminated agents that should stay auditable
// go through UpdateAgentStatus instead.
func (s *Store) DeleteAgent(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE agent_id = ?`, id)
	if err != nil {
		return storageErr("delete agent", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return models.NotFoundf("agent %s", id)
	}
	return nil
}

// CountAgentsByStatus returns a status -> count map for the stats endpoint.
func (s *Store) CountAgentsByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := s.ro.QueryContext(ctx, `SELECT status, COUNT(*) FROM agents GROUP BY status`)
	if err != nil {
		return nil, storageErr("count agents", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, storageErr("count agents", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanAgent(row scanner) (*models.Agent, error) {
	agent := &models.Agent{}
	var status string
	var capsJSON string
	var currentTask sql.NullString
	var terminatedAt sql.NullTime

	err := row.Scan(&agent.ID, &agent.Token, &capsJSON, &status, &currentTask,
		&agent.WorkingDirectory, &agent.Color, &agent.TmuxSession, &agent.IsTester,
		&agent.CreatedAt, &agent.UpdatedAt, &terminatedAt)
	if err != nil {
		return nil, err
	}

	agent.Status = models.AgentStatus(status)
	if currentTask.Valid {
		agent.CurrentTask = &currentTask.String
	}
	if terminatedAt.Valid {
		agent.TerminatedAt = &terminatedAt.Time
	}
	if capsJSON != "" && capsJSON != "[]" {
		if err := json.Unmarshal([]byte(capsJSON), &agent.Capabilities); err != nil {
			return nil, fmt.Errorf("failed to deserialize agent capabilities: %w", err)
		}
	}
	return agent, nil
}
