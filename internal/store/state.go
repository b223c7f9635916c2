package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/hivemux/hivemux/internal/models"
)

// SaveSessionState upserts a named checkpoint blob. Rows are keyed by agent,
// session, and state key: a recovered session keeps its ID and overwrites in
// place, while a replacement session writes fresh rows that shadow the old
// ones on read.
func (s *Store) SaveSessionState(ctx context.Context, state *models.SessionState) error {
	state.AgentID = models.CanonicalActor(state.AgentID)
	state.UpdatedAt = time.Now().UTC()
	if len(state.Value) == 0 {
		state.Value = json.RawMessage("null")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_state (agent_id, session_id, state_key, state_value, last_updated, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(agent_id, session_id, state_key) DO UPDATE SET
			state_value = excluded.state_value,
			last_updated = excluded.last_updated,
			expires_at = excluded.expires_at
	`, state.AgentID, state.SessionID, state.Key, string(state.Value), state.UpdatedAt, state.ExpiresAt)
	if err != nil {
		return storageErr("save session state", err)
	}
	return nil
}

// GetSessionState retrieves the newest live checkpoint for an agent and key,
// regardless of which session wrote it. Entries past their expiry behave as
// missing.
func (s *Store) GetSessionState(ctx context.Context, agentID, key string) (*models.SessionState, error) {
	agentID = models.CanonicalActor(agentID)
	state := &models.SessionState{}
	var value string
	var expiresAt sql.NullTime

	err := s.ro.QueryRowContext(ctx, `
		SELECT agent_id, session_id, state_key, state_value, last_updated, expires_at
		FROM session_state
		WHERE agent_id = ? AND state_key = ? AND (expires_at IS NULL OR expires_at > ?)
		ORDER BY last_updated DESC
		LIMIT 1
	`, agentID, key, time.Now().UTC()).Scan(&state.AgentID, &state.SessionID, &state.Key, &value, &state.UpdatedAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.NotFoundf("state %q for agent %s", key, agentID)
	}
	if err != nil {
		return nil, storageErr("get session state", err)
	}

	state.Value = json.RawMessage(value)
	if expiresAt.Valid {
		state.ExpiresAt = &expiresAt.Time
	}
	return state, nil
}

// ListSessionState returns every live checkpoint an agent has saved, one
// entry per key. When several sessions wrote the same key, the newest row
// wins.
func (s *Store) ListSessionState(ctx context.Context, agentID string) ([]*models.SessionState, error) {
	agentID = models.CanonicalActor(agentID)
	rows, err := s.ro.QueryContext(ctx, `
		SELECT agent_id, session_id, state_key, state_value, last_updated, expires_at
		FROM session_state
		WHERE agent_id = ? AND (expires_at IS NULL OR expires_at > ?)
		ORDER BY last_updated ASC
	`, agentID, time.Now().UTC())
	if err != nil {
		return nil, storageErr("list session state", err)
	}
	defer func() { _ = rows.Close() }()

	byKey := make(map[string]*models.SessionState)
	for rows.Next() {
		state := &models.SessionState{}
		var value string
		var expiresAt sql.NullTime
		if err := rows.Scan(&state.AgentID, &state.SessionID, &state.Key, &value, &state.UpdatedAt, &expiresAt); err != nil {
			return nil, storageErr("scan session state", err)
		}
		state.Value = json.RawMessage(value)
		if expiresAt.Valid {
			state.ExpiresAt = &expiresAt.Time
		}
		byKey[state.Key] = state
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list session state", err)
	}

	result := make([]*models.SessionState, 0, len(byKey))
	for _, state := range byKey {
		result = append(result, state)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Key < result[j].Key })
	return result, nil
}

// ClearSessionState deletes one checkpoint across every session that wrote
// it, or all of an agent's checkpoints when key is empty. Returns how many
// rows went away.
func (s *Store) ClearSessionState(ctx context.Context, agentID, key string) (int64, error) {
	agentID = models.CanonicalActor(agentID)

	var result sql.Result
	var err error
	if key == "" {
		result, err = s.db.ExecContext(ctx, `DELETE FROM session_state WHERE agent_id = ?`, agentID)
	} else {
		result, err = s.db.ExecContext(ctx, `DELETE FROM session_state WHERE agent_id = ? AND state_key = ?`, agentID, key)
	}
	if err != nil {
		return 0, storageErr("clear session state", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}

// DeleteExpiredState drops checkpoints past their expiry. The sweeper calls
// this on its cleanup interval.
func (s *Store) DeleteExpiredState(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM session_state WHERE expires_at IS NOT NULL AND expires_at <= ?
	`, now.UTC())
	if err != nil {
		return 0, storageErr("delete expired state", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}
