package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/hivemux/hivemux/internal/models"
)

const sessionColumns = `session_id, agent_id, status, transport_state, working_directory, recovery_attempts, created_at, last_heartbeat, disconnected_at, grace_period_expires`

// InsertSession persists a freshly registered MCP session.
func (s *Store) InsertSession(ctx context.Context, rec *models.SessionRecord) error {
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.LastHeartbeat.IsZero() {
		rec.LastHeartbeat = now
	}
	if rec.Status == "" {
		rec.Status = models.SessionStatusActive
	}

	stateJSON, err := json.Marshal(rec.TransportState)
	if err != nil {
		return models.Validationf("transport state is not serializable: %v", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (session_id, agent_id, status, transport_state, working_directory, recovery_attempts, created_at, last_heartbeat, disconnected_at, grace_period_expires)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.AgentID, string(rec.Status), string(stateJSON), rec.WorkingDirectory,
		rec.RecoveryAttempts, rec.CreatedAt, rec.LastHeartbeat, rec.DisconnectedAt, rec.GracePeriodExpires)
	if err != nil {
		if isUniqueViolation(err) {
			return models.Conflictf("session %s already exists", rec.ID)
		}
		return storageErr("insert session", err)
	}
	return nil
}

// GetSession retrieves one session record.
func (s *Store) GetSession(ctx context.Context, id string) (*models.SessionRecord, error) {
	row := s.ro.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE session_id = ?`, id)
	rec, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.NotFoundf("session %s", id)
	}
	if err != nil {
		return nil, storageErr("get session", err)
	}
	return rec, nil
}

// ListSessions returns sessions, optionally filtered by status, newest first.
func (s *Store) ListSessions(ctx context.Context, status models.SessionStatus) ([]*models.SessionRecord, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions`
	var args []interface{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.ro.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("list sessions", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*models.SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, storageErr("scan session", err)
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

// UpdateHeartbeat advances a session's heartbeat. The clock never moves
// backwards: a stale timestamp is silently dropped. A heartbeat on a
// recovered session flips it back to active.
func (s *Store) UpdateHeartbeat(ctx context.Context, id string, at time.Time) error {
	at = at.UTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET last_heartbeat = ?, status = ?
		WHERE session_id = ? AND last_heartbeat <= ? AND status IN (?, ?)
	`, at, string(models.SessionStatusActive), id, at,
		string(models.SessionStatusActive), string(models.SessionStatusRecovered))
	if err != nil {
		return storageErr("update heartbeat", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		// Either the session is gone or the heartbeat was stale; only the
		// former is an error.
		var one int
		err := s.ro.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE session_id = ?`, id).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return models.NotFoundf("session %s", id)
		}
		if err != nil {
			return storageErr("check session exists", err)
		}
	}
	return nil
}

// SetSessionAgent binds a session to the agent that authenticated on it.
func (s *Store) SetSessionAgent(ctx context.Context, id, agentID, workingDirectory string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET agent_id = ?, working_directory = ? WHERE session_id = ?
	`, agentID, workingDirectory, id)
	if err != nil {
		return storageErr("set session agent", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return models.NotFoundf("session %s", id)
	}
	return nil
}

// UpdateSessionTransportState replaces the persisted transport snapshot used
// to resume the session after a reconnect.
func (s *Store) UpdateSessionTransportState(ctx context.Context, id string, state map[string]interface{}) error {
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return models.Validationf("transport state is not serializable: %v", err)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET transport_state = ? WHERE session_id = ?
	`, string(stateJSON), id)
	if err != nil {
		return storageErr("update transport state", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return models.NotFoundf("session %s", id)
	}
	return nil
}

// MarkDisconnected opens the recovery grace window for a session. Only
// active or recovered sessions can disconnect; anything else is left alone.
func (s *Store) MarkDisconnected(ctx context.Context, id string, at, graceExpires time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET status = ?, disconnected_at = ?, grace_period_expires = ?
		WHERE session_id = ? AND status IN (?, ?)
	`, string(models.SessionStatusDisconnected), at.UTC(), graceExpires.UTC(), id,
		string(models.SessionStatusActive), string(models.SessionStatusRecovered))
	if err != nil {
		return storageErr("mark session disconnected", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		var one int
		err := s.ro.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE session_id = ?`, id).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return models.NotFoundf("session %s", id)
		}
		if err != nil {
			return storageErr("check session exists", err)
		}
		return models.Conflictf("session %s is not in a disconnectable state", id)
	}
	return nil
}

// TryRecoverSession reattaches a disconnected session. The attempt counter
// increments on success only; a denied attempt reports why without burning
// one of the allowed retries.
func (s *Store) TryRecoverSession(ctx context.Context, id string, now time.Time, maxAttempts int) (*models.SessionRecord, error) {
	now = now.UTC()

	var recovered *models.SessionRecord
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE session_id = ?`, id)
		rec, err := scanSession(row)
		if errors.Is(err, sql.ErrNoRows) {
			return models.NotFoundf("session %s", id)
		}
		if err != nil {
			return storageErr("load session for recovery", err)
		}

		switch {
		case rec.Status == models.SessionStatusExpired:
			return fmt.Errorf("session %s has expired: %w", id, models.ErrRecoveryDenied)
		case rec.Status != models.SessionStatusDisconnected:
			return fmt.Errorf("session %s is %s, not disconnected: %w", id, rec.Status, models.ErrRecoveryDenied)
		case rec.RecoveryAttempts >= maxAttempts:
			return fmt.Errorf("session %s exhausted its %d recovery attempts: %w", id, maxAttempts, models.ErrRecoveryDenied)
		case rec.GracePeriodExpires == nil || !now.Before(*rec.GracePeriodExpires):
			return fmt.Errorf("grace period for session %s has lapsed: %w", id, models.ErrRecoveryDenied)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE sessions SET status = ?, recovery_attempts = recovery_attempts + 1,
				last_heartbeat = ?, disconnected_at = NULL, grace_period_expires = NULL
			WHERE session_id = ?
		`, string(models.SessionStatusRecovered), now, id); err != nil {
			return storageErr("recover session", err)
		}

		rec.Status = models.SessionStatusRecovered
		rec.RecoveryAttempts++
		rec.LastHeartbeat = now
		rec.DisconnectedAt = nil
		rec.GracePeriodExpires = nil
		recovered = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return recovered, nil
}

// MarkExpired terminates a session so it can never be recovered.
func (s *Store) MarkExpired(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET status = ?, grace_period_expires = NULL WHERE session_id = ?
	`, string(models.SessionStatusExpired), id)
	if err != nil {
		return storageErr("mark session expired", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return models.NotFoundf("session %s", id)
	}
	return nil
}

// ExpireSessionsPastGrace flips every disconnected session whose grace
// window has lapsed to expired, returning their IDs for event fan-out.
func (s *Store) ExpireSessionsPastGrace(ctx context.Context, now time.Time) ([]string, error) {
	now = now.UTC()

	var expired []string
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT session_id FROM sessions
			WHERE status = ? AND grace_period_expires IS NOT NULL AND grace_period_expires <= ?
		`, string(models.SessionStatusDisconnected), now)
		if err != nil {
			return storageErr("find lapsed sessions", err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				_ = rows.Close()
				return storageErr("scan lapsed session", err)
			}
			expired = append(expired, id)
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return storageErr("find lapsed sessions", err)
		}
		_ = rows.Close()

		if len(expired) == 0 {
			return nil
		}

		query, args, err := sqlx.In(`
			UPDATE sessions SET status = ?, grace_period_expires = NULL WHERE session_id IN (?)
		`, string(models.SessionStatusExpired), expired)
		if err != nil {
			return storageErr("expire lapsed sessions", err)
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(query), args...); err != nil {
			return storageErr("expire lapsed sessions", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return expired, nil
}

// MarkAllDisconnected moves every live session into the grace window. Used
// during graceful shutdown so clients can recover after a restart.
func (s *Store) MarkAllDisconnected(ctx context.Context, at, graceExpires time.Time) ([]string, error) {
	at = at.UTC()
	graceExpires = graceExpires.UTC()

	var ids []string
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT session_id FROM sessions WHERE status IN (?, ?)
		`, string(models.SessionStatusActive), string(models.SessionStatusRecovered))
		if err != nil {
			return storageErr("find live sessions", err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				_ = rows.Close()
				return storageErr("scan live session", err)
			}
			ids = append(ids, id)
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return storageErr("find live sessions", err)
		}
		_ = rows.Close()

		if len(ids) == 0 {
			return nil
		}

		query, args, err := sqlx.In(`
			UPDATE sessions SET status = ?, disconnected_at = ?, grace_period_expires = ? WHERE session_id IN (?)
		`, string(models.SessionStatusDisconnected), at, graceExpires, ids)
		if err != nil {
			return storageErr("disconnect live sessions", err)
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(query), args...); err != nil {
			return storageErr("disconnect live sessions", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// CountSessionsByStatus returns a status -> count map for the stats endpoint.
func (s *Store) CountSessionsByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := s.ro.QueryContext(ctx, `SELECT status, COUNT(*) FROM sessions GROUP BY status`)
	if err != nil {
		return nil, storageErr("count sessions", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, storageErr("count sessions", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func scanSession(row scanner) (*models.SessionRecord, error) {
	rec := &models.SessionRecord{}
	var status string
	var stateJSON string
	var disconnectedAt, graceExpires sql.NullTime

	err := row.Scan(&rec.ID, &rec.AgentID, &status, &stateJSON, &rec.WorkingDirectory,
		&rec.RecoveryAttempts, &rec.CreatedAt, &rec.LastHeartbeat, &disconnectedAt, &graceExpires)
	if err != nil {
		return nil, err
	}

	rec.Status = models.SessionStatus(status)
	if disconnectedAt.Valid {
		rec.DisconnectedAt = &disconnectedAt.Time
	}
	if graceExpires.Valid {
		rec.GracePeriodExpires = &graceExpires.Time
	}
	if stateJSON != "" && stateJSON != "{}" && stateJSON != "null" {
		if err := json.Unmarshal([]byte(stateJSON), &rec.TransportState); err != nil {
			return nil, fmt.Errorf("failed to deserialize transport state: %w", err)
		}
	}
	return rec, nil
}
