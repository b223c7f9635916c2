package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/hivemux/hivemux/internal/models"
)

// UpsertContext creates or replaces a project context entry. The value is
// stored as-is; callers own its shape.
func (s *Store) UpsertContext(ctx context.Context, key string, value json.RawMessage, description, updatedBy string) (*models.ContextEntry, error) {
	if strings.HasPrefix(key, models.ArchivedContextPrefix) {
		return nil, models.Validationf("context key %q uses the reserved archive prefix", key)
	}

	entry := &models.ContextEntry{
		Key:         key,
		Value:       value,
		Description: description,
		UpdatedBy:   models.CanonicalActor(updatedBy),
		UpdatedAt:   time.Now().UTC(),
	}
	if len(entry.Value) == 0 {
		entry.Value = json.RawMessage("null")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO project_context (context_key, context_value, description, updated_by, last_updated)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(context_key) DO UPDATE SET
			context_value = excluded.context_value,
			description = excluded.description,
			updated_by = excluded.updated_by,
			last_updated = excluded.last_updated
	`, entry.Key, string(entry.Value), entry.Description, entry.UpdatedBy, entry.UpdatedAt)
	if err != nil {
		return nil, storageErr("upsert context", err)
	}
	return entry, nil
}

// GetContext retrieves one context entry by exact key.
func (s *Store) GetContext(ctx context.Context, key string) (*models.ContextEntry, error) {
	entry := &models.ContextEntry{}
	var value string
	err := s.ro.QueryRowContext(ctx, `
		SELECT context_key, context_value, description, updated_by, last_updated
		FROM project_context WHERE context_key = ?
	`, key).Scan(&entry.Key, &value, &entry.Description, &entry.UpdatedBy, &entry.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.NotFoundf("context key %q", key)
	}
	if err != nil {
		return nil, storageErr("get context", err)
	}
	entry.Value = json.RawMessage(value)
	return entry, nil
}

// ListContext returns context entries ordered by key. Archived entries are
// hidden unless includeArchived is set.
func (s *Store) ListContext(ctx context.Context, includeArchived bool) ([]*models.ContextEntry, error) {
	query := `SELECT context_key, context_value, description, updated_by, last_updated FROM project_context`
	var args []interface{}
	if !includeArchived {
		query += ` WHERE context_key NOT LIKE ?`
		args = append(args, models.ArchivedContextPrefix+"%")
	}
	query += ` ORDER BY context_key ASC`

	rows, err := s.ro.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("list context", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*models.ContextEntry
	for rows.Next() {
		entry := &models.ContextEntry{}
		var value string
		if err := rows.Scan(&entry.Key, &value, &entry.Description, &entry.UpdatedBy, &entry.UpdatedAt); err != nil {
			return nil, storageErr("scan context", err)
		}
		entry.Value = json.RawMessage(value)
		result = append(result, entry)
	}
	return result, rows.Err()
}

// ArchiveContext renames a context key into the archive namespace so a fresh
// value can take its place. Returns the archived key.
func (s *Store) ArchiveContext(ctx context.Context, key, actor string) (string, error) {
	if strings.HasPrefix(key, models.ArchivedContextPrefix) {
		return "", models.Validationf("context key %q is already archived", key)
	}

	now := time.Now().UTC()
	archivedKey := fmt.Sprintf("%s%s_%d", models.ArchivedContextPrefix, key, now.UnixMilli())

	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var value, description string
		err := tx.QueryRowContext(ctx, `
			SELECT context_value, description FROM project_context WHERE context_key = ?
		`, key).Scan(&value, &description)
		if errors.Is(err, sql.ErrNoRows) {
			return models.NotFoundf("context key %q", key)
		}
		if err != nil {
			return storageErr("load context for archive", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO project_context (context_key, context_value, description, updated_by, last_updated)
			VALUES (?, ?, ?, ?, ?)
		`, archivedKey, value, description, models.CanonicalActor(actor), now); err != nil {
			if isUniqueViolation(err) {
				return models.Conflictf("archived key %q already exists", archivedKey)
			}
			return storageErr("insert archived context", err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM project_context WHERE context_key = ?`, key); err != nil {
			return storageErr("remove archived context source", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return archivedKey, nil
}
