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

// UpsertFileMetadata creates or replaces the metadata record for a file path.
func (s *Store) UpsertFileMetadata(ctx context.Context, path string, metadata map[string]interface{}, contentHash, updatedBy string) (*models.FileMetadata, error) {
	record := &models.FileMetadata{
		Filepath:    path,
		Metadata:    metadata,
		ContentHash: contentHash,
		UpdatedBy:   models.CanonicalActor(updatedBy),
		UpdatedAt:   time.Now().UTC(),
	}

	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return nil, models.Validationf("file metadata is not serializable: %v", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO file_metadata (filepath, metadata, content_hash, updated_by, last_updated)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(filepath) DO UPDATE SET
			metadata = excluded.metadata,
			content_hash = excluded.content_hash,
			updated_by = excluded.updated_by,
			last_updated = excluded.last_updated
	`, record.Filepath, string(metadataJSON), record.ContentHash, record.UpdatedBy, record.UpdatedAt)
	if err != nil {
		return nil, storageErr("upsert file metadata", err)
	}
	return record, nil
}

// GetFileMetadata retrieves the metadata record for a file path.
func (s *Store) GetFileMetadata(ctx context.Context, path string) (*models.FileMetadata, error) {
	record := &models.FileMetadata{}
	var metadataJSON string
	err := s.ro.QueryRowContext(ctx, `
		SELECT filepath, metadata, content_hash, updated_by, last_updated
		FROM file_metadata WHERE filepath = ?
	`, path).Scan(&record.Filepath, &metadataJSON, &record.ContentHash, &record.UpdatedBy, &record.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.NotFoundf("file metadata for %s", path)
	}
	if err != nil {
		return nil, storageErr("get file metadata", err)
	}

	if metadataJSON != "" && metadataJSON != "{}" {
		if err := json.Unmarshal([]byte(metadataJSON), &record.Metadata); err != nil {
			return nil, fmt.Errorf("failed to deserialize file metadata: %w", err)
		}
	}
	return record, nil
}

// ListFileMetadata returns all file metadata records ordered by path.
func (s *Store) ListFileMetadata(ctx context.Context) ([]*models.FileMetadata, error) {
	rows, err := s.ro.QueryContext(ctx, `
		SELECT filepath, metadata, content_hash, updated_by, last_updated
		FROM file_metadata ORDER BY filepath ASC
	`)
	if err != nil {
		return nil, storageErr("list file metadata", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*models.FileMetadata
	for rows.Next() {
		record := &models.FileMetadata{}
		var metadataJSON string
		if err := rows.Scan(&record.Filepath, &metadataJSON, &record.ContentHash, &record.UpdatedBy, &record.UpdatedAt); err != nil {
			return nil, storageErr("scan file metadata", err)
		}
		if metadataJSON != "" && metadataJSON != "{}" {
			if err := json.Unmarshal([]byte(metadataJSON), &record.Metadata); err != nil {
				return nil, fmt.Errorf("failed to deserialize file metadata: %w", err)
			}
		}
		result = append(result, record)
	}
	return result, rows.Err()
}
