package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/hivemux/hivemux/internal/models"
)

// Config keys stored in admin_config.
const (
	ConfigKeyAdminToken = "admin_token"
)

// GetConfigValue reads one admin_config row.
func (s *Store) GetConfigValue(ctx context.Context, key string) (string, error) {
	var value string
	err := s.ro.QueryRowContext(ctx, `
		SELECT config_value FROM admin_config WHERE config_key = ?
	`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", models.NotFoundf("config key %q", key)
	}
	if err != nil {
		return "", storageErr("get config value", err)
	}
	return value, nil
}

// SetConfigValue upserts one admin_config row.
func (s *Store) SetConfigValue(ctx context.Context, key, value string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO admin_config (config_key, config_value, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(config_key) DO UPDATE SET
			config_value = excluded.config_value,
			updated_at = excluded.updated_at
	`, key, value, now, now)
	if err != nil {
		return storageErr("set config value", err)
	}
	return nil
}
