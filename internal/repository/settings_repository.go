package repository

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
)

// GlobalTenant is the tenant id under which process-wide settings
// (orchestrator cadence, retry toggles) are stored.
const GlobalTenant = ""

// Setting keys used by the orchestration core.
const (
	SettingExtractionWorkers       = "workers.extraction_count"
	SettingTransformWorkers        = "workers.transform_count"
	SettingEmbeddingWorkers        = "workers.embedding_count"
	SettingScheduleIntervalMinutes = "orchestrator.schedule_interval_minutes"
	SettingRetryIntervalMinutes    = "orchestrator.retry_interval_minutes"
	SettingFastRetryEnabled        = "orchestrator.fast_retry_enabled"
	SettingMaxRetryAttempts        = "orchestrator.max_retry_attempts"
)

// SettingsRepository is the persistent store for operator-tunable
// values. Typed getters fall back to the supplied default when the key
// is absent or unparseable; callers are expected to always pass one.
type SettingsRepository interface {
	Get(ctx context.Context, key, tenantID string) (string, error)
	Set(ctx context.Context, key, value, tenantID string) error
	GetInt(ctx context.Context, key, tenantID string, def int) int
	GetBool(ctx context.Context, key, tenantID string, def bool) bool
}

type settingsRepository struct {
	db *sql.DB
}

func NewSettingsRepository(db *sql.DB) SettingsRepository {
	return &settingsRepository{db: db}
}

func (r *settingsRepository) Get(ctx context.Context, key, tenantID string) (string, error) {
	const query = `
		SELECT value
		FROM etl.settings
		WHERE key = $1 AND tenant_id = $2;
	`
	var value string
	err := r.db.QueryRowContext(ctx, query, key, tenantID).Scan(&value)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return value, err
}

func (r *settingsRepository) Set(ctx context.Context, key, value, tenantID string) error {
	const query = `
		INSERT INTO etl.settings (key, tenant_id, value)
		VALUES ($1, $2, $3)
		ON CONFLICT (key, tenant_id)
		DO UPDATE SET value = EXCLUDED.value, updated_at = now();
	`
	_, err := r.db.ExecContext(ctx, query, key, tenantID, value)
	return err
}

func (r *settingsRepository) GetInt(ctx context.Context, key, tenantID string, def int) int {
	raw, err := r.Get(ctx, key, tenantID)
	if err != nil {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return def
	}
	return n
}

func (r *settingsRepository) GetBool(ctx context.Context, key, tenantID string, def bool) bool {
	raw, err := r.Get(ctx, key, tenantID)
	if err != nil {
		return def
	}
	b, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return def
	}
	return b
}
