package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/syncforge/etl-core/internal/models"
)

// ErrNotFound is returned when a row does not exist for the given key.
var ErrNotFound = errors.New("not found")

// JobRepository persists job records keyed by (job id, tenant id).
//
// The write methods are split by field ownership: workers update step
// sub-statuses only (UpdateStepState); the reset scheduler owns
// overall/token/reset_deadline/reset_attempt/next_run (SetFinished,
// ExtendReset, ResetJob); the orchestrator starts runs (MarkRunning).
type JobRepository interface {
	Get(ctx context.Context, jobID, tenantID string) (models.JobRecord, error)
	ListDue(ctx context.Context, now time.Time) ([]models.JobRecord, error)
	IsJobPending(ctx context.Context, jobName string) (bool, error)

	MarkRunning(ctx context.Context, jobID, tenantID, token string, startedAt time.Time) error
	UpdateStepState(ctx context.Context, jobID, tenantID, step string, stage models.Stage, state models.StageState) error
	SetFinished(ctx context.Context, jobID, tenantID string, overall models.OverallStatus, resetDeadline *time.Time, finishedAt time.Time) error
	ExtendReset(ctx context.Context, jobID, tenantID string, resetDeadline time.Time, resetAttempt int) error
	ResetJob(ctx context.Context, jobID, tenantID string, status models.JobStatus, nextRun time.Time) error
}

type jobRepository struct {
	db *sql.DB
}

func NewJobRepository(db *sql.DB) JobRepository {
	return &jobRepository{db: db}
}

const jobColumns = `
	id, tenant_id, name, status,
	last_run_started_at, last_run_finished_at, last_success_at, last_sync_date,
	next_run, schedule_interval_minutes, retry_interval_minutes, retry_count,
	created_at, updated_at
`

func scanJob(row interface{ Scan(...interface{}) error }) (models.JobRecord, error) {
	var job models.JobRecord
	var status []byte
	err := row.Scan(
		&job.ID,
		&job.TenantID,
		&job.Name,
		&status,
		&job.LastRunStartedAt,
		&job.LastRunFinishedAt,
		&job.LastSuccessAt,
		&job.LastSyncDate,
		&job.NextRun,
		&job.ScheduleIntervalMinutes,
		&job.RetryIntervalMinutes,
		&job.RetryCount,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return job, err
	}
	if err := json.Unmarshal(status, &job.Status); err != nil {
		return job, errors.Wrap(err, "decode job status document")
	}
	return job, nil
}

func (r *jobRepository) Get(ctx context.Context, jobID, tenantID string) (models.JobRecord, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM etl.jobs
		WHERE id = $1 AND tenant_id = $2;
	`
	job, err := scanJob(r.db.QueryRowContext(ctx, query, jobID, tenantID))
	if err == sql.ErrNoRows {
		return job, ErrNotFound
	}
	return job, err
}

func (r *jobRepository) ListDue(ctx context.Context, now time.Time) ([]models.JobRecord, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM etl.jobs
		WHERE status->>'overall' = 'READY'
		  AND next_run IS NOT NULL
		  AND next_run <= $1
		ORDER BY next_run ASC;
	`
	rows, err := r.db.QueryContext(ctx, query, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []models.JobRecord
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// IsJobPending reports whether the named job is due to run but has not
// started yet.
func (r *jobRepository) IsJobPending(ctx context.Context, jobName string) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM etl.jobs
			WHERE name = $1
			  AND status->>'overall' = 'READY'
			  AND next_run IS NOT NULL
			  AND next_run <= now()
		);
	`
	var pending bool
	err := r.db.QueryRowContext(ctx, query, jobName).Scan(&pending)
	return pending, err
}

func (r *jobRepository) MarkRunning(ctx context.Context, jobID, tenantID, token string, startedAt time.Time) error {
	status := models.JobStatus{Overall: models.StatusRunning, Token: token, Steps: map[string]models.StepStatus{}}
	doc, err := json.Marshal(status)
	if err != nil {
		return errors.Wrap(err, "encode job status document")
	}
	query := `
		UPDATE etl.jobs
		SET status = $3::jsonb,
		    last_run_started_at = $4,
		    next_run = NULL,
		    updated_at = now()
		WHERE id = $1 AND tenant_id = $2;
	`
	return r.execOne(ctx, query, jobID, tenantID, doc, startedAt)
}

// UpdateStepState touches exactly one steps.<step>.<stage> path so
// concurrent workers and the reset scheduler never overwrite each
// other's fields.
func (r *jobRepository) UpdateStepState(ctx context.Context, jobID, tenantID, step string, stage models.Stage, state models.StageState) error {
	query := `
		UPDATE etl.jobs
		SET status = jsonb_set(
			jsonb_set(
				status,
				ARRAY['steps', $3],
				COALESCE(status->'steps'->$3, '{"extraction":"idle","transform":"idle","embedding":"idle"}'::jsonb),
				true
			),
			ARRAY['steps', $3, $4],
			to_jsonb($5::text),
			true
		),
		updated_at = now()
		WHERE id = $1 AND tenant_id = $2;
	`
	return r.execOne(ctx, query, jobID, tenantID, step, string(stage), string(state))
}

func (r *jobRepository) SetFinished(ctx context.Context, jobID, tenantID string, overall models.OverallStatus, resetDeadline *time.Time, finishedAt time.Time) error {
	patch := map[string]interface{}{
		"overall":       overall,
		"reset_attempt": 0,
	}
	if resetDeadline != nil {
		patch["reset_deadline"] = resetDeadline
	}
	doc, err := json.Marshal(patch)
	if err != nil {
		return errors.Wrap(err, "encode status patch")
	}
	query := `
		UPDATE etl.jobs
		SET status = status || $3::jsonb,
		    last_run_finished_at = $4,
		    updated_at = now()
		WHERE id = $1 AND tenant_id = $2;
	`
	return r.execOne(ctx, query, jobID, tenantID, doc, finishedAt)
}

func (r *jobRepository) ExtendReset(ctx context.Context, jobID, tenantID string, resetDeadline time.Time, resetAttempt int) error {
	doc, err := json.Marshal(map[string]interface{}{
		"reset_deadline": resetDeadline,
		"reset_attempt":  resetAttempt,
	})
	if err != nil {
		return errors.Wrap(err, "encode status patch")
	}
	query := `
		UPDATE etl.jobs
		SET status = status || $3::jsonb, updated_at = now()
		WHERE id = $1 AND tenant_id = $2;
	`
	return r.execOne(ctx, query, jobID, tenantID, doc)
}

func (r *jobRepository) ResetJob(ctx context.Context, jobID, tenantID string, status models.JobStatus, nextRun time.Time) error {
	doc, err := json.Marshal(status)
	if err != nil {
		return errors.Wrap(err, "encode job status document")
	}
	query := `
		UPDATE etl.jobs
		SET status = $3::jsonb,
		    next_run = $4,
		    last_success_at = CASE WHEN $5 THEN now() ELSE last_success_at END,
		    updated_at = now()
		WHERE id = $1 AND tenant_id = $2;
	`
	succeeded := status.Overall == models.StatusReady
	return r.execOne(ctx, query, jobID, tenantID, doc, nextRun, succeeded)
}

func (r *jobRepository) execOne(ctx context.Context, query string, args ...interface{}) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
