package scheduler

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/syncforge/etl-core/internal/models"
	"github.com/syncforge/etl-core/internal/notification"
)

// JobLauncher is implemented by the provider business layer. Launch is
// expected to publish the run's first-stage messages; the pipeline
// takes over from there.
type JobLauncher interface {
	Launch(ctx context.Context, job models.JobRecord) error
}

// JobLister is the slice of the job repository the orchestrator uses to
// find and start due jobs.
type JobLister interface {
	ListDue(ctx context.Context, now time.Time) ([]models.JobRecord, error)
	MarkRunning(ctx context.Context, jobID, tenantID, token string, startedAt time.Time) error
}

// Orchestrator is the recurring top-level pass: it starts every due
// READY job with a fresh run token and adjusts the cadence through the
// retry scheduler based on launch outcomes.
type Orchestrator struct {
	jobs     JobLister
	launcher JobLauncher
	retry    *RetryScheduler
	notifier notification.Service
	clock    func() time.Time
	logger   zerolog.Logger
}

func NewOrchestrator(jobs JobLister, launcher JobLauncher, retry *RetryScheduler, notifier notification.Service, logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		jobs:     jobs,
		launcher: launcher,
		retry:    retry,
		notifier: notifier,
		clock:    time.Now,
		logger:   logger.With().Str("component", "orchestrator").Logger(),
	}
}

// RunPass executes one orchestrator pass. Launch failures schedule a
// fast retry; a fully successful pass restores the normal cadence if a
// fast retry was in effect.
func (o *Orchestrator) RunPass(ctx context.Context) {
	now := o.clock()
	due, err := o.jobs.ListDue(ctx, now)
	if err != nil {
		o.logger.Error().Err(err).Msg("listing due jobs failed")
		return
	}
	if len(due) == 0 {
		o.logger.Debug().Msg("no due jobs")
		return
	}

	failed := false
	for _, job := range due {
		if err := o.startJob(ctx, job); err != nil {
			failed = true
			o.logger.Error().Err(err).Str("job_id", job.ID).Str("tenant_id", job.TenantID).Msg("job launch failed")
			o.retry.ScheduleFastRetry(ctx, job.Name)
			continue
		}
		o.retry.ResetRetryAttempts(job.Name)
	}

	if !failed && o.retry.IsFastRetryActive(ctx) {
		o.retry.RestoreNormalSchedule(ctx)
	}
}

func (o *Orchestrator) startJob(ctx context.Context, job models.JobRecord) error {
	token := uuid.NewString()
	now := o.clock()
	if err := o.jobs.MarkRunning(ctx, job.ID, job.TenantID, token, now); err != nil {
		return err
	}
	status := models.JobStatus{Overall: models.StatusRunning, Token: token, Steps: map[string]models.StepStatus{}}
	o.notifier.NotifyJobStatus(ctx, job.TenantID, job.ID, status, nil)
	o.logger.Info().
		Str("job_id", job.ID).
		Str("tenant_id", job.TenantID).
		Str("job", job.Name).
		Msg("job run started")

	job.Status = status
	return o.launcher.Launch(ctx, job)
}
