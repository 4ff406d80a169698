package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/syncforge/etl-core/internal/models"
	"github.com/syncforge/etl-core/internal/notification"
	"github.com/syncforge/etl-core/internal/telemetry"
)

// checkTimeout bounds one deferred drain check, peeks included.
const checkTimeout = 2 * time.Minute

// CalculateNextInterval returns the countdown delay for the given
// extension attempt: 30s, then 60s, 180s, and 300s from the third
// extension onward.
func CalculateNextInterval(attempt int) time.Duration {
	switch {
	case attempt <= 0:
		return 30 * time.Second
	case attempt == 1:
		return time.Minute
	case attempt == 2:
		return 3 * time.Minute
	default:
		return 5 * time.Minute
	}
}

// JobStore is the slice of the job repository the reset scheduler
// writes through. It only ever touches the fields it owns.
type JobStore interface {
	Get(ctx context.Context, jobID, tenantID string) (models.JobRecord, error)
	SetFinished(ctx context.Context, jobID, tenantID string, overall models.OverallStatus, resetDeadline *time.Time, finishedAt time.Time) error
	ExtendReset(ctx context.Context, jobID, tenantID string, resetDeadline time.Time, resetAttempt int) error
	ResetJob(ctx context.Context, jobID, tenantID string, status models.JobStatus, nextRun time.Time) error
}

// TokenPeeker inspects a queue for messages carrying a run token
// without consuming them.
type TokenPeeker interface {
	PeekForToken(ctx context.Context, queue, token string, maxPeek int) (bool, error)
}

// TierLookup resolves a tenant's tier for queue selection.
type TierLookup interface {
	GetTier(ctx context.Context, tenantID string) (models.Tier, error)
}

// ResetScheduler decides when a finished job has truly drained and can
// return to READY. Completion is spread across many concurrently
// processed messages with no guaranteed last event, so the only sound
// check is a deferred re-inspection of job state and queue contents,
// repeated with backoff while work remains.
type ResetScheduler struct {
	jobs     JobStore
	tenants  TierLookup
	peeker   TokenPeeker
	notifier notification.Service
	timers   *TimerService
	maxPeek  int
	clock    func() time.Time
	logger   zerolog.Logger
}

func NewResetScheduler(jobs JobStore, tenants TierLookup, peeker TokenPeeker, notifier notification.Service, timers *TimerService, maxPeek int, logger zerolog.Logger) *ResetScheduler {
	return &ResetScheduler{
		jobs:     jobs,
		tenants:  tenants,
		peeker:   peeker,
		notifier: notifier,
		timers:   timers,
		maxPeek:  maxPeek,
		clock:    time.Now,
		logger:   logger.With().Str("component", "reset_scheduler").Logger(),
	}
}

func resetKey(tenantID, jobID string) string {
	return tenantID + "/" + jobID
}

// JobFinished records the end of a run's last message and, unless the
// run was cut short by a rate limit, starts the drain countdown. A
// rate-limited job resolves to RATE_LIMITED and waits for the next
// orchestrator pass instead of a quiet drain-based reset.
func (s *ResetScheduler) JobFinished(ctx context.Context, tenantID, jobID string, rateLimited bool) error {
	now := s.clock()
	job, err := s.jobs.Get(ctx, jobID, tenantID)
	if err != nil {
		return err
	}

	if rateLimited {
		if err := s.jobs.SetFinished(ctx, jobID, tenantID, models.StatusRateLimited, nil, now); err != nil {
			return err
		}
		job.Status.Overall = models.StatusRateLimited
		s.notifier.NotifyJobStatus(ctx, tenantID, jobID, job.Status, nil)
		s.logger.Warn().Str("job_id", jobID).Str("tenant_id", tenantID).Msg("job finished rate-limited, countdown not started")
		return nil
	}

	deadline := now.Add(CalculateNextInterval(0))
	if err := s.jobs.SetFinished(ctx, jobID, tenantID, models.StatusFinished, &deadline, now); err != nil {
		return err
	}
	job.Status.Overall = models.StatusFinished
	job.Status.ResetDeadline = &deadline
	job.Status.ResetAttempt = 0
	s.notifier.NotifyJobStatus(ctx, tenantID, jobID, job.Status, nil)
	s.StartCountdown(tenantID, jobID, CalculateNextInterval(0))
	return nil
}

// StartCountdown schedules a deferred drain check, replacing any check
// already pending for the job.
func (s *ResetScheduler) StartCountdown(tenantID, jobID string, delay time.Duration) {
	s.logger.Debug().Str("job_id", jobID).Str("tenant_id", tenantID).Dur("delay", delay).Msg("reset countdown scheduled")
	s.timers.Schedule(resetKey(tenantID, jobID), delay, func() {
		s.runCheck(tenantID, jobID)
	})
}

// Stop cancels all pending checks. Used at shutdown.
func (s *ResetScheduler) Stop() {
	s.timers.StopAll()
}

// runCheck is the deferred drain check. Any failure is logged and the
// chain stops advancing for that job; the job stays FINISHED until a
// later run or an operator intervenes.
func (s *ResetScheduler) runCheck(tenantID, jobID string) {
	ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
	defer cancel()

	log := s.logger.With().Str("job_id", jobID).Str("tenant_id", tenantID).Logger()

	job, err := s.jobs.Get(ctx, jobID, tenantID)
	if err != nil {
		log.Error().Err(err).Msg("drain check could not load job, stopping chain")
		return
	}
	if job.Status.Overall != models.StatusFinished {
		// Job was restarted or resolved in the interim; the countdown
		// chain is cancelled.
		log.Debug().Str("overall", string(job.Status.Overall)).Msg("drain check aborted, job no longer finished")
		return
	}
	if job.Status.Token == "" {
		// Without a token there is nothing to correlate queued work
		// against; reset immediately.
		log.Warn().Msg("job finished without token, forcing reset")
		s.reset(ctx, job)
		return
	}

	remaining, err := s.workRemains(ctx, job)
	if err != nil {
		log.Error().Err(err).Msg("drain check failed, stopping chain")
		return
	}
	if remaining {
		s.extend(ctx, job)
		return
	}
	s.reset(ctx, job)
}

// workRemains reports whether the run still has in-flight work: a step
// stage marked running, or a finished stage whose tier queue still
// holds a message with the run token.
func (s *ResetScheduler) workRemains(ctx context.Context, job models.JobRecord) (bool, error) {
	tier, err := s.tenants.GetTier(ctx, job.TenantID)
	if err != nil {
		s.logger.Warn().Err(err).Str("tenant_id", job.TenantID).Msg("tier lookup failed during drain check, assuming premium")
		tier = models.TierPremium
	}

	peeked := map[string]bool{}
	for _, step := range job.Status.Steps {
		for _, stage := range models.AllStages() {
			switch step.State(stage) {
			case models.StageInProgress:
				return true, nil
			case models.StageDone:
				queue := models.QueueName(tier, stage)
				if peeked[queue] {
					continue
				}
				peeked[queue] = true
				telemetry.TokenPeeks.Inc()
				found, err := s.peeker.PeekForToken(ctx, queue, job.Status.Token, s.maxPeek)
				if err != nil {
					return false, err
				}
				if found {
					return true, nil
				}
			}
		}
	}
	return false, nil
}

// extend pushes the deadline out per the backoff table and reschedules.
// Step-status notifications are deliberately not sent from this path:
// workers are the only writers of step sub-statuses.
func (s *ResetScheduler) extend(ctx context.Context, job models.JobRecord) {
	attempt := job.Status.ResetAttempt + 1
	interval := CalculateNextInterval(attempt)
	deadline := s.clock().Add(interval)
	if err := s.jobs.ExtendReset(ctx, job.ID, job.TenantID, deadline, attempt); err != nil {
		s.logger.Error().Err(err).Str("job_id", job.ID).Msg("extend persist failed, stopping chain")
		return
	}
	telemetry.ResetExtensions.Inc()
	s.logger.Info().
		Str("job_id", job.ID).
		Str("tenant_id", job.TenantID).
		Int("reset_attempt", attempt).
		Dur("interval", interval).
		Msg("work remains, reset extended")
	s.StartCountdown(job.TenantID, job.ID, interval)
}

// reset retires the job back to READY with a fresh next_run and emits
// one job-status notification so observers' countdowns resynchronize.
func (s *ResetScheduler) reset(ctx context.Context, job models.JobRecord) {
	now := s.clock()
	status := job.Status
	status.Overall = models.StatusReady
	status.Token = ""
	status.ResetDeadline = nil
	status.ResetAttempt = 0
	for step := range status.Steps {
		status.Steps[step] = models.NewStepStatus()
	}

	var nextRun time.Time
	if job.LastRunStartedAt != nil && job.ScheduleIntervalMinutes > 0 {
		nextRun = job.LastRunStartedAt.Add(time.Duration(job.ScheduleIntervalMinutes) * time.Minute)
	} else {
		nextRun = now.Add(time.Hour)
	}

	if err := s.jobs.ResetJob(ctx, job.ID, job.TenantID, status, nextRun); err != nil {
		s.logger.Error().Err(err).Str("job_id", job.ID).Msg("reset persist failed, stopping chain")
		return
	}
	telemetry.JobResets.Inc()
	s.notifier.NotifyJobStatus(ctx, job.TenantID, job.ID, status, &nextRun)
	s.logger.Info().
		Str("job_id", job.ID).
		Str("tenant_id", job.TenantID).
		Time("next_run", nextRun).
		Msg("job drained, reset to ready")
}
