package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/syncforge/etl-core/internal/repository"
	"github.com/syncforge/etl-core/internal/telemetry"
)

// Fallback cadences when the settings store has no value.
const (
	defaultScheduleIntervalMinutes = 60
	defaultRetryIntervalMinutes    = 5
	defaultMaxRetryAttempts        = 3

	// fastRetryBuffer is how much sooner than the normal cadence the
	// next run must be before it counts as an active fast retry.
	fastRetryBuffer = 2 * time.Minute
)

// NextRunScheduler is the single recurring orchestrator entry whose
// next fire time the retry scheduler reprograms.
type NextRunScheduler interface {
	NextRun() time.Time
	Reprogram(next time.Time) error
}

// SettingsStore is the slice of the settings repository the retry
// scheduler reads cadence configuration from.
type SettingsStore interface {
	GetInt(ctx context.Context, key, tenantID string, def int) int
	GetBool(ctx context.Context, key, tenantID string, def bool) bool
}

// PendingChecker reports whether a dependent job is due but not yet
// started.
type PendingChecker interface {
	IsJobPending(ctx context.Context, jobName string) (bool, error)
}

// RetryScheduler controls the orchestrator's cadence: a shortened
// retry interval after failures, bounded by a maximum attempt count,
// and a reconciliation policy for interval changes made while a
// countdown is already in flight. Counters are process-local.
//
// Every method holds the mutex for its full duration so a countdown
// read and a next-run write are one consistent critical section.
type RetryScheduler struct {
	mu           sync.Mutex
	attempts     map[string]int
	sched        NextRunScheduler
	settings     SettingsStore
	pending      PendingChecker
	dependentJob string
	clock        func() time.Time
	logger       zerolog.Logger
}

func NewRetryScheduler(sched NextRunScheduler, settings SettingsStore, pending PendingChecker, dependentJob string, logger zerolog.Logger) *RetryScheduler {
	return &RetryScheduler{
		attempts:     make(map[string]int),
		sched:        sched,
		settings:     settings,
		pending:      pending,
		dependentJob: dependentJob,
		clock:        time.Now,
		logger:       logger.With().Str("component", "retry_scheduler").Logger(),
	}
}

// ScheduleFastRetry moves the orchestrator's next run to the fast-retry
// interval. It returns false without touching the schedule when fast
// retry is disabled or the attempt budget is exhausted; exhaustion also
// resets the counter so the next cycle starts fresh.
func (s *RetryScheduler) ScheduleFastRetry(ctx context.Context, jobName string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.settings.GetBool(ctx, repository.SettingFastRetryEnabled, repository.GlobalTenant, true) {
		s.logger.Debug().Str("job", jobName).Msg("fast retry disabled")
		return false
	}
	max := s.settings.GetInt(ctx, repository.SettingMaxRetryAttempts, repository.GlobalTenant, defaultMaxRetryAttempts)
	if s.attempts[jobName] >= max {
		s.logger.Warn().Str("job", jobName).Int("max_attempts", max).Msg("fast retry attempts exhausted, falling back to normal cadence")
		s.attempts[jobName] = 0
		return false
	}

	interval := s.settings.GetInt(ctx, repository.SettingRetryIntervalMinutes, repository.GlobalTenant, defaultRetryIntervalMinutes)
	next := s.clock().Add(time.Duration(interval) * time.Minute)
	if err := s.sched.Reprogram(next); err != nil {
		// The orchestrator keeps running on its previous schedule; the
		// attempt is not spent until the cadence actually shortens.
		s.logger.Error().Err(err).Str("job", jobName).Msg("fast retry reprogram failed")
		return false
	}
	s.attempts[jobName]++
	telemetry.FastRetries.Inc()
	s.logger.Info().
		Str("job", jobName).
		Int("attempt", s.attempts[jobName]).
		Time("next_run", next).
		Msg("fast retry scheduled")
	return true
}

// ResetRetryAttempts clears the counter after a successful run.
func (s *RetryScheduler) ResetRetryAttempts(jobName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.attempts, jobName)
	s.logger.Debug().Str("job", jobName).Msg("retry attempts reset")
}

// ForceResetRetryAttempts clears the counter on a manual trigger.
func (s *RetryScheduler) ForceResetRetryAttempts(jobName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.attempts, jobName)
	s.logger.Info().Str("job", jobName).Msg("retry attempts force-reset by manual trigger")
}

// RetryAttempts returns the current consecutive fast-retry count.
func (s *RetryScheduler) RetryAttempts(jobName string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts[jobName]
}

// RestoreNormalSchedule reprograms the next run to the normal cadence,
// re-reading the interval from settings at call time since it may have
// changed mid-retry-cycle.
func (s *RetryScheduler) RestoreNormalSchedule(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	interval := s.settings.GetInt(ctx, repository.SettingScheduleIntervalMinutes, repository.GlobalTenant, defaultScheduleIntervalMinutes)
	next := s.clock().Add(time.Duration(interval) * time.Minute)
	if err := s.sched.Reprogram(next); err != nil {
		s.logger.Error().Err(err).Msg("restore normal schedule failed")
		return false
	}
	s.logger.Info().Time("next_run", next).Msg("normal schedule restored")
	return true
}

// IsFastRetryActive heuristically reports whether the current next run
// was set by a fast retry: it fires more than the buffer sooner than
// the normal interval would from now.
func (s *RetryScheduler) IsFastRetryActive(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fastRetryActiveLocked(ctx)
}

func (s *RetryScheduler) fastRetryActiveLocked(ctx context.Context) bool {
	next := s.sched.NextRun()
	if next.IsZero() {
		return false
	}
	interval := s.settings.GetInt(ctx, repository.SettingScheduleIntervalMinutes, repository.GlobalTenant, defaultScheduleIntervalMinutes)
	normalNext := s.clock().Add(time.Duration(interval) * time.Minute)
	return next.Before(normalNext.Add(-fastRetryBuffer))
}

// CurrentCountdownMinutes returns whole minutes until the next
// scheduled run, floored at zero.
func (s *RetryScheduler) CurrentCountdownMinutes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.countdownMinutesLocked()
}

func (s *RetryScheduler) countdownMinutesLocked() int {
	next := s.sched.NextRun()
	if next.IsZero() {
		return 0
	}
	remaining := next.Sub(s.clock())
	if remaining < 0 {
		return 0
	}
	return int(remaining / time.Minute)
}

// ShouldApplyNewInterval decides whether an operator's interval change
// takes effect immediately or the in-flight countdown is preserved. A
// change never silently lengthens an already-shorter wait, and never
// shrinks a countdown that is waiting on the dependent job.
func (s *RetryScheduler) ShouldApplyNewInterval(ctx context.Context, newIntervalMinutes int, isRetrySetting bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shouldApplyLocked(ctx, newIntervalMinutes, isRetrySetting)
}

func (s *RetryScheduler) shouldApplyLocked(ctx context.Context, newIntervalMinutes int, isRetrySetting bool) bool {
	active := s.fastRetryActiveLocked(ctx)
	countdown := s.countdownMinutesLocked()

	switch {
	case active && isRetrySetting:
		pending, err := s.pending.IsJobPending(ctx, s.dependentJob)
		if err != nil {
			s.logger.Warn().Err(err).Str("job", s.dependentJob).Msg("dependent job check failed, preserving schedule")
			return false
		}
		return pending && newIntervalMinutes < countdown
	case !active && !isRetrySetting:
		return newIntervalMinutes < countdown
	default:
		return false
	}
}

// ApplyNewRetryIntervalIfSmaller applies a changed retry interval when
// the decision policy allows it.
func (s *RetryScheduler) ApplyNewRetryIntervalIfSmaller(ctx context.Context, newIntervalMinutes int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.shouldApplyLocked(ctx, newIntervalMinutes, true) {
		return false
	}
	next := s.clock().Add(time.Duration(newIntervalMinutes) * time.Minute)
	if err := s.sched.Reprogram(next); err != nil {
		s.logger.Error().Err(err).Msg("retry interval reprogram failed")
		return false
	}
	s.logger.Info().Int("interval_minutes", newIntervalMinutes).Time("next_run", next).Msg("new retry interval applied")
	return true
}
