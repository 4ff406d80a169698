package scheduler

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// fixedThenEvery fires once at a fixed time, then settles into a
// constant cadence. It lets a cron entry's next run be reprogrammed
// without changing its steady-state interval.
type fixedThenEvery struct {
	mu    sync.Mutex
	next  time.Time
	every time.Duration
	fired bool
}

func (s *fixedThenEvery) Next(now time.Time) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.fired {
		s.fired = true
		if s.next.After(now) {
			return s.next
		}
		return now.Add(time.Second)
	}
	return now.Add(s.every)
}

// CronScheduler owns the single recurring orchestrator entry. A
// reprogram replaces the entry so the cron runner picks the new fire
// time up immediately.
type CronScheduler struct {
	mu       sync.Mutex
	cron     *cron.Cron
	entryID  cron.EntryID
	interval time.Duration
	job      func()
	logger   zerolog.Logger
}

func NewCronScheduler(interval time.Duration, job func(), logger zerolog.Logger) *CronScheduler {
	s := &CronScheduler{
		cron:     cron.New(),
		interval: interval,
		job:      job,
		logger:   logger.With().Str("component", "cron_scheduler").Logger(),
	}
	s.entryID = s.cron.Schedule(cron.Every(interval), cron.FuncJob(job))
	return s
}

func (s *CronScheduler) Start() {
	s.cron.Start()
	s.logger.Info().Dur("interval", s.interval).Msg("orchestrator schedule started")
}

// Stop halts the runner and waits for an in-flight pass to finish.
func (s *CronScheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info().Msg("orchestrator schedule stopped")
}

// NextRun returns the orchestrator's next scheduled fire time.
func (s *CronScheduler) NextRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cron.Entry(s.entryID).Next
}

// Reprogram moves the next fire time to the given instant. The entry
// falls back to the steady interval after it fires.
func (s *CronScheduler) Reprogram(next time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cron.Remove(s.entryID)
	s.entryID = s.cron.Schedule(&fixedThenEvery{next: next, every: s.interval}, cron.FuncJob(s.job))
	s.logger.Debug().Time("next_run", next).Msg("orchestrator entry reprogrammed")
	return nil
}
