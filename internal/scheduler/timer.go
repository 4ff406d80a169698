package scheduler

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// TimerService runs keyed one-shot deferred callbacks. Scheduling for a
// key cancels any prior pending timer for that key, so at most one
// deferred check is outstanding per job. Callbacks fire on their own
// goroutine, isolated from whatever context scheduled them.
type TimerService struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
	logger zerolog.Logger
}

func NewTimerService(logger zerolog.Logger) *TimerService {
	return &TimerService{
		timers: make(map[string]*time.Timer),
		logger: logger.With().Str("component", "timer_service").Logger(),
	}
}

// Schedule arranges fn to run after delay, replacing any pending timer
// for the same key.
func (s *TimerService) Schedule(key string, delay time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.timers[key]; ok {
		prev.Stop()
		s.logger.Debug().Str("key", key).Msg("replaced pending timer")
	}
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		// A fired timer may lose the race against Schedule or Cancel for
		// its own key. Only the currently installed timer runs fn.
		s.mu.Lock()
		current := s.timers[key] == t
		if current {
			delete(s.timers, key)
		}
		s.mu.Unlock()
		if current {
			fn()
		}
	})
	s.timers[key] = t
}

// Cancel stops a pending timer. It reports whether one was pending.
func (s *TimerService) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.timers[key]
	if !ok {
		return false
	}
	t.Stop()
	delete(s.timers, key)
	return true
}

// Pending reports whether a timer is outstanding for the key.
func (s *TimerService) Pending(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[key]
	return ok
}

// StopAll cancels every pending timer. Used at shutdown.
func (s *TimerService) StopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, t := range s.timers {
		t.Stop()
		delete(s.timers, key)
	}
}
