package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/syncforge/etl-core/internal/broker"
	"github.com/syncforge/etl-core/internal/models"
	"github.com/syncforge/etl-core/internal/repository"
	"github.com/syncforge/etl-core/internal/telemetry"
)

// Fallback pool sizes when the settings store has no value.
const (
	defaultExtractionWorkers = 2
	defaultTransformWorkers  = 3
	defaultEmbeddingWorkers  = 2
)

// MessageSource provides the consume side of the broker.
type MessageSource interface {
	DeclareTopology() error
	Get(queue string) (*broker.Delivery, error)
}

// PoolConfig holds the per-tier worker counts for each stage.
type PoolConfig struct {
	Extraction int `json:"extraction"`
	Transform  int `json:"transform"`
	Embedding  int `json:"embedding"`
}

func (c PoolConfig) countFor(stage models.Stage) int {
	switch stage {
	case models.StageExtraction:
		return c.Extraction
	case models.StageTransform:
		return c.Transform
	case models.StageEmbedding:
		return c.Embedding
	}
	return 0
}

// WorkerStatus is one worker instance's health snapshot.
type WorkerStatus struct {
	Tier    models.Tier  `json:"tier"`
	Stage   models.Stage `json:"stage"`
	Number  int          `json:"number"`
	Queue   string       `json:"queue"`
	Running bool         `json:"running"`
	Alive   bool         `json:"alive"`
}

// Manager maintains fixed-size pools of long-running consumer workers,
// one pool per active tier and stage. Workers of one stage share
// nothing but read-only configuration; the broker's per-message
// delivery is the only cross-worker synchronization point.
type Manager struct {
	source       MessageSource
	routers      map[models.Stage]*Router
	settings     repository.SettingsRepository
	tenants      repository.TenantRepository
	pollInterval time.Duration
	stopTimeout  time.Duration
	logger       zerolog.Logger

	mu      sync.Mutex
	workers []*workerHandle
}

func NewManager(source MessageSource, routers map[models.Stage]*Router, settings repository.SettingsRepository, tenants repository.TenantRepository, pollInterval, stopTimeout time.Duration, logger zerolog.Logger) *Manager {
	return &Manager{
		source:       source,
		routers:      routers,
		settings:     settings,
		tenants:      tenants,
		pollInterval: pollInterval,
		stopTimeout:  stopTimeout,
		logger:       logger.With().Str("component", "worker_manager").Logger(),
	}
}

// PoolConfig reads the configured pool sizes. Re-reading never touches
// running workers; a changed count takes effect on the next restart.
func (m *Manager) PoolConfig(ctx context.Context) PoolConfig {
	return PoolConfig{
		Extraction: m.settings.GetInt(ctx, repository.SettingExtractionWorkers, repository.GlobalTenant, defaultExtractionWorkers),
		Transform:  m.settings.GetInt(ctx, repository.SettingTransformWorkers, repository.GlobalTenant, defaultTransformWorkers),
		Embedding:  m.settings.GetInt(ctx, repository.SettingEmbeddingWorkers, repository.GlobalTenant, defaultEmbeddingWorkers),
	}
}

// StartAll declares the topology and launches one goroutine per worker
// instance, each bound to a single tier-scoped queue. It returns false,
// with nothing started, when topology declaration fails.
func (m *Manager) StartAll(ctx context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.workers) > 0 {
		m.logger.Warn().Msg("start requested while workers are running")
		return false
	}

	if err := m.source.DeclareTopology(); err != nil {
		m.logger.Error().Err(err).Msg("topology declaration failed, no workers started")
		return false
	}

	tiers := m.activeTiers(ctx)
	cfg := m.PoolConfig(ctx)

	for _, tier := range tiers {
		for _, stage := range models.AllStages() {
			router := m.routers[stage]
			if router == nil {
				continue
			}
			count := cfg.countFor(stage)
			for i := 1; i <= count; i++ {
				w := &workerHandle{
					tier:   tier,
					stage:  stage,
					number: i,
					queue:  models.QueueName(tier, stage),
					stop:   make(chan struct{}),
					done:   make(chan struct{}),
				}
				m.workers = append(m.workers, w)
				go w.run(ctx, m.source, router, m.pollInterval, m.logger)
			}
		}
	}

	m.logger.Info().Int("workers", len(m.workers)).Interface("pool_config", cfg).Msg("worker pools started")
	return true
}

// activeTiers collects the distinct tiers of active tenants. When the
// registry is unreachable every tier gets a pool, which over-provisions
// rather than stranding queued work.
func (m *Manager) activeTiers(ctx context.Context) []models.Tier {
	tenants, err := m.tenants.ListActiveTenants(ctx)
	if err != nil {
		m.logger.Warn().Err(err).Msg("active tenant listing failed, starting pools for all tiers")
		return models.AllTiers()
	}
	seen := map[models.Tier]bool{}
	var tiers []models.Tier
	for _, t := range tenants {
		if !seen[t.Tier] {
			seen[t.Tier] = true
			tiers = append(tiers, t.Tier)
		}
	}
	return tiers
}

// StopAll signals every worker to exit after its current message and
// joins them with a bounded timeout per the process shutdown
// guarantee. Workers that miss the deadline are logged and abandoned.
func (m *Manager) StopAll() {
	m.mu.Lock()
	workers := m.workers
	m.workers = nil
	m.mu.Unlock()

	for _, w := range workers {
		close(w.stop)
	}
	deadline := time.Now().Add(m.stopTimeout)
	for _, w := range workers {
		select {
		case <-w.done:
		case <-time.After(time.Until(deadline)):
			if !w.alive() {
				continue
			}
			m.logger.Warn().
				Str("queue", w.queue).
				Int("number", w.number).
				Msg("worker did not stop within timeout")
		}
	}
	m.logger.Info().Int("workers", len(workers)).Msg("worker pools stopped")
}

// RestartAll is stop-then-start and is not atomic: a caller observing
// state mid-restart may see zero workers running.
func (m *Manager) RestartAll(ctx context.Context) bool {
	m.StopAll()
	return m.StartAll(ctx)
}

// Status reports per-instance health for dashboards.
func (m *Manager) Status() []WorkerStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]WorkerStatus, 0, len(m.workers))
	for _, w := range m.workers {
		out = append(out, WorkerStatus{
			Tier:    w.tier,
			Stage:   w.stage,
			Number:  w.number,
			Queue:   w.queue,
			Running: w.running.Load(),
			Alive:   w.alive(),
		})
	}
	return out
}

type workerHandle struct {
	tier    models.Tier
	stage   models.Stage
	number  int
	queue   string
	stop    chan struct{}
	done    chan struct{}
	running atomic.Bool
}

func (w *workerHandle) alive() bool {
	select {
	case <-w.done:
		return false
	default:
		return true
	}
}

// run is the consume loop. Each message is processed in isolation: a
// failure acks/nacks that message and the loop continues. Stopping
// takes effect after the in-flight message completes.
func (w *workerHandle) run(ctx context.Context, source MessageSource, router *Router, pollInterval time.Duration, logger zerolog.Logger) {
	log := logger.With().
		Str("queue", w.queue).
		Str("stage", string(w.stage)).
		Int("worker", w.number).
		Logger()
	log.Info().Msg("worker started")

	w.running.Store(true)
	telemetry.WorkersRunning.Inc()
	defer func() {
		w.running.Store(false)
		telemetry.WorkersRunning.Dec()
		close(w.done)
		log.Info().Msg("worker stopped")
	}()

	for {
		select {
		case <-w.stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		d, err := source.Get(w.queue)
		if errors.Is(err, broker.ErrEmptyQueue) {
			w.sleep(ctx, pollInterval)
			continue
		}
		if err != nil {
			log.Error().Err(err).Msg("fetch failed")
			w.sleep(ctx, pollInterval)
			continue
		}

		msg, err := models.DecodeMessage(d.Body)
		if err != nil {
			// Malformed messages are requeued, never dropped; they stay
			// visible until purged by an operator.
			log.Error().Err(err).Msg("malformed message requeued")
			if nackErr := d.Nack(true); nackErr != nil {
				log.Error().Err(nackErr).Msg("requeue failed")
			}
			w.sleep(ctx, pollInterval)
			continue
		}

		msgCtx, cancel := context.WithTimeout(ctx, consumeTimeout)
		ok := router.Handle(msgCtx, msg)
		cancel()

		if ok {
			if err := d.Ack(); err != nil {
				log.Error().Err(err).Msg("ack failed")
			}
		} else {
			if err := d.Nack(true); err != nil {
				log.Error().Err(err).Msg("nack failed")
			}
		}
	}
}

func (w *workerHandle) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-w.stop:
	case <-ctx.Done():
	}
}
