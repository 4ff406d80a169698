package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/syncforge/etl-core/internal/broker"
	"github.com/syncforge/etl-core/internal/models"
	"github.com/syncforge/etl-core/internal/repository"
)

type fakeSource struct {
	mu         sync.Mutex
	declareErr error
	declared   int
	gets       map[string]int
}

func (f *fakeSource) DeclareTopology() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.declared++
	return f.declareErr
}

func (f *fakeSource) Get(queue string) (*broker.Delivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gets == nil {
		f.gets = map[string]int{}
	}
	f.gets[queue]++
	return nil, broker.ErrEmptyQueue
}

type staticSettings struct {
	ints map[string]int
}

func (s *staticSettings) Get(ctx context.Context, key, tenantID string) (string, error) {
	return "", errors.New("not found")
}

func (s *staticSettings) Set(ctx context.Context, key, value, tenantID string) error { return nil }

func (s *staticSettings) GetInt(ctx context.Context, key, tenantID string, def int) int {
	if v, ok := s.ints[key]; ok {
		return v
	}
	return def
}

func (s *staticSettings) GetBool(ctx context.Context, key, tenantID string, def bool) bool {
	return def
}

type staticTenants struct {
	tenants []models.Tenant
	listErr error
}

func (s *staticTenants) GetTier(ctx context.Context, tenantID string) (models.Tier, error) {
	return models.TierStandard, nil
}

func (s *staticTenants) ListActiveTenants(ctx context.Context) ([]models.Tenant, error) {
	return s.tenants, s.listErr
}

func testRouters() map[models.Stage]*Router {
	routers := map[models.Stage]*Router{}
	for _, stage := range models.AllStages() {
		routers[stage] = NewRouter(stage, &fakeForwarder{}, &fakeStepStore{}, &fakeNotifyService{}, &fakeCompleter{}, zerolog.Nop())
	}
	return routers
}

func newTestManager(source *fakeSource, tenants *staticTenants) *Manager {
	settings := &staticSettings{ints: map[string]int{
		repository.SettingExtractionWorkers: 1,
		repository.SettingTransformWorkers:  1,
		repository.SettingEmbeddingWorkers:  1,
	}}
	return NewManager(source, testRouters(), settings, tenants, 5*time.Millisecond, 200*time.Millisecond, zerolog.Nop())
}

func TestStartAllDeclareFailure(t *testing.T) {
	source := &fakeSource{declareErr: errors.New("broker down")}
	m := newTestManager(source, &staticTenants{})

	if m.StartAll(context.Background()) {
		t.Fatal("start succeeded despite declare failure")
	}
	if len(m.Status()) != 0 {
		t.Errorf("workers started: %+v", m.Status())
	}
}

func TestStartAllOnePoolPerActiveTier(t *testing.T) {
	source := &fakeSource{}
	tenants := &staticTenants{tenants: []models.Tenant{
		{ID: "t1", Tier: models.TierPremium, Active: true},
		{ID: "t2", Tier: models.TierPremium, Active: true},
		{ID: "t3", Tier: models.TierBasic, Active: true},
	}}
	m := newTestManager(source, tenants)

	if !m.StartAll(context.Background()) {
		t.Fatal("start failed")
	}
	defer m.StopAll()

	// Two distinct tiers, three stages, one worker each.
	status := m.Status()
	if len(status) != 6 {
		t.Fatalf("workers = %d", len(status))
	}
	seen := map[models.Tier]bool{}
	for _, w := range status {
		seen[w.Tier] = true
		if w.Queue != models.QueueName(w.Tier, w.Stage) {
			t.Errorf("queue = %s for %s/%s", w.Queue, w.Tier, w.Stage)
		}
	}
	if !seen[models.TierPremium] || !seen[models.TierBasic] || seen[models.TierStandard] {
		t.Errorf("tiers = %v", seen)
	}
}

func TestStartAllFallsBackToAllTiers(t *testing.T) {
	source := &fakeSource{}
	m := newTestManager(source, &staticTenants{listErr: errors.New("db down")})

	if !m.StartAll(context.Background()) {
		t.Fatal("start failed")
	}
	defer m.StopAll()

	if got := len(m.Status()); got != 9 {
		t.Errorf("workers = %d, want one per tier and stage", got)
	}
}

func TestStartAllRefusesWhileRunning(t *testing.T) {
	source := &fakeSource{}
	m := newTestManager(source, &staticTenants{tenants: []models.Tenant{{ID: "t1", Tier: models.TierStandard, Active: true}}})

	if !m.StartAll(context.Background()) {
		t.Fatal("start failed")
	}
	defer m.StopAll()

	if m.StartAll(context.Background()) {
		t.Fatal("second start accepted while running")
	}
}

// stuckSource hands out one data message per Get on the standard
// extraction queue and reports every other queue empty.
type stuckSource struct {
	body []byte
}

func (s *stuckSource) DeclareTopology() error { return nil }

func (s *stuckSource) Get(queue string) (*broker.Delivery, error) {
	if queue != models.QueueName(models.TierStandard, models.StageExtraction) {
		return nil, broker.ErrEmptyQueue
	}
	return &broker.Delivery{Body: s.body}, nil
}

func TestStopAllReturnsWithStuckWorkers(t *testing.T) {
	body, err := dataMessage().Encode()
	if err != nil {
		t.Fatal(err)
	}

	release := make(chan struct{})
	var entered sync.WaitGroup
	entered.Add(2)
	routers := testRouters()
	routers[models.StageExtraction].Register(models.ProviderJira, func(ctx context.Context, msg models.QueueMessage) error {
		entered.Done()
		<-release
		return nil
	})
	defer close(release)

	settings := &staticSettings{ints: map[string]int{
		repository.SettingExtractionWorkers: 2,
		repository.SettingTransformWorkers:  0,
		repository.SettingEmbeddingWorkers:  0,
	}}
	tenants := &staticTenants{tenants: []models.Tenant{{ID: "t1", Tier: models.TierStandard, Active: true}}}
	m := NewManager(&stuckSource{body: body}, routers, settings, tenants, 5*time.Millisecond, 200*time.Millisecond, zerolog.Nop())

	if !m.StartAll(context.Background()) {
		t.Fatal("start failed")
	}
	entered.Wait()

	// Both workers are mid-handler. The join must still return once the
	// stop timeout elapses, not wait a full timeout per straggler.
	start := time.Now()
	returned := make(chan struct{})
	go func() {
		m.StopAll()
		close(returned)
	}()
	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("StopAll did not return with workers stuck in a handler")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("StopAll took %v with a 200ms stop timeout", elapsed)
	}
}

func TestStopAllJoinsWorkers(t *testing.T) {
	source := &fakeSource{}
	m := newTestManager(source, &staticTenants{tenants: []models.Tenant{{ID: "t1", Tier: models.TierStandard, Active: true}}})

	if !m.StartAll(context.Background()) {
		t.Fatal("start failed")
	}
	// Let the workers poll at least once.
	time.Sleep(20 * time.Millisecond)
	m.StopAll()

	if got := len(m.Status()); got != 0 {
		t.Errorf("workers after stop = %d", got)
	}
	source.mu.Lock()
	polled := len(source.gets)
	source.mu.Unlock()
	if polled == 0 {
		t.Error("workers never polled their queues")
	}
}
