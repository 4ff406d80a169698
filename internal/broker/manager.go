package broker

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/syncforge/etl-core/internal/models"
)

// ErrEmptyQueue is returned by Get and GetSingleMessage when the queue
// has no messages ready.
var ErrEmptyQueue = errors.New("queue empty")

// messageTTL bounds how long an undrained message survives in a tier
// queue.
const messageTTL = 24 * time.Hour

// TierLookup resolves a tenant's capacity class. Implemented by the
// tenant registry.
type TierLookup interface {
	GetTier(ctx context.Context, tenantID string) (models.Tier, error)
}

// Delivery is a single fetched message whose ack/nack decision belongs
// to the caller.
type Delivery struct {
	Body     []byte
	AckFunc  func() error
	NackFunc func(requeue bool) error
}

func (d *Delivery) Ack() error {
	if d.AckFunc == nil {
		return nil
	}
	return d.AckFunc()
}

func (d *Delivery) Nack(requeue bool) error {
	if d.NackFunc == nil {
		return nil
	}
	return d.NackFunc(requeue)
}

// Manager owns the broker connection and the tiered queue topology.
// Each call either fully succeeds or fully fails with no partial queue
// mutation; it never retries internally — stage producers and workers
// retry at their own cadence.
type Manager struct {
	mu      sync.Mutex
	conn    *amqp.Connection
	ch      *amqp.Channel
	tenants TierLookup
	logger  zerolog.Logger
}

func NewManager(url string, tenants TierLookup, logger zerolog.Logger) (*Manager, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, errors.Wrap(err, "dial broker")
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "open channel")
	}
	return &Manager{
		conn:    conn,
		ch:      ch,
		tenants: tenants,
		logger:  logger.With().Str("component", "broker").Logger(),
	}, nil
}

func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.ch.Close(); err != nil {
		m.logger.Warn().Err(err).Msg("channel close")
	}
	return m.conn.Close()
}

// DeclareTopology declares one durable queue per tier/stage pair.
// Declaration is idempotent on the broker side; errors propagate so the
// caller can retry at a higher level.
func (m *Manager) DeclareTopology() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	args := amqp.Table{"x-message-ttl": int64(messageTTL / time.Millisecond)}
	for _, tier := range models.AllTiers() {
		for _, stage := range models.AllStages() {
			name := models.QueueName(tier, stage)
			if _, err := m.ch.QueueDeclare(name, true, false, false, false, args); err != nil {
				return errors.Wrapf(err, "declare queue %s", name)
			}
		}
	}
	m.logger.Info().Int("queues", len(models.AllTiers())*len(models.AllStages())).Msg("queue topology declared")
	return nil
}

// Publish serializes the message and publishes it with persistent
// delivery mode. Failures are surfaced to the caller unretried.
func (m *Manager) Publish(ctx context.Context, queue string, msg models.QueueMessage) error {
	body, err := msg.Encode()
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	err = m.ch.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	})
	if err != nil {
		m.logger.Error().Err(err).Str("queue", queue).Str("job_id", msg.JobID).Msg("publish failed")
		return errors.Wrapf(err, "publish to %s", queue)
	}
	return nil
}

// QueueFor resolves the tier-scoped queue a tenant's messages belong
// on. A registry lookup failure falls back to the highest-capacity tier
// rather than failing the publish.
func (m *Manager) QueueFor(ctx context.Context, tenantID string, stage models.Stage) string {
	tier, err := m.tenants.GetTier(ctx, tenantID)
	if err != nil {
		m.logger.Warn().Err(err).Str("tenant_id", tenantID).Msg("tier lookup failed, defaulting to premium")
		tier = models.TierPremium
	}
	return models.QueueName(tier, stage)
}

// Get fetches a single delivery without auto-ack. The caller decides
// whether the message is acked or requeued.
func (m *Manager) Get(queue string) (*Delivery, error) {
	m.mu.Lock()
	d, ok, err := m.ch.Get(queue, false)
	m.mu.Unlock()
	if err != nil {
		return nil, errors.Wrapf(err, "get from %s", queue)
	}
	if !ok {
		return nil, ErrEmptyQueue
	}
	return &Delivery{
		Body:     d.Body,
		AckFunc:  func() error { return d.Ack(false) },
		NackFunc: func(requeue bool) error { return d.Nack(false, requeue) },
	}, nil
}

// GetSingleMessage consumes and acknowledges exactly one message. A
// decode failure negative-acknowledges with requeue so the message is
// not lost.
func (m *Manager) GetSingleMessage(queue string) (models.QueueMessage, error) {
	d, err := m.Get(queue)
	if err != nil {
		return models.QueueMessage{}, err
	}
	msg, err := models.DecodeMessage(d.Body)
	if err != nil {
		if nackErr := d.Nack(true); nackErr != nil {
			m.logger.Error().Err(nackErr).Str("queue", queue).Msg("requeue of malformed message failed")
		}
		return models.QueueMessage{}, err
	}
	if err := d.Ack(); err != nil {
		return models.QueueMessage{}, errors.Wrapf(err, "ack on %s", queue)
	}
	return msg, nil
}

// PeekForToken inspects up to maxPeek messages for one carrying the
// given run token. Every message looked at is requeued before the call
// returns, match or not, so a peek never changes the queue's visible
// message count.
func (m *Manager) PeekForToken(ctx context.Context, queue, token string, maxPeek int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var tags []uint64
	defer func() {
		for _, tag := range tags {
			if err := m.ch.Nack(tag, false, true); err != nil {
				m.logger.Error().Err(err).Str("queue", queue).Uint64("tag", tag).Msg("requeue after peek failed")
			}
		}
	}()

	found := false
	for i := 0; i < maxPeek; i++ {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		d, ok, err := m.ch.Get(queue, false)
		if err != nil {
			return false, errors.Wrapf(err, "peek on %s", queue)
		}
		if !ok {
			break
		}
		tags = append(tags, d.DeliveryTag)
		msg, err := models.DecodeMessage(d.Body)
		if err != nil {
			// Malformed messages stay requeued and visible.
			m.logger.Warn().Err(err).Str("queue", queue).Msg("malformed message during peek")
			continue
		}
		if msg.Token == token {
			found = true
			break
		}
	}
	return found, nil
}

// QueueDepth returns the ready-message count via a passive declare.
func (m *Manager) QueueDepth(queue string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, err := m.ch.QueueDeclarePassive(queue, true, false, false, false, nil)
	if err != nil {
		return 0, errors.Wrapf(err, "inspect queue %s", queue)
	}
	return q.Messages, nil
}
