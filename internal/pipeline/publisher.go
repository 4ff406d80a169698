package pipeline

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/syncforge/etl-core/internal/models"
)

// Broker is the publish side of the queue topology manager.
type Broker interface {
	Publish(ctx context.Context, queue string, msg models.QueueMessage) error
	QueueFor(ctx context.Context, tenantID string, stage models.Stage) string
}

// Flags carries the boundary markers and run token every stage message
// shares. Exactly one message per (job, step, stage) may set First and
// one may set Last; LastJobItem marks the message that closes the run.
type Flags struct {
	First       bool
	Last        bool
	LastJobItem bool
	Token       string
	RateLimited bool
}

// ExtractionParams describes one extraction work item.
type ExtractionParams struct {
	TenantID       string
	IntegrationID  string
	ExtractionType string
	Payload        map[string]interface{}
	JobID          string
	Provider       string
	SyncDates      map[string]string
	Flags          Flags
	LastRepo       bool
	LastNested     bool
}

// TransformParams describes one transform work item. A nil RawDataID is
// the completion sentinel.
type TransformParams struct {
	TenantID      string
	IntegrationID string
	TransformType string
	JobID         string
	Provider      string
	RawDataID     *int64
	Flags         Flags
}

// EmbeddingParams describes one embedding work item. A nil ExternalID
// is the completion sentinel.
type EmbeddingParams struct {
	TenantID      string
	IntegrationID string
	EmbeddingType string
	JobID         string
	Provider      string
	TableName     string
	ExternalID    *string
	Flags         Flags
}

// Publisher is the producer surface exposed to the business layer. It
// resolves the tenant's tier queue and publishes with the shared
// flag/token contract.
type Publisher struct {
	broker Broker
	logger zerolog.Logger
}

func NewPublisher(broker Broker, logger zerolog.Logger) *Publisher {
	return &Publisher{
		broker: broker,
		logger: logger.With().Str("component", "pipeline_publisher").Logger(),
	}
}

func (p *Publisher) PublishExtractionJob(ctx context.Context, params ExtractionParams) error {
	msg := models.QueueMessage{
		TenantID:      params.TenantID,
		IntegrationID: params.IntegrationID,
		JobID:         params.JobID,
		Type:          params.ExtractionType,
		Provider:      params.Provider,
		Payload:       params.Payload,
		SyncDates:     params.SyncDates,
		LastRepo:      params.LastRepo,
		LastNested:    params.LastNested,
	}
	applyFlags(&msg, params.Flags)
	return p.publish(ctx, models.StageExtraction, msg)
}

func (p *Publisher) PublishTransformJob(ctx context.Context, params TransformParams) error {
	msg := models.QueueMessage{
		TenantID:      params.TenantID,
		IntegrationID: params.IntegrationID,
		JobID:         params.JobID,
		Type:          params.TransformType,
		Provider:      params.Provider,
		RawDataID:     params.RawDataID,
	}
	applyFlags(&msg, params.Flags)
	return p.publish(ctx, models.StageTransform, msg)
}

func (p *Publisher) PublishEmbeddingJob(ctx context.Context, params EmbeddingParams) error {
	msg := models.QueueMessage{
		TenantID:      params.TenantID,
		IntegrationID: params.IntegrationID,
		JobID:         params.JobID,
		Type:          params.EmbeddingType,
		Provider:      params.Provider,
		TableName:     params.TableName,
		ExternalID:    params.ExternalID,
	}
	applyFlags(&msg, params.Flags)
	return p.publish(ctx, models.StageEmbedding, msg)
}

// PublishMappingTableEmbedding enqueues a bulk re-embedding of one
// mapping table. It carries no item-level flags and no run token; it
// rides outside any job run's completion accounting.
func (p *Publisher) PublishMappingTableEmbedding(ctx context.Context, tenantID, tableName string) error {
	external := tableName
	msg := models.QueueMessage{
		TenantID:   tenantID,
		Type:       "internal_mapping_table",
		TableName:  tableName,
		ExternalID: &external,
	}
	return p.publish(ctx, models.StageEmbedding, msg)
}

func (p *Publisher) publish(ctx context.Context, stage models.Stage, msg models.QueueMessage) error {
	queue := p.broker.QueueFor(ctx, msg.TenantID, stage)
	if err := p.broker.Publish(ctx, queue, msg); err != nil {
		p.logger.Error().Err(err).Str("queue", queue).Str("job_id", msg.JobID).Msg("stage publish failed")
		return err
	}
	return nil
}

func applyFlags(msg *models.QueueMessage, f Flags) {
	msg.FirstItem = f.First
	msg.LastItem = f.Last
	msg.LastJobItem = f.LastJobItem
	msg.Token = f.Token
	msg.RateLimited = f.RateLimited
}
