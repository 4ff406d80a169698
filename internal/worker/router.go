package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/syncforge/etl-core/internal/models"
	"github.com/syncforge/etl-core/internal/notification"
	"github.com/syncforge/etl-core/internal/telemetry"
)

// Handler processes one data message for a provider. A returned error
// nacks the message back onto the queue for redelivery.
type Handler func(ctx context.Context, msg models.QueueMessage) error

// Forwarder publishes messages onto tier-scoped queues. Implemented by
// the broker manager.
type Forwarder interface {
	Publish(ctx context.Context, queue string, msg models.QueueMessage) error
	QueueFor(ctx context.Context, tenantID string, stage models.Stage) string
}

// StepStateStore is the single worker-owned write path into the job
// status document.
type StepStateStore interface {
	UpdateStepState(ctx context.Context, jobID, tenantID, step string, stage models.Stage, state models.StageState) error
}

// JobCompleter receives the end-of-run signal when the last job item
// has been processed. Implemented by the reset scheduler.
type JobCompleter interface {
	JobFinished(ctx context.Context, tenantID, jobID string, rateLimited bool) error
}

// Router consumes one stage's queue: it manages boundary-flag side
// effects, short-circuits completion sentinels to the next stage, and
// dispatches data messages to the provider handler registered for the
// message's parsed provider.
type Router struct {
	stage     models.Stage
	handlers  map[models.Provider]Handler
	forwarder Forwarder
	jobs      StepStateStore
	notifier  notification.Service
	completer JobCompleter
	logger    zerolog.Logger
}

func NewRouter(stage models.Stage, forwarder Forwarder, jobs StepStateStore, notifier notification.Service, completer JobCompleter, logger zerolog.Logger) *Router {
	return &Router{
		stage:     stage,
		handlers:  make(map[models.Provider]Handler),
		forwarder: forwarder,
		jobs:      jobs,
		notifier:  notifier,
		completer: completer,
		logger:    logger.With().Str("component", "router").Str("stage", string(stage)).Logger(),
	}
}

// Register binds a provider's handler for this stage.
func (r *Router) Register(provider models.Provider, h Handler) {
	if h == nil {
		return
	}
	r.handlers[provider] = h
}

// Handle processes one message. The return value is the ack decision:
// true acknowledges the message (success, or a hard failure redelivery
// cannot fix); false requeues it for another attempt. Failures never
// escape to the consume loop.
func (r *Router) Handle(ctx context.Context, msg models.QueueMessage) bool {
	log := r.logger.With().
		Str("job_id", msg.JobID).
		Str("tenant_id", msg.TenantID).
		Str("type", msg.Type).
		Logger()

	// The running notification fires before any processing so observers
	// see the stage start promptly, even if processing fails after.
	if msg.FirstItem {
		r.setStepState(ctx, msg, models.StageInProgress, log)
	}

	if msg.IsCompletionSentinel(r.stage) {
		return r.handleSentinel(ctx, msg, log)
	}

	if err := msg.Validate(r.stage); err != nil {
		// Hard failure: redelivery cannot supply a missing field. The
		// message is acknowledged as processed-with-error; drain
		// checking is the backstop that surfaces the stall.
		telemetry.MessagesRejected.WithLabelValues(string(r.stage)).Inc()
		log.Error().Err(err).Msg("message rejected, required field missing")
		return true
	}

	step, err := models.ParseStepType(msg.Type)
	if err != nil {
		telemetry.MessagesRejected.WithLabelValues(string(r.stage)).Inc()
		log.Error().Err(err).Msg("message rejected, unroutable type")
		return true
	}
	handler, ok := r.handlers[step.Provider]
	if !ok {
		telemetry.MessagesRejected.WithLabelValues(string(r.stage)).Inc()
		log.Error().Str("provider", string(step.Provider)).Msg("message rejected, no handler for provider")
		return true
	}

	if err := handler(ctx, msg); err != nil {
		telemetry.MessagesFailed.WithLabelValues(string(r.stage)).Inc()
		log.Error().Err(err).Str("provider", string(step.Provider)).Msg("handler failed, message will be redelivered")
		return false
	}

	r.finishBoundaries(ctx, msg, log)
	telemetry.MessagesProcessed.WithLabelValues(string(r.stage)).Inc()
	return true
}

// handleSentinel forwards the "no more items" marker to the next stage
// with flags and token untouched, or closes out the run at the final
// stage.
func (r *Router) handleSentinel(ctx context.Context, msg models.QueueMessage, log zerolog.Logger) bool {
	next, ok := models.NextStage(r.stage)
	if ok {
		derived := msg.DeriveCompletion()
		queue := r.forwarder.QueueFor(ctx, msg.TenantID, next)
		if err := r.forwarder.Publish(ctx, queue, derived); err != nil {
			log.Error().Err(err).Str("queue", queue).Msg("completion forward failed, message will be redelivered")
			return false
		}
		log.Debug().Str("queue", queue).Msg("completion sentinel forwarded")
	}

	r.finishBoundaries(ctx, msg, log)
	telemetry.MessagesProcessed.WithLabelValues(string(r.stage)).Inc()
	return true
}

// finishBoundaries emits the stage-finished side effects and, on the
// final stage, the whole-job completion signal. A message carrying both
// first_item and last_item gets both notifications, running first.
func (r *Router) finishBoundaries(ctx context.Context, msg models.QueueMessage, log zerolog.Logger) {
	if msg.LastItem {
		r.setStepState(ctx, msg, models.StageDone, log)
	}
	if msg.LastJobItem && r.stage == models.StageEmbedding {
		if err := r.completer.JobFinished(ctx, msg.TenantID, msg.JobID, msg.RateLimited); err != nil {
			log.Error().Err(err).Msg("job completion accounting failed")
		}
	}
}

func (r *Router) setStepState(ctx context.Context, msg models.QueueMessage, state models.StageState, log zerolog.Logger) {
	if err := r.jobs.UpdateStepState(ctx, msg.JobID, msg.TenantID, msg.Type, r.stage, state); err != nil {
		log.Error().Err(err).Str("state", string(state)).Msg("step state update failed")
	}
	r.notifier.NotifyStepStatus(ctx, msg.TenantID, msg.JobID, r.stage, state, msg.Type)
}

// consumeTimeout bounds a single message's processing.
const consumeTimeout = 10 * time.Minute
