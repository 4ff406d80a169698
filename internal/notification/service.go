package notification

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/syncforge/etl-core/internal/models"
)

// Service fans status updates out to registered notifiers. All delivery
// is best-effort: callers get no error because a status transition must
// never fail on account of its announcement.
type Service interface {
	NotifyStepStatus(ctx context.Context, tenantID, jobID string, stage models.Stage, state models.StageState, stepType string)
	NotifyJobStatus(ctx context.Context, tenantID, jobID string, status models.JobStatus, nextRun *time.Time)
}

type service struct {
	notifiers []Notifier
	logger    zerolog.Logger
	clock     func() time.Time
}

func NewService(logger zerolog.Logger, notifiers ...Notifier) Service {
	active := make([]Notifier, 0, len(notifiers))
	for _, n := range notifiers {
		if n != nil {
			active = append(active, n)
		}
	}
	return &service{
		notifiers: active,
		logger:    logger.With().Str("component", "notification_service").Logger(),
		clock:     time.Now,
	}
}

func (s *service) NotifyStepStatus(ctx context.Context, tenantID, jobID string, stage models.Stage, state models.StageState, stepType string) {
	s.dispatch(ctx, Event{
		Kind:      KindStepStatus,
		TenantID:  tenantID,
		JobID:     jobID,
		Stage:     stage,
		State:     state,
		StepType:  stepType,
		Timestamp: s.clock(),
	})
}

func (s *service) NotifyJobStatus(ctx context.Context, tenantID, jobID string, status models.JobStatus, nextRun *time.Time) {
	s.dispatch(ctx, Event{
		Kind:      KindJobStatus,
		TenantID:  tenantID,
		JobID:     jobID,
		Status:    &status,
		NextRun:   nextRun,
		Timestamp: s.clock(),
	})
}

func (s *service) dispatch(ctx context.Context, evt Event) {
	for _, n := range s.notifiers {
		if err := n.Notify(ctx, evt); err != nil {
			logNotifyError(s.logger, err, notifierChannelName(n), evt)
		}
	}
}
