package notification

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/syncforge/etl-core/internal/models"
)

// EventKind distinguishes the two status notification shapes.
type EventKind string

const (
	KindStepStatus EventKind = "step_status"
	KindJobStatus  EventKind = "job_status"
)

// Event is one status update pushed toward connected clients.
type Event struct {
	Kind     EventKind `json:"kind"`
	TenantID string    `json:"tenant_id"`
	JobID    string    `json:"job_id"`

	// Step-status fields.
	Stage    models.Stage      `json:"stage,omitempty"`
	State    models.StageState `json:"state,omitempty"`
	StepType string            `json:"step_type,omitempty"`

	// Job-status fields.
	Status  *models.JobStatus `json:"status,omitempty"`
	NextRun *time.Time        `json:"next_run,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// Notifier delivers an event over one channel (redis pub/sub, log, ...).
type Notifier interface {
	Notify(ctx context.Context, evt Event) error
}

func notifierChannelName(n Notifier) string {
	type named interface {
		String() string
	}
	if v, ok := n.(named); ok {
		return v.String()
	}
	return "unknown"
}

func logNotifyError(logger zerolog.Logger, err error, channel string, evt Event) {
	if err == nil {
		return
	}
	// Notifications are best-effort; delivery failure never fails the
	// state transition it reports.
	logger.Debug().
		Err(err).
		Str("channel", channel).
		Str("tenant_id", evt.TenantID).
		Str("job_id", evt.JobID).
		Str("kind", string(evt.Kind)).
		Msg("failed to deliver notification")
}
