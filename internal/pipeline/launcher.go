package pipeline

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/syncforge/etl-core/internal/models"
)

// Launcher starts a job run by publishing its kickoff extraction
// message. The job name doubles as the step type; the provider half of
// the name selects the extraction handler downstream.
type Launcher struct {
	publisher *Publisher
	logger    zerolog.Logger
}

func NewLauncher(publisher *Publisher, logger zerolog.Logger) *Launcher {
	return &Launcher{
		publisher: publisher,
		logger:    logger.With().Str("component", "job_launcher").Logger(),
	}
}

// Launch publishes the run's first extraction message carrying the
// fresh run token. The extraction handler fans out from there.
func (l *Launcher) Launch(ctx context.Context, job models.JobRecord) error {
	step, err := models.ParseStepType(job.Name)
	if err != nil {
		return err
	}

	syncDates := map[string]string{}
	if job.LastSyncDate != nil {
		syncDates[job.Name] = job.LastSyncDate.UTC().Format(time.RFC3339)
	}

	l.logger.Info().
		Str("job_id", job.ID).
		Str("tenant_id", job.TenantID).
		Str("job", job.Name).
		Msg("publishing kickoff extraction message")

	return l.publisher.PublishExtractionJob(ctx, ExtractionParams{
		TenantID:       job.TenantID,
		ExtractionType: job.Name,
		JobID:          job.ID,
		Provider:       string(step.Provider),
		SyncDates:      syncDates,
		Flags: Flags{
			First: true,
			Token: job.Status.Token,
		},
	})
}
