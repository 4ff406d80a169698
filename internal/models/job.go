package models

import (
	"time"
)

type OverallStatus string

const (
	StatusReady       OverallStatus = "READY"
	StatusRunning     OverallStatus = "RUNNING"
	StatusFinished    OverallStatus = "FINISHED"
	StatusRateLimited OverallStatus = "RATE_LIMITED"
)

// StageState is the per-stage progress of a single step within a run.
type StageState string

const (
	StageIdle       StageState = "idle"
	StageInProgress StageState = "running"
	StageDone       StageState = "finished"
)

// StepStatus tracks one logical step (e.g. "jira_issues") across all
// three pipeline stages.
type StepStatus struct {
	Extraction StageState `json:"extraction"`
	Transform  StageState `json:"transform"`
	Embedding  StageState `json:"embedding"`
}

func NewStepStatus() StepStatus {
	return StepStatus{Extraction: StageIdle, Transform: StageIdle, Embedding: StageIdle}
}

// State returns the step's state for one stage.
func (s StepStatus) State(stage Stage) StageState {
	switch stage {
	case StageExtraction:
		return s.Extraction
	case StageTransform:
		return s.Transform
	case StageEmbedding:
		return s.Embedding
	}
	return StageIdle
}

// JobStatus is the typed form of the job's status document. It is
// serialized to JSON only at the storage and notification boundaries.
type JobStatus struct {
	Overall       OverallStatus         `json:"overall"`
	Token         string                `json:"token,omitempty"`
	Steps         map[string]StepStatus `json:"steps"`
	ResetDeadline *time.Time            `json:"reset_deadline,omitempty"`
	ResetAttempt  int                   `json:"reset_attempt"`
}

func NewJobStatus() JobStatus {
	return JobStatus{Overall: StatusReady, Steps: map[string]StepStatus{}}
}

// SetStepState updates a single step/stage pair, creating the step
// entry if this is the first state seen for it.
func (s *JobStatus) SetStepState(step string, stage Stage, state StageState) {
	if s.Steps == nil {
		s.Steps = map[string]StepStatus{}
	}
	st, ok := s.Steps[step]
	if !ok {
		st = NewStepStatus()
	}
	switch stage {
	case StageExtraction:
		st.Extraction = state
	case StageTransform:
		st.Transform = state
	case StageEmbedding:
		st.Embedding = state
	}
	s.Steps[step] = st
}

// AnyStageRunning reports whether any step still has a stage marked
// running.
func (s JobStatus) AnyStageRunning() bool {
	for _, st := range s.Steps {
		for _, stage := range AllStages() {
			if st.State(stage) == StageInProgress {
				return true
			}
		}
	}
	return false
}

// JobRecord is the persisted job row, keyed by (ID, TenantID).
type JobRecord struct {
	ID                      string     `json:"id" db:"id"`
	TenantID                string     `json:"tenant_id" db:"tenant_id"`
	Name                    string     `json:"name" db:"name"`
	Status                  JobStatus  `json:"status" db:"status"`
	LastRunStartedAt        *time.Time `json:"last_run_started_at" db:"last_run_started_at"`
	LastRunFinishedAt       *time.Time `json:"last_run_finished_at" db:"last_run_finished_at"`
	LastSuccessAt           *time.Time `json:"last_success_at" db:"last_success_at"`
	LastSyncDate            *time.Time `json:"last_sync_date" db:"last_sync_date"`
	NextRun                 *time.Time `json:"next_run" db:"next_run"`
	ScheduleIntervalMinutes int        `json:"schedule_interval_minutes" db:"schedule_interval_minutes"`
	RetryIntervalMinutes    int        `json:"retry_interval_minutes" db:"retry_interval_minutes"`
	RetryCount              int        `json:"retry_count" db:"retry_count"`
	CreatedAt               time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt               time.Time  `json:"updated_at" db:"updated_at"`
}
