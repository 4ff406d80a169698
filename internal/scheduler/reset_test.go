package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/syncforge/etl-core/internal/models"
)

type fakeJobStore struct {
	job    models.JobRecord
	getErr error

	finishedOverall  models.OverallStatus
	finishedDeadline *time.Time
	finishedCalls    int

	extendDeadline time.Time
	extendAttempt  int
	extendCalls    int
	extendErr      error

	resetStatus  models.JobStatus
	resetNextRun time.Time
	resetCalls   int
	resetErr     error
}

func (f *fakeJobStore) Get(ctx context.Context, jobID, tenantID string) (models.JobRecord, error) {
	return f.job, f.getErr
}

func (f *fakeJobStore) SetFinished(ctx context.Context, jobID, tenantID string, overall models.OverallStatus, resetDeadline *time.Time, finishedAt time.Time) error {
	f.finishedOverall = overall
	f.finishedDeadline = resetDeadline
	f.finishedCalls++
	return nil
}

func (f *fakeJobStore) ExtendReset(ctx context.Context, jobID, tenantID string, resetDeadline time.Time, resetAttempt int) error {
	f.extendDeadline = resetDeadline
	f.extendAttempt = resetAttempt
	f.extendCalls++
	return f.extendErr
}

func (f *fakeJobStore) ResetJob(ctx context.Context, jobID, tenantID string, status models.JobStatus, nextRun time.Time) error {
	f.resetStatus = status
	f.resetNextRun = nextRun
	f.resetCalls++
	return f.resetErr
}

type fakeTierLookup struct {
	tier models.Tier
	err  error
}

func (f *fakeTierLookup) GetTier(ctx context.Context, tenantID string) (models.Tier, error) {
	return f.tier, f.err
}

type fakePeeker struct {
	found  bool
	err    error
	queues []string
}

func (f *fakePeeker) PeekForToken(ctx context.Context, queue, token string, maxPeek int) (bool, error) {
	f.queues = append(f.queues, queue)
	return f.found, f.err
}

type recordedJobEvent struct {
	tenantID string
	jobID    string
	status   models.JobStatus
	nextRun  *time.Time
}

type recordedStepEvent struct {
	jobID    string
	stage    models.Stage
	state    models.StageState
	stepType string
}

type fakeNotifyService struct {
	jobEvents  []recordedJobEvent
	stepEvents []recordedStepEvent
}

func (f *fakeNotifyService) NotifyStepStatus(ctx context.Context, tenantID, jobID string, stage models.Stage, state models.StageState, stepType string) {
	f.stepEvents = append(f.stepEvents, recordedStepEvent{jobID: jobID, stage: stage, state: state, stepType: stepType})
}

func (f *fakeNotifyService) NotifyJobStatus(ctx context.Context, tenantID, jobID string, status models.JobStatus, nextRun *time.Time) {
	f.jobEvents = append(f.jobEvents, recordedJobEvent{tenantID: tenantID, jobID: jobID, status: status, nextRun: nextRun})
}

func newTestResetScheduler(store *fakeJobStore, peeker *fakePeeker, notify *fakeNotifyService, now time.Time) *ResetScheduler {
	s := NewResetScheduler(store, &fakeTierLookup{tier: models.TierStandard}, peeker, notify, NewTimerService(zerolog.Nop()), 50, zerolog.Nop())
	s.clock = func() time.Time { return now }
	return s
}

func TestCalculateNextInterval(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{-1, 30 * time.Second},
		{0, 30 * time.Second},
		{1, time.Minute},
		{2, 3 * time.Minute},
		{3, 5 * time.Minute},
		{10, 5 * time.Minute},
	}
	for _, tc := range cases {
		if got := CalculateNextInterval(tc.attempt); got != tc.want {
			t.Errorf("CalculateNextInterval(%d) = %s, want %s", tc.attempt, got, tc.want)
		}
	}
}

func TestJobFinishedStartsCountdown(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	store := &fakeJobStore{job: models.JobRecord{
		ID:       "j1",
		TenantID: "t1",
		Status:   models.JobStatus{Overall: models.StatusRunning, Token: "tok"},
	}}
	notify := &fakeNotifyService{}
	s := newTestResetScheduler(store, &fakePeeker{}, notify, now)
	defer s.Stop()

	if err := s.JobFinished(context.Background(), "t1", "j1", false); err != nil {
		t.Fatalf("JobFinished: %v", err)
	}

	if store.finishedOverall != models.StatusFinished {
		t.Errorf("overall = %s", store.finishedOverall)
	}
	if store.finishedDeadline == nil || !store.finishedDeadline.Equal(now.Add(30*time.Second)) {
		t.Errorf("deadline = %v", store.finishedDeadline)
	}
	if !s.timers.Pending(resetKey("t1", "j1")) {
		t.Error("no countdown pending")
	}
	if len(notify.jobEvents) != 1 || notify.jobEvents[0].status.Overall != models.StatusFinished {
		t.Errorf("job events = %+v", notify.jobEvents)
	}
}

func TestJobFinishedRateLimitedSkipsCountdown(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	store := &fakeJobStore{job: models.JobRecord{
		ID:       "j1",
		TenantID: "t1",
		Status:   models.JobStatus{Overall: models.StatusRunning, Token: "tok"},
	}}
	notify := &fakeNotifyService{}
	s := newTestResetScheduler(store, &fakePeeker{}, notify, now)

	if err := s.JobFinished(context.Background(), "t1", "j1", true); err != nil {
		t.Fatalf("JobFinished: %v", err)
	}

	if store.finishedOverall != models.StatusRateLimited {
		t.Errorf("overall = %s", store.finishedOverall)
	}
	if store.finishedDeadline != nil {
		t.Errorf("deadline = %v", store.finishedDeadline)
	}
	if s.timers.Pending(resetKey("t1", "j1")) {
		t.Error("countdown pending for rate-limited job")
	}
	if len(notify.jobEvents) != 1 || notify.jobEvents[0].status.Overall != models.StatusRateLimited {
		t.Errorf("job events = %+v", notify.jobEvents)
	}
}

func TestRunCheckResetsDrainedJob(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	started := now.Add(-10 * time.Minute)
	status := models.NewJobStatus()
	status.Overall = models.StatusFinished
	status.Token = "tok"
	for _, stage := range models.AllStages() {
		status.SetStepState("jira_issues", stage, models.StageDone)
	}
	store := &fakeJobStore{job: models.JobRecord{
		ID:                      "j1",
		TenantID:                "t1",
		Status:                  status,
		LastRunStartedAt:        &started,
		ScheduleIntervalMinutes: 60,
	}}
	peeker := &fakePeeker{found: false}
	notify := &fakeNotifyService{}
	s := newTestResetScheduler(store, peeker, notify, now)

	s.runCheck("t1", "j1")

	if store.resetCalls != 1 {
		t.Fatalf("reset calls = %d", store.resetCalls)
	}
	if store.resetStatus.Overall != models.StatusReady {
		t.Errorf("overall = %s", store.resetStatus.Overall)
	}
	if store.resetStatus.Token != "" || store.resetStatus.ResetDeadline != nil || store.resetStatus.ResetAttempt != 0 {
		t.Errorf("status not cleared: %+v", store.resetStatus)
	}
	if got := store.resetStatus.Steps["jira_issues"]; got != models.NewStepStatus() {
		t.Errorf("steps not reset: %+v", got)
	}
	wantNext := started.Add(60 * time.Minute)
	if !store.resetNextRun.Equal(wantNext) {
		t.Errorf("next run = %s, want %s", store.resetNextRun, wantNext)
	}
	if len(notify.jobEvents) != 1 || notify.jobEvents[0].nextRun == nil || !notify.jobEvents[0].nextRun.Equal(wantNext) {
		t.Errorf("job events = %+v", notify.jobEvents)
	}
	// One peek per distinct queue, not one per stage entry.
	if len(peeker.queues) != 3 {
		t.Errorf("peeked queues = %v", peeker.queues)
	}
}

func TestRunCheckExtendsWhileStageRuns(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	status := models.NewJobStatus()
	status.Overall = models.StatusFinished
	status.Token = "tok"
	status.SetStepState("jira_issues", models.StageExtraction, models.StageDone)
	status.SetStepState("jira_issues", models.StageTransform, models.StageInProgress)
	store := &fakeJobStore{job: models.JobRecord{ID: "j1", TenantID: "t1", Status: status}}
	peeker := &fakePeeker{}
	s := newTestResetScheduler(store, peeker, &fakeNotifyService{}, now)
	defer s.Stop()

	s.runCheck("t1", "j1")

	if store.extendCalls != 1 {
		t.Fatalf("extend calls = %d", store.extendCalls)
	}
	if store.extendAttempt != 1 {
		t.Errorf("attempt = %d", store.extendAttempt)
	}
	if !store.extendDeadline.Equal(now.Add(time.Minute)) {
		t.Errorf("deadline = %s", store.extendDeadline)
	}
	if store.resetCalls != 0 {
		t.Error("reset called with work remaining")
	}
	if !s.timers.Pending(resetKey("t1", "j1")) {
		t.Error("no follow-up countdown scheduled")
	}
}

func TestRunCheckExtendsOnTokenInQueue(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	status := models.NewJobStatus()
	status.Overall = models.StatusFinished
	status.Token = "tok"
	status.ResetAttempt = 1
	status.SetStepState("jira_issues", models.StageExtraction, models.StageDone)
	store := &fakeJobStore{job: models.JobRecord{ID: "j1", TenantID: "t1", Status: status}}
	s := newTestResetScheduler(store, &fakePeeker{found: true}, &fakeNotifyService{}, now)
	defer s.Stop()

	s.runCheck("t1", "j1")

	if store.extendCalls != 1 || store.extendAttempt != 2 {
		t.Fatalf("extend calls = %d attempt = %d", store.extendCalls, store.extendAttempt)
	}
	if !store.extendDeadline.Equal(now.Add(3 * time.Minute)) {
		t.Errorf("deadline = %s", store.extendDeadline)
	}
}

func TestRunCheckAbortsWhenJobRestarted(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	store := &fakeJobStore{job: models.JobRecord{
		ID:       "j1",
		TenantID: "t1",
		Status:   models.JobStatus{Overall: models.StatusRunning, Token: "tok"},
	}}
	s := newTestResetScheduler(store, &fakePeeker{}, &fakeNotifyService{}, now)

	s.runCheck("t1", "j1")

	if store.extendCalls != 0 || store.resetCalls != 0 {
		t.Errorf("extend = %d reset = %d", store.extendCalls, store.resetCalls)
	}
}

func TestRunCheckForcesResetWithoutToken(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	status := models.NewJobStatus()
	status.Overall = models.StatusFinished
	status.SetStepState("jira_issues", models.StageExtraction, models.StageDone)
	store := &fakeJobStore{job: models.JobRecord{ID: "j1", TenantID: "t1", Status: status}}
	peeker := &fakePeeker{found: true}
	s := newTestResetScheduler(store, peeker, &fakeNotifyService{}, now)

	s.runCheck("t1", "j1")

	if store.resetCalls != 1 {
		t.Fatalf("reset calls = %d", store.resetCalls)
	}
	if len(peeker.queues) != 0 {
		t.Errorf("peeked without a token: %v", peeker.queues)
	}
}

func TestRunCheckStopsChainOnPeekError(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	status := models.NewJobStatus()
	status.Overall = models.StatusFinished
	status.Token = "tok"
	status.SetStepState("jira_issues", models.StageExtraction, models.StageDone)
	store := &fakeJobStore{job: models.JobRecord{ID: "j1", TenantID: "t1", Status: status}}
	s := newTestResetScheduler(store, &fakePeeker{err: errors.New("broker down")}, &fakeNotifyService{}, now)

	s.runCheck("t1", "j1")

	if store.extendCalls != 0 || store.resetCalls != 0 {
		t.Errorf("extend = %d reset = %d", store.extendCalls, store.resetCalls)
	}
	if s.timers.Pending(resetKey("t1", "j1")) {
		t.Error("chain continued after peek failure")
	}
}
