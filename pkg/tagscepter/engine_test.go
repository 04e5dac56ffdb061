package tagscepter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBuildService struct {
	mu sync.Mutex

	failAll bool
	failing map[string]bool // Tag IDs whose builds can't be triggered

	triggered []string          // Tag IDs in trigger order
	statuses  map[string]string // External status per external build ID
}

func (f *fakeBuildService) TriggerBuild(_ context.Context, tag Tag) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll || f.failing[tag.ID] {
		return "", errors.New("ci unreachable")
	}
	f.triggered = append(f.triggered, tag.ID)
	return fmt.Sprintf("ext-%d", len(f.triggered)), nil
}

func (f *fakeBuildService) PollStatus(_ context.Context, externalBuildID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	status, ok := f.statuses[externalBuildID]
	if !ok {
		return "", errors.New("unknown build")
	}
	return status, nil
}

func (f *fakeBuildService) setStatus(externalBuildID, status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[externalBuildID] = status
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

func newTestEngine(t *testing.T, tagCount int, modify func(e *Engine)) (*Engine, *fakeBuildService) {
	tags, err := NewMemoryTags(testTags(tagCount)...)
	require.NoError(t, err)

	ci := &fakeBuildService{
		failing:  make(map[string]bool),
		statuses: make(map[string]string),
	}
	clock := &testClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}

	config := DefaultConfig()
	config.Poll.Schedule = ""
	config.DefaultBuildService = "ci"
	config.Dispatch = RetryConfig{
		Retries:           3,
		Backoff:           time.Millisecond,
		BackoffMultiplier: 2,
		MaxBackoff:        5 * time.Millisecond,
	}

	e := &Engine{
		Config:        config,
		Tags:          tags,
		BuildServices: map[string]BuildService{"ci": ci},
		now:           clock.now,
	}
	if modify != nil {
		modify(e)
	}
	require.NoError(t, e.Start())
	t.Cleanup(e.Stop)
	return e, ci
}

func createTask(t *testing.T, e *Engine, good, bad string) *Task {
	t.Helper()
	task, err := e.CreateTask(context.Background(), CreateTaskRequest{
		ProjectID: "project",
		GoodTagID: good,
		BadTagID:  bad,
	})
	require.NoError(t, err, "CreateTask returned an error")
	e.WaitForDispatches()
	return task
}

func getTask(t *testing.T, e *Engine, taskID string) *Task {
	t.Helper()
	task, err := e.Store.GetTask(context.Background(), taskID)
	require.NoError(t, err)
	return task
}

// openJobs returns the unfinished build jobs of the task's open iteration
func openJobs(t *testing.T, e *Engine, taskID string) []*BuildJob {
	t.Helper()
	e.WaitForDispatches()
	ctx := context.Background()
	it, err := e.openIteration(ctx, taskID)
	require.NoError(t, err)
	require.NotNil(t, it, "Task has no open iteration")

	jobs, err := e.Store.ListBuildJobs(ctx, taskID)
	require.NoError(t, err)
	var res []*BuildJob
	for _, job := range jobs {
		if job.IterationID == it.ID && !job.Status.IsTerminal() {
			res = append(res, job)
		}
	}
	return res
}

func onlyJob(t *testing.T, e *Engine, taskID string) *BuildJob {
	t.Helper()
	jobs := openJobs(t, e, taskID)
	require.Len(t, jobs, 1, "Expected exactly one unfinished build job")
	return jobs[0]
}

// judge finishes the build job and gives the passed verdict for it
func judge(t *testing.T, e *Engine, job *BuildJob, verdict FeedbackType) (*Feedback, error) {
	t.Helper()
	ctx := context.Background()
	_, err := e.Reconcile(ctx, job.ID, "success")
	require.NoError(t, err)
	fb, err := e.SubmitFeedback(ctx, job.ID, verdict, "", "tester")
	e.WaitForDispatches()
	return fb, err
}

func sequenceOf(t *testing.T, e *Engine, tagID string) int {
	t.Helper()
	pos, err := e.Tags.PositionOf(context.Background(), tagID)
	require.NoError(t, err)
	return pos
}

func TestCreateTask(t *testing.T) {
	e, ci := newTestEngine(t, 16, nil)
	ctx := context.Background()

	t.Run("First iteration probes the middle", func(t *testing.T) {
		task := createTask(t, e, "tag#0", "tag#15")
		assert.Equal(t, TaskActive, task.Status)
		assert.Equal(t, 1, task.CurrentIteration)
		assert.Equal(t, "ci", task.BuildService)
		assert.Equal(t, "main", task.BranchID, "Branch should default to the branch of the good tag")

		job := onlyJob(t, e, task.ID)
		assert.Equal(t, "tag#8", job.TagID)
		assert.Equal(t, BuildPending, job.Status)
		assert.NotEmpty(t, job.ExternalBuildID, "Build was not triggered")
		assert.Equal(t, 1, job.Attempts)
		assert.Contains(t, ci.triggered, "tag#8")

		candidates, err := e.GetCandidates(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, candidates.Iteration)
		assert.Equal(t, 0, candidates.RangeStart)
		assert.Equal(t, 15, candidates.RangeEnd)
		assert.Equal(t, 14, candidates.Remaining)
		require.Len(t, candidates.Selected, 1)
		assert.Equal(t, "tag#8", candidates.Selected[0].ID)
		assert.Len(t, candidates.BuildJobs, 1)
	})
	t.Run("Adjacent tags complete immediately", func(t *testing.T) {
		task := createTask(t, e, "tag#3", "tag#4")
		assert.Equal(t, TaskCompleted, task.Status)
		assert.Equal(t, "tag#4", task.FinalProblematicTagID)
		assert.Equal(t, 1, task.CurrentIteration)

		details, err := e.GetTask(ctx, task.ID)
		require.NoError(t, err)
		require.Len(t, details.Iterations, 1)
		assert.False(t, details.Iterations[0].IsOpen())
		assert.Empty(t, details.BuildJobs)
	})
	t.Run("Invalid requests are rejected", func(t *testing.T) {
		values := []struct {
			name string
			req  CreateTaskRequest
			err  error
		}{
			{"Same tag", CreateTaskRequest{GoodTagID: "tag#3", BadTagID: "tag#3"}, ErrInvalidArgument},
			{"Missing tag", CreateTaskRequest{GoodTagID: "tag#3"}, ErrInvalidArgument},
			{"Unknown tag", CreateTaskRequest{GoodTagID: "tag#3", BadTagID: "nope"}, ErrNotFound},
			{"Wrong branch", CreateTaskRequest{BranchID: "dev", GoodTagID: "tag#3", BadTagID: "tag#5"}, ErrInvalidArgument},
			{"Unknown build service", CreateTaskRequest{GoodTagID: "tag#3", BadTagID: "tag#5", BuildService: "nope"}, ErrInvalidArgument},
		}
		for _, v := range values {
			t.Run(v.name, func(t *testing.T) {
				_, err := e.CreateTask(ctx, v.req)
				assert.ErrorIs(t, err, v.err)
			})
		}
	})
}

func TestBisectionAllBroken(t *testing.T) {
	e, _ := newTestEngine(t, 16, nil)
	task := createTask(t, e, "tag#0", "tag#15")

	var probed []int
	for i := 0; i < 10 && getTask(t, e, task.ID).Status == TaskActive; i++ {
		job := onlyJob(t, e, task.ID)
		probed = append(probed, sequenceOf(t, e, job.TagID))
		_, err := judge(t, e, job, Broken)
		require.NoError(t, err)
	}

	task = getTask(t, e, task.ID)
	assert.Equal(t, []int{8, 4, 2, 1}, probed, "Wrong probing order")
	assert.Equal(t, TaskCompleted, task.Status)
	assert.Equal(t, "tag#1", task.FinalProblematicTagID)
	assert.Equal(t, 4, task.CurrentIteration)
	assert.Contains(t, task.ResolutionNotes, "tag#1")

	details, err := e.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	require.Len(t, details.Iterations, 4)
	for i, it := range details.Iterations {
		assert.Equal(t, i+1, it.Number, "Iteration numbers must have no gaps")
		assert.False(t, it.IsOpen(), "Iteration %d still open", it.Number)
	}

	replayed, err := e.ReplayTask(context.Background(), task.ID)
	require.NoError(t, err)
	tag, ok := replayed.ProblematicTag()
	assert.True(t, ok)
	assert.Equal(t, task.FinalProblematicTagID, tag.ID, "Replay did not reproduce the problematic tag")
}

func TestBisectionFindsProblematicTag(t *testing.T) {
	for _, problematic := range []int{1, 5, 11, 20, 31} {
		t.Run(fmt.Sprintf("Regression at %d", problematic), func(t *testing.T) {
			e, _ := newTestEngine(t, 32, nil)
			task := createTask(t, e, "tag#0", "tag#31")

			for i := 0; i < 10 && getTask(t, e, task.ID).Status == TaskActive; i++ {
				job := onlyJob(t, e, task.ID)
				verdict := Broken
				if sequenceOf(t, e, job.TagID) < problematic {
					verdict = Working
				}
				_, err := judge(t, e, job, verdict)
				require.NoError(t, err)
			}

			task = getTask(t, e, task.ID)
			assert.Equal(t, TaskCompleted, task.Status)
			assert.Equal(t, fmt.Sprintf("tag#%d", problematic), task.FinalProblematicTagID)
			assert.LessOrEqual(t, task.CurrentIteration, 5)
		})
	}
}

func TestBisectionDownwards(t *testing.T) {
	e, _ := newTestEngine(t, 9, nil)
	// The good tag is the newer one, the search runs towards older tags
	task := createTask(t, e, "tag#8", "tag#0")

	for i := 0; i < 10 && getTask(t, e, task.ID).Status == TaskActive; i++ {
		job := onlyJob(t, e, task.ID)
		verdict := Broken
		if sequenceOf(t, e, job.TagID) > 5 {
			verdict = Working
		}
		_, err := judge(t, e, job, verdict)
		require.NoError(t, err)
	}

	task = getTask(t, e, task.ID)
	assert.Equal(t, TaskCompleted, task.Status)
	assert.Equal(t, "tag#5", task.FinalProblematicTagID)
}

func TestInconclusiveVerdict(t *testing.T) {
	e, _ := newTestEngine(t, 16, nil)
	task := createTask(t, e, "tag#0", "tag#15")

	_, err := judge(t, e, onlyJob(t, e, task.ID), Inconclusive)
	require.NoError(t, err)

	candidates, err := e.GetCandidates(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, candidates.Iteration)
	assert.Equal(t, 0, candidates.RangeStart, "Inconclusive verdict changed the range")
	assert.Equal(t, 15, candidates.RangeEnd, "Inconclusive verdict changed the range")
	require.Len(t, candidates.Excluded, 1)
	assert.Equal(t, "tag#8", candidates.Excluded[0].ID)
	require.Len(t, candidates.Selected, 1)
	assert.Equal(t, "tag#9", candidates.Selected[0].ID)
	assert.Equal(t, []string{"tag#8", "tag#9"}, []string{candidates.Generated[0].ID, candidates.Generated[1].ID})
}

func TestPauseResume(t *testing.T) {
	e, _ := newTestEngine(t, 16, nil)
	ctx := context.Background()
	task := createTask(t, e, "tag#0", "tag#15")

	running, err := e.Reconcile(ctx, onlyJob(t, e, task.ID).ID, "running")
	require.NoError(t, err)
	assert.Equal(t, BuildRunning, running.Status)
	assert.NotNil(t, running.StartedAt)

	paused, err := e.Pause(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskPaused, paused.Status)

	cancelled, err := e.Store.GetBuildJob(ctx, running.ID)
	require.NoError(t, err)
	assert.Equal(t, BuildCancelled, cancelled.Status, "Pause did not cancel the running build job")
	assert.NotNil(t, cancelled.CompletedAt)

	_, err = e.Pause(ctx, task.ID)
	assert.ErrorIs(t, err, ErrInvalidState, "Pausing twice should be rejected")
	_, err = e.SubmitFeedback(ctx, running.ID, Working, "", "tester")
	assert.ErrorIs(t, err, ErrInvalidState, "Feedback on paused task should be rejected")

	resumed, err := e.Resume(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskActive, resumed.Status)

	job := onlyJob(t, e, task.ID)
	assert.Equal(t, "tag#8", job.TagID, "Resume should re-dispatch the same candidate")
	assert.NotEqual(t, running.ID, job.ID, "Resume should create a new build job")

	_, err = e.Resume(ctx, task.ID)
	assert.ErrorIs(t, err, ErrInvalidState, "Resuming an active task should be rejected")
	assert.Len(t, openJobs(t, e, task.ID), 1, "Resuming an active task must not dispatch again")
}

func TestResumeSkipsSettledCandidates(t *testing.T) {
	e, _ := newTestEngine(t, 17, func(e *Engine) {
		e.Config.ParallelCandidates = 3
	})
	ctx := context.Background()
	task := createTask(t, e, "tag#0", "tag#16")

	jobs := openJobs(t, e, task.ID)
	require.Len(t, jobs, 3)
	// tag#4 gets a verdict, tag#8 finishes without one, tag#12 is still running when pausing
	byTag := map[string]*BuildJob{}
	for _, job := range jobs {
		byTag[job.TagID] = job
	}
	_, err := judge(t, e, byTag["tag#4"], Working)
	require.NoError(t, err)
	_, err = e.Reconcile(ctx, byTag["tag#8"].ID, "failed")
	require.NoError(t, err)

	_, err = e.Pause(ctx, task.ID)
	require.NoError(t, err)
	_, err = e.Resume(ctx, task.ID)
	require.NoError(t, err)

	jobs = openJobs(t, e, task.ID)
	require.Len(t, jobs, 1, "Only the cancelled candidate should be re-dispatched")
	assert.Equal(t, "tag#12", jobs[0].TagID)
}

func TestFeedbackConflict(t *testing.T) {
	e, _ := newTestEngine(t, 16, nil)
	ctx := context.Background()
	task := createTask(t, e, "tag#0", "tag#15")

	first := onlyJob(t, e, task.ID)
	_, err := judge(t, e, first, Working)
	require.NoError(t, err)

	second := onlyJob(t, e, task.ID)
	assert.Equal(t, "tag#12", second.TagID)

	// A later verdict for the first build job wins, the search restarts from the rebuilt range
	fb, err := e.SubmitFeedback(ctx, first.ID, Broken, "runtime only regression", "alice")
	require.NoError(t, err)
	e.WaitForDispatches()
	assert.Equal(t, Broken, fb.Type)

	task = getTask(t, e, task.ID)
	assert.Equal(t, TaskActive, task.Status, "Feedback conflicts are not fatal")
	assert.Contains(t, task.ResolutionNotes, ErrFeedbackConflict.Error())

	superseded, err := e.Store.GetBuildJob(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, BuildCancelled, superseded.Status, "Build job of the stale iteration should be cancelled")

	candidates, err := e.GetCandidates(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, candidates.Iteration)
	assert.Equal(t, 0, candidates.RangeStart)
	assert.Equal(t, 8, candidates.RangeEnd)
	assert.Equal(t, "tag#4", onlyJob(t, e, task.ID).TagID)

	replayed, err := e.ReplayTask(ctx, task.ID)
	require.NoError(t, err)
	good, bad := replayed.Bounds()
	assert.Equal(t, 0, good)
	assert.Equal(t, 8, bad)
}

func TestFeedbackValidation(t *testing.T) {
	e, _ := newTestEngine(t, 16, nil)
	ctx := context.Background()
	task := createTask(t, e, "tag#0", "tag#15")
	job := onlyJob(t, e, task.ID)

	_, err := e.SubmitFeedback(ctx, job.ID, Working, "", "tester")
	assert.ErrorIs(t, err, ErrInvalidState, "Feedback on unfinished build job should be rejected")

	_, err = e.SubmitFeedback(ctx, job.ID, "maybe", "", "tester")
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = e.SubmitFeedback(ctx, "nope", Working, "", "tester")
	assert.ErrorIs(t, err, ErrNotFound)

	// Builds can pass while the regression is only observable at runtime
	_, err = e.Reconcile(ctx, job.ID, "success")
	require.NoError(t, err)
	fb, err := e.SubmitFeedback(ctx, job.ID, Broken, "crashes on startup", "tester")
	require.NoError(t, err)
	assert.Equal(t, "tag#8", fb.TagID)
	assert.Equal(t, job.IterationID, fb.IterationID)
}

func TestRangeInvariantViolation(t *testing.T) {
	e, _ := newTestEngine(t, 17, func(e *Engine) {
		e.Config.ParallelCandidates = 3
	})
	task := createTask(t, e, "tag#0", "tag#16")

	byTag := map[string]*BuildJob{}
	for _, job := range openJobs(t, e, task.ID) {
		byTag[job.TagID] = job
	}
	require.Len(t, byTag, 3)

	_, err := judge(t, e, byTag["tag#4"], Broken)
	require.NoError(t, err)
	_, err = judge(t, e, byTag["tag#12"], Working)
	assert.ErrorIs(t, err, ErrRangeInvariantViolation)

	task = getTask(t, e, task.ID)
	assert.Equal(t, TaskFailed, task.Status)
	assert.Contains(t, task.ErrorMessage, ErrRangeInvariantViolation.Error())
	assert.Contains(t, task.ResolutionNotes, "tag#12")

	job, err := e.Store.GetBuildJob(context.Background(), byTag["tag#8"].ID)
	require.NoError(t, err)
	assert.Equal(t, BuildCancelled, job.Status, "Failing the task should cancel in-flight build jobs")
}

func TestDispatchExhausted(t *testing.T) {
	e, ci := newTestEngine(t, 16, nil)
	ci.failing["tag#8"] = true
	ctx := context.Background()
	task := createTask(t, e, "tag#0", "tag#15")

	details, err := e.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, details.BuildJobs, 2)
	exhausted := details.BuildJobs[0]
	assert.Equal(t, "tag#8", exhausted.TagID)
	assert.Equal(t, BuildFailed, exhausted.Status)
	assert.Equal(t, FailureDispatchExhausted, exhausted.FailureReason)
	assert.Equal(t, 3, exhausted.Attempts)

	require.Len(t, details.Feedback, 1)
	assert.Equal(t, Inconclusive, details.Feedback[0].Type)
	assert.Equal(t, "system", details.Feedback[0].CreatedBy)

	task = getTask(t, e, task.ID)
	assert.Equal(t, TaskActive, task.Status, "Unreachable CI must not fail the task")
	assert.Equal(t, 2, task.CurrentIteration)
	assert.Equal(t, "tag#9", onlyJob(t, e, task.ID).TagID)
}

func TestNoViableCandidate(t *testing.T) {
	e, ci := newTestEngine(t, 5, nil)
	ci.failAll = true
	task := createTask(t, e, "tag#0", "tag#4")

	task = getTask(t, e, task.ID)
	assert.Equal(t, TaskFailed, task.Status)
	assert.Contains(t, task.ErrorMessage, ErrNoViableCandidate.Error())
	assert.Equal(t, 4, task.CurrentIteration, "Every tag should have been tried once")

	details, err := e.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	for _, it := range details.Iterations {
		assert.False(t, it.IsOpen(), "Failed task left iteration %d open", it.Number)
	}

	candidates, err := e.GetCandidates(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskFailed, candidates.Status)
	assert.Len(t, candidates.Excluded, 3)
}

func TestAutoFeedback(t *testing.T) {
	e, ci := newTestEngine(t, 16, func(e *Engine) {
		e.Config.AutoFeedback = true
	})
	ctx := context.Background()
	task := createTask(t, e, "tag#0", "tag#15")

	job := onlyJob(t, e, task.ID)
	ci.setStatus(job.ExternalBuildID, "passed")
	polled := NewPoller(e, PollConfig{}).PollOnce(ctx)
	e.WaitForDispatches()
	assert.Equal(t, 1, polled)

	details, err := e.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, details.Feedback, 1)
	assert.Equal(t, Working, details.Feedback[0].Type)
	assert.Equal(t, "ci", details.Feedback[0].CreatedBy)

	// A broken build reported through the CI system's own ID
	next := onlyJob(t, e, task.ID)
	assert.Equal(t, "tag#12", next.TagID)
	_, err = e.ReconcileExternal(ctx, "ci", next.ExternalBuildID, "FAILURE")
	require.NoError(t, err)
	e.WaitForDispatches()

	candidates, err := e.GetCandidates(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 8, candidates.RangeStart)
	assert.Equal(t, 12, candidates.RangeEnd)
}

func TestAutoFeedbackCancelledBuild(t *testing.T) {
	e, _ := newTestEngine(t, 16, func(e *Engine) {
		e.Config.AutoFeedback = true
	})
	ctx := context.Background()
	task := createTask(t, e, "tag#0", "tag#15")

	// The build container was removed before it finished
	job := onlyJob(t, e, task.ID)
	cancelled, err := e.Reconcile(ctx, job.ID, "cancelled")
	require.NoError(t, err)
	assert.Equal(t, BuildCancelled, cancelled.Status)
	e.WaitForDispatches()

	candidates, err := e.GetCandidates(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, candidates.Iteration, "A cancelled build must not settle the iteration")
	assert.Empty(t, candidates.Excluded, "A cancelled build must not exclude its tag")
	details, err := e.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Empty(t, details.Feedback)

	again, err := e.Dispatch(ctx, task.ID, job.IterationID, "tag#8")
	require.NoError(t, err)
	e.WaitForDispatches()
	_, err = e.Reconcile(ctx, again.ID, "failed")
	require.NoError(t, err)
	e.WaitForDispatches()

	candidates, err = e.GetCandidates(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, candidates.Iteration)
	assert.Equal(t, 0, candidates.RangeStart)
	assert.Equal(t, 8, candidates.RangeEnd)
	assert.Equal(t, "tag#4", onlyJob(t, e, task.ID).TagID)
}

func TestRepeatedFeedback(t *testing.T) {
	e, _ := newTestEngine(t, 16, nil)
	ctx := context.Background()
	task := createTask(t, e, "tag#0", "tag#15")

	job := onlyJob(t, e, task.ID)
	_, err := judge(t, e, job, Broken)
	require.NoError(t, err)
	next := onlyJob(t, e, task.ID)

	for i := 0; i < 3; i++ {
		_, err := e.SubmitFeedback(ctx, job.ID, Broken, "", "tester")
		require.NoError(t, err)
	}
	e.WaitForDispatches()

	task = getTask(t, e, task.ID)
	assert.NotContains(t, task.ResolutionNotes, ErrFeedbackConflict.Error(), "Repeating a verdict is no conflict")
	assert.Equal(t, 2, task.CurrentIteration)

	candidates, err := e.GetCandidates(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, candidates.RangeStart)
	assert.Equal(t, 8, candidates.RangeEnd)
	still, err := e.Store.GetBuildJob(ctx, next.ID)
	require.NoError(t, err)
	assert.Equal(t, BuildPending, still.Status, "Repeating a verdict must not supersede the open iteration")
}

func TestReconcileIsMonotonic(t *testing.T) {
	e, _ := newTestEngine(t, 16, nil)
	ctx := context.Background()
	task := createTask(t, e, "tag#0", "tag#15")
	job := onlyJob(t, e, task.ID)

	values := []struct {
		external string
		status   BuildStatus
	}{
		{"running", BuildRunning},
		{"queued", BuildRunning},
		{"who knows", BuildRunning},
		{"failed", BuildFailed},
		{"success", BuildFailed},
		{"cancelled", BuildFailed},
	}
	for _, v := range values {
		job, err := e.Reconcile(ctx, job.ID, v.external)
		require.NoError(t, err)
		assert.Equal(t, v.status, job.Status, "Wrong status after %q", v.external)
	}

	// Cancelling a finished job is a no-op
	cancelled, err := e.Cancel(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, BuildFailed, cancelled.Status)
}

func TestDispatch(t *testing.T) {
	e, _ := newTestEngine(t, 16, nil)
	ctx := context.Background()
	task := createTask(t, e, "tag#0", "tag#15")
	job := onlyJob(t, e, task.ID)

	_, err := e.Dispatch(ctx, task.ID, job.IterationID, "tag#8")
	assert.ErrorIs(t, err, ErrInvalidState, "Dispatching a candidate with an unfinished job should be rejected")
	_, err = e.Dispatch(ctx, task.ID, job.IterationID, "tag#3")
	assert.ErrorIs(t, err, ErrInvalidArgument, "Dispatching a tag which is no candidate should be rejected")
	_, err = e.Dispatch(ctx, task.ID, "nope", "tag#8")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = e.Cancel(ctx, job.ID)
	require.NoError(t, err)
	again, err := e.Dispatch(ctx, task.ID, job.IterationID, "tag#8")
	require.NoError(t, err)
	assert.NotEqual(t, job.ID, again.ID)
	assert.Equal(t, BuildPending, again.Status)
}

func TestDeleteTask(t *testing.T) {
	e, _ := newTestEngine(t, 16, nil)
	ctx := context.Background()

	active := createTask(t, e, "tag#0", "tag#15")
	assert.ErrorIs(t, e.DeleteTask(ctx, active.ID), ErrInvalidState, "Active tasks may not be deleted")

	done := createTask(t, e, "tag#2", "tag#3")
	require.NoError(t, e.DeleteTask(ctx, done.ID))
	_, err := e.GetTask(ctx, done.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	tasks, err := e.ListTasks(ctx, "")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, active.ID, tasks[0].ID)

	_, ok := e.states.Load(done.ID)
	assert.False(t, ok, "State of deleted task kept")
	e.Publisher.mu.Lock()
	_, ok = e.Publisher.seq[done.ID]
	e.Publisher.mu.Unlock()
	assert.False(t, ok, "Sequence counter of deleted task kept")
}

func TestUnknownTaskState(t *testing.T) {
	e, _ := newTestEngine(t, 16, nil)
	ctx := context.Background()
	task := createTask(t, e, "tag#0", "tag#15")

	_, err := e.GetTask(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = e.GetCandidates(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = e.Pause(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	_, ok := e.states.Load("nope")
	assert.False(t, ok, "Looking up an unknown task left state behind")

	// Not found errors of existing tasks keep their state
	_, err = e.Dispatch(ctx, task.ID, "nope", "tag#8")
	assert.ErrorIs(t, err, ErrNotFound)
	_, ok = e.states.Load(task.ID)
	assert.True(t, ok)
}

func TestTaskEvents(t *testing.T) {
	e, _ := newTestEngine(t, 4, nil)
	sub := e.Publisher.SubscribeAll()
	defer sub.Close()

	task := createTask(t, e, "tag#0", "tag#3")
	for getTask(t, e, task.ID).Status == TaskActive {
		_, err := judge(t, e, onlyJob(t, e, task.ID), Broken)
		require.NoError(t, err)
	}

	var updates []string
	var last uint64
	timeout := time.After(5 * time.Second)
	for done := false; !done; {
		select {
		case env := <-sub.Events():
			require.Equal(t, last+1, env.Seq, "Events out of commit order")
			last = env.Seq
			if u, ok := env.Payload.(TaskUpdate); ok {
				updates = append(updates, u.UpdateType)
				done = u.UpdateType == TaskCompletedUpdate
			}
		case <-timeout:
			require.FailNow(t, "Timed out waiting for the final event", "received %v", updates)
		}
	}

	assert.Equal(t, []string{
		TaskCreated,
		TaskIterationStarted,
		TaskFeedback,
		TaskIterationClosed,
		TaskIterationStarted,
		TaskFeedback,
		TaskIterationClosed,
		TaskCompletedUpdate,
	}, updates)
}

func TestConcurrentOperations(t *testing.T) {
	const problematic = 37
	e, _ := newTestEngine(t, 64, func(e *Engine) {
		e.Config.ParallelCandidates = 3
	})
	ctx := context.Background()
	taskID := createTask(t, e, "tag#0", "tag#63").ID

	for round := 0; round < 50; round++ {
		task := getTask(t, e, taskID)
		if task.Status.IsTerminal() {
			break
		}
		if task.Status == TaskPaused {
			_, err := e.Resume(ctx, taskID)
			require.NoError(t, err)
			e.WaitForDispatches()
			continue
		}

		details, err := e.GetTask(ctx, taskID)
		require.NoError(t, err)
		open := 0
		openID := ""
		for _, it := range details.Iterations {
			if it.IsOpen() {
				open++
				openID = it.ID
			}
		}
		require.LessOrEqual(t, open, 1, "More than one open iteration")
		judged := map[string]bool{}
		for _, fb := range details.Feedback {
			judged[fb.BuildJobID] = true
		}
		verdicts := map[*BuildJob]FeedbackType{}
		for _, job := range details.BuildJobs {
			if job.IterationID != openID || job.Status == BuildCancelled || judged[job.ID] {
				continue
			}
			verdicts[job] = Broken
			if sequenceOf(t, e, job.TagID) < problematic {
				verdicts[job] = Working
			}
		}

		var wg sync.WaitGroup
		for job, verdict := range verdicts {
			wg.Add(2)
			go func(job *BuildJob, verdict FeedbackType) {
				defer wg.Done()
				// Fails once a concurrent pause cancelled the job, the next round picks up the re-dispatched one
				if _, err := e.Reconcile(ctx, job.ID, "success"); err != nil {
					return
				}
				_, _ = e.SubmitFeedback(ctx, job.ID, verdict, "", "tester")
			}(job, verdict)
			go func(job *BuildJob) {
				defer wg.Done()
				_, _ = e.Reconcile(ctx, job.ID, "running")
			}(job)
		}
		if round%3 == 1 {
			wg.Add(2)
			go func() {
				defer wg.Done()
				_, _ = e.Pause(ctx, taskID)
			}()
			go func() {
				defer wg.Done()
				_, _ = e.Resume(ctx, taskID)
			}()
		}
		wg.Wait()
		e.WaitForDispatches()
	}

	task := getTask(t, e, taskID)
	require.Equal(t, TaskCompleted, task.Status, "Task did not complete: %s", task.ErrorMessage)
	assert.Equal(t, fmt.Sprintf("tag#%d", problematic), task.FinalProblematicTagID)
	assert.NotContains(t, task.ResolutionNotes, ErrFeedbackConflict.Error())

	details, err := e.GetTask(ctx, taskID)
	require.NoError(t, err)
	for i, it := range details.Iterations {
		assert.Equal(t, i+1, it.Number, "Iteration numbers must have no gaps")
		assert.False(t, it.IsOpen(), "Iteration %d still open", it.Number)
	}
	assert.Equal(t, len(details.Iterations), task.CurrentIteration)
}

// blockingBuildService hangs on every status poll until the poll's context ends
type blockingBuildService struct {
	*fakeBuildService

	polling chan struct{}
	once    sync.Once
}

func (b *blockingBuildService) PollStatus(ctx context.Context, _ string) (string, error) {
	b.once.Do(func() { close(b.polling) })
	<-ctx.Done()
	return "", ctx.Err()
}

func TestStopDuringPoll(t *testing.T) {
	ci := &blockingBuildService{
		fakeBuildService: &fakeBuildService{
			failing:  make(map[string]bool),
			statuses: make(map[string]string),
		},
		polling: make(chan struct{}),
	}
	e, _ := newTestEngine(t, 16, func(e *Engine) {
		e.BuildServices = map[string]BuildService{"ci": ci}
		e.Config.Poll = PollConfig{Schedule: "@every 1s", RatePerSecond: 1}
	})
	createTask(t, e, "tag#0", "tag#15")

	select {
	case <-ci.polling:
	case <-time.After(5 * time.Second):
		require.FailNow(t, "Poll round never started")
	}

	stopped := make(chan struct{})
	go func() {
		e.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		require.FailNow(t, "Stop hung on a running poll round")
	}
}
