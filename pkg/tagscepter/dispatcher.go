package tagscepter

import (
	"context"
	"fmt"
	"slices"
	"strings"
)

// FailureDispatchExhausted is the failure reason of build jobs whose build could not be triggered
const FailureDispatchExhausted = "DispatchExhausted"

// A BuildService triggers builds of tags on an external CI system and reports their status.
// Status strings are in the vocabulary of the CI system, see [MapExternalStatus].
type BuildService interface {
	// TriggerBuild starts a build of the passed tag and returns the ID the CI system knows it by
	TriggerBuild(ctx context.Context, tag Tag) (string, error)
	// PollStatus returns the current status of a previously triggered build
	PollStatus(ctx context.Context, externalBuildID string) (string, error)
}

// externalStatuses maps the status vocabulary of common CI systems to internal build statuses
var externalStatuses = map[string]BuildStatus{
	"pending":              BuildPending,
	"queued":               BuildPending,
	"waiting":              BuildPending,
	"waiting_for_resource": BuildPending,
	"created":              BuildPending,
	"scheduled":            BuildPending,
	"preparing":            BuildPending,
	"requested":            BuildPending,

	"running":     BuildRunning,
	"in_progress": BuildRunning,
	"started":     BuildRunning,
	"building":    BuildRunning,
	"executing":   BuildRunning,

	"success":    BuildSuccess,
	"succeeded":  BuildSuccess,
	"successful": BuildSuccess,
	"passed":     BuildSuccess,
	"stable":     BuildSuccess,
	"fixed":      BuildSuccess,

	"failed":          BuildFailed,
	"failure":         BuildFailed,
	"error":           BuildFailed,
	"errored":         BuildFailed,
	"broken":          BuildFailed,
	"unstable":        BuildFailed,
	"timed_out":       BuildFailed,
	"startup_failure": BuildFailed,

	"cancelled": BuildCancelled,
	"canceled":  BuildCancelled,
	"aborted":   BuildCancelled,
	"skipped":   BuildCancelled,
	"stopped":   BuildCancelled,
}

// MapExternalStatus maps a CI system's build status to a [BuildStatus].
// Unknown statuses map to [BuildRunning], and the returned boolean is false.
func MapExternalStatus(status string) (BuildStatus, bool) {
	normalized := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(status)), " ", "_")
	normalized = strings.ReplaceAll(normalized, "-", "_")
	if s, ok := externalStatuses[normalized]; ok {
		return s, true
	}
	return BuildRunning, false
}

// Dispatch creates a new build job for a selected candidate of the task's open iteration.
// This re-dispatches a candidate whose previous build job was cancelled or needs to be repeated.
func (e *Engine) Dispatch(ctx context.Context, taskID, iterationID, tagID string) (*BuildJob, error) {
	var job *BuildJob
	err := e.withTask(taskID, func(st *taskState) error {
		task, err := e.Store.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		if task.Status != TaskActive {
			return fmt.Errorf("%w: cannot dispatch builds for %s task %s", ErrInvalidState, task.Status, taskID)
		}

		its, err := e.Store.ListIterations(ctx, taskID)
		if err != nil {
			return err
		}
		idx := slices.IndexFunc(its, func(it *Iteration) bool { return it.ID == iterationID })
		if idx == -1 {
			return fmt.Errorf("%w: iteration %s of task %s", ErrNotFound, iterationID, taskID)
		}
		it := its[idx]
		if !it.IsOpen() {
			return fmt.Errorf("%w: iteration %d of task %s is already completed", ErrInvalidState, it.Number, taskID)
		}
		if !slices.Contains(it.SelectedCandidates, tagID) {
			return fmt.Errorf("%w: tag %s is not a selected candidate of iteration %d", ErrInvalidArgument, tagID, it.Number)
		}

		settled, err := e.settledTags(ctx, taskID, it)
		if err != nil {
			return err
		}
		if settled[tagID] {
			return fmt.Errorf("%w: tag %s already has a verdict in iteration %d", ErrInvalidState, tagID, it.Number)
		}
		jobs, err := e.Store.ListBuildJobs(ctx, taskID)
		if err != nil {
			return err
		}
		for _, other := range jobs {
			if other.IterationID == it.ID && other.TagID == tagID && !other.Status.IsTerminal() {
				return fmt.Errorf("%w: build job %s for tag %s is still %s", ErrInvalidState, other.ID, tagID, other.Status)
			}
		}

		tag, err := e.Tags.Tag(ctx, tagID)
		if err != nil {
			return err
		}
		job, err = e.dispatch(ctx, task, it, tag)
		return err
	})
	return job, err
}

// dispatch creates a pending build job and triggers its build outside of the task's critical section.
// Must be called inside the task's critical section.
func (e *Engine) dispatch(ctx context.Context, task *Task, it *Iteration, tag Tag) (*BuildJob, error) {
	job := &BuildJob{
		ID:          e.newID(),
		TaskID:      task.ID,
		IterationID: it.ID,
		TagID:       tag.ID,

		BuildService: task.BuildService,

		Status:    BuildPending,
		CreatedAt: e.now(),
	}
	if err := e.Store.SaveBuildJob(ctx, job); err != nil {
		return nil, err
	}
	e.publishBuild(job, map[string]any{"tagId": tag.ID, "iteration": it.Number})
	e.taskLog(task.ID).Infof("Dispatching build job %s for tag %s (sequence %d) to %s", job.ID, tag.ID, tag.SequenceNumber, job.BuildService)

	e.startTrigger(*job, tag)
	return job, nil
}

func (e *Engine) startTrigger(job BuildJob, tag Tag) {
	e.wg.Add(1)
	go e.trigger(job, tag)
}

// trigger hands the build job to its build service, retrying with backoff.
// It never holds the task's critical section while talking to the build service.
func (e *Engine) trigger(job BuildJob, tag Tag) {
	defer e.wg.Done()
	log := e.taskLog(job.TaskID).WithField("build-id", job.ID)

	var externalID string
	var attempts int
	var err error

	service, ok := e.BuildServices[job.BuildService]
	if !ok {
		err = fmt.Errorf("build service %s is not configured", job.BuildService)
	} else if err = e.dispatchSemaphore.Acquire(e.ctx, 1); err == nil {
		attempts, err = retry(e.ctx, e.Config.Dispatch, func(attempt int) error {
			id, err := service.TriggerBuild(e.ctx, tag)
			if err != nil {
				log.Warnf("Attempt %d to trigger build of tag %s failed - %v", attempt, tag.ID, err)
				return err
			}
			externalID = id
			return nil
		})
		e.dispatchSemaphore.Release(1)
	}
	if err != nil && e.ctx.Err() != nil {
		log.Debug("Engine stopped before the build was triggered, leaving build job pending")
		return
	}

	ctx := context.Background()
	if werr := e.withTask(job.TaskID, func(st *taskState) error {
		return e.recordTrigger(ctx, st, job.ID, externalID, attempts, err)
	}); werr != nil {
		log.Errorf("Failed to record result of triggering build - %v", werr)
	}
}

// recordTrigger stores the outcome of triggering a build.
// A build which could not be triggered fails the job and counts as an inconclusive verdict for its tag.
func (e *Engine) recordTrigger(ctx context.Context, st *taskState, jobID, externalID string, attempts int, triggerErr error) error {
	job, err := e.Store.GetBuildJob(ctx, jobID)
	if err != nil {
		return err
	}
	log := e.taskLog(job.TaskID).WithField("build-id", job.ID)
	job.Attempts += attempts

	if job.Status.IsTerminal() {
		if triggerErr == nil {
			log.Infof("Build %s was triggered for build job which is already %s", externalID, job.Status)
			job.ExternalBuildID = externalID
		}
		return e.Store.SaveBuildJob(ctx, job)
	}

	if triggerErr == nil {
		job.ExternalBuildID = externalID
		if err := e.Store.SaveBuildJob(ctx, job); err != nil {
			return err
		}
		log.Infof("Triggered build %s after %d attempt(s)", externalID, attempts)
		e.publishBuild(job, map[string]any{"externalBuildId": externalID, "attempts": job.Attempts})
		return nil
	}

	log.Warnf("Giving up on triggering build after %d attempt(s) - %v", attempts, triggerErr)
	job.Status = BuildFailed
	job.FailureReason = FailureDispatchExhausted
	job.CompletedAt = e.timestamp()
	if err := e.Store.SaveBuildJob(ctx, job); err != nil {
		return err
	}
	e.publishBuild(job, map[string]any{"reason": FailureDispatchExhausted, "error": triggerErr.Error()})

	task, err := e.Store.GetTask(ctx, job.TaskID)
	if err != nil {
		return err
	}
	if task.Status != TaskActive {
		return nil
	}
	_, err = e.integrate(ctx, st, task, job, Inconclusive, "system", fmt.Sprintf("%s: %v", FailureDispatchExhausted, fmt.Errorf("%w: %w", ErrDispatchExhausted, triggerErr)))
	return err
}

// Reconcile applies a status reported by the build job's CI system.
// Transitions only ever move forward along pending -> running -> success/failed/cancelled; anything else is ignored.
func (e *Engine) Reconcile(ctx context.Context, buildJobID, externalStatus string) (*BuildJob, error) {
	job, err := e.Store.GetBuildJob(ctx, buildJobID)
	if err != nil {
		return nil, err
	}
	err = e.withTask(job.TaskID, func(st *taskState) error {
		var err error
		job, err = e.reconcile(ctx, st, buildJobID, externalStatus)
		return err
	})
	return job, err
}

// ReconcileExternal applies a status pushed by a CI system for one of its builds
func (e *Engine) ReconcileExternal(ctx context.Context, buildService, externalBuildID, externalStatus string) (*BuildJob, error) {
	job, err := e.Store.GetBuildJobByExternalID(ctx, buildService, externalBuildID)
	if err != nil {
		return nil, err
	}
	return e.Reconcile(ctx, job.ID, externalStatus)
}

func (e *Engine) reconcile(ctx context.Context, st *taskState, buildJobID, externalStatus string) (*BuildJob, error) {
	job, err := e.Store.GetBuildJob(ctx, buildJobID)
	if err != nil {
		return nil, err
	}
	log := e.taskLog(job.TaskID).WithField("build-id", job.ID)

	status, known := MapExternalStatus(externalStatus)
	if !known {
		log.Warnf("Unknown external status %q, treating build as running", externalStatus)
	}
	if job.Status.IsTerminal() {
		log.Debugf("Ignoring status %q for build job which is already %s", externalStatus, job.Status)
		return job, nil
	}
	if status == job.Status || status.rank() < job.Status.rank() {
		log.Tracef("Ignoring status %q for build job which is %s", externalStatus, job.Status)
		return job, nil
	}

	job.Status = status
	if job.StartedAt == nil && (status == BuildRunning || status == BuildSuccess || status == BuildFailed) {
		job.StartedAt = e.timestamp()
	}
	if status.IsTerminal() {
		job.CompletedAt = e.timestamp()
	}
	if err := e.Store.SaveBuildJob(ctx, job); err != nil {
		return nil, err
	}
	log.Infof("Build job is now %s", status)
	e.publishBuild(job, map[string]any{"externalStatus": externalStatus})

	// Only finished builds carry a verdict, a cancelled job waits for Dispatch or Resume
	if !e.Config.AutoFeedback || (status != BuildSuccess && status != BuildFailed) {
		return job, nil
	}

	// Turn the build result into a verdict
	task, err := e.Store.GetTask(ctx, job.TaskID)
	if err != nil {
		return job, err
	}
	if task.Status != TaskActive {
		return job, nil
	}
	verdict := Broken
	if status == BuildSuccess {
		verdict = Working
	}
	_, err = e.integrate(ctx, st, task, job, verdict, "ci", fmt.Sprintf("Automatic verdict from build status %q", externalStatus))
	return job, err
}

// Cancel cancels a pending or running build job. Cancelling a job which already finished is a no-op
func (e *Engine) Cancel(ctx context.Context, buildJobID string) (*BuildJob, error) {
	job, err := e.Store.GetBuildJob(ctx, buildJobID)
	if err != nil {
		return nil, err
	}
	err = e.withTask(job.TaskID, func(st *taskState) error {
		job, err = e.Store.GetBuildJob(ctx, buildJobID)
		if err != nil {
			return err
		}
		return e.cancelJob(ctx, job, "cancelled on request")
	})
	return job, err
}

// cancelJob cancels the passed job if it did not finish yet. Must be called inside the task's critical section
func (e *Engine) cancelJob(ctx context.Context, job *BuildJob, reason string) error {
	if job.Status.IsTerminal() {
		return nil
	}
	job.Status = BuildCancelled
	job.CompletedAt = e.timestamp()
	if err := e.Store.SaveBuildJob(ctx, job); err != nil {
		return err
	}
	e.taskLog(job.TaskID).WithField("build-id", job.ID).Infof("Cancelled build job - %s", reason)
	e.publishBuild(job, map[string]any{"reason": reason})
	return nil
}

// cancelInFlight cancels all unfinished build jobs of the passed iteration and returns how many were cancelled
func (e *Engine) cancelInFlight(ctx context.Context, it *Iteration, reason string) (int, error) {
	jobs, err := e.Store.ListBuildJobs(ctx, it.TaskID)
	if err != nil {
		return 0, err
	}
	cancelled := 0
	for _, job := range jobs {
		if job.IterationID != it.ID || job.Status.IsTerminal() {
			continue
		}
		if err := e.cancelJob(ctx, job, reason); err != nil {
			return cancelled, err
		}
		cancelled++
	}
	return cancelled, nil
}

func (e *Engine) publishBuild(job *BuildJob, data map[string]any) {
	e.Publisher.Publish(BuildUpdate{
		BuildID:   job.ID,
		TaskID:    job.TaskID,
		Status:    job.Status,
		Data:      data,
		Timestamp: e.now(),
	})
}
