package tagscepter

import (
	"context"
	"errors"
	"fmt"
)

// CreateTaskRequest holds everything needed to start localizing a regression
type CreateTaskRequest struct {
	ProjectID string `json:"projectId"`
	BranchID  string `json:"branchId"` // Defaults to the branch of the good tag

	GoodTagID string `json:"goodTagId"`
	BadTagID  string `json:"badTagId"`

	BuildService string `json:"buildService"` // Defaults to the configured default build service
}

// TaskDetails is a task together with its full history
type TaskDetails struct {
	Task       *Task        `json:"task"`
	Iterations []*Iteration `json:"iterations"`
	BuildJobs  []*BuildJob  `json:"buildJobs"`
	Feedback   []*Feedback  `json:"feedback"`
}

// Candidates describes the current search state of a task
type Candidates struct {
	TaskID    string     `json:"taskId"`
	Status    TaskStatus `json:"status"`
	Iteration int        `json:"iteration"` // Number of the open, or for finished tasks the last, iteration

	RangeStart int `json:"rangeStart"` // Sequence number of the good boundary
	RangeEnd   int `json:"rangeEnd"`   // Sequence number of the bad boundary
	Remaining  int `json:"remaining"`  // Tags strictly between the boundaries

	Generated []Tag       `json:"generated"`
	Selected  []Tag       `json:"selected"`
	Excluded  []Tag       `json:"excluded"`
	BuildJobs []*BuildJob `json:"buildJobs"` // Build jobs of the iteration
}

// CreateTask validates the request, creates the task and starts its first iteration
func (e *Engine) CreateTask(ctx context.Context, req CreateTaskRequest) (*Task, error) {
	if req.GoodTagID == "" || req.BadTagID == "" {
		return nil, fmt.Errorf("%w: good and bad tag are required", ErrInvalidArgument)
	}
	good, err := e.Tags.Tag(ctx, req.GoodTagID)
	if err != nil {
		return nil, err
	}
	bad, err := e.Tags.Tag(ctx, req.BadTagID)
	if err != nil {
		return nil, err
	}
	if req.BranchID == "" {
		req.BranchID = good.BranchID
	}
	if good.BranchID != req.BranchID || bad.BranchID != req.BranchID {
		return nil, fmt.Errorf("%w: good tag %s and bad tag %s must both be on branch %s", ErrInvalidArgument, good.ID, bad.ID, req.BranchID)
	}
	if req.BuildService == "" {
		req.BuildService = e.Config.DefaultBuildService
	}
	if _, ok := e.BuildServices[req.BuildService]; !ok {
		return nil, fmt.Errorf("%w: unknown build service %q", ErrInvalidArgument, req.BuildService)
	}

	space, err := searchSpace(ctx, e.Tags, good, bad)
	if err != nil {
		return nil, err
	}
	tracker, err := NewRangeTracker(space)
	if err != nil {
		return nil, err
	}

	now := e.now()
	task := &Task{
		ID:        e.newID(),
		ProjectID: req.ProjectID,
		BranchID:  req.BranchID,

		GoodTagID: good.ID,
		BadTagID:  bad.ID,

		BuildService: req.BuildService,

		Status: TaskActive,

		CreatedAt: now,
		UpdatedAt: now,
	}

	err = e.withTask(task.ID, func(st *taskState) error {
		st.tracker = tracker
		if err := e.Store.SaveTask(ctx, task); err != nil {
			return err
		}
		e.taskLog(task.ID).Infof("Created task localizing between %s (sequence %d) and %s (sequence %d), %d tags to search",
			good.ID, good.SequenceNumber, bad.ID, bad.SequenceNumber, len(space)-2)
		e.Publisher.Publish(TaskUpdate{
			TaskID:     task.ID,
			UpdateType: TaskCreated,
			Data: map[string]any{
				"goodTagId": good.ID,
				"badTagId":  bad.ID,
				"tags":      len(space) - 2,
			},
			Timestamp: now,
		})

		if tracker.IsConverged() {
			// Nothing to search, the bad tag itself is the culprit
			task.CurrentIteration = 1
			it := &Iteration{
				ID:               e.newID(),
				TaskID:           task.ID,
				Number:           1,
				SearchRangeStart: good.SequenceNumber,
				SearchRangeEnd:   bad.SequenceNumber,
				CreatedAt:        now,
			}
			if err := e.Store.SaveIteration(ctx, it); err != nil {
				return err
			}
			return e.settle(ctx, st, task, it)
		}
		return e.nextIteration(ctx, st, task)
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// Pause cancels the in-flight build jobs of the open iteration and pauses the task.
// The range and all history are preserved.
func (e *Engine) Pause(ctx context.Context, taskID string) (*Task, error) {
	var task *Task
	err := e.withTask(taskID, func(st *taskState) error {
		var err error
		task, err = e.Store.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		if task.Status != TaskActive {
			return fmt.Errorf("%w: cannot pause %s task %s", ErrInvalidState, task.Status, taskID)
		}

		cancelled := 0
		open, err := e.openIteration(ctx, taskID)
		if err != nil {
			return err
		}
		if open != nil {
			if cancelled, err = e.cancelInFlight(ctx, open, "task paused"); err != nil {
				return err
			}
		}

		task.Status = TaskPaused
		task.UpdatedAt = e.now()
		if err := e.Store.SaveTask(ctx, task); err != nil {
			return err
		}
		e.taskLog(taskID).Infof("Paused task, cancelled %d build job(s)", cancelled)
		e.Publisher.Publish(TaskUpdate{
			TaskID:     taskID,
			UpdateType: TaskPausedUpdate,
			Data:       map[string]any{"cancelledBuildJobs": cancelled},
			Timestamp:  task.UpdatedAt,
		})
		return nil
	})
	return task, err
}

// Resume re-activates a paused task and re-dispatches the candidates of the open iteration
// which neither have a verdict nor a build job awaiting one.
func (e *Engine) Resume(ctx context.Context, taskID string) (*Task, error) {
	var task *Task
	err := e.withTask(taskID, func(st *taskState) error {
		var err error
		task, err = e.Store.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		if task.Status != TaskPaused {
			return fmt.Errorf("%w: cannot resume %s task %s", ErrInvalidState, task.Status, taskID)
		}
		if err := e.loadTracker(ctx, st, task); err != nil {
			if errors.Is(err, ErrNotFound) || errors.Is(err, ErrRangeInvariantViolation) {
				return e.failTask(ctx, st, task, err, "")
			}
			return err
		}

		task.Status = TaskActive
		task.UpdatedAt = e.now()
		if err := e.Store.SaveTask(ctx, task); err != nil {
			return err
		}
		e.taskLog(taskID).Info("Resumed task")
		e.Publisher.Publish(TaskUpdate{
			TaskID:     taskID,
			UpdateType: TaskResumedUpdate,
			Timestamp:  task.UpdatedAt,
		})

		open, err := e.openIteration(ctx, taskID)
		if err != nil {
			return err
		}
		if open == nil {
			return e.settle(ctx, st, task, nil)
		}

		settled, err := e.settledTags(ctx, taskID, open)
		if err != nil {
			return err
		}
		jobs, err := e.Store.ListBuildJobs(ctx, taskID)
		if err != nil {
			return err
		}
		awaiting := make(map[string]bool)
		for _, job := range jobs {
			if job.IterationID == open.ID && job.Status != BuildCancelled {
				awaiting[job.TagID] = true
			}
		}

		for _, tagID := range open.SelectedCandidates {
			if settled[tagID] || awaiting[tagID] {
				continue
			}
			tag, err := e.Tags.Tag(ctx, tagID)
			if err != nil {
				return e.failTask(ctx, st, task, err, "")
			}
			if _, err := e.dispatch(ctx, task, open, tag); err != nil {
				return err
			}
		}
		return nil
	})
	return task, err
}

// settle completes the passed iteration, if any, and either finishes the task or opens the next iteration.
// Must be called inside the task's critical section.
func (e *Engine) settle(ctx context.Context, st *taskState, task *Task, it *Iteration) error {
	if it != nil && it.IsOpen() {
		if err := e.closeIteration(ctx, it); err != nil {
			return err
		}
	}

	if st.tracker.IsConverged() {
		return e.complete(ctx, st, task)
	}
	return e.nextIteration(ctx, st, task)
}

// nextIteration opens a new iteration, selects its candidates and dispatches them.
// Must be called inside the task's critical section.
func (e *Engine) nextIteration(ctx context.Context, st *taskState, task *Task) error {
	log := e.taskLog(task.ID)

	task.CurrentIteration++
	start, end := st.tracker.CurrentRange()
	it := &Iteration{
		ID:     e.newID(),
		TaskID: task.ID,
		Number: task.CurrentIteration,

		SearchRangeStart: start,
		SearchRangeEnd:   end,

		CreatedAt: e.now(),
	}

	generated, selected := SelectCandidates(st.tracker, e.Config.ParallelCandidates)
	for _, i := range generated {
		it.CandidatesGenerated = append(it.CandidatesGenerated, st.tracker.TagAt(i).ID)
	}
	for _, i := range selected {
		it.SelectedCandidates = append(it.SelectedCandidates, st.tracker.TagAt(i).ID)
	}

	if len(selected) == 0 {
		it.CompletedAt = e.timestamp()
		if err := e.Store.SaveIteration(ctx, it); err != nil {
			return err
		}
		good, bad := st.tracker.Bounds()
		cause := fmt.Errorf("%w: all %d tags between sequence %d and %d were inconclusive", ErrNoViableCandidate, bad-good-1, start, end)
		// The task failing is the outcome of this operation, not an error of it
		if err := e.failTask(ctx, st, task, cause, ""); err != cause {
			return err
		}
		return nil
	}

	task.UpdatedAt = it.CreatedAt
	if err := e.Store.SaveIteration(ctx, it); err != nil {
		return err
	}
	if err := e.Store.SaveTask(ctx, task); err != nil {
		return err
	}
	log.Infof("Started iteration %d on range %d..%d with candidates %v, expecting ~%d more iteration(s)",
		it.Number, start, end, it.SelectedCandidates, st.tracker.ExpectedIterationsLeft())
	e.Publisher.Publish(TaskUpdate{
		TaskID:     task.ID,
		UpdateType: TaskIterationStarted,
		Data: map[string]any{
			"iteration":  it.Number,
			"rangeStart": start,
			"rangeEnd":   end,
			"candidates": it.SelectedCandidates,
		},
		Timestamp: it.CreatedAt,
	})

	for _, i := range selected {
		if _, err := e.dispatch(ctx, task, it, st.tracker.TagAt(i)); err != nil {
			return err
		}
	}
	return nil
}

// closeIteration marks the iteration completed. Must be called inside the task's critical section
func (e *Engine) closeIteration(ctx context.Context, it *Iteration) error {
	it.CompletedAt = e.timestamp()
	if err := e.Store.SaveIteration(ctx, it); err != nil {
		return err
	}
	e.Publisher.Publish(TaskUpdate{
		TaskID:     it.TaskID,
		UpdateType: TaskIterationClosed,
		Data:       map[string]any{"iteration": it.Number},
		Timestamp:  *it.CompletedAt,
	})
	return nil
}

// complete finishes the task with the tag its range converged to. Must be called inside the task's critical section
func (e *Engine) complete(ctx context.Context, st *taskState, task *Task) error {
	tag, _ := st.tracker.ProblematicTag()

	task.Status = TaskCompleted
	task.FinalProblematicTagID = tag.ID
	task.ResolutionNotes = appendNote(task.ResolutionNotes, fmt.Sprintf("Localized regression to tag %s (sequence %d, commit %s) after %d iteration(s)",
		tag.ID, tag.SequenceNumber, tag.CommitHash, task.CurrentIteration))
	task.UpdatedAt = e.now()
	if err := e.Store.SaveTask(ctx, task); err != nil {
		return err
	}

	e.taskLog(task.ID).Infof("Found problematic tag %s (sequence %d, commit %s)", tag.ID, tag.SequenceNumber, tag.CommitHash)
	e.Publisher.Publish(ProgressUpdate{
		TaskID:    task.ID,
		Progress:  1,
		Timestamp: task.UpdatedAt,
	})
	e.Publisher.Publish(TaskUpdate{
		TaskID:     task.ID,
		UpdateType: TaskCompletedUpdate,
		Data: map[string]any{
			"finalProblematicTagId": tag.ID,
			"iterations":            task.CurrentIteration,
		},
		Timestamp: task.UpdatedAt,
	})
	return nil
}

// failTask marks the task failed because of cause, cancelling in-flight build jobs and closing the open iteration.
// It returns cause, so callers can surface it. Must be called inside the task's critical section.
func (e *Engine) failTask(ctx context.Context, st *taskState, task *Task, cause error, notes string) error {
	open, err := e.openIteration(ctx, task.ID)
	if err != nil {
		return errors.Join(cause, err)
	}
	if open != nil {
		if _, err := e.cancelInFlight(ctx, open, "task failed"); err != nil {
			return errors.Join(cause, err)
		}
		if err := e.closeIteration(ctx, open); err != nil {
			return errors.Join(cause, err)
		}
	}

	task.Status = TaskFailed
	task.ErrorMessage = cause.Error()
	if notes == "" {
		notes = "Task failed: " + cause.Error()
	}
	task.ResolutionNotes = appendNote(task.ResolutionNotes, notes)
	task.UpdatedAt = e.now()
	if err := e.Store.SaveTask(ctx, task); err != nil {
		return errors.Join(cause, err)
	}
	st.tracker = nil

	e.taskLog(task.ID).Errorf("Task failed - %v", cause)
	e.Publisher.Publish(TaskUpdate{
		TaskID:     task.ID,
		UpdateType: TaskFailedUpdate,
		Data:       map[string]any{"error": cause.Error()},
		Timestamp:  task.UpdatedAt,
	})
	return cause
}

// GetTask returns the task with the passed ID together with its history
func (e *Engine) GetTask(ctx context.Context, taskID string) (*TaskDetails, error) {
	details := &TaskDetails{}
	err := e.withTask(taskID, func(st *taskState) error {
		var err error
		if details.Task, err = e.Store.GetTask(ctx, taskID); err != nil {
			return err
		}
		if details.Iterations, err = e.Store.ListIterations(ctx, taskID); err != nil {
			return err
		}
		if details.BuildJobs, err = e.Store.ListBuildJobs(ctx, taskID); err != nil {
			return err
		}
		details.Feedback, err = e.Store.ListFeedback(ctx, taskID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return details, nil
}

// ListTasks returns all tasks with the passed status, or all tasks if status is empty
func (e *Engine) ListTasks(ctx context.Context, status TaskStatus) ([]*Task, error) {
	return e.Store.ListTasks(ctx, status)
}

// GetCandidates returns the candidates and range of the task's current iteration
func (e *Engine) GetCandidates(ctx context.Context, taskID string) (*Candidates, error) {
	var res *Candidates
	err := e.withTask(taskID, func(st *taskState) error {
		task, err := e.Store.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		its, err := e.Store.ListIterations(ctx, taskID)
		if err != nil {
			return err
		}
		res = &Candidates{
			TaskID: taskID,
			Status: task.Status,
		}

		var it *Iteration
		if len(its) > 0 {
			it = its[len(its)-1]
			res.Iteration = it.Number
			res.RangeStart, res.RangeEnd = it.SearchRangeStart, it.SearchRangeEnd
		}

		// The range of failed tasks may not be reconstructible, fall back to the last iteration's range then
		if err := e.loadTracker(ctx, st, task); err == nil {
			res.RangeStart, res.RangeEnd = st.tracker.CurrentRange()
			for _, i := range st.tracker.Excluded() {
				res.Excluded = append(res.Excluded, st.tracker.TagAt(i))
			}
		} else if task.Status != TaskFailed {
			return err
		}
		if res.Remaining, err = e.Tags.CountBetween(ctx, task.BranchID, res.RangeStart, res.RangeEnd); err != nil {
			return err
		}

		if it == nil {
			return nil
		}
		if res.Generated, err = e.tagsOf(ctx, it.CandidatesGenerated); err != nil {
			return err
		}
		if res.Selected, err = e.tagsOf(ctx, it.SelectedCandidates); err != nil {
			return err
		}
		jobs, err := e.Store.ListBuildJobs(ctx, taskID)
		if err != nil {
			return err
		}
		for _, job := range jobs {
			if job.IterationID == it.ID {
				res.BuildJobs = append(res.BuildJobs, job)
			}
		}
		return nil
	})
	return res, err
}

// DeleteTask removes a completed or failed task and its history
func (e *Engine) DeleteTask(ctx context.Context, taskID string) error {
	err := e.withTask(taskID, func(st *taskState) error {
		task, err := e.Store.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		if !task.Status.IsTerminal() {
			return fmt.Errorf("%w: cannot delete %s task %s", ErrInvalidState, task.Status, taskID)
		}
		return e.Store.DeleteTask(ctx, taskID)
	})
	if err == nil {
		e.states.Delete(taskID)
		e.Publisher.Forget(taskID)
	}
	return err
}

// ReplayTask rebuilds the task's range from its persisted feedback.
// For a completed task, the returned tracker's problematic tag equals the task's final problematic tag.
func (e *Engine) ReplayTask(ctx context.Context, taskID string) (*RangeTracker, error) {
	task, err := e.Store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	space, err := e.searchSpaceOf(ctx, task)
	if err != nil {
		return nil, err
	}
	feedback, err := e.Store.ListFeedback(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return Replay(space, feedback)
}

func (e *Engine) tagsOf(ctx context.Context, ids []string) ([]Tag, error) {
	var tags []Tag
	for _, id := range ids {
		tag, err := e.Tags.Tag(ctx, id)
		if err != nil {
			return nil, err
		}
		tags = append(tags, tag)
	}
	return tags, nil
}
