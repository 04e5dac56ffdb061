package tagscepter

import (
	"context"
	"errors"
	"fmt"
)

// SubmitFeedback records a verdict for a finished build job and narrows the task's range accordingly.
//
// Feedback is only accepted for build jobs which succeeded or failed; the verdict may contradict the build status,
// since a regression can be observable at runtime only. A second, different verdict for the same build job is a feedback conflict:
// the latest verdict wins, the conflict is recorded in the task's resolution notes, and the range is rebuilt from the history.
func (e *Engine) SubmitFeedback(ctx context.Context, buildJobID string, feedbackType FeedbackType, notes, createdBy string) (*Feedback, error) {
	if !feedbackType.Valid() {
		return nil, fmt.Errorf("%w: unknown feedback type %q", ErrInvalidArgument, feedbackType)
	}
	job, err := e.Store.GetBuildJob(ctx, buildJobID)
	if err != nil {
		return nil, err
	}

	var fb *Feedback
	err = e.withTask(job.TaskID, func(st *taskState) error {
		job, err := e.Store.GetBuildJob(ctx, buildJobID)
		if err != nil {
			return err
		}
		task, err := e.Store.GetTask(ctx, job.TaskID)
		if err != nil {
			return err
		}
		if task.Status != TaskActive {
			return fmt.Errorf("%w: task %s is %s", ErrInvalidState, task.ID, task.Status)
		}
		if !job.Status.IsTerminal() {
			return fmt.Errorf("%w: build job %s is still %s", ErrInvalidState, job.ID, job.Status)
		}
		if job.Status == BuildCancelled {
			return fmt.Errorf("%w: build job %s was cancelled", ErrInvalidState, job.ID)
		}

		fb, err = e.integrate(ctx, st, task, job, feedbackType, createdBy, notes)
		return err
	})
	return fb, err
}

// integrate records a verdict, updates the range and lets the task advance if the open iteration settled.
// Must be called inside the task's critical section.
func (e *Engine) integrate(ctx context.Context, st *taskState, task *Task, job *BuildJob, verdict FeedbackType, createdBy, notes string) (*Feedback, error) {
	log := e.taskLog(task.ID)

	if err := e.loadTracker(ctx, st, task); err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrRangeInvariantViolation) {
			return nil, e.failTask(ctx, st, task, err, "")
		}
		return nil, err
	}

	history, err := e.Store.ListFeedback(ctx, task.ID)
	if err != nil {
		return nil, err
	}
	var previous *Feedback
	for _, other := range history {
		if other.BuildJobID == job.ID {
			previous = other
		}
	}

	fb := &Feedback{
		ID:          e.newID(),
		TaskID:      task.ID,
		IterationID: job.IterationID,
		BuildJobID:  job.ID,
		TagID:       job.TagID,

		Type:  verdict,
		Notes: notes,

		CreatedBy: createdBy,
		CreatedAt: e.now(),
	}
	if err := e.Store.SaveFeedback(ctx, fb); err != nil {
		return nil, err
	}
	log.Infof("Tag %s reported %s by %q", job.TagID, verdict, createdBy)
	e.Publisher.Publish(TaskUpdate{
		TaskID:     task.ID,
		UpdateType: TaskFeedback,
		Data: map[string]any{
			"feedbackId":   fb.ID,
			"buildJobId":   job.ID,
			"tagId":        job.TagID,
			"feedbackType": verdict,
			"createdBy":    createdBy,
		},
		Timestamp: fb.CreatedAt,
	})

	prevGood, prevBad := st.tracker.Bounds()
	if previous != nil && previous.Type == verdict {
		// Resubmission of the same verdict, the range already reflects it
		log.Debugf("Build job %s was already reported %s", job.ID, verdict)
	} else if previous != nil {
		conflict := fmt.Errorf("%w: build job %s for tag %s was reported %s by %q, then %s by %q; using the latest verdict",
			ErrFeedbackConflict, job.ID, job.TagID, previous.Type, previous.CreatedBy, verdict, createdBy)
		log.Warn(conflict)

		task.ResolutionNotes = appendNote(task.ResolutionNotes, conflict.Error())
		task.UpdatedAt = e.now()
		if err := e.Store.SaveTask(ctx, task); err != nil {
			return fb, err
		}
		e.Publisher.Publish(TaskUpdate{
			TaskID:     task.ID,
			UpdateType: TaskFeedbackConflict,
			Data: map[string]any{
				"buildJobId": job.ID,
				"previous":   previous.Type,
				"latest":     verdict,
			},
			Timestamp: task.UpdatedAt,
		})

		tracker, err := Replay(st.tracker.tags, append(history, fb))
		if err != nil {
			return fb, e.failTask(ctx, st, task, err, "")
		}
		st.tracker = tracker
	} else if err := st.tracker.Narrow(job.TagID, verdict); err != nil {
		if errors.Is(err, ErrRangeInvariantViolation) {
			return fb, e.failTask(ctx, st, task, err, "")
		}
		return fb, err
	}

	e.Publisher.Publish(ProgressUpdate{
		TaskID:    task.ID,
		Progress:  st.tracker.Progress(),
		Timestamp: e.now(),
	})

	open, err := e.openIteration(ctx, task.ID)
	if err != nil {
		return fb, err
	}
	if open != nil && open.ID == job.IterationID {
		settled, err := e.settledTags(ctx, task.ID, open)
		if err != nil {
			return fb, err
		}
		for _, tagID := range open.SelectedCandidates {
			if !settled[tagID] {
				return fb, nil
			}
		}
		return fb, e.settle(ctx, st, task, open)
	}

	// The verdict belongs to an already completed iteration. If it moved the boundaries,
	// the open iteration was selected from a stale range and is superseded.
	if good, bad := st.tracker.Bounds(); good != prevGood || bad != prevBad {
		if open != nil {
			log.Infof("Verdict for completed iteration changed the range, superseding iteration %d", open.Number)
			if _, err := e.cancelInFlight(ctx, open, "iteration superseded"); err != nil {
				return fb, err
			}
		}
		return fb, e.settle(ctx, st, task, open)
	}
	return fb, nil
}

// settledTags returns the tags of the passed iteration which already have a verdict
func (e *Engine) settledTags(ctx context.Context, taskID string, it *Iteration) (map[string]bool, error) {
	feedback, err := e.Store.ListFeedback(ctx, taskID)
	if err != nil {
		return nil, err
	}
	settled := make(map[string]bool)
	for _, fb := range feedback {
		if fb.IterationID == it.ID {
			settled[fb.TagID] = true
		}
	}
	return settled, nil
}

func appendNote(notes, note string) string {
	if notes == "" {
		return note
	}
	return notes + "\n" + note
}
