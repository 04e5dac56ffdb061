package tagscepter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// An Engine orchestrates localization tasks.
// Operations on different tasks run in parallel, operations on the same task are serialized.
type Engine struct {
	Config Config

	Tags          TagSequence             // The tag provider. Required
	Store         Store                   // Where tasks and their history are persisted. Defaults to a [MemoryStore]
	BuildServices map[string]BuildService // The build services by name. Required
	Publisher     *Publisher              // Receives every committed transition. Defaults to a new publisher

	Log *logrus.Logger // The log to which information gets printed to

	now   func() time.Time
	newID func() string

	states sync.Map // Map of task IDs to their *taskState, ensuring only one operation mutates a task at once

	dispatchSemaphore *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup // Running build triggers

	poller *Poller
}

// taskState is the in-memory state of a task, guarded by its mutex
type taskState struct {
	mu sync.Mutex

	tracker *RangeTracker // Rebuilt from the store whenever nil
}

// Start initializes the engine, re-triggers builds which were never handed to their build service
// and starts polling external build status if configured.
func (e *Engine) Start() error {
	if e.Tags == nil {
		return fmt.Errorf("%w: engine has no tag sequence", ErrInvalidArgument)
	}

	// Init the logger
	if e.Log == nil {
		// Mute logger
		e.Log = logrus.New()
		e.Log.SetOutput(io.Discard)
	}
	if e.Store == nil {
		e.Store = NewMemoryStore()
	}
	if e.Publisher == nil {
		e.Publisher = NewPublisher()
	}
	if e.BuildServices == nil {
		e.BuildServices = make(map[string]BuildService)
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.newID == nil {
		e.newID = uuid.NewString
	}
	if e.Config.ParallelCandidates < 1 {
		e.Config.ParallelCandidates = 1
	}

	// Init the dispatch semaphore
	maxDispatches := int64(e.Config.MaxConcurrentDispatches)
	if maxDispatches <= 0 {
		maxDispatches = math.MaxInt64
	}
	e.dispatchSemaphore = semaphore.NewWeighted(maxDispatches)

	e.ctx, e.cancel = context.WithCancel(context.Background())

	if err := e.recoverDispatches(e.ctx); err != nil {
		return errors.Join(fmt.Errorf("failed to recover pending dispatches"), err)
	}

	if e.Config.Poll.Schedule != "" {
		e.poller = NewPoller(e, e.Config.Poll)
		if err := e.poller.Start(); err != nil {
			return errors.Join(fmt.Errorf("failed to start status poller"), err)
		}
	}
	return nil
}

// Stop stops polling and waits for running build triggers to return
func (e *Engine) Stop() {
	// Cancel first, a running poll round blocks on the engine context
	if e.cancel != nil {
		e.cancel()
	}
	if e.poller != nil {
		e.poller.Stop()
	}
	e.wg.Wait()
}

// WaitForDispatches blocks until every build trigger started so far has returned
func (e *Engine) WaitForDispatches() {
	e.wg.Wait()
}

// withTask runs fn inside the critical section of the task with the passed ID
func (e *Engine) withTask(taskID string, fn func(st *taskState) error) error {
	s, _ := e.states.LoadOrStore(taskID, &taskState{})
	st := s.(*taskState)
	st.mu.Lock()
	defer st.mu.Unlock()
	err := fn(st)
	if errors.Is(err, ErrNotFound) && st.tracker == nil {
		// Drop the state again if it was only created for an unknown task
		if _, gerr := e.Store.GetTask(context.Background(), taskID); errors.Is(gerr, ErrNotFound) {
			e.states.CompareAndDelete(taskID, st)
		}
	}
	return err
}

// taskLog returns the log entry used for the passed task
func (e *Engine) taskLog(taskID string) *logrus.Entry {
	return e.Log.WithField("task-id", taskID)
}

// loadTracker makes sure st.tracker reflects the persisted verdict history of the task
func (e *Engine) loadTracker(ctx context.Context, st *taskState, task *Task) error {
	if st.tracker != nil {
		return nil
	}
	space, err := e.searchSpaceOf(ctx, task)
	if err != nil {
		return err
	}
	feedback, err := e.Store.ListFeedback(ctx, task.ID)
	if err != nil {
		return err
	}
	tracker, err := Replay(space, feedback)
	if err != nil {
		return err
	}
	st.tracker = tracker
	return nil
}

// searchSpaceOf returns the tags between the task's good and bad tag, ordered from good to bad
func (e *Engine) searchSpaceOf(ctx context.Context, task *Task) ([]Tag, error) {
	good, err := e.Tags.Tag(ctx, task.GoodTagID)
	if err != nil {
		return nil, err
	}
	bad, err := e.Tags.Tag(ctx, task.BadTagID)
	if err != nil {
		return nil, err
	}
	return searchSpace(ctx, e.Tags, good, bad)
}

// openIteration returns the iteration of the task which has not been completed yet, or nil if there is none
func (e *Engine) openIteration(ctx context.Context, taskID string) (*Iteration, error) {
	its, err := e.Store.ListIterations(ctx, taskID)
	if err != nil {
		return nil, err
	}
	for _, it := range its {
		if it.IsOpen() {
			return it, nil
		}
	}
	return nil, nil
}

// recoverDispatches starts build triggers for jobs which never received an external build ID,
// e.g. because the previous process stopped while retrying.
func (e *Engine) recoverDispatches(ctx context.Context) error {
	jobs, err := e.Store.ListUnfinishedBuildJobs(ctx)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		if job.Status != BuildPending || job.ExternalBuildID != "" {
			continue
		}
		task, err := e.Store.GetTask(ctx, job.TaskID)
		if err != nil {
			return err
		}
		if task.Status != TaskActive {
			continue
		}
		tag, err := e.Tags.Tag(ctx, job.TagID)
		if err != nil {
			return err
		}
		e.taskLog(job.TaskID).Infof("Re-triggering build job %s for tag %s", job.ID, tag.ID)
		e.startTrigger(*job, tag)
	}
	return nil
}

func (e *Engine) timestamp() *time.Time {
	t := e.now()
	return &t
}
