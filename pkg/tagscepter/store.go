package tagscepter

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Store persists tasks and their history. Every write of the engine happens inside the task's critical section,
// so implementations only need to be safe for concurrent use across tasks.
type Store interface {
	SaveTask(ctx context.Context, task *Task) error
	GetTask(ctx context.Context, id string) (*Task, error)
	// ListTasks returns all tasks with the passed status, or all tasks if status is empty, oldest first
	ListTasks(ctx context.Context, status TaskStatus) ([]*Task, error)
	// DeleteTask removes a task together with its iterations, build jobs and feedback
	DeleteTask(ctx context.Context, id string) error

	SaveIteration(ctx context.Context, it *Iteration) error
	// ListIterations returns the iterations of a task ordered by iteration number
	ListIterations(ctx context.Context, taskID string) ([]*Iteration, error)

	SaveBuildJob(ctx context.Context, job *BuildJob) error
	GetBuildJob(ctx context.Context, id string) (*BuildJob, error)
	GetBuildJobByExternalID(ctx context.Context, buildService, externalBuildID string) (*BuildJob, error)
	// ListBuildJobs returns the build jobs of a task in creation order
	ListBuildJobs(ctx context.Context, taskID string) ([]*BuildJob, error)
	// ListUnfinishedBuildJobs returns the non-terminal build jobs of all tasks
	ListUnfinishedBuildJobs(ctx context.Context) ([]*BuildJob, error)

	SaveFeedback(ctx context.Context, fb *Feedback) error
	// ListFeedback returns the feedback of a task in creation order
	ListFeedback(ctx context.Context, taskID string) ([]*Feedback, error)
}

// MemoryStore is a [Store] keeping everything in memory
type MemoryStore struct {
	mu sync.RWMutex

	tasks      map[string]Task
	iterations map[string][]Iteration // Keyed by task ID
	jobs       map[string]BuildJob
	jobOrder   map[string][]string  // Build job IDs keyed by task ID
	feedback   map[string][]Feedback // Keyed by task ID
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:      make(map[string]Task),
		iterations: make(map[string][]Iteration),
		jobs:       make(map[string]BuildJob),
		jobOrder:   make(map[string][]string),
		feedback:   make(map[string][]Feedback),
	}
}

func (s *MemoryStore) SaveTask(_ context.Context, task *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.ID] = *task
	return nil
}

func (s *MemoryStore) GetTask(_ context.Context, id string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: task %s", ErrNotFound, id)
	}
	return &task, nil
}

func (s *MemoryStore) ListTasks(_ context.Context, status TaskStatus) ([]*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []*Task
	for _, task := range s.tasks {
		if status == "" || task.Status == status {
			task := task
			res = append(res, &task)
		}
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].CreatedAt.Equal(res[j].CreatedAt) {
			return res[i].ID < res[j].ID
		}
		return res[i].CreatedAt.Before(res[j].CreatedAt)
	})
	return res, nil
}

func (s *MemoryStore) DeleteTask(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return fmt.Errorf("%w: task %s", ErrNotFound, id)
	}
	for _, jobID := range s.jobOrder[id] {
		delete(s.jobs, jobID)
	}
	delete(s.tasks, id)
	delete(s.iterations, id)
	delete(s.jobOrder, id)
	delete(s.feedback, id)
	return nil
}

func (s *MemoryStore) SaveIteration(_ context.Context, it *Iteration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	its := s.iterations[it.TaskID]
	for i := range its {
		if its[i].ID == it.ID {
			its[i] = cloneIteration(*it)
			return nil
		}
	}
	s.iterations[it.TaskID] = append(its, cloneIteration(*it))
	sort.Slice(s.iterations[it.TaskID], func(i, j int) bool {
		return s.iterations[it.TaskID][i].Number < s.iterations[it.TaskID][j].Number
	})
	return nil
}

func (s *MemoryStore) ListIterations(_ context.Context, taskID string) ([]*Iteration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []*Iteration
	for _, it := range s.iterations[taskID] {
		it := cloneIteration(it)
		res = append(res, &it)
	}
	return res, nil
}

func (s *MemoryStore) SaveBuildJob(_ context.Context, job *BuildJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; !ok {
		s.jobOrder[job.TaskID] = append(s.jobOrder[job.TaskID], job.ID)
	}
	s.jobs[job.ID] = *job
	return nil
}

func (s *MemoryStore) GetBuildJob(_ context.Context, id string) (*BuildJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: build job %s", ErrNotFound, id)
	}
	return &job, nil
}

func (s *MemoryStore) GetBuildJobByExternalID(_ context.Context, buildService, externalBuildID string) (*BuildJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, job := range s.jobs {
		if job.BuildService == buildService && job.ExternalBuildID == externalBuildID {
			return &job, nil
		}
	}
	return nil, fmt.Errorf("%w: build %s of service %s", ErrNotFound, externalBuildID, buildService)
}

func (s *MemoryStore) ListBuildJobs(_ context.Context, taskID string) ([]*BuildJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []*BuildJob
	for _, id := range s.jobOrder[taskID] {
		job := s.jobs[id]
		res = append(res, &job)
	}
	return res, nil
}

func (s *MemoryStore) ListUnfinishedBuildJobs(_ context.Context) ([]*BuildJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []*BuildJob
	for _, job := range s.jobs {
		if !job.Status.IsTerminal() {
			job := job
			res = append(res, &job)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.Before(res[j].CreatedAt) })
	return res, nil
}

func (s *MemoryStore) SaveFeedback(_ context.Context, fb *Feedback) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.feedback[fb.TaskID] = append(s.feedback[fb.TaskID], *fb)
	return nil
}

func (s *MemoryStore) ListFeedback(_ context.Context, taskID string) ([]*Feedback, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []*Feedback
	for _, fb := range s.feedback[taskID] {
		fb := fb
		res = append(res, &fb)
	}
	return res, nil
}

func cloneIteration(it Iteration) Iteration {
	it.CandidatesGenerated = append([]string(nil), it.CandidatesGenerated...)
	it.SelectedCandidates = append([]string(nil), it.SelectedCandidates...)
	return it
}
