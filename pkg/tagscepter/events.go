package tagscepter

import (
	"sync"
	"time"
)

// EventType discriminates the events emitted by the [Publisher]
type EventType string

const (
	TaskUpdateEvent     EventType = "task_update"
	BuildUpdateEvent    EventType = "build_update"
	ProgressUpdateEvent EventType = "progress_update"
)

// Update types carried by a [TaskUpdate]
const (
	TaskCreated          = "created"
	TaskIterationStarted = "iteration_started"
	TaskIterationClosed  = "iteration_closed"
	TaskFeedback         = "feedback"
	TaskFeedbackConflict = "feedback_conflict"
	TaskPausedUpdate     = "paused"
	TaskResumedUpdate    = "resumed"
	TaskCompletedUpdate  = "completed"
	TaskFailedUpdate     = "failed"
)

// An Event is one of [TaskUpdate], [BuildUpdate] or [ProgressUpdate].
// Subscribers should switch over the concrete type.
type Event interface {
	Type() EventType
	Task() string // The ID of the task the event belongs to

	event()
}

// TaskUpdate reports a transition of a task or its iterations
type TaskUpdate struct {
	TaskID     string         `json:"task_id"`
	UpdateType string         `json:"update_type"`
	Data       map[string]any `json:"data,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// BuildUpdate reports a transition of a build job
type BuildUpdate struct {
	BuildID   string         `json:"build_id"`
	TaskID    string         `json:"task_id"`
	Status    BuildStatus    `json:"status"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// ProgressUpdate reports the fraction of the initial range which has been eliminated
type ProgressUpdate struct {
	TaskID    string    `json:"task_id"`
	Progress  float64   `json:"progress"`
	Timestamp time.Time `json:"timestamp"`
}

func (TaskUpdate) Type() EventType     { return TaskUpdateEvent }
func (BuildUpdate) Type() EventType    { return BuildUpdateEvent }
func (ProgressUpdate) Type() EventType { return ProgressUpdateEvent }

func (u TaskUpdate) Task() string     { return u.TaskID }
func (u BuildUpdate) Task() string    { return u.TaskID }
func (u ProgressUpdate) Task() string { return u.TaskID }

func (TaskUpdate) event()     {}
func (BuildUpdate) event()    {}
func (ProgressUpdate) event() {}

// An Envelope wraps a published event with its type and its sequence number within the task
type Envelope struct {
	Type    EventType `json:"type"`
	Seq     uint64    `json:"seq"` // Strictly increasing per task, in commit order
	Payload Event     `json:"payload"`
}

// A Publisher fans events out to subscribers of a task.
// Events of one task reach every subscriber in the order they were published. Publishing never blocks on slow subscribers.
type Publisher struct {
	mu sync.Mutex

	seq  map[string]uint64                      // Last sequence number handed out, per task
	subs map[string]map[*Subscription]struct{} // Subscriptions per task ID, the empty ID subscribes to all tasks
}

// NewPublisher creates a publisher without subscribers
func NewPublisher() *Publisher {
	return &Publisher{
		seq:  make(map[string]uint64),
		subs: make(map[string]map[*Subscription]struct{}),
	}
}

// Subscribe returns a subscription receiving all events of the passed task published from now on
func (p *Publisher) Subscribe(taskID string) *Subscription {
	s := &Subscription{
		publisher: p,
		taskID:    taskID,
		out:       make(chan Envelope),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}

	p.mu.Lock()
	if p.subs[taskID] == nil {
		p.subs[taskID] = make(map[*Subscription]struct{})
	}
	p.subs[taskID][s] = struct{}{}
	p.mu.Unlock()

	go s.pump()
	return s
}

// SubscribeAll returns a subscription receiving the events of every task
func (p *Publisher) SubscribeAll() *Subscription {
	return p.Subscribe("")
}

// Publish hands the event to all interested subscribers and returns its envelope
func (p *Publisher) Publish(ev Event) Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.seq[ev.Task()]++
	env := Envelope{
		Type:    ev.Type(),
		Seq:     p.seq[ev.Task()],
		Payload: ev,
	}

	for s := range p.subs[ev.Task()] {
		s.push(env)
	}
	if ev.Task() != "" {
		for s := range p.subs[""] {
			s.push(env)
		}
	}
	return env
}

// Forget drops the sequence counter of a deleted task
func (p *Publisher) Forget(taskID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.seq, taskID)
}

func (p *Publisher) unsubscribe(s *Subscription) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.subs[s.taskID], s)
	if len(p.subs[s.taskID]) == 0 {
		delete(p.subs, s.taskID)
	}
}

// A Subscription buffers the events of one subscriber and delivers them in order
type Subscription struct {
	publisher *Publisher
	taskID    string

	mu    sync.Mutex
	queue []Envelope

	out  chan Envelope
	wake chan struct{}
	done chan struct{}
	once sync.Once
}

// Events returns the channel events are delivered on. It is closed once the subscription is closed
func (s *Subscription) Events() <-chan Envelope {
	return s.out
}

// Close stops the delivery of events and releases the subscription
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.publisher.unsubscribe(s)
		close(s.done)
	})
}

func (s *Subscription) push(env Envelope) {
	s.mu.Lock()
	s.queue = append(s.queue, env)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}
		env := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- env:
		case <-s.done:
			return
		}
	}
}
