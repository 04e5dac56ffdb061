// Package metrics exports the events of the bisection engine as prometheus metrics.
package metrics

import (
	"fmt"
	"sync"

	"github.com/DominicWuest/tagscepter/pkg/tagscepter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all prometheus metrics derived from engine events
type Metrics struct {
	// Event metrics
	Events      *prometheus.CounterVec
	TaskUpdates *prometheus.CounterVec

	// Task metrics
	Tasks      *prometheus.GaugeVec
	Progress   *prometheus.GaugeVec
	Iterations *prometheus.CounterVec

	// Build metrics
	BuildUpdates *prometheus.CounterVec
	Feedback     *prometheus.CounterVec

	mu     sync.Mutex
	status map[string]string // Last known status of every task seen, keyed by task ID
}

// NewMetrics creates a new Metrics instance with all metrics registered
func NewMetrics(registry prometheus.Registerer) *Metrics {
	factory := promauto.With(registry)

	return &Metrics{
		Events: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tagscepter_events_total",
				Help: "Total number of events published by the engine",
			},
			[]string{"type"},
		),
		TaskUpdates: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tagscepter_task_updates_total",
				Help: "Total number of task updates, by update type",
			},
			[]string{"update_type"},
		),

		Tasks: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tagscepter_tasks",
				Help: "Number of tasks seen since startup, by status",
			},
			[]string{"status"},
		),
		Progress: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tagscepter_task_progress_ratio",
				Help: "Fraction of the initial range eliminated, per unfinished task",
			},
			[]string{"task_id"},
		),
		Iterations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tagscepter_iterations_total",
				Help: "Total number of iterations, by lifecycle event",
			},
			[]string{"event"},
		),

		BuildUpdates: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tagscepter_build_updates_total",
				Help: "Total number of build job transitions, by new status",
			},
			[]string{"status"},
		),
		Feedback: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tagscepter_feedback_total",
				Help: "Total number of feedback entries recorded, by verdict",
			},
			[]string{"verdict"},
		),

		status: make(map[string]string),
	}
}

// Consume observes every event delivered on the subscription. It returns once the subscription is closed
func (m *Metrics) Consume(sub *tagscepter.Subscription) {
	for env := range sub.Events() {
		m.Observe(env)
	}
}

// Observe updates the metrics with a single event
func (m *Metrics) Observe(env tagscepter.Envelope) {
	m.Events.WithLabelValues(string(env.Type)).Inc()

	switch ev := env.Payload.(type) {
	case tagscepter.TaskUpdate:
		m.TaskUpdates.WithLabelValues(ev.UpdateType).Inc()
		m.observeTaskUpdate(ev)
	case tagscepter.BuildUpdate:
		m.BuildUpdates.WithLabelValues(string(ev.Status)).Inc()
	case tagscepter.ProgressUpdate:
		m.mu.Lock()
		finished := isFinished(m.status[ev.TaskID])
		m.mu.Unlock()
		if !finished {
			m.Progress.WithLabelValues(ev.TaskID).Set(ev.Progress)
		}
	}
}

func (m *Metrics) observeTaskUpdate(ev tagscepter.TaskUpdate) {
	switch ev.UpdateType {
	case tagscepter.TaskCreated, tagscepter.TaskResumedUpdate:
		m.setStatus(ev.TaskID, string(tagscepter.TaskActive))
	case tagscepter.TaskPausedUpdate:
		m.setStatus(ev.TaskID, string(tagscepter.TaskPaused))
	case tagscepter.TaskCompletedUpdate:
		m.setStatus(ev.TaskID, string(tagscepter.TaskCompleted))
	case tagscepter.TaskFailedUpdate:
		m.setStatus(ev.TaskID, string(tagscepter.TaskFailed))
	case tagscepter.TaskIterationStarted:
		m.Iterations.WithLabelValues("started").Inc()
	case tagscepter.TaskIterationClosed:
		m.Iterations.WithLabelValues("closed").Inc()
	case tagscepter.TaskFeedback:
		if verdict, ok := ev.Data["feedbackType"]; ok {
			m.Feedback.WithLabelValues(fmt.Sprint(verdict)).Inc()
		}
	}
}

// setStatus moves the task between the status gauges.
// Finished tasks drop their progress series to keep cardinality bounded.
func (m *Metrics) setStatus(taskID, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.status[taskID]; ok {
		if old == status {
			return
		}
		m.Tasks.WithLabelValues(old).Dec()
	}
	m.status[taskID] = status
	m.Tasks.WithLabelValues(status).Inc()

	if isFinished(status) {
		m.Progress.DeleteLabelValues(taskID)
	}
}

func isFinished(status string) bool {
	return status == string(tagscepter.TaskCompleted) || status == string(tagscepter.TaskFailed)
}
