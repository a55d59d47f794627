// Package metrics exposes Prometheus collectors for mesh activity. All
// methods are nil-safe so components can carry an optional *Metrics and
// call it unconditionally.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the collectors shared by the router, workers, and
// runtimes of one process.
type Metrics struct {
	tasksSubmitted   *prometheus.CounterVec
	tasksDispatched  prometheus.Counter
	tasksSettled     *prometheus.CounterVec
	queueDepth       *prometheus.GaugeVec
	activeExecutions prometheus.Gauge
	taskDuration     *prometheus.HistogramVec
	llmTokens        prometheus.Counter
}

var (
	defaultOnce   sync.Once
	defaultShared *Metrics
)

// Default returns the process-wide metrics instance registered with the
// global registry. Created once so repeated construction (tests,
// embedded components) never panics on duplicate registration.
func Default() *Metrics {
	defaultOnce.Do(func() {
		defaultShared = MustNew(prometheus.DefaultRegisterer)
	})
	return defaultShared
}

// MustNew constructs a Metrics instance on the given registerer. Pass a
// fresh registry in tests. Registration errors other than an existing
// identical collector panic, mirroring promauto.
func MustNew(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	tasksSubmitted := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentmesh",
		Subsystem: "router",
		Name:      "tasks_submitted_total",
		Help:      "Tasks accepted by Submit, by priority.",
	}, []string{"priority"})
	tasksDispatched := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "agentmesh",
		Subsystem: "router",
		Name:      "tasks_dispatched_total",
		Help:      "Tasks assigned to an agent and published to the work queue.",
	})
	queueDepth := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "agentmesh",
		Subsystem: "router",
		Name:      "queue_depth",
		Help:      "Tasks waiting in the router queue, by priority.",
	}, []string{"priority"})
	tasksSettled := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentmesh",
		Subsystem: "worker",
		Name:      "tasks_settled_total",
		Help:      "Task executions settled, by outcome (completed, failed, retried).",
	}, []string{"outcome"})
	activeExecutions := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "agentmesh",
		Subsystem: "worker",
		Name:      "active_executions",
		Help:      "Executions currently running on this worker.",
	})
	taskDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "agentmesh",
		Subsystem: "worker",
		Name:      "task_duration_seconds",
		Help:      "Wall-clock duration of task executions, by outcome.",
		Buckets:   prometheus.ExponentialBuckets(0.25, 2, 12),
	}, []string{"outcome"})
	llmTokens := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "agentmesh",
		Subsystem: "runtime",
		Name:      "llm_tokens_total",
		Help:      "Total LLM tokens consumed across executions.",
	})

	m := &Metrics{
		tasksSubmitted:   tasksSubmitted,
		tasksDispatched:  tasksDispatched,
		tasksSettled:     tasksSettled,
		queueDepth:       queueDepth,
		activeExecutions: activeExecutions,
		taskDuration:     taskDuration,
		llmTokens:        llmTokens,
	}

	collectors := []prometheus.Collector{
		tasksSubmitted, tasksDispatched, tasksSettled,
		queueDepth, activeExecutions, taskDuration, llmTokens,
	}
	for i, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			already, ok := err.(prometheus.AlreadyRegisteredError)
			if !ok {
				panic(err)
			}
			switch i {
			case 0:
				m.tasksSubmitted = already.ExistingCollector.(*prometheus.CounterVec)
			case 1:
				m.tasksDispatched = already.ExistingCollector.(prometheus.Counter)
			case 2:
				m.tasksSettled = already.ExistingCollector.(*prometheus.CounterVec)
			case 3:
				m.queueDepth = already.ExistingCollector.(*prometheus.GaugeVec)
			case 4:
				m.activeExecutions = already.ExistingCollector.(prometheus.Gauge)
			case 5:
				m.taskDuration = already.ExistingCollector.(*prometheus.HistogramVec)
			case 6:
				m.llmTokens = already.ExistingCollector.(prometheus.Counter)
			}
		}
	}
	return m
}

// IncSubmitted counts an accepted submission.
func (m *Metrics) IncSubmitted(priority string) {
	if m == nil {
		return
	}
	m.tasksSubmitted.WithLabelValues(priority).Inc()
}

// IncDispatched counts a task handed to an agent.
func (m *Metrics) IncDispatched() {
	if m == nil {
		return
	}
	m.tasksDispatched.Inc()
}

// SetQueueDepth records the number of tasks waiting at a priority.
func (m *Metrics) SetQueueDepth(priority string, depth int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(priority).Set(float64(depth))
}

// IncSettled counts a settled execution by outcome.
func (m *Metrics) IncSettled(outcome string) {
	if m == nil {
		return
	}
	m.tasksSettled.WithLabelValues(outcome).Inc()
}

// ObserveTaskDuration records one execution's wall-clock time.
func (m *Metrics) ObserveTaskDuration(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.taskDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// AddTokens accumulates LLM token usage.
func (m *Metrics) AddTokens(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.llmTokens.Add(float64(n))
}

// IncActive marks an execution in flight.
func (m *Metrics) IncActive() {
	if m == nil {
		return
	}
	m.activeExecutions.Inc()
}

// DecActive marks an execution finished.
func (m *Metrics) DecActive() {
	if m == nil {
		return
	}
	m.activeExecutions.Dec()
}
