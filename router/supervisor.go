package router

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/c360studio/agentmesh/agent"
	"github.com/c360studio/agentmesh/event"
	"github.com/c360studio/agentmesh/task"
)

// Supervisor defaults.
const (
	// DefaultSweepInterval is how often instance health is checked.
	DefaultSweepInterval = 5 * time.Second

	// DefaultHeartbeatTimeout is how stale a heartbeat may be before
	// the instance is moved to ERROR.
	DefaultHeartbeatTimeout = 30 * time.Second
)

// Recommendation is a scaling snapshot for autoscalers.
type Recommendation struct {
	Direction   string  `json:"recommendation"` // "scale_up", "scale_down", or "none"
	Utilization float64 `json:"utilization"`
	Total       int     `json:"total_agents"`
	Idle        int     `json:"idle_agents"`
	Running     int     `json:"running_agents"`
}

// Supervisor sweeps agent instances on an interval: stale heartbeats
// move the instance to ERROR and release its task back to the queue,
// and pool utilization feeds scaling recommendations.
type Supervisor struct {
	instances InstanceStore
	tasks     TaskStore
	requeue   func(*task.Task)
	events    event.Sink
	logger    *slog.Logger

	interval time.Duration
	timeout  time.Duration
	now      func() time.Time

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	lastRec string
}

// SupervisorOption configures a Supervisor.
type SupervisorOption func(*Supervisor)

// WithSweepInterval overrides the sweep interval.
func WithSweepInterval(d time.Duration) SupervisorOption {
	return func(s *Supervisor) { s.interval = d }
}

// WithHeartbeatTimeout overrides the staleness threshold.
func WithHeartbeatTimeout(d time.Duration) SupervisorOption {
	return func(s *Supervisor) { s.timeout = d }
}

// WithSupervisorLogger sets the logger.
func WithSupervisorLogger(logger *slog.Logger) SupervisorOption {
	return func(s *Supervisor) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithSupervisorEventSink routes events to the sink.
func WithSupervisorEventSink(sink event.Sink) SupervisorOption {
	return func(s *Supervisor) {
		if sink != nil {
			s.events = sink
		}
	}
}

// NewSupervisor creates a supervisor. requeue returns a released task to
// the router's queue.
func NewSupervisor(instances InstanceStore, tasks TaskStore, requeue func(*task.Task),
	opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		instances: instances,
		tasks:     tasks,
		requeue:   requeue,
		events:    event.Discard,
		logger:    slog.Default(),
		interval:  DefaultSweepInterval,
		timeout:   DefaultHeartbeatTimeout,
		now:       time.Now,
		lastRec:   "none",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the sweep loop.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("supervisor already running")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				s.Sweep(loopCtx)
			}
		}
	}()

	s.logger.Info("Supervisor started",
		"sweep_interval", s.interval,
		"heartbeat_timeout", s.timeout)
	return nil
}

// Stop halts the sweep loop.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done
	s.logger.Info("Supervisor stopped")
}

// Sweep checks every instance once and updates the scaling
// recommendation. Exposed for tests and for callers that drive their
// own schedule.
func (s *Supervisor) Sweep(ctx context.Context) {
	instances, err := s.instances.List(ctx)
	if err != nil {
		s.logger.Error("Failed to list instances", "error", err)
		return
	}

	now := s.now()
	for _, in := range instances {
		if in.Status == agent.StatusTerminated || in.Status == agent.StatusError {
			continue
		}
		if !in.Stale(now, s.timeout) {
			continue
		}
		s.handleStale(ctx, in)
	}

	s.updateRecommendation(ctx, instances)
}

// handleStale moves a dead instance to ERROR and releases its task.
func (s *Supervisor) handleStale(ctx context.Context, in *agent.Instance) {
	s.logger.Warn("Agent heartbeat timeout",
		"instance_id", in.ID,
		"last_heartbeat", in.LastHeartbeat)

	taskID := in.CurrentTaskID
	in.Status = agent.StatusError
	in.CurrentTaskID = ""
	if err := s.instances.Put(ctx, in); err != nil {
		s.logger.Error("Failed to mark instance unhealthy",
			"instance_id", in.ID, "error", err)
		return
	}
	s.emit(ctx, event.AgentError(in.ID, taskID, "heartbeat timeout"))

	if taskID == "" {
		return
	}

	t, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		s.logger.Error("Failed to load task of dead agent",
			"task_id", taskID, "error", err)
		return
	}
	if t.Status.IsTerminal() {
		return
	}

	t.RetryCount++
	t.AssignedAgentID = ""
	if t.RetryCount > t.MaxRetries {
		if err := t.Fail("agent lost: heartbeat timeout"); err == nil {
			if err := s.tasks.Update(ctx, t); err != nil {
				s.logger.Error("Failed to persist task failure", "task_id", t.ID, "error", err)
			}
			s.emit(ctx, event.TaskFailed(t.ID, "agent lost: heartbeat timeout", false))
		}
		return
	}

	t.Status = task.StatusQueued
	if err := s.tasks.Update(ctx, t); err != nil {
		s.logger.Error("Failed to persist task release", "task_id", t.ID, "error", err)
		return
	}
	s.requeue(t)
	s.logger.Info("Task released back to queue",
		"task_id", t.ID,
		"retry_count", t.RetryCount)
}

// Recommendation returns the current scaling snapshot.
func (s *Supervisor) Recommendation(ctx context.Context) (*Recommendation, error) {
	instances, err := s.instances.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	return computeRecommendation(instances), nil
}

// updateRecommendation emits a scaling event when the direction changes.
func (s *Supervisor) updateRecommendation(ctx context.Context, instances []*agent.Instance) {
	rec := computeRecommendation(instances)

	s.mu.Lock()
	changed := rec.Direction != s.lastRec
	s.lastRec = rec.Direction
	s.mu.Unlock()

	if !changed || rec.Direction == "none" {
		return
	}
	s.emit(ctx, event.ScaleRecommendation(rec.Direction, rec.Utilization, rec.Total, rec.Idle))
	s.logger.Info("Scaling recommendation changed",
		"direction", rec.Direction,
		"utilization", rec.Utilization,
		"total", rec.Total,
		"idle", rec.Idle)
}

func computeRecommendation(instances []*agent.Instance) *Recommendation {
	rec := &Recommendation{Direction: "none"}
	for _, in := range instances {
		switch in.Status {
		case agent.StatusIdle:
			rec.Idle++
			rec.Total++
		case agent.StatusRunning:
			rec.Running++
			rec.Total++
		case agent.StatusPaused, agent.StatusError:
			rec.Total++
		}
	}
	if rec.Total > 0 {
		rec.Utilization = float64(rec.Running) / float64(rec.Total)
	}
	switch {
	case rec.Utilization > 0.8 && rec.Idle == 0:
		rec.Direction = "scale_up"
	case rec.Utilization < 0.2 && rec.Total > 1:
		rec.Direction = "scale_down"
	}
	return rec
}

func (s *Supervisor) emit(ctx context.Context, e *event.Event) {
	if err := s.events.Emit(ctx, e); err != nil {
		s.logger.Warn("Failed to emit event", "event_type", e.Type, "error", err)
	}
}
