// Package supervisor owns the pipeline lifecycle: it wires the queues between
// ingestion, workers and the broadcast bridge and tears them down in order.
package supervisor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"linewatch/internal/errs"
	"linewatch/internal/models"
	"linewatch/internal/queue"
	"linewatch/internal/worker"
)

type Ingest interface {
	SetQueue(q *queue.Queue[models.RawMessage])
	Connect(ctx context.Context)
	Connected() bool
	Disconnect()
}

type Pool interface {
	Start(ctx context.Context, tasks *queue.Queue[models.RawMessage], broadcast *queue.Queue[models.Envelope])
	Stop()
	Stats() worker.Stats
}

type Bridge interface {
	Attach(q *queue.Queue[models.Envelope])
	Detach()
}

type State int

const (
	Stopped State = iota
	Starting
	Running
	Stopping
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	default:
		return "unknown"
	}
}

type Config struct {
	TaskQueueSize      int
	BroadcastQueueSize int
	StartupTimeout     time.Duration
	ConnectPoll        time.Duration
}

type Status struct {
	Running         bool   `json:"running"`
	State           string `json:"state"`
	BrokerConnected bool   `json:"broker_connected"`
	TotalWorkers    int    `json:"total_workers"`
	AliveWorkers    int    `json:"alive_workers"`
	QueueDepth      int    `json:"queue_depth"`
	QueueCapacity   int    `json:"queue_capacity"`
	BroadcastDepth  int    `json:"broadcast_depth"`

	Processed int64 `json:"processed"`
	Failed    int64 `json:"failed"`
	Alarms    int64 `json:"alarms_created"`
}

type Supervisor struct {
	cfg    Config
	ingest Ingest
	pool   Pool
	bridge Bridge
	log    *slog.Logger

	mu        sync.Mutex
	state     State
	tasks     *queue.Queue[models.RawMessage]
	broadcast *queue.Queue[models.Envelope]
	cancel    context.CancelFunc
}

func New(cfg Config, ingest Ingest, pool Pool, bridge Bridge, logger *slog.Logger) *Supervisor {
	if cfg.TaskQueueSize <= 0 {
		cfg.TaskQueueSize = 10000
	}
	if cfg.BroadcastQueueSize <= 0 {
		cfg.BroadcastQueueSize = 10000
	}
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = 10 * time.Second
	}
	if cfg.ConnectPoll <= 0 {
		cfg.ConnectPoll = time.Second
	}
	return &Supervisor{cfg: cfg, ingest: ingest, pool: pool, bridge: bridge, log: logger}
}

// Start brings the pipeline up. ctx must outlive the running pipeline; Stop
// is the normal way down. When the broker does not connect within
// StartupTimeout everything started so far is stopped again and
// errs.ErrStartupTimeout is returned.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != Stopped {
		st := s.state
		s.mu.Unlock()
		s.log.Warn("start ignored", "state", st.String())
		return nil
	}
	s.state = Starting
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.tasks = queue.New[models.RawMessage](s.cfg.TaskQueueSize)
	s.broadcast = queue.New[models.Envelope](s.cfg.BroadcastQueueSize)
	tasks, broadcast := s.tasks, s.broadcast
	s.mu.Unlock()

	s.log.Info("starting pipeline", "task_queue", s.cfg.TaskQueueSize, "broadcast_queue", s.cfg.BroadcastQueueSize)
	s.bridge.Attach(broadcast)
	s.pool.Start(runCtx, tasks, broadcast)
	s.ingest.SetQueue(tasks)
	s.ingest.Connect(runCtx)

	if !s.waitConnected(runCtx) {
		s.log.Error("broker did not connect in time, unwinding", "timeout", s.cfg.StartupTimeout)
		s.teardown()
		return errs.ErrStartupTimeout
	}

	s.mu.Lock()
	s.state = Running
	s.mu.Unlock()
	s.log.Info("pipeline running")
	return nil
}

func (s *Supervisor) waitConnected(ctx context.Context) bool {
	if s.ingest.Connected() {
		return true
	}
	deadline := time.NewTimer(s.cfg.StartupTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(s.cfg.ConnectPoll)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return s.ingest.Connected()
		case <-tick.C:
			if s.ingest.Connected() {
				return true
			}
		}
	}
}

// Stop tears the pipeline down. It does nothing unless the pipeline is
// running.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if s.state != Running {
		st := s.state
		s.mu.Unlock()
		s.log.Info("stop ignored", "state", st.String())
		return
	}
	s.mu.Unlock()
	s.teardown()
}

func (s *Supervisor) teardown() {
	s.mu.Lock()
	s.state = Stopping
	broadcast := s.broadcast
	cancel := s.cancel
	s.mu.Unlock()

	s.log.Info("stopping pipeline")
	s.ingest.Disconnect()
	s.ingest.SetQueue(nil)
	s.pool.Stop()
	s.bridge.Detach()
	dropped := 0
	if broadcast != nil {
		dropped = broadcast.Drain()
		broadcast.Close()
	}
	if cancel != nil {
		cancel()
	}

	s.mu.Lock()
	s.state = Stopped
	s.tasks = nil
	s.broadcast = nil
	s.cancel = nil
	s.mu.Unlock()
	s.log.Info("pipeline stopped", "broadcast_dropped", dropped)
}

func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Supervisor) Status() Status {
	s.mu.Lock()
	state := s.state
	tasks, broadcast := s.tasks, s.broadcast
	s.mu.Unlock()

	stats := s.pool.Stats()
	st := Status{
		Running:         state == Running,
		State:           state.String(),
		BrokerConnected: s.ingest.Connected(),
		TotalWorkers:    stats.Total,
		AliveWorkers:    stats.Alive,
		QueueCapacity:   s.cfg.TaskQueueSize,
		Processed:       stats.Processed,
		Failed:          stats.Failed,
		Alarms:          stats.Alarms,
	}
	if tasks != nil {
		st.QueueDepth = tasks.Len()
	}
	if broadcast != nil {
		st.BroadcastDepth = broadcast.Len()
	}
	return st
}

// Healthy reports whether readings can currently flow end to end.
func (s *Supervisor) Healthy() bool {
	st := s.Status()
	return st.Running && st.BrokerConnected && st.AliveWorkers > 0
}
