// Package worker runs the goroutines that turn raw broker payloads into
// stored readings, alarm records and subscriber envelopes.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"linewatch/internal/db"
	"linewatch/internal/errs"
	"linewatch/internal/metrics"
	"linewatch/internal/models"
	"linewatch/internal/queue"
)

// AlarmSink receives alarm records the first time they are created.
// Notify must not block.
type AlarmSink interface {
	Notify(rec models.AlarmRecord)
}

type Config struct {
	Workers   int
	BatchSize int
	// PollInterval bounds each dequeue wait so stop is noticed promptly.
	PollInterval time.Duration
	// CooperativeGrace is how long Stop waits for workers to finish their
	// current batch before cancelling them.
	CooperativeGrace time.Duration
	// TerminateGrace is how long Stop waits after cancelling before it
	// closes a worker's connection and abandons it.
	TerminateGrace time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.CooperativeGrace <= 0 {
		c.CooperativeGrace = 3 * time.Second
	}
	if c.TerminateGrace <= 0 {
		c.TerminateGrace = 2 * time.Second
	}
	return c
}

type Stats struct {
	Total     int   `json:"total_workers"`
	Alive     int   `json:"alive_workers"`
	Processed int64 `json:"processed"`
	Failed    int64 `json:"failed"`
	Persisted int64 `json:"persisted"`
	Alarms    int64 `json:"alarms_created"`
}

type Pool struct {
	store   db.Store
	cfg     Config
	log     *slog.Logger
	metrics *metrics.Metrics
	sink    AlarmSink
	now     func() time.Time

	mu      sync.Mutex
	running bool
	workers []*worker
	tasks   *queue.Queue[models.RawMessage]
	stop    chan struct{}

	processed atomic.Int64
	failed    atomic.Int64
	persisted atomic.Int64
	alarms    atomic.Int64

	broadcastWarn *rate.Limiter
}

func NewPool(store db.Store, cfg Config, logger *slog.Logger, m *metrics.Metrics, sink AlarmSink) *Pool {
	return &Pool{
		store:         store,
		cfg:           cfg.withDefaults(),
		log:           logger,
		metrics:       m,
		sink:          sink,
		now:           time.Now,
		broadcastWarn: rate.NewLimiter(rate.Every(5*time.Second), 1),
	}
}

func (p *Pool) Size() int { return p.cfg.Workers }

// Start launches the workers. They consume tasks until Stop and push results
// to broadcast. Calling Start on a running pool does nothing.
func (p *Pool) Start(ctx context.Context, tasks *queue.Queue[models.RawMessage], broadcast *queue.Queue[models.Envelope]) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		p.log.Warn("worker pool already running")
		return
	}
	p.running = true
	p.tasks = tasks
	p.stop = make(chan struct{})
	p.workers = make([]*worker, 0, p.cfg.Workers)
	for i := 0; i < p.cfg.Workers; i++ {
		wctx, cancel := context.WithCancel(ctx)
		w := &worker{
			id:     i + 1,
			pool:   p,
			log:    p.log.With("worker", i+1),
			cancel: cancel,
			done:   make(chan struct{}),
		}
		p.workers = append(p.workers, w)
		go w.run(wctx, tasks, broadcast, p.stop)
	}
	p.log.Info("worker pool started", "workers", p.cfg.Workers, "batch_size", p.cfg.BatchSize)
}

// Stop signals every worker and escalates for those that do not exit:
// first it cancels their context, then it closes their connection and
// abandons them. The task queue is drained and closed afterwards. Stop
// returns within CooperativeGrace + TerminateGrace.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	workers := p.workers
	tasks := p.tasks
	close(p.stop)
	p.mu.Unlock()

	pending := waitWorkers(workers, p.cfg.CooperativeGrace)
	if len(pending) > 0 {
		for _, w := range pending {
			err := errs.Wrap(errs.Shutdown, "stop", fmt.Errorf("no exit within %s", p.cfg.CooperativeGrace))
			w.log.Warn("worker ignored stop signal, cancelling", "err", err)
			p.metrics.ForcedStop("terminate")
			w.cancel()
		}
		pending = waitWorkers(pending, p.cfg.TerminateGrace)
	}
	for _, w := range pending {
		err := errs.Wrap(errs.Shutdown, "stop", fmt.Errorf("no exit within %s of cancel", p.cfg.TerminateGrace))
		w.log.Error("worker unresponsive, closing its connection and abandoning it", "err", err)
		p.metrics.ForcedStop("kill")
		w.abandoned.Store(true)
		go w.closeSession()
	}
	for _, w := range workers {
		w.cancel()
	}

	drained := 0
	if tasks != nil {
		drained = tasks.Drain()
		tasks.Close()
	}
	p.log.Info("worker pool stopped", "abandoned", len(pending), "drained", drained)
}

// waitWorkers waits until every worker is done or timeout passes, and
// returns the ones still running.
func waitWorkers(ws []*worker, timeout time.Duration) []*worker {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	var pending []*worker
	for i, w := range ws {
		select {
		case <-w.done:
		case <-timer.C:
			for _, rest := range ws[i:] {
				select {
				case <-rest.done:
				default:
					pending = append(pending, rest)
				}
			}
			return pending
		}
	}
	return nil
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	workers := p.workers
	p.mu.Unlock()
	alive := 0
	for _, w := range workers {
		// An abandoned goroutine may linger but no longer counts.
		if w.alive.Load() && !w.abandoned.Load() {
			alive++
		}
	}
	return Stats{
		Total:     p.cfg.Workers,
		Alive:     alive,
		Processed: p.processed.Load(),
		Failed:    p.failed.Load(),
		Persisted: p.persisted.Load(),
		Alarms:    p.alarms.Load(),
	}
}

func (p *Pool) publish(bq *queue.Queue[models.Envelope], env models.Envelope) {
	if bq == nil {
		return
	}
	if err := bq.TryPut(env); err != nil {
		p.metrics.Dropped("broadcast")
		if p.broadcastWarn.Allow() {
			p.log.Warn("broadcast queue refused envelope, dropping", "type", env.Type, "err", err)
		}
	}
}
