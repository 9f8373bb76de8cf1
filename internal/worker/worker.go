package worker

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"linewatch/internal/alerts"
	"linewatch/internal/db"
	"linewatch/internal/errs"
	"linewatch/internal/models"
	"linewatch/internal/queue"
)

const (
	TypeProductionData = "production_data"
	TypeAlarm          = "alarm"
)

type worker struct {
	id     int
	pool   *Pool
	log    *slog.Logger
	cancel context.CancelFunc
	done   chan struct{}
	alive  atomic.Bool

	// abandoned is set when Stop gives up on the worker.
	abandoned atomic.Bool

	sessMu    sync.Mutex
	sess      db.Session
	closeOnce sync.Once
}

func (w *worker) run(ctx context.Context, tasks *queue.Queue[models.RawMessage], bq *queue.Queue[models.Envelope], stop <-chan struct{}) {
	defer close(w.done)
	defer w.alive.Store(false)

	sess, err := w.pool.store.Session(ctx)
	if err != nil {
		w.log.Error("open db session", "err", errs.Wrap(errs.Persistence, "session", err))
		return
	}
	w.sessMu.Lock()
	w.sess = sess
	w.sessMu.Unlock()
	defer w.closeSession()

	w.alive.Store(true)
	w.log.Debug("worker started")
	defer w.log.Debug("worker stopped")

	cfg := w.pool.cfg
	batch := make([]models.RawMessage, 0, cfg.BatchSize)
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-tasks.Closed():
			return
		default:
		}
		msg, ok := tasks.GetOrDone(cfg.PollInterval, stop)
		if !ok {
			continue
		}
		batch = append(batch[:0], msg)
		for len(batch) < cfg.BatchSize {
			next, ok := tasks.TryGet()
			if !ok {
				break
			}
			batch = append(batch, next)
		}
		w.handleBatch(ctx, sess, batch, bq)
	}
}

func (w *worker) closeSession() {
	w.closeOnce.Do(func() {
		w.sessMu.Lock()
		sess := w.sess
		w.sessMu.Unlock()
		if sess == nil {
			return
		}
		if err := sess.Close(); err != nil {
			w.log.Debug("close db session", "err", err)
		}
	})
}

// recovered logs a panic raised while handling one unit of work so the
// worker can continue with the next one.
func (w *worker) recovered(what string) {
	if r := recover(); r != nil {
		w.pool.failed.Add(1)
		w.log.Error("panic while handling "+what, "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
	}
}

func (w *worker) handleBatch(ctx context.Context, sess db.Session, batch []models.RawMessage, bq *queue.Queue[models.Envelope]) {
	defer w.recovered("batch")
	p := w.pool
	start := p.now()

	readings := make([]models.Reading, 0, len(batch))
	for _, m := range batch {
		r, err := models.ParseReading(m.Payload, m.ReceivedAt)
		if err != nil {
			p.failed.Add(1)
			p.metrics.ParseFailure()
			w.log.Warn("drop undecodable payload", "subject", m.Subject, "err", errs.Wrap(errs.Decode, "parse", err))
			continue
		}
		readings = append(readings, r)
	}
	if len(readings) == 0 {
		return
	}

	w.persist(ctx, sess, readings)
	for _, r := range readings {
		w.handleReading(ctx, sess, r, bq)
	}
	p.metrics.ObserveBatch(time.Since(start).Seconds())
}

// persist stores the batch in one transaction and falls back to one
// transaction per row when that fails. Rows that still fail are skipped.
func (w *worker) persist(ctx context.Context, sess db.Session, readings []models.Reading) {
	p := w.pool
	err := sess.StoreBatch(ctx, readings)
	if err == nil {
		p.persisted.Add(int64(len(readings)))
		return
	}
	if ctx.Err() != nil {
		return
	}
	p.metrics.BatchFallback()
	w.log.Warn("batch insert failed, retrying row by row", "count", len(readings), "err", errs.Wrap(errs.Persistence, "store batch", err))
	for _, r := range readings {
		if err := sess.StoreOne(ctx, r); err != nil {
			p.failed.Add(1)
			p.metrics.RowFailure()
			w.log.Error("drop reading", "line_id", r.LineID, "component_id", r.ComponentID, "ts", r.TS, "err", errs.Wrap(errs.Persistence, "store one", err))
			continue
		}
		p.persisted.Add(1)
	}
}

// handleReading evaluates alarms for one reading, records them and queues the
// annotated reading for subscribers. Alarm records are created whether or not
// the reading row itself was stored.
func (w *worker) handleReading(ctx context.Context, sess db.Session, r models.Reading, bq *queue.Queue[models.Envelope]) {
	defer w.recovered("reading")
	p := w.pool

	rules, err := sess.RulesForLine(ctx, r.LineID)
	if err != nil {
		w.log.Error("load alarm rules", "line_id", r.LineID, "err", errs.Wrap(errs.Persistence, "rules", err))
	}
	alarms := alerts.Evaluate(r, rules)

	events := make([]alerts.Event, 0, len(alarms))
	for _, a := range alarms {
		rec, created, err := sess.CreateAlarmRecordIfAbsent(ctx, alerts.Record(r, a))
		if err != nil {
			w.log.Error("create alarm record", "line_id", r.LineID, "parameter", a.Field, "err", errs.Wrap(errs.Persistence, "alarm", err))
			continue
		}
		if created {
			p.alarms.Add(1)
			p.metrics.AlarmCreated()
			if p.sink != nil {
				p.sink.Notify(rec)
			}
		}
		events = append(events, alerts.Event{
			ID:            rec.ID,
			Timestamp:     r.TS,
			LineID:        r.LineID,
			ComponentID:   r.ComponentID,
			ParameterName: a.Field,
			Value:         a.Value,
			Code:          a.Code,
			Message:       a.Message,
			New:           created,
		})
	}

	now := p.now().UTC()
	p.publish(bq, models.Envelope{
		Type:      TypeProductionData,
		Channel:   models.ChannelSensors,
		Timestamp: now,
		Data:      alerts.Annotate(r, alarms),
	})
	if len(events) > 0 {
		p.publish(bq, models.Envelope{
			Type:      TypeAlarm,
			Channel:   models.ChannelAlerts,
			Timestamp: now,
			Data:      events,
		})
	}
	p.processed.Add(1)
	p.metrics.Processed(1)
}
