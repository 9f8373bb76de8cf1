package notifier

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"linewatch/internal/metrics"
	"linewatch/internal/models"
)

type Sender interface {
	Enabled() bool
	Send(ctx context.Context, msg string) error
}

// Dispatcher forwards newly created alarm records to a Sender off the worker
// path. Notify never blocks; records that do not fit the buffer are dropped.
type Dispatcher struct {
	sender   Sender
	log      *slog.Logger
	metrics  *metrics.Metrics
	attempts int
	backoff  time.Duration

	// drainTimeout bounds delivery of records still buffered at shutdown.
	drainTimeout time.Duration

	ch   chan models.AlarmRecord
	once sync.Once
	done chan struct{}
}

func NewDispatcher(sender Sender, buffer int, logger *slog.Logger, m *metrics.Metrics) *Dispatcher {
	if buffer <= 0 {
		buffer = 256
	}
	return &Dispatcher{
		sender:       sender,
		log:          logger,
		metrics:      m,
		attempts:     3,
		backoff:      300 * time.Millisecond,
		drainTimeout: 5 * time.Second,
		ch:           make(chan models.AlarmRecord, buffer),
		done:         make(chan struct{}),
	}
}

func (d *Dispatcher) Notify(rec models.AlarmRecord) {
	if !d.sender.Enabled() {
		return
	}
	select {
	case d.ch <- rec:
	default:
		d.metrics.Dropped("notify")
		d.log.Warn("notification buffer full, dropping alarm", "alarm_id", rec.ID, "line_id", rec.LineID)
	}
}

// Run delivers queued notifications until ctx is cancelled, then makes a
// bounded attempt at whatever is still buffered.
func (d *Dispatcher) Run(ctx context.Context) {
	defer d.once.Do(func() { close(d.done) })
	for {
		select {
		case <-ctx.Done():
			d.drain()
			return
		case rec := <-d.ch:
			d.deliver(ctx, rec)
		}
	}
}

func (d *Dispatcher) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), d.drainTimeout)
	defer cancel()
	sent, dropped := 0, 0
	for {
		select {
		case rec := <-d.ch:
			if ctx.Err() != nil {
				dropped++
				d.metrics.Dropped("notify")
				continue
			}
			d.deliver(ctx, rec)
			sent++
		default:
			if sent+dropped > 0 {
				d.log.Info("notification buffer drained", "attempted", sent, "dropped", dropped)
			}
			return
		}
	}
}

// Done is closed once Run has returned and the buffer has been drained.
func (d *Dispatcher) Done() <-chan struct{} { return d.done }

func (d *Dispatcher) deliver(ctx context.Context, rec models.AlarmRecord) {
	msg := Format(rec)
	var err error
	for attempt := 1; attempt <= d.attempts; attempt++ {
		if err = d.sender.Send(ctx, msg); err == nil {
			d.log.Info("alarm notification sent", "alarm_id", rec.ID, "attempts", attempt)
			return
		}
		if attempt == d.attempts {
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(attempt) * d.backoff):
		}
	}
	d.log.Warn("notify failed", "alarm_id", rec.ID, "attempts", d.attempts, "err", err)
}

func Format(rec models.AlarmRecord) string {
	return fmt.Sprintf("[ALARM] line %s: %s\nvalue: %s\nat: %s",
		rec.LineID, rec.AlarmMessage,
		strconv.FormatFloat(rec.ParameterValue, 'f', -1, 64),
		rec.TS.UTC().Format(time.RFC3339))
}
