// Package ingest moves broker messages onto the task queue without ever
// blocking the broker's delivery goroutine.
package ingest

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"linewatch/internal/broker"
	"linewatch/internal/errs"
	"linewatch/internal/metrics"
	"linewatch/internal/models"
	"linewatch/internal/queue"
)

var errNoQueue = errors.New("no task queue attached")

// Transport is the broker surface the client needs.
type Transport interface {
	Connect(ctx context.Context, onState broker.StateFunc) error
	Subscribe(subject string, h broker.Handler) error
	Close()
}

type Options struct {
	Subject string
	// RetryWait spaces initial connection attempts.
	RetryWait time.Duration
	// DropWarnEvery limits how often a full queue is logged.
	DropWarnEvery time.Duration
}

type Client struct {
	tr      Transport
	opts    Options
	log     *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu     sync.Mutex
	queue  *queue.Queue[models.RawMessage]
	cancel context.CancelFunc
	wg     sync.WaitGroup

	connected atomic.Bool
	received  atomic.Int64
	dropped   atomic.Int64
	dropWarn  *rate.Limiter
}

func New(tr Transport, opts Options, logger *slog.Logger, m *metrics.Metrics) *Client {
	if opts.RetryWait <= 0 {
		opts.RetryWait = 2 * time.Second
	}
	if opts.DropWarnEvery <= 0 {
		opts.DropWarnEvery = 5 * time.Second
	}
	return &Client{
		tr:       tr,
		opts:     opts,
		log:      logger,
		metrics:  m,
		now:      time.Now,
		dropWarn: rate.NewLimiter(rate.Every(opts.DropWarnEvery), 1),
	}
}

// SetQueue hands over the task queue. Messages arriving while no queue is set
// are dropped.
func (c *Client) SetQueue(q *queue.Queue[models.RawMessage]) {
	c.mu.Lock()
	c.queue = q
	c.mu.Unlock()
}

// Connect starts connecting in the background and returns immediately.
// Failed attempts are logged and retried until Disconnect, unless the
// failure is one no retry can fix.
func (c *Client) Connect(ctx context.Context) {
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.wg.Add(1)
	c.mu.Unlock()

	go c.run(runCtx)
}

func (c *Client) run(ctx context.Context) {
	defer c.wg.Done()
	for {
		err := c.tr.Connect(ctx, c.setConnected)
		if err == nil {
			if ctx.Err() != nil {
				return
			}
			if err = c.tr.Subscribe(c.opts.Subject, c.onMessage); err == nil {
				c.setConnected(true)
				c.log.Info("subscribed", "subject", c.opts.Subject)
				return
			}
			c.tr.Close()
		}
		if ctx.Err() != nil {
			return
		}
		if !errs.Retryable(err) {
			c.log.Error("broker connect failed, giving up", "err", err, "kind", errs.KindOf(err).String())
			return
		}
		c.log.Error("broker connect failed", "err", err, "retry_in", c.opts.RetryWait)
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.opts.RetryWait):
		}
	}
}

// Disconnect stops connection attempts and closes the broker connection.
func (c *Client) Disconnect() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	c.wg.Wait()
	c.tr.Close()
	c.setConnected(false)
	c.log.Info("broker disconnected", "received", c.received.Load(), "dropped", c.dropped.Load())
}

func (c *Client) Connected() bool { return c.connected.Load() }

func (c *Client) Received() int64 { return c.received.Load() }

func (c *Client) Dropped() int64 { return c.dropped.Load() }

func (c *Client) setConnected(up bool) {
	c.connected.Store(up)
	c.metrics.SetBrokerConnected(up)
}

func (c *Client) onMessage(subject string, data []byte) {
	c.received.Add(1)
	c.metrics.Received()

	c.mu.Lock()
	q := c.queue
	c.mu.Unlock()

	msg := models.RawMessage{Subject: subject, Payload: data, ReceivedAt: c.now().UTC()}
	var err error
	if q == nil {
		err = errNoQueue
	} else {
		err = q.TryPut(msg)
	}
	if err == nil {
		return
	}
	total := c.dropped.Add(1)
	c.metrics.Dropped("task")
	if c.dropWarn.Allow() {
		c.log.Warn("task queue refused message, dropping", "subject", subject, "err", err, "dropped_total", total)
	}
}
