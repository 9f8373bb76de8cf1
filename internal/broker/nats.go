// Package broker wraps the NATS connection used to receive sensor readings.
package broker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"linewatch/internal/errs"
)

// Handler receives one broker message. It runs on the connection's delivery
// goroutine and must not block.
type Handler func(subject string, data []byte)

// StateFunc is told when the connection goes up or down.
type StateFunc func(connected bool)

type Config struct {
	URL           string
	Username      string
	Password      string
	ClientName    string
	MaxReconnects int
	ReconnectWait time.Duration
	Timeout       time.Duration
}

type Client struct {
	cfg Config
	log *slog.Logger

	mu      sync.RWMutex
	conn    *nats.Conn
	subs    []*nats.Subscription
	onState StateFunc
}

func New(cfg Config, logger *slog.Logger) *Client {
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = -1
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = 2 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Client{cfg: cfg, log: logger}
}

func (c *Client) options() []nats.Option {
	opts := []nats.Option{
		nats.MaxReconnects(c.cfg.MaxReconnects),
		nats.ReconnectWait(c.cfg.ReconnectWait),
		nats.Timeout(c.cfg.Timeout),
		nats.DisconnectErrHandler(c.handleDisconnect),
		nats.ReconnectHandler(c.handleReconnect),
		nats.ClosedHandler(c.handleClosed),
		nats.ErrorHandler(c.handleError),
	}
	if c.cfg.Username != "" {
		opts = append(opts, nats.UserInfo(c.cfg.Username, c.cfg.Password))
	}
	if c.cfg.ClientName != "" {
		opts = append(opts, nats.Name(c.cfg.ClientName))
	}
	return opts
}

// Connect dials the broker. onState is invoked on later disconnects and
// reconnects; the caller decides when the initial connection counts as up.
func (c *Client) Connect(ctx context.Context, onState StateFunc) error {
	c.mu.Lock()
	c.onState = onState
	c.mu.Unlock()

	type result struct {
		conn *nats.Conn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := nats.Connect(c.cfg.URL, c.options()...)
		done <- result{conn, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			kind := errs.Transport
			if errors.Is(r.err, nats.ErrAuthorization) {
				kind = errs.Config
			}
			return errs.Wrap(kind, "connect", r.err)
		}
		c.mu.Lock()
		c.conn = r.conn
		c.mu.Unlock()
		c.log.Info("broker connected", "url", r.conn.ConnectedUrlRedacted())
		return nil
	case <-ctx.Done():
		go func() {
			if r := <-done; r.conn != nil {
				r.conn.Close()
			}
		}()
		return errs.Wrap(errs.Transport, "connect", ctx.Err())
	}
}

// Subscribe registers h for subject. The subscription survives reconnects.
func (c *Client) Subscribe(subject string, h Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || c.conn.IsClosed() {
		return errs.ErrNotConnected
	}
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		h(msg.Subject, msg.Data)
	})
	if err != nil {
		kind := errs.Transport
		if errors.Is(err, nats.ErrBadSubject) {
			kind = errs.Config
		}
		return errs.Wrapf(kind, "subscribe", "%s: %w", subject, err)
	}
	c.subs = append(c.subs, sub)
	return nil
}

func (c *Client) Publish(subject string, data []byte) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil || !conn.IsConnected() {
		return errs.ErrNotConnected
	}
	if err := conn.Publish(subject, data); err != nil {
		return errs.Wrap(errs.Transport, "publish", err)
	}
	return nil
}

func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil && c.conn.IsConnected()
}

// Close unsubscribes and closes the connection. Safe to call repeatedly.
func (c *Client) Close() {
	c.mu.Lock()
	conn := c.conn
	subs := c.subs
	c.conn = nil
	c.subs = nil
	c.mu.Unlock()

	for _, s := range subs {
		_ = s.Unsubscribe()
	}
	if conn != nil {
		conn.Close()
	}
}

// notify reports a state change of conn. Callbacks are delivered
// asynchronously, so ones from a connection that has since been closed or
// replaced are ignored.
func (c *Client) notify(conn *nats.Conn, up bool) bool {
	c.mu.RLock()
	fn := c.onState
	current := c.conn
	c.mu.RUnlock()
	if conn != current {
		return false
	}
	if fn != nil {
		fn(up)
	}
	return true
}

func (c *Client) handleDisconnect(conn *nats.Conn, err error) {
	if !c.notify(conn, false) {
		return
	}
	if err != nil {
		c.log.Warn("broker disconnected", "err", err)
	} else {
		c.log.Info("broker disconnected")
	}
}

func (c *Client) handleReconnect(conn *nats.Conn) {
	if c.notify(conn, true) {
		c.log.Info("broker reconnected", "url", conn.ConnectedUrlRedacted())
	}
}

func (c *Client) handleClosed(conn *nats.Conn) {
	if c.notify(conn, false) {
		c.log.Info("broker connection closed")
	}
}

func (c *Client) handleError(_ *nats.Conn, sub *nats.Subscription, err error) {
	subject := ""
	if sub != nil {
		subject = sub.Subject
	}
	c.log.Error("broker async error", "subject", subject, "err", err)
}
