package bridge

import (
	"encoding/json"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"linewatch/internal/metrics"
	"linewatch/internal/models"
)

// Sender delivers one encoded message to a subscriber. Implementations bound
// the time a write may take; an error means the subscriber is gone.
type Sender interface {
	Send(msg []byte) error
	Close() error
}

// Subscriber is one live connection and its channel filter. An empty filter
// receives everything.
type Subscriber struct {
	ID   string
	conn Sender

	mu       sync.RWMutex
	channels map[string]struct{}
}

func (s *Subscriber) SetChannels(channels []string) []string {
	set := make(map[string]struct{}, len(channels))
	for _, ch := range channels {
		if ch != "" {
			set[ch] = struct{}{}
		}
	}
	s.mu.Lock()
	s.channels = set
	s.mu.Unlock()
	return s.Channels()
}

// Channels returns the subscribed channels in sorted order.
func (s *Subscriber) Channels() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.channels))
	for ch := range s.channels {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

// Wants reports whether a message on channel should reach this subscriber.
func (s *Subscriber) Wants(channel string) bool {
	if channel == models.ChannelAll {
		return true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.channels) == 0 {
		return true
	}
	_, ok := s.channels[channel]
	return ok
}

func (s *Subscriber) subscriptionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.channels)
}

type HubStatus struct {
	ActiveConnections  int `json:"active_connections"`
	TotalSubscriptions int `json:"total_subscriptions"`
}

// Hub is the live subscriber set.
type Hub struct {
	log     *slog.Logger
	metrics *metrics.Metrics

	mu   sync.RWMutex
	subs map[string]*Subscriber
}

func NewHub(logger *slog.Logger, m *metrics.Metrics) *Hub {
	return &Hub{log: logger, metrics: m, subs: map[string]*Subscriber{}}
}

// Add registers conn with an empty filter. id may be empty, in which case a
// fresh one is generated; an id already in use is replaced by a fresh one.
func (h *Hub) Add(id string, conn Sender) *Subscriber {
	h.mu.Lock()
	if _, taken := h.subs[id]; id == "" || taken {
		id = uuid.NewString()
	}
	sub := &Subscriber{ID: id, conn: conn, channels: map[string]struct{}{}}
	h.subs[id] = sub
	n := len(h.subs)
	h.mu.Unlock()

	h.metrics.SetSubscribers(n)
	h.log.Info("subscriber connected", "client_id", id, "active", n)
	return sub
}

// Remove drops the subscriber and closes its connection. Removing an unknown
// subscriber does nothing.
func (h *Hub) Remove(sub *Subscriber) {
	h.mu.Lock()
	cur, ok := h.subs[sub.ID]
	if ok && cur == sub {
		delete(h.subs, sub.ID)
	}
	n := len(h.subs)
	h.mu.Unlock()
	if !ok || cur != sub {
		return
	}
	_ = sub.conn.Close()
	h.metrics.SetSubscribers(n)
	h.log.Info("subscriber disconnected", "client_id", sub.ID, "active", n)
}

func (h *Hub) snapshot() []*Subscriber {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Subscriber, 0, len(h.subs))
	for _, s := range h.subs {
		out = append(out, s)
	}
	return out
}

// Broadcast delivers env to every subscriber whose filter accepts its
// channel. Each delivery is independent; a failed one removes that
// subscriber. It returns the number of successful deliveries.
func (h *Hub) Broadcast(env models.Envelope) int {
	msg, err := json.Marshal(env)
	if err != nil {
		h.log.Error("encode broadcast", "type", env.Type, "err", err)
		return 0
	}
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		delivered int
	)
	for _, sub := range h.snapshot() {
		if !sub.Wants(env.Channel) {
			continue
		}
		wg.Add(1)
		go func(sub *Subscriber) {
			defer wg.Done()
			if err := sub.conn.Send(msg); err != nil {
				h.log.Warn("send to subscriber failed, removing", "client_id", sub.ID, "err", err)
				h.Remove(sub)
				return
			}
			mu.Lock()
			delivered++
			mu.Unlock()
		}(sub)
	}
	wg.Wait()
	return delivered
}

// Send delivers env to one subscriber, removing it on failure.
func (h *Hub) Send(sub *Subscriber, env models.Envelope) error {
	msg, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if err := sub.conn.Send(msg); err != nil {
		h.log.Warn("send to subscriber failed, removing", "client_id", sub.ID, "err", err)
		h.Remove(sub)
		return err
	}
	return nil
}

// Status is computed from the live set on every call.
func (h *Hub) Status() HubStatus {
	subs := h.snapshot()
	st := HubStatus{ActiveConnections: len(subs)}
	for _, s := range subs {
		st.TotalSubscriptions += s.subscriptionCount()
	}
	return st
}

// CloseAll disconnects every subscriber.
func (h *Hub) CloseAll() {
	for _, s := range h.snapshot() {
		h.Remove(s)
	}
}
