// Package bridge fans envelopes from the broadcast queue out to WebSocket
// subscribers and answers their control messages.
package bridge

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"linewatch/internal/models"
	"linewatch/internal/queue"
)

// Outbound message types.
const (
	TypeConnection   = "connection"
	TypeSubscription = "subscription"
	TypeHeartbeat    = "heartbeat"
	TypeSystemStatus = "system_status"
	TypeMsg          = "msg"
)

// Inbound message types.
const (
	inSubscribe    = "subscribe"
	inPing         = "ping"
	inSystemStatus = "system_status"
)

// StatusFunc reports pipeline state for system_status replies.
type StatusFunc func() any

type Bridge struct {
	hub  *Hub
	log  *slog.Logger
	poll time.Duration
	now  func() time.Time

	mu       sync.Mutex
	statusFn StatusFunc
	stop     chan struct{}
	done     chan struct{}
}

func New(hub *Hub, poll time.Duration, logger *slog.Logger) *Bridge {
	if poll <= 0 {
		poll = time.Second
	}
	return &Bridge{hub: hub, log: logger, poll: poll, now: time.Now}
}

func (b *Bridge) Hub() *Hub { return b.hub }

func (b *Bridge) SetStatusSource(fn StatusFunc) {
	b.mu.Lock()
	b.statusFn = fn
	b.mu.Unlock()
}

// Attach starts draining q on a dedicated goroutine. A second Attach without
// Detach is ignored.
func (b *Bridge) Attach(q *queue.Queue[models.Envelope]) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stop != nil {
		b.log.Warn("broadcast queue already attached")
		return
	}
	b.stop = make(chan struct{})
	b.done = make(chan struct{})
	go b.drain(q, b.stop, b.done)
	b.log.Info("broadcast bridge attached", "capacity", q.Cap())
}

// Detach stops the drain goroutine and waits for it to exit. Items still in
// the queue are left for the caller to discard.
func (b *Bridge) Detach() {
	b.mu.Lock()
	stop, done := b.stop, b.done
	b.stop, b.done = nil, nil
	b.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
	b.log.Info("broadcast bridge detached")
}

func (b *Bridge) drain(q *queue.Queue[models.Envelope], stop, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		default:
		}
		env, ok := q.GetOrDone(b.poll, stop)
		if !ok {
			select {
			case <-q.Closed():
				if q.Len() == 0 {
					return
				}
			default:
			}
			continue
		}
		b.hub.Broadcast(env)
	}
}

func (b *Bridge) envelope(typ string, data any) models.Envelope {
	return models.Envelope{Type: typ, Timestamp: b.now().UTC(), Data: data}
}

// Welcome sends the connection acknowledgement.
func (b *Bridge) Welcome(sub *Subscriber) error {
	return b.hub.Send(sub, b.envelope(TypeConnection, map[string]any{
		"message":   "Connected to linewatch WebSocket",
		"client_id": sub.ID,
	}))
}

type inbound struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Channels  []string        `json:"channels"`
	Timestamp any             `json:"timestamp"`
}

type inboundData struct {
	Channels  []string `json:"channels"`
	Timestamp any      `json:"timestamp"`
}

// Subscribe replaces the subscriber's filter and acknowledges it.
func (b *Bridge) Subscribe(sub *Subscriber, channels []string) error {
	set := sub.SetChannels(channels)
	b.log.Info("subscriber channels set", "client_id", sub.ID, "channels", set)
	return b.hub.Send(sub, b.envelope(TypeSubscription, map[string]any{
		"message":  fmt.Sprintf("Subscribed to channels: [%s]", strings.Join(set, ", ")),
		"channels": set,
	}))
}

// HandleInbound answers one control message. Malformed input gets an error
// reply and never closes the connection.
func (b *Bridge) HandleInbound(sub *Subscriber, raw []byte) error {
	var in inbound
	if err := json.Unmarshal(raw, &in); err != nil {
		return b.hub.Send(sub, b.envelope(TypeMsg, map[string]any{
			"error":        "invalid format",
			"message_type": "error",
		}))
	}
	var data inboundData
	if len(in.Data) > 0 {
		_ = json.Unmarshal(in.Data, &data)
	}

	switch in.Type {
	case inSubscribe:
		channels := data.Channels
		if channels == nil {
			channels = in.Channels
		}
		return b.Subscribe(sub, channels)
	case inPing:
		clientTS := data.Timestamp
		if clientTS == nil {
			clientTS = in.Timestamp
		}
		return b.hub.Send(sub, b.envelope(TypeHeartbeat, map[string]any{
			"pong":             true,
			"client_timestamp": clientTS,
			"server_timestamp": b.now().UTC().Format(time.RFC3339Nano),
		}))
	case inSystemStatus:
		b.mu.Lock()
		fn := b.statusFn
		b.mu.Unlock()
		reply := map[string]any{
			"status_response": b.hub.Status(),
			"request_type":    "get_status",
		}
		if fn != nil {
			reply["pipeline"] = fn()
		}
		return b.hub.Send(sub, b.envelope(TypeSystemStatus, reply))
	default:
		return b.hub.Send(sub, b.envelope(TypeMsg, map[string]any{
			"error":        "Unknown message type: " + in.Type,
			"message_type": "error",
		}))
	}
}
