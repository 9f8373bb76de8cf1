package notifier

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"linewatch/internal/models"
)

type roundTripFunc func(req *http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func record() models.AlarmRecord {
	return models.AlarmRecord{
		ID:             9,
		TS:             time.Date(2026, 2, 21, 12, 0, 0, 0, time.UTC),
		LineID:         "L1",
		ParameterName:  "mould_temperature_actual",
		ParameterValue: 195,
		AlarmMessage:   "mould_temperature_actual value 195 above upper limit 190",
	}
}

func TestTelegramSendPostsMessage(t *testing.T) {
	var gotURL string
	var body map[string]any
	n := NewTelegram("tok", "42")
	n.HTTP = &http.Client{Transport: roundTripFunc(func(req *http.Request) (*http.Response, error) {
		gotURL = req.URL.String()
		_ = json.NewDecoder(req.Body).Decode(&body)
		return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(strings.NewReader(`{"ok":true}`))}, nil
	})}

	if err := n.Send(context.Background(), "hello"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if gotURL != "https://api.telegram.org/bottok/sendMessage" {
		t.Fatalf("url = %s", gotURL)
	}
	if body["chat_id"] != "42" || body["text"] != "hello" {
		t.Fatalf("body = %v", body)
	}
}

func TestTelegramErrors(t *testing.T) {
	if err := NewTelegram("", "").Send(context.Background(), "x"); err == nil {
		t.Fatalf("expected not configured error")
	}
	n := NewTelegram("tok", "42")
	n.HTTP = &http.Client{Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
		return &http.Response{StatusCode: http.StatusTooManyRequests, Body: io.NopCloser(strings.NewReader(`slow down`))}, nil
	})}
	err := n.Send(context.Background(), "x")
	if err == nil || !strings.Contains(err.Error(), "429") {
		t.Fatalf("expected status error, got %v", err)
	}
}

type fakeSender struct {
	mu       sync.Mutex
	enabled  bool
	failures int
	sent     []string
	calls    int
	block    chan struct{}
}

func (f *fakeSender) Enabled() bool { return f.enabled }

func (f *fakeSender) Send(ctx context.Context, msg string) error {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return io.ErrUnexpectedEOF
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeSender) snapshot() (int, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls, append([]string(nil), f.sent...)
}

func TestDispatcherRetriesThenDelivers(t *testing.T) {
	s := &fakeSender{enabled: true, failures: 2}
	d := NewDispatcher(s, 4, testLogger(), nil)
	d.backoff = time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	d.Notify(record())
	deadline := time.Now().Add(2 * time.Second)
	for {
		calls, sent := s.snapshot()
		if len(sent) == 1 {
			if calls != 3 {
				t.Fatalf("calls = %d, want 3", calls)
			}
			if !strings.Contains(sent[0], "line L1") || !strings.Contains(sent[0], "value: 195") {
				t.Fatalf("message = %q", sent[0])
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("notification not delivered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	select {
	case <-d.Done():
	case <-time.After(time.Second):
		t.Fatalf("dispatcher did not stop")
	}
}

func TestDispatcherNeverBlocks(t *testing.T) {
	s := &fakeSender{enabled: true, block: make(chan struct{})}
	d := NewDispatcher(s, 1, testLogger(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	start := time.Now()
	for i := 0; i < 50; i++ {
		d.Notify(record())
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Fatalf("Notify blocked")
	}
	close(s.block)
}

func TestDispatcherDrainsBufferOnStop(t *testing.T) {
	s := &fakeSender{enabled: true}
	d := NewDispatcher(s, 4, testLogger(), nil)
	d.Notify(record())
	d.Notify(record())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	go d.Run(ctx)
	select {
	case <-d.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("dispatcher did not stop")
	}
	if _, sent := s.snapshot(); len(sent) != 2 {
		t.Fatalf("sent %d buffered notifications, want 2", len(sent))
	}
}

func TestDispatcherDrainIsBounded(t *testing.T) {
	s := &fakeSender{enabled: true, block: make(chan struct{})}
	defer close(s.block)
	d := NewDispatcher(s, 4, testLogger(), nil)
	d.drainTimeout = 50 * time.Millisecond
	for i := 0; i < 3; i++ {
		d.Notify(record())
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	d.Run(ctx)
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("drain took %v", elapsed)
	}
	if len(d.ch) != 0 {
		t.Fatalf("buffer not emptied")
	}
}

func TestDispatcherSkipsWhenDisabled(t *testing.T) {
	d := NewDispatcher(&fakeSender{}, 1, testLogger(), nil)
	d.Notify(record())
	if len(d.ch) != 0 {
		t.Fatalf("disabled sender should not queue")
	}
}
