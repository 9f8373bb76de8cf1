package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"linewatch/internal/alerts"
	"linewatch/internal/db"
	"linewatch/internal/models"
	"linewatch/internal/queue"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastConfig(workers int) Config {
	return Config{
		Workers:          workers,
		BatchSize:        10,
		PollInterval:     20 * time.Millisecond,
		CooperativeGrace: 200 * time.Millisecond,
		TerminateGrace:   200 * time.Millisecond,
	}
}

func newTestRepo(t *testing.T) *db.Repository {
	t.Helper()
	sqldb, err := db.Open(t.TempDir() + "/test.db")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = sqldb.Close() })
	if err := db.Migrate(sqldb); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	return db.NewRepository(sqldb)
}

type recordingSink struct {
	mu   sync.Mutex
	recs []models.AlarmRecord
}

func (s *recordingSink) Notify(rec models.AlarmRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = append(s.recs, rec)
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.recs)
}

func put(t *testing.T, q *queue.Queue[models.RawMessage], payload string) {
	t.Helper()
	require.NoError(t, q.TryPut(models.RawMessage{Subject: "plant.sensors.L1.data", Payload: []byte(payload), ReceivedAt: time.Now()}))
}

func nextEnvelope(t *testing.T, q *queue.Queue[models.Envelope]) models.Envelope {
	t.Helper()
	env, ok := q.Get(2 * time.Second)
	require.True(t, ok, "no envelope broadcast")
	return env
}

func TestReadingAboveUpperLimitRaisesAlarm(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	_, err := repo.UpsertRule(ctx, models.AlarmRule{LineID: models.WildcardLine, ParameterName: "temp_body", UpperLimit: models.Float(190), Enabled: true})
	require.NoError(t, err)

	sink := &recordingSink{}
	pool := NewPool(repo, fastConfig(2), testLogger(), nil, sink)
	tasks := queue.New[models.RawMessage](16)
	bq := queue.New[models.Envelope](16)
	pool.Start(ctx, tasks, bq)
	defer pool.Stop()

	put(t, tasks, `{"timestamp":"2026-02-21T12:00:00Z","line_id":"L1","component_id":"C1","temp_body_zone1":195,"temp_body_zone2":180}`)

	env := nextEnvelope(t, bq)
	assert.Equal(t, TypeProductionData, env.Type)
	assert.Equal(t, models.ChannelSensors, env.Channel)
	annotated, ok := env.Data.(models.AnnotatedReading)
	require.True(t, ok)
	assert.Equal(t, models.FieldValue{
		Value: 195, Alarm: true, AlarmCode: alerts.CodeHigh,
		AlarmMessage: "temp_body_zone1 value 195 above upper limit 190",
	}, annotated.Fields["temp_body_zone1"])
	assert.False(t, annotated.Fields["temp_body_zone2"].Alarm)

	env = nextEnvelope(t, bq)
	assert.Equal(t, TypeAlarm, env.Type)
	assert.Equal(t, models.ChannelAlerts, env.Channel)
	events := env.Data.([]alerts.Event)
	require.Len(t, events, 1)
	assert.Equal(t, "temp_body_zone1", events[0].ParameterName)
	assert.True(t, events[0].New)

	recs, err := repo.RecentAlarms(ctx, true, 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "L1", recs[0].LineID)
	assert.Equal(t, 195.0, recs[0].ParameterValue)
	assert.Equal(t, 1, sink.count())

	require.Eventually(t, func() bool { return pool.Stats().Processed == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), pool.Stats().Persisted)
	assert.Equal(t, int64(1), pool.Stats().Alarms)
}

func TestDuplicateReadingCreatesOneAlarm(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	_, err := repo.UpsertRule(ctx, models.AlarmRule{LineID: "L1", ParameterName: "diameter", LowerLimit: models.Float(9), Enabled: true})
	require.NoError(t, err)

	sink := &recordingSink{}
	pool := NewPool(repo, fastConfig(1), testLogger(), nil, sink)
	tasks := queue.New[models.RawMessage](16)
	bq := queue.New[models.Envelope](16)

	payload := `{"timestamp":"2026-02-21T12:00:00Z","line_id":"L1","component_id":"C1","diameter":8}`
	put(t, tasks, payload)
	put(t, tasks, payload)
	pool.Start(ctx, tasks, bq)
	defer pool.Stop()

	require.Eventually(t, func() bool { return pool.Stats().Processed == 2 }, 2*time.Second, 5*time.Millisecond)
	n, err := repo.UnacknowledgedCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, sink.count())

	st := pool.Stats()
	assert.Equal(t, int64(1), st.Persisted)
	assert.Equal(t, int64(1), st.Failed)
	assert.Equal(t, int64(1), st.Alarms)
}

func TestUndecodablePayloadIsDropped(t *testing.T) {
	repo := newTestRepo(t)
	pool := NewPool(repo, fastConfig(1), testLogger(), nil, nil)
	tasks := queue.New[models.RawMessage](16)
	bq := queue.New[models.Envelope](16)
	pool.Start(context.Background(), tasks, bq)
	defer pool.Stop()

	put(t, tasks, `not json`)
	put(t, tasks, `{"component_id":"C1"}`)
	put(t, tasks, `{"line_id":"L2","component_id":"C1","motor_current":12}`)

	env := nextEnvelope(t, bq)
	assert.Equal(t, "L2", env.Data.(models.AnnotatedReading).LineID)
	require.Eventually(t, func() bool { return pool.Stats().Failed == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), pool.Stats().Processed)
}

func TestEnvelopeSerialisesForSubscribers(t *testing.T) {
	env := models.Envelope{
		Type:      TypeProductionData,
		Channel:   models.ChannelSensors,
		Timestamp: time.Date(2026, 2, 21, 12, 0, 0, 0, time.UTC),
		Data:      alerts.Annotate(models.Reading{LineID: "L1", ComponentID: "C1", Diameter: models.Float(10)}, nil),
	}
	b, err := json.Marshal(env)
	require.NoError(t, err)
	var got map[string]any
	require.NoError(t, json.Unmarshal(b, &got))
	assert.Equal(t, "production_data", got["type"])
	assert.Equal(t, "sensors", got["channel"])
	data := got["data"].(map[string]any)
	assert.Equal(t, 10.0, data["diameter"].(map[string]any)["value"])
}

// fakeStore hands out scripted sessions.
type fakeStore struct {
	openErr error
	newSess func() *fakeSession
}

func (s *fakeStore) Session(context.Context) (db.Session, error) {
	if s.openErr != nil {
		return nil, s.openErr
	}
	return s.newSess(), nil
}

type fakeSession struct {
	batchErr  error
	failOne   func(r models.Reading) bool
	block     chan struct{}
	panicLine string

	mu     sync.Mutex
	stored []models.Reading
	closed atomic.Bool
}

func (s *fakeSession) StoreBatch(ctx context.Context, rs []models.Reading) error {
	if s.block != nil {
		<-s.block
	}
	if s.batchErr != nil {
		return s.batchErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stored = append(s.stored, rs...)
	return nil
}

func (s *fakeSession) StoreOne(ctx context.Context, r models.Reading) error {
	if s.failOne != nil && s.failOne(r) {
		return errors.New("constraint failed")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stored = append(s.stored, r)
	return nil
}

func (s *fakeSession) RulesForLine(ctx context.Context, lineID string) ([]models.AlarmRule, error) {
	if lineID == s.panicLine {
		panic("rule lookup exploded")
	}
	return nil, nil
}

func (s *fakeSession) CreateAlarmRecordIfAbsent(ctx context.Context, rec models.AlarmRecord) (models.AlarmRecord, bool, error) {
	return rec, true, nil
}

func (s *fakeSession) Close() error {
	s.closed.Store(true)
	return nil
}

func (s *fakeSession) storedLines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.stored))
	for _, r := range s.stored {
		out = append(out, r.LineID)
	}
	return out
}

func TestBatchFailureFallsBackToRows(t *testing.T) {
	sess := &fakeSession{
		batchErr: errors.New("UNIQUE constraint failed"),
		failOne:  func(r models.Reading) bool { return r.LineID == "bad" },
	}
	pool := NewPool(&fakeStore{newSess: func() *fakeSession { return sess }}, fastConfig(1), testLogger(), nil, nil)
	tasks := queue.New[models.RawMessage](16)
	bq := queue.New[models.Envelope](16)
	put(t, tasks, `{"line_id":"a","component_id":"C1"}`)
	put(t, tasks, `{"line_id":"bad","component_id":"C1"}`)
	put(t, tasks, `{"line_id":"b","component_id":"C1"}`)
	pool.Start(context.Background(), tasks, bq)
	defer pool.Stop()

	require.Eventually(t, func() bool { return pool.Stats().Processed == 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"a", "b"}, sess.storedLines())
	st := pool.Stats()
	assert.Equal(t, int64(2), st.Persisted)
	assert.Equal(t, int64(1), st.Failed)
}

func TestPanicDoesNotKillWorker(t *testing.T) {
	sess := &fakeSession{panicLine: "boom"}
	pool := NewPool(&fakeStore{newSess: func() *fakeSession { return sess }}, fastConfig(1), testLogger(), nil, nil)
	tasks := queue.New[models.RawMessage](16)
	bq := queue.New[models.Envelope](16)
	pool.Start(context.Background(), tasks, bq)
	defer pool.Stop()

	put(t, tasks, `{"line_id":"boom","component_id":"C1"}`)
	require.Eventually(t, func() bool { return pool.Stats().Failed == 1 }, 2*time.Second, 5*time.Millisecond)

	put(t, tasks, `{"line_id":"ok","component_id":"C1"}`)
	env := nextEnvelope(t, bq)
	assert.Equal(t, "ok", env.Data.(models.AnnotatedReading).LineID)
	assert.Equal(t, 1, pool.Stats().Alive)
}

func TestSessionFailureLeavesWorkerDead(t *testing.T) {
	pool := NewPool(&fakeStore{openErr: errors.New("disk full")}, fastConfig(3), testLogger(), nil, nil)
	tasks := queue.New[models.RawMessage](4)
	pool.Start(context.Background(), tasks, queue.New[models.Envelope](4))
	defer pool.Stop()

	time.Sleep(50 * time.Millisecond)
	st := pool.Stats()
	assert.Equal(t, 3, st.Total)
	assert.Equal(t, 0, st.Alive)
}

func TestStopIsBoundedWhenWorkerHangs(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	var sessions []*fakeSession
	var mu sync.Mutex
	store := &fakeStore{newSess: func() *fakeSession {
		s := &fakeSession{block: block}
		mu.Lock()
		sessions = append(sessions, s)
		mu.Unlock()
		return s
	}}
	cfg := fastConfig(2)
	pool := NewPool(store, cfg, testLogger(), nil, nil)
	tasks := queue.New[models.RawMessage](16)
	pool.Start(context.Background(), tasks, queue.New[models.Envelope](16))

	put(t, tasks, `{"line_id":"L1","component_id":"C1"}`)
	require.Eventually(t, func() bool { return tasks.Len() == 0 }, time.Second, 5*time.Millisecond)
	for i := 0; i < 5; i++ {
		put(t, tasks, `{"line_id":"L1","component_id":"C2"}`)
		time.Sleep(5 * time.Millisecond)
	}

	start := time.Now()
	pool.Stop()
	elapsed := time.Since(start)

	assert.Less(t, elapsed, cfg.CooperativeGrace+cfg.TerminateGrace+300*time.Millisecond)
	assert.Equal(t, 0, pool.Stats().Alive, "abandoned worker still counted alive")
	assert.Equal(t, 0, tasks.Len())
	_, ok := tasks.Get(10 * time.Millisecond)
	assert.False(t, ok)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, s := range sessions {
			if s.closed.Load() {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond, "hung worker's session was not closed")
}

func TestStopWithIdleWorkersIsPrompt(t *testing.T) {
	repo := newTestRepo(t)
	cfg := fastConfig(4)
	cfg.PollInterval = 5 * time.Second
	pool := NewPool(repo, cfg, testLogger(), nil, nil)
	tasks := queue.New[models.RawMessage](4)
	pool.Start(context.Background(), tasks, queue.New[models.Envelope](4))
	require.Eventually(t, func() bool { return pool.Stats().Alive == 4 }, time.Second, 5*time.Millisecond)

	start := time.Now()
	pool.Stop()
	assert.Less(t, time.Since(start), cfg.CooperativeGrace)
	assert.Equal(t, 0, pool.Stats().Alive)

	pool.Stop()
}
