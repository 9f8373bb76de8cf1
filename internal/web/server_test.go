package web

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"linewatch/internal/bridge"
	"linewatch/internal/db"
	"linewatch/internal/models"
	"linewatch/internal/supervisor"
)

type fakePipeline struct {
	healthy bool
}

func (f fakePipeline) Status() supervisor.Status {
	return supervisor.Status{Running: f.healthy, State: "running", BrokerConnected: f.healthy, TotalWorkers: 4, AliveWorkers: 4, QueueCapacity: 10000}
}

func (f fakePipeline) Healthy() bool { return f.healthy }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRepo(t *testing.T) *db.Repository {
	t.Helper()
	sqldb, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = sqldb.Close() })
	if err := db.Migrate(sqldb); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db.NewRepository(sqldb)
}

func newTestServer(t *testing.T, healthy bool) (*db.Repository, http.Handler) {
	t.Helper()
	repo := newTestRepo(t)
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("linewatch_up 1")) })
	srv := NewServer(repo, fakePipeline{healthy: healthy}, nil, metrics, testLogger())
	return repo, srv.Routes()
}

func seedAlarm(t *testing.T, repo *db.Repository, param string, minute int) models.AlarmRecord {
	t.Helper()
	rec, _, err := repo.CreateAlarmRecordIfAbsent(context.Background(), models.AlarmRecord{
		TS:             time.Date(2026, 2, 21, 12, minute, 0, 0, time.UTC),
		LineID:         "L1",
		ParameterName:  param,
		ParameterValue: 195,
		AlarmMessage:   param + " value 195 above upper limit 190",
	})
	if err != nil {
		t.Fatalf("seed alarm: %v", err)
	}
	return rec
}

func do(h http.Handler, method, path string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthAndReadiness(t *testing.T) {
	_, h := newTestServer(t, true)
	if rec := do(h, http.MethodGet, "/healthz", nil); rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("healthz = %d %q", rec.Code, rec.Body.String())
	}
	if rec := do(h, http.MethodGet, "/readyz", nil); rec.Code != http.StatusOK {
		t.Fatalf("readyz = %d", rec.Code)
	}

	_, down := newTestServer(t, false)
	if rec := do(down, http.MethodGet, "/readyz", nil); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz with stopped pipeline = %d", rec.Code)
	}
	rec := do(down, http.MethodGet, "/api/pipeline/health", nil)
	var body struct {
		Healthy bool              `json:"healthy"`
		Status  supervisor.Status `json:"status"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if body.Healthy || body.Status.TotalWorkers != 4 {
		t.Fatalf("unexpected health body: %+v", body)
	}
}

func TestPipelineStatusAndMetrics(t *testing.T) {
	_, h := newTestServer(t, true)
	rec := do(h, http.MethodGet, "/api/pipeline/status", nil)
	if rec.Code != http.StatusOK || rec.Header().Get("Content-Type") != "application/json" {
		t.Fatalf("status = %d %s", rec.Code, rec.Header().Get("Content-Type"))
	}
	var st map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	for _, k := range []string{"running", "broker_connected", "total_workers", "alive_workers", "queue_depth", "queue_capacity"} {
		if _, ok := st[k]; !ok {
			t.Fatalf("status missing %q: %v", k, st)
		}
	}
	if rec := do(h, http.MethodGet, "/metrics", nil); !strings.Contains(rec.Body.String(), "linewatch_up") {
		t.Fatalf("metrics not mounted: %q", rec.Body.String())
	}
}

func TestAlarmAcknowledgement(t *testing.T) {
	repo, h := newTestServer(t, true)
	first := seedAlarm(t, repo, "temp_body_zone1", 0)
	second := seedAlarm(t, repo, "motor_screw_torque", 1)

	rec := do(h, http.MethodPost, "/api/alarms/"+strconv.FormatInt(first.ID, 10)+"/acknowledge", map[string]string{"X-Operator": "shift-lead"})
	if rec.Code != http.StatusOK {
		t.Fatalf("acknowledge = %d %s", rec.Code, rec.Body.String())
	}
	var acked models.AlarmRecord
	_ = json.Unmarshal(rec.Body.Bytes(), &acked)
	if !acked.IsAcknowledged || acked.AcknowledgedBy == nil || *acked.AcknowledgedBy != "shift-lead" {
		t.Fatalf("unexpected ack: %+v", acked)
	}

	rec = do(h, http.MethodGet, "/api/alarms?unacknowledged=1", nil)
	var list struct {
		Alarms []models.AlarmRecord `json:"alarms"`
		Open   int                  `json:"unacknowledged_count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list.Alarms) != 1 || list.Open != 1 || list.Alarms[0].ParameterName != "motor_screw_torque" {
		t.Fatalf("unexpected open alarms: %+v", list)
	}

	rec = do(h, http.MethodPost, "/api/alarms/acknowledge-all", nil)
	var all map[string]int64
	_ = json.Unmarshal(rec.Body.Bytes(), &all)
	if all["acknowledged"] != 1 {
		t.Fatalf("acknowledge-all = %v", all)
	}
	got, err := repo.AlarmRecord(context.Background(), second.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.AcknowledgedBy == nil || *got.AcknowledgedBy != defaultOperator {
		t.Fatalf("default operator not recorded: %+v", got)
	}
}

func TestAcknowledgeErrors(t *testing.T) {
	_, h := newTestServer(t, true)
	cases := []struct {
		path string
		code int
	}{
		{"/api/alarms/abc/acknowledge", http.StatusBadRequest},
		{"/api/alarms/0/acknowledge", http.StatusBadRequest},
		{"/api/alarms/999/acknowledge", http.StatusNotFound},
	}
	for _, tc := range cases {
		if rec := do(h, http.MethodPost, tc.path, nil); rec.Code != tc.code {
			t.Fatalf("%s = %d, want %d", tc.path, rec.Code, tc.code)
		}
	}
	if rec := do(h, http.MethodGet, "/api/alarms/1/acknowledge", nil); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET acknowledge = %d", rec.Code)
	}
}

func TestRulesListing(t *testing.T) {
	repo, h := newTestServer(t, true)
	upper := 190.0
	if _, err := db.SeedRules(context.Background(), repo.DB(), []models.AlarmRule{
		{LineID: "*", ParameterName: "temp_body_zone1", UpperLimit: &upper, Enabled: true},
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	rec := do(h, http.MethodGet, "/api/rules", nil)
	var rules []models.AlarmRule
	if err := json.Unmarshal(rec.Body.Bytes(), &rules); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(rules) != 1 || rules[0].LineID != "*" || *rules[0].UpperLimit != 190 || rules[0].LowerLimit != nil {
		t.Fatalf("unexpected rules: %+v", rules)
	}
}

func TestWebSocketUpgradeThroughRouter(t *testing.T) {
	b := bridge.New(bridge.NewHub(testLogger(), nil), 20*time.Millisecond, testLogger())
	srv := httptest.NewServer(NewServer(newTestRepo(t), fakePipeline{healthy: true}, b, nil, testLogger()).Routes())
	defer srv.Close()

	c, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws?client_id=hmi", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	var hello models.Envelope
	if err := c.ReadJSON(&hello); err != nil {
		t.Fatalf("read: %v", err)
	}
	if hello.Type != bridge.TypeConnection {
		t.Fatalf("first message type = %q", hello.Type)
	}
}
