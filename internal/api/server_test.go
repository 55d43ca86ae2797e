package api

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	_ "modernc.org/sqlite"

	"github.com/meshtrail/meshtrail/internal/events"
	"github.com/meshtrail/meshtrail/internal/store"
)

type fakeReporter struct {
	count  int
	status map[string]string
}

func (f *fakeReporter) ActiveCount() int          { return f.count }
func (f *fakeReporter) Status() map[string]string { return f.status }

type testEnv struct {
	srv   *httptest.Server
	store *store.Store
	bus   *events.Bus
}

func setupTestServer(t *testing.T) *testEnv {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	// The in-memory database exists per connection.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	st, err := store.NewStore(db)
	if err != nil {
		t.Fatalf("create store: %v", err)
	}

	bus := events.New()
	reporter := &fakeReporter{count: 1, status: map[string]string{"b1": "mesh: connected"}}
	s := NewServer("127.0.0.1", 0, st, reporter, bus, slog.New(slog.DiscardHandler))

	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	return &testEnv{srv: srv, store: st, bus: bus}
}

func (e *testEnv) do(t *testing.T, method, path string, body string) (*http.Response, []byte) {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = bytes.NewReader([]byte(body))
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rdr)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := e.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, data
}

const brokerBody = `{"name":"mesh","broker":"mqtt.meshtastic.org","port":1883,"username":"meshdev","password":"large4cats","topic":"msh/US/2/#"}`

func createBroker(t *testing.T, e *testEnv) string {
	t.Helper()
	resp, data := e.do(t, http.MethodPost, "/api/brokers", brokerBody)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create broker: status %d: %s", resp.StatusCode, data)
	}
	var cfg store.BrokerConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	return cfg.ID
}

func TestBrokerCreateRedactsPassword(t *testing.T) {
	e := setupTestServer(t)

	resp, data := e.do(t, http.MethodPost, "/api/brokers", brokerBody)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	if bytes.Contains(data, []byte("large4cats")) || bytes.Contains(data, []byte(`"password"`)) {
		t.Errorf("create response leaks password: %s", data)
	}
	var cfg store.BrokerConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cfg.ID == "" || cfg.Name != "mesh" || !cfg.Enabled {
		t.Errorf("create response = %+v", cfg)
	}
}

func TestBrokerCreateValidation(t *testing.T) {
	e := setupTestServer(t)

	cases := []struct {
		name string
		body string
	}{
		{"malformed json", `{`},
		{"missing name", `{"broker":"h","port":1883,"topic":"t/#"}`},
		{"bad port", `{"name":"n","broker":"h","port":70000,"topic":"t/#"}`},
		{"missing topic", `{"name":"n","broker":"h","port":1883}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, _ := e.do(t, http.MethodPost, "/api/brokers", tc.body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
		})
	}
}

func TestBrokerListAndGet(t *testing.T) {
	e := setupTestServer(t)
	id := createBroker(t, e)

	resp, data := e.do(t, http.MethodGet, "/api/brokers", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d", resp.StatusCode)
	}
	var list []store.BrokerConfig
	if err := json.Unmarshal(data, &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list) != 1 || list[0].ID != id {
		t.Errorf("list = %+v", list)
	}

	resp, data = e.do(t, http.MethodGet, "/api/brokers/"+id, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d", resp.StatusCode)
	}
	if bytes.Contains(data, []byte("large4cats")) {
		t.Error("get response leaks password")
	}

	resp, _ = e.do(t, http.MethodGet, "/api/brokers/nope", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("get unknown status = %d, want 404", resp.StatusCode)
	}
}

func TestBrokerPatch(t *testing.T) {
	e := setupTestServer(t)
	id := createBroker(t, e)

	resp, data := e.do(t, http.MethodPatch, "/api/brokers/"+id, `{"enabled":false,"topic":"msh/EU_868/#"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("patch status = %d: %s", resp.StatusCode, data)
	}
	var cfg store.BrokerConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cfg.Enabled || cfg.Topic != "msh/EU_868/#" {
		t.Errorf("patched config = %+v", cfg)
	}
	// Untouched fields survive.
	if cfg.Name != "mesh" || cfg.Broker != "mqtt.meshtastic.org" {
		t.Errorf("patch clobbered unrelated fields: %+v", cfg)
	}

	resp, _ = e.do(t, http.MethodPatch, "/api/brokers/"+id, `{"port":0}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("invalid patch status = %d, want 400", resp.StatusCode)
	}
}

func TestBrokerDelete(t *testing.T) {
	e := setupTestServer(t)
	id := createBroker(t, e)

	resp, _ := e.do(t, http.MethodDelete, "/api/brokers/"+id, "")
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d, want 204", resp.StatusCode)
	}
	resp, _ = e.do(t, http.MethodDelete, "/api/brokers/"+id, "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", resp.StatusCode)
	}
}

func insertPosition(t *testing.T, e *testEnv, device string, lat, lon float64, ts int64, brokerID string) {
	t.Helper()
	_, err := e.store.InsertPosition(store.PositionInput{
		DeviceID:  device,
		Latitude:  lat,
		Longitude: lon,
		Time:      time.Unix(ts, 0),
		BrokerID:  brokerID,
	})
	if err != nil {
		t.Fatalf("insert position: %v", err)
	}
}

func TestPositionLatest(t *testing.T) {
	e := setupTestServer(t)
	insertPosition(t, e, "!9e75c710", 35.91, -79.05, 1000, "")
	insertPosition(t, e, "!9e75c710", 35.92, -79.06, 2000, "")

	resp, data := e.do(t, http.MethodGet, "/api/positions/latest?device=%219e75c710", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, data)
	}
	var pos store.Position
	if err := json.Unmarshal(data, &pos); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if pos.Latitude != 35.92 {
		t.Errorf("latest latitude = %v, want most recent fix", pos.Latitude)
	}

	resp, _ = e.do(t, http.MethodGet, "/api/positions/latest", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing device status = %d, want 400", resp.StatusCode)
	}
	resp, _ = e.do(t, http.MethodGet, "/api/positions/latest?device=%21unknown", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown device status = %d, want 404", resp.StatusCode)
	}
}

func TestPositionHistory(t *testing.T) {
	e := setupTestServer(t)
	for i := int64(0); i < 5; i++ {
		insertPosition(t, e, "!9e75c710", 35.0+float64(i), -79.0, 1000+i*100, "")
	}

	resp, data := e.do(t, http.MethodGet, "/api/positions/history?device=%219e75c710&limit=3", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var positions []store.Position
	if err := json.Unmarshal(data, &positions); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(positions) != 3 {
		t.Fatalf("len = %d, want 3", len(positions))
	}
	if !positions[0].Time.After(positions[1].Time) {
		t.Error("history not newest first")
	}

	// Window query: fixes at 1100..1300 inclusive.
	since := time.Unix(1100, 0).UTC().Format(time.RFC3339)
	until := time.Unix(1300, 0).UTC().Format(time.RFC3339)
	resp, data = e.do(t, http.MethodGet,
		fmt.Sprintf("/api/positions/history?device=%%219e75c710&since=%s&until=%s", since, until), "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("window status = %d", resp.StatusCode)
	}
	if err := json.Unmarshal(data, &positions); err != nil {
		t.Fatalf("decode window: %v", err)
	}
	if len(positions) != 3 {
		t.Errorf("window len = %d, want 3", len(positions))
	}

	resp, _ = e.do(t, http.MethodGet, "/api/positions/history?device=%219e75c710&since=yesterday", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad since status = %d, want 400", resp.StatusCode)
	}

	// Unknown device yields an empty list, not an error.
	resp, data = e.do(t, http.MethodGet, "/api/positions/history?device=%21unknown", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unknown device status = %d", resp.StatusCode)
	}
	if strings.TrimSpace(string(data)) != "[]" {
		t.Errorf("unknown device body = %s, want []", data)
	}
}

func TestBrokerPositions(t *testing.T) {
	e := setupTestServer(t)
	id := createBroker(t, e)
	insertPosition(t, e, "!9e75c710", 35.91, -79.05, 1000, id)
	insertPosition(t, e, "!deadbeef", 36.00, -78.00, 1100, id)
	insertPosition(t, e, "!9e75c710", 35.92, -79.06, 1200, "")

	resp, data := e.do(t, http.MethodGet, "/api/brokers/"+id+"/positions", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var positions []store.Position
	if err := json.Unmarshal(data, &positions); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(positions) != 2 {
		t.Errorf("len = %d, want 2 (only this broker's fixes)", len(positions))
	}

	resp, data = e.do(t, http.MethodGet, "/api/brokers/"+id+"/positions?device=%219e75c710", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("device filter status = %d", resp.StatusCode)
	}
	if err := json.Unmarshal(data, &positions); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(positions) != 1 || positions[0].DeviceID != "!9e75c710" {
		t.Errorf("device filter = %+v", positions)
	}

	resp, _ = e.do(t, http.MethodGet, "/api/brokers/nope/positions", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown broker status = %d, want 404", resp.StatusCode)
	}
}

func TestHealthReportsConnections(t *testing.T) {
	e := setupTestServer(t)

	resp, data := e.do(t, http.MethodGet, "/health", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var health struct {
		Status            string            `json:"status"`
		ActiveConnections int               `json:"active_connections"`
		Brokers           map[string]string `json:"brokers"`
	}
	if err := json.Unmarshal(data, &health); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if health.Status != "healthy" || health.ActiveConnections != 1 {
		t.Errorf("health = %+v", health)
	}
	if health.Brokers["b1"] != "mesh: connected" {
		t.Errorf("brokers = %v", health.Brokers)
	}
}

func TestOnboardingQR(t *testing.T) {
	e := setupTestServer(t)

	resp, data := e.do(t, http.MethodGet, "/api/onboarding/qr", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "image/png" {
		t.Errorf("Content-Type = %q, want image/png", ct)
	}
	if !bytes.HasPrefix(data, []byte("\x89PNG")) {
		t.Error("response is not a PNG")
	}

	resp, _ = e.do(t, http.MethodGet, "/api/onboarding/qr?size=9999", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("oversize status = %d, want 400", resp.StatusCode)
	}
}

func TestEventFeedStreamsBusEvents(t *testing.T) {
	e := setupTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/api/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Wait for the handler to register its subscription.
	deadline := time.Now().Add(2 * time.Second)
	for e.bus.SubscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	e.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceBridge,
		Kind:      events.KindPositionLogged,
		Data:      map[string]any{"device_id": "!9e75c710"},
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev events.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if ev.Kind != events.KindPositionLogged {
		t.Errorf("Kind = %q, want %q", ev.Kind, events.KindPositionLogged)
	}
	if ev.Data["device_id"] != "!9e75c710" {
		t.Errorf("Data = %v", ev.Data)
	}
}
