package bridge

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/meshtrail/meshtrail/internal/dedupe"
	"github.com/meshtrail/meshtrail/internal/events"
	"github.com/meshtrail/meshtrail/internal/store"
)

type fakeStore struct {
	mu       sync.Mutex
	inserted []store.PositionInput
	err      error
}

func (f *fakeStore) InsertPosition(in store.PositionInput) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.inserted = append(f.inserted, in)
	return "pos-1", nil
}

func (f *fakeStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.inserted)
}

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func testConnection(t *testing.T, cfg store.BrokerConfig, st PositionStore) *Connection {
	t.Helper()
	c := NewConnection(cfg, st, dedupe.New(2, time.Minute), events.New(), testLogger())
	c.now = func() time.Time { return time.Unix(1717243300, 0) }
	return c
}

const jsonTopic = "msh/US/2/json/LongFast/!9e75c710"

func TestHandleStoresPosition(t *testing.T) {
	st := &fakeStore{}
	c := testConnection(t, store.BrokerConfig{ID: "b1", Name: "mesh", Topic: "msh/#"}, st)

	c.handle(jsonTopic, []byte(`{"type":"position","sender":"!9e75c710","timestamp":1717243200,"payload":{"latitude_i":359132000,"longitude_i":-790558000}}`))

	if st.count() != 1 {
		t.Fatalf("inserted %d positions, want 1", st.count())
	}
	got := st.inserted[0]
	if got.DeviceID != "!9e75c710" || got.BrokerID != "b1" {
		t.Errorf("insert = %+v", got)
	}
	if got.Time.Unix() != 1717243200 {
		t.Errorf("Time = %v, want packet timestamp", got.Time)
	}
}

func TestHandleIgnoresNonPosition(t *testing.T) {
	st := &fakeStore{}
	c := testConnection(t, store.BrokerConfig{ID: "b1", Name: "mesh"}, st)

	c.handle(jsonTopic, []byte(`{"type":"telemetry","sender":"!9e75c710","payload":{"battery_level":80}}`))
	c.handle("msh/US/2/e/LongFast", []byte{0xde, 0xad})

	if st.count() != 0 {
		t.Errorf("non-position messages caused %d inserts", st.count())
	}
	// Dedup memory must be untouched: a real position afterwards is
	// accepted.
	c.handle(jsonTopic, []byte(`{"type":"position","sender":"!9e75c710","timestamp":1717243200,"payload":{"latitude_i":359132000,"longitude_i":-790558000}}`))
	if st.count() != 1 {
		t.Errorf("position after noise not stored")
	}
}

func TestHandleAppliesAllowList(t *testing.T) {
	st := &fakeStore{}
	c := testConnection(t, store.BrokerConfig{
		ID: "b1", Name: "mesh", NodeIDs: []string{"!deadbeef"},
	}, st)

	c.handle(jsonTopic, []byte(`{"type":"position","sender":"!9e75c710","timestamp":1717243200,"payload":{"latitude_i":359132000,"longitude_i":-790558000}}`))
	if st.count() != 0 {
		t.Error("device outside allow-list was stored")
	}

	c.handle(jsonTopic, []byte(`{"type":"position","sender":"!deadbeef","timestamp":1717243200,"payload":{"latitude_i":359132000,"longitude_i":-790558000}}`))
	if st.count() != 1 {
		t.Error("allow-listed device was not stored")
	}
}

func TestHandleSuppressesDuplicates(t *testing.T) {
	st := &fakeStore{}
	c := testConnection(t, store.BrokerConfig{ID: "b1", Name: "mesh"}, st)

	c.handle(jsonTopic, []byte(`{"type":"position","sender":"!9e75c710","timestamp":1000,"payload":{"latitude_i":350000000,"longitude_i":-790000000}}`))
	// Same spot 10 seconds later: suppressed.
	c.handle(jsonTopic, []byte(`{"type":"position","sender":"!9e75c710","timestamp":1010,"payload":{"latitude_i":350000000,"longitude_i":-790000000}}`))
	if st.count() != 1 {
		t.Fatalf("inserted %d, want duplicate suppressed", st.count())
	}
	// Same spot 100 seconds later: past the window, accepted.
	c.handle(jsonTopic, []byte(`{"type":"position","sender":"!9e75c710","timestamp":1100,"payload":{"latitude_i":350000000,"longitude_i":-790000000}}`))
	if st.count() != 2 {
		t.Errorf("inserted %d, want heartbeat past window accepted", st.count())
	}
}

func TestHandleInsertFailureSkipsDedupMemory(t *testing.T) {
	st := &fakeStore{err: errors.New("store offline")}
	c := testConnection(t, store.BrokerConfig{ID: "b1", Name: "mesh"}, st)

	payload := []byte(`{"type":"position","sender":"!9e75c710","timestamp":1000,"payload":{"latitude_i":350000000,"longitude_i":-790000000}}`)
	c.handle(jsonTopic, payload)

	// The failed fix must not poison dedup memory: once the store
	// recovers, the same fix is accepted, not suppressed.
	st.mu.Lock()
	st.err = nil
	st.mu.Unlock()

	c.handle(jsonTopic, payload)
	if st.count() != 1 {
		t.Errorf("inserted %d after recovery, want 1", st.count())
	}
}

type fakeSession struct {
	mu          sync.Mutex
	disconnects int
}

func (f *fakeSession) Disconnect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	return nil
}

func TestStopIsIdempotent(t *testing.T) {
	c := testConnection(t, store.BrokerConfig{ID: "b1", Name: "mesh"}, &fakeStore{})
	sess := &fakeSession{}
	c.cm = sess

	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if sess.disconnects != 1 {
		t.Errorf("disconnects = %d, want exactly 1", sess.disconnects)
	}
	if c.State() != StateStopped {
		t.Errorf("State = %v, want stopped", c.State())
	}
}

func TestStopBeforeStart(t *testing.T) {
	c := testConnection(t, store.BrokerConfig{ID: "b1", Name: "mesh"}, &fakeStore{})
	// Never started: no session to tear down, still no error.
	if err := c.Stop(context.Background()); err != nil {
		t.Errorf("Stop before Start: %v", err)
	}
}

func TestBrokerURLNormalization(t *testing.T) {
	cases := []struct {
		broker string
		port   int
		want   string
	}{
		{"mqtt.meshtastic.org", 1883, "mqtt://mqtt.meshtastic.org:1883"},
		{"mqtt.meshtastic.org", 0, "mqtt://mqtt.meshtastic.org:1883"},
		{"mqtts://secure.example.com:8883", 0, "mqtts://secure.example.com:8883"},
		{"mqtt://legacy.example.com:1883", 1883, "mqtt://legacy.example.com:1883"},
	}
	for _, tc := range cases {
		c := testConnection(t, store.BrokerConfig{Name: "mesh", Broker: tc.broker, Port: tc.port}, &fakeStore{})
		u, err := c.brokerURL()
		if err != nil {
			t.Errorf("brokerURL(%q): %v", tc.broker, err)
			continue
		}
		if u.String() != tc.want {
			t.Errorf("brokerURL(%q) = %q, want %q", tc.broker, u.String(), tc.want)
		}
	}
}

func TestClientIDsAreUnique(t *testing.T) {
	c := testConnection(t, store.BrokerConfig{Name: "My Mesh"}, &fakeStore{})
	a, b := c.clientID(), c.clientID()
	if a == b {
		t.Errorf("clientID() returned the same value twice: %q", a)
	}
	if len(a) == 0 || a[:10] != "meshtrail-" {
		t.Errorf("clientID() = %q, want meshtrail- prefix", a)
	}
}
