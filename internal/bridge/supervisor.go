package bridge

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/meshtrail/meshtrail/internal/dedupe"
	"github.com/meshtrail/meshtrail/internal/events"
	"github.com/meshtrail/meshtrail/internal/metrics"
	"github.com/meshtrail/meshtrail/internal/store"
)

// stopTimeout bounds how long a single connection teardown may take
// during reconciliation or shutdown.
const stopTimeout = 10 * time.Second

// ConfigStore is the read surface the supervisor needs. *store.Store
// satisfies it; tests inject fakes.
type ConfigStore interface {
	ListEnabledBrokers() ([]store.BrokerConfig, error)
	GetBrokerWithSecret(id string) (store.BrokerConfig, error)
}

// managedConn is a running broker connection from the supervisor's
// point of view.
type managedConn interface {
	Stop(ctx context.Context) error
	State() State
	Config() store.BrokerConfig
}

// Supervisor keeps the active connection set consistent with the
// enabled broker configs, tolerating config changes made at any time
// through the HTTP API. It reconciles once at startup and then on a
// fixed interval.
type Supervisor struct {
	configs  ConfigStore
	interval time.Duration
	logger   *slog.Logger
	bus      *events.Bus

	// start spawns a connection for a full (secret-bearing) config.
	// Overridable so tests can observe connect/disconnect actions
	// without a network.
	start func(ctx context.Context, cfg store.BrokerConfig) (managedConn, error)

	mu     sync.Mutex
	active map[string]managedConn
}

// NewSupervisor creates a supervisor over the given stores. positions
// receives accepted fixes; filter is shared across all connections so a
// device heard by two brokers still dedupes as one.
func NewSupervisor(configs ConfigStore, positions PositionStore, filter *dedupe.Filter, bus *events.Bus, interval time.Duration, logger *slog.Logger) *Supervisor {
	s := &Supervisor{
		configs:  configs,
		interval: interval,
		logger:   logger,
		bus:      bus,
		active:   make(map[string]managedConn),
	}
	s.start = func(ctx context.Context, cfg store.BrokerConfig) (managedConn, error) {
		conn := NewConnection(cfg, positions, filter, bus, logger)
		if err := conn.Start(ctx); err != nil {
			return nil, err
		}
		return conn, nil
	}
	return s
}

// Run reconciles immediately, then on every interval tick until ctx is
// cancelled. It returns once the timer is stopped; connection teardown
// is the caller's next step via [Supervisor.Shutdown], so a tick can
// never race against shutdown.
func (s *Supervisor) Run(ctx context.Context) {
	s.reconcile(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.reconcile(ctx)
		}
	}
}

// reconcile performs one comparison of the active connection set
// against the enabled configs. A failed list fetch skips the whole
// tick; a failed per-config fetch or connect skips that config. Neither
// ever stops a healthy connection.
//
// Configs already connected are left untouched: editing a connected
// broker's topic or credentials in place takes effect only when the
// connection is independently cycled (disable/enable or delete).
func (s *Supervisor) reconcile(ctx context.Context) {
	enabled, err := s.configs.ListEnabledBrokers()
	if err != nil {
		s.logger.Warn("broker config list failed, skipping reconcile tick", "error", err)
		return
	}

	want := make(map[string]bool, len(enabled))
	for _, cfg := range enabled {
		want[cfg.ID] = true
	}

	// Snapshot under the lock; never hold it across Stop or Start.
	s.mu.Lock()
	stale := make(map[string]managedConn)
	for id, conn := range s.active {
		if !want[id] {
			stale[id] = conn
			delete(s.active, id)
		}
	}
	s.mu.Unlock()

	for id, conn := range stale {
		s.stopConn(id, conn)
	}

	for _, cfg := range enabled {
		s.mu.Lock()
		_, running := s.active[cfg.ID]
		s.mu.Unlock()
		if running {
			continue
		}

		// The list call is password-free; credentials come from a
		// separate, more privileged read only when actually connecting.
		full, err := s.configs.GetBrokerWithSecret(cfg.ID)
		if err != nil {
			s.logger.Warn("broker config fetch failed, will retry next tick",
				"broker_id", cfg.ID, "error", err)
			continue
		}

		conn, err := s.start(ctx, full)
		if err != nil {
			s.logger.Warn("broker connection start failed, will retry next tick",
				"broker", full.Name, "error", err)
			continue
		}
		s.logger.Info("broker connection started", "broker", full.Name, "topic", full.Topic)

		s.mu.Lock()
		s.active[cfg.ID] = conn
		s.mu.Unlock()
	}

	metrics.ActiveConnections.Set(float64(s.ActiveCount()))
}

func (s *Supervisor) stopConn(id string, conn managedConn) {
	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()

	cfg := conn.Config()
	if err := conn.Stop(stopCtx); err != nil {
		s.logger.Warn("broker connection stop failed", "broker", cfg.Name, "error", err)
	}
	s.logger.Info("broker connection stopped", "broker", cfg.Name)
	s.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceSupervisor,
		Kind:      events.KindBrokerStopped,
		Data: map[string]any{
			"broker_id":   id,
			"broker_name": cfg.Name,
		},
	})
}

// Shutdown stops every active connection. Call after Run has returned.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	remaining := make(map[string]managedConn, len(s.active))
	for id, conn := range s.active {
		remaining[id] = conn
		delete(s.active, id)
	}
	s.mu.Unlock()

	for id, conn := range remaining {
		s.stopConn(id, conn)
	}
	metrics.ActiveConnections.Set(0)
}

// ActiveCount returns the size of the active connection set.
func (s *Supervisor) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Status reports each active connection's broker name and lifecycle
// state, keyed by broker config id. Used by the /health endpoint.
func (s *Supervisor) Status() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := make(map[string]string, len(s.active))
	for id, conn := range s.active {
		status[id] = conn.Config().Name + ": " + conn.State().String()
	}
	return status
}
