// Package bridge ingests Meshtastic position reports from MQTT brokers
// into the store. A Connection owns one broker session; the Supervisor
// keeps the set of live connections reconciled against the enabled
// broker configs.
package bridge

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/google/uuid"

	"github.com/meshtrail/meshtrail/internal/config"
	"github.com/meshtrail/meshtrail/internal/dedupe"
	"github.com/meshtrail/meshtrail/internal/events"
	"github.com/meshtrail/meshtrail/internal/meshtastic"
	"github.com/meshtrail/meshtrail/internal/metrics"
	"github.com/meshtrail/meshtrail/internal/store"
)

// reconnectDelay is the fixed retry period after a transport failure.
// Retries are unbounded: a connection only stops when its config is
// disabled or deleted, or the process shuts down.
const reconnectDelay = 5 * time.Second

// PositionStore is the insert surface a connection needs. *store.Store
// satisfies it; tests inject fakes.
type PositionStore interface {
	InsertPosition(in store.PositionInput) (string, error)
}

// State describes where a connection is in its lifecycle. Transitions
// are driven by the MQTT client's callbacks plus explicit Stop.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateStopped
)

// String returns the lowercase state name used in logs and /health.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// sessionManager is the slice of autopaho's ConnectionManager a
// connection uses after startup. Tests substitute a fake.
type sessionManager interface {
	Disconnect(ctx context.Context) error
}

// Connection owns one MQTT session tied to one broker config. Messages
// flow decode → allow-list → dedup → store; transport failures self-heal
// via the client's fixed-period reconnect without supervisor help.
type Connection struct {
	cfg    store.BrokerConfig
	st     PositionStore
	filter *dedupe.Filter
	bus    *events.Bus
	logger *slog.Logger

	// now is the receipt-time source for payloads without timestamps.
	now func() time.Time

	cm       sessionManager
	cancel   context.CancelFunc
	state    atomic.Int32
	stopOnce sync.Once
}

// NewConnection wires a connection but does not touch the network.
// Call [Connection.Start] to connect.
func NewConnection(cfg store.BrokerConfig, st PositionStore, filter *dedupe.Filter, bus *events.Bus, logger *slog.Logger) *Connection {
	return &Connection{
		cfg:    cfg,
		st:     st,
		filter: filter,
		bus:    bus,
		logger: logger.With("broker", cfg.Name),
		now:    time.Now,
	}
}

// LegacyConnection builds a connection for the env-driven single-broker
// mode. The resulting positions carry no broker id.
func LegacyConnection(lb config.LegacyBroker, st PositionStore, filter *dedupe.Filter, bus *events.Bus, logger *slog.Logger) *Connection {
	return NewConnection(store.BrokerConfig{
		Name:    "legacy",
		Broker:  lb.Broker,
		Topic:   lb.Topic,
		NodeIDs: lb.DeviceIDs,
	}, st, filter, bus, logger)
}

// Config returns the broker config this connection was started from.
// Note that in-place edits to the stored config do not propagate here;
// the connection keeps the values it connected with until it is cycled.
func (c *Connection) Config() store.BrokerConfig {
	return c.cfg
}

// State returns the connection's current lifecycle state.
func (c *Connection) State() State {
	return State(c.state.Load())
}

// brokerURL normalizes the config's address into an MQTT URL. Addresses
// may be bare hosts (port supplied separately) or full URLs from the
// legacy environment knob.
func (c *Connection) brokerURL() (*url.URL, error) {
	addr := c.cfg.Broker
	if !strings.Contains(addr, "://") {
		port := c.cfg.Port
		if port == 0 {
			port = 1883
		}
		addr = fmt.Sprintf("mqtt://%s:%d", addr, port)
	}
	return url.Parse(addr)
}

// clientID returns a broker-unique MQTT client identifier. The random
// suffix prevents session collisions when several bridge processes (or
// several connections to the same broker) share a name.
func (c *Connection) clientID() string {
	name := strings.ReplaceAll(c.cfg.Name, " ", "-")
	return "meshtrail-" + name + "-" + uuid.NewString()[:8]
}

// Start opens the MQTT session and returns once connection management
// is running in the background; it does not wait for the broker to
// accept. The session lives until Stop is called or ctx is cancelled.
func (c *Connection) Start(ctx context.Context) error {
	brokerURL, err := c.brokerURL()
	if err != nil {
		return fmt.Errorf("parse broker address %q: %w", c.cfg.Broker, err)
	}

	connCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:       []*url.URL{brokerURL},
		KeepAlive:        30,
		ConnectUsername:  c.cfg.Username,
		ConnectPassword:  []byte(c.cfg.Password),
		ReconnectBackoff: autopaho.NewConstantBackoff(reconnectDelay),
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			c.state.Store(int32(StateConnected))
			c.logger.Info("mqtt connected", "url", brokerURL.Redacted())
			c.subscribe(connCtx, cm)
			c.bus.Publish(events.Event{
				Timestamp: c.now(),
				Source:    events.SourceBridge,
				Kind:      events.KindBrokerConnected,
				Data: map[string]any{
					"broker_id":   c.cfg.ID,
					"broker_name": c.cfg.Name,
					"topic":       c.cfg.Topic,
				},
			})
		},
		OnConnectError: func(err error) {
			c.state.Store(int32(StateReconnecting))
			c.logger.Warn("mqtt connection error, will retry",
				"error", err, "retry_in", reconnectDelay.String())
			c.bus.Publish(events.Event{
				Timestamp: c.now(),
				Source:    events.SourceBridge,
				Kind:      events.KindBrokerOffline,
				Data: map[string]any{
					"broker_id":   c.cfg.ID,
					"broker_name": c.cfg.Name,
					"error":       err.Error(),
				},
			})
		},
		ClientConfig: paho.ClientConfig{
			ClientID: c.clientID(),
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					c.handle(pr.Packet.Topic, pr.Packet.Payload)
					return true, nil
				},
			},
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	c.state.Store(int32(StateConnecting))
	cm, err := autopaho.NewConnection(connCtx, pahoCfg)
	if err != nil {
		cancel()
		c.state.Store(int32(StateDisconnected))
		return fmt.Errorf("mqtt connect %s: %w", c.cfg.Name, err)
	}
	c.cm = cm
	return nil
}

// subscribe issues the topic subscription after (re-)connect. Failure
// is logged, not fatal: the session stays open and may simply receive
// nothing until the next reconnect.
func (c *Connection) subscribe(ctx context.Context, cm *autopaho.ConnectionManager) {
	_, err := cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{
			{Topic: c.cfg.Topic, QoS: 0},
		},
	})
	if err != nil {
		c.logger.Warn("mqtt subscribe failed", "topic", c.cfg.Topic, "error", err)
		return
	}
	c.logger.Info("mqtt subscribed", "topic", c.cfg.Topic)
	if len(c.cfg.NodeIDs) > 0 {
		c.logger.Info("filtering for nodes", "node_ids", strings.Join(c.cfg.NodeIDs, ","))
	}
}

// Stop tears the session down immediately. Idempotent: stopping twice
// is a no-op. This is the only path to the final disconnected state.
func (c *Connection) Stop(ctx context.Context) error {
	var err error
	c.stopOnce.Do(func() {
		c.state.Store(int32(StateStopped))
		if c.cm != nil {
			err = c.cm.Disconnect(ctx)
		}
		if c.cancel != nil {
			c.cancel()
		}
		c.logger.Info("mqtt connection stopped")
	})
	return err
}

// handle runs the full ingestion pipeline for one MQTT message.
func (c *Connection) handle(topic string, payload []byte) {
	metrics.MessagesReceived.WithLabelValues(c.cfg.Name).Inc()
	c.logger.Log(context.Background(), config.LevelTrace, "mqtt message",
		"topic", topic, "payload_size", len(payload))

	report, ok := meshtastic.Decode(topic, payload, c.now())
	if !ok {
		// Expected noise: telemetry, node info, chatter.
		return
	}
	metrics.PositionsDecoded.WithLabelValues(c.cfg.Name, report.Encoding.String()).Inc()

	if len(c.cfg.NodeIDs) > 0 && !slices.Contains(c.cfg.NodeIDs, report.DeviceID) {
		c.logger.Debug("device not in allow-list", "device_id", report.DeviceID)
		return
	}

	if c.filter.ShouldSuppress(report.DeviceID, report.Latitude, report.Longitude, report.Time) {
		metrics.PositionsSuppressed.WithLabelValues(c.cfg.Name).Inc()
		c.logger.Debug("position suppressed as duplicate", "device_id", report.DeviceID)
		c.bus.Publish(events.Event{
			Timestamp: c.now(),
			Source:    events.SourceBridge,
			Kind:      events.KindPositionSuppressed,
			Data: map[string]any{
				"device_id":   report.DeviceID,
				"broker_name": c.cfg.Name,
			},
		})
		return
	}

	_, err := c.st.InsertPosition(store.PositionInput{
		DeviceID:     report.DeviceID,
		Latitude:     report.Latitude,
		Longitude:    report.Longitude,
		Altitude:     report.Altitude,
		Accuracy:     report.Accuracy,
		BatteryLevel: report.BatteryLevel,
		Time:         report.Time,
		RawPayload:   report.Raw,
		BrokerID:     c.cfg.ID,
	})
	if err != nil {
		// The message is lost; delivery here is at-most-once by
		// design, and a rejected value cannot succeed on retry.
		metrics.StoreErrors.WithLabelValues(c.cfg.Name).Inc()
		c.logger.Warn("position insert failed",
			"device_id", report.DeviceID, "error", err)
		return
	}

	// Only durably recorded fixes enter dedup memory.
	c.filter.Remember(report.DeviceID, report.Latitude, report.Longitude, report.Time)
	metrics.PositionsStored.WithLabelValues(c.cfg.Name).Inc()

	c.logger.Info("position logged",
		"device_id", report.DeviceID,
		"latitude", report.Latitude,
		"longitude", report.Longitude,
		"encoding", report.Encoding.String(),
	)
	c.bus.Publish(events.Event{
		Timestamp: c.now(),
		Source:    events.SourceBridge,
		Kind:      events.KindPositionLogged,
		Data: map[string]any{
			"device_id":   report.DeviceID,
			"latitude":    report.Latitude,
			"longitude":   report.Longitude,
			"broker_id":   c.cfg.ID,
			"broker_name": c.cfg.Name,
		},
	})
}
