// Package config handles Meshtrail configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./meshtrail.yaml, ~/.config/meshtrail/config.yaml,
// /etc/meshtrail/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"meshtrail.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "meshtrail", "config.yaml"))
	}

	paths = append(paths, "/etc/meshtrail/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Meshtrail configuration.
type Config struct {
	Listen   ListenConfig `yaml:"listen"`
	Store    StoreConfig  `yaml:"store"`
	Sync     SyncConfig   `yaml:"sync"`
	LogLevel string       `yaml:"log_level"`
}

// ListenConfig defines the HTTP API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`    // Default: 8090
}

// StoreConfig defines the SQLite database location.
type StoreConfig struct {
	// Path is the SQLite database file. Required; there is no
	// sensible default because the store is the system of record.
	Path string `yaml:"path"`
}

// SyncConfig tunes the ingestion bridge.
type SyncConfig struct {
	// ReconcileIntervalSec is how often the supervisor compares the
	// active connection set against enabled broker configs (default 30).
	ReconcileIntervalSec int `yaml:"reconcile_interval_sec"`
	// DedupeDistanceMeters is the displacement below which a position
	// report may be suppressed (default 2).
	DedupeDistanceMeters float64 `yaml:"dedupe_distance_m"`
	// DedupeWindowSec is the maximum age of the previous fix for
	// suppression to apply. Reports older than this are always
	// recorded, even at zero displacement (default 60).
	DedupeWindowSec int `yaml:"dedupe_window_sec"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.applyDefaults()

	if cfg.Store.Path == "" {
		return nil, fmt.Errorf("config %s: store.path is required", path)
	}

	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8090
	}
	if c.Sync.ReconcileIntervalSec <= 0 {
		c.Sync.ReconcileIntervalSec = 30
	}
	if c.Sync.DedupeDistanceMeters <= 0 {
		c.Sync.DedupeDistanceMeters = 2
	}
	if c.Sync.DedupeWindowSec <= 0 {
		c.Sync.DedupeWindowSec = 60
	}
}

// LegacyBroker is the env-driven single-broker mode carried over from
// the first version of the bridge. It exists so a bare deployment can
// point at one broker without creating a config row first.
type LegacyBroker struct {
	// Broker is the MQTT URL, e.g. mqtt://mqtt.meshtastic.org:1883.
	Broker string
	// Topic is the subscription pattern, e.g. msh/US/2/#.
	Topic string
	// DeviceIDs restricts accepted reports to these node ids.
	// Empty means accept all.
	DeviceIDs []string
	// DedupeDistanceMeters overrides the configured suppression
	// distance when > 0.
	DedupeDistanceMeters float64
}

// LegacyBrokerFromEnv reads the single-broker tuning knobs from the
// environment: MQTT_BROKER, MQTT_TOPIC, DEVICE_ID_FILTER (comma
// separated) and DEDUPE_THRESHOLD_METERS. Returns false if MQTT_BROKER
// is unset — multi-broker mode ignores all of these in favor of
// per-config values.
func LegacyBrokerFromEnv() (LegacyBroker, bool) {
	broker := os.Getenv("MQTT_BROKER")
	if broker == "" {
		return LegacyBroker{}, false
	}

	lb := LegacyBroker{
		Broker: broker,
		Topic:  os.Getenv("MQTT_TOPIC"),
	}
	if lb.Topic == "" {
		lb.Topic = "msh/US/2/#"
	}

	if filter := os.Getenv("DEVICE_ID_FILTER"); filter != "" {
		for _, id := range strings.Split(filter, ",") {
			if id = strings.TrimSpace(id); id != "" {
				lb.DeviceIDs = append(lb.DeviceIDs, id)
			}
		}
	}

	if raw := os.Getenv("DEDUPE_THRESHOLD_METERS"); raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil && v > 0 {
			lb.DedupeDistanceMeters = v
		}
	}

	return lb, true
}
