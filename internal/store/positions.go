package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Position is one GPS fix attributed to a device. Records are immutable
// after insertion; there is no update or delete path. Timestamps are
// stored as Unix milliseconds — the single canonical unit — and
// surfaced as time.Time.
type Position struct {
	ID           string          `json:"id"`
	DeviceID     string          `json:"device_id"`
	Latitude     float64         `json:"latitude"`
	Longitude    float64         `json:"longitude"`
	Altitude     *float64        `json:"altitude,omitempty"`
	Accuracy     *float64        `json:"accuracy,omitempty"`
	BatteryLevel *float64        `json:"battery_level,omitempty"`
	Time         time.Time       `json:"time"`
	RawPayload   json.RawMessage `json:"raw_payload,omitempty"`
	// BrokerID names the broker config that captured this fix. Empty
	// for records written before multi-broker support.
	BrokerID string `json:"broker_id,omitempty"`
}

// PositionInput holds the fields for inserting a position.
type PositionInput struct {
	DeviceID     string
	Latitude     float64
	Longitude    float64
	Altitude     *float64
	Accuracy     *float64
	BatteryLevel *float64
	Time         time.Time
	RawPayload   json.RawMessage
	BrokerID     string
}

// InsertPosition validates and stores one position, returning the
// generated id. Latitude must be within [-90,90] and longitude within
// [-180,180]; a non-empty BrokerID must reference an existing broker
// config. Validation failures wrap [ErrInvalid].
func (s *Store) InsertPosition(in PositionInput) (string, error) {
	if in.DeviceID == "" {
		return "", fmt.Errorf("%w: device id must not be empty", ErrInvalid)
	}
	if in.Latitude < -90 || in.Latitude > 90 {
		return "", fmt.Errorf("%w: latitude %v out of range [-90,90]", ErrInvalid, in.Latitude)
	}
	if in.Longitude < -180 || in.Longitude > 180 {
		return "", fmt.Errorf("%w: longitude %v out of range [-180,180]", ErrInvalid, in.Longitude)
	}

	if in.BrokerID != "" {
		var exists int
		err := s.db.QueryRow(
			`SELECT 1 FROM broker_configs WHERE id = ?`, in.BrokerID,
		).Scan(&exists)
		if err == sql.ErrNoRows {
			return "", fmt.Errorf("%w: broker config %s does not exist", ErrInvalid, in.BrokerID)
		}
		if err != nil {
			return "", fmt.Errorf("check broker %s: %w", in.BrokerID, err)
		}
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate position id: %w", err)
	}

	raw := in.RawPayload
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}

	var brokerID any
	if in.BrokerID != "" {
		brokerID = in.BrokerID
	}

	_, err = s.db.Exec(
		`INSERT INTO positions
		 (id, device_id, latitude, longitude, altitude, accuracy, battery_level, timestamp_ms, raw_payload, broker_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id.String(), in.DeviceID, in.Latitude, in.Longitude,
		in.Altitude, in.Accuracy, in.BatteryLevel,
		in.Time.UnixMilli(), string(raw), brokerID,
	)
	if err != nil {
		return "", fmt.Errorf("insert position for %s: %w", in.DeviceID, err)
	}
	return id.String(), nil
}

// LatestPosition returns the most recent position for a device, or
// ErrNotFound if the device has never reported.
func (s *Store) LatestPosition(deviceID string) (Position, error) {
	row := s.db.QueryRow(
		`SELECT `+positionColumns+` FROM positions
		 WHERE device_id = ? ORDER BY timestamp_ms DESC LIMIT 1`, deviceID)

	pos, err := scanPosition(row)
	if err == sql.ErrNoRows {
		return Position{}, fmt.Errorf("device %s: %w", deviceID, ErrNotFound)
	}
	if err != nil {
		return Position{}, fmt.Errorf("latest position for %s: %w", deviceID, err)
	}
	return pos, nil
}

// History returns up to limit positions for a device, newest first.
// A limit <= 0 defaults to 100.
func (s *Store) History(deviceID string, limit int) ([]Position, error) {
	return s.queryPositions(
		`SELECT `+positionColumns+` FROM positions
		 WHERE device_id = ? ORDER BY timestamp_ms DESC LIMIT ?`,
		deviceID, normalizeLimit(limit))
}

// HistoryWindow returns positions for a device within [since, until],
// newest first.
func (s *Store) HistoryWindow(deviceID string, since, until time.Time) ([]Position, error) {
	return s.queryPositions(
		`SELECT `+positionColumns+` FROM positions
		 WHERE device_id = ? AND timestamp_ms >= ? AND timestamp_ms <= ?
		 ORDER BY timestamp_ms DESC`,
		deviceID, since.UnixMilli(), until.UnixMilli())
}

// PositionsByBroker returns up to limit positions captured by one
// broker config, newest first.
func (s *Store) PositionsByBroker(brokerID string, limit int) ([]Position, error) {
	return s.queryPositions(
		`SELECT `+positionColumns+` FROM positions
		 WHERE broker_id = ? ORDER BY timestamp_ms DESC LIMIT ?`,
		brokerID, normalizeLimit(limit))
}

// PositionsByBrokerAndDevice returns up to limit positions for one
// device as captured by one broker config, newest first. The most
// precise query for multi-broker setups tracking the same device.
func (s *Store) PositionsByBrokerAndDevice(brokerID, deviceID string, limit int) ([]Position, error) {
	return s.queryPositions(
		`SELECT `+positionColumns+` FROM positions
		 WHERE broker_id = ? AND device_id = ? ORDER BY timestamp_ms DESC LIMIT ?`,
		brokerID, deviceID, normalizeLimit(limit))
}

const positionColumns = `id, device_id, latitude, longitude, altitude, accuracy, battery_level, timestamp_ms, raw_payload, broker_id`

func scanPosition(r rowScanner) (Position, error) {
	var (
		pos      Position
		ts       int64
		raw      string
		brokerID sql.NullString
	)
	err := r.Scan(
		&pos.ID, &pos.DeviceID, &pos.Latitude, &pos.Longitude,
		&pos.Altitude, &pos.Accuracy, &pos.BatteryLevel,
		&ts, &raw, &brokerID,
	)
	if err != nil {
		return Position{}, err
	}
	pos.Time = time.UnixMilli(ts)
	pos.RawPayload = json.RawMessage(raw)
	if brokerID.Valid {
		pos.BrokerID = brokerID.String
	}
	return pos, nil
}

func (s *Store) queryPositions(query string, args ...any) ([]Position, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	defer rows.Close()

	var positions []Position
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		positions = append(positions, pos)
	}
	return positions, rows.Err()
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	return limit
}
