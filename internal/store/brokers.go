package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// BrokerConfig is a user-managed MQTT subscription target. Password is
// populated only by [Store.GetBrokerWithSecret]; every other read path
// returns it empty.
type BrokerConfig struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Broker   string   `json:"broker"`
	Port     int      `json:"port"`
	Username string   `json:"username,omitempty"`
	Password string   `json:"-"`
	Topic    string   `json:"topic"`
	NodeIDs  []string `json:"node_ids,omitempty"`
	Enabled  bool     `json:"enabled"`
	// UserID is reserved for future multi-user support. It is stored
	// and returned but nothing filters on it yet.
	UserID    string    `json:"user_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BrokerInput holds the fields for creating a broker config.
type BrokerInput struct {
	Name     string   `json:"name"`
	Broker   string   `json:"broker"`
	Port     int      `json:"port"`
	Username string   `json:"username"`
	Password string   `json:"password"`
	Topic    string   `json:"topic"`
	NodeIDs  []string `json:"node_ids"`
	Enabled  *bool    `json:"enabled"`
	UserID   string   `json:"user_id"`
}

// BrokerPatch holds partial updates for a broker config. Nil fields are
// left unchanged.
type BrokerPatch struct {
	Name     *string   `json:"name"`
	Broker   *string   `json:"broker"`
	Port     *int      `json:"port"`
	Username *string   `json:"username"`
	Password *string   `json:"password"`
	Topic    *string   `json:"topic"`
	NodeIDs  *[]string `json:"node_ids"`
	Enabled  *bool     `json:"enabled"`
	UserID   *string   `json:"user_id"`
}

func validateBroker(name, topic string, port int) error {
	if name == "" {
		return fmt.Errorf("%w: name must not be empty", ErrInvalid)
	}
	if topic == "" {
		return fmt.Errorf("%w: topic must not be empty", ErrInvalid)
	}
	if port < 1 || port > 65535 {
		return fmt.Errorf("%w: port %d out of range [1,65535]", ErrInvalid, port)
	}
	return nil
}

// CreateBroker inserts a new broker config and returns its id.
// Enabled defaults to true when not specified.
func (s *Store) CreateBroker(in BrokerInput) (string, error) {
	if err := validateBroker(in.Name, in.Topic, in.Port); err != nil {
		return "", err
	}
	if in.Broker == "" {
		return "", fmt.Errorf("%w: broker address must not be empty", ErrInvalid)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate broker id: %w", err)
	}

	enabled := true
	if in.Enabled != nil {
		enabled = *in.Enabled
	}

	nodeIDs, err := json.Marshal(append([]string{}, in.NodeIDs...))
	if err != nil {
		return "", fmt.Errorf("marshal node ids: %w", err)
	}

	now := time.Now().UnixMilli()
	_, err = s.db.Exec(
		`INSERT INTO broker_configs
		 (id, name, broker, port, username, password, topic, node_ids, enabled, user_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id.String(), in.Name, in.Broker, in.Port, in.Username, in.Password,
		in.Topic, string(nodeIDs), boolToInt(enabled), in.UserID, now, now,
	)
	if err != nil {
		return "", fmt.Errorf("create broker %q: %w", in.Name, err)
	}
	return id.String(), nil
}

// UpdateBroker applies a partial patch to an existing broker config.
// Only non-nil fields change; updated_at is always refreshed. The
// merged result is re-validated before writing.
func (s *Store) UpdateBroker(id string, patch BrokerPatch) error {
	cur, err := s.GetBrokerWithSecret(id)
	if err != nil {
		return err
	}

	if patch.Name != nil {
		cur.Name = *patch.Name
	}
	if patch.Broker != nil {
		cur.Broker = *patch.Broker
	}
	if patch.Port != nil {
		cur.Port = *patch.Port
	}
	if patch.Username != nil {
		cur.Username = *patch.Username
	}
	if patch.Password != nil {
		cur.Password = *patch.Password
	}
	if patch.Topic != nil {
		cur.Topic = *patch.Topic
	}
	if patch.NodeIDs != nil {
		cur.NodeIDs = *patch.NodeIDs
	}
	if patch.Enabled != nil {
		cur.Enabled = *patch.Enabled
	}
	if patch.UserID != nil {
		cur.UserID = *patch.UserID
	}

	if err := validateBroker(cur.Name, cur.Topic, cur.Port); err != nil {
		return err
	}
	if cur.Broker == "" {
		return fmt.Errorf("%w: broker address must not be empty", ErrInvalid)
	}

	nodeIDs, err := json.Marshal(append([]string{}, cur.NodeIDs...))
	if err != nil {
		return fmt.Errorf("marshal node ids: %w", err)
	}

	_, err = s.db.Exec(
		`UPDATE broker_configs
		 SET name = ?, broker = ?, port = ?, username = ?, password = ?,
		     topic = ?, node_ids = ?, enabled = ?, user_id = ?, updated_at = ?
		 WHERE id = ?`,
		cur.Name, cur.Broker, cur.Port, cur.Username, cur.Password,
		cur.Topic, string(nodeIDs), boolToInt(cur.Enabled), cur.UserID,
		time.Now().UnixMilli(), id,
	)
	if err != nil {
		return fmt.Errorf("update broker %s: %w", id, err)
	}
	return nil
}

// DeleteBroker removes a broker config. Returns ErrNotFound for an
// unknown id. Existing positions keep their broker_id reference.
func (s *Store) DeleteBroker(id string) error {
	res, err := s.db.Exec(`DELETE FROM broker_configs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete broker %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("broker %s: %w", id, ErrNotFound)
	}
	return nil
}

// ListBrokers returns all broker configs, newest first, with passwords
// redacted.
func (s *Store) ListBrokers() ([]BrokerConfig, error) {
	return s.queryBrokers(`SELECT ` + brokerColumns + ` FROM broker_configs ORDER BY created_at DESC`)
}

// ListEnabledBrokers returns the enabled broker configs, with passwords
// redacted. This is the supervisor's cheap per-tick list call; it
// fetches credentials separately per new connection via
// [Store.GetBrokerWithSecret].
func (s *Store) ListEnabledBrokers() ([]BrokerConfig, error) {
	return s.queryBrokers(`SELECT ` + brokerColumns + ` FROM broker_configs WHERE enabled = 1 ORDER BY created_at DESC`)
}

// GetBroker returns a single broker config with the password redacted.
func (s *Store) GetBroker(id string) (BrokerConfig, error) {
	cfg, err := s.GetBrokerWithSecret(id)
	if err != nil {
		return BrokerConfig{}, err
	}
	cfg.Password = ""
	return cfg, nil
}

// GetBrokerWithSecret returns a broker config including its password.
// Only the supervisor should call this, and only when establishing a
// new connection.
func (s *Store) GetBrokerWithSecret(id string) (BrokerConfig, error) {
	row := s.db.QueryRow(
		`SELECT `+brokerColumns+`, password FROM broker_configs WHERE id = ?`, id)

	cfg, err := scanBroker(row, true)
	if err == sql.ErrNoRows {
		return BrokerConfig{}, fmt.Errorf("broker %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return BrokerConfig{}, fmt.Errorf("get broker %s: %w", id, err)
	}
	return cfg, nil
}

const brokerColumns = `id, name, broker, port, username, topic, node_ids, enabled, user_id, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBroker(r rowScanner, withSecret bool) (BrokerConfig, error) {
	var (
		cfg                  BrokerConfig
		nodeIDs              string
		enabled              int
		createdAt, updatedAt int64
	)

	dest := []any{
		&cfg.ID, &cfg.Name, &cfg.Broker, &cfg.Port, &cfg.Username,
		&cfg.Topic, &nodeIDs, &enabled, &cfg.UserID, &createdAt, &updatedAt,
	}
	if withSecret {
		dest = append(dest, &cfg.Password)
	}
	if err := r.Scan(dest...); err != nil {
		return BrokerConfig{}, err
	}

	if err := json.Unmarshal([]byte(nodeIDs), &cfg.NodeIDs); err != nil {
		return BrokerConfig{}, fmt.Errorf("decode node ids: %w", err)
	}
	cfg.Enabled = enabled != 0
	cfg.CreatedAt = time.UnixMilli(createdAt)
	cfg.UpdatedAt = time.UnixMilli(updatedAt)
	return cfg, nil
}

func (s *Store) queryBrokers(query string, args ...any) ([]BrokerConfig, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list brokers: %w", err)
	}
	defer rows.Close()

	var configs []BrokerConfig
	for rows.Next() {
		cfg, err := scanBroker(rows, false)
		if err != nil {
			return nil, fmt.Errorf("scan broker: %w", err)
		}
		configs = append(configs, cfg)
	}
	return configs, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
