package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"
)

// DefaultMaxStateBytes caps the serialized state of one plugin.
const DefaultMaxStateBytes = 1 << 20

// Store persists one JSON object per plugin service in plugin_state.

type Store struct {
	db          *sql.DB
	maxStateBty int
}

func NewStore(db *sql.DB) *Store {
	return &Store{
		db:          db,
		maxStateBty: DefaultMaxStateBytes,
	}
}

// Get returns the full state blob for a plugin, or {} if missing.
func (s *Store) Get(ctx context.Context, plugin string) (json.RawMessage, error) {
	if plugin == "" {
		return nil, fmt.Errorf("plugin name is empty")
	}

	var raw string
	err := s.db.QueryRowContext(ctx, "SELECT state FROM plugin_state WHERE plugin_name = ?;", plugin).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return json.RawMessage(`{}`), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read plugin state: %w", err)
	}
	if !json.Valid([]byte(raw)) {
		return nil, fmt.Errorf("stored plugin state is invalid JSON for plugin=%q", plugin)
	}
	return json.RawMessage(raw), nil
}

// ShallowMerge applies updates as a shallow merge (top-level keys replaced).
// The merged state is persisted and returned.
func (s *Store) ShallowMerge(ctx context.Context, plugin string, updates json.RawMessage) (json.RawMessage, error) {
	if plugin == "" {
		return nil, fmt.Errorf("plugin name is empty")
	}

	upd, err := decodeObjectOrEmpty(updates)
	if err != nil {
		return nil, fmt.Errorf("decode updates: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	cur, err := readTx(ctx, tx, plugin)
	if err != nil {
		return nil, err
	}
	maps.Copy(cur, upd)

	return s.writeTx(ctx, tx, plugin, cur)
}

// DeleteKeys removes top-level keys from a plugin's state and returns the
// remaining state. Missing keys are ignored.
func (s *Store) DeleteKeys(ctx context.Context, plugin string, keys ...string) (json.RawMessage, error) {
	if plugin == "" {
		return nil, fmt.Errorf("plugin name is empty")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	cur, err := readTx(ctx, tx, plugin)
	if err != nil {
		return nil, err
	}
	for _, k := range keys {
		delete(cur, k)
	}

	return s.writeTx(ctx, tx, plugin, cur)
}

// Keys returns the sorted top-level keys of a plugin's state.
func (s *Store) Keys(ctx context.Context, plugin string) ([]string, error) {
	raw, err := s.Get(ctx, plugin)
	if err != nil {
		return nil, err
	}
	obj, err := decodeObjectOrEmpty(raw)
	if err != nil {
		return nil, fmt.Errorf("decode stored state: %w", err)
	}
	var keys []string
	for k := range obj {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys, nil
}

func readTx(ctx context.Context, tx *sql.Tx, plugin string) (map[string]json.RawMessage, error) {
	var curRaw string
	err := tx.QueryRowContext(ctx, "SELECT state FROM plugin_state WHERE plugin_name = ?;", plugin).Scan(&curRaw)
	if errors.Is(err, sql.ErrNoRows) {
		curRaw = "{}"
	} else if err != nil {
		return nil, fmt.Errorf("read plugin state: %w", err)
	}

	cur, err := decodeObjectOrEmpty(json.RawMessage(curRaw))
	if err != nil {
		return nil, fmt.Errorf("decode stored state: %w", err)
	}
	return cur, nil
}

func (s *Store) writeTx(ctx context.Context, tx *sql.Tx, plugin string, state map[string]json.RawMessage) (json.RawMessage, error) {
	encoded, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("marshal state: %w", err)
	}
	if len(encoded) > s.maxStateBty {
		return nil, fmt.Errorf("plugin state exceeds max size (%d bytes)", s.maxStateBty)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = tx.ExecContext(ctx, `
INSERT INTO plugin_state(plugin_name, state, updated_at)
VALUES(?, ?, ?)
ON CONFLICT(plugin_name) DO UPDATE SET
  state = excluded.state,
  updated_at = excluded.updated_at;
`, plugin, string(encoded), now)
	if err != nil {
		return nil, fmt.Errorf("upsert plugin state: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return json.RawMessage(encoded), nil
}

func decodeObjectOrEmpty(b json.RawMessage) (map[string]json.RawMessage, error) {
	if len(b) == 0 {
		return map[string]json.RawMessage{}, nil
	}
	if !json.Valid(b) {
		return nil, fmt.Errorf("invalid JSON")
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	if m == nil {
		m = map[string]json.RawMessage{}
	}
	return m, nil
}
