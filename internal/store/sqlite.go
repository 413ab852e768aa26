package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore keeps per-user server descriptors in SQLite. Descriptors
// are stored as JSON blobs keyed by (user_id, server_id); the global
// model and server sets are seeded from config.
type SQLiteStore struct {
	db     *sql.DB
	models []Model
	global []ServerDescriptor
}

// NewSQLiteStore opens the SQLite store at dbPath, seeded with the
// global models and servers.
func NewSQLiteStore(dbPath string, models []Model, global []ServerDescriptor) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		models: models,
		global: global,
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// serverRecord is the persisted shape. The token is hidden from API
// responses via the descriptor's json tag but must round-trip here.
type serverRecord struct {
	ServerDescriptor
	Token string `json:"token,omitempty"`
}

func encodeDescriptor(d ServerDescriptor) (string, error) {
	blob, err := json.Marshal(serverRecord{ServerDescriptor: d, Token: d.Token})
	if err != nil {
		return "", fmt.Errorf("encode descriptor: %w", err)
	}
	return string(blob), nil
}

func decodeDescriptor(blob string) (ServerDescriptor, error) {
	var rec serverRecord
	if err := json.Unmarshal([]byte(blob), &rec); err != nil {
		return ServerDescriptor{}, fmt.Errorf("decode descriptor: %w", err)
	}
	d := rec.ServerDescriptor
	d.Token = rec.Token
	return d, nil
}

// migrate creates the database schema.
func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS user_servers (
		user_id TEXT NOT NULL,
		server_id TEXT NOT NULL,
		descriptor TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (user_id, server_id)
	);
	CREATE INDEX IF NOT EXISTS idx_user_servers_user ON user_servers(user_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// ListModels returns the advertised model list.
func (s *SQLiteStore) ListModels(_ context.Context) ([]Model, error) {
	out := make([]Model, len(s.models))
	copy(out, s.models)
	return out, nil
}

// ListServers returns global servers followed by the user's own.
func (s *SQLiteStore) ListServers(ctx context.Context, userID string) ([]ServerDescriptor, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT descriptor FROM user_servers WHERE user_id = ? ORDER BY created_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("query user servers: %w", err)
	}
	defer rows.Close()

	out := make([]ServerDescriptor, 0, len(s.global))
	out = append(out, s.global...)

	for rows.Next() {
		var blob string
		if err := rows.Scan(&blob); err != nil {
			return nil, fmt.Errorf("scan descriptor: %w", err)
		}
		d, err := decodeDescriptor(blob)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// GetServer looks up one descriptor; the user's own entries shadow
// global ones with the same id.
func (s *SQLiteStore) GetServer(ctx context.Context, userID, serverID string) (ServerDescriptor, bool, error) {
	var blob string
	err := s.db.QueryRowContext(ctx,
		`SELECT descriptor FROM user_servers WHERE user_id = ? AND server_id = ?`,
		userID, serverID).Scan(&blob)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		for _, d := range s.global {
			if d.ID == serverID {
				return d, true, nil
			}
		}
		return ServerDescriptor{}, false, nil
	case err != nil:
		return ServerDescriptor{}, false, fmt.Errorf("query server: %w", err)
	}

	d, err := decodeDescriptor(blob)
	if err != nil {
		return ServerDescriptor{}, false, err
	}
	return d, true, nil
}

// AddServer adds or replaces a descriptor in the user's set.
func (s *SQLiteStore) AddServer(ctx context.Context, userID string, desc ServerDescriptor) error {
	if desc.ID == "" {
		return errors.New("server descriptor needs an id")
	}
	desc.Global = false

	blob, err := encodeDescriptor(desc)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO user_servers (user_id, server_id, descriptor) VALUES (?, ?, ?)
		 ON CONFLICT(user_id, server_id) DO UPDATE SET descriptor = excluded.descriptor`,
		userID, desc.ID, blob)
	if err != nil {
		return fmt.Errorf("insert server: %w", err)
	}
	return nil
}

// RemoveServer deletes a descriptor from the user's set. The bool
// reports whether anything was deleted.
func (s *SQLiteStore) RemoveServer(ctx context.Context, userID, serverID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM user_servers WHERE user_id = ? AND server_id = ?`, userID, serverID)
	if err != nil {
		return false, fmt.Errorf("delete server: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
