// ABOUTME: SQLite persistence for learned peer addresses and the envelope ledger using modernc.org/sqlite
// ABOUTME: The schema is created on open if missing

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/2389/coven-senses/internal/envelope"
	"github.com/2389/coven-senses/internal/node"
	"github.com/2389/coven-senses/internal/peer"
)

// ledger timestamps are fixed width so they order lexically
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore persists peers and ledger entries. It satisfies peer.Persister
// and node.Ledger.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

var (
	_ peer.Persister = (*SQLiteStore)(nil)
	_ node.Ledger    = (*SQLiteStore)(nil)
)

// NewSQLiteStore opens (creating if needed) the database at path.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if path == ":memory:" {
		// every pooled connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS peers (
			agent_id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			role TEXT NOT NULL DEFAULT '',
			host TEXT NOT NULL,
			port INTEGER NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS envelopes (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			node_id TEXT NOT NULL,
			direction TEXT NOT NULL,
			peer_id TEXT NOT NULL,
			message_id TEXT NOT NULL,
			message_type TEXT NOT NULL,
			body TEXT NOT NULL,
			created_at TEXT NOT NULL,

			CHECK (direction IN ('in', 'out'))
		);

		CREATE INDEX IF NOT EXISTS idx_envelopes_node_seq
			ON envelopes(node_id, seq);

		CREATE INDEX IF NOT EXISTS idx_envelopes_message_id
			ON envelopes(message_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// SavePeer inserts or replaces the learned address of rec.AgentID.
func (s *SQLiteStore) SavePeer(ctx context.Context, rec peer.Record) error {
	query := `
		INSERT INTO peers (agent_id, name, role, host, port, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			name = excluded.name,
			role = excluded.role,
			host = excluded.host,
			port = excluded.port,
			updated_at = excluded.updated_at
	`
	now := time.Now().UTC().Format(time.RFC3339)
	if _, err := s.db.ExecContext(ctx, query, rec.AgentID, rec.Name, rec.Role, rec.Host, rec.Port, now); err != nil {
		return fmt.Errorf("saving peer %s: %w", rec.AgentID, err)
	}
	return nil
}

// GetPeer returns the learned address of id, or ErrNotFound.
func (s *SQLiteStore) GetPeer(ctx context.Context, id string) (peer.Record, error) {
	query := `SELECT agent_id, name, role, host, port FROM peers WHERE agent_id = ?`

	var rec peer.Record
	err := s.db.QueryRowContext(ctx, query, id).Scan(&rec.AgentID, &rec.Name, &rec.Role, &rec.Host, &rec.Port)
	if err == sql.ErrNoRows {
		return peer.Record{}, ErrNotFound
	}
	if err != nil {
		return peer.Record{}, fmt.Errorf("querying peer: %w", err)
	}
	return rec, nil
}

// ListPeers returns every learned peer ordered by id.
func (s *SQLiteStore) ListPeers(ctx context.Context) ([]peer.Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT agent_id, name, role, host, port FROM peers ORDER BY agent_id`)
	if err != nil {
		return nil, fmt.Errorf("querying peers: %w", err)
	}
	defer rows.Close()

	var out []peer.Record
	for rows.Next() {
		var rec peer.Record
		if err := rows.Scan(&rec.AgentID, &rec.Name, &rec.Role, &rec.Host, &rec.Port); err != nil {
			return nil, fmt.Errorf("scanning peer row: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// RecordEnvelope appends env to the ledger of nodeID.
func (s *SQLiteStore) RecordEnvelope(ctx context.Context, nodeID string, dir node.Direction, env *envelope.Envelope) error {
	body, err := envelope.Encode(env)
	if err != nil {
		return err
	}

	peerID := env.Receiver
	if dir == node.DirectionIn {
		peerID = env.Sender
	}

	query := `
		INSERT INTO envelopes (node_id, direction, peer_id, message_id, message_type, body, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	now := time.Now().UTC().Format(timeLayout)
	if _, err := s.db.ExecContext(ctx, query, nodeID, string(dir), peerID, env.ID, string(env.Type), string(body), now); err != nil {
		return fmt.Errorf("recording envelope %s: %w", env.ID, err)
	}
	return nil
}

// ListEnvelopes returns the most recent ledger entries of nodeID, oldest
// first. If limit is 0 or negative, all entries are returned.
func (s *SQLiteStore) ListEnvelopes(ctx context.Context, nodeID string, limit int) ([]*LedgerEntry, error) {
	var query string
	var args []any

	if limit > 0 {
		query = `
			SELECT seq, node_id, direction, peer_id, message_id, message_type, body, created_at
			FROM (
				SELECT seq, node_id, direction, peer_id, message_id, message_type, body, created_at
				FROM envelopes
				WHERE node_id = ?
				ORDER BY seq DESC
				LIMIT ?
			)
			ORDER BY seq ASC
		`
		args = []any{nodeID, limit}
	} else {
		query = `
			SELECT seq, node_id, direction, peer_id, message_id, message_type, body, created_at
			FROM envelopes
			WHERE node_id = ?
			ORDER BY seq ASC
		`
		args = []any{nodeID}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying envelopes: %w", err)
	}
	defer rows.Close()

	var entries []*LedgerEntry
	for rows.Next() {
		var e LedgerEntry
		var createdAtStr string
		if err := rows.Scan(&e.Seq, &e.NodeID, &e.Direction, &e.PeerID, &e.MessageID, &e.MessageType, &e.Body, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scanning envelope row: %w", err)
		}
		e.CreatedAt, err = time.Parse(timeLayout, createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing envelope created_at: %w", err)
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// PruneEnvelopes deletes ledger entries older than before and reports how many were removed.
func (s *SQLiteStore) PruneEnvelopes(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM envelopes WHERE created_at < ?`, before.UTC().Format(timeLayout))
	if err != nil {
		return 0, fmt.Errorf("pruning envelopes: %w", err)
	}
	return res.RowsAffected()
}
