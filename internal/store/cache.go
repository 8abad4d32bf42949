// ABOUTME: Session-scoped SQLite cache of committed messages using modernc.org/sqlite
// ABOUTME: Warms conversation views before the first history fetch; no durability promise

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
)

// SessionCache keeps committed messages in a local SQLite database for the
// lifetime of the client session. It exists so a conversation view has
// something to show while the first history fetch is in flight; the server
// remains the source of truth and the cache is overwritten by every fetch.
type SessionCache struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSessionCache opens (or creates) the cache at the given path.
// Use ":memory:" for a cache that lives only as long as the process.
func NewSessionCache(path string) (*SessionCache, error) {
	logger := slog.Default().With("component", "cache")

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating cache directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening cache database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	c := &SessionCache{db: db, logger: logger}
	if err := c.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating cache schema: %w", err)
	}

	logger.Debug("session cache opened", "path", path)
	return c, nil
}

func (c *SessionCache) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			peer_id TEXT NOT NULL,
			sender_id TEXT NOT NULL,
			text TEXT NOT NULL DEFAULT '',
			image TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			edited_at TEXT,
			delivered_at TEXT,
			seen_at TEXT,
			deleted INTEGER NOT NULL DEFAULT 0
		);

		CREATE INDEX IF NOT EXISTS idx_messages_peer_created
			ON messages(peer_id, created_at);
	`
	if _, err := c.db.Exec(schema); err != nil {
		return err
	}
	return nil
}

// Put upserts a committed message.
func (c *SessionCache) Put(ctx context.Context, m *Message) error {
	query := `
		INSERT OR REPLACE INTO messages (
			id, peer_id, sender_id, text, image,
			created_at, edited_at, delivered_at, seen_at, deleted
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	deleted := 0
	if m.Deleted {
		deleted = 1
	}
	_, err := c.db.ExecContext(ctx, query,
		m.ID,
		m.PeerID,
		m.SenderID,
		m.Text,
		m.Image,
		m.CreatedAt.Format(time.RFC3339Nano),
		formatNullableTime(m.EditedAt),
		formatNullableTime(m.DeliveredAt),
		formatNullableTime(m.SeenAt),
		deleted,
	)
	if err != nil {
		return fmt.Errorf("upserting message: %w", err)
	}
	return nil
}

// Recent returns the newest messages for a peer in chronological order.
// Mirrors the DESC-subquery-then-ASC pattern so callers get conversation order.
func (c *SessionCache) Recent(ctx context.Context, peerID string, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, peer_id, sender_id, text, image,
		       created_at, edited_at, delivered_at, seen_at, deleted
		FROM (
			SELECT id, peer_id, sender_id, text, image,
			       created_at, edited_at, delivered_at, seen_at, deleted
			FROM messages
			WHERE peer_id = ?
			ORDER BY created_at DESC, id DESC
			LIMIT ?
		)
		ORDER BY created_at ASC, id ASC
	`

	rows, err := c.db.QueryContext(ctx, query, peerID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying cached messages: %w", err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		m := &Message{LocalState: LocalStateSynced}
		var createdAt string
		var editedAt, deliveredAt, seenAt sql.NullString
		var deleted int

		if err := rows.Scan(
			&m.ID,
			&m.PeerID,
			&m.SenderID,
			&m.Text,
			&m.Image,
			&createdAt,
			&editedAt,
			&deliveredAt,
			&seenAt,
			&deleted,
		); err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}

		m.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		if m.EditedAt, err = parseNullableTime(editedAt); err != nil {
			return nil, fmt.Errorf("parsing edited_at: %w", err)
		}
		if m.DeliveredAt, err = parseNullableTime(deliveredAt); err != nil {
			return nil, fmt.Errorf("parsing delivered_at: %w", err)
		}
		if m.SeenAt, err = parseNullableTime(seenAt); err != nil {
			return nil, fmt.Errorf("parsing seen_at: %w", err)
		}
		m.Deleted = deleted != 0

		out = append(out, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}
	return out, nil
}

// DropPeer removes all cached rows for a peer.
func (c *SessionCache) DropPeer(ctx context.Context, peerID string) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM messages WHERE peer_id = ?`, peerID); err != nil {
		return fmt.Errorf("dropping cached peer: %w", err)
	}
	return nil
}

// Close releases the underlying database.
func (c *SessionCache) Close() error {
	return c.db.Close()
}

func formatNullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339Nano)
}

func parseNullableTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
