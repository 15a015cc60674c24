// Package sqlitestore persists undelivered outbound messages in SQLite.
package sqlitestore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hongjun500/chatlink/internal/queue"

	_ "modernc.org/sqlite"
)

const schema = `CREATE TABLE IF NOT EXISTS outbound (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	id          TEXT    NOT NULL UNIQUE,
	payload     BLOB    NOT NULL,
	enqueued_at INTEGER NOT NULL,
	attempts    INTEGER NOT NULL DEFAULT 0
)`

// Store implements queue.Store. Save replaces the stored set; Load returns it
// in enqueue order and empties the table.
type Store struct {
	db *sql.DB
}

var _ queue.Store = (*Store)(nil)

// Open opens (or creates) the database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// sqlite 单写者
	db.SetMaxOpenConns(1)
	s, err := New(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing handle and creates the table if needed.
func New(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("migrate outbound table: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Save(ctx context.Context, msgs []queue.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM outbound`); err != nil {
		return fmt.Errorf("clear outbound: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO outbound (id, payload, enqueued_at, attempts) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, m := range msgs {
		if _, err := stmt.ExecContext(ctx, m.ID, []byte(m.Payload), m.EnqueuedAt.UnixNano(), m.Attempts); err != nil {
			return fmt.Errorf("insert %s: %w", m.ID, err)
		}
	}
	return tx.Commit()
}

func (s *Store) Load(ctx context.Context) ([]queue.Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `SELECT id, payload, enqueued_at, attempts FROM outbound ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	var out []queue.Message
	for rows.Next() {
		var (
			m       queue.Message
			payload []byte
			nanos   int64
		)
		if err := rows.Scan(&m.ID, &payload, &nanos, &m.Attempts); err != nil {
			rows.Close()
			return nil, err
		}
		m.Payload = payload
		m.EnqueuedAt = time.Unix(0, nanos).UTC()
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if _, err := tx.ExecContext(ctx, `DELETE FROM outbound`); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) Close() error { return s.db.Close() }
