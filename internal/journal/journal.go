// Package journal provides the WAL-mode SQLite outbox that sits between the
// status broadcaster and the broker egress publisher. Events are appended as
// opaque bodies and stay journaled until the publisher acknowledges them, so
// an unreachable broker delays publication instead of losing events.
package journal

import (
	"database/sql"
	"fmt"
	"strings"
	"sync/atomic"

	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql
)

// ddl is the outbox schema, applied idempotently on open.
const ddl = `
CREATE TABLE IF NOT EXISTS outbox (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    body       BLOB    NOT NULL,
    created_at TEXT    NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
);
`

// Entry is one journaled event body. ID is the primary key used to
// acknowledge the entry after publication.
type Entry struct {
	ID   int64
	Body []byte
}

// Journal is a SQLite-backed outbox, safe for concurrent use.
type Journal struct {
	db    *sql.DB
	depth atomic.Int64
}

// Open opens (or creates) the journal database at path. An empty path opens
// an in-memory database, which trades durability for zero filesystem
// footprint; events then survive broker outages but not process restarts.
//
// The depth counter is seeded from the rows already present so Depth is
// accurate immediately after a restart.
func Open(path string) (*Journal, error) {
	if path == "" {
		path = ":memory:"
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("journal: open %q: %w", path, err)
	}

	// SQLite allows only one writer at a time; a single pooled connection
	// serialises the broadcaster's appends and the publisher's acks.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal: set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal: set synchronous = NORMAL: %w", err)
	}
	if _, err := db.Exec(ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal: apply schema: %w", err)
	}

	j := &Journal{db: db}

	var count int64
	if err := db.QueryRow(`SELECT COUNT(*) FROM outbox`).Scan(&count); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal: count pending rows: %w", err)
	}
	j.depth.Store(count)

	return j, nil
}

// Append journals one event body.
func (j *Journal) Append(body []byte) error {
	if _, err := j.db.Exec(`INSERT INTO outbox (body) VALUES (?)`, body); err != nil {
		return fmt.Errorf("journal: append: %w", err)
	}
	j.depth.Add(1)
	return nil
}

// Peek returns up to n unpublished entries in insertion order without
// removing them; call Ack with the returned IDs once they are published.
func (j *Journal) Peek(n int) ([]Entry, error) {
	if n <= 0 {
		return nil, nil
	}

	rows, err := j.db.Query(`SELECT id, body FROM outbox ORDER BY id LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("journal: peek query: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.Body); err != nil {
			return nil, fmt.Errorf("journal: peek scan: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal: peek rows: %w", err)
	}
	return entries, nil
}

// Ack removes the entries identified by ids. Ack is idempotent: IDs that are
// already gone are skipped, and the depth counter only reflects rows that
// were actually deleted.
func (j *Journal) Ack(ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	result, err := j.db.Exec(
		fmt.Sprintf(`DELETE FROM outbox WHERE id IN (%s)`, placeholders),
		args...,
	)
	if err != nil {
		return fmt.Errorf("journal: ack: %w", err)
	}

	n, _ := result.RowsAffected()
	j.depth.Add(-n)
	return nil
}

// Depth returns the number of journaled, unpublished entries from an atomic
// counter; it never touches the database.
func (j *Journal) Depth() int {
	return int(j.depth.Load())
}

// Close closes the underlying database. The journal must not be used after
// Close returns.
func (j *Journal) Close() error {
	return j.db.Close()
}
