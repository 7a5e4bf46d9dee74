package history

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/opsgrid/alarmd/internal/alarm"
)

// PGStore drives the same event table through the database's Postgres wire
// endpoint (port 8812 on a stock QuestDB). The SQL is identical to the HTTP
// adapter's; only the transport differs. Useful when the deployment already
// terminates Postgres connections or the HTTP port is not exposed.
type PGStore struct {
	pool  *pgxpool.Pool
	table string
}

var (
	_ Store       = (*PGStore)(nil)
	_ alarm.Store = (*PGStore)(nil)
)

// NewPGStore opens a connection pool for dsn. The pool is shared by every
// copy of the store and closed by Close.
func NewPGStore(ctx context.Context, dsn, table string) (*PGStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("history: pgwire driver requires a dsn")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("history: open pgwire pool: %w", err)
	}
	return &PGStore{pool: pool, table: table}, nil
}

// InsertEvent appends one event row.
func (s *PGStore) InsertEvent(ctx context.Context, e alarm.Event) error {
	if _, err := s.pool.Exec(ctx, insertQuery(s.table, e)); err != nil {
		return fmt.Errorf("history: insert event: %w", err)
	}
	return nil
}

// Latest returns the most recent row for name, or nil when the table has
// none.
func (s *PGStore) Latest(ctx context.Context, name string) (*alarm.LatestRow, error) {
	rows, err := s.pool.Query(ctx, latestQuery(s.table, name))
	if err != nil {
		return nil, fmt.Errorf("history: latest query: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("history: latest rows: %w", err)
		}
		return nil, nil
	}

	var (
		rowName   string
		stateText string
		acked     bool
	)
	if err := rows.Scan(&rowName, &stateText, &acked); err != nil {
		return nil, fmt.Errorf("history: latest scan: %w", err)
	}
	state, err := stateFromText(stateText)
	if err != nil {
		return nil, err
	}
	return &alarm.LatestRow{Name: rowName, State: state, Acked: acked}, nil
}

// RecordAck clones the latest row for name with the ack column set.
func (s *PGStore) RecordAck(ctx context.Context, name string) error {
	if _, err := s.pool.Exec(ctx, recordAckQuery(s.table, name)); err != nil {
		return fmt.Errorf("history: record ack: %w", err)
	}
	return nil
}

// EnsureTable creates the event table when missing.
func (s *PGStore) EnsureTable(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, createTableQuery(s.table)); err != nil {
		return fmt.Errorf("history: ensure table: %w", err)
	}
	return nil
}

// Events returns up to limit rows for name ordered by timestamp.
func (s *PGStore) Events(ctx context.Context, name string, from, to time.Time, limit int) ([]StoredEvent, error) {
	rows, err := s.pool.Query(ctx, rangeQuery(s.table, name, from, to, limit))
	if err != nil {
		return nil, fmt.Errorf("history: range query: %w", err)
	}
	defer rows.Close()

	var events []StoredEvent
	for rows.Next() {
		var (
			evt       StoredEvent
			stateText string
			sevText   string
		)
		if err := rows.Scan(&evt.Timestamp, &evt.Name, &stateText, &evt.Value, &sevText, &evt.Acked); err != nil {
			return nil, fmt.Errorf("history: range scan: %w", err)
		}
		evt.Timestamp = evt.Timestamp.UTC()
		evt.State, err = stateFromText(stateText)
		if err != nil {
			return nil, err
		}
		evt.Severity = severityFromText(sevText)
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: range rows: %w", err)
	}
	return events, nil
}

// Close releases the connection pool.
func (s *PGStore) Close() error {
	s.pool.Close()
	return nil
}
