// Package history implements the adapters that persist alarm events to the
// external time-series database (QuestDB) and query them back. Two adapters
// share one SQL dialect: the default one speaks the database's SQL-over-HTTP
// endpoint, the other its Postgres wire endpoint. Callers treat every
// operation as best-effort; the engine never blocks or aborts on store
// failures.
package history

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/opsgrid/alarmd/internal/alarm"
)

// Driver names accepted by New.
const (
	DriverHTTP   = "http"
	DriverPGWire = "pgwire"
)

// Config selects and parameterises a store adapter.
type Config struct {
	// URL is the base of the SQL-over-HTTP endpoint, e.g. http://localhost:9000.
	URL string
	// Table is the alarm event table name.
	Table string
	// Driver is DriverHTTP (default when empty) or DriverPGWire.
	Driver string
	// DSN is the Postgres-wire connection string, required for DriverPGWire.
	DSN string
}

// Store is the full store surface. It extends the evaluator-facing
// operations with the schema bootstrap and the range query behind the REST
// history endpoint.
type Store interface {
	alarm.Store

	// EnsureTable creates the event table when it does not exist. Failure is
	// reported, not fatal: the database may create it out of band.
	EnsureTable(ctx context.Context) error

	// Events returns up to limit rows for name ordered by timestamp. Zero
	// from/to bounds are open.
	Events(ctx context.Context, name string, from, to time.Time, limit int) ([]StoredEvent, error)

	Close() error
}

// New builds the adapter selected by cfg.Driver.
func New(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case "", DriverHTTP:
		return NewHTTPStore(cfg.URL, cfg.Table)
	case DriverPGWire:
		return NewPGStore(ctx, cfg.DSN, cfg.Table)
	default:
		return nil, fmt.Errorf("history: unknown driver %q", cfg.Driver)
	}
}

// StoredEvent is one persisted row. The table keeps ack as a boolean, so a
// read-back row cannot distinguish NotAck from None; Acked reports the
// column as stored.
type StoredEvent struct {
	Timestamp time.Time      `json:"timestamp"`
	Name      string         `json:"name"`
	State     alarm.State    `json:"state"`
	Value     int64          `json:"value"`
	Severity  alarm.Severity `json:"severity"`
	Acked     bool           `json:"acked"`
}

// timestampLayout is the ISO form the database parses and emits for
// TIMESTAMP columns. The column stores microseconds.
const timestampLayout = "2006-01-02T15:04:05.000000Z"

// quote doubles single quotes for embedding text in SQL literals.
func quote(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

func createTableQuery(table string) string {
	return fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS '%s' "+
			"(timestamp TIMESTAMP, name SYMBOL, state SYMBOL, value SHORT, severity SYMBOL, ack BOOLEAN) "+
			"timestamp(timestamp) PARTITION BY MONTH WAL DEDUP UPSERT KEYS(timestamp, name);",
		quote(table),
	)
}

func insertQuery(table string, e alarm.Event) string {
	return fmt.Sprintf(
		"INSERT INTO '%s' VALUES ('%s', '%s', '%s', %d, '%s', %t)",
		quote(table),
		e.Timestamp.UTC().Format(timestampLayout),
		quote(e.Name),
		e.State,
		e.Value,
		e.Severity,
		e.Ack == alarm.AckAck,
	)
}

func latestQuery(table, name string) string {
	return fmt.Sprintf(
		"SELECT name, state, ack FROM '%s' WHERE name = '%s' LIMIT -1",
		quote(table), quote(name),
	)
}

// recordAckQuery clones the latest row for name with ack set. The table
// deduplicates on (timestamp, name), so re-inserting the same designated
// timestamp replaces the row in place.
func recordAckQuery(table, name string) string {
	return fmt.Sprintf(
		"INSERT INTO '%s' SELECT timestamp, name, state, value, severity, true AS ack FROM '%s' WHERE name = '%s' LIMIT -1",
		quote(table), quote(table), quote(name),
	)
}

func rangeQuery(table, name string, from, to time.Time, limit int) string {
	var b strings.Builder
	fmt.Fprintf(&b,
		"SELECT timestamp, name, state, value, severity, ack FROM '%s' WHERE name = '%s'",
		quote(table), quote(name),
	)
	if !from.IsZero() {
		fmt.Fprintf(&b, " AND timestamp >= '%s'", from.UTC().Format(timestampLayout))
	}
	if !to.IsZero() {
		fmt.Fprintf(&b, " AND timestamp <= '%s'", to.UTC().Format(timestampLayout))
	}
	fmt.Fprintf(&b, " ORDER BY timestamp LIMIT %d", limit)
	return b.String()
}

// stateFromText maps a stored state symbol. Rows written before the symbol
// schema encoded state as a boolean; both shapes are accepted.
func stateFromText(s string) (alarm.State, error) {
	switch alarm.State(s) {
	case alarm.StateSet, alarm.StateReset, alarm.StateUnknown:
		return alarm.State(s), nil
	}
	return "", fmt.Errorf("history: unrecognised state %q", s)
}

// severityFromText maps a stored severity symbol, falling back to Unknown
// for values outside the catalogue.
func severityFromText(s string) alarm.Severity {
	switch alarm.Severity(s) {
	case alarm.SeverityHigh, alarm.SeverityMedium, alarm.SeverityLow:
		return alarm.Severity(s)
	}
	return alarm.SeverityUnknown
}
