package history

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/opsgrid/alarmd/internal/alarm"
)

// HTTPStore talks to the database's /exec endpoint: every operation is one
// GET with the SQL text URL-encoded in the query string, and any non-200
// answer is a failure. All copies of the store share one *http.Client and
// with it one connection pool.
type HTTPStore struct {
	execURL *url.URL
	table   string
	client  *http.Client
}

var (
	_ Store       = (*HTTPStore)(nil)
	_ alarm.Store = (*HTTPStore)(nil)
)

// NewHTTPStore builds a store for the /exec endpoint under base.
func NewHTTPStore(base, table string) (*HTTPStore, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("history: parse url %q: %w", base, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("history: unsupported url scheme %q", u.Scheme)
	}
	return &HTTPStore{
		execURL: u.JoinPath("exec"),
		table:   table,
		client:  &http.Client{Timeout: 10 * time.Second},
	}, nil
}

// execResponse is the JSON shape of a read answer. Writes return other
// fields that are ignored here.
type execResponse struct {
	Dataset [][]any `json:"dataset"`
}

func (s *HTTPStore) exec(ctx context.Context, query string) (*execResponse, error) {
	u := *s.execURL
	q := u.Query()
	q.Set("query", query)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("history: build request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("history: exec: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("history: exec returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	var out execResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("history: decode response: %w", err)
	}
	return &out, nil
}

// InsertEvent appends one event row.
func (s *HTTPStore) InsertEvent(ctx context.Context, e alarm.Event) error {
	_, err := s.exec(ctx, insertQuery(s.table, e))
	return err
}

// Latest returns the most recent row for name, or nil when the table has
// none. The row carries the (name, state, ack) columns in that order.
func (s *HTTPStore) Latest(ctx context.Context, name string) (*alarm.LatestRow, error) {
	out, err := s.exec(ctx, latestQuery(s.table, name))
	if err != nil {
		return nil, err
	}
	if len(out.Dataset) == 0 {
		return nil, nil
	}

	row := out.Dataset[0]
	if len(row) < 3 {
		return nil, fmt.Errorf("history: latest row has %d columns, want 3", len(row))
	}
	rowName, ok := row[0].(string)
	if !ok {
		return nil, fmt.Errorf("history: latest name column is %T, want string", row[0])
	}
	state, err := stateFromColumn(row[1])
	if err != nil {
		return nil, err
	}
	acked, ok := row[2].(bool)
	if !ok {
		return nil, fmt.Errorf("history: latest ack column is %T, want bool", row[2])
	}
	return &alarm.LatestRow{Name: rowName, State: state, Acked: acked}, nil
}

// RecordAck clones the latest row for name with the ack column set.
func (s *HTTPStore) RecordAck(ctx context.Context, name string) error {
	_, err := s.exec(ctx, recordAckQuery(s.table, name))
	return err
}

// EnsureTable creates the event table when missing.
func (s *HTTPStore) EnsureTable(ctx context.Context) error {
	_, err := s.exec(ctx, createTableQuery(s.table))
	return err
}

// Events returns up to limit rows for name ordered by timestamp.
func (s *HTTPStore) Events(ctx context.Context, name string, from, to time.Time, limit int) ([]StoredEvent, error) {
	out, err := s.exec(ctx, rangeQuery(s.table, name, from, to, limit))
	if err != nil {
		return nil, err
	}

	events := make([]StoredEvent, 0, len(out.Dataset))
	for i, row := range out.Dataset {
		evt, err := storedEventFromRow(row)
		if err != nil {
			return nil, fmt.Errorf("history: row %d: %w", i, err)
		}
		events = append(events, evt)
	}
	return events, nil
}

// Close releases idle connections. The store remains usable afterwards; this
// exists so main can tidy up on shutdown.
func (s *HTTPStore) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

// stateFromColumn accepts the symbol form and the boolean form older rows
// used (true meant an active Set).
func stateFromColumn(v any) (alarm.State, error) {
	switch t := v.(type) {
	case string:
		return stateFromText(t)
	case bool:
		if t {
			return alarm.StateSet, nil
		}
		return alarm.StateReset, nil
	default:
		return "", fmt.Errorf("history: state column is %T, want string or bool", v)
	}
}

func storedEventFromRow(row []any) (StoredEvent, error) {
	if len(row) < 6 {
		return StoredEvent{}, fmt.Errorf("row has %d columns, want 6", len(row))
	}

	tsText, ok := row[0].(string)
	if !ok {
		return StoredEvent{}, fmt.Errorf("timestamp column is %T, want string", row[0])
	}
	ts, err := time.Parse(time.RFC3339Nano, tsText)
	if err != nil {
		return StoredEvent{}, fmt.Errorf("parse timestamp %q: %w", tsText, err)
	}
	name, ok := row[1].(string)
	if !ok {
		return StoredEvent{}, fmt.Errorf("name column is %T, want string", row[1])
	}
	state, err := stateFromColumn(row[2])
	if err != nil {
		return StoredEvent{}, err
	}
	value, ok := row[3].(float64)
	if !ok {
		return StoredEvent{}, fmt.Errorf("value column is %T, want number", row[3])
	}
	sevText, ok := row[4].(string)
	if !ok {
		return StoredEvent{}, fmt.Errorf("severity column is %T, want string", row[4])
	}
	acked, ok := row[5].(bool)
	if !ok {
		return StoredEvent{}, fmt.Errorf("ack column is %T, want bool", row[5])
	}

	return StoredEvent{
		Timestamp: ts.UTC(),
		Name:      name,
		State:     state,
		Value:     int64(value),
		Severity:  severityFromText(sevText),
		Acked:     acked,
	}, nil
}
