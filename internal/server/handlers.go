package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/opsgrid/alarmd/internal/alarm"
	"github.com/opsgrid/alarmd/internal/history"
)

const (
	// defaultHistoryLimit applies when the history query carries no limit.
	defaultHistoryLimit = 100
	// maxHistoryLimit caps the history query row count regardless of the
	// requested limit.
	maxHistoryLimit = 1000
)

// writeJSON writes v as a JSON response body with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeJSONError writes an HTTP error response with a JSON body containing
// an "error" field.
func writeJSONError(w http.ResponseWriter, code int, detail string) {
	writeJSON(w, code, map[string]string{"error": detail})
}

// handleHealthz responds to GET /healthz.
//
// No authentication; returns HTTP 200 with a fixed JSON body so load
// balancers and orchestrators can verify liveness.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleGetAlarms responds to GET /api/v1/alarms.
//
// Returns HTTP 200 with a JSON array of every currently projected alarm
// event, sorted by alarm name. Alarms that reset without a pending
// acknowledgement have no projection entry and do not appear.
func (s *Server) handleGetAlarms(w http.ResponseWriter, r *http.Request) {
	events := s.subs.All()

	// Ensure we always return a JSON array, not null.
	if events == nil {
		events = []alarm.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

// handleGetHistory responds to GET /api/v1/alarms/history.
//
// Supported query parameters:
//
//	name   – fully qualified alarm name (required)
//	from   – RFC3339 start of the timestamp window (optional)
//	to     – RFC3339 end of the timestamp window (optional)
//	limit  – maximum number of rows (default 100, max 1000)
//
// Returns HTTP 400 when parameters are missing or malformed.
// Returns HTTP 200 with a JSON array of persisted events on success.
func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	name := q.Get("name")
	if name == "" {
		writeJSONError(w, http.StatusBadRequest, "query parameter 'name' is required")
		return
	}

	var from, to time.Time
	if fromStr := q.Get("from"); fromStr != "" {
		t, err := time.Parse(time.RFC3339, fromStr)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "'from' must be a valid RFC3339 timestamp")
			return
		}
		from = t
	}
	if toStr := q.Get("to"); toStr != "" {
		t, err := time.Parse(time.RFC3339, toStr)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "'to' must be a valid RFC3339 timestamp")
			return
		}
		to = t
	}
	if !from.IsZero() && !to.IsZero() && !to.After(from) {
		writeJSONError(w, http.StatusBadRequest, "'to' must be after 'from'")
		return
	}

	limit := defaultHistoryLimit
	if limitStr := q.Get("limit"); limitStr != "" {
		n, err := strconv.Atoi(limitStr)
		if err != nil || n <= 0 {
			writeJSONError(w, http.StatusBadRequest, "'limit' must be a positive integer")
			return
		}
		if n > maxHistoryLimit {
			n = maxHistoryLimit
		}
		limit = n
	}

	rows, err := s.history.Events(r.Context(), name, from, to, limit)
	if err != nil {
		s.logger.Error("history query failed",
			slog.String("alarm", name),
			slog.Any("error", err),
		)
		writeJSONError(w, http.StatusInternalServerError, "failed to query alarm history")
		return
	}

	if rows == nil {
		rows = []history.StoredEvent{}
	}
	writeJSON(w, http.StatusOK, rows)
}
