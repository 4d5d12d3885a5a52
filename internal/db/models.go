package db

import (
	"database/sql"
	"fmt"
	"time"
)

const (
	StatusStarting = "starting"
	StatusRunning  = "running"
	StatusExited   = "exited"
)

// Session is the catalog row for one PTY session. Rows outlive the live
// session so exited sessions stay listable and replayable.
type Session struct {
	ID            string     `json:"id"`
	Name          string     `json:"name,omitempty"`
	Command       string     `json:"command"`
	WorkDir       string     `json:"work_dir,omitempty"`
	PID           int        `json:"pid,omitempty"`
	Cols          uint16     `json:"cols"`
	Rows          uint16     `json:"rows"`
	InitialCols   uint16     `json:"initial_cols"`
	InitialRows   uint16     `json:"initial_rows"`
	Status        string     `json:"status"`
	ExitCode      *int       `json:"exit_code,omitempty"`
	Title         string     `json:"title,omitempty"`
	RecordingPath string     `json:"recording_path,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	LastActivity  time.Time  `json:"last_activity_at"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
}

type SessionFilter struct {
	Status string
	Limit  int
}

// timestampLayout is fixed width so text ordering matches time ordering.
const timestampLayout = "2006-01-02T15:04:05.000000000Z"

func nowUTC() time.Time {
	return time.Now().UTC()
}

func formatTimestamp(ts time.Time) string {
	if ts.IsZero() {
		ts = nowUTC()
	}
	return ts.UTC().Format(timestampLayout)
}

func parseTimestamp(v string) (time.Time, error) {
	ts, err := time.Parse(timestampLayout, v)
	if err != nil {
		ts, err = time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", v, err)
		}
	}
	return ts.UTC(), nil
}

func nullTimestamp(ts *time.Time) sql.NullString {
	if ts == nil || ts.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTimestamp(*ts), Valid: true}
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}
