package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrSessionNotFound is returned by updates that match no row.
var ErrSessionNotFound = errors.New("session not found")

const sessionColumns = `id, name, command, work_dir, pid, cols, rows, initial_cols, initial_rows, status, exit_code, title, recording_path, created_at, last_activity_at, ended_at`

type SessionRepo struct {
	db *sql.DB
}

func NewSessionRepo(db *sql.DB) *SessionRepo {
	return &SessionRepo{db: db}
}

func (r *SessionRepo) Create(ctx context.Context, session *Session) error {
	if session.ID == "" {
		return fmt.Errorf("session id cannot be empty")
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = nowUTC()
	}
	if session.LastActivity.IsZero() {
		session.LastActivity = session.CreatedAt
	}
	if session.Status == "" {
		session.Status = StatusStarting
	}
	if session.InitialCols == 0 {
		session.InitialCols = session.Cols
	}
	if session.InitialRows == 0 {
		session.InitialRows = session.Rows
	}

	_, err := r.db.ExecContext(ctx, `
INSERT INTO sessions (`+sessionColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, session.ID, session.Name, session.Command, session.WorkDir, session.PID,
		session.Cols, session.Rows, session.InitialCols, session.InitialRows,
		session.Status, nullInt(session.ExitCode), session.Title, session.RecordingPath,
		formatTimestamp(session.CreatedAt), formatTimestamp(session.LastActivity), nullTimestamp(session.EndedAt))
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// Get returns nil, nil when no row matches.
func (r *SessionRepo) Get(ctx context.Context, id string) (*Session, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	s, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get session %q: %w", id, err)
	}
	return s, nil
}

// List returns sessions newest first.
func (r *SessionRepo) List(ctx context.Context, filter SessionFilter) ([]*Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions`
	args := []any{}
	where := []string{}

	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	sessions := []*Session{}
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed while iterating sessions: %w", err)
	}
	return sessions, nil
}

// MarkRunning stores the pid and size reported once the PTY is up.
func (r *SessionRepo) MarkRunning(ctx context.Context, id string, pid int, cols, rows uint16) error {
	return r.exec(ctx, id, `
UPDATE sessions SET pid = ?, cols = ?, rows = ?, status = ?, last_activity_at = ?
WHERE id = ?
`, pid, cols, rows, StatusRunning, formatTimestamp(nowUTC()), id)
}

func (r *SessionRepo) UpdateSize(ctx context.Context, id string, cols, rows uint16) error {
	return r.exec(ctx, id, `
UPDATE sessions SET cols = ?, rows = ?, last_activity_at = ? WHERE id = ?
`, cols, rows, formatTimestamp(nowUTC()), id)
}

func (r *SessionRepo) UpdateTitle(ctx context.Context, id, title string) error {
	return r.exec(ctx, id, `
UPDATE sessions SET title = ?, last_activity_at = ? WHERE id = ?
`, title, formatTimestamp(nowUTC()), id)
}

// Touch bumps last_activity_at.
func (r *SessionRepo) Touch(ctx context.Context, id string, at time.Time) error {
	return r.exec(ctx, id, `UPDATE sessions SET last_activity_at = ? WHERE id = ?`, formatTimestamp(at), id)
}

func (r *SessionRepo) MarkExited(ctx context.Context, id string, exitCode int) error {
	now := nowUTC()
	return r.exec(ctx, id, `
UPDATE sessions SET status = ?, exit_code = ?, ended_at = ?, last_activity_at = ?
WHERE id = ?
`, StatusExited, exitCode, formatTimestamp(now), formatTimestamp(now), id)
}

// MarkOrphaned closes out rows left running by a previous server process.
// Their PTYs died with it, so the exit code is unknown.
func (r *SessionRepo) MarkOrphaned(ctx context.Context) (int64, error) {
	now := formatTimestamp(nowUTC())
	res, err := r.db.ExecContext(ctx, `
UPDATE sessions SET status = ?, ended_at = ?
WHERE status != ?
`, StatusExited, now, StatusExited)
	if err != nil {
		return 0, fmt.Errorf("failed to mark orphaned sessions: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read orphaned rows: %w", err)
	}
	return affected, nil
}

func (r *SessionRepo) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete session %q: %w", id, err)
	}
	return nil
}

func (r *SessionRepo) exec(ctx context.Context, id, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update session %q: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read updated rows for session %q: %w", id, err)
	}
	if affected == 0 {
		return fmt.Errorf("session %q: %w", id, ErrSessionNotFound)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var (
		s                    Session
		exitCode             sql.NullInt64
		createdRaw, lastRaw  string
		endedRaw             sql.NullString
		cols, rows           int
		initialCols, initRow int
	)
	if err := row.Scan(&s.ID, &s.Name, &s.Command, &s.WorkDir, &s.PID, &cols, &rows, &initialCols, &initRow,
		&s.Status, &exitCode, &s.Title, &s.RecordingPath, &createdRaw, &lastRaw, &endedRaw); err != nil {
		return nil, err
	}
	s.Cols, s.Rows = uint16(cols), uint16(rows)
	s.InitialCols, s.InitialRows = uint16(initialCols), uint16(initRow)
	if exitCode.Valid {
		code := int(exitCode.Int64)
		s.ExitCode = &code
	}

	var err error
	if s.CreatedAt, err = parseTimestamp(createdRaw); err != nil {
		return nil, err
	}
	if s.LastActivity, err = parseTimestamp(lastRaw); err != nil {
		return nil, err
	}
	if endedRaw.Valid {
		ended, err := parseTimestamp(endedRaw.String)
		if err != nil {
			return nil, err
		}
		s.EndedAt = &ended
	}
	return &s, nil
}
