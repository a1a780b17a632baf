// Package repository provides data access for shell session history.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/remote-agent-terminal/shellhost/internal/model"
)

// ErrRecordNotFound is returned when no history row has the given key.
var ErrRecordNotFound = errors.New("history record not found")

// HistoryRepository stores one row per opened shell.
type HistoryRepository struct {
	db *sql.DB
}

// NewHistoryRepository creates a new HistoryRepository.
func NewHistoryRepository(db *sql.DB) *HistoryRepository {
	return &HistoryRepository{db: db}
}

// Create inserts a row for a newly opened shell.
func (r *HistoryRepository) Create(ctx context.Context, info *model.SessionInfo) error {
	query := `
		INSERT INTO shells (key, session_id, pid, shell, cols, rows, status, recording_path, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.ExecContext(ctx, query,
		info.Key,
		int64(info.ID),
		info.PID,
		info.Shell,
		info.Size.Cols,
		info.Size.Rows,
		info.Status,
		nullString(info.RecordingPath),
		info.StartedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to create history record: %w", err)
	}
	return nil
}

// MarkEnded records how and when a shell ended.
func (r *HistoryRepository) MarkEnded(ctx context.Context, info *model.SessionInfo) error {
	var exitCode sql.NullInt64
	if info.ExitCode != nil {
		exitCode = sql.NullInt64{Int64: int64(*info.ExitCode), Valid: true}
	}
	endedAt := time.Now()
	if info.EndedAt != nil {
		endedAt = *info.EndedAt
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE shells
		SET status = ?, exit_code = ?, close_reason = ?, cols = ?, rows = ?, ended_at = ?
		WHERE key = ?
	`, info.Status, exitCode, nullString(string(info.CloseReason)), info.Size.Cols, info.Size.Rows, endedAt.UTC(), info.Key)
	if err != nil {
		return fmt.Errorf("failed to update history record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// MarkOrphaned flags every row still marked running. It is called at
// startup, when no shell from a previous process can still be managed.
func (r *HistoryRepository) MarkOrphaned(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE shells SET status = ?, ended_at = ? WHERE status = ?
	`, model.SessionStatusOrphaned, time.Now().UTC(), model.SessionStatusRunning)
	if err != nil {
		return 0, fmt.Errorf("failed to mark orphaned shells: %w", err)
	}
	return res.RowsAffected()
}

const selectColumns = `key, session_id, pid, shell, cols, rows, status, exit_code, close_reason, recording_path, started_at, ended_at`

// Get retrieves one row by key.
func (r *HistoryRepository) Get(ctx context.Context, key string) (*model.SessionInfo, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM shells WHERE key = ?`, key)
	info, err := scanInfo(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get history record: %w", err)
	}
	return info, nil
}

// List returns the most recently started rows first. A limit of 0
// returns every row.
func (r *HistoryRepository) List(ctx context.Context, limit int) ([]*model.SessionInfo, error) {
	query := `SELECT ` + selectColumns + ` FROM shells ORDER BY started_at DESC, rowid DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list history: %w", err)
	}
	defer rows.Close()

	var out []*model.SessionInfo
	for rows.Next() {
		info, err := scanInfo(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan history record: %w", err)
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanInfo(s scanner) (*model.SessionInfo, error) {
	info := &model.SessionInfo{}
	var (
		id            int64
		exitCode      sql.NullInt64
		closeReason   sql.NullString
		recordingPath sql.NullString
		endedAt       sql.NullTime
	)
	err := s.Scan(
		&info.Key,
		&id,
		&info.PID,
		&info.Shell,
		&info.Size.Cols,
		&info.Size.Rows,
		&info.Status,
		&exitCode,
		&closeReason,
		&recordingPath,
		&info.StartedAt,
		&endedAt,
	)
	if err != nil {
		return nil, err
	}

	info.ID = model.SessionID(id)
	if exitCode.Valid {
		code := int(exitCode.Int64)
		info.ExitCode = &code
	}
	info.CloseReason = model.CloseReason(closeReason.String)
	info.RecordingPath = recordingPath.String
	if endedAt.Valid {
		t := endedAt.Time
		info.EndedAt = &t
	}
	return info, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
