package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/sukima/internal/model"
)

// AppendLog writes one run log entry. Log writes are best-effort from the
// caller's perspective; the pipeline never fails a stage because a log row
// could not be written.
func (db *DB) AppendLog(ctx context.Context, runID uuid.UUID, level model.LogLevel, message string, metadata map[string]any) error {
	if metadata == nil {
		metadata = map[string]any{}
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO run_logs (id, run_id, level, message, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		uuid.New(), runID, string(level), message, metadata, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("storage: append log: %w", err)
	}
	return nil
}

// ListLogs returns a run's log trail in chronological order.
func (db *DB) ListLogs(ctx context.Context, runID uuid.UUID, limit int) ([]model.LogEntry, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, run_id, level, message, metadata, created_at
		 FROM run_logs WHERE run_id = $1 ORDER BY created_at LIMIT $2`,
		runID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list logs: %w", err)
	}
	defer rows.Close()

	var entries []model.LogEntry
	for rows.Next() {
		var e model.LogEntry
		if err := rows.Scan(&e.ID, &e.RunID, &e.Level, &e.Message, &e.Metadata, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan log: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// LastLogMessage returns the newest log line of a run, or "" when none exist.
func (db *DB) LastLogMessage(ctx context.Context, runID uuid.UUID) (string, error) {
	var msg string
	err := db.pool.QueryRow(ctx,
		`SELECT message FROM run_logs WHERE run_id = $1 ORDER BY created_at DESC LIMIT 1`,
		runID,
	).Scan(&msg)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("storage: last log message: %w", err)
	}
	return msg, nil
}
