package storage

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/sukima/internal/model"
)

// ContextWrite is the input to InsertContextVersion. Exactly one of Value or
// StoragePath carries the payload, selected by StorageType.
type ContextWrite struct {
	RunID       uuid.UUID
	AgentID     *string
	ContextKey  string
	Value       []byte
	StoragePath *string
	StorageType model.StorageType
	SizeBytes   int64
	Summary     *string
	Operation   model.ContextOperation
	DiffSummary *string
	Metadata    map[string]any
}

// advisoryLockKey derives a 64-bit advisory lock key from (runID, contextKey).
// FNV-1a collisions across unrelated keys only cost spurious serialization,
// never correctness.
func advisoryLockKey(runID uuid.UUID, key string) int64 {
	h := fnv.New64a()
	h.Write(runID[:])
	h.Write([]byte(key))
	return int64(h.Sum64()) //nolint:gosec // deliberate wraparound into signed space
}

// InsertContextVersion appends the next version of a context key.
//
// The whole read-latest-then-insert-next sequence runs inside one transaction
// holding a per-(run, key) transaction-scoped advisory lock, so concurrent
// writers to the same key serialize and versions stay contiguous with exactly
// one active row. The prior version's is_active flag is demoted in the same
// transaction. A context_versions audit row is written alongside.
func (db *DB) InsertContextVersion(ctx context.Context, w ContextWrite) (model.ContextEntry, error) {
	var entry model.ContextEntry

	err := WithRetry(ctx, 3, 50*time.Millisecond, func() error {
		tx, err := db.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		if _, err := tx.Exec(ctx,
			`SELECT pg_advisory_xact_lock($1)`, advisoryLockKey(w.RunID, w.ContextKey),
		); err != nil {
			return fmt.Errorf("advisory lock: %w", err)
		}

		var latest int
		err = tx.QueryRow(ctx,
			`SELECT COALESCE(MAX(version), 0) FROM contexts WHERE run_id = $1 AND context_key = $2`,
			w.RunID, w.ContextKey,
		).Scan(&latest)
		if err != nil {
			return fmt.Errorf("read latest version: %w", err)
		}

		if latest > 0 {
			if _, err := tx.Exec(ctx,
				`UPDATE contexts SET is_active = false, updated_at = now()
				 WHERE run_id = $1 AND context_key = $2 AND is_active`,
				w.RunID, w.ContextKey,
			); err != nil {
				return fmt.Errorf("demote active version: %w", err)
			}
		}

		now := time.Now().UTC()
		meta := w.Metadata
		if meta == nil {
			meta = map[string]any{}
		}
		entry = model.ContextEntry{
			ID:          uuid.New(),
			RunID:       w.RunID,
			AgentID:     w.AgentID,
			ContextKey:  w.ContextKey,
			Value:       w.Value,
			StoragePath: w.StoragePath,
			StorageType: w.StorageType,
			SizeBytes:   w.SizeBytes,
			Version:     latest + 1,
			IsActive:    true,
			Summary:     w.Summary,
			Metadata:    meta,
			CreatedAt:   now,
			UpdatedAt:   now,
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO contexts (id, run_id, agent_id, context_key, value, storage_path,
			                       storage_type, size_bytes, version, is_active, summary,
			                       metadata, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, true, $10, $11, $12, $12)`,
			entry.ID, entry.RunID, entry.AgentID, entry.ContextKey, entry.Value,
			entry.StoragePath, string(entry.StorageType), entry.SizeBytes,
			entry.Version, entry.Summary, entry.Metadata, now,
		); err != nil {
			return fmt.Errorf("insert context: %w", err)
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO context_versions (id, context_id, version, storage_path, size_bytes,
			                               operation, modified_by_agent, diff_summary, metadata, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			uuid.New(), entry.ID, entry.Version, entry.StoragePath, entry.SizeBytes,
			string(w.Operation), w.AgentID, w.DiffSummary, meta, now,
		); err != nil {
			return fmt.Errorf("insert context version: %w", err)
		}

		return tx.Commit(ctx)
	})
	if err != nil {
		return model.ContextEntry{}, fmt.Errorf("storage: insert context version %q: %w", w.ContextKey, err)
	}
	return entry, nil
}

const contextColumns = `id, run_id, agent_id, context_key, value, storage_path,
	storage_type, size_bytes, version, is_active, summary, metadata, created_at, updated_at`

func scanContext(row pgx.Row) (model.ContextEntry, error) {
	var e model.ContextEntry
	err := row.Scan(
		&e.ID, &e.RunID, &e.AgentID, &e.ContextKey, &e.Value, &e.StoragePath,
		&e.StorageType, &e.SizeBytes, &e.Version, &e.IsActive, &e.Summary,
		&e.Metadata, &e.CreatedAt, &e.UpdatedAt,
	)
	return e, err
}

// GetActiveContext returns the latest (active) version of a key.
func (db *DB) GetActiveContext(ctx context.Context, runID uuid.UUID, key string) (model.ContextEntry, error) {
	entry, err := scanContext(db.pool.QueryRow(ctx,
		`SELECT `+contextColumns+` FROM contexts
		 WHERE run_id = $1 AND context_key = $2 AND is_active`,
		runID, key,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ContextEntry{}, fmt.Errorf("storage: context %q: %w", key, ErrNotFound)
		}
		return model.ContextEntry{}, fmt.Errorf("storage: get active context: %w", err)
	}
	return entry, nil
}

// GetContextVersion returns one specific version of a key.
func (db *DB) GetContextVersion(ctx context.Context, runID uuid.UUID, key string, version int) (model.ContextEntry, error) {
	entry, err := scanContext(db.pool.QueryRow(ctx,
		`SELECT `+contextColumns+` FROM contexts
		 WHERE run_id = $1 AND context_key = $2 AND version = $3`,
		runID, key, version,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ContextEntry{}, fmt.Errorf("storage: context %q v%d: %w", key, version, ErrNotFound)
		}
		return model.ContextEntry{}, fmt.Errorf("storage: get context version: %w", err)
	}
	return entry, nil
}

// ListContextVersions returns the audit trail for one context entry's key,
// across all versions of that (run, key), ordered by version.
func (db *DB) ListContextVersions(ctx context.Context, contextID uuid.UUID) ([]model.ContextVersion, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT cv.id, cv.context_id, cv.version, cv.storage_path, cv.size_bytes,
		        cv.operation, cv.modified_by_agent, cv.diff_summary, cv.metadata, cv.created_at
		 FROM context_versions cv
		 JOIN contexts c ON c.id = cv.context_id
		 WHERE (c.run_id, c.context_key) = (SELECT run_id, context_key FROM contexts WHERE id = $1)
		 ORDER BY cv.version`,
		contextID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list context versions: %w", err)
	}
	defer rows.Close()

	var versions []model.ContextVersion
	for rows.Next() {
		var v model.ContextVersion
		if err := rows.Scan(
			&v.ID, &v.ContextID, &v.Version, &v.StoragePath, &v.SizeBytes,
			&v.Operation, &v.ModifiedByAgent, &v.DiffSummary, &v.Metadata, &v.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan context version: %w", err)
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// ListContextKeyVersions returns every stored version of a (run, key) pair in
// ascending version order. Used to verify the contiguity invariant and by
// debugging tools.
func (db *DB) ListContextKeyVersions(ctx context.Context, runID uuid.UUID, key string) ([]model.ContextEntry, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+contextColumns+` FROM contexts
		 WHERE run_id = $1 AND context_key = $2 ORDER BY version`,
		runID, key,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list context key versions: %w", err)
	}
	defer rows.Close()

	var entries []model.ContextEntry
	for rows.Next() {
		e, err := scanContext(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan context: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
