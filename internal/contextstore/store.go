// Package contextstore is the versioned, size-aware persistence layer that
// bridges agent stages and iterations.
//
// Values at or below the inline threshold live in the contexts row itself;
// larger values are offloaded to blob storage with only path, size, and a
// short summary kept relationally. Every write creates a new version; the
// storage layer guarantees contiguous versions with exactly one active row
// per (run, key).
package contextstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/ashita-ai/sukima/internal/blob"
	"github.com/ashita-ai/sukima/internal/model"
	"github.com/ashita-ai/sukima/internal/storage"
)

// DefaultInlineMaxBytes is the offload threshold when none is configured.
const DefaultInlineMaxBytes = 32 * 1024

const summaryMaxLen = 160

// Store reads and writes versioned context values.
type Store struct {
	db        *storage.DB
	blobs     *blob.Store
	inlineMax int64
	logger    *slog.Logger
}

// New creates a Store. inlineMax <= 0 selects DefaultInlineMaxBytes.
func New(db *storage.DB, blobs *blob.Store, inlineMax int64, logger *slog.Logger) *Store {
	if inlineMax <= 0 {
		inlineMax = DefaultInlineMaxBytes
	}
	return &Store{db: db, blobs: blobs, inlineMax: inlineMax, logger: logger}
}

// Put stores value as the next version of key, offloading to blob storage
// when the encoded payload exceeds the inline threshold. The first version of
// a key records operation=create, later ones operation=overwrite.
func (s *Store) Put(ctx context.Context, runID uuid.UUID, key string, value any, agentID string) (model.ContextEntry, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return model.ContextEntry{}, fmt.Errorf("contextstore: encode %q: %w", key, err)
	}

	op := model.ContextOpOverwrite
	if _, err := s.db.GetActiveContext(ctx, runID, key); err != nil {
		op = model.ContextOpCreate
	}
	return s.write(ctx, runID, key, data, agentID, op, nil)
}

// Append merges value into the current value by shape and writes the result
// as a new version with operation=append. Lists concatenate; maps merge with
// incoming keys winning; anything else falls back to overwrite semantics.
func (s *Store) Append(ctx context.Context, runID uuid.UUID, key string, value any, agentID string) (model.ContextEntry, error) {
	incoming, err := json.Marshal(value)
	if err != nil {
		return model.ContextEntry{}, fmt.Errorf("contextstore: encode %q: %w", key, err)
	}

	current, err := s.GetRaw(ctx, runID, key)
	if err != nil {
		// Appending to a missing key behaves like the first Put.
		return s.write(ctx, runID, key, incoming, agentID, model.ContextOpCreate, nil)
	}

	merged, diff, err := mergeByShape(current, incoming)
	if err != nil {
		return model.ContextEntry{}, fmt.Errorf("contextstore: merge %q: %w", key, err)
	}
	return s.write(ctx, runID, key, merged, agentID, model.ContextOpAppend, &diff)
}

// Get returns the decoded latest value of key into out. A specific version
// can be requested via GetVersion.
func (s *Store) Get(ctx context.Context, runID uuid.UUID, key string, out any) error {
	data, err := s.GetRaw(ctx, runID, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("contextstore: decode %q: %w", key, err)
	}
	return nil
}

// GetRaw returns the latest value bytes of key, transparently rehydrating
// from blob storage when the value was offloaded.
func (s *Store) GetRaw(ctx context.Context, runID uuid.UUID, key string) ([]byte, error) {
	entry, err := s.db.GetActiveContext(ctx, runID, key)
	if err != nil {
		return nil, err
	}
	return s.payload(entry)
}

// GetVersion returns the decoded value of one specific version of key.
func (s *Store) GetVersion(ctx context.Context, runID uuid.UUID, key string, version int, out any) error {
	entry, err := s.db.GetContextVersion(ctx, runID, key, version)
	if err != nil {
		return err
	}
	data, err := s.payload(entry)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("contextstore: decode %q v%d: %w", key, version, err)
	}
	return nil
}

// ListVersions returns the audit trail for the context entry's key.
func (s *Store) ListVersions(ctx context.Context, contextID uuid.UUID) ([]model.ContextVersion, error) {
	return s.db.ListContextVersions(ctx, contextID)
}

func (s *Store) payload(entry model.ContextEntry) ([]byte, error) {
	if entry.StorageType == model.StorageTypeFile {
		if entry.StoragePath == nil {
			return nil, fmt.Errorf("contextstore: %q v%d offloaded without path", entry.ContextKey, entry.Version)
		}
		return s.blobs.Get(*entry.StoragePath)
	}
	return entry.Value, nil
}

func (s *Store) write(ctx context.Context, runID uuid.UUID, key string, data []byte, agentID string, op model.ContextOperation, diff *string) (model.ContextEntry, error) {
	w := storage.ContextWrite{
		RunID:       runID,
		ContextKey:  key,
		SizeBytes:   int64(len(data)),
		Operation:   op,
		DiffSummary: diff,
	}
	if agentID != "" {
		w.AgentID = &agentID
	}

	if int64(len(data)) > s.inlineMax {
		path, err := s.blobs.Put(runID, data)
		if err != nil {
			return model.ContextEntry{}, fmt.Errorf("contextstore: offload %q: %w", key, err)
		}
		summary := summarize(data)
		w.StoragePath = &path
		w.StorageType = model.StorageTypeFile
		w.Summary = &summary
		s.logger.Debug("context value offloaded",
			"run_id", runID, "key", key, "size_bytes", len(data))
	} else {
		w.Value = data
		w.StorageType = model.StorageTypeInline
	}

	return s.db.InsertContextVersion(ctx, w)
}

// mergeByShape combines current and incoming JSON payloads.
func mergeByShape(current, incoming []byte) ([]byte, string, error) {
	var curList, incList []json.RawMessage
	if json.Unmarshal(current, &curList) == nil && json.Unmarshal(incoming, &incList) == nil {
		merged, err := json.Marshal(append(curList, incList...))
		if err != nil {
			return nil, "", err
		}
		return merged, fmt.Sprintf("+%d items", len(incList)), nil
	}

	var curMap, incMap map[string]json.RawMessage
	if json.Unmarshal(current, &curMap) == nil && json.Unmarshal(incoming, &incMap) == nil {
		if curMap == nil {
			curMap = make(map[string]json.RawMessage, len(incMap))
		}
		added := 0
		for k, v := range incMap {
			if _, ok := curMap[k]; !ok {
				added++
			}
			curMap[k] = v
		}
		merged, err := json.Marshal(curMap)
		if err != nil {
			return nil, "", err
		}
		return merged, fmt.Sprintf("+%d keys", added), nil
	}

	// Shape mismatch or scalar: the new value replaces the old one.
	return incoming, "replaced", nil
}

func summarize(data []byte) string {
	s := string(data)
	if len(s) <= summaryMaxLen {
		return s
	}
	return s[:summaryMaxLen] + "..."
}
