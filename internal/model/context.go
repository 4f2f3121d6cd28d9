package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// StorageType says where a context value's bytes live.
type StorageType string

const (
	StorageTypeInline StorageType = "inline" // value column on the row
	StorageTypeFile   StorageType = "file"   // offloaded to blob storage
)

// ContextOperation categorizes how a context version came to exist.
type ContextOperation string

const (
	ContextOpCreate    ContextOperation = "create"
	ContextOpAppend    ContextOperation = "append"
	ContextOpOverwrite ContextOperation = "overwrite"
)

// ContextEntry is one version of a context key scoped to a run.
//
// Per (run, context_key) the versions form a contiguous sequence starting at
// 1, and exactly one version (the highest) has IsActive=true. Versions are
// append-only and never mutated in place.
type ContextEntry struct {
	ID          uuid.UUID      `json:"id"`
	RunID       uuid.UUID      `json:"run_id"`
	AgentID     *string        `json:"agent_id,omitempty"`
	ContextKey  string         `json:"context_key"`
	Value       []byte         `json:"value,omitempty"`
	StoragePath *string        `json:"storage_path,omitempty"`
	StorageType StorageType    `json:"storage_type"`
	SizeBytes   int64          `json:"size_bytes"`
	Version     int            `json:"version"`
	IsActive    bool           `json:"is_active"`
	Summary     *string        `json:"summary,omitempty"`
	Metadata    map[string]any `json:"metadata"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// ContextVersion is the audit record written alongside every context write.
type ContextVersion struct {
	ID              uuid.UUID        `json:"id"`
	ContextID       uuid.UUID        `json:"context_id"`
	Version         int              `json:"version"`
	StoragePath     *string          `json:"storage_path,omitempty"`
	SizeBytes       int64            `json:"size_bytes"`
	Operation       ContextOperation `json:"operation"`
	ModifiedByAgent *string          `json:"modified_by_agent,omitempty"`
	DiffSummary     *string          `json:"diff_summary,omitempty"`
	Metadata        map[string]any   `json:"metadata"`
	CreatedAt       time.Time        `json:"created_at"`
}

// Well-known context key builders. Keys are runID-scoped by the store itself,
// so these only need to disambiguate within a run.

// PaperContentKey caches extracted paper text for the whole run.
func PaperContentKey(paperID string) string {
	return "paper:" + paperID + ":content"
}

// MicroFindingsKey holds one micro-agent's full findings for an iteration.
func MicroFindingsKey(iteration int, paperID string) string {
	return contextKey("iter", iteration, "micro", paperID)
}

// ClustersKey holds the meso-agent's clusters for an iteration.
func ClustersKey(iteration int) string {
	return contextKey("iter", iteration, "clusters", "")
}

// SynthesisKey holds the meta-agent's narrative synthesis for an iteration.
// Iteration N+1's micro-agents read iteration N's synthesis as prior context.
func SynthesisKey(iteration int) string {
	return contextKey("iter", iteration, "synthesis", "")
}

// GapsKey holds the meta-agent's ranked gaps for an iteration.
func GapsKey(iteration int) string {
	return contextKey("iter", iteration, "gaps", "")
}

func contextKey(prefix string, iteration int, kind, suffix string) string {
	k := fmt.Sprintf("%s:%d:%s", prefix, iteration, kind)
	if suffix != "" {
		k += ":" + suffix
	}
	return k
}
