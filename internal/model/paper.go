package model

import (
	"time"

	"github.com/google/uuid"
)

// PaperInput is the caller-supplied description of one source document.
// Content is referenced, never inlined: the extraction capability resolves
// ContentRef to text at fan-out time.
type PaperInput struct {
	ID         string         `json:"id"`
	Title      string         `json:"title"`
	ContentRef string         `json:"content_ref"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Paper is a source document registered to a run.
type Paper struct {
	ID         uuid.UUID      `json:"id"`
	RunID      uuid.UUID      `json:"run_id"`
	PaperID    string         `json:"paper_id"`
	Title      string         `json:"title"`
	ContentRef string         `json:"content_ref"`
	Metadata   map[string]any `json:"metadata"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Year returns the publication year from metadata, or 0 when unknown.
// Accepts both float64 (JSON numbers) and int for robustness.
func (p Paper) Year() int {
	switch v := p.Metadata["year"].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}
