// Package extract defines the document text extraction capability.
//
// The pipeline only ever sees the Extractor interface; parsing uploaded
// binary formats is an external concern. The filesystem implementation here
// covers plain-text refs, which is what tests and local runs use.
package extract

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Extractor resolves a content reference to document text.
type Extractor interface {
	Extract(ctx context.Context, fileRef string) (string, error)
}

// FileExtractor reads plain-text content refs relative to a root directory.
type FileExtractor struct {
	root string
}

// NewFileExtractor returns an Extractor rooted at dir.
func NewFileExtractor(dir string) *FileExtractor {
	return &FileExtractor{root: dir}
}

// Extract reads the referenced file. Refs are constrained to the root: a ref
// escaping via ".." is rejected.
func (e *FileExtractor) Extract(_ context.Context, fileRef string) (string, error) {
	clean := filepath.Clean(fileRef)
	if strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("extract: ref %q escapes root", fileRef)
	}
	data, err := os.ReadFile(filepath.Join(e.root, clean))
	if err != nil {
		return "", fmt.Errorf("extract: read %q: %w", fileRef, err)
	}
	return string(data), nil
}

// StaticExtractor serves contents from an in-memory map, keyed by ref.
// Used by tests and by callers that inline document text at submission time.
type StaticExtractor map[string]string

// Extract returns the mapped text for fileRef.
func (e StaticExtractor) Extract(_ context.Context, fileRef string) (string, error) {
	text, ok := e[fileRef]
	if !ok {
		return "", fmt.Errorf("extract: unknown ref %q", fileRef)
	}
	return text, nil
}
