// Package blob stores offloaded context payloads on the local filesystem.
//
// The relational contexts table keeps only path, size, and summary for values
// above the inline threshold; the bytes live here. Paths are content-addressed
// under the run's directory so duplicate writes of the same payload are
// naturally idempotent.
package blob

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// Store writes and reads offloaded payloads under a root directory.
type Store struct {
	root string
}

// NewStore creates the root directory if needed and returns a Store.
func NewStore(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("blob: create root %s: %w", root, err)
	}
	return &Store{root: root}, nil
}

// Put writes data and returns its storage path, relative to the root.
// The path embeds a content hash: rewriting identical bytes is a no-op.
func (s *Store) Put(runID uuid.UUID, data []byte) (string, error) {
	sum := sha256.Sum256(data)
	rel := filepath.Join(runID.String(), hex.EncodeToString(sum[:16]))
	abs := filepath.Join(s.root, rel)

	if _, err := os.Stat(abs); err == nil {
		return rel, nil
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", fmt.Errorf("blob: mkdir: %w", err)
	}
	tmp := abs + ".tmp." + uuid.NewString()
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("blob: write: %w", err)
	}
	if err := os.Rename(tmp, abs); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("blob: rename: %w", err)
	}
	return rel, nil
}

// Get reads the payload stored at a path previously returned by Put.
func (s *Store) Get(path string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.root, path))
	if err != nil {
		return nil, fmt.Errorf("blob: read %s: %w", path, err)
	}
	return data, nil
}
