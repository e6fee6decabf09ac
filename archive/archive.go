// Package archive stores raw trace captures on disk, addressed by the
// SHA-256 of their content. Post-mortem snapshots and finished stream
// sessions land here so a capture can be re-decoded later without the
// target attached.
package archive

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	lru "github.com/hashicorp/golang-lru"
)

// Store provides efficient lookup for capture presence with LRU eviction
type Store struct {
	cache   *lru.Cache
	dataDir string
}

// NewStore creates a size-constrained presence cache over a capture directory
func NewStore(size int, dataDir string) (*Store, error) {
	cache, err := lru.New(size)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, err
	}

	return &Store{
		cache:   cache,
		dataDir: dataDir,
	}, nil
}

// Path returns the location where a capture with the given hash is stored
func (s *Store) Path(hash string) string {
	prefix := hash[:2]
	return filepath.Join(s.dataDir, prefix, hash+".trace")
}

// Has reports whether a capture with the given hash is archived. Entries
// evicted from the cache are re-checked on disk and promoted back.
func (s *Store) Has(hash string) bool {
	if _, found := s.cache.Get(hash); found {
		return true
	}
	if _, err := os.Stat(s.Path(hash)); err != nil {
		return false
	}
	s.cache.Add(hash, true)
	return true
}

// Save archives a capture and returns its content hash. Saving bytes
// that are already archived is a no-op.
func (s *Store) Save(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	path := s.Path(hash)
	if _, err := os.Stat(path); err == nil {
		s.cache.Add(hash, true)
		return hash, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", err
	}
	// Captures are immutable once written.
	if err := os.WriteFile(path, data, 0444); err != nil {
		return "", err
	}

	s.cache.Add(hash, true)
	return hash, nil
}

// Load reads an archived capture back and verifies it against its hash
func (s *Store) Load(hash string) ([]byte, error) {
	data, err := os.ReadFile(s.Path(hash))
	if err != nil {
		return nil, err
	}

	sum := sha256.Sum256(data)
	if got := hex.EncodeToString(sum[:]); got != hash {
		return nil, fmt.Errorf("capture %s is corrupt: content hashes to %s", hash, got)
	}
	return data, nil
}
