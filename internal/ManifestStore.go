package internal

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ManifestStore persists the last known manifest per deployment
type ManifestStore interface {
	// LoadCachedManifest returns the cached manifest, or ok=false when none exists
	LoadCachedManifest(deploymentName string) (m *BuildManifest, ok bool, err error)
	SaveManifest(deploymentName string, m *BuildManifest) error
}

// FileManifestStore keeps one cache blob per deployment under a directory
type FileManifestStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileManifestStore creates the cache directory if needed
func NewFileManifestStore(dir string) (*FileManifestStore, error) {
	if dir == "" {
		return nil, errors.New("manifest store: directory cannot be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("manifest store: create %s: %w", dir, err)
	}
	return &FileManifestStore{dir: dir}, nil
}

// ManifestPath returns the blob location for a deployment
func (s *FileManifestStore) ManifestPath(deploymentName string) (string, error) {
	if err := validateDeploymentName(deploymentName); err != nil {
		return "", err
	}
	return filepath.Join(s.dir, deploymentName+".manifest"), nil
}

func validateDeploymentName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("manifest store: invalid deployment name %q", name)
	}
	return nil
}

// LoadCachedManifest implements ManifestStore
func (s *FileManifestStore) LoadCachedManifest(deploymentName string) (*BuildManifest, bool, error) {
	p, err := s.ManifestPath(deploymentName)
	if err != nil {
		return nil, false, err
	}

	s.mu.Lock()
	data, err := os.ReadFile(p)
	s.mu.Unlock()
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("manifest store: read %s: %w", p, err)
	}

	m, err := UnmarshalManifest(data)
	if err != nil {
		return nil, false, err
	}
	return m, true, nil
}

// SaveManifest implements ManifestStore. The blob is replaced atomically.
func (s *FileManifestStore) SaveManifest(deploymentName string, m *BuildManifest) error {
	p, err := s.ManifestPath(deploymentName)
	if err != nil {
		return err
	}
	data, err := MarshalManifest(m)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp, err := os.CreateTemp(s.dir, deploymentName+".*.tmp")
	if err != nil {
		return fmt.Errorf("manifest store: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("manifest store: write %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("manifest store: sync %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("manifest store: close %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, p); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("manifest store: rename to %s: %w", p, err)
	}
	return nil
}

// MemoryManifestStore is an in-process ManifestStore. Blobs are kept encoded so
// loads exercise the same codec as the file store.
type MemoryManifestStore struct {
	mu    sync.Mutex
	blobs map[string][]byte
	saves int
}

// NewMemoryManifestStore creates an empty store
func NewMemoryManifestStore() *MemoryManifestStore {
	return &MemoryManifestStore{blobs: make(map[string][]byte)}
}

// LoadCachedManifest implements ManifestStore
func (s *MemoryManifestStore) LoadCachedManifest(deploymentName string) (*BuildManifest, bool, error) {
	s.mu.Lock()
	data, ok := s.blobs[deploymentName]
	s.mu.Unlock()
	if !ok {
		return nil, false, nil
	}
	m, err := UnmarshalManifest(data)
	if err != nil {
		return nil, false, err
	}
	return m, true, nil
}

// SaveManifest implements ManifestStore
func (s *MemoryManifestStore) SaveManifest(deploymentName string, m *BuildManifest) error {
	data, err := MarshalManifest(m)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.blobs[deploymentName] = data
	s.saves++
	s.mu.Unlock()
	return nil
}

// SaveCount reports how many times SaveManifest succeeded
func (s *MemoryManifestStore) SaveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

// Put stores a raw blob, bypassing the codec
func (s *MemoryManifestStore) Put(deploymentName string, blob []byte) {
	s.mu.Lock()
	s.blobs[deploymentName] = append([]byte(nil), blob...)
	s.mu.Unlock()
}
