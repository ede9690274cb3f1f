package internal

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// MountFile is one verified file handed to a Mounter
type MountFile struct {
	Entry     FileEntry
	LocalPath string
}

// Mounter makes a downloaded chunk's files visible to the host.
// Mount must be safe to call for different chunks concurrently.
type Mounter interface {
	Mount(ctx context.Context, chunkID int32, files []MountFile) error
}

// MounterFunc adapts a function to the Mounter interface
type MounterFunc func(ctx context.Context, chunkID int32, files []MountFile) error

// Mount implements Mounter
func (f MounterFunc) Mount(ctx context.Context, chunkID int32, files []MountFile) error {
	return f(ctx, chunkID, files)
}

// LinkMounter mounts chunks by symlinking each file into a shared root, so every
// mounted file is addressable by its relative path.
type LinkMounter struct {
	root string

	mu      sync.RWMutex
	mounted map[string]int32
}

// NewLinkMounter creates the mount root if needed
func NewLinkMounter(root string) (*LinkMounter, error) {
	if root == "" {
		return nil, errors.New("link mounter: root cannot be empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("link mounter: create %s: %w", root, err)
	}
	return &LinkMounter{root: root, mounted: make(map[string]int32)}, nil
}

// Root returns the mount root
func (m *LinkMounter) Root() string { return m.root }

// Mount implements Mounter. Existing links are replaced.
func (m *LinkMounter) Mount(ctx context.Context, chunkID int32, files []MountFile) error {
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		target, err := filepath.Abs(f.LocalPath)
		if err != nil {
			return err
		}
		link := filepath.Join(m.root, filepath.FromSlash(f.Entry.RelativePath))
		if err := os.MkdirAll(filepath.Dir(link), 0o755); err != nil {
			return fmt.Errorf("link mounter: create directory for %s: %w", f.Entry.RelativePath, err)
		}
		if err := os.Remove(link); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("link mounter: replace %s: %w", link, err)
		}
		if err := os.Symlink(target, link); err != nil {
			return fmt.Errorf("link mounter: link %s: %w", f.Entry.RelativePath, err)
		}
	}

	m.mu.Lock()
	for _, f := range files {
		m.mounted[f.Entry.RelativePath] = chunkID
	}
	m.mu.Unlock()
	PushLogDebug(m, fmt.Sprintf("Mounted chunk %d (%d files) at %s", chunkID, len(files), m.root))
	return nil
}

// Resolve returns the mounted location of a relative path and the chunk it came from
func (m *LinkMounter) Resolve(relativePath string) (string, int32, bool) {
	cleaned, err := cleanRelativePath(relativePath)
	if err != nil {
		return "", 0, false
	}
	m.mu.RLock()
	chunkID, ok := m.mounted[cleaned]
	m.mu.RUnlock()
	if !ok {
		return "", 0, false
	}
	return filepath.Join(m.root, filepath.FromSlash(cleaned)), chunkID, true
}
