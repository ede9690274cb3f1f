package internal

import (
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const (
	verifiedSuffix = ".verified"
	partialSuffix  = ".part"
)

// LocalContent reports which files are already present and verified on disk
type LocalContent interface {
	IsVerified(entry FileEntry) bool
}

// ContentStore holds downloaded chunk files under a root directory.
// A file counts as verified once a sidecar ".verified" marker holding its
// content hash exists next to it and its size matches.
type ContentStore struct {
	root string
}

// NewContentStore creates the root directory if needed
func NewContentStore(root string) (*ContentStore, error) {
	if root == "" {
		return nil, errors.New("content store: root cannot be empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("content store: create %s: %w", root, err)
	}
	return &ContentStore{root: root}, nil
}

// Root returns the store's root directory
func (s *ContentStore) Root() string { return s.root }

// Path returns where entry is stored
func (s *ContentStore) Path(entry FileEntry) string {
	return filepath.Join(s.root, filepath.FromSlash(entry.RelativePath))
}

func (s *ContentStore) markerPath(entry FileEntry) string {
	return s.Path(entry) + verifiedSuffix
}

// IsVerified checks the marker and size without rehashing the file
func (s *ContentStore) IsVerified(entry FileEntry) bool {
	info, err := os.Stat(s.Path(entry))
	if err != nil || !info.Mode().IsRegular() || info.Size() != entry.ExpectedSize {
		return false
	}
	marker, err := os.ReadFile(s.markerPath(entry))
	if err != nil {
		return false
	}
	return strings.TrimSpace(string(marker)) == entry.ContentHash.String()
}

// Verify rehashes the stored file and refreshes its marker.
// A mismatching file loses its marker.
func (s *ContentStore) Verify(entry FileEntry) (bool, error) {
	p := s.Path(entry)
	f, err := os.Open(p)
	if errors.Is(err, os.ErrNotExist) {
		os.Remove(s.markerPath(entry))
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("content store: open %s: %w", p, err)
	}
	defer f.Close()

	match, n, err := CheckContentHash(f, entry.ContentHash)
	if err != nil {
		PushLogWarning(s, fmt.Sprintf("An error occurred while checking %v hash for: %s\n%v",
			entry.ContentHash.Algorithm, entry.RelativePath, err))
		return false, err
	}
	if !match || n != entry.ExpectedSize {
		os.Remove(s.markerPath(entry))
		return false, nil
	}
	return true, s.writeMarker(entry)
}

func (s *ContentStore) writeMarker(entry FileEntry) error {
	if err := os.WriteFile(s.markerPath(entry), []byte(entry.ContentHash.String()), 0o644); err != nil {
		return fmt.Errorf("content store: write marker for %s: %w", entry.RelativePath, err)
	}
	return nil
}

// Create opens a staging file for entry. The previous marker is dropped so an
// interrupted write never looks verified.
func (s *ContentStore) Create(entry FileEntry) (*StagedFile, error) {
	final := s.Path(entry)
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return nil, fmt.Errorf("content store: create directory for %s: %w", entry.RelativePath, err)
	}
	if err := os.Remove(s.markerPath(entry)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("content store: remove marker for %s: %w", entry.RelativePath, err)
	}

	partial := final + partialSuffix
	if _, err := os.Stat(partial); err == nil {
		UnassignReadOnlyFromFileInfo(partial)
	}
	f, err := os.OpenFile(partial, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("content store: open %s: %w", partial, err)
	}

	hasher, err := entry.ContentHash.Algorithm.New()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &StagedFile{store: s, entry: entry, file: f, hasher: hasher, partial: partial, final: final}, nil
}

// StagedFile receives a file's decoded bytes and hashes them as they are written
type StagedFile struct {
	store   *ContentStore
	entry   FileEntry
	file    *os.File
	hasher  hash.Hash
	partial string
	final   string
	written int64
	closed  bool
}

// Write implements io.Writer
func (f *StagedFile) Write(p []byte) (int, error) {
	if f.written+int64(len(p)) > f.entry.ExpectedSize {
		return 0, fmt.Errorf("%w: %s: content exceeds expected size %d", ErrContentMismatch, f.entry.RelativePath, f.entry.ExpectedSize)
	}
	n, err := f.file.Write(p)
	f.hasher.Write(p[:n])
	f.written += int64(n)
	return n, err
}

// Written returns the number of bytes written so far
func (f *StagedFile) Written() int64 { return f.written }

// ErrContentMismatch is returned by Commit when size or hash differ from the manifest
var ErrContentMismatch = errors.New("content does not match manifest")

// Commit verifies the staged content, moves it into place and writes the marker
func (f *StagedFile) Commit() error {
	if err := f.close(); err != nil {
		return err
	}
	if f.written != f.entry.ExpectedSize {
		return fmt.Errorf("%w: %s: got %d bytes, want %d", ErrContentMismatch, f.entry.RelativePath, f.written, f.entry.ExpectedSize)
	}
	if !f.entry.ContentHash.Matches(f.hasher.Sum(nil)) {
		return fmt.Errorf("%w: %s: %v hash differs", ErrContentMismatch, f.entry.RelativePath, f.entry.ContentHash.Algorithm)
	}
	if err := os.Rename(f.partial, f.final); err != nil {
		return fmt.Errorf("content store: rename %s: %w", f.partial, err)
	}
	return f.store.writeMarker(f.entry)
}

// Abort closes the staging file and leaves its bytes on disk
func (f *StagedFile) Abort() error {
	return f.close()
}

func (f *StagedFile) close() error {
	if f.closed {
		return nil
	}
	f.closed = true
	if err := f.file.Close(); err != nil {
		return fmt.Errorf("content store: close %s: %w", f.partial, err)
	}
	return nil
}

var _ io.Writer = (*StagedFile)(nil)

// UnassignReadOnlyFromFileInfo removes the read-only flag from a file
func UnassignReadOnlyFromFileInfo(filePath string) error {
	info, err := os.Stat(filePath)
	if err != nil {
		return err
	}
	if info.Mode()&0o200 == 0 {
		return os.Chmod(filePath, info.Mode()|0o200)
	}
	return nil
}
