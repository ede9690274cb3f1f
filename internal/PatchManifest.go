package internal

import (
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
)

// PayloadEncoding is the transfer encoding of chunk files on the content origin.
// Values are persisted in the manifest cache and must not change.
type PayloadEncoding uint8

const (
	EncodingNone PayloadEncoding = 0
	EncodingZstd PayloadEncoding = 1
	EncodingLZ4  PayloadEncoding = 2
)

func (e PayloadEncoding) String() string {
	switch e {
	case EncodingNone:
		return "none"
	case EncodingZstd:
		return "zstd"
	case EncodingLZ4:
		return "lz4"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(e))
	}
}

// ParsePayloadEncoding accepts "", "none", "zstd" and "lz4"
func ParsePayloadEncoding(s string) (PayloadEncoding, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none", "identity":
		return EncodingNone, nil
	case "zstd":
		return EncodingZstd, nil
	case "lz4":
		return EncodingLZ4, nil
	default:
		return EncodingNone, fmt.Errorf("unsupported payload encoding %q", s)
	}
}

// FileEntry describes one file of a chunk
type FileEntry struct {
	RelativePath string
	ExpectedSize int64
	ContentHash  ContentHash
}

// ChunkManifest is the set of files making up one content chunk
type ChunkManifest struct {
	ChunkID int32
	Files   []FileEntry
}

// TotalSize returns the sum of the expected file sizes
func (c *ChunkManifest) TotalSize() int64 {
	var total int64
	for _, f := range c.Files {
		total += f.ExpectedSize
	}
	return total
}

// ContentOrigin tells the scheduler where a manifest's files are served from
type ContentOrigin struct {
	BaseURL    string
	AltBaseURL string
	Encoding   PayloadEncoding
}

// BuildManifest is an immutable description of one content build.
// Construct it with NewBuildManifest; the zero value is an empty manifest.
type BuildManifest struct {
	buildID string
	origin  ContentOrigin
	chunks  []ChunkManifest
	index   map[int32]int
}

// NewBuildManifest validates and deep-copies chunks into a new manifest.
// Chunk IDs must be unique, every chunk must have files, and relative paths must be
// unique, clean and stay inside the content root.
func NewBuildManifest(buildID string, origin ContentOrigin, chunks []ChunkManifest) (*BuildManifest, error) {
	if strings.TrimSpace(buildID) == "" {
		return nil, errors.New("manifest: build id is empty")
	}

	m := &BuildManifest{
		buildID: buildID,
		origin:  origin,
		chunks:  make([]ChunkManifest, 0, len(chunks)),
		index:   make(map[int32]int, len(chunks)),
	}
	paths := make(map[string]int32)

	for _, c := range chunks {
		if _, dup := m.index[c.ChunkID]; dup {
			return nil, fmt.Errorf("manifest: duplicate chunk id %d", c.ChunkID)
		}
		if len(c.Files) == 0 {
			return nil, fmt.Errorf("manifest: chunk %d has no files", c.ChunkID)
		}

		files := make([]FileEntry, len(c.Files))
		for i, f := range c.Files {
			cleaned, err := cleanRelativePath(f.RelativePath)
			if err != nil {
				return nil, fmt.Errorf("manifest: chunk %d: %w", c.ChunkID, err)
			}
			if owner, dup := paths[cleaned]; dup {
				return nil, fmt.Errorf("manifest: file %s listed in chunks %d and %d", cleaned, owner, c.ChunkID)
			}
			if f.ExpectedSize < 0 {
				return nil, fmt.Errorf("manifest: file %s has negative size", cleaned)
			}
			if err := f.ContentHash.validate(); err != nil {
				return nil, fmt.Errorf("manifest: file %s: %w", cleaned, err)
			}
			paths[cleaned] = c.ChunkID
			files[i] = FileEntry{
				RelativePath: cleaned,
				ExpectedSize: f.ExpectedSize,
				ContentHash: ContentHash{
					Algorithm: f.ContentHash.Algorithm,
					Digest:    append([]byte(nil), f.ContentHash.Digest...),
				},
			}
		}

		m.index[c.ChunkID] = len(m.chunks)
		m.chunks = append(m.chunks, ChunkManifest{ChunkID: c.ChunkID, Files: files})
	}

	return m, nil
}

func cleanRelativePath(p string) (string, error) {
	p = strings.ReplaceAll(strings.TrimSpace(p), "\\", "/")
	if p == "" {
		return "", errors.New("empty file path")
	}
	if strings.HasPrefix(p, "/") {
		return "", fmt.Errorf("file path %q must be relative", p)
	}
	cleaned := path.Clean(p)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("file path %q escapes the content root", p)
	}
	return cleaned, nil
}

// BuildID returns the build identifier
func (m *BuildManifest) BuildID() string {
	if m == nil {
		return ""
	}
	return m.buildID
}

// Origin returns where the manifest's files are served from
func (m *BuildManifest) Origin() ContentOrigin {
	if m == nil {
		return ContentOrigin{}
	}
	return m.origin
}

// Chunks returns the chunks in manifest order. Callers must not modify the result.
func (m *BuildManifest) Chunks() []ChunkManifest {
	if m == nil {
		return nil
	}
	return m.chunks
}

// Chunk looks up a chunk by ID
func (m *BuildManifest) Chunk(id int32) (*ChunkManifest, bool) {
	if m == nil {
		return nil, false
	}
	i, ok := m.index[id]
	if !ok {
		return nil, false
	}
	return &m.chunks[i], true
}

// ChunkIDs returns all chunk IDs in ascending order
func (m *BuildManifest) ChunkIDs() []int32 {
	if m == nil {
		return nil
	}
	ids := make([]int32, 0, len(m.chunks))
	for _, c := range m.chunks {
		ids = append(ids, c.ChunkID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// FileCount returns the number of files across all chunks
func (m *BuildManifest) FileCount() int {
	n := 0
	for _, c := range m.Chunks() {
		n += len(c.Files)
	}
	return n
}

// TotalSize returns the sum of all file sizes
func (m *BuildManifest) TotalSize() int64 {
	var total int64
	for i := range m.Chunks() {
		total += m.chunks[i].TotalSize()
	}
	return total
}

// fileIndex maps relative path to chunk ID and entry
func (m *BuildManifest) fileIndex() map[string]fileRef {
	refs := make(map[string]fileRef, m.FileCount())
	for _, c := range m.Chunks() {
		for _, f := range c.Files {
			refs[f.RelativePath] = fileRef{ChunkID: c.ChunkID, Entry: f}
		}
	}
	return refs
}

type fileRef struct {
	ChunkID int32
	Entry   FileEntry
}

// FileChangeKind classifies a difference between two manifests
type FileChangeKind int

const (
	FileAdded FileChangeKind = iota
	FileModified
	FileRemoved
)

func (k FileChangeKind) String() string {
	switch k {
	case FileAdded:
		return "added"
	case FileModified:
		return "modified"
	case FileRemoved:
		return "removed"
	default:
		return fmt.Sprintf("FileChangeKind(%d)", int(k))
	}
}

// FileChange is one entry of a manifest delta
type FileChange struct {
	Kind    FileChangeKind
	ChunkID int32
	Entry   FileEntry
}

// DiffManifests lists files of next that are absent from prev or whose size
// or hash differ, followed by files of prev missing from next. Moving a file
// between chunks counts as modified. prev may be nil.
func DiffManifests(prev, next *BuildManifest) []FileChange {
	before := prev.fileIndex()
	var changes []FileChange

	for _, c := range next.Chunks() {
		for _, f := range c.Files {
			old, ok := before[f.RelativePath]
			switch {
			case !ok:
				changes = append(changes, FileChange{Kind: FileAdded, ChunkID: c.ChunkID, Entry: f})
			case old.ChunkID != c.ChunkID ||
				old.Entry.ExpectedSize != f.ExpectedSize ||
				!old.Entry.ContentHash.Equal(f.ContentHash):
				changes = append(changes, FileChange{Kind: FileModified, ChunkID: c.ChunkID, Entry: f})
			}
		}
	}

	after := next.fileIndex()
	for _, c := range prev.Chunks() {
		for _, f := range c.Files {
			if _, ok := after[f.RelativePath]; !ok {
				changes = append(changes, FileChange{Kind: FileRemoved, ChunkID: c.ChunkID, Entry: f})
			}
		}
	}
	return changes
}
