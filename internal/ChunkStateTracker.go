package internal

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ChunkStatus is the lifecycle position of one chunk
type ChunkStatus int

const (
	StatusNotDownloaded ChunkStatus = iota
	StatusDownloading
	StatusDownloaded
	StatusMounted
	StatusFailed
)

func (s ChunkStatus) String() string {
	switch s {
	case StatusNotDownloaded:
		return "NotDownloaded"
	case StatusDownloading:
		return "Downloading"
	case StatusDownloaded:
		return "Downloaded"
	case StatusMounted:
		return "Mounted"
	case StatusFailed:
		return "Failed"
	default:
		return fmt.Sprintf("ChunkStatus(%d)", int(s))
	}
}

func validTransition(from, to ChunkStatus) bool {
	switch from {
	case StatusNotDownloaded, StatusFailed:
		return to == StatusDownloading
	case StatusDownloading:
		return to == StatusDownloaded || to == StatusFailed
	case StatusDownloaded:
		return to == StatusMounted
	}
	return false
}

// ChunkState is a snapshot of one chunk's progress
type ChunkState struct {
	ChunkID         int32
	Status          ChunkStatus
	BytesDownloaded int64
	BytesTotal      int64
	FilesDownloaded int
	FilesTotal      int
	Err             error
	Epoch           uint64
}

// StatusChange is delivered to tracker subscribers for every accepted transition
type StatusChange struct {
	ChunkID int32
	From    ChunkStatus
	To      ChunkStatus
	Epoch   uint64
	Err     error
}

// LoadingStats aggregates progress over every chunk of the current manifest
type LoadingStats struct {
	TotalFilesToDownload int
	FilesDownloaded      int
	TotalBytesToDownload int64
	BytesDownloaded      int64
	ChunksTotal          int
	ChunksDownloaded     int
	ChunksMounted        int
	ChunksFailed         int
	// ChunksCancelled counts Failed chunks whose download was cancelled
	ChunksCancelled int
	LastError       error
}

// DownloadPercent returns downloaded bytes as a percentage of the total
func (s LoadingStats) DownloadPercent() float64 {
	if s.TotalBytesToDownload <= 0 {
		if s.TotalFilesToDownload > 0 && s.FilesDownloaded < s.TotalFilesToDownload {
			return 0
		}
		return 100
	}
	return float64(s.BytesDownloaded) / float64(s.TotalBytesToDownload) * 100
}

// MBDownloaded returns downloaded bytes in MiB
func (s LoadingStats) MBDownloaded() float64 {
	return float64(s.BytesDownloaded) / (1 << 20)
}

// TotalMBToDownload returns the total in MiB
func (s LoadingStats) TotalMBToDownload() float64 {
	return float64(s.TotalBytesToDownload) / (1 << 20)
}

// ChunkStateTracker owns the status of every chunk. All writes go through one
// mutex and subscribers are notified one transition at a time, in the order the
// transitions were applied. Subscribers may read the tracker but must not change it.
type ChunkStateTracker struct {
	mu      sync.Mutex
	states  map[int32]*ChunkState
	epoch   uint64
	lastErr error

	notifyMu  sync.Mutex
	observers Observers[StatusChange]
}

// NewChunkStateTracker creates an empty tracker at epoch zero
func NewChunkStateTracker() *ChunkStateTracker {
	return &ChunkStateTracker{states: make(map[int32]*ChunkState)}
}

// Reset starts a new epoch for manifest. Chunks listed in changed, or unknown to
// the previous epoch, restart from the files verified in local; a chunk that was
// Mounted and is not in changed stays Mounted. Reset fails with ErrBusy while any
// chunk is downloading.
func (t *ChunkStateTracker) Reset(manifest *BuildManifest, local LocalContent, changed map[int32]bool) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, st := range t.states {
		if st.Status == StatusDownloading {
			return t.epoch, ErrBusy
		}
	}

	t.epoch++
	next := make(map[int32]*ChunkState, len(manifest.Chunks()))
	for _, c := range manifest.Chunks() {
		st := &ChunkState{
			ChunkID:    c.ChunkID,
			Status:     StatusNotDownloaded,
			BytesTotal: c.TotalSize(),
			FilesTotal: len(c.Files),
			Epoch:      t.epoch,
		}
		for _, f := range c.Files {
			if local != nil && local.IsVerified(f) {
				st.FilesDownloaded++
				st.BytesDownloaded += f.ExpectedSize
			}
		}
		if st.FilesDownloaded == st.FilesTotal {
			st.Status = StatusDownloaded
			if prev, ok := t.states[c.ChunkID]; ok && prev.Status == StatusMounted && !changed[c.ChunkID] {
				st.Status = StatusMounted
			}
		}
		next[c.ChunkID] = st
	}
	t.states = next
	t.lastErr = nil
	return t.epoch, nil
}

// Epoch returns the current epoch
func (t *ChunkStateTracker) Epoch() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.epoch
}

// Status returns a chunk's status
func (t *ChunkStateTracker) Status(id int32) (ChunkStatus, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.states[id]
	if !ok {
		return StatusNotDownloaded, fmt.Errorf("chunk %d: %w", id, ErrUnknownChunk)
	}
	return st.Status, nil
}

// State returns a copy of a chunk's state
func (t *ChunkStateTracker) State(id int32) (ChunkState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.states[id]
	if !ok {
		return ChunkState{}, false
	}
	return *st, true
}

// States returns copies of all chunk states ordered by chunk ID
func (t *ChunkStateTracker) States() []ChunkState {
	t.mu.Lock()
	out := make([]ChunkState, 0, len(t.states))
	for _, st := range t.states {
		out = append(out, *st)
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ChunkID < out[j].ChunkID })
	return out
}

// ActiveCount returns the number of chunks currently downloading
func (t *ChunkStateTracker) ActiveCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, st := range t.states {
		if st.Status == StatusDownloading {
			n++
		}
	}
	return n
}

// Stats recomputes LoadingStats from the current states
func (t *ChunkStateTracker) Stats() LoadingStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	stats := LoadingStats{ChunksTotal: len(t.states), LastError: t.lastErr}
	for _, st := range t.states {
		stats.TotalFilesToDownload += st.FilesTotal
		stats.FilesDownloaded += st.FilesDownloaded
		stats.TotalBytesToDownload += st.BytesTotal
		stats.BytesDownloaded += st.BytesDownloaded
		switch st.Status {
		case StatusDownloaded:
			stats.ChunksDownloaded++
		case StatusMounted:
			stats.ChunksDownloaded++
			stats.ChunksMounted++
		case StatusFailed:
			if errors.Is(st.Err, ErrCancelled) {
				stats.ChunksCancelled++
			} else {
				stats.ChunksFailed++
			}
		}
	}
	return stats
}

// Subscribe registers fn for every accepted transition
func (t *ChunkStateTracker) Subscribe(fn func(StatusChange)) SubscriptionHandle {
	return t.observers.Subscribe(fn)
}

// Unsubscribe removes a subscriber
func (t *ChunkStateTracker) Unsubscribe(h SubscriptionHandle) bool {
	return t.observers.Unsubscribe(h)
}

// transition applies one status change and notifies subscribers. The state lock is
// handed over to notifyMu before it is released, so notifications leave in the
// same order the transitions were applied.
func (t *ChunkStateTracker) transition(id int32, to ChunkStatus, mutate func(st *ChunkState)) error {
	t.mu.Lock()
	st, ok := t.states[id]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("chunk %d: %w", id, ErrUnknownChunk)
	}
	from := st.Status
	if !validTransition(from, to) {
		t.mu.Unlock()
		return fmt.Errorf("chunk %d %v -> %v: %w", id, from, to, ErrInvalidTransition)
	}
	st.Status = to
	if mutate != nil {
		mutate(st)
	}
	change := StatusChange{ChunkID: id, From: from, To: to, Epoch: st.Epoch, Err: st.Err}

	t.notifyMu.Lock()
	t.mu.Unlock()
	defer t.notifyMu.Unlock()

	PushLogDebug(t, fmt.Sprintf("Chunk %d: %v -> %v", id, from, to))
	t.observers.Broadcast(change)
	return nil
}

func (t *ChunkStateTracker) beginDownload(id int32) error {
	return t.transition(id, StatusDownloading, func(st *ChunkState) {
		st.Err = nil
	})
}

// addBytes moves download progress; negative deltas roll back a failed attempt.
// The result stays within [0, BytesTotal].
func (t *ChunkStateTracker) addBytes(id int32, delta int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.states[id]
	if !ok || st.Status != StatusDownloading {
		return
	}
	st.BytesDownloaded = min(max(st.BytesDownloaded+delta, 0), st.BytesTotal)
}

func (t *ChunkStateTracker) fileCompleted(id int32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.states[id]
	if !ok || st.Status != StatusDownloading {
		return
	}
	st.FilesDownloaded = min(st.FilesDownloaded+1, st.FilesTotal)
}

func (t *ChunkStateTracker) markDownloaded(id int32) error {
	return t.transition(id, StatusDownloaded, func(st *ChunkState) {
		st.BytesDownloaded = st.BytesTotal
		st.FilesDownloaded = st.FilesTotal
	})
}

// markFailed records err on the chunk. A cancellation is not a failure for
// LoadingStats and leaves LastError untouched.
func (t *ChunkStateTracker) markFailed(id int32, err error) error {
	return t.transition(id, StatusFailed, func(st *ChunkState) {
		st.Err = err
		if !errors.Is(err, ErrCancelled) {
			t.lastErr = err
		}
	})
}

func (t *ChunkStateTracker) markMounted(id int32) error {
	return t.transition(id, StatusMounted, nil)
}
