package internal

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

// recordingMounter counts Mount calls per chunk and fails the chunks in failOn
type recordingMounter struct {
	mu     sync.Mutex
	calls  map[int32]int
	failOn map[int32]error
	gate   chan struct{}
}

func newRecordingMounter() *recordingMounter {
	return &recordingMounter{calls: make(map[int32]int), failOn: make(map[int32]error)}
}

func (m *recordingMounter) Mount(ctx context.Context, chunkID int32, files []MountFile) error {
	if m.gate != nil {
		select {
		case <-m.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[chunkID]++
	for _, f := range files {
		if _, err := os.Stat(f.LocalPath); err != nil {
			return err
		}
	}
	return m.failOn[chunkID]
}

func (m *recordingMounter) callCount(id int32) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[id]
}

func newTestOrchestrator(t *testing.T, content *testContent, mounter Mounter) (*MountOrchestrator, *ChunkStateTracker, *memSource) {
	t.Helper()
	tracker, store, source, scheduler, m := newTestEnv(t, content, SchedulerOptions{Workers: 4, Retry: fastRetry(2)})
	o := NewMountOrchestrator(tracker, scheduler, store, mounter, func() *BuildManifest { return m })
	t.Cleanup(o.Close)
	return o, tracker, source
}

func TestMountChunkDownloadsFirst(t *testing.T) {
	content := newTestContent().addChunk(1, "a.pak", "b.pak")
	mounter := newRecordingMounter()
	o, tracker, _ := newTestOrchestrator(t, content, mounter)

	var (
		mu       sync.Mutex
		statuses []ChunkStatus
	)
	tracker.Subscribe(func(c StatusChange) {
		mu.Lock()
		statuses = append(statuses, c.To)
		mu.Unlock()
	})
	results := make(chan ChunkResult, 1)
	o.OnChunkComplete.Subscribe(func(r ChunkResult) { results <- r })

	if err := waitFuture(t, o.MountChunk(t.Context(), 1)); err != nil {
		t.Fatalf("MountChunk() error = %v", err)
	}

	mu.Lock()
	want := []ChunkStatus{StatusDownloading, StatusDownloaded, StatusMounted}
	if diff := cmp.Diff(want, statuses); diff != "" {
		t.Errorf("transitions mismatch (-want +got):\n%s", diff)
	}
	mu.Unlock()

	r := <-results
	if r.ChunkID != 1 || !r.Succeeded || r.Err != nil {
		t.Errorf("ChunkResult = %+v", r)
	}

	// mounting again is a no-op
	if err := waitFuture(t, o.MountChunk(t.Context(), 1)); err != nil {
		t.Fatal(err)
	}
	if got := mounter.callCount(1); got != 1 {
		t.Errorf("Mount called %d times, want 1", got)
	}
}

func TestMountChunkSharesPendingMount(t *testing.T) {
	content := newTestContent().addChunk(5, "a.pak")
	mounter := newRecordingMounter()
	mounter.gate = make(chan struct{})
	o, _, source := newTestOrchestrator(t, content, mounter)

	first := o.MountChunk(t.Context(), 5)
	second := o.MountChunk(t.Context(), 5)
	if !o.IsMounting(5) || o.PendingCount() != 1 {
		t.Errorf("IsMounting() = %v, PendingCount() = %d", o.IsMounting(5), o.PendingCount())
	}
	close(mounter.gate)

	for _, f := range []*Future[struct{}]{first, second} {
		if err := waitFuture(t, f); err != nil {
			t.Fatal(err)
		}
	}
	if got := source.openCount("a.pak"); got != 1 {
		t.Errorf("a.pak opened %d times, want 1", got)
	}
	if got := mounter.callCount(5); got != 1 {
		t.Errorf("Mount called %d times, want 1", got)
	}
	eventually(t, func() bool { return o.PendingCount() == 0 })
}

func TestMountChunkCallerCancelLeavesOthersWaiting(t *testing.T) {
	content := newTestContent().addChunk(5, "a.pak")
	mounter := newRecordingMounter()
	mounter.gate = make(chan struct{})
	o, tracker, _ := newTestOrchestrator(t, content, mounter)

	ctx, cancel := context.WithCancel(t.Context())
	patch := o.MountChunk(ctx, 5)
	single := o.MountChunk(t.Context(), 5)
	cancel()
	if err := waitFuture(t, patch); !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled caller error = %v, want context.Canceled", err)
	}

	close(mounter.gate)
	if err := waitFuture(t, single); err != nil {
		t.Fatalf("remaining caller error = %v", err)
	}
	if s, _ := tracker.Status(5); s != StatusMounted {
		t.Errorf("status = %v, want Mounted", s)
	}
}

func TestMountChunkStopsWhenEveryCallerCancels(t *testing.T) {
	content := newTestContent().addChunk(5, "a.pak")
	mounter := newRecordingMounter()
	mounter.gate = make(chan struct{})
	defer close(mounter.gate)
	o, tracker, _ := newTestOrchestrator(t, content, mounter)

	results := make(chan ChunkResult, 1)
	o.OnChunkComplete.Subscribe(func(r ChunkResult) { results <- r })

	ctx, cancel := context.WithCancel(t.Context())
	f := o.MountChunk(ctx, 5)
	eventually(t, func() bool {
		s, _ := tracker.Status(5)
		return s == StatusDownloaded
	})
	cancel()
	if err := waitFuture(t, f); !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}

	select {
	case r := <-results:
		if r.Succeeded || !errors.Is(r.Err, context.Canceled) {
			t.Errorf("ChunkResult = %+v, want a cancelled mount", r)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("shared mount kept running after every caller cancelled")
	}
	if s, _ := tracker.Status(5); s != StatusDownloaded || mounter.callCount(5) != 0 {
		t.Errorf("status = %v, mount calls = %d", s, mounter.callCount(5))
	}
	eventually(t, func() bool { return o.PendingCount() == 0 })
}

func TestMountChunksPartialFailure(t *testing.T) {
	content := newTestContent().addChunk(1, "a.pak").addChunk(2, "b.pak")
	mounter := newRecordingMounter()
	mountErr := errors.New("mount point busy")
	mounter.failOn[2] = mountErr
	o, tracker, _ := newTestOrchestrator(t, content, mounter)

	var mountedAfterDownloaded atomic.Bool
	mountedAfterDownloaded.Store(true)
	var (
		mu       sync.Mutex
		lastSeen = make(map[int32]ChunkStatus)
	)
	tracker.Subscribe(func(c StatusChange) {
		mu.Lock()
		defer mu.Unlock()
		if c.To == StatusMounted && lastSeen[c.ChunkID] != StatusDownloaded {
			mountedAfterDownloaded.Store(false)
		}
		lastSeen[c.ChunkID] = c.To
	})
	batches := make(chan BatchResult, 1)
	o.OnBatchComplete.Subscribe(func(r BatchResult) { batches <- r })

	err := waitFuture(t, o.MountChunks(t.Context(), []int32{1, 2, 1}))
	var me *MountError
	if !errors.As(err, &me) || me.ChunkID != 2 || !errors.Is(err, mountErr) {
		t.Fatalf("MountChunks() error = %v, want *MountError for chunk 2", err)
	}

	if s, _ := tracker.Status(1); s != StatusMounted {
		t.Errorf("chunk 1 = %v, want Mounted", s)
	}
	if s, _ := tracker.Status(2); s != StatusDownloaded {
		t.Errorf("chunk 2 = %v, want Downloaded", s)
	}
	if !mountedAfterDownloaded.Load() {
		t.Error("Mounted observed before Downloaded")
	}

	batch := <-batches
	if diff := cmp.Diff([]int32{1, 2}, batch.ChunkIDs); diff != "" {
		t.Errorf("batch ids mismatch (-want +got):\n%s", diff)
	}
	if !errors.Is(batch.Err, mountErr) {
		t.Errorf("batch error = %v", batch.Err)
	}

	// a later mount of the failed chunk does not download again
	delete(mounter.failOn, 2)
	if err := waitFuture(t, o.MountChunk(t.Context(), 2)); err != nil {
		t.Fatal(err)
	}
	if s, _ := tracker.Status(2); s != StatusMounted {
		t.Errorf("chunk 2 = %v after retry, want Mounted", s)
	}
}

func TestMountChunksDownloadFailure(t *testing.T) {
	content := newTestContent().addChunk(1, "a.pak").addChunk(2, "b.pak")
	mounter := newRecordingMounter()
	o, tracker, source := newTestOrchestrator(t, content, mounter)
	source.setFail("b.pak", -1)

	err := waitFuture(t, o.MountChunks(t.Context(), []int32{2, 1}))
	var de *DownloadError
	if !errors.As(err, &de) || de.ChunkID != 2 {
		t.Fatalf("error = %v, want *DownloadError for chunk 2", err)
	}
	if s, _ := tracker.Status(2); s != StatusFailed {
		t.Errorf("chunk 2 = %v, want Failed", s)
	}
	if s, _ := tracker.Status(1); s != StatusMounted {
		t.Errorf("chunk 1 = %v, want Mounted", s)
	}
	if got := mounter.callCount(2); got != 0 {
		t.Errorf("failed chunk was mounted %d times", got)
	}
}

func TestMountChunkUnknown(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, newTestContent().addChunk(1, "a.pak"), newRecordingMounter())
	if err := waitFuture(t, o.MountChunk(t.Context(), 77)); !errors.Is(err, ErrUnknownChunk) {
		t.Errorf("error = %v, want ErrUnknownChunk", err)
	}
	if err := waitFuture(t, o.MountChunks(t.Context(), nil)); err != nil {
		t.Errorf("MountChunks(nil) error = %v", err)
	}
}

func TestLinkMounter(t *testing.T) {
	contentDir := t.TempDir()
	local := filepath.Join(contentDir, "Paks", "a.pak")
	if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(local, []byte("payload"), 0o644); err != nil {
		t.Fatal(err)
	}

	mounter, err := NewLinkMounter(filepath.Join(t.TempDir(), "mount"))
	if err != nil {
		t.Fatal(err)
	}
	files := []MountFile{{Entry: FileEntry{RelativePath: "Paks/a.pak"}, LocalPath: local}}
	for range 2 {
		if err := mounter.Mount(t.Context(), 3, files); err != nil {
			t.Fatalf("Mount() error = %v", err)
		}
	}

	p, chunkID, ok := mounter.Resolve(`Paks\a.pak`)
	if !ok || chunkID != 3 {
		t.Fatalf("Resolve() = %q, %d, %v", p, chunkID, ok)
	}
	data, err := os.ReadFile(p)
	if err != nil || string(data) != "payload" {
		t.Errorf("mounted content = %q, %v", data, err)
	}
	if _, _, ok := mounter.Resolve("Paks/missing.pak"); ok {
		t.Error("Resolve() found an unmounted file")
	}
	if _, _, ok := mounter.Resolve("../escape"); ok {
		t.Error("Resolve() accepted an escaping path")
	}

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	if err := mounter.Mount(ctx, 4, files); !errors.Is(err, context.Canceled) {
		t.Errorf("Mount() with cancelled context error = %v", err)
	}
}
