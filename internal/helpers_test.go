package internal

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/cespare/xxhash/v2"
)

func xxhFile(path string, content []byte) FileEntry {
	return FileEntry{
		RelativePath: path,
		ExpectedSize: int64(len(content)),
		ContentHash: ContentHash{
			Algorithm: HashXXH64,
			Digest:    binary.BigEndian.AppendUint64(nil, xxhash.Sum64(content)),
		},
	}
}

func md5File(path string, content []byte) FileEntry {
	sum := md5.Sum(content)
	return FileEntry{
		RelativePath: path,
		ExpectedSize: int64(len(content)),
		ContentHash:  ContentHash{Algorithm: HashMD5, Digest: sum[:]},
	}
}

func mustManifest(t *testing.T, buildID string, origin ContentOrigin, chunks ...ChunkManifest) *BuildManifest {
	t.Helper()
	m, err := NewBuildManifest(buildID, origin, chunks)
	if err != nil {
		t.Fatalf("NewBuildManifest() error = %v", err)
	}
	return m
}

// testContent builds chunk manifests and their payloads
type testContent struct {
	payloads map[string][]byte
	chunks   []ChunkManifest
}

func newTestContent() *testContent {
	return &testContent{payloads: make(map[string][]byte)}
}

func (c *testContent) addChunk(id int32, files ...string) *testContent {
	chunk := ChunkManifest{ChunkID: id}
	for _, name := range files {
		content := []byte(fmt.Sprintf("chunk %d file %s content", id, name))
		c.payloads[name] = content
		chunk.Files = append(chunk.Files, xxhFile(name, content))
	}
	c.chunks = append(c.chunks, chunk)
	return c
}

// memSource is an in-memory ContentSource with failure injection
type memSource struct {
	mu       sync.Mutex
	payloads map[string][]byte
	fail     map[string]int // remaining failures, -1 fails forever
	corrupt  map[string]int // remaining responses with wrong content
	block    map[string]chan struct{}
	delay    time.Duration
	opens    map[string]int
	started  chan string
}

func newMemSource(payloads map[string][]byte) *memSource {
	return &memSource{
		payloads: payloads,
		fail:     make(map[string]int),
		corrupt:  make(map[string]int),
		block:    make(map[string]chan struct{}),
		opens:    make(map[string]int),
	}
}

func (s *memSource) Open(ctx context.Context, _ ContentOrigin, file FileEntry) (io.ReadCloser, error) {
	p := file.RelativePath
	s.mu.Lock()
	s.opens[p]++
	started := s.started
	gate := s.block[p]
	s.mu.Unlock()

	if started != nil {
		select {
		case started <- p:
		default:
		}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if n := s.fail[p]; n != 0 {
		if n > 0 {
			s.fail[p] = n - 1
		}
		return nil, &TransportError{URL: p, StatusCode: 503, Retryable: true, Err: errors.New("service unavailable")}
	}
	data, ok := s.payloads[p]
	if !ok {
		return nil, &TransportError{URL: p, StatusCode: 404, Err: ErrNotFound}
	}
	if n := s.corrupt[p]; n > 0 {
		s.corrupt[p] = n - 1
		bad := bytes.Repeat([]byte{'x'}, len(data))
		return io.NopCloser(bytes.NewReader(bad)), nil
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *memSource) openCount(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opens[path]
}

func (s *memSource) setFail(path string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail[path] = n
}

// hangingSource blocks every read until the request context ends
type hangingSource struct {
	started chan string
}

func (s *hangingSource) Open(ctx context.Context, _ ContentOrigin, file FileEntry) (io.ReadCloser, error) {
	select {
	case s.started <- file.RelativePath:
	default:
	}
	return io.NopCloser(ctxReader{ctx}), nil
}

type ctxReader struct {
	ctx context.Context
}

func (r ctxReader) Read([]byte) (int, error) {
	<-r.ctx.Done()
	return 0, r.ctx.Err()
}

// fakeTransport answers Fetch from a function and counts calls
type fakeTransport struct {
	mu      sync.Mutex
	calls   []string
	headers []map[string]string
	respond func(call int, url string) ([]byte, error)
}

func (f *fakeTransport) Fetch(_ context.Context, url, _ string, headers map[string]string) ([]byte, error) {
	f.mu.Lock()
	f.calls = append(f.calls, url)
	f.headers = append(f.headers, headers)
	call := len(f.calls)
	f.mu.Unlock()
	return f.respond(call, url)
}

func (f *fakeTransport) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newTestEnv(t *testing.T, content *testContent, opts SchedulerOptions) (*ChunkStateTracker, *ContentStore, *memSource, *DownloadScheduler, *BuildManifest) {
	t.Helper()
	store, err := NewContentStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	m := mustManifest(t, "build-1", ContentOrigin{BaseURL: "mem://"}, content.chunks...)
	tracker := NewChunkStateTracker()
	if _, err := tracker.Reset(m, store, nil); err != nil {
		t.Fatal(err)
	}
	source := newMemSource(content.payloads)
	scheduler := NewDownloadScheduler(source, store, tracker, opts)
	t.Cleanup(scheduler.Close)
	return tracker, store, source, scheduler, m
}

func waitFuture(t *testing.T, f *Future[struct{}]) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := f.Err(ctx)
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil {
		t.Fatal("timed out waiting for future")
	}
	return err
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(time.Millisecond)
	}
}

func fastRetry(attempts int) RetryPolicy {
	return RetryPolicy{Attempts: attempts, Backoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
}
