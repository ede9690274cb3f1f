package internal

import (
	"context"
	"fmt"
	"sync"
)

// BatchResult is delivered when a MountChunks call resolves
type BatchResult struct {
	ChunkIDs []int32
	Err      error
}

// ManifestProvider returns the manifest chunks are mounted from
type ManifestProvider func() *BuildManifest

// MountOrchestrator mounts chunks, downloading them first when needed.
// Concurrent requests for one chunk share a single mount.
type MountOrchestrator struct {
	// OnChunkComplete fires once per resolved MountChunk
	OnChunkComplete Observers[ChunkResult]
	// OnBatchComplete fires once per resolved MountChunks
	OnBatchComplete Observers[BatchResult]

	tracker   *ChunkStateTracker
	scheduler *DownloadScheduler
	store     *ContentStore
	mounter   Mounter
	manifest  ManifestProvider

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	pending map[int32]*pendingMount
}

// pendingMount is a mount shared by every caller that asked for the chunk. It
// runs under its own context, which ends once no caller waits any more.
type pendingMount struct {
	future  *Future[struct{}]
	cancel  context.CancelFunc
	waiters int
}

// NewMountOrchestrator wires the orchestrator to its collaborators
func NewMountOrchestrator(tracker *ChunkStateTracker, scheduler *DownloadScheduler, store *ContentStore,
	mounter Mounter, manifest ManifestProvider) *MountOrchestrator {
	ctx, cancel := context.WithCancel(context.Background())
	return &MountOrchestrator{
		tracker:   tracker,
		scheduler: scheduler,
		store:     store,
		mounter:   mounter,
		manifest:  manifest,
		ctx:       ctx,
		cancel:    cancel,
		pending:   make(map[int32]*pendingMount),
	}
}

// Close cancels every mount in progress
func (o *MountOrchestrator) Close() {
	o.cancel()
}

// MountChunk mounts one chunk. A Mounted chunk resolves immediately; a chunk that
// is not Downloaded is downloaded first, joining a download already in progress.
// A failed mount resolves with *MountError and leaves the chunk Downloaded.
// Each caller waits under its own ctx; the shared mount stops only when every
// caller has given up.
func (o *MountOrchestrator) MountChunk(ctx context.Context, chunkID int32) *Future[struct{}] {
	o.mu.Lock()
	if p, ok := o.pending[chunkID]; ok {
		p.waiters++
		o.mu.Unlock()
		return o.join(ctx, p)
	}
	status, err := o.tracker.Status(chunkID)
	if err != nil {
		o.mu.Unlock()
		return resolvedFuture(struct{}{}, err)
	}
	if status == StatusMounted {
		o.mu.Unlock()
		return resolvedFuture(struct{}{}, nil)
	}
	mctx, cancel := context.WithCancel(o.ctx)
	p := &pendingMount{future: newFuture[struct{}](), cancel: cancel, waiters: 1}
	o.pending[chunkID] = p
	o.mu.Unlock()

	go func() {
		err := o.mount(mctx, chunkID)

		o.mu.Lock()
		delete(o.pending, chunkID)
		o.mu.Unlock()
		cancel()

		p.future.resolve(struct{}{}, err)
		o.OnChunkComplete.Broadcast(ChunkResult{ChunkID: chunkID, Succeeded: err == nil, Err: err})
	}()
	return o.join(ctx, p)
}

// join returns a future that follows p until ctx ends. The last caller to give
// up cancels the shared mount.
func (o *MountOrchestrator) join(ctx context.Context, p *pendingMount) *Future[struct{}] {
	f := newFuture[struct{}]()
	go func() {
		select {
		case <-p.future.Done():
			_, _, err := p.future.Result()
			f.resolve(struct{}{}, err)
		case <-ctx.Done():
			o.mu.Lock()
			p.waiters--
			if p.waiters == 0 {
				p.cancel()
			}
			o.mu.Unlock()
			f.resolve(struct{}{}, ctx.Err())
		}
	}()
	return f
}

func (o *MountOrchestrator) mount(ctx context.Context, chunkID int32) error {
	m := o.manifest()
	chunk, ok := m.Chunk(chunkID)
	if !ok {
		return fmt.Errorf("chunk %d: %w", chunkID, ErrUnknownChunk)
	}

	status, err := o.tracker.Status(chunkID)
	if err != nil {
		return err
	}
	if status != StatusDownloaded && status != StatusMounted {
		PushLogInfo(o, fmt.Sprintf("Chunk %d is %v, downloading before mount", chunkID, status))
		if err := o.scheduler.EnqueueChunk(chunk, m.Origin()).Err(ctx); err != nil {
			return err
		}
		if status, err = o.tracker.Status(chunkID); err != nil {
			return err
		}
	}

	switch status {
	case StatusMounted:
		return nil
	case StatusDownloaded:
	default:
		return fmt.Errorf("chunk %d is %v after download: %w", chunkID, status, ErrInvalidTransition)
	}

	files := make([]MountFile, len(chunk.Files))
	for i, f := range chunk.Files {
		files[i] = MountFile{Entry: f, LocalPath: o.store.Path(f)}
	}
	if err := o.mounter.Mount(ctx, chunkID, files); err != nil {
		PushLogError(o, fmt.Sprintf("Failed to mount chunk %d: %v", chunkID, err))
		return &MountError{ChunkID: chunkID, Err: err}
	}
	if err := o.tracker.markMounted(chunkID); err != nil {
		return &MountError{ChunkID: chunkID, Err: err}
	}
	PushLogInfo(o, fmt.Sprintf("Chunk %d mounted", chunkID))
	return nil
}

// MountChunks mounts every listed chunk concurrently. It succeeds only if all of
// them do and otherwise reports the first failure in request order; chunks that
// mounted stay Mounted.
func (o *MountOrchestrator) MountChunks(ctx context.Context, chunkIDs []int32) *Future[struct{}] {
	ids := make([]int32, 0, len(chunkIDs))
	seen := make(map[int32]struct{}, len(chunkIDs))
	for _, id := range chunkIDs {
		if _, dup := seen[id]; !dup {
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}

	members := make([]*Future[struct{}], len(ids))
	for i, id := range ids {
		members[i] = o.MountChunk(ctx, id)
	}

	aggregate := newFuture[struct{}]()
	go func() {
		var first error
		for _, f := range members {
			<-f.Done()
			if _, _, err := f.Result(); err != nil && first == nil {
				first = err
			}
		}
		aggregate.resolve(struct{}{}, first)
		o.OnBatchComplete.Broadcast(BatchResult{ChunkIDs: ids, Err: first})
	}()
	return aggregate
}

// IsMounting reports whether a mount of the chunk is in progress
func (o *MountOrchestrator) IsMounting(chunkID int32) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.pending[chunkID]
	return ok
}

// PendingCount returns the number of mounts in progress
func (o *MountOrchestrator) PendingCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pending)
}
