package internal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// DownloadJobStatus is the lifecycle position of one file download
type DownloadJobStatus int

const (
	JobQueued DownloadJobStatus = iota
	JobRunning
	JobSucceeded
	JobFailed
	JobCancelled
)

func (s DownloadJobStatus) String() string {
	switch s {
	case JobQueued:
		return "Queued"
	case JobRunning:
		return "Running"
	case JobSucceeded:
		return "Succeeded"
	case JobFailed:
		return "Failed"
	case JobCancelled:
		return "Cancelled"
	default:
		return fmt.Sprintf("DownloadJobStatus(%d)", int(s))
	}
}

// DownloadJob is one file to fetch for a chunk
type DownloadJob struct {
	ChunkID int32
	File    FileEntry
	Origin  ContentOrigin
	Attempt int
	Status  DownloadJobStatus
}

const (
	DefaultWorkers    = 8
	DefaultBufferSize = 64 << 10
)

// SchedulerOptions configures a DownloadScheduler
type SchedulerOptions struct {
	// Workers is the number of concurrent file fetches. Default: 8
	Workers int
	// QueueSize bounds the job queue. Default: 4 * Workers
	QueueSize int
	// Retry is applied per file
	Retry RetryPolicy
	// BufferSize is the copy buffer per fetch. Default: 64 KiB
	BufferSize int
	// Limiter caps the combined read rate. Optional.
	Limiter *SpeedLimiter
	// OnBytes receives progress deltas; failed attempts report a negative delta. Optional.
	OnBytes DelegateWriteStreamInfo
}

type chunkGroup struct {
	chunkID   int32
	ctx       context.Context
	cancel    context.CancelCauseFunc
	runs      []*jobRun
	remaining int
	err       error
	future    *Future[struct{}]
}

type jobRun struct {
	job   DownloadJob
	group *chunkGroup
}

// DownloadScheduler runs chunk file downloads on a fixed pool of workers.
// Files of one chunk form a group; the chunk is Downloaded when every file of the
// group succeeded and Failed as soon as one of them fails for good, which cancels
// the group's remaining files.
type DownloadScheduler struct {
	source  ContentSource
	store   *ContentStore
	tracker *ChunkStateTracker
	opts    SchedulerOptions

	ctx    context.Context
	cancel context.CancelFunc
	queue  chan *jobRun

	mu      sync.Mutex
	groups  map[int32]*chunkGroup
	closed  bool
	workers sync.WaitGroup
	feeders sync.WaitGroup

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

// NewDownloadScheduler starts the worker pool
func NewDownloadScheduler(source ContentSource, store *ContentStore, tracker *ChunkStateTracker, opts SchedulerOptions) *DownloadScheduler {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 4 * opts.Workers
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	opts.Retry = opts.Retry.normalized()

	ctx, cancel := context.WithCancel(context.Background())
	s := &DownloadScheduler{
		source:  source,
		store:   store,
		tracker: tracker,
		opts:    opts,
		ctx:     ctx,
		cancel:  cancel,
		queue:   make(chan *jobRun, opts.QueueSize),
		groups:  make(map[int32]*chunkGroup),
	}

	s.workers.Add(opts.Workers)
	for i := 0; i < opts.Workers; i++ {
		go s.worker()
	}
	return s
}

// Workers returns the pool size
func (s *DownloadScheduler) Workers() int { return s.opts.Workers }

// MaxConcurrentFetches returns the highest number of simultaneous fetches seen
func (s *DownloadScheduler) MaxConcurrentFetches() int {
	return int(s.maxInFlight.Load())
}

// Enqueue schedules jobs, grouped by chunk. Every chunk named by jobs must be
// NotDownloaded or Failed and must not already be downloading; otherwise no
// chunk is started and the cause is returned.
func (s *DownloadScheduler) Enqueue(jobs []DownloadJob) error {
	var order []int32
	byChunk := make(map[int32][]DownloadJob)
	for _, job := range jobs {
		if _, ok := byChunk[job.ChunkID]; !ok {
			order = append(order, job.ChunkID)
		}
		byChunk[job.ChunkID] = append(byChunk[job.ChunkID], job)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSchedulerClosed
	}
	for _, id := range order {
		if _, active := s.groups[id]; active {
			s.mu.Unlock()
			return fmt.Errorf("chunk %d: %w", id, ErrBusy)
		}
	}
	s.mu.Unlock()

	for _, id := range order {
		status, err := s.tracker.Status(id)
		if err != nil {
			return err
		}
		if status != StatusNotDownloaded && status != StatusFailed {
			return fmt.Errorf("chunk %d is %v: %w", id, status, ErrInvalidTransition)
		}
	}

	var started []int32
	for _, id := range order {
		future, ok := s.start(id, byChunk[id], false)
		if !ok {
			// lost a race with another caller; stop what this call started
			for _, prev := range started {
				s.Cancel(prev)
			}
			_, _, err := future.Result()
			return err
		}
		started = append(started, id)
	}
	return nil
}

// EnqueueChunk schedules every file of chunk. A chunk that is already Downloaded
// or Mounted resolves immediately; a chunk that is downloading returns the
// running download's future.
func (s *DownloadScheduler) EnqueueChunk(chunk *ChunkManifest, origin ContentOrigin) *Future[struct{}] {
	status, err := s.tracker.Status(chunk.ChunkID)
	if err != nil {
		return resolvedFuture(struct{}{}, err)
	}
	if status == StatusDownloaded || status == StatusMounted {
		return resolvedFuture(struct{}{}, nil)
	}

	jobs := make([]DownloadJob, len(chunk.Files))
	for i, f := range chunk.Files {
		jobs[i] = DownloadJob{ChunkID: chunk.ChunkID, File: f, Origin: origin}
	}
	future, _ := s.start(chunk.ChunkID, jobs, true)
	return future
}

// start registers a group for chunkID and feeds its jobs to the workers. With
// share set, an already running group's future is returned instead of failing.
func (s *DownloadScheduler) start(chunkID int32, jobs []DownloadJob, share bool) (*Future[struct{}], bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return resolvedFuture(struct{}{}, ErrSchedulerClosed), false
	}
	if g, active := s.groups[chunkID]; active {
		s.mu.Unlock()
		if share {
			return g.future, false
		}
		return resolvedFuture(struct{}{}, fmt.Errorf("chunk %d: %w", chunkID, ErrBusy)), false
	}
	ctx, cancel := context.WithCancelCause(s.ctx)
	g := &chunkGroup{chunkID: chunkID, ctx: ctx, cancel: cancel, future: newFuture[struct{}]()}
	s.groups[chunkID] = g
	s.mu.Unlock()

	if err := s.tracker.beginDownload(chunkID); err != nil {
		s.mu.Lock()
		delete(s.groups, chunkID)
		s.mu.Unlock()
		cancel(err)
		g.future.resolve(struct{}{}, err)
		return g.future, false
	}

	for _, job := range jobs {
		if s.store.IsVerified(job.File) {
			continue
		}
		job.Status = JobQueued
		g.runs = append(g.runs, &jobRun{job: job, group: g})
	}

	s.mu.Lock()
	g.remaining = len(g.runs)
	if len(g.runs) == 0 {
		s.mu.Unlock()
		PushLogDebug(s, fmt.Sprintf("Chunk %d: all files already verified", chunkID))
		s.complete(g)
		return g.future, true
	}
	if s.closed {
		s.mu.Unlock()
		for _, run := range g.runs {
			s.finish(run, ErrSchedulerClosed)
		}
		return g.future, true
	}
	s.feeders.Add(1)
	s.mu.Unlock()

	PushLogDebug(s, fmt.Sprintf("Chunk %d: queued %d of %d files", chunkID, len(g.runs), len(jobs)))
	go s.feed(g)
	return g.future, true
}

func (s *DownloadScheduler) feed(g *chunkGroup) {
	defer s.feeders.Done()
	for i, run := range g.runs {
		select {
		case s.queue <- run:
		case <-g.ctx.Done():
			for _, skipped := range g.runs[i:] {
				s.finish(skipped, context.Cause(g.ctx))
			}
			return
		}
	}
}

func (s *DownloadScheduler) worker() {
	defer s.workers.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case run := <-s.queue:
			s.run(run)
		}
	}
}

func (s *DownloadScheduler) run(run *jobRun) {
	g := run.group
	if err := g.ctx.Err(); err != nil {
		s.finish(run, context.Cause(g.ctx))
		return
	}

	s.setJobStatus(run, JobRunning)
	_, attempts, err := WaitForRetry(g.ctx, s.opts.Retry, isRetryableDownload,
		func(ctx context.Context) (struct{}, error) {
			s.mu.Lock()
			run.job.Attempt++
			s.mu.Unlock()
			return struct{}{}, s.fetch(ctx, run.job)
		},
		func(attempt, total int, err error) {
			PushLogWarning(s, fmt.Sprintf("Error downloading chunk %d file: %s | Retry %d/%d: %v",
				run.job.ChunkID, run.job.File.RelativePath, attempt, total, err))
		})

	if err != nil && g.ctx.Err() == nil {
		err = &DownloadError{ChunkID: run.job.ChunkID, Path: run.job.File.RelativePath, Attempts: attempts, Err: err}
	} else if err != nil {
		err = context.Cause(g.ctx)
	} else {
		s.tracker.fileCompleted(run.job.ChunkID)
	}
	s.finish(run, err)
}

func isRetryableDownload(err error) bool {
	return IsRetryable(err) || errors.Is(err, ErrContentMismatch)
}

// fetch downloads one file into the content store. Bytes reported during a failed
// attempt are rolled back before it returns.
func (s *DownloadScheduler) fetch(ctx context.Context, job DownloadJob) (err error) {
	n := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		seen := s.maxInFlight.Load()
		if n <= seen || s.maxInFlight.CompareAndSwap(seen, n) {
			break
		}
	}
	if s.opts.Limiter != nil {
		s.opts.Limiter.IncrementChunkProcessedCount()
		defer s.opts.Limiter.DecrementChunkProcessedCount()
	}

	var reported int64
	defer func() {
		if err != nil && reported != 0 {
			s.reportBytes(job.ChunkID, -reported)
		}
	}()

	body, err := s.source.Open(ctx, job.Origin, job.File)
	if err != nil {
		return err
	}
	defer body.Close()

	payload, closePayload, err := decodePayload(body, job.Origin.Encoding, job.File.RelativePath)
	if err != nil {
		return err
	}
	defer closePayload()

	staged, err := s.store.Create(job.File)
	if err != nil {
		return err
	}

	reader := NewProgressReader(ctx, payload, s.opts.Limiter, func(n int64) {
		reported += n
		s.reportBytes(job.ChunkID, n)
	})
	if _, err := reader.CopyTo(staged, s.opts.BufferSize); err != nil {
		staged.Abort()
		return err
	}
	if err := staged.Commit(); err != nil {
		return err
	}

	PushLogDebug(s, fmt.Sprintf("Downloaded: %s (%d bytes)", job.File.RelativePath, staged.Written()))
	return nil
}

func (s *DownloadScheduler) reportBytes(chunkID int32, delta int64) {
	s.tracker.addBytes(chunkID, delta)
	if s.opts.OnBytes != nil {
		s.opts.OnBytes(chunkID, delta)
	}
}

// decodePayload wraps body according to the origin's transfer encoding. Read
// failures from the network or the decoder are reported as retryable.
func decodePayload(body io.Reader, encoding PayloadEncoding, path string) (io.Reader, func(), error) {
	body = payloadReader{r: body, path: path}
	switch encoding {
	case EncodingNone:
		return body, func() {}, nil
	case EncodingZstd:
		dec, err := zstd.NewReader(body, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create zstd reader: %w", err)
		}
		return payloadReader{r: dec, path: path}, dec.Close, nil
	case EncodingLZ4:
		return payloadReader{r: lz4.NewReader(body), path: path}, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("%s: unsupported payload encoding %v", path, encoding)
	}
}

type payloadReader struct {
	r    io.Reader
	path string
}

func (p payloadReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if err != nil && err != io.EOF {
		var te *TransportError
		if !errors.As(err, &te) {
			err = &TransportError{URL: p.path, Retryable: true, Err: err}
		}
	}
	return n, err
}

func (s *DownloadScheduler) setJobStatus(run *jobRun, status DownloadJobStatus) {
	s.mu.Lock()
	run.job.Status = status
	s.mu.Unlock()
}

// finish records one job's terminal result. The first failure of a group wins
// and cancels the rest of the group.
func (s *DownloadScheduler) finish(run *jobRun, err error) {
	g := run.group
	s.mu.Lock()
	switch {
	case err == nil:
		run.job.Status = JobSucceeded
	case g.err != nil || errors.Is(err, ErrCancelled) || errors.Is(err, ErrSchedulerClosed):
		run.job.Status = JobCancelled
	default:
		run.job.Status = JobFailed
	}
	if err != nil && g.err == nil {
		g.err = err
		g.cancel(err)
	}
	g.remaining--
	done := g.remaining == 0
	s.mu.Unlock()

	if done {
		s.complete(g)
	}
}

func (s *DownloadScheduler) complete(g *chunkGroup) {
	s.mu.Lock()
	err := g.err
	s.mu.Unlock()

	if err == nil {
		if terr := s.tracker.markDownloaded(g.chunkID); terr != nil {
			err = terr
		} else {
			PushLogInfo(s, fmt.Sprintf("Chunk %d downloaded", g.chunkID))
		}
	} else {
		if terr := s.tracker.markFailed(g.chunkID, err); terr != nil {
			PushLogError(s, fmt.Sprintf("Chunk %d: %v", g.chunkID, terr))
		}
		if errors.Is(err, ErrCancelled) {
			PushLogInfo(s, fmt.Sprintf("Chunk %d download cancelled", g.chunkID))
		} else {
			PushLogError(s, fmt.Sprintf("Chunk %d failed: %v", g.chunkID, err))
		}
	}

	s.mu.Lock()
	if s.groups[g.chunkID] == g {
		delete(s.groups, g.chunkID)
	}
	s.mu.Unlock()
	g.cancel(nil)
	g.future.resolve(struct{}{}, err)
}

// Jobs returns a snapshot of the running jobs of a chunk
func (s *DownloadScheduler) Jobs(chunkID int32) []DownloadJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[chunkID]
	if !ok {
		return nil
	}
	jobs := make([]DownloadJob, len(g.runs))
	for i, run := range g.runs {
		jobs[i] = run.job
	}
	return jobs
}

// IsDownloading reports whether the chunk has a running download
func (s *DownloadScheduler) IsDownloading(chunkID int32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.groups[chunkID]
	return ok
}

// Cancel stops a chunk's download. Queued files are skipped and running fetches
// stop at their next read; the chunk ends Failed with a *CancellationError.
// It reports false when the chunk is not downloading.
func (s *DownloadScheduler) Cancel(chunkID int32) bool {
	s.mu.Lock()
	g, ok := s.groups[chunkID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	cerr := &CancellationError{ChunkID: chunkID}
	if g.err == nil {
		g.err = cerr
	}
	s.mu.Unlock()

	g.cancel(cerr)
	return true
}

// Await waits for the chunk's download to finish. A chunk that is not downloading
// succeeds only when it is Downloaded or Mounted; a Failed chunk reports its
// recorded error and any other chunk ErrNotDownloaded.
func (s *DownloadScheduler) Await(ctx context.Context, chunkID int32) error {
	s.mu.Lock()
	g, ok := s.groups[chunkID]
	s.mu.Unlock()
	if ok {
		return g.future.Err(ctx)
	}

	st, known := s.tracker.State(chunkID)
	if !known {
		return fmt.Errorf("chunk %d: %w", chunkID, ErrUnknownChunk)
	}
	switch st.Status {
	case StatusDownloaded, StatusMounted:
		return nil
	case StatusFailed:
		if st.Err != nil {
			return st.Err
		}
	}
	return fmt.Errorf("chunk %d is %v: %w", chunkID, st.Status, ErrNotDownloaded)
}

// Close stops the workers. Running downloads end Failed with ErrSchedulerClosed.
func (s *DownloadScheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for _, g := range s.groups {
		if g.err == nil {
			g.err = ErrSchedulerClosed
		}
		g.cancel(ErrSchedulerClosed)
	}
	s.mu.Unlock()

	s.cancel()
	s.workers.Wait()

	feedersDone := make(chan struct{})
	go func() {
		s.feeders.Wait()
		close(feedersDone)
	}()
	for {
		select {
		case run := <-s.queue:
			s.finish(run, ErrSchedulerClosed)
		case <-feedersDone:
			for {
				select {
				case run := <-s.queue:
					s.finish(run, ErrSchedulerClosed)
				default:
					return
				}
			}
		}
	}
}
