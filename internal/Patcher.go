package internal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
)

// PatcherPhase is the lifecycle position of a Patcher
type PatcherPhase int

const (
	PhaseIdle PatcherPhase = iota
	PhaseSyncing
	PhaseReady
	PhasePatching
)

func (p PatcherPhase) String() string {
	switch p {
	case PhaseIdle:
		return "Idle"
	case PhaseSyncing:
		return "Syncing"
	case PhaseReady:
		return "Ready"
	case PhasePatching:
		return "Patching"
	default:
		return fmt.Sprintf("PatcherPhase(%d)", int(p))
	}
}

// PatcherOptions configures a Patcher
type PatcherOptions struct {
	DeploymentName string
	// VersionURL answers with the current build ID; required by ResolveBuildID
	VersionURL string
	Sync       SyncOptions
	Scheduler  SchedulerOptions
}

// PatcherDeps are the collaborators of a Patcher
type PatcherDeps struct {
	Transport Transport
	Source    ContentSource
	Store     ManifestStore
	Content   *ContentStore
	Mounter   Mounter
}

// Patcher owns one deployment's manifest, chunk states, downloads and mounts.
// Host code subscribes to its observer registries for completion events.
type Patcher struct {
	// OnManifestSynced fires after every sync attempt with its success
	OnManifestSynced Observers[bool]
	// OnPatchComplete fires when a PatchGame call resolves
	OnPatchComplete Observers[bool]
	// OnSingleChunkComplete fires when a DownloadSingleChunk call resolves
	OnSingleChunkComplete Observers[ChunkResult]

	opts      PatcherOptions
	transport Transport
	store     ManifestStore
	content   *ContentStore
	tracker   *ChunkStateTracker
	scheduler *DownloadScheduler
	syncer    *ManifestSynchronizer
	mounts    *MountOrchestrator

	mu       sync.Mutex
	phase    PatcherPhase
	manifest *BuildManifest
	singles  map[int32]struct{}
}

// NewPatcher wires a Patcher and starts its download workers
func NewPatcher(opts PatcherOptions, deps PatcherDeps) (*Patcher, error) {
	if deps.Transport == nil || deps.Source == nil || deps.Store == nil || deps.Content == nil || deps.Mounter == nil {
		return nil, errors.New("patcher: transport, source, store, content and mounter are required")
	}
	if opts.DeploymentName == "" {
		opts.DeploymentName = DefaultDeploymentName
	}
	if err := validateDeploymentName(opts.DeploymentName); err != nil {
		return nil, err
	}

	p := &Patcher{
		opts:      opts,
		transport: deps.Transport,
		store:     deps.Store,
		content:   deps.Content,
		tracker:   NewChunkStateTracker(),
		singles:   make(map[int32]struct{}),
	}
	p.scheduler = NewDownloadScheduler(deps.Source, deps.Content, p.tracker, opts.Scheduler)
	p.syncer = NewManifestSynchronizer(deps.Transport, deps.Store, deps.Content, p.tracker, opts.Sync)
	p.mounts = NewMountOrchestrator(p.tracker, p.scheduler, deps.Content, deps.Mounter, p.Manifest)
	return p, nil
}

// NewPatcherFromConfig builds a Patcher with the HTTP collaborators, on-disk
// stores and a LinkMounter described by cfg
func NewPatcherFromConfig(cfg Config, onBytes DelegateWriteStreamInfo) (*Patcher, *LinkMounter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	origin, err := cfg.OriginOverride()
	if err != nil {
		return nil, nil, err
	}

	transport := NewHTTPTransport(cfg.HTTPOptions())
	store, err := NewFileManifestStore(filepath.Clean(cfg.CacheDir))
	if err != nil {
		return nil, nil, err
	}
	content, err := NewContentStore(filepath.Clean(cfg.ContentDir))
	if err != nil {
		return nil, nil, err
	}
	mounter, err := NewLinkMounter(filepath.Clean(cfg.MountDir))
	if err != nil {
		return nil, nil, err
	}

	var limiter *SpeedLimiter
	if cfg.SpeedLimit > 0 {
		limiter = NewSpeedLimiter(cfg.SpeedLimit)
	}

	p, err := NewPatcher(PatcherOptions{
		DeploymentName: cfg.DeploymentName,
		VersionURL:     cfg.VersionURL,
		Sync: SyncOptions{
			ManifestURL: cfg.ManifestURL,
			Platform:    cfg.Platform,
			Retry:       cfg.RetryPolicy(),
			Origin:      origin,
		},
		Scheduler: SchedulerOptions{
			Workers: cfg.Workers,
			Retry:   cfg.RetryPolicy(),
			Limiter: limiter,
			OnBytes: onBytes,
		},
	}, PatcherDeps{
		Transport: transport,
		Source:    NewHTTPContentSource(transport),
		Store:     store,
		Content:   content,
		Mounter:   mounter,
	})
	if err != nil {
		return nil, nil, err
	}
	return p, mounter, nil
}

// DeploymentName returns the deployment this patcher serves
func (p *Patcher) DeploymentName() string { return p.opts.DeploymentName }

// Phase returns the current phase
func (p *Patcher) Phase() PatcherPhase {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.phase
}

// Manifest returns the current manifest, or nil before the first sync
func (p *Patcher) Manifest() *BuildManifest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.manifest
}

// QueryBuildID asks a version endpoint for the current content build ID.
// The response body, trimmed, is the build ID.
func QueryBuildID(ctx context.Context, transport Transport, versionURL string, retry RetryPolicy) (string, error) {
	if versionURL == "" {
		return "", errors.New("patcher: version url is not configured")
	}
	headers := map[string]string{
		"User-Agent":   DefaultUserAgent,
		"Content-Type": "application/json",
	}
	body, _, err := WaitForRetry(ctx, retry, IsRetryable,
		func(ctx context.Context) ([]byte, error) {
			return transport.Fetch(ctx, versionURL, http.MethodGet, headers)
		}, nil)
	if err != nil {
		return "", fmt.Errorf("patcher: query patch version: %w", err)
	}

	buildID := strings.TrimSpace(string(body))
	if buildID == "" {
		return "", errors.New("patcher: version endpoint returned an empty build id")
	}
	return buildID, nil
}

// ResolveBuildID asks the configured version endpoint for the current build ID
func (p *Patcher) ResolveBuildID(ctx context.Context) (string, error) {
	buildID, err := QueryBuildID(ctx, p.transport, p.opts.VersionURL, p.opts.Sync.Retry)
	if err != nil {
		return "", err
	}
	PushLogInfo(p, fmt.Sprintf("Patch version: %s", buildID))
	return buildID, nil
}

// InitPatching resolves the current build ID and syncs its manifest
func (p *Patcher) InitPatching(ctx context.Context) (*SyncOutcome, error) {
	buildID, err := p.ResolveBuildID(ctx)
	if err != nil {
		PushLogError(p, err.Error())
		p.OnManifestSynced.Broadcast(false)
		return nil, err
	}
	return p.Sync(ctx, buildID)
}

// Sync synchronizes the manifest of buildID. It is rejected while a patch runs
// or chunks are downloading.
func (p *Patcher) Sync(ctx context.Context, buildID string) (*SyncOutcome, error) {
	p.mu.Lock()
	switch {
	case p.phase == PhasePatching:
		p.mu.Unlock()
		return nil, ErrPatchInProgress
	case p.phase == PhaseSyncing, len(p.singles) > 0, p.tracker.ActiveCount() > 0:
		p.mu.Unlock()
		return nil, ErrBusy
	}
	previous := p.phase
	p.phase = PhaseSyncing
	p.mu.Unlock()

	outcome, err := p.syncer.Sync(ctx, p.opts.DeploymentName, buildID)

	p.mu.Lock()
	if err != nil {
		p.phase = previous
	} else {
		p.manifest = outcome.Manifest
		p.phase = PhaseReady
	}
	p.mu.Unlock()

	p.OnManifestSynced.Broadcast(err == nil)
	return outcome, err
}

// RestoreCached makes the cached manifest current without contacting the server.
// It reports false when no usable cache exists.
func (p *Patcher) RestoreCached() (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.phase == PhasePatching {
		return false, ErrPatchInProgress
	}
	if p.phase == PhaseSyncing {
		return false, ErrBusy
	}

	m, ok, err := p.store.LoadCachedManifest(p.opts.DeploymentName)
	if err != nil || !ok {
		return false, err
	}
	if _, err := p.tracker.Reset(m, p.content, nil); err != nil {
		return false, err
	}
	p.manifest = m
	p.phase = PhaseReady
	PushLogInfo(p, fmt.Sprintf("Restored cached manifest %s@%s", p.opts.DeploymentName, m.BuildID()))
	return true, nil
}

// PatchGame downloads and mounts the listed chunks, or every chunk of the
// manifest when chunkIDs is empty. It resolves when all mounts resolved.
func (p *Patcher) PatchGame(ctx context.Context, chunkIDs []int32) *Future[struct{}] {
	p.mu.Lock()
	switch {
	case p.phase == PhasePatching:
		p.mu.Unlock()
		return resolvedFuture(struct{}{}, ErrPatchInProgress)
	case p.phase != PhaseReady || p.manifest == nil:
		p.mu.Unlock()
		return resolvedFuture(struct{}{}, ErrManifestNotReady)
	}
	ids, err := p.checkChunks(chunkIDs)
	if err != nil {
		p.mu.Unlock()
		return resolvedFuture(struct{}{}, err)
	}
	p.phase = PhasePatching
	p.mu.Unlock()

	PushLogInfo(p, fmt.Sprintf("Patching %d chunks", len(ids)))
	result := newFuture[struct{}]()
	p.mounts.MountChunks(ctx, ids).Then(func(_ struct{}, err error) {
		p.mu.Lock()
		p.phase = PhaseReady
		p.mu.Unlock()

		if err != nil {
			PushLogError(p, fmt.Sprintf("Patching failed: %v", err))
		} else {
			PushLogInfo(p, "Patching complete")
		}
		result.resolve(struct{}{}, err)
		p.OnPatchComplete.Broadcast(err == nil)
	})
	return result
}

// checkChunks validates chunkIDs against the manifest; p.mu must be held
func (p *Patcher) checkChunks(chunkIDs []int32) ([]int32, error) {
	if len(chunkIDs) == 0 {
		return p.manifest.ChunkIDs(), nil
	}
	for _, id := range chunkIDs {
		if _, ok := p.manifest.Chunk(id); !ok {
			return nil, fmt.Errorf("chunk %d: %w", id, ErrUnknownChunk)
		}
	}
	return chunkIDs, nil
}

// DownloadSingleChunk downloads and mounts one chunk outside of PatchGame
func (p *Patcher) DownloadSingleChunk(ctx context.Context, chunkID int32) *Future[struct{}] {
	p.mu.Lock()
	if p.manifest == nil || p.phase == PhaseSyncing || p.phase == PhaseIdle {
		p.mu.Unlock()
		return resolvedFuture(struct{}{}, ErrManifestNotReady)
	}
	if _, err := p.checkChunks([]int32{chunkID}); err != nil {
		p.mu.Unlock()
		return resolvedFuture(struct{}{}, err)
	}
	p.singles[chunkID] = struct{}{}
	p.mu.Unlock()

	result := newFuture[struct{}]()
	p.mounts.MountChunk(ctx, chunkID).Then(func(_ struct{}, err error) {
		p.mu.Lock()
		delete(p.singles, chunkID)
		p.mu.Unlock()

		result.resolve(struct{}{}, err)
		p.OnSingleChunkComplete.Broadcast(ChunkResult{ChunkID: chunkID, Succeeded: err == nil, Err: err})
	})
	return result
}

// IsDownloadingSingleChunks reports whether a DownloadSingleChunk call is pending
func (p *Patcher) IsDownloadingSingleChunks() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.singles) > 0
}

// IsChunkLoaded reports whether the chunk is mounted
func (p *Patcher) IsChunkLoaded(chunkID int32) bool {
	status, err := p.tracker.Status(chunkID)
	return err == nil && status == StatusMounted
}

// ChunkStatus returns a chunk's status
func (p *Patcher) ChunkStatus(chunkID int32) (ChunkStatus, error) {
	return p.tracker.Status(chunkID)
}

// ChunkStates returns every chunk's state
func (p *Patcher) ChunkStates() []ChunkState {
	return p.tracker.States()
}

// Stats returns the aggregate download progress
func (p *Patcher) Stats() LoadingStats {
	return p.tracker.Stats()
}

// SubscribeChunkStatus registers fn for chunk status transitions
func (p *Patcher) SubscribeChunkStatus(fn func(StatusChange)) SubscriptionHandle {
	return p.tracker.Subscribe(fn)
}

// UnsubscribeChunkStatus removes a chunk status subscriber
func (p *Patcher) UnsubscribeChunkStatus(h SubscriptionHandle) bool {
	return p.tracker.Unsubscribe(h)
}

// CancelChunk cancels a chunk's download
func (p *Patcher) CancelChunk(chunkID int32) bool {
	return p.scheduler.Cancel(chunkID)
}

// Close cancels pending mounts and stops the download workers
func (p *Patcher) Close() {
	p.mounts.Close()
	p.scheduler.Close()
}
