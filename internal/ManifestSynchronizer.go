package internal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// SyncOptions configures a ManifestSynchronizer
type SyncOptions struct {
	// ManifestURL is a template; {deployment}, {build_id} and {platform} are replaced
	ManifestURL string
	Platform    string
	Retry       RetryPolicy
	// Headers are sent with every manifest request
	Headers map[string]string
	// Origin, when its BaseURL is set, replaces the origin advertised by the document
	Origin ContentOrigin
}

// SyncOutcome is the result of a successful Sync
type SyncOutcome struct {
	DeploymentName  string
	BuildID         string
	PreviousBuildID string
	Manifest        *BuildManifest
	// Changed lists file differences against the cached manifest
	Changed []FileChange
	// ChunksToDownload lists chunks with files that are not verified locally, ascending
	ChunksToDownload []int32
	FilesToDownload  int
	BytesToDownload  int64
	Epoch            uint64
}

// UpToDate reports whether every file of the manifest is already present locally
func (o *SyncOutcome) UpToDate() bool {
	return len(o.ChunksToDownload) == 0
}

// ManifestSynchronizer brings the cached manifest of a deployment up to date with
// the remote build manifest and starts a new tracker epoch for it.
type ManifestSynchronizer struct {
	transport Transport
	store     ManifestStore
	local     LocalContent
	tracker   *ChunkStateTracker
	opts      SyncOptions
}

// NewManifestSynchronizer wires a synchronizer; local may be nil when nothing is on disk
func NewManifestSynchronizer(transport Transport, store ManifestStore, local LocalContent,
	tracker *ChunkStateTracker, opts SyncOptions) *ManifestSynchronizer {
	opts.Retry = opts.Retry.normalized()
	return &ManifestSynchronizer{
		transport: transport,
		store:     store,
		local:     local,
		tracker:   tracker,
		opts:      opts,
	}
}

// ManifestURL expands a manifest URL template
func ManifestURL(template, deploymentName, buildID, platform string) string {
	return strings.NewReplacer(
		"{deployment}", url.PathEscape(deploymentName),
		"{build_id}", url.PathEscape(buildID),
		"{platform}", url.PathEscape(platform),
	).Replace(template)
}

// Sync fetches the manifest of buildID and diffs it against the cached one.
// The new manifest replaces the cache only after the diff succeeded; failing to
// write the cache is logged and does not fail the sync.
func (s *ManifestSynchronizer) Sync(ctx context.Context, deploymentName, buildID string) (*SyncOutcome, error) {
	if deploymentName == "" || buildID == "" {
		return nil, &SyncError{Kind: NotFound, DeploymentName: deploymentName, BuildID: buildID,
			Err: errors.New("deployment name and build id are required")}
	}
	fail := func(kind SyncErrorKind, err error) (*SyncOutcome, error) {
		PushLogError(s, fmt.Sprintf("Manifest sync for %s@%s failed: %v", deploymentName, buildID, err))
		return nil, &SyncError{Kind: kind, DeploymentName: deploymentName, BuildID: buildID, Err: err}
	}

	cached, ok, err := s.store.LoadCachedManifest(deploymentName)
	if err != nil {
		PushLogWarning(s, fmt.Sprintf("Ignoring unreadable manifest cache for %s: %v", deploymentName, err))
		cached, ok = nil, false
	}
	if !ok {
		PushLogDebug(s, fmt.Sprintf("No cached manifest for %s", deploymentName))
	}

	manifestURL := ManifestURL(s.opts.ManifestURL, deploymentName, buildID, s.opts.Platform)
	PushLogInfo(s, fmt.Sprintf("Fetching build manifest: %s", manifestURL))
	data, _, err := WaitForRetry(ctx, s.opts.Retry, IsRetryable,
		func(ctx context.Context) ([]byte, error) {
			return s.transport.Fetch(ctx, manifestURL, http.MethodGet, s.opts.Headers)
		},
		func(attempt, total int, err error) {
			PushLogWarning(s, fmt.Sprintf("Manifest request failed | Retry %d/%d: %v", attempt, total, err))
		})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return fail(NotFound, err)
		}
		return fail(NetworkFailure, err)
	}

	next, err := ParseManifestDocument(data, buildID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return fail(NotFound, err)
		}
		return fail(ParseFailure, err)
	}
	if s.opts.Origin.BaseURL != "" {
		if next, err = NewBuildManifest(next.BuildID(), s.opts.Origin, next.Chunks()); err != nil {
			return fail(ParseFailure, err)
		}
	}

	changes := DiffManifests(cached, next)
	changedChunks := make(map[int32]bool)
	for _, c := range changes {
		changedChunks[c.ChunkID] = true
	}

	outcome := &SyncOutcome{
		DeploymentName:  deploymentName,
		BuildID:         buildID,
		PreviousBuildID: cached.BuildID(),
		Manifest:        next,
		Changed:         changes,
	}
	for _, c := range next.Chunks() {
		missing := false
		for _, f := range c.Files {
			if s.local == nil || !s.local.IsVerified(f) {
				missing = true
				outcome.FilesToDownload++
				outcome.BytesToDownload += f.ExpectedSize
			}
		}
		if missing {
			outcome.ChunksToDownload = append(outcome.ChunksToDownload, c.ChunkID)
		}
	}
	sort.Slice(outcome.ChunksToDownload, func(i, j int) bool {
		return outcome.ChunksToDownload[i] < outcome.ChunksToDownload[j]
	})

	if s.tracker != nil {
		epoch, err := s.tracker.Reset(next, s.local, changedChunks)
		if err != nil {
			return nil, err
		}
		outcome.Epoch = epoch
	}

	if err := s.store.SaveManifest(deploymentName, next); err != nil {
		PushLogWarning(s, fmt.Sprintf("Failed to cache manifest for %s: %v", deploymentName, err))
	}

	PushLogInfo(s, fmt.Sprintf("Manifest %s@%s synced: %d changed files, %d chunks (%d files, %d bytes) to download",
		deploymentName, buildID, len(changes), len(outcome.ChunksToDownload), outcome.FilesToDownload, outcome.BytesToDownload))
	return outcome, nil
}
