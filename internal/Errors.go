package internal

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by the patcher components
var (
	ErrNotFound          = errors.New("patcher: build manifest not found")
	ErrCancelled         = errors.New("patcher: operation cancelled")
	ErrInvalidTransition = errors.New("patcher: invalid chunk status transition")
	ErrUnknownChunk      = errors.New("patcher: chunk is not part of the current manifest")
	ErrManifestNotReady  = errors.New("patcher: build manifest is not up to date")
	ErrPatchInProgress   = errors.New("patcher: a patch is already in progress")
	ErrBusy              = errors.New("patcher: chunks are still downloading")
	ErrSchedulerClosed   = errors.New("patcher: download scheduler is closed")
	ErrNotDownloaded     = errors.New("patcher: chunk has not been downloaded")
)

// TransportError is a network-layer failure. Retryable errors may be retried by the caller.
type TransportError struct {
	URL        string
	StatusCode int
	Retryable  bool
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transport: %s: HTTP %d: %v", e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transport: %s: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a transient transport failure
func IsRetryable(err error) bool {
	var te *TransportError
	if errors.As(err, &te) {
		return te.Retryable
	}
	return false
}

// ParseError is returned for malformed manifest documents or cache blobs.
// It is fatal for the operation that produced it and never retried.
type ParseError struct {
	Source string
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %v", e.Source, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// SyncErrorKind classifies manifest synchronization failures
type SyncErrorKind int

const (
	NetworkFailure SyncErrorKind = iota
	ParseFailure
	NotFound
)

func (k SyncErrorKind) String() string {
	switch k {
	case NetworkFailure:
		return "NetworkFailure"
	case ParseFailure:
		return "ParseError"
	case NotFound:
		return "NotFound"
	default:
		return fmt.Sprintf("SyncErrorKind(%d)", int(k))
	}
}

// SyncError is the failure outcome of ManifestSynchronizer.Sync
type SyncError struct {
	Kind           SyncErrorKind
	DeploymentName string
	BuildID        string
	Err            error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("sync %s@%s: %s: %v", e.DeploymentName, e.BuildID, e.Kind, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

// DownloadError reports a file that could not be fetched after exhausting its attempts
type DownloadError struct {
	ChunkID  int32
	Path     string
	Attempts int
	Err      error
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("download chunk %d file %s after %d attempts: %v", e.ChunkID, e.Path, e.Attempts, e.Err)
}

func (e *DownloadError) Unwrap() error { return e.Err }

// MountError reports a failed mount. The chunk keeps its Downloaded status.
type MountError struct {
	ChunkID int32
	Err     error
}

func (e *MountError) Error() string {
	return fmt.Sprintf("mount chunk %d: %v", e.ChunkID, e.Err)
}

func (e *MountError) Unwrap() error { return e.Err }

// CancellationError marks a user-initiated cancellation of a chunk download.
// It is not a failure signal for upstream metrics.
type CancellationError struct {
	ChunkID int32
}

func (e *CancellationError) Error() string {
	return fmt.Sprintf("chunk %d: download cancelled", e.ChunkID)
}

func (e *CancellationError) Is(target error) bool { return target == ErrCancelled }
