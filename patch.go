package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/riverfog7/ChunkPatcher/internal"
)

var (
	cancelMessage atomic.Value
	currentRead   atomic.Int64
	isRetry       atomic.Bool
)

func PatchCommand(cfg internal.Config, cmd *PatchCmd) int {
	chunks := cmd.Chunks
	if len(chunks) == 0 {
		chunks = cfg.Chunks
	}

startPatch:
	ctx, cancel := context.WithCancel(context.Background())
	cancelMessage.Store("[\"C\"] Stop or [\"R\"] Restart")
	isRetry.Store(false)
	currentRead.Store(0)

	patcher, mounter, err := internal.NewPatcherFromConfig(cfg, func(_ int32, read int64) {
		currentRead.Add(read)
	})
	if err != nil {
		fmt.Printf("Error creating patcher: %v\n", err)
		cancel()
		return 1
	}

	// Setup signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigChan:
			cancelMessage.Store("Cancelling patch...")
			cancel()
		case <-ctx.Done():
		}
	}()

	// Setup key monitoring
	go appExitKeyTrigger(ctx, cancel)

	code := runPatch(ctx, patcher, cmd, chunks)

	signal.Stop(sigChan)
	cancel()
	patcher.Close()

	if isRetry.Load() {
		goto startPatch
	}
	if code == 0 {
		fmt.Printf("Chunks mounted at: %s\n", mounter.Root())
	}
	return code
}

func runPatch(ctx context.Context, patcher *internal.Patcher, cmd *PatchCmd, chunks []int32) int {
	if err := prepareManifest(ctx, patcher, cmd); err != nil {
		fmt.Printf("Error preparing manifest: %v\n", err)
		return 1
	}

	handle := patcher.SubscribeChunkStatus(func(change internal.StatusChange) {
		switch change.To {
		case internal.StatusDownloaded:
			fmt.Printf("\nDownloaded: chunk %d\n", change.ChunkID)
		case internal.StatusMounted:
			fmt.Printf("\nMounted: chunk %d\n", change.ChunkID)
		case internal.StatusFailed:
			fmt.Printf("\nFailed: chunk %d: %v\n", change.ChunkID, change.Err)
		}
	})
	defer patcher.UnsubscribeChunkStatus(handle)

	startTime := time.Now()
	stopProgress := make(chan struct{})
	progressDone := make(chan struct{})
	go func() {
		reportProgress(stopProgress, patcher, startTime)
		close(progressDone)
	}()

	err := patcher.PatchGame(ctx, chunks).Err(ctx)
	close(stopProgress)
	<-progressDone

	switch {
	case err == nil:
		return 0
	case errors.Is(err, context.Canceled), errors.Is(err, internal.ErrCancelled):
		fmt.Println("Patch cancelled")
		return 130
	default:
		fmt.Printf("Patch failed: %v\n", err)
		return 1
	}
}

// prepareManifest syncs the requested build, or restores the cached manifest when offline
func prepareManifest(ctx context.Context, patcher *internal.Patcher, cmd *PatchCmd) error {
	if cmd.Offline {
		ok, err := patcher.RestoreCached()
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("no cached manifest for %s", patcher.DeploymentName())
		}
		return nil
	}

	var (
		outcome *internal.SyncOutcome
		err     error
	)
	if cmd.BuildID != "" {
		outcome, err = patcher.Sync(ctx, cmd.BuildID)
	} else {
		outcome, err = patcher.InitPatching(ctx)
	}
	if err != nil {
		return err
	}
	printSyncSummary(outcome, false)
	return nil
}

func reportProgress(stop chan struct{}, patcher *internal.Patcher, startTime time.Time) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			stats := patcher.Stats()
			elapsed := time.Since(startTime).Seconds()
			speed := float64(currentRead.Load()) / elapsed

			fmt.Printf("\r%s | %d/%d files | %s/%s (%.1f%%, %s/s)    ",
				cancelMessage.Load(),
				stats.FilesDownloaded,
				stats.TotalFilesToDownload,
				internal.SummarizeSizeSimple(float64(stats.BytesDownloaded)),
				internal.SummarizeSizeSimple(float64(stats.TotalBytesToDownload)),
				stats.DownloadPercent(),
				internal.SummarizeSizeSimple(speed),
			)
		case <-stop:
			fmt.Println("\nPatch finished!")
			return
		}
	}
}

func appExitKeyTrigger(ctx context.Context, cancel func()) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
			var b [1]byte
			_, err := os.Stdin.Read(b[:])
			if err != nil {
				return
			}

			switch b[0] {
			case 'C', 'c':
				cancelMessage.Store("Cancelling patch...")
				cancel()
				return
			case 'R', 'r':
				isRetry.Store(true)
				cancelMessage.Store("Restarting patch...")
				cancel()
				return
			}
		}
	}
}
