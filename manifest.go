package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/riverfog7/ChunkPatcher/internal"
)

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func VersionCommand(cfg internal.Config) int {
	ctx, cancel := signalContext()
	defer cancel()

	transport := internal.NewHTTPTransport(cfg.HTTPOptions())
	buildID, err := internal.QueryBuildID(ctx, transport, cfg.VersionURL, cfg.RetryPolicy())
	if err != nil {
		fmt.Printf("Error getting patch version: %v\n", err)
		return 1
	}
	fmt.Println(buildID)
	return 0
}

func SyncCommand(cfg internal.Config, cmd *SyncCmd) int {
	ctx, cancel := signalContext()
	defer cancel()

	patcher, _, err := internal.NewPatcherFromConfig(cfg, nil)
	if err != nil {
		fmt.Printf("Error creating patcher: %v\n", err)
		return 1
	}
	defer patcher.Close()

	var outcome *internal.SyncOutcome
	if cmd.BuildID != "" {
		outcome, err = patcher.Sync(ctx, cmd.BuildID)
	} else {
		outcome, err = patcher.InitPatching(ctx)
	}
	if err != nil {
		fmt.Printf("Error syncing manifest: %v\n", err)
		return 1
	}
	printSyncSummary(outcome, cmd.Verbose)
	return 0
}

func printSyncSummary(outcome *internal.SyncOutcome, verbose bool) {
	previous := outcome.PreviousBuildID
	if previous == "" {
		previous = "none"
	}
	fmt.Printf("Deployment: %s\nBuild: %s (cached: %s)\nChanged files: %d\n",
		outcome.DeploymentName, outcome.BuildID, previous, len(outcome.Changed))
	if verbose {
		for _, c := range outcome.Changed {
			fmt.Printf("  %-8s chunk %-6d %s\n", c.Kind, c.ChunkID, c.Entry.RelativePath)
		}
	}
	if outcome.UpToDate() {
		fmt.Println("All chunks are up to date")
		return
	}
	fmt.Printf("To download: %d chunks, %d files, %s\n",
		len(outcome.ChunksToDownload), outcome.FilesToDownload, internal.SummarizeSizeSimple(float64(outcome.BytesToDownload)))
}

func StatusCommand(cfg internal.Config) int {
	patcher, _, err := internal.NewPatcherFromConfig(cfg, nil)
	if err != nil {
		fmt.Printf("Error creating patcher: %v\n", err)
		return 1
	}
	defer patcher.Close()

	ok, err := patcher.RestoreCached()
	if err != nil {
		fmt.Printf("Error reading cached manifest: %v\n", err)
		return 1
	}
	if !ok {
		fmt.Printf("No cached manifest for %s\n", patcher.DeploymentName())
		return 1
	}

	fmt.Printf("Deployment: %s\nBuild: %s\n\n", patcher.DeploymentName(), patcher.Manifest().BuildID())
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CHUNK\tSTATUS\tFILES\tSIZE")
	for _, st := range patcher.ChunkStates() {
		fmt.Fprintf(w, "%d\t%v\t%d/%d\t%s/%s\n", st.ChunkID, st.Status,
			st.FilesDownloaded, st.FilesTotal,
			internal.SummarizeSizeSimple(float64(st.BytesDownloaded)), internal.SummarizeSizeSimple(float64(st.BytesTotal)))
	}
	w.Flush()

	stats := patcher.Stats()
	fmt.Printf("\n%d/%d files, %.2f/%.2f MB (%.1f%%)\n",
		stats.FilesDownloaded, stats.TotalFilesToDownload,
		stats.MBDownloaded(), stats.TotalMBToDownload(), stats.DownloadPercent())
	return 0
}

func ManifestCommand(cfg internal.Config, cmd *ManifestCmd) int {
	ctx, cancel := signalContext()
	defer cancel()

	transport := internal.NewHTTPTransport(cfg.HTTPOptions())
	buildID := cmd.BuildID
	if buildID == "" {
		var err error
		if buildID, err = internal.QueryBuildID(ctx, transport, cfg.VersionURL, cfg.RetryPolicy()); err != nil {
			fmt.Printf("Error getting patch version: %v\n", err)
			return 1
		}
	}

	url := internal.ManifestURL(cfg.ManifestURL, cfg.DeploymentName, buildID, cfg.Platform)
	data, _, err := internal.WaitForRetry(ctx, cfg.RetryPolicy(), internal.IsRetryable,
		func(ctx context.Context) ([]byte, error) {
			return transport.Fetch(ctx, url, http.MethodGet, nil)
		}, nil)
	if err != nil {
		fmt.Printf("Error getting manifest: %v\n", err)
		return 1
	}
	manifest, err := internal.ParseManifestDocument(data, buildID)
	if err != nil {
		fmt.Printf("Error parsing manifest: %v\n", err)
		return 1
	}

	var out []byte
	switch cmd.Format {
	case "json":
		out, err = internal.EncodeManifestDocumentJSON(manifest)
	case "cbor":
		out, err = internal.EncodeManifestDocumentCBOR(manifest)
	default:
		err = fmt.Errorf("unsupported format %q", cmd.Format)
	}
	if err != nil {
		fmt.Printf("Error encoding manifest: %v\n", err)
		return 1
	}

	if cmd.OutputPath == "-" {
		os.Stdout.Write(out)
		if cmd.Format == "json" {
			fmt.Println()
		}
		return 0
	}
	if err := os.WriteFile(cmd.OutputPath, out, 0o644); err != nil {
		fmt.Printf("Error writing output: %v\n", err)
		return 1
	}
	fmt.Printf("Manifest written to: %s\n", cmd.OutputPath)
	return 0
}
