package main

import (
	"fmt"
	"os"

	"github.com/alexflint/go-arg"
	"go.uber.org/zap"

	"github.com/riverfog7/ChunkPatcher/internal"
)

// ConfigArgs are shared by every command and override the config file and environment
type ConfigArgs struct {
	Config      string `arg:"-c,--config,env:PATCHER_CONFIG" help:"Path to YAML config file"`
	Deployment  string `arg:"-d,--deployment" help:"Deployment name (default: Patcher-Live)"`
	Platform    string `arg:"--platform" help:"Platform substituted into the manifest URL"`
	VersionURL  string `arg:"--version-url" help:"Patch version endpoint"`
	ManifestURL string `arg:"--manifest-url" help:"Manifest URL template ({deployment}, {build_id}, {platform})"`
	ContentURL  string `arg:"--content-url" help:"Override the content base URL from the manifest"`
	CacheDir    string `arg:"--cache-dir" help:"Manifest cache directory"`
	ContentDir  string `arg:"--content-dir" help:"Downloaded chunk files directory"`
	MountDir    string `arg:"--mount-dir" help:"Mount root directory"`
	Workers     int    `arg:"-w,--workers" help:"Amount of concurrent file downloads (default: 8)"`
	SpeedLimit  string `arg:"--speed-limit" help:"Download speed limit, e.g. 10MB (per second)"`
	LogLevel    string `arg:"--log-level" help:"debug, info, warn or error"`
}

type VersionCmd struct{}

type SyncCmd struct {
	BuildID string `arg:"-b,--build-id" help:"Build ID to sync (default: ask the version endpoint)"`
	Verbose bool   `arg:"-v,--verbose" help:"List every changed file"`
}

type PatchCmd struct {
	Chunks  []int32 `arg:"positional" help:"Chunk IDs to patch (default: configured chunks, or all)"`
	BuildID string  `arg:"-b,--build-id" help:"Build ID to sync before patching"`
	Offline bool    `arg:"--offline" help:"Patch against the cached manifest without syncing"`
}

type StatusCmd struct{}

type ManifestCmd struct {
	OutputPath string `arg:"positional" default:"-" help:"Path to output file or - for stdout"`
	BuildID    string `arg:"-b,--build-id" help:"Build ID (default: ask the version endpoint)"`
	Format     string `arg:"-f,--format" default:"json" help:"json or cbor"`
}

// Root command struct
type Args struct {
	ConfigArgs
	Version  *VersionCmd  `arg:"subcommand:version" help:"Print the current build ID"`
	Sync     *SyncCmd     `arg:"subcommand:sync" help:"Synchronize the build manifest"`
	Patch    *PatchCmd    `arg:"subcommand:patch" help:"Download and mount chunks"`
	Status   *StatusCmd   `arg:"subcommand:status" help:"Show chunk states from the cached manifest"`
	Manifest *ManifestCmd `arg:"subcommand:manifest" help:"Fetch and output the build manifest"`
}

func main() {
	var args Args
	parser := arg.MustParse(&args)
	if parser.Subcommand() == nil {
		parser.Fail("no command specified")
	}

	cfg, err := loadConfig(args.ConfigArgs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	logger, err := setupLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
		os.Exit(1)
	}

	var code int
	switch {
	case args.Version != nil:
		code = VersionCommand(cfg)
	case args.Sync != nil:
		code = SyncCommand(cfg, args.Sync)
	case args.Patch != nil:
		code = PatchCommand(cfg, args.Patch)
	case args.Status != nil:
		code = StatusCommand(cfg)
	case args.Manifest != nil:
		code = ManifestCommand(cfg, args.Manifest)
	}
	logger.Sync()
	os.Exit(code)
}

// loadConfig layers defaults, the config file, PATCHER_* variables and flags
func loadConfig(a ConfigArgs) (internal.Config, error) {
	cfg := internal.Default()
	if a.Config != "" {
		loaded, err := internal.LoadFromFile(a.Config)
		if err != nil {
			return internal.Config{}, err
		}
		cfg = loaded
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return internal.Config{}, err
	}

	override := internal.Config{
		DeploymentName: a.Deployment,
		Platform:       a.Platform,
		VersionURL:     a.VersionURL,
		ManifestURL:    a.ManifestURL,
		ContentURL:     a.ContentURL,
		CacheDir:       a.CacheDir,
		ContentDir:     a.ContentDir,
		MountDir:       a.MountDir,
		Workers:        a.Workers,
		LogLevel:       a.LogLevel,
	}
	if a.SpeedLimit != "" {
		limit, err := internal.ParseBytes(a.SpeedLimit)
		if err != nil {
			return internal.Config{}, fmt.Errorf("parse --speed-limit: %w", err)
		}
		override.SpeedLimit = limit
	}
	return cfg.Merge(override), nil
}

// setupLogger routes the internal log handler to a zap logger on stderr
func setupLogger(level string) (*zap.Logger, error) {
	logger, err := internal.NewZapLogger(level, os.Stderr)
	if err != nil {
		return nil, err
	}
	internal.LogHandler = internal.ZapLogHandler(logger)
	return logger, nil
}
