// Package main implements the essaylake-pack binary, which publishes
// datasets as snapshot triplets and manages published snapshots.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/essaylake/essaylake/internal/config"
	"github.com/essaylake/essaylake/internal/logger"
	"github.com/essaylake/essaylake/internal/snapshot"
	"github.com/essaylake/essaylake/internal/storage"
)

const usage = `essaylake-pack manages essay snapshots.

Usage:
  essaylake-pack publish -dataset data.json [-timestamp 20240110_120000] [options]
  essaylake-pack list [options]
  essaylake-pack prune -keep 3 [options]

Common options:
  -config         configuration file for storage settings
  -snapshot-dir   directory (object prefix) holding snapshot files
  -prefix         snapshot file name prefix
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	logger.Init("info", "console")
	log := logger.With("pack")

	cmd, args := os.Args[1], os.Args[2:]
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	configFile := fs.String("config", "", "Path to configuration file (YAML or JSON)")
	snapshotDir := fs.String("snapshot-dir", "", "Directory holding snapshot files")
	prefix := fs.String("prefix", "", "Snapshot file name prefix")

	var (
		datasetPath string
		timestamp   string
		workDir     string
		compress    bool
		keep        int
	)
	switch cmd {
	case "publish":
		fs.StringVar(&datasetPath, "dataset", "", "JSON dataset with essays, prompts and schools")
		fs.StringVar(&timestamp, "timestamp", "", "Snapshot timestamp (default: now as YYYYMMDD_HHMMSS)")
		fs.StringVar(&workDir, "work-dir", "", "Directory for packed files (default: temp dir)")
		fs.BoolVar(&compress, "compress", true, "Snappy compress the packed files")
	case "list":
	case "prune":
		fs.IntVar(&keep, "keep", 3, "Number of newest snapshots to keep")
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	fs.Parse(args)

	cfg := config.DefaultConfig()
	if *configFile != "" {
		var err error
		if cfg, err = config.LoadFromFile(*configFile); err != nil {
			log.Fatal().Err(err).Msg("failed to load configuration")
		}
	}
	config.LoadFromEnv(cfg)
	if *snapshotDir != "" {
		cfg.Snapshot.Dir = *snapshotDir
	}
	if isSet(fs, "prefix") {
		cfg.Snapshot.Prefix = *prefix
	}
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx := context.Background()
	store, err := openStorage(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize storage")
	}
	resolver := snapshot.NewResolver(store, snapshot.WithExtensions(cfg.Snapshot.Extensions...), snapshot.WithLogger(log))

	switch cmd {
	case "publish":
		err = publish(ctx, log, store, cfg, datasetPath, timestamp, workDir, compress)
	case "list":
		err = list(ctx, resolver, cfg)
	case "prune":
		var deleted []string
		deleted, err = snapshot.Prune(ctx, store, resolver, cfg.Snapshot.Dir, cfg.Snapshot.Prefix, keep)
		for _, d := range deleted {
			log.Info().Str("object", d).Msg("deleted")
		}
	}
	if err != nil {
		log.Fatal().Err(err).Str("command", cmd).Msg("command failed")
	}
}

func publish(ctx context.Context, log zerolog.Logger, store storage.ObjectStorage, cfg *config.Config, datasetPath, timestamp, workDir string, compress bool) error {
	if datasetPath == "" {
		return fmt.Errorf("-dataset is required")
	}
	ds, err := snapshot.LoadDataset(datasetPath)
	if err != nil {
		return err
	}
	if timestamp == "" {
		timestamp = snapshot.FormatTimestamp(time.Now())
	}
	if workDir == "" {
		workDir, err = os.MkdirTemp("", "essaylake-pack-")
		if err != nil {
			return err
		}
		defer os.RemoveAll(workDir)
	}

	packer := snapshot.NewPacker(workDir, compress)
	res, err := packer.Pack(ctx, cfg.Snapshot.Prefix, timestamp, ds)
	if err != nil {
		return err
	}
	objects, err := packer.Publish(ctx, store, cfg.Snapshot.Dir, res)
	if err != nil {
		return err
	}

	log.Info().
		Str("timestamp", timestamp).
		Interface("rows", res.Rows).
		Int64("size_bytes", res.SizeBytes).
		Strs("objects", objects).
		Msg("published snapshot")
	return nil
}

func list(ctx context.Context, resolver *snapshot.Resolver, cfg *config.Config) error {
	entries, err := resolver.Inventory(ctx, cfg.Snapshot.Dir, cfg.Snapshot.Prefix)
	if err != nil {
		return err
	}
	for _, e := range entries {
		state := "complete"
		if len(e.Missing) > 0 {
			state = "missing " + strings.Join(e.Missing, ",")
		}
		fmt.Printf("%s\t%s\t%d files\n", e.Timestamp, state, len(e.Files))
	}
	return nil
}

func openStorage(ctx context.Context, cfg *config.Config) (storage.ObjectStorage, error) {
	if cfg.Storage.Type == "s3" {
		return storage.NewS3Storage(ctx, cfg.Storage.S3.Bucket, storage.S3Config{
			Region:       cfg.Storage.S3.Region,
			Endpoint:     cfg.Storage.S3.Endpoint,
			UsePathStyle: cfg.Storage.S3.UsePathStyle,
		})
	}
	if err := os.MkdirAll(cfg.Storage.Path, 0755); err != nil {
		return nil, err
	}
	return storage.NewLocalStorage(cfg.Storage.Path)
}

func isSet(fs *flag.FlagSet, name string) bool {
	set := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}
