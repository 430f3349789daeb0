// Package main implements the essaylake server binary.
// It serves essay searches over HTTP and, when enabled, gRPC.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/essaylake/essaylake/internal/app"
	"github.com/essaylake/essaylake/internal/config"
	"github.com/essaylake/essaylake/internal/logger"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	var (
		configFile  string
		dataDir     string
		snapshotDir string
		prefix      string
		httpAddr    string
		grpcAddr    string
		showVersion bool
	)

	flag.StringVar(&configFile, "config", "", "Path to configuration file (YAML or JSON)")
	flag.StringVar(&dataDir, "data-dir", "", "Base directory for local working files")
	flag.StringVar(&snapshotDir, "snapshot-dir", "", "Directory (object prefix) holding snapshot files")
	flag.StringVar(&prefix, "prefix", "", "Snapshot file name prefix")
	flag.StringVar(&httpAddr, "http-addr", "", "HTTP server address")
	flag.StringVar(&grpcAddr, "grpc-addr", "", "gRPC server address")
	flag.BoolVar(&showVersion, "version", false, "Show version information")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "essaylake - search essay snapshots\n\n")
		fmt.Fprintf(os.Stderr, "Usage: essaylake [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  essaylake --snapshot-dir snapshots --prefix essaylake\n")
		fmt.Fprintf(os.Stderr, "  essaylake --config /etc/essaylake/config.yaml\n")
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(os.Stderr, "  ESSAYLAKE_DATA_DIR        Base directory for local files\n")
		fmt.Fprintf(os.Stderr, "  ESSAYLAKE_SNAPSHOT_DIR    Snapshot directory\n")
		fmt.Fprintf(os.Stderr, "  ESSAYLAKE_STORAGE_TYPE    Storage type (local, s3)\n")
		fmt.Fprintf(os.Stderr, "  ESSAYLAKE_HTTP_ADDR       HTTP server address\n")
		fmt.Fprintf(os.Stderr, "  ESSAYLAKE_GRPC_ADDR       gRPC server address\n")
	}

	flag.Parse()

	if showVersion {
		fmt.Printf("essaylake version %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	cfg, err := loadConfig(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Command line flags take precedence over file and environment.
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if snapshotDir != "" {
		cfg.Snapshot.Dir = snapshotDir
	}
	if prefix != "" {
		cfg.Snapshot.Prefix = prefix
	}
	if httpAddr != "" {
		cfg.HTTP.Addr = httpAddr
	}
	if grpcAddr != "" {
		cfg.GRPC.Addr = grpcAddr
	}

	logger.Init(cfg.Logging.Level, cfg.Logging.Format)
	log := logger.With("main")
	log.Info().
		Str("version", version).
		Str("data_dir", cfg.DataDir).
		Str("storage", cfg.Storage.Type).
		Str("http_addr", cfg.HTTP.Addr).
		Bool("grpc", cfg.GRPC.Enabled).
		Msg("starting essaylake")

	application, err := app.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create application")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := application.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start application")
	}

	if err := application.WaitForShutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("shutdown reported errors")
	}

	if err := application.Stop(context.Background()); err != nil {
		log.Error().Err(err).Msg("shutdown error")
		os.Exit(1)
	}
}

// loadConfig starts from the file (or defaults) and applies the environment.
func loadConfig(configFile string) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if configFile != "" {
		var err error
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return nil, err
		}
	}
	config.LoadFromEnv(cfg)
	return cfg, nil
}
