// Package main implements the essaylake-query binary.
// It runs a single query against the latest snapshot, either locally or
// through a running server's gRPC API, and prints the result as JSON.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	grpcapi "github.com/essaylake/essaylake/internal/api/grpc"
	"github.com/essaylake/essaylake/internal/config"
	"github.com/essaylake/essaylake/internal/executor"
	"github.com/essaylake/essaylake/internal/logger"
	"github.com/essaylake/essaylake/internal/query"
	"github.com/essaylake/essaylake/internal/search"
	"github.com/essaylake/essaylake/internal/snapshot"
	"github.com/essaylake/essaylake/internal/storage"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Config holds the command configuration.
type Config struct {
	Op          string
	Filter      string
	Top         int
	Remote      string
	StoragePath string
	SnapshotDir string
	Prefix      string
	WorkDir     string
	Timeout     time.Duration
}

func main() {
	cfg := parseFlags()
	logger.Init("warn", "console")

	var f query.Filter
	if cfg.Filter != "" {
		dec := json.NewDecoder(strings.NewReader(cfg.Filter))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&f); err != nil {
			fail(fmt.Errorf("invalid filter: %w", err))
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	var (
		out interface{}
		err error
	)
	if cfg.Remote != "" {
		out, err = runRemote(ctx, cfg, f)
	} else {
		out, err = runLocal(ctx, cfg, f)
	}
	if err != nil {
		fail(err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		fail(err)
	}
}

func parseFlags() Config {
	var cfg Config
	flag.StringVar(&cfg.Op, "op", "search", "Operation: search, applications, schools, snapshot")
	flag.StringVar(&cfg.Filter, "filter", "", "Filter as a JSON object")
	flag.IntVar(&cfg.Top, "top", 10, "Number of schools for the schools operation")
	flag.StringVar(&cfg.Remote, "remote", "", "gRPC address of a running server; empty queries locally")
	flag.StringVar(&cfg.StoragePath, "storage-path", "./data/essaylake/snapshots", "Local storage root")
	flag.StringVar(&cfg.SnapshotDir, "snapshot-dir", "", "Directory holding snapshot files")
	flag.StringVar(&cfg.Prefix, "prefix", "", "Snapshot file name prefix")
	flag.StringVar(&cfg.WorkDir, "work-dir", "", "Directory for decompressed files (default: temp dir)")
	flag.DurationVar(&cfg.Timeout, "timeout", 60*time.Second, "Overall timeout")
	flag.Parse()
	return cfg
}

// runLocal answers the query in process against local storage.
func runLocal(ctx context.Context, cfg Config, f query.Filter) (interface{}, error) {
	store, err := storage.NewLocalStorage(cfg.StoragePath)
	if err != nil {
		return nil, err
	}

	workDir := cfg.WorkDir
	if workDir == "" {
		workDir, err = os.MkdirTemp("", "essaylake-query-")
		if err != nil {
			return nil, err
		}
		defer os.RemoveAll(workDir)
	}

	defaults := config.DefaultConfig()
	log := logger.With("query")

	resolver := snapshot.NewResolver(store, snapshot.WithExtensions(defaults.Snapshot.Extensions...), snapshot.WithLogger(log))
	tracker := snapshot.NewTracker(resolver, cfg.SnapshotDir, cfg.Prefix, 0, nil, log)
	materializer := executor.NewMaterializer(store, workDir, defaults.Query.MaxMaterializedMB<<20, log)
	pool := executor.NewConnectionPool(materializer, executor.DefaultPoolConfig(), log)
	defer pool.Close()
	engine := executor.NewEngine(pool, executor.EngineConfig{RetryTransientIO: true}, log)

	svc := search.NewService(tracker, engine, materializer, search.Config{
		DefaultLimit: defaults.Query.DefaultLimit,
		MaxLimit:     defaults.Query.MaxLimit,
	}, log)

	switch cfg.Op {
	case "search":
		return svc.Search(ctx, f)
	case "applications":
		return svc.ApplicationBreakdown(ctx, f)
	case "schools":
		return svc.TopSchools(ctx, f, cfg.Top)
	case "snapshot":
		return svc.CurrentSnapshot(ctx)
	default:
		return nil, fmt.Errorf("unknown operation %q", cfg.Op)
	}
}

// runRemote sends the query to a server over gRPC.
func runRemote(ctx context.Context, cfg Config, f query.Filter) (interface{}, error) {
	conn, err := grpc.NewClient(cfg.Remote, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	client := grpcapi.NewEssaySearchClient(conn)
	req, err := grpcapi.FilterStruct(f)
	if err != nil {
		return nil, err
	}

	var resp *structpb.Struct
	switch cfg.Op {
	case "search":
		resp, err = client.Search(ctx, req)
	case "applications":
		resp, err = client.ApplicationBreakdown(ctx, req)
	case "schools":
		req.Fields["top"] = structpb.NewNumberValue(float64(cfg.Top))
		resp, err = client.TopSchools(ctx, req)
	case "snapshot":
		resp, err = client.CurrentSnapshot(ctx, &structpb.Struct{})
	default:
		return nil, fmt.Errorf("unknown operation %q", cfg.Op)
	}
	if err != nil {
		return nil, err
	}
	return resp.AsMap(), nil
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "essaylake-query: %v\n", err)
	os.Exit(1)
}
