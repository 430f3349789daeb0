// Package app provides the application lifecycle for the essaylake server.
package app

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	grpcapi "github.com/essaylake/essaylake/internal/api/grpc"
	httpapi "github.com/essaylake/essaylake/internal/api/http"
	"github.com/essaylake/essaylake/internal/cache"
	"github.com/essaylake/essaylake/internal/config"
	"github.com/essaylake/essaylake/internal/executor"
	"github.com/essaylake/essaylake/internal/logger"
	"github.com/essaylake/essaylake/internal/notify"
	"github.com/essaylake/essaylake/internal/search"
	"github.com/essaylake/essaylake/internal/server"
	"github.com/essaylake/essaylake/internal/snapshot"
	"github.com/essaylake/essaylake/internal/storage"
)

// App manages the essaylake service lifecycle.
type App struct {
	cfg *config.Config
	log zerolog.Logger

	// Shared resources
	storage  storage.ObjectStorage
	notifier *notify.Notifier
	tracker  *snapshot.Tracker
	pool     *executor.ConnectionPool
	service  *search.Service
	shutdown *server.ShutdownManager

	// Servers
	httpServer   *http.Server
	httpListener net.Listener
	grpcServer   *grpc.Server
	grpcListener net.Listener
	health       *health.Server

	// Lifecycle
	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a new App with the given configuration.
func New(cfg *config.Config) (*App, error) {
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}

	return &App{
		cfg: cfg,
		log: logger.With("app"),
	}, nil
}

// Start initializes shared resources and starts the configured servers.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("app is already running")
	}
	a.running = true
	a.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	if err := a.initSharedResources(ctx); err != nil {
		a.cleanup()
		return fmt.Errorf("failed to initialize shared resources: %w", err)
	}

	if err := a.startHTTP(); err != nil {
		a.cleanup()
		return fmt.Errorf("failed to start http server: %w", err)
	}

	if a.cfg.GRPC.Enabled {
		if err := a.startGRPC(); err != nil {
			a.cleanup()
			return fmt.Errorf("failed to start grpc server: %w", err)
		}
	}

	a.log.Info().
		Str("snapshot_dir", a.cfg.Snapshot.Dir).
		Str("prefix", a.cfg.Snapshot.Prefix).
		Msg("essaylake started")
	return nil
}

// initSharedResources builds the storage, snapshot and query layers.
func (a *App) initSharedResources(ctx context.Context) error {
	store, err := newStorage(ctx, a.cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	a.storage = store
	a.log.Info().Str("type", a.cfg.Storage.Type).Msg("storage initialized")

	resolver := snapshot.NewResolver(store,
		snapshot.WithExtensions(a.cfg.Snapshot.Extensions...),
		snapshot.WithFallback(a.cfg.Snapshot.AllowFallback),
		snapshot.WithLogger(logger.With("resolver")),
	)
	a.notifier = notify.NewNotifier(16)
	a.tracker = snapshot.NewTracker(resolver, a.cfg.Snapshot.Dir, a.cfg.Snapshot.Prefix,
		a.cfg.Snapshot.RefreshInterval, a.notifier, logger.With("tracker"))

	materializer := executor.NewMaterializer(store, a.cfg.Query.MaterializeDir,
		a.cfg.Query.MaxMaterializedMB<<20, logger.With("materializer"))
	a.pool = executor.NewConnectionPool(materializer, executor.PoolConfig{
		MaxOpenConns: a.cfg.Query.MaxOpenConns,
		IdleTimeout:  a.cfg.Query.IdleTimeout,
	}, logger.With("pool"))
	engine := executor.NewEngine(a.pool, executor.EngineConfig{
		Timeout:          a.cfg.Query.Timeout,
		RetryTransientIO: a.cfg.Query.RetryTransientIO,
	}, logger.With("engine"))

	a.service = search.NewService(a.tracker, engine, materializer, search.Config{
		DefaultLimit: a.cfg.Query.DefaultLimit,
		MaxLimit:     a.cfg.Query.MaxLimit,
		CacheEnabled: a.cfg.Cache.Enabled,
		Cache: cache.Options{
			MaxEntries:     a.cfg.Cache.MaxEntries,
			Shards:         a.cfg.Cache.Shards,
			TTL:            a.cfg.Cache.TTL,
			ComputeTimeout: a.cfg.Query.Timeout,
		},
	}, logger.With("search"))

	sub := a.notifier.Subscribe()
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.notifier.Unsubscribe(sub.ID)
		a.service.Run(ctx, sub.Ch)
	}()

	// A missing snapshot is not fatal at startup; requests report it.
	if snap, err := a.tracker.Current(ctx); err != nil {
		a.log.Warn().Err(err).Msg("no snapshot resolved at startup")
	} else {
		a.log.Info().Str("timestamp", snap.Timestamp).Msg("serving snapshot")
	}

	a.shutdown = server.NewShutdownManager(server.DefaultShutdownConfig(), logger.With("shutdown"))
	return nil
}

func newStorage(ctx context.Context, cfg config.StorageConfig) (storage.ObjectStorage, error) {
	switch cfg.Type {
	case "local":
		return storage.NewLocalStorage(cfg.Path)
	case "s3":
		return storage.NewS3Storage(ctx, cfg.S3.Bucket, storage.S3Config{
			Region:       cfg.S3.Region,
			Endpoint:     cfg.S3.Endpoint,
			UsePathStyle: cfg.S3.UsePathStyle,
		})
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}

// startHTTP starts the HTTP API server.
func (a *App) startHTTP() error {
	router := httpapi.NewRouter(a.service, logger.With("http"), server.ShutdownMiddleware(a.shutdown))

	ln, err := net.Listen("tcp", a.cfg.HTTP.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on http address: %w", err)
	}
	a.httpListener = ln
	a.httpServer = &http.Server{
		Handler:      router,
		ReadTimeout:  a.cfg.HTTP.ReadTimeout,
		WriteTimeout: a.cfg.HTTP.WriteTimeout,
		IdleTimeout:  a.cfg.HTTP.IdleTimeout,
	}
	a.shutdown.RegisterCloser(server.HTTPServerCloser(a.httpServer, 30*time.Second))

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.log.Info().Str("addr", ln.Addr().String()).Msg("http server listening")
		if err := a.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			a.log.Error().Err(err).Msg("http server error")
		}
	}()
	return nil
}

// startGRPC starts the gRPC API server with the standard health service.
func (a *App) startGRPC() error {
	ln, err := net.Listen("tcp", a.cfg.GRPC.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on grpc address: %w", err)
	}
	a.grpcListener = ln

	a.grpcServer = grpc.NewServer(grpc.ChainUnaryInterceptor(
		server.UnaryShutdownInterceptor(a.shutdown),
		grpcapi.UnaryInterceptor(logger.With("grpc")),
	))
	grpcapi.RegisterEssaySearchServer(a.grpcServer, grpcapi.NewSearchServer(a.service))

	a.health = health.NewServer()
	a.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	a.health.SetServingStatus(grpcapi.ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(a.grpcServer, a.health)

	a.shutdown.OnShutdownStart(a.health.Shutdown)
	a.shutdown.RegisterCloser(server.GRPCServerCloser(a.grpcServer, 30*time.Second))

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.log.Info().Str("addr", ln.Addr().String()).Msg("grpc server listening")
		if err := a.grpcServer.Serve(ln); err != nil {
			a.log.Error().Err(err).Msg("grpc server error")
		}
	}()
	return nil
}

// HTTPAddr returns the address the HTTP server listens on.
func (a *App) HTTPAddr() string {
	if a.httpListener == nil {
		return ""
	}
	return a.httpListener.Addr().String()
}

// GRPCAddr returns the address the gRPC server listens on.
func (a *App) GRPCAddr() string {
	if a.grpcListener == nil {
		return ""
	}
	return a.grpcListener.Addr().String()
}

// Service returns the search service.
func (a *App) Service() *search.Service {
	return a.service
}

// Stop gracefully stops the servers and releases resources.
func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	a.mu.Unlock()

	a.log.Info().Msg("initiating graceful shutdown")

	var err error
	if a.shutdown != nil {
		err = a.shutdown.Shutdown(ctx, "stop requested")
	}

	if a.cancel != nil {
		a.cancel()
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-shutdownCtx.Done():
		a.log.Warn().Msg("shutdown timeout, some goroutines may not have finished")
	}

	a.cleanup()

	a.log.Info().Msg("essaylake stopped")
	return err
}

// cleanup releases all shared resources.
func (a *App) cleanup() {
	if a.cancel != nil {
		a.cancel()
	}
	if a.pool != nil {
		if err := a.pool.Close(); err != nil {
			a.log.Warn().Err(err).Msg("pool close failed")
		}
	}
}

// WaitForShutdown blocks until a shutdown signal is received or ctx ends.
func (a *App) WaitForShutdown(ctx context.Context) error {
	return a.shutdown.ListenForSignals(ctx)
}
