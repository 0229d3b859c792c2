// Package main runs the transaction API: the HTTP surface over the SQLite
// transaction store, bodies in the configured chunk backend and channel
// access resolved from roles.
package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c360/openhim-core/api"
	"github.com/c360/openhim-core/chunkstore"
	"github.com/c360/openhim-core/config"
	"github.com/c360/openhim-core/health"
	"github.com/c360/openhim-core/hydrator"
	"github.com/c360/openhim-core/kvstore"
	"github.com/c360/openhim-core/metric"
	"github.com/c360/openhim-core/natsclient"
	"github.com/c360/openhim-core/pkg/retry"
	"github.com/c360/openhim-core/projector"
	"github.com/c360/openhim-core/rbac"
	"github.com/c360/openhim-core/sqlstore"
	"github.com/c360/openhim-core/storage"
	"github.com/c360/openhim-core/storage/gridfs"
	"github.com/c360/openhim-core/storage/objectstore"
	"github.com/c360/openhim-core/storage/redisstore"
)

// Build information
var (
	Version   = "0.1.0"
	BuildTime = "dev"
)

const appName = "openhim-core"

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(os.Args[1:]); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run(args []string) error {
	cliCfg, err := parseFlags(args)
	if err != nil {
		return fmt.Errorf("parse flags: %w", err)
	}
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}
	if cliCfg.ShowHelp {
		return nil
	}

	logger := setupLogger(os.Stdout, cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	cfg, err := loadConfig(cliCfg.ConfigPaths)
	if err != nil {
		return err
	}
	if cliCfg.Validate {
		logger.Info("Configuration is valid")
		return nil
	}
	if cliCfg.ShutdownTimeout > 0 {
		cfg.API.ShutdownTimeout = cliCfg.ShutdownTimeout
	}

	logger.Info("Starting OpenHIM core",
		"version", Version,
		"build_time", BuildTime,
		"storage", cfg.Storage.Backend,
		"repository", cfg.Repository.Backend)
	logger.Debug("Effective configuration", "config", cfg.String())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a := &app{cfg: cfg, logger: logger, registry: metric.NewMetricsRegistry()}
	defer a.close()

	if err := a.setup(ctx); err != nil {
		return err
	}
	return a.serve(ctx)
}

func loadConfig(paths []string) (*config.Config, error) {
	loader := config.NewLoader()
	for _, p := range paths {
		loader.AddLayer(p)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// app owns every long-lived dependency of the server
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *metric.MetricsRegistry

	nats      *natsclient.Client
	chunks    *chunkstore.Store
	reclaimer *chunkstore.Reclaimer
	db        *sqlstore.Store
	roles     rbac.RoleRepository
	channels  rbac.ChannelRepository
	api       *api.Server

	closers []func(context.Context) error
}

func (a *app) setup(ctx context.Context) error {
	if a.needsNATS() {
		if err := a.connectNATS(ctx); err != nil {
			return err
		}
	}

	backend, err := a.openBackend(ctx)
	if err != nil {
		return err
	}
	a.chunks, err = chunkstore.New(backend, a.cfg.Chunks, a.logger, a.registry)
	if err != nil {
		return fmt.Errorf("create chunk store: %w", err)
	}
	a.reclaimer = chunkstore.NewReclaimer(a.chunks, a.cfg.Reclaimer, a.logger, a.registry)

	if a.nats != nil && a.cfg.NATS.APISubject != "" {
		svc := chunkstore.NewService(a.chunks, a.nats, a.cfg.NATS.APISubject, a.cfg.NATS.EventsSubject, a.logger)
		if err := svc.Start(ctx); err != nil {
			return fmt.Errorf("start chunk API: %w", err)
		}
	}

	if err := a.openRepositories(ctx); err != nil {
		return err
	}
	return a.buildAPI()
}

// needsNATS reports whether any configured component talks to NATS
func (a *app) needsNATS() bool {
	return a.cfg.Storage.Backend == config.BackendNATS ||
		a.cfg.Repository.Backend == config.RepositoryKV ||
		a.cfg.NATS.APISubject != ""
}

func (a *app) connectNATS(ctx context.Context) error {
	opts := []natsclient.ClientOption{
		natsclient.WithName(appName),
		natsclient.WithLogger(a.logger),
		natsclient.WithMaxReconnects(a.cfg.NATS.MaxReconnects),
		natsclient.WithMetrics(a.registry),
	}
	if a.cfg.NATS.ReconnectWait > 0 {
		opts = append(opts, natsclient.WithReconnectWait(a.cfg.NATS.ReconnectWait))
	}
	if a.cfg.NATS.Token != "" {
		opts = append(opts, natsclient.WithToken(a.cfg.NATS.Token))
	} else if a.cfg.NATS.Username != "" {
		opts = append(opts, natsclient.WithCredentials(a.cfg.NATS.Username, a.cfg.NATS.Password))
	}

	client, err := natsclient.NewClient(strings.Join(a.cfg.NATS.URLs, ","), opts...)
	if err != nil {
		return fmt.Errorf("create NATS client: %w", err)
	}

	a.logger.Info("Connecting to NATS", "urls", a.cfg.NATS.URLs)
	if err := retry.Do(ctx, retry.Quick(), func() error { return client.Connect(ctx) }); err != nil {
		return fmt.Errorf("connect to NATS: %w", err)
	}

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.WaitForConnection(connCtx); err != nil {
		return fmt.Errorf("NATS connection timeout: %w", err)
	}

	a.nats = client
	a.closers = append(a.closers, client.Close)
	return nil
}

func (a *app) openBackend(ctx context.Context) (storage.Store, error) {
	switch a.cfg.Storage.Backend {
	case config.BackendRedis:
		store, err := redisstore.Open(ctx, a.cfg.Storage.Redis, a.registry)
		if err != nil {
			return nil, fmt.Errorf("open redis backend: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return store.Close() })
		return store, nil

	case config.BackendGridFS:
		store, err := gridfs.Open(ctx, a.cfg.Storage.GridFS, a.registry)
		if err != nil {
			return nil, fmt.Errorf("open gridfs backend: %w", err)
		}
		a.closers = append(a.closers, store.Close)
		return store, nil

	default:
		store, err := objectstore.NewStore(ctx, a.nats, a.cfg.Storage.ObjectStore, a.registry)
		if err != nil {
			return nil, fmt.Errorf("open object store backend: %w", err)
		}
		return store, nil
	}
}

func (a *app) openRepositories(ctx context.Context) error {
	db, err := sqlstore.Open(a.cfg.Repository.Path)
	if err != nil {
		return fmt.Errorf("open repository: %w", err)
	}
	a.db = db
	a.closers = append(a.closers, func(context.Context) error { return db.Close() })

	var writer rbac.Writer = db
	a.roles, a.channels = db, db
	if a.cfg.Repository.Backend == config.RepositoryKV {
		kv, err := kvstore.NewStore(ctx, a.nats)
		if err != nil {
			return fmt.Errorf("open kv repository: %w", err)
		}
		writer = kv
		a.roles, a.channels = kv, kv
	}

	if ttl := a.cfg.Repository.RoleCacheTTL; ttl > 0 {
		cached, err := rbac.NewCachedRoles(a.roles, a.cfg.Repository.RoleCacheSize, ttl, a.registry)
		if err != nil {
			return fmt.Errorf("create role cache: %w", err)
		}
		a.roles = cached
	}

	if a.cfg.Repository.Seed != "" {
		seed, err := rbac.LoadSeed(a.cfg.Repository.Seed)
		if err != nil {
			return fmt.Errorf("load seed: %w", err)
		}
		if err := seed.Apply(ctx, writer); err != nil {
			return fmt.Errorf("apply seed: %w", err)
		}
		a.logger.Info("Applied seed", "path", a.cfg.Repository.Seed,
			"roles", len(seed.Roles), "channels", len(seed.Channels))
	}
	return nil
}

func (a *app) buildAPI() error {
	resolver, err := rbac.NewResolver(a.roles, a.channels, a.logger, a.registry)
	if err != nil {
		return fmt.Errorf("create resolver: %w", err)
	}

	hyd := hydrator.New(a.chunks,
		hydrator.WithMaxConcurrency(a.cfg.API.MaxConcurrency),
		hydrator.WithLogger(a.logger),
		hydrator.WithMetrics(a.registry))

	a.api, err = api.NewServer(api.Dependencies{
		Transactions: a.db,
		Resolver:     resolver,
		Gate:         rbac.NewGate(a.roles, a.logger),
		Bodies:       a.chunks,
		Hydrator:     hyd,
		Projector: projector.New(projector.Options{
			Threshold: a.cfg.API.TruncateSize,
			Marker:    a.cfg.API.TruncateAppend,
		}),
		Reclaimer: a.reclaimer,
		Metrics:   a.registry.CoreMetrics(),
		Logger:    a.logger,
	})
	return err
}

// healthMonitor probes the dependencies the API cannot work without. A
// backed up reclaimer only degrades the server.
func (a *app) healthMonitor() *health.Monitor {
	m := health.NewMonitor(appName, 2*time.Second)
	m.Register("repository", true, a.db.Ping)
	if a.nats != nil {
		m.Register("nats", true, func(context.Context) error {
			if !a.nats.IsHealthy() {
				return fmt.Errorf("nats connection is %s", a.nats.Status())
			}
			return nil
		})
	}
	m.Register("reclaimer", false, func(context.Context) error {
		stats := a.reclaimer.Stats()
		if stats.QueueSize > 0 && stats.QueueDepth*10 >= stats.QueueSize*9 {
			return fmt.Errorf("reclaim queue at %d of %d", stats.QueueDepth, stats.QueueSize)
		}
		return nil
	})
	return m
}

// serve runs the API, the reclaimer and the metrics endpoint until ctx is
// cancelled or one of them fails
func (a *app) serve(ctx context.Context) error {
	root := http.NewServeMux()
	root.Handle("GET /health", a.healthMonitor().Handler())
	root.Handle("/", a.api.Handler())

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", a.cfg.API.Port),
		Handler:      root,
		ReadTimeout:  a.cfg.API.ReadTimeout,
		WriteTimeout: a.cfg.API.WriteTimeout,
	}

	var metricsServer *metric.Server
	if a.cfg.Metrics.Enabled {
		metricsServer = metric.NewServer(a.cfg.Metrics.Port, a.cfg.Metrics.Path, a.registry)
	}

	if err := a.reclaimer.Start(ctx); err != nil {
		return fmt.Errorf("start reclaimer: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("API listening", "port", a.cfg.API.Port)
		if err := httpServer.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})
	if metricsServer != nil {
		g.Go(func() error {
			a.logger.Info("Metrics listening", "port", a.cfg.Metrics.Port, "path", a.cfg.Metrics.Path)
			return metricsServer.Start()
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("Shutting down", "timeout", a.cfg.API.ShutdownTimeout)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.API.ShutdownTimeout)
		defer cancel()

		var errs []error
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("api shutdown: %w", err))
		}
		if metricsServer != nil {
			if err := metricsServer.Stop(); err != nil {
				errs = append(errs, err)
			}
		}
		if err := a.reclaimer.Stop(a.cfg.API.ShutdownTimeout); err != nil {
			errs = append(errs, fmt.Errorf("reclaimer shutdown: %w", err))
		}
		return stderrors.Join(errs...)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	a.logger.Info("OpenHIM core shutdown complete")
	return nil
}

// close releases dependencies in reverse order of acquisition
func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.logger.Warn("Failed to release dependency", "error", err)
		}
	}
}
