package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/pulsed/internal/config"
	"github.com/fyrsmithlabs/pulsed/internal/eventstore"
	httpserver "github.com/fyrsmithlabs/pulsed/internal/http"
	"github.com/fyrsmithlabs/pulsed/internal/ingest"
	"github.com/fyrsmithlabs/pulsed/internal/logging"
	"github.com/fyrsmithlabs/pulsed/internal/notify"
	"github.com/fyrsmithlabs/pulsed/internal/patterns"
	"github.com/fyrsmithlabs/pulsed/internal/query"
	"github.com/fyrsmithlabs/pulsed/internal/sessions"
	"github.com/fyrsmithlabs/pulsed/internal/telemetry"
	"github.com/fyrsmithlabs/pulsed/internal/vault"
)

// refreshWorkers bounds concurrent background analytics refreshes.
const refreshWorkers = 2

func newServeCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the pulsed daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			cfg, err := config.LoadWithFile(root.configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			return run(ctx, cfg)
		},
	}
}

// run starts pulsed and blocks until ctx is cancelled.
//
// Startup order:
//  1. Logger and telemetry
//  2. Vault, event store and retention sweeper
//  3. Session registry
//  4. Notification bus (NATS, optionally embedded, or in-process)
//  5. Ingest gateway, query service and background refresher
//  6. HTTP server
func run(ctx context.Context, cfg *config.Config) error {
	logCfg, err := logging.FromSettings(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return fmt.Errorf("invalid logging config: %w", err)
	}
	logger, err := logging.NewLogger(logCfg, nil)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = logger.Sync() // Best-effort sync on shutdown
	}()

	tel, err := telemetry.New(ctx, telemetry.FromObservability(cfg.Observability, version))
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Warn(shutdownCtx, "telemetry shutdown failed", zap.Error(err))
		}
	}()

	logger.Info(ctx, "Starting pulsed",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.String("store", cfg.Store.Backend),
		zap.String("sessions", cfg.Sessions.Backend),
		zap.Bool("nats", cfg.NATS.Enabled),
		zap.Bool("telemetry", tel.IsEnabled()))

	a, err := newApp(ctx, cfg, logger.Underlying())
	if err != nil {
		return err
	}
	defer a.Close()

	return a.Run(ctx)
}

// app holds every long-lived component of the daemon.
type app struct {
	cfg    *config.Config
	logger *zap.Logger

	vault       *vault.Vault
	keyRingPath string
	store       eventstore.Store
	sweeper     *eventstore.Sweeper
	backend     sessions.Backend
	registry    *sessions.Registry

	bus         notify.Bus
	embedded    *notify.EmbeddedServer
	unsubscribe func() error

	gateway   *ingest.Gateway
	query     *query.Service
	refresher *query.Refresher
	server    *httpserver.Server
}

// newApp builds the component graph. On error every component created so
// far is closed.
func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.vault, a.keyRingPath, err = openVault(cfg.Vault, logger)
	if err != nil {
		return nil, err
	}

	storeOpts := eventstore.Options{
		MaxFutureSkew:  cfg.Store.MaxFutureSkew,
		DedupWindow:    cfg.Store.DedupWindow,
		SweepBatchSize: cfg.Store.SweepBatchSize,
	}
	switch cfg.Store.Backend {
	case "sqlite":
		a.store, err = eventstore.OpenSQLite(cfg.Store.SQLitePath, storeOpts)
		if err != nil {
			return nil, fmt.Errorf("failed to open event store: %w", err)
		}
	default:
		a.store = eventstore.NewMemoryStore(storeOpts)
	}
	a.sweeper, err = eventstore.NewSweeper(a.store, cfg.Store.Retention, cfg.Store.SweepSchedule, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create sweeper: %w", err)
	}

	switch cfg.Sessions.Backend {
	case "redis":
		a.backend, err = sessions.NewRedisBackend(ctx, sessions.RedisConfig{
			Addr:     cfg.Sessions.RedisAddr,
			Password: cfg.Sessions.RedisPassword.Value(),
			DB:       cfg.Sessions.RedisDB,
			Prefix:   cfg.Sessions.RedisPrefix,
			TTL:      cfg.Sessions.RecordTTL,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect session backend: %w", err)
		}
	default:
		a.backend = sessions.NewMemoryBackend()
	}
	a.registry, err = sessions.NewRegistry(a.backend, sessions.Options{
		Staleness: cfg.Sessions.StalenessThreshold,
		RecordTTL: cfg.Sessions.RecordTTL,
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create session registry: %w", err)
	}

	if err := a.openBus(); err != nil {
		return nil, err
	}

	a.gateway, err = ingest.NewGateway(a.store, a.vault, a.registry, a.bus, ingest.Options{
		MaxPayloadBytes: cfg.Ingest.MaxPayloadBytes,
		MaxFutureSkew:   cfg.Store.MaxFutureSkew,
		WriteTimeout:    cfg.Store.WriteTimeout,
		MaxRetries:      cfg.Store.MaxRetries,
		RetryBackoff:    cfg.Store.RetryBackoff,
		RateLimit:       cfg.Ingest.RateLimit,
		RateBurst:       cfg.Ingest.RateBurst,
		Logger:          logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create ingest gateway: %w", err)
	}

	a.query, err = query.NewService(a.store, a.vault, query.Options{
		AnalysisWindow: cfg.Patterns.AnalysisWindow,
		BreakLookback:  cfg.Patterns.BreakLookback,
		ReadTimeout:    cfg.Store.ReadTimeout,
		WriteTimeout:   cfg.Store.WriteTimeout,
		CacheTTL:       cfg.Patterns.CacheTTL,
		Patterns:       patterns.FromSettings(cfg.Patterns),
		Logger:         logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create query service: %w", err)
	}

	a.refresher = query.NewRefresher(a.query, refreshWorkers, logger)
	a.unsubscribe, err = a.bus.Subscribe(a.refresher.Handle)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe analytics refresher: %w", err)
	}

	a.server, err = httpserver.NewServer(a.gateway, a.query, a.registry, logger, &httpserver.Config{
		Host: cfg.Server.Host,
		Port: cfg.Server.Port,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create http server: %w", err)
	}
	return a, nil
}

// openVault loads the key ring file, falling back to the passphrase when
// the file does not exist. The returned path is empty for passphrase rings.
func openVault(cfg config.VaultConfig, logger *zap.Logger) (*vault.Vault, string, error) {
	if cfg.KeyFile != "" {
		ring, err := vault.LoadKeyRing(cfg.KeyFile)
		switch {
		case err == nil:
			v, err := vault.New(ring, vault.WithKeyRingPath(cfg.KeyFile), vault.WithLogger(logger))
			if err != nil {
				return nil, "", fmt.Errorf("failed to open vault: %w", err)
			}
			logger.Info("vault opened", zap.String("key_file", cfg.KeyFile), zap.Uint32("version", v.CurrentVersion()))
			return v, cfg.KeyFile, nil
		case !errors.Is(err, fs.ErrNotExist) || !cfg.Passphrase.IsSet():
			return nil, "", fmt.Errorf("failed to load key ring %s (run 'pulsed keygen' to create one): %w", cfg.KeyFile, err)
		}
	}

	ring, err := vault.KeyRingFromPassphrase(cfg.Passphrase.Value(), cfg.Salt)
	if err != nil {
		return nil, "", fmt.Errorf("failed to derive key ring: %w", err)
	}
	v, err := vault.New(ring, vault.WithLogger(logger))
	if err != nil {
		return nil, "", fmt.Errorf("failed to open vault: %w", err)
	}
	logger.Info("vault opened from passphrase")
	return v, "", nil
}

func (a *app) openBus() error {
	nc := a.cfg.NATS
	if !nc.Enabled {
		a.bus = notify.NewLocalBus(0, a.logger)
		return nil
	}
	if nc.Embedded {
		emb, err := notify.StartEmbedded(5 * time.Second)
		if err != nil {
			return err
		}
		a.embedded = emb
		nc.URL = emb.ClientURL()
		a.logger.Info("embedded nats server started", zap.String("url", nc.URL))
	}
	bus, err := notify.Connect(nc, a.logger)
	if err != nil {
		return err
	}
	a.bus = bus
	return nil
}

// Run starts background work and the HTTP server, and blocks until ctx is
// cancelled or the server fails.
func (a *app) Run(ctx context.Context) error {
	bg, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.refresher.Run(bg)
	}()
	if interval := a.cfg.Sessions.PruneInterval; interval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.registry.RunPruner(bg, interval)
		}()
	}
	if a.keyRingPath != "" && a.cfg.Vault.Watch {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.vault.Watch(bg, a.keyRingPath); err != nil {
				a.logger.Warn("key ring watch stopped", zap.Error(err))
			}
		}()
	}
	a.sweeper.Start()

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.server.Start()
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer stop()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("http shutdown failed", zap.Error(err))
	}
	a.sweeper.Stop(shutdownCtx)
	return serveErr
}

// Close releases every component that was opened.
func (a *app) Close() {
	if a.unsubscribe != nil {
		if err := a.unsubscribe(); err != nil {
			a.logger.Warn("unsubscribe failed", zap.Error(err))
		}
	}
	if a.bus != nil {
		if err := a.bus.Close(); err != nil {
			a.logger.Warn("notification bus close failed", zap.Error(err))
		}
	}
	if a.embedded != nil {
		a.embedded.Shutdown()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("event store close failed", zap.Error(err))
		}
	}
	if a.backend != nil {
		if err := a.backend.Close(); err != nil {
			a.logger.Warn("session backend close failed", zap.Error(err))
		}
	}
}
