package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/strangerlink/signal-server/internal/config"
	"github.com/strangerlink/signal-server/internal/geo"
	"github.com/strangerlink/signal-server/internal/httpserver"
	"github.com/strangerlink/signal-server/internal/metrics"
	"github.com/strangerlink/signal-server/internal/session"
	"github.com/strangerlink/signal-server/internal/signaling"
	"github.com/strangerlink/signal-server/internal/store"
	"github.com/strangerlink/signal-server/internal/turnrest"
)

func runServe(ctx context.Context, args []string) error {
	cfg, err := loadConfig(args)
	if err != nil || cfg == nil {
		return err
	}

	logger, err := config.NewLogger(*cfg)
	if err != nil {
		return usageError(err)
	}
	slog.SetDefault(logger)

	logger.Info("starting strangerlink-server",
		"listen_addr", cfg.ListenAddr,
		"public_base_url", cfg.PublicBaseURL,
		"mode", cfg.Mode,
		"config_file", cfg.ConfigFile,
		"auth_mode", cfg.AuthMode,
		"max_connections", cfg.MaxConnections,
		"max_message_bytes", cfg.MaxMessageBytes,
		"max_messages_per_second", cfg.MaxMessagesPerSecond,
		"strict_signaling", cfg.StrictSignaling,
		"geo_provider", cfg.GeoProvider,
		"database_configured", cfg.DatabaseURL != "",
		"database_driver", cfg.DatabaseDriver,
		"turn_rest_enabled", cfg.TURNREST.Enabled(),
	)
	logStartupSecurityWarnings(logger, *cfg)
	if err := cfg.ICEConfigError(); err != nil {
		logger.Warn("invalid ICE server configuration; /readyz will fail", "err", err)
	}

	m := metrics.New()

	recorder, closeRecorder, err := openRecorder(ctx, *cfg, logger)
	if err != nil {
		return err
	}
	defer closeRecorder()

	resolver, err := geo.New(*cfg)
	if err != nil {
		return usageError(fmt.Errorf("configure geolocation: %w", err))
	}
	authz, err := signaling.NewAuthAuthorizer(*cfg)
	if err != nil {
		return usageError(fmt.Errorf("configure signaling auth: %w", err))
	}
	turn, err := turnGenerator(*cfg)
	if err != nil {
		return usageError(err)
	}

	hub := signaling.NewHub(logger, m)
	mgr := session.NewManager(sessionConfig(*cfg, hub, recorder, logger, m))

	sigCfg := signaling.ConfigFrom(*cfg)
	sigCfg.Sessions = mgr
	sigCfg.Hub = hub
	sigCfg.Authorizer = authz
	sigCfg.Resolver = resolver
	sigCfg.Logger = logger
	sigCfg.Metrics = m
	sig := signaling.NewServer(sigCfg)

	commit, built := resolveBuildInfo(buildCommit, buildTime)
	srv := httpserver.New(*cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: built}, httpserver.Deps{
		Stats:   mgr,
		Conns:   sig,
		Metrics: m,
		TURN:    turn,
	})
	sig.RegisterRoutes(srv.Mux())

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	runCtx, stopManager := context.WithCancel(context.Background())
	defer stopManager()
	managerDone := make(chan struct{})
	go func() {
		defer close(managerDone)
		_ = mgr.Run(runCtx)
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var serveErr error
	select {
	case serveErr = <-errCh:
	case <-sigCtx.Done():
		logger.Info("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("http server shutdown failed", "err", err)
		}
		serveErr = <-errCh
	}

	// Hijacked /ws connections are not covered by Shutdown.
	sig.Close()
	waitForConnections(sig, cfg.ShutdownTimeout)
	stopManager()
	<-managerDone

	if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		return fmt.Errorf("http server exited: %w", serveErr)
	}
	logger.Info("shutdown complete")
	return nil
}

// waitForConnections gives closing /ws handlers time to submit their
// disconnects before the session loop stops.
func waitForConnections(sig *signaling.Server, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for sig.Connections() > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
}

func sessionConfig(cfg config.Config, n session.Notifier, r session.Recorder, logger *slog.Logger, m *metrics.Metrics) session.Config {
	return session.Config{
		Notifier:            n,
		Recorder:            r,
		Logger:              logger,
		Metrics:             m,
		MatchNotifyDelay:    cfg.MatchNotifyDelay,
		SkipRequeueDelay:    cfg.SkipRequeueDelay,
		PartnerRequeue:      cfg.PartnerRequeue,
		PartnerRequeueDelay: cfg.PartnerRequeueDelay,
		SweepInterval:       cfg.SweepInterval,
		SweepCooldown:       cfg.SweepCooldown,
		QueueSize:           cfg.EventQueueSize,
		TelemetryQueueSize:  cfg.TelemetryQueueSize,
		RecordTimeout:       cfg.RecordTimeout,
	}
}

// openRecorder picks the database store when one is configured and the
// in-memory recorder otherwise.
func openRecorder(ctx context.Context, cfg config.Config, logger *slog.Logger) (session.Recorder, func(), error) {
	if cfg.DatabaseURL == "" {
		logger.Info("no database configured, keeping session records in memory")
		return store.NewMemory(), func() {}, nil
	}
	db, err := openDatabase(ctx, &cfg)
	if err != nil {
		return nil, nil, err
	}
	if err := db.InitSchema(ctx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("init schema: %w", err)
	}
	return db, func() {
		if err := db.Close(); err != nil {
			logger.Warn("close database", "err", err)
		}
	}, nil
}

func turnGenerator(cfg config.Config) (*turnrest.Generator, error) {
	if !cfg.TURNREST.Enabled() {
		return nil, nil
	}
	gen, err := turnrest.NewGenerator(turnrest.Config{
		SharedSecret:   cfg.TURNREST.SharedSecret,
		TTL:            time.Duration(cfg.TURNREST.TTLSeconds) * time.Second,
		UsernamePrefix: cfg.TURNREST.UsernamePrefix,
	})
	if err != nil {
		return nil, fmt.Errorf("configure turn rest credentials: %w", err)
	}
	return gen, nil
}
