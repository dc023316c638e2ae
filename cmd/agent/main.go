package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/p-blackswan/codetime-agent/internal/aggregator"
	"github.com/p-blackswan/codetime-agent/internal/api"
	"github.com/p-blackswan/codetime-agent/internal/config"
	"github.com/p-blackswan/codetime-agent/internal/flush"
	"github.com/p-blackswan/codetime-agent/internal/health"
	"github.com/p-blackswan/codetime-agent/internal/ingest"
	"github.com/p-blackswan/codetime-agent/internal/metrics"
	"github.com/p-blackswan/codetime-agent/internal/mgmt"
	"github.com/p-blackswan/codetime-agent/internal/music"
	"github.com/p-blackswan/codetime-agent/internal/notify"
	"github.com/p-blackswan/codetime-agent/internal/resource"
	"github.com/p-blackswan/codetime-agent/internal/session"
	"github.com/p-blackswan/codetime-agent/internal/spool"
	"github.com/p-blackswan/codetime-agent/pkg/tokenstore"
)

// spoolBacklogWarn is the record count above which readiness reports the
// spool as degraded.
const spoolBacklogWarn = 1000

func main() {
	// Setup structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := zerolog.New(os.Stdout).With().Timestamp().Caller().Logger()

	if os.Getenv("ENVIRONMENT") == "development" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	log.Logger = logger

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err == nil {
		zerolog.SetGlobalLevel(level)
	}

	loc, err := cfg.Location()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to resolve timezone")
	}

	logger.Info().
		Str("environment", cfg.Environment).
		Str("api_endpoint", cfg.APIEndpoint).
		Str("mgmt_addr", cfg.MgmtListenAddr).
		Str("spool_backend", cfg.SpoolBackend).
		Dur("flush_interval", cfg.FlushInterval).
		Bool("slack_enabled", cfg.SlackEnabled()).
		Msg("starting codetime agent")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	m := metrics.New()

	// Offline spool
	var store spool.Store
	if cfg.SQLiteSpool() {
		sq, err := spool.NewSQLiteStore(cfg.SpoolDBPath, logger)
		if err != nil {
			logger.Fatal().Err(err).Str("path", cfg.SpoolDBPath).Msg("failed to open sqlite spool")
		}
		store = sq
	} else {
		store = spool.NewFileStore(cfg.SpoolPath, logger)
	}
	defer store.Close()

	// Session token
	tokens, err := tokenstore.NewFileStore(cfg.SessionFile, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.SessionFile).Msg("failed to open session store")
	}
	defer tokens.Close()
	if err := tokens.Watch(ctx); err != nil {
		logger.Warn().Err(err).Msg("session file watch unavailable (non-fatal)")
	}

	roots, err := config.LoadProjectRoots(cfg.ProjectRootsFile)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load project roots")
	}

	// Notifications
	notifiers := notify.Multi{notify.NewLogNotifier(logger)}
	if cfg.SlackEnabled() {
		notifiers = append(notifiers, notify.NewSlackNotifier(cfg.SlackWebhookURL))
		logger.Info().Msg("Slack webhook notifications enabled")
	}

	client := api.NewClient(cfg.APIEndpoint, cfg.SendTimeout, cfg.SendRetries, m, logger)
	resources := resource.NewGitProvider(cfg.ResourceCacheSize, cfg.ResourceCacheTTL, logger)

	agg := aggregator.New(roots.Lookup, logger)
	ingestor := ingest.New(agg, ingest.FileLineCounter{}, m, logger)

	engine := flush.NewEngine(flush.Config{
		Interval:            cfg.FlushInterval,
		ShutdownTimeout:     cfg.ShutdownTimeout,
		DeactivatedCooldown: cfg.DeactivatedCooldown,
		HandOffQueueSize:    cfg.HandOffQueueSize,
		PluginID:            cfg.PluginID,
		PluginVersion:       cfg.PluginVersion,
		Location:            loc,
	}, agg, client, store, tokens, resources, notifiers, m, logger)
	agg.SetHandOff(engine)
	engine.SetMembersReporter(resource.NewMembersReporter(resources, client, cfg.ResourceCacheSize, cfg.RepoMembersTTL, logger))

	tracks := music.NewRelay(client, tokens, engine, logger)

	poller := session.NewPoller(client, tokens, engine, notifiers, cfg.SessionPollInterval, logger)

	checker := health.NewChecker(logger)
	checker.Register("spool", health.SpoolCheck(store, spoolBacklogWarn))
	checker.Register("remote", health.RemoteCheck(engine))

	authMode := config.AuthModeNone
	if cfg.APIKeyAuth() {
		authMode = config.AuthModeAPIKey
	}

	mgmtServer := mgmt.NewServer(mgmt.ServerConfig{
		ListenAddr: cfg.MgmtListenAddr,
		AuthConfig: mgmt.AuthConfig{
			Mode:   authMode,
			APIKey: cfg.MgmtAPIKey,
		},
		RateLimit: mgmt.RateLimitConfig{
			RPS:   cfg.MgmtRateLimitRPS,
			Burst: cfg.MgmtRateLimitBurst,
		},
	}, mgmt.Deps{
		Ingestor: ingestor,
		Engine:   engine,
		Spool:    store,
		Active:   agg,
		Tokens:   tokens,
		Summary:  poller,
		Tracks:   tracks,
	}, checker, m, logger)

	engine.Start(ctx)
	poller.Start(ctx)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := mgmtServer.Start(); err != nil {
			logger.Error().Err(err).Msg("management API server error")
		}
	}()

	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutting down gracefully")

	// Stop accepting events before the final flush.
	if err := mgmtServer.Shutdown(); err != nil {
		logger.Error().Err(err).Msg("management API server shutdown error")
	}

	poller.Stop()

	res := engine.Stop(context.Background())
	logger.Info().
		Str("outcome", res.Outcome).
		Int64("keystrokes", res.Keystrokes).
		Msg("final flush complete")

	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info().Msg("all goroutines stopped")
	case <-time.After(cfg.ShutdownTimeout + 5*time.Second):
		logger.Warn().Msg("forced shutdown after timeout")
	}

	logger.Info().Msg("codetime agent stopped")
}
