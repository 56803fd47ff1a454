// Command bridge runs the signal execution bridge: webhook intake, the
// execution engine, per-tenant user data streams, and the metrics server.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"signalbridge/internal/alert"
	"signalbridge/internal/config"
	"signalbridge/internal/core"
	"signalbridge/internal/dedup"
	"signalbridge/internal/engine"
	"signalbridge/internal/exchange/binance"
	"signalbridge/internal/fanout"
	"signalbridge/internal/intake"
	"signalbridge/internal/logging"
	"signalbridge/internal/store"
	"signalbridge/internal/stream"
	"signalbridge/internal/symlock"
	"signalbridge/internal/telemetry"
	"signalbridge/internal/tenant"
	"signalbridge/pkg/concurrency"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLoggerFromString(cfg.App.LogLevel, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level: %v\n", err)
		os.Exit(1)
	}
	logger.Info("Starting signal bridge", "mode", cfg.App.Mode, "listen", cfg.App.ListenAddr)

	if err := run(cfg, logger); err != nil {
		logger.Fatal("Bridge terminated", "error", err)
	}
}

func run(cfg *config.Config, logger core.ILogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tradeStore, err := store.NewSQLiteStore(cfg.App.DatabasePath, logger)
	if err != nil {
		return fmt.Errorf("store init failed: %w", err)
	}
	defer tradeStore.Close()

	alerts := buildAlerts(cfg, logger)

	client := binance.NewClient(cfg.Exchange.BaseURL, cfg.Exchange.WSURL,
		cfg.Exchange.APIKey, cfg.Exchange.SecretKey, logger)

	locks := symlock.NewRegistry()
	cache := dedup.NewCache()
	eng := engine.New(client, tradeStore, locks, cache, alerts, cfg, logger)

	reconciler := stream.NewReconciler(client, tradeStore, locks, alerts, client.WSURL(), logger,
		stream.WithTimings(
			time.Duration(cfg.Timing.WebsocketPingInterval)*time.Second,
			time.Duration(cfg.Timing.ListenKeyKeepaliveInterval)*time.Second,
		),
		stream.WithMaxReconnects(cfg.Timing.MaxReconnectAttempts),
	)

	var broadcaster *fanout.Broadcaster
	if cfg.App.Mode == "multi" {
		pool := concurrency.NewWorkerPool(concurrency.PoolConfig{
			Name:        "fanout",
			MaxWorkers:  cfg.Concurrency.FanoutPoolSize,
			MaxCapacity: cfg.Concurrency.FanoutPoolBuffer,
			NonBlocking: true,
		}, logger)

		broadcaster = fanout.NewBroadcaster(eng, pool, func() []fanout.TenantEntry {
			entries := make([]fanout.TenantEntry, 0, len(cfg.Tenants))
			for id, t := range cfg.Tenants {
				entries = append(entries, fanout.TenantEntry{
					ID:               id,
					Enabled:          t.Enabled,
					AutoTradeEnabled: t.AutoTradeEnabled,
					Credentials:      tenant.Credentials{APIKey: t.APIKey, SecretKey: t.SecretKey},
				})
			}
			return entries
		}, time.Duration(cfg.Concurrency.FanoutJobTimeout)*time.Second, logger)
		defer broadcaster.Stop()
	}

	server := intake.NewServer(cfg.App.ListenAddr, eng, broadcaster, tradeStore, cache, cfg, cfg.App.IntakeToken, logger)

	var metricsServer *telemetry.Server
	if cfg.Telemetry.EnableMetrics {
		metricsServer = telemetry.NewServer(cfg.Telemetry.MetricsPort, logger)
		metricsServer.Start()
	}

	startStreams(ctx, cfg, reconciler, logger)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(server.Start)

	g.Go(func() error {
		runStaleCleanup(gctx, cfg, tradeStore, client, logger)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		reconciler.StopAll()
		if metricsServer != nil {
			_ = metricsServer.Stop(shutdownCtx)
		}
		return server.Stop(shutdownCtx)
	})

	return g.Wait()
}

func buildAlerts(cfg *config.Config, logger core.ILogger) *alert.Manager {
	alerts := alert.NewManager(logger)
	if cfg.Alert.TelegramBotToken != "" && cfg.Alert.TelegramChatID != "" {
		alerts.AddChannel(alert.NewTelegramChannel(cfg.Alert.TelegramBotToken, cfg.Alert.TelegramChatID))
	}
	if cfg.Alert.SlackWebhookURL != "" {
		alerts.AddChannel(alert.NewSlackChannel(cfg.Alert.SlackWebhookURL))
	}
	for id, t := range cfg.Tenants {
		if t.TelegramChatID != "" && cfg.Alert.TelegramBotToken != "" {
			alerts.AddTenantChannel(id, alert.NewTelegramChannel(cfg.Alert.TelegramBotToken, t.TelegramChatID))
		}
	}
	return alerts
}

func startStreams(ctx context.Context, cfg *config.Config, reconciler *stream.Reconciler, logger core.ILogger) {
	if cfg.App.Mode != "multi" {
		if err := reconciler.StartTenant(ctx, "", tenant.Credentials{}); err != nil {
			logger.Error("Failed to start user data stream", "error", err)
		}
		return
	}

	for id, t := range cfg.Tenants {
		if !t.Enabled || t.APIKey == "" || t.SecretKey == "" {
			logger.Warn("Tenant stream not started", "tenant", id, "enabled", t.Enabled)
			continue
		}
		creds := tenant.Credentials{APIKey: t.APIKey, SecretKey: t.SecretKey}
		if err := reconciler.StartTenant(ctx, id, creds); err != nil {
			logger.Error("Failed to start tenant stream", "tenant", id, "error", err)
		}
	}
}

// runStaleCleanup periodically closes trade records whose exchange position
// vanished while the bridge was not watching
func runStaleCleanup(ctx context.Context, cfg *config.Config, tradeStore core.ITradeStore, client core.IFuturesClient, logger core.ILogger) {
	interval := time.Duration(cfg.Timing.StaleTradeCleanupInterval) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	tenantIDs := []string{""}
	if cfg.App.Mode == "multi" {
		tenantIDs = tenantIDs[:0]
		for id := range cfg.Tenants {
			tenantIDs = append(tenantIDs, id)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, id := range tenantIDs {
				tctx := tenant.WithID(ctx, id)
				if id != "" {
					t := cfg.Tenants[id]
					if t.APIKey == "" {
						continue
					}
					tctx = tenant.WithCredentials(tctx, tenant.Credentials{APIKey: t.APIKey, SecretKey: t.SecretKey})
				}

				closed, err := tradeStore.CleanupStaleTrades(tctx, id, func(symbol string) bool {
					pos, err := client.GetPosition(tctx, symbol)
					if err != nil {
						// Keep the trade when the exchange cannot be asked.
						return true
					}
					return !pos.Size.IsZero()
				})
				if err != nil {
					logger.Error("Stale trade cleanup failed", "tenant", id, "error", err)
					continue
				}
				if closed > 0 {
					logger.Info("Stale trades closed", "tenant", id, "count", closed)
				}
			}
		}
	}
}
