// ====================================
// File: cmd/perpbot/main.go
// ====================================
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/deltaquant/perpbot/internal/agent"
	"github.com/deltaquant/perpbot/internal/config"
	"github.com/deltaquant/perpbot/internal/dashboard"
	"github.com/deltaquant/perpbot/internal/engine"
	"github.com/deltaquant/perpbot/internal/events"
	"github.com/deltaquant/perpbot/internal/ledger"
	ledgerpg "github.com/deltaquant/perpbot/internal/ledger/postgres"
	"github.com/deltaquant/perpbot/internal/logger"
	"github.com/deltaquant/perpbot/internal/market"
	"github.com/deltaquant/perpbot/internal/metrics"
	"github.com/deltaquant/perpbot/internal/notify"
	"github.com/deltaquant/perpbot/internal/oracle"
	"github.com/deltaquant/perpbot/internal/risk"
)

func main() {
	configPath := flag.String("config", "configs/config.json", "path to configuration file")
	fresh := flag.Bool("fresh", false, "reset ledgers to initial cash before starting")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		zap.NewExample().Fatal("Failed to load config", zap.Error(err))
	}

	log, err := logger.New(&logger.Config{
		LogFile:     cfg.LogFile,
		MaxSize:     100,
		MaxAge:      7,
		MaxBackups:  3,
		Compress:    true,
		Development: cfg.DebugLogging,
	})
	if err != nil {
		zap.NewExample().Fatal("Failed to create logger", zap.Error(err))
	}
	defer log.Sync()
	log.Info("Starting perpbot",
		zap.Strings("agents", cfg.Agents),
		zap.Strings("coins", cfg.Coins))

	if err := run(cfg, *fresh, log); err != nil && err != context.Canceled {
		log.LogError("Fatal error", err)
		os.Exit(1)
	}
	log.Info("Shutdown complete")
}

func run(cfg *config.Config, fresh bool, log *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	initialCash, err := decimal.NewFromString(cfg.InitialCash)
	if err != nil {
		return err
	}

	store, err := buildStore(cfg, initialCash, log)
	if err != nil {
		return err
	}
	if fresh {
		for _, kind := range cfg.Agents {
			if err := store.ClearTrades(ctx, kind); err != nil {
				return err
			}
		}
		log.Info("Ledgers reset to initial cash",
			zap.String("initial_cash", initialCash.String()))
	}

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer redisClient.Close()
	source := market.NewRedisSource(redisClient, cfg.Coins, log.Logger)
	stream := market.NewBinanceStream(cfg.BinanceWSURL, cfg.Coins, source, log.Logger)

	bus := events.NewBus(log.Logger, 256)
	sink := notify.NewBusSink(bus, log.Logger)
	collector := metrics.NewCollector()

	policy := risk.NewPolicy(risk.Config{
		MaxOpenPositions: cfg.MaxOpenPositions,
		MaxRiskPerTrade:  cfg.MaxRiskPerTrade,
		MaxExposure:      cfg.MaxExposure,
		MinConfidence:    cfg.MinConfidence,
	}, log.Logger)

	lifecycle := engine.NewLifecycle(store, sink, log.Logger)
	processor := engine.NewProcessor(store, policy, lifecycle, collector, log.Logger)

	llm := oracle.NewLLMClient(oracle.Config{
		BaseURL:  cfg.Oracle.BaseURL,
		Model:    cfg.Oracle.Model,
		APIKey:   cfg.Oracle.APIKey,
		MaxTries: cfg.Oracle.MaxTries,
	}, log.Logger)

	sessions := make([]*agent.Session, 0, len(cfg.Agents))
	for _, kind := range cfg.Agents {
		sessions = append(sessions, agent.NewSession(agent.SessionParams{
			Kind:        kind,
			Cooldown:    time.Duration(cfg.CooldownSec) * time.Second,
			InitialCash: initialCash,
			Store:       store,
			Source:      source,
			Oracle:      llm,
			Processor:   processor,
			Lifecycle:   lifecycle,
			Collector:   collector,
			Bus:         bus,
			Logger:      log.Logger,
		}))
	}
	runner := agent.NewRunner(sessions, time.Duration(cfg.CycleSec)*time.Second, bus, log.Logger)

	hub := dashboard.NewHub(log.Logger)
	hub.Attach(bus)
	server := dashboard.NewServer(store, cfg.Agents, hub, log.Logger)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return stream.Run(ctx) })
	g.Go(func() error { hub.Run(ctx); return nil })
	g.Go(func() error { return server.Run(ctx, cfg.DashboardAddr) })
	g.Go(func() error { return runner.Run(ctx) })

	err = g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if busErr := bus.Shutdown(shutdownCtx); busErr != nil {
		log.LogError("Event bus shutdown", busErr)
	}
	return err
}

// buildStore picks the durable postgres ledger when a DSN is configured
// and falls back to the in-memory ledger otherwise.
func buildStore(cfg *config.Config, initialCash decimal.Decimal, log *logger.Logger) (ledger.Store, error) {
	if cfg.PostgresURL == "" {
		log.Info("Using in-memory ledger store")
		return ledger.NewMemoryStore(initialCash), nil
	}

	store, err := ledgerpg.NewStore(cfg.PostgresURL, initialCash, log.Logger)
	if err != nil {
		return nil, err
	}
	if err := store.RunMigrations(); err != nil {
		return nil, err
	}
	log.Info("Using postgres ledger store")
	return store, nil
}
