package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/rewired-gh/tickwatch/internal/alert"
	"github.com/rewired-gh/tickwatch/internal/bus"
	"github.com/rewired-gh/tickwatch/internal/cache"
	"github.com/rewired-gh/tickwatch/internal/coingecko"
	"github.com/rewired-gh/tickwatch/internal/command"
	"github.com/rewired-gh/tickwatch/internal/config"
	"github.com/rewired-gh/tickwatch/internal/logger"
	"github.com/rewired-gh/tickwatch/internal/metrics"
	"github.com/rewired-gh/tickwatch/internal/models"
	"github.com/rewired-gh/tickwatch/internal/moex"
	"github.com/rewired-gh/tickwatch/internal/monitor"
	"github.com/rewired-gh/tickwatch/internal/quota"
	"github.com/rewired-gh/tickwatch/internal/quote"
	"github.com/rewired-gh/tickwatch/internal/storage"
	"github.com/rewired-gh/tickwatch/internal/stream"
	"github.com/rewired-gh/tickwatch/internal/telegram"
)

var configPath = flag.String("config", "", "Path to configuration file (optional)")

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	lg := logger.Init(cfg.Logging.Level, cfg.Logging.Format)
	defer func() { _ = lg.Sync() }()
	if *configPath != "" {
		lg.Info("Configuration loaded from %s", *configPath)
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
		srv := m.Serve(cfg.Metrics.Addr)
		defer func() { _ = srv.Close() }()
		lg.Info("Metrics listening on %s", cfg.Metrics.Addr)
	}

	tickCache, closeCache := newCache(cfg.Cache, lg)
	defer closeCache()
	publisher, closeBus := newBus(cfg.Bus, lg)
	defer closeBus()

	var (
		alerts command.AlertStore
		states monitor.StateStore
		usage  quota.UsageTable
	)
	if cfg.Storage.Enabled {
		store, err := storage.New(cfg.Storage.DBPath)
		if err != nil {
			logger.Fatal("Failed to initialize storage: %v", err)
		}
		defer func() {
			if err := store.Close(); err != nil {
				lg.Error("Failed to close storage: %v", err)
			}
		}()
		alerts, states, usage = store, store, store
	} else {
		lg.Debug("Persistence disabled, alerts live in memory")
		alerts, usage = alert.NewMemoryStore(), quota.NewMemoryUsage()
	}

	loc, err := cfg.Quota.Location()
	if err != nil {
		logger.Fatal("Invalid quota timezone: %v", err)
	}
	limiter := quota.NewLimiter(usage, nil, loc)

	moexClient := moex.NewClient(cfg.MOEX.BaseURL, cfg.MOEX.Timeout, tickCache, lg,
		moex.WithRetry(cfg.MOEX.MaxRetries, cfg.MOEX.RetryDelay),
		moex.WithCacheTTL(cfg.MOEX.CacheTTL),
	)
	equities := quote.NewService(tickCache, moexClient, quote.Config{
		FreshnessWindow: cfg.Quote.FreshnessWindow,
		Interval:        cfg.Quote.Interval,
		FallbackTimeout: cfg.Quote.FallbackTimeout,
	}, lg, m)

	sources := map[models.AssetClass]monitor.QuoteSource{models.Equity: equities}
	commandSources := map[models.AssetClass]command.QuoteSource{models.Equity: equities}
	if cfg.CoinGecko.Enabled {
		cg := coingecko.NewClient(cfg.CoinGecko.BaseURL, cfg.CoinGecko.APIKey, cfg.CoinGecko.Timeout,
			tickCache, cfg.CoinGecko.CacheTTL, lg)
		crypto := quote.NewCryptoService(cg, cfg.CoinGecko.Currency, cfg.CoinGecko.CoinIDs, m)
		sources[models.Crypto] = crypto
		commandSources[models.Crypto] = crypto
	}

	var (
		telegramClient *telegram.Client
		notifier       monitor.Notifier = monitor.NewLogNotifier(lg)
	)
	if cfg.Telegram.Enabled {
		telegramClient, err = telegram.NewClient(cfg.Telegram.BotToken, cfg.Telegram.AdminChatID,
			cfg.Telegram.MaxRetries, cfg.Telegram.RetryDelayBase, lg)
		if err != nil {
			logger.Fatal("Failed to initialize Telegram client: %v", err)
		}
		notifier = telegramClient
		lg.Info("Telegram client initialized successfully")
	} else {
		lg.Debug("Telegram disabled, notifications go to the log")
	}

	evaluator := monitor.New(alerts, sources, notifier, states, monitor.Config{
		CheckpointInterval: cfg.Monitor.CheckpointInterval,
	}, lg, m)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if telegramClient != nil {
		dispatcher := command.NewDispatcher(limiter, planResolver(cfg.Telegram), lg)
		if err := dispatcher.Register(command.Builtin(alerts, commandSources, command.Limits{
			AlertsPerDay: cfg.Quota.AlertsPerDay,
			QuotesPerDay: cfg.Quota.QuotesPerDay,
		})...); err != nil {
			logger.Fatal("Failed to register commands: %v", err)
		}
		telegramClient.ListenForCommands(ctx, dispatcher)
	}

	connector := stream.NewWSConnector(cfg.Stream.URL, cfg.Stream.ReadTimeout, lg)
	ingester := stream.NewIngester(connector, cfg.Stream.Token, tickCache, publisher, stream.Config{
		BackoffBase:       cfg.Stream.BackoffBase,
		BackoffMax:        cfg.Stream.BackoffMax,
		HeartbeatInterval: cfg.Stream.HeartbeatInterval,
		TickTTL:           cfg.Stream.TickTTL,
		WriteTimeout:      stream.DefaultConfig().WriteTimeout,
	}, lg, m)

	lg.Info("Starting tickwatch (symbols: %v, evaluation interval: %v)", cfg.Stream.Symbols, cfg.Monitor.Interval)

	var wg conc.WaitGroup
	wg.Go(func() {
		if err := ingester.Run(ctx, cfg.Stream.Symbols); err != nil && !errors.Is(err, context.Canceled) {
			lg.Error("Ingester stopped: %v", err)
			stop()
		}
	})
	wg.Go(func() { runEvaluator(ctx, evaluator, telegramClient, cfg.Monitor.Interval, lg) })
	if mem, ok := tickCache.(*cache.Memory); ok {
		wg.Go(func() { purgeExpired(ctx, mem, time.Minute, lg) })
	}
	wg.Wait()

	lg.Info("Shutdown signal received, cleaning up...")
	evaluator.Shutdown()
	lg.Info("Service stopped")
}

// runEvaluator ticks the evaluator until ctx is done. The admin chat hears about the first
// failure of a run of failures and about the recovery that ends it.
func runEvaluator(ctx context.Context, evaluator *monitor.Evaluator, tg *telegram.Client, interval time.Duration, lg *logger.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	consecutiveFailures := 0
	handlePassResult := func(err error) {
		if err != nil {
			consecutiveFailures++
			lg.Error("Evaluation pass failed: %v", err)
			if consecutiveFailures == 1 && tg != nil {
				if sendErr := tg.SendError(ctx, err); sendErr != nil {
					lg.Warn("Failed to send error notification to Telegram: %v", sendErr)
				}
			}
			return
		}
		if consecutiveFailures > 0 && tg != nil {
			if sendErr := tg.SendRecovery(ctx, consecutiveFailures); sendErr != nil {
				lg.Warn("Failed to send recovery notification to Telegram: %v", sendErr)
			}
		}
		consecutiveFailures = 0
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, err := evaluator.Tick(ctx)
			handlePassResult(err)
		}
	}
}

func purgeExpired(ctx context.Context, c *cache.Memory, every time.Duration, lg *logger.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.Purge(); n > 0 {
				lg.Debug("Purged %d expired cache entries", n)
			}
		}
	}
}

func planResolver(cfg config.TelegramConfig) command.PlanResolver {
	plans := make(map[int64]command.Plan, len(cfg.ProUsers)+len(cfg.PremiumUsers))
	for _, id := range cfg.ProUsers {
		plans[id] = command.Pro
	}
	for _, id := range cfg.PremiumUsers {
		plans[id] = command.Premium
	}
	return func(userID int64) command.Plan {
		return plans[userID]
	}
}

func newCache(cfg config.BackendConfig, lg *logger.Logger) (cache.Cache, func()) {
	if cfg.Backend != "redis" {
		return cache.NewMemory(), func() {}
	}
	c, err := cache.NewRedis(cfg.RedisURL)
	if err != nil {
		logger.Fatal("Failed to initialize redis cache: %v", err)
	}
	lg.Info("Using redis cache")
	return c, func() {
		if err := c.Close(); err != nil {
			lg.Warn("Failed to close redis cache: %v", err)
		}
	}
}

func newBus(cfg config.BackendConfig, lg *logger.Logger) (bus.Publisher, func()) {
	if cfg.Backend != "redis" {
		return bus.NewMemory(), func() {}
	}
	b, err := bus.NewRedis(cfg.RedisURL)
	if err != nil {
		logger.Fatal("Failed to initialize redis bus: %v", err)
	}
	lg.Info("Using redis bus")
	return b, func() {
		if err := b.Close(); err != nil {
			lg.Warn("Failed to close redis bus: %v", err)
		}
	}
}
