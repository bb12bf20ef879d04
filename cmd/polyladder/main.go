// Polyladder - automated ladder trading for binary prediction markets.
//
// The engine screens high-volume YES/NO markets, enters along a price
// ladder as consensus compresses toward certainty, averages down before
// game start, hedges with cheap opposite-side tails, and exits through
// trailing profit takes, moon-bags and thesis stops. PAPER mode simulates
// fills; LIVE mode signs real CLOB orders.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"polyladder/internal/api"
	"polyladder/internal/bot"
	"polyladder/internal/bus"
	"polyladder/internal/config"
	"polyladder/internal/copytrade"
	"polyladder/internal/engine"
	"polyladder/internal/exec"
	"polyladder/internal/feeds"
	"polyladder/internal/markets"
	"polyladder/internal/polymarket"
	"polyladder/internal/risk"
	"polyladder/internal/storage"
)

const version = "1.0.0"

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("no .env file found, using environment variables")
	}

	configPath := os.Getenv("LADDER_CONFIG")
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	log.Info().
		Str("version", version).
		Str("mode", cfg.Mode).
		Float64("bankroll", cfg.Bankroll).
		Int("top_n", cfg.TopNMarkets).
		Msg("polyladder starting")

	store, err := storage.New(cfg.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize database")
	}
	defer store.Close()

	eventBus := bus.New()
	riskManager := risk.NewManager(cfg)

	// Crash recovery: the persisted book wins over a fresh bankroll.
	if _, cash, locked, ok := store.GetRiskBook(); ok {
		positions, err := store.GetPositions()
		if err != nil {
			log.Warn().Err(err).Msg("position recovery failed")
		}
		riskManager.Restore(cash, locked, positions)
		log.Info().
			Float64("cash", cash).
			Float64("protected", locked).
			Int("positions", len(positions)).
			Msg("risk book restored")
	}

	client := polymarket.NewClient(cfg.CatalogBaseURL, cfg.ClobBaseURL, cfg.DataBaseURL, cfg.HTTPTimeout())

	var executor engine.Executor = exec.NewPaperExecutor()
	if cfg.Mode == config.ModeLive {
		clobClient, err := exec.NewCLOBClient(cfg.ClobBaseURL, cfg.ClobAPIKey, cfg.ClobAPISecret, cfg.ClobPassphrase, cfg.WalletPrivateKey, cfg.HTTPTimeout())
		if err != nil {
			log.Fatal().Err(err).Msg("failed to initialize CLOB client")
		}
		executor = exec.NewLiveExecutor(clobClient)
		log.Warn().Msg("LIVE mode: real orders will be submitted")
	}

	wsFeed := feeds.NewWSFeed(cfg.WSMarketURL, cfg.WSReconnectDelay(), eventBus)
	poller := feeds.NewPoller(client, eventBus, cfg.LivePricePollInterval())
	loader := markets.NewLoader(client, store, eventBus, cfg)
	detector := copytrade.NewDetector(client, store, eventBus, cfg)

	orch := engine.New(cfg, eventBus, store, riskManager, executor, client, loader, wsFeed, poller)

	notifier, err := bot.NewNotifier(cfg.TelegramToken, cfg.TelegramChatID, eventBus)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize telegram notifier")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return wsFeed.Run(ctx) })
	g.Go(func() error { return poller.Run(ctx) })
	g.Go(func() error { return detector.Run(ctx) })
	g.Go(func() error { return orch.Run(ctx) })
	g.Go(func() error { return notifier.Run(ctx) })
	if cfg.DashboardEnabled {
		dashboard := api.NewServer(store, riskManager, eventBus, orch, cfg.Mode, cfg.DashboardPort)
		g.Go(func() error { return dashboard.Run(ctx) })
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	case <-ctx.Done():
	}

	cancel()
	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("shutdown with error")
	}
	log.Info().Msg("goodbye")
}
