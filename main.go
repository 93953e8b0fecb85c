package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"topstepflow/api"
	"topstepflow/config"
	"topstepflow/logger"
	"topstepflow/oco"
	"topstepflow/realtime"
	"topstepflow/signalr"
	"topstepflow/store"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	env := config.AppEnvironment()
	log.WithFields(logger.Fields{
		"service":     cfg.Topstepflow.Name,
		"version":     cfg.Topstepflow.Version,
		"environment": env,
	}).Info("starting topstepflow")

	if config.IsProductionLike(env) && strings.ToLower(cfg.Logging.Level) == "debug" {
		log.Warn("debug logging enabled in a production-like environment")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.InitCloudWatch(cfg.Store.S3.Region, "TopstepFlow", cfg.Logging.DashboardName)
		logger.StartReport(ctx, log, 30*time.Second)
	}

	startedAt := time.Now()

	client := api.NewClient(cfg.Broker)
	client.Tokens().StartRefreshLoop(ctx)

	verifyCtx, verifyCancel := context.WithTimeout(ctx, cfg.Broker.RequestTimeout)
	if accounts, err := client.Account.Search(verifyCtx, true); err != nil {
		log.WithError(err).Warn("account lookup failed, continuing with configured account id")
	} else {
		known := false
		for _, account := range accounts {
			if account.ID == cfg.Broker.AccountID {
				known = true
				break
			}
		}
		if !known {
			log.WithFields(logger.Fields{"account_id": cfg.Broker.AccountID}).Warn("configured account is not in the active account list")
		}
	}
	for _, contract := range cfg.Feed.Contracts {
		if _, err := client.Contract.SearchByID(verifyCtx, contract); err != nil {
			log.WithError(err).WithFields(logger.Fields{"contract": contract}).Warn("contract lookup failed")
		}
	}
	verifyCancel()

	var marketStore *store.MarketDataStore
	var sink realtime.Store
	if cfg.Store.Enabled {
		marketStore, err = store.NewMarketDataStore(cfg.Store)
		if err != nil {
			log.WithError(err).Error("failed to create market data store")
			os.Exit(1)
		}
		if err := marketStore.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start market data store")
			os.Exit(1)
		}
		sink = marketStore
	} else {
		log.WithComponent("main").Info("market data store disabled; streaming without ingestion")
	}

	tokenFn := realtime.TokenFunc(client.Tokens().Token)
	keepAlive := cfg.Realtime.KeepAliveInterval

	userHub := realtime.NewHub("user", func(ctx context.Context, token string) (realtime.Transport, error) {
		return signalr.Dial(ctx, cfg.Broker.UserHubURL, token, keepAlive)
	}, tokenFn, cfg.Realtime)

	marketHub := realtime.NewHub("market", func(ctx context.Context, token string) (realtime.Transport, error) {
		return signalr.Dial(ctx, cfg.Broker.MarketHubURL, token, keepAlive)
	}, tokenFn, cfg.Realtime)

	userFeed := realtime.NewRealtimeUserFeed(userHub)
	marketFeed := realtime.NewMarketDataFeed(marketHub, sink)

	ocoManager := oco.NewManager(client.Order, client.History, cfg.Broker.AccountID, cfg.Oco)
	userFeed.OnOrderUpdate(ocoManager.OnOrderUpdate)

	if !userHub.Start(ctx) {
		log.WithComponent("main").Warn("user hub did not connect on first attempt, reconnecting in background")
	}
	if !marketHub.Start(ctx) {
		log.WithComponent("main").Warn("market hub did not connect on first attempt, reconnecting in background")
	}

	userFeed.SubscribeAccounts()
	userFeed.SubscribeOrders(cfg.Broker.AccountID)
	userFeed.SubscribePositions(cfg.Broker.AccountID)
	userFeed.SubscribeTrades(cfg.Broker.AccountID)

	for _, contract := range cfg.Feed.Contracts {
		if cfg.Feed.Quotes {
			marketFeed.SubscribeQuotes(contract)
		}
		if cfg.Feed.Trades {
			marketFeed.SubscribeTrades(contract)
		}
		if cfg.Feed.Depth {
			marketFeed.SubscribeDepth(contract)
		}
	}

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")

	cleanupCtx, cleanupCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := ocoManager.CleanupOrders(cleanupCtx); err != nil {
		log.WithError(err).Warn("bracket cleanup incomplete")
	}
	if trades, err := client.Trade.Search(cleanupCtx, cfg.Broker.AccountID, startedAt); err == nil {
		log.WithFields(logger.Fields{"trades": len(trades)}).Info("session trade summary")
	}
	if positions, err := client.Position.SearchOpen(cleanupCtx, cfg.Broker.AccountID); err == nil && len(positions) > 0 {
		log.WithFields(logger.Fields{"open_positions": len(positions)}).Warn("open positions remain after shutdown")
	}
	cleanupCancel()

	log.Info("stopping market hub")
	marketHub.Stop()

	log.Info("stopping user hub")
	userHub.Stop()

	cancel()

	if marketStore != nil {
		log.Info("stopping market data store")
		marketStore.Stop()
	}

	log.Info("topstepflow stopped")
}
