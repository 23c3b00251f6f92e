package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"stablecore/internal/auction"
	"stablecore/internal/collateral"
	"stablecore/internal/config"
	cronrunner "stablecore/internal/cron"
	"stablecore/internal/db"
	"stablecore/internal/events"
	"stablecore/internal/handler"
	"stablecore/internal/issuance"
	"stablecore/internal/ledger"
	"stablecore/internal/liquidation"
	"stablecore/internal/logger"
	"stablecore/internal/oracle"
	gormrepository "stablecore/internal/repository/gorm"
	"stablecore/internal/stability"
)

func main() {
	cfgPath := os.Getenv("SC_CONFIG")
	if cfgPath == "" {
		cfgPath = "config/config.yaml"
	}

	envOnly := false
	if envOnlyRaw := os.Getenv("SC_ENV_ONLY"); envOnlyRaw != "" {
		envOnly = strings.EqualFold(envOnlyRaw, "true") || envOnlyRaw == "1"
	}

	cfg, err := config.Load(cfgPath, envOnly)
	if err != nil {
		panic(err)
	}

	logger, err := logger.New(cfg.Log)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	dbConn, err := db.Open(cfg.DB)
	if err != nil {
		logger.Fatal("db open failed", zap.Error(err))
	}
	defer dbConn.Close()

	if err := dbConn.SetTimezone(context.Background(), cfg.DB.Timezone); err != nil {
		logger.Warn("failed to set timezone", zap.Error(err))
	}
	if err := db.AutoMigrate(dbConn); err != nil {
		logger.Fatal("auto-migrate failed", zap.Error(err))
	}

	store := gormrepository.New(dbConn.Gorm)

	var sink events.Sink = events.Multi{
		&events.DBSink{Store: store, Logger: logger},
		&events.WebhookSink{
			URL:     cfg.Events.WebhookURL,
			Timeout: cfg.Events.WebhookTimeout,
			Logger:  logger,
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	policy, err := oracle.PolicyByName(cfg.Oracle.Policy)
	if err != nil {
		logger.Fatal("invalid oracle policy", zap.Error(err))
	}
	aggregator := oracle.NewAggregator(cfg.Oracle, policy, sink, logger)
	for _, sc := range cfg.Oracle.HTTPSources {
		src := &oracle.HTTPSource{
			SourceName:   sc.Name,
			Endpoint:     sc.Endpoint,
			SourceWeight: sc.Weight,
			PollInterval: sc.PollInterval,
			Pairs:        parsePairs(sc.Pairs, logger),
			HTTP:         &http.Client{Timeout: sc.Timeout},
			Logger:       logger,
		}
		aggregator.Register(src)
		go func() {
			if err := src.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("http source stopped", zap.String("source", src.Name()), zap.Error(err))
			}
		}()
	}
	for _, sc := range cfg.Oracle.WSSources {
		src := &oracle.StreamSource{
			SourceName:   sc.Name,
			URL:          sc.URL,
			SourceWeight: sc.Weight,
			Logger:       logger,
		}
		aggregator.Register(src)
		go func() {
			if err := src.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("stream source stopped", zap.String("source", src.Name()), zap.Error(err))
			}
		}()
	}

	ledgerSvc := &ledger.Service{Store: store, Logger: logger}
	collateralSvc := &collateral.Service{
		Config: cfg.Collateral,
		Store:  store,
		Oracle: aggregator,
		Sink:   sink,
		Logger: logger,
	}
	issuanceSvc := &issuance.Service{
		Store:           store,
		Ledger:          ledgerSvc,
		Valuer:          collateralSvc,
		Sink:            sink,
		Logger:          logger,
		ProtocolAccount: cfg.Liquidation.ProtocolAccount,
	}
	liquidationEngine := &liquidation.Engine{
		Config: cfg.Liquidation,
		Store:  store,
		Risk:   collateralSvc,
		Ledger: ledgerSvc,
		Sink:   sink,
		Logger: logger,
	}
	auctionSvc := &auction.Service{
		Config: cfg.Auction,
		Store:  store,
		Sink:   sink,
		Logger: logger,
	}
	stabilityCtl := &stability.Controller{
		Config:     cfg.Stability,
		Store:      store,
		Oracle:     aggregator,
		Liquidator: liquidationEngine,
		Risk:       collateralSvc,
		Sink:       sink,
		Logger:     logger,
	}

	if strings.EqualFold(cfg.App.Env, "dev") {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())

	healthHandler := &handler.HealthHandler{DB: dbConn}
	healthHandler.Register(engine)
	handler.RegisterDocs(engine)

	stablecoinHandler := &handler.StablecoinHandler{Repo: store, Collateral: collateralSvc, Logger: logger}
	stablecoinHandler.Register(engine)
	positionHandler := &handler.PositionHandler{Repo: store, Issuance: issuanceSvc, Collateral: collateralSvc, Logger: logger}
	positionHandler.Register(engine)
	oracleHandler := &handler.OracleHandler{Aggregator: aggregator}
	oracleHandler.Register(engine)
	liquidationHandler := &handler.LiquidationHandler{Engine: liquidationEngine}
	liquidationHandler.Register(engine)
	auctionHandler := &handler.AuctionHandler{Service: auctionSvc, Repo: store}
	auctionHandler.Register(engine)
	stabilityHandler := &handler.StabilityHandler{Controller: stabilityCtl}
	stabilityHandler.Register(engine)

	cronRunner := cronrunner.New(logger, ctx)
	if cfg.Cron.Enabled {
		_, err = cronRunner.Add("stability_tick", cfg.Cron.StabilityTick, func(ctx context.Context) {
			results, err := stabilityCtl.Tick(ctx)
			if err != nil {
				logger.Warn("cron stability tick failed", zap.Error(err))
				return
			}
			actions := 0
			for _, r := range results {
				actions += len(r.Actions)
			}
			if actions > 0 {
				logger.Info("cron stability tick ok", zap.Int("coins", len(results)), zap.Int("actions", actions))
			}
		})
		if err != nil {
			logger.Warn("cron register stability tick failed", zap.Error(err))
		}

		_, err = cronRunner.Add("liquidation_scan", cfg.Cron.LiquidationScan, func(ctx context.Context) {
			out, err := liquidationEngine.LiquidateEligible(ctx, nil)
			if err != nil {
				logger.Warn("cron liquidation scan failed", zap.Error(err))
				return
			}
			if out.Succeeded > 0 || out.Failed > 0 {
				logger.Info("cron liquidation scan ok",
					zap.Int("succeeded", out.Succeeded),
					zap.Int("failed", out.Failed),
				)
			}
		})
		if err != nil {
			logger.Warn("cron register liquidation scan failed", zap.Error(err))
		}

		_, err = cronRunner.Add("auction_sweep", cfg.Cron.AuctionSweep, func(ctx context.Context) {
			closed, err := auctionSvc.SweepExpired(ctx, 100)
			if err != nil {
				logger.Warn("cron auction sweep failed", zap.Error(err))
				return
			}
			if closed > 0 {
				logger.Info("cron auction sweep ok", zap.Int("closed", closed))
			}
		})
		if err != nil {
			logger.Warn("cron register auction sweep failed", zap.Error(err))
		}

		cronRunner.Start()
		defer cronRunner.Stop()
	}

	srv := &http.Server{
		Addr:    cfg.Server.HTTPAddr,
		Handler: engine,
	}
	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.Server.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("http server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown failed", zap.Error(err))
	}
}

func parsePairs(raw []string, logger *zap.Logger) [][2]string {
	out := make([][2]string, 0, len(raw))
	for _, item := range raw {
		parts := strings.SplitN(strings.TrimSpace(item), "/", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			logger.Warn("skipping malformed oracle pair", zap.String("pair", item))
			continue
		}
		out = append(out, [2]string{parts[0], parts[1]})
	}
	return out
}
