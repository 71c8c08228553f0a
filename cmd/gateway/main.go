package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/realalgo/gateway/internal/apikeys"
	"github.com/realalgo/gateway/internal/broker"
	"github.com/realalgo/gateway/internal/broker/dhan"
	"github.com/realalgo/gateway/internal/broker/kotak"
	"github.com/realalgo/gateway/internal/broker/paper"
	"github.com/realalgo/gateway/internal/config"
	"github.com/realalgo/gateway/internal/database"
	"github.com/realalgo/gateway/internal/gateway"
	"github.com/realalgo/gateway/internal/journal"
	"github.com/realalgo/gateway/internal/marketdata"
	"github.com/realalgo/gateway/internal/registry"
	"github.com/realalgo/gateway/internal/router"
	"github.com/realalgo/gateway/internal/server"
	"github.com/realalgo/gateway/internal/symbols"
	"github.com/realalgo/gateway/pkg/logger"
)

func main() {
	issueKey := flag.String("issue-key", "", "issue an API key for the given account id, print it and exit")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}

	cfg, err := config.LoadConfig(config.FromEnvOrDefault("REALALGO_CONFIG", ""))
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	zapLogger, err := logger.NewLogger(cfg.Log.Level)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := database.Open(cfg.Database)
	if err != nil {
		zapLogger.Fatal("Failed to open database", zap.Error(err))
	}

	syms, err := symbols.NewStore(db)
	if err != nil {
		zapLogger.Fatal("Failed to open instrument master", zap.Error(err))
	}
	keys, err := apikeys.NewStore(db)
	if err != nil {
		zapLogger.Fatal("Failed to open api key store", zap.Error(err))
	}

	seedPaperInstruments(context.Background(), syms, zapLogger)

	if *issueKey != "" {
		known := false
		for _, a := range cfg.Accounts {
			if a.AccountID == *issueKey {
				known = true
				break
			}
		}
		if !known {
			zapLogger.Fatal("Cannot issue key for unconfigured account", zap.String("account", *issueKey))
		}
		key, err := keys.Issue(context.Background(), *issueKey)
		if err != nil {
			zapLogger.Fatal("Failed to issue api key", zap.Error(err))
		}
		// The plaintext is shown once and never stored.
		fmt.Println(key)
		return
	}

	identities := make([]broker.BrokerIdentity, 0, len(cfg.Accounts))
	for _, a := range cfg.Accounts {
		identities = append(identities, broker.BrokerIdentity{
			BrokerCode: a.Broker,
			AccountID:  a.AccountID,
			Credentials: broker.Credentials{
				APIKey:      a.APIKey,
				APISecret:   a.APISecret,
				ClientID:    a.ClientID,
				Password:    a.Password,
				AccessToken: a.AccessToken,
				Extra:       a.Extra,
			},
		})
	}

	factories := map[string]registry.Factory{
		paper.Code: func(l *zap.Logger) (broker.Adapter, error) {
			return paper.New(l), nil
		},
		dhan.Code: func(l *zap.Logger) (broker.Adapter, error) {
			return dhan.New(l, cfg.Brokers[dhan.Code], syms), nil
		},
		kotak.Code: func(l *zap.Logger) (broker.Adapter, error) {
			return kotak.New(l, cfg.Brokers[kotak.Code], syms), nil
		},
	}

	reg := registry.New(zapLogger, identities, factories, cfg.NextCutoff)

	var rec journal.Recorder = journal.Nop{}
	var jr *journal.Journal
	if cfg.Kafka.Enabled {
		jr = journal.New(zapLogger, cfg.Kafka)
		rec = jr
	}

	rt := router.New(zapLogger, reg, rec)

	bus := marketdata.NewBus(zapLogger, cfg.MarketData.SubscriberQueueSize, cfg.MarketData.TeardownLinger)
	sinks := []marketdata.TickSink{bus}
	var egress *marketdata.Egress
	if cfg.Redis.Enabled {
		egress = marketdata.NewEgress(zapLogger, cfg.Redis)
		sinks = append(sinks, egress)
	}

	feedAccount := cfg.MarketData.FeedAccount
	if feedAccount == "" && len(cfg.Accounts) > 0 {
		feedAccount = cfg.Accounts[0].AccountID
		zapLogger.Info("No feed account configured, using first account",
			zap.String("account", feedAccount))
	}
	mgr := marketdata.NewManager(zapLogger, reg, feedAccount, cfg.MarketData.MaxReconnectAttempts, sinks...)
	bus.SetUpstream(mgr)

	gw := gateway.New(zapLogger, rt, reg, bus, syms)
	srv := server.New(zapLogger, gw, keys, cfg.Server.CORSOrigins)

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		zapLogger.Info("Starting gateway", zap.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zapLogger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zapLogger.Info("Shutting down gateway...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		zapLogger.Error("HTTP shutdown failed", zap.Error(err))
	}

	// Stop order: subscribers first, then the broker streams behind them,
	// then the egress pipes, the sessions last.
	bus.Close()
	mgr.Close()
	if egress != nil {
		if err := egress.Close(); err != nil {
			zapLogger.Error("Egress close failed", zap.Error(err))
		}
	}
	if jr != nil {
		if err := jr.Close(); err != nil {
			zapLogger.Error("Journal close failed", zap.Error(err))
		}
	}
	if err := reg.Close(); err != nil {
		zapLogger.Error("Registry close failed", zap.Error(err))
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.Close()
	}

	zapLogger.Info("Gateway exited properly")
}

// seedPaperInstruments loads a small instrument set for the paper broker so
// a fresh install can search and trade before any master-contract import.
func seedPaperInstruments(ctx context.Context, syms *symbols.Store, log *zap.Logger) {
	n, err := syms.Count(ctx, paper.Code)
	if err != nil {
		log.Warn("Failed to count paper instruments", zap.Error(err))
		return
	}
	if n > 0 {
		return
	}
	rows := []symbols.Instrument{
		{Symbol: "RELIANCE", BrokerSymbol: "RELIANCE", Name: "Reliance Industries", Exchange: "NSE", BrokerExchange: "NSE", Token: "2885", LotSize: 1, InstrumentType: "EQ", TickSize: 0.05},
		{Symbol: "SBIN", BrokerSymbol: "SBIN", Name: "State Bank of India", Exchange: "NSE", BrokerExchange: "NSE", Token: "3045", LotSize: 1, InstrumentType: "EQ", TickSize: 0.05},
		{Symbol: "INFY", BrokerSymbol: "INFY", Name: "Infosys", Exchange: "NSE", BrokerExchange: "NSE", Token: "1594", LotSize: 1, InstrumentType: "EQ", TickSize: 0.05},
		{Symbol: "TCS", BrokerSymbol: "TCS", Name: "Tata Consultancy Services", Exchange: "NSE", BrokerExchange: "NSE", Token: "11536", LotSize: 1, InstrumentType: "EQ", TickSize: 0.05},
		{Symbol: "HDFCBANK", BrokerSymbol: "HDFCBANK", Name: "HDFC Bank", Exchange: "NSE", BrokerExchange: "NSE", Token: "1333", LotSize: 1, InstrumentType: "EQ", TickSize: 0.05},
	}
	if err := syms.ReplaceBroker(ctx, paper.Code, rows); err != nil {
		log.Warn("Failed to seed paper instruments", zap.Error(err))
		return
	}
	log.Info("Seeded paper instrument master", zap.Int("instruments", len(rows)))
}
