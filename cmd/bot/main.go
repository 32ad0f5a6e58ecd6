package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/vitos/crypto_perp_engine/internal/config"
	"github.com/vitos/crypto_perp_engine/internal/domain"
	"github.com/vitos/crypto_perp_engine/internal/infrastructure/exchange"
	"github.com/vitos/crypto_perp_engine/internal/infrastructure/logger"
	"github.com/vitos/crypto_perp_engine/internal/infrastructure/storage"
	"github.com/vitos/crypto_perp_engine/internal/usecase"
	"github.com/vitos/crypto_perp_engine/internal/web"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	flag.Parse()

	// 1. Load Config
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 2. Init Logger
	log, err := newLogger(cfg)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	// 3. Init Storage
	store, err := storage.NewSQLiteStore(cfg.Storage.Path)
	if err != nil {
		log.Fatal("Failed to init sqlite", zap.Error(err))
	}
	defer store.Close()

	// 4. Init Venue
	baseURL := cfg.Feed.RESTEndpoint
	if cfg.Live.Testnet {
		baseURL = exchange.BinanceFuturesTestnetBaseURL
	}
	venue := exchange.NewBinanceFutures(cfg.Live.APIKey, cfg.Live.APISecret, baseURL, log)

	// 5. Init Stream
	supervisor := exchange.NewStreamSupervisor(exchange.StreamConfig{
		Endpoint:      cfg.Feed.WSEndpoint,
		Streams:       streamNames(cfg),
		PingInterval:  time.Duration(cfg.Feed.PingIntervalMs) * time.Millisecond,
		ReconnectBase: time.Duration(cfg.Feed.ReconnectBaseMs) * time.Millisecond,
		ReconnectMax:  time.Duration(cfg.Feed.ReconnectMaxMs) * time.Millisecond,
	}, log)

	// 6. Init Services
	symbolStore := usecase.NewSymbolStore(storeKeys(cfg), cfg.Candles.HistoryCandles, cfg.Flow.LookbackMs, cfg.CycleMs())
	planner := usecase.NewPlanner()
	simulator := usecase.NewSimulator(usecase.SimRiskConfig{
		MarginUsd:              cfg.Sim.MarginUsd,
		Leverage:               cfg.Sim.Leverage,
		StopLossRoiMinPct:      cfg.Sim.StopLossRoiMinPct,
		StopLossRoiMaxPct:      cfg.Sim.StopLossRoiMaxPct,
		TrailActivateRoiMinPct: cfg.Sim.TrailActivateRoiMinPct,
		TrailActivateRoiMaxPct: cfg.Sim.TrailActivateRoiMaxPct,
		TrailDdRoiMinPct:       cfg.Sim.TrailDdRoiMinPct,
		TrailDdRoiMaxPct:       cfg.Sim.TrailDdRoiMaxPct,
		MinNetProfitUsd:        cfg.Sim.MinNetProfitUsd,
		FeeRatePct:             cfg.Sim.FeeRatePct,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// A broken live setup degrades to simulation only; the engine keeps
	// running either way.
	var live *usecase.LiveTrader
	if cfg.Live.Enable && (cfg.Live.APIKey == "" || cfg.Live.APISecret == "") {
		log.Error("live trading enabled without api credentials, running simulation only")
		cfg.Live.Enable = false
		markLiveDisabled(symbolStore, cfg, "live disabled: missing api credentials")
	}
	if cfg.Live.Enable {
		live = usecase.NewLiveTrader(venue, store, usecase.LiveTraderConfig{
			MarginUsd:            cfg.Sim.MarginUsd,
			ForceIsolated:        cfg.Live.ForceIsolated,
			TargetLeverage:       cfg.Live.TargetLeverage,
			EntryMode:            domain.EntryMode(cfg.Live.EntryMode),
			GtxTimeout:           time.Duration(cfg.Live.GtxTimeoutMs) * time.Millisecond,
			GtxPoll:              time.Duration(cfg.Live.GtxPollMs) * time.Millisecond,
			GtxFallbackMarket:    cfg.Live.GtxFallbackMarket,
			SpreadMaxBpsDefault:  cfg.Live.SpreadMaxBps,
			SpreadMaxBpsBySymbol: cfg.Live.SpreadMaxBpsBySym,
		}, log)
		if err := live.Bootstrap(ctx, marketSymbols(cfg)); err != nil {
			log.Error("live bootstrap failed, running simulation only", zap.Error(err))
			live = nil
			markLiveDisabled(symbolStore, cfg, "live disabled: bootstrap failed: "+err.Error())
		}
	}

	// 7. Init Web Server (also the status renderer)
	server := web.NewServer(cfg.Server.Port, store, log)

	engine := usecase.NewEngine(cfg, symbolStore, planner, simulator, live, store, venue, supervisor, []domain.Renderer{server}, log)

	// 8. Hydrate and Run
	engine.Hydrate(ctx)

	go supervisor.Run(ctx)
	go engine.Run(ctx)
	go func() {
		if err := server.Start(); err != nil {
			log.Fatal("Server failed", zap.Error(err))
		}
	}()

	// 9. Wait for Shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Info("Shutting down...")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	server.Shutdown(shutdownCtx)
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	if cfg.Logging.File != "" {
		return logger.NewFileLogger(cfg.Logging.Level, cfg.Logging.File)
	}
	return logger.NewLogger(cfg.Logging.Level)
}

// streamNames builds the combined-stream subscription list: trades, mark
// price and klines per symbol.
func streamNames(cfg *config.Config) []string {
	var streams []string
	for _, s := range cfg.Symbols {
		m := strings.ToLower(cfg.MarketSymbol(s))
		streams = append(streams,
			m+"@aggTrade",
			m+"@markPrice@1s",
			m+"@kline_"+cfg.Candles.HistoryInterval,
		)
	}
	return streams
}

// markLiveDisabled pins the degrade cause on every symbol row so the status
// surface keeps showing why orders are not being mirrored.
func markLiveDisabled(store *usecase.SymbolStore, cfg *config.Config, msg string) {
	for _, k := range storeKeys(cfg) {
		store.SetError(k, msg)
	}
}

func storeKeys(cfg *config.Config) []string {
	keys := make([]string, 0, len(cfg.Symbols))
	for _, s := range cfg.Symbols {
		keys = append(keys, strings.ToLower(cfg.MarketSymbol(s)))
	}
	return keys
}

func marketSymbols(cfg *config.Config) []string {
	out := make([]string, 0, len(cfg.Symbols))
	for _, s := range cfg.Symbols {
		out = append(out, cfg.MarketSymbol(s))
	}
	return out
}
