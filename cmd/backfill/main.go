// Backfill fetches kline history from the venue and writes it into the
// journal database, so the engine can be analyzed offline.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/vitos/crypto_perp_engine/internal/config"
	"github.com/vitos/crypto_perp_engine/internal/infrastructure/exchange"
	"github.com/vitos/crypto_perp_engine/internal/infrastructure/logger"
	"github.com/vitos/crypto_perp_engine/internal/infrastructure/storage"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	limit := flag.Int("limit", 500, "candles per symbol")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(cfg.Logging.Level)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	store, err := storage.NewSQLiteStore(cfg.Storage.Path)
	if err != nil {
		log.Fatal("Failed to init sqlite", zap.Error(err))
	}
	defer store.Close()

	venue := exchange.NewBinanceFutures("", "", cfg.Feed.RESTEndpoint, log)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	for _, s := range cfg.Symbols {
		market := cfg.MarketSymbol(s)
		candles, err := venue.Klines(ctx, market, cfg.Candles.HistoryInterval, *limit)
		if err != nil {
			log.Error("klines fetch failed", zap.String("symbol", market), zap.Error(err))
			continue
		}
		if err := store.SaveCandles(ctx, market, cfg.Candles.HistoryInterval, candles); err != nil {
			log.Error("candle write failed", zap.String("symbol", market), zap.Error(err))
			continue
		}
		log.Info("backfilled", zap.String("symbol", market), zap.Int("candles", len(candles)))
	}
}
