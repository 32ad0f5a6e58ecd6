package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full engine configuration. Defaults cover every field so a
// minimal yaml with just the symbol list is runnable.
type Config struct {
	Symbols         []string          `yaml:"symbols"`
	SymbolOverrides map[string]string `yaml:"market_symbol_overrides"`

	Feed    FeedConfig    `yaml:"feed"`
	Candles CandlesConfig `yaml:"candles"`
	Flow    FlowConfig    `yaml:"flow"`
	Sim     SimConfig     `yaml:"sim"`
	Live    LiveConfig    `yaml:"live"`
	Server  ServerConfig  `yaml:"server"`
	Logging LoggingConfig `yaml:"logging"`
	Storage StorageConfig `yaml:"storage"`
}

type FeedConfig struct {
	WSEndpoint       string `yaml:"ws_endpoint"`
	RESTEndpoint     string `yaml:"rest_endpoint"`
	RenderIntervalMs int64  `yaml:"render_interval_ms"`
	PingIntervalMs   int64  `yaml:"ws_ping_interval_ms"`
	StaleTimeoutMs   int64  `yaml:"ws_stale_timeout_ms"`
	ReconnectBaseMs  int64  `yaml:"reconnect_base_ms"`
	ReconnectMaxMs   int64  `yaml:"reconnect_max_ms"`
}

type CandlesConfig struct {
	HistoryCandles   int    `yaml:"history_candles"`
	HistoryInterval  string `yaml:"history_interval"`
	DecisionWindowMs int64  `yaml:"decision_window_ms"`
}

type FlowConfig struct {
	LookbackMs       int64   `yaml:"lookback_ms"`
	MinSamples       int     `yaml:"min_samples"`
	ConfirmThreshold float64 `yaml:"confirm_threshold"`
}

type SimConfig struct {
	MarginUsd              float64 `yaml:"margin_usd"`
	Leverage               float64 `yaml:"leverage"`
	StopLossRoiMinPct      float64 `yaml:"sl_roi_min_pct"`
	StopLossRoiMaxPct      float64 `yaml:"sl_roi_max_pct"`
	TrailActivateRoiMinPct float64 `yaml:"trail_activate_roi_min_pct"`
	TrailActivateRoiMaxPct float64 `yaml:"trail_activate_roi_max_pct"`
	TrailDdRoiMinPct       float64 `yaml:"trail_dd_roi_min_pct"`
	TrailDdRoiMaxPct       float64 `yaml:"trail_dd_roi_max_pct"`
	MinNetProfitUsd        float64 `yaml:"min_net_profit_usd"`
	FeeRatePct             float64 `yaml:"fee_rate_pct"`
}

type LiveConfig struct {
	Enable            bool               `yaml:"enable"`
	Testnet           bool               `yaml:"testnet"`
	APIKey            string             `yaml:"api_key"`
	APISecret         string             `yaml:"api_secret"`
	ForceIsolated     bool               `yaml:"force_isolated"`
	TargetLeverage    int                `yaml:"target_leverage"`
	EntryMode         string             `yaml:"entry_mode"` // MARKET or LIMIT_GTX
	GtxTimeoutMs      int64              `yaml:"gtx_timeout_ms"`
	GtxPollMs         int64              `yaml:"gtx_poll_ms"`
	GtxFallbackMarket bool               `yaml:"gtx_fallback_market"`
	SpreadMaxBps      float64            `yaml:"spread_max_bps"`
	SpreadMaxBpsBySym map[string]float64 `yaml:"spread_max_bps_by_symbol"`
	SyncIntervalMs    int64              `yaml:"sync_interval_ms"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

type StorageConfig struct {
	Path string `yaml:"path"`
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Feed.WSEndpoint == "" {
		c.Feed.WSEndpoint = "wss://fstream.binance.com/stream"
	}
	if c.Feed.RESTEndpoint == "" {
		c.Feed.RESTEndpoint = "https://fapi.binance.com"
	}
	if c.Feed.RenderIntervalMs == 0 {
		c.Feed.RenderIntervalMs = 1000
	}
	if c.Feed.PingIntervalMs == 0 {
		c.Feed.PingIntervalMs = 15000
	}
	if c.Feed.StaleTimeoutMs == 0 {
		c.Feed.StaleTimeoutMs = 45000
	}
	if c.Feed.ReconnectBaseMs == 0 {
		c.Feed.ReconnectBaseMs = 1000
	}
	if c.Feed.ReconnectMaxMs == 0 {
		c.Feed.ReconnectMaxMs = 15000
	}
	if c.Candles.HistoryCandles == 0 {
		c.Candles.HistoryCandles = 72
	}
	if c.Candles.HistoryInterval == "" {
		c.Candles.HistoryInterval = "5m"
	}
	if c.Candles.DecisionWindowMs == 0 {
		c.Candles.DecisionWindowMs = 300000
	}
	if c.Flow.LookbackMs == 0 {
		c.Flow.LookbackMs = 60000
	}
	if c.Flow.MinSamples == 0 {
		c.Flow.MinSamples = 20
	}
	if c.Flow.ConfirmThreshold == 0 {
		c.Flow.ConfirmThreshold = 0.08
	}
	if c.Sim.MarginUsd == 0 {
		c.Sim.MarginUsd = 10
	}
	if c.Sim.Leverage == 0 {
		c.Sim.Leverage = 20
	}
	if c.Sim.StopLossRoiMinPct == 0 {
		c.Sim.StopLossRoiMinPct = 8
	}
	if c.Sim.StopLossRoiMaxPct == 0 {
		c.Sim.StopLossRoiMaxPct = 15
	}
	if c.Sim.TrailActivateRoiMinPct == 0 {
		c.Sim.TrailActivateRoiMinPct = 10
	}
	if c.Sim.TrailActivateRoiMaxPct == 0 {
		c.Sim.TrailActivateRoiMaxPct = 20
	}
	if c.Sim.TrailDdRoiMinPct == 0 {
		c.Sim.TrailDdRoiMinPct = 3
	}
	if c.Sim.TrailDdRoiMaxPct == 0 {
		c.Sim.TrailDdRoiMaxPct = 6
	}
	if c.Sim.MinNetProfitUsd == 0 {
		c.Sim.MinNetProfitUsd = 0.2
	}
	if c.Sim.FeeRatePct == 0 {
		c.Sim.FeeRatePct = 0.05
	}
	if c.Live.TargetLeverage == 0 {
		c.Live.TargetLeverage = 20
	}
	if c.Live.EntryMode == "" {
		c.Live.EntryMode = "MARKET"
	}
	if c.Live.GtxTimeoutMs == 0 {
		c.Live.GtxTimeoutMs = 4000
	}
	if c.Live.GtxPollMs == 0 {
		c.Live.GtxPollMs = 250
	}
	if c.Live.SpreadMaxBps == 0 {
		c.Live.SpreadMaxBps = 6
	}
	if c.Live.SyncIntervalMs == 0 {
		c.Live.SyncIntervalMs = 3000
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "engine.db"
	}

	// Credentials from env win over the file; keys do not belong in yaml
	// that tends to get committed.
	if v := os.Getenv("BINANCE_API_KEY"); v != "" {
		c.Live.APIKey = v
	}
	if v := os.Getenv("BINANCE_API_SECRET"); v != "" {
		c.Live.APISecret = v
	}
}

func (c *Config) validate() error {
	if len(c.Symbols) == 0 {
		return fmt.Errorf("config: symbols list is empty")
	}
	switch c.Live.EntryMode {
	case "MARKET", "LIMIT_GTX":
	default:
		return fmt.Errorf("config: unknown live entry_mode %q", c.Live.EntryMode)
	}
	return nil
}

// MarketSymbol maps a display symbol to the venue market symbol, lowercased
// for stream subscriptions by the caller when needed.
func (c *Config) MarketSymbol(symbol string) string {
	if m, ok := c.SymbolOverrides[symbol]; ok && m != "" {
		return m
	}
	return strings.ToUpper(symbol)
}

// CycleMs returns the decision-cycle length derived from the history interval.
func (c *Config) CycleMs() int64 {
	d, err := parseInterval(c.Candles.HistoryInterval)
	if err != nil {
		return 5 * 60 * 1000
	}
	return d.Milliseconds()
}

func parseInterval(s string) (time.Duration, error) {
	if s == "" {
		return 0, fmt.Errorf("empty interval")
	}
	unit := s[len(s)-1]
	var n int
	if _, err := fmt.Sscanf(s[:len(s)-1], "%d", &n); err != nil || n <= 0 {
		return 0, fmt.Errorf("bad interval %q", s)
	}
	switch unit {
	case 'm':
		return time.Duration(n) * time.Minute, nil
	case 'h':
		return time.Duration(n) * time.Hour, nil
	case 'd':
		return time.Duration(n) * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("bad interval unit %q", s)
	}
}

// SpreadCapBps returns the per-symbol spread cap, falling back to the default.
func (c *LiveConfig) SpreadCapBps(symbol string) float64 {
	if v, ok := c.SpreadMaxBpsBySym[symbol]; ok && v > 0 {
		return v
	}
	return c.SpreadMaxBps
}
