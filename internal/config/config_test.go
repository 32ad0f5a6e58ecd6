package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "symbols:\n  - BTCUSDT\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Feed.WSEndpoint != "wss://fstream.binance.com/stream" {
		t.Errorf("ws endpoint = %q", cfg.Feed.WSEndpoint)
	}
	if cfg.Candles.HistoryCandles != 72 {
		t.Errorf("history candles = %d, want 72", cfg.Candles.HistoryCandles)
	}
	if cfg.Candles.HistoryInterval != "5m" {
		t.Errorf("history interval = %q, want 5m", cfg.Candles.HistoryInterval)
	}
	if cfg.Live.EntryMode != "MARKET" {
		t.Errorf("entry mode = %q, want MARKET", cfg.Live.EntryMode)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("port = %d, want 8080", cfg.Server.Port)
	}
}

func TestLoadRejectsEmptySymbols(t *testing.T) {
	path := writeConfig(t, "symbols: []\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for empty symbol list")
	}
}

func TestLoadRejectsUnknownEntryMode(t *testing.T) {
	path := writeConfig(t, "symbols:\n  - BTCUSDT\nlive:\n  entry_mode: IOC\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown entry mode")
	}
}

func TestCredentialsFromEnvWin(t *testing.T) {
	t.Setenv("BINANCE_API_KEY", "env-key")
	t.Setenv("BINANCE_API_SECRET", "env-secret")

	path := writeConfig(t, "symbols:\n  - BTCUSDT\nlive:\n  api_key: file-key\n  api_secret: file-secret\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Live.APIKey != "env-key" || cfg.Live.APISecret != "env-secret" {
		t.Errorf("credentials = %q/%q, want env values", cfg.Live.APIKey, cfg.Live.APISecret)
	}
}

func TestMarketSymbol(t *testing.T) {
	cfg := &Config{SymbolOverrides: map[string]string{"PEPE": "1000PEPEUSDT"}}

	if got := cfg.MarketSymbol("btcusdt"); got != "BTCUSDT" {
		t.Errorf("MarketSymbol(btcusdt) = %q", got)
	}
	if got := cfg.MarketSymbol("PEPE"); got != "1000PEPEUSDT" {
		t.Errorf("MarketSymbol(PEPE) = %q", got)
	}
}

func TestParseInterval(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{in: "5m", want: 5 * time.Minute},
		{in: "1h", want: time.Hour},
		{in: "3d", want: 72 * time.Hour},
		{in: "", wantErr: true},
		{in: "5x", wantErr: true},
		{in: "m", wantErr: true},
		{in: "-5m", wantErr: true},
	}
	for _, tt := range tests {
		got, err := parseInterval(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("parseInterval(%q): expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseInterval(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("parseInterval(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestSpreadCapBps(t *testing.T) {
	lc := &LiveConfig{
		SpreadMaxBps:      6,
		SpreadMaxBpsBySym: map[string]float64{"BTCUSDT": 2},
	}
	if got := lc.SpreadCapBps("BTCUSDT"); got != 2 {
		t.Errorf("cap for BTCUSDT = %v, want 2", got)
	}
	if got := lc.SpreadCapBps("ETHUSDT"); got != 6 {
		t.Errorf("cap for ETHUSDT = %v, want 6", got)
	}
}
