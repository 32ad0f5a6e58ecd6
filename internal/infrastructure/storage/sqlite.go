package storage

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"github.com/vitos/crypto_perp_engine/internal/domain"
)

// SQLiteStore persists the trade journal: closed simulated trades, venue
// income events and hydrated candle history.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS sim_trades (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			entry_price REAL NOT NULL,
			exit_price REAL NOT NULL,
			quantity REAL NOT NULL,
			margin_usd REAL NOT NULL,
			leverage REAL NOT NULL,
			exit_reason TEXT NOT NULL,
			gross_pnl_usd REAL NOT NULL,
			fees_usd REAL NOT NULL,
			pnl_usd REAL NOT NULL,
			roi_pct REAL NOT NULL,
			is_win BOOLEAN NOT NULL,
			entry_time INTEGER NOT NULL,
			exit_time INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_sim_trades_symbol ON sim_trades(symbol);`,
		`CREATE TABLE IF NOT EXISTS income_events (
			tran_id INTEGER NOT NULL,
			symbol TEXT NOT NULL,
			income_type TEXT NOT NULL,
			income REAL NOT NULL,
			ts INTEGER NOT NULL
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_income_dedupe
			ON income_events(tran_id, symbol, income_type, ts, income);`,
		`CREATE TABLE IF NOT EXISTS candles (
			symbol TEXT NOT NULL,
			interval TEXT NOT NULL,
			open_time INTEGER NOT NULL,
			close_time INTEGER NOT NULL,
			open REAL NOT NULL,
			high REAL NOT NULL,
			low REAL NOT NULL,
			close REAL NOT NULL,
			volume REAL NOT NULL,
			PRIMARY KEY (symbol, interval, close_time)
		);`,
	}

	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return fmt.Errorf("failed to exec query %s: %w", q, err)
		}
	}
	return nil
}

func (s *SQLiteStore) SaveClosedTrade(ctx context.Context, symbol string, trade *domain.ClosedTrade) error {
	query := `INSERT INTO sim_trades (symbol, side, entry_price, exit_price, quantity, margin_usd, leverage, exit_reason, gross_pnl_usd, fees_usd, pnl_usd, roi_pct, is_win, entry_time, exit_time)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		symbol, trade.Side, trade.EntryPrice, trade.ExitPrice, trade.Quantity,
		trade.MarginUsd, trade.Leverage, trade.ExitReason, trade.GrossPnlUsd,
		trade.FeesUsd, trade.PnlUsd, trade.RoiPct, trade.IsWin, trade.EntryTime, trade.ExitTime)
	return err
}

func (s *SQLiteStore) ListClosedTrades(ctx context.Context, limit int) ([]*domain.JournalTrade, error) {
	query := `SELECT id, symbol, side, entry_price, exit_price, quantity, margin_usd, leverage, exit_reason, pnl_usd, roi_pct, is_win, entry_time, exit_time
			  FROM sim_trades ORDER BY id DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []*domain.JournalTrade
	for rows.Next() {
		var t domain.JournalTrade
		if err := rows.Scan(&t.ID, &t.Symbol, &t.Side, &t.EntryPrice, &t.ExitPrice, &t.Quantity,
			&t.MarginUsd, &t.Leverage, &t.ExitReason, &t.PnlUsd, &t.RoiPct, &t.IsWin,
			&t.EntryTime, &t.ExitTime); err != nil {
			return nil, err
		}
		trades = append(trades, &t)
	}
	return trades, rows.Err()
}

// SaveIncomeEvent inserts one ledger row; replays of the same row are
// silently ignored via the unique dedupe index.
func (s *SQLiteStore) SaveIncomeEvent(ctx context.Context, e domain.IncomeEvent) error {
	query := `INSERT OR IGNORE INTO income_events (tran_id, symbol, income_type, income, ts)
			  VALUES (?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query, e.TranID, e.Symbol, e.IncomeType, e.Income, e.Ts)
	return err
}

func (s *SQLiteStore) ListIncomeEvents(ctx context.Context, limit int) ([]domain.IncomeEvent, error) {
	query := `SELECT tran_id, symbol, income_type, income, ts
			  FROM income_events ORDER BY ts DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.IncomeEvent
	for rows.Next() {
		var e domain.IncomeEvent
		if err := rows.Scan(&e.TranID, &e.Symbol, &e.IncomeType, &e.Income, &e.Ts); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// CandleCount reports how many candles are stored for a symbol and interval.
func (s *SQLiteStore) CandleCount(ctx context.Context, symbol, interval string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM candles WHERE symbol = ? AND interval = ?`, symbol, interval).Scan(&n)
	return n, err
}

// SaveCandles upserts hydrated history keyed by (symbol, interval, close_time).
func (s *SQLiteStore) SaveCandles(ctx context.Context, symbol, interval string, candles []domain.Candle) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO candles (symbol, interval, open_time, close_time, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(symbol, interval, close_time) DO UPDATE SET
		open=excluded.open, high=excluded.high, low=excluded.low, close=excluded.close, volume=excluded.volume`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, c := range candles {
		if _, err := stmt.ExecContext(ctx, symbol, interval,
			c.OpenTime, c.CloseTime, c.Open, c.High, c.Low, c.Close, c.Volume); err != nil {
			return err
		}
	}
	return tx.Commit()
}
