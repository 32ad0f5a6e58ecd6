package storage_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vitos/crypto_perp_engine/internal/domain"
	"github.com/vitos/crypto_perp_engine/internal/infrastructure/storage"
)

func newTestStore(t *testing.T) *storage.SQLiteStore {
	t.Helper()
	store, err := storage.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSaveAndListClosedTrades(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	trade := &domain.ClosedTrade{
		ActiveTrade: domain.ActiveTrade{
			Side:       domain.SideLong,
			EntryPrice: 100,
			EntryTime:  1000,
			MarginUsd:  10,
			Leverage:   20,
			Quantity:   2,
		},
		ExitPrice:   101,
		ExitTime:    2000,
		ExitReason:  domain.ExitTrail,
		GrossPnlUsd: 2,
		FeesUsd:     0.2,
		PnlUsd:      1.8,
		RoiPct:      18,
		IsWin:       true,
	}
	require.NoError(t, store.SaveClosedTrade(ctx, "BTCUSDT", trade))

	rows, err := store.ListClosedTrades(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	got := rows[0]
	require.Equal(t, "BTCUSDT", got.Symbol)
	require.Equal(t, domain.SideLong, got.Side)
	require.Equal(t, domain.ExitTrail, got.ExitReason)
	require.Equal(t, 1.8, got.PnlUsd)
	require.True(t, got.IsWin)
}

func TestIncomeEventDedupe(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	e := domain.IncomeEvent{
		TranID:     42,
		Symbol:     "BTCUSDT",
		IncomeType: domain.IncomeRealizedPnl,
		Income:     1.5,
		Ts:         1000,
	}
	// Saving the same ledger row twice must leave exactly one row.
	require.NoError(t, store.SaveIncomeEvent(ctx, e))
	require.NoError(t, store.SaveIncomeEvent(ctx, e))

	events, err := store.ListIncomeEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, e, events[0])
}

func TestSaveCandlesUpserts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := []domain.Candle{
		{OpenTime: 0, CloseTime: 1000, Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 10},
		{OpenTime: 1000, CloseTime: 2000, Open: 1.5, High: 3, Low: 1, Close: 2.5, Volume: 20},
	}
	require.NoError(t, store.SaveCandles(ctx, "BTCUSDT", "5m", first))

	// Replaying the same window with a corrected close must not duplicate.
	second := []domain.Candle{
		{OpenTime: 1000, CloseTime: 2000, Open: 1.5, High: 3, Low: 1, Close: 2.6, Volume: 21},
	}
	require.NoError(t, store.SaveCandles(ctx, "BTCUSDT", "5m", second))

	count, err := store.CandleCount(ctx, "BTCUSDT", "5m")
	require.NoError(t, err)
	require.Equal(t, 2, count)
}
