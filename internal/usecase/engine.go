package usecase

import (
	"context"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vitos/crypto_perp_engine/internal/config"
	"github.com/vitos/crypto_perp_engine/internal/domain"
)

// watchdogCloseCode is sent when the feed goes stale so the supervisor's
// read loop errors out and reconnects.
const watchdogCloseCode = 4000

// FeedControl is the slice of the stream supervisor the engine needs.
type FeedControl interface {
	Events() <-chan *domain.MarketEvent
	LastMessageAt() time.Time
	ForceReconnect(code int)
}

type engineSymbol struct {
	display string // as configured, e.g. BTC
	market  string // venue REST symbol, e.g. BTCUSDT
	stream  string // store key, lowercase market symbol
}

// Engine runs the decision loop: it folds stream events into the store and,
// on the render cadence, analyzes every symbol, syncs plans, advances the
// simulator and mirrors fills onto the live trader.
type Engine struct {
	cfg       *config.Config
	symbols   []engineSymbol
	store     *SymbolStore
	planner   *Planner
	simulator *Simulator
	live      *LiveTrader // nil when live trading is off
	journal   domain.TradeJournal
	venue     domain.FuturesVenue
	feed      FeedControl
	renderers []domain.Renderer
	logger    *zap.Logger

	timeNow func() time.Time
}

func NewEngine(
	cfg *config.Config,
	store *SymbolStore,
	planner *Planner,
	simulator *Simulator,
	live *LiveTrader,
	journal domain.TradeJournal,
	venue domain.FuturesVenue,
	feed FeedControl,
	renderers []domain.Renderer,
	logger *zap.Logger,
) *Engine {
	symbols := make([]engineSymbol, 0, len(cfg.Symbols))
	for _, s := range cfg.Symbols {
		market := cfg.MarketSymbol(s)
		symbols = append(symbols, engineSymbol{
			display: s,
			market:  market,
			stream:  strings.ToLower(market),
		})
	}
	return &Engine{
		cfg:       cfg,
		symbols:   symbols,
		store:     store,
		planner:   planner,
		simulator: simulator,
		live:      live,
		journal:   journal,
		venue:     venue,
		feed:      feed,
		renderers: renderers,
		logger:    logger,
		timeNow:   time.Now,
	}
}

// Hydrate seeds every symbol's candle ring from the venue's kline history.
// A per-symbol failure is recorded on the row and does not block the rest.
func (e *Engine) Hydrate(ctx context.Context) {
	for _, sym := range e.symbols {
		candles, err := e.venue.Klines(ctx, sym.market, e.cfg.Candles.HistoryInterval, e.cfg.Candles.HistoryCandles)
		if err != nil {
			e.store.SetError(sym.stream, "history: "+err.Error())
			e.logger.Warn("history hydration failed",
				zap.String("symbol", sym.market), zap.Error(err))
			continue
		}
		e.store.SeedCandles(sym.stream, candles)
		if e.journal != nil {
			if err := e.journal.SaveCandles(ctx, sym.market, e.cfg.Candles.HistoryInterval, candles); err != nil {
				e.logger.Debug("candle journal write failed", zap.Error(err))
			}
		}
		e.logger.Info("history hydrated",
			zap.String("symbol", sym.market), zap.Int("candles", len(candles)))
	}
}

// Run blocks until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		e.consumeEvents(ctx)
	}()

	if e.live != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.runtimeSyncLoop(ctx)
		}()
	}

	ticker := time.NewTicker(time.Duration(e.cfg.Feed.RenderIntervalMs) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.safeTick(ctx)
		case <-ctx.Done():
			wg.Wait()
			return
		}
	}
}

func (e *Engine) consumeEvents(ctx context.Context) {
	for {
		select {
		case event, ok := <-e.feed.Events():
			if !ok {
				return
			}
			e.store.ApplyEvent(event)
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) runtimeSyncLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(e.cfg.Live.SyncIntervalMs) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := e.live.SyncRuntime(ctx); err != nil {
				e.logger.Warn("runtime sync failed", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}

// safeTick isolates a panicking tick; the loop keeps going.
func (e *Engine) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("tick panic",
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
		}
	}()
	e.tick(ctx)
}

func (e *Engine) tick(ctx context.Context) {
	e.watchdog()

	now := e.timeNow().UnixMilli()
	rows := make([]domain.StatusRow, 0, len(e.symbols))
	for _, sym := range e.symbols {
		rows = append(rows, e.tickSymbol(ctx, sym, now))
	}
	for _, r := range e.renderers {
		r.Publish(rows)
	}
}

// watchdog force-closes the socket when nothing arrived for too long.
func (e *Engine) watchdog() {
	last := e.feed.LastMessageAt()
	if last.IsZero() {
		return
	}
	stale := time.Duration(e.cfg.Feed.StaleTimeoutMs) * time.Millisecond
	if e.timeNow().Sub(last) > stale {
		e.logger.Warn("feed stale, forcing reconnect",
			zap.Duration("silence", e.timeNow().Sub(last)))
		e.feed.ForceReconnect(watchdogCloseCode)
	}
}

func (e *Engine) tickSymbol(ctx context.Context, sym engineSymbol, now int64) domain.StatusRow {
	key := sym.stream
	snap := e.store.Snapshot(key)
	row := domain.StatusRow{
		Symbol:         sym.display,
		MarkPrice:      snap.MarkPrice,
		TradePrice:     snap.TradePrice,
		LastVolume5m:   snap.LastVolume5m,
		MsToNextCandle: e.store.MsToNextCandle(key, now),
		LastError:      snap.LastError,
	}

	if e.live != nil {
		if pos, ok := e.live.Position(sym.market); ok && pos.Quantity != 0 {
			p := pos
			row.LivePosition = &p
		}
		income := e.live.IncomeStats()
		row.LiveIncome = &income
		row.LiveLastAction = e.live.LastAction(sym.market)
		row.LiveLeverage = e.live.EffectiveLeverage(sym.market)
		if msg := e.live.LastError(); msg != "" && row.LastError == "" {
			row.LastError = msg
		}
	}

	price, ok := e.store.LivePrice(key)
	if !ok {
		row.PlanStatus = domain.StatusWait
		row.Note = "waiting for data"
		return row
	}

	analysis := Analyze(snap.Candles, price, row.MsToNextCandle, e.store.FlowSnapshot(key), AnalyzerConfig{
		HistoryCandles:       e.cfg.Candles.HistoryCandles,
		DecisionWindowMs:     e.cfg.Candles.DecisionWindowMs,
		FlowMinSamples:       e.cfg.Flow.MinSamples,
		FlowConfirmThreshold: e.cfg.Flow.ConfirmThreshold,
	})

	plan := e.planner.Sync(key, e.store.CurrentCycleID(key), analysis, price, now)
	if plan != nil {
		row.PlanStatus = plan.Status
		row.LongAbove = plan.LongAbove
		row.ShortBelow = plan.ShortBelow
		row.Note = plan.Reason
	} else {
		row.PlanStatus = analysis.Status
		row.Note = analysis.Reason
	}

	// Exits first so a symbol never holds two trades in one tick.
	if closed := e.simulator.UpdateOpenTrade(key, price, now); closed != nil {
		e.logger.Info("trade closed",
			zap.String("symbol", sym.market),
			zap.String("side", string(closed.Side)),
			zap.String("reason", string(closed.ExitReason)),
			zap.Float64("pnl_usd", closed.PnlUsd))
		if e.journal != nil {
			if err := e.journal.SaveClosedTrade(ctx, sym.market, closed); err != nil {
				e.logger.Warn("trade journal write failed", zap.Error(err))
			}
		}
		if e.live != nil {
			e.live.EnqueueClose(sym.market)
		}
	}

	if opened := e.simulator.MaybeOpenTrade(key, plan, price, now); opened != nil {
		e.logger.Info("trade opened",
			zap.String("symbol", sym.market),
			zap.String("side", string(opened.Side)),
			zap.Float64("entry", opened.EntryPrice),
			zap.Float64("qty", opened.Quantity))
		if e.live != nil {
			e.live.EnqueueOpen(sym.market, opened.Side, opened.EntryPrice)
		}
	}

	if active, ok := e.simulator.ActiveTrade(key); ok {
		row.SimSide = active.Side
	}
	sim := e.simulator.Metrics(key, price)
	row.SimMetrics = &sim
	return row
}
