package usecase

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vitos/crypto_perp_engine/internal/domain"
	"github.com/vitos/crypto_perp_engine/internal/metrics"
)

const (
	leverageHardCeiling = 20

	// mirrorQueueDepth bounds the per-symbol backlog of mirror operations.
	mirrorQueueDepth = 16

	// incomeSeenRetentionMs keeps dedupe keys near the cursor; older ledger
	// rows can no longer be replayed and their keys are pruned.
	incomeSeenRetentionMs = 60_000
)

// leverageCandidates is the negotiation ladder tried after the target.
var leverageCandidates = []int{20, 15, 12, 10, 8, 5, 3, 2, 1}

// LiveTraderConfig mirrors the live_* configuration block.
type LiveTraderConfig struct {
	MarginUsd            float64
	ForceIsolated        bool
	TargetLeverage       int
	EntryMode            domain.EntryMode
	GtxTimeout           time.Duration
	GtxPoll              time.Duration
	GtxFallbackMarket    bool
	SpreadMaxBpsDefault  float64
	SpreadMaxBpsBySymbol map[string]float64
}

type symbolRuntime struct {
	filters           domain.SymbolFilters
	bracketMax        int
	effectiveLeverage int
	marginMode        domain.MarginMode
}

type trackedPosition struct {
	side domain.Side
	qty  float64
}

// mirrorOp is one queued mirror action for a symbol's worker.
type mirrorOp struct {
	close bool
	side  domain.Side
	price float64
}

// LiveTrader mirrors simulator open/close events onto the venue and keeps
// authoritative server-side snapshots of positions and income.
type LiveTrader struct {
	venue   domain.FuturesVenue
	journal domain.TradeJournal
	logger  *zap.Logger
	cfg     LiveTraderConfig

	mu              sync.Mutex
	hedgeMode       bool
	runtime         map[string]*symbolRuntime
	activePositions map[string]trackedPosition
	inFlight        map[string]bool
	mirrorQueues    map[string]chan mirrorOp
	positions       map[string]domain.LivePosition
	income          domain.IncomeStats
	incomeSeen      map[string]int64 // dedupe key -> event ts
	incomeCursorTs  int64
	lastAction      map[string]string
	lastError       string

	timeNow func() time.Time
}

func NewLiveTrader(venue domain.FuturesVenue, journal domain.TradeJournal, cfg LiveTraderConfig, logger *zap.Logger) *LiveTrader {
	return &LiveTrader{
		venue:           venue,
		journal:         journal,
		logger:          logger,
		cfg:             cfg,
		runtime:         make(map[string]*symbolRuntime),
		activePositions: make(map[string]trackedPosition),
		inFlight:        make(map[string]bool),
		mirrorQueues:    make(map[string]chan mirrorOp),
		positions:       make(map[string]domain.LivePosition),
		incomeSeen:      make(map[string]int64),
		lastAction:      make(map[string]string),
		timeNow:         time.Now,
	}
}

// Bootstrap discovers venue constraints and negotiates account setup for
// every configured market symbol, then runs the initial reconciliation.
func (lt *LiveTrader) Bootstrap(ctx context.Context, symbols []string) error {
	hedge, err := lt.venue.PositionMode(ctx)
	if err != nil {
		return fmt.Errorf("query position mode: %w", err)
	}

	filters, err := lt.venue.ExchangeInfo(ctx)
	if err != nil {
		return fmt.Errorf("load exchange info: %w", err)
	}

	// Brackets are best effort; a failure leaves the cap at the hard ceiling.
	brackets, err := lt.venue.LeverageBrackets(ctx)
	if err != nil {
		lt.logger.Warn("leverage brackets unavailable", zap.Error(err))
		brackets = nil
	}

	lt.mu.Lock()
	lt.hedgeMode = hedge
	lt.mu.Unlock()

	for _, symbol := range symbols {
		rt := &symbolRuntime{marginMode: domain.MarginUnknown}
		f, ok := filters[symbol]
		if !ok {
			return fmt.Errorf("symbol %s missing from exchange info", symbol)
		}
		rt.filters = f
		if br, ok := brackets[symbol]; ok {
			rt.bracketMax = br.MaxLeverage
		}

		if lt.cfg.ForceIsolated {
			rt.marginMode = lt.ensureIsolated(ctx, symbol)
		}
		rt.effectiveLeverage = lt.negotiateLeverage(ctx, symbol, rt.bracketMax)

		lt.mu.Lock()
		lt.runtime[symbol] = rt
		lt.mu.Unlock()

		lt.logger.Info("live symbol ready",
			zap.String("symbol", symbol),
			zap.Int("leverage", rt.effectiveLeverage),
			zap.String("margin_mode", string(rt.marginMode)),
			zap.Bool("hedge", hedge))
	}

	if err := lt.SyncRuntime(ctx); err != nil {
		lt.logger.Warn("initial reconciliation failed", zap.Error(err))
	}
	return nil
}

// ensureIsolated switches the symbol to isolated margin. "Already isolated"
// is success; any other failure leaves the mode unknown and trading continues.
func (lt *LiveTrader) ensureIsolated(ctx context.Context, symbol string) domain.MarginMode {
	err := lt.venue.SetMarginType(ctx, symbol, domain.MarginIsolated)
	if err == nil {
		return domain.MarginIsolated
	}
	var venueErr *domain.VenueError
	if errors.As(err, &venueErr) {
		if venueErr.Code == domain.CodeNoNeedChangeMargin ||
			strings.Contains(venueErr.Message, "No need to change margin type") {
			return domain.MarginIsolated
		}
	}
	lt.logger.Warn("margin type switch failed", zap.String("symbol", symbol), zap.Error(err))
	return domain.MarginUnknown
}

// negotiateLeverage walks the candidate ladder until the venue accepts one.
// Invalid-leverage rejections move to the next candidate; anything else
// stops the walk. The floor is always 1.
func (lt *LiveTrader) negotiateLeverage(ctx context.Context, symbol string, bracketMax int) int {
	ceiling := leverageHardCeiling
	if bracketMax > 0 && bracketMax < ceiling {
		ceiling = bracketMax
	}

	candidates := make([]int, 0, len(leverageCandidates)+1)
	seen := make(map[int]bool)
	for _, c := range append([]int{lt.cfg.TargetLeverage}, leverageCandidates...) {
		if c > ceiling {
			c = ceiling
		}
		if c < 1 || seen[c] {
			continue
		}
		seen[c] = true
		candidates = append(candidates, c)
	}

	for _, lev := range candidates {
		err := lt.venue.SetLeverage(ctx, symbol, lev)
		if err == nil {
			return lev
		}
		var venueErr *domain.VenueError
		if errors.As(err, &venueErr) && venueErr.Code == domain.CodeInvalidLeverage {
			continue
		}
		lt.logger.Warn("leverage negotiation stopped",
			zap.String("symbol", symbol), zap.Int("leverage", lev), zap.Error(err))
		break
	}
	return 1
}

// --- normalization ---

// normalizeQty floors the raw quantity to the step grid and rounds to the
// step's decimal count. It fails when the result is below the minimum.
func normalizeQty(raw float64, f domain.SymbolFilters) (float64, error) {
	if f.StepSize <= 0 {
		return 0, fmt.Errorf("symbol %s has no step size", f.Symbol)
	}
	qty := math.Floor(raw/f.StepSize) * f.StepSize
	qty = roundToStep(qty, f.StepSize)
	if qty < f.MinQty || qty <= 0 {
		return 0, fmt.Errorf("quantity %.10f below min %.10f", qty, f.MinQty)
	}
	return qty, nil
}

// normalizePrice snaps a limit entry price onto the tick grid: longs round
// down, shorts round up, so the order never crosses the book.
func normalizePrice(raw float64, tickSize float64, side domain.Side) float64 {
	if tickSize <= 0 {
		return raw
	}
	var ticks float64
	if side == domain.SideLong {
		ticks = math.Floor(raw / tickSize)
	} else {
		ticks = math.Ceil(raw / tickSize)
	}
	return roundToStep(ticks*tickSize, tickSize)
}

func roundToStep(v, step float64) float64 {
	digits := decimalsOfStep(step)
	scale := math.Pow10(digits)
	return math.Round(v*scale) / scale
}

func decimalsOfStep(step float64) int {
	s := strconv.FormatFloat(step, 'f', -1, 64)
	if i := strings.IndexByte(s, '.'); i >= 0 {
		return len(s) - i - 1
	}
	return 0
}

// --- mirroring ---

func newClientOrderID() string {
	return "pp-" + uuid.NewString()
}

// EnqueueOpen hands a simulator entry to the symbol's mirror worker. A
// symbol's operations execute strictly in enqueue order, so a close queued
// in the same tick always lands before the open that follows it.
func (lt *LiveTrader) EnqueueOpen(symbol string, side domain.Side, price float64) {
	lt.enqueue(symbol, mirrorOp{side: side, price: price})
}

// EnqueueClose hands a simulator exit to the symbol's mirror worker.
func (lt *LiveTrader) EnqueueClose(symbol string) {
	lt.enqueue(symbol, mirrorOp{close: true})
}

func (lt *LiveTrader) enqueue(symbol string, op mirrorOp) {
	lt.mu.Lock()
	q, ok := lt.mirrorQueues[symbol]
	if !ok {
		q = make(chan mirrorOp, mirrorQueueDepth)
		lt.mirrorQueues[symbol] = q
		go lt.mirrorWorker(symbol, q)
	}
	lt.mu.Unlock()

	select {
	case q <- op:
	default:
		lt.fail(symbol, "mirror backlog full", fmt.Errorf("operation dropped"))
	}
}

// mirrorWorker drains one symbol's queue. Operations run on a background
// context so an engine shutdown does not abort an order already in motion.
func (lt *LiveTrader) mirrorWorker(symbol string, q <-chan mirrorOp) {
	for op := range q {
		if op.close {
			lt.MirrorClose(context.Background(), symbol)
		} else {
			lt.MirrorOpen(context.Background(), symbol, op.side, op.price)
		}
	}
}

// MirrorOpen mirrors a simulator entry onto the venue. Failures set
// lastError and never mutate the tracked positions.
func (lt *LiveTrader) MirrorOpen(ctx context.Context, symbol string, side domain.Side, price float64) {
	lt.mu.Lock()
	rt, ok := lt.runtime[symbol]
	if !ok || lt.inFlight[symbol] {
		lt.mu.Unlock()
		return
	}
	if _, exists := lt.activePositions[symbol]; exists {
		lt.mu.Unlock()
		return
	}
	lt.inFlight[symbol] = true
	hedge := lt.hedgeMode
	lt.mu.Unlock()
	defer lt.clearInFlight(symbol)

	leverage := rt.effectiveLeverage
	rawQty := lt.cfg.MarginUsd * float64(leverage) / price
	qty, err := normalizeQty(rawQty, rt.filters)
	if err != nil {
		lt.fail(symbol, "open rejected", err)
		return
	}

	var order *domain.Order
	if lt.cfg.EntryMode == domain.EntryLimitGTX {
		order, err = lt.openPostOnly(ctx, symbol, side, qty, rt, hedge)
	} else {
		order, err = lt.placeMarket(ctx, symbol, side, qty, hedge, false)
	}
	if err != nil {
		metrics.IncLiveOrderErrors()
		lt.fail(symbol, fmt.Sprintf("open %s failed", side), err)
		return
	}
	if order == nil || order.ExecutedQty <= 0 {
		lt.fail(symbol, fmt.Sprintf("open %s unfilled", side), fmt.Errorf("no executed quantity"))
		return
	}

	lt.mu.Lock()
	lt.activePositions[symbol] = trackedPosition{side: side, qty: order.ExecutedQty}
	lt.lastAction[symbol] = fmt.Sprintf("opened %s qty %.6g", side, order.ExecutedQty)
	lt.lastError = ""
	lt.mu.Unlock()
	metrics.IncLiveOrders(string(lt.cfg.EntryMode), string(side))
	lt.logger.Info("live position opened",
		zap.String("symbol", symbol),
		zap.String("side", string(side)),
		zap.Float64("qty", order.ExecutedQty))
}

// MirrorClose flattens the tracked position with a reduce-only market order.
func (lt *LiveTrader) MirrorClose(ctx context.Context, symbol string) {
	lt.mu.Lock()
	pos, ok := lt.activePositions[symbol]
	if !ok || lt.inFlight[symbol] {
		lt.mu.Unlock()
		return
	}
	rt := lt.runtime[symbol]
	lt.inFlight[symbol] = true
	hedge := lt.hedgeMode
	lt.mu.Unlock()
	defer lt.clearInFlight(symbol)

	qty := pos.qty
	if rt != nil {
		if n, err := normalizeQty(qty, rt.filters); err == nil {
			qty = n
		}
	}

	closeSide := domain.SideShort
	if pos.side == domain.SideShort {
		closeSide = domain.SideLong
	}
	// In hedge mode the close order carries the side of the position being
	// reduced; reduceOnly is a one-way-mode concept.
	req := domain.OrderRequest{
		Symbol:        symbol,
		Side:          closeSide,
		Type:          "MARKET",
		Quantity:      qty,
		ClientOrderID: newClientOrderID(),
	}
	if hedge {
		req.PositionSide = string(pos.side)
	} else {
		req.ReduceOnly = true
	}

	if _, err := lt.venue.PlaceOrder(ctx, req); err != nil {
		metrics.IncLiveOrderErrors()
		lt.fail(symbol, "close failed", err)
		return
	}

	lt.mu.Lock()
	delete(lt.activePositions, symbol)
	lt.lastAction[symbol] = fmt.Sprintf("closed %s", pos.side)
	lt.lastError = ""
	lt.mu.Unlock()
	lt.logger.Info("live position closed", zap.String("symbol", symbol))

	if err := lt.reconcilePositions(ctx); err != nil {
		lt.logger.Warn("post-close reconcile failed", zap.Error(err))
	}
}

func (lt *LiveTrader) placeMarket(ctx context.Context, symbol string, side domain.Side, qty float64, hedge, reduce bool) (*domain.Order, error) {
	req := domain.OrderRequest{
		Symbol:        symbol,
		Side:          side,
		Type:          "MARKET",
		Quantity:      qty,
		ClientOrderID: newClientOrderID(),
	}
	if hedge {
		req.PositionSide = string(side)
	} else if reduce {
		req.ReduceOnly = true
	}
	return lt.venue.PlaceOrder(ctx, req)
}

// openPostOnly places a maker-only limit at top of book and polls it until
// filled or timed out, optionally sweeping the remainder with a market order.
func (lt *LiveTrader) openPostOnly(ctx context.Context, symbol string, side domain.Side, qty float64, rt *symbolRuntime, hedge bool) (*domain.Order, error) {
	book, err := lt.venue.BookTicker(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("book snapshot: %w", err)
	}
	if maxBps := lt.spreadCap(symbol); book.SpreadBps() > maxBps {
		return nil, fmt.Errorf("spread %.1f bps above cap %.1f", book.SpreadBps(), maxBps)
	}

	limitPrice := book.BidPrice
	if side == domain.SideShort {
		limitPrice = book.AskPrice
	}
	limitPrice = normalizePrice(limitPrice, rt.filters.TickSize, side)

	req := domain.OrderRequest{
		Symbol:        symbol,
		Side:          side,
		Type:          "LIMIT",
		Quantity:      qty,
		Price:         limitPrice,
		TimeInForce:   "GTX",
		ClientOrderID: newClientOrderID(),
	}
	if hedge {
		req.PositionSide = string(side)
	}

	order, err := lt.venue.PlaceOrder(ctx, req)
	if err != nil {
		var venueErr *domain.VenueError
		if errors.As(err, &venueErr) &&
			(venueErr.Code == domain.CodeGTXWouldMatch || venueErr.Code == domain.CodeOrderWouldMatch) {
			// Maker placement impossible right now; take the full size.
			return lt.placeMarket(ctx, symbol, side, qty, hedge, false)
		}
		return nil, err
	}

	final, err := lt.pollOrder(ctx, symbol, order.OrderID)
	if err != nil {
		return nil, err
	}
	if final.Status == domain.OrderFilled {
		return final, nil
	}

	if final.Status == domain.OrderNew || final.Status == domain.OrderPartiallyFilled {
		if err := lt.venue.CancelOrder(ctx, symbol, order.OrderID); err != nil {
			lt.logger.Warn("cancel remainder failed", zap.String("symbol", symbol), zap.Error(err))
		}
	}

	remainder := qty - final.ExecutedQty
	if remainder > 0 && lt.cfg.GtxFallbackMarket {
		normRem, err := normalizeQty(remainder, rt.filters)
		if err == nil {
			market, err := lt.placeMarket(ctx, symbol, side, normRem, hedge, false)
			if err == nil {
				final.ExecutedQty += market.ExecutedQty
				final.Status = domain.OrderFilled
			} else {
				lt.logger.Warn("market fallback failed", zap.String("symbol", symbol), zap.Error(err))
			}
		}
	}
	return final, nil
}

func (lt *LiveTrader) pollOrder(ctx context.Context, symbol string, orderID int64) (*domain.Order, error) {
	deadline := lt.timeNow().Add(lt.cfg.GtxTimeout)
	for {
		order, err := lt.venue.GetOrder(ctx, symbol, orderID)
		if err != nil {
			return nil, err
		}
		switch order.Status {
		case domain.OrderFilled, domain.OrderCanceled, domain.OrderExpired, domain.OrderRejected:
			return order, nil
		}
		if !lt.timeNow().Before(deadline) {
			return order, nil
		}
		select {
		case <-time.After(lt.cfg.GtxPoll):
		case <-ctx.Done():
			return order, ctx.Err()
		}
	}
}

func (lt *LiveTrader) spreadCap(symbol string) float64 {
	if v, ok := lt.cfg.SpreadMaxBpsBySymbol[symbol]; ok && v > 0 {
		return v
	}
	return lt.cfg.SpreadMaxBpsDefault
}

func (lt *LiveTrader) clearInFlight(symbol string) {
	lt.mu.Lock()
	delete(lt.inFlight, symbol)
	lt.mu.Unlock()
}

func (lt *LiveTrader) fail(symbol, action string, err error) {
	lt.mu.Lock()
	lt.lastAction[symbol] = action
	lt.lastError = err.Error()
	lt.mu.Unlock()
	lt.logger.Error("live trader "+action, zap.String("symbol", symbol), zap.Error(err))
}

// --- reconciliation ---

// SyncRuntime refreshes positions and income from the venue. Server-side
// state is authoritative over locally tracked positions.
func (lt *LiveTrader) SyncRuntime(ctx context.Context) error {
	if err := lt.reconcilePositions(ctx); err != nil {
		return err
	}
	return lt.syncIncome(ctx)
}

func (lt *LiveTrader) reconcilePositions(ctx context.Context) error {
	positions, err := lt.venue.PositionRisk(ctx)
	if err != nil {
		return fmt.Errorf("position risk: %w", err)
	}

	lt.mu.Lock()
	defer lt.mu.Unlock()

	snapshot := make(map[string]domain.LivePosition, len(positions))
	active := make(map[string]trackedPosition, len(positions))
	for _, p := range positions {
		snapshot[p.Symbol] = p
		// Never rewrite a symbol with an order in flight; the op's own
		// bookkeeping wins until it settles.
		if lt.inFlight[p.Symbol] {
			if prev, ok := lt.activePositions[p.Symbol]; ok {
				active[p.Symbol] = prev
			}
			continue
		}
		active[p.Symbol] = trackedPosition{side: p.Side, qty: p.Quantity}
	}
	for symbol, pos := range lt.activePositions {
		if lt.inFlight[symbol] {
			if _, ok := active[symbol]; !ok {
				active[symbol] = pos
			}
		}
	}
	lt.positions = snapshot
	lt.activePositions = active
	return nil
}

func (lt *LiveTrader) syncIncome(ctx context.Context) error {
	lt.mu.Lock()
	cursor := lt.incomeCursorTs
	lt.mu.Unlock()

	events, err := lt.venue.Income(ctx, cursor, 1000)
	if err != nil {
		return fmt.Errorf("income ledger: %w", err)
	}

	lt.mu.Lock()
	var maxTs int64
	var fresh []domain.IncomeEvent
	for _, e := range events {
		if e.Ts > maxTs {
			maxTs = e.Ts
		}
		key := e.DedupeKey()
		if _, seen := lt.incomeSeen[key]; seen {
			continue
		}
		lt.incomeSeen[key] = e.Ts
		lt.income.Apply(e)
		fresh = append(fresh, e)
	}
	if maxTs > 0 {
		lt.incomeCursorTs = maxTs + 1
		floor := lt.incomeCursorTs - incomeSeenRetentionMs
		for key, ts := range lt.incomeSeen {
			if ts < floor {
				delete(lt.incomeSeen, key)
			}
		}
	}
	net := lt.income.NetUsd
	lt.mu.Unlock()

	metrics.SetLiveIncomeNet(net)

	if lt.journal != nil {
		for _, e := range fresh {
			if err := lt.journal.SaveIncomeEvent(ctx, e); err != nil {
				lt.logger.Debug("income journal write failed", zap.Error(err))
			}
		}
	}
	return nil
}

// --- read side ---

func (lt *LiveTrader) Position(symbol string) (domain.LivePosition, bool) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	p, ok := lt.positions[symbol]
	return p, ok
}

func (lt *LiveTrader) IncomeStats() domain.IncomeStats {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	return lt.income
}

// LastAction reports the most recent mirror outcome for a symbol, suitable
// for a status row.
func (lt *LiveTrader) LastAction(symbol string) string {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	return lt.lastAction[symbol]
}

func (lt *LiveTrader) LastError() string {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	return lt.lastError
}

func (lt *LiveTrader) activePositionFor(symbol string) (trackedPosition, bool) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	p, ok := lt.activePositions[symbol]
	return p, ok
}

// EffectiveLeverage reports the negotiated leverage for a symbol (0 when
// the symbol was never bootstrapped).
func (lt *LiveTrader) EffectiveLeverage(symbol string) int {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	if rt, ok := lt.runtime[symbol]; ok {
		return rt.effectiveLeverage
	}
	return 0
}
