package usecase

import (
	"math"
	"sync"

	"github.com/vitos/crypto_perp_engine/internal/domain"
)

// SymbolState is the per-symbol mutable record owned by the store. All
// timestamps are unix milliseconds.
type SymbolState struct {
	Candles []domain.Candle
	Flow    []domain.AggTrade

	TradePrice float64
	TradeTs    int64

	MarkPrice float64
	MarkTs    int64

	LastVolume5m      float64
	NextCandleCloseTs int64
	LastError         string
}

// SymbolStore owns all symbol state. Mutations happen only through
// ApplyEvent and SeedCandles; readers get values or copies.
type SymbolStore struct {
	historyCandles int
	flowLookbackMs int64
	cycleMs        int64

	mu     sync.Mutex
	states map[string]*SymbolState
}

func NewSymbolStore(symbols []string, historyCandles int, flowLookbackMs, cycleMs int64) *SymbolStore {
	states := make(map[string]*SymbolState, len(symbols))
	for _, s := range symbols {
		states[s] = &SymbolState{}
	}
	return &SymbolStore{
		historyCandles: historyCandles,
		flowLookbackMs: flowLookbackMs,
		cycleMs:        cycleMs,
		states:         states,
	}
}

func (s *SymbolStore) state(symbol string) *SymbolState {
	st, ok := s.states[symbol]
	if !ok {
		st = &SymbolState{}
		s.states[symbol] = st
	}
	return st
}

// SeedCandles replaces the ring with hydrated history, keeping only the
// newest historyCandles entries.
func (s *SymbolStore) SeedCandles(symbol string, candles []domain.Candle) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.state(symbol)
	st.Candles = st.Candles[:0]
	var lastClose int64
	for _, c := range candles {
		if c.CloseTime <= lastClose {
			continue
		}
		st.Candles = append(st.Candles, c)
		lastClose = c.CloseTime
	}
	if len(st.Candles) > s.historyCandles {
		st.Candles = st.Candles[len(st.Candles)-s.historyCandles:]
	}
	if n := len(st.Candles); n > 0 {
		last := st.Candles[n-1]
		st.LastVolume5m = last.Volume
		st.NextCandleCloseTs = last.CloseTime + s.cycleMs
	}
}

// SetError records a per-symbol error string surfaced to the renderer.
func (s *SymbolStore) SetError(symbol, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state(symbol).LastError = msg
}

// ApplyEvent folds one decoded market event into the symbol's state.
func (s *SymbolStore) ApplyEvent(event *domain.MarketEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.state(event.Symbol)

	switch event.Type {
	case domain.EventTrade:
		st.TradePrice = event.Price
		st.TradeTs = event.Ts
		if event.Qty > 0 && event.Ts > 0 {
			side := domain.TradeBuy
			if event.IsBuyerMaker {
				side = domain.TradeSell
			}
			st.Flow = append(st.Flow, domain.AggTrade{Ts: event.Ts, Qty: event.Qty, Side: side})
			pruneFlow(st, s.flowLookbackMs)
		}

	case domain.EventMark:
		st.MarkPrice = event.MarkPrice
		st.MarkTs = event.Ts

	case domain.EventKline:
		k := event.Kline
		st.LastVolume5m = k.Volume
		if event.KlineClosed {
			upsertCandle(st, k, s.historyCandles)
			st.NextCandleCloseTs = k.CloseTime + s.cycleMs
		} else {
			st.NextCandleCloseTs = k.CloseTime
		}
	}
}

// upsertCandle appends a newer candle or replaces the last one when the
// close time matches; older candles are ignored. The ring stays bounded.
func upsertCandle(st *SymbolState, c domain.Candle, bound int) {
	n := len(st.Candles)
	switch {
	case n == 0 || c.CloseTime > st.Candles[n-1].CloseTime:
		st.Candles = append(st.Candles, c)
	case c.CloseTime == st.Candles[n-1].CloseTime:
		st.Candles[n-1] = c
	default:
		return
	}
	if len(st.Candles) > bound {
		st.Candles = st.Candles[len(st.Candles)-bound:]
	}
}

func pruneFlow(st *SymbolState, lookbackMs int64) {
	n := len(st.Flow)
	if n == 0 {
		return
	}
	cutoff := st.Flow[n-1].Ts - lookbackMs
	keep := st.Flow[:0]
	for _, t := range st.Flow {
		if t.Ts >= cutoff {
			keep = append(keep, t)
		}
	}
	st.Flow = keep
}

// Snapshot returns a copy of the symbol's state for read-only use.
func (s *SymbolStore) Snapshot(symbol string) SymbolState {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.state(symbol)
	out := *st
	out.Candles = append([]domain.Candle(nil), st.Candles...)
	out.Flow = nil // flow is read via FlowSnapshot
	return out
}

// LivePrice returns the best available price: last trade, then mark, then
// last candle close. The second return is false when nothing is known yet.
func (s *SymbolStore) LivePrice(symbol string) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return livePrice(s.state(symbol))
}

func livePrice(st *SymbolState) (float64, bool) {
	switch {
	case st.TradePrice > 0:
		return st.TradePrice, true
	case st.MarkPrice > 0:
		return st.MarkPrice, true
	case len(st.Candles) > 0:
		return st.Candles[len(st.Candles)-1].Close, true
	default:
		return 0, false
	}
}

// MsToNextCandle returns the remaining milliseconds of the current cycle,
// falling back to the last candle close when the stream has not told us yet.
func (s *SymbolStore) MsToNextCandle(symbol string, now int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.state(symbol)
	target := st.NextCandleCloseTs
	if target == 0 {
		if n := len(st.Candles); n > 0 {
			target = st.Candles[n-1].CloseTime + s.cycleMs
		} else {
			return math.MaxInt64
		}
	}
	if target <= now {
		return 0
	}
	return target - now
}

// CurrentCycleID keys the decision plan; zero means no cycle is known yet.
func (s *SymbolStore) CurrentCycleID(symbol string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.state(symbol)
	if st.NextCandleCloseTs != 0 {
		return st.NextCandleCloseTs
	}
	if n := len(st.Candles); n > 0 {
		return st.Candles[n-1].CloseTime + s.cycleMs
	}
	return 0
}

// FlowSnapshot aggregates the trade-flow window.
func (s *SymbolStore) FlowSnapshot(symbol string) domain.FlowSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.state(symbol)
	var out domain.FlowSnapshot
	for _, t := range st.Flow {
		if t.Side == domain.TradeBuy {
			out.BuyQty += t.Qty
		} else {
			out.SellQty += t.Qty
		}
		out.Samples++
	}
	return out
}
