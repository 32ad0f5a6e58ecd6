package web

import (
	"encoding/json"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/vitos/crypto_perp_engine/internal/domain"
)

const defaultListLimit = 100

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	rows := s.rows
	s.mu.RUnlock()

	if rows == nil {
		rows = []domain.StatusRow{}
	}
	writeJSON(w, s.logger, rows)
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		http.Error(w, "journal disabled", http.StatusNotFound)
		return
	}
	trades, err := s.journal.ListClosedTrades(r.Context(), listLimit(r))
	if err != nil {
		s.logger.Error("Failed to list trades", zap.Error(err))
		http.Error(w, "Failed to list trades", http.StatusInternalServerError)
		return
	}
	if trades == nil {
		trades = []*domain.JournalTrade{}
	}
	writeJSON(w, s.logger, trades)
}

func (s *Server) handleIncome(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		http.Error(w, "journal disabled", http.StatusNotFound)
		return
	}
	events, err := s.journal.ListIncomeEvents(r.Context(), listLimit(r))
	if err != nil {
		s.logger.Error("Failed to list income events", zap.Error(err))
		http.Error(w, "Failed to list income events", http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []domain.IncomeEvent{}
	}
	writeJSON(w, s.logger, events)
}

func listLimit(r *http.Request) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			return n
		}
	}
	return defaultListLimit
}

func writeJSON(w http.ResponseWriter, logger *zap.Logger, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("Failed to encode response", zap.Error(err))
	}
}
