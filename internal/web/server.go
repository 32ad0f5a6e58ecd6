package web

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/vitos/crypto_perp_engine/internal/domain"
)

// Server exposes the engine's status over HTTP. It doubles as a Renderer:
// the engine publishes rows every render tick and the handlers serve the
// latest snapshot.
type Server struct {
	router  *http.ServeMux
	server  *http.Server
	journal domain.TradeJournal
	logger  *zap.Logger

	mu   sync.RWMutex
	rows []domain.StatusRow
}

func NewServer(port int, journal domain.TradeJournal, logger *zap.Logger) *Server {
	s := &Server{
		router:  http.NewServeMux(),
		journal: journal,
		logger:  logger,
	}
	s.routes()
	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: s.router,
	}
	return s
}

func (s *Server) routes() {
	// Status
	s.router.HandleFunc("GET /api/status", s.handleStatus)

	// Journal
	s.router.HandleFunc("GET /api/trades", s.handleTrades)
	s.router.HandleFunc("GET /api/income", s.handleIncome)

	// Metrics
	s.router.Handle("GET /metrics", promhttp.Handler())
}

// Publish implements domain.Renderer.
func (s *Server) Publish(rows []domain.StatusRow) {
	s.mu.Lock()
	s.rows = rows
	s.mu.Unlock()
}

func (s *Server) Start() error {
	s.logger.Info("Starting web server", zap.String("addr", s.server.Addr))
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
