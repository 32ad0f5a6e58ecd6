package exchange

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/vitos/crypto_perp_engine/internal/domain"
	"github.com/vitos/crypto_perp_engine/internal/metrics"
)

// StreamConfig configures the multiplexed market-data connection.
type StreamConfig struct {
	Endpoint      string
	Streams       []string // e.g. btcusdt@aggTrade, btcusdt@markPrice@1s, btcusdt@kline_5m
	PingInterval  time.Duration
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
}

// StreamSupervisor owns the single websocket to the venue: it dials, pings,
// decodes frames onto the event channel and reconnects with exponential
// backoff. The tick-loop watchdog calls ForceReconnect when the feed is stale.
type StreamSupervisor struct {
	cfg    StreamConfig
	logger *zap.Logger
	events chan *domain.MarketEvent

	mu            sync.Mutex
	conn          *websocket.Conn
	lastMessageAt time.Time
	lastError     string
	attempt       int
}

func NewStreamSupervisor(cfg StreamConfig, logger *zap.Logger) *StreamSupervisor {
	return &StreamSupervisor{
		cfg:    cfg,
		logger: logger,
		events: make(chan *domain.MarketEvent, 1024),
	}
}

// Events is the decoded event feed consumed by the engine.
func (s *StreamSupervisor) Events() <-chan *domain.MarketEvent {
	return s.events
}

func (s *StreamSupervisor) LastMessageAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastMessageAt
}

func (s *StreamSupervisor) LastError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastError
}

func (s *StreamSupervisor) setError(msg string) {
	s.mu.Lock()
	s.lastError = msg
	s.mu.Unlock()
}

// Run drives the connect/read/reconnect cycle until ctx is cancelled.
func (s *StreamSupervisor) Run(ctx context.Context) {
	defer close(s.events)
	for {
		if ctx.Err() != nil {
			return
		}
		if err := s.connectAndRead(ctx); err != nil {
			s.setError(err.Error())
			s.logger.Warn("stream disconnected", zap.Error(err))
		}
		if ctx.Err() != nil {
			return
		}

		delay := s.backoff()
		metrics.IncStreamReconnects()
		s.logger.Info("stream reconnecting",
			zap.Duration("delay", delay),
			zap.Int("attempt", s.attempt))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}
}

func (s *StreamSupervisor) backoff() time.Duration {
	delay := s.cfg.ReconnectBase << uint(s.attempt)
	if delay > s.cfg.ReconnectMax || delay <= 0 {
		delay = s.cfg.ReconnectMax
	}
	s.attempt++
	return delay
}

func (s *StreamSupervisor) url() string {
	return s.cfg.Endpoint + "?streams=" + strings.Join(s.cfg.Streams, "/")
}

func (s *StreamSupervisor) connectAndRead(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, s.url(), nil)
	cancel()
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.conn = conn
	s.lastMessageAt = time.Now()
	s.lastError = ""
	s.attempt = 0
	s.mu.Unlock()

	s.logger.Info("stream connected", zap.Int("streams", len(s.cfg.Streams)))

	pingDone := make(chan struct{})
	go s.pingLoop(conn, pingDone)
	defer close(pingDone)
	defer func() {
		conn.Close()
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
	}()

	// Close the socket when ctx is cancelled so the read unblocks.
	go func() {
		select {
		case <-ctx.Done():
			s.closeWith(websocket.CloseNormalClosure)
		case <-pingDone:
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.lastMessageAt = time.Now()
		s.mu.Unlock()

		event, err := DecodeFrame(raw)
		if err != nil {
			s.setError(err.Error())
			s.logger.Debug("frame dropped", zap.Error(err))
			continue
		}
		if event == nil {
			continue
		}
		metrics.IncEventsDecoded(string(event.Type))
		select {
		case s.events <- event:
		default:
			// Consumer is behind; dropping the oldest keeps the feed live.
			select {
			case <-s.events:
			default:
			}
			s.events <- event
		}
	}
}

func (s *StreamSupervisor) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			deadline := time.Now().Add(5 * time.Second)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

// ForceReconnect closes the current socket with the given close code; Run's
// read loop observes the error and schedules a reconnect.
func (s *StreamSupervisor) ForceReconnect(code int) {
	s.closeWith(code)
}

func (s *StreamSupervisor) closeWith(code int) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return
	}
	deadline := time.Now().Add(2 * time.Second)
	msg := websocket.FormatCloseMessage(code, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, deadline)
	_ = conn.Close()
}
