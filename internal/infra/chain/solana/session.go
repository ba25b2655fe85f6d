package solana

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vietddude/custody/internal/trading/metrics"
)

// SessionConfig configures a WebSocket session.
type SessionConfig struct {
	Network           string
	URL               string
	HeartbeatInterval time.Duration
	ReconnectDelay    time.Duration
	HandshakeTimeout  time.Duration
}

func (c *SessionConfig) applyDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 60 * time.Second
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 5 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
}

// Session keeps a WebSocket connection to a Solana node alive.
//
// A ping carrying the send time in nanoseconds goes out every
// HeartbeatInterval; the matching pong yields the round-trip time. When the
// connection drops the session redials every ReconnectDelay until Close.
type Session struct {
	cfg    SessionConfig
	log    *slog.Logger
	dialer *websocket.Dialer

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	ready      atomic.Bool
	lastRTT    atomic.Int64
	reconnects atomic.Int64

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// NewSession creates an unstarted session.
func NewSession(cfg SessionConfig, log *slog.Logger) *Session {
	cfg.applyDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &Session{
		cfg: cfg,
		log: log.With("component", "ws", "network", cfg.Network),
		dialer: &websocket.Dialer{
			Proxy:            websocket.DefaultDialer.Proxy,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
	}
}

// Start dials and begins the heartbeat. A failed first dial is returned, but
// the session keeps retrying in the background.
func (s *Session) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	err := s.dial(ctx)
	if err != nil {
		s.log.Warn("WebSocket dial failed, will retry", "error", err)
	}
	go s.run(ctx, err == nil)
	return err
}

func (s *Session) run(ctx context.Context, connected bool) {
	defer close(s.done)

	for {
		if !connected {
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.cfg.ReconnectDelay):
			}

			s.reconnects.Add(1)
			metrics.WSReconnects.WithLabelValues(s.cfg.Network).Inc()
			if err := s.dial(ctx); err != nil {
				s.log.Warn("WebSocket reconnect failed", "error", err)
				continue
			}
			s.log.Info("WebSocket reconnected", "attempt", s.reconnects.Load())
		}

		s.serve(ctx)
		connected = false
		if ctx.Err() != nil {
			return
		}
	}
}

func (s *Session) dial(ctx context.Context) error {
	conn, _, err := s.dialer.DialContext(ctx, s.cfg.URL, nil)
	if err != nil {
		return err
	}
	conn.SetPongHandler(s.handlePong)

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	s.ready.Store(true)
	return nil
}

// serve reads until the connection fails. Reading drives the pong handler.
func (s *Session) serve(ctx context.Context) {
	conn := s.current()
	if conn == nil {
		return
	}

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go s.heartbeat(hbCtx)

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if ctx.Err() == nil {
				s.log.Warn("WebSocket connection lost", "error", err)
			}
			s.markDown(conn)
			return
		}
	}
}

func (s *Session) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Ping(); err != nil {
				s.log.Warn("Heartbeat failed", "error", err)
			}
		}
	}
}

// Ping sends one heartbeat. It is a no-op while the session is down.
func (s *Session) Ping() error {
	conn := s.current()
	if conn == nil || !s.ready.Load() {
		s.log.Debug("Heartbeat skipped, session not open")
		return nil
	}

	payload := []byte(strconv.FormatInt(time.Now().UnixNano(), 10))
	s.writeMu.Lock()
	err := conn.WriteControl(websocket.PingMessage, payload, time.Now().Add(s.cfg.HandshakeTimeout))
	s.writeMu.Unlock()
	if err != nil {
		_ = conn.Close()
	}
	return err
}

func (s *Session) handlePong(data string) error {
	sent, err := strconv.ParseInt(data, 10, 64)
	if err != nil {
		return nil
	}
	rtt := time.Since(time.Unix(0, sent))
	s.lastRTT.Store(int64(rtt))
	metrics.WSRoundTrip.WithLabelValues(s.cfg.Network).Set(rtt.Seconds())
	return nil
}

func (s *Session) markDown(conn *websocket.Conn) {
	s.ready.Store(false)
	_ = conn.Close()

	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	s.mu.Unlock()
}

func (s *Session) current() *websocket.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// Ready reports whether the connection is open.
func (s *Session) Ready() bool { return s.ready.Load() }

// LastRTT returns the last heartbeat round trip, zero before the first pong.
func (s *Session) LastRTT() time.Duration { return time.Duration(s.lastRTT.Load()) }

// Reconnects returns the number of reconnect attempts so far.
func (s *Session) Reconnects() int64 { return s.reconnects.Load() }

// Close stops reconnecting and closes the connection.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		if s.cancel == nil {
			return
		}
		if conn := s.current(); conn != nil {
			s.writeMu.Lock()
			err := conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			s.writeMu.Unlock()
			if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
				s.log.Debug("WebSocket close frame not sent", "error", err)
			}
		}
		s.cancel()
		<-s.done
		s.ready.Store(false)
	})
	return nil
}
