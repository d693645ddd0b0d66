package signaling

import (
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-pairing-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-pairing-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-pairing-relay/internal/origin"
	"github.com/wilsonzlin/aero/proxy/webrtc-pairing-relay/internal/pairing"
	"github.com/wilsonzlin/aero/proxy/webrtc-pairing-relay/internal/ratelimit"
	"github.com/wilsonzlin/aero/proxy/webrtc-pairing-relay/internal/relay"
)

// Config wires together the runtime dependencies for the signaling service.
type Config struct {
	Coordinator *relay.Coordinator
	Metrics     *metrics.Metrics
	Logger      *slog.Logger

	// AllowedOrigins is the browser Origin allow list. Empty means same-host
	// only; "*" allows any origin.
	AllowedOrigins []string

	SignalingWSIdleTimeout  time.Duration
	SignalingWSPingInterval time.Duration

	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int
	SendQueueLength               int

	// Clock drives the per-connection rate limiter. Defaults to the wall
	// clock.
	Clock ratelimit.Clock
}

// Server accepts signaling WebSocket connections on GET /webrtc/signal and
// routes messages between them through the Coordinator.
type Server struct {
	coord   *relay.Coordinator
	metrics *metrics.Metrics
	log     *slog.Logger
	clock   ratelimit.Clock

	allowedOrigins  []string
	idleTimeout     time.Duration
	pingInterval    time.Duration
	maxMessageBytes int64
	maxMessagesPerS int
	sendQueueLength int

	upgrader websocket.Upgrader

	mu     sync.RWMutex
	conns  map[pairing.ConnID]*wsConn
	closed bool

	// dispatchMu keeps delivery order identical to the order in which the
	// Coordinator handled events.
	dispatchMu sync.Mutex
}

func NewServer(cfg Config) *Server {
	s := &Server{
		coord:   cfg.Coordinator,
		metrics: cfg.Metrics,
		log:     cfg.Logger,
		clock:   cfg.Clock,

		allowedOrigins:  cfg.AllowedOrigins,
		idleTimeout:     cfg.SignalingWSIdleTimeout,
		pingInterval:    cfg.SignalingWSPingInterval,
		maxMessageBytes: cfg.MaxSignalingMessageBytes,
		maxMessagesPerS: cfg.MaxSignalingMessagesPerSecond,
		sendQueueLength: cfg.SendQueueLength,

		conns: make(map[pairing.ConnID]*wsConn),
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.coord == nil {
		s.coord = relay.NewCoordinator(nil, s.metrics, s.log)
	}
	if s.clock == nil {
		s.clock = ratelimit.RealClock{}
	}
	if s.idleTimeout <= 0 {
		s.idleTimeout = config.DefaultSignalingWSIdleTimeout
	}
	if s.pingInterval <= 0 || s.pingInterval >= s.idleTimeout {
		s.pingInterval = s.idleTimeout / 2
	}
	if s.maxMessageBytes <= 0 {
		s.maxMessageBytes = config.DefaultMaxSignalingMessageBytes
	}
	if s.maxMessagesPerS <= 0 {
		s.maxMessagesPerS = config.DefaultMaxSignalingMessagesPerSecond
	}
	if s.sendQueueLength <= 0 {
		s.sendQueueLength = config.DefaultSignalingSendQueueLength
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			if origin.CheckRequest(r, s.allowedOrigins) {
				return true
			}
			s.metrics.Inc(metrics.OriginRejected)
			s.log.Warn("signaling origin rejected", "origin", r.Header.Get("Origin"), "host", r.Host)
			return false
		},
	}
	return s
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /webrtc/signal", s.handleWebSocketSignal)
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

// ActiveConnections reports the number of open signaling connections.
func (s *Server) ActiveConnections() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// Close rejects new connections and closes every open one with a going-away
// close frame. Each closed connection still runs the disconnect sweep.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	conns := make([]*wsConn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
		c.Close()
	}
}

func (s *Server) handleWebSocketSignal(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &wsConn{
		id:   pairing.ConnID(uuid.NewString()),
		srv:  s,
		conn: conn,
		send: make(chan []byte, s.sendQueueLength),
		done: make(chan struct{}),
		limiter: ratelimit.NewTokenBucket(
			s.clock,
			int64(s.maxMessagesPerS),
			int64(s.maxMessagesPerS),
		),
	}
	if !s.register(c) {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
		c.Close()
		return
	}

	s.metrics.Inc(metrics.ConnectionOpened)
	s.log.Info("signaling connection opened", "conn_id", c.id, "remote_addr", r.RemoteAddr)

	s.deliver([]relay.Outbound{{To: c.id, Msg: relay.Message{Type: relay.TypeConnected, ID: c.id}}})

	go c.writePump()
	c.readPump()
}

func (s *Server) register(c *wsConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c.id] = c
	return true
}

func (s *Server) lookup(id pairing.ConnID) *wsConn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conns[id]
}

func (s *Server) handle(from pairing.ConnID, msg relay.Message) {
	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()
	s.deliver(s.coord.Handle(from, msg))
}

// disconnect removes c from the hub, closes it and runs the Coordinator's
// cleanup sweep for its identifier.
func (s *Server) disconnect(c *wsConn) {
	s.mu.Lock()
	delete(s.conns, c.id)
	s.mu.Unlock()

	c.Close()

	s.dispatchMu.Lock()
	s.deliver(s.coord.Disconnect(c.id))
	s.dispatchMu.Unlock()

	s.metrics.Inc(metrics.ConnectionClosed)
	s.log.Info("signaling connection closed", "conn_id", c.id)
}

// deliver routes each outbound message to its connection without blocking.
// Messages addressed to unknown connections are dropped.
func (s *Server) deliver(outs []relay.Outbound) {
	for _, out := range outs {
		data, err := relay.EncodeMessage(out.Msg)
		if err != nil {
			s.log.Error("encode outbound message", "type", out.Msg.Type, "err", err)
			continue
		}

		c := s.lookup(out.To)
		if c == nil {
			s.metrics.Inc(metrics.DeliveryNoTarget)
			s.log.Debug("dropping message for unknown connection", "type", out.Msg.Type, "to", out.To)
			continue
		}
		switch err := c.enqueue(data); {
		case err == nil:
		case errors.Is(err, errConnClosed):
			s.metrics.Inc(metrics.DeliveryNoTarget)
		default:
			s.metrics.Inc(metrics.DropReasonSendQueueFull)
			s.log.Warn("signaling send queue full, closing connection", "conn_id", c.id)
			// Closing makes the read pump exit, which runs the disconnect sweep.
			c.Close()
		}
	}
}
