// Package relay implements the signaling relay: a WebSocket hub that routes
// connect requests and their responses between identified peers.
//
// The relay is intentionally dumb. It never inspects SDP payloads; it learns
// peer identities from announce messages (or the `from` field of a connect),
// forwards connect envelopes to the addressed peer, and routes each response
// back to whichever peer opened the transaction.
package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/peerlink/peerlink/internal/metrics"
	"github.com/peerlink/peerlink/wire"
)

const wsWriteWait = 5 * time.Second

type Config struct {
	// MaxMessageBytes caps each inbound signaling message. Reads past the
	// limit terminate the connection.
	MaxMessageBytes int64

	// IdleTimeout closes connections that produce no reads (including pongs)
	// for this long. PingInterval must be shorter than IdleTimeout.
	IdleTimeout  time.Duration
	PingInterval time.Duration

	// MaxMessagesPerSecond bounds the signaling message rate per connection.
	// Peers that exceed it are disconnected.
	MaxMessagesPerSecond int
}

func (c Config) WithDefaults() Config {
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 64 * 1024
	}
	if c.MaxMessagesPerSecond <= 0 {
		c.MaxMessagesPerSecond = 64
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 60 * time.Second
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.IdleTimeout {
		c.PingInterval = c.IdleTimeout / 3
	}
	return c
}

// Server is the relay hub. It implements http.Handler for the signaling
// endpoint; mount it at GET /signal.
type Server struct {
	cfg      Config
	logger   *slog.Logger
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader

	mu     sync.Mutex
	closed bool
	peers  map[string]*client
	routes map[string]*route
	conns  map[*client]struct{}
}

// route tracks one in-flight transaction so the response can be delivered to
// the requester even though responses carry no addressing fields.
type route struct {
	requester *client
	responder *client
}

type client struct {
	conn *websocket.Conn

	// writeMu serializes writes; gorilla connections allow one writer at a
	// time and both the router and the keepalive ticker write.
	writeMu sync.Mutex

	// identity is set once the peer announces or sends a connect. Guarded by
	// the server mutex, not writeMu.
	identity string
}

func NewServer(cfg Config, logger *slog.Logger, m *metrics.Metrics) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.New()
	}
	return &Server{
		cfg:     cfg.WithDefaults(),
		logger:  logger,
		metrics: m,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		peers:  make(map[string]*client),
		routes: make(map[string]*route),
		conns:  make(map[*client]struct{}),
	}
}

func (s *Server) Metrics() *metrics.Metrics { return s.metrics }

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &client{conn: conn}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		writeClose(conn, websocket.CloseGoingAway, "relay shutting down")
		conn.Close()
		return
	}
	s.conns[c] = struct{}{}
	s.mu.Unlock()

	s.metrics.Inc(metrics.PeerConnected)
	s.logger.Debug("peer connected", "remote_addr", conn.RemoteAddr().String())

	pingDone := make(chan struct{})
	go s.keepalive(c, pingDone)

	defer func() {
		close(pingDone)
		s.dropClient(c)
		conn.Close()
	}()

	conn.SetReadLimit(s.cfg.MaxMessageBytes)
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
	})

	limiter := newRateLimiter(s.cfg.MaxMessagesPerSecond)

	for {
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			if isTimeout(err) {
				writeClose(conn, websocket.ClosePolicyViolation, "idle timeout")
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))

		if !limiter.Allow(time.Now()) {
			writeClose(conn, websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}

		if msgType != websocket.TextMessage {
			writeClose(conn, websocket.CloseUnsupportedData, "expected text message")
			return
		}

		s.handleMessage(c, msg)
	}
}

func (s *Server) handleMessage(c *client, raw []byte) {
	env, err := wire.Parse(raw)
	if err != nil {
		s.metrics.Inc(metrics.MalformedEnvelope)
		s.logger.Warn("malformed envelope", "err", err)
		// A salvageable correlation id lets the sender fail fast instead of
		// waiting out its own timeout.
		var probe struct {
			ID string `json:"id"`
		}
		if json.Unmarshal(raw, &probe) == nil && probe.ID != "" {
			s.respondError(c, probe.ID, fmt.Sprintf("malformed envelope: %v", err))
		}
		return
	}

	switch {
	case env.IsResponse():
		s.routeResponse(c, env, raw)
	case env.Type == wire.MessageTypeAnnounce:
		s.setIdentity(c, env.From)
		s.metrics.Inc(metrics.PeerAnnounced)
		s.logger.Info("peer announced", "peer", env.From)
	case env.Type == wire.MessageTypeConnect:
		s.routeConnect(c, env, raw)
	default:
		s.metrics.Inc(metrics.MalformedEnvelope)
		s.logger.Warn("dropping unroutable envelope", "type", env.Type)
	}
}

func (s *Server) routeConnect(c *client, env wire.Envelope, raw []byte) {
	// A connect doubles as an announcement for its sender, so a peer that
	// only ever dials still becomes reachable for the reverse direction.
	s.setIdentity(c, env.From)

	s.mu.Lock()
	target, ok := s.peers[env.To]
	if ok {
		s.routes[env.ID] = &route{requester: c, responder: target}
	}
	s.mu.Unlock()

	if !ok {
		s.metrics.Inc(metrics.UnknownPeer)
		s.logger.Info("connect to unknown peer", "from", env.From, "to", env.To)
		s.respondError(c, env.ID, fmt.Sprintf("unknown peer %q", env.To))
		return
	}

	if err := target.write(raw); err != nil {
		s.mu.Lock()
		delete(s.routes, env.ID)
		s.mu.Unlock()
		s.metrics.Inc(metrics.UnknownPeer)
		s.respondError(c, env.ID, fmt.Sprintf("unknown peer %q", env.To))
		return
	}

	s.metrics.Inc(metrics.ConnectForwarded)
	s.logger.Debug("connect forwarded", "from", env.From, "to", env.To, "id", env.ID)
}

func (s *Server) routeResponse(c *client, env wire.Envelope, raw []byte) {
	s.mu.Lock()
	rt, ok := s.routes[env.ID]
	// Only the peer the connect was forwarded to may settle the transaction.
	if ok && rt.responder == c {
		delete(s.routes, env.ID)
	} else {
		ok = false
	}
	s.mu.Unlock()

	if !ok {
		s.logger.Warn("dropping response with no matching transaction", "id", env.ID)
		return
	}

	if err := rt.requester.write(raw); err != nil {
		s.logger.Warn("failed to deliver response", "id", env.ID, "err", err)
		return
	}
	s.metrics.Inc(metrics.ResponseForwarded)
	s.logger.Debug("response forwarded", "id", env.ID)
}

func (s *Server) respondError(c *client, id, msg string) {
	env := wire.Envelope{ID: id, Error: msg}
	payload, err := json.Marshal(env)
	if err != nil {
		return
	}
	if err := c.write(payload); err != nil {
		s.logger.Warn("failed to deliver error response", "id", id, "err", err)
	}
}

func (s *Server) setIdentity(c *client, identity string) {
	if identity == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.identity == identity {
		return
	}
	if c.identity != "" {
		delete(s.peers, c.identity)
	}
	// Last announce wins. A reconnecting peer replaces its stale entry.
	c.identity = identity
	s.peers[identity] = c
}

// dropClient removes the client from the registry and fails transactions the
// client would have answered. Requesters get an error response instead of a
// transaction that hangs until their own timeout.
func (s *Server) dropClient(c *client) {
	s.mu.Lock()
	if c.identity != "" && s.peers[c.identity] == c {
		delete(s.peers, c.identity)
	}
	var orphaned []string
	var requesters []*client
	for id, rt := range s.routes {
		if rt.responder == c {
			orphaned = append(orphaned, id)
			requesters = append(requesters, rt.requester)
			delete(s.routes, id)
		}
	}
	delete(s.conns, c)
	s.mu.Unlock()

	for i, id := range orphaned {
		s.metrics.Inc(metrics.PeerLost)
		s.respondError(requesters[i], id, "peer disconnected")
	}

	s.metrics.Inc(metrics.PeerDisconnected)
	s.logger.Debug("peer disconnected", "peer", c.identity)
}

func (s *Server) keepalive(c *client, done <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// Close terminates every open signaling connection. In-flight transactions
// fail through the normal disconnect path as the read loops unwind.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	conns := make([]*client, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		writeClose(c.conn, websocket.CloseGoingAway, "relay shutting down")
		c.conn.Close()
	}
}

func (c *client) write(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

func writeClose(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// rateLimiter is a token bucket with capacity equal to one second's worth of
// messages. It is only touched from the owning read loop, so no locking.
type rateLimiter struct {
	rate     float64
	capacity float64
	tokens   float64
	last     time.Time
}

func newRateLimiter(messagesPerSecond int) *rateLimiter {
	rate := float64(messagesPerSecond)
	return &rateLimiter{
		rate:     rate,
		capacity: rate,
		tokens:   rate,
		last:     time.Now(),
	}
}

func (rl *rateLimiter) Allow(now time.Time) bool {
	elapsed := now.Sub(rl.last).Seconds()
	rl.tokens += elapsed * rl.rate
	if rl.tokens > rl.capacity {
		rl.tokens = rl.capacity
	}
	rl.last = now

	if rl.tokens < 1 {
		return false
	}
	rl.tokens--
	return true
}
