package broker

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/peerlink/peerlink/internal/settle"
)

var (
	// ErrNotReady is returned by Send before the connection's readiness has
	// resolved.
	ErrNotReady = errors.New("connection not ready")

	// ErrConnectionClosed is returned by Send after Close, and settles the
	// readiness of a connection whose capability closed before connecting.
	ErrConnectionClosed = errors.New("connection closed")
)

// Connection is one peer-to-peer link. It is handed out while the handshake
// is still in flight; Ready reports how the handshake settled.
//
// Readiness settles exactly once: the capability's first connect, error, or
// close event wins and every later handshake event is ignored.
type Connection struct {
	peerID string
	logger *slog.Logger

	ready *settle.Cell[struct{}]

	messages emitter[[]byte]
	errs     emitter[error]
	closes   emitter[struct{}]

	mu     sync.Mutex
	peer   PeerTransport
	closed bool
}

func newConnection(peerID string, logger *slog.Logger) *Connection {
	if logger == nil {
		logger = slog.Default()
	}
	return &Connection{
		peerID: peerID,
		logger: logger,
		ready:  settle.New[struct{}](),
	}
}

// attach wires the capability's events into the connection. Callbacks must
// be registered before the capability starts negotiating.
func (c *Connection) attach(peer PeerTransport) {
	c.mu.Lock()
	c.peer = peer
	c.mu.Unlock()

	peer.OnConnect(func() {
		if c.ready.Resolve(struct{}{}) {
			c.logger.Debug("peer connection ready", "peer", c.peerID)
		}
	})
	peer.OnError(func(err error) {
		c.ready.Reject(err)
		c.errs.emit(err)
	})
	peer.OnClose(func() {
		c.ready.Reject(ErrConnectionClosed)
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		c.closes.emit(struct{}{})
	})
	peer.OnMessage(func(data []byte) {
		c.messages.emit(data)
	})
}

// fail settles readiness with err if the handshake has not completed yet.
func (c *Connection) fail(err error) {
	c.ready.Reject(err)
}

// Peer returns the remote endpoint's identity.
func (c *Connection) Peer() string {
	return c.peerID
}

// Ready blocks until the handshake settles or ctx is done. It returns nil
// once the direct channel is usable.
func (c *Connection) Ready(ctx context.Context) error {
	_, err := c.ready.Wait(ctx)
	return err
}

// Done is closed once readiness has settled either way.
func (c *Connection) Done() <-chan struct{} {
	return c.ready.Done()
}

// Send forwards payload over the direct data channel. It fails with
// ErrNotReady until readiness resolves and with ErrConnectionClosed after
// Close.
func (c *Connection) Send(payload []byte) error {
	c.mu.Lock()
	peer, closed := c.peer, c.closed
	c.mu.Unlock()

	if closed {
		return ErrConnectionClosed
	}
	if !c.ready.Settled() {
		return ErrNotReady
	}
	if _, err := c.ready.Value(); err != nil {
		return ErrNotReady
	}
	if peer == nil {
		return ErrNotReady
	}
	return peer.Send(payload)
}

// OnMessage registers a listener for inbound application payloads.
func (c *Connection) OnMessage(fn func(data []byte)) { c.messages.on(fn) }

// OnError registers a listener for capability errors.
func (c *Connection) OnError(fn func(err error)) { c.errs.on(fn) }

// OnClose registers a listener invoked when the underlying capability
// closes.
func (c *Connection) OnClose(fn func()) { c.closes.on(func(struct{}) { fn() }) }

// Close releases the capability. Subsequent sends fail with
// ErrConnectionClosed.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	peer := c.peer
	c.mu.Unlock()

	c.ready.Reject(ErrConnectionClosed)
	if peer == nil {
		return nil
	}
	return peer.Close()
}
