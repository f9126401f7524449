// Package broker implements the signaling broker: it owns one resilient
// websocket connection to a relay, layers a transacted request/response
// channel on top of it, and drives the offer/answer handshake that upgrades
// relay-mediated signaling into direct peer connections.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/peerlink/peerlink/channel"
	"github.com/peerlink/peerlink/internal/settle"
	"github.com/peerlink/peerlink/wire"
)

// ErrBrokerClosed is returned by Connect after Close.
var ErrBrokerClosed = errors.New("broker closed")

// DefaultPingInterval is the relay keepalive interval when none is
// configured.
const DefaultPingInterval = 20 * time.Second

type brokerState int

const (
	stateConnecting brokerState = iota
	stateOpen
	stateClosed
)

// Option configures a Broker.
type Option func(*options)

type options struct {
	identity         string
	iceServers       []webrtc.ICEServer
	api              *webrtc.API
	handshakeTimeout time.Duration
	pingInterval     time.Duration
	logger           *slog.Logger

	newTransport transportFactory
	newPeer      peerFactory
}

// WithIdentity announces id to the relay on every (re)connect, making this
// endpoint reachable for inbound connect requests before it has initiated
// anything itself.
func WithIdentity(id string) Option {
	return func(o *options) { o.identity = id }
}

// WithICEServers overrides the default public STUN servers used for peer
// negotiation. An empty non-nil slice disables ICE servers entirely, which is
// useful on networks where host candidates suffice.
func WithICEServers(servers []webrtc.ICEServer) Option {
	return func(o *options) { o.iceServers = servers }
}

// WithWebRTCAPI supplies a pre-built pion API, e.g. one with a SettingEngine
// restricted to a test virtual network.
func WithWebRTCAPI(api *webrtc.API) Option {
	return func(o *options) { o.api = api }
}

// WithHandshakeTimeout bounds each outbound handshake. Zero (the default)
// means a stalled handshake waits until the relay or capability errors.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(o *options) { o.handshakeTimeout = d }
}

// WithPingInterval sets the relay keepalive interval. Zero disables
// keepalive pings and read deadlines.
func WithPingInterval(d time.Duration) Option {
	return func(o *options) { o.pingInterval = d }
}

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

func withTransportFactory(f transportFactory) Option {
	return func(o *options) { o.newTransport = f }
}

func withPeerFactory(f peerFactory) Option {
	return func(o *options) { o.newPeer = f }
}

// Broker maintains the relay session and produces Connections.
type Broker struct {
	opts   options
	logger *slog.Logger

	transport relayTransport
	channel   *channel.Channel

	ready *settle.Cell[struct{}]

	opens       emitter[struct{}]
	closeEvents emitter[struct{}]
	errs        emitter[error]
	connections emitter[*Connection]

	mu    sync.Mutex
	state brokerState
}

// New dials relayURL (ws:// or wss://) in the background and returns
// immediately. Use Ready to wait for the relay session to open.
func New(relayURL string, opts ...Option) (*Broker, error) {
	u, err := url.Parse(relayURL)
	if err != nil {
		return nil, fmt.Errorf("parse relay url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("relay url scheme must be ws or wss, got %q", u.Scheme)
	}

	o := options{pingInterval: DefaultPingInterval}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.newTransport == nil {
		o.newTransport = newWSTransport
	}

	b := &Broker{
		opts:   o,
		logger: o.logger,
		ready:  settle.New[struct{}](),
		state:  stateConnecting,
	}
	if o.newPeer == nil {
		b.opts.newPeer = b.newPionPeer
	}

	b.transport = o.newTransport(relayURL, transportCallbacks{
		onOpen:    b.handleOpen,
		onMessage: b.handleMessage,
		onError:   b.handleError,
		onClose:   b.handleClose,
	}, o.pingInterval, o.logger)

	b.channel = channel.New(b.transport, o.logger)
	if err := b.channel.Handle(wire.MessageTypeConnect, b.acceptConnection); err != nil {
		return nil, err
	}

	b.transport.Start()
	return b, nil
}

func (b *Broker) newPionPeer(initiator bool) (PeerTransport, error) {
	return newPionPeer(b.opts.api, b.opts.iceServers, initiator, b.logger)
}

func (b *Broker) handleOpen() {
	b.mu.Lock()
	if b.state == stateConnecting {
		b.state = stateOpen
	}
	b.mu.Unlock()

	if b.opts.identity != "" {
		err := b.channel.Send(wire.Envelope{
			Type: wire.MessageTypeAnnounce,
			From: b.opts.identity,
		})
		if err != nil {
			b.logger.Warn("failed to announce identity", "identity", b.opts.identity, "err", err)
		}
	}

	b.ready.Resolve(struct{}{})
	b.opens.emit(struct{}{})
}

func (b *Broker) handleMessage(data []byte) {
	b.channel.HandleInbound(data)
}

func (b *Broker) handleError(err error) {
	// An error before the first open fails the broker's readiness; once the
	// session has been open, reconnects are the transport's business and the
	// error is informational.
	b.ready.Reject(err)
	b.errs.emit(err)
}

func (b *Broker) handleClose(err error) {
	b.mu.Lock()
	b.state = stateClosed
	b.mu.Unlock()

	b.channel.Close(err)
	b.ready.Reject(ErrBrokerClosed)
	b.closeEvents.emit(struct{}{})
}

// Ready blocks until the relay session opens, the first connection attempt
// fails, or ctx is done.
func (b *Broker) Ready(ctx context.Context) error {
	_, err := b.ready.Wait(ctx)
	return err
}

// OnOpen registers a listener for relay session opens, including reconnects.
func (b *Broker) OnOpen(fn func()) { b.opens.on(func(struct{}) { fn() }) }

// OnClose registers a listener invoked when the broker is closed.
func (b *Broker) OnClose(fn func()) { b.closeEvents.on(func(struct{}) { fn() }) }

// OnError registers a listener for transport errors. These are never fatal:
// the transport keeps reconnecting until Close.
func (b *Broker) OnError(fn func(err error)) { b.errs.on(fn) }

// OnConnection registers a listener for inbound connections. The emitted
// Connection is still connecting; observers must wait on its readiness.
func (b *Broker) OnConnection(fn func(conn *Connection)) { b.connections.on(fn) }

// Connect initiates a direct connection from identity `from` to the peer
// registered with the relay as `to`. The returned Connection is immediately
// usable for registering listeners; its readiness settles when the handshake
// completes or fails. Concurrent calls for the same pair are not
// deduplicated.
func (b *Broker) Connect(from, to string) *Connection {
	conn := newConnection(to, b.logger)

	b.mu.Lock()
	closed := b.state == stateClosed
	b.mu.Unlock()
	if closed {
		conn.fail(ErrBrokerClosed)
		return conn
	}

	peer, err := b.opts.newPeer(true)
	if err != nil {
		conn.fail(fmt.Errorf("create peer: %w", err))
		return conn
	}
	conn.attach(peer)

	offer := settle.New[wire.SessionDescription]()
	peer.OnSignal(func(desc wire.SessionDescription) {
		if desc.Type == "offer" {
			offer.Resolve(desc)
		}
	})
	peer.OnError(func(err error) {
		offer.Reject(err)
	})
	peer.Start()

	go b.runHandshake(conn, peer, offer, from, to)
	return conn
}

func (b *Broker) runHandshake(conn *Connection, peer PeerTransport, offer *settle.Cell[wire.SessionDescription], from, to string) {
	ctx := context.Background()
	if b.opts.handshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.opts.handshakeTimeout)
		defer cancel()
	}

	desc, err := offer.Wait(ctx)
	if err != nil {
		conn.fail(fmt.Errorf("awaiting local offer: %w", err))
		return
	}

	raw, err := b.channel.Request(ctx, wire.Envelope{
		Type:  wire.MessageTypeConnect,
		From:  from,
		To:    to,
		Offer: &desc,
	})
	if err != nil {
		conn.fail(err)
		return
	}

	var resp wire.ConnectResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		conn.fail(fmt.Errorf("decode connect response: %w", err))
		return
	}
	if resp.Answer.Type != "answer" {
		conn.fail(fmt.Errorf("connect response carries sdp type %q", resp.Answer.Type))
		return
	}
	if err := peer.Signal(resp.Answer); err != nil {
		conn.fail(fmt.Errorf("apply answer: %w", err))
		return
	}
	// Readiness now settles on the capability's connect or error event,
	// whichever fires first.
}

// acceptConnection serves an inbound connect request: it emits a connecting
// Connection to observers, feeds the offer into a responder capability, and
// responds with the generated answer.
func (b *Broker) acceptConnection(ctx context.Context, env wire.Envelope) (any, error) {
	peer, err := b.opts.newPeer(false)
	if err != nil {
		return nil, fmt.Errorf("create peer: %w", err)
	}

	conn := newConnection(env.From, b.logger)
	conn.attach(peer)

	answer := settle.New[wire.SessionDescription]()
	peer.OnSignal(func(desc wire.SessionDescription) {
		if desc.Type == "answer" {
			answer.Resolve(desc)
		}
	})
	peer.OnError(func(err error) {
		answer.Reject(err)
	})
	peer.Start()

	// Observers see the connection before the answer is returned; its
	// readiness tracks the capability independently of this request.
	b.connections.emit(conn)

	if err := peer.Signal(*env.Offer); err != nil {
		conn.fail(err)
		return nil, err
	}

	desc, err := answer.Wait(ctx)
	if err != nil {
		conn.fail(err)
		return nil, err
	}
	return wire.ConnectResponse{Answer: desc}, nil
}

// Close releases the relay transport. Outstanding transactions fail;
// already-established Connections keep their own capability and are not
// touched.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.state == stateClosed {
		b.mu.Unlock()
		return nil
	}
	b.state = stateClosed
	b.mu.Unlock()

	return b.transport.Close()
}
