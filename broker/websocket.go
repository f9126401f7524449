package broker

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsDialTimeout    = 10 * time.Second
	wsWriteWait      = 5 * time.Second
	wsInitialBackoff = 500 * time.Millisecond
	wsMaxBackoff     = 30 * time.Second
)

var errTransportNotConnected = errors.New("relay transport not connected")

// transportCallbacks receive transport lifecycle and inbound-message events.
// onOpen fires on every successful (re)connect, onError on dial failures and
// mid-session disconnects, onClose exactly once when the transport is
// terminally released.
type transportCallbacks struct {
	onOpen    func()
	onMessage func(data []byte)
	onError   func(err error)
	onClose   func(err error)
}

// relayTransport is the resilient message socket the broker owns. The
// production implementation is a reconnecting websocket client.
type relayTransport interface {
	Start()
	Send(data []byte) error
	Close() error
}

type transportFactory func(relayURL string, cb transportCallbacks, pingInterval time.Duration, logger *slog.Logger) relayTransport

// wsTransport maintains one websocket connection to the relay, redialing
// with exponential backoff whenever the connection drops. Reconnection is
// opaque to the channel layered on top: disconnects surface as error events,
// not closure.
type wsTransport struct {
	url          string
	cb           transportCallbacks
	pingInterval time.Duration
	logger       *slog.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
	done   chan struct{}
}

func newWSTransport(relayURL string, cb transportCallbacks, pingInterval time.Duration, logger *slog.Logger) relayTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &wsTransport{
		url:          relayURL,
		cb:           cb,
		pingInterval: pingInterval,
		logger:       logger,
		done:         make(chan struct{}),
	}
}

func (t *wsTransport) Start() {
	go t.run()
}

func (t *wsTransport) run() {
	defer t.cb.onClose(nil)

	backoff := wsInitialBackoff
	for {
		if t.isClosed() {
			return
		}

		dialer := websocket.Dialer{HandshakeTimeout: wsDialTimeout}
		conn, resp, err := dialer.Dial(t.url, nil)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			t.cb.onError(fmt.Errorf("dial relay: %w", err))
			select {
			case <-t.done:
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > wsMaxBackoff {
				backoff = wsMaxBackoff
			}
			continue
		}
		backoff = wsInitialBackoff

		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			_ = conn.Close()
			return
		}
		t.conn = conn
		t.mu.Unlock()

		t.cb.onOpen()

		stopPing := t.startKeepalive(conn)
		readErr := t.readLoop(conn)
		stopPing()

		t.mu.Lock()
		if t.conn == conn {
			t.conn = nil
		}
		closed := t.closed
		t.mu.Unlock()
		_ = conn.Close()

		if closed {
			return
		}
		t.cb.onError(fmt.Errorf("relay connection lost: %w", readErr))
	}
}

func (t *wsTransport) readLoop(conn *websocket.Conn) error {
	t.refreshReadDeadline(conn)
	conn.SetPongHandler(func(string) error {
		t.refreshReadDeadline(conn)
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		t.refreshReadDeadline(conn)
		if msgType != websocket.TextMessage {
			continue
		}
		t.cb.onMessage(data)
	}
}

func (t *wsTransport) refreshReadDeadline(conn *websocket.Conn) {
	if t.pingInterval <= 0 {
		return
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * t.pingInterval))
}

func (t *wsTransport) startKeepalive(conn *websocket.Conn) (stop func()) {
	if t.pingInterval <= 0 {
		return func() {}
	}
	stopCh := make(chan struct{})
	go func() {
		ticker := time.NewTicker(t.pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stopCh:
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
					return
				}
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(stopCh) }) }
}

func (t *wsTransport) Send(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errTransportNotConnected
	}
	if t.conn == nil {
		return errTransportNotConnected
	}
	_ = t.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *wsTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conn := t.conn
	t.conn = nil
	close(t.done)
	t.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}
