// Package channel turns a raw message transport into a transacted
// request/response channel.
//
// A Channel supports fire-and-forget sends, correlated requests that block
// until the matching response arrives, and dispatch of inbound requests to
// registered handlers. Correlation ids are UUIDs; each pending transaction
// settles exactly once, and responses for unknown or already-settled ids are
// discarded.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/peerlink/peerlink/internal/settle"
	"github.com/peerlink/peerlink/wire"
)

var (
	// ErrChannelClosed is returned by Send and Request after Close.
	ErrChannelClosed = errors.New("channel closed")

	// ErrUnknownMessageType is the failure a requester observes when the
	// remote side has no handler registered for the request's type. It is
	// carried inside the response envelope, never raised on the remote.
	ErrUnknownMessageType = errors.New("unknown message type")
)

// RequestError is a failure carried back inside a response envelope.
type RequestError struct {
	Msg string
}

func (e *RequestError) Error() string { return e.Msg }

// Transport is the minimal surface the channel needs from a message socket.
// The owner wires inbound bytes to HandleInbound and terminal closure to
// Close.
type Transport interface {
	Send(data []byte) error
}

// HandlerFunc serves one inbound request. The returned value is marshaled
// into the response envelope's `response` field; a non-nil error becomes the
// envelope's `error` string instead.
type HandlerFunc func(ctx context.Context, env wire.Envelope) (any, error)

// Channel multiplexes independent transactions over a single transport.
type Channel struct {
	transport Transport
	logger    *slog.Logger

	mu       sync.Mutex
	pending  map[string]*settle.Cell[json.RawMessage]
	handlers map[wire.MessageType]HandlerFunc
	closed   bool
	closeErr error

	ctx    context.Context
	cancel context.CancelFunc
}

// New wraps transport. The owner must feed received messages to
// HandleInbound and call Close when the transport is terminally gone.
func New(transport Transport, logger *slog.Logger) *Channel {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Channel{
		transport: transport,
		logger:    logger,
		pending:   make(map[string]*settle.Cell[json.RawMessage]),
		handlers:  make(map[wire.MessageType]HandlerFunc),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Handle registers the handler for inbound requests of type t. The type must
// belong to the known signaling set; re-registration replaces the previous
// handler.
func (c *Channel) Handle(t wire.MessageType, h HandlerFunc) error {
	if !wire.KnownType(t) {
		return fmt.Errorf("register handler: unsupported message type %q", t)
	}
	if h == nil {
		return fmt.Errorf("register handler: nil handler for %q", t)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[t] = h
	return nil
}

// Send forwards env immediately with no acknowledgment.
func (c *Channel) Send(env wire.Envelope) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrChannelClosed
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	return c.transport.Send(data)
}

// Request assigns a fresh correlation id to env, forwards it, and blocks
// until the matching response arrives, the channel closes, or ctx is done.
// A response-level failure is returned as *RequestError.
func (c *Channel) Request(ctx context.Context, env wire.Envelope) (json.RawMessage, error) {
	id := uuid.NewString()
	env.ID = id
	cell := settle.New[json.RawMessage]()

	c.mu.Lock()
	if c.closed {
		err := c.closeErr
		c.mu.Unlock()
		if err == nil {
			err = ErrChannelClosed
		}
		return nil, err
	}
	c.pending[id] = cell
	c.mu.Unlock()

	data, err := json.Marshal(env)
	if err != nil {
		c.removePending(id)
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	if err := c.transport.Send(data); err != nil {
		c.removePending(id)
		return nil, fmt.Errorf("send request: %w", err)
	}

	result, err := cell.Wait(ctx)
	if err != nil && errors.Is(err, ctx.Err()) {
		// Abandoned by the caller; a late response must find no transaction.
		c.removePending(id)
	}
	return result, err
}

func (c *Channel) removePending(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// HandleInbound dispatches one received message. Responses settle their
// pending transaction; requests run their handler on a dedicated goroutine so
// slow handlers never block receipt of subsequent messages.
func (c *Channel) HandleInbound(data []byte) {
	env, err := wire.Parse(data)
	if err != nil {
		c.logger.Warn("dropping malformed envelope", "err", err)
		return
	}

	if env.IsResponse() {
		c.settleResponse(env)
		return
	}

	c.mu.Lock()
	h, ok := c.handlers[env.Type]
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}

	if !ok {
		// Events without a handler are dropped; requests get a failure
		// response so the remote caller is not left hanging.
		if env.ID == "" {
			c.logger.Debug("dropping unhandled event", "type", env.Type)
			return
		}
		c.respond(env.ID, nil, fmt.Errorf("%w %q", ErrUnknownMessageType, env.Type))
		return
	}

	if env.ID == "" {
		go func() {
			if _, err := h(c.ctx, env); err != nil {
				c.logger.Warn("event handler failed", "type", env.Type, "err", err)
			}
		}()
		return
	}

	go func() {
		result, err := h(c.ctx, env)
		c.respond(env.ID, result, err)
	}()
}

func (c *Channel) settleResponse(env wire.Envelope) {
	c.mu.Lock()
	cell, ok := c.pending[env.ID]
	if ok {
		delete(c.pending, env.ID)
	}
	c.mu.Unlock()
	if !ok {
		// Late or duplicate response for a settled transaction.
		c.logger.Debug("discarding response for unknown transaction", "id", env.ID)
		return
	}

	if env.Error != "" {
		cell.Reject(&RequestError{Msg: env.Error})
		return
	}
	cell.Resolve(env.Response)
}

func (c *Channel) respond(id string, result any, err error) {
	resp := wire.Envelope{ID: id}
	if err != nil {
		resp.Error = err.Error()
	} else {
		payload, merr := json.Marshal(result)
		if merr != nil {
			resp.Error = fmt.Sprintf("marshal response: %v", merr)
		} else {
			resp.Response = payload
		}
	}

	data, merr := json.Marshal(resp)
	if merr != nil {
		c.logger.Error("failed to encode response envelope", "id", id, "err", merr)
		return
	}
	if serr := c.transport.Send(data); serr != nil {
		c.logger.Warn("failed to send response", "id", id, "err", serr)
	}
}

// Close fails every pending transaction. The reported error names how many
// transactions were in flight so stalled callers are diagnosable.
func (c *Channel) Close(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	pending := c.pending
	c.pending = make(map[string]*settle.Cell[json.RawMessage])

	err := fmt.Errorf("transport closed with %d pending transactions", len(pending))
	if cause != nil {
		err = fmt.Errorf("transport closed with %d pending transactions: %w", len(pending), cause)
	}
	c.closeErr = err
	c.mu.Unlock()

	c.cancel()
	for _, cell := range pending {
		cell.Reject(err)
	}
}
