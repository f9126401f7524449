package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/peerlink/peerlink/wire"
)

// captureTransport records outbound messages for inspection.
type captureTransport struct {
	mu   sync.Mutex
	sent [][]byte
	ch   chan []byte
}

func newCaptureTransport() *captureTransport {
	return &captureTransport{ch: make(chan []byte, 16)}
}

func (t *captureTransport) Send(data []byte) error {
	t.mu.Lock()
	t.sent = append(t.sent, append([]byte(nil), data...))
	t.mu.Unlock()
	t.ch <- append([]byte(nil), data...)
	return nil
}

func (t *captureTransport) next(tb testing.TB) wire.Envelope {
	tb.Helper()
	select {
	case data := <-t.ch:
		env, err := wire.Parse(data)
		if err != nil {
			tb.Fatalf("parse sent envelope: %v", err)
		}
		return env
	case <-time.After(2 * time.Second):
		tb.Fatalf("timed out waiting for outbound envelope")
		return wire.Envelope{}
	}
}

func connectRequest(from, to string) wire.Envelope {
	return wire.Envelope{
		Type:  wire.MessageTypeConnect,
		From:  from,
		To:    to,
		Offer: &wire.SessionDescription{Type: "offer", SDP: "v=0"},
	}
}

func TestChannel_ConcurrentRequestsResolveByCorrelationID(t *testing.T) {
	transport := newCaptureTransport()
	ch := New(transport, nil)

	const n = 8
	type result struct {
		idx  int
		resp json.RawMessage
		err  error
	}
	results := make(chan result, n)

	for i := 0; i < n; i++ {
		go func(i int) {
			resp, err := ch.Request(context.Background(), connectRequest(fmt.Sprintf("peer%d", i), "remote"))
			results <- result{idx: i, resp: resp, err: err}
		}(i)
	}

	// Collect the outbound requests, then answer them in reverse order so
	// settlement is exercised out of order.
	byFrom := make(map[string]string, n)
	var ids []string
	for i := 0; i < n; i++ {
		env := transport.next(t)
		byFrom[env.ID] = env.From
		ids = append(ids, env.ID)
	}
	for i := len(ids) - 1; i >= 0; i-- {
		id := ids[i]
		payload := fmt.Sprintf(`{"id":%q,"response":{"echo":%q}}`, id, byFrom[id])
		ch.HandleInbound([]byte(payload))
	}

	for i := 0; i < n; i++ {
		r := <-results
		if r.err != nil {
			t.Fatalf("request %d failed: %v", r.idx, r.err)
		}
		var got struct {
			Echo string `json:"echo"`
		}
		if err := json.Unmarshal(r.resp, &got); err != nil {
			t.Fatalf("unmarshal response %d: %v", r.idx, err)
		}
		if want := fmt.Sprintf("peer%d", r.idx); got.Echo != want {
			t.Fatalf("request %d got response for %q", r.idx, got.Echo)
		}
	}
}

func TestChannel_CloseFailsAllPendingTransactions(t *testing.T) {
	transport := newCaptureTransport()
	ch := New(transport, nil)

	const n = 3
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			_, err := ch.Request(context.Background(), connectRequest(fmt.Sprintf("peer%d", i), "remote"))
			errs <- err
		}(i)
	}
	var ids []string
	for i := 0; i < n; i++ {
		ids = append(ids, transport.next(t).ID)
	}

	ch.Close(errors.New("relay unreachable"))

	for i := 0; i < n; i++ {
		select {
		case err := <-errs:
			if err == nil {
				t.Fatalf("expected transport-closed error")
			}
			if !strings.Contains(err.Error(), fmt.Sprintf("transport closed with %d pending transactions", n)) {
				t.Fatalf("unexpected error: %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("pending request %d did not fail after close", i)
		}
	}

	// A response arriving after closure must be discarded, not delivered.
	ch.HandleInbound([]byte(fmt.Sprintf(`{"id":%q,"response":{}}`, ids[0])))
}

func TestChannel_RequestAfterCloseFails(t *testing.T) {
	ch := New(newCaptureTransport(), nil)
	ch.Close(nil)

	if _, err := ch.Request(context.Background(), connectRequest("a", "b")); err == nil {
		t.Fatalf("expected error from request on closed channel")
	}
	if err := ch.Send(wire.Envelope{Type: wire.MessageTypeAnnounce, From: "a"}); !errors.Is(err, ErrChannelClosed) {
		t.Fatalf("send after close: got %v, want ErrChannelClosed", err)
	}
}

func TestChannel_UnknownTypeYieldsFailureResponse(t *testing.T) {
	transport := newCaptureTransport()
	ch := New(transport, nil)

	ch.HandleInbound([]byte(`{"id":"tx-9","type":"connect","from":"a","to":"b","offer":{"type":"offer","sdp":"v=0"}}`))

	resp := transport.next(t)
	if resp.ID != "tx-9" {
		t.Fatalf("response id=%q, want tx-9", resp.ID)
	}
	if !strings.Contains(resp.Error, `unknown message type "connect"`) {
		t.Fatalf("unexpected response error: %q", resp.Error)
	}
}

func TestChannel_RegisteredHandlerServesRequest(t *testing.T) {
	transport := newCaptureTransport()
	ch := New(transport, nil)

	err := ch.Handle(wire.MessageTypeConnect, func(ctx context.Context, env wire.Envelope) (any, error) {
		return wire.ConnectResponse{Answer: wire.SessionDescription{Type: "answer", SDP: "v=0"}}, nil
	})
	if err != nil {
		t.Fatalf("register handler: %v", err)
	}

	ch.HandleInbound([]byte(`{"id":"tx-1","type":"connect","from":"a","to":"b","offer":{"type":"offer","sdp":"v=0"}}`))

	resp := transport.next(t)
	if resp.ID != "tx-1" || resp.Error != "" {
		t.Fatalf("unexpected response: %#v", resp)
	}
	var payload wire.ConnectResponse
	if err := json.Unmarshal(resp.Response, &payload); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if payload.Answer.Type != "answer" {
		t.Fatalf("unexpected answer: %#v", payload.Answer)
	}
}

func TestChannel_HandlerErrorBecomesResponseError(t *testing.T) {
	transport := newCaptureTransport()
	ch := New(transport, nil)

	if err := ch.Handle(wire.MessageTypeConnect, func(ctx context.Context, env wire.Envelope) (any, error) {
		return nil, errors.New("negotiation failed")
	}); err != nil {
		t.Fatalf("register handler: %v", err)
	}

	ch.HandleInbound([]byte(`{"id":"tx-2","type":"connect","from":"a","to":"b","offer":{"type":"offer","sdp":"v=0"}}`))

	resp := transport.next(t)
	if resp.Error != "negotiation failed" {
		t.Fatalf("unexpected response error: %q", resp.Error)
	}
}

func TestChannel_SlowHandlerDoesNotBlockDispatch(t *testing.T) {
	transport := newCaptureTransport()
	ch := New(transport, nil)

	release := make(chan struct{})
	if err := ch.Handle(wire.MessageTypeConnect, func(ctx context.Context, env wire.Envelope) (any, error) {
		if env.From == "slow" {
			<-release
		}
		return wire.ConnectResponse{Answer: wire.SessionDescription{Type: "answer", SDP: env.From}}, nil
	}); err != nil {
		t.Fatalf("register handler: %v", err)
	}

	ch.HandleInbound([]byte(`{"id":"tx-slow","type":"connect","from":"slow","to":"b","offer":{"type":"offer","sdp":"v=0"}}`))
	ch.HandleInbound([]byte(`{"id":"tx-fast","type":"connect","from":"fast","to":"b","offer":{"type":"offer","sdp":"v=0"}}`))

	// The fast request must complete while the slow handler is parked.
	resp := transport.next(t)
	if resp.ID != "tx-fast" {
		t.Fatalf("first response id=%q, want tx-fast", resp.ID)
	}

	close(release)
	resp = transport.next(t)
	if resp.ID != "tx-slow" {
		t.Fatalf("second response id=%q, want tx-slow", resp.ID)
	}
}

func TestChannel_RejectsUnknownHandlerType(t *testing.T) {
	ch := New(newCaptureTransport(), nil)
	if err := ch.Handle(wire.MessageType("candidate"), func(ctx context.Context, env wire.Envelope) (any, error) {
		return nil, nil
	}); err == nil {
		t.Fatalf("expected registration error for unknown type")
	}
	if err := ch.Handle(wire.MessageTypeConnect, nil); err == nil {
		t.Fatalf("expected registration error for nil handler")
	}
}

func TestChannel_RequestContextCancellation(t *testing.T) {
	transport := newCaptureTransport()
	ch := New(transport, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		_, err := ch.Request(ctx, connectRequest("a", "b"))
		errs <- err
	}()

	env := transport.next(t)
	cancel()

	select {
	case err := <-errs:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("got %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("request did not observe cancellation")
	}

	// A response after abandonment is discarded without effect.
	ch.HandleInbound([]byte(fmt.Sprintf(`{"id":%q,"response":{}}`, env.ID)))
}
