package broker_test

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/pion/transport/v4/vnet"
	"github.com/pion/webrtc/v4"

	"github.com/peerlink/peerlink/broker"
	"github.com/peerlink/peerlink/internal/metrics"
	"github.com/peerlink/peerlink/internal/relay"
)

// TestBrokers_EndToEnd drives two brokers through a real relay and a real
// WebRTC handshake on a virtual network: announce, connect, offer/answer over
// the relay, then payloads in both directions over the data channel.
func TestBrokers_EndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping end-to-end handshake in -short mode")
	}

	const (
		cidr = "10.0.0.0/24"
		ipA  = "10.0.0.1"
		ipB  = "10.0.0.2"
	)

	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          cidr,
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	t.Cleanup(func() { _ = router.Stop() })

	netA, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{ipA}})
	if err != nil {
		t.Fatalf("new net A: %v", err)
	}
	netB, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{ipB}})
	if err != nil {
		t.Fatalf("new net B: %v", err)
	}
	if err := router.AddNet(netA); err != nil {
		t.Fatalf("add net A: %v", err)
	}
	if err := router.AddNet(netB); err != nil {
		t.Fatalf("add net B: %v", err)
	}
	if err := router.Start(); err != nil {
		t.Fatalf("start router: %v", err)
	}

	hub := relay.NewServer(relay.Config{}, nil, metrics.New())
	ts := httptest.NewServer(hub)
	t.Cleanup(func() {
		hub.Close()
		ts.Close()
	})
	relayURL := "ws" + strings.TrimPrefix(ts.URL, "http")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	alice, err := broker.New(relayURL,
		broker.WithIdentity("alice"),
		broker.WithWebRTCAPI(newVNetAPI(netA)),
		broker.WithICEServers([]webrtc.ICEServer{}),
	)
	if err != nil {
		t.Fatalf("new broker alice: %v", err)
	}
	t.Cleanup(func() { _ = alice.Close() })

	bob, err := broker.New(relayURL,
		broker.WithIdentity("bob"),
		broker.WithWebRTCAPI(newVNetAPI(netB)),
		broker.WithICEServers([]webrtc.ICEServer{}),
	)
	if err != nil {
		t.Fatalf("new broker bob: %v", err)
	}
	t.Cleanup(func() { _ = bob.Close() })

	if err := alice.Ready(ctx); err != nil {
		t.Fatalf("alice ready: %v", err)
	}
	if err := bob.Ready(ctx); err != nil {
		t.Fatalf("bob ready: %v", err)
	}

	inbound := make(chan *broker.Connection, 1)
	bob.OnConnection(func(conn *broker.Connection) {
		select {
		case inbound <- conn:
		default:
		}
	})

	fromBob := make(chan []byte, 1)
	toAlice := make(chan []byte, 1)

	outbound := alice.Connect("alice", "bob")
	outbound.OnMessage(func(data []byte) {
		select {
		case fromBob <- data:
		default:
		}
	})

	if err := outbound.Ready(ctx); err != nil {
		t.Fatalf("outbound ready: %v", err)
	}

	var accepted *broker.Connection
	select {
	case accepted = <-inbound:
	case <-ctx.Done():
		t.Fatal("timed out waiting for inbound connection")
	}
	if accepted.Peer() != "alice" {
		t.Fatalf("inbound peer=%q, want alice", accepted.Peer())
	}
	accepted.OnMessage(func(data []byte) {
		select {
		case toAlice <- data:
		default:
		}
	})
	if err := accepted.Ready(ctx); err != nil {
		t.Fatalf("inbound ready: %v", err)
	}

	if err := outbound.Send([]byte("ping from alice")); err != nil {
		t.Fatalf("send alice->bob: %v", err)
	}
	select {
	case got := <-toAlice:
		if string(got) != "ping from alice" {
			t.Fatalf("bob received %q", got)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for alice's payload")
	}

	if err := accepted.Send([]byte("pong from bob")); err != nil {
		t.Fatalf("send bob->alice: %v", err)
	}
	select {
	case got := <-fromBob:
		if string(got) != "pong from bob" {
			t.Fatalf("alice received %q", got)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for bob's payload")
	}

	// Signaling stops mattering once the data channel is up.
	_ = alice.Close()
	if err := accepted.Send([]byte("still here")); err != nil {
		t.Fatalf("send after broker close: %v", err)
	}
	select {
	case got := <-fromBob:
		if string(got) != "still here" {
			t.Fatalf("alice received %q", got)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for post-close payload")
	}
}

func newVNetAPI(n *vnet.Net) *webrtc.API {
	se := webrtc.SettingEngine{}
	se.SetNet(n)
	return webrtc.NewAPI(webrtc.WithSettingEngine(se))
}
