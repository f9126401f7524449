package broker

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/peerlink/peerlink/wire"
)

// dataChannelLabel is the single DataChannel carrying application payloads
// on every peer connection.
const dataChannelLabel = "data"

// DefaultICEServers is used when the caller configures none.
var DefaultICEServers = []webrtc.ICEServer{
	{URLs: []string{"stun:stun.l.google.com:19302"}},
}

// PeerTransport is the peer-connection capability the broker drives through
// the offer/answer handshake. The production implementation wraps a pion
// PeerConnection; tests substitute fakes.
//
// Register all callbacks before calling Start. Start is a no-op for
// responders, which produce their answer when Signal delivers the offer.
type PeerTransport interface {
	Start()
	Signal(desc wire.SessionDescription) error
	Send(data []byte) error
	Close() error

	OnSignal(fn func(wire.SessionDescription))
	OnConnect(fn func())
	OnError(fn func(error))
	OnClose(fn func())
	OnMessage(fn func(data []byte))
}

// peerFactory constructs one capability per handshake.
type peerFactory func(initiator bool) (PeerTransport, error)

var errDataChannelNotOpen = errors.New("data channel not open")

// pionPeer adapts a pion PeerConnection to PeerTransport with trickle
// disabled: the complete local description is emitted only after candidate
// gathering finishes, so one signal in each direction completes negotiation.
type pionPeer struct {
	pc        *webrtc.PeerConnection
	initiator bool
	logger    *slog.Logger

	signals  emitter[wire.SessionDescription]
	connects emitter[struct{}]
	errs     emitter[error]
	closes   emitter[struct{}]
	messages emitter[[]byte]

	mu        sync.Mutex
	dc        *webrtc.DataChannel
	dcOpen    bool
	closeOnce sync.Once
}

func newPionPeer(api *webrtc.API, iceServers []webrtc.ICEServer, initiator bool, logger *slog.Logger) (*pionPeer, error) {
	if api == nil {
		api = webrtc.NewAPI()
	}
	if iceServers == nil {
		iceServers = DefaultICEServers
	}
	if logger == nil {
		logger = slog.Default()
	}

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	p := &pionPeer{
		pc:        pc,
		initiator: initiator,
		logger:    logger,
	}

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateFailed:
			p.errs.emit(errors.New("peer connection failed"))
		case webrtc.PeerConnectionStateClosed:
			p.closes.emit(struct{}{})
		}
	})

	if initiator {
		dc, err := pc.CreateDataChannel(dataChannelLabel, nil)
		if err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("create data channel: %w", err)
		}
		p.bindDataChannel(dc)
	} else {
		pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			if dc.Label() != dataChannelLabel {
				_ = dc.Close()
				return
			}
			p.bindDataChannel(dc)
		})
	}

	return p, nil
}

func (p *pionPeer) bindDataChannel(dc *webrtc.DataChannel) {
	p.mu.Lock()
	p.dc = dc
	p.mu.Unlock()

	dc.OnOpen(func() {
		p.mu.Lock()
		p.dcOpen = true
		p.mu.Unlock()
		p.connects.emit(struct{}{})
	})
	dc.OnClose(func() {
		p.mu.Lock()
		p.dcOpen = false
		p.mu.Unlock()
		p.closes.emit(struct{}{})
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		// Copy because pion reuses internal buffers.
		data := append([]byte(nil), msg.Data...)
		p.messages.emit(data)
	})
}

// Start kicks off offer production on the initiator side.
func (p *pionPeer) Start() {
	if !p.initiator {
		return
	}
	go func() {
		if err := p.produceOffer(); err != nil {
			p.errs.emit(err)
		}
	}()
}

func (p *pionPeer) produceOffer() error {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local offer: %w", err)
	}
	<-gathered

	local := p.pc.LocalDescription()
	if local == nil {
		return errors.New("missing local description after gathering")
	}
	p.signals.emit(wire.SessionDescriptionFromPion(*local))
	return nil
}

// Signal feeds a remote description into the connection. On the responder it
// also produces and emits the complete answer.
func (p *pionPeer) Signal(desc wire.SessionDescription) error {
	remote, err := desc.ToPion()
	if err != nil {
		return err
	}

	if p.initiator {
		if remote.Type != webrtc.SDPTypeAnswer {
			return fmt.Errorf("initiator expects an answer, got %q", desc.Type)
		}
		if err := p.pc.SetRemoteDescription(remote); err != nil {
			return fmt.Errorf("set remote answer: %w", err)
		}
		return nil
	}

	if remote.Type != webrtc.SDPTypeOffer {
		return fmt.Errorf("responder expects an offer, got %q", desc.Type)
	}
	if err := p.pc.SetRemoteDescription(remote); err != nil {
		return fmt.Errorf("set remote offer: %w", err)
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local answer: %w", err)
	}
	<-gathered

	local := p.pc.LocalDescription()
	if local == nil {
		return errors.New("missing local description after gathering")
	}
	p.signals.emit(wire.SessionDescriptionFromPion(*local))
	return nil
}

func (p *pionPeer) Send(data []byte) error {
	p.mu.Lock()
	dc, open := p.dc, p.dcOpen
	p.mu.Unlock()
	if dc == nil || !open {
		return errDataChannelNotOpen
	}
	return dc.Send(data)
}

func (p *pionPeer) Close() error {
	var err error
	p.closeOnce.Do(func() {
		err = p.pc.Close()
	})
	return err
}

func (p *pionPeer) OnSignal(fn func(wire.SessionDescription)) { p.signals.on(fn) }
func (p *pionPeer) OnConnect(fn func())                       { p.connects.on(func(struct{}) { fn() }) }
func (p *pionPeer) OnError(fn func(error))                    { p.errs.on(fn) }
func (p *pionPeer) OnClose(fn func())                         { p.closes.on(func(struct{}) { fn() }) }
func (p *pionPeer) OnMessage(fn func([]byte))                 { p.messages.on(fn) }
