// Package wire defines the JSON envelope format exchanged over the relay
// channel.
//
// Every message on the relay is a single Envelope. Requests carry a
// correlation id, a message type, and type-specific fields; responses carry
// the originating id plus either a response payload or an error string;
// fire-and-forget events carry a type and no id.
package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/pion/webrtc/v4"
)

type MessageType string

const (
	// MessageTypeConnect asks the remote peer to accept a direct connection.
	// It is a correlated request: `{id, type:"connect", from, to, offer}`,
	// answered with `{id, response:{answer}}` or `{id, error}`.
	MessageTypeConnect MessageType = "connect"

	// MessageTypeAnnounce registers the sender's identity with the relay so
	// that later connect requests can be routed to it. Fire-and-forget:
	// `{type:"announce", from}`.
	MessageTypeAnnounce MessageType = "announce"
)

// KnownType reports whether t belongs to the closed set of signaling message
// types. Handler registration rejects anything else.
func KnownType(t MessageType) bool {
	switch t {
	case MessageTypeConnect, MessageTypeAnnounce:
		return true
	}
	return false
}

// SessionDescription is the negotiation blob produced and consumed by the
// peer-connection layer. The broker only looks at Type to route it.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func SessionDescriptionFromPion(desc webrtc.SessionDescription) SessionDescription {
	return SessionDescription{
		Type: desc.Type.String(),
		SDP:  desc.SDP,
	}
}

func (s SessionDescription) ToPion() (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch s.Type {
	case "offer":
		t = webrtc.SDPTypeOffer
	case "answer":
		t = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("unsupported sdp type %q", s.Type)
	}
	return webrtc.SessionDescription{Type: t, SDP: s.SDP}, nil
}

// Envelope is the transaction unit carried over the relay channel.
type Envelope struct {
	ID   string      `json:"id,omitempty"`
	Type MessageType `json:"type,omitempty"`

	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`

	Offer  *SessionDescription `json:"offer,omitempty"`
	Answer *SessionDescription `json:"answer,omitempty"`

	Response json.RawMessage `json:"response,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// IsResponse reports whether the envelope settles an earlier request.
// Responses carry no type; they are recognized by id + response/error.
func (e Envelope) IsResponse() bool {
	return e.Type == "" && e.ID != "" && (e.Response != nil || e.Error != "")
}

// ConnectResponse is the response payload of a successful connect request.
type ConnectResponse struct {
	Answer SessionDescription `json:"answer"`
}

// Parse decodes a single envelope, rejecting unknown fields and trailing
// data.
func Parse(data []byte) (Envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var env Envelope
	if err := dec.Decode(&env); err != nil {
		return Envelope{}, err
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Envelope{}, fmt.Errorf("unexpected trailing data")
	}
	return env, nil
}

func (e Envelope) Validate() error {
	if e.IsResponse() {
		if e.Response != nil && e.Error != "" {
			return fmt.Errorf("response envelope carries both response and error")
		}
		if e.Type != "" || e.From != "" || e.To != "" || e.Offer != nil {
			return fmt.Errorf("response envelope has unexpected fields")
		}
		return nil
	}

	switch e.Type {
	case MessageTypeConnect:
		if e.ID == "" {
			return fmt.Errorf("connect message missing id")
		}
		if e.From == "" || e.To == "" {
			return fmt.Errorf("connect message missing from/to")
		}
		if e.Offer == nil {
			return fmt.Errorf("connect message missing offer")
		}
		if e.Offer.Type != "offer" {
			return fmt.Errorf("connect message has offer.type=%q", e.Offer.Type)
		}
		if e.Answer != nil || e.Response != nil || e.Error != "" {
			return fmt.Errorf("connect message has unexpected fields")
		}
	case MessageTypeAnnounce:
		if e.From == "" {
			return fmt.Errorf("announce message missing from")
		}
		if e.ID != "" || e.To != "" || e.Offer != nil || e.Answer != nil || e.Response != nil || e.Error != "" {
			return fmt.Errorf("announce message has unexpected fields")
		}
	case "":
		return fmt.Errorf("envelope missing type")
	default:
		return fmt.Errorf("unsupported message type %q", e.Type)
	}
	return nil
}
