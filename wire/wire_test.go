package wire

import (
	"encoding/json"
	"testing"
)

func TestEnvelope_MarshalParseConnect(t *testing.T) {
	env := Envelope{
		ID:   "tx-1",
		Type: MessageTypeConnect,
		From: "peer1",
		To:   "peer2",
		Offer: &SessionDescription{
			Type: "offer",
			SDP:  "v=0",
		},
	}

	b, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	got, err := Parse(b)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got.Type != MessageTypeConnect || got.From != "peer1" || got.To != "peer2" {
		t.Fatalf("unexpected decoded connect: %#v", got)
	}
	if got.Offer == nil || got.Offer.Type != "offer" || got.Offer.SDP != "v=0" {
		t.Fatalf("unexpected decoded offer: %#v", got.Offer)
	}
}

func TestEnvelope_ParseResponse(t *testing.T) {
	raw := []byte(`{"id":"tx-1","response":{"answer":{"type":"answer","sdp":"v=0"}}}`)

	got, err := Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !got.IsResponse() {
		t.Fatalf("expected response envelope: %#v", got)
	}

	var resp ConnectResponse
	if err := json.Unmarshal(got.Response, &resp); err != nil {
		t.Fatalf("unmarshal response payload: %v", err)
	}
	if resp.Answer.Type != "answer" || resp.Answer.SDP != "v=0" {
		t.Fatalf("unexpected answer: %#v", resp.Answer)
	}
}

func TestEnvelope_ParseErrorResponse(t *testing.T) {
	raw := []byte(`{"id":"tx-1","error":"unknown message type \"connect\""}`)

	got, err := Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !got.IsResponse() || got.Error == "" {
		t.Fatalf("expected error response: %#v", got)
	}
}

func TestEnvelope_DisallowUnknownFields(t *testing.T) {
	raw := []byte(`{"type":"announce","from":"peer1","unexpected":true}`)
	if _, err := Parse(raw); err == nil {
		t.Fatalf("expected error")
	}
}

func TestEnvelope_RejectsTrailingData(t *testing.T) {
	raw := []byte(`{"type":"announce","from":"peer1"}{"type":"announce","from":"peer2"}`)
	if _, err := Parse(raw); err == nil {
		t.Fatalf("expected error")
	}
}

func TestEnvelope_ValidateRejects(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"unsupported type", `{"type":"candidate","from":"peer1"}`},
		{"connect without id", `{"type":"connect","from":"a","to":"b","offer":{"type":"offer","sdp":"v=0"}}`},
		{"connect without offer", `{"id":"x","type":"connect","from":"a","to":"b"}`},
		{"connect with answer sdp", `{"id":"x","type":"connect","from":"a","to":"b","offer":{"type":"answer","sdp":"v=0"}}`},
		{"announce without from", `{"type":"announce"}`},
		{"announce with id", `{"id":"x","type":"announce","from":"a"}`},
		{"response with both outcomes", `{"id":"x","response":{},"error":"boom"}`},
		{"missing type", `{"from":"a"}`},
	}
	for _, tc := range cases {
		if _, err := Parse([]byte(tc.raw)); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}

func TestSessionDescription_ToPion(t *testing.T) {
	if _, err := (SessionDescription{Type: "offer", SDP: "v=0"}).ToPion(); err != nil {
		t.Fatalf("offer: %v", err)
	}
	if _, err := (SessionDescription{Type: "answer", SDP: "v=0"}).ToPion(); err != nil {
		t.Fatalf("answer: %v", err)
	}
	if _, err := (SessionDescription{Type: "rollback"}).ToPion(); err == nil {
		t.Fatalf("expected error for unsupported sdp type")
	}
}
