package protocol

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestNewEnvelope(t *testing.T) {
	tests := []struct {
		name    string
		msgType string
		msgID   string
		payload any
	}{
		{
			name:    "offer",
			msgType: TypeOffer,
			msgID:   "test123",
			payload: Offer{Transport: "webrtc", Description: "v=0"},
		},
		{
			name:    "error",
			msgType: TypeError,
			msgID:   "test456",
			payload: Error{Code: CodePeerUnavailable, Message: "no such peer"},
		},
		{
			name:    "nil payload",
			msgType: TypeRegistered,
			msgID:   "test000",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := NewEnvelope(tt.msgType, tt.msgID, tt.payload)
			if err != nil {
				t.Fatalf("NewEnvelope() error = %v", err)
			}
			if env.V != ProtocolVersion {
				t.Errorf("NewEnvelope() V = %d, want %d", env.V, ProtocolVersion)
			}
			if env.Type != tt.msgType {
				t.Errorf("NewEnvelope() Type = %s, want %s", env.Type, tt.msgType)
			}
			if env.MsgID != tt.msgID {
				t.Errorf("NewEnvelope() MsgID = %s, want %s", env.MsgID, tt.msgID)
			}
			if tt.payload == nil && env.Payload != nil {
				t.Errorf("NewEnvelope() Payload = %s, want none", env.Payload)
			}
		})
	}
}

func TestNewEnvelopeGeneratesMsgID(t *testing.T) {
	env, err := NewEnvelope(TypeAnswer, "", Answer{Description: "x"})
	if err != nil {
		t.Fatalf("NewEnvelope() error = %v", err)
	}
	if env.MsgID == "" {
		t.Fatal("NewEnvelope() left MsgID empty")
	}
	if err := env.ValidateBasic(); err != nil {
		t.Fatalf("ValidateBasic() error = %v", err)
	}
}

func TestEnvelope_JSONRoundTrip(t *testing.T) {
	original, err := NewEnvelope(TypeOffer, NewMsgID(), Offer{Transport: "quic", Description: `{"candidates":["127.0.0.1:9"]}`})
	if err != nil {
		t.Fatalf("NewEnvelope() error = %v", err)
	}
	original.From = "jalebi-r-1"
	original.To = "jalebi-1234"

	data, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("json.Marshal() error = %v", err)
	}
	var decoded Envelope
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("json.Unmarshal() error = %v", err)
	}
	if err := decoded.ValidateBasic(); err != nil {
		t.Fatalf("ValidateBasic() after unmarshal error = %v", err)
	}
	if decoded.From != original.From || decoded.To != original.To {
		t.Errorf("route = %s->%s, want %s->%s", decoded.From, decoded.To, original.From, original.To)
	}

	var offer Offer
	if err := decoded.DecodePayload(&offer); err != nil {
		t.Fatalf("DecodePayload() error = %v", err)
	}
	if offer.Transport != "quic" {
		t.Errorf("Transport = %s, want quic", offer.Transport)
	}
	if offer.Description != `{"candidates":["127.0.0.1:9"]}` {
		t.Errorf("Description = %s", offer.Description)
	}
}

func TestEnvelope_UnknownFieldsIgnored(t *testing.T) {
	jsonData := `{
		"v": 1,
		"type": "reject",
		"msg_id": "test123",
		"from": "jalebi-1234",
		"unknown_field": "should be ignored",
		"payload": {"code":"busy","reason":"transfer in progress"}
	}`

	var env Envelope
	if err := json.Unmarshal([]byte(jsonData), &env); err != nil {
		t.Fatalf("json.Unmarshal() error = %v", err)
	}
	if err := env.ValidateBasic(); err != nil {
		t.Fatalf("ValidateBasic() error = %v", err)
	}

	var reject Reject
	if err := env.DecodePayload(&reject); err != nil {
		t.Fatalf("DecodePayload() error = %v", err)
	}
	if reject.Code != CodeBusy {
		t.Errorf("Code = %s, want %s", reject.Code, CodeBusy)
	}
}

func TestEnvelope_DecodeEmptyPayload(t *testing.T) {
	env, _ := NewEnvelope(TypeRegistered, "id", nil)
	var r Registered
	if err := env.DecodePayload(&r); err == nil {
		t.Fatal("DecodePayload() on empty payload succeeded")
	}
}

func TestEnvelope_ValidateBasic(t *testing.T) {
	tests := []struct {
		name   string
		env    Envelope
		errMsg string
	}{
		{
			name: "valid envelope",
			env:  Envelope{V: ProtocolVersion, Type: TypeOffer, MsgID: "test123"},
		},
		{
			name:   "wrong version",
			env:    Envelope{V: 999, Type: TypeOffer, MsgID: "test123"},
			errMsg: "invalid protocol version",
		},
		{
			name:   "missing type",
			env:    Envelope{V: ProtocolVersion, MsgID: "test123"},
			errMsg: "type is required",
		},
		{
			name:   "missing msg_id",
			env:    Envelope{V: ProtocolVersion, Type: TypeOffer},
			errMsg: "msg_id is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.env.ValidateBasic()
			if tt.errMsg == "" {
				if err != nil {
					t.Errorf("ValidateBasic() error = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.errMsg) {
				t.Errorf("ValidateBasic() error = %v, want error containing %s", err, tt.errMsg)
			}
		})
	}
}

func TestNewErrorEnvelope(t *testing.T) {
	env := NewErrorEnvelope("jalebi-r-1", CodePeerUnavailable, "jalebi-1234 is not connected")
	if env.Type != TypeError || env.To != "jalebi-r-1" {
		t.Fatalf("envelope = %+v", env)
	}
	var e Error
	if err := env.DecodePayload(&e); err != nil {
		t.Fatalf("DecodePayload() error = %v", err)
	}
	if e.Code != CodePeerUnavailable {
		t.Errorf("Code = %s, want %s", e.Code, CodePeerUnavailable)
	}
}

func TestNewMsgID(t *testing.T) {
	ids := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewMsgID()
		if id == "" {
			t.Fatal("NewMsgID() returned empty id")
		}
		if ids[id] {
			t.Errorf("NewMsgID() generated duplicate ID: %s", id)
		}
		ids[id] = true
	}
}
