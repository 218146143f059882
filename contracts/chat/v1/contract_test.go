package v1

import (
	"encoding/json"
	"testing"
)

func TestEnvelopeValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		env     Envelope
		wantErr bool
	}{
		{name: "valid hello", env: Envelope{V: Version, Type: TypeHello}, wantErr: false},
		{name: "valid typing", env: Envelope{V: Version, Type: TypeTypingStart}, wantErr: false},
		{name: "missing version", env: Envelope{Type: TypeHello}, wantErr: true},
		{name: "wrong version", env: Envelope{V: "v2", Type: TypeHello}, wantErr: true},
		{name: "missing type", env: Envelope{V: Version}, wantErr: true},
		{name: "unknown type", env: Envelope{V: Version, Type: "message_burn"}, wantErr: true},
		{name: "whitespace type", env: Envelope{V: Version, Type: "   "}, wantErr: true},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.env.Validate()
			if (err != nil) != tc.wantErr {
				t.Fatalf("Validate()=%v wantErr=%v", err, tc.wantErr)
			}
		})
	}
}

func TestEnvelopeRoundTripPreservesPayload(t *testing.T) {
	t.Parallel()

	in := Envelope{
		V:       Version,
		Type:    TypeMessageSend,
		ID:      "01J0000000000000000000000X",
		Payload: json.RawMessage(`{"conversation_id":"conv-1","client_msg_id":"c-1","body":"hi"}`),
	}

	b, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var out Envelope
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Type != in.Type || out.ID != in.ID {
		t.Fatalf("out=%+v want=%+v", out, in)
	}

	var p MessageSendPayload
	if err := json.Unmarshal(out.Payload, &p); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if p.ConversationID != "conv-1" || p.Body != "hi" {
		t.Fatalf("payload=%+v", p)
	}
}
