package v1

import (
	"encoding/json"
	"testing"
	"time"
)

func TestEnvelopeValidate(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	cases := []struct {
		name string
		env  Envelope
		ok   bool
	}{
		{name: "hello", env: Envelope{V: Version, Type: TypeHello, TS: now}, ok: true},
		{name: "data", env: Envelope{V: Version, Type: TypeData}, ok: true},
		{name: "missing version", env: Envelope{Type: TypeHello}, ok: false},
		{name: "wrong version", env: Envelope{V: "v2", Type: TypeHello}, ok: false},
		{name: "missing type", env: Envelope{V: Version}, ok: false},
		{name: "unknown type", env: Envelope{V: Version, Type: "message_send"}, ok: false},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.env.Validate()
			if tc.ok && err != nil {
				t.Fatalf("Validate()=%v want=nil", err)
			}
			if !tc.ok && err == nil {
				t.Fatalf("Validate()=nil want=error")
			}
		})
	}
}

func TestHelloPayloadValidate(t *testing.T) {
	t.Parallel()

	if err := (HelloPayload{PeerID: "p", ServiceType: "interaction"}).Validate(); err != nil {
		t.Fatalf("Validate()=%v want=nil", err)
	}
	if err := (HelloPayload{ServiceType: "interaction"}).Validate(); err == nil {
		t.Fatalf("missing peer_id accepted")
	}
	if err := (HelloPayload{PeerID: "p"}).Validate(); err == nil {
		t.Fatalf("missing service_type accepted")
	}
}

func TestDataPayloadIsBase64OnTheWire(t *testing.T) {
	t.Parallel()

	b, err := json.Marshal(DataPayload{Data: []byte{0x00, 0xff}})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if got, want := string(b), `{"data":"AP8="}`; got != want {
		t.Fatalf("json=%s want=%s", got, want)
	}
}
