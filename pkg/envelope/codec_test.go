package envelope

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncodeDeterministic(t *testing.T) {
	f := &Frame{
		Type:          TypeFrame,
		SessionID:     bytes.Repeat([]byte{7}, SessionIDSize),
		TimestampUS:   123456,
		Priority:      3,
		ChannelFormat: FormatU16,
		Channels:      []uint16{0, 512, 65535},
		Groups:        map[string][]uint16{"wash": {1, 2}, "spot": {3}},
	}
	a, err := Encode(f)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	b, err := Encode(f)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Fatal("identical envelopes encoded to different bytes")
	}
}

func TestRoundTripControl(t *testing.T) {
	env := &Control{
		Type:       TypeControl,
		SessionID:  bytes.Repeat([]byte{1}, SessionIDSize),
		Seq:        42,
		Op:         "get_info",
		RequireAck: true,
	}
	b, err := Encode(env)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var got Control
	if err := Decode(b, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Seq != env.Seq || got.Op != env.Op || !got.RequireAck {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestOmittedMACChangesEncoding(t *testing.T) {
	env := &Control{Type: TypeControl, Seq: 1, Op: "x"}
	bare, err := Encode(env)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	env.MAC = []byte{1, 2, 3}
	tagged, err := Encode(env)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if bytes.Equal(bare, tagged) {
		t.Fatal("mac field did not change the canonical encoding")
	}
}

func TestPeekType(t *testing.T) {
	b, err := Encode(&SessionInit{Type: TypeSessionInit})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	typ, err := PeekType(b)
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if typ != TypeSessionInit {
		t.Fatalf("peek = %q, want %q", typ, TypeSessionInit)
	}
}

func TestDecodeMalformed(t *testing.T) {
	cases := [][]byte{
		nil,
		{0xff, 0xff, 0xff},
		[]byte("not cbor at all"),
	}
	for _, data := range cases {
		var env Control
		if err := Decode(data, &env); !errors.Is(err, ErrMalformedEnvelope) {
			t.Fatalf("decode(%x) = %v, want ErrMalformedEnvelope", data, err)
		}
	}
	if _, err := PeekType([]byte{0xa0}); !errors.Is(err, ErrMalformedEnvelope) {
		t.Fatalf("peek on typeless map = %v, want ErrMalformedEnvelope", err)
	}
}

func TestChannelFormat(t *testing.T) {
	if !FormatU8.Valid() || !FormatU16.Valid() {
		t.Fatal("known formats reported invalid")
	}
	if ChannelFormat(12).Valid() {
		t.Fatal("unknown format reported valid")
	}
	if FormatU8.MaxValue() != 0xFF || FormatU16.MaxValue() != 0xFFFF {
		t.Fatal("wrong max values")
	}
}

func TestCapabilitySet(t *testing.T) {
	caps := CapabilitySet{"dimming", "rgb"}
	if !caps.Has("rgb") {
		t.Fatal("missing rgb")
	}
	if caps.Has("strobe") {
		t.Fatal("unexpected strobe")
	}
}
