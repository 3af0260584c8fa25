package envelope

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// The wire codec is CBOR in Core Deterministic form: stable map key
// ordering, shortest-form integers. Both sides must produce identical bytes
// for identical envelopes, since MACs and signatures cover canonical
// encodings.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("envelope: encoder init: %v", err))
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyEnforcedAPF,
		IndefLength: cbor.IndefLengthForbidden,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("envelope: decoder init: %v", err))
	}
}

// Encode serializes an envelope to canonical CBOR.
func Encode(v interface{}) ([]byte, error) {
	b, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return b, nil
}

// Decode deserializes canonical CBOR into the given envelope. Any codec
// failure maps to ErrMalformedEnvelope so callers can drop wire noise at
// the boundary without inspecting codec internals.
func Decode(data []byte, v interface{}) error {
	if err := decMode.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	return nil
}

// typeHeader is the minimal shape used to route an incoming datagram.
type typeHeader struct {
	Type MessageType `cbor:"type"`
}

// PeekType extracts the message type without decoding the full envelope.
func PeekType(data []byte) (MessageType, error) {
	var h typeHeader
	if err := decMode.Unmarshal(data, &h); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if h.Type == "" {
		return "", fmt.Errorf("%w: missing type", ErrMalformedEnvelope)
	}
	return h.Type, nil
}

// RawPayload encodes an arbitrary value as a canonical CBOR payload blob.
func RawPayload(v interface{}) (cbor.RawMessage, error) {
	b, err := Encode(v)
	if err != nil {
		return nil, err
	}
	return cbor.RawMessage(b), nil
}
