package envelope

import "errors"

// Protocol version
const Version uint8 = 1

// Sentinel errors shared across packages.
var (
	ErrMalformedEnvelope     = errors.New("malformed envelope")
	ErrAuthenticationFailure = errors.New("authentication failure")
	ErrReplayDetected        = errors.New("replay detected")
	ErrTimeout               = errors.New("timeout")
	ErrSessionClosed         = errors.New("session closed")
	ErrSessionFailed         = errors.New("session failed")
	ErrSequenceOverflow      = errors.New("sequence counter overflow")
)

// MessageType identifies a wire envelope.
type MessageType string

const (
	TypeDiscoveryRequest MessageType = "discovery_request"
	TypeDiscoveryReply   MessageType = "discovery_reply"
	TypeSessionInit      MessageType = "session_init"
	TypeSessionAck       MessageType = "session_ack"
	TypeSessionReady     MessageType = "session_ready"
	TypeSessionComplete  MessageType = "session_complete"
	TypeControl          MessageType = "alpine_control"
	TypeControlAck       MessageType = "alpine_control_ack"
	TypeFrame            MessageType = "alpine_frame"
)

// ChannelFormat is the per-channel value width of a streaming frame.
// Frames within one session may alternate between widths; receivers
// must handle both without assuming a fixed slot count.
type ChannelFormat uint8

const (
	FormatU8  ChannelFormat = 8
	FormatU16 ChannelFormat = 16
)

// Valid reports whether the format is a known width.
func (f ChannelFormat) Valid() bool {
	return f == FormatU8 || f == FormatU16
}

// MaxValue returns the largest channel value representable in the format.
func (f ChannelFormat) MaxValue() uint16 {
	if f == FormatU8 {
		return 0xFF
	}
	return 0xFFFF
}

// NonceSize is the length of handshake and discovery nonces.
const NonceSize = 32

// SessionIDSize is the length of a session identifier (128-bit).
const SessionIDSize = 16

// DeviceIdentity describes a lighting endpoint. It is supplied by
// discovery or provisioning and is read-only to the protocol engine.
type DeviceIdentity struct {
	DeviceID       string `cbor:"device_id"`
	ManufacturerID string `cbor:"manufacturer_id"`
	ModelID        string `cbor:"model_id"`
	HardwareRev    string `cbor:"hardware_rev"`
	FirmwareRev    string `cbor:"firmware_rev"`
	MAC            string `cbor:"mac"`
	PublicKey      []byte `cbor:"public_key"` // long-term Ed25519 public key
}

// CapabilitySet is the list of capability names a device advertises.
type CapabilitySet []string

// Has reports whether the set contains the named capability.
func (cs CapabilitySet) Has(name string) bool {
	for _, c := range cs {
		if c == name {
			return true
		}
	}
	return false
}
