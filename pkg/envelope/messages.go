package envelope

import "github.com/fxamacker/cbor/v2"

// DiscoveryRequest asks a device to identify itself. The nonce binds the
// signed reply to this exchange.
type DiscoveryRequest struct {
	Type      MessageType `cbor:"type"`
	Nonce     []byte      `cbor:"nonce"`
	Requested []string    `cbor:"requested"`
}

// DiscoveryReply carries the device identity and capabilities, signed with
// the device's long-term key over the canonical reply with the signature
// field absent.
type DiscoveryReply struct {
	Type         MessageType    `cbor:"type"`
	Nonce        []byte         `cbor:"nonce"`
	Identity     DeviceIdentity `cbor:"identity"`
	Capabilities CapabilitySet  `cbor:"capabilities"`
	Signature    []byte         `cbor:"signature,omitempty"`
}

// SessionInit opens a handshake: a fresh controller nonce and an ephemeral
// X25519 public key.
type SessionInit struct {
	Type         MessageType `cbor:"type"`
	SessionID    []byte      `cbor:"session_id"`
	Nonce        []byte      `cbor:"nonce"`
	EphemeralPub []byte      `cbor:"ephemeral_pub"`
}

// SessionAck is the device's handshake reply: its own fresh nonce, its
// ephemeral X25519 public key, and an Ed25519 signature over the handshake
// transcript (both nonces, both ephemeral keys, session_id).
type SessionAck struct {
	Type         MessageType `cbor:"type"`
	SessionID    []byte      `cbor:"session_id"`
	Nonce        []byte      `cbor:"nonce"`
	EphemeralPub []byte      `cbor:"ephemeral_pub"`
	Signature    []byte      `cbor:"signature"`
}

// SessionReady confirms the controller holds matching derived keys. The MAC
// is an AEAD tag over the transcript hash under the controller's tx key.
type SessionReady struct {
	Type      MessageType `cbor:"type"`
	SessionID []byte      `cbor:"session_id"`
	MAC       []byte      `cbor:"mac"`
}

// SessionComplete is the device's confirmation; MAC as SessionReady but
// under the device's tx key.
type SessionComplete struct {
	Type      MessageType `cbor:"type"`
	SessionID []byte      `cbor:"session_id"`
	MAC       []byte      `cbor:"mac"`
}

// Control is a reliable, authenticated command envelope. The MAC is an AEAD
// tag computed under the sender's tx key with a nonce derived from Seq, over
// the canonical encoding of the envelope with MAC absent. Sig is only
// present on privileged operations and is an Ed25519 signature by the
// sender's long-term identity, independent of the session key.
type Control struct {
	Type       MessageType     `cbor:"type"`
	SessionID  []byte          `cbor:"session_id"`
	Seq        uint64          `cbor:"seq"`
	Op         string          `cbor:"op"`
	Payload    cbor.RawMessage `cbor:"payload,omitempty"`
	RequireAck bool            `cbor:"require_ack,omitempty"`
	Sig        []byte          `cbor:"sig,omitempty"`
	MAC        []byte          `cbor:"mac,omitempty"`
}

// ControlAck acknowledges receipt of the control envelope with AckedSeq.
type ControlAck struct {
	Type      MessageType `cbor:"type"`
	SessionID []byte      `cbor:"session_id"`
	AckedSeq  uint64      `cbor:"acked_seq"`
}

// Frame is a streaming lighting frame. Frames are never retransmitted;
// ordering and loss are handled receiver-side by the jitter policy.
type Frame struct {
	Type          MessageType                `cbor:"type"`
	SessionID     []byte                     `cbor:"session_id"`
	TimestampUS   uint64                     `cbor:"timestamp_us"`
	Priority      uint8                      `cbor:"priority"`
	ChannelFormat ChannelFormat              `cbor:"channel_format"`
	Channels      []uint16                   `cbor:"channels"`
	Groups        map[string][]uint16        `cbor:"groups,omitempty"`
	Metadata      map[string]cbor.RawMessage `cbor:"metadata,omitempty"`
}
