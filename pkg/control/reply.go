package control

import (
	"github.com/fxamacker/cbor/v2"

	"github.com/alpinelight/alpine/pkg/envelope"
)

// Reply is the payload of an OpReply envelope. Re names the request
// sequence number it answers; replies travel in the device's own send
// direction with their own sequence numbers.
type Reply struct {
	Re     uint64          `cbor:"re"`
	OK     bool            `cbor:"ok"`
	Error  string          `cbor:"error,omitempty"`
	Result cbor.RawMessage `cbor:"result,omitempty"`
}

// InfoResult answers get_info.
type InfoResult struct {
	Identity     envelope.DeviceIdentity `cbor:"identity"`
	Capabilities envelope.CapabilitySet  `cbor:"capabilities"`
}

// StatusResult answers get_status.
type StatusResult struct {
	State       string `cbor:"state"`
	Mode        string `cbor:"mode"`
	UptimeMS    uint64 `cbor:"uptime_ms"`
	Sessions    int    `cbor:"sessions"`
	LastFrameUS uint64 `cbor:"last_frame_us,omitempty"`
}

// IdentifyRequest asks the device to physically identify itself, for
// example by flashing its outputs.
type IdentifyRequest struct {
	DurationMS uint32 `cbor:"duration_ms,omitempty"`
}

// SetModeRequest switches the device operating mode.
type SetModeRequest struct {
	Mode string `cbor:"mode"`
}

// TimeSyncRequest carries the controller's send timestamp.
type TimeSyncRequest struct {
	ControllerUS uint64 `cbor:"controller_us"`
}

// TimeSyncResult echoes the controller timestamp alongside the device
// clock at processing time, letting the controller estimate offset and
// round trip.
type TimeSyncResult struct {
	ControllerUS uint64 `cbor:"controller_us"`
	DeviceUS     uint64 `cbor:"device_us"`
}
