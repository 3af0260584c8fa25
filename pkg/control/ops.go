// Package control implements the reliable, authenticated command channel
// of an established session: strict sender-side sequencing, AEAD-tagged
// envelopes, acknowledgement with retransmission and exponential backoff,
// and receiver-side dedup so commands are application-visible exactly once.
package control

import "strings"

// Operation names carried in control envelopes.
const (
	OpGetInfo   = "get_info"
	OpGetCaps   = "get_caps"
	OpIdentify  = "identify"
	OpRestart   = "restart"
	OpGetStatus = "get_status"
	OpSetConfig = "set_config"
	OpSetMode   = "set_mode"
	OpTimeSync  = "time_sync"

	// OpKeepalive is a lightweight no-ack envelope refreshing the
	// session's last-activity clock.
	OpKeepalive = "keepalive"

	// OpReply carries a device response to an earlier request; its payload
	// names the request sequence it answers.
	OpReply = "reply"

	// VendorPrefix namespaces vendor-specific operations.
	VendorPrefix = "vendor."
)

// IsPrivileged reports whether the operation requires an embedded
// long-term-identity signature in addition to the session AEAD tag. The
// extra signature keeps restart and reconfiguration safe even against a
// compromised session key.
func IsPrivileged(op string) bool {
	return op == OpRestart || op == OpSetConfig
}

// IsVendor reports whether the operation lives in the vendor namespace.
func IsVendor(op string) bool {
	return strings.HasPrefix(op, VendorPrefix)
}
